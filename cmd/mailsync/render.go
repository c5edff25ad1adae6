package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/theme"
)

const (
	subjectWidth = 40
	timeLayout   = "2006-01-02 15:04"
)

func renderFolder(w io.Writer, title string, emails []model.Email) {
	fmt.Fprintln(w, theme.HeaderStyle.Render(fmt.Sprintf("%s (%d)", title, len(emails))))
	if len(emails) == 0 {
		fmt.Fprintln(w, theme.HelpStyle.Render("No mail."))
		return
	}

	rows := make([][]string, 0, len(emails))
	for _, e := range emails {
		rows = append(rows, []string{
			e.UID,
			e.From,
			strings.Join(e.To, ", "),
			truncate(e.Subject, subjectWidth),
			sentAt(e),
		})
	}
	fmt.Fprintln(w, theme.Table(
		[]string{"UID", "From", "To", "Subject", "Sent"},
		rows,
		func(row int) lipgloss.Style { return theme.EmailStyle(emails[row].Read) },
	))
}

func renderEmail(w io.Writer, e model.Email) {
	var b strings.Builder
	field := func(label, value string) {
		if value == "" {
			return
		}
		b.WriteString(theme.LabelStyle.Render(label+":") + " " + value + "\n")
	}

	field("UID", e.UID)
	field("From", e.From)
	field("To", strings.Join(e.To, ", "))
	field("Cc", strings.Join(e.Cc, ", "))
	field("Bcc", strings.Join(e.Bcc, ", "))
	field("Subject", e.Subject)
	field("Sent", sentAt(e))
	for _, a := range e.Attachments {
		field("Attachment", a.Filename)
	}
	b.WriteString("\n")
	b.WriteString(e.Body)

	fmt.Fprintln(w, theme.DetailPanelStyle.Render(b.String()))
}

func renderAccounts(w io.Writer, accounts []model.Account) {
	fmt.Fprintln(w, theme.HeaderStyle.Render(fmt.Sprintf("Accounts (%d)", len(accounts))))
	if len(accounts) == 0 {
		fmt.Fprintln(w, theme.HelpStyle.Render("No accounts. Add one with account-add."))
		return
	}

	rows := make([][]string, 0, len(accounts))
	for _, a := range accounts {
		rows = append(rows, []string{a.Name, a.Email, a.CreatedAt.Local().Format(timeLayout)})
	}
	fmt.Fprintln(w, theme.Table([]string{"Name", "Email", "Created"}, rows, nil))
}

func sentAt(e model.Email) string {
	if e.SentAt == nil {
		return "pending"
	}
	return e.SentAt.Local().Format(timeLayout)
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
