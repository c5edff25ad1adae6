// Package codec translates emails and accounts to and from the sync wire
// payload: zipped JSON lines, one record per line, carrying only the
// fields that are present.
package codec

import (
	"strings"
	"time"

	"github.com/nhle/mailsync/internal/model"
)

// Record is one wire record before serialization or after decoding.
type Record map[string]any

// Wire keys.
const (
	KeyFrom        = "from"
	KeyTo          = "to"
	KeyCc          = "cc"
	KeyBcc         = "bcc"
	KeySubject     = "subject"
	KeyBody        = "body"
	KeyUID         = "_uid"
	KeySentAt      = "sent_at"
	KeyRead        = "read"
	KeyAttachments = "attachments"

	KeyName  = "name"
	KeyEmail = "email"

	keyFilename = "filename"
	keyContent  = "content"
)

// legacySentAtLayout is the minute-precision layout older payloads use.
const legacySentAtLayout = "2006-01-02 15:04"

var emailKeys = []string{
	KeyFrom, KeyTo, KeyCc, KeyBcc, KeySubject, KeyBody,
	KeyUID, KeySentAt, KeyRead, KeyAttachments,
}

// Pack reduces emails and accounts to records, emails first. Empty
// strings, empty lists, a false read flag and a nil sent_at are left out.
func Pack(emails []model.Email, accounts []model.Account) []Record {
	records := make([]Record, 0, len(emails)+len(accounts))
	for _, e := range emails {
		records = append(records, packEmail(e))
	}
	for _, a := range accounts {
		if r := packAccount(a); len(r) > 0 {
			records = append(records, r)
		}
	}
	return records
}

func packEmail(e model.Email) Record {
	r := Record{}
	putString(r, KeyFrom, e.From)
	putStrings(r, KeyTo, e.To)
	putStrings(r, KeyCc, e.Cc)
	putStrings(r, KeyBcc, e.Bcc)
	putString(r, KeySubject, e.Subject)
	putString(r, KeyBody, e.Body)
	putString(r, KeyUID, e.UID)
	if e.SentAt != nil {
		r[KeySentAt] = e.SentAt.UTC().Format(time.RFC3339Nano)
	}
	if e.Read {
		r[KeyRead] = true
	}
	if len(e.Attachments) > 0 {
		attachments := make([]any, 0, len(e.Attachments))
		for _, a := range e.Attachments {
			m := map[string]any{}
			putString(m, keyFilename, a.Filename)
			putString(m, keyContent, a.Content)
			attachments = append(attachments, m)
		}
		r[KeyAttachments] = attachments
	}
	return r
}

func packAccount(a model.Account) Record {
	r := Record{}
	putString(r, KeyName, a.Name)
	putString(r, KeyEmail, a.Email)
	return r
}

func putString(r map[string]any, key, value string) {
	if value != "" {
		r[key] = value
	}
}

func putStrings(r map[string]any, key string, values []string) {
	if len(values) > 0 {
		r[key] = append([]string(nil), values...)
	}
}

// IsEmail reports whether r carries any email field.
func (r Record) IsEmail() bool {
	for _, k := range emailKeys {
		if _, ok := r[k]; ok {
			return true
		}
	}
	return false
}

// IsAccount reports whether r is an account record: it has a name or an
// email and no email field.
func (r Record) IsAccount() bool {
	if r.IsEmail() {
		return false
	}
	_, hasName := r[KeyName]
	_, hasEmail := r[KeyEmail]
	return hasName || hasEmail
}

// UnpackEmails rebuilds the email records. Missing fields take their zero
// value; a sent_at that cannot be parsed is dropped.
func UnpackEmails(records []Record) []model.Email {
	var emails []model.Email
	for _, r := range records {
		if !r.IsEmail() {
			continue
		}
		e := model.Email{
			UID:     stringOf(r[KeyUID]),
			From:    stringOf(r[KeyFrom]),
			To:      stringsOf(r[KeyTo]),
			Cc:      stringsOf(r[KeyCc]),
			Bcc:     stringsOf(r[KeyBcc]),
			Subject: stringOf(r[KeySubject]),
			Body:    stringOf(r[KeyBody]),
		}
		if read, ok := r[KeyRead].(bool); ok {
			e.Read = read
		}
		if t, ok := parseSentAt(stringOf(r[KeySentAt])); ok {
			e.SentAt = &t
		}
		e.Attachments = attachmentsOf(r[KeyAttachments])
		emails = append(emails, e)
	}
	return emails
}

// UnpackAccounts rebuilds the account records.
func UnpackAccounts(records []Record) []model.Account {
	var accounts []model.Account
	for _, r := range records {
		if !r.IsAccount() {
			continue
		}
		accounts = append(accounts, model.Account{
			Name:  stringOf(r[KeyName]),
			Email: stringOf(r[KeyEmail]),
		})
	}
	return accounts
}

func parseSentAt(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339Nano, legacySentAtLayout} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

func stringOf(v any) string {
	s, _ := v.(string)
	return s
}

// stringsOf accepts both a packed []string and a decoded []any.
func stringsOf(v any) []string {
	switch vs := v.(type) {
	case []string:
		if len(vs) == 0 {
			return nil
		}
		return append([]string(nil), vs...)
	case []any:
		var out []string
		for _, item := range vs {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func attachmentsOf(v any) []model.Attachment {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	var out []model.Attachment
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		out = append(out, model.Attachment{
			Filename: stringOf(m[keyFilename]),
			Content:  stringOf(m[keyContent]),
		})
	}
	return out
}
