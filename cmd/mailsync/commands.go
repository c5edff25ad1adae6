package main

import (
	"bufio"
	"context"
	"encoding/base64"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/nhle/mailsync/internal/credential"
	"github.com/nhle/mailsync/internal/mailbox"
	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/server"
	"github.com/nhle/mailsync/internal/store"
	"github.com/nhle/mailsync/internal/sync"
	"github.com/nhle/mailsync/internal/theme"
)

type command func(ctx context.Context, a *app, args []string) error

var commands = map[string]command{
	"upload":       cmdUpload,
	"download":     cmdDownload,
	"serve":        cmdServe,
	"inbox":        folderCommand("Inbox", store.EmailStore.Inbox),
	"outbox":       folderCommand("Outbox", store.EmailStore.Outbox),
	"sent":         folderCommand("Sent", store.EmailStore.Sent),
	"search":       cmdSearch,
	"compose":      cmdCompose,
	"read":         cmdRead,
	"show":         cmdShow,
	"export":       cmdExport,
	"import":       cmdImport,
	"account-add":  cmdAccountAdd,
	"accounts":     cmdAccounts,
	"set-password": cmdSetPassword,
}

// shutdownTimeout bounds the graceful shutdown of serve.
const shutdownTimeout = 10 * time.Second

// stringList is a repeatable string flag.
type stringList []string

func (l *stringList) String() string { return strings.Join(*l, ",") }

func (l *stringList) Set(v string) error {
	*l = append(*l, v)
	return nil
}

func newFlagSet(a *app, name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(a.out)
	return fs
}

// resolveAddress maps an account name or address to the address mail is
// stored under. Unknown values are used as addresses verbatim.
func resolveAddress(ctx context.Context, a *app, as string) (string, error) {
	as = strings.TrimSpace(as)
	if as == "" {
		return "", fmt.Errorf("-as is required")
	}
	account, err := a.store.FindAccount(ctx, as)
	if errors.Is(err, store.ErrNotFound) {
		return as, nil
	}
	if err != nil {
		return "", err
	}
	return account.Address(), nil
}

func cmdInit(configPath string, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	fs.SetOutput(out)
	force := fs.Bool("force", false, "overwrite an existing config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if _, err := os.Stat(configPath); err == nil && !*force {
		return fmt.Errorf("%s already exists (use -force to overwrite)", configPath)
	}

	cfg, err := model.DefaultConfig()
	if err != nil {
		return err
	}
	if err := model.SaveConfig(configPath, cfg); err != nil {
		return err
	}
	fmt.Fprintln(out, theme.SuccessStyle.Render("Wrote "+configPath))
	return nil
}

func cmdUpload(ctx context.Context, a *app, args []string) error {
	if err := newFlagSet(a, "upload").Parse(args); err != nil {
		return err
	}
	n, err := a.engine.Upload(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintln(a.out, theme.SuccessStyle.Render(fmt.Sprintf("Uploaded %d email(s)", n)))
	return nil
}

func cmdDownload(ctx context.Context, a *app, args []string) error {
	if err := newFlagSet(a, "download").Parse(args); err != nil {
		return err
	}
	n, err := a.engine.Download(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintln(a.out, theme.SuccessStyle.Render(fmt.Sprintf("Downloaded %d email(s)", n)))
	return nil
}

func cmdServe(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet(a, "serve")
	addr := fs.String("addr", a.cfg.Server.Addr, "operator API listen address")
	interval := fs.Duration("interval", a.cfg.Sync.Interval(), "time between automatic syncs")
	if err := fs.Parse(args); err != nil {
		return err
	}

	poller := sync.NewPoller(a.engine, *interval)
	httpServer := server.NewHTTPServer(a.engine, poller)

	poller.Start()
	defer poller.Stop()

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.Start(*addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	log.WithFields(log.Fields{
		"addr":     *addr,
		"interval": interval.String(),
	}).Info("mailsync started")

	var serveErr error
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case err := <-errCh:
			serveErr = fmt.Errorf("HTTP server: %w", err)
			break loop
		case r := <-poller.Results():
			entry := log.WithFields(log.Fields{"direction": r.Direction, "count": r.Count})
			if r.Error != nil {
				entry.WithError(r.Error).Warn("Scheduled sync failed")
			} else {
				entry.Info("Scheduled sync finished")
			}
		}
	}

	log.Info("Shutting down mailsync...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Errorf("Error shutting down HTTP server: %v", err)
	}
	return serveErr
}

func folderCommand(
	title string,
	list func(store.EmailStore, context.Context, string) ([]model.Email, error),
) command {
	return func(ctx context.Context, a *app, args []string) error {
		fs := newFlagSet(a, strings.ToLower(title))
		as := fs.String("as", "", "account name or address")
		if err := fs.Parse(args); err != nil {
			return err
		}
		address, err := resolveAddress(ctx, a, *as)
		if err != nil {
			return err
		}
		emails, err := list(a.store, ctx, address)
		if err != nil {
			return err
		}
		renderFolder(a.out, title, emails)
		return nil
	}
}

func cmdSearch(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet(a, "search")
	as := fs.String("as", "", "account name or address")
	if err := fs.Parse(args); err != nil {
		return err
	}
	address, err := resolveAddress(ctx, a, *as)
	if err != nil {
		return err
	}
	query := strings.Join(fs.Args(), " ")
	emails, err := a.store.Search(ctx, address, query)
	if err != nil {
		return err
	}
	renderFolder(a.out, fmt.Sprintf("Search %q", query), emails)
	return nil
}

func cmdCompose(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet(a, "compose")
	as := fs.String("as", "", "sending account name or address")
	subject := fs.String("subject", "", "subject line")
	body := fs.String("body", "", "message body")
	bodyFile := fs.String("body-file", "", `read the body from a file ("-" for stdin)`)
	var to, cc, bcc, attach stringList
	fs.Var(&to, "to", "recipient (repeatable, comma separated)")
	fs.Var(&cc, "cc", "carbon copy recipient (repeatable)")
	fs.Var(&bcc, "bcc", "blind carbon copy recipient (repeatable)")
	fs.Var(&attach, "attach", "file to attach (repeatable)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	from, err := resolveAddress(ctx, a, *as)
	if err != nil {
		return err
	}

	text := *body
	if *bodyFile != "" {
		if text, err = readInput(a, *bodyFile); err != nil {
			return err
		}
	}

	attachments, err := readAttachments(attach)
	if err != nil {
		return err
	}

	email, err := a.mailbox.Compose(ctx, mailbox.Draft{
		From:        from,
		To:          to,
		Cc:          cc,
		Bcc:         bcc,
		Subject:     *subject,
		Body:        text,
		Attachments: attachments,
	})
	if err != nil {
		return err
	}
	fmt.Fprintln(a.out, theme.SuccessStyle.Render("Composed "+email.UID))
	return nil
}

func cmdRead(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet(a, "read")
	as := fs.String("as", "", "account name or address")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: read -as <account> <uid>")
	}
	address, err := resolveAddress(ctx, a, *as)
	if err != nil {
		return err
	}
	email, err := a.mailbox.Read(ctx, address, fs.Arg(0))
	if err != nil {
		return err
	}
	renderEmail(a.out, *email)
	return nil
}

func cmdShow(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet(a, "show")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: show <uid>")
	}
	email, err := a.store.Get(ctx, fs.Arg(0))
	if err != nil {
		return err
	}
	renderEmail(a.out, *email)
	return nil
}

func cmdExport(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet(a, "export")
	output := fs.String("o", "-", `output file ("-" for stdout)`)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: export [-o file] <uid>")
	}
	email, err := a.store.Get(ctx, fs.Arg(0))
	if err != nil {
		return err
	}

	if *output == "-" {
		return mailbox.Export(a.out, *email)
	}
	f, err := os.Create(*output)
	if err != nil {
		return fmt.Errorf("creating %s: %w", *output, err)
	}
	w := bufio.NewWriter(f)
	if err := mailbox.Export(w, *email); err != nil {
		f.Close()
		return err
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("writing %s: %w", *output, err)
	}
	return f.Close()
}

func cmdImport(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet(a, "import")
	as := fs.String("as", "", "sending account (defaults to the message's From)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf(`usage: import [-as account] <file.eml|->`)
	}

	var from string
	if *as != "" {
		var err error
		if from, err = resolveAddress(ctx, a, *as); err != nil {
			return err
		}
	}

	r, closeFn, err := openInput(a, fs.Arg(0))
	if err != nil {
		return err
	}
	defer closeFn()

	email, err := a.mailbox.Import(ctx, r, from)
	if err != nil {
		return err
	}
	fmt.Fprintln(a.out, theme.SuccessStyle.Render("Imported "+email.UID))
	return nil
}

func cmdAccountAdd(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet(a, "account-add")
	name := fs.String("name", "", "local account name")
	email := fs.String("email", "", "routable email address")
	if err := fs.Parse(args); err != nil {
		return err
	}

	account := model.Account{
		Name:  strings.TrimSpace(*name),
		Email: strings.TrimSpace(*email),
	}
	if err := a.store.CreateAccount(ctx, account); err != nil {
		return err
	}
	fmt.Fprintln(a.out, theme.SuccessStyle.Render("Added account "+account.Address()))
	return nil
}

func cmdAccounts(ctx context.Context, a *app, args []string) error {
	if err := newFlagSet(a, "accounts").Parse(args); err != nil {
		return err
	}
	accounts, err := a.store.GetAccounts(ctx)
	if err != nil {
		return err
	}
	renderAccounts(a.out, accounts)
	return nil
}

// cmdSetPassword stores the IMAP blob store password read from stdin.
func cmdSetPassword(_ context.Context, a *app, args []string) error {
	fs := newFlagSet(a, "set-password")
	username := fs.String("user", a.cfg.Blob.IMAP.Username, "IMAP username")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *username == "" {
		return fmt.Errorf("-user is required")
	}

	line, err := bufio.NewReader(a.in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("reading password: %w", err)
	}
	password := strings.TrimRight(line, "\r\n")
	if password == "" {
		return fmt.Errorf("empty password")
	}

	if err := credential.Set(credential.IMAPPasswordKey(*username), password); err != nil {
		return err
	}
	fmt.Fprintln(a.out, theme.SuccessStyle.Render("Stored password for "+*username))
	return nil
}

// openInput opens path for reading, with "-" meaning stdin.
func openInput(a *app, path string) (io.Reader, func() error, error) {
	if path == "-" {
		return a.in, func() error { return nil }, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("opening %s: %w", path, err)
	}
	return f, f.Close, nil
}

func readInput(a *app, path string) (string, error) {
	r, closeFn, err := openInput(a, path)
	if err != nil {
		return "", err
	}
	defer closeFn()
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", path, err)
	}
	return string(data), nil
}

// readAttachments loads files as base64 attachments named after the file.
func readAttachments(paths []string) ([]model.Attachment, error) {
	var attachments []model.Attachment
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("reading attachment %s: %w", p, err)
		}
		attachments = append(attachments, model.Attachment{
			Filename: filepath.Base(p),
			Content:  base64.StdEncoding.EncodeToString(data),
		})
	}
	return attachments, nil
}
