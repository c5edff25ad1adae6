package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"

	"github.com/nhle/mailsync/internal/blob"
	"github.com/nhle/mailsync/internal/credential"
	"github.com/nhle/mailsync/internal/mailbox"
	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/notify"
	"github.com/nhle/mailsync/internal/store"
	"github.com/nhle/mailsync/internal/sync"
)

// app holds everything a command needs, built once from the config.
type app struct {
	cfg     *model.AppConfig
	store   store.Store
	blobs   blob.Store
	engine  *sync.Engine
	mailbox *mailbox.Service
	closers []func() error

	in  io.Reader
	out io.Writer
}

func newApp(ctx context.Context, cfg *model.AppConfig, in io.Reader, out io.Writer) (*app, error) {
	a := &app{cfg: cfg, in: in, out: out}

	s, err := openStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	a.store = s
	a.closers = append(a.closers, s.Close)

	blobs, err := openBlobStore(cfg.Blob)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.blobs = blobs

	notifier, err := openNotifier(cfg.AMQP)
	if err != nil {
		a.Close()
		return nil, err
	}
	if c, ok := notifier.(io.Closer); ok {
		a.closers = append(a.closers, c.Close)
	}

	a.engine = sync.NewEngine(s, blobs, cfg.Sync, sync.WithNotifier(notifier))
	a.mailbox = mailbox.New(s)
	return a, nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			log.WithError(err).Warn("Error during shutdown")
		}
	}
	a.closers = nil
}

func openStore(ctx context.Context, cfg model.StoreConfig) (store.Store, error) {
	switch cfg.Driver {
	case model.StoreDriverMemory:
		return store.NewMemoryStore(), nil
	case model.StoreDriverPostgres:
		return store.NewPostgresStore(ctx, cfg.DSN)
	default:
		if cfg.Path != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
				return nil, fmt.Errorf("creating store directory: %w", err)
			}
		}
		return store.NewSQLiteStore(cfg.Path)
	}
}

func openBlobStore(cfg model.BlobConfig) (blob.Store, error) {
	switch cfg.Kind {
	case model.BlobKindMemory:
		return blob.NewMemory(), nil
	case model.BlobKindIMAP:
		password, err := credential.ResolveIMAPPassword(cfg.IMAP)
		if err != nil {
			return nil, fmt.Errorf("resolving IMAP password for %s: %w", cfg.IMAP.Username, err)
		}
		return blob.NewIMAP(
			cfg.IMAP.Host, cfg.IMAP.Port,
			cfg.IMAP.Username, password,
			cfg.IMAP.TLS, cfg.IMAP.Mailbox,
		), nil
	default:
		return blob.NewDir(cfg.Dir)
	}
}

func openNotifier(cfg model.AMQPConfig) (sync.Notifier, error) {
	if cfg.URL == "" {
		return notify.Log{}, nil
	}
	n, err := notify.NewAMQP(cfg.URL, cfg.Exchange)
	if err != nil {
		return nil, fmt.Errorf("connecting sync notifier: %w", err)
	}
	return n, nil
}
