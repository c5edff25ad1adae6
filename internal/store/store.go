package store

import (
	"context"
	"errors"
	"time"

	"github.com/nhle/mailsync/internal/model"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// EmailStore is the local email store. Every address comparison is
// case-insensitive: addresses are stored as written and folded on read.
type EmailStore interface {
	// Create inserts emails, assigning a UID to any email without one.
	// Emails whose UID already exists are skipped, which makes repeated
	// delivery of the same email a no-op.
	Create(ctx context.Context, emails []model.Email) error

	// Get returns the email with the given UID, or ErrNotFound.
	Get(ctx context.Context, uid string) (*model.Email, error)

	// Inbox returns emails that list address in To, Cc or Bcc.
	Inbox(ctx context.Context, address string) ([]model.Email, error)

	// Outbox returns emails sent by address that are not yet sent.
	Outbox(ctx context.Context, address string) ([]model.Email, error)

	// Sent returns emails sent by address that have left the outbox.
	Sent(ctx context.Context, address string) ([]model.Email, error)

	// Search returns emails address can access whose subject, body,
	// sender or recipients contain query.
	Search(ctx context.Context, address, query string) ([]model.Email, error)

	// Pending returns every unsent email regardless of sender.
	Pending(ctx context.Context) ([]model.Email, error)

	// MarkSent stamps the given emails with at. Unknown UIDs and emails
	// that were already stamped are left alone.
	MarkSent(ctx context.Context, uids []string, at time.Time) error

	// MarkRead flags the given emails as read, skipping any email that
	// address is neither the sender nor a recipient of.
	MarkRead(ctx context.Context, address string, uids []string) error
}

// AccountStore persists local accounts.
type AccountStore interface {
	CreateAccount(ctx context.Context, account model.Account) error
	GetAccounts(ctx context.Context) ([]model.Account, error)

	// FindAccount returns the account whose name or email matches
	// nameOrEmail, ignoring case, or ErrNotFound.
	FindAccount(ctx context.Context, nameOrEmail string) (*model.Account, error)
}

// Store is the full persistence interface used by the sync engine.
type Store interface {
	EmailStore
	AccountStore

	// Merge applies the result of a download as one transaction: emails
	// are created with the same dedup rule as Create and every incoming
	// account is reconciled against the local accounts.
	Merge(ctx context.Context, emails []model.Email, accounts []model.Account) error

	Close() error
}
