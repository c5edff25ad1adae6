package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/nhle/mailsync/internal/model"
)

type accountRow struct {
	ID        string `db:"id"`
	Name      string `db:"name"`
	Email     string `db:"email"`
	CreatedAt string `db:"created_at"`
}

func (r accountRow) toAccount() model.Account {
	created, _ := time.Parse(timeLayout, r.CreatedAt)
	return model.Account{
		ID:        r.ID,
		Name:      r.Name,
		Email:     r.Email,
		CreatedAt: created,
	}
}

// CreateAccount inserts a new local account. Generates a UUID if ID is empty.
func (s *SQLStore) CreateAccount(ctx context.Context, account model.Account) error {
	if strings.TrimSpace(account.Name) == "" && strings.TrimSpace(account.Email) == "" {
		return fmt.Errorf("account name or email must not be empty")
	}
	if account.ID == "" {
		account.ID = uuid.New().String()
	}
	account.CreatedAt = s.now().UTC()

	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO accounts (id, name, name_fold, email, email_fold, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`),
		account.ID, account.Name, fold(account.Name),
		account.Email, fold(account.Email),
		account.CreatedAt.Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("creating account: %w", err)
	}
	return nil
}

// GetAccounts retrieves all accounts in creation order.
func (s *SQLStore) GetAccounts(ctx context.Context) ([]model.Account, error) {
	var rows []accountRow
	err := s.db.SelectContext(ctx, &rows,
		"SELECT id, name, email, created_at FROM accounts ORDER BY created_at, id")
	if err != nil {
		return nil, fmt.Errorf("querying accounts: %w", err)
	}

	accounts := make([]model.Account, 0, len(rows))
	for _, row := range rows {
		accounts = append(accounts, row.toAccount())
	}
	return accounts, nil
}

// FindAccount retrieves the oldest account whose name or email equals
// nameOrEmail, ignoring case.
func (s *SQLStore) FindAccount(
	ctx context.Context,
	nameOrEmail string,
) (*model.Account, error) {
	account, err := findAccount(ctx, s.db, nameOrEmail)
	if err != nil {
		return nil, fmt.Errorf("finding account %q: %w", nameOrEmail, err)
	}
	return account, nil
}

func findAccount(
	ctx context.Context,
	q sqlx.QueryerContext,
	nameOrEmail string,
) (*model.Account, error) {
	f := fold(nameOrEmail)
	if f == "" {
		return nil, ErrNotFound
	}

	var row accountRow
	err := sqlx.GetContext(ctx, q, &row, rebind(q, `
		SELECT id, name, email, created_at FROM accounts
		WHERE name_fold = ? OR email_fold = ?
		ORDER BY created_at, id
		LIMIT 1`), f, f)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	account := row.toAccount()
	return &account, nil
}

// Merge inserts the downloaded emails and reconciles the downloaded
// accounts in a single transaction.
func (s *SQLStore) Merge(
	ctx context.Context,
	emails []model.Email,
	accounts []model.Account,
) error {
	if len(emails) == 0 && len(accounts) == 0 {
		return nil
	}
	assignUIDs(emails)

	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		if err := s.insertEmails(ctx, tx, emails); err != nil {
			return err
		}

		update := tx.Rebind(`
			UPDATE accounts
			SET name = ?, name_fold = ?, email = ?, email_fold = ?
			WHERE id = ?`)
		for _, incoming := range accounts {
			local, err := matchAccount(ctx, tx, incoming)
			if err != nil {
				return fmt.Errorf("matching account %q: %w", incoming.Name, err)
			}
			if local == nil {
				continue
			}
			if _, err := tx.ExecContext(ctx, update,
				incoming.Name, fold(incoming.Name),
				incoming.Email, fold(incoming.Email),
				local.ID,
			); err != nil {
				return fmt.Errorf("updating account %s: %w", local.ID, err)
			}
		}
		return nil
	})
}

// matchAccount returns the local account an incoming account should
// overwrite, or nil. Incoming accounts need both a name and an email;
// the local account is looked up by the incoming name first and by the
// incoming email second.
func matchAccount(
	ctx context.Context,
	q sqlx.QueryerContext,
	incoming model.Account,
) (*model.Account, error) {
	if !isReconcilable(incoming) {
		return nil, nil
	}
	for _, key := range []string{incoming.Name, incoming.Email} {
		local, err := findAccount(ctx, q, key)
		if err == nil {
			return local, nil
		}
		if !isNotFound(err) {
			return nil, err
		}
	}
	return nil, nil
}

func isReconcilable(a model.Account) bool {
	return strings.TrimSpace(a.Name) != "" && strings.TrimSpace(a.Email) != ""
}

// rebind rewrites placeholders for q's driver when q knows its driver.
func rebind(q sqlx.QueryerContext, query string) string {
	if b, ok := q.(interface{ Rebind(string) string }); ok {
		return b.Rebind(query)
	}
	return query
}
