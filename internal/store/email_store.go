package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/nhle/mailsync/internal/model"
)

// batchSize bounds the number of UIDs bound into a single IN (...) list.
const batchSize = 500

const emailColumns = `e.uid, e.sender, e.subject, e.body, e.attachments, e.sent_at, e.is_read`

const (
	whereSentBy     = `e.sender_fold = ?`
	whereReceivedBy = `EXISTS (SELECT 1 FROM recipients r WHERE r.email_uid = e.uid AND r.address_fold = ?)`
)

// emailRow is the emails table as scanned by sqlx.
type emailRow struct {
	UID         string         `db:"uid"`
	Sender      string         `db:"sender"`
	Subject     string         `db:"subject"`
	Body        string         `db:"body"`
	Attachments string         `db:"attachments"`
	SentAt      sql.NullString `db:"sent_at"`
	Read        int            `db:"is_read"`
}

type recipientRow struct {
	EmailUID string `db:"email_uid"`
	Kind     string `db:"kind"`
	Address  string `db:"address"`
}

// Create inserts emails in one transaction. Emails without a UID get a
// fresh one, written back into the caller's slice.
func (s *SQLStore) Create(ctx context.Context, emails []model.Email) error {
	if len(emails) == 0 {
		return nil
	}
	assignUIDs(emails)

	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		return s.insertEmails(ctx, tx, emails)
	})
}

// assignUIDs gives every email without a UID a new random one.
func assignUIDs(emails []model.Email) {
	for i := range emails {
		if emails[i].UID == "" {
			emails[i].UID = uuid.New().String()
		}
	}
}

// insertEmails inserts each email and its recipients, skipping emails
// whose UID is already stored.
func (s *SQLStore) insertEmails(ctx context.Context, tx *sqlx.Tx, emails []model.Email) error {
	insertEmail := tx.Rebind(`
		INSERT INTO emails (
			uid, sender, sender_fold, subject, body,
			attachments, sent_at, is_read, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (uid) DO NOTHING`)
	insertRecipient := tx.Rebind(`
		INSERT INTO recipients (email_uid, kind, position, address, address_fold)
		VALUES (?, ?, ?, ?, ?)`)

	base := s.now().UnixNano()
	for i, e := range emails {
		attachments, err := encodeAttachments(e.Attachments)
		if err != nil {
			return fmt.Errorf("encoding attachments for email %s: %w", e.UID, err)
		}

		result, err := tx.ExecContext(ctx, insertEmail,
			e.UID, e.From, fold(e.From), e.Subject, e.Body,
			attachments, formatTime(e.SentAt), boolToInt(e.Read), base+int64(i),
		)
		if err != nil {
			return fmt.Errorf("inserting email %s: %w", e.UID, err)
		}
		if rows, _ := result.RowsAffected(); rows == 0 {
			continue
		}

		for kind, addresses := range map[string][]string{
			model.RecipientTo:  e.To,
			model.RecipientCc:  e.Cc,
			model.RecipientBcc: e.Bcc,
		} {
			for pos, addr := range addresses {
				if _, err := tx.ExecContext(ctx, insertRecipient,
					e.UID, kind, pos, addr, fold(addr),
				); err != nil {
					return fmt.Errorf("inserting %s recipient for email %s: %w", kind, e.UID, err)
				}
			}
		}
	}
	return nil
}

// Get retrieves a single email by UID.
func (s *SQLStore) Get(ctx context.Context, uid string) (*model.Email, error) {
	emails, err := s.queryEmails(ctx, s.db, `e.uid = ?`, uid)
	if err != nil {
		return nil, fmt.Errorf("getting email %s: %w", uid, err)
	}
	if len(emails) == 0 {
		return nil, fmt.Errorf("email %s: %w", uid, ErrNotFound)
	}
	return &emails[0], nil
}

// Inbox retrieves the emails address received.
func (s *SQLStore) Inbox(ctx context.Context, address string) ([]model.Email, error) {
	emails, err := s.queryEmails(ctx, s.db, whereReceivedBy, fold(address))
	if err != nil {
		return nil, fmt.Errorf("querying inbox for %s: %w", address, err)
	}
	return emails, nil
}

// Outbox retrieves the unsent emails written by address.
func (s *SQLStore) Outbox(ctx context.Context, address string) ([]model.Email, error) {
	emails, err := s.queryEmails(ctx, s.db,
		whereSentBy+` AND e.sent_at IS NULL`, fold(address))
	if err != nil {
		return nil, fmt.Errorf("querying outbox for %s: %w", address, err)
	}
	return emails, nil
}

// Sent retrieves the sent emails written by address.
func (s *SQLStore) Sent(ctx context.Context, address string) ([]model.Email, error) {
	emails, err := s.queryEmails(ctx, s.db,
		whereSentBy+` AND e.sent_at IS NOT NULL`, fold(address))
	if err != nil {
		return nil, fmt.Errorf("querying sent for %s: %w", address, err)
	}
	return emails, nil
}

// Search retrieves the emails address can access, then keeps those that
// contain query. Matching happens in Go so that case folding does not
// depend on the database collation.
func (s *SQLStore) Search(
	ctx context.Context,
	address string,
	query string,
) ([]model.Email, error) {
	f := fold(address)
	accessible, err := s.queryEmails(ctx, s.db,
		`(`+whereSentBy+` OR `+whereReceivedBy+`)`, f, f)
	if err != nil {
		return nil, fmt.Errorf("searching emails for %s: %w", address, err)
	}

	var matches []model.Email
	for _, e := range accessible {
		if e.Contains(query) {
			matches = append(matches, e)
		}
	}
	return matches, nil
}

// Pending retrieves every email that has not been uploaded yet.
func (s *SQLStore) Pending(ctx context.Context) ([]model.Email, error) {
	emails, err := s.queryEmails(ctx, s.db, `e.sent_at IS NULL`)
	if err != nil {
		return nil, fmt.Errorf("querying pending emails: %w", err)
	}
	return emails, nil
}

// MarkSent stamps sent_at on the given emails that are still pending.
func (s *SQLStore) MarkSent(ctx context.Context, uids []string, at time.Time) error {
	if len(uids) == 0 {
		return nil
	}
	sentAt := formatTime(&at)

	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		for _, batch := range chunk(uids, batchSize) {
			query, args, err := sqlx.In(
				`UPDATE emails SET sent_at = ? WHERE sent_at IS NULL AND uid IN (?)`,
				sentAt, batch)
			if err != nil {
				return fmt.Errorf("building mark sent query: %w", err)
			}
			if _, err := tx.ExecContext(ctx, tx.Rebind(query), args...); err != nil {
				return fmt.Errorf("marking emails sent: %w", err)
			}
		}
		return nil
	})
}

// MarkRead sets is_read on the given emails that address can access.
func (s *SQLStore) MarkRead(ctx context.Context, address string, uids []string) error {
	if len(uids) == 0 {
		return nil
	}
	f := fold(address)

	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		for _, batch := range chunk(uids, batchSize) {
			query, args, err := sqlx.In(`
				UPDATE emails SET is_read = 1
				WHERE uid IN (?)
				AND (sender_fold = ? OR EXISTS (
					SELECT 1 FROM recipients r
					WHERE r.email_uid = emails.uid AND r.address_fold = ?))`,
				batch, f, f)
			if err != nil {
				return fmt.Errorf("building mark read query: %w", err)
			}
			if _, err := tx.ExecContext(ctx, tx.Rebind(query), args...); err != nil {
				return fmt.Errorf("marking emails read for %s: %w", address, err)
			}
		}
		return nil
	})
}

// queryEmails selects the emails matching where, in insertion order, and
// attaches their recipients. Rows are fully read before the recipient
// query runs because the SQLite pool holds a single connection.
func (s *SQLStore) queryEmails(
	ctx context.Context,
	q sqlx.ExtContext,
	where string,
	args ...any,
) ([]model.Email, error) {
	query := q.Rebind(`SELECT ` + emailColumns + ` FROM emails e WHERE ` + where +
		` ORDER BY e.created_at, e.uid`)

	var rows []emailRow
	if err := sqlx.SelectContext(ctx, q, &rows, query, args...); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}

	emails := make([]model.Email, 0, len(rows))
	index := make(map[string]int, len(rows))
	uids := make([]string, 0, len(rows))
	for _, row := range rows {
		e, err := row.toEmail()
		if err != nil {
			return nil, err
		}
		index[e.UID] = len(emails)
		emails = append(emails, e)
		uids = append(uids, e.UID)
	}

	for _, batch := range chunk(uids, batchSize) {
		query, args, err := sqlx.In(`
			SELECT email_uid, kind, address FROM recipients
			WHERE email_uid IN (?)
			ORDER BY email_uid, kind, position`, batch)
		if err != nil {
			return nil, fmt.Errorf("building recipients query: %w", err)
		}

		var recipients []recipientRow
		if err := sqlx.SelectContext(ctx, q, &recipients, q.Rebind(query), args...); err != nil {
			return nil, fmt.Errorf("querying recipients: %w", err)
		}

		for _, r := range recipients {
			e := &emails[index[r.EmailUID]]
			switch r.Kind {
			case model.RecipientTo:
				e.To = append(e.To, r.Address)
			case model.RecipientCc:
				e.Cc = append(e.Cc, r.Address)
			case model.RecipientBcc:
				e.Bcc = append(e.Bcc, r.Address)
			}
		}
	}

	return emails, nil
}

func (r emailRow) toEmail() (model.Email, error) {
	e := model.Email{
		UID:     r.UID,
		From:    r.Sender,
		Subject: r.Subject,
		Body:    r.Body,
		Read:    r.Read != 0,
	}

	if r.SentAt.Valid && r.SentAt.String != "" {
		t, err := time.Parse(timeLayout, r.SentAt.String)
		if err != nil {
			return e, fmt.Errorf("parsing sent_at of email %s: %w", r.UID, err)
		}
		e.SentAt = &t
	}

	if r.Attachments != "" {
		if err := json.Unmarshal([]byte(r.Attachments), &e.Attachments); err != nil {
			return e, fmt.Errorf("decoding attachments of email %s: %w", r.UID, err)
		}
	}
	return e, nil
}

func encodeAttachments(attachments []model.Attachment) (string, error) {
	if len(attachments) == 0 {
		return "", nil
	}
	data, err := json.Marshal(attachments)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// formatTime renders t as RFC 3339 in UTC, or NULL when t is nil.
func formatTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(timeLayout)
}

// isNotFound reports whether err is a missing-row error from either the
// store or database/sql.
func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, sql.ErrNoRows)
}
