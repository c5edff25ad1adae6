// Package mailbox holds the user-facing mail operations that sit on top
// of the local store: composing, reading and moving mail in and out as
// .eml files.
package mailbox

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/store"
)

// ErrInvalidDraft wraps the validation errors of a rejected draft.
var ErrInvalidDraft = errors.New("invalid draft")

// Draft is an email being composed locally.
type Draft struct {
	From        string
	To          []string
	Cc          []string
	Bcc         []string
	Subject     string
	Body        string
	Attachments []model.Attachment
}

// Service implements the mailbox operations against an EmailStore.
type Service struct {
	store store.EmailStore
}

// New creates a Service.
func New(s store.EmailStore) *Service {
	return &Service{store: s}
}

// Compose stores d as a new outgoing email and returns it. The email is
// read from the start, since its sender wrote it, and stays in the
// outbox until the next upload.
func (s *Service) Compose(ctx context.Context, d Draft) (*model.Email, error) {
	email := model.Email{
		UID:         uuid.New().String(),
		From:        strings.TrimSpace(d.From),
		To:          cleanAddresses(d.To),
		Cc:          cleanAddresses(d.Cc),
		Bcc:         cleanAddresses(d.Bcc),
		Subject:     d.Subject,
		Body:        d.Body,
		Attachments: d.Attachments,
		Read:        true,
	}
	if err := email.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDraft, err)
	}

	if err := s.store.Create(ctx, []model.Email{email}); err != nil {
		return nil, fmt.Errorf("storing composed email: %w", err)
	}

	log.WithFields(log.Fields{
		"uid":        email.UID,
		"recipients": len(email.Recipients()),
	}).Debug("Email composed")
	return &email, nil
}

// Read returns the email with uid and marks it read for address. An
// email address cannot access is reported as not found.
func (s *Service) Read(ctx context.Context, address, uid string) (*model.Email, error) {
	email, err := s.store.Get(ctx, uid)
	if err != nil {
		return nil, err
	}
	if !email.CanBeAccessedBy(address) {
		return nil, fmt.Errorf("email %s: %w", uid, store.ErrNotFound)
	}

	if !email.Read {
		if err := s.store.MarkRead(ctx, address, []string{uid}); err != nil {
			return nil, fmt.Errorf("marking email %s read: %w", uid, err)
		}
		email.Read = true
	}
	return email, nil
}

// cleanAddresses trims addresses and drops blank ones. It also splits
// comma separated entries so "a@x, b@y" is two recipients.
func cleanAddresses(addresses []string) []string {
	var out []string
	for _, a := range addresses {
		for _, part := range strings.Split(a, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
