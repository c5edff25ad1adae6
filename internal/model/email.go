package model

import (
	"strings"
	"time"
)

// Recipient kind constants, matching the wire field names.
const (
	RecipientTo  = "to"
	RecipientCc  = "cc"
	RecipientBcc = "bcc"
)

// Attachment is a named blob carried by an email. Content is opaque
// encoded text (base64 in practice) and is never interpreted locally.
type Attachment struct {
	Filename string `json:"filename"`
	Content  string `json:"content"`
}

// Email is a single message in the local store.
//
// Its folder (inbox, outbox, sent) is never stored: it follows from the
// sender, the recipients and whether SentAt is set, relative to the
// address doing the query.
type Email struct {
	// UID is the globally unique identifier and the dedup key.
	UID string `json:"uid" db:"uid" validate:"required,notblank"`

	// From is the single sender address.
	From string `json:"from" db:"sender" validate:"required,notblank"`

	To  []string `json:"to,omitempty" db:"-"`
	Cc  []string `json:"cc,omitempty" db:"-"`
	Bcc []string `json:"bcc,omitempty" db:"-"`

	Subject string `json:"subject,omitempty" db:"subject"`
	Body    string `json:"body,omitempty" db:"body"`

	Attachments []Attachment `json:"attachments,omitempty" db:"-"`

	// SentAt is set once the message has been handed to the remote store.
	// A nil SentAt means the message is still pending in the outbox.
	SentAt *time.Time `json:"sent_at,omitempty" db:"-"`

	// Read is true for locally composed mail and false for delivered mail
	// until the recipient opens it.
	Read bool `json:"read" db:"is_read"`
}

// IsSent reports whether the email has left the outbox.
func (e Email) IsSent() bool {
	return e.SentAt != nil
}

// Recipients returns every recipient address across To, Cc and Bcc,
// in that order.
func (e Email) Recipients() []string {
	all := make([]string, 0, len(e.To)+len(e.Cc)+len(e.Bcc))
	all = append(all, e.To...)
	all = append(all, e.Cc...)
	all = append(all, e.Bcc...)
	return all
}

// IsSentBy reports whether address matches the sender, ignoring case.
func (e Email) IsSentBy(address string) bool {
	return sameAddress(e.From, address)
}

// IsReceivedBy reports whether address matches any recipient, ignoring case.
func (e Email) IsReceivedBy(address string) bool {
	for _, r := range e.Recipients() {
		if sameAddress(r, address) {
			return true
		}
	}
	return false
}

// CanBeAccessedBy reports whether address is the sender or a recipient.
func (e Email) CanBeAccessedBy(address string) bool {
	return e.IsSentBy(address) || e.IsReceivedBy(address)
}

// Contains reports whether query occurs, ignoring case, in the subject,
// body, sender or any recipient address.
func (e Email) Contains(query string) bool {
	q := strings.ToLower(query)
	if strings.Contains(strings.ToLower(e.Subject), q) ||
		strings.Contains(strings.ToLower(e.Body), q) ||
		strings.Contains(strings.ToLower(e.From), q) {
		return true
	}
	for _, r := range e.Recipients() {
		if strings.Contains(strings.ToLower(r), q) {
			return true
		}
	}
	return false
}

func sameAddress(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

// UIDs extracts the identifiers of the given emails, preserving order.
func UIDs(emails []Email) []string {
	uids := make([]string, 0, len(emails))
	for _, e := range emails {
		uids = append(uids, e.UID)
	}
	return uids
}
