package store

import (
	"context"
	"fmt"
	"strings"
	gosync "sync"
	"time"

	"github.com/google/uuid"

	"github.com/nhle/mailsync/internal/model"
)

// MemoryStore is an in-process Store with the same semantics as SQLStore.
// Every operation holds the lock for its whole duration, so operations
// are atomic with respect to each other.
type MemoryStore struct {
	mu       gosync.RWMutex
	emails   []model.Email
	index    map[string]int
	accounts []model.Account
	now      func() time.Time
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		index: make(map[string]int),
		now:   time.Now,
	}
}

// Close is a no-op.
func (s *MemoryStore) Close() error {
	return nil
}

// Create inserts emails, skipping UIDs that already exist.
func (s *MemoryStore) Create(_ context.Context, emails []model.Email) error {
	assignUIDs(emails)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.insert(emails)
	return nil
}

func (s *MemoryStore) insert(emails []model.Email) {
	for _, e := range emails {
		if _, exists := s.index[e.UID]; exists {
			continue
		}
		s.index[e.UID] = len(s.emails)
		s.emails = append(s.emails, cloneEmail(e))
	}
}

// Get retrieves a single email by UID.
func (s *MemoryStore) Get(_ context.Context, uid string) (*model.Email, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	i, ok := s.index[uid]
	if !ok {
		return nil, fmt.Errorf("email %s: %w", uid, ErrNotFound)
	}
	e := cloneEmail(s.emails[i])
	return &e, nil
}

// Inbox retrieves the emails address received.
func (s *MemoryStore) Inbox(_ context.Context, address string) ([]model.Email, error) {
	return s.filter(func(e model.Email) bool {
		return e.IsReceivedBy(address)
	}), nil
}

// Outbox retrieves the unsent emails written by address.
func (s *MemoryStore) Outbox(_ context.Context, address string) ([]model.Email, error) {
	return s.filter(func(e model.Email) bool {
		return e.IsSentBy(address) && !e.IsSent()
	}), nil
}

// Sent retrieves the sent emails written by address.
func (s *MemoryStore) Sent(_ context.Context, address string) ([]model.Email, error) {
	return s.filter(func(e model.Email) bool {
		return e.IsSentBy(address) && e.IsSent()
	}), nil
}

// Search retrieves the emails address can access that contain query.
func (s *MemoryStore) Search(_ context.Context, address, query string) ([]model.Email, error) {
	return s.filter(func(e model.Email) bool {
		return e.CanBeAccessedBy(address) && e.Contains(query)
	}), nil
}

// Pending retrieves every email that has not been uploaded yet.
func (s *MemoryStore) Pending(_ context.Context) ([]model.Email, error) {
	return s.filter(func(e model.Email) bool {
		return !e.IsSent()
	}), nil
}

// MarkSent stamps the given emails that are still pending.
func (s *MemoryStore) MarkSent(_ context.Context, uids []string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stamp := at.UTC()
	for _, uid := range uids {
		i, ok := s.index[uid]
		if !ok || s.emails[i].SentAt != nil {
			continue
		}
		t := stamp
		s.emails[i].SentAt = &t
	}
	return nil
}

// MarkRead flags the given emails address can access as read.
func (s *MemoryStore) MarkRead(_ context.Context, address string, uids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, uid := range uids {
		i, ok := s.index[uid]
		if !ok || !s.emails[i].CanBeAccessedBy(address) {
			continue
		}
		s.emails[i].Read = true
	}
	return nil
}

// CreateAccount inserts a new local account.
func (s *MemoryStore) CreateAccount(_ context.Context, account model.Account) error {
	if strings.TrimSpace(account.Name) == "" && strings.TrimSpace(account.Email) == "" {
		return fmt.Errorf("account name or email must not be empty")
	}
	if account.ID == "" {
		account.ID = uuid.New().String()
	}
	account.CreatedAt = s.now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.accounts {
		if a.ID == account.ID {
			return fmt.Errorf("creating account: id %s already exists", account.ID)
		}
	}
	s.accounts = append(s.accounts, account)
	return nil
}

// GetAccounts retrieves all accounts in creation order.
func (s *MemoryStore) GetAccounts(_ context.Context) ([]model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	accounts := make([]model.Account, len(s.accounts))
	copy(accounts, s.accounts)
	return accounts, nil
}

// FindAccount retrieves the oldest account matching nameOrEmail.
func (s *MemoryStore) FindAccount(_ context.Context, nameOrEmail string) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	i := s.findAccount(nameOrEmail)
	if i < 0 {
		return nil, fmt.Errorf("finding account %q: %w", nameOrEmail, ErrNotFound)
	}
	a := s.accounts[i]
	return &a, nil
}

func (s *MemoryStore) findAccount(nameOrEmail string) int {
	f := fold(nameOrEmail)
	if f == "" {
		return -1
	}
	for i, a := range s.accounts {
		if fold(a.Name) == f || fold(a.Email) == f {
			return i
		}
	}
	return -1
}

// Merge inserts the downloaded emails and reconciles the downloaded
// accounts under one lock.
func (s *MemoryStore) Merge(
	_ context.Context,
	emails []model.Email,
	accounts []model.Account,
) error {
	assignUIDs(emails)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.insert(emails)
	for _, incoming := range accounts {
		if !isReconcilable(incoming) {
			continue
		}
		i := s.findAccount(incoming.Name)
		if i < 0 {
			i = s.findAccount(incoming.Email)
		}
		if i < 0 {
			continue
		}
		s.accounts[i].Name = incoming.Name
		s.accounts[i].Email = incoming.Email
	}
	return nil
}

// filter returns copies of the emails matching keep, in insertion order.
func (s *MemoryStore) filter(keep func(model.Email) bool) []model.Email {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Email
	for _, e := range s.emails {
		if keep(e) {
			out = append(out, cloneEmail(e))
		}
	}
	return out
}

// cloneEmail deep-copies the slices and the SentAt pointer so callers
// cannot mutate stored state.
func cloneEmail(e model.Email) model.Email {
	c := e
	c.To = cloneStrings(e.To)
	c.Cc = cloneStrings(e.Cc)
	c.Bcc = cloneStrings(e.Bcc)
	if e.Attachments != nil {
		c.Attachments = append([]model.Attachment(nil), e.Attachments...)
	}
	if e.SentAt != nil {
		t := *e.SentAt
		c.SentAt = &t
	}
	return c
}

func cloneStrings(s []string) []string {
	if s == nil {
		return nil
	}
	return append([]string(nil), s...)
}
