package store_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/store"
)

func TestSQLiteStorePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "mail.db")

	s, err := store.NewSQLiteStore(path)
	require.NoError(t, err)
	require.NoError(t, s.Create(ctx, []model.Email{{
		UID:  "u1",
		From: "alice@example.com",
		To:   []string{"bob@example.com"},
	}}))
	require.NoError(t, s.Close())

	reopened, err := store.NewSQLiteStore(path)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, []string{"bob@example.com"}, got.To)
}

func TestSQLiteStoreLargeBatch(t *testing.T) {
	ctx := context.Background()
	s, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer s.Close()

	emails := make([]model.Email, 1200)
	for i := range emails {
		emails[i] = model.Email{From: "alice@example.com", To: []string{"bob@example.com"}}
	}
	require.NoError(t, s.Create(ctx, emails))

	pending, err := s.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, len(emails))
	assert.Equal(t, model.UIDs(emails), model.UIDs(pending))

	require.NoError(t, s.MarkSent(ctx, model.UIDs(emails), time.Now()))

	pending, err = s.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}
