package testutil

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/ory/dockertest/v3"

	"github.com/nhle/mailsync/internal/store"
)

// Postgres test database configuration.
const (
	PostgresUser     = "mailsync"
	PostgresPassword = "mailsync_pwd"
	PostgresDB       = "mailsync_test"
)

// NewTestStore creates an in-memory SQLStore with all migrations applied.
// It automatically closes the store when the test completes.
func NewTestStore(t *testing.T) *store.SQLStore {
	t.Helper()

	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("creating test store: %v", err)
	}

	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("closing test store: %v", err)
		}
	})

	return s
}

// NewPostgresStore starts a throwaway PostgreSQL container and returns a
// migrated SQLStore connected to it. The test is skipped when no Docker
// daemon is reachable. The container is purged when the test completes.
func NewPostgresStore(t *testing.T) *store.SQLStore {
	t.Helper()

	pool, err := dockertest.NewPool("")
	if err != nil {
		t.Skipf("docker unavailable: %v", err)
	}
	if err := pool.Client.Ping(); err != nil {
		t.Skipf("docker unavailable: %v", err)
	}
	pool.MaxWait = 2 * time.Minute

	resource, err := pool.Run("postgres", "16-alpine", []string{
		"POSTGRES_USER=" + PostgresUser,
		"POSTGRES_PASSWORD=" + PostgresPassword,
		"POSTGRES_DB=" + PostgresDB,
	})
	if err != nil {
		t.Fatalf("starting postgres container: %v", err)
	}
	t.Cleanup(func() {
		if err := pool.Purge(resource); err != nil {
			t.Errorf("purging postgres container: %v", err)
		}
	})

	dsn := fmt.Sprintf("postgres://%s:%s@localhost:%s/%s?sslmode=disable",
		PostgresUser, PostgresPassword, resource.GetPort("5432/tcp"), PostgresDB)

	var s *store.SQLStore
	err = pool.Retry(func() error {
		var connErr error
		s, connErr = store.NewPostgresStore(context.Background(), dsn)
		return connErr
	})
	if err != nil {
		t.Fatalf("connecting to postgres: %v", err)
	}

	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("closing postgres store: %v", err)
		}
	})

	return s
}
