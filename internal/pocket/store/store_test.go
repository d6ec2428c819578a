package store_test

import (
	"context"
	"os"
	"testing"

	"github.com/ddevalco/codex-pocket/internal/pocket/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	// Use a temp file that is cleaned up after the test
	f, err := os.CreateTemp(t.TempDir(), "pocket-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp db file: %v", err)
	}
	f.Close()

	s, err := store.New(f.Name())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	return s
}

func TestMigrationsAreIdempotent(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "pocket-test-*.db")
	if err != nil {
		t.Fatalf("temp db: %v", err)
	}
	f.Close()

	s, err := store.New(f.Name())
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	s.Close()

	// Re-opening must not re-apply migrations.
	s, err = store.New(f.Name())
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	defer s.Close()

	var n int
	if err := s.DB().QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&n); err != nil {
		t.Fatalf("count migrations: %v", err)
	}
	if n == 0 {
		t.Fatal("expected at least one applied migration")
	}
}

func TestSchemaHasExpectedTables(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, table := range []string{"events", "thread_metadata", "token_sessions", "upload_tokens"} {
		var name string
		err := s.DB().QueryRowContext(ctx,
			"SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?", table).Scan(&name)
		if err != nil {
			t.Errorf("table %q missing: %v", table, err)
		}
	}
}
