package audit

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"
)

// openPostgresTest connects to SOCLEDGER_TEST_POSTGRES_DSN and starts from
// an empty audit_logs table. Tests are skipped when it is unset.
func openPostgresTest(t *testing.T) *PostgresStore {
	t.Helper()
	dsn := os.Getenv("SOCLEDGER_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("SOCLEDGER_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	s, err := OpenPostgres(ctx, dsn)
	if err != nil {
		t.Fatalf("OpenPostgres: %v", err)
	}
	if _, err := s.pool.Exec(ctx, "TRUNCATE audit_logs RESTART IDENTITY"); err != nil {
		t.Fatalf("truncating audit_logs: %v", err)
	}
	return s
}

func TestPostgresStore_Chain(t *testing.T) {
	store := openPostgresTest(t)
	l := newTestLog(t, store, nil)
	entries := seed(t, l)
	ctx := context.Background()

	res, err := l.Verify(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Valid || res.EntriesChecked != len(entries) {
		t.Errorf("expected valid chain, got %+v", res)
	}

	recs, err := l.List(ctx, Filter{UserID: "u1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 {
		t.Errorf("expected 2 records for u1, got %d", len(recs))
	}

	if _, err := l.Get(ctx, 9999); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestPostgresStore_RejectsFork(t *testing.T) {
	store := openPostgresTest(t)
	defer store.Close()
	ctx := context.Background()

	a := Entry{UserID: "u1", Action: ActionCreateIncident, Details: "00:11", PreviousHash: GenesisHash, CreatedAt: time.Now()}
	a.CurrentHash = hashOf(&a)
	if err := store.Append(ctx, &a); err != nil {
		t.Fatal(err)
	}

	b := Entry{UserID: "u2", Action: ActionCreateIncident, Details: "00:22", PreviousHash: GenesisHash, CreatedAt: time.Now()}
	b.CurrentHash = hashOf(&b)
	if err := store.Append(ctx, &b); !errors.Is(err, ErrChainConflict) {
		t.Errorf("expected ErrChainConflict, got %v", err)
	}
}
