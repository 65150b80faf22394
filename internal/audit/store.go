package audit

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrStoreUnavailable wraps any failure to reach or use the entry store.
	ErrStoreUnavailable = errors.New("audit store unavailable")

	// ErrChainConflict is returned by Store.Append when another entry
	// already links to the same previous hash.
	ErrChainConflict = errors.New("audit chain conflict")

	// ErrNotFound is returned when no entry has the requested id.
	ErrNotFound = errors.New("audit entry not found")

	// ErrChainIntegrity marks a failed chain verification.
	ErrChainIntegrity = errors.New("audit chain integrity violation")
)

// Query filters a store listing. Zero values mean no filter.
type Query struct {
	UserID string
	Since  time.Time

	// Limit caps the number of rows; 0 returns all.
	Limit int

	// Ascending returns entries in chain (insertion) order instead of the
	// default newest-first listing order.
	Ascending bool
}

// Store persists entries. Implementations are append-only: there is no
// update or delete.
type Store interface {
	// Append inserts e and sets e.ID. It returns ErrChainConflict if an
	// entry with the same PreviousHash already exists.
	Append(ctx context.Context, e *Entry) error

	// Latest returns the hash of the most recently appended entry, or
	// GenesisHash when the store is empty.
	Latest(ctx context.Context) (string, error)

	// Get returns the entry with the given id or ErrNotFound.
	Get(ctx context.Context, id int64) (Entry, error)

	// List returns entries matching q, ordered by created_at then id,
	// descending unless q.Ascending is set.
	List(ctx context.Context, q Query) ([]Entry, error)

	Close() error
}

// storeErr classifies a store failure. Conflicts and missing rows pass
// through unchanged; everything else is wrapped as ErrStoreUnavailable.
func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrChainConflict) || errors.Is(err, ErrNotFound) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrStoreUnavailable, op, err)
}

// createdAtLayout is fixed-width so text columns sort chronologically.
const createdAtLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatCreatedAt(t time.Time) string {
	return t.UTC().Format(createdAtLayout)
}

func parseCreatedAt(s string) (time.Time, error) {
	t, err := time.Parse(createdAtLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing created_at %q: %w", s, err)
	}
	return t, nil
}
