package audit

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/gobwas/glob"
)

// ErrInvalidFilter is returned by List for a malformed filter.
var ErrInvalidFilter = errors.New("invalid audit filter")

// undecryptable replaces details that cannot be opened with the current key.
var undecryptable = json.RawMessage(`{"error":"undecryptable"}`)

// Record is an entry prepared for display: details decrypted and the
// actor resolved to a display name.
type Record struct {
	ID           int64           `json:"id"`
	UserID       string          `json:"user_id"`
	User         string          `json:"user"`
	Action       Action          `json:"action"`
	Details      json.RawMessage `json:"details"`
	PreviousHash string          `json:"previous_hash"`
	CurrentHash  string          `json:"current_hash"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Filter selects records for List. Zero values mean no filter.
type Filter struct {
	UserID string
	Action string // glob over the action name, e.g. "*_INCIDENT"
	Since  time.Time
	Limit  int
}

// VerifyResult holds the outcome of a chain verification.
type VerifyResult struct {
	Valid          bool   `json:"valid"`
	EntriesChecked int    `json:"entries_checked"`
	BrokenAt       int    `json:"broken_at"` // index into the checked sequence, -1 when valid
	BrokenID       int64  `json:"broken_id,omitempty"`
	Reason         string `json:"reason,omitempty"`
	ExpectedHash   string `json:"expected_hash,omitempty"`
	ActualHash     string `json:"actual_hash,omitempty"`
}

// Err returns nil for a valid chain and an error wrapping
// ErrChainIntegrity otherwise.
func (r VerifyResult) Err() error {
	if r.Valid {
		return nil
	}
	return fmt.Errorf("%w: entry %d (id %d): %s", ErrChainIntegrity, r.BrokenAt, r.BrokenID, r.Reason)
}

// VerifyEntries checks a chain given in ascending creation order. Each
// entry's hash must recompute from its stored fields, the first entry
// must link to GenesisHash, and every other entry must link to its
// predecessor. The first failure is reported; nothing is repaired.
func VerifyEntries(entries []Entry) VerifyResult {
	for i := range entries {
		e := &entries[i]

		if expected := hashOf(e); e.CurrentHash != expected {
			return broken(i, e, "stored hash does not match entry contents", expected, e.CurrentHash)
		}

		wantPrev := GenesisHash
		if i > 0 {
			wantPrev = entries[i-1].CurrentHash
		}
		if e.PreviousHash != wantPrev {
			return broken(i, e, "previous hash does not link to the preceding entry", wantPrev, e.PreviousHash)
		}
	}
	return VerifyResult{Valid: true, EntriesChecked: len(entries), BrokenAt: -1}
}

func broken(i int, e *Entry, reason, expected, actual string) VerifyResult {
	return VerifyResult{
		EntriesChecked: i + 1,
		BrokenAt:       i,
		BrokenID:       e.ID,
		Reason:         reason,
		ExpectedHash:   expected,
		ActualHash:     actual,
	}
}

// Verify loads the whole chain from the store and verifies it.
func (l *Log) Verify(ctx context.Context) (VerifyResult, error) {
	entries, err := l.store.List(ctx, Query{Ascending: true})
	if err != nil {
		return VerifyResult{}, storeErr("list", err)
	}
	res := VerifyEntries(entries)
	if !res.Valid {
		l.logger.Error("audit chain integrity violation",
			"index", res.BrokenAt,
			"id", res.BrokenID,
			"reason", res.Reason,
		)
	}
	return res, nil
}

// List returns records newest first. Details that fail to decrypt are
// replaced by {"error":"undecryptable"}; the listing continues.
func (l *Log) List(ctx context.Context, f Filter) ([]Record, error) {
	var match glob.Glob
	if f.Action != "" {
		g, err := glob.Compile(f.Action)
		if err != nil {
			return nil, fmt.Errorf("%w: action pattern %q: %v", ErrInvalidFilter, f.Action, err)
		}
		match = g
	}

	q := Query{UserID: f.UserID, Since: f.Since}
	if match == nil {
		q.Limit = f.Limit
	}
	entries, err := l.store.List(ctx, q)
	if err != nil {
		return nil, storeErr("list", err)
	}

	names := make(map[string]string)
	records := make([]Record, 0, len(entries))
	for i := range entries {
		if match != nil && !match.Match(string(entries[i].Action)) {
			continue
		}
		records = append(records, l.open(ctx, &entries[i], names))
		if f.Limit > 0 && len(records) == f.Limit {
			break
		}
	}
	return records, nil
}

// Get returns one record by id, or an error wrapping ErrNotFound.
func (l *Log) Get(ctx context.Context, id int64) (Record, error) {
	e, err := l.store.Get(ctx, id)
	if err != nil {
		return Record{}, storeErr("get", err)
	}
	return l.open(ctx, &e, make(map[string]string)), nil
}

// open decrypts and resolves one entry. names memoizes display names.
func (l *Log) open(ctx context.Context, e *Entry, names map[string]string) Record {
	rec := Record{
		ID:           e.ID,
		UserID:       e.UserID,
		User:         e.UserID,
		Action:       e.Action,
		PreviousHash: e.PreviousHash,
		CurrentHash:  e.CurrentHash,
		CreatedAt:    e.CreatedAt,
	}

	plaintext, err := l.sealer.Decrypt(e.Details)
	switch {
	case err != nil:
		l.metrics.IncDecryptFailure()
		l.logger.Warn("audit details undecryptable", "id", e.ID, "error", err)
		rec.Details = undecryptable
	case json.Valid(plaintext):
		rec.Details = plaintext
	default:
		// Legacy rows may hold a bare string.
		quoted, _ := json.Marshal(string(plaintext))
		rec.Details = quoted
	}

	if l.resolver != nil {
		name, ok := names[e.UserID]
		if !ok {
			name = l.resolver.ResolveDisplayName(ctx, e.UserID)
			names[e.UserID] = name
		}
		rec.User = name
	}
	return rec
}

// ErrUnsupportedFormat is returned for an export format other than json,
// jsonl, or csv.
var ErrUnsupportedFormat = errors.New("unsupported export format")

// CheckFormat validates an export format. "" means jsonl.
func CheckFormat(format string) error {
	switch format {
	case "json", "jsonl", "csv", "":
		return nil
	}
	return fmt.Errorf("%w: %s (use json, jsonl, or csv)", ErrUnsupportedFormat, format)
}

// Records loads every record, oldest first, decrypted and resolved.
func (l *Log) Records(ctx context.Context) ([]Record, error) {
	entries, err := l.store.List(ctx, Query{Ascending: true})
	if err != nil {
		return nil, storeErr("list", err)
	}
	names := make(map[string]string)
	records := make([]Record, len(entries))
	for i := range entries {
		records[i] = l.open(ctx, &entries[i], names)
	}
	return records, nil
}

// Export writes every record, oldest first, as "json", "jsonl" (default),
// or "csv". Nothing is written unless the records load.
func (l *Log) Export(ctx context.Context, w io.Writer, format string) error {
	if err := CheckFormat(format); err != nil {
		return err
	}
	records, err := l.Records(ctx)
	if err != nil {
		return err
	}
	return Encode(w, format, records)
}

// Encode writes records in the given export format.
func Encode(w io.Writer, format string, records []Record) error {
	if err := CheckFormat(format); err != nil {
		return err
	}
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(records)
	case "csv":
		return WriteCSV(w, records)
	default:
		enc := json.NewEncoder(w)
		for _, r := range records {
			if err := enc.Encode(r); err != nil {
				return err
			}
		}
		return nil
	}
}

// WriteCSV writes records as CSV with a header row.
func WriteCSV(w io.Writer, records []Record) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"id", "created_at", "user_id", "user", "action", "details", "previous_hash", "current_hash"}); err != nil {
		return err
	}
	for _, r := range records {
		if err := cw.Write([]string{
			strconv.FormatInt(r.ID, 10),
			r.CreatedAt.UTC().Format(time.RFC3339Nano),
			r.UserID,
			r.User,
			string(r.Action),
			string(r.Details),
			r.PreviousHash,
			r.CurrentHash,
		}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
