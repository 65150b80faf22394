package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "github.com/glebarez/go-sqlite"
)

// SQLiteStore keeps the chain in a single SQLite database file. Several
// processes may open the same file; the UNIQUE constraint on
// previous_hash arbitrates between concurrent appenders.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the audit database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening audit database %s: %w", path, err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS audit_logs (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id       TEXT NOT NULL,
			action        TEXT NOT NULL,
			details       TEXT NOT NULL,
			previous_hash TEXT NOT NULL UNIQUE,
			current_hash  TEXT NOT NULL,
			created_at    TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_audit_logs_user ON audit_logs(user_id);
		CREATE INDEX IF NOT EXISTS idx_audit_logs_created ON audit_logs(created_at);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating audit schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Append(ctx context.Context, e *Entry) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_logs (user_id, action, details, previous_hash, current_hash, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		e.UserID, string(e.Action), e.Details, e.PreviousHash, e.CurrentHash, formatCreatedAt(e.CreatedAt),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("%w: previous hash %s already linked", ErrChainConflict, e.PreviousHash)
		}
		return fmt.Errorf("inserting audit entry: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading audit entry id: %w", err)
	}
	e.ID = id
	return nil
}

func (s *SQLiteStore) Latest(ctx context.Context) (string, error) {
	var hash string
	err := s.db.QueryRowContext(ctx, "SELECT current_hash FROM audit_logs ORDER BY id DESC LIMIT 1").Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return GenesisHash, nil
	}
	if err != nil {
		return "", fmt.Errorf("reading latest audit hash: %w", err)
	}
	return hash, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id int64) (Entry, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT id, user_id, action, details, previous_hash, current_hash, created_at FROM audit_logs WHERE id = ?", id)
	e, err := scanSQLiteEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	return e, err
}

func (s *SQLiteStore) List(ctx context.Context, q Query) ([]Entry, error) {
	query := "SELECT id, user_id, action, details, previous_hash, current_hash, created_at FROM audit_logs WHERE 1=1"
	var args []any

	if q.UserID != "" {
		query += " AND user_id = ?"
		args = append(args, q.UserID)
	}
	if !q.Since.IsZero() {
		query += " AND created_at >= ?"
		args = append(args, formatCreatedAt(q.Since))
	}

	if q.Ascending {
		query += " ORDER BY id ASC"
	} else {
		query += " ORDER BY created_at DESC, id DESC"
	}

	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying audit entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, err := scanSQLiteEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteEntry(r rowScanner) (Entry, error) {
	var (
		e         Entry
		action    string
		createdAt string
	)
	if err := r.Scan(&e.ID, &e.UserID, &action, &e.Details, &e.PreviousHash, &e.CurrentHash, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Entry{}, err
		}
		return Entry{}, fmt.Errorf("scanning audit row: %w", err)
	}
	e.Action = Action(action)

	t, err := parseCreatedAt(createdAt)
	if err != nil {
		return Entry{}, err
	}
	e.CreatedAt = t
	return e, nil
}
