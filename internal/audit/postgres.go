package audit

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// uniqueViolation is the PostgreSQL SQLSTATE for a UNIQUE constraint failure.
const uniqueViolation = "23505"

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS audit_logs (
		id            BIGSERIAL PRIMARY KEY,
		user_id       TEXT NOT NULL,
		action        TEXT NOT NULL,
		details       TEXT NOT NULL,
		previous_hash TEXT NOT NULL UNIQUE,
		current_hash  TEXT NOT NULL,
		created_at    TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_logs_user ON audit_logs(user_id)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_logs_created ON audit_logs(created_at)`,
}

// PostgresStore keeps the chain in a PostgreSQL table shared by every
// process of a deployment.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects to dsn and ensures the audit_logs table exists.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	for _, stmt := range postgresSchema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			pool.Close()
			return nil, fmt.Errorf("creating audit schema: %w", err)
		}
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Append(ctx context.Context, e *Entry) error {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO audit_logs (user_id, action, details, previous_hash, current_hash, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		e.UserID, string(e.Action), e.Details, e.PreviousHash, e.CurrentHash, e.CreatedAt.UTC(),
	).Scan(&e.ID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("%w: previous hash %s already linked", ErrChainConflict, e.PreviousHash)
		}
		return fmt.Errorf("inserting audit entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) Latest(ctx context.Context) (string, error) {
	var hash string
	err := s.pool.QueryRow(ctx, "SELECT current_hash FROM audit_logs ORDER BY id DESC LIMIT 1").Scan(&hash)
	if errors.Is(err, pgx.ErrNoRows) {
		return GenesisHash, nil
	}
	if err != nil {
		return "", fmt.Errorf("reading latest audit hash: %w", err)
	}
	return hash, nil
}

func (s *PostgresStore) Get(ctx context.Context, id int64) (Entry, error) {
	row := s.pool.QueryRow(ctx,
		"SELECT id, user_id, action, details, previous_hash, current_hash, created_at FROM audit_logs WHERE id = $1", id)
	e, err := scanPostgresEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Entry{}, fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	if err != nil {
		return Entry{}, fmt.Errorf("scanning audit row: %w", err)
	}
	return e, nil
}

func (s *PostgresStore) List(ctx context.Context, q Query) ([]Entry, error) {
	query := "SELECT id, user_id, action, details, previous_hash, current_hash, created_at FROM audit_logs WHERE 1=1"
	var args []any

	if q.UserID != "" {
		args = append(args, q.UserID)
		query += " AND user_id = $" + strconv.Itoa(len(args))
	}
	if !q.Since.IsZero() {
		args = append(args, q.Since.UTC())
		query += " AND created_at >= $" + strconv.Itoa(len(args))
	}

	if q.Ascending {
		query += " ORDER BY id ASC"
	} else {
		query += " ORDER BY created_at DESC, id DESC"
	}

	if q.Limit > 0 {
		args = append(args, q.Limit)
		query += " LIMIT $" + strconv.Itoa(len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying audit entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, err := scanPostgresEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning audit row: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func scanPostgresEntry(r pgx.Row) (Entry, error) {
	var (
		e      Entry
		action string
	)
	if err := r.Scan(&e.ID, &e.UserID, &action, &e.Details, &e.PreviousHash, &e.CurrentHash, &e.CreatedAt); err != nil {
		return Entry{}, err
	}
	e.Action = Action(action)
	e.CreatedAt = e.CreatedAt.UTC()
	return e, nil
}
