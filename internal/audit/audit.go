package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/socledger/socledger/internal/metrics"
)

// Action identifies the kind of privileged operation an entry records.
type Action string

const (
	ActionCreateIncident  Action = "CREATE_INCIDENT"
	ActionUpdateIncident  Action = "UPDATE_INCIDENT"
	ActionChangeRole      Action = "CHANGE_ROLE"
	ActionUploadEvidence  Action = "UPLOAD_EVIDENCE"
	ActionGenerateReport  Action = "GENERATE_REPORT"
	ActionExportLog       Action = "EXPORT_LOG"
	ActionDeleteMFAFactor Action = "DELETE_MFA_FACTOR"
)

var actions = []Action{
	ActionCreateIncident,
	ActionUpdateIncident,
	ActionChangeRole,
	ActionUploadEvidence,
	ActionGenerateReport,
	ActionExportLog,
	ActionDeleteMFAFactor,
}

// ErrUnknownAction is returned when recording an action outside the enumeration.
var ErrUnknownAction = errors.New("unknown audit action")

// Actions returns every recordable action.
func Actions() []Action {
	return append([]Action(nil), actions...)
}

// Valid reports whether a is one of the recordable actions.
func (a Action) Valid() bool {
	for _, known := range actions {
		if a == known {
			return true
		}
	}
	return false
}

// ParseAction converts s to an Action, rejecting unknown values.
func ParseAction(s string) (Action, error) {
	a := Action(s)
	if !a.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownAction, s)
	}
	return a, nil
}

// Entry is one persisted link of the chain. Details holds the encrypted
// envelope; the plaintext is never stored.
type Entry struct {
	ID           int64     `json:"id"`
	UserID       string    `json:"user_id"`
	Action       Action    `json:"action"`
	Details      string    `json:"details"`
	PreviousHash string    `json:"previous_hash"`
	CurrentHash  string    `json:"current_hash"`
	CreatedAt    time.Time `json:"created_at"`
}

// Sealer encrypts and decrypts entry details. *envelope.Sealer implements it.
type Sealer interface {
	Encrypt(plaintext []byte) (string, error)
	Decrypt(envelope string) ([]byte, error)
}

// Resolver maps a user id to a display name. It never fails; unknown ids
// resolve to themselves.
type Resolver interface {
	ResolveDisplayName(ctx context.Context, userID string) string
}

// Failure describes an audit record that could not be written.
type Failure struct {
	UserID string
	Action Action
	Reason string // invalid_action, queue_full, closed, encode, encrypt, store, conflict
	Err    error
}

// Options configures a Log. Store and Sealer are required.
type Options struct {
	Store    Store
	Sealer   Sealer
	Resolver Resolver

	Now     func() time.Time
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// QueueSize bounds pending fire-and-forget records. Default 256.
	QueueSize int
	// MaxRetries bounds re-attempts after ErrChainConflict. Default 5.
	MaxRetries int

	// OnAppend runs on the writer goroutine after each successful append.
	// It must not block.
	OnAppend func(Entry)
	// OnFailure runs after a record could not be written.
	OnFailure func(Failure)
}

const (
	defaultQueueSize  = 256
	defaultMaxRetries = 5
)

type appendRequest struct {
	ctx     context.Context
	userID  string
	action  Action
	details any
	result  chan appendResult // nil for fire-and-forget
}

type appendResult struct {
	entry Entry
	err   error
}

// Log is the audit log. A single writer goroutine performs every append,
// so the read-latest-then-append sequence never interleaves within a
// process; the store's uniqueness constraint covers other processes.
type Log struct {
	store    Store
	sealer   Sealer
	resolver Resolver
	now      func() time.Time
	logger   *slog.Logger
	metrics  *metrics.Metrics

	maxRetries int
	onAppend   func(Entry)
	onFailure  func(Failure)

	mu     sync.RWMutex // guards closed and sends on queue
	closed bool
	queue  chan appendRequest
	done   chan struct{}
}

// New starts the writer goroutine over opts.Store.
func New(opts Options) (*Log, error) {
	if opts.Store == nil {
		return nil, errors.New("audit: store is required")
	}
	if opts.Sealer == nil {
		return nil, errors.New("audit: sealer is required")
	}

	l := &Log{
		store:      opts.Store,
		sealer:     opts.Sealer,
		resolver:   opts.Resolver,
		now:        opts.Now,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
		maxRetries: opts.MaxRetries,
		onAppend:   opts.OnAppend,
		onFailure:  opts.OnFailure,
		done:       make(chan struct{}),
	}
	if l.now == nil {
		l.now = time.Now
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	if l.maxRetries <= 0 {
		l.maxRetries = defaultMaxRetries
	}
	size := opts.QueueSize
	if size <= 0 {
		size = defaultQueueSize
	}
	l.queue = make(chan appendRequest, size)

	go l.run()
	return l, nil
}

// Close stops accepting records, waits for queued records to be written,
// and closes the store.
func (l *Log) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	close(l.queue)
	l.mu.Unlock()

	<-l.done
	if err := l.store.Close(); err != nil {
		return fmt.Errorf("closing audit store: %w", err)
	}
	return nil
}

// Record queues an action for the chain and returns immediately. It never
// fails the caller: any failure, now or on the writer, is logged at ERROR,
// counted, and passed to OnFailure.
func (l *Log) Record(userID string, action Action, details any) {
	if !action.Valid() {
		l.fail(userID, action, "invalid_action", fmt.Errorf("%w: %q", ErrUnknownAction, action))
		return
	}

	req := appendRequest{ctx: context.Background(), userID: userID, action: action, details: details}

	// OnFailure runs after the lock is released; it may call Close.
	var reason string
	l.mu.RLock()
	switch {
	case l.closed:
		reason = "closed"
	default:
		select {
		case l.queue <- req:
		default:
			reason = "queue_full"
		}
	}
	l.mu.RUnlock()

	switch reason {
	case "closed":
		l.fail(userID, action, reason, errors.New("audit log is closed"))
	case "queue_full":
		l.fail(userID, action, reason, fmt.Errorf("audit queue full (%d pending)", cap(l.queue)))
	}
}

// RecordSync appends an action and waits for the persisted entry.
func (l *Log) RecordSync(ctx context.Context, userID string, action Action, details any) (Entry, error) {
	if !action.Valid() {
		return Entry{}, fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}

	result := make(chan appendResult, 1)
	req := appendRequest{ctx: ctx, userID: userID, action: action, details: details, result: result}

	if err := l.enqueue(ctx, req); err != nil {
		return Entry{}, err
	}

	select {
	case r := <-result:
		return r.entry, r.err
	case <-ctx.Done():
		return Entry{}, ctx.Err()
	}
}

func (l *Log) enqueue(ctx context.Context, req appendRequest) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return errors.New("audit log is closed")
	}
	select {
	case l.queue <- req:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run is the writer goroutine.
func (l *Log) run() {
	defer close(l.done)
	for req := range l.queue {
		e, reason, err := l.write(req)
		if err != nil {
			l.fail(req.userID, req.action, reason, err)
		}
		if req.result != nil {
			req.result <- appendResult{entry: e, err: err}
		}
	}
}

// write performs one append: latest hash, encrypt, digest, insert. On a
// chain conflict the ciphertext is kept and only the link is recomputed.
func (l *Log) write(req appendRequest) (Entry, string, error) {
	plaintext, err := json.Marshal(req.details)
	if err != nil {
		return Entry{}, "encode", fmt.Errorf("encoding audit details: %w", err)
	}
	sealed, err := l.sealer.Encrypt(plaintext)
	if err != nil {
		return Entry{}, "encrypt", fmt.Errorf("encrypting audit details: %w", err)
	}

	for attempt := 0; ; attempt++ {
		if err := req.ctx.Err(); err != nil {
			return Entry{}, "store", err
		}

		prev, err := l.store.Latest(req.ctx)
		if err != nil {
			return Entry{}, "store", storeErr("latest", err)
		}

		e := Entry{
			UserID:       req.userID,
			Action:       req.action,
			Details:      sealed,
			PreviousHash: prev,
			CreatedAt:    l.now().UTC(),
		}
		e.CurrentHash = hashOf(&e)

		err = l.store.Append(req.ctx, &e)
		if err == nil {
			l.metrics.IncAppended()
			if l.onAppend != nil {
				l.onAppend(e)
			}
			return e, "", nil
		}
		if !errors.Is(err, ErrChainConflict) {
			return Entry{}, "store", storeErr("append", err)
		}

		l.metrics.IncConflict()
		if attempt >= l.maxRetries {
			return Entry{}, "conflict", fmt.Errorf("giving up after %d retries: %w", l.maxRetries, err)
		}
		l.logger.Debug("audit append conflict, retrying", "attempt", attempt+1, "previous_hash", prev)
	}
}

func (l *Log) fail(userID string, action Action, reason string, err error) {
	l.logger.Error("audit write failed",
		"user_id", userID,
		"action", string(action),
		"reason", reason,
		"error", err,
	)
	l.metrics.IncWriteFailure(reason)
	if l.onFailure != nil {
		l.onFailure(Failure{UserID: userID, Action: action, Reason: reason, Err: err})
	}
}
