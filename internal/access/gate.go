package access

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/socledger/socledger/internal/metrics"
)

// ErrAccessDenied is wrapped by every denial. A denial is an expected
// outcome, not a system fault.
var ErrAccessDenied = errors.New("access denied")

// Decision is the outcome of one gate evaluation.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
	Rule    *Rule  `json:"rule,omitempty"` // Matching rule, if any.
}

// Err returns nil for an allowed decision and a *DeniedError otherwise.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return &DeniedError{Reason: d.Reason}
}

// DeniedError carries the reason shown to the end user.
type DeniedError struct {
	Reason string
}

func (e *DeniedError) Error() string { return "access denied: " + e.Reason }
func (e *DeniedError) Unwrap() error { return ErrAccessDenied }

// Options configures a Gate. Zero values use the system clock, the local
// time zone, and no metrics.
type Options struct {
	Now      func() time.Time
	Location *time.Location
	Metrics  *metrics.Metrics
}

// Gate evaluates requests against a rule table. Evaluation reads one
// immutable table snapshot; Swap replaces the snapshot as a whole.
type Gate struct {
	table   atomic.Pointer[Table]
	now     func() time.Time
	loc     *time.Location
	metrics *metrics.Metrics
}

// NewGate returns a gate over table.
func NewGate(table *Table, opts Options) *Gate {
	g := &Gate{now: opts.Now, loc: opts.Location, metrics: opts.Metrics}
	if g.now == nil {
		g.now = time.Now
	}
	if g.loc == nil {
		g.loc = time.Local
	}
	g.table.Store(table)
	return g
}

// Table returns the current rule table.
func (g *Gate) Table() *Table {
	return g.table.Load()
}

// Swap installs a new rule table for subsequent evaluations.
func (g *Gate) Swap(t *Table) {
	g.table.Store(t)
}

// CheckNow evaluates the request at the gate's current time.
func (g *Gate) CheckNow(role, action, resource string) Decision {
	return g.Check(role, action, resource, g.now())
}

// Check evaluates whether role may perform action on resource at now.
//
// The first rule for the role (or the default role) whose action and
// resource match exactly and whose days include now's weekday decides.
// Its window runs from HH:MM:00 of the start minute through the last
// instant of the end minute, on now's calendar day.
func (g *Gate) Check(role, action, resource string, now time.Time) Decision {
	d := evaluate(g.table.Load(), role, action, resource, now.In(g.loc))
	g.metrics.ObserveDecision(d.Allowed)
	return d
}

func evaluate(t *Table, role, action, resource string, now time.Time) Decision {
	day := int(now.Weekday())

	var matched *Rule
	rules := t.rulesFor(role)
	for i := range rules {
		r := &rules[i]
		if r.Action == action && r.Resource == resource && r.allowsDay(day) {
			matched = r
			break
		}
	}
	if matched == nil {
		return Decision{
			Reason: fmt.Sprintf("role %q has no permission to %s %s", role, action, resource),
		}
	}

	// Decisions carry their own copy; the table is shared.
	rule := matched.clone()
	matched = &rule

	y, m, dd := now.Date()
	start := time.Date(y, m, dd, matched.startMin/60, matched.startMin%60, 0, 0, now.Location())
	endExclusive := time.Date(y, m, dd, matched.endMin/60, matched.endMin%60, 0, 0, now.Location()).Add(time.Minute)

	if now.Before(start) || !now.Before(endExclusive) {
		return Decision{
			Reason: fmt.Sprintf("role %q may not %s %s outside permitted hours (%s - %s)",
				role, action, resource, matched.Start, matched.End),
			Rule: matched,
		}
	}
	return Decision{Allowed: true, Rule: matched}
}
