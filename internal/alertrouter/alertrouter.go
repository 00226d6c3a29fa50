// Package alertrouter maintains an append-only ledger of observability
// alerts raised by the gateway's latency SLO tracker, the reconciler,
// and source-health checks.
package alertrouter

import (
	"strconv"
	"time"
)

type Severity int

const (
	Info Severity = iota
	Warn
	Degraded
	Escalate
)

// ResolvePolicy governs how an alert entry may be resolved.
type ResolvePolicy string

const (
	AutoResolve ResolvePolicy = "auto_resolve"
	ManualAck   ResolvePolicy = "manual_ack"
)

// Entry is a single alert record stored in the ledger.
type Entry struct {
	AlertID      string
	Severity     Severity
	Source       string
	Message      string
	CreatedAt    time.Time
	ResolvedAt   *time.Time
	ResolvePolicy ResolvePolicy
}

// Router routes, stores, and manages observability alerts.
type Router struct {
	ledger        []Entry
	nextID        uint64
	defaultPolicy ResolvePolicy
}

// New creates a router with the default AutoResolve policy.
func New() *Router {
	return &Router{nextID: 1, defaultPolicy: AutoResolve}
}

// NewWithPolicy creates a router with a specific default resolve policy.
func NewWithPolicy(policy ResolvePolicy) *Router {
	return &Router{nextID: 1, defaultPolicy: policy}
}

// Emit records a new alert and returns its ID.
func (r *Router) Emit(severity Severity, source, message string, now time.Time) string {
	id := "alert-" + strconv.FormatUint(r.nextID, 10)
	r.nextID++

	r.ledger = append(r.ledger, Entry{
		AlertID:       id,
		Severity:      severity,
		Source:        source,
		Message:       message,
		CreatedAt:     now,
		ResolvePolicy: r.defaultPolicy,
	})
	return id
}

// Resolve marks an alert resolved by ID. Returns false if the alert
// does not exist or is already resolved.
func (r *Router) Resolve(alertID string, now time.Time) bool {
	for i := range r.ledger {
		if r.ledger[i].AlertID != alertID {
			continue
		}
		if r.ledger[i].ResolvedAt != nil {
			return false
		}
		t := now
		r.ledger[i].ResolvedAt = &t
		return true
	}
	return false
}

// AutoResolveSource resolves all unresolved AutoResolve-policy alerts
// from the given source. ManualAck entries are left untouched — use
// Resolve by ID for those. Returns the count resolved.
func (r *Router) AutoResolveSource(source string, now time.Time) int {
	count := 0
	for i := range r.ledger {
		e := &r.ledger[i]
		if e.Source == source && e.ResolvedAt == nil && e.ResolvePolicy == AutoResolve {
			t := now
			e.ResolvedAt = &t
			count++
		}
	}
	return count
}

// Unresolved returns all unresolved alerts.
func (r *Router) Unresolved() []Entry {
	return r.UnresolvedAtSeverity(Info)
}

// UnresolvedAtSeverity returns unresolved alerts at or above minSeverity.
func (r *Router) UnresolvedAtSeverity(minSeverity Severity) []Entry {
	var out []Entry
	for _, e := range r.ledger {
		if e.ResolvedAt == nil && e.Severity >= minSeverity {
			out = append(out, e)
		}
	}
	return out
}

// Get returns the alert with the given ID, if present.
func (r *Router) Get(alertID string) (Entry, bool) {
	for _, e := range r.ledger {
		if e.AlertID == alertID {
			return e, true
		}
	}
	return Entry{}, false
}

// LedgerSize returns the total number of alerts (resolved and not).
func (r *Router) LedgerSize() int {
	return len(r.ledger)
}

// PruneResolved removes entries resolved before the cutoff. Unresolved
// entries are always kept regardless of age. Returns the count removed.
func (r *Router) PruneResolved(before time.Time) int {
	kept := r.ledger[:0:0]
	removed := 0
	for _, e := range r.ledger {
		if e.ResolvedAt == nil || !e.ResolvedAt.Before(before) {
			kept = append(kept, e)
		} else {
			removed++
		}
	}
	r.ledger = kept
	return removed
}
