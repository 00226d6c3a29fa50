// Package binding implements the pane binding projection: a
// single-writer, CAS-versioned state machine tracking whether a pane is
// unmanaged, heuristically bound to an agent, or deterministically bound.
package binding

import (
	"fmt"
	"sort"
	"time"
)

type State string

const (
	Unmanaged            State = "unmanaged"
	ManagedHeuristic     State = "managed_heuristic"
	ManagedDeterministic State = "managed_deterministic"
)

// EventKind distinguishes the binding-affecting signals a pane can
// receive. AgentObserved alone never changes state; it only seeds a
// pane entry so later events have something to transition from.
type EventKind string

const (
	EventAgentObserved          EventKind = "agent_observed"
	EventHeuristicDetected      EventKind = "heuristic_detected"
	EventDeterministicHandshake EventKind = "deterministic_handshake"
	EventDeterministicHeartbeat EventKind = "deterministic_heartbeat"
	// EventDeterministicTimeout demotes a ManagedDeterministic binding
	// whose deterministic evidence has gone stale. It is the one
	// transition allowed to move ManagedDeterministic -> ManagedHeuristic;
	// every other path to ManagedHeuristic requires starting Unmanaged.
	EventDeterministicTimeout EventKind = "deterministic_timeout"
	EventUnbound              EventKind = "unbound"
)

// Evidence mode / signature class values. A binding that has never
// seen a managed signal reports EvidenceNone.
const (
	EvidenceNone          = "none"
	EvidenceHeuristic     = "heuristic"
	EvidenceDeterministic = "deterministic"
)

const (
	PresenceManaged   = "managed"
	PresenceUnmanaged = "unmanaged"
)

// SignatureInputs is the four-boolean signature-detection decomposition
// from the poller (see internal/paneclassify), carried onto the
// binding so the projection can explain why a pane was classified.
type SignatureInputs struct {
	ProviderHint bool
	CmdMatch     bool
	PollerMatch  bool
	TitleMatch   bool
}

// Event carries the data needed to evaluate a transition.
type Event struct {
	Kind            EventKind
	SessionKey      string
	Provider        string
	Confidence      float64
	SignatureInputs SignatureInputs
	ActivityState   string
	// HeuristicFresh is only consulted for EventDeterministicTimeout: it
	// tells apply() whether the binding's most recent heuristic evidence
	// is still within the configured freshness window, deciding whether
	// the pane demotes to ManagedHeuristic or falls all the way to
	// Unmanaged.
	HeuristicFresh bool
	At             time.Time
}

// Binding is the per-pane projection state.
type Binding struct {
	PaneID                string
	BindingState          State
	Presence              string
	EvidenceMode          string
	SignatureClass        string
	SignatureInputs       SignatureInputs
	SignatureConfidence   float64
	NoAgentStreak         int
	ActivityState         string
	Provider              string
	SessionKey            string
	CreatedAt             time.Time
	UpdatedAt             time.Time
	DeterministicLastSeen time.Time
	// HeuristicLastSeen tracks the most recent EventHeuristicDetected,
	// independent of BindingState, so a DeterministicTimeout can tell
	// whether heuristic evidence is still fresh even though it was
	// shadowed by deterministic evidence while ManagedDeterministic.
	HeuristicLastSeen time.Time
}

func newBinding(paneID string, at time.Time) Binding {
	return Binding{
		PaneID:         paneID,
		BindingState:   Unmanaged,
		Presence:       PresenceUnmanaged,
		EvidenceMode:   EvidenceNone,
		SignatureClass: EvidenceNone,
		CreatedAt:      at,
		UpdatedAt:      at,
	}
}

// apply computes the next binding given the current one and an event.
// It never mutates the input.
func apply(current Binding, event Event) Binding {
	next := current
	next.UpdatedAt = event.At

	switch event.Kind {
	case EventAgentObserved:
		// Seeds the pane and counts a cycle with no managed signal.
		next.NoAgentStreak++
	case EventHeuristicDetected:
		if next.BindingState == Unmanaged {
			next.BindingState = ManagedHeuristic
		}
		next.SessionKey = event.SessionKey
		next.Provider = event.Provider
		next.EvidenceMode = EvidenceHeuristic
		next.SignatureClass = EvidenceHeuristic
		next.SignatureInputs = event.SignatureInputs
		next.SignatureConfidence = event.Confidence
		next.HeuristicLastSeen = event.At
		next.NoAgentStreak = 0
		if event.ActivityState != "" {
			next.ActivityState = event.ActivityState
		}
	case EventDeterministicHandshake:
		next.BindingState = ManagedDeterministic
		next.SessionKey = event.SessionKey
		next.Provider = event.Provider
		next.EvidenceMode = EvidenceDeterministic
		next.SignatureClass = EvidenceDeterministic
		next.SignatureConfidence = event.Confidence
		next.DeterministicLastSeen = event.At
		next.NoAgentStreak = 0
		if event.ActivityState != "" {
			next.ActivityState = event.ActivityState
		}
	case EventDeterministicHeartbeat:
		if next.BindingState == ManagedDeterministic {
			next.DeterministicLastSeen = event.At
			next.NoAgentStreak = 0
			if event.ActivityState != "" {
				next.ActivityState = event.ActivityState
			}
		}
	case EventDeterministicTimeout:
		if next.BindingState == ManagedDeterministic {
			if event.HeuristicFresh {
				next.BindingState = ManagedHeuristic
				next.EvidenceMode = EvidenceHeuristic
				next.SignatureClass = EvidenceHeuristic
			} else {
				next.BindingState = Unmanaged
				next.SessionKey = ""
				next.Provider = ""
				next.EvidenceMode = EvidenceNone
				next.SignatureClass = EvidenceNone
				next.ActivityState = ""
			}
		}
	case EventUnbound:
		next.BindingState = Unmanaged
		next.SessionKey = ""
		next.Provider = ""
		next.EvidenceMode = EvidenceNone
		next.SignatureClass = EvidenceNone
		next.ActivityState = ""
		next.NoAgentStreak = 0
	}

	if next.BindingState == Unmanaged {
		next.Presence = PresenceUnmanaged
	} else {
		next.Presence = PresenceManaged
	}
	return next
}

// VersionedBinding is a binding plus its CAS version.
type VersionedBinding struct {
	Binding Binding
	Version uint64
}

// ApplyResult describes the outcome of applying an event.
type ApplyResult struct {
	PaneID       string
	PreviousState State
	NewState     State
	Changed      bool
	Version      uint64
}

// CasConflict is returned when a caller's expected version is stale.
type CasConflict struct {
	Expected uint64
	Actual   uint64
}

func (c *CasConflict) Error() string {
	return fmt.Sprintf("cas conflict: expected version %d, actual version %d", c.Expected, c.Actual)
}

// Projection is a single-writer binding projection with CAS concurrency
// control. Callers are expected to serialize access externally (e.g. a
// single-threaded scheduler task) or hold the embedded mutex themselves;
// the projection itself does no locking so it stays a pure state machine,
// matching the original design it's grounded on.
type Projection struct {
	bindings     map[string]VersionedBinding
	stateVersion uint64
}

// New creates an empty projection with no bindings and version 0.
func New() *Projection {
	return &Projection{bindings: make(map[string]VersionedBinding)}
}

// ApplyEvent applies a binding event to the given pane without CAS
// checking. If the pane does not exist, a default Binding is created.
// The projection's state_version is always incremented.
func (p *Projection) ApplyEvent(paneID string, event Event, now time.Time) ApplyResult {
	p.stateVersion++
	newVersion := p.stateVersion

	current := newBinding(paneID, now)
	if vb, ok := p.bindings[paneID]; ok {
		current = vb.Binding
	}

	previousState := current.BindingState
	next := apply(current, event)
	changed := previousState != next.BindingState

	p.bindings[paneID] = VersionedBinding{Binding: next, Version: newVersion}

	return ApplyResult{
		PaneID:        paneID,
		PreviousState: previousState,
		NewState:      next.BindingState,
		Changed:       changed,
		Version:       newVersion,
	}
}

// ApplyEventCAS applies a binding event with compare-and-swap
// concurrency control. expectedVersion == 0 means "expect the pane to
// be new (not yet in the projection)". On conflict, no mutation occurs
// and *CasConflict is returned.
func (p *Projection) ApplyEventCAS(paneID string, event Event, now time.Time, expectedVersion uint64) (ApplyResult, error) {
	actual := uint64(0)
	if vb, ok := p.bindings[paneID]; ok {
		actual = vb.Version
	}
	if actual != expectedVersion {
		return ApplyResult{}, &CasConflict{Expected: expectedVersion, Actual: actual}
	}
	return p.ApplyEvent(paneID, event, now), nil
}

// GetBinding looks up the versioned binding for a pane.
func (p *Projection) GetBinding(paneID string) (VersionedBinding, bool) {
	vb, ok := p.bindings[paneID]
	return vb, ok
}

// ListBindings returns all bindings sorted by pane ID.
func (p *Projection) ListBindings() []VersionedBinding {
	out := make([]VersionedBinding, 0, len(p.bindings))
	for _, vb := range p.bindings {
		out = append(out, vb)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Binding.PaneID < out[j].Binding.PaneID })
	return out
}

// StateVersion returns the current monotonic state version.
func (p *Projection) StateVersion() uint64 {
	return p.stateVersion
}
