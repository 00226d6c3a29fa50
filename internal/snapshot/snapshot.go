// Package snapshot manages periodic read-model snapshot metadata,
// retention, and restore-safety checks. It is a pure, deterministic
// state machine — all time values are passed in by the caller, no
// system clock access — so the underlying persistence (internal/db)
// can be swapped or mocked without touching this package.
package snapshot

import (
	"strconv"
	"time"
)

type Trigger string

const (
	TriggerPeriodic Trigger = "periodic"
	TriggerShutdown Trigger = "shutdown"
	TriggerManual   Trigger = "manual"
)

// Metadata describes a single snapshot.
type Metadata struct {
	SnapshotID        string
	CreatedAt         time.Time
	ProjectionVersion uint64
	SessionCount      int
	PaneCount         int
	Trigger           Trigger
	SizeBytes         int64
}

// Policy governs snapshot frequency and retention.
type Policy struct {
	Interval    time.Duration
	MaxAge      time.Duration
	MaxRetained int
}

// DefaultPolicy matches the original implementation's defaults: a 5
// minute interval, 10 minute max age, and 3 retained snapshots.
func DefaultPolicy() Policy {
	return Policy{
		Interval:    5 * time.Minute,
		MaxAge:      10 * time.Minute,
		MaxRetained: 3,
	}
}

// Manager schedules snapshots and enforces retention.
type Manager struct {
	policy        Policy
	snapshots     []Metadata
	lastSnapshot  *time.Time
	nextSnapshotID uint64
}

// NewManager creates a manager with the given policy.
func NewManager(policy Policy) *Manager {
	return &Manager{policy: policy, nextSnapshotID: 1}
}

// IsSnapshotDue reports whether a periodic snapshot should be taken.
// True when no snapshot has been recorded yet, or when now is at least
// policy.Interval past the last one.
func (m *Manager) IsSnapshotDue(now time.Time) bool {
	if m.lastSnapshot == nil {
		return true
	}
	return now.Sub(*m.lastSnapshot) >= m.policy.Interval
}

// RecordSnapshot stores metadata for a snapshot just taken and assigns
// it a monotonically increasing ID.
func (m *Manager) RecordSnapshot(trigger Trigger, now time.Time, projectionVersion uint64, sessionCount, paneCount int, sizeBytes int64) Metadata {
	id := m.nextSnapshotID
	m.nextSnapshotID++

	meta := Metadata{
		SnapshotID:        snapshotID(id),
		CreatedAt:         now,
		ProjectionVersion: projectionVersion,
		SessionCount:      sessionCount,
		PaneCount:         paneCount,
		Trigger:           trigger,
		SizeBytes:         sizeBytes,
	}
	m.snapshots = append(m.snapshots, meta)
	m.lastSnapshot = &now
	return meta
}

func snapshotID(n uint64) string {
	return "snap-" + strconv.FormatUint(n, 10)
}

// Latest returns the most recently recorded snapshot, if any.
func (m *Manager) Latest() (Metadata, bool) {
	if len(m.snapshots) == 0 {
		return Metadata{}, false
	}
	return m.snapshots[len(m.snapshots)-1], true
}

// List returns all retained snapshots, oldest first.
func (m *Manager) List() []Metadata {
	return m.snapshots
}

// Prune drops snapshots beyond the retention limit, keeping the
// newest policy.MaxRetained. Returns the number removed.
func (m *Manager) Prune() int {
	n := len(m.snapshots)
	if n <= m.policy.MaxRetained {
		return 0
	}
	toRemove := n - m.policy.MaxRetained
	m.snapshots = append([]Metadata(nil), m.snapshots[toRemove:]...)
	return toRemove
}

// Policy returns the manager's active policy.
func (m *Manager) Policy() Policy {
	return m.policy
}

// Verdict is the outcome of a restore dry-run check.
type Verdict struct {
	Kind             VerdictKind
	Age              time.Duration
	MaxAge           time.Duration
	SnapshotVersion  uint64
	CurrentVersion   uint64
}

type VerdictKind string

const (
	VerdictOk           VerdictKind = "ok"
	VerdictTooOld       VerdictKind = "too_old"
	VerdictVersionAhead VerdictKind = "version_ahead"
)

// RestoreDryRun validates a snapshot is safe to restore without
// performing the restore.
type RestoreDryRun struct {
	Snapshot    Metadata
	CurrentTime time.Time
}

// Check evaluates the dry-run in priority order: a snapshot version
// ahead of the current projection is always a corruption risk and
// takes priority even when the snapshot is also too old; age is
// checked only once the version is confirmed safe.
func (r RestoreDryRun) Check(currentVersion uint64, maxAge time.Duration) Verdict {
	if r.Snapshot.ProjectionVersion > currentVersion {
		return Verdict{
			Kind:            VerdictVersionAhead,
			SnapshotVersion: r.Snapshot.ProjectionVersion,
			CurrentVersion:  currentVersion,
		}
	}

	age := r.CurrentTime.Sub(r.Snapshot.CreatedAt)
	if age < 0 {
		age = 0
	}
	if age > maxAge {
		return Verdict{Kind: VerdictTooOld, Age: age, MaxAge: maxAge}
	}

	return Verdict{Kind: VerdictOk, Age: age}
}
