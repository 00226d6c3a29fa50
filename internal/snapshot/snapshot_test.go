package snapshot

import (
	"testing"
	"time"
)

func epoch(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func TestDefaultPolicyValues(t *testing.T) {
	p := DefaultPolicy()
	if p.Interval != 5*time.Minute || p.MaxAge != 10*time.Minute || p.MaxRetained != 3 {
		t.Fatalf("unexpected defaults %+v", p)
	}
}

func TestSnapshotDueAfterInterval(t *testing.T) {
	m := NewManager(DefaultPolicy())
	if !m.IsSnapshotDue(epoch(0)) {
		t.Fatalf("first snapshot should always be due")
	}
	m.RecordSnapshot(TriggerPeriodic, epoch(0), 1, 1, 2, 100)
	if m.IsSnapshotDue(epoch(1000)) {
		t.Fatalf("should not be due immediately after")
	}
	if !m.IsSnapshotDue(epoch(300_000)) {
		t.Fatalf("should be due after the interval elapses")
	}
}

func TestSnapshotNotDueBeforeInterval(t *testing.T) {
	m := NewManager(DefaultPolicy())
	m.RecordSnapshot(TriggerPeriodic, epoch(0), 1, 1, 2, 100)
	if m.IsSnapshotDue(epoch(299_999)) {
		t.Fatalf("should not be due just before the interval")
	}
}

func TestRecordSnapshotCreatesMetadata(t *testing.T) {
	m := NewManager(DefaultPolicy())
	meta := m.RecordSnapshot(TriggerPeriodic, epoch(1000), 42, 3, 7, 2048)
	if meta.SnapshotID != "snap-1" || meta.ProjectionVersion != 42 || meta.SessionCount != 3 ||
		meta.PaneCount != 7 || meta.Trigger != TriggerPeriodic || meta.SizeBytes != 2048 {
		t.Fatalf("unexpected metadata %+v", meta)
	}
}

func TestRecordSnapshotIncrementsID(t *testing.T) {
	m := NewManager(DefaultPolicy())
	m1 := m.RecordSnapshot(TriggerPeriodic, epoch(0), 1, 1, 1, 100)
	m2 := m.RecordSnapshot(TriggerPeriodic, epoch(1000), 2, 1, 1, 100)
	m3 := m.RecordSnapshot(TriggerPeriodic, epoch(2000), 3, 1, 1, 100)
	if m1.SnapshotID != "snap-1" || m2.SnapshotID != "snap-2" || m3.SnapshotID != "snap-3" {
		t.Fatalf("unexpected ids %s %s %s", m1.SnapshotID, m2.SnapshotID, m3.SnapshotID)
	}
}

func TestLatestReturnsNewest(t *testing.T) {
	m := NewManager(DefaultPolicy())
	m.RecordSnapshot(TriggerPeriodic, epoch(0), 1, 1, 1, 100)
	m.RecordSnapshot(TriggerPeriodic, epoch(1000), 2, 1, 1, 200)
	m3 := m.RecordSnapshot(TriggerPeriodic, epoch(2000), 3, 2, 4, 300)

	latest, ok := m.Latest()
	if !ok || latest != m3 {
		t.Fatalf("unexpected latest %+v", latest)
	}
}

func TestEmptyManagerNoLatest(t *testing.T) {
	m := NewManager(DefaultPolicy())
	if _, ok := m.Latest(); ok {
		t.Fatalf("expected no latest")
	}
}

func TestPruneKeepsMaxRetained(t *testing.T) {
	m := NewManager(DefaultPolicy()) // max_retained=3
	for i := int64(0); i < 5; i++ {
		m.RecordSnapshot(TriggerPeriodic, epoch(i*1000), uint64(i+1), 1, 1, 100)
	}
	if len(m.List()) != 5 {
		t.Fatalf("expected 5 snapshots before prune")
	}
	removed := m.Prune()
	if removed != 2 {
		t.Fatalf("expected 2 removed, got %d", removed)
	}
	list := m.List()
	if len(list) != 3 || list[0].SnapshotID != "snap-3" || list[1].SnapshotID != "snap-4" || list[2].SnapshotID != "snap-5" {
		t.Fatalf("unexpected retained list %+v", list)
	}
}

func TestPruneNoopWhenUnderLimit(t *testing.T) {
	m := NewManager(DefaultPolicy())
	m.RecordSnapshot(TriggerPeriodic, epoch(0), 1, 1, 1, 100)
	m.RecordSnapshot(TriggerPeriodic, epoch(1000), 2, 1, 1, 200)
	if removed := m.Prune(); removed != 0 {
		t.Fatalf("expected no-op, removed %d", removed)
	}
}

func TestRestoreOkWithinAge(t *testing.T) {
	meta := Metadata{SnapshotID: "snap-1", CreatedAt: epoch(1_000_000), ProjectionVersion: 10}
	checker := RestoreDryRun{Snapshot: meta, CurrentTime: epoch(1_300_000)}
	verdict := checker.Check(10, 600*time.Second)
	if verdict.Kind != VerdictOk || verdict.Age != 300*time.Second {
		t.Fatalf("unexpected verdict %+v", verdict)
	}
}

func TestRestoreTooOld(t *testing.T) {
	meta := Metadata{SnapshotID: "snap-1", CreatedAt: epoch(1_000_000), ProjectionVersion: 10}
	checker := RestoreDryRun{Snapshot: meta, CurrentTime: epoch(2_000_000)}
	verdict := checker.Check(10, 600*time.Second)
	if verdict.Kind != VerdictTooOld || verdict.Age != 1000*time.Second {
		t.Fatalf("unexpected verdict %+v", verdict)
	}
}

func TestRestoreVersionAheadTakesPriorityOverAge(t *testing.T) {
	meta := Metadata{SnapshotID: "snap-1", CreatedAt: epoch(1_000_000), ProjectionVersion: 50}
	// Recent snapshot (only 100s old, well within the 600s max-age) but
	// version-ahead must still take priority over the (passing) age check.
	checker := RestoreDryRun{Snapshot: meta, CurrentTime: epoch(1_100_000)}
	verdict := checker.Check(30, 600*time.Second)
	if verdict.Kind != VerdictVersionAhead || verdict.SnapshotVersion != 50 || verdict.CurrentVersion != 30 {
		t.Fatalf("unexpected verdict %+v", verdict)
	}
}
