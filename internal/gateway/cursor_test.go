package gateway

import "testing"

func TestNewWatermarksStartAtZero(t *testing.T) {
	wm := NewCursorWatermarks()
	if wm.Fetched != 0 || wm.Committed != 0 || wm.MaxRewindEvents != 10_000 || wm.MaxRewindSecs != 600 {
		t.Fatalf("unexpected defaults %+v", wm)
	}
}

func TestAdvanceFetchedMonotonic(t *testing.T) {
	wm := NewCursorWatermarks()

	if err := wm.AdvanceFetched(10); err != nil || wm.Fetched != 10 {
		t.Fatalf("expected advance to 10, err=%v", err)
	}
	if err := wm.AdvanceFetched(10); err != nil || wm.Fetched != 10 {
		t.Fatalf("expected same-value advance to succeed, err=%v", err)
	}
	if err := wm.AdvanceFetched(20); err != nil || wm.Fetched != 20 {
		t.Fatalf("expected advance to 20, err=%v", err)
	}

	err := wm.AdvanceFetched(15)
	ce, ok := err.(*CursorError)
	if !ok || ce.Code != "non_monotonic" || ce.Current != 20 || ce.Attempted != 15 {
		t.Fatalf("expected non-monotonic error, got %v", err)
	}
	if wm.Fetched != 20 {
		t.Fatalf("position should be unchanged after error")
	}
}

func TestCommitWithinFetched(t *testing.T) {
	wm := NewCursorWatermarks()
	if err := wm.AdvanceFetched(100); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if err := wm.Commit(50); err != nil || wm.Committed != 50 {
		t.Fatalf("commit 50 failed: %v", err)
	}
	if err := wm.Commit(100); err != nil || wm.Committed != 100 {
		t.Fatalf("commit 100 failed: %v", err)
	}
}

func TestCommitBeyondFetchedFails(t *testing.T) {
	wm := NewCursorWatermarks()
	if err := wm.AdvanceFetched(50); err != nil {
		t.Fatalf("advance: %v", err)
	}
	err := wm.Commit(51)
	ce, ok := err.(*CursorError)
	if !ok || ce.Code != "commit_ahead_of_fetched" || ce.Fetched != 50 || ce.Attempted != 51 {
		t.Fatalf("expected commit-ahead error, got %v", err)
	}
	if wm.Committed != 0 {
		t.Fatalf("committed should be unchanged")
	}
}

func TestCommitBackwardFails(t *testing.T) {
	wm := NewCursorWatermarks()
	if err := wm.AdvanceFetched(100); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if err := wm.Commit(50); err != nil {
		t.Fatalf("commit: %v", err)
	}
	err := wm.Commit(30)
	ce, ok := err.(*CursorError)
	if !ok || ce.Code != "non_monotonic" || ce.Current != 50 || ce.Attempted != 30 {
		t.Fatalf("expected non-monotonic error, got %v", err)
	}
	if wm.Committed != 50 {
		t.Fatalf("committed should be unchanged")
	}
}

func TestUncommittedGapCalculation(t *testing.T) {
	wm := NewCursorWatermarks()
	if err := wm.AdvanceFetched(100); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if err := wm.Commit(60); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if wm.UncommittedGap() != 40 {
		t.Fatalf("expected gap 40, got %d", wm.UncommittedGap())
	}
}

func TestIsCaughtUpWhenEqual(t *testing.T) {
	wm := NewCursorWatermarks()
	if !wm.IsCaughtUp() {
		t.Fatalf("expected caught up at zero")
	}
	if err := wm.AdvanceFetched(50); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if err := wm.Commit(50); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if !wm.IsCaughtUp() {
		t.Fatalf("expected caught up")
	}
}

func TestIsCaughtUpFalseWhenBehind(t *testing.T) {
	wm := NewCursorWatermarks()
	if err := wm.AdvanceFetched(50); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if err := wm.Commit(30); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if wm.IsCaughtUp() {
		t.Fatalf("expected not caught up")
	}
}

func TestSafeRewindWithinLimits(t *testing.T) {
	wm := NewCursorWatermarks()
	if err := wm.AdvanceFetched(500); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if err := wm.Commit(400); err != nil {
		t.Fatalf("commit: %v", err)
	}

	result, err := wm.SafeRewind(400, 1000, 940)
	if err != nil {
		t.Fatalf("rewind: %v", err)
	}
	if result.PreviousFetched != 500 || result.NewFetched != 400 || result.EventsRewound != 100 {
		t.Fatalf("unexpected result %+v", result)
	}
	if wm.Fetched != 400 {
		t.Fatalf("expected fetched 400, got %d", wm.Fetched)
	}
}

func TestSafeRewindTooManyEvents(t *testing.T) {
	wm := &CursorWatermarks{Fetched: 20_000, Committed: 10_000, MaxRewindEvents: 10_000, MaxRewindSecs: 600}

	_, err := wm.SafeRewind(9_999, 1000, 990)
	ce, ok := err.(*CursorError)
	if !ok || ce.Code != "rewind_too_far" || ce.MaxEvents != 10_000 || ce.Requested != 10_001 {
		t.Fatalf("expected rewind-too-far error, got %v", err)
	}
	if wm.Fetched != 20_000 {
		t.Fatalf("position should be unchanged")
	}
}

func TestSafeRewindTooOld(t *testing.T) {
	wm := NewCursorWatermarks()
	if err := wm.AdvanceFetched(500); err != nil {
		t.Fatalf("advance: %v", err)
	}

	_, err := wm.SafeRewind(400, 1000, 300)
	ce, ok := err.(*CursorError)
	if !ok || ce.Code != "rewind_too_old" || ce.MaxSecs != 600 || ce.AgeSecs != 700 {
		t.Fatalf("expected rewind-too-old error, got %v", err)
	}
	if wm.Fetched != 500 {
		t.Fatalf("position should be unchanged")
	}
}

func TestRewindResetsFetched(t *testing.T) {
	wm := NewCursorWatermarks()
	if err := wm.AdvanceFetched(1000); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if err := wm.Commit(800); err != nil {
		t.Fatalf("commit: %v", err)
	}

	if _, err := wm.SafeRewind(500, 2000, 1900); err != nil {
		t.Fatalf("rewind: %v", err)
	}
	if wm.Fetched != 500 {
		t.Fatalf("expected fetched 500, got %d", wm.Fetched)
	}
	if wm.Committed != 500 {
		t.Fatalf("expected committed clamped to 500, got %d", wm.Committed)
	}
}

func TestInitialStreakIsZero(t *testing.T) {
	tr := NewInvalidCursorTracker()
	if tr.Streak() != 0 {
		t.Fatalf("expected 0")
	}
}

func TestRecordInvalidIncrementsStreak(t *testing.T) {
	tr := NewInvalidCursorTracker()

	if action := tr.RecordInvalid(); action != RetryFromCommitted || tr.Streak() != 1 {
		t.Fatalf("unexpected action=%v streak=%d", action, tr.Streak())
	}
	if action := tr.RecordInvalid(); action != RetryFromCommitted || tr.Streak() != 2 {
		t.Fatalf("unexpected action=%v streak=%d", action, tr.Streak())
	}
}

func TestStreakReachesThresholdTriggersResync(t *testing.T) {
	tr := NewInvalidCursorTracker()

	tr.RecordInvalid()
	tr.RecordInvalid()
	action := tr.RecordInvalid()
	if action != FullResync || tr.Streak() != 3 {
		t.Fatalf("unexpected action=%v streak=%d", action, tr.Streak())
	}
}

func TestRecordValidResetsStreak(t *testing.T) {
	tr := NewInvalidCursorTracker()

	tr.RecordInvalid()
	tr.RecordInvalid()
	if tr.Streak() != 2 {
		t.Fatalf("expected streak 2")
	}

	tr.RecordValid()
	if tr.Streak() != 0 {
		t.Fatalf("expected streak reset")
	}
}

func TestCursorCustomThreshold(t *testing.T) {
	tr := NewInvalidCursorTrackerWithThreshold(5)

	for i := 0; i < 4; i++ {
		if action := tr.RecordInvalid(); action != RetryFromCommitted {
			t.Fatalf("expected retry at attempt %d, got %v", i, action)
		}
	}

	action := tr.RecordInvalid()
	if action != FullResync || tr.Streak() != 5 {
		t.Fatalf("unexpected action=%v streak=%d", action, tr.Streak())
	}
}

func TestFullAckCycle(t *testing.T) {
	wm := NewCursorWatermarks()

	if err := wm.AdvanceFetched(100); err != nil {
		t.Fatalf("advance 1: %v", err)
	}
	if wm.UncommittedGap() != 100 || wm.IsCaughtUp() {
		t.Fatalf("unexpected state after advance 1")
	}

	if err := wm.Commit(100); err != nil {
		t.Fatalf("commit 1: %v", err)
	}
	if wm.UncommittedGap() != 0 || !wm.IsCaughtUp() {
		t.Fatalf("unexpected state after commit 1")
	}

	if err := wm.AdvanceFetched(250); err != nil {
		t.Fatalf("advance 2: %v", err)
	}
	if wm.UncommittedGap() != 150 {
		t.Fatalf("expected gap 150")
	}

	if err := wm.Commit(200); err != nil {
		t.Fatalf("partial commit: %v", err)
	}
	if wm.UncommittedGap() != 50 || wm.IsCaughtUp() {
		t.Fatalf("unexpected state after partial commit")
	}

	if err := wm.Commit(250); err != nil {
		t.Fatalf("full commit: %v", err)
	}
	if wm.UncommittedGap() != 0 || !wm.IsCaughtUp() {
		t.Fatalf("unexpected state after full commit")
	}

	if wm.Fetched != 250 || wm.Committed != 250 {
		t.Fatalf("unexpected final state fetched=%d committed=%d", wm.Fetched, wm.Committed)
	}
}
