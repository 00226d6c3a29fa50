package binding

import (
	"errors"
	"testing"
	"time"
)

func t0() time.Time {
	t, _ := time.Parse(time.RFC3339, "2026-02-25T12:00:00Z")
	return t
}

func agentObserved(at time.Time) Event {
	return Event{Kind: EventAgentObserved, At: at}
}

func heuristic(sessionKey string, at time.Time) Event {
	return Event{Kind: EventHeuristicDetected, SessionKey: sessionKey, Confidence: 0.86, At: at}
}

func TestEmptyProjection(t *testing.T) {
	p := New()
	if p.StateVersion() != 0 {
		t.Fatalf("expected version 0, got %d", p.StateVersion())
	}
	if len(p.ListBindings()) != 0 {
		t.Fatalf("expected no bindings")
	}
}

func TestApplyEventCreatesBinding(t *testing.T) {
	p := New()
	now := t0()
	result := p.ApplyEvent("%1", agentObserved(now), now)
	if result.PaneID != "%1" {
		t.Fatalf("unexpected pane id %q", result.PaneID)
	}
	vb, ok := p.GetBinding("%1")
	if !ok || vb.Binding.PaneID != "%1" || vb.Version != 1 {
		t.Fatalf("unexpected binding %+v", vb)
	}
}

func TestApplyEventIncrementsVersion(t *testing.T) {
	p := New()
	now := t0()
	p.ApplyEvent("%1", agentObserved(now), now)
	if p.StateVersion() != 1 {
		t.Fatalf("want 1 got %d", p.StateVersion())
	}
	p.ApplyEvent("%1", agentObserved(now.Add(time.Second)), now)
	if p.StateVersion() != 2 {
		t.Fatalf("want 2 got %d", p.StateVersion())
	}
	p.ApplyEvent("%2", agentObserved(now.Add(2*time.Second)), now)
	if p.StateVersion() != 3 {
		t.Fatalf("want 3 got %d", p.StateVersion())
	}
}

func TestApplyEventStateTransition(t *testing.T) {
	p := New()
	now := t0()
	at := now.Add(time.Second)
	p.ApplyEvent("%1", agentObserved(now), now)
	result := p.ApplyEvent("%1", heuristic("sess-001", at), now)
	if result.PreviousState != Unmanaged || result.NewState != ManagedHeuristic || !result.Changed {
		t.Fatalf("unexpected transition %+v", result)
	}
}

func TestApplyEventNoStateChange(t *testing.T) {
	p := New()
	now := t0()
	result := p.ApplyEvent("%1", agentObserved(now), now)
	if result.PreviousState != Unmanaged || result.NewState != Unmanaged || result.Changed {
		t.Fatalf("unexpected transition %+v", result)
	}
	if result.Version != 1 {
		t.Fatalf("want version 1, got %d", result.Version)
	}
}

func TestCASSuccess(t *testing.T) {
	p := New()
	now := t0()
	p.ApplyEvent("%1", agentObserved(now), now)
	at := now.Add(time.Second)
	result, err := p.ApplyEventCAS("%1", heuristic("sess-001", at), now, 1)
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if result.NewState != ManagedHeuristic || result.Version != 2 {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestCASConflictWrongVersion(t *testing.T) {
	p := New()
	now := t0()
	p.ApplyEvent("%1", agentObserved(now), now)
	at := now.Add(time.Second)
	_, err := p.ApplyEventCAS("%1", heuristic("sess-001", at), now, 999)
	var conflict *CasConflict
	if !errors.As(err, &conflict) {
		t.Fatalf("expected CasConflict, got %v", err)
	}
	if conflict.Expected != 999 || conflict.Actual != 1 {
		t.Fatalf("unexpected conflict %+v", conflict)
	}
}

func TestCASConflictReturnsActualVersion(t *testing.T) {
	p := New()
	now := t0()
	p.ApplyEvent("%1", agentObserved(now), now)
	p.ApplyEvent("%1", agentObserved(now.Add(time.Second)), now)
	at := now.Add(2 * time.Second)
	_, err := p.ApplyEventCAS("%1", heuristic("sess-001", at), now, 1)
	var conflict *CasConflict
	if !errors.As(err, &conflict) || conflict.Actual != 2 {
		t.Fatalf("expected actual=2, got %v", err)
	}
}

func TestCASNewPaneVersionZero(t *testing.T) {
	p := New()
	now := t0()
	at := now.Add(time.Second)
	result, err := p.ApplyEventCAS("%1", heuristic("sess-001", at), now, 0)
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if result.Version != 1 {
		t.Fatalf("want version 1, got %d", result.Version)
	}
}

func TestCASExistingPaneVersionZeroFails(t *testing.T) {
	p := New()
	now := t0()
	p.ApplyEvent("%1", agentObserved(now), now)
	at := now.Add(time.Second)
	_, err := p.ApplyEventCAS("%1", heuristic("sess-001", at), now, 0)
	var conflict *CasConflict
	if !errors.As(err, &conflict) || conflict.Expected != 0 || conflict.Actual != 1 {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestConcurrentEventSimulation(t *testing.T) {
	p := New()
	now := t0()
	p.ApplyEvent("%1", agentObserved(now), now)
	vb, _ := p.GetBinding("%1")
	observed := vb.Version
	if observed != 1 {
		t.Fatalf("want 1, got %d", observed)
	}

	atA := now.Add(time.Second)
	resultA, err := p.ApplyEventCAS("%1", heuristic("sess-A", atA), now, observed)
	if err != nil || resultA.Version != 2 {
		t.Fatalf("caller A should succeed, got %+v %v", resultA, err)
	}

	atB := now.Add(2 * time.Second)
	_, errB := p.ApplyEventCAS("%1", heuristic("sess-B", atB), now, observed)
	var conflictB *CasConflict
	if !errors.As(errB, &conflictB) || conflictB.Expected != 1 || conflictB.Actual != 2 {
		t.Fatalf("caller B should conflict, got %v", errB)
	}

	resultB, err := p.ApplyEventCAS("%1", heuristic("sess-B", atB), now, conflictB.Actual)
	if err != nil || resultB.Version != 3 {
		t.Fatalf("caller B retry should succeed, got %+v %v", resultB, err)
	}
}

func TestListBindingsSorted(t *testing.T) {
	p := New()
	now := t0()
	p.ApplyEvent("%3", agentObserved(now), now)
	p.ApplyEvent("%1", agentObserved(now), now)
	p.ApplyEvent("%2", agentObserved(now), now)

	list := p.ListBindings()
	ids := make([]string, len(list))
	for i, vb := range list {
		ids[i] = vb.Binding.PaneID
	}
	want := []string{"%1", "%2", "%3"}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("unexpected order %v", ids)
		}
	}
}

func TestGetBindingMissing(t *testing.T) {
	p := New()
	if _, ok := p.GetBinding("%99"); ok {
		t.Fatalf("expected no binding")
	}
}

func TestRollbackPrevention(t *testing.T) {
	p := New()
	now := t0()
	at := now.Add(time.Second)
	p.ApplyEvent("%1", heuristic("sess-001", at), now)
	versionBefore := p.StateVersion()
	vb, _ := p.GetBinding("%1")
	stateBefore := vb.Binding.BindingState

	at2 := now.Add(2 * time.Second)
	_, err := p.ApplyEventCAS("%1", Event{Kind: EventDeterministicHandshake, SessionKey: "sess-001", At: at2}, now, 999)
	if err == nil {
		t.Fatalf("expected conflict")
	}

	if p.StateVersion() != versionBefore {
		t.Fatalf("state_version must not change after failed CAS")
	}
	vb2, _ := p.GetBinding("%1")
	if vb2.Binding.BindingState != stateBefore {
		t.Fatalf("binding state must not change after failed CAS")
	}
}
