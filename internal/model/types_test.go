package model

import "testing"

func TestCanonicalActivityFoldsCompletedIntoIdle(t *testing.T) {
	if got := CanonicalActivity(StateCompleted); got != StateIdle {
		t.Fatalf("expected completed to fold to idle, got %q", got)
	}
}

func TestCanonicalActivityPassesThroughOtherStates(t *testing.T) {
	for _, s := range []CanonicalState{
		StateRunning, StateWaitingInput, StateWaitingApproval,
		StateIdle, StateError, StateUnknown,
	} {
		if got := CanonicalActivity(s); got != s {
			t.Fatalf("expected %q to pass through unchanged, got %q", s, got)
		}
	}
}
