package gateway

import "testing"

func makeGuard() *TrustGuard {
	g := NewTrustGuard(1000, "abc123")
	g.RegisterSource("src-a")
	return g
}

func TestAdmissionAllPass(t *testing.T) {
	g := makeGuard()
	if err := g.CheckAdmission(1000, "src-a", "abc123"); err != nil {
		t.Fatalf("expected admission, got %v", err)
	}
}

func TestPeerUIDMismatchRejected(t *testing.T) {
	g := makeGuard()
	err := g.CheckAdmission(9999, "src-a", "abc123")
	want := peerUIDMismatch(1000, 9999)
	if err != want {
		t.Fatalf("expected %v, got %v", want, err)
	}
}

func TestSourceNotRegisteredRejected(t *testing.T) {
	g := makeGuard()
	err := g.CheckAdmission(1000, "unknown-src", "abc123")
	want := sourceNotRegistered("unknown-src")
	if err != want {
		t.Fatalf("expected %v, got %v", want, err)
	}
}

func TestNonceMismatchRejected(t *testing.T) {
	g := makeGuard()
	err := g.CheckAdmission(1000, "src-a", "wrong-nonce")
	want := nonceMismatch("abc123", "wrong-nonce")
	if err != want {
		t.Fatalf("expected %v, got %v", want, err)
	}
}

func TestCheckOrderUIDFirst(t *testing.T) {
	g := makeGuard()
	err := g.CheckAdmission(9999, "unknown-src", "wrong-nonce")
	want := peerUIDMismatch(1000, 9999)
	if err != want {
		t.Fatalf("expected UID mismatch reported first, got %v", err)
	}
}

func TestCheckOrderRegistryBeforeNonce(t *testing.T) {
	g := makeGuard()
	err := g.CheckAdmission(1000, "unknown-src", "wrong-nonce")
	want := sourceNotRegistered("unknown-src")
	if err != want {
		t.Fatalf("expected registry checked before nonce, got %v", err)
	}
}

func TestRegisterAndCheck(t *testing.T) {
	g := NewTrustGuard(1000, "nonce-1")
	err := g.CheckAdmission(1000, "new-src", "nonce-1")
	want := sourceNotRegistered("new-src")
	if err != want {
		t.Fatalf("expected %v, got %v", want, err)
	}

	g.RegisterSource("new-src")
	if err := g.CheckAdmission(1000, "new-src", "nonce-1"); err != nil {
		t.Fatalf("expected admission after register, got %v", err)
	}
}

func TestUnregisterRevokesAccess(t *testing.T) {
	g := makeGuard()
	if err := g.CheckAdmission(1000, "src-a", "abc123"); err != nil {
		t.Fatalf("expected admission, got %v", err)
	}
	if !g.UnregisterSource("src-a") {
		t.Fatalf("expected unregister to succeed")
	}
	err := g.CheckAdmission(1000, "src-a", "abc123")
	want := sourceNotRegistered("src-a")
	if err != want {
		t.Fatalf("expected %v, got %v", want, err)
	}
}

func TestUnregisterReturnsFalseForUnknown(t *testing.T) {
	g := makeGuard()
	if g.UnregisterSource("never-registered") {
		t.Fatalf("expected false")
	}
}

func TestIsRegisteredTrueForKnown(t *testing.T) {
	g := makeGuard()
	if !g.IsRegistered("src-a") {
		t.Fatalf("expected registered")
	}
}

func TestIsRegisteredFalseForUnknown(t *testing.T) {
	g := makeGuard()
	if g.IsRegistered("unknown") {
		t.Fatalf("expected not registered")
	}
}

func TestRegisteredCount(t *testing.T) {
	g := NewTrustGuard(1000, "n")
	if g.RegisteredCount() != 0 {
		t.Fatalf("expected 0")
	}
	g.RegisterSource("a")
	g.RegisterSource("b")
	g.RegisterSource("c")
	if g.RegisteredCount() != 3 {
		t.Fatalf("expected 3")
	}
	g.UnregisterSource("b")
	if g.RegisteredCount() != 2 {
		t.Fatalf("expected 2")
	}
}

func TestRotateNonceInvalidatesOld(t *testing.T) {
	g := makeGuard()
	if err := g.CheckAdmission(1000, "src-a", "abc123"); err != nil {
		t.Fatalf("expected admission, got %v", err)
	}
	g.RotateNonce("new-nonce-456")
	err := g.CheckAdmission(1000, "src-a", "abc123")
	want := nonceMismatch("new-nonce-456", "abc123")
	if err != want {
		t.Fatalf("expected %v, got %v", want, err)
	}
}

func TestRotateNonceNewWorks(t *testing.T) {
	g := makeGuard()
	g.RotateNonce("new-nonce-456")
	if err := g.CheckAdmission(1000, "src-a", "new-nonce-456"); err != nil {
		t.Fatalf("expected admission, got %v", err)
	}
}

func TestEmptyGuardRejectsAllSources(t *testing.T) {
	g := NewTrustGuard(1000, "nonce")
	err := g.CheckAdmission(1000, "any-source", "nonce")
	want := sourceNotRegistered("any-source")
	if err != want {
		t.Fatalf("expected %v, got %v", want, err)
	}
}
