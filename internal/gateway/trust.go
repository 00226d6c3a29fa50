// Package gateway implements the source gateway's three concerns:
// connection trust admission, cursor-contract hardening, and latency
// SLO tracking. All three are pure, synchronous state — the daemon
// wires them to the actual UDS listener and ingest pipeline.
package gateway

import "fmt"

// RejectionReason explains why TrustGuard rejected a connection.
type RejectionReason struct {
	Code           string
	ExpectedUID    uint32
	ActualUID      uint32
	SourceID       string
	ExpectedNonce  string
	ActualNonce    string
}

func (r RejectionReason) Error() string {
	switch r.Code {
	case "peer_uid_mismatch":
		return fmt.Sprintf("peer UID mismatch: expected=%d, actual=%d", r.ExpectedUID, r.ActualUID)
	case "source_not_registered":
		return fmt.Sprintf("source not registered: %s", r.SourceID)
	case "nonce_mismatch":
		return fmt.Sprintf("nonce mismatch: expected=%s, actual=%s", r.ExpectedNonce, r.ActualNonce)
	default:
		return "admission rejected"
	}
}

func peerUIDMismatch(expected, actual uint32) RejectionReason {
	return RejectionReason{Code: "peer_uid_mismatch", ExpectedUID: expected, ActualUID: actual}
}

func sourceNotRegistered(sourceID string) RejectionReason {
	return RejectionReason{Code: "source_not_registered", SourceID: sourceID}
}

func nonceMismatch(expected, actual string) RejectionReason {
	return RejectionReason{Code: "nonce_mismatch", ExpectedNonce: expected, ActualNonce: actual}
}

// TrustGuard is the admission guard for UDS connections. It validates,
// in order: peer UID, source registration, and runtime nonce.
type TrustGuard struct {
	expectedUID  uint32
	registered   map[string]struct{}
	runtimeNonce string
}

// NewTrustGuard creates a guard bound to the daemon's own UID and a
// runtime nonce rotated at daemon start.
func NewTrustGuard(expectedUID uint32, runtimeNonce string) *TrustGuard {
	return &TrustGuard{expectedUID: expectedUID, registered: make(map[string]struct{}), runtimeNonce: runtimeNonce}
}

// RegisterSource marks a source ID as trusted.
func (g *TrustGuard) RegisterSource(sourceID string) {
	g.registered[sourceID] = struct{}{}
}

// UnregisterSource revokes a source. Returns true if it was registered.
func (g *TrustGuard) UnregisterSource(sourceID string) bool {
	if _, ok := g.registered[sourceID]; !ok {
		return false
	}
	delete(g.registered, sourceID)
	return true
}

// IsRegistered reports whether sourceID is currently trusted.
func (g *TrustGuard) IsRegistered(sourceID string) bool {
	_, ok := g.registered[sourceID]
	return ok
}

// RegisteredCount returns the number of registered sources.
func (g *TrustGuard) RegisteredCount() int {
	return len(g.registered)
}

// RotateNonce replaces the runtime nonce, invalidating prior sessions.
func (g *TrustGuard) RotateNonce(newNonce string) {
	g.runtimeNonce = newNonce
}

// Nonce returns the current runtime nonce.
func (g *TrustGuard) Nonce() string {
	return g.runtimeNonce
}

// ExpectedUID returns the expected peer UID.
func (g *TrustGuard) ExpectedUID() uint32 {
	return g.expectedUID
}

// CheckAdmission runs the three checks in order, short-circuiting on
// the first failure. A nil error means the connection is admitted.
func (g *TrustGuard) CheckAdmission(peerUID uint32, sourceID, nonce string) error {
	if peerUID != g.expectedUID {
		return peerUIDMismatch(g.expectedUID, peerUID)
	}
	if !g.IsRegistered(sourceID) {
		return sourceNotRegistered(sourceID)
	}
	if nonce != g.runtimeNonce {
		return nonceMismatch(g.runtimeNonce, nonce)
	}
	return nil
}
