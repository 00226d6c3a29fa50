// Package paneclassify decomposes a poller pane snapshot into the
// four signature-detection booleans the resolver uses to decide
// whether a pane is agent-managed, plus the derived signature class.
package paneclassify

import "strings"

// SignatureClass is the outcome of signature detection for one pane.
type SignatureClass int

const (
	// SignatureNone means the pane is neither a known agent nor an
	// interactive shell — no further inspection should happen.
	SignatureNone SignatureClass = iota
	// SignatureUnmanaged means the hint identifies a known
	// interactive shell; the pane must never be classified as agent.
	SignatureUnmanaged
	// SignatureHeuristic means the pane is managed by heuristic
	// signature detection (provider_hint ∨ cmd_match ∨ (poller_match ∧
	// title_match)).
	SignatureHeuristic
)

// Inputs is the raw pane/capture data signature detection reads.
type Inputs struct {
	CurrentCmd   string
	ProcessHint  string
	PaneTitle    string
	CaptureLines []string

	// ProviderBinaries are known agent binary names (e.g. "claude",
	// "codex") matched exactly against current_cmd/process_hint.
	ProviderBinaries []string
	// ProviderTokens are substrings matched case-insensitively against
	// current_cmd (cmd_match) and pane_title (title_match).
	ProviderTokens []string
	// ActivityPatterns are substrings whose presence anywhere in the
	// capture text counts as poller_match.
	ActivityPatterns []string
	// ShellBinaries are known interactive shells; an exact hint match
	// forces SignatureUnmanaged regardless of the other three signals.
	ShellBinaries []string
}

// Signature is the four-boolean decomposition plus derived class.
type Signature struct {
	ProviderHint bool
	CmdMatch     bool
	PollerMatch  bool
	TitleMatch   bool
	Class        SignatureClass
}

// DefaultShellBinaries lists interactive shells that short-circuit
// classification to SignatureUnmanaged.
var DefaultShellBinaries = []string{"bash", "zsh", "sh", "fish", "ksh", "tcsh", "dash"}

// Classify decomposes the four signature-detection booleans and
// derives the signature class per the managed-heuristic rule:
// provider_hint ∨ cmd_match ∨ (poller_match ∧ title_match).
func Classify(in Inputs) Signature {
	hint := normalize(firstNonEmpty(in.CurrentCmd, in.ProcessHint))

	if exactMatchesAny(hint, in.ShellBinaries) {
		return Signature{Class: SignatureUnmanaged}
	}

	providerHint := exactMatchesAny(hint, in.ProviderBinaries)
	cmdMatch := containsAny(normalize(in.CurrentCmd), in.ProviderTokens)
	titleMatch := containsAny(normalize(in.PaneTitle), in.ProviderTokens)
	pollerMatch := containsAny(normalize(strings.Join(in.CaptureLines, "\n")), in.ActivityPatterns)

	sig := Signature{
		ProviderHint: providerHint,
		CmdMatch:     cmdMatch,
		PollerMatch:  pollerMatch,
		TitleMatch:   titleMatch,
	}

	if providerHint || cmdMatch || (pollerMatch && titleMatch) {
		sig.Class = SignatureHeuristic
	} else {
		sig.Class = SignatureNone
	}
	return sig
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func exactMatchesAny(normalized string, candidates []string) bool {
	if normalized == "" {
		return false
	}
	for _, c := range candidates {
		if normalized == normalize(c) {
			return true
		}
	}
	return false
}

func containsAny(haystack string, needles []string) bool {
	if haystack == "" {
		return false
	}
	for _, n := range needles {
		n = normalize(n)
		if n != "" && strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}
