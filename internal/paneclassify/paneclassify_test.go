package paneclassify

import "testing"

func claudeInputs(in Inputs) Inputs {
	in.ProviderBinaries = []string{"claude", "codex", "gemini"}
	in.ProviderTokens = []string{"claude"}
	in.ActivityPatterns = []string{"thinking", "claude code"}
	in.ShellBinaries = DefaultShellBinaries
	return in
}

func TestHeuristicOnlyClaudePaneBecomesManaged(t *testing.T) {
	sig := Classify(claudeInputs(Inputs{
		CurrentCmd:   "claude",
		PaneTitle:    "Claude Code",
		CaptureLines: []string{"╭ Claude Code", "│ Thinking…"},
	}))

	if !sig.ProviderHint || !sig.CmdMatch || !sig.PollerMatch || !sig.TitleMatch {
		t.Fatalf("expected all four signals true, got %+v", sig)
	}
	if sig.Class != SignatureHeuristic {
		t.Fatalf("expected SignatureHeuristic, got %v", sig.Class)
	}
}

func TestProviderHintAloneIsSufficient(t *testing.T) {
	sig := Classify(claudeInputs(Inputs{
		CurrentCmd: "claude",
	}))
	if !sig.ProviderHint {
		t.Fatalf("expected provider_hint true")
	}
	if sig.Class != SignatureHeuristic {
		t.Fatalf("expected SignatureHeuristic from provider_hint alone")
	}
}

func TestCmdMatchAloneIsSufficient(t *testing.T) {
	sig := Classify(claudeInputs(Inputs{
		CurrentCmd: "wrapper-claude-launcher",
	}))
	if sig.ProviderHint {
		t.Fatalf("expected provider_hint false for non-exact binary name")
	}
	if !sig.CmdMatch {
		t.Fatalf("expected cmd_match true")
	}
	if sig.Class != SignatureHeuristic {
		t.Fatalf("expected SignatureHeuristic from cmd_match alone")
	}
}

func TestPollerMatchWithoutTitleMatchIsInsufficient(t *testing.T) {
	sig := Classify(claudeInputs(Inputs{
		CurrentCmd:   "node",
		PaneTitle:    "my session",
		CaptureLines: []string{"│ Thinking…"},
	}))
	if !sig.PollerMatch {
		t.Fatalf("expected poller_match true")
	}
	if sig.TitleMatch {
		t.Fatalf("expected title_match false")
	}
	if sig.Class != SignatureNone {
		t.Fatalf("expected SignatureNone when poller_match lacks title_match, got %v", sig.Class)
	}
}

func TestPollerMatchWithTitleMatchIsSufficient(t *testing.T) {
	sig := Classify(claudeInputs(Inputs{
		CurrentCmd:   "node",
		PaneTitle:    "claude session",
		CaptureLines: []string{"│ Thinking…"},
	}))
	if !sig.PollerMatch || !sig.TitleMatch {
		t.Fatalf("expected both poller_match and title_match true, got %+v", sig)
	}
	if sig.Class != SignatureHeuristic {
		t.Fatalf("expected SignatureHeuristic, got %v", sig.Class)
	}
}

func TestKnownShellIsUnmanagedRegardlessOfOtherSignals(t *testing.T) {
	sig := Classify(claudeInputs(Inputs{
		CurrentCmd:   "zsh",
		PaneTitle:    "claude session",
		CaptureLines: []string{"thinking about dinner"},
	}))
	if sig.Class != SignatureUnmanaged {
		t.Fatalf("expected SignatureUnmanaged for known shell, got %v", sig.Class)
	}
}

func TestNeutralRuntimeWithNoSignalsYieldsNone(t *testing.T) {
	sig := Classify(claudeInputs(Inputs{
		CurrentCmd:   "python3",
		PaneTitle:    "scratch",
		CaptureLines: []string{"print('hello')"},
	}))
	if sig.Class != SignatureNone {
		t.Fatalf("expected SignatureNone, got %v", sig.Class)
	}
}

func TestProcessHintUsedWhenCurrentCmdEmpty(t *testing.T) {
	sig := Classify(claudeInputs(Inputs{
		ProcessHint: "claude",
	}))
	if !sig.ProviderHint {
		t.Fatalf("expected process_hint to satisfy provider_hint when current_cmd is empty")
	}
}

func TestCaseInsensitiveMatching(t *testing.T) {
	sig := Classify(claudeInputs(Inputs{
		CurrentCmd: "CLAUDE",
	}))
	if !sig.ProviderHint {
		t.Fatalf("expected case-insensitive exact match")
	}
}
