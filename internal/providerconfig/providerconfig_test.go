package providerconfig

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultsIncludeAllFourProviders(t *testing.T) {
	cfg := Defaults()
	for _, id := range []string{"claude", "codex", "gemini", "copilot"} {
		sig, ok := cfg[id]
		if !ok {
			t.Fatalf("missing provider %q", id)
		}
		if len(sig.CmdTokens) == 0 {
			t.Fatalf("provider %q has no cmd tokens", id)
		}
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.toml"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg["claude"].ApprovalWeights.Weight != 0.98 {
		t.Fatalf("expected default claude approval weight, got %+v", cfg["claude"])
	}
}

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg) != len(Defaults()) {
		t.Fatalf("expected default provider count")
	}
}

func TestLoadPartialOverridePreservesUnsetFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "providers.toml")
	contents := `
[provider.claude]
cmd_tokens = ["claude", "claude-cli"]
approval_weight = 0.5
`
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	claude := cfg["claude"]
	if len(claude.CmdTokens) != 2 || claude.CmdTokens[1] != "claude-cli" {
		t.Fatalf("expected overridden cmd tokens, got %+v", claude.CmdTokens)
	}
	if claude.ApprovalWeights.Weight != 0.5 {
		t.Fatalf("expected overridden approval weight, got %f", claude.ApprovalWeights.Weight)
	}
	if claude.ApprovalWeights.Confidence != 0.96 {
		t.Fatalf("expected unset confidence to keep default, got %f", claude.ApprovalWeights.Confidence)
	}
	if len(claude.ErrorTokens) == 0 {
		t.Fatalf("expected untouched error tokens to keep default")
	}

	codex := cfg["codex"]
	if len(codex.CmdTokens) != 2 || codex.CmdTokens[0] != "codex" {
		t.Fatalf("expected codex untouched by claude override, got %+v", codex.CmdTokens)
	}
}

func TestLoadUnknownProviderSectionAddsNewEntry(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "providers.toml")
	contents := `
[provider.unknown_future_agent]
cmd_tokens = ["future"]
`
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, ok := cfg["unknown_future_agent"]; !ok {
		t.Fatalf("expected unknown provider section to be adopted as a new entry")
	}
}
