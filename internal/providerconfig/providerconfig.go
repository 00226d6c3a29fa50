// Package providerconfig loads per-provider signal tables (cmd tokens,
// approval/input/error/running/idle phrase tokens, and their evidence
// weights) from an optional TOML file. A missing file, or a file
// missing a provider's section, degrades to the compiled-in defaults
// so the daemon never loses classification behavior for want of
// configuration.
package providerconfig

import (
	"os"

	"github.com/BurntSushi/toml"
)

// SignalWeights carries the evidence weight/confidence pair used for
// one activity signal.
type SignalWeights struct {
	Weight     float64
	Confidence float64
}

// ProviderSignals is the full token + weight table for one provider.
type ProviderSignals struct {
	CmdTokens []string

	ApprovalTokens []string
	InputTokens    []string
	ErrorTokens    []string
	RunningTokens  []string
	IdleTokens     []string

	ApprovalWeights SignalWeights
	InputWeights    SignalWeights
	ErrorWeights    SignalWeights
	RunningWeights  SignalWeights
	IdleWeights     SignalWeights
}

// Config maps provider ID (e.g. "claude", "codex") to its signal table.
type Config map[string]ProviderSignals

// fileProviderSignals mirrors ProviderSignals but with every field
// optional, so a TOML section can override as few or as many fields
// as it likes. Slice fields of length 0 mean "not specified, keep
// default" — a provider wanting an empty token list must not define
// the section at all, which matches how these tables are authored in
// practice (additive overrides, not deletions).
type fileProviderSignals struct {
	CmdTokens []string `toml:"cmd_tokens"`

	ApprovalTokens []string `toml:"approval_tokens"`
	InputTokens    []string `toml:"input_tokens"`
	ErrorTokens    []string `toml:"error_tokens"`
	RunningTokens  []string `toml:"running_tokens"`
	IdleTokens     []string `toml:"idle_tokens"`

	ApprovalWeight     float64 `toml:"approval_weight"`
	ApprovalConfidence float64 `toml:"approval_confidence"`
	InputWeight        float64 `toml:"input_weight"`
	InputConfidence    float64 `toml:"input_confidence"`
	ErrorWeight        float64 `toml:"error_weight"`
	ErrorConfidence    float64 `toml:"error_confidence"`
	RunningWeight      float64 `toml:"running_weight"`
	RunningConfidence  float64 `toml:"running_confidence"`
	IdleWeight         float64 `toml:"idle_weight"`
	IdleConfidence     float64 `toml:"idle_confidence"`
}

type fileConfig struct {
	Provider map[string]fileProviderSignals `toml:"provider"`
}

// Defaults returns the compiled-in signal tables, carried over
// verbatim from the literals in internal/provideradapters.
func Defaults() Config {
	return Config{
		"claude": {
			CmdTokens:       []string{"claude", "claude-code", "cc"},
			ApprovalTokens:  []string{"approval", "waiting_approval", "needs_approval", "permission"},
			InputTokens:     []string{"waiting_input", "input_required", "await_user", "prompt"},
			ErrorTokens:     []string{"error", "failed", "panic", "exception"},
			RunningTokens:   []string{"working", "running", "in_progress", "streaming", "task_started", "agent_turn_started", "pretooluse"},
			IdleTokens:      []string{"idle", "completed", "done", "stop", "wrapper_exit", "session_end"},
			ApprovalWeights: SignalWeights{0.98, 0.96},
			InputWeights:    SignalWeights{0.92, 0.9},
			ErrorWeights:    SignalWeights{1.0, 0.95},
			RunningWeights:  SignalWeights{0.9, 0.86},
			IdleWeights:     SignalWeights{0.88, 0.88},
		},
		"codex": {
			CmdTokens:       []string{"codex", "openai codex"},
			ApprovalTokens:  []string{"waiting_approval", "approval_required", "permission", "approval"},
			InputTokens:     []string{"waiting_input", "await_user", "input_required", "for shortcuts", "shortcut"},
			ErrorTokens:     []string{"error", "failed", "panic", "exception"},
			RunningTokens:   []string{"running", "working", "in_progress", "streaming", "task_started", "agent_turn_started", "wrapper_start"},
			IdleTokens:      []string{"idle", "completed", "done", "task_finished", "wrapper_exit", "session_end"},
			ApprovalWeights: SignalWeights{0.97, 0.95},
			InputWeights:    SignalWeights{0.94, 0.92},
			ErrorWeights:    SignalWeights{1.0, 0.95},
			RunningWeights:  SignalWeights{0.92, 0.88},
			IdleWeights:     SignalWeights{0.88, 0.86},
		},
		"gemini": {
			CmdTokens:       []string{"gemini"},
			ApprovalTokens:  []string{"waiting_approval", "approval_required", "permission"},
			InputTokens:     []string{"waiting_input", "input_required", "await_user"},
			ErrorTokens:     []string{"error", "failed", "panic", "exception"},
			RunningTokens:   []string{"running", "working", "streaming", "task_started", "wrapper_start"},
			IdleTokens:      []string{"idle", "completed", "done", "wrapper_exit", "session_end"},
			ApprovalWeights: SignalWeights{0.92, 0.9},
			InputWeights:    SignalWeights{0.9, 0.86},
			ErrorWeights:    SignalWeights{0.98, 0.92},
			RunningWeights:  SignalWeights{0.78, 0.8},
			IdleWeights:     SignalWeights{0.8, 0.82},
		},
		"copilot": {
			CmdTokens:       []string{"copilot", "gh copilot"},
			ApprovalTokens:  []string{"waiting_approval", "approval_required", "permission"},
			InputTokens:     []string{"waiting_input", "input_required", "await_user"},
			ErrorTokens:     []string{"error", "failed", "panic", "exception"},
			RunningTokens:   []string{"running", "working", "streaming", "task_started", "wrapper_start"},
			IdleTokens:      []string{"idle", "completed", "done", "wrapper_exit", "session_end"},
			ApprovalWeights: SignalWeights{0.9, 0.88},
			InputWeights:    SignalWeights{0.88, 0.84},
			ErrorWeights:    SignalWeights{0.98, 0.9},
			RunningWeights:  SignalWeights{0.74, 0.8},
			IdleWeights:     SignalWeights{0.78, 0.8},
		},
	}
}

// Load reads a TOML config file and overlays it onto Defaults(). A
// missing file is not an error — it simply yields the defaults,
// matching the teacher's original hardcoded behavior.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}

	var fc fileConfig
	if err := toml.Unmarshal(data, &fc); err != nil {
		return nil, err
	}

	for provider, override := range fc.Provider {
		base := cfg[provider]
		mergeProviderSignals(&base, override)
		cfg[provider] = base
	}
	return cfg, nil
}

func mergeProviderSignals(base *ProviderSignals, override fileProviderSignals) {
	if len(override.CmdTokens) > 0 {
		base.CmdTokens = override.CmdTokens
	}
	if len(override.ApprovalTokens) > 0 {
		base.ApprovalTokens = override.ApprovalTokens
	}
	if len(override.InputTokens) > 0 {
		base.InputTokens = override.InputTokens
	}
	if len(override.ErrorTokens) > 0 {
		base.ErrorTokens = override.ErrorTokens
	}
	if len(override.RunningTokens) > 0 {
		base.RunningTokens = override.RunningTokens
	}
	if len(override.IdleTokens) > 0 {
		base.IdleTokens = override.IdleTokens
	}

	mergeWeights(&base.ApprovalWeights, override.ApprovalWeight, override.ApprovalConfidence)
	mergeWeights(&base.InputWeights, override.InputWeight, override.InputConfidence)
	mergeWeights(&base.ErrorWeights, override.ErrorWeight, override.ErrorConfidence)
	mergeWeights(&base.RunningWeights, override.RunningWeight, override.RunningConfidence)
	mergeWeights(&base.IdleWeights, override.IdleWeight, override.IdleConfidence)
}

func mergeWeights(base *SignalWeights, weight, confidence float64) {
	if weight > 0 {
		base.Weight = weight
	}
	if confidence > 0 {
		base.Confidence = confidence
	}
}
