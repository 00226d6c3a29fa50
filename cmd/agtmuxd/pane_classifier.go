package main

import (
	"context"
	"hash/fnv"
	"sort"
	"strings"

	"github.com/g960059/agtmux/internal/model"
	"github.com/g960059/agtmux/internal/paneclassify"
	"github.com/g960059/agtmux/internal/target"
)

const (
	agentTypeNone = "none"
)

type paneInference struct {
	EventType string
	Signature uint64
	HasOutput bool
}

var agentBinaries = []string{"codex", "claude", "gemini"}

func classifyPaneAgentType(ctx context.Context, executor *target.Executor, tg model.Target, pane model.Pane) string {
	captureLines, _ := capturePaneOutput(ctx, executor, tg, pane)
	if agent := classifyAgentSignature(pane.CurrentCmd, pane.PaneTitle, captureLines); agent != agentTypeNone {
		return agent
	}
	if executor == nil || !shouldProbeAgentFromTTY(pane.CurrentCmd, pane.TTY) {
		return agentTypeNone
	}
	return classifyPaneAgentTypeFromTTY(ctx, executor, tg, pane.TTY)
}

// classifyAgentSignature decomposes the text/title/capture signals
// against the known agent binaries using the shared
// provider_hint/cmd_match/poller_match/title_match signature logic,
// then maps the first managed-heuristic match back to an agent name.
// Order matters: codex is checked first so "codex" substrings in a
// longer command line are not shadowed by a coincidental
// "claude"/"gemini" match.
func classifyAgentSignature(currentCmd, paneTitle string, captureLines []string) string {
	for _, binary := range agentBinaries {
		sig := paneclassify.Classify(paneclassify.Inputs{
			CurrentCmd:       currentCmd,
			PaneTitle:        paneTitle,
			CaptureLines:     captureLines,
			ProviderBinaries: []string{binary},
			ProviderTokens:   []string{binary},
			ActivityPatterns: []string{binary},
		})
		if sig.Class == paneclassify.SignatureHeuristic {
			return binary
		}
	}
	return agentTypeNone
}

// classifyAgentByText is the cmd-only variant used when no pane
// title or capture text is available (the ps-based TTY probe path).
func classifyAgentByText(text string) string {
	return classifyAgentSignature(text, "", nil)
}

// capturePaneOutput captures recent pane scrollback for signature and
// activity-signal matching. Returns lowercased, newline-split lines
// plus the lowercased raw text; both are empty when capture fails or
// executor is nil.
func capturePaneOutput(ctx context.Context, executor *target.Executor, tg model.Target, pane model.Pane) ([]string, string) {
	if executor == nil {
		return nil, ""
	}
	res, err := executor.Run(ctx, tg, target.BuildTmuxCommand(
		"capture-pane",
		"-p",
		"-t", pane.PaneID,
		"-S", "-80",
	))
	if err != nil {
		return nil, ""
	}
	output := strings.TrimSpace(res.Output)
	if output == "" {
		return nil, ""
	}
	normalized := strings.ToLower(output)
	return strings.Split(normalized, "\n"), normalized
}

func shouldProbeAgentFromTTY(currentCmd, tty string) bool {
	if strings.TrimSpace(tty) == "" {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(currentCmd)) {
	case "node", "nodejs", "python", "python3", "ruby", "java", "bun", "deno":
		return true
	default:
		return false
	}
}

func classifyPaneAgentTypeFromTTY(ctx context.Context, executor *target.Executor, tg model.Target, tty string) string {
	candidates := []string{strings.TrimSpace(tty)}
	if strings.HasPrefix(tty, "/dev/") {
		candidates = append(candidates, strings.TrimPrefix(tty, "/dev/"))
	}
	for _, candidate := range candidates {
		if strings.TrimSpace(candidate) == "" {
			continue
		}
		res, err := executor.Run(ctx, tg, []string{"ps", "-t", candidate, "-o", "command="})
		if err != nil {
			continue
		}
		lines := strings.Split(res.Output, "\n")
		for _, line := range lines {
			if agent := classifyAgentByText(line); agent != agentTypeNone {
				return agent
			}
		}
	}
	return agentTypeNone
}

func inferPanePollerEventType(ctx context.Context, executor *target.Executor, tg model.Target, pane model.Pane, agentType string) string {
	return inferPanePollerEvent(ctx, executor, tg, pane, agentType).EventType
}

func inferPanePollerEvent(ctx context.Context, executor *target.Executor, tg model.Target, pane model.Pane, agentType string) paneInference {
	if agentType == agentTypeNone {
		return paneInference{EventType: "no-agent"}
	}
	// Heuristic-only path: use recent pane output for waiting/error/idle hints.
	lines, normalized := capturePaneOutput(ctx, executor, tg, pane)
	if normalized == "" {
		return paneInference{EventType: "unknown"}
	}
	return paneInference{
		EventType: classifyPollerEventFromOutput(lines),
		Signature: hashOutputSignature(normalized),
		HasOutput: true,
	}
}

// pollerEventPrecedence mirrors model.StatePrecedence: lower wins.
var pollerEventPrecedence = map[string]int{
	"runtime_error":      1,
	"approval_requested": 2,
	"input_required":     3,
	"running":            4,
	"idle":               6,
	"unknown":            7,
}

type pollerCandidate struct {
	state     string
	lineIndex int
}

// classifyPollerEventFromOutput implements the tail-first candidate
// scan described for activity-signal matching: every matching line
// contributes a (state, line_index) candidate, where line_index 0 is
// the most recent non-empty line. Candidates are then sorted by
// precedence (Error first) and, within a precedence tier, by
// line_index ascending so the most recent match wins the tie.
func classifyPollerEventFromOutput(lines []string) string {
	var candidates []pollerCandidate
	idx := 0
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		if state, ok := matchPollerLine(line); ok {
			candidates = append(candidates, pollerCandidate{state: state, lineIndex: idx})
		}
		idx++
	}
	if len(candidates) == 0 {
		return "unknown"
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		pi, pj := pollerEventPrecedence[candidates[i].state], pollerEventPrecedence[candidates[j].state]
		if pi != pj {
			return pi < pj
		}
		return candidates[i].lineIndex < candidates[j].lineIndex
	})
	return candidates[0].state
}

func matchPollerLine(line string) (string, bool) {
	switch {
	case containsAny(line, "fatal:", "panic:", "traceback", "exception", "runtime error"):
		return "runtime_error", true
	case containsAny(line, "waiting for approval", "approval required", "requires approval", "approve this", "approve to continue"):
		return "approval_requested", true
	case containsAny(line, "waiting for input", "input required", "awaiting input", "your input", "press enter", "(y/n)", "enter to select"):
		return "input_required", true
	case containsAny(line, "esc to interrupt", "ctrl+c to interrupt", "processing", "thinking", "generating", "crunched for", "clauding"):
		return "running", true
	case isPromptLine(line), containsAny(line, "task completed", "completed successfully", "all done", "ready for input", "? for shortcuts"):
		return "idle", true
	default:
		return "", false
	}
}

func isPromptLine(line string) bool {
	return line == ">" ||
		strings.HasPrefix(line, "> ") ||
		line == "\u276f" || // ❯
		strings.HasPrefix(line, "\u276f ") ||
		line == "\u203a" || // ›
		strings.HasPrefix(line, "\u203a ")
}

func hashOutputSignature(out string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(out))
	return h.Sum64()
}

func containsAny(s string, needles ...string) bool {
	for _, needle := range needles {
		if needle == "" {
			continue
		}
		if strings.Contains(s, needle) {
			return true
		}
	}
	return false
}
