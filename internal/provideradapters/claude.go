package provideradapters

import (
	"strings"
	"time"

	"github.com/g960059/agtmux/internal/providerconfig"
	"github.com/g960059/agtmux/internal/stateengine"
)

type ClaudeAdapter struct {
	signals providerconfig.ProviderSignals
}

func NewClaudeAdapter(signals providerconfig.ProviderSignals) *ClaudeAdapter {
	return &ClaudeAdapter{signals: signals}
}

func (a *ClaudeAdapter) ID() string {
	return stateengine.ProviderClaude
}

func (a *ClaudeAdapter) DetectProvider(meta stateengine.PaneMeta) (float64, bool) {
	return detectByAgentOrCmd(meta, stateengine.ProviderClaude, a.signals.CmdTokens...)
}

func (a *ClaudeAdapter) BuildEvidence(meta stateengine.PaneMeta, now time.Time) []stateengine.Evidence {
	combined := normalizeForMatch(meta.RawReasonCode, meta.LastEventType, meta.SessionLabel, meta.PaneTitle)
	source := strings.ToLower(strings.TrimSpace(meta.StateSource))
	kind := kindFromSource(source)
	evidence := make([]stateengine.Evidence, 0, 4)
	s := a.signals

	if hasAnyToken(combined, s.ApprovalTokens...) {
		evidence = append(evidence, buildEvidence(now, a.ID(), stateengine.ActivityWaitingApproval, kind, source, "claude:approval", s.ApprovalWeights.Weight, s.ApprovalWeights.Confidence))
	}
	if hasAnyToken(combined, s.InputTokens...) {
		evidence = append(evidence, buildEvidence(now, a.ID(), stateengine.ActivityWaitingInput, kind, source, "claude:input", s.InputWeights.Weight, s.InputWeights.Confidence))
	}
	if hasAnyToken(combined, s.ErrorTokens...) {
		evidence = append(evidence, buildEvidence(now, a.ID(), stateengine.ActivityError, kind, source, "claude:error", s.ErrorWeights.Weight, s.ErrorWeights.Confidence))
	}
	runningHint := hasAnyToken(combined, s.RunningTokens...)
	if runningHint {
		evidence = append(evidence, buildEvidence(now, a.ID(), stateengine.ActivityRunning, kind, source, "claude:running_signal", s.RunningWeights.Weight, s.RunningWeights.Confidence))
	}
	if hasAnyToken(combined, s.IdleTokens...) {
		evidence = append(evidence, buildEvidence(now, a.ID(), stateengine.ActivityIdle, kind, source, "claude:idle_signal", s.IdleWeights.Weight, s.IdleWeights.Confidence))
	}
	// Claude false-positive suppression: poller-running without explicit running hints should prefer idle.
	if strings.EqualFold(strings.TrimSpace(meta.RawState), stateengine.ActivityRunning) &&
		source == "poller" &&
		!runningHint {
		evidence = append(evidence, buildEvidence(now, a.ID(), stateengine.ActivityIdle, stateengine.EvidenceCapture, source, "claude:poller_running_without_signal", 0.93, 0.9))
	}
	return evidence
}
