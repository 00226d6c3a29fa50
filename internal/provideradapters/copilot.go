package provideradapters

import (
	"strings"
	"time"

	"github.com/g960059/agtmux/internal/providerconfig"
	"github.com/g960059/agtmux/internal/stateengine"
)

type CopilotAdapter struct {
	signals providerconfig.ProviderSignals
}

func NewCopilotAdapter(signals providerconfig.ProviderSignals) *CopilotAdapter {
	return &CopilotAdapter{signals: signals}
}

func (a *CopilotAdapter) ID() string {
	return stateengine.ProviderCopilot
}

func (a *CopilotAdapter) DetectProvider(meta stateengine.PaneMeta) (float64, bool) {
	return detectByAgentOrCmd(meta, stateengine.ProviderCopilot, a.signals.CmdTokens...)
}

func (a *CopilotAdapter) BuildEvidence(meta stateengine.PaneMeta, now time.Time) []stateengine.Evidence {
	combined := normalizeForMatch(meta.RawReasonCode, meta.LastEventType, meta.SessionLabel, meta.PaneTitle)
	source := strings.ToLower(strings.TrimSpace(meta.StateSource))
	kind := kindFromSource(source)
	evidence := make([]stateengine.Evidence, 0, 3)
	s := a.signals

	if hasAnyToken(combined, s.ApprovalTokens...) {
		evidence = append(evidence, buildEvidence(now, a.ID(), stateengine.ActivityWaitingApproval, kind, source, "copilot:approval", s.ApprovalWeights.Weight, s.ApprovalWeights.Confidence))
	}
	if hasAnyToken(combined, s.InputTokens...) {
		evidence = append(evidence, buildEvidence(now, a.ID(), stateengine.ActivityWaitingInput, kind, source, "copilot:input", s.InputWeights.Weight, s.InputWeights.Confidence))
	}
	if hasAnyToken(combined, s.ErrorTokens...) {
		evidence = append(evidence, buildEvidence(now, a.ID(), stateengine.ActivityError, kind, source, "copilot:error", s.ErrorWeights.Weight, s.ErrorWeights.Confidence))
	}
	if hasAnyToken(combined, s.RunningTokens...) {
		evidence = append(evidence, buildEvidence(now, a.ID(), stateengine.ActivityRunning, kind, source, "copilot:running_signal", s.RunningWeights.Weight, s.RunningWeights.Confidence))
	}
	if hasAnyToken(combined, s.IdleTokens...) {
		evidence = append(evidence, buildEvidence(now, a.ID(), stateengine.ActivityIdle, kind, source, "copilot:idle_signal", s.IdleWeights.Weight, s.IdleWeights.Confidence))
	}
	return evidence
}
