package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/g960059/agtmux/internal/alertrouter"
	"github.com/g960059/agtmux/internal/binding"
	"github.com/g960059/agtmux/internal/config"
	"github.com/g960059/agtmux/internal/ingest"
	"github.com/g960059/agtmux/internal/model"
	"github.com/g960059/agtmux/internal/snapshot"
)

type StateLister interface {
	ListStates(ctx context.Context) ([]model.StateRow, error)
	ListTargets(ctx context.Context) ([]model.Target, error)
}

type Reconciler struct {
	store     StateLister
	engine    *ingest.Engine
	cfg       config.Config
	snapshots *snapshot.Manager
	alerts    *alertrouter.Router
	bindings  *binding.Projection
}

func NewReconciler(store StateLister, engine *ingest.Engine, cfg config.Config) *Reconciler {
	return &Reconciler{store: store, engine: engine, cfg: cfg}
}

// SetSnapshotManager attaches a snapshot manager so each tick also
// evaluates whether a periodic snapshot is due. Nil by default: Tick
// skips the due-ness check entirely until one is attached.
func (r *Reconciler) SetSnapshotManager(m *snapshot.Manager) {
	r.snapshots = m
}

// SetAlertRouter attaches an alert router so target-health-down and
// stale-signal conditions raise observability alerts alongside the
// synthetic reconcile events Tick already emits into the ingest
// engine. Nil by default.
func (r *Reconciler) SetAlertRouter(router *alertrouter.Router) {
	r.alerts = router
}

// SetBindingProjection attaches the pane binding projection so each
// tick can sweep ManagedDeterministic bindings for staleness and fire
// DeterministicTimeout. Nil by default: Tick skips the sweep entirely
// until one is attached.
func (r *Reconciler) SetBindingProjection(p *binding.Projection) {
	r.bindings = p
}

func (r *Reconciler) Tick(ctx context.Context, now time.Time) error {
	targets, err := r.store.ListTargets(ctx)
	if err != nil {
		return fmt.Errorf("list targets for reconcile: %w", err)
	}
	targetHealth := make(map[string]model.TargetHealth, len(targets))
	for _, t := range targets {
		targetHealth[t.TargetID] = t.Health
	}

	states, err := r.store.ListStates(ctx)
	if err != nil {
		return fmt.Errorf("list states for reconcile: %w", err)
	}

	if r.snapshots != nil && r.snapshots.IsSnapshotDue(now) {
		r.snapshots.RecordSnapshot(snapshot.TriggerPeriodic, now, uint64(len(states)), 0, len(states), 0)
	}

	if r.alerts != nil {
		for _, t := range targets {
			if t.Health != model.TargetHealthDown {
				r.alerts.AutoResolveSource("target_health:"+t.TargetID, now)
			}
		}
	}

	if r.bindings != nil {
		for _, vb := range r.bindings.ListBindings() {
			b := vb.Binding
			if b.BindingState != binding.ManagedDeterministic {
				continue
			}
			if b.DeterministicLastSeen.IsZero() || now.Sub(b.DeterministicLastSeen) <= r.cfg.DeterministicFreshnessWindow {
				continue
			}
			heuristicFresh := !b.HeuristicLastSeen.IsZero() && now.Sub(b.HeuristicLastSeen) <= r.cfg.HeuristicFreshnessWindow
			// A CAS conflict here means another writer already moved this
			// pane's binding this tick; the next tick re-evaluates it.
			_, _ = r.bindings.ApplyEventCAS(b.PaneID, binding.Event{
				Kind:           binding.EventDeterministicTimeout,
				HeuristicFresh: heuristicFresh,
				At:             now,
			}, now, vb.Version)
		}
	}

	for _, st := range states {
		health := targetHealth[st.TargetID]
		syntheticType := ""
		reasonToken := ""
		source := model.SourcePoller

		switch {
		case health == model.TargetHealthDown:
			if st.State == model.StateUnknown && st.ReasonCode == "target_unreachable" {
				continue
			}
			syntheticType = string(model.ReconcileTargetHealthChange)
			reasonToken = fmt.Sprintf("state-v%d", st.StateVersion)
			if r.alerts != nil {
				r.alerts.Emit(alertrouter.Degraded, "target_health:"+st.TargetID,
					fmt.Sprintf("target %s unreachable, pane %s affected", st.TargetID, st.PaneID), now)
			}
		case st.State == model.StateCompleted && now.Sub(st.UpdatedAt) > r.cfg.CompletedDemotionAfter:
			syntheticType = string(model.ReconcileDemotionDue)
			reasonToken = fmt.Sprintf("state-v%d", st.StateVersion)
		case now.Sub(st.LastSeenAt) > r.cfg.StaleSignalTTL:
			if st.State == model.StateUnknown && st.ReasonCode == "stale_signal" {
				continue
			}
			syntheticType = string(model.ReconcileStaleDetected)
			reasonToken = fmt.Sprintf("state-v%d", st.StateVersion)
			if r.alerts != nil {
				r.alerts.Emit(alertrouter.Warn, "stale_signal:"+st.PaneID,
					fmt.Sprintf("pane %s stale since %s", st.PaneID, st.LastSeenAt.Format(time.RFC3339)), now)
			}
		default:
			if r.alerts != nil {
				r.alerts.AutoResolveSource("stale_signal:"+st.PaneID, now)
			}
			continue
		}

		event := model.EventEnvelope{
			EventID:     uuid.NewString(),
			EventType:   syntheticType,
			Source:      source,
			DedupeKey:   fmt.Sprintf("reconcile:%s:%s:%s:%s", syntheticType, st.RuntimeID, st.PaneID, reasonToken),
			EventTime:   now,
			IngestedAt:  now,
			RuntimeID:   st.RuntimeID,
			TargetID:    st.TargetID,
			PaneID:      st.PaneID,
			Tier:        model.TierForSource(source),
			IsHeartbeat: true,
			SessionKey:  st.RuntimeID,
		}
		if err := r.engine.Ingest(ctx, event); err != nil {
			return fmt.Errorf("reconcile ingest %s: %w", syntheticType, err)
		}
	}

	return nil
}
