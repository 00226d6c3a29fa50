package model

import "time"

// CanonicalState is the normalized runtime state persisted in the store.
type CanonicalState string

const (
	StateRunning         CanonicalState = "running"
	StateWaitingInput    CanonicalState = "waiting_input"
	StateWaitingApproval CanonicalState = "waiting_approval"
	StateCompleted       CanonicalState = "completed"
	StateIdle            CanonicalState = "idle"
	StateError           CanonicalState = "error"
	StateUnknown         CanonicalState = "unknown"
)

// StatePrecedence resolves competing candidate states.
var StatePrecedence = map[CanonicalState]int{
	StateError:           1,
	StateWaitingApproval: 2,
	StateWaitingInput:    3,
	StateRunning:         4,
	StateCompleted:       5,
	StateIdle:            6,
	StateUnknown:         7,
}

// CanonicalActivity folds StateCompleted into StateIdle at the
// read-model boundary. StateCompleted stays a distinct internal state
// so the reconciler's completed-demotion timer can still observe the
// transition out of Running, but nothing outside the store should
// treat "completed" as a sixth public activity state: spec.md's
// Activity State enum has five members plus Unknown/Error.
func CanonicalActivity(s CanonicalState) CanonicalState {
	if s == StateCompleted {
		return StateIdle
	}
	return s
}

type EventSource string

const (
	SourceHook    EventSource = "hook"
	SourceNotify  EventSource = "notify"
	SourceWrapper EventSource = "wrapper"
	SourcePoller  EventSource = "poller"
)

type InboxStatus string

const (
	InboxPendingBind    InboxStatus = "pending_bind"
	InboxBound          InboxStatus = "bound"
	InboxDroppedUnbound InboxStatus = "dropped_unbound"
)

type TargetKind string

const (
	TargetKindLocal TargetKind = "local"
	TargetKindSSH   TargetKind = "ssh"
)

type TargetHealth string

const (
	TargetHealthOK       TargetHealth = "ok"
	TargetHealthDegraded TargetHealth = "degraded"
	TargetHealthDown     TargetHealth = "down"
)

// EventTier distinguishes deterministic evidence (hook/notify/wrapper
// handshakes and heartbeats) from heuristic evidence (poller pattern
// matches). A session whose deterministic-last-seen is still within the
// configured freshness window must never have its activity_state
// derived from a Heuristic-tier event; see internal/ingest.Engine.
type EventTier string

const (
	TierDeterministic EventTier = "deterministic"
	TierHeuristic     EventTier = "heuristic"
)

// TierForSource reports the tier an event source carries: only the
// poller infers activity heuristically from captured text, every other
// source observes a deterministic hook/notify/wrapper signal.
func TierForSource(source EventSource) EventTier {
	if source == SourcePoller {
		return TierHeuristic
	}
	return TierDeterministic
}

type EventEnvelope struct {
	EventID       string
	EventType     string
	Source        EventSource
	DedupeKey     string
	SourceEventID string
	SourceSeq     *int64
	EventTime     time.Time
	IngestedAt    time.Time
	RuntimeID     string
	TargetID      string
	PaneID        string
	PID           *int64
	StartHint     *time.Time
	RawPayload    string
	ActionID      *string

	// Tier, Provider, Confidence, IsHeartbeat and SessionKey mirror the
	// Source Event wire schema: Tier feeds the tier-dominance invariant,
	// Confidence is already normalized to [0,1], IsHeartbeat marks a
	// presence-only event carrying no new activity signal, and
	// SessionKey identifies the provider-side session/conversation this
	// event belongs to (independent of RuntimeID, which identifies the
	// pane-local agent process).
	Tier        EventTier
	Provider    string
	Confidence  float64
	IsHeartbeat bool
	SessionKey  string
}

type Runtime struct {
	RuntimeID        string
	TargetID         string
	PaneID           string
	TmuxServerBootID string
	PaneEpoch        int64
	AgentType        string
	PID              *int64
	StartedAt        time.Time
	EndedAt          *time.Time
}

type ActionType string

const (
	ActionTypeAttach     ActionType = "attach"
	ActionTypeSend       ActionType = "send"
	ActionTypeViewOutput ActionType = "view-output"
	ActionTypeKill       ActionType = "kill"
)

type Action struct {
	ActionID     string
	ActionType   ActionType
	RequestRef   string
	TargetID     string
	PaneID       string
	RuntimeID    *string
	RequestedAt  time.Time
	CompletedAt  *time.Time
	ResultCode   string
	ErrorCode    *string
	MetadataJSON *string
}

type ActionSnapshot struct {
	SnapshotID   string
	ActionID     string
	TargetID     string
	PaneID       string
	RuntimeID    string
	StateVersion int64
	ObservedAt   time.Time
	ExpiresAt    time.Time
	Nonce        string
}

type ActionEvent struct {
	EventID    string
	ActionID   string
	RuntimeID  string
	EventType  string
	Source     EventSource
	EventTime  time.Time
	IngestedAt time.Time
	DedupeKey  string
	RawPayload *string
}

type Pane struct {
	TargetID       string
	PaneID         string
	SessionName    string
	WindowID       string
	WindowName     string
	CurrentCmd     string
	CurrentPath    string
	PaneTitle      string
	HistoryBytes   int64
	LastActivityAt *time.Time
	CurrentPID     *int64
	TTY            string
	UpdatedAt      time.Time
}

type StateRow struct {
	TargetID      string
	PaneID        string
	RuntimeID     string
	State         CanonicalState
	ReasonCode    string
	Confidence    string
	StateVersion  int64
	StateSource   EventSource
	LastEventType string
	LastEventAt   *time.Time
	LastSourceSeq *int64
	LastSeenAt    time.Time
	UpdatedAt     time.Time
}

type Target struct {
	TargetID      string
	TargetName    string
	Kind          TargetKind
	ConnectionRef string
	IsDefault     bool
	LastSeenAt    *time.Time
	Health        TargetHealth
	UpdatedAt     time.Time
}

type AdapterRecord struct {
	AdapterName  string
	AgentType    string
	Version      string
	Capabilities []string
	Enabled      bool
	UpdatedAt    time.Time
}

// OrderKey is the sortable key used for deterministic apply order.
type OrderKey struct {
	HasSourceSeq bool
	SourceSeq    int64
	EventTime    time.Time
	IngestedAt   time.Time
	EventID      string
}

// ReconcileEventType marks synthetic events emitted by reconciler.
type ReconcileEventType string

const (
	ReconcileStaleDetected      ReconcileEventType = "stale_detected"
	ReconcileTargetHealthChange ReconcileEventType = "target_health_changed"
	ReconcileDemotionDue        ReconcileEventType = "demotion_due"
)

// Error codes defined by API contract.
const (
	ErrRefInvalid          = "E_REF_INVALID"
	ErrRefInvalidEncoding  = "E_REF_INVALID_ENCODING"
	ErrRefNotFound         = "E_REF_NOT_FOUND"
	ErrRefAmbiguous        = "E_REF_AMBIGUOUS"
	ErrRuntimeStale        = "E_RUNTIME_STALE"
	ErrPreconditionFailed  = "E_PRECONDITION_FAILED"
	ErrSnapshotExpired     = "E_SNAPSHOT_EXPIRED"
	ErrIdempotencyConflict = "E_IDEMPOTENCY_CONFLICT"
	ErrCursorInvalid       = "E_CURSOR_INVALID"
	ErrCursorExpired       = "E_CURSOR_EXPIRED"
	ErrPIDUnavailable      = "E_PID_UNAVAILABLE"
	ErrTargetUnreachable   = "E_TARGET_UNREACHABLE"
)
