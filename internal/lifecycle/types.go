// Package lifecycle implements the Agent Lifecycle Manager: the finite
// state machine, timeline, and pending-permission bookkeeping for every
// managed agent, plus the operations the Session Gateway drives.
package lifecycle

import (
	"context"
	"time"

	"github.com/paseohq/paseod/internal/adapter"
)

// ProcessHandle is the subset of adapter.Process the Lifecycle Manager
// needs to wait for and force-kill a launched subprocess.
// *adapter.Process satisfies this; tests substitute a fake to avoid
// spawning a real binary.
type ProcessHandle interface {
	Wait() error
	Kill(ctx context.Context) error
}

// StateKind is the tag of the Agent state variant (§3 "AgentState").
type StateKind string

const (
	StateUninitialized StateKind = "uninitialized"
	StateInitializing  StateKind = "initializing"
	StateReady         StateKind = "ready"
	StateProcessing    StateKind = "processing"
	StateCompleted     StateKind = "completed"
	StateFailed        StateKind = "failed"
	StateKilled        StateKind = "killed"
)

// State is the Agent's current FSM state. Only the fields relevant to
// Kind are meaningful; this mirrors the teacher's tagged-union-by-struct
// convention rather than a full sum type, since Go has no native sum
// types.
type State struct {
	Kind StateKind

	// PersistedSessionID is set for uninitialized, carried over from the
	// persisted record.
	PersistedSessionID string

	// StartedAt is set for initializing.
	StartedAt time.Time

	// StopReason is set for completed.
	StopReason string

	// LastError is set for failed.
	LastError error
}

// HasRuntime reports whether this state kind is one where I1 requires a
// non-nil Runtime.
func (s State) HasRuntime() bool {
	switch s.Kind {
	case StateReady, StateProcessing, StateCompleted:
		return true
	case StateInitializing:
		// Runtime exists only post-handshake; callers check Runtime != nil
		// directly since the pre/post-handshake split isn't captured here.
		return false
	case StateFailed:
		return false // a failed agent may or may not carry a runtime
	default:
		return false
	}
}

// Runtime holds everything that exists only while an agent has a live
// (or recently live) adapter connection (§3 "AgentRuntime").
type Runtime struct {
	Adapter        adapter.AgentAdapter
	Process        ProcessHandle
	SessionID      string
	CurrentModeID  string
	AvailableModes []adapter.SessionMode
}

// TimelineEntryKind identifies the shape of one recorded update.
type TimelineEntryKind string

const (
	EntryUserMessageChunk  TimelineEntryKind = "user_message_chunk"
	EntryAgentMessageChunk TimelineEntryKind = "agent_message_chunk"
	EntryAgentThoughtChunk TimelineEntryKind = "agent_thought_chunk"
	EntryToolCall          TimelineEntryKind = "tool_call"
	EntryToolCallUpdate    TimelineEntryKind = "tool_call_update"
	EntryPlan              TimelineEntryKind = "plan"
	EntryStatusChange      TimelineEntryKind = "status_change"
	EntryPermissionRequest TimelineEntryKind = "permission_request"
	EntryPermissionResolve TimelineEntryKind = "permission_resolved"
)

// TimelineEntry is one recorded, ordered update for an agent (§3
// "Timeline").
type TimelineEntry struct {
	Seq       uint64
	Kind      TimelineEntryKind
	MessageID string
	Timestamp time.Time

	Text string // *_message_chunk

	ToolCallID    string // tool_call / tool_call_update
	ToolKind      string
	ToolTitle     string
	ToolStatus    string
	ToolRawInput  interface{}
	ToolLocations []adapter.ToolLocation

	PlanEntries []adapter.PlanEntry // plan

	Status StateKind // status_change

	PermissionRequestID string // permission_request / permission_resolved
	PermissionOptions   []adapter.PermissionOption
	PermissionOptionID  string
	PermissionCancelled bool
}

// Subscriber is the callback the Session Gateway registers per agent.
// Implementations must not block; the Gateway's own contract (§4.2) is
// to offload to a bounded per-subscription queue immediately.
type Subscriber func(TimelineEntry)

// PendingPermission is an in-flight permission request awaiting exactly
// one resolution (§3 "PendingPermission").
type PendingPermission struct {
	RequestID string
	SessionID string
	Request   *adapter.PermissionRequest

	resultCh chan adapter.PermissionResponse
}

// AgentInfo is the read-only snapshot of an Agent's identity and state,
// returned by operations that don't need the full timeline.
type AgentInfo struct {
	ID              string
	Cwd             string
	ProviderOptions adapter.ProviderOptions
	Title           string
	CreatedAt       time.Time
	LastActivityAt  time.Time
	Labels          map[string]string
	State           StateKind
	AvailableModes  []adapter.SessionMode
	CurrentModeID   string
}
