// Package adapter normalizes the ACP (Agent Client Protocol) subprocess
// contract into the AgentAdapter interface the Lifecycle Manager drives.
// Every provider is ACP on the wire; what differs is provider-level
// capability (session persistence, available modes), captured by the
// Provider tagged variant in provider.go.
package adapter

import (
	"context"
	"io"
)

// AgentInfo describes the agent process discovered during the ACP
// initialize handshake.
type AgentInfo struct {
	Name    string
	Version string
}

// SessionMode is one entry of a provider's available session modes
// (e.g. "default", "plan", "auto-edit").
type SessionMode struct {
	ID          string
	Name        string
	Description string
}

// NewSessionResult is returned by NewSession and LoadSession.
type NewSessionResult struct {
	SessionID     string
	Modes         []SessionMode
	CurrentModeID string
}

// PermissionOption is one choice offered to the user for a pending
// permission request.
type PermissionOption struct {
	OptionID string
	Name     string
	Kind     string // "allow_once" | "allow_always" | "reject_once" | "reject_always"
}

// PermissionRequest is forwarded from the adapter to the Lifecycle
// Manager when the agent asks to run a tool call.
type PermissionRequest struct {
	SessionID     string
	ToolCallID    string
	Title         string
	ActionType    string
	ActionDetails map[string]interface{}
	Options       []PermissionOption
}

// PermissionResponse is the Lifecycle Manager's answer to a
// PermissionRequest, round-tripped back to the agent.
type PermissionResponse struct {
	OptionID  string
	Cancelled bool
}

// PermissionHandler resolves a PermissionRequest, blocking until the
// caller (ultimately a human, via the Session Gateway) responds or the
// context is cancelled.
type PermissionHandler func(ctx context.Context, req *PermissionRequest) (*PermissionResponse, error)

// EventType identifies the kind of AgentEvent a provider emitted.
type EventType string

const (
	EventMessageChunk      EventType = "message_chunk"
	EventThoughtChunk      EventType = "thought_chunk"
	EventToolCall          EventType = "tool_call"
	EventToolCallUpdate    EventType = "tool_call_update"
	EventPlan              EventType = "plan"
	EventStopped           EventType = "stopped"
)

// PlanEntry is one step of an agent's stated plan.
type PlanEntry struct {
	Content  string
	Status   string
	Priority string
}

// ToolLocation points at a file (and optionally a line) a tool call
// touched, used by clients to offer "jump to file".
type ToolLocation struct {
	Path string
	Line *int
}

// AgentEvent is the protocol-agnostic notification the adapter emits on
// its Updates channel. Exactly one payload field is populated per Type.
type AgentEvent struct {
	Type      EventType
	SessionID string
	MessageID string

	Text string // EventMessageChunk / EventThoughtChunk

	ToolCallID string // EventToolCall / EventToolCallUpdate
	ToolKind   string
	ToolTitle  string
	ToolStatus string
	ToolRawInput  interface{}
	ToolLocations []ToolLocation

	PlanEntries []PlanEntry // EventPlan

	StopReason string // EventStopped
	Err        error  // EventStopped with an error outcome
}

// AgentAdapter is the capability surface the Lifecycle Manager drives
// for one agent process. One AgentAdapter corresponds to one ACP
// subprocess and at most one active session.
type AgentAdapter interface {
	// Connect wires up the subprocess's stdin/stdout. Must be called
	// before Initialize.
	Connect(stdin io.Writer, stdout io.Reader) error

	// Initialize performs the ACP handshake, discovering the agent's
	// capabilities (load_session support, available modes, etc).
	Initialize(ctx context.Context) error

	// AgentInfo returns the handshake result. Valid only after
	// Initialize returns successfully.
	AgentInfo() *AgentInfo

	// SupportsSessionPersistence reports whether LoadSession is usable
	// for this agent instance, combining the provider's static
	// capability with the ACP handshake's runtime confirmation.
	SupportsSessionPersistence() bool

	// NewSession starts a fresh ACP session rooted at cwd.
	NewSession(ctx context.Context, cwd string) (NewSessionResult, error)

	// LoadSession resumes a previously persisted session. Callers must
	// check SupportsSessionPersistence first; LoadSession on an
	// unsupporting adapter returns an error.
	LoadSession(ctx context.Context, cwd, sessionID string) (NewSessionResult, error)

	// Prompt sends a user turn and blocks until the agent reports a
	// stop reason (end_turn, cancelled, max_tokens, refusal) or ctx is
	// cancelled. Streaming content arrives on Updates while Prompt is
	// in flight.
	Prompt(ctx context.Context, sessionID string, content string) (stopReason string, err error)

	// Cancel requests that the in-flight Prompt stop as soon as
	// possible. It does not itself block for completion; the pending
	// Prompt call resolves once the agent acknowledges the cancel.
	Cancel(ctx context.Context, sessionID string) error

	// SetSessionMode switches the session's operating mode, when the
	// provider advertises more than one.
	SetSessionMode(ctx context.Context, sessionID, modeID string) error

	// Updates returns the channel of notifications produced by the
	// agent. Closed once Close is called.
	Updates() <-chan AgentEvent

	// SetPermissionHandler installs the callback used to resolve
	// permission requests raised by the agent mid-turn.
	SetPermissionHandler(handler PermissionHandler)

	// Close releases adapter-owned resources and closes the subprocess's
	// stdin, which is how ACP agents are asked to exit. It does not kill
	// the subprocess; force-killing is the Lifecycle Manager's job.
	Close() error
}
