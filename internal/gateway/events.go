package gateway

import (
	"github.com/paseohq/paseod/internal/lifecycle"
	"github.com/paseohq/paseod/internal/terminal"
)

// Request/response actions (§4.1/§4.3 operations the Gateway exposes
// over the wire) and subscribe/unsubscribe, grounded on the teacher's
// convention of action-as-string rather than a numeric opcode.
const (
	actionCreateAgent         = "create_agent"
	actionGetAgent            = "get_agent"
	actionListAgents          = "list_agents"
	actionInitializeAgent     = "initialize_agent"
	actionSendPrompt          = "send_prompt"
	actionCancelAgent         = "cancel_agent"
	actionKillAgent           = "kill_agent"
	actionDeleteAgent         = "delete_agent"
	actionSetSessionMode      = "set_session_mode"
	actionRespondToPermission = "respond_to_permission"

	actionListTerminals           = "list_terminals"
	actionCreateTerminal          = "create_terminal"
	actionKillTerminal            = "kill_terminal"
	actionAttachTerminalStream    = "attach_terminal_stream"
	actionDetachTerminalStream    = "detach_terminal_stream"
	actionSendTerminalStreamInput = "send_terminal_stream_input"
	actionSendTerminalStreamKey   = "send_terminal_stream_key"
	actionSendTerminalInput       = "send_terminal_input"

	actionSubscribe   = "subscribe"
	actionUnsubscribe = "unsubscribe"

	actionFetchAgents        = "fetch_agents"
	actionFetchAgentTimeline = "fetch_agent_timeline"
	actionWaitForFinish      = "wait_for_finish"
	actionPing               = "ping"
	actionGetClientInfo      = "get_client_info"
)

// Event (outbound, subscription-scoped) actions (§4.2 "Event classes").
const (
	actionAgentSnapshot          = "agent_snapshot"
	actionAgentUpdate            = "agent_update"
	actionPermissionRequest      = "permission_request"
	actionPermissionResolved     = "permission_resolved"
	actionTerminalListChanged    = "terminal_list_changed"
	actionTerminalStreamData     = "terminal_stream_data"
	actionTerminalStreamExit     = "terminal_stream_exit"
	actionAgentDirectorySnapshot = "agent_directory_snapshot"
	actionAgentDirectoryDelta    = "agent_directory_delta"
)

// Subscription channels a client names in a subscribe request.
const (
	channelAgent          = "agent"
	channelTerminalList   = "terminal_list"
	channelTerminalStream = "terminal_stream"
	channelAgentDirectory = "agent_directory"
)

type agentSnapshotPayload struct {
	Agent    lifecycle.AgentInfo      `json:"agent"`
	Timeline []lifecycle.TimelineEntry `json:"timeline"`
}

type agentUpdatePayload struct {
	AgentID string                  `json:"agentId"`
	Entry   lifecycle.TimelineEntry `json:"entry"`
}

type terminalListChangedPayload struct {
	Cwd       string          `json:"cwd"`
	Terminals []terminal.Info `json:"terminals"`
}

type terminalStreamDataPayload struct {
	StreamID string `json:"streamId"`
	Data     []byte `json:"data"`
}

type terminalStreamExitPayload struct {
	StreamID   string `json:"streamId"`
	TerminalID string `json:"terminalId"`
}

type agentDirectorySnapshotPayload struct {
	Agents []lifecycle.AgentInfo `json:"agents"`
}

type agentDirectoryDeltaPayload struct {
	Added   *lifecycle.AgentInfo `json:"added,omitempty"`
	Removed string               `json:"removed,omitempty"`
}

func timelineEntryToAction(kind lifecycle.TimelineEntryKind) string {
	switch kind {
	case lifecycle.EntryPermissionRequest:
		return actionPermissionRequest
	case lifecycle.EntryPermissionResolve:
		return actionPermissionResolved
	default:
		return actionAgentUpdate
	}
}

// mustEvent builds a subscription event, falling back to an empty
// payload on the (practically impossible) json.Marshal failure of
// these concrete struct types rather than propagating an error through
// every publish call site.
func mustEvent(subscriptionID, action string, payload interface{}) *Message {
	msg, err := newEvent(subscriptionID, action, payload)
	if err != nil {
		msg, _ = newEvent(subscriptionID, action, struct{}{})
	}
	return msg
}
