package gateway

import (
	"context"
	"time"

	"github.com/paseohq/paseod/internal/adapter"
	"github.com/paseohq/paseod/internal/lifecycle"
	"github.com/paseohq/paseod/internal/terminal"
)

// buildDispatcher wires every request action to the Manager or
// Multiplexer operation it fronts, grounded on the teacher's pattern of
// registering one Handler per action on construction
// (pkg/websocket.Dispatcher.Register call sites in cmd/kandev/gateway.go).
func buildDispatcher(h *Hub) *Dispatcher {
	d := NewDispatcher()

	d.RegisterFunc(actionCreateAgent, h.handleCreateAgent)
	d.RegisterFunc(actionGetAgent, h.handleGetAgent)
	d.RegisterFunc(actionListAgents, h.handleListAgents)
	d.RegisterFunc(actionInitializeAgent, h.handleInitializeAgent)
	d.RegisterFunc(actionSendPrompt, h.handleSendPrompt)
	d.RegisterFunc(actionCancelAgent, h.handleCancelAgent)
	d.RegisterFunc(actionKillAgent, h.handleKillAgent)
	d.RegisterFunc(actionDeleteAgent, h.handleDeleteAgent)
	d.RegisterFunc(actionSetSessionMode, h.handleSetSessionMode)
	d.RegisterFunc(actionRespondToPermission, h.handleRespondToPermission)

	d.RegisterFunc(actionListTerminals, h.handleListTerminals)
	d.RegisterFunc(actionCreateTerminal, h.handleCreateTerminal)
	d.RegisterFunc(actionKillTerminal, h.handleKillTerminal)
	d.RegisterFunc(actionAttachTerminalStream, h.handleAttachTerminalStream)
	d.RegisterFunc(actionDetachTerminalStream, h.handleDetachTerminalStream)
	d.RegisterFunc(actionSendTerminalStreamInput, h.handleSendTerminalStreamInput)
	d.RegisterFunc(actionSendTerminalStreamKey, h.handleSendTerminalStreamKey)
	d.RegisterFunc(actionSendTerminalInput, h.handleSendTerminalInput)

	d.RegisterFunc(actionFetchAgents, h.handleListAgents)
	d.RegisterFunc(actionFetchAgentTimeline, h.handleFetchAgentTimeline)
	d.RegisterFunc(actionWaitForFinish, h.handleWaitForFinish)
	d.RegisterFunc(actionPing, h.handlePing)
	d.RegisterFunc(actionGetClientInfo, h.handleGetClientInfo)

	return d
}

type createAgentRequest struct {
	Cwd             string            `json:"cwd"`
	Provider        string            `json:"provider"`
	ClaudeSessionID string            `json:"claudeSessionId,omitempty"`
	Title           string            `json:"title"`
	Labels          map[string]string `json:"labels"`
}

func (h *Hub) handleCreateAgent(ctx context.Context, c *Client, msg *Message) (interface{}, error) {
	var req createAgentRequest
	if err := msg.ParsePayload(&req); err != nil {
		return nil, errInvalidArgument("malformed create_agent payload: %v", err)
	}
	info, err := h.manager.CreateAgent(ctx, lifecycle.CreateAgentRequest{
		Cwd: req.Cwd,
		ProviderOptions: adapter.ProviderOptions{
			Kind:            adapter.ProviderKind(req.Provider),
			ClaudeSessionID: req.ClaudeSessionID,
		},
		Title:  req.Title,
		Labels: req.Labels,
	})
	if err != nil {
		return nil, err
	}
	h.publishDirectoryDelta(agentDirectoryDeltaPayload{Added: &info})
	return info, nil
}

type agentIDRequest struct {
	AgentID string `json:"agentId"`
}

func (h *Hub) handleGetAgent(ctx context.Context, c *Client, msg *Message) (interface{}, error) {
	var req agentIDRequest
	if err := msg.ParsePayload(&req); err != nil {
		return nil, errInvalidArgument("malformed payload: %v", err)
	}
	return h.manager.GetAgent(req.AgentID)
}

func (h *Hub) handleListAgents(ctx context.Context, c *Client, msg *Message) (interface{}, error) {
	return h.manager.ListAgents(), nil
}

func (h *Hub) handleInitializeAgent(ctx context.Context, c *Client, msg *Message) (interface{}, error) {
	var req agentIDRequest
	if err := msg.ParsePayload(&req); err != nil {
		return nil, errInvalidArgument("malformed payload: %v", err)
	}
	info, timeline, err := h.manager.InitializeAgentAndGetHistory(ctx, req.AgentID)
	if err != nil {
		return nil, err
	}
	return agentSnapshotPayload{Agent: info, Timeline: timeline}, nil
}

type sendPromptRequest struct {
	AgentID string `json:"agentId"`
	Content string `json:"content"`
}

func (h *Hub) handleSendPrompt(ctx context.Context, c *Client, msg *Message) (interface{}, error) {
	var req sendPromptRequest
	if err := msg.ParsePayload(&req); err != nil {
		return nil, errInvalidArgument("malformed payload: %v", err)
	}
	if req.Content == "" {
		return nil, errInvalidArgument("content is required")
	}
	return nil, h.manager.SendPrompt(ctx, req.AgentID, req.Content)
}

func (h *Hub) handleCancelAgent(ctx context.Context, c *Client, msg *Message) (interface{}, error) {
	var req agentIDRequest
	if err := msg.ParsePayload(&req); err != nil {
		return nil, errInvalidArgument("malformed payload: %v", err)
	}
	return nil, h.manager.CancelAgent(ctx, req.AgentID)
}

func (h *Hub) handleKillAgent(ctx context.Context, c *Client, msg *Message) (interface{}, error) {
	var req agentIDRequest
	if err := msg.ParsePayload(&req); err != nil {
		return nil, errInvalidArgument("malformed payload: %v", err)
	}
	return nil, h.manager.KillAgent(ctx, req.AgentID)
}

func (h *Hub) handleDeleteAgent(ctx context.Context, c *Client, msg *Message) (interface{}, error) {
	var req agentIDRequest
	if err := msg.ParsePayload(&req); err != nil {
		return nil, errInvalidArgument("malformed payload: %v", err)
	}
	if err := h.manager.DeleteAgent(ctx, req.AgentID); err != nil {
		return nil, err
	}
	h.publishDirectoryDelta(agentDirectoryDeltaPayload{Removed: req.AgentID})
	return nil, nil
}

type setSessionModeRequest struct {
	AgentID string `json:"agentId"`
	ModeID  string `json:"modeId"`
}

func (h *Hub) handleSetSessionMode(ctx context.Context, c *Client, msg *Message) (interface{}, error) {
	var req setSessionModeRequest
	if err := msg.ParsePayload(&req); err != nil {
		return nil, errInvalidArgument("malformed payload: %v", err)
	}
	return nil, h.manager.SetSessionMode(ctx, req.AgentID, req.ModeID)
}

type respondToPermissionRequest struct {
	AgentID   string `json:"agentId"`
	RequestID string `json:"requestId"`
	OptionID  string `json:"optionId"`
	Cancelled bool   `json:"cancelled"`
}

func (h *Hub) handleRespondToPermission(ctx context.Context, c *Client, msg *Message) (interface{}, error) {
	var req respondToPermissionRequest
	if err := msg.ParsePayload(&req); err != nil {
		return nil, errInvalidArgument("malformed payload: %v", err)
	}
	return nil, h.manager.RespondToPermission(req.AgentID, req.RequestID, req.OptionID, req.Cancelled)
}

type cwdRequest struct {
	Cwd string `json:"cwd"`
}

func (h *Hub) handleListTerminals(ctx context.Context, c *Client, msg *Message) (interface{}, error) {
	var req cwdRequest
	if err := msg.ParsePayload(&req); err != nil {
		return nil, errInvalidArgument("malformed payload: %v", err)
	}
	return h.terminals.ListTerminals(req.Cwd), nil
}

func (h *Hub) handleCreateTerminal(ctx context.Context, c *Client, msg *Message) (interface{}, error) {
	var req cwdRequest
	if err := msg.ParsePayload(&req); err != nil {
		return nil, errInvalidArgument("malformed payload: %v", err)
	}
	if req.Cwd == "" {
		return nil, errInvalidArgument("cwd is required")
	}
	return h.terminals.CreateTerminal(req.Cwd)
}

type terminalIDRequest struct {
	TerminalID string `json:"terminalId"`
}

func (h *Hub) handleKillTerminal(ctx context.Context, c *Client, msg *Message) (interface{}, error) {
	var req terminalIDRequest
	if err := msg.ParsePayload(&req); err != nil {
		return nil, errInvalidArgument("malformed payload: %v", err)
	}
	return nil, h.terminals.KillTerminal(ctx, req.TerminalID)
}

type attachTerminalStreamRequest struct {
	TerminalID     string `json:"terminalId"`
	SubscriptionID string `json:"subscriptionId"`
}

type attachTerminalStreamResponse struct {
	StreamID       string `json:"streamId"`
	SubscriptionID string `json:"subscriptionId"`
	Snapshot       []byte `json:"snapshot"`
}

// handleAttachTerminalStream both creates the PTY listener and binds it
// to the caller's subscriptionId in one round trip: the Multiplexer
// only hands out a streamId once a listener already exists, so there is
// no earlier point at which the client could have named that id itself
// the way subscribe ordinarily expects (§4.3/§4.2 boundary; recorded as
// an Open Question resolution).
func (h *Hub) handleAttachTerminalStream(ctx context.Context, c *Client, msg *Message) (interface{}, error) {
	var req attachTerminalStreamRequest
	if err := msg.ParsePayload(&req); err != nil {
		return nil, errInvalidArgument("malformed payload: %v", err)
	}
	if req.SubscriptionID == "" {
		return nil, errInvalidArgument("subscriptionId is required")
	}

	sub := newSubscription(req.SubscriptionID, channelTerminalStream, "", nil)

	streamID, snapshot, err := h.terminals.AttachTerminalStream(req.TerminalID,
		func(data []byte) {
			sub.publish(mustEvent(sub.id, actionTerminalStreamData, terminalStreamDataPayload{StreamID: sub.target, Data: data}))
		},
		func() {
			sub.publish(mustEvent(sub.id, actionTerminalStreamExit, terminalStreamExitPayload{StreamID: sub.target, TerminalID: req.TerminalID}))
			sub.close()
		},
	)
	if err != nil {
		return nil, err
	}

	sub.target = streamID
	sub.cancel = func() { h.terminals.DetachTerminalStream(streamID) }
	c.registerSubscription(sub)

	return attachTerminalStreamResponse{StreamID: streamID, SubscriptionID: req.SubscriptionID, Snapshot: snapshot}, nil
}

type streamIDRequest struct {
	StreamID string `json:"streamId"`
}

func (h *Hub) handleDetachTerminalStream(ctx context.Context, c *Client, msg *Message) (interface{}, error) {
	var req streamIDRequest
	if err := msg.ParsePayload(&req); err != nil {
		return nil, errInvalidArgument("malformed payload: %v", err)
	}
	h.terminals.DetachTerminalStream(req.StreamID)
	c.closeSubscriptionsForTarget(req.StreamID)
	return nil, nil
}

type sendTerminalStreamInputRequest struct {
	StreamID string `json:"streamId"`
	Data     []byte `json:"data"`
}

func (h *Hub) handleSendTerminalStreamInput(ctx context.Context, c *Client, msg *Message) (interface{}, error) {
	var req sendTerminalStreamInputRequest
	if err := msg.ParsePayload(&req); err != nil {
		return nil, errInvalidArgument("malformed payload: %v", err)
	}
	return nil, h.terminals.SendTerminalStreamInput(req.StreamID, req.Data)
}

type sendTerminalStreamKeyRequest struct {
	StreamID string            `json:"streamId"`
	Key      terminal.KeyInput `json:"key"`
}

func (h *Hub) handleSendTerminalStreamKey(ctx context.Context, c *Client, msg *Message) (interface{}, error) {
	var req sendTerminalStreamKeyRequest
	if err := msg.ParsePayload(&req); err != nil {
		return nil, errInvalidArgument("malformed payload: %v", err)
	}
	return nil, h.terminals.SendTerminalStreamKey(req.StreamID, req.Key)
}

type sendTerminalInputRequest struct {
	TerminalID string               `json:"terminalId"`
	Resize     terminal.ResizeInput `json:"resize"`
}

func (h *Hub) handleSendTerminalInput(ctx context.Context, c *Client, msg *Message) (interface{}, error) {
	var req sendTerminalInputRequest
	if err := msg.ParsePayload(&req); err != nil {
		return nil, errInvalidArgument("malformed payload: %v", err)
	}
	return nil, h.terminals.SendTerminalInput(req.TerminalID, req.Resize)
}

// fetchAgentTimelinePayload is a thinner response than agentSnapshotPayload:
// callers that only want the recorded updates, not the full bootstrap an
// agent subscription performs, use fetch_agent_timeline instead of
// initialize_agent.
type fetchAgentTimelinePayload struct {
	AgentID  string                    `json:"agentId"`
	Timeline []lifecycle.TimelineEntry `json:"timeline"`
}

func (h *Hub) handleFetchAgentTimeline(ctx context.Context, c *Client, msg *Message) (interface{}, error) {
	var req agentIDRequest
	if err := msg.ParsePayload(&req); err != nil {
		return nil, errInvalidArgument("malformed payload: %v", err)
	}
	_, timeline, err := h.manager.InitializeAgentAndGetHistory(ctx, req.AgentID)
	if err != nil {
		return nil, err
	}
	return fetchAgentTimelinePayload{AgentID: req.AgentID, Timeline: timeline}, nil
}

// handleWaitForFinish blocks the request until the agent raises a
// permission request (returned), the current turn ends without one (null
// result, also returned at once when the agent is not processing), or
// the caller's context is cancelled, letting a client implement a
// synchronous "run to next decision point" flow without polling.
func (h *Hub) handleWaitForFinish(ctx context.Context, c *Client, msg *Message) (interface{}, error) {
	var req agentIDRequest
	if err := msg.ParsePayload(&req); err != nil {
		return nil, errInvalidArgument("malformed payload: %v", err)
	}
	pending, err := h.manager.WaitForPermissionRequest(ctx, req.AgentID)
	if err != nil {
		return nil, err
	}
	return pending, nil
}

type pingPayload struct {
	Timestamp time.Time `json:"timestamp"`
}

func (h *Hub) handlePing(ctx context.Context, c *Client, msg *Message) (interface{}, error) {
	return pingPayload{Timestamp: time.Now()}, nil
}

type clientInfoPayload struct {
	ClientID          string `json:"clientId"`
	RuntimeGeneration uint64 `json:"runtimeGeneration"`
}

func (h *Hub) handleGetClientInfo(ctx context.Context, c *Client, msg *Message) (interface{}, error) {
	return clientInfoPayload{ClientID: c.ClientID, RuntimeGeneration: c.RuntimeGeneration}, nil
}
