package adapter

import (
	"context"
	"io"
	"log/slog"
	"sync"

	"github.com/coder/acp-go-sdk"
	"go.uber.org/zap"

	"github.com/paseohq/paseod/internal/apperrors"
	"github.com/paseohq/paseod/internal/common/logger"
)

// acpAdapter implements AgentAdapter over the ACP JSON-RPC protocol. One
// instance wraps one ACP subprocess's stdin/stdout pipes for the
// lifetime of a single agent.
type acpAdapter struct {
	provider ProviderKind
	caps     Capabilities
	logger   *logger.Logger

	stdin  io.Writer
	stdout io.Reader

	client *acpClient
	conn   *acp.ClientSideConnection

	mu                sync.RWMutex
	sessionID         string
	agentInfo         *AgentInfo
	loadSessionOK     bool // narrowed by the handshake, never wider than caps
	closed            bool

	updatesCh chan AgentEvent
}

// New constructs an adapter for the given provider. Connect and
// Initialize must be called, in that order, before any session
// operation.
func New(kind ProviderKind, log *logger.Logger) (AgentAdapter, error) {
	caps, err := CapabilitiesFor(kind)
	if err != nil {
		return nil, err
	}
	return &acpAdapter{
		provider:  kind,
		caps:      caps,
		logger:    log.WithFields(zap.String("component", "adapter"), zap.String("provider", string(kind))),
		updatesCh: make(chan AgentEvent, 256),
	}, nil
}

func (a *acpAdapter) Connect(stdin io.Writer, stdout io.Reader) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stdin != nil || a.stdout != nil {
		return apperrors.Precondition("adapter already connected")
	}
	a.stdin = stdin
	a.stdout = stdout
	return nil
}

func (a *acpAdapter) Initialize(ctx context.Context) error {
	a.mu.Lock()
	stdin, stdout := a.stdin, a.stdout
	a.mu.Unlock()
	if stdin == nil || stdout == nil {
		return apperrors.Precondition("adapter not connected")
	}

	client := newACPClient(a.logger, "")
	client.setUpdateHandler(a.handleUpdate)

	conn := acp.NewClientSideConnection(client, stdin, stdout)
	conn.SetLogger(slog.Default().With("component", "acp_conn"))

	resp, err := conn.Initialize(ctx, acp.InitializeRequest{
		ProtocolVersion: acp.ProtocolVersionNumber,
		ClientInfo: &acp.Implementation{
			Name:    "paseod",
			Version: "1.0.0",
		},
	})
	if err != nil {
		return apperrors.AdapterFailure(err, "ACP initialize handshake failed")
	}

	info := &AgentInfo{Name: "unknown", Version: "unknown"}
	if resp.AgentInfo != nil {
		info.Name = resp.AgentInfo.Name
		info.Version = resp.AgentInfo.Version
	}

	a.mu.Lock()
	a.client = client
	a.conn = conn
	a.agentInfo = info
	a.loadSessionOK = a.caps.SupportsSessionPersistence && resp.AgentCapabilities.LoadSession
	a.mu.Unlock()

	a.logger.Info("ACP adapter initialized",
		zap.String("agent_name", info.Name),
		zap.String("agent_version", info.Version),
		zap.Bool("load_session", resp.AgentCapabilities.LoadSession))

	return nil
}

func (a *acpAdapter) AgentInfo() *AgentInfo {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.agentInfo
}

func (a *acpAdapter) SupportsSessionPersistence() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.loadSessionOK
}

func (a *acpAdapter) NewSession(ctx context.Context, cwd string) (NewSessionResult, error) {
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn == nil {
		return NewSessionResult{}, apperrors.Precondition("adapter not initialized")
	}

	resp, err := conn.NewSession(ctx, acp.NewSessionRequest{
		Cwd:        cwd,
		McpServers: []acp.McpServer{},
	})
	if err != nil {
		return NewSessionResult{}, apperrors.AdapterFailure(err, "failed to create ACP session")
	}

	sessionID := string(resp.SessionId)
	a.mu.Lock()
	a.sessionID = sessionID
	a.client.setSessionID(sessionID)
	a.mu.Unlock()

	a.logger.Info("created session", zap.String("session_id", sessionID))
	return NewSessionResult{SessionID: sessionID, Modes: a.caps.StaticModes}, nil
}

func (a *acpAdapter) LoadSession(ctx context.Context, cwd, sessionID string) (NewSessionResult, error) {
	a.mu.Lock()
	conn := a.conn
	canLoad := a.loadSessionOK
	a.mu.Unlock()
	if conn == nil {
		return NewSessionResult{}, apperrors.Precondition("adapter not initialized")
	}
	if !canLoad {
		return NewSessionResult{}, apperrors.Precondition("provider %s does not support session persistence", a.provider)
	}

	_, err := conn.LoadSession(ctx, acp.LoadSessionRequest{
		SessionId: acp.SessionId(sessionID),
	})
	if err != nil {
		return NewSessionResult{}, apperrors.AdapterFailure(err, "failed to load ACP session %s", sessionID)
	}

	a.mu.Lock()
	a.sessionID = sessionID
	a.client.setSessionID(sessionID)
	a.mu.Unlock()

	a.logger.Info("loaded session", zap.String("session_id", sessionID))
	return NewSessionResult{SessionID: sessionID, Modes: a.caps.StaticModes}, nil
}

func (a *acpAdapter) Prompt(ctx context.Context, sessionID string, content string) (string, error) {
	a.mu.RLock()
	conn := a.conn
	a.mu.RUnlock()
	if conn == nil {
		return "", apperrors.Precondition("adapter not initialized")
	}

	resp, err := conn.Prompt(ctx, acp.PromptRequest{
		SessionId: acp.SessionId(sessionID),
		Prompt:    []acp.ContentBlock{acp.TextBlock(content)},
	})
	if err != nil {
		return "", apperrors.AdapterFailure(err, "ACP prompt failed")
	}
	return string(resp.StopReason), nil
}

func (a *acpAdapter) Cancel(ctx context.Context, sessionID string) error {
	a.mu.RLock()
	conn := a.conn
	a.mu.RUnlock()
	if conn == nil {
		return apperrors.Precondition("adapter not initialized")
	}
	return conn.Cancel(ctx, acp.CancelNotification{SessionId: acp.SessionId(sessionID)})
}

func (a *acpAdapter) SetSessionMode(ctx context.Context, sessionID, modeID string) error {
	a.mu.RLock()
	conn := a.conn
	a.mu.RUnlock()
	if conn == nil {
		return apperrors.Precondition("adapter not initialized")
	}
	found := false
	for _, m := range a.caps.StaticModes {
		if m.ID == modeID {
			found = true
			break
		}
	}
	if !found {
		return apperrors.Validation("unknown mode %q for provider %s", modeID, a.provider)
	}
	_, err := conn.SetSessionMode(ctx, acp.SetSessionModeRequest{
		SessionId: acp.SessionId(sessionID),
		ModeId:    acp.SessionModeId(modeID),
	})
	if err != nil {
		return apperrors.AdapterFailure(err, "failed to set session mode %q", modeID)
	}
	return nil
}

func (a *acpAdapter) Updates() <-chan AgentEvent {
	return a.updatesCh
}

func (a *acpAdapter) SetPermissionHandler(handler PermissionHandler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.client != nil {
		a.client.setPermissionHandler(handler)
	}
}

func (a *acpAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	close(a.updatesCh)
	if c, ok := a.stdin.(io.Closer); ok {
		_ = c.Close()
	}
	return nil
}

func (a *acpAdapter) handleUpdate(n acp.SessionNotification) {
	event := convertNotification(n)
	if event == nil {
		return
	}
	select {
	case a.updatesCh <- *event:
	default:
		a.logger.Warn("updates channel full, dropping notification",
			zap.String("type", string(event.Type)))
	}
}

// convertNotification maps one ACP SessionNotification to the
// protocol-agnostic AgentEvent the Lifecycle Manager consumes.
func convertNotification(n acp.SessionNotification) *AgentEvent {
	u := n.Update
	sessionID := string(n.SessionId)

	switch {
	case u.AgentMessageChunk != nil:
		if u.AgentMessageChunk.Content.Text != nil {
			return &AgentEvent{Type: EventMessageChunk, SessionID: sessionID, Text: u.AgentMessageChunk.Content.Text.Text}
		}

	case u.AgentThoughtChunk != nil:
		if u.AgentThoughtChunk.Content.Text != nil {
			return &AgentEvent{Type: EventThoughtChunk, SessionID: sessionID, Text: u.AgentThoughtChunk.Content.Text.Text}
		}

	case u.ToolCall != nil:
		locations := make([]ToolLocation, len(u.ToolCall.Locations))
		for i, loc := range u.ToolCall.Locations {
			locations[i] = ToolLocation{Path: loc.Path, Line: loc.Line}
		}
		status := string(u.ToolCall.Status)
		if status == "" {
			status = "running"
		}
		title := ""
		if u.ToolCall.Title != nil {
			title = *u.ToolCall.Title
		}
		return &AgentEvent{
			Type:          EventToolCall,
			SessionID:     sessionID,
			ToolCallID:    string(u.ToolCall.ToolCallId),
			ToolKind:      string(u.ToolCall.Kind),
			ToolTitle:     title,
			ToolStatus:    status,
			ToolRawInput:  u.ToolCall.RawInput,
			ToolLocations: locations,
		}

	case u.ToolCallUpdate != nil:
		status := ""
		if u.ToolCallUpdate.Status != nil {
			status = string(*u.ToolCallUpdate.Status)
		}
		return &AgentEvent{
			Type:       EventToolCallUpdate,
			SessionID:  sessionID,
			ToolCallID: string(u.ToolCallUpdate.ToolCallId),
			ToolStatus: status,
		}

	case u.Plan != nil:
		entries := make([]PlanEntry, len(u.Plan.Entries))
		for i, e := range u.Plan.Entries {
			entries[i] = PlanEntry{Content: e.Content, Status: string(e.Status), Priority: string(e.Priority)}
		}
		return &AgentEvent{Type: EventPlan, SessionID: sessionID, PlanEntries: entries}
	}

	return nil
}

var _ AgentAdapter = (*acpAdapter)(nil)
