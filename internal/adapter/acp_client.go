package adapter

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/coder/acp-go-sdk"
	"go.uber.org/zap"

	"github.com/paseohq/paseod/internal/common/logger"
)

// UpdateHandler is invoked for every SessionNotification the agent sends.
type UpdateHandler func(n acp.SessionNotification)

// acpClient implements acp.Client, the callback surface the ACP SDK
// invokes on behalf of the subprocess (permission requests, file
// reads/writes, terminal operations, session updates). Terminal
// operations requested by the agent itself are out of scope for this
// daemon's Terminal Multiplexer (that manages terminals the user
// opens) and are stubbed to report no embedded terminal support.
type acpClient struct {
	logger        *logger.Logger
	workspaceRoot string

	mu                sync.RWMutex
	updateHandler     UpdateHandler
	permissionHandler PermissionHandler
	sessionID         string
}

func newACPClient(log *logger.Logger, workspaceRoot string) *acpClient {
	return &acpClient{
		logger:        log.WithFields(zap.String("component", "acp_client")),
		workspaceRoot: workspaceRoot,
	}
}

func (c *acpClient) setUpdateHandler(h UpdateHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.updateHandler = h
}

func (c *acpClient) setPermissionHandler(h PermissionHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.permissionHandler = h
}

func (c *acpClient) setSessionID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionID = id
}

// RequestPermission forwards a permission request to the installed
// PermissionHandler. With no options offered the request is cancelled;
// with no handler installed the first allow option (or, failing that,
// the first option) is selected automatically.
func (c *acpClient) RequestPermission(ctx context.Context, p acp.RequestPermissionRequest) (acp.RequestPermissionResponse, error) {
	if len(p.Options) == 0 {
		c.logger.Warn("permission request carried no options, cancelling",
			zap.String("tool_call_id", string(p.ToolCall.ToolCallId)))
		return cancelledPermissionResponse(), nil
	}

	c.mu.RLock()
	handler := c.permissionHandler
	c.mu.RUnlock()

	if handler == nil {
		return c.autoApprove(p), nil
	}

	req := toPermissionRequest(p)
	resp, err := handler(ctx, req)
	if err != nil {
		c.logger.Error("permission handler failed", zap.Error(err))
		return cancelledPermissionResponse(), nil
	}
	if resp.Cancelled || resp.OptionID == "" {
		return cancelledPermissionResponse(), nil
	}
	return acp.RequestPermissionResponse{
		Outcome: acp.RequestPermissionOutcome{
			Selected: &acp.RequestPermissionOutcomeSelected{
				OptionId: acp.PermissionOptionId(resp.OptionID),
			},
		},
	}, nil
}

func cancelledPermissionResponse() acp.RequestPermissionResponse {
	return acp.RequestPermissionResponse{
		Outcome: acp.RequestPermissionOutcome{
			Cancelled: &acp.RequestPermissionOutcomeCancelled{},
		},
	}
}

func (c *acpClient) autoApprove(p acp.RequestPermissionRequest) acp.RequestPermissionResponse {
	var chosen *acp.PermissionOption
	for i := range p.Options {
		opt := &p.Options[i]
		if opt.Kind == acp.PermissionOptionKindAllowOnce || opt.Kind == acp.PermissionOptionKindAllowAlways {
			chosen = opt
			break
		}
	}
	if chosen == nil {
		chosen = &p.Options[0]
	}
	return acp.RequestPermissionResponse{
		Outcome: acp.RequestPermissionOutcome{
			Selected: &acp.RequestPermissionOutcomeSelected{OptionId: chosen.OptionId},
		},
	}
}

func toPermissionRequest(p acp.RequestPermissionRequest) *PermissionRequest {
	title := ""
	actionType := ""
	if p.ToolCall.Kind != nil {
		actionType = string(*p.ToolCall.Kind)
		title = actionType
	}
	if title == "" && p.ToolCall.Title != nil {
		title = *p.ToolCall.Title
	}

	details := map[string]interface{}{}
	if p.ToolCall.RawInput != nil {
		details["raw_input"] = p.ToolCall.RawInput
	}
	if p.ToolCall.Title != nil {
		details["description"] = *p.ToolCall.Title
	}

	options := make([]PermissionOption, len(p.Options))
	for i, opt := range p.Options {
		options[i] = PermissionOption{
			OptionID: string(opt.OptionId),
			Name:     opt.Name,
			Kind:     string(opt.Kind),
		}
	}

	return &PermissionRequest{
		SessionID:     string(p.SessionId),
		ToolCallID:    string(p.ToolCall.ToolCallId),
		Title:         title,
		ActionType:    actionType,
		ActionDetails: details,
		Options:       options,
	}
}

// SessionUpdate forwards every notification to the installed handler.
func (c *acpClient) SessionUpdate(ctx context.Context, n acp.SessionNotification) error {
	c.mu.RLock()
	handler := c.updateHandler
	c.mu.RUnlock()
	if handler != nil {
		handler(n)
	}
	return nil
}

func (c *acpClient) resolvePath(reqPath string) (string, error) {
	var resolved string
	if filepath.IsAbs(reqPath) {
		resolved = filepath.Clean(reqPath)
	} else {
		resolved = filepath.Join(c.workspaceRoot, reqPath)
	}
	root := filepath.Clean(c.workspaceRoot) + string(filepath.Separator)
	if resolved != filepath.Clean(c.workspaceRoot) && !strings.HasPrefix(resolved, root) {
		return "", fmt.Errorf("path %q resolves outside workspace root %q", reqPath, c.workspaceRoot)
	}
	return resolved, nil
}

func (c *acpClient) ReadTextFile(ctx context.Context, p acp.ReadTextFileRequest) (acp.ReadTextFileResponse, error) {
	path, err := c.resolvePath(p.Path)
	if err != nil {
		return acp.ReadTextFileResponse{}, err
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return acp.ReadTextFileResponse{}, err
	}
	content := string(b)
	if p.Line != nil || p.Limit != nil {
		lines := strings.Split(content, "\n")
		start := 0
		if p.Line != nil && *p.Line > 0 {
			start = *p.Line - 1
			if start > len(lines) {
				start = len(lines)
			}
		}
		end := len(lines)
		if p.Limit != nil && *p.Limit > 0 && start+*p.Limit < end {
			end = start + *p.Limit
		}
		content = strings.Join(lines[start:end], "\n")
	}
	return acp.ReadTextFileResponse{Content: content}, nil
}

func (c *acpClient) WriteTextFile(ctx context.Context, p acp.WriteTextFileRequest) (acp.WriteTextFileResponse, error) {
	path, err := c.resolvePath(p.Path)
	if err != nil {
		return acp.WriteTextFileResponse{}, err
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return acp.WriteTextFileResponse{}, err
		}
	}
	err = os.WriteFile(path, []byte(p.Content), 0o644)
	return acp.WriteTextFileResponse{}, err
}

// The daemon does not expose agent-initiated embedded terminals; users
// interact with terminals only through the Terminal Multiplexer, which
// the agent cannot address directly. These five callbacks report "not
// supported" responses so well-behaved agents fall back gracefully.

func (c *acpClient) CreateTerminal(ctx context.Context, p acp.CreateTerminalRequest) (acp.CreateTerminalResponse, error) {
	return acp.CreateTerminalResponse{}, fmt.Errorf("embedded terminal operations are not supported")
}

func (c *acpClient) KillTerminalCommand(ctx context.Context, p acp.KillTerminalCommandRequest) (acp.KillTerminalCommandResponse, error) {
	return acp.KillTerminalCommandResponse{}, fmt.Errorf("embedded terminal operations are not supported")
}

func (c *acpClient) TerminalOutput(ctx context.Context, p acp.TerminalOutputRequest) (acp.TerminalOutputResponse, error) {
	return acp.TerminalOutputResponse{}, fmt.Errorf("embedded terminal operations are not supported")
}

func (c *acpClient) ReleaseTerminal(ctx context.Context, p acp.ReleaseTerminalRequest) (acp.ReleaseTerminalResponse, error) {
	return acp.ReleaseTerminalResponse{}, fmt.Errorf("embedded terminal operations are not supported")
}

func (c *acpClient) WaitForTerminalExit(ctx context.Context, p acp.WaitForTerminalExitRequest) (acp.WaitForTerminalExitResponse, error) {
	return acp.WaitForTerminalExitResponse{}, fmt.Errorf("embedded terminal operations are not supported")
}

var _ acp.Client = (*acpClient)(nil)
