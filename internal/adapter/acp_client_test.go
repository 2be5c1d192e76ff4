package adapter

import (
	"context"
	"testing"

	"github.com/coder/acp-go-sdk"

	"github.com/paseohq/paseod/internal/common/logger"
)

func newTestClient(t *testing.T, root string) *acpClient {
	t.Helper()
	return newACPClient(logger.Default(), root)
}

func TestACPClient_ResolvePath_RelativeStaysInRoot(t *testing.T) {
	c := newTestClient(t, "/workspace/app")

	resolved, err := c.resolvePath("src/main.go")
	if err != nil {
		t.Fatalf("resolvePath: %v", err)
	}
	if resolved != "/workspace/app/src/main.go" {
		t.Errorf("resolved = %q", resolved)
	}
}

func TestACPClient_ResolvePath_RejectsTraversal(t *testing.T) {
	c := newTestClient(t, "/workspace/app")

	if _, err := c.resolvePath("../../etc/passwd"); err == nil {
		t.Fatal("expected path traversal to be rejected")
	}
}

func TestACPClient_ResolvePath_AbsoluteWithinRootAllowed(t *testing.T) {
	c := newTestClient(t, "/workspace/app")

	resolved, err := c.resolvePath("/workspace/app/data.json")
	if err != nil {
		t.Fatalf("resolvePath: %v", err)
	}
	if resolved != "/workspace/app/data.json" {
		t.Errorf("resolved = %q", resolved)
	}
}

func TestACPClient_RequestPermission_NoOptionsCancels(t *testing.T) {
	c := newTestClient(t, "/workspace")

	resp, err := c.RequestPermission(context.Background(), acp.RequestPermissionRequest{
		SessionId: "s1",
		ToolCall:  acp.ToolCallUpdate{ToolCallId: "tc1"},
	})
	if err != nil {
		t.Fatalf("RequestPermission: %v", err)
	}
	if resp.Outcome.Cancelled == nil {
		t.Error("expected cancelled outcome when no options are offered")
	}
}

func TestACPClient_RequestPermission_NoHandlerAutoApprovesAllow(t *testing.T) {
	c := newTestClient(t, "/workspace")

	resp, err := c.RequestPermission(context.Background(), acp.RequestPermissionRequest{
		SessionId: "s1",
		ToolCall:  acp.ToolCallUpdate{ToolCallId: "tc1"},
		Options: []acp.PermissionOption{
			{OptionId: "reject", Name: "Reject", Kind: acp.PermissionOptionKindRejectOnce},
			{OptionId: "allow", Name: "Allow", Kind: acp.PermissionOptionKindAllowOnce},
		},
	})
	if err != nil {
		t.Fatalf("RequestPermission: %v", err)
	}
	if resp.Outcome.Selected == nil || resp.Outcome.Selected.OptionId != "allow" {
		t.Errorf("expected auto-approved allow option, got %+v", resp.Outcome)
	}
}

func TestACPClient_RequestPermission_ForwardsToHandler(t *testing.T) {
	c := newTestClient(t, "/workspace")
	var captured *PermissionRequest
	c.setPermissionHandler(func(ctx context.Context, req *PermissionRequest) (*PermissionResponse, error) {
		captured = req
		return &PermissionResponse{OptionID: req.Options[0].OptionID}, nil
	})

	title := "run_shell_command"
	resp, err := c.RequestPermission(context.Background(), acp.RequestPermissionRequest{
		SessionId: "s1",
		ToolCall: acp.ToolCallUpdate{
			ToolCallId: "tc1",
			Title:      &title,
		},
		Options: []acp.PermissionOption{
			{OptionId: "opt1", Name: "Allow", Kind: acp.PermissionOptionKindAllowOnce},
		},
	})
	if err != nil {
		t.Fatalf("RequestPermission: %v", err)
	}
	if captured == nil {
		t.Fatal("expected handler to be invoked")
	}
	if captured.ToolCallID != "tc1" {
		t.Errorf("ToolCallID = %q", captured.ToolCallID)
	}
	if resp.Outcome.Selected == nil || resp.Outcome.Selected.OptionId != "opt1" {
		t.Errorf("expected selected opt1, got %+v", resp.Outcome)
	}
}

func TestACPClient_SessionUpdate_ForwardsToHandler(t *testing.T) {
	c := newTestClient(t, "/workspace")
	var received acp.SessionNotification
	c.setUpdateHandler(func(n acp.SessionNotification) {
		received = n
	})

	n := acp.SessionNotification{SessionId: "s1"}
	if err := c.SessionUpdate(context.Background(), n); err != nil {
		t.Fatalf("SessionUpdate: %v", err)
	}
	if received.SessionId != "s1" {
		t.Errorf("handler did not receive notification")
	}
}

func TestACPClient_EmbeddedTerminalsUnsupported(t *testing.T) {
	c := newTestClient(t, "/workspace")

	if _, err := c.CreateTerminal(context.Background(), acp.CreateTerminalRequest{}); err == nil {
		t.Error("expected CreateTerminal to be rejected")
	}
	if _, err := c.TerminalOutput(context.Background(), acp.TerminalOutputRequest{}); err == nil {
		t.Error("expected TerminalOutput to be rejected")
	}
}
