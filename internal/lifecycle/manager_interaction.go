package lifecycle

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/paseohq/paseod/internal/apperrors"
)

// InitializeAgentAndGetHistory ensures the agent's adapter is connected
// and returns its full recorded timeline, used by clients attaching to
// an agent for the first time (§4.1 "initializeAgentAndGetHistory").
func (m *Manager) InitializeAgentAndGetHistory(ctx context.Context, id string) (AgentInfo, []TimelineEntry, error) {
	a, err := m.lookup(id)
	if err != nil {
		return AgentInfo{}, nil, err
	}
	if err := m.ensureInitialized(ctx, a); err != nil {
		return a.snapshot(), a.timelineSnapshot(), err
	}
	return a.snapshot(), a.timelineSnapshot(), nil
}

// SubscribeToUpdates registers sub to receive every timeline entry
// recorded for id from this point forward, returning an idempotent
// unsubscribe function.
func (m *Manager) SubscribeToUpdates(id string, sub Subscriber) (func(), error) {
	a, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	return a.subscribe(sub), nil
}

// SendPrompt starts a new turn. If the agent is already processing, the
// in-flight turn is cancelled (and any of its pending permissions
// resolved as cancelled) before the new prompt is sent (§4.1
// "auto-cancel on new prompt").
func (m *Manager) SendPrompt(ctx context.Context, id, content string) error {
	a, err := m.lookup(id)
	if err != nil {
		return err
	}
	if err := m.ensureInitialized(ctx, a); err != nil {
		return err
	}

	a.mu.Lock()
	if a.state.Kind == StateProcessing && a.cancelPrompt != nil {
		a.cancelPrompt()
	}
	runtime := a.runtime
	a.mu.Unlock()

	if runtime == nil {
		return apperrors.Precondition("agent %s has no active runtime", id)
	}

	// Give the prior turn's adapter call a moment to observe ctx
	// cancellation; not required for correctness (turnGen below
	// guards against a stale completion clobbering this turn's state)
	// but avoids two Prompt calls overlapping on the same adapter
	// connection longer than necessary.
	time.Sleep(10 * time.Millisecond)

	turnCtx, cancel := context.WithTimeout(ctx, m.turnTTL)

	a.mu.Lock()
	a.cancelAllPermissionsLocked()
	a.cancelPrompt = cancel
	a.turnGen++
	myGen := a.turnGen
	a.setStateLocked(State{Kind: StateProcessing})
	a.closeMessageBoundaryLocked()
	a.appendLocked(TimelineEntry{Kind: EntryUserMessageChunk, Text: content})
	a.lastActivityAt = time.Now()
	sessionID := runtime.SessionID
	a.mu.Unlock()

	ctx, span := m.tracer.Start(turnCtx, "lifecycle.turn")
	span.SetAttributes(attribute.String("agent.id", id))

	go func() {
		defer cancel()
		defer span.End()

		stopReason, err := runtime.Adapter.Prompt(ctx, sessionID, content)

		a.mu.Lock()
		defer a.mu.Unlock()

		if a.turnGen != myGen {
			// A later SendPrompt already superseded this turn; its own
			// completion handler owns the agent's state from here.
			return
		}

		a.cancelPrompt = nil

		switch {
		case err != nil && ctx.Err() != nil:
			stopReason = "cancelled"
			span.SetStatus(codes.Ok, "cancelled")
		case err != nil:
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			a.setStateLocked(State{Kind: StateFailed, LastError: err})
			a.persistLocked()
			a.log.Error("turn failed", zap.String("agent_id", a.id), zap.Error(err))
			return
		}

		span.SetAttributes(attribute.String("turn.stop_reason", stopReason))

		switch stopReason {
		case "cancelled":
			a.setStateLocked(State{Kind: StateReady})
		default:
			a.setStateLocked(State{Kind: StateCompleted, StopReason: stopReason})
		}
		a.persistLocked()
	}()

	return nil
}

// CancelAgent requests that the in-flight turn stop as soon as possible.
// It is a no-op if the agent is not currently processing.
func (m *Manager) CancelAgent(ctx context.Context, id string) error {
	a, err := m.lookup(id)
	if err != nil {
		return err
	}

	a.mu.Lock()
	if a.state.Kind != StateProcessing {
		a.mu.Unlock()
		return nil
	}
	if a.cancelPrompt != nil {
		a.cancelPrompt()
	}
	runtime := a.runtime
	sessionID := ""
	if runtime != nil {
		sessionID = runtime.SessionID
	}
	a.mu.Unlock()

	if runtime == nil {
		return nil
	}
	return runtime.Adapter.Cancel(ctx, sessionID)
}

// SetSessionMode switches id's operating mode.
func (m *Manager) SetSessionMode(ctx context.Context, id, modeID string) error {
	a, err := m.lookup(id)
	if err != nil {
		return err
	}
	if err := m.ensureInitialized(ctx, a); err != nil {
		return err
	}

	a.mu.Lock()
	runtime := a.runtime
	sessionID := ""
	valid := false
	if runtime != nil {
		sessionID = runtime.SessionID
		for _, mode := range runtime.AvailableModes {
			if mode.ID == modeID {
				valid = true
				break
			}
		}
	}
	a.mu.Unlock()

	if runtime == nil {
		return apperrors.Precondition("agent %s has no active runtime", id)
	}
	if !valid {
		return apperrors.Validation("unknown session mode %q", modeID)
	}

	if err := runtime.Adapter.SetSessionMode(ctx, sessionID, modeID); err != nil {
		return err
	}

	a.mu.Lock()
	if a.runtime != nil {
		a.runtime.CurrentModeID = modeID
	}
	a.mu.Unlock()
	return nil
}

// RespondToPermission resolves a pending permission request exactly
// once.
func (m *Manager) RespondToPermission(id, requestID, optionID string, cancelled bool) error {
	a, err := m.lookup(id)
	if err != nil {
		return err
	}
	return a.resolvePermission(requestID, optionID, cancelled)
}

// WaitForPermissionRequest blocks until id raises a permission request,
// the current turn ends without one, or ctx is cancelled.
func (m *Manager) WaitForPermissionRequest(ctx context.Context, id string) (*PendingPermission, error) {
	a, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	return a.waitForPermission(ctx)
}
