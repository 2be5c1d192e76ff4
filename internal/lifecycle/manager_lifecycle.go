package lifecycle

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/paseohq/paseod/internal/apperrors"
)

// KillAgent terminates id's adapter subprocess. Termination is
// graceful (closing stdin, per ACP convention) with a grace period
// before force-killing the process group; it blocks until the process
// has exited, force-killing it first if the grace period elapses.
func (m *Manager) KillAgent(ctx context.Context, id string) error {
	a, err := m.lookup(id)
	if err != nil {
		return err
	}
	return m.killAgentLocked(ctx, a, m.killGrace)
}

func (m *Manager) killAgentLocked(ctx context.Context, a *agent, grace time.Duration) error {
	a.mu.Lock()
	if a.state.Kind == StateKilled {
		a.mu.Unlock()
		return nil
	}
	if a.cancelPrompt != nil {
		a.cancelPrompt()
	}
	runtime := a.runtime
	a.setStateLocked(State{Kind: StateKilled})
	a.persistLocked()
	a.mu.Unlock()

	if runtime == nil {
		return nil
	}

	closeErr := runtime.Adapter.Close()
	if closeErr != nil {
		a.log.Warn("adapter close returned an error", zap.Error(closeErr))
	}

	waitCh := make(chan error, 1)
	go func() { waitCh <- runtime.Process.Wait() }()

	select {
	case <-waitCh:
	case <-time.After(grace):
		if err := runtime.Process.Kill(ctx); err != nil {
			a.log.Warn("force-kill failed", zap.Error(err))
		}
		<-waitCh
	case <-ctx.Done():
		if err := runtime.Process.Kill(context.Background()); err != nil {
			a.log.Warn("force-kill on shutdown deadline failed", zap.Error(err))
		}
		<-waitCh
	}

	// The runtime is cleared shortly after the killed status is
	// recorded rather than immediately, so any subscriber that was
	// already mid-delivery of the status_change entry can still
	// observe a consistent agent (runtime present) before it goes away.
	time.AfterFunc(100*time.Millisecond, func() {
		a.mu.Lock()
		a.runtime = nil
		a.mu.Unlock()
	})

	return nil
}

// DeleteAgent kills (if running) and permanently forgets id, removing
// its persisted record.
func (m *Manager) DeleteAgent(ctx context.Context, id string) error {
	a, err := m.lookup(id)
	if err != nil {
		return err
	}

	if err := m.killAgentLocked(ctx, a, m.killGrace); err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.agents, id)
	m.mu.Unlock()

	if err := m.store.Remove(id); err != nil {
		return apperrors.Transport(err, "failed to remove persisted agent %s", id)
	}
	return nil
}
