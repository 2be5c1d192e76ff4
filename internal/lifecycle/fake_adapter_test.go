package lifecycle

import (
	"context"
	"io"
	"sync"

	"github.com/paseohq/paseod/internal/adapter"
)

// fakeProcess satisfies ProcessHandle without spawning anything.
type fakeProcess struct {
	mu      sync.Mutex
	killed  bool
	exited  chan struct{}
}

func newFakeProcess() *fakeProcess {
	return &fakeProcess{exited: make(chan struct{})}
}

func (p *fakeProcess) Wait() error {
	<-p.exited
	return nil
}

func (p *fakeProcess) Kill(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.killed {
		p.killed = true
		close(p.exited)
	}
	return nil
}

func (p *fakeProcess) exit() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.killed {
		p.killed = true
		close(p.exited)
	}
}

// fakeAdapter is a scriptable adapter.AgentAdapter for exercising the
// Manager without a real ACP subprocess.
type fakeAdapter struct {
	mu sync.Mutex

	supportsPersistence bool
	modes               []adapter.SessionMode
	sessionID           string

	updatesCh   chan adapter.AgentEvent
	permHandler adapter.PermissionHandler
	closed      bool

	// promptFunc, if set, drives Prompt's return value and is given the
	// adapter's Updates channel to push events on before returning.
	promptFunc func(ctx context.Context, updates chan<- adapter.AgentEvent) (string, error)

	initCount int
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{
		updatesCh: make(chan adapter.AgentEvent, 64),
		sessionID: "sess-1",
		modes:     []adapter.SessionMode{{ID: "default", Name: "Default"}, {ID: "plan", Name: "Plan"}},
	}
}

func (f *fakeAdapter) Connect(stdin io.Writer, stdout io.Reader) error { return nil }

func (f *fakeAdapter) Initialize(ctx context.Context) error {
	f.mu.Lock()
	f.initCount++
	f.mu.Unlock()
	return nil
}

func (f *fakeAdapter) AgentInfo() *adapter.AgentInfo {
	return &adapter.AgentInfo{Name: "fake", Version: "0.0.0"}
}

func (f *fakeAdapter) SupportsSessionPersistence() bool { return f.supportsPersistence }

func (f *fakeAdapter) NewSession(ctx context.Context, cwd string) (adapter.NewSessionResult, error) {
	return adapter.NewSessionResult{SessionID: f.sessionID, Modes: f.modes, CurrentModeID: "default"}, nil
}

func (f *fakeAdapter) LoadSession(ctx context.Context, cwd, sessionID string) (adapter.NewSessionResult, error) {
	return adapter.NewSessionResult{SessionID: sessionID, Modes: f.modes, CurrentModeID: "default"}, nil
}

func (f *fakeAdapter) Prompt(ctx context.Context, sessionID, content string) (string, error) {
	if f.promptFunc != nil {
		return f.promptFunc(ctx, f.updatesCh)
	}
	return "end_turn", nil
}

func (f *fakeAdapter) Cancel(ctx context.Context, sessionID string) error { return nil }

func (f *fakeAdapter) SetSessionMode(ctx context.Context, sessionID, modeID string) error { return nil }

func (f *fakeAdapter) Updates() <-chan adapter.AgentEvent { return f.updatesCh }

func (f *fakeAdapter) SetPermissionHandler(handler adapter.PermissionHandler) {
	f.mu.Lock()
	f.permHandler = handler
	f.mu.Unlock()
}

func (f *fakeAdapter) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.updatesCh)
	}
	return nil
}

var _ adapter.AgentAdapter = (*fakeAdapter)(nil)
