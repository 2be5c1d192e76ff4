package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/paseohq/paseod/internal/adapter"
	"github.com/paseohq/paseod/internal/apperrors"
	"github.com/paseohq/paseod/internal/common/logger"
	"github.com/paseohq/paseod/internal/persistence"
)

// Launcher starts a provider's ACP subprocess and returns a connected
// AgentAdapter. Exists so tests can substitute a fake without spawning a
// real binary; production code wires defaultLauncher, a thin shim over
// adapter.Launch.
type Launcher func(kind adapter.ProviderKind, cwd string, log *logger.Logger) (adapter.AgentAdapter, ProcessHandle, error)

func defaultLauncher(kind adapter.ProviderKind, cwd string, log *logger.Logger) (adapter.AgentAdapter, ProcessHandle, error) {
	return adapter.Launch(kind, cwd, log)
}

// Manager is the Agent Lifecycle Manager (§4.1): it owns every Agent's
// FSM, timeline, and adapter connection, and is the only component that
// talks to adapter.AgentAdapter directly.
type Manager struct {
	log       *logger.Logger
	store     *persistence.Store
	launch    Launcher
	tracer    trace.Tracer
	turnTTL   time.Duration
	killGrace time.Duration

	mu     sync.RWMutex
	agents map[string]*agent

	shuttingDown bool
}

// Option configures a Manager at construction time.
type Option func(*Manager)

// WithLauncher overrides how agent subprocesses are started. Intended
// for tests.
func WithLauncher(l Launcher) Option {
	return func(m *Manager) { m.launch = l }
}

// WithTurnTimeout overrides the per-Prompt deadline (default 10 minutes,
// §5 "adapter ops should have an implementation-chosen timeout").
func WithTurnTimeout(d time.Duration) Option {
	return func(m *Manager) { m.turnTTL = d }
}

// WithKillGrace overrides how long KillAgent waits for a graceful exit
// before force-killing the process group (default 5s).
func WithKillGrace(d time.Duration) Option {
	return func(m *Manager) { m.killGrace = d }
}

// New constructs a Manager. Call Initialize to load persisted agents
// before serving any requests.
func New(log *logger.Logger, store *persistence.Store, opts ...Option) *Manager {
	m := &Manager{
		log:       log.WithFields(zap.String("component", "lifecycle")),
		store:     store,
		launch:    defaultLauncher,
		tracer:    otel.Tracer("github.com/paseohq/paseod/internal/lifecycle"),
		turnTTL:   10 * time.Minute,
		killGrace: 5 * time.Second,
		agents:    make(map[string]*agent),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Initialize loads every persisted Agent record into memory in the
// uninitialized state. It does not launch any subprocess; that happens
// lazily on first use via ensureInitialized.
func (m *Manager) Initialize(ctx context.Context) error {
	records := m.store.LoadAll()
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range records {
		m.agents[rec.ID] = newAgent(rec.ID, m.log, m.store, rec)
	}
	m.log.Info("lifecycle manager initialized", zap.Int("agent_count", len(records)))
	return nil
}

// CreateAgentRequest is the input to CreateAgent.
type CreateAgentRequest struct {
	Cwd             string
	ProviderOptions adapter.ProviderOptions
	Title           string
	Labels          map[string]string
}

// CreateAgent registers a new Agent in the uninitialized state and
// persists it immediately. The adapter subprocess is not launched until
// the agent's first operation triggers ensureInitialized.
func (m *Manager) CreateAgent(ctx context.Context, req CreateAgentRequest) (AgentInfo, error) {
	if req.Cwd == "" {
		return AgentInfo{}, apperrors.Validation("cwd is required")
	}
	if _, err := adapter.CapabilitiesFor(req.ProviderOptions.Kind); err != nil {
		return AgentInfo{}, err
	}

	m.mu.Lock()
	if m.shuttingDown {
		m.mu.Unlock()
		return AgentInfo{}, apperrors.Precondition("manager is shutting down")
	}

	id := uuid.NewString()
	now := time.Now()
	rec := persistence.AgentRecord{
		ID:  id,
		Cwd: req.Cwd,
		ProviderOptions: persistence.ProviderOptions{
			Kind:            string(req.ProviderOptions.Kind),
			ClaudeSessionID: req.ProviderOptions.ClaudeSessionID,
		},
		PersistedSessionID: req.ProviderOptions.ClaudeSessionID,
		Title:              req.Title,
		CreatedAt:          now,
		LastActivityAt:     now,
		Labels:             req.Labels,
	}
	a := newAgent(id, m.log, m.store, rec)
	m.agents[id] = a
	m.mu.Unlock()

	a.mu.Lock()
	a.persistLocked()
	info := a.snapshotLocked()
	a.mu.Unlock()

	return info, nil
}

// GetAgent returns the current snapshot for id.
func (m *Manager) GetAgent(id string) (AgentInfo, error) {
	a, err := m.lookup(id)
	if err != nil {
		return AgentInfo{}, err
	}
	return a.snapshot(), nil
}

// ListAgents returns a snapshot of every known agent.
func (m *Manager) ListAgents() []AgentInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]AgentInfo, 0, len(m.agents))
	for _, a := range m.agents {
		out = append(out, a.snapshot())
	}
	return out
}

func (m *Manager) lookup(id string) (*agent, error) {
	m.mu.RLock()
	a, ok := m.agents[id]
	m.mu.RUnlock()
	if !ok {
		return nil, apperrors.NotFound("agent", id)
	}
	return a, nil
}

// ensureInitialized lazily launches the adapter subprocess and opens (or
// resumes) an ACP session, collapsing concurrent callers onto a single
// in-flight attempt (I2), including callers that arrive while it is
// still initializing. Once initialization is over it does nothing and
// returns nil, except for a failed agent, which gets an error.
func (m *Manager) ensureInitialized(ctx context.Context, a *agent) error {
	a.mu.Lock()
	if a.state.Kind != StateUninitialized && a.state.Kind != StateInitializing {
		kind := a.state.Kind
		lastErr := a.state.LastError
		a.mu.Unlock()
		if kind == StateFailed {
			return apperrors.AdapterFailure(lastErr, "agent failed to initialize")
		}
		return nil
	}
	a.mu.Unlock()

	_, err, _ := a.initGroup.Do("init", func() (interface{}, error) {
		return nil, m.doInitialize(ctx, a)
	})
	return err
}

func (m *Manager) doInitialize(ctx context.Context, a *agent) error {
	a.mu.Lock()
	if a.state.Kind != StateUninitialized {
		a.mu.Unlock()
		return nil
	}
	a.setStateLocked(State{Kind: StateInitializing, StartedAt: time.Now()})
	cwd := a.cwd
	providerOpts := a.providerOptions
	persistedSessionID := a.state.PersistedSessionID
	a.mu.Unlock()

	ad, proc, err := m.launch(providerOpts.Kind, cwd, m.log)
	if err != nil {
		m.failInit(a, err)
		return err
	}

	if err := ad.Initialize(ctx); err != nil {
		_ = ad.Close()
		m.failInit(a, err)
		return err
	}

	ad.SetPermissionHandler(func(ctx context.Context, req *adapter.PermissionRequest) (*adapter.PermissionResponse, error) {
		return m.handlePermissionRequest(a, req)
	})

	var result adapter.NewSessionResult
	if persistedSessionID != "" && ad.SupportsSessionPersistence() {
		result, err = ad.LoadSession(ctx, cwd, persistedSessionID)
	} else {
		result, err = ad.NewSession(ctx, cwd)
	}
	if err != nil {
		_ = ad.Close()
		m.failInit(a, err)
		return err
	}

	modes := resolveModes(result, providerOpts.Kind)

	a.mu.Lock()
	a.runtime = &Runtime{
		Adapter:        ad,
		Process:        proc,
		SessionID:      result.SessionID,
		CurrentModeID:  modes.currentID,
		AvailableModes: modes.available,
	}
	a.setStateLocked(State{Kind: StateReady})
	a.persistLocked()
	a.mu.Unlock()

	go m.pumpUpdates(a, ad)

	return nil
}

func (m *Manager) failInit(a *agent, err error) {
	a.mu.Lock()
	a.setStateLocked(State{Kind: StateFailed, LastError: err})
	a.persistLocked()
	a.mu.Unlock()
	m.log.Error("agent initialization failed", zap.String("agent_id", a.id), zap.Error(err))
}

type resolvedModes struct {
	available []adapter.SessionMode
	currentID string
}

// resolveModes applies the adapter-advertised-first, static-fallback
// policy, remapping an unrecognized current mode id to the first
// available mode.
func resolveModes(result adapter.NewSessionResult, kind adapter.ProviderKind) resolvedModes {
	available := result.Modes
	if len(available) == 0 {
		caps, err := adapter.CapabilitiesFor(kind)
		if err == nil {
			available = caps.StaticModes
		}
	}
	current := result.CurrentModeID
	if current == "" && len(available) > 0 {
		current = available[0].ID
	}
	found := false
	for _, mode := range available {
		if mode.ID == current {
			found = true
			break
		}
	}
	if !found && len(available) > 0 {
		current = available[0].ID
	}
	return resolvedModes{available: available, currentID: current}
}

// handlePermissionRequest is installed as every adapter's
// PermissionHandler. It records the request on the timeline, blocks
// until resolved, records the resolution, and returns it to the
// adapter.
func (m *Manager) handlePermissionRequest(a *agent, req *adapter.PermissionRequest) (*adapter.PermissionResponse, error) {
	requestID := uuid.NewString()
	resultCh := make(chan adapter.PermissionResponse, 1)
	p := &PendingPermission{
		RequestID: requestID,
		SessionID: req.SessionID,
		Request:   req,
		resultCh:  resultCh,
	}

	a.mu.Lock()
	a.registerPermissionLocked(p)
	a.appendLocked(TimelineEntry{
		Kind:                EntryPermissionRequest,
		PermissionRequestID: requestID,
		ToolCallID:          req.ToolCallID,
		ToolTitle:           req.Title,
		PermissionOptions:   req.Options,
	})
	a.mu.Unlock()

	resp := <-resultCh

	a.mu.Lock()
	a.appendLocked(TimelineEntry{
		Kind:                EntryPermissionResolve,
		PermissionRequestID: requestID,
		PermissionOptionID:  resp.OptionID,
		PermissionCancelled: resp.Cancelled,
	})
	a.mu.Unlock()

	return &resp, nil
}

// pumpUpdates drains an adapter's Updates channel into the agent's
// timeline until the channel closes (agent Close'd). It is the only
// reader of that channel: every streamed event, during a turn or after
// it, reaches the timeline through applyEvent here.
func (m *Manager) pumpUpdates(a *agent, ad adapter.AgentAdapter) {
	for ev := range ad.Updates() {
		m.applyEvent(a, ev)
	}
}

func (m *Manager) applyEvent(a *agent, ev adapter.AgentEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch ev.Type {
	case adapter.EventMessageChunk:
		a.appendLocked(TimelineEntry{
			Kind:      EntryAgentMessageChunk,
			MessageID: a.messageIDForChunkLocked(),
			Text:      ev.Text,
		})
	case adapter.EventThoughtChunk:
		a.appendLocked(TimelineEntry{
			Kind:      EntryAgentThoughtChunk,
			MessageID: a.messageIDForChunkLocked(),
			Text:      ev.Text,
		})
	case adapter.EventToolCall:
		a.closeMessageBoundaryLocked()
		a.appendLocked(TimelineEntry{
			Kind:          EntryToolCall,
			ToolCallID:    ev.ToolCallID,
			ToolKind:      ev.ToolKind,
			ToolTitle:     ev.ToolTitle,
			ToolStatus:    ev.ToolStatus,
			ToolRawInput:  ev.ToolRawInput,
			ToolLocations: ev.ToolLocations,
		})
	case adapter.EventToolCallUpdate:
		a.appendLocked(TimelineEntry{
			Kind:          EntryToolCallUpdate,
			ToolCallID:    ev.ToolCallID,
			ToolStatus:    ev.ToolStatus,
			ToolRawInput:  ev.ToolRawInput,
			ToolLocations: ev.ToolLocations,
		})
	case adapter.EventPlan:
		a.appendLocked(TimelineEntry{
			Kind:        EntryPlan,
			PlanEntries: ev.PlanEntries,
		})
	case adapter.EventStopped:
		// Terminal status transitions are applied by sendPrompt once
		// Prompt() returns; EventStopped is informational only and may
		// race with that return on some adapters, so it is not applied
		// here to avoid a duplicate status_change entry.
	}
}

// Shutdown terminates every agent's subprocess and waits for them to
// exit, bounded by ctx's deadline. Agents are killed concurrently via
// errgroup; if any kill fails, the first error is returned.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.shuttingDown = true
	agents := make([]*agent, 0, len(m.agents))
	for _, a := range m.agents {
		agents = append(agents, a)
	}
	m.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, a := range agents {
		a := a
		g.Go(func() error {
			return m.killAgentLocked(gctx, a, m.killGrace)
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("lifecycle shutdown: %w", err)
	}
	return nil
}
