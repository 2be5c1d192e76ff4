package terminal

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/paseohq/paseod/internal/apperrors"
	"github.com/paseohq/paseod/internal/common/config"
	"github.com/paseohq/paseod/internal/common/logger"
)

// Multiplexer is the Terminal Multiplexer (§4.3): it owns every PTY,
// keyed by id, and the list-change subscriptions scoped by cwd.
type Multiplexer struct {
	log       *logger.Logger
	cfg       *config.TerminalConfig
	killGrace time.Duration

	mu          sync.RWMutex
	terminals   map[string]*terminal
	streamIndex map[string]string // streamId -> terminalId
	listSubs    map[string]map[string]ListChangeHandler
}

// New constructs a Multiplexer. cfg supplies the default PTY size and
// scrollback cap (§4.3 "implementation-chosen cap").
func New(log *logger.Logger, cfg *config.TerminalConfig) *Multiplexer {
	return &Multiplexer{
		log:         log.WithFields(zap.String("component", "terminal")),
		cfg:         cfg,
		killGrace:   5 * time.Second,
		terminals:   make(map[string]*terminal),
		streamIndex: make(map[string]string),
		listSubs:    make(map[string]map[string]ListChangeHandler),
	}
}

// ListTerminals returns every terminal bound to cwd.
func (m *Multiplexer) ListTerminals(cwd string) []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Info, 0)
	for _, t := range m.terminals {
		if t.cwd == cwd {
			out = append(out, t.info())
		}
	}
	return out
}

// CreateTerminal spawns a PTY running the user's default shell in cwd.
// The terminal is registered (and so visible to ListTerminals/list
// subscribers) before this call returns (§4.3 "creation is atomic").
func (m *Multiplexer) CreateTerminal(cwd string) (Info, error) {
	cols, rows := uint16(m.cfg.DefaultCols), uint16(m.cfg.DefaultRows)
	t, err := newTerminal(cwd, cols, rows, m.cfg.ScrollbackCapBytes, m.log)
	if err != nil {
		return Info{}, err
	}

	t.onProcessExit = func() { m.notifyListChangeAsync(cwd) }

	m.mu.Lock()
	m.terminals[t.id] = t
	m.mu.Unlock()

	m.notifyListChangeAsync(cwd)
	return t.info(), nil
}

// KillTerminal signals graceful exit then force-terminates.
func (m *Multiplexer) KillTerminal(ctx context.Context, id string) error {
	t, err := m.lookup(id)
	if err != nil {
		return err
	}
	return t.kill(ctx, m.killGrace)
}

// AttachTerminalStream registers a subscriber for id's live output and
// returns a streamId plus a clean snapshot of the current screen (I7).
// onData/onExit must not block.
func (m *Multiplexer) AttachTerminalStream(id string, onData DataHandler, onExit ExitHandler) (streamID string, snapshot []byte, err error) {
	t, err := m.lookup(id)
	if err != nil {
		return "", nil, err
	}
	streamID, snapshot, err = t.attach(onData, onExit)
	if err != nil {
		return "", nil, err
	}

	m.mu.Lock()
	m.streamIndex[streamID] = id
	m.mu.Unlock()
	return streamID, snapshot, nil
}

// DetachTerminalStream unregisters a stream. Unknown stream ids are a
// no-op, matching the idempotent-unsubscribe convention used elsewhere.
func (m *Multiplexer) DetachTerminalStream(streamID string) {
	m.mu.Lock()
	terminalID, ok := m.streamIndex[streamID]
	if ok {
		delete(m.streamIndex, streamID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	if t, err := m.lookup(terminalID); err == nil {
		t.detach(streamID)
	}
}

// SendTerminalStreamInput writes raw bytes to the terminal behind streamID.
func (m *Multiplexer) SendTerminalStreamInput(streamID string, data []byte) error {
	t, err := m.terminalForStream(streamID)
	if err != nil {
		return err
	}
	return t.writeInput(data)
}

// SendTerminalStreamKey encodes k and writes the resulting bytes to the
// terminal behind streamID.
func (m *Multiplexer) SendTerminalStreamKey(streamID string, k KeyInput) error {
	t, err := m.terminalForStream(streamID)
	if err != nil {
		return err
	}
	return t.writeInput(encodeKey(k))
}

// SendTerminalInput applies a resize to the terminal (the only
// sendTerminalInput variant spec.md defines).
func (m *Multiplexer) SendTerminalInput(id string, resize ResizeInput) error {
	t, err := m.lookup(id)
	if err != nil {
		return err
	}
	return t.resize(resize.Cols, resize.Rows)
}

// SubscribeTerminals registers handler to be invoked whenever the
// terminal list for cwd changes, returning an idempotent unsubscribe
// function.
func (m *Multiplexer) SubscribeTerminals(cwd string, handler ListChangeHandler) func() {
	id := uuid.NewString()
	m.mu.Lock()
	if m.listSubs[cwd] == nil {
		m.listSubs[cwd] = make(map[string]ListChangeHandler)
	}
	m.listSubs[cwd][id] = handler
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.listSubs[cwd], id)
			m.mu.Unlock()
		})
	}
}

func (m *Multiplexer) notifyListChangeAsync(cwd string) {
	m.mu.RLock()
	handlers := make([]ListChangeHandler, 0, len(m.listSubs[cwd]))
	for _, h := range m.listSubs[cwd] {
		handlers = append(handlers, h)
	}
	m.mu.RUnlock()
	for _, h := range handlers {
		h(cwd)
	}
}

func (m *Multiplexer) lookup(id string) (*terminal, error) {
	m.mu.RLock()
	t, ok := m.terminals[id]
	m.mu.RUnlock()
	if !ok {
		return nil, apperrors.NotFound("terminal", id)
	}
	return t, nil
}

func (m *Multiplexer) terminalForStream(streamID string) (*terminal, error) {
	m.mu.RLock()
	terminalID, ok := m.streamIndex[streamID]
	m.mu.RUnlock()
	if !ok {
		return nil, apperrors.NotFound("stream", streamID)
	}
	return m.lookup(terminalID)
}

// Shutdown kills every terminal, bounded by ctx's deadline.
func (m *Multiplexer) Shutdown(ctx context.Context) {
	m.mu.RLock()
	terms := make([]*terminal, 0, len(m.terminals))
	for _, t := range m.terminals {
		terms = append(terms, t)
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for _, t := range terms {
		t := t
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := t.kill(ctx, m.killGrace); err != nil {
				m.log.Warn("terminal shutdown kill failed", zap.String("terminal_id", t.id), zap.Error(err))
			}
		}()
	}
	wg.Wait()
}
