package lifecycle

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/paseohq/paseod/internal/adapter"
	"github.com/paseohq/paseod/internal/apperrors"
	"github.com/paseohq/paseod/internal/common/logger"
	"github.com/paseohq/paseod/internal/persistence"
)

// agent is the Manager's private handle on one Agent: its identity, FSM
// state, timeline, and bookkeeping. All mutation goes through mu, which
// also serializes subscriber notification so callbacks observe a total
// order of timeline entries (§5 "per-agent lock").
type agent struct {
	id    string
	log   *logger.Logger
	store *persistence.Store

	mu              sync.Mutex
	cwd             string
	providerOptions adapter.ProviderOptions
	title           string
	createdAt       time.Time
	lastActivityAt  time.Time
	labels          map[string]string

	state   State
	runtime *Runtime

	timeline      []TimelineEntry
	nextSeq       uint64
	turnMessageID string // "" means the next chunk mints a fresh id

	pendingPermissions map[string]*PendingPermission
	subscribers        map[string]Subscriber

	// permissionWaiters are resolved whenever a permission request is
	// raised, letting waitForPermissionRequest observe it without
	// polling.
	permissionWaiters []chan *PendingPermission

	initGroup singleflight.Group

	// cancelPrompt, when non-nil, cancels the context backing the
	// in-flight Prompt call.
	cancelPrompt context.CancelFunc

	// turnGen increments every time SendPrompt starts a new turn, so a
	// superseded turn's completion handler can detect it is stale and
	// skip applying its result.
	turnGen uint64
}

func newAgent(id string, log *logger.Logger, store *persistence.Store, rec persistence.AgentRecord) *agent {
	return &agent{
		id:    id,
		log:   log.WithAgentID(id),
		store: store,

		cwd: rec.Cwd,
		providerOptions: adapter.ProviderOptions{
			Kind:            adapter.ProviderKind(rec.ProviderOptions.Kind),
			ClaudeSessionID: rec.ProviderOptions.ClaudeSessionID,
		},
		title:          rec.Title,
		createdAt:      rec.CreatedAt,
		lastActivityAt: rec.LastActivityAt,
		labels:         rec.Labels,

		state: State{Kind: StateUninitialized, PersistedSessionID: rec.PersistedSessionID},

		pendingPermissions: make(map[string]*PendingPermission),
		subscribers:        make(map[string]Subscriber),
	}
}

// snapshot returns an AgentInfo under lock.
func (a *agent) snapshot() AgentInfo {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshotLocked()
}

func (a *agent) snapshotLocked() AgentInfo {
	info := AgentInfo{
		ID:              a.id,
		Cwd:             a.cwd,
		ProviderOptions: a.providerOptions,
		Title:           a.title,
		CreatedAt:       a.createdAt,
		LastActivityAt:  a.lastActivityAt,
		Labels:          a.labels,
		State:           a.state.Kind,
	}
	if a.runtime != nil {
		info.AvailableModes = a.runtime.AvailableModes
		info.CurrentModeID = a.runtime.CurrentModeID
	}
	return info
}

// timelineSnapshot returns a copy of every entry recorded so far, for
// initializeAgentAndGetHistory.
func (a *agent) timelineSnapshot() []TimelineEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]TimelineEntry, len(a.timeline))
	copy(out, a.timeline)
	return out
}

// subscribe registers a Subscriber and returns an idempotent unsubscribe
// function (§9 "explicit idempotent unsubscribe").
func (a *agent) subscribe(sub Subscriber) func() {
	id := uuid.NewString()
	a.mu.Lock()
	a.subscribers[id] = sub
	a.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			a.mu.Lock()
			delete(a.subscribers, id)
			a.mu.Unlock()
		})
	}
}

// appendLocked records entry, assigns it the next sequence number, and
// notifies subscribers synchronously. Callers must hold a.mu.
func (a *agent) appendLocked(entry TimelineEntry) TimelineEntry {
	a.nextSeq++
	entry.Seq = a.nextSeq
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	a.timeline = append(a.timeline, entry)
	for _, sub := range a.subscribers {
		sub(entry)
	}
	return entry
}

// messageIDForChunkLocked returns the messageId a chunk should carry,
// minting a fresh one if the prior turn boundary closed it.
func (a *agent) messageIDForChunkLocked() string {
	if a.turnMessageID == "" {
		a.turnMessageID = uuid.NewString()
	}
	return a.turnMessageID
}

// closeMessageBoundaryLocked ends the current messageId grouping so the
// next chunk mints a new one. Called on tool_call and on a fresh
// user_message_chunk only.
func (a *agent) closeMessageBoundaryLocked() {
	a.turnMessageID = ""
}

// setStateLocked transitions the FSM and records a status_change entry.
func (a *agent) setStateLocked(s State) {
	a.state = s
	a.appendLocked(TimelineEntry{Kind: EntryStatusChange, Status: s.Kind})
	if s.Kind != StateProcessing {
		a.notifyTurnEndLocked()
	}
}

// notifyTurnEndLocked wakes every waitForPermission caller with a nil
// result, since the turn ended without raising a new request.
func (a *agent) notifyTurnEndLocked() {
	waiters := a.permissionWaiters
	a.permissionWaiters = nil
	for _, ch := range waiters {
		ch <- nil
		close(ch)
	}
}

// persistLocked writes the current identity fields to the store. Per
// §4.1, persistence failures never block the state transition that
// triggered them.
func (a *agent) persistLocked() {
	rec := persistence.AgentRecord{
		ID:  a.id,
		Cwd: a.cwd,
		ProviderOptions: persistence.ProviderOptions{
			Kind:            string(a.providerOptions.Kind),
			ClaudeSessionID: a.providerOptions.ClaudeSessionID,
		},
		Title:          a.title,
		CreatedAt:      a.createdAt,
		LastActivityAt: a.lastActivityAt,
		Labels:         a.labels,
	}
	if a.runtime != nil {
		rec.PersistedSessionID = a.runtime.SessionID
	} else {
		rec.PersistedSessionID = a.state.PersistedSessionID
	}
	if a.providerOptions.Kind == adapter.ProviderClaude {
		rec.ProviderOptions.ClaudeSessionID = rec.PersistedSessionID
	}
	if err := a.store.Upsert(rec); err != nil {
		a.log.Warn("persisting agent record failed", zap.Error(err))
	}
}

// registerPermissionLocked tracks a newly raised permission request and
// wakes any waitForPermissionRequest callers.
func (a *agent) registerPermissionLocked(p *PendingPermission) {
	a.pendingPermissions[p.RequestID] = p
	waiters := a.permissionWaiters
	a.permissionWaiters = nil
	for _, ch := range waiters {
		ch <- p
		close(ch)
	}
}

// resolvePermission answers a pending permission exactly once (I3). It
// returns apperrors.NotFound if requestId is unknown or already
// resolved.
func (a *agent) resolvePermission(requestID, optionID string, cancelled bool) error {
	a.mu.Lock()
	p, ok := a.pendingPermissions[requestID]
	if ok {
		delete(a.pendingPermissions, requestID)
	}
	a.mu.Unlock()

	if !ok {
		return apperrors.NotFound("pending_permission", requestID)
	}

	select {
	case p.resultCh <- adapter.PermissionResponse{OptionID: optionID, Cancelled: cancelled}:
	default:
		// Buffered with capacity 1; a second send would mean a double
		// resolution, which the map delete above already prevents.
	}
	return nil
}

// cancelAllPermissionsLocked resolves every pending permission as
// cancelled, used when a new prompt supersedes the current turn.
func (a *agent) cancelAllPermissionsLocked() {
	for id, p := range a.pendingPermissions {
		delete(a.pendingPermissions, id)
		select {
		case p.resultCh <- adapter.PermissionResponse{Cancelled: true}:
		default:
		}
		a.appendLocked(TimelineEntry{
			Kind:                EntryPermissionResolve,
			PermissionRequestID: id,
			PermissionCancelled: true,
		})
	}
}

// waitForPermission blocks until a new permission request is raised, the
// agent leaves the processing state, or ctx is cancelled. It returns nil
// if the turn finished without a permission request.
func (a *agent) waitForPermission(ctx context.Context) (*PendingPermission, error) {
	a.mu.Lock()
	for _, p := range a.pendingPermissions {
		a.mu.Unlock()
		return p, nil
	}
	if a.state.Kind != StateProcessing {
		a.mu.Unlock()
		return nil, nil
	}
	ch := make(chan *PendingPermission, 1)
	a.permissionWaiters = append(a.permissionWaiters, ch)
	a.mu.Unlock()

	select {
	case p := <-ch:
		return p, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
