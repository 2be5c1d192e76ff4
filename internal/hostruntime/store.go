package hostruntime

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/paseohq/paseod/internal/common/logger"
)

// DirectoryRefresher fetches one server's agent directory on the
// Store's behalf. The Gateway's own "agent_directory" channel, exposed
// over each daemon's connection, is the real implementation; tests
// substitute a fake.
type DirectoryRefresher func(ctx context.Context, serverID string) error

// Store is the Host Runtime Store: a process-wide registry of
// Controllers keyed by server id, responsible for syncing the
// configured host profiles and bootstrapping each host's agent
// directory exactly once per first online transition.
type Store struct {
	log        *logger.Logger
	prober     Prober
	buildHost  func(serverID string) ClientBuilder
	refresh    DirectoryRefresher
	bootstrapG singleflight.Group

	mu           sync.Mutex
	controllers  map[string]*Controller
	unsubs       map[string]func()
	bootstrapped map[string]bool

	subMu sync.Mutex
	subs  map[string]func(string, Snapshot)
}

// NewStore constructs an empty Store. buildHost returns the
// ClientBuilder to use for a given server id (since transports are
// typically per-server, e.g. carrying the daemon's public key).
func NewStore(log *logger.Logger, prober Prober, buildHost func(serverID string) ClientBuilder, refresh DirectoryRefresher) *Store {
	return &Store{
		log:          log.WithFields(zap.String("component", "hostruntime_store")),
		prober:       prober,
		buildHost:    buildHost,
		refresh:      refresh,
		controllers:  make(map[string]*Controller),
		unsubs:       make(map[string]func()),
		bootstrapped: make(map[string]bool),
		subs:         make(map[string]func(string, Snapshot)),
	}
}

// SyncHosts reconciles the controller set against profiles: adds
// controllers for new hosts, updates candidates for existing ones, and
// removes controllers for hosts no longer configured.
func (s *Store) SyncHosts(ctx context.Context, profiles []HostProfile) {
	seen := make(map[string]bool, len(profiles))
	for _, p := range profiles {
		seen[p.ID] = true

		s.mu.Lock()
		ctrl, ok := s.controllers[p.ID]
		s.mu.Unlock()

		if ok {
			ctrl.UpdateCandidates(ctx, p.Candidates, p.PreferredConnectionID)
			continue
		}

		ctrl = New(p.ID, p.Candidates, p.PreferredConnectionID, s.prober, s.buildHost(p.ID), s.log)
		unsub := ctrl.Subscribe(func(snap Snapshot) { s.onSnapshot(p.ID, snap) })

		s.mu.Lock()
		s.controllers[p.ID] = ctrl
		s.unsubs[p.ID] = unsub
		s.mu.Unlock()

		go ctrl.RunProbeCycleNow(ctx)
	}

	s.mu.Lock()
	var removed []string
	for id := range s.controllers {
		if !seen[id] {
			removed = append(removed, id)
		}
	}
	s.mu.Unlock()

	for _, id := range removed {
		s.removeHost(id)
	}
}

func (s *Store) removeHost(serverID string) {
	s.mu.Lock()
	ctrl, ok := s.controllers[serverID]
	unsub := s.unsubs[serverID]
	delete(s.controllers, serverID)
	delete(s.unsubs, serverID)
	delete(s.bootstrapped, serverID)
	s.mu.Unlock()

	if !ok {
		return
	}
	if unsub != nil {
		unsub()
	}
	ctrl.Stop()
}

// onSnapshot is the fan-out point: it republishes every controller
// transition to global/per-server subscribers, and on a host's
// first-ever transition to online it kicks off exactly one directory
// bootstrap, collapsing concurrent callers via singleflight.
func (s *Store) onSnapshot(serverID string, snap Snapshot) {
	s.subMu.Lock()
	fns := make([]func(string, Snapshot), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subMu.Unlock()
	for _, fn := range fns {
		fn(serverID, snap)
	}

	if !snap.IsOnline() {
		return
	}

	s.mu.Lock()
	already := s.bootstrapped[serverID]
	if !already {
		s.bootstrapped[serverID] = true
	}
	s.mu.Unlock()
	if already {
		return
	}

	go s.bootstrapDirectory(serverID)
}

func (s *Store) bootstrapDirectory(serverID string) {
	s.setDirectoryStatus(serverID, DirectoryInitialLoading)
	_, err, _ := s.bootstrapG.Do(serverID, func() (interface{}, error) {
		return nil, s.refresh(context.Background(), serverID)
	})
	if err != nil {
		s.log.Warn("agent directory bootstrap failed", zap.String("server_id", serverID), zap.Error(err))
		s.setDirectoryStatus(serverID, DirectoryErrorBeforeFirstSucess)
		return
	}
	s.setDirectoryStatus(serverID, DirectoryReady)
}

func (s *Store) setDirectoryStatus(serverID string, status DirectoryStatus) {
	s.mu.Lock()
	ctrl := s.controllers[serverID]
	s.mu.Unlock()
	if ctrl != nil {
		ctrl.SetAgentDirectoryStatus(status)
	}
}

// RefreshAllAgentDirectories re-runs the directory fetch for every
// currently-online host, marking status revalidating/ready/error-after-
// ready rather than re-triggering the one-time bootstrap path.
func (s *Store) RefreshAllAgentDirectories(ctx context.Context) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.controllers))
	for id, ctrl := range s.controllers {
		if ctrl.Snapshot().IsOnline() {
			ids = append(ids, id)
		}
	}
	s.mu.Unlock()

	for _, id := range ids {
		go func(serverID string) {
			wasReady := s.controllers[serverID].Snapshot().AgentDirectory == DirectoryReady
			s.setDirectoryStatus(serverID, DirectoryRevalidating)
			if err := s.refresh(ctx, serverID); err != nil {
				if wasReady {
					s.setDirectoryStatus(serverID, DirectoryErrorAfterReady)
				} else {
					s.setDirectoryStatus(serverID, DirectoryErrorBeforeFirstSucess)
				}
				return
			}
			s.setDirectoryStatus(serverID, DirectoryReady)
		}(id)
	}
}

// RunProbeCycleNow triggers an immediate probe cycle on the named
// hosts, or every configured host if serverIDs is empty.
func (s *Store) RunProbeCycleNow(ctx context.Context, serverIDs ...string) {
	s.mu.Lock()
	targets := serverIDs
	if len(targets) == 0 {
		targets = make([]string, 0, len(s.controllers))
		for id := range s.controllers {
			targets = append(targets, id)
		}
	}
	ctrls := make([]*Controller, 0, len(targets))
	for _, id := range targets {
		if ctrl, ok := s.controllers[id]; ok {
			ctrls = append(ctrls, ctrl)
		}
	}
	s.mu.Unlock()

	for _, ctrl := range ctrls {
		go ctrl.RunProbeCycleNow(ctx)
	}
}

// Snapshot returns the current snapshot for one server, or the zero
// value and false if it is not configured.
func (s *Store) Snapshot(serverID string) (Snapshot, bool) {
	s.mu.Lock()
	ctrl, ok := s.controllers[serverID]
	s.mu.Unlock()
	if !ok {
		return Snapshot{}, false
	}
	return ctrl.Snapshot(), true
}

// Subscribe registers fn to be called with (serverID, snapshot) for
// every transition on every configured host, returning an idempotent
// unsubscribe function.
func (s *Store) Subscribe(fn func(serverID string, snap Snapshot)) func() {
	id := randID()
	s.subMu.Lock()
	s.subs[id] = fn
	s.subMu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subs, id)
			s.subMu.Unlock()
		})
	}
}
