package hostruntime

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/paseohq/paseod/internal/common/logger"
)

// defaultSwitchLatencyMarginMs and defaultSwitchConsecutiveWins are the
// hysteresis thresholds (§4.4 "design constants"); the
// WithSwitchThresholds option overrides them at construction.
const (
	defaultSwitchLatencyMarginMs = 40
	defaultSwitchConsecutiveWins = 3
)

// Controller is the Host Runtime Controller for one server (§4.4): it
// owns the candidate set, the probe/switch version counters, and the
// single active Client.
type Controller struct {
	log         *logger.Logger
	serverID    string
	prober      Prober
	buildClient ClientBuilder

	latencyMarginMs int
	consecutiveWins int

	mu              sync.Mutex
	candidates      []Candidate
	preferredID     string
	results         map[string]probeResult
	probeVersion    uint64
	appliedProbeVer uint64
	switchVersion   uint64
	hysteresisID    string
	hysteresisCount int
	activeClient    Client
	snapshot        Snapshot

	subMu sync.Mutex
	subs  map[string]func(Snapshot)
}

// Option configures a Controller at construction.
type Option func(*Controller)

func WithSwitchThresholds(marginMs, consecutiveWins int) Option {
	return func(c *Controller) {
		c.latencyMarginMs = marginMs
		c.consecutiveWins = consecutiveWins
	}
}

// New constructs a Controller in the booting state. Call Start to kick
// off the first probe cycle and selection.
func New(serverID string, candidates []Candidate, preferredID string, prober Prober, buildClient ClientBuilder, log *logger.Logger, opts ...Option) *Controller {
	c := &Controller{
		log:             log.WithFields(zap.String("component", "hostruntime"), zap.String("server_id", serverID)),
		serverID:        serverID,
		candidates:      candidates,
		preferredID:     preferredID,
		prober:          prober,
		buildClient:     buildClient,
		latencyMarginMs: defaultSwitchLatencyMarginMs,
		consecutiveWins: defaultSwitchConsecutiveWins,
		results:         make(map[string]probeResult),
		subs:            make(map[string]func(Snapshot)),
		snapshot:        Snapshot{ServerID: serverID, Status: StateBooting},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Snapshot returns the current published snapshot.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot
}

// Subscribe registers fn to be called with every newly published
// snapshot, returning an idempotent unsubscribe function.
func (c *Controller) Subscribe(fn func(Snapshot)) func() {
	id := randID()
	c.subMu.Lock()
	c.subs[id] = fn
	c.subMu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			c.subMu.Lock()
			delete(c.subs, id)
			c.subMu.Unlock()
		})
	}
}

func (c *Controller) publishLocked(s Snapshot) {
	c.snapshot = s
	c.subMu.Lock()
	fns := make([]func(Snapshot), 0, len(c.subs))
	for _, fn := range c.subs {
		fns = append(fns, fn)
	}
	c.subMu.Unlock()
	for _, fn := range fns {
		fn(s)
	}
}

// UpdateCandidates replaces the candidate set (a syncHosts update),
// triggering re-selection since the active candidate's availability may
// have changed.
func (c *Controller) UpdateCandidates(ctx context.Context, candidates []Candidate, preferredID string) {
	c.mu.Lock()
	c.candidates = candidates
	c.preferredID = preferredID
	c.mu.Unlock()
	_ = c.RunProbeCycleNow(ctx)
}

// Stop disposes the controller's active client and publishes a final
// offline snapshot.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.activeClient != nil {
		_ = c.activeClient.Close()
		c.activeClient = nil
	}
	c.publishLocked(Snapshot{
		ServerID: c.serverID, Status: StateOffline,
		ClientGeneration: c.snapshot.ClientGeneration, AgentDirectory: c.snapshot.AgentDirectory,
	})
}

// RunProbeCycleNow measures latency to every candidate in parallel and
// applies the result if it is not superseded by a newer cycle that has
// already completed (§4.4 "Probing").
func (c *Controller) RunProbeCycleNow(ctx context.Context) error {
	c.mu.Lock()
	c.probeVersion++
	version := c.probeVersion
	candidates := append([]Candidate(nil), c.candidates...)
	c.mu.Unlock()

	results := make([]probeResult, len(candidates))
	var wg sync.WaitGroup
	for i, cand := range candidates {
		wg.Add(1)
		go func(i int, cand Candidate) {
			defer wg.Done()
			latency, available, err := c.prober.Probe(ctx, cand)
			if err != nil {
				available = false
			}
			results[i] = probeResult{candidateID: cand.ID(), latencyMs: latency, available: available}
		}(i, cand)
	}
	wg.Wait()

	c.applyProbeResults(ctx, version, results)
	return nil
}

// applyProbeResults drops stale cycles (§4.4 "results from prior
// cycles are dropped at the point of application") and otherwise runs
// the selection policy.
func (c *Controller) applyProbeResults(ctx context.Context, version uint64, results []probeResult) {
	c.mu.Lock()
	if version <= c.appliedProbeVer {
		c.mu.Unlock()
		return
	}
	c.appliedProbeVer = version
	for _, r := range results {
		c.results[r.candidateID] = r
	}
	decision, targetID := c.decideLocked()
	c.mu.Unlock()

	if decision != decisionNone {
		c.switchToConnection(ctx, targetID, version)
	}
}

type decision int

const (
	decisionNone decision = iota
	decisionSelect
	decisionFailover
	decisionHysteresis
)

// decideLocked implements the selection policy (§4.4 "Selection
// policy"). Caller holds c.mu.
func (c *Controller) decideLocked() (decision, string) {
	best, bestOK := c.bestAvailableLocked("")

	if c.snapshot.Status == StateBooting || c.snapshot.ActiveConnection == nil {
		if !bestOK {
			return decisionNone, ""
		}
		if c.preferredID != "" {
			if pref, ok := c.results[c.preferredID]; ok && pref.available && pref.latencyMs == best.latencyMs {
				return decisionSelect, c.preferredID
			}
		}
		return decisionSelect, best.candidateID
	}

	activeID := c.snapshot.ActiveConnection.ID()
	active, activeKnown := c.results[activeID]
	if !activeKnown || !active.available {
		c.hysteresisID, c.hysteresisCount = "", 0
		if bestOK {
			return decisionFailover, best.candidateID
		}
		return decisionNone, ""
	}

	altBest, altOK := c.bestAvailableLocked(activeID)
	if !altOK || altBest.latencyMs+c.latencyMarginMs > active.latencyMs {
		c.hysteresisID, c.hysteresisCount = "", 0
		return decisionNone, ""
	}

	if altBest.candidateID == c.hysteresisID {
		c.hysteresisCount++
	} else {
		c.hysteresisID, c.hysteresisCount = altBest.candidateID, 1
	}

	if c.hysteresisCount >= c.consecutiveWins {
		c.hysteresisID, c.hysteresisCount = "", 0
		return decisionHysteresis, altBest.candidateID
	}
	return decisionNone, ""
}

// bestAvailableLocked returns the lowest-latency available candidate
// other than exclude, in candidate-list order for deterministic ties.
func (c *Controller) bestAvailableLocked(exclude string) (probeResult, bool) {
	var best probeResult
	found := false
	for _, cand := range c.candidates {
		id := cand.ID()
		if id == exclude {
			continue
		}
		r, ok := c.results[id]
		if !ok || !r.available {
			continue
		}
		if !found || r.latencyMs < best.latencyMs {
			best, found = r, true
		}
	}
	return best, found
}

// switchToConnection implements the 6-step switching protocol (§4.4
// "Switching protocol"), aborting at any stale-version check.
func (c *Controller) switchToConnection(ctx context.Context, candidateID string, expectedProbeVersion uint64) {
	c.mu.Lock()
	c.switchVersion++
	myVersion := c.switchVersion
	if expectedProbeVersion != 0 && expectedProbeVersion != c.appliedProbeVer {
		c.mu.Unlock()
		c.log.Debug("dropping switch request superseded by a newer probe cycle", zap.String("candidate", candidateID))
		return
	}
	c.log.Info("switching active connection", zap.String("candidate", candidateID))

	var target *Candidate
	for _, cand := range c.candidates {
		if cand.ID() == candidateID {
			cc := cand
			target = &cc
			break
		}
	}
	if target == nil {
		c.mu.Unlock()
		return
	}

	prevClient := c.activeClient
	c.activeClient = nil
	c.mu.Unlock()

	if prevClient != nil {
		_ = prevClient.Close()
	}

	client, err := c.buildClient(*target)
	if err != nil {
		c.log.Warn("failed to build client for candidate", zap.String("candidate", candidateID), zap.Error(err))
		c.mu.Lock()
		if myVersion == c.switchVersion {
			c.publishLocked(Snapshot{
				ServerID: c.serverID, Status: StateError, ActiveConnection: target,
				ClientGeneration: c.snapshot.ClientGeneration,
				LastError:        &ConnectionError{Reason: ReasonConnectFailed, Message: err.Error()},
				AgentDirectory:   c.snapshot.AgentDirectory,
			})
		}
		c.mu.Unlock()
		return
	}

	c.mu.Lock()
	if myVersion != c.switchVersion {
		c.mu.Unlock()
		_ = client.Close()
		return
	}
	c.activeClient = client
	gen := c.snapshot.ClientGeneration + 1
	c.publishLocked(Snapshot{
		ServerID: c.serverID, Status: StateConnecting, ActiveConnection: target,
		Client: client, ClientGeneration: gen, AgentDirectory: c.snapshot.AgentDirectory,
		ProbeVersion: c.appliedProbeVer,
	})
	c.mu.Unlock()

	if err := client.Connect(ctx); err != nil {
		c.log.Warn("connect failed", zap.String("candidate", candidateID), zap.Error(err))
		c.mu.Lock()
		if myVersion == c.switchVersion {
			c.publishLocked(Snapshot{
				ServerID: c.serverID, Status: StateError, ActiveConnection: target,
				ClientGeneration: gen,
				LastError:        &ConnectionError{Reason: ReasonConnectFailed, Message: err.Error()},
				AgentDirectory:   c.snapshot.AgentDirectory,
			})
		}
		c.mu.Unlock()
		return
	}

	c.mu.Lock()
	if myVersion != c.switchVersion {
		c.mu.Unlock()
		return
	}
	dirStatus := c.snapshot.AgentDirectory
	if dirStatus == DirectoryIdle {
		dirStatus = DirectoryInitialLoading
	}
	c.publishLocked(Snapshot{
		ServerID: c.serverID, Status: StateOnline, ActiveConnection: target,
		Client: client, ClientGeneration: gen, LastOnlineAt: time.Now(),
		AgentDirectory: dirStatus, ProbeVersion: c.appliedProbeVer,
	})
	statusCh := client.Status()
	c.mu.Unlock()
	c.log.Info("connection online", zap.String("candidate", candidateID))

	go c.watchClientStatus(statusCh, myVersion, target, gen)
}

// watchClientStatus applies later transitions the Client's own status
// stream reports (disconnects, transport errors) after the initial
// connect succeeded.
func (c *Controller) watchClientStatus(statusCh <-chan ClientStatusEvent, myVersion uint64, target *Candidate, gen uint64) {
	for ev := range statusCh {
		c.mu.Lock()
		if myVersion != c.switchVersion {
			c.mu.Unlock()
			return
		}
		status := StateError
		if ev.Reason == ReasonClientClosed || ev.Reason == ReasonDisposed {
			status = StateOffline
		}
		c.publishLocked(Snapshot{
			ServerID: c.serverID, Status: status, ActiveConnection: target,
			ClientGeneration: gen, LastError: &ConnectionError{Reason: ev.Reason, Message: ev.Message},
			LastOnlineAt: c.snapshot.LastOnlineAt, AgentDirectory: c.snapshot.AgentDirectory,
		})
		c.mu.Unlock()
	}
}

// SetAgentDirectoryStatus lets the Store drive the orthogonal directory
// state machine (§4.4 "Agent directory").
func (c *Controller) SetAgentDirectoryStatus(status DirectoryStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.snapshot
	s.AgentDirectory = status
	c.publishLocked(s)
}

var (
	randIDMu      sync.Mutex
	randIDCounter uint64
)

// randID generates a locally-unique subscription handle: a timestamp
// plus a monotonic counter is enough uniqueness for an in-process map
// key, so this skips pulling in math/rand or crypto/rand.
func randID() string {
	randIDMu.Lock()
	defer randIDMu.Unlock()
	randIDCounter++
	return time.Now().Format("150405.000000000") + "-" + itoa(randIDCounter)
}

func itoa(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}
