package hostruntime

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/paseohq/paseod/internal/common/logger"
)

// multiCycleProbe drives a distinct latency table per cycle, advancing
// to the next table once every candidate in the current one has been
// probed.
type multiCycleProbe struct {
	mu     sync.Mutex
	tables []map[string][2]int
	cycle  int
	probed map[string]bool
}

func newMultiCycleProbe(tables []map[string][2]int) *multiCycleProbe {
	return &multiCycleProbe{tables: tables, probed: map[string]bool{}}
}

func (p *multiCycleProbe) Probe(ctx context.Context, c Candidate) (int, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	table := p.tables[p.cycle]
	v, ok := table[c.ID()]
	if !ok {
		return 0, false, nil
	}
	p.probed[c.ID()] = true
	if len(p.probed) >= len(table) && p.cycle < len(p.tables)-1 {
		p.cycle++
		p.probed = map[string]bool{}
	}
	return v[0], v[1] == 1, nil
}

type countingClient struct {
	id     string
	mu     sync.Mutex
	closed bool
	status chan ClientStatusEvent
}

func newCountingClient(id string) *countingClient {
	return &countingClient{id: id, status: make(chan ClientStatusEvent, 4)}
}

func (c *countingClient) Connect(ctx context.Context) error { return nil }
func (c *countingClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.status)
	}
	return nil
}
func (c *countingClient) Status() <-chan ClientStatusEvent { return c.status }

type fakeBuilder struct {
	mu      sync.Mutex
	built   []*countingClient
	closed  int
	failFor map[string]bool
}

func newFakeBuilder() *fakeBuilder { return &fakeBuilder{failFor: map[string]bool{}} }

func (b *fakeBuilder) build(cand Candidate) (Client, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failFor[cand.ID()] {
		return nil, fmt.Errorf("connect failed: %s", cand.ID())
	}
	cl := newCountingClient(cand.ID())
	b.built = append(b.built, cl)
	return cl, nil
}

func (b *fakeBuilder) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.built)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func directCandidate(endpoint string) Candidate { return Candidate{Kind: CandidateDirect, Endpoint: endpoint} }
func relayCandidate(endpoint string) Candidate  { return Candidate{Kind: CandidateRelay, Endpoint: endpoint} }

// Scenario 1: direct(82ms) vs relay(18ms) at startup selects relay,
// exactly one client created.
func TestController_StartupSelectsLowestLatency(t *testing.T) {
	direct, relay := directCandidate("lan"), relayCandidate("cloud")
	probe := newMultiCycleProbe([]map[string][2]int{
		{direct.ID(): {82, 1}, relay.ID(): {18, 1}},
	})
	builder := newFakeBuilder()
	ctrl := New("srv1", []Candidate{direct, relay}, "", probe, builder.build, logger.Default())

	require.NoError(t, ctrl.RunProbeCycleNow(context.Background()))
	waitFor(t, time.Second, func() bool { return ctrl.Snapshot().IsOnline() })

	snap := ctrl.Snapshot()
	require.Equal(t, relay.ID(), snap.ActiveConnection.ID())
	require.Equal(t, 1, builder.count())
}

// Scenario 2: direct(15ms) active becomes unavailable, relay(42ms)
// available -> failover to relay; previous client closed exactly once.
func TestController_FailoverOnActiveUnavailable(t *testing.T) {
	direct, relay := directCandidate("lan"), relayCandidate("cloud")
	probe := newMultiCycleProbe([]map[string][2]int{
		{direct.ID(): {15, 1}, relay.ID(): {42, 1}},
		{direct.ID(): {0, 0}, relay.ID(): {42, 1}},
	})
	builder := newFakeBuilder()
	ctrl := New("srv1", []Candidate{direct, relay}, "", probe, builder.build, logger.Default())

	require.NoError(t, ctrl.RunProbeCycleNow(context.Background()))
	waitFor(t, time.Second, func() bool {
		return ctrl.Snapshot().IsOnline() && ctrl.Snapshot().ActiveConnection.ID() == direct.ID()
	})
	firstClient := builder.built[0]

	require.NoError(t, ctrl.RunProbeCycleNow(context.Background()))
	waitFor(t, time.Second, func() bool {
		return ctrl.Snapshot().IsOnline() && ctrl.Snapshot().ActiveConnection.ID() == relay.ID()
	})

	firstClient.mu.Lock()
	closed := firstClient.closed
	firstClient.mu.Unlock()
	require.True(t, closed)
	require.Equal(t, 2, builder.count())
}

// Scenario 3: direct(15ms) active; relay(30ms) sustained beats direct
// (95ms) by more than the margin for 3 consecutive cycles -> switches
// only on the third.
func TestController_HysteresisSwitchesOnThirdConsecutiveWin(t *testing.T) {
	direct, relay := directCandidate("lan"), relayCandidate("cloud")
	probe := newMultiCycleProbe([]map[string][2]int{
		{direct.ID(): {15, 1}, relay.ID(): {200, 1}}, // establishes direct active
		{direct.ID(): {95, 1}, relay.ID(): {30, 1}},  // win 1
		{direct.ID(): {95, 1}, relay.ID(): {30, 1}},  // win 2
		{direct.ID(): {95, 1}, relay.ID(): {30, 1}},  // win 3 -> switch
	})
	builder := newFakeBuilder()
	ctrl := New("srv1", []Candidate{direct, relay}, "", probe, builder.build, logger.Default())
	ctx := context.Background()

	require.NoError(t, ctrl.RunProbeCycleNow(ctx))
	waitFor(t, time.Second, func() bool { return ctrl.Snapshot().IsOnline() })
	require.Equal(t, direct.ID(), ctrl.Snapshot().ActiveConnection.ID())

	require.NoError(t, ctrl.RunProbeCycleNow(ctx))
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, direct.ID(), ctrl.Snapshot().ActiveConnection.ID())

	require.NoError(t, ctrl.RunProbeCycleNow(ctx))
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, direct.ID(), ctrl.Snapshot().ActiveConnection.ID())

	require.NoError(t, ctrl.RunProbeCycleNow(ctx))
	waitFor(t, time.Second, func() bool {
		return ctrl.Snapshot().ActiveConnection.ID() == relay.ID()
	})
}

// Scenario 4: a transient spike resets the hysteresis counter instead
// of accumulating across non-consecutive wins.
func TestController_HysteresisResetsOnTransientSpike(t *testing.T) {
	direct, relay := directCandidate("lan"), relayCandidate("cloud")
	probe := newMultiCycleProbe([]map[string][2]int{
		{direct.ID(): {15, 1}, relay.ID(): {200, 1}}, // establishes direct active
		{direct.ID(): {100, 1}, relay.ID(): {20, 1}}, // margin met, count=1
		{direct.ID(): {20, 1}, relay.ID(): {90, 1}},  // margin not met, count resets to 0
		{direct.ID(): {100, 1}, relay.ID(): {20, 1}}, // margin met again, count=1
		{direct.ID(): {100, 1}, relay.ID(): {20, 1}}, // count=2
		{direct.ID(): {100, 1}, relay.ID(): {20, 1}}, // count=3 -> switch
	})
	builder := newFakeBuilder()
	ctrl := New("srv1", []Candidate{direct, relay}, "", probe, builder.build, logger.Default())
	ctx := context.Background()

	require.NoError(t, ctrl.RunProbeCycleNow(ctx))
	waitFor(t, time.Second, func() bool { return ctrl.Snapshot().IsOnline() })

	for i := 0; i < 4; i++ {
		require.NoError(t, ctrl.RunProbeCycleNow(ctx))
		time.Sleep(20 * time.Millisecond)
		require.Equal(t, direct.ID(), ctrl.Snapshot().ActiveConnection.ID())
	}

	require.NoError(t, ctrl.RunProbeCycleNow(ctx))
	waitFor(t, time.Second, func() bool {
		return ctrl.Snapshot().ActiveConnection.ID() == relay.ID()
	})
}

// Scenario 5: a newer probe cycle completing before an older one means
// the older, stale result is dropped at application time -- no
// additional client is created and the client generation is unchanged.
func TestController_StaleProbeResultsAreDropped(t *testing.T) {
	direct, relay := directCandidate("lan"), relayCandidate("cloud")
	builder := newFakeBuilder()
	ctrl := New("srv1", []Candidate{direct, relay}, "", ProberFunc(func(ctx context.Context, c Candidate) (int, bool, error) {
		return 999, true, nil
	}), builder.build, logger.Default())

	require.NoError(t, ctrl.RunProbeCycleNow(context.Background()))
	waitFor(t, time.Second, func() bool { return ctrl.Snapshot().IsOnline() })
	genBefore := ctrl.Snapshot().ClientGeneration
	clientsBefore := builder.count()

	// Simulate cycle v=2 applying its fast result first, then a stale
	// v=1 result arriving and being dropped.
	ctrl.applyProbeResults(context.Background(), 2, []probeResult{
		{candidateID: relay.ID(), latencyMs: 12, available: true},
		{candidateID: direct.ID(), latencyMs: 999, available: true},
	})
	// relay wins once, short of the hysteresis count, and direct is still
	// available, so direct stays active.
	require.Equal(t, direct.ID(), ctrl.Snapshot().ActiveConnection.ID())

	ctrl.applyProbeResults(context.Background(), 1, []probeResult{
		{candidateID: relay.ID(), latencyMs: 900, available: true},
		{candidateID: direct.ID(), latencyMs: 900, available: true},
	})
	time.Sleep(20 * time.Millisecond)

	ctrl.mu.Lock()
	relayResult := ctrl.results[relay.ID()]
	ctrl.mu.Unlock()
	require.Equal(t, 12, relayResult.latencyMs)

	snap := ctrl.Snapshot()
	require.Equal(t, direct.ID(), snap.ActiveConnection.ID())
	require.Equal(t, genBefore, snap.ClientGeneration)
	require.Equal(t, clientsBefore, builder.count())
}
