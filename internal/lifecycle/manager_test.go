package lifecycle

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/paseohq/paseod/internal/adapter"
	"github.com/paseohq/paseod/internal/common/logger"
	"github.com/paseohq/paseod/internal/persistence"
)

func newTestStore(t *testing.T) *persistence.Store {
	t.Helper()
	s, err := persistence.New(t.TempDir(), logger.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// newTestManager wires a Manager whose launcher always returns fa/fp,
// counting how many times it was invoked.
func newTestManager(t *testing.T, fa *fakeAdapter, fp *fakeProcess) (*Manager, *int32) {
	t.Helper()
	var launchCount int32
	launcher := func(kind adapter.ProviderKind, cwd string, log *logger.Logger) (adapter.AgentAdapter, ProcessHandle, error) {
		atomic.AddInt32(&launchCount, 1)
		return fa, fp, nil
	}
	m := New(logger.Default(), newTestStore(t), WithLauncher(launcher), WithTurnTimeout(time.Second), WithKillGrace(20*time.Millisecond))
	require.NoError(t, m.Initialize(context.Background()))
	return m, &launchCount
}

func createTestAgent(t *testing.T, m *Manager) AgentInfo {
	t.Helper()
	info, err := m.CreateAgent(context.Background(), CreateAgentRequest{
		Cwd:             "/workspace/app",
		ProviderOptions: adapter.ProviderOptions{Kind: adapter.ProviderClaude},
	})
	require.NoError(t, err)
	return info
}

func TestEnsureInitialized_ConcurrentCallersShareOneLaunch(t *testing.T) {
	fa := newFakeAdapter()
	fp := newFakeProcess()
	m, launchCount := newTestManager(t, fa, fp)
	info := createTestAgent(t, m)

	a, err := m.lookup(info.ID)
	require.NoError(t, err)

	const n = 20
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = m.ensureInitialized(context.Background(), a)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	require.EqualValues(t, 1, atomic.LoadInt32(launchCount))

	got, err := m.GetAgent(info.ID)
	require.NoError(t, err)
	require.Equal(t, StateReady, got.State)
}

func TestSendPrompt_ChunksCoalesceByMessageIDAcrossToolCallBoundary(t *testing.T) {
	fa := newFakeAdapter()
	fp := newFakeProcess()
	fa.promptFunc = func(ctx context.Context, updates chan<- adapter.AgentEvent) (string, error) {
		updates <- adapter.AgentEvent{Type: adapter.EventMessageChunk, Text: "Let me "}
		updates <- adapter.AgentEvent{Type: adapter.EventMessageChunk, Text: "check that."}
		updates <- adapter.AgentEvent{Type: adapter.EventToolCall, ToolCallID: "tc1", ToolTitle: "ls"}
		updates <- adapter.AgentEvent{Type: adapter.EventMessageChunk, Text: "Done, "}
		updates <- adapter.AgentEvent{Type: adapter.EventMessageChunk, Text: "found 3 files."}
		return "end_turn", nil
	}
	m, _ := newTestManager(t, fa, fp)
	info := createTestAgent(t, m)

	var mu sync.Mutex
	var entries []TimelineEntry
	_, err := m.SubscribeToUpdates(info.ID, func(e TimelineEntry) {
		mu.Lock()
		entries = append(entries, e)
		mu.Unlock()
	})
	require.NoError(t, err)

	require.NoError(t, m.SendPrompt(context.Background(), info.ID, "check the repo"))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		var chunkCount int
		for _, e := range entries {
			if e.Kind == EntryAgentMessageChunk {
				chunkCount++
			}
		}
		return chunkCount >= 4
	}, 2*time.Second, 5*time.Millisecond, "expected all four message chunks to be applied to the timeline")

	mu.Lock()
	defer mu.Unlock()

	var firstGroupID, secondGroupID string
	var sawToolCall bool
	for _, e := range entries {
		if e.Kind != EntryAgentMessageChunk {
			if e.Kind == EntryToolCall {
				sawToolCall = true
			}
			continue
		}
		if !sawToolCall {
			if firstGroupID == "" {
				firstGroupID = e.MessageID
			}
			require.Equal(t, firstGroupID, e.MessageID)
		} else {
			if secondGroupID == "" {
				secondGroupID = e.MessageID
			}
			require.Equal(t, secondGroupID, e.MessageID)
		}
	}
	require.NotEmpty(t, firstGroupID)
	require.NotEmpty(t, secondGroupID)
	require.NotEqual(t, firstGroupID, secondGroupID)
}

func TestSendPrompt_WhileProcessingCancelsPriorTurn(t *testing.T) {
	fa := newFakeAdapter()
	fp := newFakeProcess()

	firstCallStarted := make(chan struct{})
	releaseFirst := make(chan struct{})
	var callIndex int32

	fa.promptFunc = func(ctx context.Context, updates chan<- adapter.AgentEvent) (string, error) {
		if atomic.AddInt32(&callIndex, 1) == 1 {
			close(firstCallStarted)
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-releaseFirst:
				return "end_turn", nil
			}
		}
		return "end_turn", nil
	}

	m, _ := newTestManager(t, fa, fp)
	info := createTestAgent(t, m)

	require.NoError(t, m.SendPrompt(context.Background(), info.ID, "first"))
	<-firstCallStarted

	require.NoError(t, m.SendPrompt(context.Background(), info.ID, "second"))
	close(releaseFirst)

	require.Eventually(t, func() bool {
		got, _ := m.GetAgent(info.ID)
		return got.State == StateCompleted
	}, 2*time.Second, 5*time.Millisecond)
}

func TestPermission_CancelledOnNewPrompt(t *testing.T) {
	fa := newFakeAdapter()
	fp := newFakeProcess()

	permissionRaised := make(chan struct{})
	var permHandler adapter.PermissionHandler

	fa.promptFunc = func(ctx context.Context, updates chan<- adapter.AgentEvent) (string, error) {
		// Capture the handler installed during init and fire a request
		// the first time this is called, then block until cancelled.
		close(permissionRaised)
		<-ctx.Done()
		return "", ctx.Err()
	}

	m, _ := newTestManager(t, fa, fp)
	info := createTestAgent(t, m)

	a, err := m.lookup(info.ID)
	require.NoError(t, err)
	require.NoError(t, m.ensureInitialized(context.Background(), a))

	fa.mu.Lock()
	permHandler = fa.permHandler
	fa.mu.Unlock()
	require.NotNil(t, permHandler)

	var mu sync.Mutex
	var events []TimelineEntry
	_, err = m.SubscribeToUpdates(info.ID, func(e TimelineEntry) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	})
	require.NoError(t, err)

	require.NoError(t, m.SendPrompt(context.Background(), info.ID, "do something risky"))
	<-permissionRaised

	respCh := make(chan error, 1)
	go func() {
		_, err := permHandler(context.Background(), &adapter.PermissionRequest{
			SessionID:  "sess-1",
			ToolCallID: "tc1",
			Options:    []adapter.PermissionOption{{OptionID: "allow", Kind: "allow_once"}},
		})
		respCh <- err
	}()

	require.Eventually(t, func() bool {
		a.mu.Lock()
		defer a.mu.Unlock()
		return len(a.pendingPermissions) == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, m.SendPrompt(context.Background(), info.ID, "never mind, do this instead"))

	require.NoError(t, <-respCh)

	mu.Lock()
	defer mu.Unlock()
	var sawCancelledResolve, sawNewUserChunk bool
	var cancelledBeforeNewChunk bool
	for _, e := range events {
		if e.Kind == EntryPermissionResolve && e.PermissionCancelled {
			sawCancelledResolve = true
		}
		if e.Kind == EntryUserMessageChunk && e.Text == "never mind, do this instead" {
			sawNewUserChunk = true
			cancelledBeforeNewChunk = sawCancelledResolve
		}
	}
	require.True(t, sawCancelledResolve, "expected a cancelled permission_resolved entry")
	require.True(t, sawNewUserChunk)
	require.True(t, cancelledBeforeNewChunk, "permission must resolve as cancelled before the new user_message_chunk")
}

func TestKillAgent_TerminatesAndRecordsStatus(t *testing.T) {
	fa := newFakeAdapter()
	fp := newFakeProcess()
	m, _ := newTestManager(t, fa, fp)
	info := createTestAgent(t, m)

	a, err := m.lookup(info.ID)
	require.NoError(t, err)
	require.NoError(t, m.ensureInitialized(context.Background(), a))

	require.NoError(t, m.KillAgent(context.Background(), info.ID))

	got, err := m.GetAgent(info.ID)
	require.NoError(t, err)
	require.Equal(t, StateKilled, got.State)
}

func TestDeleteAgent_RemovesFromManagerAndStore(t *testing.T) {
	fa := newFakeAdapter()
	fp := newFakeProcess()
	m, _ := newTestManager(t, fa, fp)
	info := createTestAgent(t, m)

	require.NoError(t, m.DeleteAgent(context.Background(), info.ID))

	_, err := m.GetAgent(info.ID)
	require.Error(t, err)
}
