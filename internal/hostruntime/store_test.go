package hostruntime

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/paseohq/paseod/internal/common/logger"
)

func TestStore_BootstrapsDirectoryExactlyOnceOnFirstOnline(t *testing.T) {
	direct := directCandidate("lan")
	builder := newFakeBuilder()
	prober := ProberFunc(func(ctx context.Context, c Candidate) (int, bool, error) { return 5, true, nil })

	var refreshCount int64
	var wg sync.WaitGroup
	refresh := func(ctx context.Context, serverID string) error {
		atomic.AddInt64(&refreshCount, 1)
		wg.Done()
		return nil
	}
	wg.Add(1)

	store := NewStore(logger.Default(), prober, func(string) ClientBuilder { return builder.build }, refresh)
	store.SyncHosts(context.Background(), []HostProfile{
		{ID: "srv1", Candidates: []Candidate{direct}},
	})

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("directory bootstrap never ran")
	}

	waitFor(t, time.Second, func() bool {
		snap, ok := store.Snapshot("srv1")
		return ok && snap.AgentDirectory == DirectoryReady
	})

	// A second, unrelated probe cycle keeps the host online; bootstrap
	// must not run again.
	store.RunProbeCycleNow(context.Background(), "srv1")
	time.Sleep(50 * time.Millisecond)
	require.EqualValues(t, 1, atomic.LoadInt64(&refreshCount))
}

func TestStore_SyncHostsRemovesDroppedHost(t *testing.T) {
	direct := directCandidate("lan")
	builder := newFakeBuilder()
	prober := ProberFunc(func(ctx context.Context, c Candidate) (int, bool, error) { return 5, true, nil })
	refresh := func(ctx context.Context, serverID string) error { return nil }

	store := NewStore(logger.Default(), prober, func(string) ClientBuilder { return builder.build }, refresh)
	store.SyncHosts(context.Background(), []HostProfile{{ID: "srv1", Candidates: []Candidate{direct}}})
	waitFor(t, time.Second, func() bool {
		_, ok := store.Snapshot("srv1")
		return ok
	})

	store.SyncHosts(context.Background(), nil)
	_, ok := store.Snapshot("srv1")
	require.False(t, ok)
}
