package persistence

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/paseohq/paseod/internal/common/logger"
)

func writeRaw(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o644)
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := New(dir, logger.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_UpsertThenLoadAll(t *testing.T) {
	s := newTestStore(t)

	rec := AgentRecord{
		ID:              "agent-1",
		Cwd:             "/workspace/app",
		ProviderOptions: ProviderOptions{Kind: "claude", ClaudeSessionID: "sess-1"},
		CreatedAt:       time.Now(),
		LastActivityAt:  time.Now(),
		Labels:          map[string]string{"env": "dev"},
	}
	require.NoError(t, s.Upsert(rec))

	all := s.LoadAll()
	require.Len(t, all, 1)
	require.Equal(t, rec.ID, all[0].ID)
	require.Equal(t, rec.ProviderOptions, all[0].ProviderOptions)
	require.Equal(t, "dev", all[0].Labels["env"])
}

func TestStore_RemoveByID(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Upsert(AgentRecord{ID: "a", Cwd: "/tmp"}))
	require.NoError(t, s.Upsert(AgentRecord{ID: "b", Cwd: "/tmp"}))
	require.NoError(t, s.Remove("a"))

	all := s.LoadAll()
	require.Len(t, all, 1)
	require.Equal(t, "b", all[0].ID)
}

func TestStore_UpsertIdempotent(t *testing.T) {
	s := newTestStore(t)

	rec := AgentRecord{ID: "a", Cwd: "/tmp", Title: "first"}
	require.NoError(t, s.Upsert(rec))
	rec.Title = "second"
	require.NoError(t, s.Upsert(rec))

	all := s.LoadAll()
	require.Len(t, all, 1)
	require.Equal(t, "second", all[0].Title)
}

func TestStore_RoundTripsAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	log := logger.Default()

	s1, err := New(dir, log)
	require.NoError(t, err)
	rec := AgentRecord{
		ID:              "agent-1",
		Cwd:             "/workspace/app",
		ProviderOptions: ProviderOptions{Kind: "codex"},
		CreatedAt:       time.Now().Truncate(time.Second),
		LastActivityAt:  time.Now().Truncate(time.Second),
	}
	require.NoError(t, s1.Upsert(rec))
	require.NoError(t, s1.Close())

	s2, err := New(dir, log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s2.Close() })

	all := s2.LoadAll()
	require.Len(t, all, 1)
	require.Equal(t, rec.ID, all[0].ID)
	require.True(t, rec.CreatedAt.Equal(all[0].CreatedAt))
}

func TestStore_TolerantOfUnreadableLine(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agents.jsonl")
	require.NoError(t, writeRaw(path, "not json\n{\"op\":\"upsert\",\"record\":{\"id\":\"a\",\"cwd\":\"/tmp\"}}\n"))

	s, err := New(dir, logger.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	all := s.LoadAll()
	require.Len(t, all, 1)
	require.Equal(t, "a", all[0].ID)
}
