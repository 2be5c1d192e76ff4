package persistence

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/paseohq/paseod/internal/common/logger"
)

// logEntry is one line of the append-only log.
type logEntry struct {
	Op     string      `json:"op"` // "upsert" | "remove"
	Record AgentRecord `json:"record,omitempty"`
	ID     string      `json:"id,omitempty"` // set for "remove"
}

// writeRequest is enqueued to the single writer goroutine.
type writeRequest struct {
	entry logEntry
	done  chan error
}

// Store is the append-only JSON record store for Agent records. Writes are
// serialized through a single writer goroutine (§5 "Shared resources");
// reads are served from an in-memory cache kept consistent with the log.
type Store struct {
	path   string
	logger *logger.Logger

	mu    sync.RWMutex
	cache map[string]AgentRecord

	writeCh chan writeRequest
	stopCh  chan struct{}
	wg      sync.WaitGroup

	// writesSinceCompact triggers periodic log compaction so the append-only
	// file does not grow unboundedly across upsert churn.
	writesSinceCompact int
	compactThreshold   int
}

// New creates a Store backed by <home>/agents.jsonl, replaying the log to
// populate the in-memory cache. The directory is created if missing.
func New(home string, log *logger.Logger) (*Store, error) {
	if err := os.MkdirAll(home, 0o755); err != nil {
		return nil, fmt.Errorf("create persistence home: %w", err)
	}
	path := filepath.Join(home, "agents.jsonl")

	s := &Store{
		path:             path,
		logger:           log.WithFields(zap.String("component", "persistence")),
		cache:            make(map[string]AgentRecord),
		writeCh:          make(chan writeRequest, 64),
		stopCh:           make(chan struct{}),
		compactThreshold: 200,
	}

	if err := s.replay(); err != nil {
		return nil, err
	}

	s.wg.Add(1)
	go s.writerLoop()

	return s, nil
}

// replay reconstructs the in-memory cache from the on-disk log. Unreadable
// individual lines are skipped with a structured log rather than failing
// the whole load, matching the Manager's initialize() contract in §4.1.
func (s *Store) replay() error {
	f, err := os.Open(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open persistence log: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry logEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			s.logger.Warn("skipping unreadable persistence record", zap.Error(err))
			continue
		}
		switch entry.Op {
		case "upsert":
			s.cache[entry.Record.ID] = entry.Record
		case "remove":
			delete(s.cache, entry.ID)
		default:
			s.logger.Warn("skipping unknown persistence op", zap.String("op", entry.Op))
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan persistence log: %w", err)
	}
	return nil
}

// LoadAll returns every currently-persisted Agent record.
func (s *Store) LoadAll() []AgentRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]AgentRecord, 0, len(s.cache))
	for _, r := range s.cache {
		out = append(out, r.Clone())
	}
	return out
}

// Upsert persists a record, applying it to the in-memory cache immediately
// and handing the append to the single writer goroutine, whose result it
// waits for and returns. Callers that must not fail on a write error
// (state transitions, per §4.1's "Persistence failures do not block
// state transitions") may log and ignore it: after a failed append the
// next successful one triggers a compaction that rewrites the log from
// the cache.
func (s *Store) Upsert(record AgentRecord) error {
	s.mu.Lock()
	s.cache[record.ID] = record.Clone()
	s.mu.Unlock()

	return s.enqueue(logEntry{Op: "upsert", Record: record})
}

// Remove deletes a record by id.
func (s *Store) Remove(id string) error {
	s.mu.Lock()
	delete(s.cache, id)
	s.mu.Unlock()

	return s.enqueue(logEntry{Op: "remove", ID: id})
}

func (s *Store) enqueue(entry logEntry) error {
	req := writeRequest{entry: entry, done: make(chan error, 1)}
	select {
	case s.writeCh <- req:
	case <-s.stopCh:
		return fmt.Errorf("persistence store is shutting down")
	}
	return <-req.done
}

// writerLoop is the single writer task serializing all log appends.
func (s *Store) writerLoop() {
	defer s.wg.Done()

	for {
		select {
		case req := <-s.writeCh:
			err := s.appendLine(req.entry)
			if err != nil {
				s.logger.Error("persistence write failed, will retry on next write", zap.Error(err))
				// Force a compaction after the next successful append; it
				// rewrites the log from the cache, which holds this entry.
				s.writesSinceCompact = s.compactThreshold
			}
			req.done <- err

		case <-s.stopCh:
			// Drain any queued writes before exiting so callers waiting on
			// enqueue() don't block forever.
			for {
				select {
				case req := <-s.writeCh:
					req.done <- s.appendLine(req.entry)
				default:
					return
				}
			}
		}
	}
}

func (s *Store) appendLine(entry logEntry) error {
	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open persistence log for append: %w", err)
	}
	defer f.Close()

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal persistence entry: %w", err)
	}
	data = append(data, '\n')
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("write persistence entry: %w", err)
	}

	s.writesSinceCompact++
	if s.writesSinceCompact >= s.compactThreshold {
		s.writesSinceCompact = 0
		if err := s.compactLocked(); err != nil {
			s.logger.Warn("persistence log compaction failed", zap.Error(err))
		}
	}
	return nil
}

// compactLocked rewrites the log to contain only the current cache
// snapshot, bounding growth from repeated upserts of the same agent.
// Only called from the single writer goroutine, so no additional locking
// is needed around the file itself; the cache read still takes the
// read lock since other goroutines mutate it concurrently.
func (s *Store) compactLocked() error {
	s.mu.RLock()
	records := make([]AgentRecord, 0, len(s.cache))
	for _, r := range s.cache {
		records = append(records, r)
	}
	s.mu.RUnlock()

	tmpPath := s.path + ".compact"
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	for _, r := range records {
		data, err := json.Marshal(logEntry{Op: "upsert", Record: r})
		if err != nil {
			f.Close()
			return err
		}
		if _, err := w.Write(append(data, '\n')); err != nil {
			f.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, s.path)
}

// Close stops the writer goroutine after draining pending writes.
func (s *Store) Close() error {
	close(s.stopCh)
	s.wg.Wait()
	return nil
}
