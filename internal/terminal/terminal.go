package terminal

import (
	"context"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/paseohq/paseod/internal/apperrors"
	"github.com/paseohq/paseod/internal/common/logger"
)

// stream is one attached subscriber of a terminal's live output,
// grounded on the teacher's OutputBuffer.Subscribe fan-out shape but
// delivering via a callback instead of a channel so the Gateway can
// route straight into its own per-subscription queue.
type stream struct {
	id     string
	onData DataHandler
	onExit ExitHandler
}

// terminal is one PTY-backed shell session bound to a cwd.
type terminal struct {
	id        string
	cwd       string
	name      string
	createdAt time.Time
	log       *logger.Logger

	cmd *exec.Cmd
	pty ptyHandle

	scroll *scrollback
	snap   *snapshotter

	mu      sync.Mutex
	cols    uint16
	rows    uint16
	exited  bool
	streams map[string]*stream

	// onProcessExit, set by the Multiplexer after construction, fires
	// once the underlying shell exits for any reason (PTY EOF or an
	// explicit kill), so the owning cwd's list subscribers learn about
	// it even when nothing called KillTerminal.
	onProcessExit func()
}

func newTerminal(cwd string, cols, rows uint16, scrollbackCap int, log *logger.Logger) (*terminal, error) {
	cmd := exec.Command(defaultShell())
	cmd.Dir = cwd
	cmd.Env = os.Environ()

	handle, err := startPTYWithSize(cmd, cols, rows)
	if err != nil {
		return nil, apperrors.Transport(err, "failed to start terminal in %s", cwd)
	}

	t := &terminal{
		id:        uuid.NewString(),
		cwd:       cwd,
		name:      shortName(cwd),
		createdAt: time.Now(),
		log:       log.WithFields(zap.String("component", "terminal")),
		cmd:       cmd,
		pty:       handle,
		scroll:    newScrollback(scrollbackCap),
		snap:      newSnapshotter(int(cols), int(rows)),
		cols:      cols,
		rows:      rows,
		streams:   make(map[string]*stream),
	}
	go t.readLoop()
	return t, nil
}

func shortName(cwd string) string {
	for i := len(cwd) - 1; i >= 0; i-- {
		if cwd[i] == '/' || cwd[i] == '\\' {
			return cwd[i+1:]
		}
	}
	return cwd
}

// readLoop drains the PTY into scrollback, the virtual screen, and
// every live subscriber, grounded on the teacher's readOutput/
// processOutputData loop (interactive_io.go): buffer every chunk
// unconditionally, then fan it out to whoever is currently attached.
func (t *terminal) readLoop() {
	buf := make([]byte, 32*1024)
	for {
		n, err := t.pty.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])

			t.mu.Lock()
			t.scroll.append(chunk)
			t.snap.feed(chunk)
			subs := make([]*stream, 0, len(t.streams))
			for _, s := range t.streams {
				subs = append(subs, s)
			}
			t.mu.Unlock()

			for _, s := range subs {
				s.onData(chunk)
			}
		}
		if err != nil {
			t.onExit()
			return
		}
	}
}

func (t *terminal) onExit() {
	t.mu.Lock()
	if t.exited {
		t.mu.Unlock()
		return
	}
	t.exited = true
	subs := make([]*stream, 0, len(t.streams))
	for _, s := range t.streams {
		subs = append(subs, s)
	}
	t.streams = make(map[string]*stream)
	t.mu.Unlock()

	for _, s := range subs {
		s.onExit()
	}
	if t.onProcessExit != nil {
		t.onProcessExit()
	}
}

func (t *terminal) info() Info {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Info{ID: t.id, Cwd: t.cwd, Name: t.name, CreatedAt: t.createdAt, Exited: t.exited}
}

// attach registers a new stream and returns it alongside a clean
// snapshot of the current screen, satisfying I7's "snapshot followed
// by live tail without gaps or duplicates": the snapshot is computed
// and the stream registered under the same lock, so no byte that
// arrives after this call can be missing from the live tail.
func (t *terminal) attach(onData DataHandler, onExit ExitHandler) (streamID string, snapshot []byte, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.exited {
		return "", nil, apperrors.NotFound("terminal", t.id)
	}
	id := uuid.NewString()
	t.streams[id] = &stream{id: id, onData: onData, onExit: onExit}
	return id, t.snap.render(), nil
}

func (t *terminal) detach(streamID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.streams, streamID)
}

func (t *terminal) writeInput(data []byte) error {
	t.mu.Lock()
	exited := t.exited
	t.mu.Unlock()
	if exited {
		return apperrors.Precondition("terminal %s has exited", t.id)
	}
	_, err := t.pty.Write(data)
	if err != nil {
		return apperrors.Transport(err, "terminal write failed")
	}
	return nil
}

// resize is idempotent for equal sizes and applied atomically under the
// terminal's own lock (§4.3 "applied atomically... idempotent for equal
// sizes").
func (t *terminal) resize(cols, rows uint16) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.exited {
		return apperrors.Precondition("terminal %s has exited", t.id)
	}
	if t.cols == cols && t.rows == rows {
		return nil
	}
	if err := t.pty.Resize(cols, rows); err != nil {
		return apperrors.Transport(err, "terminal resize failed")
	}
	t.cols, t.rows = cols, rows
	t.snap.resize(int(cols), int(rows))
	return nil
}

// kill signals graceful exit, waits up to grace, then force-terminates.
func (t *terminal) kill(ctx context.Context, grace time.Duration) error {
	t.mu.Lock()
	if t.exited {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	_ = signalGraceful(t.cmd)
	_ = t.pty.Close()

	waitCh := make(chan error, 1)
	go func() { waitCh <- t.cmd.Wait() }()

	select {
	case <-waitCh:
	case <-time.After(grace):
		if err := forceKill(t.cmd); err != nil {
			t.log.Warn("force-kill of terminal failed", zap.String("terminal_id", t.id), zap.Error(err))
		}
		<-waitCh
	case <-ctx.Done():
		if err := forceKill(t.cmd); err != nil {
			t.log.Warn("force-kill on shutdown deadline failed", zap.String("terminal_id", t.id), zap.Error(err))
		}
		<-waitCh
	}

	t.onExit()
	return nil
}
