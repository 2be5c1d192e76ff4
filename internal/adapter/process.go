package adapter

import (
	"context"
	"io"
	"os"
	"os/exec"

	"go.uber.org/zap"

	"github.com/paseohq/paseod/internal/apperrors"
	"github.com/paseohq/paseod/internal/common/logger"
)

// Process owns the ACP subprocess backing one adapter: its exec.Cmd and
// the stderr tail kept for error context when the subprocess exits
// unexpectedly mid-turn.
type Process struct {
	cmd    *exec.Cmd
	logger *logger.Logger

	stderrTail []string
}

// Launch starts kind's ACP binary rooted at cwd and wires its pipes into
// a fresh AgentAdapter. The caller is responsible for calling
// adapter.Initialize next, then eventually Process.Wait once the adapter
// is closed.
func Launch(kind ProviderKind, cwd string, log *logger.Logger) (AgentAdapter, *Process, error) {
	bin, err := Command(kind)
	if err != nil {
		return nil, nil, err
	}
	if _, err := exec.LookPath(bin); err != nil {
		return nil, nil, apperrors.AdapterFailure(err, "%s binary not found on PATH", bin)
	}

	cmd := exec.Command(bin)
	cmd.Dir = cwd
	cmd.Env = os.Environ()
	setProcGroup(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, apperrors.AdapterFailure(err, "failed to create stdin pipe")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, apperrors.AdapterFailure(err, "failed to create stdout pipe")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, nil, apperrors.AdapterFailure(err, "failed to create stderr pipe")
	}

	p := &Process{cmd: cmd, logger: log.WithFields(zap.String("component", "process"), zap.String("provider", string(kind)))}

	if err := cmd.Start(); err != nil {
		return nil, nil, apperrors.AdapterFailure(err, "failed to start %s", bin)
	}
	go p.drainStderr(stderr)

	a, err := New(kind, log)
	if err != nil {
		_ = cmd.Process.Kill()
		return nil, nil, err
	}
	if err := a.Connect(stdin, stdout); err != nil {
		_ = cmd.Process.Kill()
		return nil, nil, err
	}

	return a, p, nil
}

// drainStderr keeps the last 50 lines of stderr for inclusion in error
// reports when the agent exits without a clear ACP-level error.
func (p *Process) drainStderr(r io.Reader) {
	buf := make([]byte, 4096)
	var partial string
	for {
		n, err := r.Read(buf)
		if n > 0 {
			partial += string(buf[:n])
			for {
				idx := indexByte(partial, '\n')
				if idx < 0 {
					break
				}
				line := partial[:idx]
				partial = partial[idx+1:]
				p.stderrTail = append(p.stderrTail, line)
				if len(p.stderrTail) > 50 {
					p.stderrTail = p.stderrTail[len(p.stderrTail)-50:]
				}
			}
		}
		if err != nil {
			return
		}
	}
}

func indexByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}

// StderrTail returns the most recently captured stderr lines.
func (p *Process) StderrTail() []string {
	return p.stderrTail
}

// Wait blocks until the subprocess exits and returns its exit error, if
// any. Call this only after the adapter has been closed (which closes
// stdin, the ACP-idiomatic way to ask the subprocess to exit).
func (p *Process) Wait() error {
	return p.cmd.Wait()
}

// Kill force-terminates the subprocess's process group. Used when Wait
// does not return within the Lifecycle Manager's shutdown grace period.
func (p *Process) Kill(ctx context.Context) error {
	if p.cmd.Process == nil {
		return nil
	}
	return killProcGroup(p.cmd)
}
