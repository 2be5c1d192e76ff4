package terminal

import "os/exec"

// ptyHandle abstracts a platform pseudo-terminal: a byte stream plus the
// ability to resize it. unixPTY and windowsPTY are the two
// implementations, selected by build tag.
type ptyHandle interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
	Resize(cols, rows uint16) error
}

// startPTYWithSize spawns cmd attached to a new pseudo-terminal sized
// cols x rows. Implemented per-platform in pty_unix.go / pty_windows.go.
func startPTYWithSize(cmd *exec.Cmd, cols, rows uint16) (ptyHandle, error) {
	return startPTYWithSizeImpl(cmd, cols, rows)
}
