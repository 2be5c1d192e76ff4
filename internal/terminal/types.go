// Package terminal implements the Terminal Multiplexer (§4.3): a pool of
// PTYs keyed by id and listed per working directory, with bounded scrollback, structured
// key encoding, and list/stream subscriptions for the Session Gateway.
package terminal

import (
	"time"
)

// Info is the read-only snapshot of one terminal, as returned by
// listTerminals.
type Info struct {
	ID        string
	Cwd       string
	Name      string
	CreatedAt time.Time
	Exited    bool
}

// KeyInput is a structured non-printable key event, translated
// server-side to a terminal byte sequence (§4.3 "Key encoding").
type KeyInput struct {
	Key   string // "Escape", "Enter", "Tab", "Backspace", "ArrowUp", "ArrowDown", "ArrowLeft", "ArrowRight", or a single printable rune
	Ctrl  bool
	Shift bool
	Alt   bool
	Meta  bool
}

// ResizeInput is the payload of sendTerminalInput's "resize" variant.
type ResizeInput struct {
	Rows uint16
	Cols uint16
}

// DataHandler receives raw PTY output bytes for an attached stream, in
// order, with no gaps or duplicates (I7). Implementations must not
// block; the Gateway is expected to offload to its own bounded queue.
type DataHandler func(data []byte)

// ExitHandler is invoked exactly once when the underlying PTY exits.
type ExitHandler func()

// ListChangeHandler is invoked whenever the terminal list for a
// subscribed cwd changes (creation or kill).
type ListChangeHandler func(cwd string)
