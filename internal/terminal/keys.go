package terminal

import "fmt"

// encodeKey translates a structured key event into the byte sequence a
// terminal attached to the PTY expects (§4.3 "Key encoding"). Raw text
// input bypasses this entirely via sendTerminalStreamInput.
func encodeKey(k KeyInput) []byte {
	if k.Ctrl && len(k.Key) == 1 {
		c := k.Key[0]
		if c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		if c >= '@' && c <= '_' {
			return []byte{c - '@'}
		}
	}

	base, hasArrow := arrowSequence(k.Key)
	if hasArrow {
		if k.Alt {
			return append([]byte{0x1b}, base...)
		}
		return base
	}

	switch k.Key {
	case "Escape":
		return []byte{0x1b}
	case "Enter", "Return":
		return []byte{'\r'}
	case "Tab":
		return []byte{'\t'}
	case "Backspace":
		return []byte{0x7f}
	case "Delete":
		return []byte("\x1b[3~")
	case "Home":
		return []byte("\x1b[H")
	case "End":
		return []byte("\x1b[F")
	case "PageUp":
		return []byte("\x1b[5~")
	case "PageDown":
		return []byte("\x1b[6~")
	}

	if len(k.Key) == 0 {
		return nil
	}

	r := []rune(k.Key)[0]
	if k.Alt {
		return []byte(fmt.Sprintf("\x1b%c", r))
	}
	return []byte(string(r))
}

func arrowSequence(key string) ([]byte, bool) {
	switch key {
	case "ArrowUp":
		return []byte("\x1b[A"), true
	case "ArrowDown":
		return []byte("\x1b[B"), true
	case "ArrowRight":
		return []byte("\x1b[C"), true
	case "ArrowLeft":
		return []byte("\x1b[D"), true
	default:
		return nil, false
	}
}
