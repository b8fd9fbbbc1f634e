package terminal

import (
	"strings"
	"unicode/utf8"

	"github.com/brianly1003/wsgate/internal/sync"
)

// History is a bounded ring of completed command lines, oldest first.
type History struct {
	entries []string
	max     int
	mu      sync.RWMutex
}

// NewHistory creates a history holding at most max lines.
func NewHistory(max int) *History {
	return &History{max: max}
}

// Add appends a line. Consecutive duplicates collapse into one entry.
func (h *History) Add(line string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if n := len(h.entries); n > 0 && h.entries[n-1] == line {
		return
	}
	h.entries = append(h.entries, line)
	if over := len(h.entries) - h.max; over > 0 {
		h.entries = append([]string(nil), h.entries[over:]...)
	}
}

// Entries returns a copy of the lines, oldest first.
func (h *History) Entries() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, len(h.entries))
	copy(out, h.entries)
	return out
}

// Len returns the number of lines.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.entries)
}

const (
	keyCtrlC     = 0x03
	keyBackspace = 0x08
	keyCtrlU     = 0x15
	keyEscape    = 0x1b
	keyDelete    = 0x7f
)

// LineScanner reconstructs command lines from a raw keystroke stream.
type LineScanner struct {
	pending []byte
	inEsc   bool
	inCSI   bool
}

// Feed consumes keystrokes and returns the lines they completed.
func (s *LineScanner) Feed(data []byte) []string {
	var lines []string

	for _, c := range data {
		// Skip escape sequences (arrow keys, function keys)
		if s.inCSI {
			if c >= 0x40 && c <= 0x7e {
				s.inCSI = false
			}
			continue
		}
		if s.inEsc {
			s.inEsc = false
			if c == '[' || c == 'O' {
				s.inCSI = true
			}
			continue
		}

		switch {
		case c == '\r' || c == '\n':
			if line := strings.TrimSpace(string(s.pending)); line != "" {
				lines = append(lines, line)
			}
			s.pending = s.pending[:0]
		case c == keyDelete || c == keyBackspace:
			if len(s.pending) > 0 {
				_, size := utf8.DecodeLastRune(s.pending)
				s.pending = s.pending[:len(s.pending)-size]
			}
		case c == keyCtrlU || c == keyCtrlC:
			s.pending = s.pending[:0]
		case c == keyEscape:
			s.inEsc = true
		case c < 0x20:
			// Other control keys don't edit the line
		default:
			s.pending = append(s.pending, c)
		}
	}
	return lines
}
