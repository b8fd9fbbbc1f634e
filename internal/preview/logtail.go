package preview

// LogTail keeps the last max lines of output. Not safe for concurrent use.
type LogTail struct {
	lines []string
	next  int
	full  bool
}

// NewLogTail creates a tail holding at most max lines.
func NewLogTail(max int) *LogTail {
	if max < 1 {
		max = 1
	}
	return &LogTail{lines: make([]string, max)}
}

// Add appends a line, evicting the oldest when full.
func (t *LogTail) Add(line string) {
	t.lines[t.next] = line
	t.next = (t.next + 1) % len(t.lines)
	if t.next == 0 {
		t.full = true
	}
}

// Lines returns the retained lines, oldest first.
func (t *LogTail) Lines() []string {
	if !t.full {
		out := make([]string, t.next)
		copy(out, t.lines[:t.next])
		return out
	}
	out := make([]string, 0, len(t.lines))
	out = append(out, t.lines[t.next:]...)
	return append(out, t.lines[:t.next]...)
}

// Last returns up to n of the newest lines.
func (t *LogTail) Last(n int) []string {
	lines := t.Lines()
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines
}
