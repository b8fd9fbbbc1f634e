package terminal

import "unicode/utf8"

// runeSplitter holds back a trailing partial UTF-8 sequence so that every
// chunk it emits ends on a rune boundary. Invalid bytes pass through.
type runeSplitter struct {
	pending []byte
}

// Split returns the complete prefix of pending+p and keeps the rest.
func (r *runeSplitter) Split(p []byte) []byte {
	data := p
	if len(r.pending) > 0 {
		data = append(r.pending, p...)
		r.pending = nil
	}
	cut := len(data) - incompleteTail(data)
	if cut < len(data) {
		r.pending = append([]byte(nil), data[cut:]...)
	}
	return data[:cut]
}

// Flush returns whatever is held back.
func (r *runeSplitter) Flush() []byte {
	out := r.pending
	r.pending = nil
	return out
}

// incompleteTail returns the length of a trailing rune prefix that needs more
// bytes, or 0.
func incompleteTail(p []byte) int {
	for i := 1; i < utf8.UTFMax && i <= len(p); i++ {
		start := len(p) - i
		if !utf8.RuneStart(p[start]) {
			continue
		}
		if utf8.FullRune(p[start:]) {
			return 0
		}
		return i
	}
	return 0
}

// leadingContinuation returns the number of continuation bytes, at most
// utf8.UTFMax-1, that p starts with.
func leadingContinuation(p []byte) int {
	n := 0
	for n < len(p) && n < utf8.UTFMax-1 && !utf8.RuneStart(p[n]) {
		n++
	}
	return n
}
