package terminal

// OutputBuffer is a bounded byte ring addressed by absolute offsets. Offset 0
// is the first byte the shell ever wrote; the buffer keeps the most recent
// bytes up to its capacity.
type OutputBuffer struct {
	data  []byte
	start int64
	max   int
}

// NewOutputBuffer creates a buffer holding at most max bytes.
func NewOutputBuffer(max int) *OutputBuffer {
	return &OutputBuffer{max: max}
}

// Append adds p and returns the absolute offset of its first byte.
func (b *OutputBuffer) Append(p []byte) int64 {
	offset := b.End()
	b.data = append(b.data, p...)

	if over := len(b.data) - b.max; over > 0 {
		b.data = b.data[over:]
		b.start += int64(over)
	}
	// Reclaim the dropped prefix once it dominates the backing array
	if cap(b.data) > 2*b.max && b.max > 0 {
		b.data = append(make([]byte, 0, b.max), b.data...)
	}
	return offset
}

// Start returns the offset of the oldest retained byte.
func (b *OutputBuffer) Start() int64 {
	return b.start
}

// End returns the offset one past the newest byte.
func (b *OutputBuffer) End() int64 {
	return b.start + int64(len(b.data))
}

// Snapshot copies the retained bytes from max(from, Start()). A negative from
// means the whole buffer. The copy starts on a rune boundary, so it may begin a
// few bytes after from. It returns the data and its starting offset.
func (b *OutputBuffer) Snapshot(from int64) ([]byte, int64) {
	if from < b.start {
		from = b.start
	}
	if end := b.End(); from > end {
		from = end
	}
	from += int64(leadingContinuation(b.data[from-b.start:]))
	out := make([]byte, b.End()-from)
	copy(out, b.data[from-b.start:])
	return out, from
}
