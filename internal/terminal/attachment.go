package terminal

// Detach reasons.
const (
	ReasonOverflow = "overflow"
	ReasonDetached = "detached"
	ReasonClosed   = "closed"
)

// Chunk is one item delivered to an attachment: output at an absolute offset,
// or the final exit record.
type Chunk struct {
	Offset   int64
	Data     []byte
	Exit     bool
	ExitCode int
}

// Attachment is one consumer of a session's output stream.
type Attachment struct {
	ID        string
	SessionID string
	ClientID  string

	queue  chan Chunk
	limit  int
	reason string
	closed bool
}

func newAttachment(id, sessionID, clientID string, limit int) *Attachment {
	return &Attachment{
		ID:        id,
		SessionID: sessionID,
		ClientID:  clientID,
		// One extra slot so the exit record always fits
		queue: make(chan Chunk, limit+1),
		limit: limit,
	}
}

// C returns the chunk stream. It is closed after the exit record, on detach
// or on overflow.
func (a *Attachment) C() <-chan Chunk {
	return a.queue
}

// Reason returns why the stream ended. Valid once C is closed.
func (a *Attachment) Reason() string {
	return a.reason
}

// push queues a chunk. Callers hold the session lock.
func (a *Attachment) push(c Chunk) bool {
	if a.closed || len(a.queue) >= a.limit {
		return false
	}
	a.queue <- c
	return true
}

// end queues the exit record if any, then closes the stream. Callers hold the
// session lock.
func (a *Attachment) end(reason string, exit *Chunk) {
	if a.closed {
		return
	}
	if exit != nil {
		a.queue <- *exit
	}
	a.reason = reason
	a.closed = true
	close(a.queue)
}
