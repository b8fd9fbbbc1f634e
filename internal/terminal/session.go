package terminal

import (
	"os"
	"os/exec"
	"time"

	"github.com/brianly1003/wsgate/internal/sync"
)

// Session is one interactive shell attached to a PTY.
type Session struct {
	ID            string
	EnvironmentID string
	ProjectID     string
	CreatedAt     time.Time

	cols, rows  int
	ptmx        *os.File
	cmd         *exec.Cmd
	buffer      *OutputBuffer
	scanner     LineScanner
	history     *History
	attachments map[string]*Attachment
	exited      bool
	exitCode    int

	done chan struct{}
	mu   sync.Mutex
}

// Size returns the current window size.
func (s *Session) Size() (cols, rows int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cols, s.rows
}

// Done is closed once the shell has exited and the session is finalized.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// ToInfo returns a serializable snapshot.
func (s *Session) ToInfo() *Info {
	s.mu.Lock()
	defer s.mu.Unlock()

	info := &Info{
		ID:            s.ID,
		EnvironmentID: s.EnvironmentID,
		ProjectID:     s.ProjectID,
		Cols:          s.cols,
		Rows:          s.rows,
		BufferStart:   s.buffer.Start(),
		BufferEnd:     s.buffer.End(),
		Attachments:   len(s.attachments),
		CreatedAt:     s.CreatedAt,
	}
	if s.cmd != nil && s.cmd.Process != nil {
		info.PID = s.cmd.Process.Pid
	}
	return info
}

// Info is a serializable representation of a session.
type Info struct {
	ID            string    `json:"id"`
	EnvironmentID string    `json:"environmentId"`
	ProjectID     string    `json:"projectId"`
	PID           int       `json:"pid"`
	Cols          int       `json:"cols"`
	Rows          int       `json:"rows"`
	BufferStart   int64     `json:"bufferStart"`
	BufferEnd     int64     `json:"bufferEnd"`
	Attachments   int       `json:"attachments"`
	CreatedAt     time.Time `json:"createdAt"`
}
