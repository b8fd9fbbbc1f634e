package preview

import (
	"os/exec"
	"time"

	"github.com/brianly1003/wsgate/internal/domain/events"
	"github.com/brianly1003/wsgate/internal/sync"
)

// Status is the lifecycle state of a preview process.
type Status string

const (
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusError    Status = "error"
	StatusStopped  Status = "stopped"
)

// Live reports whether the process may still be serving.
func (s Status) Live() bool {
	return s == StatusStarting || s == StatusRunning
}

// errorTailLines is how many log lines an error status carries.
const errorTailLines = 20

// Process is one preview server started inside an environment.
type Process struct {
	ID            string
	EnvironmentID string
	ProjectID     string
	Port          int
	Command       string
	StartedAt     time.Time

	status   Status
	exitCode *int
	errMsg   string
	logs     *LogTail
	stopping bool

	cmd   *exec.Cmd
	probe chan struct{} // nudged by listening log lines
	ready chan struct{} // closed when leaving starting
	done  chan struct{} // closed after exit and cleanup
	mu    sync.Mutex
}

// GetStatus returns the current status.
func (p *Process) GetStatus() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// Done is closed once the process has exited and its port is released.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// setStatusLocked moves the process to a new status. Callers hold p.mu.
func (p *Process) setStatusLocked(to Status, errMsg string) {
	if p.status == StatusStarting && to != StatusStarting {
		close(p.ready)
	}
	p.status = to
	if errMsg != "" {
		p.errMsg = errMsg
	}
}

func (p *Process) statusEventLocked() *events.BaseEvent {
	payload := events.PreviewStatusPayload{
		PreviewID: p.ID,
		Status:    string(p.status),
		Port:      p.Port,
		Command:   p.Command,
		ExitCode:  p.exitCode,
		Error:     p.errMsg,
	}
	if p.status == StatusError {
		payload.LogTail = p.logs.Last(errorTailLines)
	}
	return events.NewPreviewStatusEvent(p.ProjectID, payload)
}

// ToInfo returns a serializable snapshot.
func (p *Process) ToInfo() *Info {
	p.mu.Lock()
	defer p.mu.Unlock()

	info := &Info{
		ID:            p.ID,
		EnvironmentID: p.EnvironmentID,
		ProjectID:     p.ProjectID,
		Port:          p.Port,
		Status:        p.status,
		Command:       p.Command,
		ExitCode:      p.exitCode,
		Error:         p.errMsg,
		LogTail:       p.logs.Lines(),
		StartedAt:     p.StartedAt,
	}
	if p.cmd != nil && p.cmd.Process != nil {
		info.PID = p.cmd.Process.Pid
	}
	return info
}

// Info is a serializable representation of a preview process.
type Info struct {
	ID            string    `json:"id"`
	EnvironmentID string    `json:"environmentId"`
	ProjectID     string    `json:"projectId"`
	PID           int       `json:"pid,omitempty"`
	Port          int       `json:"port"`
	Status        Status    `json:"status"`
	Command       string    `json:"command"`
	ExitCode      *int      `json:"exitCode,omitempty"`
	Error         string    `json:"error,omitempty"`
	LogTail       []string  `json:"logTail"`
	StartedAt     time.Time `json:"startedAt"`
}
