// Package environment provisions and tears down the isolated execution
// environment of each project.
package environment

import (
	"fmt"
	"regexp"
	"sort"
	"time"

	"github.com/brianly1003/wsgate/internal/domain"
	"github.com/brianly1003/wsgate/internal/domain/events"
	"github.com/brianly1003/wsgate/internal/sync"
)

// State represents the lifecycle state of an environment.
type State string

const (
	StateNone     State = ""
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
	StateError    State = "error"
)

// transitions lists the legal edges of the lifecycle state machine.
var transitions = map[State][]State{
	StateNone:     {StateStarting},
	StateStarting: {StateRunning, StateError},
	StateRunning:  {StateStopping, StateError},
	StateStopping: {StateStopped},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether the state only changes by creating a new
// environment.
func (s State) Terminal() bool {
	return s == StateStopped || s == StateError
}

// Live reports whether the environment is starting or running.
func (s State) Live() bool {
	return s == StateStarting || s == StateRunning
}

// Limits are the resource limits requested for an environment.
type Limits struct {
	CPUPercent int `json:"cpuPercent"`
	MemoryMB   int `json:"memoryMB"`
}

// Usage is the most recently observed resource usage.
type Usage = events.ResourceUsage

var projectIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,63}$`)

// ValidateProjectID checks that a project id is safe to use as a directory
// and container name component.
func ValidateProjectID(projectID string) error {
	if !projectIDPattern.MatchString(projectID) {
		return domain.NewValidationError("projectId", fmt.Sprintf("invalid project id %q", projectID))
	}
	return nil
}

// Environment is the record of one execution environment. It is owned by the
// Manager; everyone else works with Info snapshots or a Spawner.
type Environment struct {
	ID        string
	ProjectID string
	Root      string
	Runtime   string
	Limits    Limits
	CreatedAt time.Time

	state      State
	usage      Usage
	lastActive time.Time
	errMsg     string
	netns      string
	ports      []int
	portsInUse map[int]bool
	ptys       int
	handle     Handle

	ready chan struct{} // closed when creation finishes
	done  chan struct{} // closed on stopped or error

	mu sync.RWMutex
}

func newEnvironment(id, projectID, root, runtime string, limits Limits, ports []int, now time.Time) *Environment {
	return &Environment{
		ID:         id,
		ProjectID:  projectID,
		Root:       root,
		Runtime:    runtime,
		Limits:     limits,
		CreatedAt:  now,
		lastActive: now,
		ports:      ports,
		portsInUse: make(map[int]bool),
		ready:      make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// GetState returns the current state.
func (e *Environment) GetState() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// GetLastActive returns the last activity timestamp.
func (e *Environment) GetLastActive() time.Time {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastActive
}

// ToInfo returns a serializable snapshot.
func (e *Environment) ToInfo() *Info {
	e.mu.RLock()
	defer e.mu.RUnlock()

	ports := make([]int, len(e.ports))
	copy(ports, e.ports)

	return &Info{
		ID:               e.ID,
		ProjectID:        e.ProjectID,
		State:            e.state,
		ResourceLimits:   e.Limits,
		ResourceUsage:    e.usage,
		NetworkNamespace: e.netns,
		Root:             e.Root,
		Runtime:          e.Runtime,
		Ports:            ports,
		PTYSessions:      e.ptys,
		CreatedAt:        e.CreatedAt,
		LastActivityAt:   e.lastActive,
		Error:            e.errMsg,
	}
}

// statusEvent must be called with e.mu held.
func (e *Environment) statusEvent() *events.BaseEvent {
	return events.NewEnvStatusEvent(e.ProjectID, e.ID, string(e.state), e.usage, e.errMsg)
}

// Info is a serializable representation of an environment.
type Info struct {
	ID               string    `json:"id"`
	ProjectID        string    `json:"projectId"`
	State            State     `json:"state"`
	ResourceLimits   Limits    `json:"resourceLimits"`
	ResourceUsage    Usage     `json:"resourceUsage"`
	NetworkNamespace string    `json:"networkNamespaceRef"`
	Root             string    `json:"root"`
	Runtime          string    `json:"runtime"`
	Ports            []int     `json:"ports"`
	PTYSessions      int       `json:"ptySessions"`
	CreatedAt        time.Time `json:"createdAt"`
	LastActivityAt   time.Time `json:"lastActivityAt"`
	Error            string    `json:"error,omitempty"`
}

// StatusEvent builds the env.status event for this snapshot.
func (i *Info) StatusEvent() *events.BaseEvent {
	return events.NewEnvStatusEvent(i.ProjectID, i.ID, string(i.State), i.ResourceUsage, i.Error)
}

func sortInfos(infos []*Info) {
	sort.Slice(infos, func(a, b int) bool {
		return infos[a].ProjectID < infos[b].ProjectID
	})
}
