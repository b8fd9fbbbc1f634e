package environment

import (
	"context"
	"os/exec"
)

// Spec describes the environment a runtime must provision.
type Spec struct {
	EnvironmentID string
	ProjectID     string
	Root          string // Host directory, already created
	Limits        Limits
	Ports         []int
}

// CommandOptions describes a command to run inside an environment.
type CommandOptions struct {
	Args []string
	Dir  string   // Relative to the environment root
	Env  []string // Extra KEY=VALUE pairs
	TTY  bool     // The caller attaches a PTY and owns session setup
}

// Runtime provisions environments.
type Runtime interface {
	// Name returns the runtime name reported on environments.
	Name() string

	// Create provisions an environment. It must honor ctx cancellation.
	Create(ctx context.Context, spec Spec) (Handle, error)
}

// Handle is a provisioned environment inside a runtime.
type Handle interface {
	// NetworkNamespace returns an opaque reference to the network namespace.
	NetworkNamespace() string

	// Command builds a command that runs inside the environment. The caller
	// starts it.
	Command(ctx context.Context, opts CommandOptions) (*exec.Cmd, error)

	// Track registers a started process for usage accounting and teardown.
	Track(pid int)

	// Untrack removes a process registered with Track.
	Untrack(pid int)

	// Usage samples current resource usage.
	Usage(ctx context.Context) (Usage, error)

	// Alive reports whether the environment still exists in the runtime.
	Alive(ctx context.Context) (bool, error)

	// Destroy releases the runtime resources. Files under the root are kept.
	Destroy(ctx context.Context) error
}

// Spawner is the capability handed to managers that start processes in a
// running environment.
type Spawner interface {
	EnvironmentID() string
	ProjectID() string
	Root() string
	Command(ctx context.Context, opts CommandOptions) (*exec.Cmd, error)
	Track(pid int)
	Untrack(pid int)
}

// spawner guards the runtime handle with the environment state.
type spawner struct {
	env *Environment
}

func (s *spawner) EnvironmentID() string { return s.env.ID }
func (s *spawner) ProjectID() string     { return s.env.ProjectID }
func (s *spawner) Root() string          { return s.env.Root }

func (s *spawner) Command(ctx context.Context, opts CommandOptions) (*exec.Cmd, error) {
	s.env.mu.RLock()
	state, handle := s.env.state, s.env.handle
	s.env.mu.RUnlock()

	if state != StateRunning || handle == nil {
		return nil, notReady(s.env.ID, state)
	}
	return handle.Command(ctx, opts)
}

func (s *spawner) Track(pid int) {
	if h := s.handle(); h != nil {
		h.Track(pid)
	}
}

func (s *spawner) Untrack(pid int) {
	if h := s.handle(); h != nil {
		h.Untrack(pid)
	}
}

func (s *spawner) handle() Handle {
	s.env.mu.RLock()
	defer s.env.mu.RUnlock()
	return s.env.handle
}
