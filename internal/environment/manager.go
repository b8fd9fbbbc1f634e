package environment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/mem"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/brianly1003/wsgate/internal/config"
	"github.com/brianly1003/wsgate/internal/domain"
	"github.com/brianly1003/wsgate/internal/domain/ports"
	"github.com/brianly1003/wsgate/internal/sync"
)

// TeardownHook is called with a grace deadline when an environment stops or
// fails. Hooks run concurrently.
type TeardownHook func(ctx context.Context, envID string)

// ReadyHook is called once an environment reaches running.
type ReadyHook func(info *Info)

// Option configures a Manager.
type Option func(*Manager)

// WithHostMemory overrides how available host memory (bytes) is read.
func WithHostMemory(fn func(ctx context.Context) (uint64, error)) Option {
	return func(m *Manager) { m.hostMemory = fn }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithCreateObserver is called after every provisioning attempt.
func WithCreateObserver(fn func(d time.Duration, err error)) Option {
	return func(m *Manager) { m.onCreate = fn }
}

// Manager owns every environment. At most one environment exists per project.
type Manager struct {
	runtime Runtime
	pool    *PortPool
	hub     ports.EventHub
	cfg     config.EnvironmentConfig
	maxPTYs int
	logger  *slog.Logger

	hostMemory func(ctx context.Context) (uint64, error)
	now        func() time.Time
	onCreate   func(d time.Duration, err error)

	envs  map[string]*Environment // keyed by project ID
	byID  map[string]*Environment // keyed by environment ID
	hooks []TeardownHook
	ready []ReadyHook
	group singleflight.Group

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.RWMutex
}

// NewManager creates a new environment manager.
func NewManager(rt Runtime, hub ports.EventHub, cfg config.EnvironmentConfig, maxPTYs int, logger *slog.Logger, opts ...Option) *Manager {
	ctx, cancel := context.WithCancel(context.Background())

	m := &Manager{
		runtime:    rt,
		pool:       NewPortPool(cfg.PortRangeStart, cfg.PortRangeEnd),
		hub:        hub,
		cfg:        cfg,
		maxPTYs:    maxPTYs,
		logger:     logger,
		hostMemory: availableMemory,
		now:        func() time.Time { return time.Now().UTC() },
		envs:       make(map[string]*Environment),
		byID:       make(map[string]*Environment),
		ctx:        ctx,
		cancel:     cancel,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func availableMemory(ctx context.Context) (uint64, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, err
	}
	return vm.Available, nil
}

// Start starts the idle reaper and the usage sampler.
func (m *Manager) Start() error {
	m.logger.Info("Starting environment manager",
		"runtime", m.runtime.Name(),
		"root", m.cfg.RootDir,
		"idle_timeout", m.cfg.IdleTimeout)

	if err := os.MkdirAll(m.cfg.RootDir, 0o755); err != nil {
		return fmt.Errorf("create environment root: %w", err)
	}

	m.wg.Add(2)
	go m.idleMonitor()
	go m.sampleLoop()

	return nil
}

// Shutdown stops every live environment and the background loops.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.logger.Info("Stopping environment manager")
	m.cancel()

	var projects []string
	m.mu.RLock()
	for projectID, env := range m.envs {
		if env.GetState().Live() {
			projects = append(projects, projectID)
		}
	}
	m.mu.RUnlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, projectID := range projects {
		g.Go(func() error {
			_, err := m.Stop(gctx, projectID)
			return err
		})
	}
	err := g.Wait()

	m.wg.Wait()
	return err
}

// OnTeardown registers a hook run whenever an environment stops or fails.
func (m *Manager) OnTeardown(hook TeardownHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, hook)
}

// OnReady registers a hook run whenever an environment becomes running.
func (m *Manager) OnReady(hook ReadyHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ready = append(m.ready, hook)
}

// Create returns the project's live environment, provisioning one if needed.
// Concurrent callers for the same project share one creation.
func (m *Manager) Create(ctx context.Context, projectID string, limits Limits) (*Info, error) {
	if err := ValidateProjectID(projectID); err != nil {
		return nil, err
	}

	limits = m.resolveLimits(limits)
	if err := m.checkLimits(ctx, limits); err != nil {
		return nil, domain.NewOpError("create", projectID, err)
	}

	ch := m.group.DoChan(projectID, func() (interface{}, error) {
		return m.create(projectID, limits)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Environment).ToInfo(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Manager) resolveLimits(limits Limits) Limits {
	if limits.CPUPercent <= 0 {
		limits.CPUPercent = m.cfg.DefaultCPUPercent
	}
	if limits.MemoryMB <= 0 {
		limits.MemoryMB = m.cfg.DefaultMemoryMB
	}
	return limits
}

func (m *Manager) checkLimits(ctx context.Context, limits Limits) error {
	if limits.CPUPercent > m.cfg.MaxCPUPercent {
		return fmt.Errorf("%w: cpu %d%% exceeds maximum %d%%",
			domain.ErrResourceExhausted, limits.CPUPercent, m.cfg.MaxCPUPercent)
	}
	if limits.MemoryMB > m.cfg.MaxMemoryMB {
		return fmt.Errorf("%w: memory %dMB exceeds maximum %dMB",
			domain.ErrResourceExhausted, limits.MemoryMB, m.cfg.MaxMemoryMB)
	}

	avail, err := m.hostMemory(ctx)
	if err != nil {
		// Not fatal: the runtime still enforces the limit
		m.logger.Debug("Host memory probe failed", "error", err)
		return nil
	}
	if uint64(limits.MemoryMB)*1024*1024 > avail {
		return fmt.Errorf("%w: host has %dMB available, %dMB requested",
			domain.ErrResourceExhausted, avail/(1024*1024), limits.MemoryMB)
	}
	return nil
}

func (m *Manager) create(projectID string, limits Limits) (*Environment, error) {
	env, existing, err := m.register(projectID, limits)
	if err != nil {
		return nil, domain.NewOpError("create", projectID, err)
	}
	if existing {
		return env, nil
	}
	defer close(env.ready)

	started := time.Now()
	handle, err := m.provision(env)
	if m.onCreate != nil {
		m.onCreate(time.Since(started), err)
	}

	if err != nil {
		m.logger.Error("Environment provisioning failed", "project_id", projectID, "env_id", env.ID, "error", err)
		env.mu.Lock()
		_ = m.transitionLocked(env, StateError, err.Error())
		env.mu.Unlock()
		m.pool.Release(env.ports)
		return nil, domain.NewOpError("create", projectID, err)
	}

	env.mu.Lock()
	env.handle = handle
	env.netns = handle.NetworkNamespace()
	err = m.transitionLocked(env, StateRunning, "")
	env.mu.Unlock()
	if err != nil {
		return nil, domain.NewOpError("create", projectID, err)
	}

	m.logger.Info("Environment running",
		"project_id", projectID,
		"env_id", env.ID,
		"ports", env.ports,
		"duration", time.Since(started))

	m.mu.RLock()
	ready := append([]ReadyHook(nil), m.ready...)
	m.mu.RUnlock()
	info := env.ToInfo()
	for _, hook := range ready {
		hook(info)
	}

	return env, nil
}

// register inserts a new starting record, or returns the live one.
func (m *Manager) register(projectID string, limits Limits) (*Environment, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if env, ok := m.envs[projectID]; ok {
		switch env.GetState() {
		case StateStarting, StateRunning:
			return env, true, nil
		case StateStopping:
			return nil, false, fmt.Errorf("%w: environment %s is stopping", domain.ErrConflict, env.ID)
		}
	}

	live := 0
	for _, env := range m.envs {
		if env.GetState().Live() || env.GetState() == StateStopping {
			live++
		}
	}
	if live >= m.cfg.MaxEnvironments {
		return nil, false, fmt.Errorf("%w: %d environments running", domain.ErrResourceExhausted, live)
	}

	root, err := securejoin.SecureJoin(m.cfg.RootDir, projectID)
	if err != nil {
		return nil, false, fmt.Errorf("resolve root: %w", err)
	}

	reserved, err := m.pool.Reserve(m.cfg.PortsPerEnvironment)
	if err != nil {
		return nil, false, err
	}

	env := newEnvironment(uuid.New().String(), projectID, root, m.runtime.Name(), limits, reserved, m.now())
	if old, ok := m.envs[projectID]; ok {
		delete(m.byID, old.ID)
	}
	m.envs[projectID] = env
	m.byID[env.ID] = env

	env.mu.Lock()
	_ = m.transitionLocked(env, StateStarting, "")
	env.mu.Unlock()

	return env, false, nil
}

type provisionResult struct {
	handle Handle
	err    error
}

// provision runs the runtime under the create timeout. A runtime that ignores
// cancellation and finishes late has its handle destroyed.
func (m *Manager) provision(env *Environment) (Handle, error) {
	ctx, cancel := context.WithTimeout(m.ctx, m.cfg.CreateTimeout)
	defer cancel()

	if err := os.MkdirAll(env.Root, 0o755); err != nil {
		return nil, fmt.Errorf("create root: %w", err)
	}

	spec := Spec{
		EnvironmentID: env.ID,
		ProjectID:     env.ProjectID,
		Root:          env.Root,
		Limits:        env.Limits,
		Ports:         env.ports,
	}

	ch := make(chan provisionResult, 1)
	go func() {
		h, err := m.runtime.Create(ctx, spec)
		ch <- provisionResult{handle: h, err: err}
	}()

	select {
	case res := <-ch:
		if res.err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: provisioning exceeded %s", domain.ErrTimeout, m.cfg.CreateTimeout)
		}
		return res.handle, res.err
	case <-ctx.Done():
		go func() {
			if res := <-ch; res.handle != nil {
				_ = res.handle.Destroy(context.Background())
			}
		}()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: provisioning exceeded %s", domain.ErrTimeout, m.cfg.CreateTimeout)
		}
		return nil, ctx.Err()
	}
}

// Stop tears the project's environment down. It always ends in stopped once
// teardown starts, even if hooks or the runtime fail.
func (m *Manager) Stop(ctx context.Context, projectID string) (*Info, error) {
	m.mu.RLock()
	env, ok := m.envs[projectID]
	m.mu.RUnlock()
	if !ok {
		return nil, domain.NewOpError("stop", projectID, domain.ErrNotFound)
	}

	// Let an in-flight creation finish first
	select {
	case <-env.ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	env.mu.Lock()
	switch env.state {
	case StateStopped, StateError:
		env.mu.Unlock()
		return env.ToInfo(), nil
	case StateStopping:
		env.mu.Unlock()
		select {
		case <-env.done:
			return env.ToInfo(), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err := m.transitionLocked(env, StateStopping, ""); err != nil {
		env.mu.Unlock()
		return nil, domain.NewOpError("stop", projectID, err)
	}
	env.mu.Unlock()

	m.logger.Info("Stopping environment", "project_id", projectID, "env_id", env.ID)
	m.teardown(env)

	env.mu.Lock()
	_ = m.transitionLocked(env, StateStopped, "")
	env.mu.Unlock()

	return env.ToInfo(), nil
}

// failEnvironment moves a running environment whose runtime died to error.
func (m *Manager) failEnvironment(env *Environment, reason string) {
	env.mu.Lock()
	if env.state != StateRunning {
		env.mu.Unlock()
		return
	}
	_ = m.transitionLocked(env, StateError, reason)
	env.mu.Unlock()

	m.logger.Warn("Environment failed", "project_id", env.ProjectID, "env_id", env.ID, "reason", reason)
	m.teardown(env)
}

// teardown runs hooks under the grace deadline, destroys the runtime handle
// and releases ports.
func (m *Manager) teardown(env *Environment) {
	m.mu.RLock()
	hooks := make([]TeardownHook, len(m.hooks))
	copy(hooks, m.hooks)
	m.mu.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.StopGrace)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	for _, hook := range hooks {
		g.Go(func() error {
			hook(gctx, env.ID)
			return nil
		})
	}

	finished := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-ctx.Done():
		m.logger.Warn("Teardown hooks exceeded grace period", "env_id", env.ID, "grace", m.cfg.StopGrace)
	}

	env.mu.Lock()
	handle := env.handle
	env.handle = nil
	env.ptys = 0
	env.portsInUse = make(map[int]bool)
	env.mu.Unlock()

	if handle != nil {
		dctx, dcancel := context.WithTimeout(context.Background(), m.cfg.StopGrace)
		if err := handle.Destroy(dctx); err != nil {
			m.logger.Warn("Runtime destroy failed", "env_id", env.ID, "error", err)
		}
		dcancel()
	}

	m.pool.Release(env.ports)
}

// transitionLocked validates and applies a state change, then publishes
// env.status. Callers hold env.mu.
func (m *Manager) transitionLocked(env *Environment, to State, errMsg string) error {
	from := env.state
	if !CanTransition(from, to) {
		m.logger.Error("Invalid environment transition",
			"env_id", env.ID, "from", string(from), "to", string(to))
		return fmt.Errorf("%w: %q -> %q", domain.ErrInvalidTransition, from, to)
	}

	env.state = to
	env.errMsg = errMsg
	if to.Terminal() {
		env.usage = Usage{}
		close(env.done)
	}

	m.logger.Debug("Environment transition",
		"env_id", env.ID, "from", string(from), "to", string(to))
	m.hub.Publish(env.statusEvent())
	return nil
}

// Status returns a snapshot of the project's environment.
func (m *Manager) Status(projectID string) (*Info, error) {
	m.mu.RLock()
	env, ok := m.envs[projectID]
	m.mu.RUnlock()
	if !ok {
		return nil, domain.NewOpError("status", projectID, domain.ErrNotFound)
	}
	return env.ToInfo(), nil
}

// RunningRoot returns the root directory of the project's environment while
// it is running.
func (m *Manager) RunningRoot(projectID string) (string, error) {
	m.mu.RLock()
	env, ok := m.envs[projectID]
	m.mu.RUnlock()
	if !ok {
		return "", domain.NewOpError("resolve root", projectID, domain.ErrEnvironmentNotReady)
	}

	env.mu.Lock()
	defer env.mu.Unlock()
	if env.state != StateRunning {
		return "", notReady(env.ID, env.state)
	}
	return env.Root, nil
}

// Get returns a snapshot by environment ID.
func (m *Manager) Get(envID string) (*Info, error) {
	env, err := m.lookup("get", envID)
	if err != nil {
		return nil, err
	}
	return env.ToInfo(), nil
}

// List returns snapshots of all environments, sorted by project.
func (m *Manager) List() []*Info {
	m.mu.RLock()
	defer m.mu.RUnlock()

	infos := make([]*Info, 0, len(m.envs))
	for _, env := range m.envs {
		infos = append(infos, env.ToInfo())
	}
	sortInfos(infos)
	return infos
}

// Counts returns the number of environments in each state.
func (m *Manager) Counts() map[State]int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counts := make(map[State]int)
	for _, env := range m.envs {
		counts[env.GetState()]++
	}
	return counts
}

// Touch refreshes the project's last activity timestamp.
func (m *Manager) Touch(projectID string) {
	m.mu.RLock()
	env, ok := m.envs[projectID]
	m.mu.RUnlock()
	if !ok {
		return
	}

	env.mu.Lock()
	env.lastActive = m.now()
	env.mu.Unlock()
}

// Acquire returns the spawning capability of a running environment.
func (m *Manager) Acquire(envID string) (Spawner, error) {
	env, err := m.lookup("acquire", envID)
	if err != nil {
		return nil, err
	}
	if state := env.GetState(); state != StateRunning {
		return nil, notReady(envID, state)
	}
	return &spawner{env: env}, nil
}

// AcquirePTY reserves a PTY slot.
func (m *Manager) AcquirePTY(envID string) error {
	env, err := m.lookup("acquire pty", envID)
	if err != nil {
		return err
	}

	env.mu.Lock()
	defer env.mu.Unlock()

	if env.state != StateRunning {
		return notReady(envID, env.state)
	}
	if env.ptys >= m.maxPTYs {
		return domain.NewOpError("acquire pty", envID,
			fmt.Errorf("%w: %d terminal sessions open", domain.ErrResourceExhausted, env.ptys))
	}
	env.ptys++
	return nil
}

// ReleasePTY frees a PTY slot.
func (m *Manager) ReleasePTY(envID string) {
	env, err := m.lookup("release pty", envID)
	if err != nil {
		return
	}

	env.mu.Lock()
	defer env.mu.Unlock()
	if env.ptys > 0 {
		env.ptys--
	}
}

// AcquirePort hands out one of the environment's reserved ports.
func (m *Manager) AcquirePort(envID string) (int, error) {
	env, err := m.lookup("acquire port", envID)
	if err != nil {
		return 0, err
	}

	env.mu.Lock()
	defer env.mu.Unlock()

	if env.state != StateRunning {
		return 0, notReady(envID, env.state)
	}
	for _, port := range env.ports {
		if !env.portsInUse[port] {
			env.portsInUse[port] = true
			return port, nil
		}
	}
	return 0, domain.NewOpError("acquire port", envID,
		fmt.Errorf("%w: all %d preview ports in use", domain.ErrResourceExhausted, len(env.ports)))
}

// ReleasePort returns a port handed out by AcquirePort.
func (m *Manager) ReleasePort(envID string, port int) {
	env, err := m.lookup("release port", envID)
	if err != nil {
		return
	}

	env.mu.Lock()
	defer env.mu.Unlock()
	delete(env.portsInUse, port)
}

// PortsInUse returns the number of host ports reserved by all environments.
func (m *Manager) PortsInUse() int {
	return m.pool.InUse()
}

func (m *Manager) lookup(op, envID string) (*Environment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	env, ok := m.byID[envID]
	if !ok {
		return nil, domain.NewOpError(op, envID, domain.ErrNotFound)
	}
	return env, nil
}

func notReady(envID string, state State) error {
	if state == StateNone {
		state = "none"
	}
	return domain.NewOpError("acquire", envID,
		fmt.Errorf("%w: state is %s", domain.ErrEnvironmentNotReady, state))
}

// Reap stops running environments idle for longer than the idle timeout and
// returns how many were stopped.
func (m *Manager) Reap() int {
	cutoff := m.now().Add(-m.cfg.IdleTimeout)

	var idle []*Environment
	m.mu.RLock()
	for _, env := range m.envs {
		if env.GetState() == StateRunning && env.GetLastActive().Before(cutoff) {
			idle = append(idle, env)
		}
	}
	m.mu.RUnlock()

	stopped := 0
	for _, env := range idle {
		m.logger.Info("Stopping idle environment",
			"project_id", env.ProjectID,
			"env_id", env.ID,
			"idle_duration", m.now().Sub(env.GetLastActive()))

		if _, err := m.Stop(m.ctx, env.ProjectID); err != nil {
			m.logger.Warn("Failed to stop idle environment", "project_id", env.ProjectID, "error", err)
			continue
		}
		stopped++
	}
	return stopped
}

// idleMonitor periodically reaps idle environments.
func (m *Manager) idleMonitor() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.Reap()
		}
	}
}
