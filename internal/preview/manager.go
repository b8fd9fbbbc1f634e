// Package preview runs development servers inside environments and reports
// when they accept connections.
package preview

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/brianly1003/wsgate/internal/config"
	"github.com/brianly1003/wsgate/internal/domain"
	"github.com/brianly1003/wsgate/internal/domain/events"
	"github.com/brianly1003/wsgate/internal/domain/ports"
	"github.com/brianly1003/wsgate/internal/environment"
	"github.com/brianly1003/wsgate/internal/procutil"
	"github.com/brianly1003/wsgate/internal/sync"
)

const (
	dialTimeout  = 500 * time.Millisecond
	drainTimeout = 2 * time.Second
	maxLineBytes = 64 * 1024
)

// listeningPattern matches the startup banners of common dev servers.
var listeningPattern = regexp.MustCompile(`(?i)(listening (on|at)|now listening|server (is )?running|started server|serving (http )?on|ready in|running on https?://|local:\s+https?://|started on port)`)

// Environments is the part of the environment manager previews depend on.
type Environments interface {
	Acquire(envID string) (environment.Spawner, error)
	AcquirePort(envID string) (int, error)
	ReleasePort(envID string, port int)
}

// Option configures a Manager.
type Option func(*Manager)

// WithDialer overrides the readiness probe.
func WithDialer(dial func(ctx context.Context, port int) error) Option {
	return func(m *Manager) { m.dial = dial }
}

// WithReadyObserver reports the startup time of every preview that became
// ready.
func WithReadyObserver(fn func(d time.Duration)) Option {
	return func(m *Manager) { m.onReady = fn }
}

// Manager owns the preview process of every environment.
type Manager struct {
	envs    Environments
	hub     ports.EventHub
	cfg     config.PreviewConfig
	logger  *slog.Logger
	dial    func(ctx context.Context, port int) error
	onReady func(d time.Duration)

	byEnv map[string]*Process
	byID  map[string]*Process
	mu    sync.Mutex
}

// NewManager creates a preview manager.
func NewManager(envs Environments, hub ports.EventHub, cfg config.PreviewConfig, logger *slog.Logger, opts ...Option) *Manager {
	m := &Manager{
		envs:   envs,
		hub:    hub,
		cfg:    cfg,
		logger: logger,
		dial:   dialPort,
		byEnv:  make(map[string]*Process),
		byID:   make(map[string]*Process),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func dialPort(ctx context.Context, port int) error {
	d := net.Dialer{Timeout: dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return err
	}
	return conn.Close()
}

// Start launches the environment's preview server. While a preview is
// starting or running it is returned unchanged. An empty runCommand is
// detected from the project's manifests.
func (m *Manager) Start(ctx context.Context, envID, runCommand string) (*Info, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if p, ok := m.byEnv[envID]; ok && p.GetStatus().Live() {
		// Repeat the current status so the caller sees a reply
		p.mu.Lock()
		m.hub.Publish(p.statusEventLocked().WithRequestID(events.RequestIDFromContext(ctx)))
		p.mu.Unlock()
		return p.ToInfo(), nil
	}

	sp, err := m.envs.Acquire(envID)
	if err != nil {
		return nil, err
	}

	var detection *Detection
	if strings.TrimSpace(runCommand) == "" {
		if detection, err = Detect(sp.Root()); err != nil {
			return nil, err
		}
	}

	port, err := m.envs.AcquirePort(envID)
	if err != nil {
		return nil, err
	}
	released := false
	defer func() {
		if !released {
			m.envs.ReleasePort(envID, port)
		}
	}()

	command := runCommand
	if detection != nil {
		command = detection.Command(port)
	}
	args, err := commandArgs(command)
	if err != nil {
		return nil, err
	}

	// The server outlives the request, so it is not bound to ctx
	cmd, err := sp.Command(context.Background(), environment.CommandOptions{
		Args: args,
		Env:  []string{"PORT=" + strconv.Itoa(port), "HOST=0.0.0.0"},
	})
	if err != nil {
		return nil, domain.NewOpError("start preview", envID, err)
	}
	procutil.SetProcessGroup(cmd)
	stdout, stderr, err := startWithPipes(cmd)
	if err != nil {
		return nil, domain.NewOpError("start preview", envID, err)
	}
	sp.Track(cmd.Process.Pid)

	p := &Process{
		ID:            uuid.New().String(),
		EnvironmentID: envID,
		ProjectID:     sp.ProjectID(),
		Port:          port,
		Command:       command,
		StartedAt:     time.Now().UTC(),
		status:        StatusStarting,
		logs:          NewLogTail(m.cfg.LogTailLines),
		cmd:           cmd,
		probe:         make(chan struct{}, 1),
		ready:         make(chan struct{}),
		done:          make(chan struct{}),
	}
	if old, ok := m.byEnv[envID]; ok {
		delete(m.byID, old.ID)
	}
	m.byEnv[envID] = p
	m.byID[p.ID] = p
	released = true

	p.mu.Lock()
	m.hub.Publish(p.statusEventLocked().WithRequestID(events.RequestIDFromContext(ctx)))
	p.mu.Unlock()

	probeCtx, cancelProbe := context.WithCancel(context.Background())
	var readers sync.WaitGroup
	readers.Add(2)
	go m.readLines(p, stdout, "stdout", &readers)
	go m.readLines(p, stderr, "stderr", &readers)
	go m.probeLoop(probeCtx, p)
	go m.waitLoop(p, sp, &readers, []*os.File{stdout, stderr}, cancelProbe)

	attrs := []any{
		"preview_id", p.ID,
		"env_id", envID,
		"pid", cmd.Process.Pid,
		"port", port,
		"command", command,
	}
	if detection != nil {
		attrs = append(attrs, "detected_from", detection.Manifest)
	}
	m.logger.Info("Preview started", attrs...)

	return p.ToInfo(), nil
}

// startWithPipes starts cmd with stdout and stderr on pipes read by the
// manager. Wait then returns when the server exits, even while a child it left
// behind still holds the write ends.
func startWithPipes(cmd *exec.Cmd) (stdout, stderr *os.File, err error) {
	outR, outW, err := os.Pipe()
	if err != nil {
		return nil, nil, err
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		outR.Close()
		outW.Close()
		return nil, nil, err
	}
	cmd.Stdout, cmd.Stderr = outW, errW

	err = cmd.Start()
	outW.Close()
	errW.Close()
	if err != nil {
		outR.Close()
		errR.Close()
		return nil, nil, err
	}
	return outR, errR, nil
}

// readLines streams one output pipe into the log tail and preview.log events.
func (m *Manager) readLines(p *Process, r io.Reader, stream string, wg *sync.WaitGroup) {
	defer wg.Done()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), maxLineBytes)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")

		p.mu.Lock()
		p.logs.Add(line)
		p.mu.Unlock()

		m.hub.Publish(events.NewPreviewLogEvent(p.ProjectID, p.ID, stream, line))

		if listeningPattern.MatchString(line) {
			select {
			case p.probe <- struct{}{}:
			default:
			}
		}
	}
	if err := scanner.Err(); err != nil {
		m.logger.Debug("Preview output unreadable", "preview_id", p.ID, "stream", stream, "error", err)
		// Keep draining so the server never blocks on a full pipe
		_, _ = io.Copy(io.Discard, r)
	}
}

// probeLoop polls the port until it accepts a connection or the ready
// timeout expires.
func (m *Manager) probeLoop(ctx context.Context, p *Process) {
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()
	deadline := time.NewTimer(m.cfg.ReadyTimeout)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			m.timeout(p)
			return
		case <-ticker.C:
		case <-p.probe:
		}

		if err := m.dial(ctx, p.Port); err != nil {
			continue
		}

		p.mu.Lock()
		ready := p.status == StatusStarting && !p.stopping
		startup := time.Since(p.StartedAt)
		if ready {
			p.setStatusLocked(StatusRunning, "")
			m.hub.Publish(p.statusEventLocked())
			m.logger.Info("Preview ready",
				"preview_id", p.ID,
				"port", p.Port,
				"startup", startup.Round(time.Millisecond))
		}
		p.mu.Unlock()

		if ready && m.onReady != nil {
			m.onReady(startup)
		}
		return
	}
}

func (m *Manager) timeout(p *Process) {
	p.mu.Lock()
	if p.status != StatusStarting || p.stopping {
		p.mu.Unlock()
		return
	}
	err := domain.NewOpError("wait for preview", p.ID,
		fmt.Errorf("%w: port %d not accepting connections after %s", domain.ErrTimeout, p.Port, m.cfg.ReadyTimeout))
	p.setStatusLocked(StatusError, err.Error())
	m.hub.Publish(p.statusEventLocked())
	pid := p.cmd.Process.Pid
	p.mu.Unlock()

	m.logger.Warn("Preview did not become ready", "preview_id", p.ID, "port", p.Port, "timeout", m.cfg.ReadyTimeout)
	procutil.Stop(pid, p.done, m.cfg.StopGrace)
}

// waitLoop reaps the server, releases its port and records the outcome.
func (m *Manager) waitLoop(p *Process, sp environment.Spawner, readers *sync.WaitGroup, pipes []*os.File, cancelProbe context.CancelFunc) {
	err := p.cmd.Wait()
	code := procutil.ExitCode(err)
	cancelProbe()

	// Whatever the server left in its group would hold the port and the pipes
	pid := p.cmd.Process.Pid
	_ = procutil.KillGroup(pid)

	drained := make(chan struct{})
	go func() {
		readers.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(drainTimeout):
		m.logger.Debug("Preview output still open after exit", "preview_id", p.ID)
	}
	for _, f := range pipes {
		_ = f.Close()
	}
	<-drained

	sp.Untrack(pid)
	m.envs.ReleasePort(p.EnvironmentID, p.Port)

	p.mu.Lock()
	p.exitCode = &code
	switch {
	case !p.status.Live():
		// Already failed on the ready timeout
	case p.stopping:
		p.setStatusLocked(StatusStopped, "")
		m.hub.Publish(p.statusEventLocked())
	default:
		crash := domain.NewProcessError("preview", code, p.logs.Last(errorTailLines))
		p.setStatusLocked(StatusError, crash.Error())
		m.hub.Publish(p.statusEventLocked())
		m.logger.Warn("Preview exited unexpectedly", "preview_id", p.ID, "env_id", p.EnvironmentID, "code", code)
	}
	status := p.status
	p.mu.Unlock()

	close(p.done)
	m.logger.Info("Preview exited", "preview_id", p.ID, "status", status, "code", code)
}

// Stop terminates a preview: SIGTERM to its process group, then SIGKILL after
// the stop grace. The port is released either way.
func (m *Manager) Stop(ctx context.Context, previewID string) (*Info, error) {
	p, err := m.lookupID("stop preview", previewID)
	if err != nil {
		return nil, err
	}
	return m.stop(ctx, p)
}

// StopEnvironment stops the environment's preview.
func (m *Manager) StopEnvironment(ctx context.Context, envID string) (*Info, error) {
	p, err := m.lookupEnv("stop preview", envID)
	if err != nil {
		return nil, err
	}
	return m.stop(ctx, p)
}

func (m *Manager) stop(ctx context.Context, p *Process) (*Info, error) {
	p.mu.Lock()
	p.stopping = true
	pid := p.cmd.Process.Pid
	p.mu.Unlock()

	select {
	case <-p.done:
		return p.ToInfo(), nil
	default:
	}

	killed := make(chan bool, 1)
	go func() { killed <- procutil.Stop(pid, p.done, m.cfg.StopGrace) }()

	select {
	case k := <-killed:
		if k {
			m.logger.Warn("Preview killed after grace period", "preview_id", p.ID, "pid", pid)
		}
	case <-ctx.Done():
		return p.ToInfo(), domain.NewOpError("stop preview", p.ID, ctx.Err())
	}
	return p.ToInfo(), nil
}

// ShutdownEnvironment stops the environment's preview and forgets it. It is
// registered as an environment teardown hook.
func (m *Manager) ShutdownEnvironment(ctx context.Context, envID string) {
	m.mu.Lock()
	p, ok := m.byEnv[envID]
	if ok {
		delete(m.byEnv, envID)
		delete(m.byID, p.ID)
	}
	m.mu.Unlock()

	if ok {
		_, _ = m.stop(ctx, p)
	}
}

// Shutdown stops every live preview.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	live := make([]*Process, 0, len(m.byEnv))
	for _, p := range m.byEnv {
		if p.GetStatus().Live() {
			live = append(live, p)
		}
	}
	m.mu.Unlock()

	var g errgroup.Group
	for _, p := range live {
		g.Go(func() error {
			_, err := m.stop(ctx, p)
			return err
		})
	}
	_ = g.Wait()
}

// WaitReady blocks until the preview leaves starting or ctx ends.
func (m *Manager) WaitReady(ctx context.Context, previewID string) (*Info, error) {
	p, err := m.lookupID("wait for preview", previewID)
	if err != nil {
		return nil, err
	}
	select {
	case <-p.ready:
		return p.ToInfo(), nil
	case <-ctx.Done():
		return p.ToInfo(), domain.NewOpError("wait for preview", previewID, ctx.Err())
	}
}

// Get returns the environment's most recent preview.
func (m *Manager) Get(envID string) (*Info, error) {
	p, err := m.lookupEnv("get preview", envID)
	if err != nil {
		return nil, err
	}
	return p.ToInfo(), nil
}

// List returns snapshots of every known preview.
func (m *Manager) List() []*Info {
	m.mu.Lock()
	procs := make([]*Process, 0, len(m.byEnv))
	for _, p := range m.byEnv {
		procs = append(procs, p)
	}
	m.mu.Unlock()

	out := make([]*Info, 0, len(procs))
	for _, p := range procs {
		out = append(out, p.ToInfo())
	}
	return out
}

// Counts returns the number of previews per status.
func (m *Manager) Counts() map[Status]int {
	counts := make(map[Status]int)
	for _, info := range m.List() {
		counts[info.Status]++
	}
	return counts
}

func (m *Manager) lookupID(op, previewID string) (*Process, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.byID[previewID]
	if !ok {
		return nil, domain.NewOpError(op, previewID, domain.ErrNotFound)
	}
	return p, nil
}

func (m *Manager) lookupEnv(op, envID string) (*Process, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.byEnv[envID]
	if !ok {
		return nil, domain.NewOpError(op, envID, domain.ErrNotFound)
	}
	return p, nil
}
