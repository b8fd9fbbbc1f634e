//go:build !windows

package preview

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"testing"
	"time"

	shellquote "github.com/kballard/go-shellquote"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brianly1003/wsgate/internal/config"
	"github.com/brianly1003/wsgate/internal/domain"
	"github.com/brianly1003/wsgate/internal/domain/events"
	"github.com/brianly1003/wsgate/internal/environment"
	"github.com/brianly1003/wsgate/internal/procutil"
	"github.com/brianly1003/wsgate/internal/testutil"
)

// The test binary doubles as the preview server under test.
func TestMain(m *testing.M) {
	if len(os.Args) > 2 && os.Args[1] == "preview-helper" {
		os.Exit(runHelper(os.Args[2]))
	}
	os.Exit(m.Run())
}

func runHelper(mode string) int {
	switch mode {
	case "crash":
		fmt.Println("compiling assets")
		fmt.Fprintln(os.Stderr, "Error: cannot find module 'express'")
		return 1
	case "silent":
		fmt.Println("warming up")
		time.Sleep(time.Hour)
		return 0
	case "stubborn":
		signal.Ignore(syscall.SIGTERM)
	case "crash-later":
		return listenThenCrash()
	}

	l, err := net.Listen("tcp", "127.0.0.1:"+os.Getenv("PORT"))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	fmt.Printf("Server listening on port %s (HOST=%s)\n", os.Getenv("PORT"), os.Getenv("HOST"))
	for {
		conn, err := l.Accept()
		if err != nil {
			return 0
		}
		_ = conn.Close()
	}
}

// listenThenCrash serves until the readiness probe connects, then dies.
func listenThenCrash() int {
	l, err := net.Listen("tcp", "127.0.0.1:"+os.Getenv("PORT"))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	fmt.Printf("Server listening on port %s\n", os.Getenv("PORT"))
	conn, err := l.Accept()
	if err == nil {
		_ = conn.Close()
	}
	time.Sleep(300 * time.Millisecond)
	fmt.Fprintln(os.Stderr, "fatal: worker pool exhausted")
	return 3
}

func helperCommand(mode string) string {
	return shellquote.Join(os.Args[0], "preview-helper", mode)
}

type fakeSpawner struct {
	root string
}

func (s *fakeSpawner) EnvironmentID() string { return "env-1" }
func (s *fakeSpawner) ProjectID() string     { return "proj" }
func (s *fakeSpawner) Root() string          { return s.root }
func (s *fakeSpawner) Track(pid int)         {}
func (s *fakeSpawner) Untrack(pid int)       {}

func (s *fakeSpawner) Command(ctx context.Context, opts environment.CommandOptions) (*exec.Cmd, error) {
	cmd := exec.CommandContext(ctx, opts.Args[0], opts.Args[1:]...)
	cmd.Dir = s.root
	cmd.Env = append(os.Environ(), opts.Env...)
	procutil.SetProcessGroup(cmd)
	return cmd, nil
}

type fakeEnvs struct {
	mu       sync.Mutex
	root     string
	notReady bool
	inUse    map[int]bool
}

func (f *fakeEnvs) Acquire(envID string) (environment.Spawner, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.notReady {
		return nil, domain.NewOpError("acquire", envID, domain.ErrEnvironmentNotReady)
	}
	return &fakeSpawner{root: f.root}, nil
}

func (f *fakeEnvs) AcquirePort(envID string) (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	port := l.Addr().(*net.TCPAddr).Port
	_ = l.Close()

	f.mu.Lock()
	defer f.mu.Unlock()
	f.inUse[port] = true
	return port, nil
}

func (f *fakeEnvs) ReleasePort(envID string, port int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.inUse, port)
}

func (f *fakeEnvs) portsInUse() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.inUse)
}

func testPreviewConfig() config.PreviewConfig {
	return config.PreviewConfig{
		ReadyTimeout:              10 * time.Second,
		PollInterval:              50 * time.Millisecond,
		StopGrace:                 time.Second,
		LogTailLines:              50,
		MaxPreviewsPerEnvironment: 1,
	}
}

func newTestManager(t *testing.T, cfg config.PreviewConfig) (*Manager, *fakeEnvs, *testutil.MockEventHub) {
	t.Helper()
	envs := &fakeEnvs{root: t.TempDir(), inUse: make(map[int]bool)}
	hub := testutil.NewMockEventHub()
	m := NewManager(envs, hub, cfg, testutil.DiscardLogger())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		m.Shutdown(ctx)
	})
	return m, envs, hub
}

func waitDone(t *testing.T, m *Manager, id string) *Info {
	t.Helper()
	m.mu.Lock()
	p := m.byID[id]
	m.mu.Unlock()
	require.NotNil(t, p)

	select {
	case <-p.Done():
	case <-time.After(10 * time.Second):
		t.Fatalf("preview %s did not exit", id)
	}
	return p.ToInfo()
}

func statuses(hub *testutil.MockEventHub) []string {
	var out []string
	for _, e := range hub.EventsOfType(events.EventTypePreviewStatus) {
		out = append(out, e.Payload.(events.PreviewStatusPayload).Status)
	}
	return out
}

func TestManager_StartBecomesRunning(t *testing.T) {
	m, envs, hub := newTestManager(t, testPreviewConfig())
	ctx := context.Background()

	info, err := m.Start(ctx, "env-1", helperCommand("listen"))
	require.NoError(t, err)
	assert.Equal(t, StatusStarting, info.Status)
	assert.NotZero(t, info.Port)

	ready, err := m.WaitReady(ctx, info.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, ready.Status)

	again, err := m.Start(events.ContextWithRequestID(ctx, "r2"), "env-1", "ignored")
	require.NoError(t, err)
	assert.Equal(t, info.ID, again.ID, "Start should be idempotent while live")
	published := hub.EventsOfType(events.EventTypePreviewStatus)
	assert.Equal(t, "r2", published[len(published)-1].RequestID)

	conn, err := net.Dial("tcp", "127.0.0.1:"+strconv.Itoa(info.Port))
	require.NoError(t, err)
	_ = conn.Close()

	logs := hub.EventsOfType(events.EventTypePreviewLog)
	require.NotEmpty(t, logs)
	line := logs[0].Payload.(events.PreviewLogPayload)
	assert.Equal(t, "stdout", line.Stream)
	assert.Contains(t, line.Line, "HOST=0.0.0.0")

	stopped, err := m.Stop(ctx, info.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusStopped, stopped.Status)
	assert.Zero(t, envs.portsInUse())
	assert.Equal(t, []string{"starting", "running", "running", "stopped"}, statuses(hub))

	got, err := m.Get("env-1")
	require.NoError(t, err)
	assert.Equal(t, StatusStopped, got.Status)
}

func TestManager_ReadyObserver(t *testing.T) {
	observed := make(chan time.Duration, 1)
	envs := &fakeEnvs{root: t.TempDir(), inUse: make(map[int]bool)}
	m := NewManager(envs, testutil.NewMockEventHub(), testPreviewConfig(), testutil.DiscardLogger(),
		WithReadyObserver(func(d time.Duration) { observed <- d }))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		m.Shutdown(ctx)
	})

	_, err := m.Start(context.Background(), "env-1", helperCommand("listen"))
	require.NoError(t, err)

	select {
	case d := <-observed:
		assert.Positive(t, d)
	case <-time.After(10 * time.Second):
		t.Fatal("ready observer not called")
	}
}

func TestManager_CrashWhileStarting(t *testing.T) {
	m, envs, hub := newTestManager(t, testPreviewConfig())

	info, err := m.Start(context.Background(), "env-1", helperCommand("crash"))
	require.NoError(t, err)

	final := waitDone(t, m, info.ID)
	assert.Equal(t, StatusError, final.Status)
	require.NotNil(t, final.ExitCode)
	assert.Equal(t, 1, *final.ExitCode)
	assert.Contains(t, final.Error, domain.ErrProcessCrashed.Error())
	assert.Contains(t, final.LogTail, "Error: cannot find module 'express'")
	assert.Zero(t, envs.portsInUse())

	published := hub.EventsOfType(events.EventTypePreviewStatus)
	last := published[len(published)-1].Payload.(events.PreviewStatusPayload)
	assert.Equal(t, "error", last.Status)
	assert.NotEmpty(t, last.LogTail, "error status should carry the log tail")

	// A failed preview can be started again
	next, err := m.Start(context.Background(), "env-1", helperCommand("listen"))
	require.NoError(t, err)
	assert.NotEqual(t, info.ID, next.ID)
	_, err = m.WaitReady(context.Background(), info.ID)
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestManager_CrashWhileRunning(t *testing.T) {
	m, envs, hub := newTestManager(t, testPreviewConfig())
	ctx := context.Background()

	info, err := m.Start(ctx, "env-1", helperCommand("crash-later"))
	require.NoError(t, err)
	ready, err := m.WaitReady(ctx, info.ID)
	require.NoError(t, err)
	require.Equal(t, StatusRunning, ready.Status)

	final := waitDone(t, m, info.ID)
	assert.Equal(t, StatusError, final.Status)
	require.NotNil(t, final.ExitCode)
	assert.Equal(t, 3, *final.ExitCode)
	assert.Contains(t, final.Error, domain.ErrProcessCrashed.Error())
	assert.Contains(t, final.LogTail, "fatal: worker pool exhausted")
	assert.Zero(t, envs.portsInUse())

	published := hub.EventsOfType(events.EventTypePreviewStatus)
	last := published[len(published)-1].Payload.(events.PreviewStatusPayload)
	assert.NotEmpty(t, last.LogTail)

	// Not restarted
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, []string{"starting", "running", "error"}, statuses(hub))
	got, err := m.Get("env-1")
	require.NoError(t, err)
	assert.Equal(t, info.ID, got.ID)
	assert.Equal(t, StatusError, got.Status)
}

func TestManager_ExitWithBackgroundChild(t *testing.T) {
	m, envs, _ := newTestManager(t, testPreviewConfig())

	// The child keeps both output pipes open after the shell exits
	start := time.Now()
	info, err := m.Start(context.Background(), "env-1", "echo boom; sleep 30 & exit 1")
	require.NoError(t, err)

	final := waitDone(t, m, info.ID)
	assert.Less(t, time.Since(start), testPreviewConfig().ReadyTimeout)
	assert.Equal(t, StatusError, final.Status)
	require.NotNil(t, final.ExitCode)
	assert.Equal(t, 1, *final.ExitCode)
	assert.Contains(t, final.Error, domain.ErrProcessCrashed.Error())
	assert.Contains(t, final.LogTail, "boom")
	assert.Zero(t, envs.portsInUse())
}

func TestManager_ReadyTimeout(t *testing.T) {
	cfg := testPreviewConfig()
	cfg.ReadyTimeout = 300 * time.Millisecond
	m, envs, _ := newTestManager(t, cfg)

	info, err := m.Start(context.Background(), "env-1", helperCommand("silent"))
	require.NoError(t, err)

	final := waitDone(t, m, info.ID)
	assert.Equal(t, StatusError, final.Status)
	assert.Contains(t, final.Error, domain.ErrTimeout.Error())
	assert.Contains(t, final.LogTail, "warming up")
	assert.Zero(t, envs.portsInUse())
}

func TestManager_StopForceKills(t *testing.T) {
	cfg := testPreviewConfig()
	cfg.StopGrace = 200 * time.Millisecond
	m, envs, _ := newTestManager(t, cfg)
	ctx := context.Background()

	info, err := m.Start(ctx, "env-1", helperCommand("stubborn"))
	require.NoError(t, err)
	_, err = m.WaitReady(ctx, info.ID)
	require.NoError(t, err)

	start := time.Now()
	stopped, err := m.StopEnvironment(ctx, "env-1")
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, StatusStopped, stopped.Status)
	assert.Zero(t, envs.portsInUse())
}

func TestManager_StartErrors(t *testing.T) {
	m, envs, _ := newTestManager(t, testPreviewConfig())
	ctx := context.Background()

	_, err := m.Start(ctx, "env-1", "")
	assert.True(t, errors.Is(err, domain.ErrNoRunCommand), "got %v", err)
	assert.Zero(t, envs.portsInUse(), "port must be returned on failure")

	envs.notReady = true
	_, err = m.Start(ctx, "env-1", "npm start")
	assert.True(t, errors.Is(err, domain.ErrEnvironmentNotReady), "got %v", err)
	envs.notReady = false

	_, err = m.Start(ctx, "env-1", `node "unterminated`)
	var verr *domain.ValidationError
	assert.True(t, errors.As(err, &verr), "got %v", err)
	assert.Zero(t, envs.portsInUse())

	_, err = m.Get("env-1")
	assert.True(t, errors.Is(err, domain.ErrNotFound))
	_, err = m.Stop(ctx, "missing")
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestManager_ShutdownEnvironmentForgets(t *testing.T) {
	m, envs, _ := newTestManager(t, testPreviewConfig())
	ctx := context.Background()

	info, err := m.Start(ctx, "env-1", helperCommand("listen"))
	require.NoError(t, err)

	m.ShutdownEnvironment(ctx, "env-1")

	_, err = m.WaitReady(context.Background(), info.ID)
	assert.True(t, errors.Is(err, domain.ErrNotFound))
	assert.Empty(t, m.List())
	assert.Zero(t, envs.portsInUse())
}

func TestListeningPattern(t *testing.T) {
	for _, line := range []string{
		"Server listening on port 3000",
		"  ➜  Local:   http://localhost:5173/",
		" * Running on http://127.0.0.1:5000",
		"Starting development server at http://0.0.0.0:8000/ ... now listening",
		"ready in 412 ms",
	} {
		assert.True(t, listeningPattern.MatchString(line), line)
	}
	assert.False(t, listeningPattern.MatchString("compiling 120 modules"))
}
