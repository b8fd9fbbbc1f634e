// Package app wires the gateway's components together and runs them.
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/brianly1003/wsgate/internal/adapters/store"
	"github.com/brianly1003/wsgate/internal/adapters/watcher"
	"github.com/brianly1003/wsgate/internal/collab"
	"github.com/brianly1003/wsgate/internal/config"
	"github.com/brianly1003/wsgate/internal/domain/events"
	"github.com/brianly1003/wsgate/internal/domain/ports"
	"github.com/brianly1003/wsgate/internal/environment"
	"github.com/brianly1003/wsgate/internal/execution"
	"github.com/brianly1003/wsgate/internal/gateway"
	"github.com/brianly1003/wsgate/internal/hub"
	"github.com/brianly1003/wsgate/internal/metrics"
	"github.com/brianly1003/wsgate/internal/preview"
	"github.com/brianly1003/wsgate/internal/security"
	httpserver "github.com/brianly1003/wsgate/internal/server/http"
	"github.com/brianly1003/wsgate/internal/server/http/middleware"
	"github.com/brianly1003/wsgate/internal/sync"
	"github.com/brianly1003/wsgate/internal/terminal"
)

const (
	shutdownTimeout       = 30 * time.Second
	externalChangeTimeout = 5 * time.Second
)

// App owns every component of a running server.
type App struct {
	cfg     *config.Config
	version string
	logger  *slog.Logger

	hub      *hub.Hub
	runtime  environment.Runtime
	docs     ports.DocumentStore
	envs     *environment.Manager
	terms    *terminal.Manager
	previews *preview.Manager
	collab   *collab.Manager
	watchers *watcher.Set
	exec     *execution.Runner
	metrics  *metrics.Metrics
	gateway  *gateway.Gateway
	limiter  middleware.Limiter
	http     *httpserver.Server

	// Lifetime of background work started by hooks
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	built   bool
	running bool
}

// New creates an App. Components are built on Start.
func New(cfg *config.Config, version string, logger *slog.Logger) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &App{
		cfg:     cfg,
		version: version,
		logger:  logger,
	}, nil
}

// Start builds and starts every component, then blocks until ctx is
// cancelled and shuts down.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("application is already running")
	}
	a.running = true
	a.mu.Unlock()

	if err := a.build(ctx); err != nil {
		a.shutdown()
		return err
	}
	if err := a.http.Start(); err != nil {
		a.shutdown()
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	log.Info().
		Str("version", a.version).
		Str("runtime", a.runtime.Name()).
		Str("addr", fmt.Sprintf("%s:%d", a.cfg.Server.Host, a.cfg.Server.Port)).
		Msg("wsgate ready")

	<-ctx.Done()
	return a.shutdown()
}

// build creates the components bottom-up and starts the background ones.
func (a *App) build(ctx context.Context) error {
	a.ctx, a.cancel = context.WithCancel(context.Background())

	rt, err := newRuntime(a.cfg.Environment)
	if err != nil {
		return fmt.Errorf("failed to create %s runtime: %w", a.cfg.Environment.Runtime, err)
	}
	a.runtime = rt

	// The gauges read live counts, so the metrics can exist before the
	// components they observe.
	a.metrics = metrics.New(metrics.Sources{
		Environments: func() map[string]int {
			out := make(map[string]int)
			for state, n := range a.envs.Counts() {
				out[string(state)] = n
			}
			return out
		},
		Previews: func() map[string]int {
			out := make(map[string]int)
			for status, n := range a.previews.Counts() {
				out[string(status)] = n
			}
			return out
		},
		PTYSessions: func() int { return a.terms.Count() },
		Connections: func() int { return a.gateway.Count() },
		OpenFiles:   func() int { return a.collab.ActiveFiles() },
	})

	a.hub = hub.New()
	a.hub.OnEvict(func(id string, err error) {
		a.metrics.SubscriberEvicted()
		log.Debug().Err(err).Str("subscriber_id", id).Msg("hub subscriber evicted")
	})
	if err := a.hub.Start(); err != nil {
		return fmt.Errorf("failed to start event hub: %w", err)
	}
	a.hub.Subscribe(hub.NewLogSubscriber("internal-logger", func(event events.Event) {
		log.Trace().
			Str("event_type", string(event.Type())).
			Time("timestamp", event.Timestamp()).
			Msg("event broadcast")
	}))

	a.docs, err = store.Open(ctx, a.cfg.Collab)
	if err != nil {
		return fmt.Errorf("failed to open document store: %w", err)
	}

	a.envs = environment.NewManager(rt, a.hub, a.cfg.Environment, a.cfg.Terminal.MaxSessionsPerEnvironment,
		a.logger.With("component", "environment"),
		environment.WithCreateObserver(a.metrics.ObserveEnvironmentCreate))
	a.terms = terminal.NewManager(a.envs, a.hub, a.cfg.Terminal, a.logger.With("component", "terminal"))
	a.previews = preview.NewManager(a.envs, a.hub, a.cfg.Preview, a.logger.With("component", "preview"),
		preview.WithReadyObserver(a.metrics.ObservePreviewReady))
	files := collab.NewDiskFiles(a.envs, a.cfg.Collab.MaxDocumentBytes)
	a.collab = collab.NewManager(a.docs, files, a.hub, a.cfg.Collab, a.logger.With("component", "collab"))
	a.exec = execution.NewRunner(a.envs, a.cfg.Exec, a.logger.With("component", "exec"))

	a.envs.OnTeardown(a.terms.ShutdownEnvironment)
	a.envs.OnTeardown(a.previews.ShutdownEnvironment)
	if a.cfg.Watcher.Enabled {
		a.watchers = watcher.NewSet(a.hub, a.cfg.Watcher, a.onFileChange, collab.TempPrefix+"*")
		a.envs.OnReady(a.watch)
		a.envs.OnTeardown(func(_ context.Context, envID string) {
			a.watchers.Unwatch(envID)
		})
	}
	if err := a.envs.Start(); err != nil {
		return fmt.Errorf("failed to start environment manager: %w", err)
	}

	origins := security.NewOriginChecker(a.cfg.Server.AllowedOrigins)
	clientIP, err := security.NewClientIPResolver(a.cfg.Server.TrustedProxies)
	if err != nil {
		return fmt.Errorf("invalid trusted proxies: %w", err)
	}

	a.gateway = gateway.New(gateway.Deps{
		Hub:          a.hub,
		Environments: a.envs,
		Terminals:    a.terms,
		Previews:     a.previews,
		Collab:       a.collab,
		Observer:     a.metrics,
	}, a.cfg.Gateway, a.cfg.Terminal, origins)

	deps := httpserver.Deps{
		Environments: a.envs,
		Executor:     a.exec,
		Gateway:      a.gateway,
		Previews:     a.previews,
		Documents:    a.collab,
		PTYSessions:  a.terms.Count,
		PreviewCount: a.previews.Counts,
		PortsInUse:   a.envs.PortsInUse,
		Metrics:      a.metrics.Handler(),
		Observer:     a.metrics,
		ClientIP:     clientIP,
		Version:      a.version,
	}
	if a.limiter = newLimiter(ctx, a.cfg.RateLimit); a.limiter != nil {
		deps.Limiter = a.limiter
	}
	a.http = httpserver.New(a.cfg.Server, deps)

	a.mu.Lock()
	a.built = true
	a.mu.Unlock()
	return nil
}

// Handler returns the HTTP handler, or nil before the app is built.
func (a *App) Handler() http.Handler {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.built {
		return nil
	}
	return a.http.Handler()
}

// newRuntime selects the environment runtime.
func newRuntime(cfg config.EnvironmentConfig) (environment.Runtime, error) {
	if cfg.Runtime == config.RuntimeDocker {
		rt, err := environment.NewDockerRuntime(cfg.Docker)
		if err != nil {
			return nil, err
		}
		return rt, nil
	}
	rt, err := environment.NewProcessRuntime(cfg.Sandbox)
	if err != nil {
		return nil, err
	}
	return rt, nil
}

// newLimiter returns the admin rate limiter, or nil when disabled. An
// unreachable Redis falls back to in-memory limits.
func newLimiter(ctx context.Context, cfg config.RateLimitConfig) middleware.Limiter {
	if !cfg.Enabled {
		return nil
	}
	if cfg.RedisAddr != "" {
		l, err := middleware.NewRedisLimiter(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.RequestsPerMinute, time.Minute)
		if err == nil {
			log.Info().Str("addr", cfg.RedisAddr).Msg("rate limits shared through redis")
			return l
		}
		log.Warn().Err(err).Msg("redis unavailable, keeping rate limits in memory")
	}
	return middleware.NewMemoryLimiter(
		middleware.WithRequestsPerMinute(cfg.RequestsPerMinute),
		middleware.WithBurst(cfg.Burst),
	)
}

// watch starts the file watcher of a freshly running environment.
func (a *App) watch(info *environment.Info) {
	if err := a.watchers.Watch(a.ctx, info.ProjectID, info.ID, info.Root); err != nil {
		log.Warn().
			Err(err).
			Str("project_id", info.ProjectID).
			Str("env_id", info.ID).
			Msg("failed to watch environment")
	}
}

// onFileChange feeds a debounced change to the autocomplete index and to
// the collaborative document of the file.
func (a *App) onFileChange(c watcher.Change) {
	removed := c.Type == events.FileChangeDeleted
	a.terms.FileChanged(c.EnvID, c.Path, c.IsDir, removed)
	if c.Type == events.FileChangeRenamed && c.OldPath != "" {
		a.terms.FileChanged(c.EnvID, c.OldPath, c.IsDir, true)
	}
	if c.IsDir || removed {
		return
	}

	ctx, cancel := context.WithTimeout(a.ctx, externalChangeTimeout)
	defer cancel()
	if err := a.collab.ExternalChange(ctx, c.ProjectID, c.Path); err != nil {
		log.Debug().
			Err(err).
			Str("project_id", c.ProjectID).
			Str("path", c.Path).
			Msg("external change not applied")
	}
}

// shutdown stops components in reverse dependency order.
func (a *App) shutdown() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.running {
		return nil
	}
	a.running = false

	log.Info().Msg("shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var firstErr error
	record := func(what string, err error) {
		if err == nil {
			return
		}
		log.Error().Err(err).Msgf("error stopping %s", what)
		if firstErr == nil {
			firstErr = err
		}
	}

	if a.http != nil {
		record("HTTP server", a.http.Stop(ctx))
	}
	if a.gateway != nil {
		record("gateway", a.gateway.Close(ctx))
	}
	if a.envs != nil {
		record("environments", a.envs.Shutdown(ctx))
	}
	if a.previews != nil {
		a.previews.Shutdown(ctx)
	}
	if a.watchers != nil {
		a.watchers.Close()
	}
	if a.cancel != nil {
		a.cancel()
	}
	if a.hub != nil && a.hub.IsRunning() {
		record("event hub", a.hub.Stop())
	}
	if a.docs != nil {
		record("document store", a.docs.Close())
	}
	if a.limiter != nil {
		record("rate limiter", a.limiter.Close())
	}
	if c, ok := a.runtime.(io.Closer); ok {
		record("runtime", c.Close())
	}
	a.built = false

	log.Info().Msg("shutdown complete")
	return firstErr
}
