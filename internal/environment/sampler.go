package environment

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"
)

// errRuntimeGone is returned by a probe when the runtime reports the
// environment no longer exists.
var errRuntimeGone = errors.New("environment runtime exited")

// probeAttempts bounds retries of transient probe errors.
const probeAttempts = 3

// sampleLoop refreshes usage of running environments.
func (m *Manager) sampleLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.SampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.SampleAll(m.ctx)
		}
	}
}

// SampleAll samples every running environment once.
func (m *Manager) SampleAll(ctx context.Context) {
	var running []*Environment
	m.mu.RLock()
	for _, env := range m.envs {
		if env.GetState() == StateRunning {
			running = append(running, env)
		}
	}
	m.mu.RUnlock()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, env := range running {
		g.Go(func() error {
			m.sample(gctx, env)
			return nil
		})
	}
	_ = g.Wait()
}

// sample probes one environment. Transient errors are retried and then
// dropped; a vanished runtime fails the environment.
func (m *Manager) sample(ctx context.Context, env *Environment) {
	env.mu.RLock()
	handle := env.handle
	env.mu.RUnlock()
	if handle == nil {
		return
	}

	var usage Usage
	probe := func() error {
		alive, err := handle.Alive(ctx)
		if err != nil {
			return err
		}
		if !alive {
			return backoff.Permanent(errRuntimeGone)
		}
		u, err := handle.Usage(ctx)
		if err != nil {
			return err
		}
		usage = u
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxElapsedTime = m.cfg.SampleInterval

	err := backoff.Retry(probe, backoff.WithContext(backoff.WithMaxRetries(b, probeAttempts-1), ctx))
	switch {
	case errors.Is(err, errRuntimeGone):
		m.failEnvironment(env, errRuntimeGone.Error())
		return
	case err != nil:
		m.logger.Debug("Usage probe failed", "env_id", env.ID, "error", err)
		return
	}

	env.mu.Lock()
	defer env.mu.Unlock()
	if env.state != StateRunning {
		return
	}
	env.usage = usage
	m.hub.Publish(env.statusEvent())
}
