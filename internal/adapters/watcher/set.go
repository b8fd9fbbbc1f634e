package watcher

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/brianly1003/wsgate/internal/config"
	"github.com/brianly1003/wsgate/internal/domain/ports"
)

// Set runs one Watcher per running environment.
type Set struct {
	hub      ports.EventHub
	debounce time.Duration
	patterns []string
	handler  Handler

	watchers map[string]*Watcher // keyed by environment ID
	mu       sync.Mutex
}

// NewSet creates an empty set. extraPatterns are ignored in addition to the
// configured ones.
func NewSet(hub ports.EventHub, cfg config.WatcherConfig, handler Handler, extraPatterns ...string) *Set {
	patterns := append([]string(nil), cfg.IgnorePatterns...)
	patterns = append(patterns, extraPatterns...)
	return &Set{
		hub:      hub,
		debounce: time.Duration(cfg.DebounceMS) * time.Millisecond,
		patterns: patterns,
		handler:  handler,
		watchers: make(map[string]*Watcher),
	}
}

// Watch starts watching an environment root. Watching an environment twice
// is a no-op.
func (s *Set) Watch(ctx context.Context, projectID, envID, root string) error {
	s.mu.Lock()
	if _, ok := s.watchers[envID]; ok {
		s.mu.Unlock()
		return nil
	}
	w := NewWatcher(projectID, envID, root, s.hub, s.debounce, s.patterns, s.handler)
	s.watchers[envID] = w
	s.mu.Unlock()

	if err := w.Start(ctx); err != nil {
		s.mu.Lock()
		delete(s.watchers, envID)
		s.mu.Unlock()
		return err
	}
	return nil
}

// Unwatch stops the environment's watcher, if any.
func (s *Set) Unwatch(envID string) {
	s.mu.Lock()
	w, ok := s.watchers[envID]
	delete(s.watchers, envID)
	s.mu.Unlock()

	if ok {
		if err := w.Stop(); err != nil {
			log.Debug().Err(err).Str("env_id", envID).Msg("watcher close failed")
		}
	}
}

// Len returns the number of active watchers.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.watchers)
}

// Close stops every watcher.
func (s *Set) Close() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.watchers))
	for id := range s.watchers {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		s.Unwatch(id)
	}
}
