// Package watcher reports filesystem changes under environment roots using
// fsnotify.
package watcher

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"

	"github.com/brianly1003/wsgate/internal/domain/events"
	"github.com/brianly1003/wsgate/internal/domain/ports"
)

// renameWindow is how long a rename waits for the matching create before it
// is reported as a delete.
const renameWindow = time.Second

// Change is a debounced change under an environment root.
type Change struct {
	ProjectID string
	EnvID     string
	Path      string // slash-separated, relative to the root
	OldPath   string // set for renames
	Type      events.FileChangeType
	IsDir     bool
	Size      int64
}

// Handler receives every change after fs.changed is published.
type Handler func(Change)

// pendingRename tracks a path renamed away whose new name is not known yet.
type pendingRename struct {
	oldPath   string
	isDir     bool
	timestamp time.Time
}

// Watcher watches one environment root recursively.
type Watcher struct {
	projectID string
	envID     string
	rootPath  string
	hub       ports.EventHub
	window    time.Duration
	handler   Handler

	mu             sync.RWMutex
	watcher        *fsnotify.Watcher
	ignorePatterns []string
	running        bool
	cancel         context.CancelFunc
	done           chan struct{}

	debouncer *Debouncer

	// directory -> path renamed away from it
	pendingRenames   map[string]pendingRename
	pendingRenamesMu sync.Mutex
}

// NewWatcher creates a watcher for an environment root. handler may be nil.
func NewWatcher(projectID, envID, rootPath string, hub ports.EventHub, debounce time.Duration, ignorePatterns []string, handler Handler) *Watcher {
	return &Watcher{
		projectID:      projectID,
		envID:          envID,
		rootPath:       rootPath,
		hub:            hub,
		window:         debounce,
		handler:        handler,
		ignorePatterns: append([]string(nil), ignorePatterns...),
		pendingRenames: make(map[string]pendingRename),
	}
}

// Start begins watching the root directory.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		w.mu.Unlock()
		return err
	}
	w.watcher = fw

	watchCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	w.debouncer = NewDebouncer(w.window, w.handleDebounced)
	w.running = true
	w.mu.Unlock()

	if err := w.addWatchRecursive(w.rootPath); err != nil {
		w.mu.Lock()
		w.running = false
		w.watcher = nil
		w.mu.Unlock()
		cancel()
		_ = fw.Close()
		return err
	}

	go w.eventLoop(watchCtx, fw)
	go w.pendingRenameCleanup(watchCtx)

	log.Info().
		Str("project_id", w.projectID).
		Str("env_id", w.envID).
		Str("path", w.rootPath).
		Dur("debounce", w.window).
		Msg("file watcher started")

	return nil
}

// Stop terminates watching and drops pending changes.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	w.cancel()
	w.debouncer.Stop()
	fw := w.watcher
	w.watcher = nil
	done := w.done
	w.mu.Unlock()

	err := fw.Close()
	<-done
	log.Info().Str("env_id", w.envID).Msg("file watcher stopped")
	return err
}

// IsRunning returns true if the watcher is active.
func (w *Watcher) IsRunning() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.running
}

func (w *Watcher) add(path string) error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.watcher == nil {
		return nil
	}
	return w.watcher.Add(path)
}

// addWatchRecursive watches a directory and every subdirectory not ignored.
func (w *Watcher) addWatchRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && w.shouldIgnore(w.rel(path)) {
			return filepath.SkipDir
		}
		if err := w.add(path); err != nil {
			log.Warn().Err(err).Str("path", path).Msg("failed to add watch")
		}
		return nil
	})
}

func (w *Watcher) eventLoop(ctx context.Context, fw *fsnotify.Watcher) {
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-fw.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Str("env_id", w.envID).Msg("watcher error")
		}
	}
}

// pendingRenameCleanup reports renames that never saw a matching create as
// deletions; on macOS a delete often arrives as a lone rename.
func (w *Watcher) pendingRenameCleanup(ctx context.Context) {
	ticker := time.NewTicker(renameWindow / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.processStalePendingRenames(time.Now())
		}
	}
}

func (w *Watcher) processStalePendingRenames(now time.Time) {
	w.pendingRenamesMu.Lock()
	var stale []pendingRename
	for dir, pending := range w.pendingRenames {
		if now.Sub(pending.timestamp) > renameWindow {
			delete(w.pendingRenames, dir)
			stale = append(stale, pending)
		}
	}
	w.pendingRenamesMu.Unlock()

	for _, pending := range stale {
		log.Debug().Str("path", pending.oldPath).Msg("stale pending rename treated as deletion")
		w.emit(Change{Path: pending.oldPath, Type: events.FileChangeDeleted, IsDir: pending.isDir})
	}
}

func (w *Watcher) rel(path string) string {
	rel, err := filepath.Rel(w.rootPath, path)
	if err != nil {
		return filepath.ToSlash(path)
	}
	return filepath.ToSlash(rel)
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	relPath := w.rel(event.Name)
	if relPath == "." || w.shouldIgnore(relPath) {
		return
	}

	var change events.FileChangeType
	isDir := false
	switch {
	case event.Has(fsnotify.Create):
		change = events.FileChangeCreated
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			isDir = true
			_ = w.addWatchRecursive(event.Name)
		}
	case event.Has(fsnotify.Write):
		change = events.FileChangeModified
	case event.Has(fsnotify.Remove):
		change = events.FileChangeDeleted
	case event.Has(fsnotify.Rename):
		// Matched with a create in the same directory once it arrives
		dir := filepath.ToSlash(filepath.Dir(relPath))
		w.pendingRenamesMu.Lock()
		w.pendingRenames[dir] = pendingRename{oldPath: relPath, timestamp: time.Now()}
		w.pendingRenamesMu.Unlock()
		return
	default:
		return
	}

	w.mu.RLock()
	d := w.debouncer
	w.mu.RUnlock()
	if d != nil {
		d.Add(relPath, change, isDir)
	}
}

// handleDebounced runs once a path's debounce window expires.
func (w *Watcher) handleDebounced(path string, change events.FileChangeType, isDir bool) {
	var size int64
	if change != events.FileChangeDeleted {
		if info, err := os.Stat(filepath.Join(w.rootPath, filepath.FromSlash(path))); err == nil {
			size = info.Size()
			isDir = info.IsDir()
		}
	}

	if change == events.FileChangeCreated {
		dir := filepath.ToSlash(filepath.Dir(path))
		w.pendingRenamesMu.Lock()
		pending, ok := w.pendingRenames[dir]
		if ok {
			delete(w.pendingRenames, dir)
		}
		w.pendingRenamesMu.Unlock()

		if ok && time.Since(pending.timestamp) < renameWindow {
			w.emit(Change{Path: path, OldPath: pending.oldPath, Type: events.FileChangeRenamed, IsDir: isDir, Size: size})
			return
		}
	}

	w.emit(Change{Path: path, Type: change, IsDir: isDir, Size: size})
}

// emit publishes fs.changed and hands the change to the handler.
func (w *Watcher) emit(c Change) {
	c.ProjectID = w.projectID
	c.EnvID = w.envID

	if c.Type == events.FileChangeRenamed {
		w.hub.Publish(events.NewFileRenamedEvent(w.projectID, c.OldPath, c.Path))
	} else {
		w.hub.Publish(events.NewFileChangedEvent(w.projectID, c.Path, c.Type, c.Size))
	}

	log.Debug().
		Str("env_id", w.envID).
		Str("path", c.Path).
		Str("change", string(c.Type)).
		Int64("size", c.Size).
		Msg("file changed")

	if w.handler != nil {
		w.handler(c)
	}
}

// shouldIgnore reports whether any component of a relative path matches an
// ignore pattern.
func (w *Watcher) shouldIgnore(rel string) bool {
	for _, part := range splitPath(rel) {
		for _, pattern := range w.ignorePatterns {
			if matched, _ := filepath.Match(pattern, part); matched {
				return true
			}
		}
	}
	return false
}

// splitPath splits a slash-separated path into its components.
func splitPath(path string) []string {
	var parts []string
	start := 0
	for i := 0; i <= len(path); i++ {
		if i == len(path) || path[i] == '/' {
			if i > start {
				parts = append(parts, path[start:i])
			}
			start = i + 1
		}
	}
	return parts
}
