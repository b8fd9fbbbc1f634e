package watcher

import (
	"sync"
	"time"

	"github.com/brianly1003/wsgate/internal/domain/events"
)

// pendingChange is a change waiting out the debounce window.
type pendingChange struct {
	change events.FileChangeType
	isDir  bool
	timer  *time.Timer
}

// Debouncer coalesces rapid changes to the same path into one callback.
type Debouncer struct {
	window   time.Duration
	callback func(path string, change events.FileChangeType, isDir bool)

	mu      sync.Mutex
	pending map[string]*pendingChange
	stopped bool
}

// NewDebouncer creates a new debouncer with the given window and callback.
func NewDebouncer(window time.Duration, callback func(path string, change events.FileChangeType, isDir bool)) *Debouncer {
	return &Debouncer{
		window:   window,
		callback: callback,
		pending:  make(map[string]*pendingChange),
	}
}

// Add queues a change, restarting the path's window.
func (d *Debouncer) Add(path string, change events.FileChangeType, isDir bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}

	if p, ok := d.pending[path]; ok {
		p.timer.Stop()
		p.change = mergeChangeTypes(p.change, change)
		p.isDir = p.isDir || isDir
		p.timer = time.AfterFunc(d.window, func() { d.fire(path) })
		return
	}

	d.pending[path] = &pendingChange{
		change: change,
		isDir:  isDir,
		timer:  time.AfterFunc(d.window, func() { d.fire(path) }),
	}
}

func (d *Debouncer) fire(path string) {
	d.mu.Lock()
	p, ok := d.pending[path]
	if !ok || d.stopped {
		d.mu.Unlock()
		return
	}
	delete(d.pending, path)
	d.mu.Unlock()

	if d.callback != nil {
		d.callback(path, p.change, p.isDir)
	}
}

// Pending returns the number of paths waiting to fire.
func (d *Debouncer) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Stop drops all pending changes.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stopped = true
	for _, p := range d.pending {
		p.timer.Stop()
	}
	d.pending = make(map[string]*pendingChange)
}

// mergeChangeTypes combines two changes to one path. A delete wins, and a
// path created inside the window stays created.
func mergeChangeTypes(existing, next events.FileChangeType) events.FileChangeType {
	if next == events.FileChangeDeleted {
		return events.FileChangeDeleted
	}
	if existing == events.FileChangeCreated {
		return events.FileChangeCreated
	}
	if existing == events.FileChangeDeleted && next == events.FileChangeCreated {
		// Deleted and recreated: editors saving via rename do this
		return events.FileChangeModified
	}
	return next
}
