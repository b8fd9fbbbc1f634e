package ports

import "context"

// FileWatcher defines the contract for file system monitoring of an
// environment root.
type FileWatcher interface {
	// Start begins watching the root directory.
	Start(ctx context.Context) error

	// Stop terminates file watching.
	Stop() error

	// AddIgnorePattern adds a pattern to the ignore list.
	AddIgnorePattern(pattern string)

	// IsRunning returns true if the watcher is active.
	IsRunning() bool
}

// FileChangeHandler receives debounced changes, with paths relative to the
// watched root.
type FileChangeHandler interface {
	HandleFileChange(projectID, relPath string, removed bool)
}
