package events

// FileChangeType represents the type of file change.
type FileChangeType string

const (
	FileChangeCreated  FileChangeType = "created"
	FileChangeModified FileChangeType = "modified"
	FileChangeDeleted  FileChangeType = "deleted"
	FileChangeRenamed  FileChangeType = "renamed"
)

// FileChangedPayload is the payload for fs.changed events.
type FileChangedPayload struct {
	Path    string         `json:"path"`
	Change  FileChangeType `json:"change"`
	Size    int64          `json:"size,omitempty"`
	OldPath string         `json:"oldPath,omitempty"`
}

// NewFileChangedEvent creates a new fs.changed event.
func NewFileChangedEvent(projectID, path string, change FileChangeType, size int64) *BaseEvent {
	return NewProjectEvent(EventTypeFileChanged, projectID, FileChangedPayload{
		Path:   path,
		Change: change,
		Size:   size,
	})
}

// NewFileRenamedEvent creates a new fs.changed event for renamed files.
func NewFileRenamedEvent(projectID, oldPath, newPath string) *BaseEvent {
	return NewProjectEvent(EventTypeFileChanged, projectID, FileChangedPayload{
		Path:    newPath,
		Change:  FileChangeRenamed,
		OldPath: oldPath,
	})
}
