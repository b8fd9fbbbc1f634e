package ports

import (
	"context"
	"time"
)

// Document is the authoritative content of a collaboratively edited file.
type Document struct {
	ProjectID   string
	FileID      string
	Content     string
	Version     int64
	ContentHash uint64
	UpdatedAt   time.Time
}

// DocumentStore persists documents with optimistic versioning.
type DocumentStore interface {
	// Load returns the stored document or domain.ErrNotFound.
	Load(ctx context.Context, projectID, fileID string) (*Document, error)

	// Save writes doc if the stored version still equals prevVersion. A
	// prevVersion of 0 means the document must not exist yet. A lost race
	// returns domain.ErrVersionConflict.
	Save(ctx context.Context, doc *Document, prevVersion int64) error

	// List returns the project's documents without their content.
	List(ctx context.Context, projectID string) ([]Document, error)

	// Delete removes a document. Missing documents are not an error.
	Delete(ctx context.Context, projectID, fileID string) error

	// Ping checks the backing database.
	Ping(ctx context.Context) error

	// Close releases the connection.
	Close() error
}
