package store

import (
	"context"
	"fmt"

	"github.com/brianly1003/wsgate/internal/config"
	"github.com/brianly1003/wsgate/internal/domain/ports"
)

// Document aliases the port type for brevity inside this package.
type Document = ports.Document

// Open returns the document store selected by cfg.Store.
func Open(ctx context.Context, cfg config.CollabConfig) (ports.DocumentStore, error) {
	switch cfg.Store {
	case config.StoreSQLite:
		return OpenSQLite(ctx, cfg.SQLitePath)
	case config.StorePostgres:
		return OpenPostgres(ctx, cfg.PostgresDSN)
	default:
		return nil, fmt.Errorf("unknown document store %q", cfg.Store)
	}
}
