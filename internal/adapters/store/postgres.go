package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog/log"

	"github.com/brianly1003/wsgate/internal/domain"
	"github.com/brianly1003/wsgate/internal/domain/ports"
)

// PostgresStore implements ports.DocumentStore on PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ ports.DocumentStore = (*PostgresStore)(nil)

// OpenPostgres connects to dsn and applies migrations.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("empty database dsn")
	}

	// goose needs database/sql; the pool serves queries
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sql connection: %w", err)
	}
	err = migrate(ctx, db, goose.DialectPostgres, "postgres")
	db.Close()
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	log.Info().Str("host", pool.Config().ConnConfig.Host).Msg("document store connected")
	return &PostgresStore{pool: pool}, nil
}

// Load returns the stored document.
func (s *PostgresStore) Load(ctx context.Context, projectID, fileID string) (*Document, error) {
	const query = `SELECT content, version, content_hash, updated_at
		FROM documents WHERE project_id = $1 AND file_id = $2`

	doc := Document{ProjectID: projectID, FileID: fileID}
	var hash int64
	err := s.pool.QueryRow(ctx, query, projectID, fileID).
		Scan(&doc.Content, &doc.Version, &hash, &doc.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.NewOpError("load document", fileID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, domain.NewOpError("load document", fileID, err)
	}
	doc.ContentHash = uint64(hash)
	doc.UpdatedAt = doc.UpdatedAt.UTC()
	return &doc, nil
}

// Save writes doc if the stored version equals prevVersion.
func (s *PostgresStore) Save(ctx context.Context, doc *Document, prevVersion int64) error {
	var query string
	var args []any
	if prevVersion == 0 {
		query = `INSERT INTO documents
			(project_id, file_id, content, version, content_hash, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (project_id, file_id) DO NOTHING`
		args = []any{doc.ProjectID, doc.FileID, doc.Content, doc.Version, int64(doc.ContentHash), doc.UpdatedAt}
	} else {
		query = `UPDATE documents
			SET content = $1, version = $2, content_hash = $3, updated_at = $4
			WHERE project_id = $5 AND file_id = $6 AND version = $7`
		args = []any{doc.Content, doc.Version, int64(doc.ContentHash), doc.UpdatedAt, doc.ProjectID, doc.FileID, prevVersion}
	}

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return domain.NewOpError("save document", doc.FileID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.NewOpError("save document", doc.FileID,
			fmt.Errorf("%w: stored version is not %d", domain.ErrVersionConflict, prevVersion))
	}
	return nil
}

// List returns the project's documents without content.
func (s *PostgresStore) List(ctx context.Context, projectID string) ([]Document, error) {
	const query = `SELECT file_id, version, content_hash, updated_at
		FROM documents WHERE project_id = $1 ORDER BY file_id`

	rows, err := s.pool.Query(ctx, query, projectID)
	if err != nil {
		return nil, domain.NewOpError("list documents", projectID, err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		doc := Document{ProjectID: projectID}
		var hash int64
		if err := rows.Scan(&doc.FileID, &doc.Version, &hash, &doc.UpdatedAt); err != nil {
			return nil, domain.NewOpError("list documents", projectID, err)
		}
		doc.ContentHash = uint64(hash)
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// Delete removes a document.
func (s *PostgresStore) Delete(ctx context.Context, projectID, fileID string) error {
	const query = `DELETE FROM documents WHERE project_id = $1 AND file_id = $2`
	if _, err := s.pool.Exec(ctx, query, projectID, fileID); err != nil {
		return domain.NewOpError("delete document", fileID, err)
	}
	return nil
}

// Ping checks the database.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
