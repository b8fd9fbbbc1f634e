package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/brianly1003/wsgate/internal/domain"
	"github.com/brianly1003/wsgate/internal/domain/ports"
)

// SQLiteStore implements ports.DocumentStore on an embedded SQLite file.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

var _ ports.DocumentStore = (*SQLiteStore)(nil)

// OpenSQLite opens (creating if needed) the database at path and migrates it.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single writer avoids SQLITE_BUSY under concurrent saves
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			log.Warn().Err(err).Str("pragma", pragma).Msg("failed to set pragma")
		}
	}

	if err := migrate(ctx, db, goose.DialectSQLite3, "sqlite"); err != nil {
		db.Close()
		return nil, err
	}

	log.Info().Str("path", path).Msg("document store opened")
	return &SQLiteStore{db: db, path: path}, nil
}

// Load returns the stored document.
func (s *SQLiteStore) Load(ctx context.Context, projectID, fileID string) (*Document, error) {
	const query = `SELECT content, version, content_hash, updated_at
		FROM documents WHERE project_id = ? AND file_id = ?`

	doc := Document{ProjectID: projectID, FileID: fileID}
	var hash, updated int64
	err := s.db.QueryRowContext(ctx, query, projectID, fileID).
		Scan(&doc.Content, &doc.Version, &hash, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NewOpError("load document", fileID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, domain.NewOpError("load document", fileID, err)
	}
	doc.ContentHash = uint64(hash)
	doc.UpdatedAt = time.UnixMilli(updated).UTC()
	return &doc, nil
}

// Save writes doc if the stored version equals prevVersion.
func (s *SQLiteStore) Save(ctx context.Context, doc *Document, prevVersion int64) error {
	var (
		res sql.Result
		err error
	)
	if prevVersion == 0 {
		const insert = `INSERT INTO documents
			(project_id, file_id, content, version, content_hash, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (project_id, file_id) DO NOTHING`
		res, err = s.db.ExecContext(ctx, insert, doc.ProjectID, doc.FileID, doc.Content,
			doc.Version, int64(doc.ContentHash), doc.UpdatedAt.UnixMilli())
	} else {
		const update = `UPDATE documents
			SET content = ?, version = ?, content_hash = ?, updated_at = ?
			WHERE project_id = ? AND file_id = ? AND version = ?`
		res, err = s.db.ExecContext(ctx, update, doc.Content, doc.Version, int64(doc.ContentHash),
			doc.UpdatedAt.UnixMilli(), doc.ProjectID, doc.FileID, prevVersion)
	}
	if err != nil {
		return domain.NewOpError("save document", doc.FileID, err)
	}
	return checkSaved(doc, prevVersion, res)
}

func checkSaved(doc *Document, prevVersion int64, res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return domain.NewOpError("save document", doc.FileID, err)
	}
	if n == 0 {
		return domain.NewOpError("save document", doc.FileID,
			fmt.Errorf("%w: stored version is not %d", domain.ErrVersionConflict, prevVersion))
	}
	return nil
}

// List returns the project's documents without content.
func (s *SQLiteStore) List(ctx context.Context, projectID string) ([]Document, error) {
	const query = `SELECT file_id, version, content_hash, updated_at
		FROM documents WHERE project_id = ? ORDER BY file_id`

	rows, err := s.db.QueryContext(ctx, query, projectID)
	if err != nil {
		return nil, domain.NewOpError("list documents", projectID, err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		doc := Document{ProjectID: projectID}
		var hash, updated int64
		if err := rows.Scan(&doc.FileID, &doc.Version, &hash, &updated); err != nil {
			return nil, domain.NewOpError("list documents", projectID, err)
		}
		doc.ContentHash = uint64(hash)
		doc.UpdatedAt = time.UnixMilli(updated).UTC()
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// Delete removes a document.
func (s *SQLiteStore) Delete(ctx context.Context, projectID, fileID string) error {
	const query = `DELETE FROM documents WHERE project_id = ? AND file_id = ?`
	if _, err := s.db.ExecContext(ctx, query, projectID, fileID); err != nil {
		return domain.NewOpError("delete document", fileID, err)
	}
	return nil
}

// Ping checks the database.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
