// Package collab keeps one authoritative version of each shared file and
// fans accepted edits and presence out to the file's subscribers.
package collab

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/brianly1003/wsgate/internal/config"
	"github.com/brianly1003/wsgate/internal/domain"
	"github.com/brianly1003/wsgate/internal/domain/events"
	"github.com/brianly1003/wsgate/internal/domain/ports"
	"github.com/brianly1003/wsgate/internal/sync"
)

// SystemClientID authors edits that come from the environment's filesystem.
const SystemClientID = "system"

// FileFilter receives the snapshot version of a new subscription. It is
// called while the file is locked, before any later edit is published.
type FileFilter interface {
	SubscribeFile(fileID string, version int64)
}

// Snapshot is the state a subscriber starts from.
type Snapshot struct {
	FileID       string               `json:"fileId"`
	Content      string               `json:"content"`
	Version      int64                `json:"version"`
	Participants []events.Participant `json:"participants"`
}

// EditResult is returned for an accepted edit.
type EditResult struct {
	FileID  string `json:"fileId"`
	Version int64  `json:"version"`
}

type fileKey struct {
	projectID string
	fileID    string
}

// file serializes every operation on one document. A file without presence
// is dropped from the open set as soon as its lock is released.
type file struct {
	doc      *ports.Document // nil until loaded
	presence map[string]*events.Participant
	removed  bool
	mu       sync.Mutex
}

// Manager is the collaboration broadcaster.
type Manager struct {
	store  ports.DocumentStore
	files  Files
	hub    ports.EventHub
	cfg    config.CollabConfig
	logger *slog.Logger
	now    func() time.Time

	open map[fileKey]*file
	mu   sync.Mutex
}

// NewManager creates a broadcaster. files may be nil when documents are never
// mirrored to disk.
func NewManager(store ports.DocumentStore, files Files, hub ports.EventHub, cfg config.CollabConfig, logger *slog.Logger) *Manager {
	return &Manager{
		store:  store,
		files:  files,
		hub:    hub,
		cfg:    cfg,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
		open:   make(map[fileKey]*file),
	}
}

// lock returns the file locked, adding it to the open set if needed.
func (m *Manager) lock(projectID, fileID string) *file {
	key := fileKey{projectID, fileID}
	for {
		m.mu.Lock()
		f, ok := m.open[key]
		if !ok {
			f = &file{presence: make(map[string]*events.Participant)}
			m.open[key] = f
		}
		m.mu.Unlock()

		f.mu.Lock()
		if !f.removed {
			return f
		}
		f.mu.Unlock()
	}
}

// lockExisting returns the file locked if it is in the open set.
func (m *Manager) lockExisting(projectID, fileID string) (*file, bool) {
	key := fileKey{projectID, fileID}
	for {
		m.mu.Lock()
		f, ok := m.open[key]
		m.mu.Unlock()
		if !ok {
			return nil, false
		}

		f.mu.Lock()
		if !f.removed {
			return f, true
		}
		f.mu.Unlock()
	}
}

// releaseLocked drops a file nobody is present on. Its document is reloaded
// from the store on next use. Callers hold f.mu.
func (m *Manager) releaseLocked(f *file, projectID, fileID string) {
	if len(f.presence) > 0 || f.removed {
		return
	}
	f.doc = nil
	f.removed = true

	key := fileKey{projectID, fileID}
	m.mu.Lock()
	if m.open[key] == f {
		delete(m.open, key)
	}
	m.mu.Unlock()
}

// loadLocked returns the authoritative document, loading it from the store or
// seeding it from the environment at version 0. Callers hold f.mu.
func (m *Manager) loadLocked(ctx context.Context, f *file, projectID, fileID string) (*ports.Document, error) {
	if f.doc != nil {
		return f.doc, nil
	}

	doc, err := m.store.Load(ctx, projectID, fileID)
	if err == nil {
		f.doc = doc
		// The file may have changed on disk while nobody had it open
		if err := m.syncDiskLocked(ctx, f, projectID, fileID); err != nil {
			m.logger.Warn("Collab disk sync failed", "project_id", projectID, "file_id", fileID, "error", err)
			if f.doc == nil {
				f.doc = doc
			}
		}
		return f.doc, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	content := ""
	if m.files != nil {
		data, err := m.files.ReadFile(projectID, fileID)
		switch {
		case err == nil:
			content = string(data)
		case errors.Is(err, fs.ErrNotExist), errors.Is(err, domain.ErrEnvironmentNotReady):
		default:
			return nil, domain.NewOpError("seed document", fileID, err)
		}
	}
	f.doc = &ports.Document{
		ProjectID:   projectID,
		FileID:      fileID,
		Content:     content,
		ContentHash: ContentHash(content),
		UpdatedAt:   m.now(),
	}
	return f.doc, nil
}

func participantsLocked(f *file) []events.Participant {
	out := make([]events.Participant, 0, len(f.presence))
	for _, p := range f.presence {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out
}

// Subscribe registers the client's presence on a file and sends it a
// snapshot. filter, if non-nil, is told the snapshot version.
func (m *Manager) Subscribe(ctx context.Context, clientID, projectID, fileID string, filter FileFilter) (*Snapshot, error) {
	fileID, err := CleanFileID(fileID)
	if err != nil {
		return nil, err
	}

	f := m.lock(projectID, fileID)
	defer f.mu.Unlock()

	doc, err := m.loadLocked(ctx, f, projectID, fileID)
	if err != nil {
		m.releaseLocked(f, projectID, fileID)
		return nil, err
	}

	p, ok := f.presence[clientID]
	if !ok {
		p = &events.Participant{ClientID: clientID, Color: ColorFor(clientID)}
		f.presence[clientID] = p
	}
	if filter != nil {
		filter.SubscribeFile(fileID, doc.Version)
	}

	snap := &Snapshot{
		FileID:       fileID,
		Content:      doc.Content,
		Version:      doc.Version,
		Participants: participantsLocked(f),
	}
	m.hub.Publish(events.NewCollabSnapshotEvent(projectID, clientID, events.CollabSnapshotPayload{
		FileID:       snap.FileID,
		Content:      snap.Content,
		Version:      snap.Version,
		Participants: snap.Participants,
	}).WithRequestID(events.RequestIDFromContext(ctx)))
	m.hub.Publish(events.NewCollabPresenceEvent(projectID, events.CollabPresencePayload{
		ClientID: clientID,
		FileID:   fileID,
		Position: p.Position,
		Color:    p.Color,
	}))

	m.logger.Debug("Collab subscribed",
		"project_id", projectID,
		"file_id", fileID,
		"client_id", clientID,
		"version", doc.Version)
	return snap, nil
}

// CursorMove records the client's cursor. The last position wins.
func (m *Manager) CursorMove(clientID, projectID, fileID string, pos events.Position) error {
	fileID, err := CleanFileID(fileID)
	if err != nil {
		return err
	}
	if pos.Line < 0 || pos.Column < 0 {
		return domain.NewValidationError("position", "must not be negative")
	}

	f, ok := m.lockExisting(projectID, fileID)
	if !ok {
		return domain.NewOpError("move cursor", fileID, domain.ErrNotFound)
	}
	defer f.mu.Unlock()

	p, ok := f.presence[clientID]
	if !ok {
		return domain.NewOpError("move cursor", fileID, domain.ErrNotFound)
	}
	p.Position = &pos
	m.hub.Publish(events.NewCollabPresenceEvent(projectID, events.CollabPresencePayload{
		ClientID: clientID,
		FileID:   fileID,
		Position: p.Position,
		Color:    p.Color,
	}))
	return nil
}

// SubmitEdit applies an edit made against baseVersion. Edits to one file are
// serialized; a stale base version is rejected with the current state.
func (m *Manager) SubmitEdit(ctx context.Context, clientID, projectID, fileID string, baseVersion int64, changes []events.Change) (*EditResult, error) {
	fileID, err := CleanFileID(fileID)
	if err != nil {
		return nil, err
	}
	if len(changes) == 0 {
		return nil, domain.NewValidationError("changes", "must not be empty")
	}

	f := m.lock(projectID, fileID)
	defer f.mu.Unlock()
	defer m.releaseLocked(f, projectID, fileID)

	doc, err := m.loadLocked(ctx, f, projectID, fileID)
	if err != nil {
		return nil, err
	}
	if baseVersion != doc.Version {
		return nil, m.rejectLocked(ctx, projectID, clientID, baseVersion, doc)
	}

	content, err := Apply(doc.Content, changes)
	if err != nil {
		return nil, domain.NewOpError("edit", fileID, err)
	}
	if m.cfg.MaxDocumentBytes > 0 && len(content) > m.cfg.MaxDocumentBytes {
		return nil, domain.NewOpError("edit", fileID,
			fmt.Errorf("%w: document would be %d bytes, limit is %d", domain.ErrInvalidEdit, len(content), m.cfg.MaxDocumentBytes))
	}

	next, err := m.commitLocked(ctx, f, doc, content)
	if err != nil {
		if errors.Is(err, domain.ErrVersionConflict) {
			// Another writer shares the store; adopt its state
			if fresh, lerr := m.store.Load(ctx, projectID, fileID); lerr == nil {
				f.doc = fresh
				return nil, m.rejectLocked(ctx, projectID, clientID, baseVersion, fresh)
			}
		}
		return nil, err
	}

	if m.files != nil {
		if err := m.files.WriteFile(projectID, fileID, []byte(content)); err != nil && !errors.Is(err, domain.ErrEnvironmentNotReady) {
			m.logger.Warn("Collab write-through failed", "project_id", projectID, "file_id", fileID, "error", err)
		}
	}

	m.hub.Publish(events.NewCollabEditAcceptedEvent(projectID, clientID, fileID, next.Version).
		WithRequestID(events.RequestIDFromContext(ctx)))
	m.hub.Publish(events.NewCollabEditEvent(projectID, events.CollabEditPayload{
		FileID:      fileID,
		ClientID:    clientID,
		BaseVersion: baseVersion,
		Version:     next.Version,
		Changes:     changes,
	}))

	return &EditResult{FileID: fileID, Version: next.Version}, nil
}

// commitLocked saves content as the next version. Callers hold f.mu.
func (m *Manager) commitLocked(ctx context.Context, f *file, doc *ports.Document, content string) (*ports.Document, error) {
	next := &ports.Document{
		ProjectID:   doc.ProjectID,
		FileID:      doc.FileID,
		Content:     content,
		Version:     doc.Version + 1,
		ContentHash: ContentHash(content),
		UpdatedAt:   m.now(),
	}
	if err := m.store.Save(ctx, next, doc.Version); err != nil {
		return nil, err
	}
	f.doc = next
	return next, nil
}

func (m *Manager) rejectLocked(ctx context.Context, projectID, clientID string, baseVersion int64, doc *ports.Document) error {
	m.hub.Publish(events.NewCollabEditRejectedEvent(projectID, clientID, doc.FileID, doc.Version, doc.Content).
		WithRequestID(events.RequestIDFromContext(ctx)))
	return &domain.VersionConflictError{
		FileID:         doc.FileID,
		BaseVersion:    baseVersion,
		CurrentVersion: doc.Version,
		CurrentContent: doc.Content,
	}
}

// Unsubscribe removes the client's presence from a file. The stored document
// is kept.
func (m *Manager) Unsubscribe(clientID, projectID, fileID string) error {
	fileID, err := CleanFileID(fileID)
	if err != nil {
		return err
	}
	f, ok := m.lockExisting(projectID, fileID)
	if !ok {
		return domain.NewOpError("unsubscribe", fileID, domain.ErrNotFound)
	}
	defer f.mu.Unlock()

	if !m.leaveLocked(f, clientID, projectID, fileID) {
		return domain.NewOpError("unsubscribe", fileID, domain.ErrNotFound)
	}
	return nil
}

func (m *Manager) leaveLocked(f *file, clientID, projectID, fileID string) bool {
	p, ok := f.presence[clientID]
	if !ok {
		return false
	}
	delete(f.presence, clientID)
	m.releaseLocked(f, projectID, fileID)
	m.hub.Publish(events.NewCollabPresenceEvent(projectID, events.CollabPresencePayload{
		ClientID: clientID,
		FileID:   fileID,
		Color:    p.Color,
		Left:     true,
	}))
	return true
}

// UnsubscribeClient removes the client from every file of the project and
// returns the files it left.
func (m *Manager) UnsubscribeClient(clientID, projectID string) []string {
	m.mu.Lock()
	var keys []fileKey
	for key := range m.open {
		if key.projectID == projectID {
			keys = append(keys, key)
		}
	}
	m.mu.Unlock()

	var left []string
	for _, key := range keys {
		f, ok := m.lockExisting(key.projectID, key.fileID)
		if !ok {
			continue
		}
		if m.leaveLocked(f, clientID, key.projectID, key.fileID) {
			left = append(left, key.fileID)
		}
		f.mu.Unlock()
	}
	sort.Strings(left)
	return left
}

// ExternalChange reconciles a file that changed on the environment's
// filesystem. The file is read while its document is locked, so a write-through
// of an accepted edit is never mistaken for an external change. Files without
// subscribers are left alone and reconciled on their next load.
func (m *Manager) ExternalChange(ctx context.Context, projectID, fileID string) error {
	fileID, err := CleanFileID(fileID)
	if err != nil {
		return err
	}
	if m.files == nil {
		return nil
	}

	f, ok := m.lockExisting(projectID, fileID)
	if !ok {
		return nil
	}
	defer f.mu.Unlock()
	if len(f.presence) == 0 {
		return nil
	}
	if f.doc == nil {
		_, err := m.loadLocked(ctx, f, projectID, fileID)
		return err
	}
	return m.syncDiskLocked(ctx, f, projectID, fileID)
}

// syncDiskLocked commits the file's disk content as a full replacement by the
// system author when it differs from the loaded document. Content equal to
// the current version, such as our own write-through, is ignored. Callers
// hold f.mu.
func (m *Manager) syncDiskLocked(ctx context.Context, f *file, projectID, fileID string) error {
	if m.files == nil || f.doc == nil {
		return nil
	}
	data, err := m.files.ReadFile(projectID, fileID)
	switch {
	case err == nil:
	case errors.Is(err, fs.ErrNotExist), errors.Is(err, domain.ErrEnvironmentNotReady):
		return nil
	default:
		return domain.NewOpError("read external change", fileID, err)
	}

	doc := f.doc
	text := string(data)
	if text == doc.Content || ContentHash(text) == doc.ContentHash {
		return nil
	}
	if m.cfg.MaxDocumentBytes > 0 && len(text) > m.cfg.MaxDocumentBytes {
		m.logger.Warn("External change exceeds document limit", "project_id", projectID, "file_id", fileID, "bytes", len(text))
		return nil
	}

	end := endPosition(doc.Content)
	next, err := m.commitLocked(ctx, f, doc, text)
	if err != nil {
		if errors.Is(err, domain.ErrVersionConflict) {
			f.doc = nil
		}
		return err
	}

	m.hub.Publish(events.NewCollabEditEvent(projectID, events.CollabEditPayload{
		FileID:      fileID,
		ClientID:    SystemClientID,
		BaseVersion: doc.Version,
		Version:     next.Version,
		Changes: []events.Change{{
			From: &events.Position{},
			To:   &end,
			Text: text,
		}},
	}))
	m.logger.Debug("External change applied", "project_id", projectID, "file_id", fileID, "version", next.Version)
	return nil
}

// DocumentInfo describes a stored document without its content.
type DocumentInfo struct {
	FileID       string    `json:"fileId"`
	Version      int64     `json:"version"`
	ContentHash  string    `json:"contentHash"`
	UpdatedAt    time.Time `json:"updatedAt"`
	Participants int       `json:"participants"`
}

// Documents lists the project's stored documents with their current presence.
func (m *Manager) Documents(ctx context.Context, projectID string) ([]DocumentInfo, error) {
	docs, err := m.store.List(ctx, projectID)
	if err != nil {
		return nil, err
	}
	out := make([]DocumentInfo, 0, len(docs))
	for _, doc := range docs {
		info := DocumentInfo{
			FileID:      doc.FileID,
			Version:     doc.Version,
			ContentHash: strconv.FormatUint(doc.ContentHash, 16),
			UpdatedAt:   doc.UpdatedAt,
		}
		if f, ok := m.lockExisting(projectID, doc.FileID); ok {
			info.Participants = len(f.presence)
			f.mu.Unlock()
		}
		out = append(out, info)
	}
	return out, nil
}

// Discard deletes a stored document. The next subscriber seeds it from the
// environment again at version 0. A document someone has open is a conflict.
func (m *Manager) Discard(ctx context.Context, projectID, fileID string) error {
	fileID, err := CleanFileID(fileID)
	if err != nil {
		return err
	}

	f := m.lock(projectID, fileID)
	defer f.mu.Unlock()
	if n := len(f.presence); n > 0 {
		return domain.NewOpError("discard document", fileID,
			fmt.Errorf("%w: open by %d clients", domain.ErrConflict, n))
	}
	defer m.releaseLocked(f, projectID, fileID)

	if err := m.store.Delete(ctx, projectID, fileID); err != nil {
		return err
	}
	m.logger.Info("Collab document discarded", "project_id", projectID, "file_id", fileID)
	return nil
}

// ActiveFiles returns the number of files with at least one subscriber.
func (m *Manager) ActiveFiles() int {
	m.mu.Lock()
	files := make([]*file, 0, len(m.open))
	for _, f := range m.open {
		files = append(files, f)
	}
	m.mu.Unlock()

	n := 0
	for _, f := range files {
		f.mu.Lock()
		if len(f.presence) > 0 {
			n++
		}
		f.mu.Unlock()
	}
	return n
}
