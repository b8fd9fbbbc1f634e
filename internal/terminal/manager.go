// Package terminal runs interactive shells on PTYs inside environments and
// multiplexes their output to any number of attachments.
package terminal

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/brianly1003/wsgate/internal/config"
	"github.com/brianly1003/wsgate/internal/domain"
	"github.com/brianly1003/wsgate/internal/domain/events"
	"github.com/brianly1003/wsgate/internal/domain/ports"
	"github.com/brianly1003/wsgate/internal/environment"
	"github.com/brianly1003/wsgate/internal/procutil"
	"github.com/brianly1003/wsgate/internal/sync"
)

const (
	maxDimension = 1000
	readBufSize  = 32 * 1024
	drainTimeout = 200 * time.Millisecond
)

// Environments is the part of the environment manager the terminal needs.
type Environments interface {
	Acquire(envID string) (environment.Spawner, error)
	AcquirePTY(envID string) error
	ReleasePTY(envID string)
}

// Manager owns every PTY session.
type Manager struct {
	envs   Environments
	hub    ports.EventHub
	cfg    config.TerminalConfig
	logger *slog.Logger

	sessions  map[string]*Session
	histories map[string]*History   // keyed by environment ID
	indexes   map[string]*FileIndex // keyed by environment ID
	mu        sync.RWMutex
}

// NewManager creates a new terminal manager.
func NewManager(envs Environments, hub ports.EventHub, cfg config.TerminalConfig, logger *slog.Logger) *Manager {
	return &Manager{
		envs:      envs,
		hub:       hub,
		cfg:       cfg,
		logger:    logger,
		sessions:  make(map[string]*Session),
		histories: make(map[string]*History),
		indexes:   make(map[string]*FileIndex),
	}
}

func validateSize(cols, rows int) error {
	if cols < 1 || cols > maxDimension {
		return domain.NewValidationError("cols", fmt.Sprintf("must be between 1 and %d", maxDimension))
	}
	if rows < 1 || rows > maxDimension {
		return domain.NewValidationError("rows", fmt.Sprintf("must be between 1 and %d", maxDimension))
	}
	return nil
}

// Open starts a shell in a running environment.
func (m *Manager) Open(ctx context.Context, envID string, cols, rows int) (*Session, error) {
	if cols == 0 && rows == 0 {
		cols, rows = 80, 24
	}
	if err := validateSize(cols, rows); err != nil {
		return nil, err
	}

	sp, err := m.envs.Acquire(envID)
	if err != nil {
		return nil, err
	}
	if err := m.envs.AcquirePTY(envID); err != nil {
		return nil, err
	}
	released := false
	defer func() {
		if !released {
			m.envs.ReleasePTY(envID)
		}
	}()

	args := append([]string{m.cfg.Shell}, m.cfg.ShellArgs...)
	// The shell outlives the request, so it is not bound to ctx
	cmd, err := sp.Command(context.Background(), environment.CommandOptions{
		Args: args,
		Env:  []string{"TERM=xterm-256color", "COLORTERM=truecolor"},
		TTY:  true,
	})
	if err != nil {
		return nil, domain.NewOpError("open terminal", envID, err)
	}

	ptmx, err := startPTY(cmd, cols, rows)
	if err != nil {
		return nil, domain.NewOpError("open terminal", envID, err)
	}
	sp.Track(cmd.Process.Pid)

	s := &Session{
		ID:            uuid.New().String(),
		EnvironmentID: envID,
		ProjectID:     sp.ProjectID(),
		CreatedAt:     time.Now().UTC(),
		cols:          cols,
		rows:          rows,
		ptmx:          ptmx,
		cmd:           cmd,
		buffer:        NewOutputBuffer(m.cfg.OutputBufferBytes),
		history:       m.historyFor(envID),
		attachments:   make(map[string]*Attachment),
		done:          make(chan struct{}),
	}

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()
	released = true

	readDone := make(chan struct{})
	go m.readLoop(s, readDone)
	go m.waitLoop(s, sp, readDone)

	m.logger.Info("Terminal opened",
		"session_id", s.ID,
		"env_id", envID,
		"pid", cmd.Process.Pid,
		"cols", cols,
		"rows", rows)
	m.hub.Publish(events.NewTerminalOpenedEvent(s.ProjectID, s.ID, cols, rows).
		WithRequestID(events.RequestIDFromContext(ctx)))

	return s, nil
}

func (m *Manager) historyFor(envID string) *History {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.histories[envID]
	if !ok {
		h = NewHistory(m.cfg.HistorySize)
		m.histories[envID] = h
	}
	return h
}

// readLoop copies PTY output into the buffer and every attachment.
func (m *Manager) readLoop(s *Session, done chan<- struct{}) {
	defer close(done)

	var runes runeSplitter
	buf := make([]byte, readBufSize)
	for {
		n, err := s.ptmx.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			m.deliver(s, runes.Split(data))
		}
		if err != nil {
			m.deliver(s, runes.Flush())
			return
		}
	}
}

// deliver appends output to the buffer and queues it on every attachment.
func (m *Manager) deliver(s *Session, data []byte) {
	if len(data) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	offset := s.buffer.Append(data)
	for id, a := range s.attachments {
		if !a.push(Chunk{Offset: offset, Data: data}) {
			a.end(ReasonOverflow, nil)
			delete(s.attachments, id)
			m.logger.Debug("Terminal attachment overflowed", "session_id", s.ID, "attachment_id", id)
		}
	}
}

// waitLoop reaps the shell and finalizes the session.
func (m *Manager) waitLoop(s *Session, sp environment.Spawner, readDone <-chan struct{}) {
	err := s.cmd.Wait()
	code := procutil.ExitCode(err)

	// Let buffered output drain before closing the master side
	select {
	case <-readDone:
	case <-time.After(drainTimeout):
	}
	_ = s.ptmx.Close()
	<-readDone

	sp.Untrack(s.cmd.Process.Pid)
	m.finalize(s, code)
}

func (m *Manager) finalize(s *Session, code int) {
	// Published first so a write that fails afterwards follows the exit event
	m.hub.Publish(events.NewTerminalExitEvent(s.ProjectID, s.ID, code))

	s.mu.Lock()
	s.exited = true
	s.exitCode = code
	exit := Chunk{Offset: s.buffer.End(), Exit: true, ExitCode: code}
	for id, a := range s.attachments {
		a.end(ReasonClosed, &exit)
		delete(s.attachments, id)
	}
	s.mu.Unlock()

	m.mu.Lock()
	delete(m.sessions, s.ID)
	m.mu.Unlock()

	m.envs.ReleasePTY(s.EnvironmentID)
	close(s.done)

	m.logger.Info("Terminal exited", "session_id", s.ID, "env_id", s.EnvironmentID, "code", code)
}

func (m *Manager) lookup(op, sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, domain.NewOpError(op, sessionID, domain.ErrNotFound)
	}
	return s, nil
}

// Get returns a live session.
func (m *Manager) Get(sessionID string) (*Session, error) {
	return m.lookup("get terminal", sessionID)
}

// List returns snapshots of the environment's sessions. An empty envID lists
// every session.
func (m *Manager) List(envID string) []*Info {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Info
	for _, s := range m.sessions {
		if envID == "" || s.EnvironmentID == envID {
			out = append(out, s.ToInfo())
		}
	}
	return out
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Write forwards keystrokes to the shell and records completed lines.
func (m *Manager) Write(sessionID string, data []byte) error {
	s, err := m.lookup("write terminal", sessionID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.exited {
		s.mu.Unlock()
		return domain.NewOpError("write terminal", sessionID, domain.ErrNotFound)
	}
	lines := s.scanner.Feed(data)
	s.mu.Unlock()

	for _, line := range lines {
		s.history.Add(line)
	}

	if _, err := s.ptmx.Write(data); err != nil {
		return domain.NewOpError("write terminal", sessionID, fmt.Errorf("%w: %v", domain.ErrNotFound, err))
	}
	return nil
}

// Resize changes the PTY window size.
func (m *Manager) Resize(sessionID string, cols, rows int) error {
	if err := validateSize(cols, rows); err != nil {
		return err
	}
	s, err := m.lookup("resize terminal", sessionID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exited {
		return domain.NewOpError("resize terminal", sessionID, domain.ErrNotFound)
	}
	if err := setSize(s.ptmx, cols, rows); err != nil {
		return domain.NewOpError("resize terminal", sessionID, err)
	}
	s.cols, s.rows = cols, rows
	return nil
}

// Attach registers a consumer. It first receives the buffered output from
// max(fromOffset, buffer start), then live chunks. A negative fromOffset
// replays the whole buffer.
func (m *Manager) Attach(sessionID, clientID string, fromOffset int64) (*Attachment, error) {
	s, err := m.lookup("attach terminal", sessionID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.exited {
		return nil, domain.NewOpError("attach terminal", sessionID, domain.ErrNotFound)
	}

	a := newAttachment(uuid.New().String(), s.ID, clientID, m.cfg.AttachmentQueue)
	if data, start := s.buffer.Snapshot(fromOffset); len(data) > 0 {
		a.queue <- Chunk{Offset: start, Data: data}
	}
	s.attachments[a.ID] = a

	m.logger.Debug("Terminal attached",
		"session_id", s.ID,
		"attachment_id", a.ID,
		"client_id", clientID,
		"from", fromOffset)
	return a, nil
}

// Detach removes an attachment. The shell is unaffected.
func (m *Manager) Detach(a *Attachment) {
	m.mu.RLock()
	s, ok := m.sessions[a.SessionID]
	m.mu.RUnlock()
	if !ok {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.attachments[a.ID]; ok {
		cur.end(ReasonDetached, nil)
		delete(s.attachments, a.ID)
	}
}

// Close hangs up the shell, escalating to SIGTERM and SIGKILL, and waits for
// it to exit.
func (m *Manager) Close(ctx context.Context, sessionID string) error {
	s, err := m.lookup("close terminal", sessionID)
	if err != nil {
		return err
	}

	pid := s.cmd.Process.Pid
	grace := m.cfg.CloseGrace

	_ = procutil.Hangup(pid)
	select {
	case <-s.done:
		return nil
	case <-time.After(grace / 2):
	case <-ctx.Done():
	}

	if killed := procutil.Stop(pid, s.done, grace/2); killed {
		m.logger.Warn("Terminal killed after grace period", "session_id", sessionID, "pid", pid)
	}
	return nil
}

// ShutdownEnvironment closes every session of an environment and drops its
// history and file index. It is registered as an environment teardown hook.
func (m *Manager) ShutdownEnvironment(ctx context.Context, envID string) {
	var ids []string
	m.mu.RLock()
	for id, s := range m.sessions {
		if s.EnvironmentID == envID {
			ids = append(ids, id)
		}
	}
	m.mu.RUnlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		g.Go(func() error {
			if err := m.Close(gctx, id); err != nil {
				m.logger.Debug("Terminal already gone", "session_id", id)
			}
			return nil
		})
	}
	_ = g.Wait()

	m.mu.Lock()
	delete(m.histories, envID)
	delete(m.indexes, envID)
	m.mu.Unlock()
}

// Autocomplete ranks suggestions for text from the environment's history and
// the files in its root. An empty envID is resolved from sessionID.
func (m *Manager) Autocomplete(envID, sessionID, text string, limit int) ([]events.Suggestion, error) {
	if envID == "" {
		s, err := m.lookup("autocomplete", sessionID)
		if err != nil {
			return nil, err
		}
		envID = s.EnvironmentID
	}
	if limit <= 0 {
		limit = defaultSuggestionLimit
	}

	m.mu.RLock()
	history := m.histories[envID]
	m.mu.RUnlock()

	var entries []string
	if history != nil {
		entries = history.Entries()
	}

	var files []string
	if index := m.indexFor(envID); index != nil {
		files = index.Paths()
	}

	return merge(limit, rankHistory(entries, text), rankFiles(files, text)), nil
}

// indexFor returns the file index of a running environment, building it on
// first use.
func (m *Manager) indexFor(envID string) *FileIndex {
	m.mu.RLock()
	index, ok := m.indexes[envID]
	m.mu.RUnlock()
	if ok {
		return index
	}

	sp, err := m.envs.Acquire(envID)
	if err != nil {
		return nil
	}
	index = BuildFileIndex(sp.Root(), maxIndexedPaths)

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.indexes[envID]; ok {
		return existing
	}
	m.indexes[envID] = index
	return index
}

// FileChanged keeps the environment's file index in sync with the watcher.
func (m *Manager) FileChanged(envID, relPath string, isDir, removed bool) {
	m.mu.RLock()
	index, ok := m.indexes[envID]
	m.mu.RUnlock()
	if ok {
		index.Update(relPath, isDir, removed)
	}
}
