// Package gateway serves the per-project realtime channel.
//
// Each websocket connection belongs to one (project, client) pair:
//
//	browser ──ws──► Conn.readPump ──► dispatch ──► project worker ──► managers
//	                                    │
//	                                    └─ collab, env.status, input (inline)
//
//	managers ──► hub ──► FilteredSubscriber ──► Conn.send ──► writePump ──► browser
//	terminal attachments ─────────────────────► Conn.send
//
// Terminal output does not pass through the hub. It is copied from the
// connection's attachments in offset order.
package gateway

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/brianly1003/wsgate/internal/collab"
	"github.com/brianly1003/wsgate/internal/config"
	"github.com/brianly1003/wsgate/internal/domain"
	"github.com/brianly1003/wsgate/internal/domain/events"
	"github.com/brianly1003/wsgate/internal/domain/ports"
	"github.com/brianly1003/wsgate/internal/environment"
	"github.com/brianly1003/wsgate/internal/preview"
	"github.com/brianly1003/wsgate/internal/security"
	"github.com/brianly1003/wsgate/internal/sync"
	"github.com/brianly1003/wsgate/internal/terminal"
)

// Close codes sent to clients.
const (
	CloseReplaced     = 4001
	CloseSlowConsumer = 4008
)

const (
	wsReadBufferSize  = 1024
	wsWriteBufferSize = 4096
	workerIdle        = time.Minute
)

// Environments is the part of the environment manager the gateway needs.
type Environments interface {
	Status(projectID string) (*environment.Info, error)
	Touch(projectID string)
}

// Terminals is the part of the terminal manager the gateway needs.
type Terminals interface {
	Open(ctx context.Context, envID string, cols, rows int) (*terminal.Session, error)
	Get(sessionID string) (*terminal.Session, error)
	Write(sessionID string, data []byte) error
	Resize(sessionID string, cols, rows int) error
	Attach(sessionID, clientID string, fromOffset int64) (*terminal.Attachment, error)
	Detach(a *terminal.Attachment)
	Close(ctx context.Context, sessionID string) error
	Autocomplete(envID, sessionID, text string, limit int) ([]events.Suggestion, error)
}

// Previews is the part of the preview manager the gateway needs.
type Previews interface {
	Start(ctx context.Context, envID, runCommand string) (*preview.Info, error)
	StopEnvironment(ctx context.Context, envID string) (*preview.Info, error)
}

// Collab is the part of the collaboration broadcaster the gateway needs.
type Collab interface {
	Subscribe(ctx context.Context, clientID, projectID, fileID string, filter collab.FileFilter) (*collab.Snapshot, error)
	Unsubscribe(clientID, projectID, fileID string) error
	UnsubscribeClient(clientID, projectID string) []string
	CursorMove(clientID, projectID, fileID string, pos events.Position) error
	SubmitEdit(ctx context.Context, clientID, projectID, fileID string, baseVersion int64, changes []events.Change) (*collab.EditResult, error)
}

// Observer receives gateway measurements.
type Observer interface {
	Message(msgType, outcome string)
	CollabEdit(result string)
	Disconnect(reason string)
	AttachmentOverflow()
}

// Deps are the services a gateway dispatches to.
type Deps struct {
	Hub          ports.EventHub
	Environments Environments
	Terminals    Terminals
	Previews     Previews
	Collab       Collab
	Observer     Observer // Optional
}

// Gateway accepts project connections and routes their messages.
type Gateway struct {
	deps     Deps
	cfg      config.GatewayConfig
	terminal config.TerminalConfig
	upgrader websocket.Upgrader

	registry *registry
	workers  *workers

	ctx    context.Context
	cancel context.CancelFunc

	closing bool
	mu      sync.Mutex
}

// New creates a gateway. origins decides which browser origins may connect.
func New(deps Deps, cfg config.GatewayConfig, termCfg config.TerminalConfig, origins *security.OriginChecker) *Gateway {
	ctx, cancel := context.WithCancel(context.Background())
	g := &Gateway{
		deps:     deps,
		cfg:      cfg,
		terminal: termCfg,
		registry: newRegistry(),
		workers:  newWorkers(cfg.QueueSize, workerIdle),
		ctx:      ctx,
		cancel:   cancel,
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  wsReadBufferSize,
		WriteBufferSize: wsWriteBufferSize,
		CheckOrigin:     origins.CheckOrigin,
	}
	return g
}

// ServeProject upgrades the request to a websocket bound to projectID. The
// client id comes from the clientId query parameter, or is generated.
func (g *Gateway) ServeProject(w http.ResponseWriter, r *http.Request, projectID string) {
	g.mu.Lock()
	closing := g.closing
	g.mu.Unlock()
	if closing {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}

	clientID := r.URL.Query().Get("clientId")
	if clientID == "" {
		clientID = uuid.New().String()
	}

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().
			Err(err).
			Str("remote_addr", r.RemoteAddr).
			Str("project_id", projectID).
			Msg("websocket upgrade failed")
		return
	}

	c := newConn(g, ws, projectID, clientID)
	if prev := g.registry.Register(c); prev != nil {
		g.replace(prev)
	}

	g.deps.Hub.Subscribe(c.filter)
	c.start()
	c.sendEvent(g.statusEvent(projectID, ""))

	log.Info().
		Str("conn_id", c.id).
		Str("project_id", projectID).
		Str("client_id", clientID).
		Str("remote_addr", ws.RemoteAddr().String()).
		Msg("client connected")
}

// replace hands a (project, client) pair to a new connection. The old one is
// detached and closed, and must be fully cleaned up before the new one reads.
func (g *Gateway) replace(prev *Conn) {
	prev.replace()

	select {
	case <-prev.finished:
	case <-time.After(g.cfg.ReplaceTimeout):
		log.Warn().
			Str("conn_id", prev.id).
			Str("project_id", prev.projectID).
			Str("client_id", prev.clientID).
			Msg("replaced connection did not finish in time")
	}
}

// statusEvent builds the env.status reply for a project. A project without an
// environment reports the state "none".
func (g *Gateway) statusEvent(projectID, requestID string) *events.BaseEvent {
	info, err := g.deps.Environments.Status(projectID)
	if err != nil {
		return events.NewEnvStatusEvent(projectID, "", "none", events.ResourceUsage{}, "").
			WithRequestID(requestID)
	}
	return info.StatusEvent().WithRequestID(requestID)
}

// runningEnv returns the environment ID of the project if it is running.
func (g *Gateway) runningEnv(projectID string) (string, error) {
	info, err := g.deps.Environments.Status(projectID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return "", domain.NewOpError("lookup environment", projectID, domain.ErrEnvironmentNotReady)
		}
		return "", err
	}
	if info.State != environment.StateRunning {
		return "", domain.NewOpError("lookup environment", projectID, domain.ErrEnvironmentNotReady)
	}
	return info.ID, nil
}

// Count returns the number of live connections.
func (g *Gateway) Count() int {
	return g.registry.Count()
}

// ProjectClients returns the sorted client IDs connected to a project.
func (g *Gateway) ProjectClients(projectID string) []string {
	conns := g.registry.Project(projectID)
	out := make([]string, 0, len(conns))
	for _, c := range conns {
		out = append(out, c.clientID)
	}
	sort.Strings(out)
	return out
}

// Close disconnects every client, waits for them to clean up, then drains the
// project workers.
func (g *Gateway) Close(ctx context.Context) error {
	g.mu.Lock()
	if g.closing {
		g.mu.Unlock()
		return nil
	}
	g.closing = true
	g.mu.Unlock()

	conns := g.registry.All()
	for _, c := range conns {
		c.closeWith(websocket.CloseGoingAway, "server shutting down", "shutdown")
	}
	for _, c := range conns {
		select {
		case <-c.finished:
		case <-ctx.Done():
			g.cancel()
			return ctx.Err()
		}
	}

	g.cancel()
	g.workers.Close()
	return nil
}

func (g *Gateway) observeMessage(msgType, outcome string) {
	if g.deps.Observer != nil {
		g.deps.Observer.Message(msgType, outcome)
	}
}
