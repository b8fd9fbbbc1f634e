package gateway

import (
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/brianly1003/wsgate/internal/domain"
	"github.com/brianly1003/wsgate/internal/domain/events"
	"github.com/brianly1003/wsgate/internal/hub"
	"github.com/brianly1003/wsgate/internal/sync"
	"github.com/brianly1003/wsgate/internal/terminal"
)

// attached is a terminal attachment streaming to a connection.
type attached struct {
	a    *terminal.Attachment
	done chan struct{} // closed when the pump has drained a
}

// Conn is one client's websocket on a project channel.
//
// Lifecycle:
//  1. newConn, then registration (which may replace an older Conn)
//  2. start runs the read and write pumps
//  3. any close path ends in cleanup, which runs once and closes finished
type Conn struct {
	id        string // hub subscriber ID, unique per socket
	projectID string
	clientID  string

	g       *Gateway
	ws      *websocket.Conn
	filter  *hub.FilteredSubscriber
	limiter *rate.Limiter

	send     chan []byte
	done     chan struct{} // closed when the socket should close
	finished chan struct{} // closed after cleanup

	mu          sync.Mutex
	closed      bool
	closeCode   int
	closeText   string
	reason      string
	replaced    bool
	unhooked    bool // removed from the hub by the gateway itself
	attachments map[string]*attached // keyed by session ID
	delivered   map[string]bool      // sessions whose exit came through an attachment

	cleanupOnce  sync.Once
	presenceOnce sync.Once
	collabFiles  []string // files whose presence was dropped
}

func newConn(g *Gateway, ws *websocket.Conn, projectID, clientID string) *Conn {
	c := &Conn{
		id:          uuid.New().String(),
		projectID:   projectID,
		clientID:    clientID,
		g:           g,
		ws:          ws,
		limiter:     rate.NewLimiter(rate.Limit(g.terminal.InputRatePerSecond), g.terminal.InputBurst),
		send:        make(chan []byte, g.cfg.SendBuffer),
		done:        make(chan struct{}),
		finished:    make(chan struct{}),
		attachments: make(map[string]*attached),
		delivered:   make(map[string]bool),
	}
	c.filter = hub.NewFilteredSubscriber(subscriber{c}, projectID, clientID)
	return c
}

// start runs the pumps.
func (c *Conn) start() {
	go c.writePump()
	go c.readPump()
}

// enqueue queues one frame. A full buffer means the client cannot keep up, and
// the connection is dropped rather than blocking the sender.
func (c *Conn) enqueue(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return domain.ErrSubscriberClosed
	}
	select {
	case c.send <- data:
		return nil
	default:
		log.Warn().
			Str("conn_id", c.id).
			Str("client_id", c.clientID).
			Msg("send buffer full, dropping slow client")
		c.closeLocked(CloseSlowConsumer, "slow consumer", "slow_consumer")
		return domain.ErrSubscriberClosed
	}
}

// sendEvent serializes and queues an event, bypassing the hub.
func (c *Conn) sendEvent(e events.Event) {
	data, err := e.ToJSON()
	if err != nil {
		log.Error().Err(err).Str("type", string(e.Type())).Msg("failed to encode event")
		return
	}
	_ = c.enqueue(data)
}

func (c *Conn) sendError(err error, requestType, requestID string) {
	c.sendEvent(events.NewErrorEvent(c.projectID, domain.Code(err), err.Error(), requestType, requestID))
}

// closeWith asks the write pump to send a close frame and hang up.
func (c *Conn) closeWith(code int, text, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked(code, text, reason)
}

func (c *Conn) closeLocked(code int, text, reason string) {
	if c.closed {
		return
	}
	c.closed = true
	c.closeCode = code
	c.closeText = text
	c.reason = reason
	close(c.done)
}

func (c *Conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// unhook removes the connection from the hub without closing it.
func (c *Conn) unhook() {
	c.mu.Lock()
	c.unhooked = true
	c.mu.Unlock()
	c.g.deps.Hub.Unsubscribe(c.id)
}

// replace detaches the connection from everything it owns, then closes it.
func (c *Conn) replace() {
	c.mu.Lock()
	c.replaced = true
	c.mu.Unlock()

	c.unhook()
	c.detachAll()
	c.releasePresence()
	c.closeWith(CloseReplaced, "replaced by a newer connection", "replaced")
}

// releasePresence drops the client's collab presence once. A replaced
// connection releases it before its successor starts, so a late cleanup
// cannot remove the successor's presence under the same client ID.
func (c *Conn) releasePresence() []string {
	c.presenceOnce.Do(func() {
		c.collabFiles = c.g.deps.Collab.UnsubscribeClient(c.clientID, c.projectID)
	})
	return c.collabFiles
}

// track registers an attachment and starts copying it. It returns false when
// the connection is already closed; the caller then detaches a.
func (c *Conn) track(a *terminal.Attachment) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	at := &attached{a: a, done: make(chan struct{})}
	c.attachments[a.SessionID] = at
	c.mu.Unlock()

	go c.pump(at)
	return true
}

// untrack removes the session's attachment and returns it.
func (c *Conn) untrack(sessionID string) *attached {
	c.mu.Lock()
	defer c.mu.Unlock()
	at, ok := c.attachments[sessionID]
	if !ok {
		return nil
	}
	delete(c.attachments, sessionID)
	return at
}

// detachSession ends the connection's attachment to a session and waits for
// its pump to drain.
func (c *Conn) detachSession(sessionID string) bool {
	at := c.untrack(sessionID)
	if at == nil {
		return false
	}
	c.g.deps.Terminals.Detach(at.a)
	<-at.done
	return true
}

func (c *Conn) detachAll() {
	c.mu.Lock()
	all := make([]*attached, 0, len(c.attachments))
	for id, at := range c.attachments {
		all = append(all, at)
		delete(c.attachments, id)
	}
	c.mu.Unlock()

	for _, at := range all {
		c.g.deps.Terminals.Detach(at.a)
	}
	for _, at := range all {
		<-at.done
	}
}

// pump copies an attachment's chunks into the send buffer in offset order.
func (c *Conn) pump(at *attached) {
	defer close(at.done)

	a := at.a
	for chunk := range a.C() {
		if chunk.Exit {
			c.mu.Lock()
			c.delivered[a.SessionID] = true
			c.mu.Unlock()
			c.sendEvent(events.NewTerminalExitEvent(c.projectID, a.SessionID, chunk.ExitCode))
			continue
		}
		c.sendEvent(events.NewTerminalOutputEvent(c.projectID, a.SessionID, chunk.Data, chunk.Offset))
	}

	// Only a stream the server ended on its own is reported; explicit
	// detaches are acknowledged by their handler.
	c.mu.Lock()
	current := c.attachments[a.SessionID] == at
	if current {
		delete(c.attachments, a.SessionID)
	}
	c.mu.Unlock()

	if current && a.Reason() == terminal.ReasonOverflow {
		if c.g.deps.Observer != nil {
			c.g.deps.Observer.AttachmentOverflow()
		}
		log.Debug().
			Str("conn_id", c.id).
			Str("session_id", a.SessionID).
			Msg("terminal attachment overflowed")
		c.sendEvent(events.NewTerminalDetachedEvent(c.projectID, a.SessionID, terminal.ReasonOverflow))
	}
}

// readPump reads messages until the socket fails, then cleans up.
func (c *Conn) readPump() {
	defer c.cleanup()

	pongWait := c.g.cfg.PongTimeout
	c.ws.SetReadLimit(c.g.cfg.MaxMessageBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		msgType, message, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) && !c.isClosed() {
				log.Debug().Err(err).Str("conn_id", c.id).Msg("websocket read error")
			}
			c.closeWith(websocket.CloseNormalClosure, "", "client_closed")
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		c.g.dispatch(c, message)
	}
}

// writePump writes queued frames and pings. Each message is one frame.
func (c *Conn) writePump() {
	writeWait := c.g.cfg.WriteTimeout
	ticker := time.NewTicker(c.g.cfg.PongTimeout * 9 / 10)
	defer func() {
		ticker.Stop()

		c.mu.Lock()
		code, text := c.closeCode, c.closeText
		c.mu.Unlock()
		if code == 0 {
			code = websocket.CloseNormalClosure
		}
		_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
		_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, text))
		_ = c.ws.Close()
	}()

	for {
		select {
		case <-c.done:
			return

		case message := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Debug().Err(err).Str("conn_id", c.id).Msg("write error")
				c.closeWith(websocket.CloseAbnormalClosure, "", "write_error")
				return
			}

		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Debug().Err(err).Str("conn_id", c.id).Msg("ping error")
				c.closeWith(websocket.CloseAbnormalClosure, "", "ping_error")
				return
			}
		}
	}
}

// cleanup releases everything the connection holds. Shells and previews are
// left running.
func (c *Conn) cleanup() {
	c.cleanupOnce.Do(func() {
		c.closeWith(websocket.CloseNormalClosure, "", "client_closed")

		c.g.registry.Remove(c)
		c.unhook()
		c.detachAll()
		files := c.releasePresence()

		c.mu.Lock()
		reason, replaced := c.reason, c.replaced
		c.mu.Unlock()

		if c.g.deps.Observer != nil {
			c.g.deps.Observer.Disconnect(reason)
		}
		log.Info().
			Str("conn_id", c.id).
			Str("project_id", c.projectID).
			Str("client_id", c.clientID).
			Str("reason", reason).
			Bool("replaced", replaced).
			Int("collab_files", len(files)).
			Msg("client disconnected")

		close(c.finished)
	})
}

// subscriber adapts a Conn to the hub. Hub terminal.exit events are dropped
// for sessions whose exit the connection gets from its own attachment.
type subscriber struct {
	c *Conn
}

func (s subscriber) ID() string { return s.c.id }

func (s subscriber) Send(e events.Event) error {
	if e.Type() == events.EventTypeTerminalExit {
		if be, ok := e.(*events.BaseEvent); ok {
			if p, ok := be.Payload.(events.TerminalExitPayload); ok && s.c.ownsExit(p.SessionID) {
				return nil
			}
		}
	}
	data, err := e.ToJSON()
	if err != nil {
		return err
	}
	return s.c.enqueue(data)
}

// Close is called by the hub on eviction or shutdown.
func (s subscriber) Close() error {
	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	if !s.c.unhooked {
		s.c.closeLocked(websocket.CloseGoingAway, "", "evicted")
	}
	return nil
}

func (s subscriber) Done() <-chan struct{} { return s.c.done }

func (c *Conn) ownsExit(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, attachedNow := c.attachments[sessionID]
	return attachedNow || c.delivered[sessionID]
}
