package gateway

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/brianly1003/wsgate/internal/collab"
	"github.com/brianly1003/wsgate/internal/domain"
	"github.com/brianly1003/wsgate/internal/domain/commands"
	"github.com/brianly1003/wsgate/internal/domain/events"
	"github.com/brianly1003/wsgate/internal/terminal"
)

// Message outcomes reported to the observer.
const (
	outcomeOK       = "ok"
	outcomeError    = "error"
	outcomeRejected = "rejected"
	outcomeInvalid  = "invalid"
)

// dispatch decodes one inbound message and routes it. Collab, env.status and
// terminal.input run on the read loop; other terminal and preview commands
// go through the project's worker.
func (g *Gateway) dispatch(c *Conn, data []byte) {
	cmd, err := commands.ParseCommand(data)
	if err != nil {
		var perr *commands.ProtocolError
		if !errors.As(err, &perr) {
			perr = &commands.ProtocolError{Err: commands.ErrMalformedMessage, Detail: err.Error()}
		}
		g.observeMessage("invalid", outcomeInvalid)
		c.sendEvent(events.NewErrorEvent(c.projectID, perr.Code(), perr.Error(), perr.Type, perr.RequestID))
		return
	}

	g.deps.Environments.Touch(c.projectID)

	switch p := cmd.Payload.(type) {
	case *commands.EnvStatusPayload:
		c.sendEvent(g.statusEvent(c.projectID, cmd.RequestID))
		g.observeMessage(string(cmd.Type), outcomeOK)

	case *commands.TerminalInputPayload:
		g.reply(c, cmd, g.terminalInput(c, p))

	case *commands.CollabSubscribePayload:
		g.reply(c, cmd, g.collabSubscribe(c, cmd.RequestID, p))

	case *commands.CollabUnsubscribePayload:
		g.reply(c, cmd, g.collabUnsubscribe(c, p))

	case *commands.CollabCursorPayload:
		g.reply(c, cmd, g.deps.Collab.CursorMove(c.clientID, c.projectID, p.FileID, *p.Position))

	case *commands.CollabEditPayload:
		g.reply(c, cmd, g.collabEdit(c, cmd.RequestID, p))

	default:
		if err := g.workers.Submit(c.projectID, func() { g.runJob(c, cmd) }); err != nil {
			g.reply(c, cmd, err)
		}
	}
}

// reply reports an operation's outcome. Version conflicts were already
// answered with collab.editRejected.
func (g *Gateway) reply(c *Conn, cmd *commands.Command, err error) {
	switch {
	case err == nil:
		g.observeMessage(string(cmd.Type), outcomeOK)
	case errors.Is(err, domain.ErrVersionConflict):
		g.observeMessage(string(cmd.Type), outcomeRejected)
	default:
		g.observeMessage(string(cmd.Type), outcomeError)
		log.Debug().
			Err(err).
			Str("conn_id", c.id).
			Str("type", string(cmd.Type)).
			Str("request_id", cmd.RequestID).
			Msg("command failed")
		c.sendError(err, string(cmd.Type), cmd.RequestID)
	}
}

// runJob executes a queued terminal or preview command.
func (g *Gateway) runJob(c *Conn, cmd *commands.Command) {
	if c.isClosed() {
		return
	}

	ctx, cancel := context.WithTimeout(g.ctx, g.cfg.CommandTimeout)
	defer cancel()
	ctx = events.ContextWithRequestID(ctx, cmd.RequestID)

	var err error
	switch p := cmd.Payload.(type) {
	case *commands.TerminalOpenPayload:
		err = g.terminalOpen(ctx, c, p)
	case *commands.TerminalAttachPayload:
		err = g.terminalAttach(c, p)
	case *commands.TerminalDetachPayload:
		err = g.terminalDetach(c, cmd.RequestID, p)
	case *commands.TerminalResizePayload:
		err = g.terminalResize(c, p)
	case *commands.TerminalClosePayload:
		err = g.terminalClose(ctx, c, p)
	case *commands.TerminalAutocompletePayload:
		err = g.terminalAutocomplete(c, cmd.RequestID, p)
	case *commands.PreviewStartPayload:
		err = g.previewStart(ctx, c, p)
	case *commands.PreviewStopPayload:
		err = g.previewStop(ctx, c)
	default:
		err = domain.NewValidationError("type", "unsupported message "+string(cmd.Type))
	}
	if errors.Is(err, context.DeadlineExceeded) {
		err = domain.NewOpError(string(cmd.Type), c.projectID, domain.ErrTimeout)
	}
	g.reply(c, cmd, err)
}

// ownSession returns the session if it belongs to the connection's project.
// Sessions of other projects are reported as missing.
func (g *Gateway) ownSession(c *Conn, op, sessionID string) (*terminal.Session, error) {
	s, err := g.deps.Terminals.Get(sessionID)
	if err != nil {
		return nil, err
	}
	if s.ProjectID != c.projectID {
		return nil, domain.NewOpError(op, sessionID, domain.ErrNotFound)
	}
	return s, nil
}

func (g *Gateway) terminalOpen(ctx context.Context, c *Conn, p *commands.TerminalOpenPayload) error {
	envID, err := g.runningEnv(c.projectID)
	if err != nil {
		return err
	}
	_, err = g.deps.Terminals.Open(ctx, envID, p.Cols, p.Rows)
	return err
}

func (g *Gateway) terminalAttach(c *Conn, p *commands.TerminalAttachPayload) error {
	if _, err := g.ownSession(c, "attach terminal", p.SessionID); err != nil {
		return err
	}

	// A second attach replaces the first so chunks are never duplicated.
	c.detachSession(p.SessionID)

	from := int64(-1)
	if p.Offset != nil {
		from = *p.Offset
	}
	a, err := g.deps.Terminals.Attach(p.SessionID, c.clientID, from)
	if err != nil {
		return err
	}
	if !c.track(a) {
		g.deps.Terminals.Detach(a)
	}
	return nil
}

func (g *Gateway) terminalDetach(c *Conn, requestID string, p *commands.TerminalDetachPayload) error {
	if _, err := g.ownSession(c, "detach terminal", p.SessionID); err != nil {
		return err
	}
	if !c.detachSession(p.SessionID) {
		return domain.NewOpError("detach terminal", p.SessionID, domain.ErrNotFound)
	}
	c.sendEvent(events.NewTerminalDetachedEvent(c.projectID, p.SessionID, terminal.ReasonDetached).
		WithRequestID(requestID))
	return nil
}

func (g *Gateway) terminalInput(c *Conn, p *commands.TerminalInputPayload) error {
	if !c.limiter.Allow() {
		return domain.NewOpError("terminal input", p.SessionID, domain.ErrRateLimited)
	}
	if _, err := g.ownSession(c, "terminal input", p.SessionID); err != nil {
		return err
	}
	return g.deps.Terminals.Write(p.SessionID, []byte(*p.Data))
}

func (g *Gateway) terminalResize(c *Conn, p *commands.TerminalResizePayload) error {
	if _, err := g.ownSession(c, "resize terminal", p.SessionID); err != nil {
		return err
	}
	return g.deps.Terminals.Resize(p.SessionID, p.Cols, p.Rows)
}

func (g *Gateway) terminalClose(ctx context.Context, c *Conn, p *commands.TerminalClosePayload) error {
	if _, err := g.ownSession(c, "close terminal", p.SessionID); err != nil {
		return err
	}
	return g.deps.Terminals.Close(ctx, p.SessionID)
}

func (g *Gateway) terminalAutocomplete(c *Conn, requestID string, p *commands.TerminalAutocompletePayload) error {
	envID, err := g.runningEnv(c.projectID)
	if err != nil {
		return err
	}
	if p.SessionID != "" {
		if _, err := g.ownSession(c, "autocomplete", p.SessionID); err != nil {
			return err
		}
	}
	suggestions, err := g.deps.Terminals.Autocomplete(envID, p.SessionID, p.Text, p.Limit)
	if err != nil {
		return err
	}
	c.sendEvent(events.NewTerminalSuggestionsEvent(c.projectID, p.Text, suggestions).WithRequestID(requestID))
	return nil
}

func (g *Gateway) previewStart(ctx context.Context, c *Conn, p *commands.PreviewStartPayload) error {
	envID, err := g.runningEnv(c.projectID)
	if err != nil {
		return err
	}
	_, err = g.deps.Previews.Start(ctx, envID, p.RunCommand)
	return err
}

func (g *Gateway) previewStop(ctx context.Context, c *Conn) error {
	info, err := g.deps.Environments.Status(c.projectID)
	if err != nil {
		return err
	}
	_, err = g.deps.Previews.StopEnvironment(ctx, info.ID)
	return err
}

func (g *Gateway) collabSubscribe(c *Conn, requestID string, p *commands.CollabSubscribePayload) error {
	ctx, cancel := context.WithTimeout(g.ctx, g.cfg.CommandTimeout)
	defer cancel()
	_, err := g.deps.Collab.Subscribe(events.ContextWithRequestID(ctx, requestID), c.clientID, c.projectID, p.FileID, c.filter)
	return err
}

func (g *Gateway) collabUnsubscribe(c *Conn, p *commands.CollabUnsubscribePayload) error {
	if fileID, err := collab.CleanFileID(p.FileID); err == nil {
		c.filter.UnsubscribeFile(fileID)
	}
	return g.deps.Collab.Unsubscribe(c.clientID, c.projectID, p.FileID)
}

func (g *Gateway) collabEdit(c *Conn, requestID string, p *commands.CollabEditPayload) error {
	ctx, cancel := context.WithTimeout(g.ctx, g.cfg.CommandTimeout)
	defer cancel()

	_, err := g.deps.Collab.SubmitEdit(events.ContextWithRequestID(ctx, requestID),
		c.clientID, c.projectID, p.FileID, *p.BaseVersion, p.Changes)
	if g.deps.Observer != nil {
		switch {
		case err == nil:
			g.deps.Observer.CollabEdit("accepted")
		case errors.Is(err, domain.ErrVersionConflict):
			g.deps.Observer.CollabEdit("rejected")
		default:
			g.deps.Observer.CollabEdit("invalid")
		}
	}
	return err
}
