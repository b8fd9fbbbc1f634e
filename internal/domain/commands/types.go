// Package commands defines the inbound message types accepted on a project
// channel. The set is closed: anything else is rejected when parsed.
package commands

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/brianly1003/wsgate/internal/domain/events"
)

// CommandType is the "type" tag of an inbound message.
type CommandType string

const (
	CommandTerminalOpen         CommandType = "terminal.open"
	CommandTerminalAttach       CommandType = "terminal.attach"
	CommandTerminalDetach       CommandType = "terminal.detach"
	CommandTerminalInput        CommandType = "terminal.input"
	CommandTerminalResize       CommandType = "terminal.resize"
	CommandTerminalClose        CommandType = "terminal.close"
	CommandTerminalAutocomplete CommandType = "terminal.autocomplete"
	CommandPreviewStart         CommandType = "preview.start"
	CommandPreviewStop          CommandType = "preview.stop"
	CommandCollabSubscribe      CommandType = "collab.subscribe"
	CommandCollabUnsubscribe    CommandType = "collab.unsubscribe"
	CommandCollabCursor         CommandType = "collab.cursor"
	CommandCollabEdit           CommandType = "collab.edit"
	CommandEnvStatus            CommandType = "env.status"
)

// Protocol error codes.
const (
	ErrCodeUnknownMessage   = "UNKNOWN_MESSAGE"
	ErrCodeMalformedMessage = "MALFORMED_MESSAGE"
)

var (
	ErrUnknownMessage   = errors.New("unknown message type")
	ErrMalformedMessage = errors.New("malformed message")
)

// ProtocolError is returned when an inbound message cannot be decoded.
type ProtocolError struct {
	Type      string
	RequestID string
	Err       error
	Detail    string
}

func (e *ProtocolError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%v: %q", e.Err, e.Type)
	}
	return fmt.Sprintf("%v: %q: %s", e.Err, e.Type, e.Detail)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// Code returns the wire error code.
func (e *ProtocolError) Code() string {
	if errors.Is(e.Err, ErrUnknownMessage) {
		return ErrCodeUnknownMessage
	}
	return ErrCodeMalformedMessage
}

// Payload is implemented by every inbound message body.
type Payload interface {
	Validate() error
}

// Command is a decoded inbound message.
type Command struct {
	Type      CommandType `json:"type"`
	RequestID string      `json:"requestId,omitempty"`
	Payload   Payload     `json:"-"`
}

// TerminalOpenPayload opens a new shell.
type TerminalOpenPayload struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

// TerminalAttachPayload attaches to a shell's output, replaying from Offset.
// A nil Offset replays the full buffer.
type TerminalAttachPayload struct {
	SessionID string `json:"sessionId"`
	Offset    *int64 `json:"offset,omitempty"`
}

// TerminalDetachPayload stops streaming a shell's output to this connection.
type TerminalDetachPayload struct {
	SessionID string `json:"sessionId"`
}

// TerminalInputPayload writes keystrokes to a shell.
type TerminalInputPayload struct {
	SessionID string  `json:"sessionId"`
	Data      *string `json:"data"`
}

// TerminalResizePayload resizes a shell's window.
type TerminalResizePayload struct {
	SessionID string `json:"sessionId"`
	Cols      int    `json:"cols"`
	Rows      int    `json:"rows"`
}

// TerminalClosePayload closes a shell.
type TerminalClosePayload struct {
	SessionID string `json:"sessionId"`
}

// TerminalAutocompletePayload requests completions for partial input.
type TerminalAutocompletePayload struct {
	Text      string `json:"text"`
	SessionID string `json:"sessionId,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

// PreviewStartPayload starts the preview server.
type PreviewStartPayload struct {
	RunCommand string `json:"runCommand,omitempty"`
}

// PreviewStopPayload stops the preview server.
type PreviewStopPayload struct{}

// CollabSubscribePayload subscribes to a file.
type CollabSubscribePayload struct {
	FileID string `json:"fileId"`
}

// CollabUnsubscribePayload unsubscribes from a file.
type CollabUnsubscribePayload struct {
	FileID string `json:"fileId"`
}

// CollabCursorPayload moves the sender's cursor.
type CollabCursorPayload struct {
	FileID   string           `json:"fileId"`
	Position *events.Position `json:"position"`
}

// CollabEditPayload submits an optimistic edit.
type CollabEditPayload struct {
	FileID      string          `json:"fileId"`
	BaseVersion *int64          `json:"baseVersion"`
	Changes     []events.Change `json:"changes"`
}

// EnvStatusPayload requests the environment status.
type EnvStatusPayload struct{}

var factories = map[CommandType]func() Payload{
	CommandTerminalOpen:         func() Payload { return &TerminalOpenPayload{} },
	CommandTerminalAttach:       func() Payload { return &TerminalAttachPayload{} },
	CommandTerminalDetach:       func() Payload { return &TerminalDetachPayload{} },
	CommandTerminalInput:        func() Payload { return &TerminalInputPayload{} },
	CommandTerminalResize:       func() Payload { return &TerminalResizePayload{} },
	CommandTerminalClose:        func() Payload { return &TerminalClosePayload{} },
	CommandTerminalAutocomplete: func() Payload { return &TerminalAutocompletePayload{} },
	CommandPreviewStart:         func() Payload { return &PreviewStartPayload{} },
	CommandPreviewStop:          func() Payload { return &PreviewStopPayload{} },
	CommandCollabSubscribe:      func() Payload { return &CollabSubscribePayload{} },
	CommandCollabUnsubscribe:    func() Payload { return &CollabUnsubscribePayload{} },
	CommandCollabCursor:         func() Payload { return &CollabCursorPayload{} },
	CommandCollabEdit:           func() Payload { return &CollabEditPayload{} },
	CommandEnvStatus:            func() Payload { return &EnvStatusPayload{} },
}

// Types returns every accepted message type.
func Types() []CommandType {
	out := make([]CommandType, 0, len(factories))
	for t := range factories {
		out = append(out, t)
	}
	return out
}

// ParseCommand decodes a raw message into a Command with a typed, validated
// payload. Failures are always *ProtocolError.
func ParseCommand(data []byte) (*Command, error) {
	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return nil, &ProtocolError{Err: ErrMalformedMessage, Detail: err.Error()}
	}
	if cmd.Type == "" {
		return nil, &ProtocolError{RequestID: cmd.RequestID, Err: ErrMalformedMessage, Detail: "missing type"}
	}

	factory, ok := factories[cmd.Type]
	if !ok {
		return nil, &ProtocolError{Type: string(cmd.Type), RequestID: cmd.RequestID, Err: ErrUnknownMessage}
	}

	payload := factory()
	if err := json.Unmarshal(data, payload); err != nil {
		return nil, &ProtocolError{Type: string(cmd.Type), RequestID: cmd.RequestID, Err: ErrMalformedMessage, Detail: err.Error()}
	}
	if err := payload.Validate(); err != nil {
		return nil, &ProtocolError{Type: string(cmd.Type), RequestID: cmd.RequestID, Err: ErrMalformedMessage, Detail: err.Error()}
	}

	cmd.Payload = payload
	return &cmd, nil
}

const maxDimension = 1000

func missing(field string) error {
	return fmt.Errorf("%s is required", field)
}

func checkSize(cols, rows int, required bool) error {
	if cols == 0 && rows == 0 && !required {
		return nil
	}
	if cols < 1 || cols > maxDimension || rows < 1 || rows > maxDimension {
		return fmt.Errorf("cols and rows must be between 1 and %d", maxDimension)
	}
	return nil
}

func (p *TerminalOpenPayload) Validate() error {
	return checkSize(p.Cols, p.Rows, false)
}

func (p *TerminalAttachPayload) Validate() error {
	if p.SessionID == "" {
		return missing("sessionId")
	}
	return nil
}

func (p *TerminalDetachPayload) Validate() error {
	if p.SessionID == "" {
		return missing("sessionId")
	}
	return nil
}

func (p *TerminalInputPayload) Validate() error {
	if p.SessionID == "" {
		return missing("sessionId")
	}
	if p.Data == nil {
		return missing("data")
	}
	return nil
}

func (p *TerminalResizePayload) Validate() error {
	if p.SessionID == "" {
		return missing("sessionId")
	}
	return checkSize(p.Cols, p.Rows, true)
}

func (p *TerminalClosePayload) Validate() error {
	if p.SessionID == "" {
		return missing("sessionId")
	}
	return nil
}

func (p *TerminalAutocompletePayload) Validate() error {
	if p.Limit < 0 {
		return errors.New("limit must not be negative")
	}
	return nil
}

func (p *PreviewStartPayload) Validate() error { return nil }

func (p *PreviewStopPayload) Validate() error { return nil }

func (p *CollabSubscribePayload) Validate() error {
	if p.FileID == "" {
		return missing("fileId")
	}
	return nil
}

func (p *CollabUnsubscribePayload) Validate() error {
	if p.FileID == "" {
		return missing("fileId")
	}
	return nil
}

func (p *CollabCursorPayload) Validate() error {
	if p.FileID == "" {
		return missing("fileId")
	}
	if p.Position == nil {
		return missing("position")
	}
	if p.Position.Line < 0 || p.Position.Column < 0 {
		return errors.New("position must not be negative")
	}
	return nil
}

func (p *CollabEditPayload) Validate() error {
	if p.FileID == "" {
		return missing("fileId")
	}
	if p.BaseVersion == nil {
		return missing("baseVersion")
	}
	if len(p.Changes) == 0 {
		return missing("changes")
	}
	for i, c := range p.Changes {
		switch {
		case c.IsDiff() && (c.From != nil || c.To != nil):
			return fmt.Errorf("changes[%d]: diff and range are exclusive", i)
		case !c.IsDiff() && (c.From == nil || c.To == nil):
			return fmt.Errorf("changes[%d]: from and to are required", i)
		}
	}
	return nil
}

func (p *EnvStatusPayload) Validate() error { return nil }
