// Package events defines all outbound event types used by the gateway.
package events

import (
	"bytes"
	"context"
	"encoding/json"
	"time"
)

// EventType represents the type of event. It is the "type" tag on the wire.
type EventType string

const (
	// Environment events
	EventTypeEnvStatus EventType = "env.status"

	// Terminal events
	EventTypeTerminalOpened      EventType = "terminal.opened"
	EventTypeTerminalOutput      EventType = "terminal.output"
	EventTypeTerminalExit        EventType = "terminal.exit"
	EventTypeTerminalDetached    EventType = "terminal.detached"
	EventTypeTerminalSuggestions EventType = "terminal.suggestions"

	// Preview events
	EventTypePreviewStatus EventType = "preview.status"
	EventTypePreviewLog    EventType = "preview.log"

	// Collaboration events
	EventTypeCollabSnapshot     EventType = "collab.snapshot"
	EventTypeCollabPresence     EventType = "collab.presence"
	EventTypeCollabEdit         EventType = "collab.edit"
	EventTypeCollabEditAccepted EventType = "collab.editAccepted"
	EventTypeCollabEditRejected EventType = "collab.editRejected"

	// File events
	EventTypeFileChanged EventType = "fs.changed"

	// Response events
	EventTypeError EventType = "error"

	// Connection events
	EventTypeHeartbeat EventType = "heartbeat"
)

// Event is the base interface for all events.
type Event interface {
	// Type returns the event type.
	Type() EventType

	// Timestamp returns when the event occurred.
	Timestamp() time.Time

	// ToJSON serializes the event to its flat wire form.
	ToJSON() ([]byte, error)

	// GetProjectID returns the project the event belongs to (may be empty).
	GetProjectID() string

	// GetFileID returns the collaborative file the event is scoped to (may be empty).
	GetFileID() string

	// GetVersion returns the document version carried by file-scoped events.
	GetVersion() int64

	// GetTargetClientID returns the only client that should receive the event (may be empty).
	GetTargetClientID() string

	// GetExcludeClientID returns a client that must not receive the event (may be empty).
	GetExcludeClientID() string
}

// BaseEvent contains common fields for all events. Routing fields never reach
// the wire; the payload fields are flattened next to the envelope fields.
type BaseEvent struct {
	EventType EventType   `json:"type"`
	EventTime time.Time   `json:"timestamp"`
	ProjectID string      `json:"projectId,omitempty"`
	RequestID string      `json:"requestId,omitempty"`
	Payload   interface{} `json:"-"`

	FileID          string `json:"-"`
	Version         int64  `json:"-"`
	TargetClientID  string `json:"-"`
	ExcludeClientID string `json:"-"`
}

// GetProjectID returns the project ID.
func (e *BaseEvent) GetProjectID() string {
	return e.ProjectID
}

// GetFileID returns the file ID.
func (e *BaseEvent) GetFileID() string {
	return e.FileID
}

// GetVersion returns the document version.
func (e *BaseEvent) GetVersion() int64 {
	return e.Version
}

// GetTargetClientID returns the target client ID.
func (e *BaseEvent) GetTargetClientID() string {
	return e.TargetClientID
}

// GetExcludeClientID returns the excluded client ID.
func (e *BaseEvent) GetExcludeClientID() string {
	return e.ExcludeClientID
}

// Type returns the event type.
func (e *BaseEvent) Type() EventType {
	return e.EventType
}

// Timestamp returns when the event occurred.
func (e *BaseEvent) Timestamp() time.Time {
	return e.EventTime
}

// ToJSON serializes the event. A struct or map payload is merged into the
// envelope object; any other payload is placed under "payload".
func (e *BaseEvent) ToJSON() ([]byte, error) {
	head, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	if e.Payload == nil {
		return head, nil
	}

	body, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, err
	}
	body = bytes.TrimSpace(body)

	if len(body) < 2 || body[0] != '{' {
		wrapped, err := json.Marshal(struct {
			Payload json.RawMessage `json:"payload"`
		}{body})
		if err != nil {
			return nil, err
		}
		body = wrapped
	}
	if len(body) == 2 {
		return head, nil
	}

	out := make([]byte, 0, len(head)+len(body))
	out = append(out, head[:len(head)-1]...)
	out = append(out, ',')
	out = append(out, body[1:]...)
	return out, nil
}

type requestIDKey struct{}

// ContextWithRequestID returns a context whose resulting events echo requestID.
func ContextWithRequestID(ctx context.Context, requestID string) context.Context {
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

// RequestIDFromContext returns the request ID carried by ctx, if any.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// WithRequestID sets the request ID for correlation and returns the event.
func (e *BaseEvent) WithRequestID(requestID string) *BaseEvent {
	e.RequestID = requestID
	return e
}

// To restricts delivery to a single client.
func (e *BaseEvent) To(clientID string) *BaseEvent {
	e.TargetClientID = clientID
	return e
}

// Except skips delivery to the given client.
func (e *BaseEvent) Except(clientID string) *BaseEvent {
	e.ExcludeClientID = clientID
	return e
}

// ForFile scopes the event to a collaborative file at a document version.
func (e *BaseEvent) ForFile(fileID string, version int64) *BaseEvent {
	e.FileID = fileID
	e.Version = version
	return e
}

// NewEvent creates a new base event with the given type and payload.
func NewEvent(eventType EventType, payload interface{}) *BaseEvent {
	return &BaseEvent{
		EventType: eventType,
		EventTime: time.Now().UTC(),
		Payload:   payload,
	}
}

// NewProjectEvent creates a new event scoped to a project.
func NewProjectEvent(eventType EventType, projectID string, payload interface{}) *BaseEvent {
	return &BaseEvent{
		EventType: eventType,
		EventTime: time.Now().UTC(),
		ProjectID: projectID,
		Payload:   payload,
	}
}

// ErrorPayload is the payload for error events.
type ErrorPayload struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	RequestType string `json:"requestType,omitempty"`
}

// NewErrorEvent creates a new error event in reply to a request.
func NewErrorEvent(projectID, code, message, requestType, requestID string) *BaseEvent {
	return NewProjectEvent(EventTypeError, projectID, ErrorPayload{
		Code:        code,
		Message:     message,
		RequestType: requestType,
	}).WithRequestID(requestID)
}

// HeartbeatPayload is the payload for heartbeat events.
type HeartbeatPayload struct {
	ServerTime int64 `json:"serverTime"`
	Sequence   int64 `json:"sequence"`
}

// NewHeartbeatEvent creates a new heartbeat event.
func NewHeartbeatEvent(sequence int64) *BaseEvent {
	return NewEvent(EventTypeHeartbeat, HeartbeatPayload{
		ServerTime: time.Now().Unix(),
		Sequence:   sequence,
	})
}
