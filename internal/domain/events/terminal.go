package events

// TerminalOpenedPayload is the payload for terminal.opened events.
type TerminalOpenedPayload struct {
	SessionID string `json:"sessionId"`
	Cols      int    `json:"cols"`
	Rows      int    `json:"rows"`
}

// TerminalOutputPayload carries a chunk of shell output and its absolute
// byte offset in the session's output stream.
type TerminalOutputPayload struct {
	SessionID string `json:"sessionId"`
	Data      string `json:"data"`
	Offset    int64  `json:"offset"`
}

// TerminalExitPayload is the payload for terminal.exit events.
type TerminalExitPayload struct {
	SessionID string `json:"sessionId"`
	Code      int    `json:"code"`
}

// TerminalDetachedPayload is sent when the server drops an attachment.
type TerminalDetachedPayload struct {
	SessionID string `json:"sessionId"`
	Reason    string `json:"reason"`
}

// Suggestion is a single autocomplete candidate.
type Suggestion struct {
	Text   string `json:"text"`
	Source string `json:"source"` // "history" or "file"
	Score  int    `json:"score"`
}

// TerminalSuggestionsPayload is the payload for terminal.suggestions events.
type TerminalSuggestionsPayload struct {
	Text        string       `json:"text"`
	Suggestions []Suggestion `json:"suggestions"`
}

// NewTerminalOpenedEvent creates a new terminal.opened event.
func NewTerminalOpenedEvent(projectID, sessionID string, cols, rows int) *BaseEvent {
	return NewProjectEvent(EventTypeTerminalOpened, projectID, TerminalOpenedPayload{
		SessionID: sessionID,
		Cols:      cols,
		Rows:      rows,
	})
}

// NewTerminalOutputEvent creates a new terminal.output event.
func NewTerminalOutputEvent(projectID, sessionID string, data []byte, offset int64) *BaseEvent {
	return NewProjectEvent(EventTypeTerminalOutput, projectID, TerminalOutputPayload{
		SessionID: sessionID,
		Data:      string(data),
		Offset:    offset,
	})
}

// NewTerminalExitEvent creates a new terminal.exit event.
func NewTerminalExitEvent(projectID, sessionID string, code int) *BaseEvent {
	return NewProjectEvent(EventTypeTerminalExit, projectID, TerminalExitPayload{
		SessionID: sessionID,
		Code:      code,
	})
}

// NewTerminalDetachedEvent creates a new terminal.detached event.
func NewTerminalDetachedEvent(projectID, sessionID, reason string) *BaseEvent {
	return NewProjectEvent(EventTypeTerminalDetached, projectID, TerminalDetachedPayload{
		SessionID: sessionID,
		Reason:    reason,
	})
}

// NewTerminalSuggestionsEvent creates a new terminal.suggestions event.
func NewTerminalSuggestionsEvent(projectID, text string, suggestions []Suggestion) *BaseEvent {
	if suggestions == nil {
		suggestions = []Suggestion{}
	}
	return NewProjectEvent(EventTypeTerminalSuggestions, projectID, TerminalSuggestionsPayload{
		Text:        text,
		Suggestions: suggestions,
	})
}
