package events

// PreviewStatusPayload is the payload for preview.status events.
type PreviewStatusPayload struct {
	PreviewID string   `json:"previewId"`
	Status    string   `json:"status"`
	Port      int      `json:"port"`
	Command   string   `json:"command,omitempty"`
	ExitCode  *int     `json:"exitCode,omitempty"`
	Error     string   `json:"error,omitempty"`
	LogTail   []string `json:"logTail,omitempty"`
}

// PreviewLogPayload is the payload for preview.log events.
type PreviewLogPayload struct {
	PreviewID string `json:"previewId"`
	Line      string `json:"line"`
	Stream    string `json:"stream"` // stdout or stderr
}

// NewPreviewStatusEvent creates a new preview.status event.
func NewPreviewStatusEvent(projectID string, payload PreviewStatusPayload) *BaseEvent {
	return NewProjectEvent(EventTypePreviewStatus, projectID, payload)
}

// NewPreviewLogEvent creates a new preview.log event.
func NewPreviewLogEvent(projectID, previewID, stream, line string) *BaseEvent {
	return NewProjectEvent(EventTypePreviewLog, projectID, PreviewLogPayload{
		PreviewID: previewID,
		Line:      line,
		Stream:    stream,
	})
}
