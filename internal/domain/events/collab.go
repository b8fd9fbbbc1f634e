package events

// Position is a zero-based cursor position in a document.
type Position struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

// Change is one step of an edit. It is either a range replacement of the
// text between From and To, or a unified diff against the document.
type Change struct {
	From *Position `json:"from,omitempty"`
	To   *Position `json:"to,omitempty"`
	Text string    `json:"text,omitempty"`
	Diff string    `json:"diff,omitempty"`
}

// IsDiff reports whether the change is a unified diff.
func (c Change) IsDiff() bool {
	return c.Diff != ""
}

// Participant describes one subscriber of a collaborative file.
type Participant struct {
	ClientID string    `json:"clientId"`
	Color    string    `json:"color"`
	Position *Position `json:"position,omitempty"`
}

// CollabSnapshotPayload is sent to a client when it subscribes to a file.
type CollabSnapshotPayload struct {
	FileID       string        `json:"fileId"`
	Content      string        `json:"content"`
	Version      int64         `json:"version"`
	Participants []Participant `json:"participants"`
}

// CollabPresencePayload is the payload for collab.presence events.
type CollabPresencePayload struct {
	ClientID string    `json:"clientId"`
	FileID   string    `json:"fileId"`
	Position *Position `json:"position,omitempty"`
	Color    string    `json:"color"`
	Left     bool      `json:"left,omitempty"`
}

// CollabEditPayload is broadcast to the other subscribers of a file when an
// edit is accepted. Changes are relayed exactly as submitted.
type CollabEditPayload struct {
	FileID      string   `json:"fileId"`
	ClientID    string   `json:"clientId"`
	BaseVersion int64    `json:"baseVersion"`
	Version     int64    `json:"version"`
	Changes     []Change `json:"changes"`
}

// CollabEditAcceptedPayload is the payload for collab.editAccepted events.
type CollabEditAcceptedPayload struct {
	FileID  string `json:"fileId"`
	Version int64  `json:"version"`
}

// CollabEditRejectedPayload is the payload for collab.editRejected events.
type CollabEditRejectedPayload struct {
	FileID         string `json:"fileId"`
	CurrentVersion int64  `json:"currentVersion"`
	CurrentContent string `json:"currentContent"`
}

// NewCollabSnapshotEvent creates a collab.snapshot event for one client.
func NewCollabSnapshotEvent(projectID, clientID string, payload CollabSnapshotPayload) *BaseEvent {
	if payload.Participants == nil {
		payload.Participants = []Participant{}
	}
	return NewProjectEvent(EventTypeCollabSnapshot, projectID, payload).To(clientID)
}

// NewCollabPresenceEvent creates a collab.presence event for everyone but the mover.
func NewCollabPresenceEvent(projectID string, payload CollabPresencePayload) *BaseEvent {
	return NewProjectEvent(EventTypeCollabPresence, projectID, payload).
		ForFile(payload.FileID, 0).
		Except(payload.ClientID)
}

// NewCollabEditEvent creates a collab.edit event for everyone but the author.
func NewCollabEditEvent(projectID string, payload CollabEditPayload) *BaseEvent {
	return NewProjectEvent(EventTypeCollabEdit, projectID, payload).
		ForFile(payload.FileID, payload.Version).
		Except(payload.ClientID)
}

// NewCollabEditAcceptedEvent creates a collab.editAccepted event for the author.
func NewCollabEditAcceptedEvent(projectID, clientID, fileID string, version int64) *BaseEvent {
	return NewProjectEvent(EventTypeCollabEditAccepted, projectID, CollabEditAcceptedPayload{
		FileID:  fileID,
		Version: version,
	}).To(clientID)
}

// NewCollabEditRejectedEvent creates a collab.editRejected event for the author.
func NewCollabEditRejectedEvent(projectID, clientID, fileID string, version int64, content string) *BaseEvent {
	return NewProjectEvent(EventTypeCollabEditRejected, projectID, CollabEditRejectedPayload{
		FileID:         fileID,
		CurrentVersion: version,
		CurrentContent: content,
	}).To(clientID)
}
