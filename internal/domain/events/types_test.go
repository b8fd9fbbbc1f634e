package events

import (
	"encoding/json"
	"testing"
	"time"
)

func TestBaseEvent_Type(t *testing.T) {
	tests := []struct {
		name      string
		eventType EventType
	}{
		{"env.status", EventTypeEnvStatus},
		{"terminal.output", EventTypeTerminalOutput},
		{"terminal.exit", EventTypeTerminalExit},
		{"preview.status", EventTypePreviewStatus},
		{"collab.editAccepted", EventTypeCollabEditAccepted},
		{"heartbeat", EventTypeHeartbeat},
		{"error", EventTypeError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			event := NewEvent(tt.eventType, nil)

			if event.Type() != tt.eventType {
				t.Errorf("Type() = %v, want %v", event.Type(), tt.eventType)
			}
			if string(event.Type()) != tt.name {
				t.Errorf("wire tag = %q, want %q", event.Type(), tt.name)
			}
		})
	}
}

func TestBaseEvent_Timestamp(t *testing.T) {
	before := time.Now().UTC()
	event := NewEvent(EventTypeHeartbeat, nil)
	after := time.Now().UTC()

	ts := event.Timestamp()

	if ts.Before(before) {
		t.Errorf("Timestamp() = %v, should be >= %v", ts, before)
	}
	if ts.After(after) {
		t.Errorf("Timestamp() = %v, should be <= %v", ts, after)
	}
}

func TestBaseEvent_ToJSON_Flattened(t *testing.T) {
	event := NewTerminalExitEvent("proj-1", "sess-1", 3).WithRequestID("req-9")

	data, err := event.ToJSON()
	if err != nil {
		t.Fatalf("ToJSON() error = %v", err)
	}

	var parsed map[string]interface{}
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("failed to parse JSON: %v", err)
	}

	if parsed["type"] != "terminal.exit" {
		t.Errorf("type = %v, want terminal.exit", parsed["type"])
	}
	if parsed["projectId"] != "proj-1" {
		t.Errorf("projectId = %v, want proj-1", parsed["projectId"])
	}
	if parsed["requestId"] != "req-9" {
		t.Errorf("requestId = %v, want req-9", parsed["requestId"])
	}
	if parsed["sessionId"] != "sess-1" {
		t.Errorf("sessionId = %v, want sess-1", parsed["sessionId"])
	}
	if parsed["code"] != float64(3) {
		t.Errorf("code = %v, want 3", parsed["code"])
	}
	if _, ok := parsed["timestamp"]; !ok {
		t.Error("timestamp missing")
	}
	if _, ok := parsed["payload"]; ok {
		t.Error("struct payload should be flattened, not nested")
	}
}

func TestBaseEvent_ToJSON_RoutingFieldsHidden(t *testing.T) {
	event := NewCollabEditEvent("proj-1", CollabEditPayload{
		FileID:   "f1",
		ClientID: "alice",
		Version:  4,
		Changes:  []Change{{Text: "x", From: &Position{}, To: &Position{}}},
	}).To("bob")

	data, err := event.ToJSON()
	if err != nil {
		t.Fatalf("ToJSON() error = %v", err)
	}

	var parsed map[string]interface{}
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("failed to parse JSON: %v", err)
	}
	for _, key := range []string{"TargetClientID", "ExcludeClientID", "FileID", "Version"} {
		if _, ok := parsed[key]; ok {
			t.Errorf("routing field %q leaked onto the wire", key)
		}
	}
	if parsed["fileId"] != "f1" {
		t.Errorf("fileId = %v, want f1", parsed["fileId"])
	}
	if event.GetFileID() != "f1" || event.GetVersion() != 4 {
		t.Errorf("routing = (%q, %d), want (f1, 4)", event.GetFileID(), event.GetVersion())
	}
	if event.GetExcludeClientID() != "alice" || event.GetTargetClientID() != "bob" {
		t.Errorf("exclude/target = %q/%q", event.GetExcludeClientID(), event.GetTargetClientID())
	}
}

func TestBaseEvent_ToJSON_NonObjectPayload(t *testing.T) {
	event := NewEvent(EventTypeHeartbeat, []string{"a", "b"})

	data, err := event.ToJSON()
	if err != nil {
		t.Fatalf("ToJSON() error = %v", err)
	}

	var parsed map[string]interface{}
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("failed to parse JSON: %v", err)
	}
	list, ok := parsed["payload"].([]interface{})
	if !ok || len(list) != 2 {
		t.Errorf("payload = %v, want two element list", parsed["payload"])
	}
}

func TestBaseEvent_ToJSON_EmptyPayload(t *testing.T) {
	event := NewEvent(EventTypeHeartbeat, struct{}{})

	data, err := event.ToJSON()
	if err != nil {
		t.Fatalf("ToJSON() error = %v", err)
	}
	if !json.Valid(data) {
		t.Fatalf("invalid JSON: %s", data)
	}
}

func TestNewErrorEvent(t *testing.T) {
	event := NewErrorEvent("proj-1", "UNKNOWN_MESSAGE", "unknown type", "terminal.bogus", "r1")

	payload, ok := event.Payload.(ErrorPayload)
	if !ok {
		t.Fatal("Payload is not ErrorPayload")
	}
	if payload.Code != "UNKNOWN_MESSAGE" {
		t.Errorf("Code = %q", payload.Code)
	}
	if payload.RequestType != "terminal.bogus" {
		t.Errorf("RequestType = %q", payload.RequestType)
	}
	if event.RequestID != "r1" {
		t.Errorf("RequestID = %q, want r1", event.RequestID)
	}
}

func TestCollabEvents_Routing(t *testing.T) {
	snap := NewCollabSnapshotEvent("p", "c1", CollabSnapshotPayload{FileID: "f"})
	if snap.GetTargetClientID() != "c1" {
		t.Errorf("snapshot target = %q, want c1", snap.GetTargetClientID())
	}
	if snap.Payload.(CollabSnapshotPayload).Participants == nil {
		t.Error("participants should never be nil")
	}

	presence := NewCollabPresenceEvent("p", CollabPresencePayload{ClientID: "c1", FileID: "f"})
	if presence.GetExcludeClientID() != "c1" || presence.GetFileID() != "f" {
		t.Errorf("presence routing = exclude %q file %q", presence.GetExcludeClientID(), presence.GetFileID())
	}

	rejected := NewCollabEditRejectedEvent("p", "c2", "f", 7, "body")
	if rejected.GetTargetClientID() != "c2" {
		t.Errorf("rejected target = %q, want c2", rejected.GetTargetClientID())
	}
}
