package hub

import (
	"testing"

	"github.com/brianly1003/wsgate/internal/domain/events"
	"github.com/brianly1003/wsgate/internal/testutil"
)

func TestFilteredSubscriber_ProjectScope(t *testing.T) {
	inner := testutil.NewMockSubscriber("conn-1")
	fs := NewFilteredSubscriber(inner, "proj-a", "client-1")

	_ = fs.Send(events.NewEnvStatusEvent("proj-a", "env-1", "running", events.ResourceUsage{}, ""))
	_ = fs.Send(events.NewEnvStatusEvent("proj-b", "env-2", "running", events.ResourceUsage{}, ""))
	_ = fs.Send(events.NewHeartbeatEvent(1))

	if inner.EventCount() != 2 {
		t.Errorf("expected 2 events forwarded (own project + global), got %d", inner.EventCount())
	}
}

func TestFilteredSubscriber_TargetAndExclude(t *testing.T) {
	inner := testutil.NewMockSubscriber("conn-1")
	fs := NewFilteredSubscriber(inner, "p", "alice")

	_ = fs.Send(events.NewCollabEditAcceptedEvent("p", "alice", "f", 2))
	_ = fs.Send(events.NewCollabEditAcceptedEvent("p", "bob", "f", 2))
	_ = fs.Send(events.NewProjectEvent(events.EventTypePreviewLog, "p", nil).Except("alice"))
	_ = fs.Send(events.NewProjectEvent(events.EventTypePreviewLog, "p", nil).Except("bob"))

	if inner.EventCount() != 2 {
		t.Fatalf("expected 2 events forwarded, got %d", inner.EventCount())
	}
	if inner.Events()[0].Type() != events.EventTypeCollabEditAccepted {
		t.Errorf("first event = %v, want editAccepted", inner.Events()[0].Type())
	}
}

func TestFilteredSubscriber_FileScope(t *testing.T) {
	inner := testutil.NewMockSubscriber("conn-1")
	fs := NewFilteredSubscriber(inner, "p", "alice")

	edit := func(version int64) events.Event {
		return events.NewCollabEditEvent("p", events.CollabEditPayload{
			FileID:   "main.go",
			ClientID: "bob",
			Version:  version,
		})
	}

	// Not subscribed: nothing forwarded
	_ = fs.Send(edit(1))
	if inner.EventCount() != 0 {
		t.Fatalf("unsubscribed file forwarded %d events", inner.EventCount())
	}

	// Snapshot at version 3: edits up to 3 are already reflected
	fs.SubscribeFile("main.go", 3)
	_ = fs.Send(edit(3))
	_ = fs.Send(edit(4))
	_ = fs.Send(events.NewCollabPresenceEvent("p", events.CollabPresencePayload{ClientID: "bob", FileID: "main.go"}))

	if inner.EventCount() != 2 {
		t.Fatalf("expected edit 4 and presence, got %d events", inner.EventCount())
	}

	fs.UnsubscribeFile("main.go")
	_ = fs.Send(edit(5))
	if inner.EventCount() != 2 {
		t.Errorf("event forwarded after unsubscribe")
	}
	if len(fs.SubscribedFiles()) != 0 {
		t.Errorf("SubscribedFiles() = %v, want empty", fs.SubscribedFiles())
	}
}

func TestFilteredSubscriber_Delegates(t *testing.T) {
	inner := testutil.NewMockSubscriber("conn-1")
	fs := NewFilteredSubscriber(inner, "p", "alice")

	if fs.ID() != "conn-1" {
		t.Errorf("ID() = %q, want conn-1", fs.ID())
	}
	if fs.ClientID() != "alice" {
		t.Errorf("ClientID() = %q, want alice", fs.ClientID())
	}
	_ = fs.Close()
	if !inner.IsClosed() {
		t.Error("Close() should close the inner subscriber")
	}
	select {
	case <-fs.Done():
	default:
		t.Error("Done() should be closed")
	}
}
