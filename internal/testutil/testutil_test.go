package testutil

import (
	"errors"
	"testing"
	"time"

	"github.com/brianly1003/wsgate/internal/domain/events"
)

// --- MockSubscriber Tests ---

func TestNewMockSubscriber(t *testing.T) {
	sub := NewMockSubscriber("test-sub")

	if sub.ID() != "test-sub" {
		t.Errorf("expected ID test-sub, got %s", sub.ID())
	}
	if sub.EventCount() != 0 {
		t.Errorf("expected 0 events, got %d", sub.EventCount())
	}
	if sub.IsClosed() {
		t.Error("expected subscriber to not be closed initially")
	}
}

func TestMockSubscriber_SendWithError(t *testing.T) {
	sub := NewMockSubscriber("test-sub")
	expectedErr := errors.New("send failed")
	sub.SetSendError(expectedErr)

	err := sub.Send(events.NewEvent(events.EventTypeHeartbeat, nil))
	if !errors.Is(err, expectedErr) {
		t.Errorf("expected %v, got %v", expectedErr, err)
	}
	if sub.EventCount() != 0 {
		t.Errorf("expected 0 events after failed send, got %d", sub.EventCount())
	}
}

func TestMockSubscriber_Close(t *testing.T) {
	sub := NewMockSubscriber("test-sub")
	_ = sub.Close()
	_ = sub.Close()

	if !sub.IsClosed() {
		t.Error("expected subscriber to be closed")
	}
	select {
	case <-sub.Done():
	default:
		t.Error("expected Done channel to be closed")
	}
}

// --- MockEventHub Tests ---

func TestMockEventHub_EventsOfType(t *testing.T) {
	hub := NewMockEventHub()

	hub.Publish(events.NewEvent(events.EventTypeHeartbeat, nil))
	hub.Publish(events.NewTerminalExitEvent("p", "s1", 0))
	hub.Publish(events.NewTerminalExitEvent("p", "s2", 1))

	exits := hub.EventsOfType(events.EventTypeTerminalExit)
	if len(exits) != 2 {
		t.Fatalf("expected 2 exit events, got %d", len(exits))
	}
	if exits[1].Payload.(events.TerminalExitPayload).Code != 1 {
		t.Errorf("events out of order")
	}

	hub.Reset()
	if len(hub.PublishedEvents()) != 0 {
		t.Error("Reset() should drop events")
	}
}

func TestMockEventHub_Unsubscribe(t *testing.T) {
	hub := NewMockEventHub()
	hub.Subscribe(NewMockSubscriber("sub-1"))
	hub.Subscribe(NewMockSubscriber("sub-2"))

	hub.Unsubscribe("sub-1")
	hub.Unsubscribe("non-existent")

	if hub.SubscriberCount() != 1 {
		t.Errorf("expected 1 subscriber, got %d", hub.SubscriberCount())
	}
}

func TestWaitFor(t *testing.T) {
	start := time.Now()
	ready := time.Now().Add(30 * time.Millisecond)

	WaitFor(t, time.Second, "clock", func() bool { return time.Now().After(ready) })

	if time.Since(start) < 30*time.Millisecond {
		t.Error("WaitFor returned before condition held")
	}
}
