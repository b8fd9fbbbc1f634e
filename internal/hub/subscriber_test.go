package hub

import (
	"errors"
	"sync"
	"testing"

	"github.com/brianly1003/wsgate/internal/domain"
	"github.com/brianly1003/wsgate/internal/domain/events"
)

func TestLogSubscriber(t *testing.T) {
	var mu sync.Mutex
	var logged []events.EventType

	sub := NewLogSubscriber("log", func(e events.Event) {
		mu.Lock()
		defer mu.Unlock()
		logged = append(logged, e.Type())
	})

	_ = sub.Send(events.NewEvent(events.EventTypeEnvStatus, nil))
	_ = sub.Send(events.NewEvent(events.EventTypePreviewLog, nil))

	mu.Lock()
	if len(logged) != 2 {
		t.Errorf("logged %d events, want 2", len(logged))
	}
	mu.Unlock()

	_ = sub.Close()
	if err := sub.Send(events.NewEvent(events.EventTypeHeartbeat, nil)); !errors.Is(err, domain.ErrSubscriberClosed) {
		t.Errorf("Send() after close error = %v", err)
	}
}
