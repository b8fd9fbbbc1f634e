package hub

import (
	"github.com/brianly1003/wsgate/internal/domain/events"
	"github.com/brianly1003/wsgate/internal/domain/ports"
	"github.com/brianly1003/wsgate/internal/sync"
)

// FilteredSubscriber wraps a connection's subscriber and forwards only the
// events that connection should see:
//
//   - the event belongs to the connection's project (or is global)
//   - the event targets this client, or no client in particular
//   - the event does not exclude this client
//   - file-scoped events only for subscribed files, above the version the
//     client's snapshot already contained
type FilteredSubscriber struct {
	inner     ports.Subscriber
	projectID string
	clientID  string
	files     map[string]int64 // fileID -> snapshot version cutoff
	mu        sync.RWMutex
}

// NewFilteredSubscriber creates a new filtered subscriber wrapping the given subscriber.
func NewFilteredSubscriber(inner ports.Subscriber, projectID, clientID string) *FilteredSubscriber {
	return &FilteredSubscriber{
		inner:     inner,
		projectID: projectID,
		clientID:  clientID,
		files:     make(map[string]int64),
	}
}

// ID returns the subscriber's unique identifier.
func (f *FilteredSubscriber) ID() string {
	return f.inner.ID()
}

// Send sends an event to the subscriber if it passes the filter.
func (f *FilteredSubscriber) Send(event events.Event) error {
	if !f.shouldForward(event) {
		return nil
	}
	return f.inner.Send(event)
}

// Close closes the subscriber.
func (f *FilteredSubscriber) Close() error {
	return f.inner.Close()
}

// Done returns a channel that's closed when the subscriber is done.
func (f *FilteredSubscriber) Done() <-chan struct{} {
	return f.inner.Done()
}

// ClientID returns the client the filter was built for.
func (f *FilteredSubscriber) ClientID() string {
	return f.clientID
}

// SubscribeFile starts forwarding events for a file whose version is above
// the given cutoff.
func (f *FilteredSubscriber) SubscribeFile(fileID string, cutoff int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[fileID] = cutoff
}

// UnsubscribeFile stops forwarding events for a file.
func (f *FilteredSubscriber) UnsubscribeFile(fileID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.files, fileID)
}

// SubscribedFiles returns the subscribed file IDs.
func (f *FilteredSubscriber) SubscribedFiles() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()

	result := make([]string, 0, len(f.files))
	for id := range f.files {
		result = append(result, id)
	}
	return result
}

// shouldForward determines if an event should be forwarded to the subscriber.
func (f *FilteredSubscriber) shouldForward(event events.Event) bool {
	if pid := event.GetProjectID(); pid != "" && pid != f.projectID {
		return false
	}
	if target := event.GetTargetClientID(); target != "" && target != f.clientID {
		return false
	}
	if exclude := event.GetExcludeClientID(); exclude != "" && exclude == f.clientID {
		return false
	}

	fileID := event.GetFileID()
	if fileID == "" {
		return true
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	cutoff, ok := f.files[fileID]
	if !ok {
		return false
	}
	if v := event.GetVersion(); v > 0 && v <= cutoff {
		return false
	}
	return true
}
