package gateway

import (
	"log/slog"
	"sync"

	"github.com/livefeed-io/livefeed/internal/metrics"
)

// ChangeAction identifies the kind of committed mutation.
type ChangeAction string

const (
	ChangeCreate ChangeAction = "create"
	ChangeUpdate ChangeAction = "update"
	ChangeDelete ChangeAction = "delete"
)

// Event describes one committed mutation of an entity.
type Event struct {
	Kind       string
	Entity     Entity
	Action     ChangeAction
	Suppressed bool
}

const feedBufferSize = 256

// Feed is the typed change-event channel the storage layer publishes to
// and the change notifier subscribes to. Publish never blocks; events are
// dropped when a subscriber's buffer is full.
type Feed struct {
	mu     sync.Mutex
	subs   []chan Event
	closed bool
}

func NewFeed() *Feed {
	return &Feed{}
}

// Publish delivers the event to every current subscriber.
func (f *Feed) Publish(ev Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	metrics.ChangeEventsPublished.WithLabelValues(ev.Kind, string(ev.Action)).Inc()
	for _, ch := range f.subs {
		select {
		case ch <- ev:
		default:
			metrics.ChangeEventsDropped.Inc()
			slog.Warn("Change event dropped, subscriber buffer full", "kind", ev.Kind, "action", string(ev.Action))
		}
	}
}

// Subscribe registers a new subscriber and returns its event channel.
func (f *Feed) Subscribe() <-chan Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan Event, feedBufferSize)
	if f.closed {
		close(ch)
		return ch
	}
	f.subs = append(f.subs, ch)
	return ch
}

// Close closes all subscriber channels. Publish becomes a no-op.
func (f *Feed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for _, ch := range f.subs {
		close(ch)
	}
	f.subs = nil
}
