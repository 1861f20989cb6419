// Package notify re-broadcasts committed mutations that were not driven
// through a live subscription endpoint (admin-side changes, bulk jobs).
// Together with the immediate path's suppression flag this guarantees
// every mutation reaches subscribers exactly once.
package notify

import (
	"context"
	"log/slog"

	"github.com/livefeed-io/livefeed/internal/bus"
	"github.com/livefeed-io/livefeed/internal/gateway"
	"github.com/livefeed-io/livefeed/internal/metrics"
	"github.com/livefeed-io/livefeed/internal/stream"
)

// Notifier consumes the gateway change feed and broadcasts unsuppressed
// events through a transient, endpoint-shaped broadcaster.
type Notifier struct {
	registry *stream.Registry
	bus      bus.Bus
	events   <-chan gateway.Event
	done     chan struct{}
}

func New(registry *stream.Registry, b bus.Bus, feed *gateway.Feed) *Notifier {
	return &Notifier{
		registry: registry,
		bus:      b,
		events:   feed.Subscribe(),
		done:     make(chan struct{}),
	}
}

// Start consumes change events until ctx is cancelled or the feed closes.
// Blocks; run it on its own goroutine.
func (n *Notifier) Start(ctx context.Context) {
	defer close(n.done)

	for {
		select {
		case ev, ok := <-n.events:
			if !ok {
				return
			}
			n.handle(ev)
		case <-ctx.Done():
			return
		}
	}
}

// Done is closed when the notifier loop has exited.
func (n *Notifier) Done() <-chan struct{} {
	return n.done
}

func (n *Notifier) handle(ev gateway.Event) {
	if ev.Suppressed {
		// The direct path already broadcast this mutation.
		metrics.NotifierSuppressedTotal.Inc()
		return
	}

	cfg, ok := n.registry.LookupKind(ev.Kind)
	if !ok {
		slog.Debug("No stream registered for entity kind", "kind", ev.Kind)
		return
	}

	broadcaster := stream.NewTransient(cfg, n.bus)
	if err := broadcaster.BroadcastChange(ev.Action, ev.Entity); err != nil {
		slog.Error("Failed to broadcast change event",
			"kind", ev.Kind,
			"action", string(ev.Action),
			"pk", ev.Entity.PK,
			"error", err,
		)
		return
	}
	metrics.NotifierBroadcastsTotal.WithLabelValues(ev.Kind, string(ev.Action)).Inc()
}
