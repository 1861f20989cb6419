package redis

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/livefeed-io/livefeed/internal/bus"
	"github.com/livefeed-io/livefeed/internal/metrics"
	goredis "github.com/redis/go-redis/v9"
)

// relayChannel is the single Pub/Sub channel all instances share. Frames
// carry the group name, so one channel is enough.
const relayChannel = "livefeed:groups"

const publishTimeout = 2 * time.Second

// relayFrame is the wire format mirrored through Redis. Origin identifies
// the publishing instance so it can skip its own frames on the way back.
type relayFrame struct {
	Origin string `json:"origin"`
	Group  string `json:"group"`
	Data   []byte `json:"data,omitempty"`
	Close  bool   `json:"close,omitempty"`
	Code   int    `json:"code,omitempty"`
}

// Relay distributes group broadcasts across instances. It implements bus.Bus
// by delegating membership to a local bus and mirroring every publish and
// group close through Redis Pub/Sub. Frames arriving from other instances
// are replayed into the local bus.
type Relay struct {
	local  *bus.Local
	rdb    *goredis.Client
	origin string
	sub    *goredis.PubSub
	cancel context.CancelFunc
	done   chan struct{}
}

var _ bus.Bus = (*Relay)(nil)

// NewRelay wraps local with cross-instance distribution and starts the
// receive loop. Call Stop to tear it down.
func NewRelay(client *Client, local *bus.Local) *Relay {
	ctx, cancel := context.WithCancel(context.Background())

	r := &Relay{
		local:  local,
		rdb:    client.rdb,
		origin: uuid.NewString(),
		sub:    client.rdb.Subscribe(ctx, relayChannel),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go r.receiveLoop(ctx)
	return r
}

// Join delegates to the local bus. Membership is per instance.
func (r *Relay) Join(group string, s bus.Subscriber) error {
	return r.local.Join(group, s)
}

// Leave delegates to the local bus.
func (r *Relay) Leave(group string, s bus.Subscriber) error {
	return r.local.Leave(group, s)
}

// LeaveAll delegates to the local bus.
func (r *Relay) LeaveAll(s bus.Subscriber) error {
	return r.local.LeaveAll(s)
}

// Publish delivers to local subscribers and mirrors the frame to all other
// instances via Redis.
func (r *Relay) Publish(group string, data []byte) {
	r.local.Publish(group, data)
	r.mirror(relayFrame{Origin: r.origin, Group: group, Data: data})
}

// CloseGroup closes local members of the group and mirrors the close so
// other instances drop their members too.
func (r *Relay) CloseGroup(group string, code int) {
	r.local.CloseGroup(group, code)
	r.mirror(relayFrame{Origin: r.origin, Group: group, Close: true, Code: code})
}

// Stop cancels the receive loop, closes the subscription, and stops the
// local bus.
func (r *Relay) Stop() {
	r.cancel()
	_ = r.sub.Close()
	<-r.done
	r.local.Stop()
}

func (r *Relay) mirror(frame relayFrame) {
	data, err := json.Marshal(frame)
	if err != nil {
		slog.Error("Failed to marshal relay frame", "group", frame.Group, "error", err)
		metrics.RelayPublishesTotal.WithLabelValues("error").Inc()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	if err := r.rdb.Publish(ctx, relayChannel, data).Err(); err != nil {
		// Local delivery already happened; cross-instance delivery is lost
		// for this frame only.
		slog.Error("Failed to mirror frame to redis", "group", frame.Group, "error", err)
		metrics.RelayPublishesTotal.WithLabelValues("error").Inc()
		return
	}
	metrics.RelayPublishesTotal.WithLabelValues("success").Inc()
}

func (r *Relay) receiveLoop(ctx context.Context) {
	defer close(r.done)

	msgCh := r.sub.Channel()
	for {
		select {
		case msg, ok := <-msgCh:
			if !ok {
				return
			}
			r.handleMessage(msg.Payload)
		case <-ctx.Done():
			return
		}
	}
}

func (r *Relay) handleMessage(payload string) {
	var frame relayFrame
	if err := json.Unmarshal([]byte(payload), &frame); err != nil {
		slog.Error("Failed to unmarshal relay frame", "error", err)
		return
	}

	if frame.Origin == r.origin {
		// Our own frame echoed back; local delivery already happened.
		return
	}

	metrics.RelayReceivedTotal.Inc()

	if frame.Close {
		r.local.CloseGroup(frame.Group, frame.Code)
		return
	}
	r.local.Publish(frame.Group, frame.Data)
}

// Ping verifies the underlying Redis connection, used by readiness checks.
func (r *Relay) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}
