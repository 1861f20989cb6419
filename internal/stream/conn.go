package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/livefeed-io/livefeed/internal/bus"
	"github.com/livefeed-io/livefeed/internal/correlation"
	"github.com/livefeed-io/livefeed/internal/identity"
	"github.com/livefeed-io/livefeed/internal/metrics"
)

// envelope is the inbound wire message. Routing metadata travels in the
// stream path ("<stream>/<action>/<id?>"); the payload is handed to the
// resolved endpoint untouched.
type envelope struct {
	Stream  string          `json:"stream"`
	Payload json.RawMessage `json:"payload"`
}

// Conn demultiplexes one WebSocket connection: it owns one endpoint per
// registered stream for the connection's lifetime, routes inbound
// messages by stream name, and forwards bus deliveries to the socket.
type Conn struct {
	id        string
	ws        *websocket.Conn
	writer    *connWriter
	busRef    bus.Bus
	ident     *identity.Identity
	path      string
	endpoints map[string]*Endpoint

	closeOnce sync.Once
}

// NewConn builds the demultiplexer for an upgraded connection and joins
// it to its identity group. requestPath is the original upgrade path,
// used as routing fallback for envelopes without a stream field.
func NewConn(ws *websocket.Conn, registry *Registry, b bus.Bus, ident *identity.Identity, requestPath string, clock clockwork.Clock) (*Conn, error) {
	c := &Conn{
		id:        uuid.NewString(),
		ws:        ws,
		writer:    newConnWriter(ws, clock),
		busRef:    b,
		ident:     ident,
		path:      requestPath,
		endpoints: make(map[string]*Endpoint),
	}

	for _, name := range registry.Streams() {
		cfg, _ := registry.Lookup(name)
		c.endpoints[name] = NewEndpoint(cfg, b, c, ident)
	}

	// Every live connection is a member of exactly one identity group,
	// enabling forced mass-disconnect.
	if err := b.Join(ident.Group(), c); err != nil {
		c.writer.stop()
		return nil, fmt.Errorf("join identity group: %w", err)
	}

	metrics.WebSocketConnectionsTotal.Inc()
	metrics.WebSocketActiveConnections.Inc()
	return c, nil
}

// ID returns the connection's correlation ID.
func (c *Conn) ID() string {
	return c.id
}

// Send implements bus.Subscriber: bus deliveries are forwarded verbatim
// as outbound frames; disconnect instructions terminate the connection.
func (c *Conn) Send(f bus.Frame) bool {
	return c.writer.enqueue(f)
}

// Run reads inbound messages until the connection closes. Message
// handling is strictly sequential: mutation state on the endpoints is
// connection-local and not safe for concurrent reentry.
func (c *Conn) Run(ctx context.Context) {
	ctx = correlation.WithID(ctx, c.id)
	defer c.Close()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		if err := c.handleMessage(ctx, data); err != nil {
			// Misconfiguration or policy evaluation failure: these
			// propagate past the message boundary and end the connection.
			slog.ErrorContext(ctx, "Fatal error handling message, closing connection", "error", err)
			return
		}
	}
}

func (c *Conn) handleMessage(ctx context.Context, data []byte) error {
	var env envelope
	path := ""
	if err := json.Unmarshal(data, &env); err == nil && env.Stream != "" {
		path = env.Stream
	} else {
		// Fall back to inferring the stream from the original request path.
		path = strings.Trim(c.path, "/")
	}

	segments := strings.Split(path, "/")
	endpoint, ok := c.endpoints[segments[0]]
	if !ok {
		c.respondNotFound()
		return nil
	}

	req := Request{Payload: env.Payload}
	if len(segments) > 1 {
		req.Action = Action(segments[1])
	}
	if len(segments) > 2 {
		req.Lookup = segments[2]
	}

	return endpoint.Receive(ctx, req)
}

// respondNotFound answers an unregistered stream directly, without
// routing to any endpoint.
func (c *Conn) respondNotFound() {
	data, err := json.Marshal(map[string]any{
		"status": http.StatusNotFound,
		"detail": "Not found",
	})
	if err != nil {
		return
	}
	c.writer.enqueue(bus.Frame{Data: data})
}

// Close tears the connection down: every group membership held by this
// connection (subscription groups and the identity group) is removed
// from the bus synchronously, then the writer is stopped.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		if err := c.busRef.LeaveAll(c); err != nil {
			slog.Error("Failed to leave groups during teardown", "connection_id", c.id, "error", err)
		}
		c.writer.stopGraceful(websocket.CloseGoingAway, "connection closed")
		metrics.WebSocketActiveConnections.Dec()
	})
}
