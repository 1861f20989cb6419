package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/livefeed-io/livefeed/internal/bus"
	"github.com/livefeed-io/livefeed/internal/gateway"
	"github.com/livefeed-io/livefeed/internal/identity"
	"github.com/livefeed-io/livefeed/internal/metrics"
)

// Request is one routed inbound message for a single stream.
type Request struct {
	Action  Action
	Lookup  string
	Payload []byte
}

// Response is the outbound direct-response envelope.
type Response struct {
	Status int `json:"status"`
	Text   any `json:"text"`
}

// Broadcast is the outbound broadcast envelope delivered to every member
// of the target group.
type Broadcast struct {
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data"`
}

// Endpoint is the per-connection, per-stream subscription state machine.
// It is driven strictly sequentially by the connection's read loop; its
// per-message state (action, cached object) is not safe for concurrent
// reentry.
type Endpoint struct {
	cfg   *Config
	bus   bus.Bus
	sub   bus.Subscriber
	ident *identity.Identity

	groups map[string]struct{}

	// Per-message state, cleared on every return to idle.
	action Action
	object *gateway.Entity
}

// NewEndpoint binds a stream configuration to one connection.
func NewEndpoint(cfg *Config, b bus.Bus, sub bus.Subscriber, ident *identity.Identity) *Endpoint {
	return &Endpoint{
		cfg:    cfg,
		bus:    b,
		sub:    sub,
		ident:  ident,
		groups: make(map[string]struct{}),
	}
}

// NewTransient builds an endpoint-shaped broadcaster for change
// notifications not driven by a live connection. It never tracks groups
// and has no connection to respond to.
func NewTransient(cfg *Config, b bus.Bus) *Endpoint {
	return &Endpoint{cfg: cfg, bus: b}
}

// Groups returns the currently joined groups.
func (e *Endpoint) Groups() map[string]struct{} {
	return e.groups
}

// Receive processes one inbound message. Per-message errors are mapped to
// a response for the requesting connection; only misconfiguration and
// policy evaluation failures are returned to the caller.
func (e *Endpoint) Receive(ctx context.Context, req Request) error {
	start := time.Now()
	e.action = req.Action
	status := 0
	defer func() {
		// The endpoint must be reusable for the next message: always
		// return to idle and drop the cached target object.
		e.object = nil
		e.action = ""
		metrics.EndpointActionsTotal.WithLabelValues(e.cfg.Stream, string(req.Action), strconv.Itoa(status)).Inc()
		metrics.EndpointActionDuration.WithLabelValues(e.cfg.Stream, string(req.Action)).Observe(time.Since(start).Seconds())
	}()

	err := e.dispatch(ctx, req)
	if err == nil {
		status = successStatus(req.Action)
		return nil
	}
	if isFatal(err) {
		status = http.StatusInternalServerError
		return err
	}

	streamErr := asError(err)
	status = streamErr.Status
	if streamErr.Status == http.StatusInternalServerError {
		slog.Error("Unhandled endpoint error", "stream", e.cfg.Stream, "action", string(req.Action), "error", err)
	}
	e.respond(streamErr.Status, streamErr.Detail)
	return nil
}

func successStatus(action Action) int {
	switch action {
	case ActionSubscribe, ActionUpdate:
		return http.StatusOK
	case ActionCreate:
		return http.StatusCreated
	case ActionUnsubscribe, ActionDelete:
		return http.StatusNoContent
	default:
		return http.StatusOK
	}
}

func (e *Endpoint) dispatch(ctx context.Context, req Request) error {
	if !e.actionAllowed(req.Action) {
		return methodNotAllowed(req.Action)
	}

	switch req.Action {
	case ActionSubscribe:
		return e.subscribe(ctx, req)
	case ActionUnsubscribe:
		return e.unsubscribe(ctx, req)
	case ActionCreate:
		return e.create(ctx, req)
	case ActionUpdate:
		return e.update(ctx, req)
	case ActionDelete:
		return e.delete(ctx, req)
	default:
		return methodNotAllowed(req.Action)
	}
}

// actionAllowed gates mutations on the static capability flags declared at
// registration. Subscribe and unsubscribe are always permitted; policy is
// evaluated per object inside the handlers.
func (e *Endpoint) actionAllowed(action Action) bool {
	switch action {
	case ActionSubscribe, ActionUnsubscribe:
		return true
	case ActionCreate:
		return e.cfg.Capabilities.Create
	case ActionUpdate:
		return e.cfg.Capabilities.Update
	case ActionDelete:
		return e.cfg.Capabilities.Delete
	default:
		return false
	}
}

// --- Subscription ---

func (e *Endpoint) subscribe(ctx context.Context, req Request) error {
	objects, err := e.resolveObjects(ctx, req.Payload)
	if err != nil {
		return err
	}

	for i := range objects {
		if err := e.checkPermissions(ctx, &objects[i]); err != nil {
			return err
		}
	}

	// Join only the groups not already held: re-subscribing must not
	// issue redundant join calls to the bus.
	for _, group := range e.groupNames(objects) {
		if _, held := e.groups[group]; held {
			continue
		}
		if err := e.bus.Join(group, e.sub); err != nil {
			return fmt.Errorf("join group %q: %w", group, err)
		}
		e.groups[group] = struct{}{}
	}

	e.respond(http.StatusOK, map[string]any{"detail": "subscription successful"})
	return nil
}

func (e *Endpoint) unsubscribe(ctx context.Context, req Request) error {
	objects, err := e.resolveObjects(ctx, req.Payload)
	if err != nil {
		return err
	}

	// Leave all target groups whether held or not; leaving a non-held
	// group is a no-op on the bus.
	for _, group := range e.groupNames(objects) {
		if err := e.bus.Leave(group, e.sub); err != nil {
			return fmt.Errorf("leave group %q: %w", group, err)
		}
		delete(e.groups, group)
	}

	e.respond(http.StatusNoContent, map[string]any{"detail": "subscription cancelled"})
	return nil
}

// resolveObjects parses the payload into filter criteria restricted to the
// declared field names (plus criteria aliases) and resolves the matching
// entities. Empty criteria yield an empty result set.
func (e *Endpoint) resolveObjects(ctx context.Context, payload []byte) ([]gateway.Entity, error) {
	criteria, err := e.subscriptionCriteria(payload)
	if err != nil {
		return nil, err
	}
	return e.cfg.Store.Filter(ctx, criteria)
}

func (e *Endpoint) subscriptionCriteria(payload []byte) (gateway.Criteria, error) {
	if len(payload) == 0 {
		return nil, nil
	}

	var data map[string]any
	if err := json.Unmarshal(payload, &data); err != nil {
		return nil, invalidLookup()
	}

	declared := make(map[string]struct{})
	for _, name := range e.cfg.Codec.FieldNames() {
		declared[name] = struct{}{}
	}

	criteria := make(gateway.Criteria)
	for key, value := range data {
		if mapped, ok := e.cfg.CriteriaAliases[key]; ok {
			criteria[mapped] = value
			continue
		}
		if _, ok := declared[key]; ok {
			criteria[key] = value
		}
	}
	return criteria, nil
}

func (e *Endpoint) groupNames(objects []gateway.Entity) []string {
	seen := make(map[string]struct{}, len(objects))
	names := make([]string, 0, len(objects))
	for _, obj := range objects {
		name := e.cfg.GroupName(e.cfg.Stream, obj.PK)
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}
	return names
}

// --- Mutations ---

func (e *Endpoint) create(ctx context.Context, req Request) error {
	if err := e.checkPermissions(ctx, nil); err != nil {
		return err
	}

	fields, err := e.cfg.Codec.Validate(req.Payload, false)
	if err != nil {
		return err
	}

	// Suppress the change hook: this path broadcasts immediately.
	instance, err := e.cfg.Store.Create(ctx, fields, gateway.SuppressBroadcast())
	if err != nil {
		return err
	}
	if instance.PK == "" {
		return misconfigured("store for stream %q returned no instance from create", e.cfg.Stream)
	}

	e.respond(http.StatusCreated, map[string]any{"detail": "creation successful"})
	return e.broadcastEntity(instance)
}

func (e *Endpoint) update(ctx context.Context, req Request) error {
	obj, err := e.getObject(ctx, req.Lookup)
	if err != nil {
		return err
	}

	if err := e.checkPermissions(ctx, obj); err != nil {
		return err
	}

	fields, err := e.cfg.Codec.Validate(req.Payload, true)
	if err != nil {
		return err
	}

	instance, err := e.cfg.Store.Update(ctx, *obj, fields, gateway.SuppressBroadcast())
	if err != nil {
		return err
	}
	if instance.PK == "" {
		return misconfigured("store for stream %q returned no instance from update", e.cfg.Stream)
	}

	e.respond(http.StatusOK, map[string]any{"detail": "update successful"})
	return e.broadcastEntity(instance)
}

func (e *Endpoint) delete(ctx context.Context, req Request) error {
	obj, err := e.getObject(ctx, req.Lookup)
	if err != nil {
		return err
	}

	// Capture the lookup key before deletion so the detached instance can
	// still be addressed for the broadcast.
	detached := *obj
	if err := e.cfg.Store.Delete(ctx, *obj, gateway.SuppressBroadcast()); err != nil {
		return err
	}

	e.respond(http.StatusNoContent, map[string]any{"detail": "deletion successful"})
	return e.broadcastDeleted(detached)
}

// getObject resolves and caches the target of the current action.
func (e *Endpoint) getObject(ctx context.Context, lookup string) (*gateway.Entity, error) {
	if e.object != nil {
		return e.object, nil
	}
	if lookup == "" {
		return nil, notFound("The URL should include a lookup value.")
	}

	obj, err := e.cfg.Store.Get(ctx, e.cfg.LookupField, lookup)
	if err != nil {
		return nil, err
	}
	e.object = &obj
	return e.object, nil
}

// --- Broadcasting ---

// BroadcastChange emits the canonical change notification for a committed
// mutation. It is shared by the immediate path (after an endpoint-driven
// mutation) and the deferred path (the change notifier).
func (e *Endpoint) BroadcastChange(action gateway.ChangeAction, instance gateway.Entity) error {
	e.action = Action(action)
	defer func() { e.action = "" }()

	if action == gateway.ChangeDelete {
		return e.broadcastDeleted(instance)
	}
	return e.broadcastEntity(instance)
}

func (e *Endpoint) broadcastEntity(instance gateway.Entity) error {
	data, err := e.cfg.Codec.Render(instance)
	if err != nil {
		return misconfigured("render instance for stream %q: %w", e.cfg.Stream, err)
	}
	e.groupSend(e.cfg.GroupName(e.cfg.Stream, instance.PK), data)
	return nil
}

// broadcastDeleted sends only the lookup key: the entity no longer exists.
func (e *Endpoint) broadcastDeleted(instance gateway.Entity) error {
	data, err := json.Marshal(map[string]any{"id": instance.ID()})
	if err != nil {
		return fmt.Errorf("marshal deletion notice: %w", err)
	}
	e.groupSend(e.cfg.GroupName(e.cfg.Stream, instance.PK), data)
	return nil
}

func (e *Endpoint) groupSend(group string, data json.RawMessage) {
	frame, err := json.Marshal(Broadcast{Action: string(e.action), Data: data})
	if err != nil {
		slog.Error("Failed to marshal broadcast", "stream", e.cfg.Stream, "group", group, "error", err)
		return
	}
	e.bus.Publish(group, frame)
}

// --- Permissions ---

func (e *Endpoint) checkPermissions(ctx context.Context, obj *gateway.Entity) error {
	allowed, err := e.cfg.Policy.Allow(ctx, e.ident, string(e.action), obj)
	if err != nil {
		// The policy collaborator itself failed: a missing custom
		// implementation, not a user error.
		return &fatalError{cause: fmt.Errorf("policy for stream %q failed to evaluate: %w", e.cfg.Stream, err)}
	}
	if !allowed {
		return permissionDenied()
	}
	return nil
}

// --- Responses ---

func (e *Endpoint) respond(status int, text any) {
	if e.sub == nil {
		return
	}
	data, err := json.Marshal(Response{Status: status, Text: text})
	if err != nil {
		slog.Error("Failed to marshal response", "stream", e.cfg.Stream, "error", err)
		return
	}
	e.sub.Send(bus.Frame{Data: data})
}
