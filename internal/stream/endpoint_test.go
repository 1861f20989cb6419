package stream

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/livefeed-io/livefeed/internal/bus"
	"github.com/livefeed-io/livefeed/internal/codec"
	"github.com/livefeed-io/livefeed/internal/gateway"
	"github.com/livefeed-io/livefeed/internal/identity"
	"github.com/livefeed-io/livefeed/internal/policy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const orderSchema = `{
	"type": "object",
	"properties": {
		"customer": {"type": "string", "maxLength": 200},
		"status": {"type": "string", "enum": ["open", "paid"]},
		"counter": {"type": "integer", "minimum": 0}
	},
	"required": ["customer"],
	"additionalProperties": false
}`

type publishRecord struct {
	group string
	data  []byte
}

// busRecorder is an in-memory bus.Bus that records all calls.
type busRecorder struct {
	joins     []string
	leaves    []string
	publishes []publishRecord
}

func (b *busRecorder) Join(group string, _ bus.Subscriber) error {
	b.joins = append(b.joins, group)
	return nil
}

func (b *busRecorder) Leave(group string, _ bus.Subscriber) error {
	b.leaves = append(b.leaves, group)
	return nil
}

func (b *busRecorder) LeaveAll(bus.Subscriber) error { return nil }

func (b *busRecorder) Publish(group string, data []byte) {
	b.publishes = append(b.publishes, publishRecord{group: group, data: data})
}

func (b *busRecorder) CloseGroup(string, int) {}
func (b *busRecorder) Stop()                  {}

// frameSink collects frames sent to the connection.
type frameSink struct {
	frames []bus.Frame
}

func (s *frameSink) Send(f bus.Frame) bool {
	s.frames = append(s.frames, f)
	return true
}

func (s *frameSink) lastResponse(t *testing.T) Response {
	t.Helper()
	require.NotEmpty(t, s.frames, "expected a direct response")
	var resp Response
	require.NoError(t, json.Unmarshal(s.frames[len(s.frames)-1].Data, &resp))
	return resp
}

type endpointFixture struct {
	endpoint *Endpoint
	bus      *busRecorder
	sink     *frameSink
	store    *gateway.MemoryStore
	feed     *gateway.Feed
	events   <-chan gateway.Event
}

func newFixture(t *testing.T, mutate func(*Config)) *endpointFixture {
	t.Helper()

	feed := gateway.NewFeed()
	store := gateway.NewMemoryStore("orders", feed)
	c, err := codec.NewJSON(orderSchema)
	require.NoError(t, err)

	cfg := Config{
		Stream:       "orders",
		Store:        store,
		Codec:        c,
		Capabilities: Capabilities{Create: true, Update: true, Delete: true},
		CriteriaAliases: map[string]string{
			"counter_max": "counter<=",
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	require.NoError(t, cfg.applyDefaults())

	b := &busRecorder{}
	sink := &frameSink{}

	return &endpointFixture{
		endpoint: NewEndpoint(&cfg, b, sink, nil),
		bus:      b,
		sink:     sink,
		store:    store,
		feed:     feed,
		events:   feed.Subscribe(),
	}
}

func (f *endpointFixture) seed(t *testing.T, fields gateway.Fields) gateway.Entity {
	t.Helper()
	entity, err := f.store.Create(context.Background(), fields)
	require.NoError(t, err)
	// Drain the seeding event so tests only see endpoint-driven events.
	<-f.events
	return entity
}

func (f *endpointFixture) receive(t *testing.T, req Request) {
	t.Helper()
	require.NoError(t, f.endpoint.Receive(context.Background(), req))
}

func decodeBroadcast(t *testing.T, rec publishRecord) (string, map[string]any) {
	t.Helper()
	var b Broadcast
	require.NoError(t, json.Unmarshal(rec.data, &b))
	var data map[string]any
	require.NoError(t, json.Unmarshal(b.Data, &data))
	return b.Action, data
}

// --- Subscription ---

func TestEndpoint_SubscribeJoinsMatchingGroups(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t, gateway.Fields{"customer": "alice", "status": "open"})
	f.seed(t, gateway.Fields{"customer": "bob", "status": "paid"})

	f.receive(t, Request{Action: ActionSubscribe, Payload: []byte(`{"status": "open"}`)})

	assert.Equal(t, []string{"orders-1"}, f.bus.joins)
	resp := f.sink.lastResponse(t)
	assert.Equal(t, http.StatusOK, resp.Status)
}

func TestEndpoint_ResubscribeDoesNotRejoin(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t, gateway.Fields{"customer": "alice"})

	f.receive(t, Request{Action: ActionSubscribe, Payload: []byte(`{"customer": "alice"}`)})
	f.receive(t, Request{Action: ActionSubscribe, Payload: []byte(`{"customer": "alice"}`)})

	assert.Equal(t, []string{"orders-1"}, f.bus.joins, "second subscribe must not join again")
}

func TestEndpoint_SubscribeEmptyCriteriaMatchesNothing(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t, gateway.Fields{"customer": "alice"})

	f.receive(t, Request{Action: ActionSubscribe})

	assert.Empty(t, f.bus.joins)
	assert.Equal(t, http.StatusOK, f.sink.lastResponse(t).Status)
}

func TestEndpoint_SubscribeIgnoresUndeclaredCriteria(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t, gateway.Fields{"customer": "alice"})

	f.receive(t, Request{Action: ActionSubscribe, Payload: []byte(`{"rogue": "x"}`)})

	assert.Empty(t, f.bus.joins, "undeclared keys must not become criteria")
}

func TestEndpoint_SubscribeResolvesCriteriaAliases(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t, gateway.Fields{"customer": "a", "counter": float64(1)})
	f.seed(t, gateway.Fields{"customer": "b", "counter": float64(10)})

	f.receive(t, Request{Action: ActionSubscribe, Payload: []byte(`{"counter_max": 5}`)})

	assert.Equal(t, []string{"orders-1"}, f.bus.joins)
}

func TestEndpoint_SubscribeDeniedByPolicy(t *testing.T) {
	f := newFixture(t, func(cfg *Config) {
		cfg.Policy = policy.IsAuthenticated{}
	})
	f.seed(t, gateway.Fields{"customer": "alice"})

	f.receive(t, Request{Action: ActionSubscribe, Payload: []byte(`{"customer": "alice"}`)})

	assert.Empty(t, f.bus.joins)
	resp := f.sink.lastResponse(t)
	assert.Equal(t, http.StatusForbidden, resp.Status)
}

func TestEndpoint_UnsubscribeLeavesWhetherHeldOrNot(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t, gateway.Fields{"customer": "alice"})

	// Never subscribed, unsubscribing is still answered with 204.
	f.receive(t, Request{Action: ActionUnsubscribe, Payload: []byte(`{"customer": "alice"}`)})

	assert.Equal(t, []string{"orders-1"}, f.bus.leaves)
	assert.Equal(t, http.StatusNoContent, f.sink.lastResponse(t).Status)
}

func TestEndpoint_CustomGroupName(t *testing.T) {
	f := newFixture(t, func(cfg *Config) {
		cfg.GroupName = func(stream, _ string) string { return stream + "-all" }
	})
	f.seed(t, gateway.Fields{"customer": "alice"})
	f.seed(t, gateway.Fields{"customer": "bob"})

	f.receive(t, Request{Action: ActionSubscribe, Payload: []byte(`{"counter_max": 100}`)})

	assert.Equal(t, []string{"orders-all"}, f.bus.joins, "shared group must be joined once")
}

// --- Create ---

func TestEndpoint_CreateBroadcastsAfterResponse(t *testing.T) {
	f := newFixture(t, nil)

	f.receive(t, Request{Action: ActionCreate, Payload: []byte(`{"customer": "alice", "status": "open"}`)})

	resp := f.sink.lastResponse(t)
	assert.Equal(t, http.StatusCreated, resp.Status)

	require.Len(t, f.bus.publishes, 1)
	assert.Equal(t, "orders-1", f.bus.publishes[0].group)
	action, data := decodeBroadcast(t, f.bus.publishes[0])
	assert.Equal(t, "create", action)
	assert.Equal(t, "alice", data["customer"])
	assert.Equal(t, float64(1), data["id"])
}

func TestEndpoint_CreateSuppressesChangeFeedRebroadcast(t *testing.T) {
	f := newFixture(t, nil)

	f.receive(t, Request{Action: ActionCreate, Payload: []byte(`{"customer": "alice"}`)})

	ev := <-f.events
	assert.True(t, ev.Suppressed, "endpoint-driven mutations must mark their change event")
}

func TestEndpoint_CreateInvalidPayload(t *testing.T) {
	f := newFixture(t, nil)

	f.receive(t, Request{Action: ActionCreate, Payload: []byte(`{"status": "open"}`)})

	resp := f.sink.lastResponse(t)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.Status)
	assert.Empty(t, f.bus.publishes, "failed mutations must not broadcast")
}

func TestEndpoint_CreateWithoutCapability(t *testing.T) {
	f := newFixture(t, func(cfg *Config) {
		cfg.Capabilities = Capabilities{}
	})

	f.receive(t, Request{Action: ActionCreate, Payload: []byte(`{"customer": "alice"}`)})

	assert.Equal(t, http.StatusMethodNotAllowed, f.sink.lastResponse(t).Status)
}

func TestEndpoint_CreatePermissionCheckedBeforeValidation(t *testing.T) {
	f := newFixture(t, func(cfg *Config) {
		cfg.Policy = policy.IsAuthenticated{}
	})

	// Payload is also invalid; the permission failure must win.
	f.receive(t, Request{Action: ActionCreate, Payload: []byte(`{}`)})

	assert.Equal(t, http.StatusForbidden, f.sink.lastResponse(t).Status)
}

// --- Update ---

func TestEndpoint_UpdateBroadcastsMergedState(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t, gateway.Fields{"customer": "alice", "status": "open"})

	f.receive(t, Request{Action: ActionUpdate, Lookup: "1", Payload: []byte(`{"status": "paid"}`)})

	resp := f.sink.lastResponse(t)
	assert.Equal(t, http.StatusOK, resp.Status)

	require.Len(t, f.bus.publishes, 1)
	action, data := decodeBroadcast(t, f.bus.publishes[0])
	assert.Equal(t, "update", action)
	assert.Equal(t, "paid", data["status"])
	assert.Equal(t, "alice", data["customer"])
}

func TestEndpoint_UpdateWithoutLookup(t *testing.T) {
	f := newFixture(t, nil)

	f.receive(t, Request{Action: ActionUpdate, Payload: []byte(`{"status": "paid"}`)})

	resp := f.sink.lastResponse(t)
	assert.Equal(t, http.StatusNotFound, resp.Status)
}

func TestEndpoint_UpdateUnknownObject(t *testing.T) {
	f := newFixture(t, nil)

	f.receive(t, Request{Action: ActionUpdate, Lookup: "404", Payload: []byte(`{"status": "paid"}`)})

	assert.Equal(t, http.StatusNotFound, f.sink.lastResponse(t).Status)
	assert.Empty(t, f.bus.publishes)
}

func TestEndpoint_UpdateInvalidLookupValue(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t, gateway.Fields{"customer": "alice"})

	f.receive(t, Request{Action: ActionUpdate, Lookup: "not-a-number", Payload: []byte(`{"status": "paid"}`)})

	assert.Equal(t, http.StatusUnprocessableEntity, f.sink.lastResponse(t).Status)
}

// --- Delete ---

func TestEndpoint_DeleteBroadcastsLookupKeyOnly(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t, gateway.Fields{"customer": "alice", "status": "open"})

	f.receive(t, Request{Action: ActionDelete, Lookup: "1"})

	resp := f.sink.lastResponse(t)
	assert.Equal(t, http.StatusNoContent, resp.Status)

	require.Len(t, f.bus.publishes, 1)
	action, data := decodeBroadcast(t, f.bus.publishes[0])
	assert.Equal(t, "delete", action)
	assert.Equal(t, map[string]any{"id": float64(1)}, data, "deletion notice carries the key only")
}

func TestEndpoint_DeleteSkipsPolicy(t *testing.T) {
	denyAll := policy.Func(func(context.Context, *identity.Identity, string, *gateway.Entity) (bool, error) {
		return false, nil
	})
	f := newFixture(t, func(cfg *Config) {
		cfg.Policy = denyAll
	})
	f.seed(t, gateway.Fields{"customer": "alice"})

	f.receive(t, Request{Action: ActionDelete, Lookup: "1"})

	assert.Equal(t, http.StatusNoContent, f.sink.lastResponse(t).Status)
	require.Len(t, f.bus.publishes, 1)
}

// --- Dispatch edges ---

func TestEndpoint_UnknownAction(t *testing.T) {
	f := newFixture(t, nil)

	f.receive(t, Request{Action: Action("explode")})

	assert.Equal(t, http.StatusMethodNotAllowed, f.sink.lastResponse(t).Status)
}

func TestEndpoint_PolicyEvaluationFailureIsFatal(t *testing.T) {
	boom := policy.Func(func(context.Context, *identity.Identity, string, *gateway.Entity) (bool, error) {
		return false, errors.New("boom")
	})
	f := newFixture(t, func(cfg *Config) {
		cfg.Policy = boom
	})
	f.seed(t, gateway.Fields{"customer": "alice"})

	err := f.endpoint.Receive(context.Background(), Request{
		Action:  ActionSubscribe,
		Payload: []byte(`{"customer": "alice"}`),
	})

	require.Error(t, err, "policy failures must propagate past the message boundary")
	assert.Empty(t, f.sink.frames, "no response goes out for fatal errors")
}

// --- Transient broadcasting (change notifier path) ---

func TestEndpoint_TransientBroadcastChange(t *testing.T) {
	f := newFixture(t, nil)
	entity := f.seed(t, gateway.Fields{"customer": "alice", "status": "open"})

	transient := NewTransient(f.endpoint.cfg, f.bus)
	require.NoError(t, transient.BroadcastChange(gateway.ChangeUpdate, entity))

	require.Len(t, f.bus.publishes, 1)
	action, data := decodeBroadcast(t, f.bus.publishes[0])
	assert.Equal(t, "update", action)
	assert.Equal(t, "alice", data["customer"])
}

func TestEndpoint_TransientBroadcastDelete(t *testing.T) {
	f := newFixture(t, nil)
	entity := f.seed(t, gateway.Fields{"customer": "alice"})

	transient := NewTransient(f.endpoint.cfg, f.bus)
	require.NoError(t, transient.BroadcastChange(gateway.ChangeDelete, entity))

	require.Len(t, f.bus.publishes, 1)
	action, data := decodeBroadcast(t, f.bus.publishes[0])
	assert.Equal(t, "delete", action)
	assert.Equal(t, map[string]any{"id": float64(1)}, data)
}

// --- Registry ---

func TestRegistry_RegisterAndLookup(t *testing.T) {
	feed := gateway.NewFeed()
	store := gateway.NewMemoryStore("orders", feed)
	c, err := codec.NewJSON(orderSchema)
	require.NoError(t, err)

	reg := NewRegistry()
	require.NoError(t, reg.Register(Config{Stream: "orders", Store: store, Codec: c}))

	cfg, ok := reg.Lookup("orders")
	require.True(t, ok)
	assert.Equal(t, "orders", cfg.Kind, "kind defaults to the stream name")
	assert.Equal(t, "id", cfg.LookupField)

	_, ok = reg.Lookup("unknown")
	assert.False(t, ok)

	byKind, ok := reg.LookupKind("orders")
	require.True(t, ok)
	assert.Same(t, cfg, byKind)
}

func TestRegistry_DuplicateStreamName(t *testing.T) {
	feed := gateway.NewFeed()
	store := gateway.NewMemoryStore("orders", feed)
	c, err := codec.NewJSON(orderSchema)
	require.NoError(t, err)

	reg := NewRegistry()
	require.NoError(t, reg.Register(Config{Stream: "orders", Store: store, Codec: c}))
	err = reg.Register(Config{Stream: "orders", Store: store, Codec: c})
	assert.Error(t, err)
}

func TestRegistry_MissingCollaborators(t *testing.T) {
	reg := NewRegistry()
	assert.Error(t, reg.Register(Config{}))
	assert.Error(t, reg.Register(Config{Stream: "orders"}))
}
