package stream

import (
	"fmt"
	"sort"

	"github.com/livefeed-io/livefeed/internal/codec"
	"github.com/livefeed-io/livefeed/internal/gateway"
	"github.com/livefeed-io/livefeed/internal/policy"
)

// Action identifies an inbound protocol action.
type Action string

const (
	ActionSubscribe   Action = "subscribe"
	ActionUnsubscribe Action = "unsubscribe"
	ActionCreate      Action = "create"
	ActionUpdate      Action = "update"
	ActionDelete      Action = "delete"
)

// Capabilities declares which mutations a stream exposes. Subscribe and
// unsubscribe are always dispatchable; policy is evaluated per object
// inside the handlers, not at this gate.
type Capabilities struct {
	Create bool
	Update bool
	Delete bool
}

// Config declares one registered entity stream.
type Config struct {
	// Stream is the name clients route messages by.
	Stream string
	// Kind is the entity kind for change-feed lookups. Defaults to Stream.
	Kind string
	// Store is the persisted-object gateway for this stream.
	Store gateway.Store
	// Codec validates payloads and renders entities.
	Codec codec.Codec
	// Policy gates mutations and per-object subscription. Defaults to
	// AllowAny.
	Policy policy.Policy
	// LookupField resolves the target object from the message path.
	// Defaults to "id".
	LookupField string
	// Capabilities enables create/update/delete dispatch.
	Capabilities Capabilities
	// CriteriaAliases remaps subscription payload keys to filter criteria,
	// e.g. "counter_max" -> "counter<=".
	CriteriaAliases map[string]string
	// GroupName overrides group derivation. The default emits one group
	// per object ("<stream>-<pk>"); an override may emit a single shared
	// group for "all updates" streams.
	GroupName func(stream, pk string) string
}

func defaultGroupName(stream, pk string) string {
	return fmt.Sprintf("%s-%s", stream, pk)
}

func (c *Config) applyDefaults() error {
	if c.Stream == "" {
		return fmt.Errorf("stream config should include a stream name")
	}
	if c.Store == nil {
		return fmt.Errorf("stream %q should include a store", c.Stream)
	}
	if c.Codec == nil {
		return fmt.Errorf("stream %q should include a codec", c.Stream)
	}
	if c.Kind == "" {
		c.Kind = c.Stream
	}
	if c.Policy == nil {
		c.Policy = policy.AllowAny{}
	}
	if c.LookupField == "" {
		c.LookupField = "id"
	}
	if c.GroupName == nil {
		c.GroupName = defaultGroupName
	}
	return nil
}

// Registry maps stream names to their configurations. It is populated
// once at startup, before any connection is accepted, and read-only
// afterwards; registering a duplicate stream name is a startup-time
// fatal error.
type Registry struct {
	byStream map[string]*Config
	byKind   map[string]*Config
}

func NewRegistry() *Registry {
	return &Registry{
		byStream: make(map[string]*Config),
		byKind:   make(map[string]*Config),
	}
}

// Register adds stream configurations, applying defaults and validating
// required collaborators.
func (r *Registry) Register(configs ...Config) error {
	for i := range configs {
		cfg := configs[i]
		if err := cfg.applyDefaults(); err != nil {
			return err
		}
		if existing, ok := r.byStream[cfg.Stream]; ok {
			return fmt.Errorf("stream name %q is already registered for kind %q", cfg.Stream, existing.Kind)
		}
		r.byStream[cfg.Stream] = &cfg
		if _, ok := r.byKind[cfg.Kind]; !ok {
			r.byKind[cfg.Kind] = &cfg
		}
	}
	return nil
}

// Lookup resolves a stream name.
func (r *Registry) Lookup(stream string) (*Config, bool) {
	cfg, ok := r.byStream[stream]
	return cfg, ok
}

// LookupKind resolves the stream registered for an entity kind, used by
// the change notifier.
func (r *Registry) LookupKind(kind string) (*Config, bool) {
	cfg, ok := r.byKind[kind]
	return cfg, ok
}

// Streams returns the registered stream names in stable order.
func (r *Registry) Streams() []string {
	names := make([]string, 0, len(r.byStream))
	for name := range r.byStream {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
