package gateway

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	// ErrNotFound is returned when no entity matches a lookup.
	ErrNotFound = errors.New("entity not found")
	// ErrInvalidLookup is returned when a lookup or criteria value cannot
	// be coerced to the field's type.
	ErrInvalidLookup = errors.New("invalid lookup value")
)

// Fields holds the named field values of an entity. Values follow
// encoding/json conventions (float64, int64, string, bool, nil).
type Fields map[string]any

// Clone returns a shallow copy of the fields.
func (f Fields) Clone() Fields {
	c := make(Fields, len(f))
	for k, v := range f {
		c[k] = v
	}
	return c
}

// Entity is a persisted record addressable by a primary lookup key.
// PK is the canonical string form of the key; Fields contains every
// serializable field including the key itself.
type Entity struct {
	PK     string
	Fields Fields
}

// ID returns the typed primary key value for wire payloads, falling back
// to the string PK when the id field is absent (e.g. after deletion the
// key is restored onto the detached entity).
func (e Entity) ID() any {
	if v, ok := e.Fields["id"]; ok {
		return v
	}
	return e.PK
}

// Op is a comparison operator for filter criteria.
type Op string

const (
	OpEq  Op = "="
	OpLt  Op = "<"
	OpLte Op = "<="
	OpGt  Op = ">"
	OpGte Op = ">="
)

// Criteria maps field keys to match values. A key may carry a comparison
// suffix ("counter<=", "rank>"); a bare key means equality.
type Criteria map[string]any

// ParseKey splits a criteria key into field name and operator.
func ParseKey(key string) (string, Op) {
	switch {
	case strings.HasSuffix(key, string(OpLte)):
		return strings.TrimSuffix(key, string(OpLte)), OpLte
	case strings.HasSuffix(key, string(OpGte)):
		return strings.TrimSuffix(key, string(OpGte)), OpGte
	case strings.HasSuffix(key, string(OpLt)):
		return strings.TrimSuffix(key, string(OpLt)), OpLt
	case strings.HasSuffix(key, string(OpGt)):
		return strings.TrimSuffix(key, string(OpGt)), OpGt
	default:
		return key, OpEq
	}
}

// MutateOption configures a single mutation call.
type MutateOption func(*MutateConfig)

// MutateConfig carries per-mutation flags threaded through store calls.
type MutateConfig struct {
	SuppressBroadcast bool
}

// SuppressBroadcast marks the mutation's change event as already broadcast,
// so the deferred notification path skips it.
func SuppressBroadcast() MutateOption {
	return func(c *MutateConfig) { c.SuppressBroadcast = true }
}

// ApplyMutateOptions folds options into a config.
func ApplyMutateOptions(opts []MutateOption) MutateConfig {
	var cfg MutateConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// Store abstracts the persisted-object store for one entity kind.
// Every committed mutation publishes a change event to the store's feed,
// regardless of who drove it.
type Store interface {
	// Get returns the entity whose field equals value.
	// Returns ErrNotFound or ErrInvalidLookup.
	Get(ctx context.Context, field, value string) (Entity, error)
	// Filter returns entities matching all criteria. Empty criteria
	// yield an empty result set, never all records.
	Filter(ctx context.Context, criteria Criteria) ([]Entity, error)
	Create(ctx context.Context, fields Fields, opts ...MutateOption) (Entity, error)
	Update(ctx context.Context, e Entity, fields Fields, opts ...MutateOption) (Entity, error)
	Delete(ctx context.Context, e Entity, opts ...MutateOption) error
}

// CompareValues compares two field values, coercing numerics.
// Returns ErrInvalidLookup when the values are not comparable.
func CompareValues(a, b any) (int, error) {
	if af, aok := toFloat(a); aok {
		bf, bok := toFloat(b)
		if !bok {
			return 0, fmt.Errorf("%w: cannot compare %T with number", ErrInvalidLookup, b)
		}
		switch {
		case af < bf:
			return -1, nil
		case af > bf:
			return 1, nil
		default:
			return 0, nil
		}
	}

	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return strings.Compare(as, bs), nil
	}

	if a == b {
		return 0, nil
	}
	return 0, fmt.Errorf("%w: cannot compare %T with %T", ErrInvalidLookup, a, b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
