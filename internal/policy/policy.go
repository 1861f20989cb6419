// Package policy evaluates whether an identity may perform an action,
// optionally against a resolved object. The broadcast core treats policy
// as an external collaborator; only the trivial building blocks live here.
package policy

import (
	"context"

	"github.com/livefeed-io/livefeed/internal/gateway"
	"github.com/livefeed-io/livefeed/internal/identity"
)

// Policy decides (identity, action, object) -> allow/deny. The object is
// nil for create and for the action-level half of the check. A returned
// error means the policy itself failed to evaluate, which callers treat
// as a missing implementation rather than a denial.
type Policy interface {
	Allow(ctx context.Context, ident *identity.Identity, action string, obj *gateway.Entity) (bool, error)
}

// Func adapts a function to the Policy interface.
type Func func(ctx context.Context, ident *identity.Identity, action string, obj *gateway.Entity) (bool, error)

func (f Func) Allow(ctx context.Context, ident *identity.Identity, action string, obj *gateway.Entity) (bool, error) {
	return f(ctx, ident, action, obj)
}

// AllowAny permits every action.
type AllowAny struct{}

func (AllowAny) Allow(context.Context, *identity.Identity, string, *gateway.Entity) (bool, error) {
	return true, nil
}

// IsAuthenticated permits actions only for authenticated identities.
type IsAuthenticated struct{}

func (IsAuthenticated) Allow(_ context.Context, ident *identity.Identity, _ string, _ *gateway.Entity) (bool, error) {
	return ident != nil, nil
}

// All combines policies; every policy must allow.
func All(policies ...Policy) Policy {
	return Func(func(ctx context.Context, ident *identity.Identity, action string, obj *gateway.Entity) (bool, error) {
		for _, p := range policies {
			ok, err := p.Allow(ctx, ident, action, obj)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
		return true, nil
	})
}
