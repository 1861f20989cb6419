package policy

import (
	"context"
	"errors"
	"testing"

	"github.com/livefeed-io/livefeed/internal/gateway"
	"github.com/livefeed-io/livefeed/internal/identity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsAuthenticated(t *testing.T) {
	ctx := context.Background()

	ok, err := IsAuthenticated{}.Allow(ctx, nil, "create", nil)
	require.NoError(t, err)
	assert.False(t, ok, "anonymous must be denied")

	ok, err = IsAuthenticated{}.Allow(ctx, &identity.Identity{PK: "42"}, "create", nil)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAll(t *testing.T) {
	ctx := context.Background()
	deny := Func(func(context.Context, *identity.Identity, string, *gateway.Entity) (bool, error) {
		return false, nil
	})
	boom := Func(func(context.Context, *identity.Identity, string, *gateway.Entity) (bool, error) {
		return false, errors.New("boom")
	})

	ok, err := All(AllowAny{}, AllowAny{}).Allow(ctx, nil, "subscribe", nil)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = All(AllowAny{}, deny).Allow(ctx, nil, "subscribe", nil)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = All(boom, AllowAny{}).Allow(ctx, nil, "subscribe", nil)
	assert.Error(t, err, "evaluation failures must propagate")
}
