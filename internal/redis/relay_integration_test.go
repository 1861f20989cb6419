package redis

import (
	"context"
	"flag"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/livefeed-io/livefeed/internal/bus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/redis"
)

var testRedisURL string

func TestMain(m *testing.M) {
	flag.Parse()

	// Skip container setup if running in short mode
	if testing.Short() {
		os.Exit(m.Run())
	}

	ctx := context.Background()
	container, err := redis.Run(ctx, "redis:7-alpine")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start redis container: %v\n", err)
		os.Exit(1)
	}

	defer func() {
		if err := container.Terminate(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "failed to terminate redis container: %v\n", err)
		}
	}()

	endpoint, err := container.Endpoint(ctx, "")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to get redis endpoint: %v\n", err)
		os.Exit(1)
	}
	testRedisURL = "redis://" + endpoint

	os.Exit(m.Run())
}

// chanSubscriber buffers frames for assertions.
type chanSubscriber struct {
	frames chan bus.Frame
}

func newChanSubscriber() *chanSubscriber {
	return &chanSubscriber{frames: make(chan bus.Frame, 16)}
}

func (s *chanSubscriber) Send(f bus.Frame) bool {
	select {
	case s.frames <- f:
		return true
	default:
		return false
	}
}

func (s *chanSubscriber) await(t *testing.T) bus.Frame {
	t.Helper()
	select {
	case f := <-s.frames:
		return f
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for frame")
		return bus.Frame{}
	}
}

func (s *chanSubscriber) assertSilent(t *testing.T) {
	t.Helper()
	select {
	case f := <-s.frames:
		t.Fatalf("unexpected frame: %+v", f)
	case <-time.After(300 * time.Millisecond):
	}
}

// newTestRelay builds a relay over its own local bus, simulating one
// server instance.
func newTestRelay(t *testing.T) *Relay {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	ctx := context.Background()
	client, err := NewClient(ctx, testRedisURL)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	relay := NewRelay(client, bus.NewLocal(clockwork.NewRealClock()))
	t.Cleanup(relay.Stop)

	// The subscription must be established before tests publish, or early
	// frames vanish.
	require.Eventually(t, func() bool {
		return relay.Ping(ctx) == nil
	}, 5*time.Second, 50*time.Millisecond)
	time.Sleep(200 * time.Millisecond)

	return relay
}

func TestRelay_CrossInstancePublish(t *testing.T) {
	instanceA := newTestRelay(t)
	instanceB := newTestRelay(t)

	sub := newChanSubscriber()
	require.NoError(t, instanceB.Join("orders-1", sub))

	instanceA.Publish("orders-1", []byte(`{"action":"update"}`))

	frame := sub.await(t)
	assert.False(t, frame.Close)
	assert.JSONEq(t, `{"action":"update"}`, string(frame.Data))
}

func TestRelay_OwnFramesAreNotReplayed(t *testing.T) {
	instance := newTestRelay(t)

	sub := newChanSubscriber()
	require.NoError(t, instance.Join("orders-1", sub))

	instance.Publish("orders-1", []byte(`{"n":1}`))

	// Exactly one delivery: the direct local one, not the Redis echo.
	sub.await(t)
	sub.assertSilent(t)
}

func TestRelay_GroupScoping(t *testing.T) {
	instanceA := newTestRelay(t)
	instanceB := newTestRelay(t)

	sub := newChanSubscriber()
	require.NoError(t, instanceB.Join("orders-2", sub))

	instanceA.Publish("orders-1", []byte(`{"n":1}`))

	sub.assertSilent(t)
}

func TestRelay_CloseGroupIsMirrored(t *testing.T) {
	instanceA := newTestRelay(t)
	instanceB := newTestRelay(t)

	sub := newChanSubscriber()
	require.NoError(t, instanceB.Join(".user42", sub))

	instanceA.CloseGroup(".user42", bus.CloseCodeForced)

	frame := sub.await(t)
	assert.True(t, frame.Close)
	assert.Equal(t, bus.CloseCodeForced, frame.Code)
}

func TestClient_Ping(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	ctx := context.Background()
	client, err := NewClient(ctx, testRedisURL)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	assert.NoError(t, client.Ping(ctx))
}

func TestNewClient_InvalidURL(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	_, err := NewClient(context.Background(), "redis://localhost:1")
	assert.Error(t, err)
}
