package bus

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingSubscriber buffers received frames on a channel.
type recordingSubscriber struct {
	frames chan Frame
	full   bool
}

func newRecordingSubscriber() *recordingSubscriber {
	return &recordingSubscriber{frames: make(chan Frame, 16)}
}

func (s *recordingSubscriber) Send(f Frame) bool {
	if s.full {
		return false
	}
	s.frames <- f
	return true
}

func (s *recordingSubscriber) receive(t *testing.T) Frame {
	t.Helper()
	select {
	case f := <-s.frames:
		return f
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for frame")
		return Frame{}
	}
}

func (s *recordingSubscriber) assertNoFrame(t *testing.T) {
	t.Helper()
	select {
	case f := <-s.frames:
		t.Fatalf("unexpected frame: %+v", f)
	case <-time.After(50 * time.Millisecond):
	}
}

func newTestBus(t *testing.T) *Local {
	t.Helper()
	b := NewLocal(clockwork.NewRealClock())
	t.Cleanup(b.Stop)
	return b
}

func TestLocal_PublishReachesAllMembers(t *testing.T) {
	b := newTestBus(t)
	sub1 := newRecordingSubscriber()
	sub2 := newRecordingSubscriber()

	require.NoError(t, b.Join("orders-1", sub1))
	require.NoError(t, b.Join("orders-1", sub2))

	b.Publish("orders-1", []byte("hello"))

	assert.Equal(t, []byte("hello"), sub1.receive(t).Data)
	assert.Equal(t, []byte("hello"), sub2.receive(t).Data)
}

func TestLocal_PublishIsGroupScoped(t *testing.T) {
	b := newTestBus(t)
	member := newRecordingSubscriber()
	outsider := newRecordingSubscriber()

	require.NoError(t, b.Join("orders-1", member))
	require.NoError(t, b.Join("orders-2", outsider))

	b.Publish("orders-1", []byte("scoped"))

	member.receive(t)
	outsider.assertNoFrame(t)
}

func TestLocal_JoinIsIdempotent(t *testing.T) {
	b := newTestBus(t)
	sub := newRecordingSubscriber()

	require.NoError(t, b.Join("orders-1", sub))
	require.NoError(t, b.Join("orders-1", sub))
	assert.Equal(t, 1, b.MemberCount("orders-1"))

	b.Publish("orders-1", []byte("once"))
	sub.receive(t)
	sub.assertNoFrame(t)
}

func TestLocal_LeaveRemovesMember(t *testing.T) {
	b := newTestBus(t)
	sub := newRecordingSubscriber()

	require.NoError(t, b.Join("orders-1", sub))
	require.NoError(t, b.Leave("orders-1", sub))

	b.Publish("orders-1", []byte("gone"))
	sub.assertNoFrame(t)
	assert.Equal(t, 0, b.MemberCount("orders-1"))
}

func TestLocal_LeaveNeverJoinedIsNoop(t *testing.T) {
	b := newTestBus(t)
	sub := newRecordingSubscriber()

	require.NoError(t, b.Leave("orders-1", sub))
}

func TestLocal_LeaveAllRemovesEveryMembership(t *testing.T) {
	b := newTestBus(t)
	sub := newRecordingSubscriber()

	require.NoError(t, b.Join("orders-1", sub))
	require.NoError(t, b.Join("orders-2", sub))
	require.NoError(t, b.Join(".user42", sub))

	require.NoError(t, b.LeaveAll(sub))

	for _, group := range []string{"orders-1", "orders-2", ".user42"} {
		assert.Equal(t, 0, b.MemberCount(group), "group %s should be empty", group)
	}
}

func TestLocal_CloseGroupDeliversDisconnectInstruction(t *testing.T) {
	b := newTestBus(t)
	sub := newRecordingSubscriber()

	require.NoError(t, b.Join(".user42", sub))
	b.CloseGroup(".user42", CloseCodeForced)

	frame := sub.receive(t)
	assert.True(t, frame.Close)
	assert.Equal(t, CloseCodeForced, frame.Code)
}

func TestLocal_SlowSubscriberDoesNotBlockOthers(t *testing.T) {
	b := newTestBus(t)
	slow := newRecordingSubscriber()
	slow.full = true
	healthy := newRecordingSubscriber()

	require.NoError(t, b.Join("orders-1", slow))
	require.NoError(t, b.Join("orders-1", healthy))

	b.Publish("orders-1", []byte("frame"))

	assert.Equal(t, []byte("frame"), healthy.receive(t).Data)
}

func TestLocal_StopClosesRemainingSubscribers(t *testing.T) {
	b := NewLocal(clockwork.NewRealClock())
	sub := newRecordingSubscriber()
	require.NoError(t, b.Join("orders-1", sub))

	b.Stop()

	frame := sub.receive(t)
	assert.True(t, frame.Close)
	assert.Equal(t, CloseCodeGoingAway, frame.Code)
}
