package bus

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/livefeed-io/livefeed/internal/metrics"
)

const (
	commandTimeout = 5 * time.Second
	stopTimeout    = 10 * time.Second
)

// CloseCodeForced is the internal instruction code carried by a forced
// disconnect frame published to an identity group.
const CloseCodeForced = 3

// CloseCodeGoingAway is sent to remaining subscribers when the bus shuts
// down. Matches the WebSocket going-away close code.
const CloseCodeGoingAway = 1001

// Frame is a single delivery to a subscriber: either an outbound wire
// payload or a disconnect instruction.
type Frame struct {
	Data  []byte
	Close bool
	Code  int
}

// Subscriber receives frames for the groups it has joined.
// Send must not block; it reports false when the frame was dropped.
type Subscriber interface {
	Send(f Frame) bool
}

// Bus is the group broadcast contract shared by the local bus and the
// Redis-relayed bus.
type Bus interface {
	// Join adds the subscriber to the group. Joining twice is a no-op.
	Join(group string, sub Subscriber) error
	// Leave removes the subscriber from the group. Leaving a group the
	// subscriber never joined is a no-op.
	Leave(group string, sub Subscriber) error
	// LeaveAll removes the subscriber from every group it is a member of.
	// Blocks until the memberships are gone.
	LeaveAll(sub Subscriber) error
	// Publish delivers data to every current member of the group.
	Publish(group string, data []byte)
	// CloseGroup publishes a disconnect instruction to the group.
	CloseGroup(group string, code int)
	Stop()
}

// --- Command types ---

type busCmd interface{ isBusCmd() }

type baseBusCmd struct{}

func (baseBusCmd) isBusCmd() {}

type joinCmd struct {
	baseBusCmd
	group string
	sub   Subscriber
	ack   chan struct{}
}

type leaveCmd struct {
	baseBusCmd
	group string
	sub   Subscriber
	ack   chan struct{}
}

type leaveAllCmd struct {
	baseBusCmd
	sub Subscriber
	ack chan struct{}
}

type publishCmd struct {
	baseBusCmd
	group string
	frame Frame
}

type memberCountCmd struct {
	baseBusCmd
	group string
	reply chan int
}

type stopCmd struct {
	baseBusCmd
}

// Local is the in-process Bus implementation.
type Local struct {
	cmdCh       chan busCmd
	clock       clockwork.Clock
	groups      map[string]map[Subscriber]struct{}
	memberships map[Subscriber]map[string]struct{}
	done        chan struct{}
}

var _ Bus = (*Local)(nil)

func NewLocal(clock clockwork.Clock) *Local {
	b := &Local{
		cmdCh:       make(chan busCmd, 256),
		clock:       clock,
		groups:      make(map[string]map[Subscriber]struct{}),
		memberships: make(map[Subscriber]map[string]struct{}),
		done:        make(chan struct{}),
	}
	go b.run()
	return b
}

func (b *Local) run() {
	defer close(b.done)

	for cmd := range b.cmdCh {
		metrics.BusCommandChannelDepth.Set(float64(len(b.cmdCh)))

		switch c := cmd.(type) {
		case joinCmd:
			b.handleJoin(c)
		case leaveCmd:
			b.handleLeave(c)
		case leaveAllCmd:
			b.handleLeaveAll(c)
		case publishCmd:
			b.handlePublish(c)
		case memberCountCmd:
			c.reply <- len(b.groups[c.group])
		case stopCmd:
			b.closeAllSubscribers()
			return
		default:
			slog.Warn("Bus received unknown command type", "command_type", fmt.Sprintf("%T", cmd))
		}
	}
}

func (b *Local) handleJoin(c joinCmd) {
	defer close(c.ack)

	members, exists := b.groups[c.group]
	if !exists {
		members = make(map[Subscriber]struct{})
		b.groups[c.group] = members
		metrics.BusGroups.Set(float64(len(b.groups)))
	}

	if _, joined := members[c.sub]; joined {
		metrics.BusMembershipsTotal.WithLabelValues("join", "noop").Inc()
		return
	}

	members[c.sub] = struct{}{}
	held := b.memberships[c.sub]
	if held == nil {
		held = make(map[string]struct{})
		b.memberships[c.sub] = held
	}
	held[c.group] = struct{}{}
	metrics.BusMembershipsTotal.WithLabelValues("join", "added").Inc()
}

func (b *Local) handleLeave(c leaveCmd) {
	defer close(c.ack)
	b.removeMember(c.group, c.sub)
}

func (b *Local) handleLeaveAll(c leaveAllCmd) {
	defer close(c.ack)
	for group := range b.memberships[c.sub] {
		b.removeMember(group, c.sub)
	}
}

func (b *Local) removeMember(group string, sub Subscriber) {
	members, exists := b.groups[group]
	if !exists {
		metrics.BusMembershipsTotal.WithLabelValues("leave", "noop").Inc()
		return
	}
	if _, joined := members[sub]; !joined {
		metrics.BusMembershipsTotal.WithLabelValues("leave", "noop").Inc()
		return
	}

	delete(members, sub)
	if len(members) == 0 {
		delete(b.groups, group)
		metrics.BusGroups.Set(float64(len(b.groups)))
	}

	if held := b.memberships[sub]; held != nil {
		delete(held, group)
		if len(held) == 0 {
			delete(b.memberships, sub)
		}
	}
	metrics.BusMembershipsTotal.WithLabelValues("leave", "removed").Inc()
}

// closeAllSubscribers tells every remaining subscriber to disconnect.
// Runs once, during bus shutdown.
func (b *Local) closeAllSubscribers() {
	for sub := range b.memberships {
		sub.Send(Frame{Close: true, Code: CloseCodeGoingAway})
	}
}

func (b *Local) handlePublish(c publishCmd) {
	metrics.BusPublishesTotal.Inc()

	for sub := range b.groups[c.group] {
		if sub.Send(c.frame) {
			metrics.BusDeliveriesTotal.Inc()
		} else {
			metrics.BusDroppedDeliveriesTotal.Inc()
			slog.Warn("Dropped frame for slow subscriber", "group", c.group)
		}
	}
}

// --- Public API ---

func (b *Local) Join(group string, sub Subscriber) error {
	ack := make(chan struct{})
	b.cmdCh <- joinCmd{group: group, sub: sub, ack: ack}
	return b.await(ack, "join")
}

func (b *Local) Leave(group string, sub Subscriber) error {
	ack := make(chan struct{})
	b.cmdCh <- leaveCmd{group: group, sub: sub, ack: ack}
	return b.await(ack, "leave")
}

func (b *Local) LeaveAll(sub Subscriber) error {
	ack := make(chan struct{})
	b.cmdCh <- leaveAllCmd{sub: sub, ack: ack}
	return b.await(ack, "leave all")
}

func (b *Local) Publish(group string, data []byte) {
	b.cmdCh <- publishCmd{group: group, frame: Frame{Data: data}}
}

func (b *Local) CloseGroup(group string, code int) {
	b.cmdCh <- publishCmd{group: group, frame: Frame{Close: true, Code: code}}
}

// MemberCount returns the current number of members in the group.
// Returns -1 if the command times out.
func (b *Local) MemberCount(group string) int {
	reply := make(chan int, 1)
	b.cmdCh <- memberCountCmd{group: group, reply: reply}

	timer := b.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	select {
	case n := <-reply:
		return n
	case <-timer.Chan():
		slog.Warn("MemberCount timed out", "timeout", commandTimeout)
		return -1
	}
}

// Stop shuts the bus actor down. Blocks until the goroutine has exited
// or the stop timeout is reached.
func (b *Local) Stop() {
	b.cmdCh <- stopCmd{}

	timer := b.clock.NewTimer(stopTimeout)
	defer timer.Stop()

	select {
	case <-b.done:
		slog.Info("Bus stopped")
	case <-timer.Chan():
		slog.Warn("Bus stop timeout exceeded", "timeout", stopTimeout)
	}
}

func (b *Local) await(ack chan struct{}, op string) error {
	timer := b.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	select {
	case <-ack:
		return nil
	case <-timer.Chan():
		return fmt.Errorf("bus %s command timed out after %v", op, commandTimeout)
	}
}
