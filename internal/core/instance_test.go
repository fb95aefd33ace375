package core

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamtether/tether/internal/adapters/bus"
	"github.com/streamtether/tether/internal/adapters/lock"
	"github.com/streamtether/tether/internal/domain"
)

const testTarget = "https://feeds.test/stream-1"

func newWorld(t *testing.T) (Capabilities, *fakeStreams) {
	t.Helper()
	hub := bus.NewHub(domain.BusConfig{}, nil)
	t.Cleanup(hub.Close)
	streams := &fakeStreams{}
	return Capabilities{
		Bus:     hub,
		Locks:   lock.NewManager(nil),
		Streams: streams,
	}, streams
}

func newTestInstance(t *testing.T, caps Capabilities, target string) *Instance {
	t.Helper()
	in, err := NewInstance(&domain.Config{Target: target}, caps)
	require.NoError(t, err)
	t.Cleanup(in.Close)
	return in
}

func waitLeader(t *testing.T, in *Instance, streams *fakeStreams) {
	t.Helper()
	require.Eventually(t, func() bool {
		return in.IsLeader() && streams.last() != nil
	}, 2*time.Second, 5*time.Millisecond, "instance never assumed leadership")
}

func TestMissingCapabilitiesAreFatal(t *testing.T) {
	caps, _ := newWorld(t)

	_, err := NewInstance(&domain.Config{Target: testTarget}, Capabilities{})
	require.Error(t, err)
	assert.True(t, domain.IsCapabilityError(err))
	assert.True(t, errors.Is(err, domain.ErrBusUnavailable))

	_, err = NewInstance(&domain.Config{Target: testTarget}, Capabilities{Bus: caps.Bus})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrLockUnavailable))

	_, err = NewInstance(&domain.Config{Target: testTarget}, Capabilities{Bus: caps.Bus, Locks: caps.Locks})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrStreamUnavailable))

	_, err = NewInstance(&domain.Config{}, caps)
	require.Error(t, err)
	assert.True(t, domain.IsInvalidConfig(err))
}

func TestLeaderUniqueness(t *testing.T) {
	caps, streams := newWorld(t)

	instances := make([]*Instance, 5)
	for i := range instances {
		instances[i] = newTestInstance(t, caps, testTarget)
	}

	require.Eventually(t, func() bool {
		leaders := 0
		for _, in := range instances {
			if in.IsLeader() {
				leaders++
			}
		}
		return leaders == 1
	}, 2*time.Second, 5*time.Millisecond)

	// Stays unique: no second instance ever opens a connection.
	time.Sleep(100 * time.Millisecond)
	leaders := 0
	for _, in := range instances {
		if in.IsLeader() {
			leaders++
		}
	}
	assert.Equal(t, 1, leaders)
	assert.Equal(t, 1, streams.count(), "followers must never open a real connection")
}

func TestFanOut(t *testing.T) {
	caps, streams := newWorld(t)

	a := newTestInstance(t, caps, testTarget)
	waitLeader(t, a, streams)
	b := newTestInstance(t, caps, testTarget)

	var aOpens, bOpens, aMsgs, bMsgs atomic.Int32
	var aLast, bLast atomic.Value
	a.OnOpen(func() { aOpens.Add(1) })
	b.OnOpen(func() { bOpens.Add(1) })
	a.OnMessage(func(msg domain.StreamMessage) { aLast.Store(msg); aMsgs.Add(1) })
	b.OnMessage(func(msg domain.StreamMessage) { bLast.Store(msg); bMsgs.Add(1) })

	assert.Equal(t, domain.Connecting, a.ReadyState())
	assert.Equal(t, domain.Connecting, b.ReadyState())

	streams.last().open()

	require.Eventually(t, func() bool {
		return a.ReadyState() == domain.Open && b.ReadyState() == domain.Open
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), aOpens.Load())
	assert.Equal(t, int32(1), bOpens.Load())

	streams.last().emit("ping")

	require.Eventually(t, func() bool {
		return aMsgs.Load() == 1 && bMsgs.Load() == 1
	}, 2*time.Second, 5*time.Millisecond)

	// Exactly once each, payload preserved verbatim.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), aMsgs.Load())
	assert.Equal(t, int32(1), bMsgs.Load())
	for _, v := range []*atomic.Value{&aLast, &bLast} {
		msg := v.Load().(domain.StreamMessage)
		assert.Equal(t, "ping", msg.Data)
		assert.Equal(t, "https://fake.test", msg.Origin)
		assert.Equal(t, "1", msg.LastEventID)
	}
}

func TestErrorNotificationLeavesStateUnchanged(t *testing.T) {
	caps, streams := newWorld(t)

	a := newTestInstance(t, caps, testTarget)
	waitLeader(t, a, streams)
	b := newTestInstance(t, caps, testTarget)

	var aErrs, bErrs atomic.Int32
	a.OnError(func(error) { aErrs.Add(1) })
	b.OnError(func(error) { bErrs.Add(1) })

	streams.last().open()
	require.Eventually(t, func() bool {
		return a.ReadyState() == domain.Open && b.ReadyState() == domain.Open
	}, 2*time.Second, 5*time.Millisecond)

	streams.last().fail()

	require.Eventually(t, func() bool {
		return aErrs.Load() == 1 && bErrs.Load() == 1
	}, 2*time.Second, 5*time.Millisecond)

	// The transport owns reconnection, so ready state is untouched.
	assert.Equal(t, domain.Open, a.ReadyState())
	assert.Equal(t, domain.Open, b.ReadyState())
}

func TestReElection(t *testing.T) {
	caps, streams := newWorld(t)

	a := newTestInstance(t, caps, testTarget)
	waitLeader(t, a, streams)
	b := newTestInstance(t, caps, testTarget)

	var aNotifications atomic.Int32
	a.OnOpen(func() { aNotifications.Add(1) })

	streams.last().open()
	require.Eventually(t, func() bool {
		return b.ReadyState() == domain.Open
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, int32(1), aNotifications.Load())

	a.Close()
	assert.Equal(t, domain.Closed, a.ReadyState())
	assert.False(t, a.IsLeader())

	// Leadership transfers to the remaining instance, which opens a
	// fresh real connection for the same identity.
	require.Eventually(t, func() bool {
		return b.IsLeader() && streams.count() == 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.True(t, streams.at(0).isClosed(), "old leader's connection must be closed")

	streams.at(1).open()
	require.Eventually(t, func() bool {
		return b.ReadyState() == domain.Open
	}, 2*time.Second, 5*time.Millisecond)

	// The torn-down facade observes nothing, even with bus traffic.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), aNotifications.Load())
	assert.Equal(t, domain.Closed, a.ReadyState())
}

func TestCloseIdempotence(t *testing.T) {
	caps, streams := newWorld(t)

	a := newTestInstance(t, caps, testTarget)
	waitLeader(t, a, streams)
	b := newTestInstance(t, caps, testTarget)

	var leaves atomic.Int32
	b.AddListener(domain.KindInstanceLeft, func(env domain.Envelope) {
		if env.Instance == a.ID() {
			leaves.Add(1)
		}
	})

	a.Close()
	a.Close()

	require.Eventually(t, func() bool { return leaves.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), leaves.Load(), "a second close must not re-announce departure")
}

func TestCloseBeforeGrantDoesNotStallQueue(t *testing.T) {
	caps, streams := newWorld(t)

	a := newTestInstance(t, caps, testTarget)
	waitLeader(t, a, streams)

	// b closes while still queued behind a.
	b := newTestInstance(t, caps, testTarget)
	b.Close()

	a.Close()

	c := newTestInstance(t, caps, testTarget)
	waitLeader(t, c, streams)

	require.Eventually(t, func() bool { return streams.count() == 2 },
		2*time.Second, 5*time.Millisecond, "the closed-while-queued instance must do no connection work")
}

func TestLateJoinerConvergesWithoutServerEvent(t *testing.T) {
	caps, streams := newWorld(t)

	a := newTestInstance(t, caps, testTarget)
	waitLeader(t, a, streams)
	streams.last().open()
	require.Eventually(t, func() bool {
		return a.ReadyState() == domain.Open
	}, 2*time.Second, 5*time.Millisecond)

	// The leader re-broadcasts connection-opened on the newcomer's join.
	b := newTestInstance(t, caps, testTarget)
	require.Eventually(t, func() bool {
		return b.ReadyState() == domain.Open
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, streams.count())
}

func TestFollowerLeaveKeepsLeaderAlive(t *testing.T) {
	caps, streams := newWorld(t)

	a := newTestInstance(t, caps, testTarget)
	waitLeader(t, a, streams)
	b := newTestInstance(t, caps, testTarget)

	streams.last().open()
	require.Eventually(t, func() bool {
		return b.ReadyState() == domain.Open
	}, 2*time.Second, 5*time.Millisecond)

	b.Close()

	// An undercounting registry must never tear the leader down while it
	// is alive: the leader's own entry keeps the set non-empty.
	time.Sleep(100 * time.Millisecond)
	assert.True(t, a.IsLeader())
	assert.Equal(t, domain.Open, a.ReadyState())
	assert.False(t, streams.last().isClosed())
}

func TestRegistryDrainClosesLeader(t *testing.T) {
	caps, streams := newWorld(t)

	a := newTestInstance(t, caps, testTarget)
	waitLeader(t, a, streams)
	streams.last().open()
	require.Eventually(t, func() bool {
		return a.ReadyState() == domain.Open
	}, 2*time.Second, 5*time.Millisecond)

	// A leave for the leader's own identifier drains the registry to
	// empty, which makes the leader close itself within one turn.
	channel := domain.BusChannel(domain.StreamIdentity(testTarget))
	require.NoError(t, caps.Bus.Publish(channel, domain.LeftEnvelope(a.ID())))

	require.Eventually(t, func() bool {
		return a.ReadyState() == domain.Closed && streams.last().isClosed()
	}, 2*time.Second, 5*time.Millisecond)
}

func TestMalformedAndUnknownEnvelopesIgnored(t *testing.T) {
	caps, streams := newWorld(t)

	a := newTestInstance(t, caps, testTarget)
	waitLeader(t, a, streams)

	var msgs atomic.Int32
	a.OnMessage(func(domain.StreamMessage) { msgs.Add(1) })

	channel := domain.BusChannel(domain.StreamIdentity(testTarget))
	// Unknown kind from a newer deployment.
	require.NoError(t, caps.Bus.Publish(channel, domain.Envelope{Kind: "subscription-renewed"}))
	// message-received with no payload.
	require.NoError(t, caps.Bus.Publish(channel, domain.Envelope{Kind: domain.KindMessageReceived}))

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), msgs.Load())
	assert.Equal(t, domain.Connecting, a.ReadyState())
}

func TestStreamsAreIsolatedByIdentity(t *testing.T) {
	caps, streams := newWorld(t)

	a := newTestInstance(t, caps, "https://feeds.test/alpha")
	b := newTestInstance(t, caps, "https://feeds.test/beta")

	require.Eventually(t, func() bool {
		return a.IsLeader() && b.IsLeader()
	}, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return streams.count() == 2
	}, 2*time.Second, 5*time.Millisecond)
}

func TestCredentialsModePassedThrough(t *testing.T) {
	caps, streams := newWorld(t)

	in, err := NewInstance(&domain.Config{Target: testTarget, WithCredentials: true}, caps)
	require.NoError(t, err)
	t.Cleanup(in.Close)

	waitLeader(t, in, streams)
	assert.True(t, in.WithCredentials())
	assert.True(t, streams.last().withCredentials)
}

func TestSlotsInertAfterClose(t *testing.T) {
	caps, streams := newWorld(t)

	a := newTestInstance(t, caps, testTarget)
	waitLeader(t, a, streams)
	a.Close()

	var fired atomic.Int32
	a.OnOpen(func() { fired.Add(1) })
	a.AddListener(domain.KindConnectionOpened, func(domain.Envelope) { fired.Add(1) })

	channel := domain.BusChannel(domain.StreamIdentity(testTarget))
	require.NoError(t, caps.Bus.Publish(channel, domain.OpenedEnvelope("elsewhere")))

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), fired.Load())
	assert.Equal(t, domain.Closed, a.ReadyState())
}
