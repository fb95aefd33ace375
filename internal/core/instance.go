package core

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/streamtether/tether/internal/domain"
	"github.com/streamtether/tether/internal/ports"
)

// Capabilities are the three host primitives an instance coordinates
// through. Bus and Locks are mandatory; Streams is only exercised by
// whichever instance wins leadership, but a leader without it could
// never open the real connection, so all three are checked up front.
type Capabilities struct {
	Bus     ports.BroadcastBus
	Locks   ports.LockManager
	Streams ports.StreamOpener
}

// Instance is one consumer of a shared push-event stream. All instances
// constructed for the same target observe the same event sequence: the
// single elected leader owns the real connection and relays its events
// over the bus, and every instance (the leader included) updates its
// ready state and fires its notifications from the relayed envelopes.
type Instance struct {
	id       string
	cfg      *domain.Config
	caps     Capabilities
	logger   *slog.Logger
	identity string
	channel  string
	lockName string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	state       domain.ReadyState
	closed      bool
	unsubscribe func()
	conn        *connManager
	onOpen      func()
	onMessage   func(domain.StreamMessage)
	onError     func(error)
	listeners   map[string]listenerEntry
}

type listenerEntry struct {
	kind    domain.Kind
	handler func(domain.Envelope)
}

// NewInstance validates the configuration and capabilities, joins the
// stream's bus channel, announces membership, and starts the leadership
// attempt. A missing capability is a fatal, synchronous failure: no
// usable instance is returned.
func NewInstance(cfg *domain.Config, caps Capabilities) (*Instance, error) {
	if cfg == nil {
		cfg = &domain.Config{}
	}
	if err := cfg.ApplyDefaults(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if caps.Bus == nil {
		return nil, domain.NewCapabilityError("bus", "construct", domain.ErrBusUnavailable)
	}
	if caps.Locks == nil {
		return nil, domain.NewCapabilityError("lock", "construct", domain.ErrLockUnavailable)
	}
	if caps.Streams == nil {
		return nil, domain.NewCapabilityError("stream", "construct", domain.ErrStreamUnavailable)
	}

	identity := domain.StreamIdentity(cfg.Target)
	ctx, cancel := context.WithCancel(context.Background())

	in := &Instance{
		id:        uuid.New().String(),
		cfg:       cfg,
		caps:      caps,
		identity:  identity,
		channel:   domain.BusChannel(identity),
		lockName:  domain.LockName(identity),
		ctx:       ctx,
		cancel:    cancel,
		state:     domain.Connecting,
		listeners: make(map[string]listenerEntry),
	}
	in.logger = cfg.Logger.With("component", "instance", "instance_id", in.id, "stream", identity)

	unsubscribe, err := caps.Bus.Subscribe(in.channel, in.dispatch)
	if err != nil {
		cancel()
		return nil, domain.NewCapabilityError("bus", "subscribe", err)
	}
	in.unsubscribe = unsubscribe

	if err := caps.Bus.Publish(in.channel, domain.JoinedEnvelope(in.id)); err != nil {
		unsubscribe()
		cancel()
		return nil, domain.NewCapabilityError("bus", "announce-join", err)
	}

	in.wg.Add(1)
	go in.run()

	in.logger.Debug("instance created", "target", cfg.Target)
	return in, nil
}

// run is the leadership attempt: it queues on the stream's lock, and once
// granted acts as leader until the instance relinquishes by closing. The
// grant is released on every exit path.
func (in *Instance) run() {
	defer in.wg.Done()

	grant, err := in.caps.Locks.Acquire(in.ctx, in.lockName)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			in.logger.Warn("lock acquisition failed", "error", err)
		}
		return
	}
	defer grant.Release()

	mgr := newConnManager(in.id, in.channel, in.cfg.Target, in.cfg.WithCredentials,
		in.caps.Bus, in.caps.Streams, in.Close, in.logger)

	in.mu.Lock()
	if in.closed {
		// Close raced the grant: relinquish immediately, no connection work.
		in.mu.Unlock()
		return
	}
	in.conn = mgr
	in.mu.Unlock()

	in.logger.Info("assumed leadership")

	if err := mgr.start(in.ctx); err != nil {
		in.logger.Error("opening push stream failed", "target", in.cfg.Target, "error", err)
		if pubErr := in.caps.Bus.Publish(in.channel, domain.ErroredEnvelope(in.id)); pubErr != nil {
			in.logger.Error("bus publish failed", "kind", domain.KindConnectionErrored, "error", pubErr)
		}
	}

	<-in.ctx.Done()

	in.mu.Lock()
	in.conn = nil
	in.mu.Unlock()

	// Close the real connection before the deferred release hands the
	// lock to the next waiter, so two connections never overlap.
	mgr.stop()
	in.logger.Info("relinquished leadership")
}

// dispatch consumes one bus envelope. Ready-state transitions and
// notifications happen here for leader and followers alike; membership
// kinds additionally feed the registry when this instance leads.
func (in *Instance) dispatch(env domain.Envelope) {
	if !env.Known() {
		return
	}

	in.mu.Lock()
	if in.closed {
		in.mu.Unlock()
		return
	}

	var fire []func()
	var leaderConn *connManager

	switch env.Kind {
	case domain.KindConnectionOpened:
		in.state = domain.Open
		if handler := in.onOpen; handler != nil {
			fire = append(fire, handler)
		}
	case domain.KindMessageReceived:
		if env.Message == nil {
			in.mu.Unlock()
			return
		}
		if handler := in.onMessage; handler != nil {
			msg := *env.Message
			fire = append(fire, func() { handler(msg) })
		}
	case domain.KindConnectionErrored:
		// Ready state deliberately unchanged: the transport owns
		// reconnection and may recover without a new election.
		if handler := in.onError; handler != nil {
			fire = append(fire, func() { handler(domain.ErrConnectionFailed) })
		}
	case domain.KindInstanceJoined, domain.KindInstanceLeft:
		leaderConn = in.conn
	}

	for _, entry := range in.listeners {
		if entry.kind == env.Kind {
			handler := entry.handler
			fire = append(fire, func() { handler(env) })
		}
	}
	in.mu.Unlock()

	for _, fn := range fire {
		in.safeCall(fn)
	}

	if leaderConn != nil {
		switch env.Kind {
		case domain.KindInstanceJoined:
			leaderConn.handleJoined(env.Instance)
		case domain.KindInstanceLeft:
			leaderConn.handleLeft(env.Instance)
		}
	}
}

// Close is idempotent. It announces departure, detaches from the bus,
// relinquishes leadership when held, and clears the notification slots;
// once teardown completes no notification fires again.
func (in *Instance) Close() {
	in.mu.Lock()
	if in.closed {
		in.mu.Unlock()
		return
	}
	in.closed = true
	in.state = domain.Closed
	unsubscribe := in.unsubscribe
	in.unsubscribe = nil
	in.onOpen = nil
	in.onMessage = nil
	in.onError = nil
	in.listeners = nil
	in.mu.Unlock()

	// Announce before unsubscribing so the leader prunes its registry.
	if err := in.caps.Bus.Publish(in.channel, domain.LeftEnvelope(in.id)); err != nil {
		in.logger.Debug("leave announcement failed", "error", err)
	}
	if unsubscribe != nil {
		unsubscribe()
	}

	in.cancel()
	in.wg.Wait()
	in.logger.Debug("instance closed")
}

// ID is the opaque identifier of this instance, unique per construction
// and stable for its lifetime.
func (in *Instance) ID() string {
	return in.id
}

func (in *Instance) Target() string {
	return in.cfg.Target
}

func (in *Instance) WithCredentials() bool {
	return in.cfg.WithCredentials
}

func (in *Instance) ReadyState() domain.ReadyState {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.state
}

// IsLeader reports whether this instance currently holds the stream's
// lock grant and the real connection.
func (in *Instance) IsLeader() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.conn != nil
}

// OnOpen replaces the open notification slot. A nil handler clears it.
func (in *Instance) OnOpen(handler func()) {
	in.mu.Lock()
	if !in.closed {
		in.onOpen = handler
	}
	in.mu.Unlock()
}

// OnMessage replaces the message notification slot. A nil handler clears it.
func (in *Instance) OnMessage(handler func(domain.StreamMessage)) {
	in.mu.Lock()
	if !in.closed {
		in.onMessage = handler
	}
	in.mu.Unlock()
}

// OnError replaces the error notification slot. A nil handler clears it.
func (in *Instance) OnError(handler func(error)) {
	in.mu.Lock()
	if !in.closed {
		in.onError = handler
	}
	in.mu.Unlock()
}

// AddListener registers a handler for every envelope of one kind and
// returns a registration id for RemoveListener.
func (in *Instance) AddListener(kind domain.Kind, handler func(domain.Envelope)) string {
	id := uuid.New().String()
	in.mu.Lock()
	if !in.closed {
		in.listeners[id] = listenerEntry{kind: kind, handler: handler}
	}
	in.mu.Unlock()
	return id
}

func (in *Instance) RemoveListener(id string) {
	in.mu.Lock()
	if !in.closed {
		delete(in.listeners, id)
	}
	in.mu.Unlock()
}

func (in *Instance) safeCall(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			in.logger.Error("notification handler panicked", "panic", r)
		}
	}()
	fn()
}
