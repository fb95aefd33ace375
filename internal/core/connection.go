package core

import (
	"context"
	"log/slog"
	"sync"

	"github.com/streamtether/tether/internal/domain"
	"github.com/streamtether/tether/internal/ports"
)

// connManager is the leader-only side of an instance: it owns the single
// real push-stream connection for the stream identity and translates its
// callbacks into bus envelopes. Followers never construct one.
type connManager struct {
	instanceID string
	channel    string
	target     string
	withCreds  bool
	bus        ports.BroadcastBus
	streams    ports.StreamOpener
	logger     *slog.Logger

	// onDrained fires when the registry empties, which makes the leader
	// close itself and relinquish the lock.
	onDrained func()

	mu       sync.Mutex
	registry *registry
	conn     ports.StreamConn
	open     bool
	stopped  bool
}

func newConnManager(instanceID, channel, target string, withCreds bool, bus ports.BroadcastBus, streams ports.StreamOpener, onDrained func(), logger *slog.Logger) *connManager {
	return &connManager{
		instanceID: instanceID,
		channel:    channel,
		target:     target,
		withCreds:  withCreds,
		bus:        bus,
		streams:    streams,
		logger:     logger.With("component", "conn-manager"),
		onDrained:  onDrained,
		registry:   newRegistry(instanceID),
	}
}

func (m *connManager) start(ctx context.Context) error {
	conn, err := m.streams.Open(ctx, m.target, m.withCreds, ports.StreamCallbacks{
		OnOpen:    m.relayOpen,
		OnMessage: m.relayMessage,
		OnError:   m.relayError,
	})
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		_ = conn.Close()
		return nil
	}
	m.conn = conn
	m.mu.Unlock()
	return nil
}

// stop closes the real connection and silences the relay callbacks. The
// caller releases the lock grant only after stop returns, so no envelope
// can be published by a leader that no longer holds the lock.
func (m *connManager) stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	conn := m.conn
	m.conn = nil
	m.mu.Unlock()

	if conn != nil {
		if err := conn.Close(); err != nil {
			m.logger.Warn("closing push stream failed", "target", m.target, "error", err)
		}
	}
}

func (m *connManager) relayOpen() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.open = true
	m.mu.Unlock()

	m.publish(domain.OpenedEnvelope(m.instanceID))
}

func (m *connManager) relayMessage(msg domain.StreamMessage) {
	if m.isStopped() {
		return
	}
	m.publish(domain.MessageEnvelope(m.instanceID, msg))
}

func (m *connManager) relayError(err error) {
	if m.isStopped() {
		return
	}
	m.logger.Debug("push stream reported error", "target", m.target, "error", err)
	m.publish(domain.ErroredEnvelope(m.instanceID))
}

// handleJoined registers a newcomer. When the real connection is already
// open, connection-opened is broadcast again so the arrival's ready state
// converges without waiting for a fresh server event.
func (m *connManager) handleJoined(id string) {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.registry.Add(id)
	wasOpen := m.open
	m.mu.Unlock()

	if wasOpen {
		m.publish(domain.OpenedEnvelope(m.instanceID))
	}
}

func (m *connManager) handleLeft(id string) {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.registry.Remove(id)
	drained := m.registry.Empty()
	m.mu.Unlock()

	if drained && m.onDrained != nil {
		m.onDrained()
	}
}

func (m *connManager) isStopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped
}

func (m *connManager) publish(env domain.Envelope) {
	if err := m.bus.Publish(m.channel, env); err != nil {
		m.logger.Error("bus publish failed", "kind", env.Kind, "error", err)
	}
}
