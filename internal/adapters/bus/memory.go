// Package bus provides the broadcast capabilities instances coordinate
// through: an in-process hub for same-process deployments and a
// websocket relay client for cross-process ones.
package bus

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/streamtether/tether/internal/domain"
)

// Hub is the in-process broadcast bus. Every subscriber of a channel
// receives every envelope published to it, the publisher's own
// subscriptions included. Per-subscriber delivery runs on a dedicated
// goroutine draining an ordered queue, so publishers never block on slow
// handlers and each subscriber observes publishes in hub order.
type Hub struct {
	logger *slog.Logger
	buffer int

	mu       sync.Mutex
	channels map[string]map[string]*subscriber
	closed   bool
}

func NewHub(cfg domain.BusConfig, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	buffer := cfg.SubscriberBuffer
	if buffer <= 0 {
		buffer = domain.DefaultBusConfig().SubscriberBuffer
	}
	return &Hub{
		logger:   logger.With("component", "bus-hub"),
		buffer:   buffer,
		channels: make(map[string]map[string]*subscriber),
	}
}

func (h *Hub) Publish(channel string, env domain.Envelope) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return domain.NewCapabilityError("bus", "publish", domain.ErrBusUnavailable)
	}
	subs := make([]*subscriber, 0, len(h.channels[channel]))
	for _, sub := range h.channels[channel] {
		subs = append(subs, sub)
	}
	h.mu.Unlock()

	for _, sub := range subs {
		sub.enqueue(env)
	}
	return nil
}

func (h *Hub) Subscribe(channel string, handler func(domain.Envelope)) (func(), error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, domain.NewCapabilityError("bus", "subscribe", domain.ErrBusUnavailable)
	}

	sub := newSubscriber(h.buffer, handler, h.logger)
	if h.channels[channel] == nil {
		h.channels[channel] = make(map[string]*subscriber)
	}
	h.channels[channel][sub.id] = sub
	go sub.run()

	cancel := func() {
		h.mu.Lock()
		if subs := h.channels[channel]; subs != nil {
			delete(subs, sub.id)
			if len(subs) == 0 {
				delete(h.channels, channel)
			}
		}
		h.mu.Unlock()
		sub.stop()
	}
	return cancel, nil
}

// Close shuts the hub down; pending queues are dropped.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	channels := h.channels
	h.channels = make(map[string]map[string]*subscriber)
	h.mu.Unlock()

	for _, subs := range channels {
		for _, sub := range subs {
			sub.stop()
		}
	}
}

type subscriber struct {
	id      string
	logger  *slog.Logger
	handler func(domain.Envelope)

	mu    sync.Mutex
	cond  *sync.Cond
	queue []domain.Envelope
	done  bool
}

func newSubscriber(buffer int, handler func(domain.Envelope), logger *slog.Logger) *subscriber {
	sub := &subscriber{
		id:      uuid.New().String(),
		logger:  logger,
		handler: handler,
		queue:   make([]domain.Envelope, 0, buffer),
	}
	sub.cond = sync.NewCond(&sub.mu)
	return sub
}

func (s *subscriber) enqueue(env domain.Envelope) {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, env)
	s.cond.Signal()
	s.mu.Unlock()
}

func (s *subscriber) stop() {
	s.mu.Lock()
	s.done = true
	s.cond.Broadcast()
	s.mu.Unlock()
}

func (s *subscriber) run() {
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.done {
			s.cond.Wait()
		}
		if s.done {
			s.mu.Unlock()
			return
		}
		env := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		s.deliver(env)
	}
}

func (s *subscriber) deliver(env domain.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("bus handler panicked", "panic", r, "kind", env.Kind)
		}
	}()
	s.handler(env)
}
