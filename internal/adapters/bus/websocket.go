package bus

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/streamtether/tether/internal/domain"
	"github.com/streamtether/tether/internal/ports"
	"github.com/streamtether/tether/internal/xjson"
)

// RelayClient connects one process to a Relay and implements both the
// broadcast bus and the queued lock capability over that connection. A
// single read loop dispatches event frames in arrival order, preserving
// per-sender FIFO as seen by every local subscriber.
type RelayClient struct {
	logger *slog.Logger
	cfg    domain.RelayConfig
	ws     *websocket.Conn

	writeMu sync.Mutex

	mu     sync.Mutex
	subs   map[string]map[string]func(domain.Envelope)
	grants map[string]chan struct{}
	closed bool

	done chan struct{}
}

// Dial connects to a relay endpoint (ws:// or wss://), retrying with
// exponential backoff until ctx is cancelled.
func Dial(ctx context.Context, rawURL string, cfg domain.RelayConfig, logger *slog.Logger) (*RelayClient, error) {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := domain.DefaultRelayConfig()
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaults.DialTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaults.WriteTimeout
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, domain.NewCapabilityError("relay", "dial", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return nil, domain.NewCapabilityError("relay", "dial",
			fmt.Errorf("unsupported scheme %q", u.Scheme))
	}

	dialer := websocket.Dialer{HandshakeTimeout: cfg.DialTimeout}

	var ws *websocket.Conn
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0
	err = backoff.Retry(func() error {
		conn, _, dialErr := dialer.DialContext(ctx, u.String(), nil)
		if dialErr != nil {
			logger.Debug("relay dial failed", "url", u.String(), "error", dialErr)
			return dialErr
		}
		ws = conn
		return nil
	}, backoff.WithContext(bo, ctx))
	if err != nil {
		return nil, domain.NewCapabilityError("relay", "dial", err)
	}

	c := &RelayClient{
		logger: logger.With("component", "relay-client"),
		cfg:    cfg,
		ws:     ws,
		subs:   make(map[string]map[string]func(domain.Envelope)),
		grants: make(map[string]chan struct{}),
		done:   make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *RelayClient) Publish(channel string, env domain.Envelope) error {
	return c.writeFrame(frame{Op: opPublish, Channel: channel, Envelope: &env})
}

func (c *RelayClient) Subscribe(channel string, handler func(domain.Envelope)) (func(), error) {
	id := uuid.New().String()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, domain.NewCapabilityError("relay", "subscribe", domain.ErrRelayClosed)
	}
	first := len(c.subs[channel]) == 0
	if c.subs[channel] == nil {
		c.subs[channel] = make(map[string]func(domain.Envelope))
	}
	c.subs[channel][id] = handler
	c.mu.Unlock()

	if first {
		if err := c.writeFrame(frame{Op: opSubscribe, Channel: channel}); err != nil {
			c.mu.Lock()
			delete(c.subs[channel], id)
			c.mu.Unlock()
			return nil, err
		}
	}

	cancel := func() {
		c.mu.Lock()
		var last bool
		if handlers := c.subs[channel]; handlers != nil {
			delete(handlers, id)
			if len(handlers) == 0 {
				delete(c.subs, channel)
				last = true
			}
		}
		c.mu.Unlock()
		if last {
			_ = c.writeFrame(frame{Op: opUnsubscribe, Channel: channel})
		}
	}
	return cancel, nil
}

// Acquire requests the named relay lock and blocks until granted or ctx
// is done. An abandoned request sends a release frame either way; the
// relay treats it as a dequeue or a handoff depending on whether the
// grant raced in.
func (c *RelayClient) Acquire(ctx context.Context, name string) (ports.Grant, error) {
	req := uuid.New().String()
	granted := make(chan struct{}, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, domain.NewCapabilityError("relay", "acquire", domain.ErrRelayClosed)
	}
	c.grants[req] = granted
	c.mu.Unlock()

	if err := c.writeFrame(frame{Op: opAcquire, Name: name, Req: req}); err != nil {
		c.forgetGrant(req)
		return nil, err
	}

	select {
	case <-granted:
		return &relayGrant{client: c, name: name, req: req}, nil
	case <-ctx.Done():
		c.forgetGrant(req)
		_ = c.writeFrame(frame{Op: opRelease, Name: name, Req: req})
		return nil, ctx.Err()
	case <-c.done:
		c.forgetGrant(req)
		return nil, domain.NewCapabilityError("relay", "acquire", domain.ErrRelayClosed)
	}
}

func (c *RelayClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	err := c.ws.Close()
	<-c.done
	return err
}

type relayGrant struct {
	client *RelayClient
	name   string
	req    string
	once   sync.Once
}

func (g *relayGrant) Release() {
	g.once.Do(func() {
		_ = g.client.writeFrame(frame{Op: opRelease, Name: g.name, Req: g.req})
	})
}

func (c *RelayClient) readLoop() {
	defer func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.done)
	}()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.logger.Debug("relay read loop ended", "error", err)
			return
		}
		var f frame
		if err := xjson.Unmarshal(data, &f); err != nil {
			c.logger.Debug("dropping malformed frame", "error", err)
			continue
		}

		switch f.Op {
		case opEvent:
			c.dispatchEvent(f)
		case opGranted:
			c.dispatchGrant(f)
		default:
			c.logger.Debug("ignoring unknown op", "op", f.Op)
		}
	}
}

func (c *RelayClient) dispatchEvent(f frame) {
	if f.Envelope == nil {
		return
	}
	c.mu.Lock()
	handlers := make([]func(domain.Envelope), 0, len(c.subs[f.Channel]))
	for _, handler := range c.subs[f.Channel] {
		handlers = append(handlers, handler)
	}
	c.mu.Unlock()

	for _, handler := range handlers {
		c.deliver(handler, *f.Envelope)
	}
}

func (c *RelayClient) dispatchGrant(f frame) {
	c.mu.Lock()
	granted := c.grants[f.Req]
	delete(c.grants, f.Req)
	c.mu.Unlock()

	if granted != nil {
		granted <- struct{}{}
	}
}

func (c *RelayClient) deliver(handler func(domain.Envelope), env domain.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("bus handler panicked", "panic", r, "kind", env.Kind)
		}
	}()
	handler(env)
}

func (c *RelayClient) forgetGrant(req string) {
	c.mu.Lock()
	delete(c.grants, req)
	c.mu.Unlock()
}

func (c *RelayClient) writeFrame(f frame) error {
	data, err := xjson.Marshal(f)
	if err != nil {
		return domain.NewProtocolError("encode-frame", f.Op, err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	select {
	case <-c.done:
		return domain.NewCapabilityError("relay", "write", domain.ErrRelayClosed)
	default:
	}

	_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return domain.NewCapabilityError("relay", "write", err)
	}
	return nil
}
