// Package stream implements the real push-stream client capability for
// text/event-stream endpoints. Reconnection lives here, not in the core:
// a dropped stream is retried with exponential backoff and resumed via
// Last-Event-ID, and every failed attempt is surfaced through OnError.
package stream

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"

	"github.com/cenkalti/backoff"

	"github.com/streamtether/tether/internal/domain"
	"github.com/streamtether/tether/internal/ports"
)

var errStreamEnded = errors.New("event stream ended")

type Client struct {
	cfg    domain.StreamConfig
	logger *slog.Logger

	// credentialed carries a shared cookie jar; bare sends nothing. The
	// withCredentials flag of Open selects between them.
	credentialed *http.Client
	bare         *http.Client
}

func NewClient(cfg domain.StreamConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := domain.DefaultStreamConfig()
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaults.HandshakeTimeout
	}
	if cfg.InitialRetryInterval <= 0 {
		cfg.InitialRetryInterval = defaults.InitialRetryInterval
	}
	if cfg.MaxRetryInterval <= 0 {
		cfg.MaxRetryInterval = defaults.MaxRetryInterval
	}

	transport := &http.Transport{
		ResponseHeaderTimeout: cfg.HandshakeTimeout,
	}
	jar, _ := cookiejar.New(nil)

	return &Client{
		cfg:          cfg,
		logger:       logger.With("component", "sse-client"),
		credentialed: &http.Client{Jar: jar, Transport: transport},
		bare:         &http.Client{Transport: transport},
	}
}

// Open validates the target and starts the connection loop. Lifecycle is
// reported through the callbacks: OnOpen on every successful handshake,
// OnMessage per data event, OnError per failed attempt.
func (c *Client) Open(ctx context.Context, target string, withCredentials bool, cb ports.StreamCallbacks) (ports.StreamConn, error) {
	u, err := url.Parse(target)
	if err != nil {
		return nil, domain.NewCapabilityError("stream", "open", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, domain.NewCapabilityError("stream", "open",
			fmt.Errorf("unsupported scheme %q", u.Scheme))
	}

	connCtx, cancel := context.WithCancel(ctx)
	conn := &Conn{
		client:    c,
		target:    target,
		origin:    u.Scheme + "://" + u.Host,
		withCreds: withCredentials,
		cb:        cb,
		ctx:       connCtx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	go conn.run()
	return conn, nil
}

// Conn is one logical push-stream connection. The underlying HTTP stream
// may be re-established many times over its life.
type Conn struct {
	client    *Client
	target    string
	origin    string
	withCreds bool
	cb        ports.StreamCallbacks
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}

	mu          sync.Mutex
	lastEventID string
	closed      bool
}

func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	<-c.done
	return nil
}

func (c *Conn) run() {
	defer close(c.done)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.client.cfg.InitialRetryInterval
	bo.MaxInterval = c.client.cfg.MaxRetryInterval
	bo.MaxElapsedTime = 0

	err := backoff.Retry(func() error {
		err := c.stream()
		if c.ctx.Err() != nil {
			return backoff.Permanent(c.ctx.Err())
		}
		c.client.logger.Debug("stream attempt failed", "target", c.target, "error", err)
		c.notifyError(err)
		return err
	}, backoff.WithContext(bo, c.ctx))

	if err != nil && !errors.Is(err, context.Canceled) {
		c.client.logger.Warn("stream loop ended", "target", c.target, "error", err)
	}
}

func (c *Conn) stream() error {
	req, err := http.NewRequestWithContext(c.ctx, http.MethodGet, c.target, nil)
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if id := c.lastID(); id != "" {
		req.Header.Set("Last-Event-ID", id)
	}

	httpClient := c.client.bare
	if c.withCreds {
		httpClient = c.client.credentialed
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d from %s", resp.StatusCode, c.target)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		return fmt.Errorf("unexpected content type %q from %s", ct, c.target)
	}

	c.notifyOpen()
	return c.readEvents(resp)
}

func (c *Conn) readEvents(resp *http.Response) error {
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)

	var data []string
	eventType := ""

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			c.dispatch(data, eventType)
			data = nil
			eventType = ""
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value := line, ""
		if idx := strings.IndexByte(line, ':'); idx >= 0 {
			field = line[:idx]
			value = strings.TrimPrefix(line[idx+1:], " ")
		}

		switch field {
		case "data":
			data = append(data, value)
		case "id":
			if !strings.ContainsRune(value, 0) {
				c.setLastID(value)
			}
		case "event":
			eventType = value
		case "retry":
			// the backoff policy governs reconnect pacing
		}
	}

	if err := scanner.Err(); err != nil {
		return err
	}
	return errStreamEnded
}

// dispatch relays one complete event. Only default message events are
// relayed, matching the single message slot of the facade.
func (c *Conn) dispatch(data []string, eventType string) {
	if len(data) == 0 {
		return
	}
	if eventType != "" && eventType != "message" {
		return
	}
	c.notifyMessage(domain.StreamMessage{
		Data:        strings.Join(data, "\n"),
		Origin:      c.origin,
		LastEventID: c.lastID(),
	})
}

func (c *Conn) lastID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastEventID
}

func (c *Conn) setLastID(id string) {
	c.mu.Lock()
	c.lastEventID = id
	c.mu.Unlock()
}

func (c *Conn) notifyOpen() {
	if c.isClosed() || c.cb.OnOpen == nil {
		return
	}
	c.cb.OnOpen()
}

func (c *Conn) notifyMessage(msg domain.StreamMessage) {
	if c.isClosed() || c.cb.OnMessage == nil {
		return
	}
	c.cb.OnMessage(msg)
}

func (c *Conn) notifyError(err error) {
	if c.isClosed() || c.cb.OnError == nil {
		return
	}
	c.cb.OnError(err)
}

func (c *Conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
