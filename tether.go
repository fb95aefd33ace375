// Package tether multiplexes one real push-event stream across many
// consumers. Hosts cap the number of concurrent push-stream connections
// per origin, so instead of every consumer opening its own, tether elects
// exactly one instance per stream identity as the owner of the single
// real connection and relays every lifecycle and data event to all other
// instances over a broadcast bus. Every instance observes the same event
// sequence as if it held its own connection.
//
// Instances coordinate through three host capabilities: a broadcast bus,
// a queued mutual-exclusion lock, and a push-stream client. Same-process
// consumers use the in-process host; separate processes share a relay:
//
//	caps := tether.InProcessHost(nil)
//	a, err := tether.New("https://feeds.example.com/ticker", caps)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer a.Close()
//	a.OnMessage(func(msg tether.StreamMessage) {
//	    log.Println("event:", msg.Data)
//	})
package tether

import (
	"context"
	"log/slog"

	"github.com/streamtether/tether/internal/adapters/bus"
	"github.com/streamtether/tether/internal/adapters/lock"
	"github.com/streamtether/tether/internal/adapters/stream"
	"github.com/streamtether/tether/internal/core"
	"github.com/streamtether/tether/internal/domain"
)

// Instance is one consumer of a shared push-event stream.
type Instance = core.Instance

// Capabilities bundles the host primitives instances coordinate through.
type Capabilities = core.Capabilities

// Config carries the target, credentials mode and adapter tuning.
type Config = domain.Config

// ReadyState mirrors the native numeric readiness values.
type ReadyState = domain.ReadyState

const (
	// Connecting is the initial state of every instance.
	Connecting = domain.Connecting
	// Open means the shared real connection is established.
	Open = domain.Open
	// Closed is terminal; set only by Close.
	Closed = domain.Closed
)

// Kind tags the envelopes exchanged on the broadcast bus.
type Kind = domain.Kind

const (
	KindInstanceJoined    = domain.KindInstanceJoined
	KindInstanceLeft      = domain.KindInstanceLeft
	KindConnectionOpened  = domain.KindConnectionOpened
	KindMessageReceived   = domain.KindMessageReceived
	KindConnectionErrored = domain.KindConnectionErrored
)

// Envelope is the unit of exchange on the bus, exposed through the
// generic listener surface.
type Envelope = domain.Envelope

// StreamMessage is one relayed data event.
type StreamMessage = domain.StreamMessage

// New creates an instance for target with default configuration.
func New(target string, caps Capabilities) (*Instance, error) {
	return NewWithConfig(&Config{Target: target}, caps)
}

// NewWithConfig creates an instance from a full configuration. It fails
// synchronously when a capability is missing or the configuration is
// invalid.
func NewWithConfig(cfg *Config, caps Capabilities) (*Instance, error) {
	return core.NewInstance(cfg, caps)
}

// InProcessHost builds capabilities backed by an in-memory bus and lock
// manager plus the SSE stream client. Instances constructed with the
// same host share streams; a second host is a separate world.
func InProcessHost(logger *slog.Logger) Capabilities {
	if logger == nil {
		logger = slog.Default()
	}
	cfg := domain.DefaultConfig()
	return Capabilities{
		Bus:     bus.NewHub(cfg.Bus, logger),
		Locks:   lock.NewManager(logger),
		Streams: stream.NewClient(cfg.Stream, logger),
	}
}

// RelayHost connects to a tether-relay daemon and exposes its bus and
// lock services as capabilities, so instances in separate processes can
// share one real connection per stream.
type RelayHost struct {
	client *bus.RelayClient
	caps   Capabilities
}

// DialRelay connects to a relay endpoint, retrying until ctx is
// cancelled.
func DialRelay(ctx context.Context, url string, logger *slog.Logger) (*RelayHost, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg := domain.DefaultConfig()
	client, err := bus.Dial(ctx, url, cfg.Relay, logger)
	if err != nil {
		return nil, err
	}
	return &RelayHost{
		client: client,
		caps: Capabilities{
			Bus:     client,
			Locks:   client,
			Streams: stream.NewClient(cfg.Stream, logger),
		},
	}, nil
}

// Capabilities returns the host capabilities served by the relay.
func (h *RelayHost) Capabilities() Capabilities {
	return h.caps
}

// Close drops the relay connection. The relay releases this process's
// lock grants and queued waiters, promoting the next leader elsewhere.
func (h *RelayHost) Close() error {
	return h.client.Close()
}
