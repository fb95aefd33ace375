package domain

import (
	"fmt"
	"log/slog"
	"time"
)

// Config carries everything an instance needs besides the host
// capabilities themselves. Zero fields are filled from DefaultConfig by
// ApplyDefaults.
type Config struct {
	// Target is the push-stream URL this instance consumes. The stream
	// identity, bus channel and lock name all derive from it.
	Target string `json:"target"`

	// WithCredentials selects the credentials mode the leader uses when
	// opening the real connection.
	WithCredentials bool `json:"with_credentials"`

	Logger *slog.Logger `json:"-"`

	Bus    BusConfig    `json:"bus"`
	Stream StreamConfig `json:"stream"`
	Relay  RelayConfig  `json:"relay"`
}

// BusConfig tunes bus adapters; the protocol itself never buffers.
type BusConfig struct {
	// SubscriberBuffer is the initial per-subscriber queue capacity of the
	// in-memory hub.
	SubscriberBuffer int `json:"subscriber_buffer"`
}

// StreamConfig tunes the SSE stream adapter. Reconnection belongs to the
// adapter, never to the core.
type StreamConfig struct {
	HandshakeTimeout     time.Duration `json:"handshake_timeout"`
	InitialRetryInterval time.Duration `json:"initial_retry_interval"`
	MaxRetryInterval     time.Duration `json:"max_retry_interval"`
}

// RelayConfig tunes the websocket relay client.
type RelayConfig struct {
	DialTimeout  time.Duration `json:"dial_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
	PingInterval time.Duration `json:"ping_interval"`
}

func (c *Config) Validate() error {
	if c.Target == "" {
		return fmt.Errorf("%w: target cannot be empty", ErrInvalidConfig)
	}
	if c.Bus.SubscriberBuffer < 0 {
		return fmt.Errorf("%w: bus subscriber buffer cannot be negative", ErrInvalidConfig)
	}
	if c.Stream.MaxRetryInterval < c.Stream.InitialRetryInterval {
		return fmt.Errorf("%w: stream max retry interval below initial interval", ErrInvalidConfig)
	}
	return nil
}
