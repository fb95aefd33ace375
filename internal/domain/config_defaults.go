package domain

import (
	"fmt"
	"log/slog"
	"time"

	"dario.cat/mergo"
)

func DefaultConfig() *Config {
	return &Config{
		Bus:    DefaultBusConfig(),
		Stream: DefaultStreamConfig(),
		Relay:  DefaultRelayConfig(),
	}
}

func DefaultBusConfig() BusConfig {
	return BusConfig{
		SubscriberBuffer: 16,
	}
}

func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		HandshakeTimeout:     10 * time.Second,
		InitialRetryInterval: 500 * time.Millisecond,
		MaxRetryInterval:     30 * time.Second,
	}
}

func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		DialTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		PingInterval: 30 * time.Second,
	}
}

// ApplyDefaults fills unset fields from DefaultConfig and guarantees a
// usable logger.
func (c *Config) ApplyDefaults() error {
	if err := mergo.Merge(c, DefaultConfig()); err != nil {
		return fmt.Errorf("%w: merging defaults: %v", ErrInvalidConfig, err)
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}
