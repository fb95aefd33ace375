package ports

import "github.com/streamtether/tether/internal/domain"

// BroadcastBus is the cross-context publish/subscribe capability.
//
// Delivery contract: for any subscriber, envelopes from a single publisher
// arrive in publish order; no ordering holds across publishers. Publish
// loops back to the publisher's own subscriptions — leader-side dispatch
// depends on this, so every adapter must honor it.
type BroadcastBus interface {
	Publish(channel string, env domain.Envelope) error

	// Subscribe registers a handler for a channel and returns a cancel
	// function. Handlers run one at a time per subscription and must not
	// block for unbounded time. Cancel stops further deliveries; one
	// already in flight may still complete.
	Subscribe(channel string, handler func(domain.Envelope)) (func(), error)
}
