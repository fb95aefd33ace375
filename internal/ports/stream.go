package ports

import (
	"context"

	"github.com/streamtether/tether/internal/domain"
)

// StreamCallbacks receive lifecycle and data events from a real
// push-stream connection. Callbacks stop firing once the connection is
// closed.
type StreamCallbacks struct {
	OnOpen    func()
	OnMessage func(msg domain.StreamMessage)
	OnError   func(err error)
}

// StreamConn is one live push-stream connection, owned exclusively by the
// leader instance that opened it.
type StreamConn interface {
	Close() error
}

// StreamOpener is the real push-stream client capability. Any reconnect
// policy belongs to the opener; the core relays whatever the connection
// reports and never retries on its own.
type StreamOpener interface {
	Open(ctx context.Context, target string, withCredentials bool, cb StreamCallbacks) (StreamConn, error)
}
