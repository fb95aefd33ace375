package bus

import "github.com/streamtether/tether/internal/domain"

// Relay wire protocol. Clients send subscribe/unsubscribe/publish for
// bus channels and acquire/release for queued locks; the relay sends
// event and granted frames back. Frames are JSON; unknown ops are
// ignored so mixed client versions can share a relay.
const (
	opSubscribe   = "subscribe"
	opUnsubscribe = "unsubscribe"
	opPublish     = "publish"
	opAcquire     = "acquire"
	opRelease     = "release"
	opEvent       = "event"
	opGranted     = "granted"
)

type frame struct {
	Op       string           `json:"op"`
	Channel  string           `json:"channel,omitempty"`
	Name     string           `json:"name,omitempty"`
	Req      string           `json:"req,omitempty"`
	Envelope *domain.Envelope `json:"envelope,omitempty"`
}
