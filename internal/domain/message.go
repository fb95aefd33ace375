package domain

import "github.com/streamtether/tether/internal/xjson"

// Kind tags the variants exchanged on the broadcast bus. Two membership
// kinds coordinate the registry, three connection kinds relay the real
// connection's lifecycle to every instance.
type Kind string

const (
	KindInstanceJoined    Kind = "instance-joined"
	KindInstanceLeft      Kind = "instance-left"
	KindConnectionOpened  Kind = "connection-opened"
	KindMessageReceived   Kind = "message-received"
	KindConnectionErrored Kind = "connection-errored"
)

// StreamMessage carries one data event relayed from the real connection.
// Fields are copied verbatim from the underlying transport event.
type StreamMessage struct {
	Data        string `json:"data"`
	Origin      string `json:"origin,omitempty"`
	LastEventID string `json:"last_event_id,omitempty"`
}

// Envelope is the unit of exchange on the bus. Sender identifies the
// publishing instance; Instance is set for membership kinds, Message for
// message-received.
type Envelope struct {
	Kind     Kind           `json:"kind"`
	Sender   string         `json:"sender,omitempty"`
	Instance string         `json:"instance,omitempty"`
	Message  *StreamMessage `json:"message,omitempty"`
}

// Known reports whether the envelope carries one of the five protocol
// kinds. Receivers ignore unknown kinds so that mixed protocol versions
// can share a channel.
func (e Envelope) Known() bool {
	switch e.Kind {
	case KindInstanceJoined, KindInstanceLeft, KindConnectionOpened,
		KindMessageReceived, KindConnectionErrored:
		return true
	}
	return false
}

func JoinedEnvelope(instanceID string) Envelope {
	return Envelope{Kind: KindInstanceJoined, Sender: instanceID, Instance: instanceID}
}

func LeftEnvelope(instanceID string) Envelope {
	return Envelope{Kind: KindInstanceLeft, Sender: instanceID, Instance: instanceID}
}

func OpenedEnvelope(sender string) Envelope {
	return Envelope{Kind: KindConnectionOpened, Sender: sender}
}

func ErroredEnvelope(sender string) Envelope {
	return Envelope{Kind: KindConnectionErrored, Sender: sender}
}

func MessageEnvelope(sender string, msg StreamMessage) Envelope {
	return Envelope{Kind: KindMessageReceived, Sender: sender, Message: &msg}
}

func EncodeEnvelope(e Envelope) ([]byte, error) {
	data, err := xjson.Marshal(e)
	if err != nil {
		return nil, NewProtocolError("encode", string(e.Kind), err)
	}
	return data, nil
}

func DecodeEnvelope(data []byte) (Envelope, error) {
	var e Envelope
	if err := xjson.Unmarshal(data, &e); err != nil {
		return Envelope{}, NewProtocolError("decode", "", err)
	}
	return e, nil
}
