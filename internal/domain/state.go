package domain

// ReadyState mirrors the numeric readiness values of the native
// push-stream client shape: 0 connecting, 1 open, 2 closed. Closed is
// terminal; no dispatch transitions out of it.
type ReadyState int

const (
	Connecting ReadyState = iota
	Open
	Closed
)

func (s ReadyState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}
