package domain

import (
	"errors"
	"fmt"
)

var (
	ErrBusUnavailable    = errors.New("broadcast bus capability unavailable")
	ErrLockUnavailable   = errors.New("lock capability unavailable")
	ErrStreamUnavailable = errors.New("stream capability unavailable")
	ErrConnectionFailed  = errors.New("push-stream connection error")
	ErrInvalidConfig     = errors.New("invalid configuration")
	ErrRelayClosed       = errors.New("relay connection closed")
)

// CapabilityError reports a missing or failing host capability. A missing
// bus or lock at construction is fatal: no usable instance is returned.
type CapabilityError struct {
	Capability string
	Op         string
	Err        error
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("capability[%s] %s: %v", e.Capability, e.Op, e.Err)
}

func (e *CapabilityError) Unwrap() error {
	return e.Err
}

func NewCapabilityError(capability, op string, err error) *CapabilityError {
	return &CapabilityError{
		Capability: capability,
		Op:         op,
		Err:        err,
	}
}

// ProtocolError reports a malformed frame or envelope. Receivers tolerate
// these: a bad payload is dropped, never fatal to the instance.
type ProtocolError struct {
	Op      string
	Subject string
	Err     error
}

func (e *ProtocolError) Error() string {
	if e.Subject == "" {
		return fmt.Sprintf("protocol %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("protocol %s [%s]: %v", e.Op, e.Subject, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

func NewProtocolError(op, subject string, err error) *ProtocolError {
	return &ProtocolError{
		Op:      op,
		Subject: subject,
		Err:     err,
	}
}

func IsCapabilityError(err error) bool {
	var capErr *CapabilityError
	return errors.As(err, &capErr)
}

func IsProtocolError(err error) bool {
	var protoErr *ProtocolError
	return errors.As(err, &protoErr)
}

func IsInvalidConfig(err error) bool {
	return errors.Is(err, ErrInvalidConfig)
}
