package domain

import (
	"errors"
	"fmt"
)

// Error kinds. Use errors.Is against these; the concrete value is *Error.
var (
	// ErrSignaling: the socket failed to open or closed before anything went live.
	ErrSignaling = errors.New("signaling failed")

	// ErrNegotiation: one transport candidate failed; the next one is tried.
	ErrNegotiation = errors.New("negotiation failed")

	// ErrConnectionLost: a live session dropped and must reconnect from scratch.
	ErrConnectionLost = errors.New("connection lost")

	// ErrRetryBudgetExhausted: automatic retries are used up; only Retry recovers.
	ErrRetryBudgetExhausted = errors.New("retry budget exhausted")

	// ErrUnsupportedEnvironment: no configured transport can run here.
	ErrUnsupportedEnvironment = errors.New("no supported transport")

	// ErrChannelClosed is returned by Channel.Send once the socket is gone.
	ErrChannelClosed = errors.New("signaling channel closed")
)

// Error ties an error kind to the transport it happened on and its cause.
type Error struct {
	Kind      error
	Transport TransportKind
	Err       error
}

func (e *Error) Error() string {
	msg := e.Kind.Error()
	if e.Transport != TransportNone {
		msg = fmt.Sprintf("%s: %s", e.Transport, msg)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// NewError wraps cause as kind. cause may be nil.
func NewError(kind error, transport TransportKind, cause error) *Error {
	return &Error{Kind: kind, Transport: transport, Err: cause}
}

// Terminal reports whether err must not be retried automatically.
func Terminal(err error) bool {
	return errors.Is(err, ErrUnsupportedEnvironment) || errors.Is(err, ErrRetryBudgetExhausted)
}
