package domain

import (
	"errors"
	"strings"
)

type ErrorKind uint8

const (
	KindCapture ErrorKind = iota + 1
	KindNotFound
	KindSignalingWrite
	KindNegotiation
	KindTransport
)

func (k ErrorKind) String() string {
	switch k {
	case KindCapture:
		return "CaptureError"
	case KindNotFound:
		return "NotFoundError"
	case KindSignalingWrite:
		return "SignalingWriteError"
	case KindNegotiation:
		return "NegotiationError"
	case KindTransport:
		return "TransportError"
	}
	return "Error"
}

// Reason codes carried by errors.
const (
	ReasonSessionMissing    = "session-missing"
	ReasonSessionStale      = "session-stale"
	ReasonSessionBusy       = "session-busy"
	ReasonSessionRemoved    = "session-removed"
	ReasonICEFailed         = "ice-failed"
	ReasonRestartsExhausted = "ice-restart-exhausted"
	ReasonTransportClosed   = "transport-closed"
)

// Error is the signaling error taxonomy. Kind decides recoverability.
type Error struct {
	Kind   ErrorKind
	Op     string
	Reason string
	Err    error
}

var (
	ErrCapture        = &Error{Kind: KindCapture}
	ErrNotFound       = &Error{Kind: KindNotFound}
	ErrSignalingWrite = &Error{Kind: KindSignalingWrite}
	ErrNegotiation    = &Error{Kind: KindNegotiation}
	ErrTransport      = &Error{Kind: KindTransport}
)

func NewCaptureError(op string, err error) *Error {
	return &Error{Kind: KindCapture, Op: op, Err: err}
}

func NewNotFoundError(op, reason string) *Error {
	return &Error{Kind: KindNotFound, Op: op, Reason: reason}
}

func NewSignalingWriteError(op, reason string, err error) *Error {
	return &Error{Kind: KindSignalingWrite, Op: op, Reason: reason, Err: err}
}

func NewNegotiationError(op string, err error) *Error {
	return &Error{Kind: KindNegotiation, Op: op, Err: err}
}

func NewTransportError(op, reason string, err error) *Error {
	return &Error{Kind: KindTransport, Op: op, Reason: reason, Err: err}
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.Op != "" {
		b.WriteString(" (" + e.Op + ")")
	}
	if e.Reason != "" {
		b.WriteString(": " + e.Reason)
	}
	if e.Err != nil {
		b.WriteString(": " + e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the bare kind sentinels, so errors.Is(err, ErrTransport) holds
// for every transport error.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Op == "" && t.Reason == "" && t.Err == nil {
		return t.Kind == e.Kind
	}
	return t == e
}

// Fatal errors terminate the owning engine.
func (e *Error) Fatal() bool { return e.Kind != KindNotFound }

// KindOf returns the taxonomy kind of err, or 0.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}
