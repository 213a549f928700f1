package mcp

import (
	"errors"
	"fmt"
)

var (
	// ErrTransport is matched by every TransportError. Use errors.Is to detect channel failures
	// (not connected, peer unreachable, write failed) regardless of the concrete transport.
	ErrTransport = errors.New("transport error")

	// ErrNotConnected is wrapped by a TransportError when Send is called on a transport that is
	// not connected, or that has already been disconnected.
	ErrNotConnected = errors.New("transport not connected")

	// ErrParse is matched by every ParseError.
	ErrParse = errors.New("parse error")

	// ErrProtocolViolation is matched by every ProtocolViolation.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrUnmatchedResponse is wrapped by the ProtocolViolation reported when a response arrives
	// for an id that has no outstanding request, including responses that arrive after their
	// request already timed out.
	ErrUnmatchedResponse = errors.New("response does not match any outstanding request")

	// ErrTimeout is returned to a SendRequest caller whose request bound elapsed before the
	// response arrived.
	ErrTimeout = errors.New("request timeout")

	// ErrConnectionClosed is returned to every outstanding SendRequest caller when the
	// connection is torn down, and to callers that try to send after closure.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrNotReady is returned when an application request or notification is attempted before
	// the initialize handshake completed.
	ErrNotReady = errors.New("session not ready")

	// ErrHandshake is wrapped by every handshake failure: no overlapping protocol version,
	// handshake timeout, or an error response to initialize.
	ErrHandshake = errors.New("handshake failed")

	// ErrUnsupportedProtocolVersion is wrapped by ErrHandshake failures caused by protocol
	// version negotiation.
	ErrUnsupportedProtocolVersion = errors.New("no overlapping protocol version")
)

// TransportError reports a failure of the underlying channel. The failure is returned to the
// caller of the operation that triggered it and is also routed to the transport's OnError
// callback.
type TransportError struct {
	// Op names the transport operation that failed, e.g. "connect", "send", "read".
	Op  string
	Err error
}

// ParseError reports an inbound payload that could not be decoded into a message envelope.
// The offending payload is dropped.
type ParseError struct {
	Reason string
	Raw    []byte
	Err    error
}

// ProtocolViolation reports a peer that broke the protocol contract, e.g. a response for an id
// that was never issued or is no longer outstanding.
type ProtocolViolation struct {
	Reason string
	ID     *RequestID
	Err    error
}

func newTransportError(op string, err error) *TransportError {
	return &TransportError{Op: op, Err: err}
}

func (e *TransportError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("transport %s failed", e.Op)
	}
	return fmt.Sprintf("transport %s failed: %s", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Is reports whether target is ErrTransport.
func (e *TransportError) Is(target error) bool { return target == ErrTransport }

func (e *ParseError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("parse error: %s", e.Reason)
	}
	return fmt.Sprintf("parse error: %s: %s", e.Reason, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Is reports whether target is ErrParse.
func (e *ParseError) Is(target error) bool { return target == ErrParse }

func (e *ProtocolViolation) Error() string {
	msg := "protocol violation: " + e.Reason
	if e.ID != nil {
		msg += fmt.Sprintf(" (id %s)", e.ID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProtocolViolation) Unwrap() error { return e.Err }

// Is reports whether target is ErrProtocolViolation.
func (e *ProtocolViolation) Is(target error) bool { return target == ErrProtocolViolation }
