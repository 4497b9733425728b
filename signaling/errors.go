package signaling

import "errors"

// Sentinel errors for signaling validation and transport.
// These errors enable reliable error classification using errors.Is().

var (
	// ErrStaleMessage indicates a message older than the freshness window.
	// Stale messages are rejected unconditionally as the replay defense,
	// regardless of tag validity.
	ErrStaleMessage = errors.New("message outside freshness window")

	// ErrMalformedCallID indicates a call identifier that does not match
	// the required 64-character lowercase hex shape.
	ErrMalformedCallID = errors.New("malformed call id")

	// ErrMissingField indicates a message missing a field required for
	// its type.
	ErrMissingField = errors.New("required field missing")

	// ErrUnknownMessageType indicates a type discriminator outside the
	// signaling protocol.
	ErrUnknownMessageType = errors.New("unknown signaling message type")

	// ErrRelayClosed indicates the relay client has been closed.
	ErrRelayClosed = errors.New("relay client closed")

	// ErrRelayNotConnected indicates a send was attempted while the relay
	// connection is down and the outbound buffer is full.
	ErrRelayNotConnected = errors.New("relay not connected")
)
