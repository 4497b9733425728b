package call

import "errors"

// Sentinel errors for call operations.
// These errors enable reliable error classification using errors.Is().

// Fatal errors: the current call attempt is torn down and the machine
// returns to Idle.
var (
	// ErrMediaAccess indicates the capture device was denied or
	// unavailable. Surfaced to the user, never retried.
	ErrMediaAccess = errors.New("media device access failed")

	// ErrKeyExchange indicates a malformed or mismatched public key, or a
	// derivation failure.
	ErrKeyExchange = errors.New("key exchange failed")

	// ErrNegotiation indicates offer or answer creation/application
	// failed.
	ErrNegotiation = errors.New("negotiation failed")

	// ErrConnectionFailure indicates the peer link failed and did not
	// recover.
	ErrConnectionFailure = errors.New("connection failure")
)

// Protocol-layer drops: the offending message is discarded and logged as
// a SecurityEvent; the call continues unless the message was the
// initiating offer.
var (
	// ErrIntegrity indicates a message failed tag verification or AEAD
	// authentication and was not applied.
	ErrIntegrity = errors.New("integrity verification failed")
)

// State machine errors.
var (
	// ErrAlreadyInCall indicates an initiate attempt while a call is live.
	ErrAlreadyInCall = errors.New("a call is already active")

	// ErrNoActiveCall indicates an operation that needs a live session.
	ErrNoActiveCall = errors.New("no active call")

	// ErrInvalidTransition indicates an operation not valid in the
	// current state.
	ErrInvalidTransition = errors.New("invalid state transition")
)
