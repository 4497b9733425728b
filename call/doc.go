// Package call implements the secure call-negotiation core: the session
// manager that owns the peer connection, the user-facing state machine
// that drives call lifecycle, and the quality/security monitor attached
// to live sessions.
//
// The design follows the conventions of the surrounding codebase:
// - Interface-based peer link and transport for testability
// - Thread-safe operations with appropriate mutex usage
// - Sentinel errors classified with errors.Is
// - Structured logging on every lifecycle transition
//
// A Machine holds at most one live Session. Local user actions
// (Initiate, Accept, Hangup, ToggleMute) and inbound signaling messages
// both feed the machine, which delegates effects to the session: offer
// and answer creation, trickle-ICE exchange, media acquisition and
// teardown. Payload confidentiality and integrity come from the
// callcrypto package; anomalies are recorded as SecurityEvents consumed
// from a channel rather than callbacks, so the core stays testable
// without a UI.
package call
