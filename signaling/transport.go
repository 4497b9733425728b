package signaling

// Transport is the boundary to the external message relay.
//
// Implementations deliver messages reliably and in order per sender but
// not exactly once, so handlers must be idempotent. The production
// implementation is RelayClient; tests use in-package fakes.
type Transport interface {
	// Send ships a message to the peer identified by its ToUser field.
	Send(msg *Message) error

	// SetHandler registers the single inbound message handler. The
	// handler is invoked sequentially in arrival order; a nil handler
	// discards inbound messages.
	SetHandler(handler func(*Message))
}
