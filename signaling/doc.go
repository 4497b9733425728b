// Package signaling defines the wire-level messages exchanged between call
// peers through the external message relay, together with the validation
// rules applied to every inbound message.
//
// Messages are JSON envelopes with a type discriminator. Negotiation
// payloads (offer, answer, ICE candidate) travel in plaintext only during
// the bootstrap exchange that establishes the per-call key; once a shared
// secret exists they are carried as AES-GCM ciphertext with the nonce
// alongside, and every message carries an HMAC integrity tag.
//
// The package also provides RelayClient, a gorilla/websocket
// implementation of the Transport boundary with automatic reconnection.
// The relay delivers messages reliably and in order per sender, but not
// exactly once: message handlers must tolerate duplicates.
package signaling
