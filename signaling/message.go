package signaling

import (
	"encoding/json"
	"fmt"
)

// MessageType identifies signaling message variants.
type MessageType string

const (
	// TypeOffer carries the initiator's session description and public key.
	TypeOffer MessageType = "webrtc-offer"
	// TypeAnswer carries the responder's session description and public key.
	TypeAnswer MessageType = "webrtc-answer"
	// TypeICECandidate carries one trickled connectivity candidate.
	TypeICECandidate MessageType = "webrtc-ice-candidate"
	// TypeCallEnded terminates the session on receipt.
	TypeCallEnded MessageType = "call-ended"
	// TypeHeartbeat is the periodic liveness signal for a connected call.
	TypeHeartbeat MessageType = "call-heartbeat"
)

// CallerInfo is the display identity attached to an offer so the callee
// can render who is calling before accepting.
type CallerInfo struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name,omitempty"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

// Message is the JSON envelope exchanged through the relay.
//
// Exactly one negotiation body is populated per message: Offer, Answer or
// Candidate in plaintext during bootstrap, or EncryptedData+IV once a
// shared secret exists. PublicKey appears only on offers and answers.
// IntegrityHash is present on every message sent after secret
// establishment and authenticates (type, call_id, payload, timestamp).
type Message struct {
	Type      MessageType `json:"type"`
	CallID    string      `json:"call_id,omitempty"`
	Timestamp int64       `json:"timestamp,omitempty"` // epoch milliseconds
	FromUser  string      `json:"from_user_id,omitempty"`
	ToUser    string      `json:"to_user_id,omitempty"`

	// Plaintext negotiation bodies (pre-encryption bootstrap).
	Offer     json.RawMessage `json:"offer,omitempty"`
	Answer    json.RawMessage `json:"answer,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`

	// Encrypted negotiation body, once a shared secret exists.
	EncryptedData []byte `json:"encrypted_data,omitempty"`
	IV            []byte `json:"iv,omitempty"`
	IsEncrypted   bool   `json:"is_encrypted,omitempty"`

	// Key agreement bootstrap, offers and answers only.
	PublicKey []byte `json:"public_key,omitempty"`

	// SecurityLevel is declared by the initiator on offers.
	SecurityLevel string `json:"security_level,omitempty"`

	IntegrityHash []byte      `json:"integrity_hash,omitempty"`
	CallerInfo    *CallerInfo `json:"caller_info,omitempty"`
}

// Payload returns the negotiation body of the message for integrity
// tagging: the ciphertext when encrypted, otherwise whichever plaintext
// body is present. A nil return means the message carries no body
// (call-ended, heartbeat).
func (m *Message) Payload() []byte {
	switch {
	case m.IsEncrypted:
		return m.EncryptedData
	case m.Offer != nil:
		return m.Offer
	case m.Answer != nil:
		return m.Answer
	case m.Candidate != nil:
		return m.Candidate
	default:
		return nil
	}
}

// Encode serializes the message for the relay channel.
func (m *Message) Encode() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encoding %s message: %w", m.Type, err)
	}
	return data, nil
}

// Decode parses a relay frame into a Message and checks the type
// discriminator against the known variants.
func Decode(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decoding signaling message: %w", err)
	}

	switch msg.Type {
	case TypeOffer, TypeAnswer, TypeICECandidate, TypeCallEnded, TypeHeartbeat:
		return &msg, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessageType, msg.Type)
	}
}
