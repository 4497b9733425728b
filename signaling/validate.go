package signaling

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/BHUWON12/serofero-calls/callcrypto"
)

// FreshnessWindow is the maximum age of a signaling message relative to
// receipt time. Anything older is rejected unconditionally: a valid
// integrity tag does not rescue a stale message. This is the replay
// defense.
const FreshnessWindow = 30 * time.Second

// CheckFreshness rejects messages whose timestamp falls outside the
// freshness window in either direction. Messages from the future beyond
// the window are treated the same as stale ones; honest clock skew within
// the window passes.
func CheckFreshness(msg *Message, tp callcrypto.TimeProvider) error {
	if tp == nil {
		tp = callcrypto.DefaultTimeProvider{}
	}

	age := tp.Now().UnixMilli() - msg.Timestamp
	if age > FreshnessWindow.Milliseconds() || age < -FreshnessWindow.Milliseconds() {
		logrus.WithFields(logrus.Fields{
			"function": "CheckFreshness",
			"type":     msg.Type,
			"call_id":  msg.CallID,
			"age_ms":   age,
		}).Warn("Rejecting message outside freshness window")
		return fmt.Errorf("%w: age %dms", ErrStaleMessage, age)
	}
	return nil
}

// Validate checks the structural requirements of a message for its type:
// call id shape where one is required, and the presence of a negotiation
// body and key material on offers and answers. It does not check
// freshness; callers combine it with CheckFreshness on receipt.
func (m *Message) Validate() error {
	switch m.Type {
	case TypeOffer:
		if !callcrypto.ValidCallID(m.CallID) {
			return fmt.Errorf("%w: %q", ErrMalformedCallID, m.CallID)
		}
		if m.Offer == nil && !m.IsEncrypted {
			return fmt.Errorf("%w: offer body", ErrMissingField)
		}
		if len(m.PublicKey) == 0 {
			return fmt.Errorf("%w: public_key", ErrMissingField)
		}
		if m.ToUser == "" {
			return fmt.Errorf("%w: to_user_id", ErrMissingField)
		}
	case TypeAnswer:
		if !callcrypto.ValidCallID(m.CallID) {
			return fmt.Errorf("%w: %q", ErrMalformedCallID, m.CallID)
		}
		if m.Answer == nil && !m.IsEncrypted {
			return fmt.Errorf("%w: answer body", ErrMissingField)
		}
		if len(m.PublicKey) == 0 {
			return fmt.Errorf("%w: public_key", ErrMissingField)
		}
	case TypeICECandidate:
		if m.Candidate == nil && !m.IsEncrypted {
			return fmt.Errorf("%w: candidate body", ErrMissingField)
		}
	case TypeCallEnded:
		// No body; to_user_id is required only on send, remote copies
		// arrive addressed to us.
	case TypeHeartbeat:
		if !callcrypto.ValidCallID(m.CallID) {
			return fmt.Errorf("%w: %q", ErrMalformedCallID, m.CallID)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownMessageType, m.Type)
	}
	return nil
}
