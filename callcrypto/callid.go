package callcrypto

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// CallIDLength is the length of a call identifier in hex characters.
// A call ID carries 256 bits of randomness.
const CallIDLength = 64

// GenerateCallID produces a fresh random call identifier: 32 bytes of
// cryptographically secure randomness rendered as 64 lowercase hex
// characters. IDs are generated by the call initiator and validated on
// receipt with ValidCallID.
func GenerateCallID() (string, error) {
	raw := make([]byte, CallIDLength/2)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generating call id: %w", err)
	}
	return hex.EncodeToString(raw), nil
}

// ValidCallID reports whether s has the exact shape of a generated call
// identifier: 64 lowercase hex characters.
func ValidCallID(s string) bool {
	if len(s) != CallIDLength {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
