package callcrypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"strconv"
)

// bootstrapKey keys integrity tags before a shared secret exists. Offer
// messages are tagged before any key agreement can have happened, so their
// integrity protection is deliberately weaker: the tag catches accidental
// corruption but not a motivated forger. Once DeriveSharedSecret succeeds,
// tags switch to the derived per-call key.
var bootstrapKey = []byte("serofero-call-bootstrap")

// IntegrityTag computes an HMAC-SHA256 tag over the canonical form of a
// signaling message: type, call id, payload and timestamp, separated by
// an unambiguous delimiter. The tag is keyed by the derived signaling key,
// or by the bootstrap key when no secret has been derived yet.
func (kx *KeyExchange) IntegrityTag(msgType, callID string, payload []byte, timestampMillis int64) []byte {
	kx.mu.Lock()
	key := kx.sharedKey
	kx.mu.Unlock()

	if key == nil {
		key = bootstrapKey
	}
	return tagWithKey(key, msgType, callID, payload, timestampMillis)
}

// BootstrapTag computes an integrity tag keyed by the bootstrap key. It
// covers messages sent outside any exchange, such as a busy reply to a
// caller the local side never negotiated with.
func BootstrapTag(msgType, callID string, payload []byte, timestampMillis int64) []byte {
	return tagWithKey(bootstrapKey, msgType, callID, payload, timestampMillis)
}

func tagWithKey(key []byte, msgType, callID string, payload []byte, timestampMillis int64) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(msgType))
	mac.Write([]byte{0})
	mac.Write([]byte(callID))
	mac.Write([]byte{0})
	mac.Write(payload)
	mac.Write([]byte{0})
	mac.Write([]byte(strconv.FormatInt(timestampMillis, 10)))
	return mac.Sum(nil)
}

// VerifyTag checks an integrity tag in constant time against the tag this
// exchange would have produced for the same message fields.
func (kx *KeyExchange) VerifyTag(msgType, callID string, payload []byte, timestampMillis int64, tag []byte) bool {
	expected := kx.IntegrityTag(msgType, callID, payload, timestampMillis)
	return hmac.Equal(expected, tag)
}
