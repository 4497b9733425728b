package callcrypto

import "errors"

// Sentinel errors for callcrypto operations.
// These errors enable reliable error classification using errors.Is().

var (
	// ErrNoSharedSecret indicates encryption was attempted before key
	// derivation completed.
	ErrNoSharedSecret = errors.New("shared secret not established")

	// ErrSecretAlreadyDerived indicates a second derivation attempt on the
	// same exchange. The shared secret is set at most once per call.
	ErrSecretAlreadyDerived = errors.New("shared secret already derived")

	// ErrInvalidPeerKey indicates the peer's public key bytes could not be
	// parsed as a valid P-256 point.
	ErrInvalidPeerKey = errors.New("invalid peer public key")

	// ErrInvalidNonce indicates a nonce of the wrong length.
	ErrInvalidNonce = errors.New("invalid nonce length")

	// ErrDecryptFailed indicates AEAD authentication failed: the ciphertext
	// was tampered with or encrypted under a different key.
	ErrDecryptFailed = errors.New("decryption failed")

	// ErrExchangeDestroyed indicates the exchange's key material has been
	// released and the exchange can no longer be used.
	ErrExchangeDestroyed = errors.New("key exchange destroyed")
)
