// Package callcrypto implements the cryptographic layer for secure call
// signaling.
//
// Each call gets its own KeyExchange holding an ephemeral P-256 key pair.
// Once the peer's public key is known, an ECDH shared secret is derived and
// expanded with HKDF-SHA256 into an AES-256-GCM key used to encrypt
// signaling payloads. The derived key never leaves the package.
//
// The package also provides call identifier generation (256 bits of
// randomness, hex encoded) and HMAC-SHA256 integrity tags over the
// canonical form of a signaling message. Before a shared secret exists,
// tags are keyed by a well-known bootstrap key: pre-secret integrity is
// deliberately weaker and exists only to bridge the offer/answer exchange
// that establishes the real key.
//
// Example:
//
//	kx, err := callcrypto.NewKeyExchange()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer kx.Destroy()
//
//	if err := kx.DeriveSharedSecret(peerPublicKey); err != nil {
//	    log.Fatal(err)
//	}
//	ciphertext, nonce, err := kx.Encrypt(payload)
package callcrypto
