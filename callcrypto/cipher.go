package callcrypto

import (
	"crypto/rand"
	"fmt"

	"github.com/sirupsen/logrus"
)

// NonceSize is the AES-GCM nonce length in bytes (96 bits).
const NonceSize = 12

// Encrypt seals plaintext under the derived signaling key with a fresh
// random 96-bit nonce. The nonce is returned alongside the ciphertext and
// must be transmitted with it; it is never reused for two plaintexts under
// the same key. Keys are per-call, which bounds the number of encryptions
// well below the random-nonce collision margin for call-duration signaling
// volume.
func (kx *KeyExchange) Encrypt(plaintext []byte) (ciphertext, nonce []byte, err error) {
	kx.mu.Lock()
	defer kx.mu.Unlock()

	if kx.destroyed {
		return nil, nil, ErrExchangeDestroyed
	}
	if kx.aead == nil {
		return nil, nil, ErrNoSharedSecret
	}

	nonce = make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("generating nonce: %w", err)
	}

	ciphertext = kx.aead.Seal(nil, nonce, plaintext, nil)

	logrus.WithFields(logrus.Fields{
		"function":        "Encrypt",
		"plaintext_size":  len(plaintext),
		"ciphertext_size": len(ciphertext),
	}).Debug("Signaling payload encrypted")

	return ciphertext, nonce, nil
}

// Decrypt opens a sealed signaling payload. Any modification of the
// ciphertext or nonce causes authentication to fail and ErrDecryptFailed
// to be returned; the payload must not be applied in that case.
func (kx *KeyExchange) Decrypt(ciphertext, nonce []byte) ([]byte, error) {
	kx.mu.Lock()
	defer kx.mu.Unlock()

	if kx.destroyed {
		return nil, ErrExchangeDestroyed
	}
	if kx.aead == nil {
		return nil, ErrNoSharedSecret
	}
	if len(nonce) != NonceSize {
		return nil, ErrInvalidNonce
	}

	plaintext, err := kx.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":        "Decrypt",
			"ciphertext_size": len(ciphertext),
		}).Warn("Signaling payload failed authentication")
		return nil, ErrDecryptFailed
	}

	return plaintext, nil
}
