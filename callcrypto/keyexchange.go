package callcrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/hkdf"
)

// hkdfInfo binds derived keys to this protocol so the same ECDH output
// cannot be confused with keys derived for another purpose.
const hkdfInfo = "serofero-call-signaling-v1"

// SharedKeySize is the size of the derived AES-256-GCM key in bytes.
const SharedKeySize = 32

// KeyExchange holds the ephemeral key material for a single call.
//
// A fresh exchange is created per call attempt and destroyed on teardown;
// key pairs are never persisted or reused across calls. The derived
// symmetric key is held internally and exposed only through Encrypt,
// Decrypt, IntegrityTag and VerifyTag.
type KeyExchange struct {
	mu sync.Mutex

	privateKey *ecdh.PrivateKey

	// sharedKey and aead are set exactly once by DeriveSharedSecret.
	sharedKey []byte
	aead      cipher.AEAD

	destroyed bool
}

// NewKeyExchange generates a fresh ephemeral P-256 key pair.
func NewKeyExchange() (*KeyExchange, error) {
	logrus.WithFields(logrus.Fields{
		"function": "NewKeyExchange",
		"curve":    "P-256",
	}).Debug("Generating ephemeral call key pair")

	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "NewKeyExchange",
			"error":    err.Error(),
		}).Error("Key pair generation failed")
		return nil, fmt.Errorf("generating P-256 key pair: %w", err)
	}

	return &KeyExchange{privateKey: priv}, nil
}

// PublicKey returns the local public key as an uncompressed P-256 point
// (65 bytes) suitable for transmission in offer/answer messages.
func (kx *KeyExchange) PublicKey() []byte {
	kx.mu.Lock()
	defer kx.mu.Unlock()
	if kx.destroyed || kx.privateKey == nil {
		return nil
	}
	return kx.privateKey.PublicKey().Bytes()
}

// DeriveSharedSecret computes the ECDH shared secret with the peer's
// public key and expands it into the symmetric signaling key.
//
// The secret is set at most once per exchange: a second call returns
// ErrSecretAlreadyDerived regardless of the key offered. The raw ECDH
// output is wiped after expansion.
func (kx *KeyExchange) DeriveSharedSecret(peerPublic []byte) error {
	kx.mu.Lock()
	defer kx.mu.Unlock()

	if kx.destroyed {
		return ErrExchangeDestroyed
	}
	if kx.aead != nil {
		logrus.WithFields(logrus.Fields{
			"function": "DeriveSharedSecret",
		}).Warn("Rejecting re-derivation attempt")
		return ErrSecretAlreadyDerived
	}

	peerKey, err := ecdh.P256().NewPublicKey(peerPublic)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "DeriveSharedSecret",
			"key_size": len(peerPublic),
			"error":    err.Error(),
		}).Error("Peer public key rejected")
		return fmt.Errorf("%w: %v", ErrInvalidPeerKey, err)
	}

	sharedPoint, err := kx.privateKey.ECDH(peerKey)
	if err != nil {
		return fmt.Errorf("%w: ECDH failed: %v", ErrInvalidPeerKey, err)
	}
	defer zeroBytes(sharedPoint)

	key := make([]byte, SharedKeySize)
	kdf := hkdf.New(sha256.New, sharedPoint, nil, []byte(hkdfInfo))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return fmt.Errorf("expanding shared secret: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return fmt.Errorf("creating AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return fmt.Errorf("creating GCM: %w", err)
	}

	kx.sharedKey = key
	kx.aead = aead

	logrus.WithFields(logrus.Fields{
		"function": "DeriveSharedSecret",
	}).Info("Signaling key derived")

	return nil
}

// HasSecret reports whether the shared secret has been derived.
func (kx *KeyExchange) HasSecret() bool {
	kx.mu.Lock()
	defer kx.mu.Unlock()
	return kx.aead != nil
}

// Destroy zeroizes key material and renders the exchange unusable.
// It is safe to call multiple times.
func (kx *KeyExchange) Destroy() {
	kx.mu.Lock()
	defer kx.mu.Unlock()

	if kx.destroyed {
		return
	}
	zeroBytes(kx.sharedKey)
	kx.sharedKey = nil
	kx.aead = nil
	kx.privateKey = nil
	kx.destroyed = true

	logrus.WithFields(logrus.Fields{
		"function": "Destroy",
	}).Debug("Key exchange material released")
}

// zeroBytes overwrites b with zeros.
func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
