// Package crypto provides the session-level end-to-end encryption for a
// transfer: X25519 key exchange, HKDF-SHA256 session-key derivation, and
// ChaCha20-Poly1305 AEAD framing with fresh random nonces.
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the size of X25519 and ChaCha20-Poly1305 keys in bytes.
	KeySize = 32

	// NonceSize is the size of ChaCha20-Poly1305 nonces in bytes.
	NonceSize = 12

	// TagSize is the size of Poly1305 authentication tags in bytes.
	TagSize = 16

	// EncryptionOverhead is the total overhead added to each encrypted message:
	// the prepended nonce plus the appended auth tag.
	EncryptionOverhead = NonceSize + TagSize

	// hkdfInfo is the fixed context string mixed into session-key derivation.
	hkdfInfo = "meshxfer-session-v1"
)

// SessionKey holds the symmetric key used to encrypt and decrypt every
// record of one transfer session. Nonces are fresh random values per
// record rather than a counter: the session is one-direction-at-a-time
// per role (the data-path thread owns the socket), so a counter offers
// no benefit over the simplicity of crypto/rand, and uniqueness is
// probabilistic at 2^96 per record.
type SessionKey struct {
	key [KeySize]byte
}

// GenerateEphemeralKeypair generates a new ephemeral X25519 keypair for use
// in a single session's key exchange. The private key should be zeroed
// after computing the shared secret.
func GenerateEphemeralKeypair() (privateKey, publicKey [KeySize]byte, err error) {
	if _, err = io.ReadFull(rand.Reader, privateKey[:]); err != nil {
		return privateKey, publicKey, fmt.Errorf("generate private key: %w", err)
	}

	// Clamp the private key per X25519 spec.
	privateKey[0] &= 248
	privateKey[31] &= 127
	privateKey[31] |= 64

	curve25519.ScalarBaseMult(&publicKey, &privateKey)

	return privateKey, publicKey, nil
}

// ComputeECDH performs X25519 Diffie-Hellman key exchange and returns the
// shared secret.
func ComputeECDH(privateKey, remotePublicKey [KeySize]byte) ([KeySize]byte, error) {
	var sharedSecret [KeySize]byte

	var zeroKey [KeySize]byte
	if remotePublicKey == zeroKey {
		return sharedSecret, fmt.Errorf("invalid remote public key: zero key")
	}

	curve25519.ScalarMult(&sharedSecret, &privateKey, &remotePublicKey)

	if sharedSecret == zeroKey {
		return sharedSecret, fmt.Errorf("invalid ECDH result: low-order point")
	}

	return sharedSecret, nil
}

// DeriveSessionKey derives the symmetric session key from the ECDH shared
// secret, using the shared session token as the HKDF salt. Both peers
// derive the same key because both know the token and the shared secret.
func DeriveSessionKey(sharedSecret [KeySize]byte, token string) (*SessionKey, error) {
	reader := hkdf.New(sha256.New, sharedSecret[:], []byte(token), []byte(hkdfInfo))

	sk := &SessionKey{}
	if _, err := io.ReadFull(reader, sk.key[:]); err != nil {
		return nil, fmt.Errorf("derive session key: %w", err)
	}

	return sk, nil
}

// Encrypt encrypts plaintext using ChaCha20-Poly1305 with a fresh random
// nonce.
func (s *SessionKey) Encrypt(plaintext []byte) (nonce [NonceSize]byte, ciphertext []byte, err error) {
	if _, err = io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nonce, nil, fmt.Errorf("generate nonce: %w", err)
	}

	aead, err := chacha20poly1305.New(s.key[:])
	if err != nil {
		return nonce, nil, fmt.Errorf("create cipher: %w", err)
	}

	ciphertext = aead.Seal(nil, nonce[:], plaintext, nil)
	return nonce, ciphertext, nil
}

// Decrypt decrypts ciphertext using the given nonce. Returns an error if
// authentication fails; callers MUST treat this as a terminal AuthFailure.
func (s *SessionKey) Decrypt(nonce [NonceSize]byte, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(s.key[:])
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}

	plaintext, err := aead.Open(nil, nonce[:], ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}

	return plaintext, nil
}

// Zero securely zeros the session key material. Call this when the
// session using this key is closed.
func (s *SessionKey) Zero() {
	ZeroKey(&s.key)
}

// ZeroBytes zeroes out a byte slice to prevent sensitive data from
// lingering in memory. Use this to clear ephemeral private keys after
// computing the shared secret.
func ZeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// ZeroKey zeroes out a key array.
func ZeroKey(k *[KeySize]byte) {
	for i := range k {
		k[i] = 0
	}
}
