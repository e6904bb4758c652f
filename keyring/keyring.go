// Package keyring implements the authenticated encryption envelope that
// protects every datagram exchanged by the failure detector, and the
// trial-decryption scheme that makes key rotation possible without a
// flag day.
package keyring

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
)

// KeySize is the required length, in bytes, of every key in a Ring.
const KeySize = 32

const (
	ivSize  = 16
	tagSize = 16
	// overhead is the number of bytes the envelope adds to the plaintext:
	// IV(16) || TAG(16) || CIPHERTEXT.
	overhead = ivSize + tagSize
)

var (
	// ErrEmptyKeyring is returned by New when called with no keys.
	ErrEmptyKeyring = errors.New("keyring: empty keyring")

	// ErrBadKeyLength is returned by New or Add when a key is not exactly KeySize bytes.
	ErrBadKeyLength = errors.New("keyring: key must be 32 bytes")

	// ErrFailedVerification is returned by Decrypt when no key in the ring
	// successfully authenticates the ciphertext, or the input is shorter
	// than the minimum envelope size.
	ErrFailedVerification = errors.New("keyring: failed verification")
)

// Ring is an ordered, immutable snapshot of symmetric keys. The head (index
// 0) is the active key used for encryption; every key in the ring is tried,
// in order, during decryption. A Ring is safe for concurrent reads by
// multiple goroutines — Add never mutates the receiver, it returns a new
// Ring, so a snapshot can be shared by reference between the transport and
// any rotation controller.
type Ring struct {
	keys [][KeySize]byte
	aad  []byte
}

// New builds a Ring from keys (head first, most-active first) and a
// cluster-wide AAD value. It requires at least one key, each exactly
// KeySize bytes.
func New(keys [][]byte, aad []byte) (*Ring, error) {
	if len(keys) == 0 {
		return nil, ErrEmptyKeyring
	}

	r := &Ring{
		keys: make([][KeySize]byte, len(keys)),
		aad:  append([]byte(nil), aad...),
	}

	for i, k := range keys {
		if len(k) != KeySize {
			return nil, fmt.Errorf("%w: got %d bytes", ErrBadKeyLength, len(k))
		}

		r.keys[i] = [KeySize]byte(k)
	}

	return r, nil
}

// Add returns a new Ring with key prepended as the active encryption key.
// Prior keys remain valid for decryption. The receiver is not modified.
func (r *Ring) Add(key []byte) (*Ring, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: got %d bytes", ErrBadKeyLength, len(key))
	}

	next := &Ring{
		keys: make([][KeySize]byte, len(r.keys)+1),
		aad:  r.aad,
	}

	next.keys[0] = [KeySize]byte(key)
	copy(next.keys[1:], r.keys)

	return next, nil
}

// Len returns the number of keys currently held in the ring.
func (r *Ring) Len() int {
	return len(r.keys)
}

// Encrypt seals plaintext under the ring's active (head) key, returning the
// envelope IV(16) || TAG(16) || CIPHERTEXT. A fresh 16-byte IV is drawn from
// crypto/rand on every call.
func (r *Ring) Encrypt(plaintext []byte) ([]byte, error) {
	aead, err := newAEAD(r.keys[0])
	if err != nil {
		return nil, err
	}

	iv := make([]byte, ivSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, fmt.Errorf("keyring: failed to read random iv: %w", err)
	}

	// Seal appends the tag to the ciphertext; GCM's nonce and our IV are the
	// same 16 bytes, so we reuse it directly instead of the more common
	// 12-byte nonce convention. The output of Seal is CIPHERTEXT || TAG;
	// we need IV || TAG || CIPHERTEXT, so the tag is sliced off the end and
	// moved up front.
	sealed := aead.Seal(nil, iv, plaintext, r.aad)
	ciphertext, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]

	envelope := make([]byte, 0, overhead+len(ciphertext))
	envelope = append(envelope, iv...)
	envelope = append(envelope, tag...)
	envelope = append(envelope, ciphertext...)

	return envelope, nil
}

// Decrypt parses the IV(16) || TAG(16) || CIPHERTEXT envelope and trial-
// decrypts it against every key in the ring, in order, returning the first
// plaintext that verifies. It returns ErrFailedVerification if the input is
// shorter than the minimum envelope size or no key authenticates it.
func (r *Ring) Decrypt(envelope []byte) ([]byte, error) {
	if len(envelope) < overhead {
		return nil, ErrFailedVerification
	}

	iv := envelope[:ivSize]
	tag := envelope[ivSize:overhead]
	ciphertext := envelope[overhead:]

	// Reassemble the form crypto/cipher.AEAD.Open expects: CIPHERTEXT || TAG.
	sealed := make([]byte, 0, len(ciphertext)+tagSize)
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	for _, key := range r.keys {
		aead, err := newAEAD(key)
		if err != nil {
			continue
		}

		plaintext, err := aead.Open(nil, iv, sealed, r.aad)
		if err == nil {
			if plaintext == nil {
				plaintext = []byte{}
			}

			return plaintext, nil
		}
	}

	return nil, ErrFailedVerification
}

func newAEAD(key [KeySize]byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("keyring: failed to init cipher block: %w", err)
	}

	aead, err := cipher.NewGCMWithNonceSize(block, ivSize)
	if err != nil {
		return nil, fmt.Errorf("keyring: failed to init gcm: %w", err)
	}

	return aead, nil
}
