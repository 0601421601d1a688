// Package secure implements the encrypted websocket channel: an
// ECDH+PSK key agreement followed by an AES-128-GCM transcript with
// per-direction counter nonces.
package secure

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"
)

const (
	// KeySize is the size of the AES-128-GCM transcript keys in bytes.
	KeySize = 16

	// NonceSize is the size of AES-GCM nonces in bytes.
	NonceSize = 12

	// TagSize is the size of the GCM authentication tag appended to
	// every ciphertext.
	TagSize = 16
)

// SessionKeys holds the two directional keys derived by the handshake.
// Upload protects client-to-server frames, Download server-to-client.
type SessionKeys struct {
	Upload   [KeySize]byte
	Download [KeySize]byte
}

// Transcript encrypts and decrypts the frames of one connection.
// Each direction has its own key and a 12-byte little-endian counter
// nonce starting at zero; the nonce advances once per frame, so a
// dropped or reordered frame invalidates the stream.
//
// A Transcript is owned by a single connection task and is not safe
// for concurrent use.
type Transcript struct {
	enc      cipher.AEAD
	encNonce [NonceSize]byte
	dec      cipher.AEAD
	decNonce [NonceSize]byte
}

// NewTranscript creates a transcript that seals with encKey and opens
// with decKey. The server passes (Download, Upload), a client the
// reverse.
func NewTranscript(encKey, decKey [KeySize]byte) (*Transcript, error) {
	enc, err := newAESGCM(encKey)
	if err != nil {
		return nil, err
	}
	dec, err := newAESGCM(decKey)
	if err != nil {
		return nil, err
	}
	return &Transcript{enc: enc, dec: dec}, nil
}

func newAESGCM(key [KeySize]byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return aead, nil
}

// Encrypt seals plaintext under the current outbound nonce and
// advances it. The returned buffer is ciphertext with the 16-byte tag
// appended; there is no associated data.
func (t *Transcript) Encrypt(plaintext []byte) []byte {
	out := t.enc.Seal(nil, t.encNonce[:], plaintext, nil)
	increaseNonce(&t.encNonce)
	return out
}

// DecryptInPlace opens buf (ciphertext || tag) under the current
// inbound nonce and returns the plaintext slice aliasing buf. The
// nonce advances whether or not authentication succeeds, so a failed
// frame must never be retried on the same connection: any error is
// fatal to it.
func (t *Transcript) DecryptInPlace(buf []byte) ([]byte, error) {
	if len(buf) < TagSize {
		return nil, newCryptoError()
	}
	plaintext, err := t.dec.Open(buf[:0], t.decNonce[:], buf, nil)
	increaseNonce(&t.decNonce)
	if err != nil {
		return nil, newCryptoError()
	}
	return plaintext, nil
}

// increaseNonce advances a nonce as a little-endian integer. Carry out
// of the top byte means 2^96 frames went over one connection, which is
// a broken invariant, not an operational state.
func increaseNonce(nonce *[NonceSize]byte) {
	c := uint16(1)
	for i := range nonce {
		c += uint16(nonce[i])
		nonce[i] = byte(c)
		c >>= 8
	}
	if c > 0 {
		panic("nonce overflow: potential nonce reuse")
	}
}

func newCryptoError() *CloseError {
	return &CloseError{Code: CloseCrypto, Reason: "crypto error"}
}
