package secure

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/hkdf"
)

// PSKSize is the size of the long-term pre-shared key in bytes.
const PSKSize = 64

// NegotiateTimeout bounds the whole key agreement.
const NegotiateTimeout = 5 * time.Second

// MessageConn is the framed byte channel the handshake and session
// loop run over. One call maps to one websocket binary message.
type MessageConn interface {
	ReadMessage(ctx context.Context) ([]byte, error)
	WriteMessage(ctx context.Context, data []byte) error
}

// Negotiate runs the server side of the key agreement: receive the
// client's SEC1-encoded P-256 point, reply with an ephemeral one, and
// mix the ECDH shared secret with the PSK through HKDF-SHA-256. The
// whole exchange must finish within NegotiateTimeout.
func Negotiate(ctx context.Context, conn MessageConn, psk *[PSKSize]byte) (*Transcript, error) {
	ctx, cancel := context.WithTimeout(ctx, NegotiateTimeout)
	defer cancel()

	keys, err := negotiateServer(ctx, conn, psk)
	if err != nil {
		if ctx.Err() != nil {
			return nil, &CloseError{Code: CloseNegotiateTimeout, Reason: "negotiation timeout", Err: ctx.Err()}
		}
		return nil, err
	}
	return NewTranscript(keys.Download, keys.Upload)
}

// ClientNegotiate runs the client side of the same exchange. It is
// used by tests and by command-line clients.
func ClientNegotiate(ctx context.Context, conn MessageConn, psk *[PSKSize]byte) (*Transcript, error) {
	ctx, cancel := context.WithTimeout(ctx, NegotiateTimeout)
	defer cancel()

	curve := ecdh.P256()
	priv, err := curve.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ephemeral key: %w", err)
	}
	if err := conn.WriteMessage(ctx, priv.PublicKey().Bytes()); err != nil {
		return nil, fmt.Errorf("send client material: %w", err)
	}
	data, err := conn.ReadMessage(ctx)
	if err != nil {
		return nil, fmt.Errorf("receive server material: %w", err)
	}
	remote, err := curve.NewPublicKey(data)
	if err != nil {
		return nil, fmt.Errorf("invalid server material: %w", err)
	}
	shared, err := priv.ECDH(remote)
	if err != nil {
		return nil, fmt.Errorf("compute shared secret: %w", err)
	}
	keys, err := DeriveSessionKeys(shared, psk)
	if err != nil {
		return nil, err
	}
	return NewTranscript(keys.Upload, keys.Download)
}

func negotiateServer(ctx context.Context, conn MessageConn, psk *[PSKSize]byte) (*SessionKeys, error) {
	data, err := conn.ReadMessage(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		return nil, &CloseError{Code: CloseEOF, Reason: "unexpected eof", Err: err}
	}

	curve := ecdh.P256()
	remote, err := curve.NewPublicKey(data)
	if err != nil {
		return nil, &CloseError{Code: CloseInvalidMaterial, Reason: "invalid client material", Err: err}
	}

	priv, err := curve.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ephemeral key: %w", err)
	}
	if err := conn.WriteMessage(ctx, priv.PublicKey().Bytes()); err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		return nil, &CloseError{Code: CloseIO, Reason: "send server material", Err: err}
	}

	shared, err := priv.ECDH(remote)
	if err != nil {
		return nil, &CloseError{Code: CloseInvalidMaterial, Reason: "invalid client material", Err: err}
	}
	return DeriveSessionKeys(shared, psk)
}

// DeriveSessionKeys expands an ECDH shared secret into the two
// directional AES keys. The PSK enters as the HKDF salt, binding every
// session to the server secret: a peer without it derives garbage and
// fails the first decrypt.
func DeriveSessionKeys(sharedSecret []byte, psk *[PSKSize]byte) (*SessionKeys, error) {
	prk := hkdf.Extract(sha256.New, sharedSecret, psk[:])

	keys := &SessionKeys{}
	if err := expandKey(prk, "upload", &keys.Upload); err != nil {
		return nil, err
	}
	if err := expandKey(prk, "download", &keys.Download); err != nil {
		return nil, err
	}
	return keys, nil
}

func expandKey(prk []byte, label string, out *[KeySize]byte) error {
	if _, err := io.ReadFull(hkdf.Expand(sha256.New, prk, []byte(label)), out[:]); err != nil {
		return fmt.Errorf("expand %s key: %w", label, err)
	}
	return nil
}

// IsClose reports whether err is a CloseError and returns it.
func IsClose(err error) (*CloseError, bool) {
	var ce *CloseError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}
