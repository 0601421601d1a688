// Package psk loads and generates the long-term pre-shared key. The
// key file is read once at startup and never rewritten; without it the
// server cannot authenticate anyone and refuses to start.
package psk

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"strings"
)

// Size is the pre-shared key size in bytes.
const Size = 64

// Load reads a base64-encoded PSK from path.
func Load(path string) (*[Size]byte, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading private key: %w", err)
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(content)))
	if err != nil {
		return nil, fmt.Errorf("decoding private key: %w", err)
	}
	if len(decoded) != Size {
		return nil, fmt.Errorf("private key must be %d bytes, got %d", Size, len(decoded))
	}
	key := &[Size]byte{}
	copy(key[:], decoded)
	return key, nil
}

// Generate writes a fresh random PSK to path. It refuses to overwrite
// an existing key file.
func Generate(path string) (*[Size]byte, error) {
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("%s already exists, refusing to overwrite", path)
	}
	key := &[Size]byte{}
	if _, err := rand.Read(key[:]); err != nil {
		return nil, fmt.Errorf("generating private key: %w", err)
	}
	encoded := base64.StdEncoding.EncodeToString(key[:])
	if err := os.WriteFile(path, []byte(encoded), 0o600); err != nil {
		return nil, fmt.Errorf("writing private key: %w", err)
	}
	return key, nil
}
