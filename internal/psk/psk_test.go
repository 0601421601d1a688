package psk

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestGenerateAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "private_key.txt")

	generated, err := Generate(path)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if *generated == ([Size]byte{}) {
		t.Fatal("Generate() produced a zero key")
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if *loaded != *generated {
		t.Error("Load() does not match Generate()")
	}
}

func TestGenerateRefusesOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "private_key.txt")
	if _, err := Generate(path); err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if _, err := Generate(path); err == nil {
		t.Fatal("Generate() overwrote an existing key file")
	}
}

func TestLoadTrimsWhitespace(t *testing.T) {
	path := filepath.Join(t.TempDir(), "private_key.txt")
	raw := make([]byte, Size)
	for i := range raw {
		raw[i] = byte(i)
	}
	content := base64.StdEncoding.EncodeToString(raw) + "\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	key, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if key[3] != 3 {
		t.Error("Load() decoded the wrong bytes")
	}
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name    string
		content string
		wantSub string
	}{
		{"not base64", "!!!not base64!!!", "decoding"},
		{"wrong length", base64.StdEncoding.EncodeToString([]byte("short")), "64 bytes"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, tt.name)
			if err := os.WriteFile(path, []byte(tt.content), 0o600); err != nil {
				t.Fatal(err)
			}
			_, err := Load(path)
			if err == nil || !strings.Contains(err.Error(), tt.wantSub) {
				t.Errorf("Load() error = %v, want substring %q", err, tt.wantSub)
			}
		})
	}

	if _, err := Load(filepath.Join(dir, "missing")); err == nil {
		t.Error("Load() of a missing file succeeded")
	}
}
