package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestNewLoggerWithWriter_Levels(t *testing.T) {
	tests := []struct {
		level     string
		wantDebug bool
		wantInfo  bool
	}{
		{"debug", true, true},
		{"info", false, true},
		{"warn", false, false},
		{"warning", false, false},
		{"error", false, false},
		{"bogus", false, true}, // falls back to info
	}
	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			var buf bytes.Buffer
			log := NewLoggerWithWriter(tt.level, "text", &buf)

			log.Debug("debug line")
			if got := strings.Contains(buf.String(), "debug line"); got != tt.wantDebug {
				t.Errorf("debug emitted = %v, want %v", got, tt.wantDebug)
			}
			buf.Reset()
			log.Info("info line")
			if got := strings.Contains(buf.String(), "info line"); got != tt.wantInfo {
				t.Errorf("info emitted = %v, want %v", got, tt.wantInfo)
			}
			buf.Reset()
			log.Error("error line")
			if !strings.Contains(buf.String(), "error line") {
				t.Error("error line not emitted")
			}
		})
	}
}

func TestNewLoggerWithWriter_JSONFormat(t *testing.T) {
	var buf bytes.Buffer
	log := NewLoggerWithWriter("info", "json", &buf)

	log.Info("session established",
		KeyRemoteAddr, "192.168.1.20:51042",
		KeyCloseCode, 3004,
	)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not JSON: %v (%s)", err, buf.String())
	}
	if entry["msg"] != "session established" {
		t.Errorf("msg = %v", entry["msg"])
	}
	if entry[KeyRemoteAddr] != "192.168.1.20:51042" {
		t.Errorf("%s = %v", KeyRemoteAddr, entry[KeyRemoteAddr])
	}
}

func TestNopLogger(t *testing.T) {
	log := NopLogger()
	log.Info("discarded")
	if log == nil {
		t.Fatal("NopLogger() = nil")
	}
	_ = log.Enabled(context.Background(), slog.LevelError)
}
