package server

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bdbai/win-remote-media-ctrl/internal/authsession"
	"github.com/bdbai/win-remote-media-ctrl/internal/config"
	"github.com/bdbai/win-remote-media-ctrl/internal/metrics"
	"github.com/bdbai/win-remote-media-ctrl/internal/psk"
	"github.com/prometheus/client_golang/prometheus"
)

func testPSK() *[psk.Size]byte {
	key := &[psk.Size]byte{}
	for i := range key {
		key[i] = byte(i * 7)
	}
	return key
}

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	cfg := config.Default()
	cfg.Auth.SessionRatePerMinute = 0 // no limiter unless a test opts in
	s := New(cfg, testPSK(), nil, metrics.NewMetricsWithRegistry(prometheus.NewRegistry()))
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts
}

func sessionBody(key *[psk.Size]byte, tsMillis uint64) []byte {
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], tsMillis)
	mac := hmac.New(sha256.New, key[:])
	mac.Write(ts[:])
	body, _ := json.Marshal(map[string]string{
		"timestamp": base64.StdEncoding.EncodeToString(ts[:]),
		"auth":      base64.StdEncoding.EncodeToString(mac.Sum(nil)),
	})
	return body
}

func postSession(t *testing.T, url string, body []byte) (*http.Response, map[string]string) {
	t.Helper()
	res, err := http.Post(url+"/session", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST /session error = %v", err)
	}
	defer res.Body.Close()
	var parsed map[string]string
	json.NewDecoder(res.Body).Decode(&parsed)
	return res, parsed
}

// verifyHeader computes session-verify for the given seed state.
func verifyHeader(key *[psk.Size]byte, id, seed []byte) string {
	mac := hmac.New(sha256.New, key[:])
	mac.Write(seed)
	return base64.StdEncoding.EncodeToString(append(append([]byte{}, id...), mac.Sum(nil)...))
}

func ratchet(seed []byte) {
	c := uint16(1)
	for i := range seed {
		c += uint16(seed[i])
		seed[i] = byte(c)
		c >>= 8
	}
}

func TestNewSessionEndpoint(t *testing.T) {
	_, ts := newTestServer(t)

	res, parsed := postSession(t, ts.URL, sessionBody(testPSK(), uint64(time.Now().UnixMilli())))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body = %v", res.StatusCode, parsed)
	}
	id, err := base64.StdEncoding.DecodeString(parsed["id"])
	if err != nil || len(id) != authsession.IDSize {
		t.Errorf("id = %q", parsed["id"])
	}
	seed, err := base64.StdEncoding.DecodeString(parsed["seed"])
	if err != nil || len(seed) != authsession.SeedSize {
		t.Errorf("seed = %q", parsed["seed"])
	}
}

func TestNewSessionBadAuth(t *testing.T) {
	_, ts := newTestServer(t)

	wrong := testPSK()
	wrong[0] ^= 0xFF
	res, parsed := postSession(t, ts.URL, sessionBody(wrong, uint64(time.Now().UnixMilli())))
	if res.StatusCode != http.StatusUnauthorized || parsed["code"] != "bad_auth" {
		t.Errorf("status = %d, code = %q; want 401 bad_auth", res.StatusCode, parsed["code"])
	}
}

func TestNewSessionSkew(t *testing.T) {
	_, ts := newTestServer(t)

	res, parsed := postSession(t, ts.URL,
		sessionBody(testPSK(), uint64(time.Now().Add(2*time.Minute).UnixMilli())))
	if res.StatusCode != http.StatusBadRequest || parsed["code"] != "bad_timestamp" {
		t.Errorf("status = %d, code = %q; want 400 bad_timestamp", res.StatusCode, parsed["code"])
	}
}

// Twelve valid requests with strictly increasing timestamps all
// succeed and leave exactly the quota of sessions, the most recent
// ones.
func TestSessionQuotaOverHTTP(t *testing.T) {
	s, ts := newTestServer(t)
	s.SetCommander(&recordingCommander{})

	base := time.Now()
	type minted struct{ id, seed []byte }
	var sessions []minted
	for i := 0; i < 12; i++ {
		body := sessionBody(testPSK(), uint64(base.Add(time.Duration(i+1)*time.Second).UnixMilli()))
		res, parsed := postSession(t, ts.URL, body)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("request #%d status = %d (%v)", i+1, res.StatusCode, parsed)
		}
		id, _ := base64.StdEncoding.DecodeString(parsed["id"])
		seed, _ := base64.StdEncoding.DecodeString(parsed["seed"])
		sessions = append(sessions, minted{id, seed})
	}

	if got := s.registry.Len(); got != authsession.MaxSessions {
		t.Fatalf("registry holds %d sessions, want %d", got, authsession.MaxSessions)
	}

	// The oldest three are gone, the most recent nine still verify.
	client := ts.Client()
	for i, sess := range sessions {
		req, _ := http.NewRequest(http.MethodPost, ts.URL+"/cmd/play_pause", nil)
		req.Header.Set("session-verify", verifyHeader(testPSK(), sess.id, sess.seed))
		res, err := client.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		res.Body.Close()
		if i < len(sessions)-authsession.MaxSessions {
			if res.StatusCode != http.StatusUnauthorized {
				t.Errorf("evicted session #%d status = %d, want 401", i+1, res.StatusCode)
			}
		} else if res.StatusCode != http.StatusOK {
			t.Errorf("retained session #%d status = %d, want 200", i+1, res.StatusCode)
		}
	}
}

// Replaying a captured /session body is rejected as outdated.
func TestSessionReplayOverHTTP(t *testing.T) {
	_, ts := newTestServer(t)

	body := sessionBody(testPSK(), uint64(time.Now().UnixMilli()))
	res, _ := postSession(t, ts.URL, body)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("first request status = %d", res.StatusCode)
	}
	res, parsed := postSession(t, ts.URL, body)
	if res.StatusCode != http.StatusBadRequest || parsed["code"] != "outdated_timestamp" {
		t.Errorf("replay status = %d, code = %q; want 400 outdated_timestamp",
			res.StatusCode, parsed["code"])
	}
}

func TestCommandFlow(t *testing.T) {
	s, ts := newTestServer(t)
	rec := &recordingCommander{}
	s.SetCommander(rec)

	_, parsed := postSession(t, ts.URL, sessionBody(testPSK(), uint64(time.Now().UnixMilli())))
	id, _ := base64.StdEncoding.DecodeString(parsed["id"])
	seed, _ := base64.StdEncoding.DecodeString(parsed["seed"])

	for i, cmd := range []string{"play_pause", "next_track", "prev_track", "volume_down", "volume_up", "like"} {
		req, _ := http.NewRequest(http.MethodPost, ts.URL+"/cmd/"+cmd, nil)
		req.Header.Set("session-verify", verifyHeader(testPSK(), id, seed))
		ratchet(seed)
		res, err := ts.Client().Do(req)
		if err != nil {
			t.Fatal(err)
		}
		res.Body.Close()
		if res.StatusCode != http.StatusOK {
			t.Fatalf("command #%d %s status = %d", i+1, cmd, res.StatusCode)
		}
	}
	want := []string{"play_pause", "next_track", "prev_track", "volume_down", "volume_up", "like"}
	if fmt.Sprint(rec.calls) != fmt.Sprint(want) {
		t.Errorf("dispatched = %v, want %v", rec.calls, want)
	}
}

func TestCommandMiddlewareErrors(t *testing.T) {
	_, ts := newTestServer(t)

	_, parsed := postSession(t, ts.URL, sessionBody(testPSK(), uint64(time.Now().UnixMilli())))
	id, _ := base64.StdEncoding.DecodeString(parsed["id"])
	seed, _ := base64.StdEncoding.DecodeString(parsed["seed"])

	tests := []struct {
		name       string
		header     string
		wantStatus int
		wantCode   string
	}{
		{"missing header", "", http.StatusUnauthorized, "no_session_verify_header"},
		{"not base64", "!!!", http.StatusBadRequest, "invalid_session_verify_header"},
		{"wrong length", base64.StdEncoding.EncodeToString([]byte("short")), http.StatusBadRequest, "invalid_session_verify_header"},
		{"unknown id", verifyHeader(testPSK(), make([]byte, 16), seed), http.StatusUnauthorized, "bad_session_id"},
		{"wrong tag", verifyHeader(func() *[psk.Size]byte {
			k := testPSK()
			k[1] ^= 0xFF
			return k
		}(), id, seed), http.StatusUnauthorized, "bad_auth"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest(http.MethodPost, ts.URL+"/cmd/play_pause", nil)
			if tt.header != "" {
				req.Header.Set("session-verify", tt.header)
			}
			res, err := ts.Client().Do(req)
			if err != nil {
				t.Fatal(err)
			}
			defer res.Body.Close()
			var body map[string]string
			json.NewDecoder(res.Body).Decode(&body)
			if res.StatusCode != tt.wantStatus || body["code"] != tt.wantCode {
				t.Errorf("status = %d code = %q, want %d %q",
					res.StatusCode, body["code"], tt.wantStatus, tt.wantCode)
			}
		})
	}

	// The wrong-tag attempt above ratcheted the seed, so the state the
	// client believes in is stale until it ratchets too.
	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/cmd/play_pause", nil)
	req.Header.Set("session-verify", verifyHeader(testPSK(), id, seed))
	res, err := ts.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusUnauthorized {
		t.Errorf("stale seed status = %d, want 401", res.StatusCode)
	}
}

func TestSessionRateLimit(t *testing.T) {
	cfg := config.Default()
	cfg.Auth.SessionRatePerMinute = 2
	s := New(cfg, testPSK(), nil, metrics.NewMetricsWithRegistry(prometheus.NewRegistry()))
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)

	base := time.Now()
	limited := 0
	for i := 0; i < 5; i++ {
		body := sessionBody(testPSK(), uint64(base.Add(time.Duration(i+1)*time.Second).UnixMilli()))
		res, parsed := postSession(t, ts.URL, body)
		if res.StatusCode == http.StatusTooManyRequests {
			if parsed["code"] != "rate_limited" {
				t.Errorf("429 code = %q", parsed["code"])
			}
			limited++
		}
	}
	if limited == 0 {
		t.Error("no request was rate limited")
	}
}

type recordingCommander struct {
	calls []string
}

func (r *recordingCommander) record(name string) error {
	r.calls = append(r.calls, name)
	return nil
}

func (r *recordingCommander) PressPlayPause() error  { return r.record("play_pause") }
func (r *recordingCommander) PressNextTrack() error  { return r.record("next_track") }
func (r *recordingCommander) PressPrevTrack() error  { return r.record("prev_track") }
func (r *recordingCommander) PressVolumeDown() error { return r.record("volume_down") }
func (r *recordingCommander) PressVolumeUp() error   { return r.record("volume_up") }
func (r *recordingCommander) PressLike() error       { return r.record("like") }
