package server

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/bdbai/win-remote-media-ctrl/internal/authsession"
	"github.com/bdbai/win-remote-media-ctrl/internal/logging"
)

type newSessionRequest struct {
	Timestamp string `json:"timestamp"`
	Auth      string `json:"auth"`
}

type newSessionResponse struct {
	ID   string `json:"id"`
	Seed string `json:"seed"`
}

type commandResponse struct{}

type errorResponse struct {
	Code string `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func (s *Server) writeError(w http.ResponseWriter, status int, code string) {
	if status == http.StatusUnauthorized || status == http.StatusBadRequest {
		s.metrics.HTTPAuthFailures.WithLabelValues(code).Inc()
	}
	writeJSON(w, status, errorResponse{Code: code})
}

// handleNewSession mints an HTTP session from a PSK-authenticated,
// timestamped request.
func (s *Server) handleNewSession(w http.ResponseWriter, r *http.Request) {
	if s.limiter != nil && !s.limiter.Allow() {
		s.metrics.HTTPRateLimited.Inc()
		s.writeError(w, http.StatusTooManyRequests, "rate_limited")
		return
	}

	var req newSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "bad_request")
		return
	}
	var timestamp [8]byte
	if !decodeB64Exact(req.Timestamp, timestamp[:]) {
		s.writeError(w, http.StatusBadRequest, "bad_request")
		return
	}
	var auth [authsession.TagSize]byte
	if !decodeB64Exact(req.Auth, auth[:]) {
		s.writeError(w, http.StatusBadRequest, "bad_request")
		return
	}

	id, seed, err := s.registry.NewSession(timestamp, auth)
	if err != nil {
		status, code := mapAuthError(err)
		s.log.Warn("new session rejected", logging.KeyError, err)
		s.writeError(w, status, code)
		return
	}

	s.log.Info("new session")
	s.metrics.HTTPSessionsMinted.Inc()
	writeJSON(w, http.StatusOK, newSessionResponse{
		ID:   base64.StdEncoding.EncodeToString(id[:]),
		Seed: base64.StdEncoding.EncodeToString(seed[:]),
	})
}

// requireSession is the session-verify middleware on the command
// endpoints.
func (s *Server) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("session-verify")
		if header == "" {
			s.log.Warn("request without session-verify header")
			s.writeError(w, http.StatusUnauthorized, "no_session_verify_header")
			return
		}
		var verify [authsession.IDSize + authsession.TagSize]byte
		if !decodeB64Exact(header, verify[:]) {
			s.log.Warn("bad session-verify header")
			s.writeError(w, http.StatusBadRequest, "invalid_session_verify_header")
			return
		}
		var id authsession.SessionID
		var tag [authsession.TagSize]byte
		copy(id[:], verify[:authsession.IDSize])
		copy(tag[:], verify[authsession.IDSize:])

		if err := s.registry.Verify(id, tag); err != nil {
			status, code := mapAuthError(err)
			s.log.Warn("session verify failed", logging.KeyError, err)
			s.writeError(w, status, code)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handleCommand dispatches an authenticated playback command to the
// key driver.
func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("cmd")
	var cmd func() error
	switch name {
	case "play_pause":
		cmd = s.commander.PressPlayPause
	case "next_track":
		cmd = s.commander.PressNextTrack
	case "prev_track":
		cmd = s.commander.PressPrevTrack
	case "volume_down":
		cmd = s.commander.PressVolumeDown
	case "volume_up":
		cmd = s.commander.PressVolumeUp
	case "like":
		cmd = s.commander.PressLike
	default:
		s.writeError(w, http.StatusNotFound, "unknown_command")
		return
	}

	s.log.Info("handling command", logging.KeyCommand, name)
	s.metrics.CommandsTotal.WithLabelValues(name, "http").Inc()
	if err := cmd(); err != nil {
		s.log.Error("failed to handle command", logging.KeyCommand, name, logging.KeyError, err)
		s.metrics.CommandErrors.WithLabelValues(name).Inc()
		s.writeError(w, http.StatusInternalServerError, "ctrl_error")
		return
	}
	writeJSON(w, http.StatusOK, commandResponse{})
}

func mapAuthError(err error) (status int, code string) {
	switch {
	case errors.Is(err, authsession.ErrBadAuth):
		return http.StatusUnauthorized, "bad_auth"
	case errors.Is(err, authsession.ErrBadSessionID):
		return http.StatusUnauthorized, "bad_session_id"
	case errors.Is(err, authsession.ErrOutdatedTimestamp):
		return http.StatusBadRequest, "outdated_timestamp"
	case errors.Is(err, authsession.ErrBadTimestamp):
		return http.StatusBadRequest, "bad_timestamp"
	}
	return http.StatusInternalServerError, "internal_error"
}

// decodeB64Exact decodes s into out and reports whether it filled out
// exactly.
func decodeB64Exact(s string, out []byte) bool {
	decoded, err := base64.StdEncoding.DecodeString(s)
	if err != nil || len(decoded) != len(out) {
		return false
	}
	copy(out, decoded)
	return true
}
