package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/bdbai/win-remote-media-ctrl/internal/logging"
	"github.com/bdbai/win-remote-media-ctrl/internal/media"
	"github.com/bdbai/win-remote-media-ctrl/internal/secure"
	"github.com/bdbai/win-remote-media-ctrl/internal/session"
	"nhooyr.io/websocket"
)

// wsReadLimit bounds a single inbound frame. Client frames are small
// JSON commands; anything past this is hostile.
const wsReadLimit = 64 * 1024

// handleWebSocket upgrades, negotiates session keys, and hands the
// connection to the session loop.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Debug("websocket accept failed", logging.KeyError, err)
		return
	}
	conn.SetReadLimit(wsReadLimit)

	log := s.log.With(logging.KeyRemoteAddr, r.RemoteAddr)
	wsc := &wsConn{conn: conn}

	start := time.Now()
	transcript, err := secure.Negotiate(r.Context(), wsc, s.psk)
	if err != nil {
		s.closeOnError(conn, log, err, "websocket negotiate error")
		if ce, ok := secure.IsClose(err); ok {
			s.metrics.NegotiateFailures.WithLabelValues(strconv.Itoa(ce.Code)).Inc()
		}
		return
	}
	s.metrics.NegotiateLatency.Observe(time.Since(start).Seconds())

	s.metrics.SessionsTotal.Inc()
	s.metrics.SessionsActive.Inc()
	defer s.metrics.SessionsActive.Dec()

	err = s.runSession(r.Context(), wsc, transcript, log)
	if err != nil {
		s.closeOnError(conn, log, err, "websocket session error")
		return
	}
	s.metrics.SessionCloses.WithLabelValues("normal").Inc()
	conn.Close(websocket.StatusNormalClosure, "")
}

// runSession builds the per-connection media stack and drives the
// loop. Providers are released in reverse order of acquisition.
func (s *Server) runSession(ctx context.Context, conn secure.MessageConn,
	transcript *secure.Transcript, log *slog.Logger) error {

	system, err := s.providers.NewSystemProvider(ctx)
	if err != nil {
		return &secure.CloseError{Code: secure.CloseProtocol, Reason: "media provider init", Err: err}
	}
	defer system.Close()

	volume, err := s.providers.NewVolumeSource()
	if err != nil {
		return &secure.CloseError{Code: secure.CloseProtocol, Reason: "volume client init", Err: err}
	}
	defer volume.Close()

	manager := media.NewManager(system, s.providers.Scraper, log)
	loop := session.New(conn, transcript, manager, volume, s.commander, log, s.metrics)
	return loop.Run(ctx)
}

func (s *Server) closeOnError(conn *websocket.Conn, log *slog.Logger, err error, msg string) {
	code := websocket.StatusCode(secure.CloseProtocol)
	reason := "protocol error"
	if ce, ok := secure.IsClose(err); ok {
		code = websocket.StatusCode(ce.Code)
		reason = ce.Reason
		if ce.Code == secure.CloseCrypto {
			s.metrics.CryptoFailures.Inc()
		}
	}
	log.Error(msg, logging.KeyError, err, logging.KeyCloseCode, int(code))
	s.metrics.SessionCloses.WithLabelValues(strconv.Itoa(int(code))).Inc()
	conn.Close(code, reason)
}

// wsConn adapts a nhooyr connection to the framed channel the secure
// layer consumes. Peer-initiated closure surfaces as io.EOF so the
// loop can distinguish it from transport failures.
type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) ReadMessage(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		switch websocket.CloseStatus(err) {
		case websocket.StatusNormalClosure, websocket.StatusGoingAway:
			return nil, io.EOF
		}
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, err
	}
	return data, nil
}

func (c *wsConn) WriteMessage(ctx context.Context, data []byte) error {
	return c.conn.Write(ctx, websocket.MessageBinary, data)
}
