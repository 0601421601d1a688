// Package server exposes the two front ends over one TLS listener:
// the encrypted websocket channel at /main_ws and the chained-HMAC
// HTTP command endpoints.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/bdbai/win-remote-media-ctrl/internal/authsession"
	"github.com/bdbai/win-remote-media-ctrl/internal/config"
	"github.com/bdbai/win-remote-media-ctrl/internal/keypress"
	"github.com/bdbai/win-remote-media-ctrl/internal/logging"
	"github.com/bdbai/win-remote-media-ctrl/internal/media"
	"github.com/bdbai/win-remote-media-ctrl/internal/metrics"
	"github.com/bdbai/win-remote-media-ctrl/internal/psk"
	"github.com/bdbai/win-remote-media-ctrl/internal/session"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
)

// requestTimeout bounds one HTTP command request.
const requestTimeout = 3 * time.Second

// Providers constructs the per-connection media stack. The defaults
// come from the platform; tests substitute fakes.
type Providers struct {
	// NewSystemProvider creates the per-connection adapter over the
	// OS media transport API.
	NewSystemProvider func(ctx context.Context) (media.SystemProvider, error)

	// NewVolumeSource creates the per-connection audio endpoint
	// client.
	NewVolumeSource func() (session.VolumeSource, error)

	// Scraper is the process-wide scraper instance.
	Scraper media.ScraperProvider
}

// Server ties the front ends to the media core.
type Server struct {
	cfg       *config.Config
	psk       *[psk.Size]byte
	registry  *authsession.Registry
	providers Providers
	commander session.Commander
	limiter   *rate.Limiter
	log       *slog.Logger
	metrics   *metrics.Metrics
}

// New assembles a server with the platform default providers and the
// platform key injector; SetProviders and SetCommander replace them.
func New(cfg *config.Config, key *[psk.Size]byte, log *slog.Logger, m *metrics.Metrics) *Server {
	if log == nil {
		log = logging.NopLogger()
	}
	if m == nil {
		m = metrics.Default()
	}
	var limiter *rate.Limiter
	if perMinute := cfg.Auth.SessionRatePerMinute; perMinute > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute)
	}
	return &Server{
		cfg:       cfg,
		psk:       key,
		registry:  authsession.NewRegistry(key),
		providers: defaultProviders(cfg),
		commander: keypress.NewDriver(),
		limiter:   limiter,
		log:       log,
		metrics:   m,
	}
}

// SetProviders overrides the media stack, for tests.
func (s *Server) SetProviders(p Providers) { s.providers = p }

// SetCommander overrides the key driver, for tests.
func (s *Server) SetCommander(c session.Commander) { s.commander = c }

// Handler builds the HTTP routing tree.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /main_ws", s.handleWebSocket)
	mux.Handle("POST /session", s.timeoutHandler(http.HandlerFunc(s.handleNewSession)))
	mux.Handle("POST /cmd/{cmd}", s.timeoutHandler(s.requireSession(http.HandlerFunc(s.handleCommand))))
	return mux
}

func (s *Server) timeoutHandler(next http.Handler) http.Handler {
	return http.TimeoutHandler(next, requestTimeout, `{"code":"timeout"}`)
}

// Run serves until ctx is cancelled. TLS is mandatory; the
// certificate comes from the env vars, the configured paths, or the
// fallback endpoint, in that order.
func (s *Server) Run(ctx context.Context) error {
	tlsConfig, err := s.loadTLSConfig(ctx)
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", s.cfg.Server.Listen)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Handler:   s.Handler(),
		TLSConfig: tlsConfig,
	}

	var metricsSrv *http.Server
	if s.cfg.Metrics.Listen != "" {
		metricsSrv = s.startMetricsServer()
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ServeTLS(ln, "", "")
	}()
	s.log.Info("listening", logging.KeyComponent, "server", "listen", s.cfg.Server.Listen)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if metricsSrv != nil {
			metricsSrv.Shutdown(shutdownCtx)
		}
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// startMetricsServer exposes Prometheus metrics and pprof on a
// separate, typically loopback-only, address.
func (s *Server) startMetricsServer() *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	srv := &http.Server{Addr: s.cfg.Metrics.Listen, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("metrics server failed", logging.KeyError, err)
		}
	}()
	s.log.Info("metrics listening", "listen", s.cfg.Metrics.Listen)
	return srv
}
