package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"time"
)

// loadTLSConfig resolves the serving certificate: env-var paths, then
// the configured files, then a fetch from the fallback endpoint.
func (s *Server) loadTLSConfig(ctx context.Context) (*tls.Config, error) {
	if certPath, keyPath := s.cfg.Server.ResolveTLSPaths(); certPath != "" {
		s.log.Info("using TLS cert and key from disk")
		cert, err := tls.LoadX509KeyPair(certPath, keyPath)
		if err != nil {
			return nil, fmt.Errorf("loading TLS key pair: %w", err)
		}
		return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
	}

	base := s.cfg.Server.TLS.FallbackURL
	s.log.Info("fetching TLS cert and key from fallback endpoint", "url", base)
	certPEM, err := fetchPEM(ctx, base+"/fullchain.pem")
	if err != nil {
		return nil, err
	}
	keyPEM, err := fetchPEM(ctx, base+"/privkey.pem")
	if err != nil {
		return nil, err
	}
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("parsing fetched TLS key pair: %w", err)
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
}

func fetchPEM(ctx context.Context, url string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", url, err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching %s: status %s", url, res.Status)
	}
	return io.ReadAll(io.LimitReader(res.Body, 1<<20))
}
