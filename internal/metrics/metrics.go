// Package metrics provides Prometheus metrics for win-remote-media-ctrl.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "win_remote_media_ctrl"
)

// Metrics contains all Prometheus metrics for the server.
type Metrics struct {
	// Websocket session metrics
	SessionsActive    prometheus.Gauge
	SessionsTotal     prometheus.Counter
	SessionCloses     *prometheus.CounterVec
	NegotiateLatency  prometheus.Histogram
	NegotiateFailures *prometheus.CounterVec

	// Frame metrics
	FramesSent     *prometheus.CounterVec
	FramesReceived prometheus.Counter
	CryptoFailures prometheus.Counter

	// Command metrics
	CommandsTotal  *prometheus.CounterVec
	CommandErrors  *prometheus.CounterVec
	HeartbeatsSent prometheus.Counter
	HeartbeatsRecv prometheus.Counter

	// Media metrics
	MediaEvents     *prometheus.CounterVec
	ProviderReads   *prometheus.CounterVec
	AlbumFetches    *prometheus.CounterVec
	AlbumBlobBytes  prometheus.Histogram
	ProviderErrors  *prometheus.CounterVec

	// HTTP front-end metrics
	HTTPSessionsMinted prometheus.Counter
	HTTPAuthFailures   *prometheus.CounterVec
	HTTPRateLimited    prometheus.Counter
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of currently connected websocket sessions",
		}),
		SessionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total number of websocket sessions established",
		}),
		SessionCloses: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_closes_total",
			Help:      "Total session terminations by close code",
		}, []string{"code"}),
		NegotiateLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "negotiate_latency_seconds",
			Help:      "Key agreement latency",
			Buckets:   prometheus.DefBuckets,
		}),
		NegotiateFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "negotiate_failures_total",
			Help:      "Total failed key agreements by close code",
		}, []string{"code"}),

		FramesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Total encrypted frames sent by message kind",
		}, []string{"kind"}),
		FramesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Total encrypted frames received",
		}),
		CryptoFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "crypto_failures_total",
			Help:      "Total frames that failed authenticated decryption",
		}),

		CommandsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Total playback commands dispatched by name and front end",
		}, []string{"command", "front_end"}),
		CommandErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "command_errors_total",
			Help:      "Total playback commands that failed to inject",
		}, []string{"command"}),
		HeartbeatsSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeats_sent_total",
			Help:      "Total heartbeats initiated by the server",
		}),
		HeartbeatsRecv: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeats_received_total",
			Help:      "Total heartbeats initiated by clients",
		}),

		MediaEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "media_events_total",
			Help:      "Total state deltas emitted by trigger",
		}, []string{"trigger"}),
		ProviderReads: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_reads_total",
			Help:      "Total provider reads by provider",
		}, []string{"provider"}),
		AlbumFetches: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "album_fetches_total",
			Help:      "Total album art fetches by outcome",
		}, []string{"outcome"}),
		AlbumBlobBytes: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "album_blob_bytes",
			Help:      "Size of inline album art blobs",
			Buckets:   prometheus.ExponentialBuckets(1024, 4, 8),
		}),
		ProviderErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_errors_total",
			Help:      "Total transient provider errors by context",
		}, []string{"ctx"}),

		HTTPSessionsMinted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_sessions_minted_total",
			Help:      "Total HTTP sessions minted",
		}),
		HTTPAuthFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_auth_failures_total",
			Help:      "Total HTTP authentication failures by error code",
		}, []string{"code"}),
		HTTPRateLimited: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_rate_limited_total",
			Help:      "Total HTTP requests rejected by the rate limiter",
		}),
	}
}
