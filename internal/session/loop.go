// Package session drives one authenticated websocket connection: it
// multiplexes heartbeats, media and volume change events, timeline
// ticks, album-art retries and inbound commands over the encrypted
// transcript, emitting edge-triggered state deltas.
package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/bdbai/win-remote-media-ctrl/internal/logging"
	"github.com/bdbai/win-remote-media-ctrl/internal/media"
	"github.com/bdbai/win-remote-media-ctrl/internal/metrics"
	"github.com/bdbai/win-remote-media-ctrl/internal/secure"
	"github.com/dustin/go-humanize"
)

// Timings are the loop's timers; tests shrink them.
type Timings struct {
	InitialHeartbeatTimeout  time.Duration
	HeartbeatInterval        time.Duration
	HeartbeatResponseTimeout time.Duration
	SessionTotalTimeout      time.Duration
	TimelineInterval         time.Duration
	MediaRefreshInterval     time.Duration
	AlbumRetryInterval       time.Duration
}

func defaultTimings() Timings {
	return Timings{
		InitialHeartbeatTimeout:  5 * time.Second,
		HeartbeatInterval:        35 * time.Second,
		HeartbeatResponseTimeout: 5 * time.Second,
		SessionTotalTimeout:      8 * time.Hour,
		TimelineInterval:         time.Second,
		MediaRefreshInterval:     5 * time.Second,
		AlbumRetryInterval:       time.Second,
	}
}

// maxAlbumRetries bounds how often an unchanged album image is
// re-fetched after a track change before giving up.
const maxAlbumRetries = 10

// VolumeSource reads the system master volume and signals changes.
type VolumeSource interface {
	Volume() (media.VolumeState, error)
	Change() <-chan struct{}
	Close() error
}

// Commander injects playback commands; *keypress.Driver satisfies it.
type Commander interface {
	PressPlayPause() error
	PressNextTrack() error
	PressPrevTrack() error
	PressVolumeDown() error
	PressVolumeUp() error
	PressLike() error
}

// Loop owns one connection's transcript, providers and change caches.
// It runs as a single goroutine; one send per select iteration keeps
// frames strictly serialized.
type Loop struct {
	conn       secure.MessageConn
	transcript *secure.Transcript
	manager    *media.Manager
	volume     VolumeSource
	commander  Commander
	log        *slog.Logger
	metrics    *metrics.Metrics
	timings    Timings

	// Change-suppression caches, reset per connection.
	lastTrack     media.TrackInfo
	lastTimeline  *media.TimelineState
	lastAlbumHash string
	albumRetry    int

	// heartbeatPending is set once a server heartbeat has armed the
	// response window and cleared by the next inbound frame.
	heartbeatPending bool
}

// New assembles a loop for an established transcript.
func New(conn secure.MessageConn, transcript *secure.Transcript, manager *media.Manager,
	volume VolumeSource, commander Commander, log *slog.Logger, m *metrics.Metrics) *Loop {
	if log == nil {
		log = logging.NopLogger()
	}
	if m == nil {
		m = metrics.Default()
	}
	return &Loop{
		conn:       conn,
		transcript: transcript,
		manager:    manager,
		volume:     volume,
		commander:  commander,
		log:        log,
		metrics:    m,
		timings:    defaultTimings(),
	}
}

type trigger int

const (
	triggerNone trigger = iota
	triggerHeartbeat
	triggerMediaChanged
	triggerVolumeChanged
	triggerTimeline
	triggerAlbum
)

// Run drives the session until the peer goes away or a fatal error
// lands. A nil return is a clean shutdown; a *secure.CloseError tells
// the transport which close frame to send.
func (l *Loop) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := l.initialHeartbeat(ctx); err != nil {
		return err
	}

	heartbeatTicker := time.NewTicker(l.timings.HeartbeatInterval)
	defer heartbeatTicker.Stop()
	timelineTicker := time.NewTicker(l.timings.TimelineInterval)
	defer timelineTicker.Stop()
	mediaTicker := time.NewTicker(l.timings.MediaRefreshInterval)
	defer mediaTicker.Stop()

	// One timer serves both the 8-hour session bound and the 5-second
	// heartbeat-response window: the first unanswered heartbeat arms the
	// response window, later ones leave it running, and any inbound
	// frame re-arms the session bound.
	deadline := time.NewTimer(l.timings.SessionTotalTimeout)
	defer deadline.Stop()
	albumTimer := time.NewTimer(l.timings.SessionTotalTimeout)
	defer albumTimer.Stop()

	if err := l.prime(ctx, albumTimer); err != nil {
		return err
	}

	inboundCh := make(chan inbound)
	go l.readFrames(ctx, inboundCh)

	for {
		var t trigger
		select {
		case <-ctx.Done():
			return nil
		case <-heartbeatTicker.C:
			t = triggerHeartbeat
		case <-deadline.C:
			l.log.Error("session heartbeat timeout")
			return nil
		case <-l.manager.Change():
			t = triggerMediaChanged
		case <-l.volume.Change():
			t = triggerVolumeChanged
		case <-timelineTicker.C:
			t = triggerTimeline
		case <-mediaTicker.C:
			t = triggerMediaChanged
		case <-albumTimer.C:
			t = triggerAlbum
		case in := <-inboundCh:
			if errors.Is(in.err, io.EOF) || errors.Is(in.err, context.Canceled) {
				// The peer closed the transport: clean shutdown.
				return nil
			}
			var err error
			t, err = l.handleInbound(ctx, in, heartbeatTicker, deadline)
			if err != nil {
				return err
			}
			if t == triggerNone {
				continue
			}
		}

		content, ok := l.collect(ctx, t, deadline, albumTimer)
		if !ok {
			continue
		}
		if err := l.send(ctx, content); err != nil {
			return err
		}
	}
}

// initialHeartbeat expects the first encrypted frame to be a
// heartbeat and answers it; anything else is a protocol failure.
func (l *Loop) initialHeartbeat(ctx context.Context) error {
	recvCtx, cancel := context.WithTimeout(ctx, l.timings.InitialHeartbeatTimeout)
	defer cancel()

	data, err := l.conn.ReadMessage(recvCtx)
	if err != nil {
		if recvCtx.Err() != nil {
			l.log.Warn("websocket handshake timeout")
			return &secure.CloseError{Code: secure.CloseIO, Reason: "handshake timeout", Err: err}
		}
		return &secure.CloseError{Code: secure.CloseIO, Reason: "unexpected eof", Err: err}
	}
	plaintext, err := l.transcript.DecryptInPlace(data)
	if err != nil {
		l.metrics.CryptoFailures.Inc()
		return err
	}
	req, err := parseRequest(plaintext)
	if err != nil {
		return &secure.CloseError{Code: secure.CloseIO, Reason: "expecting initial heartbeat", Err: err}
	}
	if req != ReqHeartbeat {
		l.log.Warn("expecting initial heartbeat", logging.KeyCommand, string(req))
		return &secure.CloseError{Code: secure.CloseIO, Reason: "expecting initial heartbeat"}
	}
	return l.send(ctx, mustMarshal(heartbeatResMsg{}))
}

// prime emits the first state frame unconditionally, so a client has
// a full snapshot before the edge-triggered stream starts, and arms
// an immediate album fetch when something is playing.
func (l *Loop) prime(ctx context.Context, albumTimer *time.Timer) error {
	info, err := l.manager.MediaInfo(ctx)
	if err != nil {
		l.log.Warn("priming media info failed", logging.KeyError, err)
		info = nil
	}
	if info != nil {
		resetTimer(albumTimer, 0)
	}
	snapshot := media.EmptyMediaInfo()
	if info != nil {
		snapshot = *info
		l.lastTrack = info.Track
	}
	if err := l.send(ctx, mustMarshal(snapshot)); err != nil {
		return err
	}
	if timeline, err := l.manager.TimelineState(ctx); err == nil {
		l.lastTimeline = timeline
	}
	return nil
}

type inbound struct {
	data []byte
	err  error
}

func (l *Loop) readFrames(ctx context.Context, ch chan<- inbound) {
	for {
		data, err := l.conn.ReadMessage(ctx)
		select {
		case ch <- inbound{data: data, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

// handleInbound decrypts and dispatches one client frame. The second
// return is a fatal error; the first requests a follow-up emission
// (TogglePlayPause forces a timeline frame so the client reflects the
// pause state immediately).
func (l *Loop) handleInbound(ctx context.Context, in inbound, heartbeatTicker *time.Ticker, deadline *time.Timer) (trigger, error) {
	if in.err != nil {
		if errors.Is(in.err, io.EOF) || errors.Is(in.err, context.Canceled) {
			return triggerNone, nil
		}
		l.log.Error("websocket recv error", logging.KeyError, in.err)
		return triggerNone, &secure.CloseError{Code: secure.CloseIO, Reason: "io error", Err: in.err}
	}

	// Any inbound traffic proves the client alive: push back both the
	// next server heartbeat and the session deadline.
	heartbeatTicker.Reset(l.timings.HeartbeatInterval)
	resetTimer(deadline, l.timings.SessionTotalTimeout)
	l.heartbeatPending = false
	l.metrics.FramesReceived.Inc()

	plaintext, err := l.transcript.DecryptInPlace(in.data)
	if err != nil {
		l.metrics.CryptoFailures.Inc()
		return triggerNone, err
	}
	req, err := parseRequest(plaintext)
	if err != nil {
		return triggerNone, &secure.CloseError{Code: secure.CloseProtocol, Reason: "bad request", Err: err}
	}

	switch req {
	case ReqHeartbeat:
		l.metrics.HeartbeatsRecv.Inc()
		return triggerNone, l.send(ctx, mustMarshal(heartbeatResMsg{}))
	case ReqHeartbeatRes:
		return triggerNone, nil
	default:
		if err := l.dispatchCommand(req); err != nil {
			l.log.Error("failed to handle command",
				logging.KeyCommand, string(req), logging.KeyError, err)
			l.metrics.CommandErrors.WithLabelValues(commandLabel(req)).Inc()
		}
		l.metrics.CommandsTotal.WithLabelValues(commandLabel(req), "ws").Inc()
		if req == ReqTogglePlayPause {
			return triggerTimeline, nil
		}
		return triggerNone, nil
	}
}

func (l *Loop) dispatchCommand(req Request) error {
	switch req {
	case ReqTogglePlayPause:
		return l.commander.PressPlayPause()
	case ReqNextTrack:
		return l.commander.PressNextTrack()
	case ReqPrevTrack:
		return l.commander.PressPrevTrack()
	case ReqVolumeDown:
		return l.commander.PressVolumeDown()
	case ReqVolumeUp:
		return l.commander.PressVolumeUp()
	case ReqLike:
		return l.commander.PressLike()
	}
	return nil
}

func commandLabel(req Request) string {
	switch req {
	case ReqTogglePlayPause:
		return "play_pause"
	case ReqNextTrack:
		return "next_track"
	case ReqPrevTrack:
		return "prev_track"
	case ReqVolumeDown:
		return "volume_down"
	case ReqVolumeUp:
		return "volume_up"
	case ReqLike:
		return "like"
	}
	return string(req)
}

// collect produces the outbound frame for a trigger, or ok=false when
// the state is unchanged and the frame is suppressed.
func (l *Loop) collect(ctx context.Context, t trigger, deadline, albumTimer *time.Timer) ([]byte, bool) {
	switch t {
	case triggerHeartbeat:
		if !l.heartbeatPending {
			resetTimer(deadline, l.timings.HeartbeatResponseTimeout)
			l.heartbeatPending = true
		}
		l.metrics.HeartbeatsSent.Inc()
		l.metrics.FramesSent.WithLabelValues("heartbeat").Inc()
		return mustMarshal(heartbeatMsg{}), true

	case triggerMediaChanged:
		info, err := l.manager.MediaInfo(ctx)
		if err != nil {
			l.metrics.ProviderErrors.WithLabelValues("media_changed").Inc()
			return mustMarshal(errorMsg{Ctx: "media_changed", Error: err.Error()}), true
		}
		snapshot := media.EmptyMediaInfo()
		if info != nil {
			snapshot = *info
		}
		if snapshot.Track == l.lastTrack {
			return nil, false
		}
		if snapshot.Track.Album != l.lastTrack.Album {
			l.albumRetry = 0
			resetTimer(albumTimer, 0)
		}
		l.lastTrack = snapshot.Track
		l.metrics.MediaEvents.WithLabelValues("media_changed").Inc()
		l.metrics.FramesSent.WithLabelValues("media_info").Inc()
		return mustMarshal(snapshot), true

	case triggerVolumeChanged:
		state, err := l.volume.Volume()
		if err != nil {
			l.metrics.ProviderErrors.WithLabelValues("volume_changed").Inc()
			return mustMarshal(errorMsg{Ctx: "volume_changed", Error: err.Error()}), true
		}
		l.metrics.FramesSent.WithLabelValues("volume").Inc()
		return mustMarshal(volumeMsg{Volume: state}), true

	case triggerTimeline:
		timeline, err := l.manager.TimelineState(ctx)
		if err != nil {
			l.metrics.ProviderErrors.WithLabelValues("timeline_interval").Inc()
			return mustMarshal(errorMsg{Ctx: "timeline_interval", Error: err.Error()}), true
		}
		if timelineEqual(timeline, l.lastTimeline) {
			return nil, false
		}
		l.lastTimeline = timeline
		snapshot := media.NewTimelineState(0, 0, false)
		if timeline != nil {
			snapshot = *timeline
		}
		l.metrics.FramesSent.WithLabelValues("timeline").Inc()
		return mustMarshal(timelineMsg{Timeline: snapshot}), true

	case triggerAlbum:
		// Park the timer before anything else so a continue below
		// leaves it armed far away rather than firing again.
		resetTimer(albumTimer, l.timings.SessionTotalTimeout)
		img, err := l.manager.AlbumImage(ctx)
		if err != nil {
			l.metrics.AlbumFetches.WithLabelValues("error").Inc()
			l.metrics.ProviderErrors.WithLabelValues("album_timeout").Inc()
			return mustMarshal(errorMsg{Ctx: "album_timeout", Error: err.Error()}), true
		}
		if img == nil {
			l.metrics.AlbumFetches.WithLabelValues("none").Inc()
			l.metrics.FramesSent.WithLabelValues("album").Inc()
			return mustMarshal(albumMsg{}), true
		}
		hash := img.Hash()
		if hash == l.lastAlbumHash {
			l.albumRetry++
			if l.albumRetry < maxAlbumRetries {
				resetTimer(albumTimer, l.timings.AlbumRetryInterval)
			} else {
				l.log.Warn("failed to get a new album image after 10 retries")
			}
			l.metrics.AlbumFetches.WithLabelValues("unchanged").Inc()
			return nil, false
		}
		l.lastAlbumHash = hash
		if img.Blob != nil {
			l.metrics.AlbumBlobBytes.Observe(float64(len(img.Blob.Base64)))
			l.log.Debug("album image updated",
				logging.KeySize, humanize.Bytes(uint64(len(img.Blob.Base64))))
		}
		l.metrics.AlbumFetches.WithLabelValues("changed").Inc()
		l.metrics.FramesSent.WithLabelValues("album").Inc()
		return mustMarshal(albumMsg{AlbumImg: img}), true
	}
	return nil, false
}

func (l *Loop) send(ctx context.Context, content []byte) error {
	if err := l.conn.WriteMessage(ctx, l.transcript.Encrypt(content)); err != nil {
		return &secure.CloseError{Code: secure.CloseIO, Reason: "io error", Err: err}
	}
	return nil
}

func timelineEqual(a, b *media.TimelineState) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// resetTimer applies the stop-drain-reset discipline so a stale tick
// never leaks into the select.
func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
