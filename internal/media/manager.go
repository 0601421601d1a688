package media

import (
	"context"
	"log/slog"

	"github.com/bdbai/win-remote-media-ctrl/internal/logging"
)

// SystemProvider is the adapter over the OS global media transport
// API. It owns the change subscriptions for one connection.
type SystemProvider interface {
	// IsTargetPlayerCurrent reports whether the current media session
	// belongs to the player the scraper targets.
	IsTargetPlayerCurrent() bool

	// MediaInfo returns the current state, or nil when no session is
	// active.
	MediaInfo(ctx context.Context) (*MediaInfo, error)

	// AlbumImage returns the current thumbnail, or nil when there is
	// none.
	AlbumImage(ctx context.Context) (*AlbumImage, error)

	// Change returns the coalesced change channel (current session
	// changed or its media properties changed).
	Change() <-chan struct{}

	// Close releases the provider's subscriptions.
	Close() error
}

// ScraperProvider reads richer state straight out of the target
// player's process. All methods report (nil, nil) when the process or
// a supported layout is not available.
type ScraperProvider interface {
	MediaInfo() (*MediaInfo, error)
	TimelineState() (*TimelineState, error)
	AlbumImage(ctx context.Context) (*AlbumImage, error)
}

// Manager selects a provider per call: the scraper is preferred while
// the target player owns the current session, and any scraper miss or
// error falls through to the system provider. One Manager belongs to
// one connection.
type Manager struct {
	system  SystemProvider
	scraper ScraperProvider
	log     *slog.Logger
}

// NewManager wires a manager from its two providers.
func NewManager(system SystemProvider, scraper ScraperProvider, log *slog.Logger) *Manager {
	if log == nil {
		log = logging.NopLogger()
	}
	return &Manager{system: system, scraper: scraper, log: log}
}

// MediaInfo returns the current track and timeline, nil when no
// source has anything playing.
func (m *Manager) MediaInfo(ctx context.Context) (*MediaInfo, error) {
	if m.system.IsTargetPlayerCurrent() {
		if info, err := m.scraper.MediaInfo(); err == nil && info != nil {
			return info, nil
		} else if err != nil {
			m.log.Debug("scraper media info failed", logging.KeyError, err)
		}
	}
	return m.system.MediaInfo(ctx)
}

// TimelineState returns just the position snapshot. The scraper path
// avoids the string reads; the system path derives it from MediaInfo.
func (m *Manager) TimelineState(ctx context.Context) (*TimelineState, error) {
	if m.system.IsTargetPlayerCurrent() {
		if timeline, err := m.scraper.TimelineState(); err == nil && timeline != nil {
			return timeline, nil
		} else if err != nil {
			m.log.Debug("scraper timeline failed", logging.KeyError, err)
		}
	}
	info, err := m.system.MediaInfo(ctx)
	if err != nil || info == nil {
		return nil, err
	}
	return &info.Timeline, nil
}

// AlbumImage returns the current album art, nil when none is known.
func (m *Manager) AlbumImage(ctx context.Context) (*AlbumImage, error) {
	if m.system.IsTargetPlayerCurrent() {
		if img, err := m.scraper.AlbumImage(ctx); err == nil && img != nil {
			return img, nil
		} else if err != nil {
			m.log.Debug("scraper album image failed", logging.KeyError, err)
		}
	}
	return m.system.AlbumImage(ctx)
}

// Change passes through the system provider's change channel; the
// scraper has no change notification.
func (m *Manager) Change() <-chan struct{} {
	return m.system.Change()
}

// Close releases the system provider's subscriptions.
func (m *Manager) Close() error {
	return m.system.Close()
}
