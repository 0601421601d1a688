// Package media defines the playback state model and the manager that
// multiplexes the two providers: the system media transport adapter
// and the target-player process scraper.
package media

import (
	"encoding/json"
	"fmt"
	"math"
)

// TrackInfo identifies the playing track. Fields may be empty.
type TrackInfo struct {
	Title  string `json:"title"`
	Artist string `json:"artist"`
	Album  string `json:"album"`
}

// TimelineState is a playback position snapshot in milliseconds.
// Paused is true when the source reports paused or when the duration
// is zero (nothing seekable is loaded).
type TimelineState struct {
	DurationMs uint64 `json:"duration_ms"`
	PositionMs uint64 `json:"position_ms"`
	Paused     bool   `json:"paused"`
}

// NewTimelineState applies the paused-or-empty rule.
func NewTimelineState(durationMs, positionMs uint64, reportedPaused bool) TimelineState {
	return TimelineState{
		DurationMs: durationMs,
		PositionMs: positionMs,
		Paused:     reportedPaused || durationMs == 0,
	}
}

// MediaInfo is the full per-track state pushed to clients.
type MediaInfo struct {
	Track    TrackInfo
	Timeline TimelineState
}

// EmptyMediaInfo is the snapshot pushed when no provider has a
// session: blank track, zero timeline, paused by the zero-duration
// rule.
func EmptyMediaInfo() MediaInfo {
	return MediaInfo{Timeline: NewTimelineState(0, 0, false)}
}

// MarshalJSON flattens the track fields to the top level, the shape
// clients expect: {title, artist, album, timeline: {...}}.
func (m MediaInfo) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Title    string        `json:"title"`
		Artist   string        `json:"artist"`
		Album    string        `json:"album"`
		Timeline TimelineState `json:"timeline"`
	}{m.Track.Title, m.Track.Artist, m.Track.Album, m.Timeline})
}

// AlbumImage is either a URL into the player's CDN or an inline blob.
// Exactly one of the two is set.
type AlbumImage struct {
	URL  string
	Blob *AlbumBlob
}

// AlbumBlob is base64-encoded image data with its mime type.
type AlbumBlob struct {
	Mime   string `json:"mime"`
	Base64 string `json:"base64"`
}

// NewAlbumURL returns an AlbumImage referencing a remote URL.
func NewAlbumURL(url string) *AlbumImage {
	return &AlbumImage{URL: url}
}

// NewAlbumBlob returns an inline AlbumImage.
func NewAlbumBlob(mime, base64Data string) *AlbumImage {
	return &AlbumImage{Blob: &AlbumBlob{Mime: mime, Base64: base64Data}}
}

// Hash is the identity used for change suppression: URLs compare by
// the URL string, blobs by their base64 content.
func (a *AlbumImage) Hash() string {
	if a == nil {
		return ""
	}
	if a.Blob != nil {
		return a.Blob.Base64
	}
	return a.URL
}

// MarshalJSON produces the externally tagged form
// {"Url": "..."} or {"Blob": {"mime": ..., "base64": ...}}.
func (a AlbumImage) MarshalJSON() ([]byte, error) {
	if a.Blob != nil {
		return json.Marshal(struct {
			Blob *AlbumBlob `json:"Blob"`
		}{a.Blob})
	}
	return json.Marshal(struct {
		URL string `json:"Url"`
	}{a.URL})
}

// UnmarshalJSON accepts either tagged form.
func (a *AlbumImage) UnmarshalJSON(data []byte) error {
	var tagged struct {
		URL  *string    `json:"Url"`
		Blob *AlbumBlob `json:"Blob"`
	}
	if err := json.Unmarshal(data, &tagged); err != nil {
		return err
	}
	switch {
	case tagged.Blob != nil:
		*a = AlbumImage{Blob: tagged.Blob}
	case tagged.URL != nil:
		*a = AlbumImage{URL: *tagged.URL}
	default:
		return fmt.Errorf("album image: neither Url nor Blob present")
	}
	return nil
}

// VolumeState is the system master volume.
type VolumeState struct {
	Level float64 `json:"level"`
	Muted bool    `json:"muted"`
}

// RoundLevel rounds a volume scalar to two decimals, the resolution
// exposed to clients.
func RoundLevel(level float64) float64 {
	return math.Round(level*100) / 100
}
