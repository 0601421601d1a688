// Package qqmusic reads track state straight out of the QQMusic
// process. The system media transport API only surfaces a subset of
// what the player knows, so while QQMusic owns the current session we
// probe fixed offsets in its main DLL instead.
package qqmusic

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"unicode/utf16"

	"github.com/bdbai/win-remote-media-ctrl/internal/media"
)

const (
	processName = "QQMusic.exe"
	moduleName  = "QQMusic.dll"

	// versionOffset locates the player build number inside the DLL.
	// The layout table below is keyed on the value found there.
	versionOffset = 0xAAAA84

	// stabilityReads bounds how many times we re-read the raw block
	// looking for two consecutive agreeing snapshots.
	stabilityReads = 6

	// scratchLen is the UTF-16 scratch buffer length used for string
	// reads from the target process.
	scratchLen = 1024
)

// layout holds the DLL offsets for one player version. New builds get
// a new entry here, nothing else changes.
type layout struct {
	Paused      uint32 // u8 paused flag
	TrackInfo   uint32 // rawTrackInfo block
	AlbumImgPtr uint32 // u32 pointer to a UTF-16 path-or-URL
}

var layouts = map[uint32]layout{
	2036: {Paused: 0xAAEEF4, TrackInfo: 0xAAEF38, AlbumImgPtr: 0xAAF088},
}

// rawTrackInfo mirrors the 20-byte in-process structure: three
// pointers to UTF-16 strings plus position and duration in
// milliseconds.
type rawTrackInfo struct {
	TitlePtr  uint32
	ArtistPtr uint32
	AlbumPtr  uint32
	Position  uint32
	Duration  uint32
}

type rawInfo struct {
	Paused      uint8
	Track       rawTrackInfo
	AlbumImgPtr uint32
}

// fullInfo is a raw snapshot with its strings resolved.
type fullInfo struct {
	Title             string
	Artist            string
	Album             string
	AlbumImgPathOrURL string
	PositionMs        uint32
	DurationMs        uint32
	Paused            bool
}

func (f *fullInfo) mediaInfo() *media.MediaInfo {
	return &media.MediaInfo{
		Track: media.TrackInfo{
			Title:  f.Title,
			Artist: f.Artist,
			Album:  f.Album,
		},
		Timeline: media.NewTimelineState(uint64(f.DurationMs), uint64(f.PositionMs), f.Paused),
	}
}

// memoryReader reads bytes out of the target process address space.
type memoryReader interface {
	// ReadAt fills buf from the absolute address addr.
	ReadAt(addr uintptr, buf []byte) error
	// Close releases the process handle.
	Close()
}

// Scraper caches one open process handle and one scratch buffer, so a
// single process-wide instance sits behind a mutex.
type Scraper struct {
	mu      sync.Mutex
	proc    memoryReader
	base    uintptr
	scratch [scratchLen]uint16
}

var shared Scraper

// Shared returns the process-wide scraper instance.
func Shared() *Scraper {
	return &shared
}

// MediaInfo returns the full track state, or nil when the player is
// not running, the build is unsupported, or no stable read landed.
func (s *Scraper) MediaInfo() (*media.MediaInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	full, err := s.collectFullInfo()
	if err != nil || full == nil {
		return nil, err
	}
	return full.mediaInfo(), nil
}

// TimelineState reads the position snapshot without resolving the
// track strings.
func (s *Scraper) TimelineState() (*media.TimelineState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := s.collectRawInfo()
	if err != nil || raw == nil {
		return nil, err
	}
	timeline := media.NewTimelineState(uint64(raw.Track.Duration), uint64(raw.Track.Position), raw.Paused != 0)
	return &timeline, nil
}

// AlbumImage resolves the player's current album art: a URL when the
// player points at its CDN, otherwise the file contents inline.
func (s *Scraper) AlbumImage(ctx context.Context) (*media.AlbumImage, error) {
	s.mu.Lock()
	full, err := s.collectFullInfo()
	s.mu.Unlock()
	if err != nil || full == nil {
		return nil, err
	}

	pathOrURL := full.AlbumImgPathOrURL
	if strings.HasPrefix(pathOrURL, "http") {
		return media.NewAlbumURL(pathOrURL), nil
	}
	data, err := os.ReadFile(pathOrURL)
	if err != nil {
		return nil, err
	}
	mimeType := mime.TypeByExtension(filepath.Ext(pathOrURL))
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	return media.NewAlbumBlob(mimeType, base64.StdEncoding.EncodeToString(data)), nil
}

// collectFullInfo is collectRawInfo plus string resolution. A string
// that fails to resolve downgrades the whole read to unavailable.
func (s *Scraper) collectFullInfo() (*fullInfo, error) {
	raw, err := s.collectRawInfo()
	if err != nil || raw == nil {
		return nil, err
	}

	title, err := s.readWString(uintptr(raw.Track.TitlePtr))
	if err != nil {
		return nil, err
	}
	artist, err := s.readWString(uintptr(raw.Track.ArtistPtr))
	if err != nil {
		return nil, err
	}
	album, err := s.readWString(uintptr(raw.Track.AlbumPtr))
	if err != nil {
		return nil, err
	}
	albumImg, err := s.readWString(uintptr(raw.AlbumImgPtr))
	if err != nil {
		return nil, err
	}

	return &fullInfo{
		Title:             title,
		Artist:            artist,
		Album:             album,
		AlbumImgPathOrURL: albumImg,
		PositionMs:        raw.Track.Position,
		DurationMs:        raw.Track.Duration,
		Paused:            raw.Paused != 0,
	}, nil
}

// collectRawInfo attaches to the player if needed, checks the build
// version against the layout table, and returns a stable raw
// snapshot, nil when none is available.
func (s *Scraper) collectRawInfo() (*rawInfo, error) {
	version, err := s.readVersion()
	if err != nil {
		// Stale or absent handle: reattach once and retry.
		if err := s.attach(); err != nil {
			return nil, nil
		}
		if version, err = s.readVersion(); err != nil {
			return nil, err
		}
	}
	l, ok := layouts[version]
	if !ok {
		return nil, nil
	}
	return collectStableRaw(func(raw *rawInfo) error {
		return s.readRawOnce(l, raw)
	})
}

// collectStableRaw performs up to stabilityReads reads and returns the
// first snapshot that agrees with its predecessor in every field
// except position, which legitimately advances between reads. This
// guards against torn reads racing the player's own writes.
func collectStableRaw(readOnce func(*rawInfo) error) (*rawInfo, error) {
	var last rawInfo
	for i := 0; i < stabilityReads; i++ {
		var raw rawInfo
		if err := readOnce(&raw); err != nil {
			return nil, err
		}
		if i > 0 && raw.stableAgainst(&last) {
			return &raw, nil
		}
		last = raw
	}
	return nil, nil
}

func (r *rawInfo) stableAgainst(last *rawInfo) bool {
	return r.Paused == last.Paused &&
		r.AlbumImgPtr == last.AlbumImgPtr &&
		r.Track.TitlePtr == last.Track.TitlePtr &&
		r.Track.ArtistPtr == last.Track.ArtistPtr &&
		r.Track.AlbumPtr == last.Track.AlbumPtr &&
		r.Track.Duration == last.Track.Duration
}

func (s *Scraper) readVersion() (uint32, error) {
	if s.proc == nil {
		return 0, errNotAttached
	}
	var buf [4]byte
	if err := s.proc.ReadAt(s.base+versionOffset, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

func (s *Scraper) readRawOnce(l layout, raw *rawInfo) error {
	var paused [1]byte
	if err := s.proc.ReadAt(s.base+uintptr(l.Paused), paused[:]); err != nil {
		return err
	}
	var track [20]byte
	if err := s.proc.ReadAt(s.base+uintptr(l.TrackInfo), track[:]); err != nil {
		return err
	}
	var albumPtr [4]byte
	if err := s.proc.ReadAt(s.base+uintptr(l.AlbumImgPtr), albumPtr[:]); err != nil {
		return err
	}

	raw.Paused = paused[0]
	raw.Track.TitlePtr = binary.LittleEndian.Uint32(track[0:4])
	raw.Track.ArtistPtr = binary.LittleEndian.Uint32(track[4:8])
	raw.Track.AlbumPtr = binary.LittleEndian.Uint32(track[8:12])
	raw.Track.Position = binary.LittleEndian.Uint32(track[12:16])
	raw.Track.Duration = binary.LittleEndian.Uint32(track[16:20])
	raw.AlbumImgPtr = binary.LittleEndian.Uint32(albumPtr[:])
	return nil
}

// readWString copies the scratch buffer's worth of UTF-16 data from
// addr, force-terminates it, and decodes up to the first NUL.
func (s *Scraper) readWString(addr uintptr) (string, error) {
	buf := make([]byte, scratchLen*2)
	if err := s.proc.ReadAt(addr, buf); err != nil {
		return "", err
	}
	for i := range s.scratch {
		s.scratch[i] = binary.LittleEndian.Uint16(buf[i*2:])
	}
	s.scratch[scratchLen-1] = 0
	return decodeWString(s.scratch[:]), nil
}

func decodeWString(units []uint16) string {
	end := len(units)
	for i, u := range units {
		if u == 0 {
			end = i
			break
		}
	}
	return string(utf16.Decode(units[:end]))
}

// attach locates the player process and its main DLL, replacing any
// cached handle.
func (s *Scraper) attach() error {
	if s.proc != nil {
		s.proc.Close()
		s.proc = nil
		s.base = 0
	}
	proc, base, err := openTargetProcess()
	if err != nil {
		return err
	}
	s.proc = proc
	s.base = base
	return nil
}
