package qqmusic

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"unicode/utf16"
)

func TestCollectStableRaw(t *testing.T) {
	mk := func(titlePtr, position uint32) rawInfo {
		return rawInfo{
			Paused: 0,
			Track: rawTrackInfo{
				TitlePtr: titlePtr,
				Position: position,
				Duration: 240_000,
			},
			AlbumImgPtr: 0x1000,
		}
	}

	tests := []struct {
		name      string
		reads     []rawInfo
		wantOK    bool
		wantReads int
	}{
		{
			name:      "stable on second read, position advancing",
			reads:     []rawInfo{mk(0x10, 1000), mk(0x10, 1010)},
			wantOK:    true,
			wantReads: 2,
		},
		{
			name: "torn read settles",
			reads: []rawInfo{
				mk(0x10, 1000),
				mk(0x20, 1005), // title pointer mid-swap
				mk(0x30, 1010),
				mk(0x30, 1015),
			},
			wantOK:    true,
			wantReads: 4,
		},
		{
			name: "never stable",
			reads: []rawInfo{
				mk(0x10, 0), mk(0x20, 0), mk(0x30, 0),
				mk(0x40, 0), mk(0x50, 0), mk(0x60, 0),
			},
			wantOK:    false,
			wantReads: 6,
		},
		{
			name: "paused flag flapping",
			reads: func() []rawInfo {
				var reads []rawInfo
				for i := 0; i < 6; i++ {
					r := mk(0x10, 1000)
					r.Paused = uint8(i % 2)
					reads = append(reads, r)
				}
				return reads
			}(),
			wantOK:    false,
			wantReads: 6,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			i := 0
			raw, err := collectStableRaw(func(out *rawInfo) error {
				if i >= len(tt.reads) {
					return fmt.Errorf("read #%d beyond script", i)
				}
				*out = tt.reads[i]
				i++
				return nil
			})
			if err != nil {
				t.Fatalf("collectStableRaw() error = %v", err)
			}
			if (raw != nil) != tt.wantOK {
				t.Errorf("collectStableRaw() = %+v, wantOK %v", raw, tt.wantOK)
			}
			if i != tt.wantReads {
				t.Errorf("reads consumed = %d, want %d", i, tt.wantReads)
			}
			if raw != nil {
				last := tt.reads[i-1]
				if raw.Track.Position != last.Track.Position {
					t.Errorf("stable result kept position %d, want latest %d",
						raw.Track.Position, last.Track.Position)
				}
			}
		})
	}
}

func TestCollectStableRawReadError(t *testing.T) {
	readErr := errors.New("process went away")
	_, err := collectStableRaw(func(*rawInfo) error { return readErr })
	if !errors.Is(err, readErr) {
		t.Errorf("collectStableRaw() error = %v, want %v", err, readErr)
	}
}

// fakeMemory is a flat fake address space starting at 0.
type fakeMemory struct {
	data []byte
}

func (f *fakeMemory) ReadAt(addr uintptr, buf []byte) error {
	if int(addr)+len(buf) > len(f.data) {
		return fmt.Errorf("read beyond fake memory at %#x", addr)
	}
	copy(buf, f.data[addr:])
	return nil
}

func (f *fakeMemory) Close() {}

func (f *fakeMemory) putU32(addr uintptr, v uint32) {
	binary.LittleEndian.PutUint32(f.data[addr:], v)
}

func (f *fakeMemory) putWString(addr uintptr, s string) {
	for _, u := range utf16.Encode([]rune(s)) {
		binary.LittleEndian.PutUint16(f.data[addr:], u)
		addr += 2
	}
	binary.LittleEndian.PutUint16(f.data[addr:], 0)
}

func fakePlayer(t *testing.T, version uint32, title, artist, album, albumImg string) *Scraper {
	t.Helper()
	mem := &fakeMemory{data: make([]byte, 0xC00000)}
	mem.putU32(versionOffset, version)

	l := layouts[2036]
	mem.data[l.Paused] = 0
	const (
		titleAddr    = 0xB00000
		artistAddr   = 0xB01000
		albumAddr    = 0xB02000
		albumImgAddr = 0xB03000
	)
	mem.putU32(uintptr(l.TrackInfo), titleAddr)
	mem.putU32(uintptr(l.TrackInfo)+4, artistAddr)
	mem.putU32(uintptr(l.TrackInfo)+8, albumAddr)
	mem.putU32(uintptr(l.TrackInfo)+12, 30_000)  // position
	mem.putU32(uintptr(l.TrackInfo)+16, 240_000) // duration
	mem.putU32(uintptr(l.AlbumImgPtr), albumImgAddr)
	mem.putWString(titleAddr, title)
	mem.putWString(artistAddr, artist)
	mem.putWString(albumAddr, album)
	mem.putWString(albumImgAddr, albumImg)

	return &Scraper{proc: mem}
}

func TestScraperMediaInfo(t *testing.T) {
	s := fakePlayer(t, 2036, "晴天", "周杰伦", "叶惠美", "https://cdn.example.com/cover.jpg")

	info, err := s.MediaInfo()
	if err != nil {
		t.Fatalf("MediaInfo() error = %v", err)
	}
	if info == nil {
		t.Fatal("MediaInfo() = nil for a running supported player")
	}
	if info.Track.Title != "晴天" || info.Track.Artist != "周杰伦" || info.Track.Album != "叶惠美" {
		t.Errorf("MediaInfo().Track = %+v", info.Track)
	}
	if info.Timeline.DurationMs != 240_000 || info.Timeline.PositionMs != 30_000 {
		t.Errorf("MediaInfo().Timeline = %+v", info.Timeline)
	}
	if info.Timeline.Paused {
		t.Error("MediaInfo().Timeline.Paused = true, want false")
	}
}

func TestScraperTimelineState(t *testing.T) {
	s := fakePlayer(t, 2036, "t", "a", "b", "x")

	timeline, err := s.TimelineState()
	if err != nil {
		t.Fatalf("TimelineState() error = %v", err)
	}
	if timeline == nil || timeline.DurationMs != 240_000 {
		t.Fatalf("TimelineState() = %+v", timeline)
	}
}

func TestScraperUnsupportedVersion(t *testing.T) {
	s := fakePlayer(t, 2037, "t", "a", "b", "x")

	info, err := s.MediaInfo()
	if err != nil {
		t.Fatalf("MediaInfo() error = %v", err)
	}
	if info != nil {
		t.Errorf("MediaInfo() = %+v for unsupported version, want nil", info)
	}
}

func TestScraperAlbumImageURL(t *testing.T) {
	s := fakePlayer(t, 2036, "t", "a", "b", "https://cdn.example.com/cover.jpg")

	img, err := s.AlbumImage(t.Context())
	if err != nil {
		t.Fatalf("AlbumImage() error = %v", err)
	}
	if img == nil || img.URL != "https://cdn.example.com/cover.jpg" {
		t.Errorf("AlbumImage() = %+v, want url variant", img)
	}
}

func TestScraperAlbumImageFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cover.png")
	if err := os.WriteFile(path, []byte("png-bytes"), 0o644); err != nil {
		t.Fatal(err)
	}
	s := fakePlayer(t, 2036, "t", "a", "b", path)

	img, err := s.AlbumImage(t.Context())
	if err != nil {
		t.Fatalf("AlbumImage() error = %v", err)
	}
	if img == nil || img.Blob == nil {
		t.Fatalf("AlbumImage() = %+v, want blob variant", img)
	}
	if img.Blob.Mime != "image/png" {
		t.Errorf("AlbumImage().Blob.Mime = %q, want image/png", img.Blob.Mime)
	}
	if img.Blob.Base64 != "cG5nLWJ5dGVz" {
		t.Errorf("AlbumImage().Blob.Base64 = %q", img.Blob.Base64)
	}
}

func TestDecodeWString(t *testing.T) {
	units := utf16.Encode([]rune("hello 世界"))
	units = append(units, 0, 'x', 'y')
	if got := decodeWString(units); got != "hello 世界" {
		t.Errorf("decodeWString() = %q", got)
	}
	if got := decodeWString([]uint16{0}); got != "" {
		t.Errorf("decodeWString() of empty = %q", got)
	}
}
