package keypress

import (
	"errors"
	"fmt"
	"testing"
)

type recordingInjector struct {
	events   []string
	failDown map[uint16]error
	failUp   map[uint16]error
}

func (r *recordingInjector) KeyDown(vk uint16) error {
	if err := r.failDown[vk]; err != nil {
		return err
	}
	r.events = append(r.events, fmt.Sprintf("down:%#x", vk))
	return nil
}

func (r *recordingInjector) KeyUp(vk uint16) error {
	r.events = append(r.events, fmt.Sprintf("up:%#x", vk))
	return r.failUp[vk]
}

func TestPressSingleKeys(t *testing.T) {
	tests := []struct {
		name  string
		press func(*Driver) error
		vk    uint16
	}{
		{"play pause", (*Driver).PressPlayPause, vkMediaPlayPause},
		{"next track", (*Driver).PressNextTrack, vkMediaNextTrack},
		{"prev track", (*Driver).PressPrevTrack, vkMediaPrevTrack},
		{"volume down", (*Driver).PressVolumeDown, vkVolumeDown},
		{"volume up", (*Driver).PressVolumeUp, vkVolumeUp},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recordingInjector{}
			d := NewDriverWithInjector(rec)
			if err := tt.press(d); err != nil {
				t.Fatalf("press error = %v", err)
			}
			want := []string{
				fmt.Sprintf("down:%#x", tt.vk),
				fmt.Sprintf("up:%#x", tt.vk),
			}
			assertEvents(t, rec.events, want)
		})
	}
}

func TestPressLikeChordOrder(t *testing.T) {
	rec := &recordingInjector{}
	d := NewDriverWithInjector(rec)
	if err := d.PressLike(); err != nil {
		t.Fatalf("PressLike() error = %v", err)
	}
	want := []string{
		"down:0x11", "down:0x12", "down:0x56",
		"up:0x56", "up:0x12", "up:0x11",
	}
	assertEvents(t, rec.events, want)
}

// A failed down mid-chord still releases the keys already pressed, in
// reverse order, and the down error wins.
func TestChordReleasesOnDownFailure(t *testing.T) {
	downErr := errors.New("injection blocked")
	rec := &recordingInjector{failDown: map[uint16]error{vkV: downErr}}
	d := NewDriverWithInjector(rec)

	err := d.PressLike()
	if !errors.Is(err, downErr) {
		t.Fatalf("PressLike() error = %v, want %v", err, downErr)
	}
	want := []string{
		"down:0x11", "down:0x12",
		"up:0x12", "up:0x11",
	}
	assertEvents(t, rec.events, want)
}

// An up failure does not stop the remaining releases.
func TestChordContinuesReleaseOnUpFailure(t *testing.T) {
	upErr := errors.New("up lost")
	rec := &recordingInjector{failUp: map[uint16]error{vkMenu: upErr}}
	d := NewDriverWithInjector(rec)

	err := d.PressLike()
	if !errors.Is(err, upErr) {
		t.Fatalf("PressLike() error = %v, want %v", err, upErr)
	}
	want := []string{
		"down:0x11", "down:0x12", "down:0x56",
		"up:0x56", "up:0x12", "up:0x11",
	}
	assertEvents(t, rec.events, want)
}

func assertEvents(t *testing.T, got, want []string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events[%d] = %s, want %s (full: %v)", i, got[i], want[i], got)
		}
	}
}
