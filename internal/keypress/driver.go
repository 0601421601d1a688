// Package keypress injects synthetic media-key events into the
// desktop session. Commands arriving over the control channel end up
// here.
package keypress

import (
	"errors"
	"fmt"
)

// Virtual-key codes used by the driver.
const (
	vkControl        = 0x11
	vkMenu           = 0x12 // Alt
	vkV              = 0x56
	vkMediaNextTrack = 0xB0
	vkMediaPrevTrack = 0xB1
	vkMediaPlayPause = 0xB3
	vkVolumeDown     = 0xAE
	vkVolumeUp       = 0xAF
)

// Injector emits a single keyboard transition. The Windows
// implementation wraps SendInput; tests substitute a recorder.
type Injector interface {
	KeyDown(vk uint16) error
	KeyUp(vk uint16) error
}

// Driver turns playback commands into key chords.
type Driver struct {
	injector Injector
}

// NewDriver creates a driver over the platform injector.
func NewDriver() *Driver {
	return &Driver{injector: newPlatformInjector()}
}

// NewDriverWithInjector creates a driver over a caller-supplied
// injector.
func NewDriverWithInjector(injector Injector) *Driver {
	return &Driver{injector: injector}
}

func (d *Driver) PressPlayPause() error  { return d.press(vkMediaPlayPause) }
func (d *Driver) PressNextTrack() error  { return d.press(vkMediaNextTrack) }
func (d *Driver) PressPrevTrack() error  { return d.press(vkMediaPrevTrack) }
func (d *Driver) PressVolumeDown() error { return d.press(vkVolumeDown) }
func (d *Driver) PressVolumeUp() error   { return d.press(vkVolumeUp) }

// PressLike sends the player's like hotkey, Ctrl+Alt+V.
func (d *Driver) PressLike() error { return d.chord(vkControl, vkMenu, vkV) }

func (d *Driver) press(vk uint16) error {
	return d.chord(vk)
}

// chord presses keys in order and releases them in reverse. Keys that
// went down are released on every exit path; a failure in the down
// path is reported after the best-effort release.
func (d *Driver) chord(vks ...uint16) error {
	var pressed []uint16
	var downErr error
	for _, vk := range vks {
		if err := d.injector.KeyDown(vk); err != nil {
			downErr = fmt.Errorf("key down %#x: %w", vk, err)
			break
		}
		pressed = append(pressed, vk)
	}

	var upErrs []error
	for i := len(pressed) - 1; i >= 0; i-- {
		if err := d.injector.KeyUp(pressed[i]); err != nil {
			upErrs = append(upErrs, fmt.Errorf("key up %#x: %w", pressed[i], err))
		}
	}

	if downErr != nil {
		return downErr
	}
	return errors.Join(upErrs...)
}
