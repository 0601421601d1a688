//go:build windows

package keypress

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"
)

var (
	modUser32     = windows.NewLazySystemDLL("user32.dll")
	procSendInput = modUser32.NewProc("SendInput")
)

const (
	inputKeyboard  = 1
	keyEventFKeyUp = 0x0002
)

// keybdInput mirrors KEYBDINPUT.
type keybdInput struct {
	wVk         uint16
	wScan       uint16
	dwFlags     uint32
	time        uint32
	dwExtraInfo uintptr
}

// input mirrors INPUT with the keyboard variant in its union, padded
// out to the size of the mouse variant, the largest member on both 386
// and amd64.
type input struct {
	inputType uint32
	ki        keybdInput
	_         [8]byte
}

type sendInputInjector struct{}

func newPlatformInjector() Injector {
	return sendInputInjector{}
}

func (sendInputInjector) KeyDown(vk uint16) error {
	return sendKey(vk, 0)
}

func (sendInputInjector) KeyUp(vk uint16) error {
	return sendKey(vk, keyEventFKeyUp)
}

func sendKey(vk uint16, flags uint32) error {
	in := input{
		inputType: inputKeyboard,
		ki: keybdInput{
			wVk:     vk,
			dwFlags: flags,
		},
	}
	sent, _, err := procSendInput.Call(
		1,
		uintptr(unsafe.Pointer(&in)),
		unsafe.Sizeof(in),
	)
	if sent == 0 {
		return fmt.Errorf("SendInput: %w", err)
	}
	return nil
}
