//go:build windows

package volume

import (
	"fmt"
	"sync"
	"syscall"
	"unsafe"

	"github.com/bdbai/win-remote-media-ctrl/internal/media"
	ole "github.com/go-ole/go-ole"
)

var (
	clsidMMDeviceEnumerator         = ole.NewGUID("{BCDE0395-E52F-467C-8E3D-C4579291692E}")
	iidIMMDeviceEnumerator          = ole.NewGUID("{A95664D2-9614-4F35-A746-DE8DB63617E6}")
	iidIAudioEndpointVolume         = ole.NewGUID("{5CDF2C82-841E-4546-9722-0CF74078229A}")
	iidIAudioEndpointVolumeCallback = ole.NewGUID("{657804FA-D6AD-4496-8A60-352752AF4F89}")
)

const (
	eRender            = 0
	eMultimedia        = 1
	clsctxInprocServer = 1

	hresultOK    = 0
	eNoInterface = 0x80004002
)

var comInit sync.Once

func initCOM() {
	comInit.Do(func() {
		// S_FALSE from re-initialization is fine.
		_ = ole.CoInitializeEx(0, ole.COINIT_MULTITHREADED)
	})
}

// Client reads the default render endpoint's master volume. On any
// read error it re-resolves the endpoint (the default device may have
// changed), re-registers its callback, and retries.
type Client struct {
	volume   *audioEndpointVolume
	callback *volumeCallback
	notifier *media.Notifier
}

// NewClient resolves the default endpoint.
func NewClient() (*Client, error) {
	initCOM()
	v, err := defaultEndpointVolume()
	if err != nil {
		return nil, err
	}
	return &Client{volume: v, notifier: media.NewNotifier()}, nil
}

// Volume reads the master scalar and mute flag, looping through
// endpoint re-resolution while reads fail.
func (c *Client) Volume() (media.VolumeState, error) {
	state, err := c.volumeOnce()
	for err != nil {
		if rerr := c.resetEndpoint(); rerr != nil {
			return media.VolumeState{}, rerr
		}
		state, err = c.volumeOnce()
	}
	return state, nil
}

func (c *Client) volumeOnce() (media.VolumeState, error) {
	level, err := c.volume.GetMasterVolumeLevelScalar()
	if err != nil {
		return media.VolumeState{}, err
	}
	muted, err := c.volume.GetMute()
	if err != nil {
		return media.VolumeState{}, err
	}
	return media.VolumeState{Level: media.RoundLevel(float64(level)), Muted: muted}, nil
}

func (c *Client) resetEndpoint() error {
	if c.volume != nil {
		c.volume.Release()
	}
	v, err := defaultEndpointVolume()
	if err != nil {
		return err
	}
	c.volume = v
	if c.callback != nil {
		if err := c.volume.RegisterControlChangeNotify(c.callback); err != nil {
			return err
		}
	}
	return nil
}

// Change registers the change callback on first use and returns the
// coalesced channel.
func (c *Client) Change() <-chan struct{} {
	if c.callback == nil {
		cb := newVolumeCallback(c.notifier)
		if err := c.volume.RegisterControlChangeNotify(cb); err == nil {
			c.callback = cb
		}
	}
	return c.notifier.Wait()
}

// Close unregisters the callback and drops the endpoint.
func (c *Client) Close() error {
	if c.callback != nil {
		c.volume.UnregisterControlChangeNotify(c.callback)
		c.callback = nil
	}
	if c.volume != nil {
		c.volume.Release()
		c.volume = nil
	}
	return nil
}

// ---- COM plumbing ----

type immDeviceEnumeratorVtbl struct {
	ole.IUnknownVtbl
	EnumAudioEndpoints                     uintptr
	GetDefaultAudioEndpoint                uintptr
	GetDevice                              uintptr
	RegisterEndpointNotificationCallback   uintptr
	UnregisterEndpointNotificationCallback uintptr
}

type immDeviceEnumerator struct {
	ole.IUnknown
}

func (e *immDeviceEnumerator) vtbl() *immDeviceEnumeratorVtbl {
	return (*immDeviceEnumeratorVtbl)(unsafe.Pointer(e.RawVTable))
}

type immDeviceVtbl struct {
	ole.IUnknownVtbl
	Activate          uintptr
	OpenPropertyStore uintptr
	GetId             uintptr
	GetState          uintptr
}

type immDevice struct {
	ole.IUnknown
}

func (d *immDevice) vtbl() *immDeviceVtbl {
	return (*immDeviceVtbl)(unsafe.Pointer(d.RawVTable))
}

type audioEndpointVolumeVtbl struct {
	ole.IUnknownVtbl
	RegisterControlChangeNotify   uintptr
	UnregisterControlChangeNotify uintptr
	GetChannelCount               uintptr
	SetMasterVolumeLevel          uintptr
	SetMasterVolumeLevelScalar    uintptr
	GetMasterVolumeLevel          uintptr
	GetMasterVolumeLevelScalar    uintptr
	SetChannelVolumeLevel         uintptr
	SetChannelVolumeLevelScalar   uintptr
	GetChannelVolumeLevel         uintptr
	GetChannelVolumeLevelScalar   uintptr
	SetMute                       uintptr
	GetMute                       uintptr
	GetVolumeStepInfo             uintptr
	VolumeStepUp                  uintptr
	VolumeStepDown                uintptr
	QueryHardwareSupport          uintptr
	GetVolumeRange                uintptr
}

type audioEndpointVolume struct {
	ole.IUnknown
}

func (v *audioEndpointVolume) vtbl() *audioEndpointVolumeVtbl {
	return (*audioEndpointVolumeVtbl)(unsafe.Pointer(v.RawVTable))
}

func defaultEndpointVolume() (*audioEndpointVolume, error) {
	unknown, err := ole.CreateInstance(clsidMMDeviceEnumerator, iidIMMDeviceEnumerator)
	if err != nil {
		return nil, fmt.Errorf("create device enumerator: %w", err)
	}
	enumerator := (*immDeviceEnumerator)(unsafe.Pointer(unknown))
	defer enumerator.Release()

	var device *immDevice
	hr, _, _ := syscall.SyscallN(enumerator.vtbl().GetDefaultAudioEndpoint,
		uintptr(unsafe.Pointer(enumerator)),
		eRender,
		eMultimedia,
		uintptr(unsafe.Pointer(&device)),
	)
	if hr != 0 {
		return nil, fmt.Errorf("get default audio endpoint: %w", ole.NewError(hr))
	}
	defer device.Release()

	var volume *audioEndpointVolume
	hr, _, _ = syscall.SyscallN(device.vtbl().Activate,
		uintptr(unsafe.Pointer(device)),
		uintptr(unsafe.Pointer(iidIAudioEndpointVolume)),
		clsctxInprocServer,
		0,
		uintptr(unsafe.Pointer(&volume)),
	)
	if hr != 0 {
		return nil, fmt.Errorf("activate endpoint volume: %w", ole.NewError(hr))
	}
	return volume, nil
}

func (v *audioEndpointVolume) GetMasterVolumeLevelScalar() (float32, error) {
	var level float32
	hr, _, _ := syscall.SyscallN(v.vtbl().GetMasterVolumeLevelScalar,
		uintptr(unsafe.Pointer(v)),
		uintptr(unsafe.Pointer(&level)),
	)
	if hr != 0 {
		return 0, ole.NewError(hr)
	}
	return level, nil
}

func (v *audioEndpointVolume) GetMute() (bool, error) {
	var muted int32
	hr, _, _ := syscall.SyscallN(v.vtbl().GetMute,
		uintptr(unsafe.Pointer(v)),
		uintptr(unsafe.Pointer(&muted)),
	)
	if hr != 0 {
		return false, ole.NewError(hr)
	}
	return muted != 0, nil
}

func (v *audioEndpointVolume) RegisterControlChangeNotify(cb *volumeCallback) error {
	hr, _, _ := syscall.SyscallN(v.vtbl().RegisterControlChangeNotify,
		uintptr(unsafe.Pointer(v)),
		uintptr(unsafe.Pointer(cb)),
	)
	if hr != 0 {
		return ole.NewError(hr)
	}
	return nil
}

func (v *audioEndpointVolume) UnregisterControlChangeNotify(cb *volumeCallback) error {
	hr, _, _ := syscall.SyscallN(v.vtbl().UnregisterControlChangeNotify,
		uintptr(unsafe.Pointer(v)),
		uintptr(unsafe.Pointer(cb)),
	)
	if hr != 0 {
		return ole.NewError(hr)
	}
	return nil
}

// ---- IAudioEndpointVolumeCallback implementation ----

// volumeCallback is a minimal COM object whose OnNotify flips the
// notifier. The vtable is shared across instances; the first field
// must stay the vtable pointer.
type volumeCallback struct {
	lpVtbl   *volumeCallbackVtbl
	notifier *media.Notifier
}

type volumeCallbackVtbl struct {
	QueryInterface uintptr
	AddRef         uintptr
	Release        uintptr
	OnNotify       uintptr
}

var volumeCallbackVtblInstance = volumeCallbackVtbl{
	QueryInterface: syscall.NewCallback(volumeCallbackQueryInterface),
	AddRef:         syscall.NewCallback(volumeCallbackAddRef),
	Release:        syscall.NewCallback(volumeCallbackRelease),
	OnNotify:       syscall.NewCallback(volumeCallbackOnNotify),
}

func newVolumeCallback(notifier *media.Notifier) *volumeCallback {
	return &volumeCallback{
		lpVtbl:   &volumeCallbackVtblInstance,
		notifier: notifier,
	}
}

func volumeCallbackQueryInterface(this uintptr, iid uintptr, out uintptr) uintptr {
	guid := (*ole.GUID)(unsafe.Pointer(iid))
	result := (*uintptr)(unsafe.Pointer(out))
	if ole.IsEqualGUID(guid, ole.IID_IUnknown) || ole.IsEqualGUID(guid, iidIAudioEndpointVolumeCallback) {
		*result = this
		return hresultOK
	}
	*result = 0
	return eNoInterface
}

// Lifetime is owned by the Go Client reference; COM refcounting is a
// formality here.
func volumeCallbackAddRef(this uintptr) uintptr  { return 1 }
func volumeCallbackRelease(this uintptr) uintptr { return 1 }

func volumeCallbackOnNotify(this uintptr, notifyData uintptr) uintptr {
	cb := (*volumeCallback)(unsafe.Pointer(this))
	cb.notifier.Fire()
	return hresultOK
}
