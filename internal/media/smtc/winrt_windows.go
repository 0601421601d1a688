//go:build windows

// Low-level WinRT plumbing: activation, async waits, event handler
// delegates, and the vtables of the session-manager interface family.

package smtc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"syscall"
	"time"
	"unsafe"

	ole "github.com/go-ole/go-ole"
)

const (
	hresultOK    = 0
	eNoInterface = 0x80004002
)

var (
	iidSessionManagerStatics = ole.NewGUID("{2050C4EE-11A0-57DE-AEDF-C97470ED3DF3}")
	iidAsyncInfo             = ole.NewGUID("{00000036-0000-0000-C000-000000000046}")
	iidStreamReference       = ole.NewGUID("{33EE3134-1DD6-4E3A-8067-D1C162E8642B}")
	iidContentTypeProvider   = ole.NewGUID("{97D098A5-3B99-4DE9-88A5-E11D2F50C795}")
	iidInputStream           = ole.NewGUID("{905A0FE2-BC53-11DF-8C49-001E4FC686DA}")
	iidBufferFactory         = ole.NewGUID("{71AF914D-C10F-484B-BC50-14BC623B3A27}")
	iidBufferByteAccess      = ole.NewGUID("{905A0FEF-BC53-11DF-8C49-001E4FC686DA}")
)

const (
	sessionManagerClass = "Windows.Media.Control.GlobalSystemMediaTransportControlsSessionManager"
	bufferClass         = "Windows.Storage.Streams.Buffer"
)

var winrtInit sync.Once

func initWinRT() {
	winrtInit.Do(func() {
		_ = ole.RoInitialize(1) // RO_INIT_MULTITHREADED
	})
}

// timeSpan mirrors Windows.Foundation.TimeSpan: 100-ns ticks.
type timeSpan struct {
	Duration int64
}

func (t timeSpan) milliseconds() uint64 {
	if t.Duration <= 0 {
		return 0
	}
	return uint64(t.Duration) / 10_000
}

// eventToken mirrors EventRegistrationToken.
type eventToken struct {
	Value int64
}

// call invokes one vtable slot and converts the HRESULT.
func call(slot uintptr, args ...uintptr) error {
	hr, _, _ := syscall.SyscallN(slot, args...)
	if hr != hresultOK {
		return ole.NewError(hr)
	}
	return nil
}

func hstringOut(slot uintptr, this unsafe.Pointer) (string, error) {
	var hs ole.HString
	if err := call(slot, uintptr(this), uintptr(unsafe.Pointer(&hs))); err != nil {
		return "", err
	}
	defer ole.DeleteHString(hs)
	return hs.String(), nil
}

// ---- IAsyncOperation ----

type asyncOperationVtbl struct {
	ole.IInspectableVtbl
	PutCompleted uintptr
	GetCompleted uintptr
	GetResults   uintptr
}

type asyncOperation struct {
	ole.IInspectable
}

func (op *asyncOperation) vtbl() *asyncOperationVtbl {
	return (*asyncOperationVtbl)(unsafe.Pointer(op.RawVTable))
}

type asyncInfoVtbl struct {
	ole.IInspectableVtbl
	GetId        uintptr
	GetStatus    uintptr
	GetErrorCode uintptr
	Cancel       uintptr
	Close        uintptr
}

// Async status values.
const (
	asyncStarted   = 0
	asyncCompleted = 1
	asyncCanceled  = 2
	asyncError     = 3
)

var errAsyncFailed = errors.New("winrt async operation failed")

// await polls the operation status until it settles or ctx expires,
// then returns GetResults' single out pointer.
func (op *asyncOperation) await(ctx context.Context) (unsafe.Pointer, error) {
	infoUnk, err := op.QueryInterface(iidAsyncInfo)
	if err != nil {
		return nil, fmt.Errorf("query IAsyncInfo: %w", err)
	}
	defer infoUnk.Release()
	infoVtbl := (*asyncInfoVtbl)(unsafe.Pointer(infoUnk.RawVTable))

	for {
		var status int32
		if err := call(infoVtbl.GetStatus,
			uintptr(unsafe.Pointer(infoUnk)), uintptr(unsafe.Pointer(&status))); err != nil {
			return nil, err
		}
		switch status {
		case asyncStarted:
		case asyncCompleted:
			var result unsafe.Pointer
			if err := call(op.vtbl().GetResults,
				uintptr(unsafe.Pointer(op)), uintptr(unsafe.Pointer(&result))); err != nil {
				return nil, err
			}
			return result, nil
		default:
			return nil, errAsyncFailed
		}

		select {
		case <-ctx.Done():
			call(infoVtbl.Cancel, uintptr(unsafe.Pointer(infoUnk)))
			return nil, ctx.Err()
		case <-time.After(2 * time.Millisecond):
		}
	}
}

// ---- Session manager interface family ----

type sessionManagerStaticsVtbl struct {
	ole.IInspectableVtbl
	RequestAsync uintptr
}

type sessionManagerStatics struct {
	ole.IInspectable
}

func (s *sessionManagerStatics) vtbl() *sessionManagerStaticsVtbl {
	return (*sessionManagerStaticsVtbl)(unsafe.Pointer(s.RawVTable))
}

type sessionManagerVtbl struct {
	ole.IInspectableVtbl
	GetCurrentSession           uintptr
	GetSessions                 uintptr
	AddCurrentSessionChanged    uintptr
	RemoveCurrentSessionChanged uintptr
	AddSessionsChanged          uintptr
	RemoveSessionsChanged       uintptr
}

type sessionManager struct {
	ole.IInspectable
}

func (m *sessionManager) vtbl() *sessionManagerVtbl {
	return (*sessionManagerVtbl)(unsafe.Pointer(m.RawVTable))
}

type mediaSessionVtbl struct {
	ole.IInspectableVtbl
	GetSourceAppUserModelId         uintptr
	TryGetMediaPropertiesAsync      uintptr
	GetTimelineProperties           uintptr
	GetPlaybackInfo                 uintptr
	TryPlayAsync                    uintptr
	TryPauseAsync                   uintptr
	TryStopAsync                    uintptr
	TryRecordAsync                  uintptr
	TryFastForwardAsync             uintptr
	TryRewindAsync                  uintptr
	TrySkipNextAsync                uintptr
	TrySkipPreviousAsync            uintptr
	TryChangeChannelUpAsync         uintptr
	TryChangeChannelDownAsync       uintptr
	TryChangeAutoRepeatModeAsync    uintptr
	TryChangeShuffleActiveAsync     uintptr
	TryChangePlaybackRateAsync      uintptr
	TryChangePlaybackPositionAsync  uintptr
	AddTimelinePropertiesChanged    uintptr
	RemoveTimelinePropertiesChanged uintptr
	AddPlaybackInfoChanged          uintptr
	RemovePlaybackInfoChanged       uintptr
	AddMediaPropertiesChanged       uintptr
	RemoveMediaPropertiesChanged    uintptr
}

type mediaSession struct {
	ole.IInspectable
}

func (s *mediaSession) vtbl() *mediaSessionVtbl {
	return (*mediaSessionVtbl)(unsafe.Pointer(s.RawVTable))
}

type mediaPropertiesVtbl struct {
	ole.IInspectableVtbl
	GetTitle           uintptr
	GetSubtitle        uintptr
	GetAlbumArtist     uintptr
	GetArtist          uintptr
	GetAlbumTitle      uintptr
	GetTrackNumber     uintptr
	GetGenres          uintptr
	GetAlbumTrackCount uintptr
	GetPlaybackType    uintptr
	GetThumbnail       uintptr
}

type mediaProperties struct {
	ole.IInspectable
}

func (p *mediaProperties) vtbl() *mediaPropertiesVtbl {
	return (*mediaPropertiesVtbl)(unsafe.Pointer(p.RawVTable))
}

type timelinePropertiesVtbl struct {
	ole.IInspectableVtbl
	GetStartTime       uintptr
	GetEndTime         uintptr
	GetMinSeekTime     uintptr
	GetMaxSeekTime     uintptr
	GetPosition        uintptr
	GetLastUpdatedTime uintptr
}

type timelineProperties struct {
	ole.IInspectable
}

func (p *timelineProperties) vtbl() *timelinePropertiesVtbl {
	return (*timelinePropertiesVtbl)(unsafe.Pointer(p.RawVTable))
}

type playbackInfoVtbl struct {
	ole.IInspectableVtbl
	GetPlaybackControls uintptr
	GetPlaybackStatus   uintptr
	GetPlaybackType     uintptr
	GetAutoRepeatMode   uintptr
	GetPlaybackRate     uintptr
	GetIsShuffleActive  uintptr
}

type playbackInfo struct {
	ole.IInspectable
}

func (p *playbackInfo) vtbl() *playbackInfoVtbl {
	return (*playbackInfoVtbl)(unsafe.Pointer(p.RawVTable))
}

// playbackStatusPlaying is GlobalSystemMediaTransportControlsSessionPlaybackStatus.Playing.
const playbackStatusPlaying = 4

// ---- Stream interface family (thumbnail reads) ----

type streamReferenceVtbl struct {
	ole.IInspectableVtbl
	OpenReadAsync uintptr
}

type contentTypeProviderVtbl struct {
	ole.IInspectableVtbl
	GetContentType uintptr
}

type inputStreamVtbl struct {
	ole.IInspectableVtbl
	ReadAsync uintptr
}

type bufferFactoryVtbl struct {
	ole.IInspectableVtbl
	Create uintptr
}

type bufferVtbl struct {
	ole.IInspectableVtbl
	GetCapacity uintptr
	GetLength   uintptr
	PutLength   uintptr
}

type bufferByteAccessVtbl struct {
	ole.IUnknownVtbl
	Buffer uintptr
}

// inputStreamOptionReadAhead asks the stream to read eagerly.
const inputStreamOptionReadAhead = 1

// ---- TypedEventHandler delegate ----

// eventHandler is a COM delegate whose Invoke calls fn. The vtable is
// shared; QueryInterface accepts whatever parameterized delegate IID
// the runtime asks for, which is the standard trick for implementing
// generic WinRT delegates from outside the type system.
type eventHandler struct {
	lpVtbl *eventHandlerVtbl
	fn     func()
}

type eventHandlerVtbl struct {
	QueryInterface uintptr
	AddRef         uintptr
	Release        uintptr
	Invoke         uintptr
}

var eventHandlerVtblInstance = eventHandlerVtbl{
	QueryInterface: syscall.NewCallback(eventHandlerQueryInterface),
	AddRef:         syscall.NewCallback(eventHandlerAddRef),
	Release:        syscall.NewCallback(eventHandlerRelease),
	Invoke:         syscall.NewCallback(eventHandlerInvoke),
}

func newEventHandler(fn func()) *eventHandler {
	return &eventHandler{lpVtbl: &eventHandlerVtblInstance, fn: fn}
}

// The runtime probes for IUnknown, IAgileObject and the parameterized
// delegate IID; answering all of them with ourselves is sufficient
// for a free-threaded delegate.
func eventHandlerQueryInterface(this uintptr, iid uintptr, out uintptr) uintptr {
	result := (*uintptr)(unsafe.Pointer(out))
	*result = this
	return hresultOK
}

func eventHandlerAddRef(this uintptr) uintptr  { return 1 }
func eventHandlerRelease(this uintptr) uintptr { return 1 }

func eventHandlerInvoke(this uintptr, sender uintptr, args uintptr) uintptr {
	h := (*eventHandler)(unsafe.Pointer(this))
	h.fn()
	return hresultOK
}

// requestSessionManager activates the WinRT class and resolves the
// manager through its statics interface.
func requestSessionManager(ctx context.Context) (*sessionManager, error) {
	initWinRT()

	insp, err := ole.RoGetActivationFactory(sessionManagerClass, iidSessionManagerStatics)
	if err != nil {
		return nil, fmt.Errorf("activate session manager factory: %w", err)
	}
	statics := (*sessionManagerStatics)(unsafe.Pointer(insp))
	defer statics.Release()

	var op *asyncOperation
	if err := call(statics.vtbl().RequestAsync,
		uintptr(unsafe.Pointer(statics)), uintptr(unsafe.Pointer(&op))); err != nil {
		return nil, fmt.Errorf("request session manager: %w", err)
	}
	defer op.Release()

	result, err := op.await(ctx)
	if err != nil {
		return nil, fmt.Errorf("await session manager: %w", err)
	}
	return (*sessionManager)(result), nil
}
