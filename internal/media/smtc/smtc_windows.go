//go:build windows

package smtc

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/bdbai/win-remote-media-ctrl/internal/media"
	ole "github.com/go-ole/go-ole"
)

// targetPlayerID is the source-app substring that switches the
// manager over to the process scraper.
const targetPlayerID = "QQMusic.exe"

// thumbnailReadLimit caps how much of the thumbnail stream is read.
const thumbnailReadLimit = 512 * 1024

// Provider adapts the system media transport session manager for one
// connection. It owns two event subscriptions: current-session
// changed (held for the provider lifetime) and media-properties
// changed (re-targeted lazily after the session changes).
type Provider struct {
	manager  *sessionManager
	notifier *media.Notifier

	sessionHandler *eventHandler
	sessionToken   eventToken

	// sessionDirty is set by the current-session-changed callback;
	// the next Change call moves the property subscription over.
	sessionDirty atomic.Bool

	mu          sync.Mutex
	propSession *mediaSession
	propHandler *eventHandler
	propToken   eventToken
}

// NewProvider resolves the session manager and installs the
// current-session subscription.
func NewProvider(ctx context.Context) (*Provider, error) {
	manager, err := requestSessionManager(ctx)
	if err != nil {
		return nil, err
	}

	p := &Provider{
		manager:  manager,
		notifier: media.NewNotifier(),
	}
	p.sessionHandler = newEventHandler(func() {
		p.sessionDirty.Store(true)
		p.notifier.Fire()
	})
	if err := call(manager.vtbl().AddCurrentSessionChanged,
		uintptr(unsafe.Pointer(manager)),
		uintptr(unsafe.Pointer(p.sessionHandler)),
		uintptr(unsafe.Pointer(&p.sessionToken)),
	); err != nil {
		manager.Release()
		return nil, fmt.Errorf("subscribe current session changed: %w", err)
	}
	p.sessionDirty.Store(true) // install the property subscription on first wait
	return p, nil
}

// Close releases the subscriptions in reverse order of acquisition.
func (p *Provider) Close() error {
	p.mu.Lock()
	p.dropPropSubscriptionLocked()
	p.mu.Unlock()
	call(p.manager.vtbl().RemoveCurrentSessionChanged,
		uintptr(unsafe.Pointer(p.manager)), uintptr(p.sessionToken.Value))
	p.manager.Release()
	return nil
}

// Change returns the coalesced change channel, re-targeting the
// property subscription if the current session moved since the last
// wait.
func (p *Provider) Change() <-chan struct{} {
	if p.sessionDirty.Swap(false) {
		p.retargetPropSubscription()
	}
	return p.notifier.Wait()
}

func (p *Provider) retargetPropSubscription() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.dropPropSubscriptionLocked()
	session := p.currentSession()
	if session == nil {
		return
	}
	handler := newEventHandler(p.notifier.Fire)
	var token eventToken
	if err := call(session.vtbl().AddMediaPropertiesChanged,
		uintptr(unsafe.Pointer(session)),
		uintptr(unsafe.Pointer(handler)),
		uintptr(unsafe.Pointer(&token)),
	); err != nil {
		session.Release()
		return
	}
	p.propSession = session
	p.propHandler = handler
	p.propToken = token
}

func (p *Provider) dropPropSubscriptionLocked() {
	if p.propSession == nil {
		return
	}
	call(p.propSession.vtbl().RemoveMediaPropertiesChanged,
		uintptr(unsafe.Pointer(p.propSession)), uintptr(p.propToken.Value))
	p.propSession.Release()
	p.propSession = nil
	p.propHandler = nil
}

// currentSession returns an addref'd session or nil.
func (p *Provider) currentSession() *mediaSession {
	var session *mediaSession
	if err := call(p.manager.vtbl().GetCurrentSession,
		uintptr(unsafe.Pointer(p.manager)), uintptr(unsafe.Pointer(&session))); err != nil {
		return nil
	}
	return session
}

// IsTargetPlayerCurrent reports whether the scraper's player owns the
// current session.
func (p *Provider) IsTargetPlayerCurrent() bool {
	session := p.currentSession()
	if session == nil {
		return false
	}
	defer session.Release()
	id, err := hstringOut(session.vtbl().GetSourceAppUserModelId, unsafe.Pointer(session))
	if err != nil {
		return false
	}
	return strings.Contains(id, targetPlayerID)
}

// MediaInfo reads title, artist, album, timeline, and playback state
// from the current session, nil when there is none.
func (p *Provider) MediaInfo(ctx context.Context) (*media.MediaInfo, error) {
	session := p.currentSession()
	if session == nil {
		return nil, nil
	}
	defer session.Release()

	props, err := p.sessionMediaProperties(ctx, session)
	if err != nil {
		return nil, err
	}
	defer props.Release()

	title, err := hstringOut(props.vtbl().GetTitle, unsafe.Pointer(props))
	if err != nil {
		return nil, err
	}
	artist, err := hstringOut(props.vtbl().GetArtist, unsafe.Pointer(props))
	if err != nil {
		return nil, err
	}
	album, err := hstringOut(props.vtbl().GetAlbumTitle, unsafe.Pointer(props))
	if err != nil {
		return nil, err
	}

	var timeline *timelineProperties
	if err := call(session.vtbl().GetTimelineProperties,
		uintptr(unsafe.Pointer(session)), uintptr(unsafe.Pointer(&timeline))); err != nil {
		return nil, err
	}
	defer timeline.Release()
	var position, end timeSpan
	if err := call(timeline.vtbl().GetPosition,
		uintptr(unsafe.Pointer(timeline)), uintptr(unsafe.Pointer(&position))); err != nil {
		return nil, err
	}
	if err := call(timeline.vtbl().GetEndTime,
		uintptr(unsafe.Pointer(timeline)), uintptr(unsafe.Pointer(&end))); err != nil {
		return nil, err
	}

	var playback *playbackInfo
	if err := call(session.vtbl().GetPlaybackInfo,
		uintptr(unsafe.Pointer(session)), uintptr(unsafe.Pointer(&playback))); err != nil {
		return nil, err
	}
	defer playback.Release()
	var status int32
	if err := call(playback.vtbl().GetPlaybackStatus,
		uintptr(unsafe.Pointer(playback)), uintptr(unsafe.Pointer(&status))); err != nil {
		return nil, err
	}

	return &media.MediaInfo{
		Track: media.TrackInfo{Title: title, Artist: artist, Album: album},
		Timeline: media.NewTimelineState(
			end.milliseconds(), position.milliseconds(), status != playbackStatusPlaying),
	}, nil
}

// AlbumImage reads the session thumbnail into an inline blob: up to
// thumbnailReadLimit bytes, base64, with the stream content type
// trimmed at the first comma.
func (p *Provider) AlbumImage(ctx context.Context) (*media.AlbumImage, error) {
	session := p.currentSession()
	if session == nil {
		return nil, nil
	}
	defer session.Release()

	props, err := p.sessionMediaProperties(ctx, session)
	if err != nil {
		return nil, err
	}
	defer props.Release()

	var thumbUnk *ole.IInspectable
	if err := call(props.vtbl().GetThumbnail,
		uintptr(unsafe.Pointer(props)), uintptr(unsafe.Pointer(&thumbUnk))); err != nil {
		return nil, err
	}
	if thumbUnk == nil {
		return nil, nil
	}
	defer thumbUnk.Release()

	refUnk, err := thumbUnk.QueryInterface(iidStreamReference)
	if err != nil {
		return nil, err
	}
	defer refUnk.Release()
	refVtbl := (*streamReferenceVtbl)(unsafe.Pointer(refUnk.RawVTable))

	var op *asyncOperation
	if err := call(refVtbl.OpenReadAsync,
		uintptr(unsafe.Pointer(refUnk)), uintptr(unsafe.Pointer(&op))); err != nil {
		return nil, err
	}
	defer op.Release()
	streamPtr, err := op.await(ctx)
	if err != nil {
		return nil, err
	}
	stream := (*ole.IInspectable)(streamPtr)
	defer stream.Release()

	mime, err := streamContentType(stream)
	if err != nil {
		return nil, err
	}
	data, err := readStream(ctx, stream)
	if err != nil {
		return nil, err
	}

	return media.NewAlbumBlob(mime, base64.StdEncoding.EncodeToString(data)), nil
}

func (p *Provider) sessionMediaProperties(ctx context.Context, session *mediaSession) (*mediaProperties, error) {
	var op *asyncOperation
	if err := call(session.vtbl().TryGetMediaPropertiesAsync,
		uintptr(unsafe.Pointer(session)), uintptr(unsafe.Pointer(&op))); err != nil {
		return nil, err
	}
	defer op.Release()
	result, err := op.await(ctx)
	if err != nil {
		return nil, err
	}
	return (*mediaProperties)(result), nil
}

func streamContentType(stream *ole.IInspectable) (string, error) {
	ctUnk, err := stream.QueryInterface(iidContentTypeProvider)
	if err != nil {
		return "", err
	}
	defer ctUnk.Release()
	ctVtbl := (*contentTypeProviderVtbl)(unsafe.Pointer(ctUnk.RawVTable))

	contentType, err := hstringOut(ctVtbl.GetContentType, unsafe.Pointer(ctUnk))
	if err != nil {
		return "", err
	}
	if comma := strings.IndexByte(contentType, ','); comma >= 0 {
		contentType = contentType[:comma]
	}
	return contentType, nil
}

// readStream pulls up to thumbnailReadLimit bytes out of a WinRT
// input stream through an IBuffer.
func readStream(ctx context.Context, stream *ole.IInspectable) ([]byte, error) {
	factoryInsp, err := ole.RoGetActivationFactory(bufferClass, iidBufferFactory)
	if err != nil {
		return nil, fmt.Errorf("activate buffer factory: %w", err)
	}
	defer factoryInsp.Release()
	factoryVtbl := (*bufferFactoryVtbl)(unsafe.Pointer(factoryInsp.RawVTable))

	var buffer *ole.IInspectable
	if err := call(factoryVtbl.Create,
		uintptr(unsafe.Pointer(factoryInsp)),
		thumbnailReadLimit,
		uintptr(unsafe.Pointer(&buffer)),
	); err != nil {
		return nil, err
	}
	defer buffer.Release()

	inUnk, err := stream.QueryInterface(iidInputStream)
	if err != nil {
		return nil, err
	}
	defer inUnk.Release()
	inVtbl := (*inputStreamVtbl)(unsafe.Pointer(inUnk.RawVTable))

	var op *asyncOperation
	if err := call(inVtbl.ReadAsync,
		uintptr(unsafe.Pointer(inUnk)),
		uintptr(unsafe.Pointer(buffer)),
		thumbnailReadLimit,
		inputStreamOptionReadAhead,
		uintptr(unsafe.Pointer(&op)),
	); err != nil {
		return nil, err
	}
	defer op.Release()
	filledPtr, err := op.await(ctx)
	if err != nil {
		return nil, err
	}
	filled := (*ole.IInspectable)(filledPtr)
	defer filled.Release()

	filledVtbl := (*bufferVtbl)(unsafe.Pointer(filled.RawVTable))
	var length uint32
	if err := call(filledVtbl.GetLength,
		uintptr(unsafe.Pointer(filled)), uintptr(unsafe.Pointer(&length))); err != nil {
		return nil, err
	}

	byteUnk, err := filled.QueryInterface(iidBufferByteAccess)
	if err != nil {
		return nil, err
	}
	defer byteUnk.Release()
	byteVtbl := (*bufferByteAccessVtbl)(unsafe.Pointer(byteUnk.RawVTable))
	var raw *byte
	if err := call(byteVtbl.Buffer,
		uintptr(unsafe.Pointer(byteUnk)), uintptr(unsafe.Pointer(&raw))); err != nil {
		return nil, err
	}

	data := make([]byte, length)
	copy(data, unsafe.Slice(raw, length))
	return data, nil
}
