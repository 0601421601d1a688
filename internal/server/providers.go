package server

import (
	"context"

	"github.com/bdbai/win-remote-media-ctrl/internal/media"
)

// nullSystemProvider reports no media session and never fires a
// change; it stands in where the OS media API is unavailable.
type nullSystemProvider struct {
	notifier *media.Notifier
}

func newNullSystemProvider() *nullSystemProvider {
	return &nullSystemProvider{notifier: media.NewNotifier()}
}

func (p *nullSystemProvider) IsTargetPlayerCurrent() bool { return false }

func (p *nullSystemProvider) MediaInfo(context.Context) (*media.MediaInfo, error) {
	return nil, nil
}

func (p *nullSystemProvider) AlbumImage(context.Context) (*media.AlbumImage, error) {
	return nil, nil
}

func (p *nullSystemProvider) Change() <-chan struct{} { return p.notifier.Wait() }

func (p *nullSystemProvider) Close() error { return nil }

// nullVolumeSource reports a muted zero volume and never fires.
type nullVolumeSource struct {
	notifier *media.Notifier
}

func newNullVolumeSource() *nullVolumeSource {
	return &nullVolumeSource{notifier: media.NewNotifier()}
}

func (v *nullVolumeSource) Volume() (media.VolumeState, error) {
	return media.VolumeState{Level: 0, Muted: true}, nil
}

func (v *nullVolumeSource) Change() <-chan struct{} { return v.notifier.Wait() }

func (v *nullVolumeSource) Close() error { return nil }

// nullScraper is the scraper slot when scraping is disabled.
type nullScraper struct{}

func (nullScraper) MediaInfo() (*media.MediaInfo, error)         { return nil, nil }
func (nullScraper) TimelineState() (*media.TimelineState, error) { return nil, nil }
func (nullScraper) AlbumImage(context.Context) (*media.AlbumImage, error) {
	return nil, nil
}
