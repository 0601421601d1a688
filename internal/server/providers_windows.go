//go:build windows

package server

import (
	"context"

	"github.com/bdbai/win-remote-media-ctrl/internal/config"
	"github.com/bdbai/win-remote-media-ctrl/internal/media"
	"github.com/bdbai/win-remote-media-ctrl/internal/media/qqmusic"
	"github.com/bdbai/win-remote-media-ctrl/internal/media/smtc"
	"github.com/bdbai/win-remote-media-ctrl/internal/media/volume"
	"github.com/bdbai/win-remote-media-ctrl/internal/session"
)

func defaultProviders(cfg *config.Config) Providers {
	var scraper media.ScraperProvider = nullScraper{}
	if cfg.Media.ScraperEnabled {
		scraper = qqmusic.Shared()
	}
	return Providers{
		NewSystemProvider: func(ctx context.Context) (media.SystemProvider, error) {
			return smtc.NewProvider(ctx)
		},
		NewVolumeSource: func() (session.VolumeSource, error) {
			return volume.NewClient()
		},
		Scraper: scraper,
	}
}
