//go:build !windows

package server

import (
	"context"

	"github.com/bdbai/win-remote-media-ctrl/internal/config"
	"github.com/bdbai/win-remote-media-ctrl/internal/media"
	"github.com/bdbai/win-remote-media-ctrl/internal/session"
)

// Off Windows there is no media session to observe; the providers
// report nothing playing so the protocol still works end to end.
func defaultProviders(*config.Config) Providers {
	return Providers{
		NewSystemProvider: func(context.Context) (media.SystemProvider, error) {
			return newNullSystemProvider(), nil
		},
		NewVolumeSource: func() (session.VolumeSource, error) {
			return newNullVolumeSource(), nil
		},
		Scraper: nullScraper{},
	}
}
