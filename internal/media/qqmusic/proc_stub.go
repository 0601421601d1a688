//go:build !windows

package qqmusic

import "errors"

var errNotAttached = errors.New("qqmusic: not attached")

// openTargetProcess reports the scraper unavailable off Windows; the
// manager falls through to the system provider.
func openTargetProcess() (memoryReader, uintptr, error) {
	return nil, 0, errors.New("qqmusic: process scraping is only supported on windows")
}
