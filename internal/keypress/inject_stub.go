//go:build !windows

package keypress

import "errors"

type stubInjector struct{}

func newPlatformInjector() Injector {
	return stubInjector{}
}

func (stubInjector) KeyDown(uint16) error {
	return errors.New("keypress: key injection is only supported on windows")
}

func (stubInjector) KeyUp(uint16) error {
	return errors.New("keypress: key injection is only supported on windows")
}
