//go:build !linux && !darwin

package daemon

import (
	"runtime"

	"github.com/wesleywu/routemesh/internal/apperr"
)

// unsupportedService is used where no service manager integration exists
type unsupportedService struct{}

func (unsupportedService) err() error {
	return apperr.New(apperr.PlatformNotSupported, "service management is not supported on %s, run %q under your service manager", runtime.GOOS, "routemesh daemon")
}

func (s unsupportedService) Install() error   { return s.err() }
func (s unsupportedService) Uninstall() error { return s.err() }
func (s unsupportedService) Start() error     { return s.err() }
func (s unsupportedService) Stop() error      { return s.err() }

func (s unsupportedService) Status() (string, error) { return "unknown", s.err() }

func (unsupportedService) IsInstalled() bool { return false }

// NewPlatformService creates a platform-specific service
func NewPlatformService(execPath, configPath string) PlatformService {
	return unsupportedService{}
}
