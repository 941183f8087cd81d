// Package platform reads the host routing table. Adapters shell out to the
// OS route tools; the parsers are plain functions so every platform's
// output format is tested on every platform.
package platform

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"

	"github.com/wesleywu/routemesh/internal/routing/types"
)

// Adapter produces the complete set of routes of the host
type Adapter interface {
	ParseRoutes(ctx context.Context) ([]types.Route, error)
}

// runner executes an external command and returns its stdout
type runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// New returns the adapter for the running OS
func New() Adapter {
	return forOS(runtime.GOOS, execRunner)
}

func forOS(goos string, run runner) Adapter {
	switch goos {
	case "linux":
		return &IPRouteAdapter{run: run}
	case "darwin", "freebsd", "netbsd", "openbsd", "dragonfly":
		return &NetstatAdapter{run: run}
	default:
		return Unsupported{OS: goos}
	}
}

// Unsupported is returned on platforms without a route reader
type Unsupported struct {
	OS string
}

func (u Unsupported) ParseRoutes(context.Context) ([]types.Route, error) {
	return nil, &types.RouteOperationError{
		ErrorType: types.RouteErrUnsupported,
		Cause:     fmt.Errorf("reading routes is not supported on %s", u.OS),
	}
}

// commandError classifies a failed route command. Exit status 1 and 2 of
// the route tools mean the caller lacks privileges.
func commandError(ctx context.Context, cmd string, err error) error {
	var exitErr *exec.ExitError
	switch {
	case ctx.Err() != nil:
		return &types.RouteOperationError{ErrorType: types.RouteErrTimeout, Cause: fmt.Errorf("%s: %w", cmd, ctx.Err())}
	case errors.Is(err, exec.ErrNotFound):
		return &types.RouteOperationError{ErrorType: types.RouteErrUnsupported, Cause: fmt.Errorf("%s: %w", cmd, err)}
	case errors.Is(err, os.ErrPermission):
		return &types.RouteOperationError{ErrorType: types.RouteErrPermission, Cause: fmt.Errorf("%s: %w", cmd, err)}
	case errors.As(err, &exitErr):
		if code := exitErr.ExitCode(); code == 1 || code == 2 {
			return &types.RouteOperationError{ErrorType: types.RouteErrPermission, Cause: fmt.Errorf("%s: %w", cmd, err)}
		}
	}
	return &types.RouteOperationError{ErrorType: types.RouteErrSystemCall, Cause: fmt.Errorf("%s: %w", cmd, err)}
}
