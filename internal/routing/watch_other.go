//go:build !linux && !darwin && !freebsd && !netbsd && !openbsd

package routing

import (
	"context"
	"errors"
)

// WatchRouteChanges is not available here; the Refresher falls back to polling.
func WatchRouteChanges(ctx context.Context, notify func()) error {
	return errors.New("route change notifications not supported on this platform")
}
