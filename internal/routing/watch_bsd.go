//go:build darwin || freebsd || netbsd || openbsd

package routing

import (
	"context"
	"fmt"

	"golang.org/x/sys/unix"
)

// WatchRouteChanges reads the PF_ROUTE socket and calls notify for every
// routing message until ctx is done.
func WatchRouteChanges(ctx context.Context, notify func()) error {
	fd, err := unix.Socket(unix.AF_ROUTE, unix.SOCK_RAW, unix.AF_UNSPEC)
	if err != nil {
		return fmt.Errorf("failed to create route socket: %w", err)
	}
	defer unix.Close(fd)

	return readNotifications(ctx, fd, notify)
}
