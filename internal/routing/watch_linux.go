//go:build linux

package routing

import (
	"context"
	"fmt"

	"golang.org/x/sys/unix"
)

// WatchRouteChanges subscribes to rtnetlink route notifications and calls
// notify for every message batch until ctx is done.
func WatchRouteChanges(ctx context.Context, notify func()) error {
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_RAW|unix.SOCK_CLOEXEC, unix.NETLINK_ROUTE)
	if err != nil {
		return fmt.Errorf("failed to create netlink socket: %w", err)
	}
	defer unix.Close(fd)

	sa := &unix.SockaddrNetlink{
		Family: unix.AF_NETLINK,
		Groups: unix.RTMGRP_IPV4_ROUTE | unix.RTMGRP_IPV6_ROUTE,
	}
	if err := unix.Bind(fd, sa); err != nil {
		return fmt.Errorf("failed to bind netlink socket: %w", err)
	}
	return readNotifications(ctx, fd, notify)
}
