//go:build linux || darwin || freebsd || netbsd || openbsd

package routing

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

const maxSocketErrors = 5

// readNotifications blocks on fd with a short receive timeout so ctx is
// checked between reads.
func readNotifications(ctx context.Context, fd int, notify func()) error {
	tv := unix.NsecToTimeval(time.Second.Nanoseconds())
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		return fmt.Errorf("failed to set receive timeout: %w", err)
	}

	buffer := make([]byte, 8192)
	errCount := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := unix.Read(fd, buffer)
		if err != nil {
			if !isSocketError(err) {
				continue
			}
			errCount++
			if errCount >= maxSocketErrors {
				return fmt.Errorf("route socket failed %d times: %w", errCount, err)
			}
			time.Sleep(100 * time.Millisecond)
			continue
		}
		errCount = 0
		if n > 0 {
			notify()
		}
	}
}

// isSocketError ignores timeouts and interruptions
func isSocketError(err error) bool {
	return err != unix.EAGAIN &&
		err != unix.EWOULDBLOCK &&
		err != unix.EINTR
}
