//go:build linux

package transport

import (
	"syscall"

	"golang.org/x/sys/unix"
	"go.uber.org/multierr"
)

// sharedSocket lets every node share a broadcast capable UDP port
func sharedSocket(network, address string, c syscall.RawConn) error {
	var err error

	cerr := c.Control(func(fd uintptr) {
		err = multierr.Combine(
			unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1),
			unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1),
			unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1),
		)
	})

	return multierr.Append(cerr, err)
}
