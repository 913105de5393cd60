//go:build linux || freebsd || darwin

package netio

import (
	"syscall"

	"golang.org/x/sys/unix"
)

func controlSocket(opts SocketOptions) func(network, address string, c syscall.RawConn) error {
	return func(network, address string, c syscall.RawConn) error {
		var serr error
		err := c.Control(func(fd uintptr) {
			if opts.ReuseAddress {
				serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
			}
			if serr == nil && opts.ReusePort {
				serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
			}
			if serr == nil && opts.RecvBufferKB > 0 {
				serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, opts.RecvBufferKB*1024)
			}
			if serr == nil && opts.SendBufferKB > 0 {
				serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_SNDBUF, opts.SendBufferKB*1024)
			}
		})
		if err != nil {
			return err
		}
		return serr
	}
}
