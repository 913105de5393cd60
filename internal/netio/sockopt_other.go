//go:build !linux && !freebsd && !darwin

package netio

import "syscall"

func controlSocket(SocketOptions) func(network, address string, c syscall.RawConn) error {
	return nil
}
