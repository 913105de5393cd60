package netio

import (
	"errors"
	"net"
)

// IsClosedConn reports whether err means the socket has been closed under
// the caller, the normal way a serve loop learns that shutdown started.
func IsClosedConn(err error) bool {
	return errors.Is(err, net.ErrClosed)
}
