package sftpd

import (
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// timeoutConn wraps a net.Conn with an idle timeout: any read or write after
// the idle window since the last activity fails, which tears the SSH
// connection down.
type timeoutConn struct {
	net.Conn
	idleTimeout  time.Duration
	mu           sync.Mutex
	lastActivity time.Time
}

func newTimeoutConn(conn net.Conn, idle time.Duration) *timeoutConn {
	return &timeoutConn{Conn: conn, idleTimeout: idle, lastActivity: time.Now()}
}

func (c *timeoutConn) expired() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Since(c.lastActivity) > c.idleTimeout
}

func (c *timeoutConn) touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

func (c *timeoutConn) Read(b []byte) (int, error) {
	if c.expired() {
		return 0, errors.New("idle timeout exceeded")
	}
	n, err := c.Conn.Read(b)
	c.touch()
	return n, err
}

func (c *timeoutConn) Write(b []byte) (int, error) {
	if c.expired() {
		return 0, errors.New("idle timeout exceeded")
	}
	n, err := c.Conn.Write(b)
	c.touch()
	return n, err
}
