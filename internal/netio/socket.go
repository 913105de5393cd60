package netio

import (
	"context"
	"net"
	"time"

	"github.com/pkg/errors"
)

// SocketOptions tunes the listening UDP socket. Buffer sizes are in KiB to
// match the configuration surface.
type SocketOptions struct {
	RecvBufferKB int
	SendBufferKB int
	ReuseAddress bool
	ReusePort    bool
}

// DefaultSocketOptions sizes both kernel buffers at 2 MiB and enables address
// and port reuse for fast restart and multi-process scaling.
func DefaultSocketOptions() SocketOptions {
	return SocketOptions{
		RecvBufferKB: 2048,
		SendBufferKB: 2048,
		ReuseAddress: true,
		ReusePort:    true,
	}
}

// ListenUDP opens the dual-stack listening socket. Binding "udp" on a
// host-less or [::] address accepts both IPv4 and IPv6 peers.
func ListenUDP(ctx context.Context, addr string, opts SocketOptions) (net.PacketConn, error) {
	lc := net.ListenConfig{
		Control: controlSocket(opts),
	}
	pc, err := lc.ListenPacket(ctx, "udp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "listen udp %s", addr)
	}
	if uc, ok := pc.(*net.UDPConn); ok {
		// best effort; Control already set the tuned values where supported
		if opts.RecvBufferKB > 0 {
			_ = uc.SetReadBuffer(opts.RecvBufferKB * 1024)
		}
		if opts.SendBufferKB > 0 {
			_ = uc.SetWriteBuffer(opts.SendBufferKB * 1024)
		}
	}
	return pc, nil
}

// DialTransferSocket creates the per-transfer ephemeral socket, bound to the
// same address family as the client and connected to it. A dual-stack
// listener hands us IPv4 peers as v4-mapped addresses; dialing with the
// matching network avoids EAFNOSUPPORT on the ephemeral bind.
func DialTransferSocket(client *net.UDPAddr, timeout time.Duration) (*net.UDPConn, error) {
	network := "udp6"
	if client.IP.To4() != nil {
		network = "udp4"
	}
	conn, err := net.DialUDP(network, nil, client)
	if err != nil {
		return nil, errors.Wrapf(err, "dial transfer socket %s %s", network, client)
	}
	if timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(timeout))
	}
	return conn, nil
}
