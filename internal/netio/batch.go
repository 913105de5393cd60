package netio

import (
	"net"
	"os"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// Packet is a datagram in flight between the socket layer and the packet
// pipeline, together with its peer address and arrival timestamp.
type Packet struct {
	Data []byte
	Addr net.Addr
	At   time.Time
}

// DefaultBatchTimeout is the blocking window for a batch receive. The call
// must block with a short timeout rather than poll non-blocking: a
// non-blocking read returns immediately whenever the queue is momentarily
// empty and every receive degrades to single-packet mode.
const DefaultBatchTimeout = time.Millisecond

// BatchConn layers recvmmsg/sendmmsg-style batch I/O over a UDP socket via
// the x/net ipv4/ipv6 batch APIs. Where the platform lacks the syscalls the
// batch calls degrade to single-message exchanges, and any batch-level error
// drops the connection back to plain ReadFrom/WriteTo permanently.
type BatchConn struct {
	pc      net.PacketConn
	p4      *ipv4.PacketConn
	p6      *ipv6.PacketConn
	timeout time.Duration
	degrade bool
}

// NewBatchConn wraps pc for batch I/O. enable=false forces single-packet mode
// from the start. The timeout bounds each RecvBatch blocking window; zero or
// negative selects DefaultBatchTimeout.
func NewBatchConn(pc net.PacketConn, enable bool, timeout time.Duration) *BatchConn {
	if timeout <= 0 {
		timeout = DefaultBatchTimeout
	}
	c := &BatchConn{pc: pc, timeout: timeout, degrade: !enable}
	if enable {
		if addr, ok := pc.LocalAddr().(*net.UDPAddr); ok && addr.IP.To4() != nil {
			c.p4 = ipv4.NewPacketConn(pc)
		} else {
			c.p6 = ipv6.NewPacketConn(pc)
		}
	}
	return c
}

// RecvBatch blocks up to the configured timeout and fills the given buffers
// with as many queued datagrams as the kernel returns in one call. An empty
// result with nil error means the timeout expired with nothing queued; the
// caller is expected to loop. Received packets reference the passed buffers.
func (c *BatchConn) RecvBatch(bufs [][]byte) ([]Packet, error) {
	if err := c.pc.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
		return nil, errors.Wrap(err, "set read deadline")
	}

	if !c.degrade {
		pkts, err := c.recvBatch(bufs)
		if err == nil {
			return pkts, nil
		}
		if isTimeout(err) {
			return nil, nil
		}
		// batch path broken on this platform/socket, fall back for good
		c.degrade = true
	}

	n, addr, err := c.pc.ReadFrom(bufs[0])
	if err != nil {
		if isTimeout(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "single receive")
	}
	return []Packet{{Data: bufs[0][:n], Addr: addr, At: time.Now()}}, nil
}

func (c *BatchConn) recvBatch(bufs [][]byte) ([]Packet, error) {
	msgs := make([]message, len(bufs))
	for i := range bufs {
		msgs[i].Buffers = [][]byte{bufs[i]}
	}

	var n int
	var err error
	if c.p4 != nil {
		n, err = c.p4.ReadBatch(msgs, batchRecvFlags)
	} else {
		n, err = c.p6.ReadBatch(msgs, batchRecvFlags)
	}
	if err != nil {
		return nil, err
	}

	now := time.Now()
	pkts := make([]Packet, 0, n)
	for i := 0; i < n; i++ {
		pkts = append(pkts, Packet{Data: bufs[i][:msgs[i].N], Addr: msgs[i].Addr, At: now})
	}
	return pkts, nil
}

// SendBatch transmits the given packets, batching where the platform allows,
// and reports how many made it out.
func (c *BatchConn) SendBatch(pkts []Packet) (int, error) {
	if len(pkts) == 0 {
		return 0, nil
	}

	if !c.degrade {
		sent, err := c.sendBatch(pkts)
		if err == nil {
			return sent, nil
		}
		c.degrade = true
	}

	sent := 0
	for _, pkt := range pkts {
		if _, err := c.pc.WriteTo(pkt.Data, pkt.Addr); err != nil {
			return sent, errors.Wrap(err, "single send")
		}
		sent++
	}
	return sent, nil
}

func (c *BatchConn) sendBatch(pkts []Packet) (int, error) {
	msgs := make([]message, len(pkts))
	for i, pkt := range pkts {
		msgs[i].Buffers = [][]byte{pkt.Data}
		msgs[i].Addr = pkt.Addr
	}

	sent := 0
	for sent < len(msgs) {
		var n int
		var err error
		if c.p4 != nil {
			n, err = c.p4.WriteBatch(msgs[sent:], 0)
		} else {
			n, err = c.p6.WriteBatch(msgs[sent:], 0)
		}
		if err != nil {
			return sent, err
		}
		sent += n
	}
	return sent, nil
}

// message is the shared shape of ipv4.Message and ipv6.Message.
type message = ipv4.Message

func isTimeout(err error) bool {
	if ne, ok := errors.Cause(err).(net.Error); ok && ne.Timeout() {
		return true
	}
	return os.IsTimeout(errors.Cause(err))
}
