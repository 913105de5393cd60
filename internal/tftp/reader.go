package tftp

import (
	"io"
	"net"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-pkgz/lgr"
	"github.com/pkg/errors"
)

// maxRetries bounds OACK and window retransmissions before a transfer is
// declared dead.
const maxRetries = 5

// transferConn is the ephemeral, connected socket a single transfer owns.
// *net.UDPConn satisfies it; tests drive the FSMs through scripted peers.
type transferConn interface {
	Read(b []byte) (int, error)
	Write(b []byte) (int, error)
	SetReadDeadline(t time.Time) error
	Close() error
	RemoteAddr() net.Addr
}

// readTransfer runs the server side of one RRQ: sliding-window DATA out,
// ACKs in, whole-window retransmission on timeout or duplicate ACK.
type readTransfer struct {
	conn transferConn
	src  *readSource
	opts *transferOptions

	session     string
	retransmits int // within the current window
	totalRetx   int
	recvBuf     []byte
}

func newReadTransfer(conn transferConn, src *readSource, opts *transferOptions, session string) *readTransfer {
	return &readTransfer{
		conn:    conn,
		src:     src,
		opts:    opts,
		session: session,
		recvBuf: make([]byte, 2048),
	}
}

// run drives the transfer to completion. The socket and source are released
// on every exit path.
func (t *readTransfer) run() error {
	defer t.conn.Close()
	defer t.src.Close()

	start := time.Now()
	if err := t.negotiate(); err != nil {
		return err
	}

	sent, err := t.pump()
	if err != nil {
		return err
	}
	lgr.Printf("[INFO] tftp read done session=%s peer=%s bytes=%s blocks=%d retransmits=%d in %s",
		t.session, t.conn.RemoteAddr(), humanize.Bytes(uint64(t.src.size)), sent, t.totalRetx, time.Since(start).Round(time.Millisecond))
	return nil
}

// negotiate emits the OACK when options were accepted and waits for ACK(0).
// With no options the first DATA block doubles as the acknowledgement.
func (t *readTransfer) negotiate() error {
	if !t.opts.needsOACK() {
		return nil
	}
	oack, err := t.opts.oack().MarshalBinary()
	if err != nil {
		return err
	}

	for retries := 0; ; retries++ {
		if _, err := t.conn.Write(oack); err != nil {
			return errors.Wrap(err, "send OACK")
		}
		pkt, err := t.recv()
		if err != nil {
			if isTimeout(err) {
				if retries >= maxRetries {
					t.sendError(ecUndefined, "timeout waiting for option acknowledgement")
					return errors.New("OACK retry budget exhausted")
				}
				continue
			}
			return err
		}
		switch p := pkt.(type) {
		case *ackPkt:
			if p.Block == 0 {
				return nil
			}
			t.sendError(ecIllegalOp, "illegal TFTP operation")
			return errors.Errorf("unexpected ACK %d during negotiation", p.Block)
		case *errorPkt:
			return errors.Wrap(p, "peer aborted negotiation")
		default:
			t.sendError(ecIllegalOp, "illegal TFTP operation")
			return errors.New("unexpected packet during negotiation")
		}
	}
}

// pump is the WINDOW/WAIT_ACK loop. It returns the number of DATA blocks
// delivered, the final one being the short (possibly empty) terminator.
func (t *readTransfer) pump() (int64, error) {
	blockSize := t.opts.BlockSize
	windowSize := t.opts.Windowsize

	var delivered int64
	windowFirst := uint16(1)
	var window [][]byte
	finalQueued := false

	for {
		// fill the window up to W blocks or through the short final block
		for len(window) < windowSize && !finalQueued {
			buf := make([]byte, blockSize)
			n, err := io.ReadFull(t.src, buf)
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				finalQueued = true
			} else if err != nil {
				t.sendError(ecUndefined, "read error")
				return delivered, errors.Wrap(err, "read source")
			}
			window = append(window, buf[:n])
			if n < blockSize {
				finalQueued = true
			}
		}

		// emit the whole window without pausing for individual ACKs
		if err := t.sendWindow(windowFirst, window); err != nil {
			return delivered, err
		}
		lastSent := windowFirst + uint16(len(window)-1)

		for {
			advanced, err := t.awaitAck(windowFirst, lastSent, window)
			if err != nil {
				return delivered, err
			}
			if advanced {
				break
			}
			// the window was retransmitted inside awaitAck; wait again
		}

		delivered += int64(len(window))
		lastShort := len(window[len(window)-1]) < blockSize
		if finalQueued && lastShort {
			return delivered, nil
		}
		windowFirst = lastSent + 1
		window = window[:0]
		t.resetRetries()
	}
}

func (t *readTransfer) sendWindow(first uint16, window [][]byte) error {
	for i, payload := range window {
		pkt := &dataPkt{Block: first + uint16(i), Payload: payload}
		b, err := pkt.MarshalBinary()
		if err != nil {
			return err
		}
		if _, err := t.conn.Write(b); err != nil {
			return errors.Wrap(err, "send DATA")
		}
	}
	return nil
}

// awaitAck waits out one WAIT_ACK state. It reports true when the window was
// fully acknowledged and the transfer may advance; false means the window
// was retransmitted and the caller should wait again.
//
// A mid-window ACK is ignored once; its repetition is a duplicate-ACK signal
// and retransmits the window just like an ACK of the previous window's last
// block or a timeout would.
func (t *readTransfer) awaitAck(windowFirst, lastSent uint16, window [][]byte) (bool, error) {
	var midSeen uint16
	haveMid := false

	for {
		pkt, err := t.recv()
		if err != nil {
			if isTimeout(err) {
				return false, t.retransmit(windowFirst, window)
			}
			return false, err
		}

		switch p := pkt.(type) {
		case *ackPkt:
			switch rel := p.Block - windowFirst; {
			case p.Block == lastSent:
				return true, nil
			case p.Block == windowFirst-1:
				// duplicate ACK of the previous window's last block; the
				// whole window went missing or arrived out of order
				return false, t.retransmit(windowFirst, window)
			case int(rel) < len(window):
				if haveMid && midSeen == p.Block {
					return false, t.retransmit(windowFirst, window)
				}
				midSeen, haveMid = p.Block, true
			default:
				t.sendError(ecIllegalOp, "illegal TFTP operation")
				return false, errors.Errorf("protocol error: unexpected ACK %d (window %d..%d)", p.Block, windowFirst, lastSent)
			}
		case *errorPkt:
			return false, errors.Wrap(p, "peer aborted transfer")
		default:
			t.sendError(ecIllegalOp, "illegal TFTP operation")
			return false, errors.New("protocol error: expected ACK")
		}
	}
}

func (t *readTransfer) retransmit(windowFirst uint16, window [][]byte) error {
	t.retransmits++
	t.totalRetx++
	if t.retransmits > maxRetries {
		t.sendError(ecUndefined, "timeout waiting for ACK")
		return errors.New("retry budget exhausted")
	}
	return t.sendWindow(windowFirst, window)
}

// resetRetries clears the retry counter after a fully acknowledged window;
// the budget applies per window, not per transfer.
func (t *readTransfer) resetRetries() { t.retransmits = 0 }

func (t *readTransfer) recv() (interface{}, error) {
	if err := t.conn.SetReadDeadline(time.Now().Add(t.opts.Timeout)); err != nil {
		return nil, err
	}
	n, err := t.conn.Read(t.recvBuf)
	if err != nil {
		return nil, err
	}
	return parsePacket(t.recvBuf[:n])
}

func (t *readTransfer) sendError(code uint16, msg string) {
	b, err := (&errorPkt{Code: code, Msg: msg}).MarshalBinary()
	if err != nil {
		return
	}
	_, _ = t.conn.Write(b)
}

func isTimeout(err error) bool {
	ne, ok := errors.Cause(err).(net.Error)
	return ok && ne.Timeout()
}
