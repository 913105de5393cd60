package tftp

import (
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-pkgz/lgr"
	"github.com/pkg/errors"
)

// writeTransfer runs the server side of one WRQ: the receive-side mirror of
// the read FSM's windowing. Blocks are accumulated off the wire and an ACK
// goes out only at window boundaries or on the final short block.
type writeTransfer struct {
	conn transferConn
	dest *writeDest
	opts *transferOptions

	session string
	recvBuf []byte
}

func newWriteTransfer(conn transferConn, dest *writeDest, opts *transferOptions, session string) *writeTransfer {
	return &writeTransfer{
		conn:    conn,
		dest:    dest,
		opts:    opts,
		session: session,
		recvBuf: make([]byte, 4+maxBlockSize),
	}
}

// run drives the transfer. On any failure the client gets an ERROR packet
// and the partial content is discarded; the destination path is only touched
// by the final commit.
func (t *writeTransfer) run() error {
	defer t.conn.Close()

	start := time.Now()
	err := t.receive()
	if err != nil {
		t.dest.abort()
		return err
	}
	lgr.Printf("[INFO] tftp write done session=%s peer=%s bytes=%s in %s",
		t.session, t.conn.RemoteAddr(), humanize.Bytes(uint64(t.dest.received())), time.Since(start).Round(time.Millisecond))
	return nil
}

func (t *writeTransfer) receive() error {
	// the opening acknowledgement: OACK when options were accepted, plain
	// ACK(0) otherwise
	var opening []byte
	var err error
	if t.opts.needsOACK() {
		opening, err = t.opts.oack().MarshalBinary()
	} else {
		opening, err = (&ackPkt{Block: 0}).MarshalBinary()
	}
	if err != nil {
		return err
	}
	if _, err := t.conn.Write(opening); err != nil {
		return errors.Wrap(err, "send opening ack")
	}

	blockSize := t.opts.BlockSize
	windowSize := uint16(t.opts.Windowsize)
	expected := uint16(1)
	lastAck := opening
	retries := 0

	for {
		pkt, err := t.recv()
		if err != nil {
			if !isTimeout(err) {
				return err
			}
			retries++
			if retries > maxRetries {
				t.sendError(ecUndefined, "timeout waiting for DATA")
				return errors.New("retry budget exhausted")
			}
			// the client resends on our silence; re-offering the last ack
			// speeds recovery when its window got lost
			if _, err := t.conn.Write(lastAck); err != nil {
				return errors.Wrap(err, "resend ack")
			}
			continue
		}

		data, ok := pkt.(*dataPkt)
		if !ok {
			if perr, isErr := pkt.(*errorPkt); isErr {
				return errors.Wrap(perr, "peer aborted transfer")
			}
			t.sendError(ecIllegalOp, "illegal TFTP operation")
			return errors.New("protocol error: expected DATA")
		}

		if data.Block != expected {
			// retransmission of an already accepted block; ignore it, the
			// boundary ack covers it
			continue
		}
		if len(data.Payload) > blockSize {
			t.sendError(ecIllegalOp, "oversized DATA block")
			return errors.Errorf("DATA block %d exceeds negotiated size", data.Block)
		}

		if err := t.dest.appendBlock(data.Payload); err != nil {
			if errors.Cause(err) == errFileTooLarge {
				t.sendError(ecDiskFull, "transfer too large")
			} else {
				t.sendError(ecUndefined, "write error")
			}
			return err
		}
		retries = 0

		final := len(data.Payload) < blockSize
		if final || data.Block%windowSize == 0 {
			ack, err := (&ackPkt{Block: data.Block}).MarshalBinary()
			if err != nil {
				return err
			}
			if _, err := t.conn.Write(ack); err != nil {
				return errors.Wrap(err, "send ACK")
			}
			lastAck = ack
		}
		expected++

		if final {
			return t.finish()
		}
	}
}

func (t *writeTransfer) finish() error {
	if t.opts.HasTSize && t.opts.TSize != t.dest.received() {
		// committed anyway; the client declared one size and sent another,
		// which is worth an operator's attention but not a rollback
		lgr.Printf("[WARN] tftp write size mismatch session=%s declared=%d received=%d",
			t.session, t.opts.TSize, t.dest.received())
	}
	if err := t.dest.commit(); err != nil {
		t.sendError(ecDiskFull, "could not commit file")
		return err
	}
	return nil
}

func (t *writeTransfer) recv() (interface{}, error) {
	if err := t.conn.SetReadDeadline(time.Now().Add(t.opts.Timeout)); err != nil {
		return nil, err
	}
	n, err := t.conn.Read(t.recvBuf)
	if err != nil {
		return nil, err
	}
	return parsePacket(t.recvBuf[:n])
}

func (t *writeTransfer) sendError(code uint16, msg string) {
	b, err := (&errorPkt{Code: code, Msg: msg}).MarshalBinary()
	if err != nil {
		return
	}
	_, _ = t.conn.Write(b)
}
