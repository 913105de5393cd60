package sftp

import (
	"encoding"
	"encoding/binary"
	"io"
	"sync"

	"github.com/pkg/errors"
)

// maxMsgLength bounds a single SFTP message. Anything larger is a framing
// violation; reading it would let a client stall the channel with a bogus
// length prefix.
const maxMsgLength = 256 * 1024

var errTooLarge = errors.New("packet too large")

// conn is the channel the dispatcher reads requests from and writes
// responses to. Writes are serialised; the SSH channel provides framing.
type conn struct {
	io.Reader
	io.WriteCloser
	sync.Mutex
}

func (c *conn) sendPacket(m encoding.BinaryMarshaler) error {
	b, err := m.MarshalBinary()
	if err != nil {
		return errors.Wrap(err, "marshal packet")
	}
	c.Lock()
	defer c.Unlock()
	if _, err := c.Write(b); err != nil {
		return errors.Wrap(err, "write packet")
	}
	return nil
}

// recvPacket reads one length-prefixed packet and returns its raw type byte
// and body. Truncated framing surfaces as an io error and closes the channel.
func (c *conn) recvPacket() (uint8, []byte, error) {
	var lb [4]byte
	if _, err := io.ReadFull(c, lb[:]); err != nil {
		return 0, nil, err
	}
	pktLen := binary.BigEndian.Uint32(lb[:])
	if pktLen < 1 {
		return 0, nil, errShortPacket
	}
	if pktLen > maxMsgLength {
		return 0, nil, errTooLarge
	}
	b := make([]byte, pktLen)
	if _, err := io.ReadFull(c, b); err != nil {
		return 0, nil, err
	}
	return b[0], b[1:], nil
}
