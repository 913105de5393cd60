// Package tftp implements a TFTP server per RFC 1350 with the option
// extensions of RFC 2347/2348/2349 and the windowsize extension of RFC 7440.
// Each read or write request runs a transfer state machine on its own
// ephemeral UDP socket; the listening socket only ever sees requests.
package tftp

import (
	"bytes"
	"encoding/binary"
	"strings"

	"github.com/pkg/errors"
)

// Opcodes, RFC 1350 section 5 plus OACK from RFC 2347.
const (
	opRRQ   = uint16(1)
	opWRQ   = uint16(2)
	opDATA  = uint16(3)
	opACK   = uint16(4)
	opERROR = uint16(5)
	opOACK  = uint16(6)
)

// Wire error codes, RFC 1350 plus RFC 2347.
const (
	ecUndefined         = uint16(0)
	ecFileNotFound      = uint16(1)
	ecAccessViolation   = uint16(2)
	ecDiskFull          = uint16(3)
	ecIllegalOp         = uint16(4)
	ecUnknownTID        = uint16(5)
	ecFileExists        = uint16(6)
	ecNoSuchUser        = uint16(7)
	ecOptionNegotiation = uint16(8)
)

// Transfer modes. Mail mode is long obsolete and not accepted.
const (
	modeOctet    = "octet"
	modeNetascii = "netascii"
)

var (
	errShortPacket   = errors.New("packet too short")
	errUnknownOpcode = errors.New("unknown opcode")
	errBadMode       = errors.New("unknown transfer mode")
)

type optionPair struct {
	Name  string
	Value string
}

// requestPkt is an RRQ or WRQ: filename, mode, and option pairs, all
// null-terminated strings.
type requestPkt struct {
	Write    bool
	Filename string
	Mode     string
	Options  []optionPair
}

func (p *requestPkt) MarshalBinary() ([]byte, error) {
	op := opRRQ
	if p.Write {
		op = opWRQ
	}
	b := make([]byte, 2, 2+len(p.Filename)+1+len(p.Mode)+1)
	binary.BigEndian.PutUint16(b, op)
	b = appendCString(b, p.Filename)
	b = appendCString(b, p.Mode)
	for _, opt := range p.Options {
		b = appendCString(b, opt.Name)
		b = appendCString(b, opt.Value)
	}
	return b, nil
}

func (p *requestPkt) unmarshalBody(b []byte) (err error) {
	if p.Filename, b, err = takeCString(b); err != nil {
		return err
	}
	var mode string
	if mode, b, err = takeCString(b); err != nil {
		return err
	}
	switch strings.ToLower(mode) {
	case modeOctet, modeNetascii:
		p.Mode = strings.ToLower(mode)
	default:
		return errors.Wrapf(errBadMode, "%q", mode)
	}
	for len(b) > 0 {
		var opt optionPair
		if opt.Name, b, err = takeCString(b); err != nil {
			return err
		}
		if opt.Value, b, err = takeCString(b); err != nil {
			return err
		}
		opt.Name = strings.ToLower(opt.Name)
		p.Options = append(p.Options, opt)
	}
	return nil
}

// dataPkt carries one block of payload, at most the negotiated block size.
type dataPkt struct {
	Block   uint16
	Payload []byte
}

func (p *dataPkt) MarshalBinary() ([]byte, error) {
	b := make([]byte, 4, 4+len(p.Payload))
	binary.BigEndian.PutUint16(b, opDATA)
	binary.BigEndian.PutUint16(b[2:], p.Block)
	return append(b, p.Payload...), nil
}

func (p *dataPkt) unmarshalBody(b []byte) error {
	if len(b) < 2 {
		return errShortPacket
	}
	p.Block = binary.BigEndian.Uint16(b)
	p.Payload = b[2:]
	return nil
}

type ackPkt struct {
	Block uint16
}

func (p *ackPkt) MarshalBinary() ([]byte, error) {
	b := make([]byte, 4)
	binary.BigEndian.PutUint16(b, opACK)
	binary.BigEndian.PutUint16(b[2:], p.Block)
	return b, nil
}

func (p *ackPkt) unmarshalBody(b []byte) error {
	if len(b) < 2 {
		return errShortPacket
	}
	p.Block = binary.BigEndian.Uint16(b)
	return nil
}

type errorPkt struct {
	Code uint16
	Msg  string
}

func (p *errorPkt) Error() string { return p.Msg }

func (p *errorPkt) MarshalBinary() ([]byte, error) {
	b := make([]byte, 4, 4+len(p.Msg)+1)
	binary.BigEndian.PutUint16(b, opERROR)
	binary.BigEndian.PutUint16(b[2:], p.Code)
	return appendCString(b, p.Msg), nil
}

func (p *errorPkt) unmarshalBody(b []byte) (err error) {
	if len(b) < 2 {
		return errShortPacket
	}
	p.Code = binary.BigEndian.Uint16(b)
	p.Msg, _, err = takeCString(b[2:])
	return err
}

type oackPkt struct {
	Options []optionPair
}

func (p *oackPkt) MarshalBinary() ([]byte, error) {
	b := make([]byte, 2, 32)
	binary.BigEndian.PutUint16(b, opOACK)
	for _, opt := range p.Options {
		b = appendCString(b, opt.Name)
		b = appendCString(b, opt.Value)
	}
	return b, nil
}

func (p *oackPkt) unmarshalBody(b []byte) (err error) {
	for len(b) > 0 {
		var opt optionPair
		if opt.Name, b, err = takeCString(b); err != nil {
			return err
		}
		if opt.Value, b, err = takeCString(b); err != nil {
			return err
		}
		p.Options = append(p.Options, opt)
	}
	return nil
}

// parsePacket decodes a raw datagram into its typed packet.
func parsePacket(b []byte) (interface{}, error) {
	if len(b) < 2 {
		return nil, errShortPacket
	}
	op := binary.BigEndian.Uint16(b)
	body := b[2:]

	switch op {
	case opRRQ, opWRQ:
		pkt := &requestPkt{Write: op == opWRQ}
		return pkt, pkt.unmarshalBody(body)
	case opDATA:
		pkt := &dataPkt{}
		return pkt, pkt.unmarshalBody(body)
	case opACK:
		pkt := &ackPkt{}
		return pkt, pkt.unmarshalBody(body)
	case opERROR:
		pkt := &errorPkt{}
		return pkt, pkt.unmarshalBody(body)
	case opOACK:
		pkt := &oackPkt{}
		return pkt, pkt.unmarshalBody(body)
	default:
		return nil, errors.Wrapf(errUnknownOpcode, "%d", op)
	}
}

func appendCString(b []byte, s string) []byte {
	b = append(b, s...)
	return append(b, 0)
}

func takeCString(b []byte) (string, []byte, error) {
	i := bytes.IndexByte(b, 0)
	if i < 0 {
		return "", nil, errShortPacket
	}
	return string(b[:i]), b[i+1:], nil
}
