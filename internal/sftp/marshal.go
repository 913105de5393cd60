package sftp

// Byte-slice marshalling helpers shared by all packet types. Writing this by
// hand is tedious but far cheaper than reflection, and every packet encodes
// its own uint32 length prefix so a marshalled packet is written with a
// single allocation and no copying.

import (
	"encoding/binary"
	"time"

	"github.com/pkg/errors"
)

var errShortPacket = errors.New("packet too short")

// allocPkt allocates a buffer large enough to hold the overarching length
// prefix, the type byte, and dataLen bytes of body, filling in length and
// type. See https://tools.ietf.org/html/draft-ietf-secsh-filexfer-02#section-3.
func allocPkt(pktType byte, dataLen int) []byte {
	return append(appendU32(make([]byte, 0, 5+dataLen), uint32(dataLen+1)), pktType)
}

func appendU32(b []byte, v uint32) []byte {
	return append(b, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

func appendU64(b []byte, v uint64) []byte {
	return appendU32(appendU32(b, uint32(v>>32)), uint32(v))
}

func appendStr(b []byte, v string) []byte {
	return append(appendU32(b, uint32(len(v))), v...)
}

func appendAttr(b []byte, attr *FileAttr) []byte {
	if attr == nil {
		return appendU32(b, 0)
	}
	flags := attr.Flags
	b = appendU32(b, uint32(flags))
	if flags&AttrFlagSize != 0 {
		b = appendU64(b, attr.Size)
	}
	if flags&AttrFlagUIDGID != 0 {
		b = appendU32(b, attr.UID)
		b = appendU32(b, attr.GID)
	}
	if flags&AttrFlagPermissions != 0 {
		b = appendU32(b, fromFileMode(attr.Perms))
	}
	if flags&AttrFlagAcModTime != 0 {
		b = appendU32(b, uint32(attr.AcTime.Unix()))
		b = appendU32(b, uint32(attr.ModTime.Unix()))
	}
	return b
}

func takeU32(b []byte) (uint32, []byte, error) {
	if len(b) < 4 {
		return 0, nil, errShortPacket
	}
	return binary.BigEndian.Uint32(b), b[4:], nil
}

func takeU64(b []byte) (uint64, []byte, error) {
	if len(b) < 8 {
		return 0, nil, errShortPacket
	}
	return binary.BigEndian.Uint64(b), b[8:], nil
}

func takeStr(b []byte) (string, []byte, error) {
	n, b, err := takeU32(b)
	if err != nil {
		return "", nil, err
	}
	if int64(n) > int64(len(b)) {
		return "", nil, errShortPacket
	}
	return string(b[:n]), b[n:], nil
}

func takeAttr(b []byte) (*FileAttr, []byte, error) {
	var attr FileAttr
	var flags uint32
	var err error
	if flags, b, err = takeU32(b); err != nil {
		return nil, nil, err
	}
	attr.Flags = attrFlag(flags)
	if attr.Flags&AttrFlagSize != 0 {
		if attr.Size, b, err = takeU64(b); err != nil {
			return nil, nil, err
		}
	}
	if attr.Flags&AttrFlagUIDGID != 0 {
		if attr.UID, b, err = takeU32(b); err != nil {
			return nil, nil, err
		}
		if attr.GID, b, err = takeU32(b); err != nil {
			return nil, nil, err
		}
	}
	if attr.Flags&AttrFlagPermissions != 0 {
		var perms uint32
		if perms, b, err = takeU32(b); err != nil {
			return nil, nil, err
		}
		attr.Perms = toFileMode(perms)
	}
	if attr.Flags&AttrFlagAcModTime != 0 {
		var atime, mtime uint32
		if atime, b, err = takeU32(b); err != nil {
			return nil, nil, err
		}
		if mtime, b, err = takeU32(b); err != nil {
			return nil, nil, err
		}
		attr.AcTime = time.Unix(int64(atime), 0)
		attr.ModTime = time.Unix(int64(mtime), 0)
	}
	return &attr, b, nil
}

// marshalIDString marshals a packet type, uint32 ID, and a string. Many
// packet types have exactly this shape.
func marshalIDString(pktType byte, id uint32, str string) ([]byte, error) {
	b := allocPkt(pktType, 4+(4+len(str)))
	b = appendU32(b, id)
	return appendStr(b, str), nil
}

// unmarshalIDString is the inverse of marshalIDString.
func unmarshalIDString(b []byte, id *uint32, str *string) (err error) {
	if *id, b, err = takeU32(b); err != nil {
		return
	}
	*str, _, err = takeStr(b)
	return
}

// marshalIDStringAttr is marshalIDString plus trailing file attributes.
func marshalIDStringAttr(pktType byte, id uint32, str string, attr *FileAttr) ([]byte, error) {
	b := allocPkt(pktType, 4+(4+len(str))+attr.encodedSize())
	b = appendU32(b, id)
	b = appendStr(b, str)
	return appendAttr(b, attr), nil
}

// unmarshalIDStringAttr is the inverse of marshalIDStringAttr.
func unmarshalIDStringAttr(b []byte, id *uint32, str *string, attr **FileAttr) (err error) {
	if *id, b, err = takeU32(b); err != nil {
		return
	}
	if *str, b, err = takeStr(b); err != nil {
		return
	}
	*attr, _, err = takeAttr(b)
	return
}
