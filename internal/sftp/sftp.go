// Package sftp implements the server side of the SSH File Transfer Protocol
// version 3, as described in
// https://tools.ietf.org/html/draft-ietf-secsh-filexfer-02
package sftp

import (
	"fmt"
	"os"
)

// ProtocolVersion is the SFTP version implemented by this server.
const ProtocolVersion = 3

const (
	fxpInit          = 1
	fxpVersion       = 2
	fxpOpen          = 3
	fxpClose         = 4
	fxpRead          = 5
	fxpWrite         = 6
	fxpLstat         = 7
	fxpFstat         = 8
	fxpSetstat       = 9
	fxpFsetstat      = 10
	fxpOpendir       = 11
	fxpReaddir       = 12
	fxpRemove        = 13
	fxpMkdir         = 14
	fxpRmdir         = 15
	fxpRealpath      = 16
	fxpStat          = 17
	fxpRename        = 18
	fxpReadlink      = 19
	fxpSymlink       = 20
	fxpStatus        = 101
	fxpHandle        = 102
	fxpData          = 103
	fxpName          = 104
	fxpAttrs         = 105
	fxpExtended      = 200
	fxpExtendedReply = 201
)

// fxp is a packet type.
type fxp uint8

func (f fxp) String() string {
	switch f {
	case fxpInit:
		return "SSH_FXP_INIT"
	case fxpVersion:
		return "SSH_FXP_VERSION"
	case fxpOpen:
		return "SSH_FXP_OPEN"
	case fxpClose:
		return "SSH_FXP_CLOSE"
	case fxpRead:
		return "SSH_FXP_READ"
	case fxpWrite:
		return "SSH_FXP_WRITE"
	case fxpLstat:
		return "SSH_FXP_LSTAT"
	case fxpFstat:
		return "SSH_FXP_FSTAT"
	case fxpSetstat:
		return "SSH_FXP_SETSTAT"
	case fxpFsetstat:
		return "SSH_FXP_FSETSTAT"
	case fxpOpendir:
		return "SSH_FXP_OPENDIR"
	case fxpReaddir:
		return "SSH_FXP_READDIR"
	case fxpRemove:
		return "SSH_FXP_REMOVE"
	case fxpMkdir:
		return "SSH_FXP_MKDIR"
	case fxpRmdir:
		return "SSH_FXP_RMDIR"
	case fxpRealpath:
		return "SSH_FXP_REALPATH"
	case fxpStat:
		return "SSH_FXP_STAT"
	case fxpRename:
		return "SSH_FXP_RENAME"
	case fxpReadlink:
		return "SSH_FXP_READLINK"
	case fxpSymlink:
		return "SSH_FXP_SYMLINK"
	case fxpStatus:
		return "SSH_FXP_STATUS"
	case fxpHandle:
		return "SSH_FXP_HANDLE"
	case fxpData:
		return "SSH_FXP_DATA"
	case fxpName:
		return "SSH_FXP_NAME"
	case fxpAttrs:
		return "SSH_FXP_ATTRS"
	case fxpExtended:
		return "SSH_FXP_EXTENDED"
	case fxpExtendedReply:
		return "SSH_FXP_EXTENDED_REPLY"
	default:
		return "unknown"
	}
}

// Status codes
const (
	fxOK               = 0
	fxEOF              = 1
	fxNoSuchFile       = 2
	fxPermissionDenied = 3
	fxFailure          = 4
	fxBadMessage       = 5
	fxNoConnection     = 6 // client-generated only
	fxConnectionLost   = 7 // client-generated only
	fxOpUnsupported    = 8
)

type fx uint8

func (f fx) String() string {
	switch f {
	case fxOK:
		return "SSH_FX_OK"
	case fxEOF:
		return "SSH_FX_EOF"
	case fxNoSuchFile:
		return "SSH_FX_NO_SUCH_FILE"
	case fxPermissionDenied:
		return "SSH_FX_PERMISSION_DENIED"
	case fxFailure:
		return "SSH_FX_FAILURE"
	case fxBadMessage:
		return "SSH_FX_BAD_MESSAGE"
	case fxNoConnection:
		return "SSH_FX_NO_CONNECTION"
	case fxConnectionLost:
		return "SSH_FX_CONNECTION_LOST"
	case fxOpUnsupported:
		return "SSH_FX_OP_UNSUPPORTED"
	default:
		return "unknown"
	}
}

// fxerr is an error carrying its SSH_FXP_STATUS code directly.
type fxerr uint32

const (
	// ErrEOF indicates end-of-file; directly translates to SSH_FX_EOF.
	ErrEOF = fxerr(fxEOF)

	// ErrNoSuchFile means a reference was made to a path which does not
	// exist; directly translates to SSH_FX_NO_SUCH_FILE.
	ErrNoSuchFile = fxerr(fxNoSuchFile)

	// ErrPermDenied means the client does not have sufficient permissions to
	// perform the operation; directly translates to
	// SSH_FX_PERMISSION_DENIED.
	ErrPermDenied = fxerr(fxPermissionDenied)

	// ErrGeneric indicates that some error occurred; directly translates to
	// SSH_FX_FAILURE. Use more specific errors when possible.
	ErrGeneric = fxerr(fxFailure)

	// ErrBadMessage means an incorrectly formatted packet or protocol
	// incompatibility was detected; directly translates to
	// SSH_FX_BAD_MESSAGE.
	ErrBadMessage = fxerr(fxBadMessage)

	// ErrOpUnsupported indicates that an operation is not implemented by the
	// server; directly translates to SSH_FX_OP_UNSUPPORTED.
	ErrOpUnsupported = fxerr(fxOpUnsupported)
)

func (e fxerr) Error() string {
	switch e {
	case ErrEOF:
		return "EOF"
	case ErrNoSuchFile:
		return "No Such File"
	case ErrPermDenied:
		return "Permission Denied"
	case ErrBadMessage:
		return "Bad Message"
	case ErrOpUnsupported:
		return "Operation Unsupported"
	default:
		return "Failure"
	}
}

// Bit flags for opening files (SSH_FXP_OPEN).
// https://tools.ietf.org/html/draft-ietf-secsh-filexfer-02#section-6.3
type pflag uint32

const (
	// PFlagRead means open the file for reading. This may be used in
	// combination with PFlagWrite.
	PFlagRead = pflag(1 << iota)
	// PFlagWrite means open the file for writing. This may be used in
	// combination with PFlagRead.
	PFlagWrite
	// PFlagAppend forces all writes to append data to the end of any
	// existing file. Combined with PFlagTruncate, the file is still
	// truncated on open.
	PFlagAppend
	// PFlagCreate means the file should be created if it does not already
	// exist.
	PFlagCreate
	// PFlagTruncate means an existing file must be truncated. If this flag
	// is present, PFlagCreate MUST also be specified.
	PFlagTruncate
	// PFlagExclusive means the request should fail if the file already
	// exists.
	PFlagExclusive
)

// os converts SFTP pflags to file open flags recognized by the os package.
func (pf pflag) os() (f int, ok bool) {
	switch {
	case pf&PFlagRead != 0 && pf&PFlagWrite != 0:
		f = os.O_RDWR
	case pf&PFlagWrite != 0:
		f = os.O_WRONLY
	case pf&PFlagRead != 0:
		f = os.O_RDONLY
	default:
		return 0, false
	}
	if pf&PFlagAppend != 0 {
		f |= os.O_APPEND
	}
	if pf&PFlagCreate != 0 {
		f |= os.O_CREATE
	}
	if pf&PFlagTruncate != 0 {
		f |= os.O_TRUNC
	}
	if pf&PFlagExclusive != 0 {
		f |= os.O_EXCL
	}
	return f, true
}

// StatusError is the error form of an SSH_FXP_STATUS response.
type StatusError struct {
	Code      uint32
	msg, lang string
}

func (s *StatusError) Error() string { return fmt.Sprintf("sftp: %q (%v)", s.msg, fx(s.Code)) }
