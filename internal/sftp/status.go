package sftp

import (
	"io"
	"os"
	"syscall"

	"github.com/pkg/errors"

	"github.com/tera-insights/xferd/internal/rootfs"
)

// statusLang is the language tag every SSH_FXP_STATUS response carries.
const statusLang = "en"

// statusFromError converts a handler error into the SSH_FXP_STATUS response
// for request p. Messages are fixed per status code: local paths, wrapped
// context, and internal type names belong in the log, never on the wire.
func statusFromError(p ider, err error) *fxpStatusPkt {
	ret := &fxpStatusPkt{
		ID:          p.id(),
		StatusError: StatusError{Code: fxOK, msg: "OK", lang: statusLang},
	}
	if err == nil {
		return ret
	}

	ret.Code = codeFromError(err)
	ret.msg = fxerr(ret.Code).Error()
	return ret
}

func codeFromError(err error) uint32 {
	switch e := errors.Cause(err).(type) {
	case fxerr:
		return uint32(e)
	case syscall.Errno:
		return translateErrno(e)
	case *os.PathError:
		if errno, ok := e.Err.(syscall.Errno); ok {
			return translateErrno(errno)
		}
	case *os.LinkError:
		if errno, ok := e.Err.(syscall.Errno); ok {
			return translateErrno(errno)
		}
	}

	switch cause := errors.Cause(err); cause {
	case io.EOF:
		return fxEOF
	case rootfs.ErrTraversal:
		return fxPermissionDenied
	case rootfs.ErrBadPath:
		return fxBadMessage
	case errShortPacket, errTooLarge:
		return fxBadMessage
	case errNoSuchHandle, errWrongHandleKind:
		return fxFailure
	case errTooManyHandles, errOpTimeout:
		return fxFailure
	}

	switch {
	case os.IsNotExist(errors.Cause(err)):
		return fxNoSuchFile
	case os.IsPermission(errors.Cause(err)):
		return fxPermissionDenied
	}
	return fxFailure
}

// translateErrno maps a syscall error number to an SFTP status code.
func translateErrno(errno syscall.Errno) uint32 {
	switch errno {
	case 0:
		return fxOK
	case syscall.ENOENT:
		return fxNoSuchFile
	case syscall.EPERM, syscall.EACCES:
		return fxPermissionDenied
	}
	return fxFailure
}
