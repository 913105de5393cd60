package sftp

// File attribute support, per
// http://tools.ietf.org/html/draft-ietf-secsh-filexfer-02#section-5

import (
	"os"
	"syscall"
	"time"
)

type attrFlag uint32

const (
	// AttrFlagSize indicates that the size field is present on a FileAttr.
	AttrFlagSize = attrFlag(1 << iota)

	// AttrFlagUIDGID indicates that the UID/GID fields are present on a
	// FileAttr.
	AttrFlagUIDGID

	// AttrFlagPermissions indicates that the permissions field is present on
	// a FileAttr.
	AttrFlagPermissions

	// AttrFlagAcModTime indicates the access time and modification time
	// fields are present on a FileAttr.
	AttrFlagAcModTime

	// AttrFlagExtended indicates that extensions are present on a FileAttr.
	// Parsed but never produced by this server.
	AttrFlagExtended = attrFlag(1 << 31)
)

// FileAttr is the decoded form of the SFTP file attributes block: a flags
// word followed by the fields the flags select, in fixed order.
type FileAttr struct {
	Flags           attrFlag
	Size            uint64      // valid if Flags&AttrFlagSize != 0
	UID, GID        uint32      // valid if Flags&AttrFlagUIDGID != 0
	Perms           os.FileMode // valid if Flags&AttrFlagPermissions != 0
	AcTime, ModTime time.Time   // valid if Flags&AttrFlagAcModTime != 0
}

func (attr *FileAttr) encodedSize() int {
	if attr == nil {
		return 4
	}
	size := 4 // uint32 flags
	if attr.Flags&AttrFlagSize != 0 {
		size += 8
	}
	if attr.Flags&AttrFlagUIDGID != 0 {
		size += 8
	}
	if attr.Flags&AttrFlagPermissions != 0 {
		size += 4
	}
	if attr.Flags&AttrFlagAcModTime != 0 {
		size += 8
	}
	return size
}

func fileAttrFromInfo(fi os.FileInfo) *FileAttr {
	mtime := fi.ModTime()
	attr := &FileAttr{
		Flags:   AttrFlagSize | AttrFlagPermissions | AttrFlagAcModTime,
		Size:    uint64(fi.Size()),
		Perms:   fi.Mode(),
		AcTime:  mtime,
		ModTime: mtime,
	}

	// OS-specific stat decoding fills in uid/gid; the access time is
	// reported as the modification time
	fileAttrFromInfoOS(fi, attr)

	return attr
}

// toFileMode converts sftp filemode bits to the os.FileMode specification.
func toFileMode(mode uint32) os.FileMode {
	fm := os.FileMode(mode & 0777)
	switch mode & syscall.S_IFMT {
	case syscall.S_IFBLK:
		fm |= os.ModeDevice
	case syscall.S_IFCHR:
		fm |= os.ModeDevice | os.ModeCharDevice
	case syscall.S_IFDIR:
		fm |= os.ModeDir
	case syscall.S_IFIFO:
		fm |= os.ModeNamedPipe
	case syscall.S_IFLNK:
		fm |= os.ModeSymlink
	case syscall.S_IFREG:
		// nothing to do
	case syscall.S_IFSOCK:
		fm |= os.ModeSocket
	}
	if mode&syscall.S_ISGID != 0 {
		fm |= os.ModeSetgid
	}
	if mode&syscall.S_ISUID != 0 {
		fm |= os.ModeSetuid
	}
	if mode&syscall.S_ISVTX != 0 {
		fm |= os.ModeSticky
	}
	return fm
}

// fromFileMode converts from the os.FileMode specification to SFTP
// permission/mode bits.
func fromFileMode(mode os.FileMode) uint32 {
	ret := uint32(0)

	if mode&os.ModeDevice != 0 {
		if mode&os.ModeCharDevice != 0 {
			ret |= syscall.S_IFCHR
		} else {
			ret |= syscall.S_IFBLK
		}
	}
	if mode&os.ModeDir != 0 {
		ret |= syscall.S_IFDIR
	}
	if mode&os.ModeSymlink != 0 {
		ret |= syscall.S_IFLNK
	}
	if mode&os.ModeNamedPipe != 0 {
		ret |= syscall.S_IFIFO
	}
	if mode&os.ModeSetgid != 0 {
		ret |= syscall.S_ISGID
	}
	if mode&os.ModeSetuid != 0 {
		ret |= syscall.S_ISUID
	}
	if mode&os.ModeSticky != 0 {
		ret |= syscall.S_ISVTX
	}
	if mode&os.ModeSocket != 0 {
		ret |= syscall.S_IFSOCK
	}

	if mode&os.ModeType == 0 {
		ret |= syscall.S_IFREG
	}
	ret |= uint32(mode & os.ModePerm)

	return ret
}
