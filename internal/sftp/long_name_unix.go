//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly || solaris

package sftp

import (
	"os"
	"strconv"
	"syscall"
)

func lsOwnership(dirent os.FileInfo) (numLinks uint64, uid, gid string) {
	numLinks, uid, gid = 1, "0", "0"
	if stat, ok := dirent.Sys().(*syscall.Stat_t); ok {
		numLinks = uint64(stat.Nlink)
		uid = strconv.FormatUint(uint64(stat.Uid), 10)
		gid = strconv.FormatUint(uint64(stat.Gid), 10)
	}
	return numLinks, uid, gid
}
