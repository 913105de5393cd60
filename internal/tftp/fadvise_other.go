//go:build !linux

package tftp

import "os"

func adviseSequential(*os.File) {}

func adviseDone(*os.File) {}
