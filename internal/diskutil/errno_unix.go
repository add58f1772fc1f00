//go:build unix

package diskutil

import (
	"syscall"

	"golang.org/x/sys/unix"
)

const noSpace = unix.ENOSPC

func isNoSpace(errno syscall.Errno) bool {
	return errno == unix.ENOSPC || errno == unix.EDQUOT
}
