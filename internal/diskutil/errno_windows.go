//go:build windows

package diskutil

import (
	"syscall"

	"golang.org/x/sys/windows"
)

const noSpace = windows.ERROR_DISK_FULL

func isNoSpace(errno syscall.Errno) bool {
	return errno == windows.ERROR_DISK_FULL ||
		errno == windows.ERROR_HANDLE_DISK_FULL ||
		errno == syscall.ENOSPC
}
