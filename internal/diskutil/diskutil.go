// Package diskutil answers the two local-disk questions the DLC engine
// asks: how much room is left, and whether an error means there is none.
package diskutil

import (
	"errors"
	"os"
	"path/filepath"
	"syscall"

	"github.com/shirou/gopsutil/v3/disk"
)

// FreeBytes reports the free space on the volume holding path. Missing
// path components are skipped so the probe works before the directory
// exists.
func FreeBytes(path string) (uint64, error) {
	dir := filepath.Clean(path)
	for {
		if _, err := os.Stat(dir); err == nil {
			break
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	usage, err := disk.Usage(dir)
	if err != nil {
		return 0, err
	}
	return usage.Free, nil
}

// Errno extracts the operating system error number wrapped in err, or 0.
func Errno(err error) int {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return int(errno)
	}
	return 0
}

// NoSpaceErrno is the errno reported when a preflight check finds the disk
// too full for a download.
func NoSpaceErrno() int {
	return int(noSpace)
}

// IsNoSpace reports whether errno means the volume or quota is full.
func IsNoSpace(errno int) bool {
	return isNoSpace(syscall.Errno(errno))
}
