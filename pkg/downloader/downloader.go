// Package downloader provides the ranged transfer capability the DLC engine
// is built on: asynchronous, polled tasks that either fill a memory buffer
// or resume a download into a local file.
package downloader

import (
	"fmt"
	"strings"
)

// TaskID identifies a downloader task. Zero is never a valid id.
type TaskID uint64

// TaskState is the coarse lifecycle of a task.
type TaskState int

const (
	JustAdded TaskState = iota
	Downloading
	Finished
)

func (s TaskState) String() string {
	switch s {
	case JustAdded:
		return "JustAdded"
	case Downloading:
		return "Downloading"
	case Finished:
		return "Finished"
	}
	return fmt.Sprintf("TaskState(%d)", int(s))
}

// Range selects [Offset, Offset+Size) of the remote object. A negative Size
// means "to the end".
type Range struct {
	Offset uint64
	Size   int64
}

// Whole is the range covering the complete object.
var Whole = Range{Size: -1}

// TaskError describes why a finished task failed. The zero value means
// success. A non-zero FileErrno marks a local I/O failure; anything else is
// a transport or server failure and safe to retry.
type TaskError struct {
	FileErrno    int
	HTTPCode     int
	TransportErr string
	ErrStr       string
}

// IsNone reports whether the task succeeded.
func (e TaskError) IsNone() bool {
	return e == TaskError{}
}

// IsIOError reports a local file system failure.
func (e TaskError) IsIOError() bool {
	return e.FileErrno != 0
}

// IsRetryable reports a transport or server failure.
func (e TaskError) IsRetryable() bool {
	return !e.IsNone() && !e.IsIOError()
}

func (e TaskError) String() string {
	if e.IsNone() {
		return "none"
	}
	var parts []string
	if e.FileErrno != 0 {
		parts = append(parts, fmt.Sprintf("errno=%d", e.FileErrno))
	}
	if e.HTTPCode != 0 {
		parts = append(parts, fmt.Sprintf("http=%d", e.HTTPCode))
	}
	if e.TransportErr != "" {
		parts = append(parts, "transport="+e.TransportErr)
	}
	if e.ErrStr != "" {
		parts = append(parts, e.ErrStr)
	}
	return strings.Join(parts, " ")
}

// TaskStatus is a snapshot of a task.
type TaskStatus struct {
	State          TaskState
	SizeTotal      int64
	SizeDownloaded int64
	Error          TaskError
}

// Downloader is the capability the DLC manager drives. Every method returns
// immediately; progress is observed by polling GetTaskStatus.
type Downloader interface {
	// StartGetContentSize queries the size of the remote object. The result
	// is reported in TaskStatus.SizeTotal.
	StartGetContentSize(url string) TaskID
	// StartTask reads r into buf. len(buf) bytes are requested and r.Size is
	// ignored.
	StartTask(url string, buf []byte, r Range) TaskID
	// ResumeTask downloads r into localPath. Bytes already present in
	// localPath are kept and only the remainder of the range is requested.
	ResumeTask(url, localPath string, r Range) TaskID
	// GetTaskStatus returns false for unknown or removed tasks.
	GetTaskStatus(id TaskID) (TaskStatus, bool)
	// RemoveTask cancels the task if it is running and forgets it.
	RemoveTask(id TaskID)
}
