package dlc

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"syscall"
	"time"

	"github.com/breeze-rmm/dlc/internal/diskutil"
	"github.com/breeze-rmm/dlc/internal/logging"
	"github.com/breeze-rmm/dlc/pkg/downloader"
	"github.com/breeze-rmm/dlc/pkg/packformat"
	"github.com/breeze-rmm/dlc/pkg/packmeta"
)

// fileState is the lifecycle of one file of a pack request.
type fileState int

const (
	fileWait fileState = iota
	fileCheckLocal
	fileLoading
	fileCheckHash
	fileReady
	fileError
)

func (s fileState) String() string {
	switch s {
	case fileWait:
		return "Wait"
	case fileCheckLocal:
		return "CheckLocalFile"
	case fileLoading:
		return "LoadingPackFile"
	case fileCheckHash:
		return "CheckHash"
	case fileReady:
		return "Ready"
	case fileError:
		return "Error"
	}
	return fmt.Sprintf("fileState(%d)", int(s))
}

// PackStatus summarizes a request for hosts.
type PackStatus int

const (
	StatusWaiting PackStatus = iota
	StatusDownloading
	StatusVerifying
	StatusDownloaded
	StatusMounted
	StatusError
)

func (s PackStatus) String() string {
	switch s {
	case StatusWaiting:
		return "waiting"
	case StatusDownloading:
		return "downloading"
	case StatusVerifying:
		return "verifying"
	case StatusDownloaded:
		return "downloaded"
	case StatusMounted:
		return "mounted"
	case StatusError:
		return "error"
	}
	return fmt.Sprintf("PackStatus(%d)", int(s))
}

// env is the session state shared by every request once the superpack
// metadata is known. The Manager owns it; requests only borrow it.
type env struct {
	dl         downloader.Downloader
	url        string
	localDir   string
	table      *packformat.FileTable
	fileIndex  map[string]uint32 // cleaned file name -> index
	meta       *packmeta.PackMetaData
	verified   *verifiedSet
	queue      *RequestQueue
	fs         fileSystem
	freeSpace  func(path string) (uint64, error)
	log        *slog.Logger
	retryWait  time.Duration
	inFlight   int
	maxFlight  int
	requesting func() bool
	onFatal    func(path string, errno int)
}

type fileRequest struct {
	index      uint32
	entry      packformat.FileEntry
	path       string
	state      fileState
	task       downloader.TaskID
	downloaded uint64
	retryIn    time.Duration
	err        error
}

func (f *fileRequest) fullSize() uint64 {
	return uint64(f.entry.CompressedSize) + packformat.LiteFooterSize
}

// PackRequest tracks the download of one pack. Dependencies get their own
// requests. Handles stay valid for the life of the Manager session.
type PackRequest struct {
	name    string
	env     *env
	deps    []string
	files   []fileRequest
	mounted bool
	err     error
	log     *slog.Logger
}

func newPackRequest(name string) *PackRequest {
	return &PackRequest{name: name}
}

// attach binds a request to session metadata and rebuilds its file list.
func (r *PackRequest) attach(e *env) error {
	r.stop()
	r.env = e
	r.log = logging.WithPack(e.log, r.name)
	r.err = nil
	r.mounted = false

	deps, err := e.meta.GetDependencyNames(r.name)
	if err != nil {
		r.err = err
		return err
	}
	r.deps = deps
	idx, _ := e.meta.GetFileIndexes(r.name)
	r.files = make([]fileRequest, len(idx))
	for k, fi := range idx {
		f := &r.files[k]
		f.index = fi
		f.entry = e.table.Entries[fi]
		f.path, f.err = localPath(e.localDir, e.table.Names[fi])
		if f.err != nil {
			f.state = fileError
			r.log.Error("refusing unsafe file name", logging.KeyFile, e.table.Names[fi], logging.KeyError, f.err)
		}
	}
	return nil
}

// detach drops the session binding, cancelling outstanding transfers.
func (r *PackRequest) detach() {
	r.stop()
	r.env = nil
	r.files = nil
}

func (r *PackRequest) Name() string { return r.name }

// Dependencies lists every pack this one needs, deepest first. Empty until
// the superpack metadata is loaded.
func (r *PackRequest) Dependencies() []string {
	return append([]string(nil), r.deps...)
}

// Size is the number of bytes the pack occupies locally once downloaded.
func (r *PackRequest) Size() uint64 {
	var n uint64
	for i := range r.files {
		n += r.files[i].fullSize()
	}
	return n
}

// DownloadedSize is the number of bytes present so far.
func (r *PackRequest) DownloadedSize() uint64 {
	var n uint64
	for i := range r.files {
		n += r.files[i].downloaded
	}
	return n
}

// Err reports why the request cannot complete, if it cannot.
func (r *PackRequest) Err() error {
	if r.err != nil {
		return r.err
	}
	for i := range r.files {
		if r.files[i].err != nil {
			return r.files[i].err
		}
	}
	return nil
}

// IsDownloaded is true once every file is verified and the request has
// reached the head of the queue or left it.
func (r *PackRequest) IsDownloaded() bool {
	if r.env == nil || !r.allReady() {
		return false
	}
	return !r.env.queue.Contains(r) || r.env.queue.IsTop(r)
}

func (r *PackRequest) allReady() bool {
	if r.env == nil {
		return false
	}
	for i := range r.files {
		if r.files[i].state != fileReady {
			return false
		}
	}
	return true
}

// Status summarizes the request's progress.
func (r *PackRequest) Status() PackStatus {
	if r.mounted {
		return StatusMounted
	}
	if r.Err() != nil {
		return StatusError
	}
	if r.env == nil {
		return StatusWaiting
	}
	loading, hashing := false, false
	for i := range r.files {
		switch r.files[i].state {
		case fileLoading:
			loading = true
		case fileCheckHash:
			hashing = true
		case fileWait, fileCheckLocal:
			loading = true
		}
	}
	switch {
	case hashing:
		return StatusVerifying
	case loading:
		return StatusDownloading
	}
	return StatusDownloaded
}

// update advances each file by at most one state. It reports whether
// anything observable changed.
func (r *PackRequest) update(dt time.Duration) bool {
	if r.env == nil || r.err != nil {
		return false
	}
	changed := false
	for i := range r.files {
		if !r.env.requesting() {
			break
		}
		if r.updateFile(&r.files[i], dt) {
			changed = true
		}
	}
	return changed
}

func (r *PackRequest) updateFile(f *fileRequest, dt time.Duration) bool {
	switch f.state {
	case fileWait:
		f.state = fileCheckLocal
		return false
	case fileCheckLocal:
		return r.checkLocalFile(f)
	case fileLoading:
		return r.loadPackFile(f, dt)
	case fileCheckHash:
		return r.checkHash(f)
	}
	return false
}

func (r *PackRequest) checkLocalFile(f *fileRequest) bool {
	e := r.env
	c := int64(f.entry.CompressedSize)
	full := int64(f.fullSize())
	size, exists, err := e.fs.Size(f.path)
	if err != nil {
		r.log.Warn("cannot stat local file", logging.KeyFile, f.path, logging.KeyError, err)
	}

	switch {
	case exists && size == full && e.verified.Contains(f.index):
		f.downloaded = uint64(full)
		f.state = fileReady
		return true
	case exists && (size == c || size == full):
		e.verified.Remove(f.index)
		f.downloaded = uint64(size)
		f.state = fileCheckHash
		return true
	case exists && size < c:
		e.verified.Remove(f.index)
		f.downloaded = uint64(size)
		f.state = fileLoading
		return true
	case exists:
		e.verified.Remove(f.index)
		if err := e.fs.Remove(f.path); err != nil {
			return r.diskFailure(f, err)
		}
	default:
		e.verified.Remove(f.index)
	}
	f.state = fileLoading
	return false
}

func (r *PackRequest) loadPackFile(f *fileRequest, dt time.Duration) bool {
	e := r.env
	if f.task == 0 {
		return r.startDownload(f, dt)
	}

	st, ok := e.dl.GetTaskStatus(f.task)
	if !ok {
		r.log.Warn("downloader lost task, restarting", logging.KeyFile, f.path, logging.KeyTaskID, uint64(f.task))
		r.releaseTask(f)
		return false
	}
	switch st.State {
	case downloader.Downloading:
		if d := uint64(st.SizeDownloaded); d != f.downloaded {
			f.downloaded = d
			return true
		}
		return false
	case downloader.Finished:
		r.releaseTask(f)
		switch {
		case st.Error.IsNone():
			f.downloaded = uint64(st.SizeDownloaded)
			f.state = fileCheckHash
			return true
		case st.Error.IsIOError():
			return r.diskFailureErrno(f, st.Error.FileErrno, errors.New(st.Error.String()))
		default:
			r.log.Warn("file download failed, restarting",
				logging.KeyFile, f.path,
				"httpCode", st.Error.HTTPCode,
				logging.KeyError, st.Error.String(),
				"retryIn", e.retryWait)
			if err := e.fs.Remove(f.path); err != nil {
				return r.diskFailure(f, err)
			}
			f.downloaded = 0
			f.retryIn = e.retryWait
			return true
		}
	}
	return false
}

func (r *PackRequest) startDownload(f *fileRequest, dt time.Duration) bool {
	e := r.env
	if f.retryIn > 0 {
		f.retryIn -= dt
		if f.retryIn > 0 {
			return false
		}
		f.retryIn = 0
	}
	if err := e.fs.MkdirAll(filepath.Dir(f.path)); err != nil {
		return r.diskFailure(f, err)
	}

	c := int64(f.entry.CompressedSize)
	if c == 0 {
		if err := e.fs.CreateEmpty(f.path); err != nil {
			return r.diskFailure(f, err)
		}
		f.downloaded = 0
		f.state = fileCheckHash
		return true
	}
	if e.inFlight >= e.maxFlight {
		return false
	}

	have, exists, _ := e.fs.Size(f.path)
	if exists && have > c {
		if err := e.fs.Remove(f.path); err != nil {
			return r.diskFailure(f, err)
		}
		have = 0
	}
	if e.freeSpace != nil {
		need := uint64(c-have) + packformat.LiteFooterSize
		if free, err := e.freeSpace(e.localDir); err == nil && free < need {
			return r.diskFailureErrno(f, diskutil.NoSpaceErrno(),
				fmt.Errorf("need %d bytes, %d free: %w", need, free, syscall.Errno(diskutil.NoSpaceErrno())))
		}
	}

	f.task = e.dl.ResumeTask(e.url, f.path, downloader.Range{Offset: f.entry.StartPosition, Size: c})
	e.inFlight++
	r.log.Debug("file download started",
		logging.KeyFile, f.path,
		logging.KeyTaskID, uint64(f.task),
		"offset", f.entry.StartPosition,
		"size", c,
		"resumeFrom", have)
	return false
}

func (r *PackRequest) checkHash(f *fileRequest) bool {
	e := r.env
	c := int64(f.entry.CompressedSize)
	crc, size, err := e.fs.CRC32Prefix(f.path, c)
	if err != nil || size < c || crc != f.entry.CompressedCrc32 {
		r.log.Warn("file checksum mismatch, downloading again",
			logging.KeyFile, f.path,
			"want", fmt.Sprintf("%08x", f.entry.CompressedCrc32),
			"got", fmt.Sprintf("%08x", crc),
			"size", size,
			logging.KeyError, err)
		if rmErr := e.fs.Remove(f.path); rmErr != nil {
			return r.diskFailure(f, rmErr)
		}
		f.downloaded = 0
		f.state = fileLoading
		return true
	}

	footer := packformat.LiteFooterFor(f.entry).Encode()
	if err := e.fs.WriteFooter(f.path, c, footer); err != nil {
		return r.diskFailure(f, err)
	}
	e.verified.Add(f.index)
	f.downloaded = f.fullSize()
	f.state = fileReady
	return true
}

func (r *PackRequest) releaseTask(f *fileRequest) {
	if f.task == 0 {
		return
	}
	r.env.dl.RemoveTask(f.task)
	f.task = 0
	r.env.inFlight--
}

func (r *PackRequest) diskFailure(f *fileRequest, err error) bool {
	errno := diskutil.Errno(err)
	if errno == 0 {
		errno = -1
	}
	return r.diskFailureErrno(f, errno, err)
}

// diskFailureErrno parks the file in Error and reports the failure, which
// stops all requesting.
func (r *PackRequest) diskFailureErrno(f *fileRequest, errno int, err error) bool {
	r.releaseTask(f)
	f.state = fileError
	f.err = fmt.Errorf("write %s: %w", f.path, err)
	r.log.Error("local file write failed, requesting disabled",
		logging.KeyFile, f.path,
		"errno", errno,
		"noSpace", diskutil.IsNoSpace(errno),
		logging.KeyError, err)
	r.env.onFatal(f.path, errno)
	return true
}

// stop cancels outstanding transfers.
func (r *PackRequest) stop() {
	if r.env == nil {
		return
	}
	for i := range r.files {
		r.releaseTask(&r.files[i])
	}
}
