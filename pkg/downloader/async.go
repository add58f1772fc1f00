package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/breeze-rmm/dlc/internal/diskutil"
	"github.com/breeze-rmm/dlc/internal/logging"
	"github.com/breeze-rmm/dlc/internal/workerpool"
)

var log = logging.L("downloader")

const copyChunk = 64 * 1024

// AsyncOptions sizes the transfer pool.
type AsyncOptions struct {
	MaxHandles int // concurrent transfers
	QueueSize  int // tasks waiting for a handle
}

// Async is the production Downloader: tasks run on a bounded worker pool
// against a Source and are observed by polling.
type Async struct {
	src  Source
	pool *workerpool.Pool

	mu     sync.Mutex
	tasks  map[TaskID]*TaskStatus
	nextID TaskID
}

// NewAsync starts a transfer pool over src.
func NewAsync(src Source, opts AsyncOptions) *Async {
	if opts.MaxHandles <= 0 {
		opts.MaxHandles = 8
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	return &Async{
		src:   src,
		pool:  workerpool.New(opts.MaxHandles, opts.QueueSize),
		tasks: make(map[TaskID]*TaskStatus),
	}
}

func (a *Async) StartGetContentSize(url string) TaskID {
	return a.submit(func(ctx context.Context, id TaskID) {
		size, err := a.src.Size(ctx, url)
		a.update(id, func(st *TaskStatus) {
			st.State = Finished
			if err != nil {
				st.Error = transportError(err)
				return
			}
			st.SizeTotal = size
		})
	})
}

func (a *Async) StartTask(url string, buf []byte, r Range) TaskID {
	return a.submit(func(ctx context.Context, id TaskID) {
		a.update(id, func(st *TaskStatus) {
			st.State = Downloading
			st.SizeTotal = int64(len(buf))
		})
		n, err := a.fetchBuffer(ctx, id, url, buf, int64(r.Offset))
		a.update(id, func(st *TaskStatus) {
			st.State = Finished
			st.SizeDownloaded = int64(n)
			if err != nil {
				st.Error = transportError(err)
			}
		})
	})
}

func (a *Async) fetchBuffer(ctx context.Context, id TaskID, url string, buf []byte, offset int64) (int, error) {
	if bf, ok := a.src.(BufferFetcher); ok {
		return bf.FetchRange(ctx, url, offset, buf)
	}
	rc, err := a.src.OpenRange(ctx, url, offset, int64(len(buf)))
	if err != nil {
		return 0, err
	}
	defer rc.Close()
	n, err := io.ReadFull(&progressReader{r: rc, onRead: a.progress(id, 0)}, buf)
	if err != nil {
		return n, fmt.Errorf("read %d of %d bytes: %w", n, len(buf), err)
	}
	return n, nil
}

func (a *Async) ResumeTask(url, localPath string, r Range) TaskID {
	return a.submit(func(ctx context.Context, id TaskID) {
		final, taskErr := a.downloadFile(ctx, id, url, localPath, r)
		a.update(id, func(st *TaskStatus) {
			st.State = Finished
			st.SizeDownloaded = final
			st.Error = taskErr
		})
	})
}

func (a *Async) downloadFile(ctx context.Context, id TaskID, url, localPath string, r Range) (int64, TaskError) {
	if r.Size < 0 {
		return 0, TaskError{ErrStr: "file tasks need a bounded range"}
	}
	f, err := os.OpenFile(localPath, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, ioError(err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return 0, ioError(err)
	}
	have := info.Size()
	a.update(id, func(st *TaskStatus) {
		st.State = Downloading
		st.SizeTotal = r.Size
		st.SizeDownloaded = have
	})
	if have > r.Size {
		f.Close()
		return have, TaskError{ErrStr: fmt.Sprintf("local file holds %d bytes, range is %d", have, r.Size)}
	}
	if have == r.Size {
		return have, closeFile(f)
	}
	if _, err := f.Seek(have, io.SeekStart); err != nil {
		f.Close()
		return have, ioError(err)
	}

	start := time.Now()
	rc, err := a.src.OpenRange(ctx, url, int64(r.Offset)+have, r.Size-have)
	if err != nil {
		f.Close()
		return have, transportError(err)
	}
	defer rc.Close()

	written, taskErr := copyInto(f, &progressReader{r: rc, onRead: a.progress(id, have)})
	total := have + written
	if cerr := closeFile(f); taskErr.IsNone() {
		taskErr = cerr
	}
	if taskErr.IsNone() && total != r.Size {
		taskErr = TaskError{TransportErr: fmt.Sprintf("short body: got %d of %d bytes", total, r.Size)}
	}
	log.Debug("file transfer done",
		logging.KeyTaskID, uint64(id),
		logging.KeyFile, localPath,
		"resumedFrom", have,
		"bytes", written,
		logging.KeyDurationMs, time.Since(start).Milliseconds(),
		logging.KeyError, taskErr.String(),
	)
	return total, taskErr
}

// copyInto separates read (transport) failures from write (disk) failures.
func copyInto(dst io.Writer, src io.Reader) (int64, TaskError) {
	buf := make([]byte, copyChunk)
	var written int64
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			m, werr := dst.Write(buf[:n])
			written += int64(m)
			if werr != nil {
				return written, ioError(werr)
			}
		}
		if rerr == io.EOF {
			return written, TaskError{}
		}
		if rerr != nil {
			return written, transportError(rerr)
		}
	}
}

func closeFile(f *os.File) TaskError {
	if err := f.Close(); err != nil {
		return ioError(err)
	}
	return TaskError{}
}

func (a *Async) GetTaskStatus(id TaskID) (TaskStatus, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.tasks[id]
	if !ok {
		return TaskStatus{}, false
	}
	return *st, true
}

func (a *Async) RemoveTask(id TaskID) {
	a.mu.Lock()
	delete(a.tasks, id)
	a.mu.Unlock()
	a.pool.Cancel(uint64(id))
}

// Close cancels every task and waits briefly for transfers to unwind.
func (a *Async) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	a.pool.Shutdown(ctx)
	if c, ok := a.src.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func (a *Async) submit(job func(ctx context.Context, id TaskID)) TaskID {
	a.mu.Lock()
	a.nextID++
	id := a.nextID
	a.tasks[id] = &TaskStatus{State: JustAdded}
	a.mu.Unlock()

	if !a.pool.Submit(uint64(id), func(ctx context.Context) { job(ctx, id) }) {
		a.update(id, func(st *TaskStatus) {
			st.State = Finished
			st.Error = TaskError{ErrStr: "transfer queue full"}
		})
	}
	return id
}

// update mutates a task's status unless it has been removed meanwhile.
func (a *Async) update(id TaskID, fn func(st *TaskStatus)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if st, ok := a.tasks[id]; ok {
		fn(st)
	}
}

func (a *Async) progress(id TaskID, base int64) func(total int64) {
	return func(total int64) {
		a.update(id, func(st *TaskStatus) {
			st.SizeDownloaded = base + total
		})
	}
}

type progressReader struct {
	r      io.Reader
	read   int64
	onRead func(total int64)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.read += int64(n)
		p.onRead(p.read)
	}
	return n, err
}

func ioError(err error) TaskError {
	errno := diskutil.Errno(err)
	if errno == 0 {
		errno = -1
	}
	return TaskError{FileErrno: errno, ErrStr: err.Error()}
}

func transportError(err error) TaskError {
	te := TaskError{ErrStr: err.Error()}
	if code := statusOf(err); code != 0 {
		te.HTTPCode = code
	} else if errors.Is(err, context.Canceled) {
		te.TransportErr = "canceled"
	} else {
		te.TransportErr = err.Error()
	}
	return te
}
