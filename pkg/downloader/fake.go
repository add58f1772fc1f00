package downloader

import (
	"fmt"
	"net/http"
	"os"
	"sync"
)

// Fake is a synchronous in-memory Downloader for deterministic tests of
// code driven by polling. Work happens inside the Start/Resume call, or one
// ChunkSize step per GetTaskStatus call when ChunkSize is set.
type Fake struct {
	// ChunkSize > 0 makes file tasks advance one chunk per poll.
	ChunkSize int64
	// Tamper, when set, may rewrite the bytes delivered to a file task.
	Tamper func(url string, r Range, data []byte) []byte

	mu          sync.Mutex
	objects     map[string][]byte
	tasks       map[TaskID]*fakeTask
	nextID      TaskID
	offline     bool
	fileErrors  []TaskError
	resumeCalls map[uint64]int
	started     int
}

type fakeTask struct {
	status TaskStatus
	path   string
	data   []byte
	pos    int64
}

func NewFake() *Fake {
	return &Fake{
		objects:     make(map[string][]byte),
		tasks:       make(map[TaskID]*fakeTask),
		resumeCalls: make(map[uint64]int),
	}
}

// Put publishes data under url.
func (f *Fake) Put(url string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[url] = data
}

// SetOffline makes every new task fail with a transport error.
func (f *Fake) SetOffline(offline bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offline = offline
}

// FailNextFile queues errors reported by the next file tasks, one each.
func (f *Fake) FailNextFile(errs ...TaskError) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fileErrors = append(f.fileErrors, errs...)
}

// ResumeCalls counts ResumeTask calls whose range starts at offset.
func (f *Fake) ResumeCalls(offset uint64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resumeCalls[offset]
}

// Started counts all tasks ever created.
func (f *Fake) Started() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.started
}

// Pending counts tasks that have not been removed.
func (f *Fake) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tasks)
}

func (f *Fake) add(t *fakeTask) TaskID {
	f.nextID++
	f.started++
	f.tasks[f.nextID] = t
	return f.nextID
}

func (f *Fake) offlineError(url string) TaskError {
	return TaskError{TransportErr: "connection refused", ErrStr: "dial " + url + ": connection refused"}
}

func (f *Fake) lookup(url string) ([]byte, TaskError) {
	if f.offline {
		return nil, f.offlineError(url)
	}
	obj, ok := f.objects[url]
	if !ok {
		return nil, TaskError{HTTPCode: http.StatusNotFound, ErrStr: url + ": not found"}
	}
	return obj, TaskError{}
}

func (f *Fake) StartGetContentSize(url string) TaskID {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, terr := f.lookup(url)
	return f.add(&fakeTask{status: TaskStatus{State: Finished, SizeTotal: int64(len(obj)), Error: terr}})
}

func (f *Fake) StartTask(url string, buf []byte, r Range) TaskID {
	f.mu.Lock()
	defer f.mu.Unlock()
	st := TaskStatus{State: Finished, SizeTotal: int64(len(buf))}
	obj, terr := f.lookup(url)
	switch {
	case !terr.IsNone():
		st.Error = terr
	case r.Offset+uint64(len(buf)) > uint64(len(obj)):
		st.Error = TaskError{HTTPCode: http.StatusRequestedRangeNotSatisfiable, ErrStr: "range out of bounds"}
	default:
		st.SizeDownloaded = int64(copy(buf, obj[r.Offset:]))
	}
	return f.add(&fakeTask{status: st})
}

func (f *Fake) ResumeTask(url, localPath string, r Range) TaskID {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resumeCalls[r.Offset]++

	t := &fakeTask{path: localPath, status: TaskStatus{State: Downloading, SizeTotal: r.Size}}
	id := f.add(t)

	if len(f.fileErrors) > 0 {
		t.status = TaskStatus{State: Finished, SizeTotal: r.Size, Error: f.fileErrors[0]}
		f.fileErrors = f.fileErrors[1:]
		return id
	}
	obj, terr := f.lookup(url)
	if !terr.IsNone() {
		t.status.State = Finished
		t.status.Error = terr
		return id
	}
	end := r.Offset + uint64(r.Size)
	if r.Size < 0 || end > uint64(len(obj)) {
		t.status.State = Finished
		t.status.Error = TaskError{HTTPCode: http.StatusRequestedRangeNotSatisfiable, ErrStr: "range out of bounds"}
		return id
	}

	have := int64(0)
	if info, err := os.Stat(localPath); err == nil {
		have = info.Size()
	}
	if have > r.Size {
		t.status.State = Finished
		t.status.Error = TaskError{ErrStr: fmt.Sprintf("local file holds %d bytes, range is %d", have, r.Size)}
		return id
	}
	data := append([]byte(nil), obj[r.Offset+uint64(have):end]...)
	if f.Tamper != nil {
		data = f.Tamper(url, r, data)
	}
	t.data = data
	t.status.SizeDownloaded = have

	if f.ChunkSize <= 0 {
		f.advance(t, int64(len(data)))
	} else if err := touch(localPath); err != nil {
		t.status.State = Finished
		t.status.Error = ioError(err)
	}
	return id
}

// advance appends up to n pending bytes to the task's file.
func (f *Fake) advance(t *fakeTask, n int64) {
	if rest := int64(len(t.data)) - t.pos; n > rest {
		n = rest
	}
	if n > 0 {
		if err := appendFile(t.path, t.data[t.pos:t.pos+n]); err != nil {
			t.status.State = Finished
			t.status.Error = ioError(err)
			return
		}
		t.pos += n
		t.status.SizeDownloaded += n
	}
	if t.pos >= int64(len(t.data)) {
		t.status.State = Finished
	}
}

func (f *Fake) GetTaskStatus(id TaskID) (TaskStatus, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok {
		return TaskStatus{}, false
	}
	if t.status.State == Downloading && f.ChunkSize > 0 {
		f.advance(t, f.ChunkSize)
	}
	return t.status, true
}

func (f *Fake) RemoveTask(id TaskID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.tasks, id)
}

func appendFile(path string, b []byte) error {
	fh, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	if _, err := fh.Write(b); err != nil {
		fh.Close()
		return err
	}
	return fh.Close()
}

func touch(path string) error {
	return appendFile(path, nil)
}
