// Package dlc downloads packs out of a remote superpack on demand, verifies
// every file against the superpack's checksums and mounts finished packs.
//
// A Manager is driven by the host calling Update from a single goroutine;
// none of its methods are safe for concurrent use.
package dlc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/breeze-rmm/dlc/internal/diskutil"
	"github.com/breeze-rmm/dlc/internal/logging"
	"github.com/breeze-rmm/dlc/pkg/downloader"
	"github.com/breeze-rmm/dlc/pkg/litefs"
	"github.com/breeze-rmm/dlc/pkg/packformat"
)

var log = logging.L("dlc")

// Mounter makes a directory of verified Lite packs visible under a virtual
// path prefix.
type Mounter interface {
	Mount(localArchivePath, mountPointPrefix string) error
	Unmount(localArchivePath string) error
}

// Option configures a Manager.
type Option func(*Manager)

// WithDownloader replaces the downloader picked from the superpack URL.
func WithDownloader(d downloader.Downloader) Option {
	return func(m *Manager) { m.dl = d; m.ownsDL = false }
}

// WithMounter replaces the default litefs mount table.
func WithMounter(mt Mounter) Option {
	return func(m *Manager) { m.mounter = mt }
}

// WithFreeSpaceFunc replaces the disk free-space probe. nil disables the
// preflight check.
func WithFreeSpaceFunc(fn func(path string) (uint64, error)) Option {
	return func(m *Manager) { m.freeSpace = fn }
}

// WithSourceCredentials sets credentials for s3, gs, azblob and b2 URLs.
func WithSourceCredentials(c downloader.Credentials) Option {
	return func(m *Manager) { m.creds = c }
}

// WithLogger replaces the process logger the manager writes to.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.baseLog = l }
}

func withFileSystem(fs fileSystem) Option {
	return func(m *Manager) { m.fs = fs }
}

// Manager coordinates a DLC session: superpack bootstrap, pack requests,
// the request queue, verification state and mounting.
type Manager struct {
	dl        downloader.Downloader
	ownsDL    bool
	mounter   Mounter
	freeSpace func(string) (uint64, error)
	creds     downloader.Credentials
	fs        fileSystem
	baseLog   *slog.Logger
	log       *slog.Logger
	logFile   *logging.RotatingWriter

	localDir    string
	url         string
	hints       Hints
	initialized bool
	requesting  bool

	sess     *session
	env      *env
	verified *verifiedSet
	queue    *RequestQueue
	requests map[string]*PackRequest
	order    []*PackRequest

	NetworkReady       Signal[bool]
	InitializeFinished Signal[InitResult]
	RequestUpdated     Signal[*PackRequest]
	FileErrorOccurred  Signal[FileError]
}

// New creates an uninitialized Manager.
func New(opts ...Option) *Manager {
	m := &Manager{
		mounter:   litefs.NewTable(),
		freeSpace: diskutil.FreeBytes,
		fs:        osFS{},
		baseLog:   log,
		requests:  make(map[string]*PackRequest),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.log = m.baseLog
	m.queue = NewRequestQueue(m.dependsOn)
	return m
}

// Initialize starts a session against superpackURL, storing files under
// localDir. Calling it again restarts the session: with the same directory
// and URL existing request handles are kept and re-attached once the
// metadata is loaded again.
func (m *Manager) Initialize(localDir, superpackURL string, hints Hints) error {
	if m.initialized && (m.localDir != localDir || m.url != superpackURL) {
		m.Deinitialize()
	}
	hints = hints.withDefaults()
	if err := checkWritableDir(localDir); err != nil {
		return err
	}
	var logFile *logging.RotatingWriter
	if hints.LogFilePath != "" {
		w, err := logging.NewRotatingWriter(hints.LogFilePath, logging.RotationOptions{Compress: true})
		if err != nil {
			return fmt.Errorf("open dlc log file: %w", err)
		}
		logFile = w
	}

	if m.initialized {
		m.log.Info("restarting dlc session")
		m.releaseSessionTask()
		for _, r := range m.order {
			r.detach()
		}
		m.env = nil
		if err := m.verified.flush(); err != nil {
			m.log.Warn("cannot persist verified file set", logging.KeyError, err)
		}
		m.closeLogFile()
	}

	m.localDir = localDir
	m.url = superpackURL
	m.hints = hints
	m.log = m.baseLog
	if logFile != nil {
		m.logFile = logFile
		m.log = logging.Tee(m.baseLog, logging.NewHandler("text", "debug", logFile))
	}

	if m.dl == nil {
		src, err := downloader.NewSourceForURL(context.Background(), superpackURL, m.creds)
		if err != nil {
			m.closeLogFile()
			return fmt.Errorf("create superpack source: %w", err)
		}
		m.dl = downloader.NewAsync(src, downloader.AsyncOptions{
			MaxHandles: hints.DownloaderMaxHandles,
			QueueSize:  hints.MaxFilesToDownload,
		})
		m.ownsDL = true
	}

	m.verified = loadVerifiedSet(filepath.Join(localDir, verifiedFileName))
	m.sess = &session{id: uuid.NewString(), state: StateStarting}
	m.log = m.log.With(slog.String(logging.KeySession, m.sess.id))
	m.initialized = true
	m.requesting = true

	m.log.Info("dlc session starting",
		"localDir", localDir,
		logging.KeyURL, superpackURL,
		"verifiedFiles", m.verified.Count(),
		"retryConnectMs", hints.RetryConnectMilliseconds,
		"maxHandles", hints.DownloaderMaxHandles)
	return nil
}

func checkWritableDir(dir string) error {
	if dir == "" {
		return fmt.Errorf("%w: empty path", ErrBadLocalDir)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: %w", ErrBadLocalDir, err)
	}
	probe, err := os.CreateTemp(dir, ".dlc-probe-*")
	if err != nil {
		return fmt.Errorf("%w: %w", ErrBadLocalDir, err)
	}
	name := probe.Name()
	probe.Close()
	os.Remove(name)
	return nil
}

// Deinitialize cancels all transfers, persists verification state and drops
// every request handle.
func (m *Manager) Deinitialize() {
	if !m.initialized {
		return
	}
	m.releaseSessionTask()
	for _, r := range m.order {
		r.detach()
	}
	if err := m.verified.flush(); err != nil {
		m.log.Warn("cannot persist verified file set", logging.KeyError, err)
	}
	if m.ownsDL {
		if c, ok := m.dl.(io.Closer); ok {
			c.Close()
		}
		m.dl = nil
		m.ownsDL = false
	}
	m.log.Info("dlc session stopped")
	m.closeLogFile()

	m.queue.Clear()
	m.requests = make(map[string]*PackRequest)
	m.order = nil
	m.env = nil
	m.sess = nil
	m.verified = nil
	m.initialized = false
	m.requesting = false
	m.log = m.baseLog
}

// releaseSessionTask drops an in-flight bootstrap transfer.
func (m *Manager) releaseSessionTask() {
	if m.sess != nil && m.sess.task != 0 && m.dl != nil {
		m.dl.RemoveTask(m.sess.task)
		m.sess.task = 0
	}
}

func (m *Manager) closeLogFile() {
	if m.logFile != nil {
		m.logFile.Close()
		m.logFile = nil
	}
}

func (m *Manager) IsInitialized() bool { return m.initialized }

// State returns the bootstrap state of the current session.
func (m *Manager) State() State {
	if m.sess == nil {
		return StateStarting
	}
	return m.sess.state
}

// InitError returns the protocol failure that stopped the session, if any.
func (m *Manager) InitError() error {
	if m.sess == nil {
		return nil
	}
	return m.sess.err
}

// IsReady reports whether the superpack metadata is loaded.
func (m *Manager) IsReady() bool {
	return m.env != nil
}

func (m *Manager) IsRequestingEnabled() bool { return m.requesting }

// SetRequestingEnabled pauses or resumes all file transfers.
func (m *Manager) SetRequestingEnabled(enabled bool) {
	if m.requesting != enabled {
		m.log.Info("requesting toggled", "enabled", enabled)
	}
	m.requesting = enabled
}

// Update advances the session and every queued request. dt is the time
// since the previous call and drives all retry waits.
func (m *Manager) Update(dt time.Duration) {
	if !m.initialized {
		return
	}
	if m.sess.state != StateReady {
		m.updateSession(dt)
	}
	if m.env != nil && m.requesting {
		m.updateRequests(dt)
	}
	if err := m.verified.flush(); err != nil {
		m.log.Warn("cannot persist verified file set", logging.KeyError, err)
	}
}

func (m *Manager) updateRequests(dt time.Duration) {
	var changed []*PackRequest
	mark := func(r *PackRequest) {
		if !containsReq(changed, r) {
			changed = append(changed, r)
		}
	}

	for _, r := range m.queue.Items() {
		if !m.requesting {
			break
		}
		if r.update(dt) {
			mark(r)
		}
	}
	for top := m.queue.Top(); top != nil && top.allReady(); top = m.queue.Top() {
		m.queue.Remove(top)
		m.mount(top)
		mark(top)
	}
	for _, r := range changed {
		m.RequestUpdated.Emit(r)
	}
}

// restrictor is implemented by mounters that can limit a mounted directory
// to a subset of its files.
type restrictor interface {
	Restrict(localArchivePath string, allow litefs.Filter) error
}

func (m *Manager) mount(r *PackRequest) {
	if err := m.mounter.Mount(m.localDir, m.hints.MountPrefix); err != nil {
		r.log.Error("mount failed", logging.KeyError, err)
		return
	}
	if rs, ok := m.mounter.(restrictor); ok {
		if err := rs.Restrict(m.localDir, m.isVerifiedFile); err != nil {
			r.log.Warn("cannot restrict mount to verified files", logging.KeyError, err)
		}
	}
	r.mounted = true
	r.log.Info("pack downloaded and mounted", "bytes", r.Size(), "files", len(r.files))
}

// isVerifiedFile reports whether name is a file of the current superpack
// whose local copy passed its CRC check. Files left over from another
// superpack never pass, whatever their own Lite footer says.
func (m *Manager) isVerifiedFile(name string) bool {
	if m.env == nil || m.verified == nil {
		return false
	}
	i, ok := m.env.fileIndex[cleanName(name)]
	return ok && m.verified.Contains(i)
}

func cleanName(name string) string {
	return strings.TrimPrefix(path.Clean("/"+filepath.ToSlash(name)), "/")
}

// becomeReady builds the request environment once metadata is loaded and
// attaches every request made so far.
func (m *Manager) becomeReady() {
	s := m.sess
	m.verified.limit(uint32(len(s.table.Entries)))
	fileIndex := make(map[string]uint32, len(s.table.Names))
	for i, name := range s.table.Names {
		fileIndex[cleanName(name)] = uint32(i)
	}
	m.env = &env{
		dl:        m.dl,
		url:       m.url,
		localDir:  m.localDir,
		table:     s.table,
		fileIndex: fileIndex,
		meta:      s.meta,
		verified:  m.verified,
		queue:     m.queue,
		fs:        m.fs,
		freeSpace: m.freeSpace,
		log:       m.log,
		retryWait: m.hints.retryInterval(),
		maxFlight: m.hints.DownloaderMaxHandles,
		requesting: func() bool {
			return m.requesting
		},
		onFatal: m.onFileError,
	}

	delayed := m.order
	m.order = nil
	m.requests = make(map[string]*PackRequest, len(delayed))
	m.queue.Clear()
	valid := delayed[:0:0]
	for _, r := range delayed {
		if _, err := s.meta.GetPackIndex(r.name); err != nil {
			r.err = err
			m.log.Error("dropping request for unknown pack", logging.KeyPack, r.name)
			continue
		}
		m.requests[r.name] = r
		valid = append(valid, r)
	}
	for _, r := range valid {
		m.enqueue(r)
	}

	downloaded := int(m.verified.Count())
	total := len(s.table.Entries)
	s.state = StateReady
	m.log.Info("dlc session ready",
		"packs", s.meta.NumPacks(),
		"files", total,
		"verifiedFiles", downloaded,
		"queued", m.queue.Len())
	m.InitializeFinished.Emit(InitResult{Downloaded: downloaded, Total: total})
}

func (m *Manager) onFileError(path string, errno int) {
	m.requesting = false
	m.FileErrorOccurred.Emit(FileError{Path: path, Errno: errno})
}

// dependsOn reports whether parent needs child, directly or transitively.
func (m *Manager) dependsOn(parent, child *PackRequest) bool {
	if m.env == nil {
		return false
	}
	pi, err := m.env.meta.GetPackIndex(parent.name)
	if err != nil {
		return false
	}
	ci, err := m.env.meta.GetPackIndex(child.name)
	if err != nil {
		return false
	}
	if m.env.meta.IsChild(pi, ci) {
		return true
	}
	deps, _ := m.env.meta.GetPackDependencyIndexes(parent.name)
	for _, d := range deps {
		if d == ci {
			return true
		}
	}
	return false
}

// RequestPack returns the request for name, creating it and requests for
// its missing dependencies. Before the metadata is loaded the request is
// accepted provisionally and validated later.
func (m *Manager) RequestPack(name string) (*PackRequest, error) {
	if !m.initialized {
		return nil, ErrNotInitialized
	}
	if r, ok := m.requests[name]; ok {
		return r, nil
	}
	if m.env == nil {
		r := newPackRequest(name)
		m.requests[name] = r
		m.order = append(m.order, r)
		m.queue.Push(r)
		m.log.Debug("pack requested before metadata, delaying", logging.KeyPack, name)
		return r, nil
	}
	if _, err := m.env.meta.GetPackIndex(name); err != nil {
		return nil, err
	}
	r := newPackRequest(name)
	m.enqueue(r)
	return r, nil
}

// enqueue attaches r and queues it behind its not yet downloaded
// dependencies.
func (m *Manager) enqueue(r *PackRequest) {
	deps, _ := m.env.meta.GetDependencyNames(r.name)
	for _, d := range deps {
		if existing, ok := m.requests[d]; ok {
			m.attach(existing)
			continue
		}
		if m.packVerified(d) {
			continue
		}
		m.attach(newPackRequest(d))
	}
	m.attach(r)
}

// attach binds r to the current session and queues it. Already attached
// requests are left alone.
func (m *Manager) attach(r *PackRequest) {
	if r.env == m.env {
		return
	}
	r.attach(m.env)
	m.requests[r.name] = r
	if !containsReq(m.order, r) {
		m.order = append(m.order, r)
	}
	m.queue.Push(r)
	m.log.Debug("pack queued", logging.KeyPack, r.name, "files", len(r.files), "position", m.queue.Len())
}

func (m *Manager) packVerified(name string) bool {
	files, err := m.env.meta.GetFileIndexes(name)
	if err != nil {
		return false
	}
	return m.verified.ContainsAll(files)
}

// IsPackDownloaded reports whether the pack and all its dependencies are
// verified locally.
func (m *Manager) IsPackDownloaded(name string) (bool, error) {
	if !m.initialized {
		return false, ErrNotInitialized
	}
	if m.env == nil {
		return false, ErrNotReady
	}
	if _, err := m.env.meta.GetPackIndex(name); err != nil {
		return false, err
	}
	if r, ok := m.requests[name]; ok && m.queue.Contains(r) && !r.IsDownloaded() {
		return false, nil
	}
	deps, _ := m.env.meta.GetDependencyNames(name)
	for _, n := range append(deps, name) {
		if !m.packVerified(n) {
			return false, nil
		}
	}
	return true, nil
}

// IsPackInQueue reports whether name has a request still downloading.
func (m *Manager) IsPackInQueue(name string) bool {
	r, ok := m.requests[name]
	return ok && m.queue.Contains(r)
}

// SetRequestPriority moves r and its queued dependencies to the head of the
// queue.
func (m *Manager) SetRequestPriority(r *PackRequest) {
	if r == nil || !m.queue.Contains(r) {
		return
	}
	var front []*PackRequest
	for _, d := range r.deps {
		if dr, ok := m.requests[d]; ok {
			front = append(front, dr)
		}
	}
	front = append(front, r)
	m.queue.MoveToFront(front...)
	m.log.Debug("request prioritized", logging.KeyPack, r.name)
}

// RemovePack unmounts a pack and deletes its local files. Unknown to disk
// packs are a no-op.
func (m *Manager) RemovePack(name string) error {
	if !m.initialized {
		return ErrNotInitialized
	}
	if m.env == nil {
		return ErrNotReady
	}
	files, err := m.env.meta.GetFileIndexes(name)
	if err != nil {
		return err
	}
	if r, ok := m.requests[name]; ok {
		r.detach()
		m.queue.Remove(r)
		delete(m.requests, name)
		for i, o := range m.order {
			if o == r {
				m.order = append(m.order[:i], m.order[i+1:]...)
				break
			}
		}
		if r.mounted {
			if err := m.mounter.Unmount(m.localDir); err != nil {
				m.log.Warn("unmount failed", logging.KeyPack, name, logging.KeyError, err)
			}
			r.mounted = false
		}
	}

	var errs []error
	removed := 0
	for _, fi := range files {
		path, err := localPath(m.localDir, m.env.table.Names[fi])
		if err != nil {
			continue
		}
		if _, exists, _ := m.fs.Size(path); exists {
			removed++
		}
		if err := m.fs.Remove(path); err != nil {
			errs = append(errs, err)
		}
		m.verified.Remove(fi)
	}
	if err := m.verified.flush(); err != nil {
		errs = append(errs, err)
	}
	if removed > 0 {
		m.log.Info("pack removed", logging.KeyPack, name, "files", removed)
	}
	return errors.Join(errs...)
}

// Progress is a snapshot of download volume in bytes.
type Progress struct {
	Total               uint64
	AlreadyDownloaded   uint64
	InQueue             uint64
	IsRequestingEnabled bool
}

// GetProgress computes progress over the whole superpack: Total counts every
// file, AlreadyDownloaded the verified ones plus partial transfers, InQueue
// what queued requests still need.
func (m *Manager) GetProgress() Progress {
	p := Progress{IsRequestingEnabled: m.requesting}
	if m.env == nil {
		return p
	}
	entries := m.env.table.Entries
	for i := range entries {
		p.Total += uint64(entries[i].CompressedSize) + packformat.LiteFooterSize
	}
	m.verified.ForEach(func(i uint32) {
		p.AlreadyDownloaded += uint64(entries[i].CompressedSize) + packformat.LiteFooterSize
	})
	for _, r := range m.order {
		for k := range r.files {
			f := &r.files[k]
			if !m.verified.Contains(f.index) {
				p.AlreadyDownloaded += f.downloaded
			}
		}
	}
	for _, r := range m.queue.Items() {
		if size, done := r.Size(), r.DownloadedSize(); size > done {
			p.InQueue += size - done
		}
	}
	if p.AlreadyDownloaded > p.Total {
		p.AlreadyDownloaded = p.Total
	}
	return p
}

// Packs lists the pack names in the superpack.
func (m *Manager) Packs() ([]string, error) {
	if m.env == nil {
		return nil, ErrNotReady
	}
	return m.env.meta.PackNames(), nil
}

// Request returns the existing request for name, if any.
func (m *Manager) Request(name string) (*PackRequest, bool) {
	r, ok := m.requests[name]
	return r, ok
}

// Mounter returns the mount capability packs are mounted through.
func (m *Manager) Mounter() Mounter {
	return m.mounter
}

// LocalDir returns the directory files are stored in.
func (m *Manager) LocalDir() string {
	return m.localDir
}

// PackInfo describes a pack without requesting it.
type PackInfo struct {
	Name         string
	Dependencies []string // declared by the pack
	Requires     []string // full closure, deepest first
	Files        []string
	Size         uint64 // local bytes once downloaded
	Downloaded   bool
}

// PackInfo looks name up in the superpack metadata.
func (m *Manager) PackInfo(name string) (PackInfo, error) {
	if m.env == nil {
		return PackInfo{}, ErrNotReady
	}
	meta := m.env.meta
	files, err := meta.GetFileIndexes(name)
	if err != nil {
		return PackInfo{}, err
	}
	info := PackInfo{Name: name}
	info.Dependencies, _ = meta.DirectDependencies(name)
	info.Requires, _ = meta.GetDependencyNames(name)
	for _, fi := range files {
		info.Files = append(info.Files, m.env.table.Names[fi])
		info.Size += uint64(m.env.table.Entries[fi].CompressedSize) + packformat.LiteFooterSize
	}
	info.Downloaded, _ = m.IsPackDownloaded(name)
	return info, nil
}
