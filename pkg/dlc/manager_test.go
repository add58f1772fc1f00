package dlc

import (
	"bytes"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/breeze-rmm/dlc/internal/diskutil"
	"github.com/breeze-rmm/dlc/internal/packtest"
	"github.com/breeze-rmm/dlc/pkg/downloader"
	"github.com/breeze-rmm/dlc/pkg/litefs"
	"github.com/breeze-rmm/dlc/pkg/packformat"
)

const (
	testURL  = "https://cdn.example.com/game.dvpk"
	testTick = 10 * time.Millisecond
)

var (
	basePack = packtest.Pack{Name: "base"}
	mapsPack = packtest.Pack{Name: "maps", Deps: []string{"base"}}
	tankPack = packtest.Pack{Name: "tanks", Deps: []string{"base"}}
)

func testSuperpack(t *testing.T) *packtest.Superpack {
	t.Helper()
	return packtest.MustBuild(t,
		[]packtest.Pack{basePack, mapsPack, tankPack},
		[]packtest.File{
			{Name: "3d/base/shared.sc2", Pack: "base", Content: bytes.Repeat([]byte("shared mesh "), 200), Codec: packformat.CodecLZ4},
			{Name: "gfx/base/ui.tex", Pack: "base", Content: []byte("ui atlas")},
			{Name: "maps/karelia.sc2", Pack: "maps", Content: bytes.Repeat([]byte("karelia "), 300), Codec: packformat.CodecZstd},
			{Name: "maps/empty.sc2", Pack: "maps", Content: nil},
			{Name: "3d/tanks/t34.sc2", Pack: "tanks", Content: []byte("t-34 hull and turret")},
		})
}

type recordingMounter struct {
	mounts   int
	unmounts int
	prefix   string
	err      error
}

func (r *recordingMounter) Mount(localArchivePath, prefix string) error {
	if r.err != nil {
		return r.err
	}
	r.mounts++
	r.prefix = prefix
	return nil
}

func (r *recordingMounter) Unmount(localArchivePath string) error {
	r.unmounts++
	return nil
}

type testRig struct {
	m       *Manager
	fake    *downloader.Fake
	sp      *packtest.Superpack
	dir     string
	mounter *recordingMounter
}

func newRig(t *testing.T, sp *packtest.Superpack, hints Hints, opts ...Option) *testRig {
	t.Helper()
	rig := &testRig{
		fake:    downloader.NewFake(),
		sp:      sp,
		dir:     t.TempDir(),
		mounter: &recordingMounter{},
	}
	rig.fake.Put(testURL, sp.Data)
	base := []Option{WithDownloader(rig.fake), WithMounter(rig.mounter), WithFreeSpaceFunc(nil)}
	rig.m = New(append(base, opts...)...)
	if hints.RetryConnectMilliseconds == 0 {
		hints.RetryConnectMilliseconds = 100
	}
	if err := rig.m.Initialize(rig.dir, testURL, hints); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	t.Cleanup(rig.m.Deinitialize)
	return rig
}

// runUntil ticks the manager until cond holds or the tick budget runs out.
func (rig *testRig) runUntil(t *testing.T, cond func() bool, maxTicks int) {
	t.Helper()
	for i := 0; i < maxTicks; i++ {
		if cond() {
			return
		}
		rig.m.Update(testTick)
	}
	if !cond() {
		t.Fatalf("condition not met after %d ticks (state %s)", maxTicks, rig.m.State())
	}
}

func (rig *testRig) ready(t *testing.T) {
	t.Helper()
	rig.runUntil(t, rig.m.IsReady, 50)
}

func (rig *testRig) filePath(t *testing.T, name string) string {
	t.Helper()
	p, err := localPath(rig.dir, name)
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func queueNames(m *Manager) []string {
	var out []string
	for _, r := range m.queue.Items() {
		out = append(out, r.Name())
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestBootstrapReachesReady(t *testing.T) {
	sp := testSuperpack(t)
	rig := newRig(t, sp, Hints{})

	var networkUp, networkDown int
	rig.m.NetworkReady.Connect(func(up bool) {
		if up {
			networkUp++
		} else {
			networkDown++
		}
	})
	var results []InitResult
	rig.m.InitializeFinished.Connect(func(r InitResult) { results = append(results, r) })

	seen := map[State]bool{}
	rig.runUntil(t, func() bool {
		seen[rig.m.State()] = true
		return rig.m.IsReady()
	}, 50)

	for _, st := range []State{StateStarting, StateAskingFooter, StateFooterReceived, StateAskingFileTable, StateTableReceived, StateAskingMetaDB, StateMetaReady} {
		if !seen[st] {
			t.Errorf("state %s never observed", st)
		}
	}
	if rig.m.State() != StateReady {
		t.Fatalf("State = %s, want Ready", rig.m.State())
	}
	if networkUp != 1 || networkDown != 0 {
		t.Fatalf("NetworkReady up=%d down=%d, want 1/0", networkUp, networkDown)
	}
	if len(results) != 1 {
		t.Fatalf("InitializeFinished fired %d times, want 1", len(results))
	}
	if results[0].Downloaded != 0 || results[0].Total != len(sp.Table.Entries) {
		t.Fatalf("InitResult = %+v, want {0 %d}", results[0], len(sp.Table.Entries))
	}

	for i := 0; i < 5; i++ {
		rig.m.Update(testTick)
	}
	if len(results) != 1 {
		t.Fatalf("InitializeFinished fired again after Ready")
	}

	packs, err := rig.m.Packs()
	if err != nil {
		t.Fatal(err)
	}
	if !equalStrings(packs, []string{"base", "maps", "tanks"}) {
		t.Fatalf("Packs = %v", packs)
	}
}

func TestRequestPackDownloadsDependenciesFirst(t *testing.T) {
	sp := testSuperpack(t)
	rig := newRig(t, sp, Hints{})
	rig.ready(t)

	maps, err := rig.m.RequestPack("maps")
	if err != nil {
		t.Fatalf("RequestPack: %v", err)
	}
	if got := queueNames(rig.m); !equalStrings(got, []string{"base", "maps"}) {
		t.Fatalf("queue = %v, want [base maps]", got)
	}
	if !equalStrings(maps.Dependencies(), []string{"base"}) {
		t.Fatalf("Dependencies = %v", maps.Dependencies())
	}
	base, ok := rig.m.Request("base")
	if !ok {
		t.Fatal("dependency request not created")
	}

	rig.m.RequestUpdated.Connect(func(r *PackRequest) {
		if r == maps && r.IsDownloaded() && !base.IsDownloaded() {
			t.Errorf("maps reported downloaded before base")
		}
	})
	rig.runUntil(t, maps.IsDownloaded, 100)

	if maps.Status() != StatusMounted || base.Status() != StatusMounted {
		t.Fatalf("status maps=%s base=%s, want mounted", maps.Status(), base.Status())
	}
	if rig.mounter.mounts != 2 || rig.mounter.prefix != DefaultMountPrefix {
		t.Fatalf("mounts=%d prefix=%q", rig.mounter.mounts, rig.mounter.prefix)
	}
	if rig.m.IsPackInQueue("maps") || rig.m.IsPackInQueue("base") {
		t.Fatal("downloaded packs should leave the queue")
	}
	if ok, err := rig.m.IsPackDownloaded("maps"); err != nil || !ok {
		t.Fatalf("IsPackDownloaded(maps) = %v, %v", ok, err)
	}
	if ok, _ := rig.m.IsPackDownloaded("tanks"); ok {
		t.Fatal("tanks was never requested")
	}

	for i, name := range sp.Table.Names {
		pi, _ := sp.Meta.GetPackIndexForFile(uint32(i))
		if sp.Meta.PackName(pi) == "tanks" {
			continue
		}
		data, err := packformat.ReadLitePack(rig.filePath(t, name))
		if err != nil {
			t.Fatalf("ReadLitePack(%s): %v", name, err)
		}
		if int(sp.Table.Entries[i].OriginalSize) != len(data) {
			t.Fatalf("%s decoded to %d bytes, want %d", name, len(data), sp.Table.Entries[i].OriginalSize)
		}
	}
}

func TestDependentWaitsForSlowDependency(t *testing.T) {
	sp := packtest.MustBuild(t,
		[]packtest.Pack{basePack, mapsPack},
		[]packtest.File{
			{Name: "base/big.bin", Pack: "base", Content: bytes.Repeat([]byte{0xAB}, 4096)},
			{Name: "maps/tiny.bin", Pack: "maps", Content: []byte("x")},
		})
	rig := newRig(t, sp, Hints{})
	rig.fake.ChunkSize = 64
	rig.ready(t)

	maps, _ := rig.m.RequestPack("maps")
	base, _ := rig.m.Request("base")

	sawMapsReadyEarly := false
	rig.runUntil(t, func() bool {
		if maps.allReady() && !base.allReady() {
			sawMapsReadyEarly = true
			if maps.IsDownloaded() {
				t.Fatal("maps downloaded while base still loading")
			}
		}
		return maps.IsDownloaded()
	}, 500)
	if !sawMapsReadyEarly {
		t.Fatal("expected maps files to verify before base finished")
	}
	if !base.IsDownloaded() {
		t.Fatal("base should be downloaded")
	}
}

func TestRequestPackReturnsSameHandle(t *testing.T) {
	sp := testSuperpack(t)
	rig := newRig(t, sp, Hints{})

	early, err := rig.m.RequestPack("tanks")
	if err != nil {
		t.Fatal(err)
	}
	again, _ := rig.m.RequestPack("tanks")
	if early != again {
		t.Fatal("second request before Ready returned a new handle")
	}
	rig.ready(t)
	after, _ := rig.m.RequestPack("tanks")
	if after != early {
		t.Fatal("request after Ready returned a new handle")
	}
}

func TestRequestPackErrors(t *testing.T) {
	m := New(WithDownloader(downloader.NewFake()))
	if _, err := m.RequestPack("base"); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("err = %v, want ErrNotInitialized", err)
	}

	sp := testSuperpack(t)
	rig := newRig(t, sp, Hints{})
	delayed, err := rig.m.RequestPack("no-such-pack")
	if err != nil {
		t.Fatalf("early unknown request should be accepted provisionally: %v", err)
	}
	if delayed.Status() != StatusWaiting {
		t.Fatalf("Status = %s, want waiting", delayed.Status())
	}
	rig.ready(t)

	if !errors.Is(delayed.Err(), ErrUnknownPack) {
		t.Fatalf("delayed Err = %v, want ErrUnknownPack", delayed.Err())
	}
	if _, ok := rig.m.Request("no-such-pack"); ok {
		t.Fatal("unknown request should be dropped at Ready")
	}
	if _, err := rig.m.RequestPack("no-such-pack"); !errors.Is(err, ErrUnknownPack) {
		t.Fatalf("err = %v, want ErrUnknownPack", err)
	}
	if _, err := rig.m.IsPackDownloaded("no-such-pack"); !errors.Is(err, ErrUnknownPack) {
		t.Fatalf("IsPackDownloaded err = %v, want ErrUnknownPack", err)
	}
}

func TestDelayedRequestsAreQueuedAtReady(t *testing.T) {
	sp := testSuperpack(t)
	rig := newRig(t, sp, Hints{})

	tanks, _ := rig.m.RequestPack("tanks")
	maps, _ := rig.m.RequestPack("maps")
	if _, err := rig.m.IsPackDownloaded("maps"); !errors.Is(err, ErrNotReady) {
		t.Fatalf("IsPackDownloaded before Ready err = %v, want ErrNotReady", err)
	}

	// Stop after the tick that loads metadata so the queue is still intact.
	rig.m.SetRequestingEnabled(false)
	rig.ready(t)
	if got := queueNames(rig.m); !equalStrings(got, []string{"base", "tanks", "maps"}) {
		t.Fatalf("queue = %v, want [base tanks maps]", got)
	}

	rig.m.SetRequestingEnabled(true)
	rig.runUntil(t, func() bool { return tanks.IsDownloaded() && maps.IsDownloaded() }, 100)
}

func TestCorruptedFileIsDownloadedAgain(t *testing.T) {
	sp := testSuperpack(t)
	rig := newRig(t, sp, Hints{})
	target := sp.FileIndex("3d/tanks/t34.sc2")
	offset := sp.Table.Entries[target].StartPosition

	tampered := false
	rig.fake.Tamper = func(url string, r downloader.Range, data []byte) []byte {
		if r.Offset != offset || tampered {
			return data
		}
		tampered = true
		bad := append([]byte(nil), data...)
		bad[0] ^= 0xFF
		return bad
	}
	rig.ready(t)

	tanks, _ := rig.m.RequestPack("tanks")
	rig.runUntil(t, tanks.IsDownloaded, 100)

	if got := rig.fake.ResumeCalls(offset); got != 2 {
		t.Fatalf("ResumeCalls = %d, want 2", got)
	}
	data, err := packformat.ReadLitePack(rig.filePath(t, "3d/tanks/t34.sc2"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "t-34 hull and turret" {
		t.Fatalf("content = %q", data)
	}
}

func TestTransportFailureRetriesAfterWait(t *testing.T) {
	sp := testSuperpack(t)
	// The first transfer of a base request is its first file.
	const first = "3d/base/shared.sc2"
	offset := sp.Table.Entries[sp.FileIndex(first)].StartPosition

	t.Run("retries", func(t *testing.T) {
		rig := newRig(t, sp, Hints{RetryConnectMilliseconds: 100})
		rig.ready(t)
		fileErrors := 0
		rig.m.FileErrorOccurred.Connect(func(FileError) { fileErrors++ })

		rig.fake.FailNextFile(downloader.TaskError{HTTPCode: 503, ErrStr: "service unavailable"})
		base, _ := rig.m.RequestPack("base")
		rig.runUntil(t, base.IsDownloaded, 200)

		if got := rig.fake.ResumeCalls(offset); got != 2 {
			t.Fatalf("ResumeCalls = %d, want 2", got)
		}
		if fileErrors != 0 {
			t.Fatalf("transport failure raised %d file errors", fileErrors)
		}
	})

	t.Run("waits", func(t *testing.T) {
		rig := newRig(t, sp, Hints{RetryConnectMilliseconds: 60000})
		rig.ready(t)
		rig.fake.FailNextFile(downloader.TaskError{TransportErr: "connection reset"})
		base, _ := rig.m.RequestPack("base")
		for i := 0; i < 50; i++ {
			rig.m.Update(testTick)
		}
		if got := rig.fake.ResumeCalls(offset); got != 1 {
			t.Fatalf("ResumeCalls = %d, want 1 while waiting", got)
		}
		if base.IsDownloaded() {
			t.Fatal("base should still be waiting to retry")
		}
		if base.Status() != StatusDownloading {
			t.Fatalf("Status = %s, want downloading", base.Status())
		}
	})
}

func TestNoSpaceFromDownloaderStopsRequesting(t *testing.T) {
	sp := testSuperpack(t)
	rig := newRig(t, sp, Hints{})
	rig.ready(t)

	var fileErrors []FileError
	rig.m.FileErrorOccurred.Connect(func(e FileError) { fileErrors = append(fileErrors, e) })

	rig.fake.FailNextFile(downloader.TaskError{FileErrno: diskutil.NoSpaceErrno(), ErrStr: "no space left on device"})
	base, _ := rig.m.RequestPack("base")
	for i := 0; i < 50; i++ {
		rig.m.Update(testTick)
	}

	if len(fileErrors) != 1 {
		t.Fatalf("FileErrorOccurred fired %d times, want 1", len(fileErrors))
	}
	if fileErrors[0].Errno != diskutil.NoSpaceErrno() {
		t.Fatalf("Errno = %d, want %d", fileErrors[0].Errno, diskutil.NoSpaceErrno())
	}
	if fileErrors[0].Path != rig.filePath(t, "3d/base/shared.sc2") {
		t.Fatalf("Path = %q", fileErrors[0].Path)
	}
	if rig.m.IsRequestingEnabled() {
		t.Fatal("requesting should be disabled after a disk failure")
	}
	if base.Status() != StatusError || base.Err() == nil {
		t.Fatalf("Status = %s, Err = %v", base.Status(), base.Err())
	}
	if base.IsDownloaded() {
		t.Fatal("failed pack reported downloaded")
	}

	// Re-enabling does not revive a file that hit a disk failure.
	rig.m.SetRequestingEnabled(true)
	for i := 0; i < 20; i++ {
		rig.m.Update(testTick)
	}
	if len(fileErrors) != 1 || base.Status() != StatusError {
		t.Fatalf("errors=%d status=%s after re-enable", len(fileErrors), base.Status())
	}
}

func TestFreeSpacePreflight(t *testing.T) {
	sp := testSuperpack(t)
	rig := newRig(t, sp, Hints{}, WithFreeSpaceFunc(func(string) (uint64, error) { return 4, nil }))
	rig.ready(t)

	var fileErrors []FileError
	rig.m.FileErrorOccurred.Connect(func(e FileError) { fileErrors = append(fileErrors, e) })
	rig.m.RequestPack("tanks")
	for i := 0; i < 20; i++ {
		rig.m.Update(testTick)
	}

	if len(fileErrors) != 1 || !diskutil.IsNoSpace(fileErrors[0].Errno) {
		t.Fatalf("file errors = %+v, want one no-space error", fileErrors)
	}
	if got := rig.fake.Started(); got != 4 {
		t.Fatalf("Started = %d tasks, want only the 4 bootstrap tasks", got)
	}
}

type footerFailFS struct {
	osFS
	writes int
}

func (f *footerFailFS) WriteFooter(path string, payloadSize int64, footer []byte) error {
	f.writes++
	return &os.PathError{Op: "write", Path: path, Err: syscall.ENOSPC}
}

func TestFooterWriteFailureReportsOnce(t *testing.T) {
	sp := testSuperpack(t)
	ffs := &footerFailFS{}
	rig := newRig(t, sp, Hints{}, withFileSystem(ffs))
	rig.ready(t)

	var fileErrors []FileError
	rig.m.FileErrorOccurred.Connect(func(e FileError) { fileErrors = append(fileErrors, e) })
	// base has two files; only the first failure may be reported.
	base, _ := rig.m.RequestPack("base")
	for i := 0; i < 50; i++ {
		rig.m.Update(testTick)
	}

	if len(fileErrors) != 1 {
		t.Fatalf("FileErrorOccurred fired %d times, want 1", len(fileErrors))
	}
	if fileErrors[0].Errno != int(syscall.ENOSPC) {
		t.Fatalf("Errno = %d, want ENOSPC", fileErrors[0].Errno)
	}
	if base.Status() != StatusError {
		t.Fatalf("Status = %s, want error", base.Status())
	}
	if rig.m.verified.Count() != 0 {
		t.Fatal("file without footer must not be marked verified")
	}
}

func TestPartialFileIsResumed(t *testing.T) {
	sp := testSuperpack(t)
	rig := newRig(t, sp, Hints{})
	fi := sp.FileIndex("maps/karelia.sc2")
	entry := sp.Table.Entries[fi]
	payload := sp.Data[entry.StartPosition : entry.StartPosition+uint64(entry.CompressedSize)]
	half := len(payload) / 2

	path := rig.filePath(t, "maps/karelia.sc2")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, payload[:half], 0o644); err != nil {
		t.Fatal(err)
	}

	delivered := -1
	rig.fake.Tamper = func(url string, r downloader.Range, data []byte) []byte {
		if r.Offset == entry.StartPosition {
			delivered = len(data)
		}
		return data
	}
	rig.ready(t)
	maps, _ := rig.m.RequestPack("maps")
	rig.runUntil(t, maps.IsDownloaded, 100)

	if delivered != len(payload)-half {
		t.Fatalf("delivered %d bytes, want %d", delivered, len(payload)-half)
	}
	data, err := packformat.ReadLitePack(path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(data, bytes.Repeat([]byte("karelia "), 300)) {
		t.Fatal("resumed file decoded to wrong content")
	}
}

func TestVerifiedFilesSurviveRestart(t *testing.T) {
	sp := testSuperpack(t)
	rig := newRig(t, sp, Hints{})
	rig.ready(t)
	tanks, _ := rig.m.RequestPack("tanks")
	rig.runUntil(t, tanks.IsDownloaded, 100)
	rig.m.Deinitialize()

	fake := downloader.NewFake()
	fake.Put(testURL, sp.Data)
	m := New(WithDownloader(fake), WithMounter(&recordingMounter{}), WithFreeSpaceFunc(nil))
	if err := m.Initialize(rig.dir, testURL, Hints{}); err != nil {
		t.Fatal(err)
	}
	defer m.Deinitialize()

	var result InitResult
	m.InitializeFinished.Connect(func(r InitResult) { result = r })
	for i := 0; i < 20 && !m.IsReady(); i++ {
		m.Update(testTick)
	}
	if result.Downloaded != 3 {
		t.Fatalf("Downloaded = %d, want 3 (base + tanks)", result.Downloaded)
	}
	if ok, _ := m.IsPackDownloaded("tanks"); !ok {
		t.Fatal("tanks should be downloaded from the persisted set")
	}

	again, _ := m.RequestPack("tanks")
	for i := 0; i < 20 && !again.IsDownloaded(); i++ {
		m.Update(testTick)
	}
	if !again.IsDownloaded() {
		t.Fatal("re-requested tanks never completed")
	}
	offset := sp.Table.Entries[sp.FileIndex("3d/tanks/t34.sc2")].StartPosition
	if got := fake.ResumeCalls(offset); got != 0 {
		t.Fatalf("ResumeCalls = %d, want 0 for a verified file", got)
	}
}

func TestCompleteFileWithoutRecordIsRehashed(t *testing.T) {
	sp := testSuperpack(t)
	rig := newRig(t, sp, Hints{})
	rig.ready(t)
	tanks, _ := rig.m.RequestPack("tanks")
	rig.runUntil(t, tanks.IsDownloaded, 100)
	rig.m.Deinitialize()

	if err := os.Remove(filepath.Join(rig.dir, verifiedFileName)); err != nil {
		t.Fatal(err)
	}

	fake := downloader.NewFake()
	fake.Put(testURL, sp.Data)
	m := New(WithDownloader(fake), WithMounter(&recordingMounter{}), WithFreeSpaceFunc(nil))
	if err := m.Initialize(rig.dir, testURL, Hints{}); err != nil {
		t.Fatal(err)
	}
	defer m.Deinitialize()
	for i := 0; i < 20 && !m.IsReady(); i++ {
		m.Update(testTick)
	}
	again, _ := m.RequestPack("tanks")
	for i := 0; i < 30 && !again.IsDownloaded(); i++ {
		m.Update(testTick)
	}
	if !again.IsDownloaded() {
		t.Fatal("tanks never completed")
	}
	if fake.Started() != 4 {
		t.Fatalf("Started = %d tasks, want only the 4 bootstrap tasks", fake.Started())
	}
}

func TestCorruptFooterFailsSession(t *testing.T) {
	sp := testSuperpack(t)
	data := append([]byte(nil), sp.Data...)
	data[len(data)-packformat.FooterSize] ^= 0xFF

	rig := newRig(t, &packtest.Superpack{Data: data}, Hints{})
	rig.runUntil(t, func() bool { return rig.m.State() == StateFailed }, 20)

	if !errors.Is(rig.m.InitError(), ErrProtocol) || !errors.Is(rig.m.InitError(), packformat.ErrFooterCrc) {
		t.Fatalf("InitError = %v, want protocol footer crc error", rig.m.InitError())
	}
	for i := 0; i < 10; i++ {
		rig.m.Update(testTick)
	}
	if rig.m.State() != StateFailed || rig.m.IsReady() {
		t.Fatal("failed session should stay failed")
	}
}

func TestTinySuperpackFailsSession(t *testing.T) {
	rig := newRig(t, &packtest.Superpack{Data: []byte("DVPK")}, Hints{})
	rig.runUntil(t, func() bool { return rig.m.State() == StateFailed }, 20)
	if !errors.Is(rig.m.InitError(), ErrProtocol) {
		t.Fatalf("InitError = %v", rig.m.InitError())
	}
}

func TestOfflineSessionRetries(t *testing.T) {
	sp := testSuperpack(t)
	rig := newRig(t, sp, Hints{RetryConnectMilliseconds: 100})
	rig.fake.SetOffline(true)

	var up, down int
	rig.m.NetworkReady.Connect(func(ok bool) {
		if ok {
			up++
		} else {
			down++
		}
	})
	for i := 0; i < 30; i++ {
		rig.m.Update(testTick)
	}
	if down < 2 || up != 0 {
		t.Fatalf("NetworkReady up=%d down=%d while offline", up, down)
	}
	if rig.m.IsReady() {
		t.Fatal("session ready while offline")
	}

	rig.fake.SetOffline(false)
	rig.ready(t)
	if up != 1 {
		t.Fatalf("NetworkReady(true) fired %d times, want 1", up)
	}
}

func TestSuperpackChangedDuringBootstrap(t *testing.T) {
	sp := testSuperpack(t)
	rig := newRig(t, sp, Hints{RetryConnectMilliseconds: 50})
	for i := 0; i < 3; i++ {
		rig.m.Update(testTick)
	}
	if rig.m.State() != StateFooterReceived {
		t.Fatalf("State = %s, want FooterReceived", rig.m.State())
	}

	rig.fake.SetOffline(true)
	rig.runUntil(t, func() bool { return rig.m.State() == StateOffline }, 10)

	other := packtest.MustBuild(t, []packtest.Pack{basePack}, []packtest.File{
		{Name: "3d/base/other.sc2", Pack: "base", Content: []byte("a different build")},
	})
	rig.fake.Put(testURL, other.Data)
	rig.fake.SetOffline(false)
	rig.runUntil(t, func() bool { return rig.m.State() == StateFailed }, 50)

	if !errors.Is(rig.m.InitError(), ErrSuperpackChanged) {
		t.Fatalf("InitError = %v, want ErrSuperpackChanged", rig.m.InitError())
	}
}

func TestSetRequestPriority(t *testing.T) {
	sp := testSuperpack(t)
	rig := newRig(t, sp, Hints{})
	rig.m.SetRequestingEnabled(false)
	rig.ready(t)

	rig.m.RequestPack("base")
	rig.m.RequestPack("maps")
	tanks, _ := rig.m.RequestPack("tanks")
	if got := queueNames(rig.m); !equalStrings(got, []string{"base", "maps", "tanks"}) {
		t.Fatalf("queue = %v", got)
	}

	rig.m.SetRequestPriority(tanks)
	if got := queueNames(rig.m); !equalStrings(got, []string{"base", "tanks", "maps"}) {
		t.Fatalf("queue after priority = %v, want [base tanks maps]", got)
	}
	if tanks.IsDownloaded() {
		t.Fatal("nothing downloaded yet")
	}
}

func TestRemovePack(t *testing.T) {
	sp := testSuperpack(t)
	rig := newRig(t, sp, Hints{})
	rig.ready(t)
	tanks, _ := rig.m.RequestPack("tanks")
	rig.runUntil(t, tanks.IsDownloaded, 100)

	if err := rig.m.RemovePack("tanks"); err != nil {
		t.Fatalf("RemovePack: %v", err)
	}
	if _, exists, _ := (osFS{}).Size(rig.filePath(t, "3d/tanks/t34.sc2")); exists {
		t.Fatal("pack file still on disk")
	}
	if rig.mounter.unmounts != 1 {
		t.Fatalf("unmounts = %d, want 1", rig.mounter.unmounts)
	}
	if ok, _ := rig.m.IsPackDownloaded("tanks"); ok {
		t.Fatal("removed pack reported downloaded")
	}
	if ok, _ := rig.m.IsPackDownloaded("base"); !ok {
		t.Fatal("dependency should be kept")
	}
	if _, ok := rig.m.Request("tanks"); ok {
		t.Fatal("request handle should be dropped")
	}
	if err := rig.m.RemovePack("tanks"); err != nil {
		t.Fatalf("second RemovePack: %v", err)
	}
	if err := rig.m.RemovePack("nope"); !errors.Is(err, ErrUnknownPack) {
		t.Fatalf("err = %v, want ErrUnknownPack", err)
	}
}

func TestProgressIsMonotonic(t *testing.T) {
	sp := testSuperpack(t)
	rig := newRig(t, sp, Hints{})
	rig.fake.ChunkSize = 128

	if p := rig.m.GetProgress(); p.Total != 0 {
		t.Fatalf("Total before Ready = %d", p.Total)
	}
	rig.ready(t)

	all := make([]uint32, len(sp.Table.Entries))
	for i := range all {
		all[i] = uint32(i)
	}
	if p := rig.m.GetProgress(); p.Total != sp.PayloadSize(all...) || p.AlreadyDownloaded != 0 {
		t.Fatalf("progress = %+v, want total %d", p, sp.PayloadSize(all...))
	}

	maps, _ := rig.m.RequestPack("maps")
	want := sp.PayloadSize(
		sp.FileIndex("3d/base/shared.sc2"), sp.FileIndex("gfx/base/ui.tex"),
		sp.FileIndex("maps/karelia.sc2"), sp.FileIndex("maps/empty.sc2"))
	if p := rig.m.GetProgress(); p.InQueue != want {
		t.Fatalf("InQueue = %d, want %d", p.InQueue, want)
	}

	var last uint64
	rig.runUntil(t, func() bool {
		p := rig.m.GetProgress()
		if p.AlreadyDownloaded < last {
			t.Fatalf("AlreadyDownloaded went back from %d to %d", last, p.AlreadyDownloaded)
		}
		last = p.AlreadyDownloaded
		return maps.IsDownloaded()
	}, 500)

	p := rig.m.GetProgress()
	if p.AlreadyDownloaded != want || p.InQueue != 0 {
		t.Fatalf("final progress = %+v, want downloaded %d", p, want)
	}
	if !p.IsRequestingEnabled {
		t.Fatal("IsRequestingEnabled = false")
	}
}

func TestInitializeRejectsBadLocalDir(t *testing.T) {
	file := filepath.Join(t.TempDir(), "plain-file")
	if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	m := New(WithDownloader(downloader.NewFake()))
	for _, dir := range []string{"", filepath.Join(file, "sub")} {
		if err := m.Initialize(dir, testURL, Hints{}); !errors.Is(err, ErrBadLocalDir) {
			t.Fatalf("Initialize(%q) err = %v, want ErrBadLocalDir", dir, err)
		}
	}
	if m.IsInitialized() {
		t.Fatal("manager initialized despite bad directory")
	}
}

func TestReinitializeKeepsHandles(t *testing.T) {
	sp := testSuperpack(t)
	rig := newRig(t, sp, Hints{})
	rig.ready(t)
	rig.m.SetRequestingEnabled(false)
	tanks, _ := rig.m.RequestPack("tanks")

	if err := rig.m.Initialize(rig.dir, testURL, Hints{}); err != nil {
		t.Fatal(err)
	}
	if rig.m.IsReady() {
		t.Fatal("restarted session should reload metadata")
	}
	rig.ready(t)
	if h, _ := rig.m.Request("tanks"); h != tanks {
		t.Fatal("handle lost across restart")
	}
	rig.runUntil(t, tanks.IsDownloaded, 100)
}

func TestLogFileReceivesSessionLog(t *testing.T) {
	sp := testSuperpack(t)
	logPath := filepath.Join(t.TempDir(), "dlc.log")
	rig := newRig(t, sp, Hints{LogFilePath: logPath})
	rig.ready(t)
	rig.m.Deinitialize()

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Contains(data, []byte("dlc session ready")) {
		t.Fatalf("log file missing ready line:\n%s", data)
	}
}

func TestPackInfo(t *testing.T) {
	sp := testSuperpack(t)
	rig := newRig(t, sp, Hints{})
	if _, err := rig.m.PackInfo("maps"); !errors.Is(err, ErrNotReady) {
		t.Fatalf("err = %v, want ErrNotReady", err)
	}
	rig.ready(t)

	info, err := rig.m.PackInfo("maps")
	if err != nil {
		t.Fatal(err)
	}
	if !equalStrings(info.Dependencies, []string{"base"}) || !equalStrings(info.Requires, []string{"base"}) {
		t.Fatalf("deps = %v / %v", info.Dependencies, info.Requires)
	}
	if !equalStrings(info.Files, []string{"maps/karelia.sc2", "maps/empty.sc2"}) {
		t.Fatalf("Files = %v", info.Files)
	}
	want := sp.PayloadSize(sp.FileIndex("maps/karelia.sc2"), sp.FileIndex("maps/empty.sc2"))
	if info.Size != want || info.Downloaded {
		t.Fatalf("Size = %d (want %d), Downloaded = %v", info.Size, want, info.Downloaded)
	}
	if rig.m.IsPackInQueue("maps") {
		t.Fatal("PackInfo must not queue the pack")
	}
}

func TestStaleFilesOfOldSuperpackAreNotServed(t *testing.T) {
	build := func(ui string) *packtest.Superpack {
		return packtest.MustBuild(t,
			[]packtest.Pack{basePack, {Name: "music"}},
			[]packtest.File{
				{Name: "gfx/base/ui.tex", Pack: "base", Content: []byte(ui)},
				{Name: "music/theme.ogg", Pack: "music", Content: []byte("theme")},
			})
	}
	table := litefs.NewTable()
	rig := newRig(t, build("old atlas"), Hints{}, WithMounter(table))
	rig.ready(t)
	base, _ := rig.m.RequestPack("base")
	rig.runUntil(t, base.IsDownloaded, 50)
	if got, err := table.ReadFile(DefaultMountPrefix + "gfx/base/ui.tex"); err != nil || string(got) != "old atlas" {
		t.Fatalf("ui.tex before update = %q, %v", got, err)
	}
	rig.m.Deinitialize()

	fake := downloader.NewFake()
	fake.Put(testURL, build("new atlas").Data)
	m := New(WithDownloader(fake), WithMounter(table), WithFreeSpaceFunc(nil))
	if err := m.Initialize(rig.dir, testURL, Hints{}); err != nil {
		t.Fatal(err)
	}
	defer m.Deinitialize()
	for i := 0; i < 20 && !m.IsReady(); i++ {
		m.Update(testTick)
	}
	music, _ := m.RequestPack("music")
	for i := 0; i < 20 && !music.IsDownloaded(); i++ {
		m.Update(testTick)
	}
	if !music.IsDownloaded() {
		t.Fatal("music never completed")
	}

	if got, err := table.ReadFile(DefaultMountPrefix + "music/theme.ogg"); err != nil || string(got) != "theme" {
		t.Fatalf("theme.ogg = %q, %v", got, err)
	}
	if got, err := table.ReadFile(DefaultMountPrefix + "gfx/base/ui.tex"); !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("stale ui.tex = %q, %v; want fs.ErrNotExist", got, err)
	}
	if table.Exists(DefaultMountPrefix + "gfx/base/ui.tex") {
		t.Fatal("stale ui.tex reported as existing")
	}

	base, _ = m.RequestPack("base")
	for i := 0; i < 20 && !base.IsDownloaded(); i++ {
		m.Update(testTick)
	}
	if got, err := table.ReadFile(DefaultMountPrefix + "gfx/base/ui.tex"); err != nil || string(got) != "new atlas" {
		t.Fatalf("ui.tex after redownload = %q, %v", got, err)
	}
}

func TestFailedReinitializeKeepsSession(t *testing.T) {
	sp := testSuperpack(t)
	rig := newRig(t, sp, Hints{})
	rig.ready(t)

	blocker := filepath.Join(t.TempDir(), "plain-file")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	bad := Hints{LogFilePath: filepath.Join(blocker, "logs", "dlc.log")}
	if err := rig.m.Initialize(rig.dir, testURL, bad); err == nil {
		t.Fatal("Initialize with an unopenable log file should fail")
	}
	if !rig.m.IsInitialized() || !rig.m.IsReady() || rig.m.State() != StateReady {
		t.Fatalf("session lost: initialized=%v ready=%v state=%s",
			rig.m.IsInitialized(), rig.m.IsReady(), rig.m.State())
	}

	tanks, err := rig.m.RequestPack("tanks")
	if err != nil {
		t.Fatal(err)
	}
	rig.runUntil(t, tanks.IsDownloaded, 100)
}

func TestReinitializeDropsBootstrapTask(t *testing.T) {
	sp := testSuperpack(t)
	rig := newRig(t, sp, Hints{})
	rig.m.Update(testTick)
	if rig.fake.Pending() == 0 {
		t.Fatal("expected an in-flight bootstrap task")
	}

	if err := rig.m.Initialize(rig.dir, testURL, Hints{}); err != nil {
		t.Fatal(err)
	}
	if got := rig.fake.Pending(); got != 0 {
		t.Fatalf("Pending = %d after restart, want 0", got)
	}
	rig.ready(t)
}

func TestReadyRequestsStayQuiet(t *testing.T) {
	sp := testSuperpack(t)
	rig := newRig(t, sp, Hints{})
	rig.ready(t)

	updates := map[string]int{}
	rig.m.RequestUpdated.Connect(func(r *PackRequest) { updates[r.Name()]++ })
	tanks, _ := rig.m.RequestPack("tanks")
	base, _ := rig.m.Request("base")
	rig.runUntil(t, func() bool { return tanks.Status() == StatusMounted }, 100)
	if base.Status() != StatusMounted {
		t.Fatalf("base status = %s, want mounted", base.Status())
	}

	settled := map[string]int{"base": updates["base"], "tanks": updates["tanks"]}
	started := rig.fake.Started()
	for i := 0; i < 30; i++ {
		rig.m.Update(testTick)
	}
	for name, n := range settled {
		if updates[name] != n {
			t.Fatalf("%s: %d RequestUpdated after mount, want none", name, updates[name]-n)
		}
	}
	if rig.fake.Started() != started {
		t.Fatalf("Started = %d, want %d: mounted packs must not touch the downloader", rig.fake.Started(), started)
	}
	if rig.mounter.mounts != 2 {
		t.Fatalf("mounts = %d, want 2", rig.mounter.mounts)
	}
}
