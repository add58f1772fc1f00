// Package litefs resolves virtual resource paths against mounted
// directories of Lite packs and decodes the files on read.
package litefs

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/breeze-rmm/dlc/internal/logging"
	"github.com/breeze-rmm/dlc/pkg/packformat"
)

var log = logging.L("litefs")

// ErrNotMounted is returned when no mount point covers a virtual path.
var ErrNotMounted = errors.New("litefs: no mount point for path")

// Filter reports whether a file may be served. name is slash separated and
// relative to the mount root, without the .dvpl suffix.
type Filter func(name string) bool

type mountPoint struct {
	root   string
	prefix string
	refs   int
	allow  Filter
}

// Table is a mount table. Mounting the same directory again only bumps a
// reference count, so per-pack Mount/Unmount pairs can share one root.
type Table struct {
	mu     sync.RWMutex
	mounts map[string]*mountPoint // by root
}

func NewTable() *Table {
	return &Table{mounts: make(map[string]*mountPoint)}
}

// Mount makes the Lite packs under localArchivePath visible below
// mountPointPrefix.
func (t *Table) Mount(localArchivePath, mountPointPrefix string) error {
	root, err := filepath.Abs(localArchivePath)
	if err != nil {
		return err
	}
	info, err := os.Stat(root)
	if err != nil {
		return fmt.Errorf("mount %s: %w", root, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("mount %s: not a directory", root)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if mp, ok := t.mounts[root]; ok {
		if mp.prefix != mountPointPrefix {
			return fmt.Errorf("mount %s: already mounted at %q", root, mp.prefix)
		}
		mp.refs++
		return nil
	}
	t.mounts[root] = &mountPoint{root: root, prefix: mountPointPrefix, refs: 1}
	log.Debug("mounted", "root", root, "prefix", mountPointPrefix)
	return nil
}

// Unmount releases one reference to localArchivePath.
func (t *Table) Unmount(localArchivePath string) error {
	root, err := filepath.Abs(localArchivePath)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	mp, ok := t.mounts[root]
	if !ok {
		return fmt.Errorf("unmount %s: %w", root, ErrNotMounted)
	}
	mp.refs--
	if mp.refs <= 0 {
		delete(t.mounts, root)
		log.Debug("unmounted", "root", root)
	}
	return nil
}

// Restrict limits a mounted root to the files allow accepts. Rejected files
// read as missing. A nil filter serves every intact Lite pack again.
func (t *Table) Restrict(localArchivePath string, allow Filter) error {
	root, err := filepath.Abs(localArchivePath)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	mp, ok := t.mounts[root]
	if !ok {
		return fmt.Errorf("restrict %s: %w", root, ErrNotMounted)
	}
	mp.allow = allow
	return nil
}

// Mounted lists mounted roots in lexical order.
func (t *Table) Mounted() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.mounts))
	for root := range t.mounts {
		out = append(out, root)
	}
	sort.Strings(out)
	return out
}

// resolve finds the Lite pack backing a virtual path. The longest matching
// prefix wins.
func (t *Table) resolve(virtualPath string) (string, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var best *mountPoint
	for _, mp := range t.mounts {
		if !strings.HasPrefix(virtualPath, mp.prefix) {
			continue
		}
		if best == nil || len(mp.prefix) > len(best.prefix) {
			best = mp
		}
	}
	if best == nil {
		return "", fmt.Errorf("%w: %s", ErrNotMounted, virtualPath)
	}
	rel := strings.TrimPrefix(virtualPath, best.prefix)
	clean := filepath.Clean(filepath.FromSlash("/" + rel))
	if best.allow != nil && !best.allow(strings.TrimPrefix(filepath.ToSlash(clean), "/")) {
		return "", fmt.Errorf("%s: %w", virtualPath, fs.ErrNotExist)
	}
	return filepath.Join(best.root, clean+".dvpl"), nil
}

// Exists reports whether a verified file backs virtualPath.
func (t *Table) Exists(virtualPath string) bool {
	path, err := t.resolve(virtualPath)
	if err != nil {
		return false
	}
	footer, size, err := packformat.ReadLiteFooter(path)
	return err == nil && size == int64(footer.CompressedSize)+packformat.LiteFooterSize
}

// ReadFile returns the decoded content behind virtualPath.
func (t *Table) ReadFile(virtualPath string) ([]byte, error) {
	path, err := t.resolve(virtualPath)
	if err != nil {
		return nil, err
	}
	data, err := packformat.ReadLitePack(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", virtualPath, fs.ErrNotExist)
	}
	return data, err
}
