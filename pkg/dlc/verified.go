package dlc

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/RoaringBitmap/roaring"
)

const verifiedFileName = "dlc_verified.bin"

var verifiedMagic = [4]byte{'D', 'L', 'C', 'V'}

// verifiedSet records which superpack files have a CRC-checked local copy
// with its Lite footer. It is persisted next to the files so a restart can
// skip rehashing them.
type verifiedSet struct {
	path      string
	bm        *roaring.Bitmap
	footerCrc uint32
	bound     bool
	dirty     bool
}

func newVerifiedSet(path string) *verifiedSet {
	return &verifiedSet{path: path, bm: roaring.New()}
}

// loadVerifiedSet reads the persisted set. A missing or unreadable file
// yields an empty set.
func loadVerifiedSet(path string) *verifiedSet {
	vs := newVerifiedSet(path)
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			log.Warn("cannot read verified file set, starting empty", "path", path, "error", err)
		}
		return vs
	}
	if len(data) < 8 || !bytes.Equal(data[:4], verifiedMagic[:]) {
		log.Warn("verified file set has bad header, starting empty", "path", path)
		return vs
	}
	bm := roaring.New()
	if _, err := bm.ReadFrom(bytes.NewReader(data[8:])); err != nil {
		log.Warn("verified file set is corrupt, starting empty", "path", path, "error", err)
		return vs
	}
	vs.bm = bm
	vs.footerCrc = binary.LittleEndian.Uint32(data[4:8])
	return vs
}

// bind ties the set to the superpack identified by footerCrc. Bits recorded
// against another superpack are dropped.
func (vs *verifiedSet) bind(footerCrc uint32) {
	if vs.bound && vs.footerCrc == footerCrc {
		return
	}
	if vs.footerCrc != footerCrc && !vs.bm.IsEmpty() {
		log.Info("superpack changed since last session, forgetting verified files",
			"previousCrc", fmt.Sprintf("%08x", vs.footerCrc),
			"currentCrc", fmt.Sprintf("%08x", footerCrc),
			"files", vs.bm.GetCardinality())
		vs.bm.Clear()
		vs.dirty = true
	}
	if vs.footerCrc != footerCrc {
		vs.dirty = true
	}
	vs.footerCrc = footerCrc
	vs.bound = true
}

// limit drops bits at or beyond numFiles.
func (vs *verifiedSet) limit(numFiles uint32) {
	if vs.bm.IsEmpty() || vs.bm.Maximum() < numFiles {
		return
	}
	vs.bm.RemoveRange(uint64(numFiles), uint64(vs.bm.Maximum())+1)
	vs.dirty = true
}

func (vs *verifiedSet) Contains(i uint32) bool {
	return vs.bm.Contains(i)
}

func (vs *verifiedSet) Add(i uint32) {
	if vs.bm.CheckedAdd(i) {
		vs.dirty = true
	}
}

func (vs *verifiedSet) Remove(i uint32) {
	if vs.bm.CheckedRemove(i) {
		vs.dirty = true
	}
}

func (vs *verifiedSet) Count() uint64 {
	return vs.bm.GetCardinality()
}

// ContainsAll reports whether every index is set.
func (vs *verifiedSet) ContainsAll(idx []uint32) bool {
	for _, i := range idx {
		if !vs.bm.Contains(i) {
			return false
		}
	}
	return true
}

// ForEach calls fn for every set index in ascending order.
func (vs *verifiedSet) ForEach(fn func(i uint32)) {
	it := vs.bm.Iterator()
	for it.HasNext() {
		fn(it.Next())
	}
}

// flush persists the set if it changed since the last flush. The file is
// replaced atomically.
func (vs *verifiedSet) flush() error {
	if !vs.dirty || vs.path == "" {
		return nil
	}
	var buf bytes.Buffer
	buf.Write(verifiedMagic[:])
	var crc [4]byte
	binary.LittleEndian.PutUint32(crc[:], vs.footerCrc)
	buf.Write(crc[:])
	vs.bm.RunOptimize()
	if _, err := vs.bm.WriteTo(&buf); err != nil {
		return fmt.Errorf("encode verified set: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(vs.path), ".dlc_verified-*")
	if err != nil {
		return fmt.Errorf("write verified set: %w", err)
	}
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write verified set: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write verified set: %w", err)
	}
	if err := os.Rename(tmp.Name(), vs.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write verified set: %w", err)
	}
	vs.dirty = false
	return nil
}
