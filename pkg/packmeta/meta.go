// Package packmeta holds the pack dependency graph and the file-to-pack
// index shipped inside every superpack.
package packmeta

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
)

var (
	ErrUnknownPack = errors.New("packmeta: unknown pack")
	ErrCycle       = errors.New("packmeta: dependency cycle")
	ErrMalformed   = errors.New("packmeta: malformed metadata")
)

var metaMagic = [4]byte{'M', 'E', 'T', '1'}

// maxNameLen is the longest pack name the u16 length prefix can carry.
const maxNameLen = 1<<16 - 1

// Pack is one named pack and the indexes of the packs it depends on.
type Pack struct {
	Name         string
	Dependencies []uint32
}

// PackMetaData maps every superpack file to its pack and records the pack
// dependency DAG. It is immutable after construction apart from the lazily
// filled dependency cache, which is not safe for concurrent use.
type PackMetaData struct {
	fileToPack []uint32
	packs      []Pack
	byName     map[string]uint32
	files      [][]uint32 // pack index -> file indexes
	parents    [][]uint32 // pack index -> packs depending on it
	depCache   [][]uint32 // nil: not computed yet
}

// New validates and indexes metadata. Dependency cycles and out-of-range
// indexes are rejected.
func New(fileToPack []uint32, packs []Pack) (*PackMetaData, error) {
	m := &PackMetaData{
		fileToPack: fileToPack,
		packs:      packs,
		byName:     make(map[string]uint32, len(packs)),
		files:      make([][]uint32, len(packs)),
		parents:    make([][]uint32, len(packs)),
		depCache:   make([][]uint32, len(packs)),
	}
	n := uint32(len(packs))
	for i, p := range packs {
		if p.Name == "" {
			return nil, fmt.Errorf("%w: pack %d has empty name", ErrMalformed, i)
		}
		if len(p.Name) > maxNameLen {
			return nil, fmt.Errorf("%w: pack %d name is %d bytes, limit %d", ErrMalformed, i, len(p.Name), maxNameLen)
		}
		if _, dup := m.byName[p.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate pack %q", ErrMalformed, p.Name)
		}
		m.byName[p.Name] = uint32(i)
		for _, d := range p.Dependencies {
			if d >= n {
				return nil, fmt.Errorf("%w: pack %q depends on index %d of %d", ErrMalformed, p.Name, d, n)
			}
			if d == uint32(i) {
				return nil, fmt.Errorf("%w: pack %q depends on itself", ErrCycle, p.Name)
			}
			m.parents[d] = append(m.parents[d], uint32(i))
		}
	}
	for fi, pi := range fileToPack {
		if pi >= n {
			return nil, fmt.Errorf("%w: file %d maps to pack %d of %d", ErrMalformed, fi, pi, n)
		}
		m.files[pi] = append(m.files[pi], uint32(fi))
	}
	if err := m.checkAcyclic(); err != nil {
		return nil, err
	}
	return m, nil
}

// checkAcyclic runs Kahn's algorithm with an explicit worklist.
func (m *PackMetaData) checkAcyclic() error {
	pending := make([]int, len(m.packs))
	var work []uint32
	for i, p := range m.packs {
		pending[i] = len(p.Dependencies)
		if pending[i] == 0 {
			work = append(work, uint32(i))
		}
	}
	done := 0
	for len(work) > 0 {
		i := work[len(work)-1]
		work = work[:len(work)-1]
		done++
		for _, parent := range m.parents[i] {
			pending[parent]--
			if pending[parent] == 0 {
				work = append(work, parent)
			}
		}
	}
	if done != len(m.packs) {
		var stuck []string
		for i, p := range pending {
			if p > 0 {
				stuck = append(stuck, m.packs[i].Name)
			}
		}
		sort.Strings(stuck)
		return fmt.Errorf("%w among %v", ErrCycle, stuck)
	}
	return nil
}

func (m *PackMetaData) NumPacks() int { return len(m.packs) }
func (m *PackMetaData) NumFiles() int { return len(m.fileToPack) }

// PackName returns the name of pack i.
func (m *PackMetaData) PackName(i uint32) string {
	return m.packs[i].Name
}

// PackNames lists all pack names in index order.
func (m *PackMetaData) PackNames() []string {
	out := make([]string, len(m.packs))
	for i, p := range m.packs {
		out[i] = p.Name
	}
	return out
}

// GetPackIndex resolves a pack name.
func (m *PackMetaData) GetPackIndex(name string) (uint32, error) {
	i, ok := m.byName[name]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownPack, name)
	}
	return i, nil
}

// GetPackIndexForFile returns the pack owning file index fi.
func (m *PackMetaData) GetPackIndexForFile(fi uint32) (uint32, bool) {
	if int(fi) >= len(m.fileToPack) {
		return 0, false
	}
	return m.fileToPack[fi], true
}

// GetFileIndexes returns the file indexes belonging to the named pack, in
// ascending order. The slice must not be modified.
func (m *PackMetaData) GetFileIndexes(name string) ([]uint32, error) {
	i, err := m.GetPackIndex(name)
	if err != nil {
		return nil, err
	}
	return m.files[i], nil
}

// GetPackDependencyIndexes returns every pack the named pack depends on,
// directly or transitively, each once, ordered so that a pack always comes
// after all of its own dependencies. The result is cached.
func (m *PackMetaData) GetPackDependencyIndexes(name string) ([]uint32, error) {
	i, err := m.GetPackIndex(name)
	if err != nil {
		return nil, err
	}
	return m.dependencies(i), nil
}

func (m *PackMetaData) dependencies(root uint32) []uint32 {
	if cached := m.depCache[root]; cached != nil {
		return cached
	}

	type frame struct {
		pack uint32
		next int
	}
	out := make([]uint32, 0, len(m.packs[root].Dependencies))
	seen := map[uint32]bool{root: true}
	stack := []frame{{pack: root}}
	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		deps := m.packs[top.pack].Dependencies
		if top.next < len(deps) {
			d := deps[top.next]
			top.next++
			if !seen[d] {
				seen[d] = true
				stack = append(stack, frame{pack: d})
			}
			continue
		}
		if top.pack != root {
			out = append(out, top.pack)
		}
		stack = stack[:len(stack)-1]
	}
	m.depCache[root] = out
	return out
}

// GetDependencyNames is GetPackDependencyIndexes resolved to names.
func (m *PackMetaData) GetDependencyNames(name string) ([]string, error) {
	idx, err := m.GetPackDependencyIndexes(name)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(idx))
	for k, i := range idx {
		out[k] = m.packs[i].Name
	}
	return out, nil
}

// DirectDependencies returns the names the pack declares itself.
func (m *PackMetaData) DirectDependencies(name string) ([]string, error) {
	i, err := m.GetPackIndex(name)
	if err != nil {
		return nil, err
	}
	deps := m.packs[i].Dependencies
	out := make([]string, len(deps))
	for k, d := range deps {
		out[k] = m.packs[d].Name
	}
	return out, nil
}

// IsChild reports whether child is a direct dependency of parent.
func (m *PackMetaData) IsChild(parent, child uint32) bool {
	if int(parent) >= len(m.packs) {
		return false
	}
	for _, d := range m.packs[parent].Dependencies {
		if d == child {
			return true
		}
	}
	return false
}

// Serialize renders the metadata in its wire form:
//
//	magic[4] numFiles u32 fileToPack[numFiles]u32
//	numPacks u32 { nameLen u16 name depCount u32 deps[depCount]u32 }...
func (m *PackMetaData) Serialize() []byte {
	var buf bytes.Buffer
	buf.Write(metaMagic[:])
	putU32(&buf, uint32(len(m.fileToPack)))
	for _, p := range m.fileToPack {
		putU32(&buf, p)
	}
	putU32(&buf, uint32(len(m.packs)))
	for _, p := range m.packs {
		var l [2]byte
		binary.LittleEndian.PutUint16(l[:], uint16(len(p.Name)))
		buf.Write(l[:])
		buf.WriteString(p.Name)
		putU32(&buf, uint32(len(p.Dependencies)))
		for _, d := range p.Dependencies {
			putU32(&buf, d)
		}
	}
	return buf.Bytes()
}

// Deserialize parses the wire form produced by Serialize.
func Deserialize(b []byte) (*PackMetaData, error) {
	r := reader{b: b}
	var magic [4]byte
	copy(magic[:], r.next(4))
	if r.err == nil && magic != metaMagic {
		return nil, fmt.Errorf("%w: bad magic %q", ErrMalformed, magic[:])
	}
	numFiles := r.u32()
	if r.err == nil && uint64(numFiles)*4 > uint64(len(b)) {
		return nil, fmt.Errorf("%w: %d files cannot fit in %d bytes", ErrMalformed, numFiles, len(b))
	}
	fileToPack := make([]uint32, 0, numFiles)
	for i := uint32(0); i < numFiles && r.err == nil; i++ {
		fileToPack = append(fileToPack, r.u32())
	}
	numPacks := r.u32()
	if r.err == nil && uint64(numPacks)*6 > uint64(len(b)) {
		return nil, fmt.Errorf("%w: %d packs cannot fit in %d bytes", ErrMalformed, numPacks, len(b))
	}
	packs := make([]Pack, 0, numPacks)
	for i := uint32(0); i < numPacks && r.err == nil; i++ {
		nameLen := r.u16()
		name := string(r.next(int(nameLen)))
		depCount := r.u32()
		if r.err == nil && uint64(depCount)*4 > uint64(len(b)-r.off) {
			r.err = ErrMalformed
			break
		}
		deps := make([]uint32, 0, depCount)
		for k := uint32(0); k < depCount && r.err == nil; k++ {
			deps = append(deps, r.u32())
		}
		packs = append(packs, Pack{Name: name, Dependencies: deps})
	}
	if r.err != nil {
		return nil, fmt.Errorf("%w: truncated at offset %d", ErrMalformed, r.off)
	}
	if r.off != len(b) {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformed, len(b)-r.off)
	}
	return New(fileToPack, packs)
}

type reader struct {
	b   []byte
	off int
	err error
}

func (r *reader) next(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.off+n > len(r.b) {
		r.err = ErrMalformed
		return nil
	}
	out := r.b[r.off : r.off+n]
	r.off += n
	return out
}

func (r *reader) u32() uint32 {
	b := r.next(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (r *reader) u16() uint16 {
	b := r.next(2)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

func putU32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}
