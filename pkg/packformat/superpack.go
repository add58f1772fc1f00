package packformat

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
)

// Superpack layout, all integers little-endian:
//
//	payloads | file table block | meta block | footer
//
// The footer sits in the last FooterSize bytes and locates the other two
// blocks relative to the end of the file.
const (
	FooterSize    = 36
	footerInfoLen = 24
	FileEntrySize = 40
	namesHdrLen   = 16
	metaHdrLen    = 8
)

// SuperpackMarker identifies a superpack footer.
var SuperpackMarker = [4]byte{'D', 'V', 'P', 'K'}

var (
	ErrBadMarker     = errors.New("packformat: bad marker")
	ErrFooterCrc     = errors.New("packformat: footer crc mismatch")
	ErrFileTableCrc  = errors.New("packformat: file table crc mismatch")
	ErrMetaCrc       = errors.New("packformat: meta crc mismatch")
	ErrTruncated     = errors.New("packformat: truncated block")
	ErrLayout        = errors.New("packformat: inconsistent superpack layout")
	ErrFileNameCount = errors.New("packformat: file name count mismatch")
)

// FooterInfo is the CRC-protected part of the superpack footer.
type FooterInfo struct {
	MetaCrc32      uint32
	MetaSize       uint32
	FileTableCrc32 uint32
	FileTableSize  uint32
	NumFiles       uint32
	Marker         [4]byte
}

// SuperpackFooter is the fixed-size trailer of a superpack.
type SuperpackFooter struct {
	Info      FooterInfo
	InfoCrc32 uint32
}

func (fi FooterInfo) encode() []byte {
	b := make([]byte, footerInfoLen)
	binary.LittleEndian.PutUint32(b[0:], fi.MetaCrc32)
	binary.LittleEndian.PutUint32(b[4:], fi.MetaSize)
	binary.LittleEndian.PutUint32(b[8:], fi.FileTableCrc32)
	binary.LittleEndian.PutUint32(b[12:], fi.FileTableSize)
	binary.LittleEndian.PutUint32(b[16:], fi.NumFiles)
	copy(b[20:], fi.Marker[:])
	return b
}

// Encode renders the footer, computing InfoCrc32 from Info.
func (f SuperpackFooter) Encode() []byte {
	info := f.Info.encode()
	b := make([]byte, FooterSize)
	copy(b, info)
	binary.LittleEndian.PutUint32(b[footerInfoLen:], crc32.ChecksumIEEE(info))
	return b
}

// DecodeFooter parses and validates the last FooterSize bytes of a superpack.
func DecodeFooter(b []byte) (SuperpackFooter, error) {
	var f SuperpackFooter
	if len(b) != FooterSize {
		return f, fmt.Errorf("%w: footer is %d bytes, want %d", ErrTruncated, len(b), FooterSize)
	}
	f.Info.MetaCrc32 = binary.LittleEndian.Uint32(b[0:])
	f.Info.MetaSize = binary.LittleEndian.Uint32(b[4:])
	f.Info.FileTableCrc32 = binary.LittleEndian.Uint32(b[8:])
	f.Info.FileTableSize = binary.LittleEndian.Uint32(b[12:])
	f.Info.NumFiles = binary.LittleEndian.Uint32(b[16:])
	copy(f.Info.Marker[:], b[20:24])
	f.InfoCrc32 = binary.LittleEndian.Uint32(b[footerInfoLen:])

	if f.Info.Marker != SuperpackMarker {
		return f, fmt.Errorf("%w: %q", ErrBadMarker, f.Info.Marker[:])
	}
	if got := crc32.ChecksumIEEE(b[:footerInfoLen]); got != f.InfoCrc32 {
		return f, fmt.Errorf("%w: computed %08x, stored %08x", ErrFooterCrc, got, f.InfoCrc32)
	}
	return f, nil
}

// MetaOffset returns the absolute offset of the meta block in a superpack of
// totalSize bytes.
func (f SuperpackFooter) MetaOffset(totalSize uint64) (uint64, error) {
	need := uint64(FooterSize) + uint64(f.Info.MetaSize)
	if totalSize < need {
		return 0, fmt.Errorf("%w: size %d cannot hold meta block of %d", ErrLayout, totalSize, f.Info.MetaSize)
	}
	return totalSize - need, nil
}

// FileTableOffset returns the absolute offset of the file table block.
func (f SuperpackFooter) FileTableOffset(totalSize uint64) (uint64, error) {
	metaOff, err := f.MetaOffset(totalSize)
	if err != nil {
		return 0, err
	}
	if metaOff < uint64(f.Info.FileTableSize) {
		return 0, fmt.Errorf("%w: size %d cannot hold file table of %d", ErrLayout, totalSize, f.Info.FileTableSize)
	}
	return metaOff - uint64(f.Info.FileTableSize), nil
}

// FileEntry describes one file payload inside the superpack.
type FileEntry struct {
	StartPosition   uint64
	CompressedSize  uint32
	OriginalSize    uint32
	CompressedCrc32 uint32
	Type            Codec
	OriginalCrc32   uint32
	MetaIndex       uint32
}

// FileTable is the decoded file table block: entries and their relative
// paths, index-aligned.
type FileTable struct {
	Entries []FileEntry
	Names   []string
}

// Encode renders the table block. Names are stored with namesCodec.
func (t *FileTable) Encode(namesCodec Codec) ([]byte, error) {
	if len(t.Entries) != len(t.Names) {
		return nil, ErrFileNameCount
	}
	var buf bytes.Buffer
	writeU32(&buf, uint32(len(t.Entries)))
	for _, e := range t.Entries {
		var b [FileEntrySize]byte
		binary.LittleEndian.PutUint64(b[0:], e.StartPosition)
		binary.LittleEndian.PutUint32(b[8:], e.CompressedSize)
		binary.LittleEndian.PutUint32(b[12:], e.OriginalSize)
		binary.LittleEndian.PutUint32(b[16:], e.CompressedCrc32)
		binary.LittleEndian.PutUint32(b[20:], uint32(e.Type))
		binary.LittleEndian.PutUint32(b[24:], e.OriginalCrc32)
		binary.LittleEndian.PutUint32(b[28:], e.MetaIndex)
		buf.Write(b[:])
	}

	names := joinNames(t.Names)
	packed, used, err := Compress(namesCodec, names)
	if err != nil {
		return nil, fmt.Errorf("compress file names: %w", err)
	}
	writeU32(&buf, uint32(used))
	writeU32(&buf, uint32(len(names)))
	writeU32(&buf, uint32(len(packed)))
	writeU32(&buf, crc32.ChecksumIEEE(packed))
	buf.Write(packed)
	return buf.Bytes(), nil
}

// DecodeFileTable parses a file table block, checking it against the CRC
// and file count recorded in the footer.
func DecodeFileTable(b []byte, footer SuperpackFooter) (*FileTable, error) {
	if uint32(len(b)) != footer.Info.FileTableSize {
		return nil, fmt.Errorf("%w: file table is %d bytes, footer says %d", ErrTruncated, len(b), footer.Info.FileTableSize)
	}
	if got := crc32.ChecksumIEEE(b); got != footer.Info.FileTableCrc32 {
		return nil, fmt.Errorf("%w: computed %08x, stored %08x", ErrFileTableCrc, got, footer.Info.FileTableCrc32)
	}
	if len(b) < 4 {
		return nil, ErrTruncated
	}
	n := binary.LittleEndian.Uint32(b)
	if n != footer.Info.NumFiles {
		return nil, fmt.Errorf("%w: table has %d files, footer says %d", ErrLayout, n, footer.Info.NumFiles)
	}
	off := 4
	if uint64(len(b)-off) < uint64(n)*FileEntrySize+namesHdrLen {
		return nil, ErrTruncated
	}

	t := &FileTable{Entries: make([]FileEntry, n)}
	for i := range t.Entries {
		e := b[off : off+FileEntrySize]
		t.Entries[i] = FileEntry{
			StartPosition:   binary.LittleEndian.Uint64(e[0:]),
			CompressedSize:  binary.LittleEndian.Uint32(e[8:]),
			OriginalSize:    binary.LittleEndian.Uint32(e[12:]),
			CompressedCrc32: binary.LittleEndian.Uint32(e[16:]),
			Type:            Codec(binary.LittleEndian.Uint32(e[20:])),
			OriginalCrc32:   binary.LittleEndian.Uint32(e[24:]),
			MetaIndex:       binary.LittleEndian.Uint32(e[28:]),
		}
		off += FileEntrySize
	}

	namesCodec := Codec(binary.LittleEndian.Uint32(b[off:]))
	rawLen := binary.LittleEndian.Uint32(b[off+4:])
	packedLen := binary.LittleEndian.Uint32(b[off+8:])
	namesCrc := binary.LittleEndian.Uint32(b[off+12:])
	off += namesHdrLen
	if uint64(len(b)-off) != uint64(packedLen) {
		return nil, fmt.Errorf("%w: names section is %d bytes, header says %d", ErrTruncated, len(b)-off, packedLen)
	}
	packed := b[off:]
	if crc32.ChecksumIEEE(packed) != namesCrc {
		return nil, fmt.Errorf("%w: names section", ErrFileTableCrc)
	}
	raw, err := Decompress(namesCodec, packed, int(rawLen))
	if err != nil {
		return nil, fmt.Errorf("decode file names: %w", err)
	}
	t.Names = splitNames(raw, int(n))
	if len(t.Names) != int(n) {
		return nil, fmt.Errorf("%w: %d names for %d files", ErrFileNameCount, len(t.Names), n)
	}
	return t, nil
}

// EncodeMetaBlock wraps serialized pack metadata with its codec header.
func EncodeMetaBlock(meta []byte, c Codec) ([]byte, error) {
	packed, used, err := Compress(c, meta)
	if err != nil {
		return nil, fmt.Errorf("compress meta: %w", err)
	}
	var buf bytes.Buffer
	writeU32(&buf, uint32(used))
	writeU32(&buf, uint32(len(meta)))
	buf.Write(packed)
	return buf.Bytes(), nil
}

// DecodeMetaBlock checks the block against the footer and returns the
// serialized pack metadata it carries.
func DecodeMetaBlock(b []byte, footer SuperpackFooter) ([]byte, error) {
	if uint32(len(b)) != footer.Info.MetaSize {
		return nil, fmt.Errorf("%w: meta block is %d bytes, footer says %d", ErrTruncated, len(b), footer.Info.MetaSize)
	}
	if got := crc32.ChecksumIEEE(b); got != footer.Info.MetaCrc32 {
		return nil, fmt.Errorf("%w: computed %08x, stored %08x", ErrMetaCrc, got, footer.Info.MetaCrc32)
	}
	if len(b) < metaHdrLen {
		return nil, ErrTruncated
	}
	c := Codec(binary.LittleEndian.Uint32(b))
	rawLen := binary.LittleEndian.Uint32(b[4:])
	return Decompress(c, b[metaHdrLen:], int(rawLen))
}

func joinNames(names []string) []byte {
	var buf bytes.Buffer
	for i, n := range names {
		if i > 0 {
			buf.WriteByte(0)
		}
		buf.WriteString(n)
	}
	return buf.Bytes()
}

func splitNames(raw []byte, n int) []string {
	if n == 0 {
		return []string{}
	}
	parts := bytes.Split(raw, []byte{0})
	out := make([]string, len(parts))
	for i, p := range parts {
		out[i] = string(p)
	}
	return out
}

func writeU32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}
