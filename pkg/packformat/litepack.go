package packformat

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
)

// LiteFooterSize is the size of the trailer appended to every materialized
// file once its payload checksum is verified.
const LiteFooterSize = 20

// LitePackMarker identifies a Lite pack footer.
var LitePackMarker = [4]byte{'D', 'V', 'P', 'L'}

// ErrLiteCrc is returned when a Lite pack payload does not match its footer.
var ErrLiteCrc = errors.New("packformat: lite pack crc mismatch")

// LiteFooter is the per-file trailer written after CRC verification.
type LiteFooter struct {
	Type             Codec
	CompressedCrc32  uint32
	UncompressedSize uint32
	CompressedSize   uint32
	Marker           [4]byte
}

// LiteFooterFor builds the footer matching a file table entry.
func LiteFooterFor(e FileEntry) LiteFooter {
	return LiteFooter{
		Type:             e.Type,
		CompressedCrc32:  e.CompressedCrc32,
		UncompressedSize: e.OriginalSize,
		CompressedSize:   e.CompressedSize,
		Marker:           LitePackMarker,
	}
}

func (f LiteFooter) Encode() []byte {
	b := make([]byte, LiteFooterSize)
	binary.LittleEndian.PutUint32(b[0:], uint32(f.Type))
	binary.LittleEndian.PutUint32(b[4:], f.CompressedCrc32)
	binary.LittleEndian.PutUint32(b[8:], f.UncompressedSize)
	binary.LittleEndian.PutUint32(b[12:], f.CompressedSize)
	copy(b[16:], f.Marker[:])
	return b
}

// DecodeLiteFooter parses a Lite footer and checks its marker.
func DecodeLiteFooter(b []byte) (LiteFooter, error) {
	var f LiteFooter
	if len(b) != LiteFooterSize {
		return f, fmt.Errorf("%w: lite footer is %d bytes", ErrTruncated, len(b))
	}
	f.Type = Codec(binary.LittleEndian.Uint32(b[0:]))
	f.CompressedCrc32 = binary.LittleEndian.Uint32(b[4:])
	f.UncompressedSize = binary.LittleEndian.Uint32(b[8:])
	f.CompressedSize = binary.LittleEndian.Uint32(b[12:])
	copy(f.Marker[:], b[16:])
	if f.Marker != LitePackMarker {
		return f, fmt.Errorf("%w: %q", ErrBadMarker, f.Marker[:])
	}
	return f, nil
}

// ReadLiteFooter reads the trailer of the Lite pack at path.
func ReadLiteFooter(path string) (LiteFooter, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return LiteFooter{}, 0, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return LiteFooter{}, 0, err
	}
	if info.Size() < LiteFooterSize {
		return LiteFooter{}, info.Size(), fmt.Errorf("%w: %s is %d bytes", ErrTruncated, path, info.Size())
	}
	b := make([]byte, LiteFooterSize)
	if _, err := f.ReadAt(b, info.Size()-LiteFooterSize); err != nil {
		return LiteFooter{}, info.Size(), err
	}
	footer, err := DecodeLiteFooter(b)
	return footer, info.Size(), err
}

// ReadLitePack validates the Lite pack at path and returns its decoded
// content.
func ReadLitePack(path string) ([]byte, error) {
	footer, size, err := ReadLiteFooter(path)
	if err != nil {
		return nil, err
	}
	if size != int64(footer.CompressedSize)+LiteFooterSize {
		return nil, fmt.Errorf("%w: %s is %d bytes, footer expects %d", ErrTruncated, path, size, int64(footer.CompressedSize)+LiteFooterSize)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	payload := make([]byte, footer.CompressedSize)
	if _, err := io.ReadFull(f, payload); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if crc32.ChecksumIEEE(payload) != footer.CompressedCrc32 {
		return nil, fmt.Errorf("%w: %s", ErrLiteCrc, path)
	}
	return Decompress(footer.Type, payload, int(footer.UncompressedSize))
}
