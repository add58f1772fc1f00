package packformat

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/ulikunitz/xz"
)

// Codec tags the compression applied to a file payload inside a superpack.
// The numeric values are part of the wire format.
type Codec uint32

const (
	CodecNone    Codec = 0
	CodecLZ4     Codec = 1
	CodecLZ4HC   Codec = 2
	CodecRFC1951 Codec = 3
	CodecZstd    Codec = 4
	CodecXZ      Codec = 5
)

// ErrUnknownCodec is returned for a tag outside the known set.
var ErrUnknownCodec = errors.New("packformat: unknown codec")

var codecNames = map[Codec]string{
	CodecNone:    "none",
	CodecLZ4:     "lz4",
	CodecLZ4HC:   "lz4hc",
	CodecRFC1951: "rfc1951",
	CodecZstd:    "zstd",
	CodecXZ:      "xz",
}

func (c Codec) String() string {
	if s, ok := codecNames[c]; ok {
		return s
	}
	return fmt.Sprintf("codec(%d)", uint32(c))
}

// Valid reports whether c is a known tag.
func (c Codec) Valid() bool {
	_, ok := codecNames[c]
	return ok
}

// ParseCodec maps a name such as "lz4hc" or "deflate" to its tag.
func ParseCodec(s string) (Codec, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	if name == "deflate" {
		return CodecRFC1951, nil
	}
	for c, n := range codecNames {
		if n == name {
			return c, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownCodec, s)
}

// Compress encodes src with c. The returned codec may differ from c: LZ4
// input that does not shrink is stored as CodecNone.
func Compress(c Codec, src []byte) ([]byte, Codec, error) {
	switch c {
	case CodecNone:
		return append([]byte(nil), src...), CodecNone, nil
	case CodecLZ4, CodecLZ4HC:
		dst := make([]byte, lz4.CompressBlockBound(len(src)))
		var n int
		var err error
		if c == CodecLZ4HC {
			n, err = lz4.CompressBlockHC(src, dst, lz4.Level9, nil, nil)
		} else {
			n, err = lz4.CompressBlock(src, dst, nil)
		}
		if err != nil {
			return nil, 0, fmt.Errorf("lz4 compress: %w", err)
		}
		if n == 0 || n >= len(src) {
			return append([]byte(nil), src...), CodecNone, nil
		}
		return dst[:n], c, nil
	case CodecRFC1951:
		var buf bytes.Buffer
		w, err := flate.NewWriter(&buf, flate.BestCompression)
		if err != nil {
			return nil, 0, err
		}
		if _, err := w.Write(src); err != nil {
			return nil, 0, fmt.Errorf("deflate compress: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, 0, fmt.Errorf("deflate compress: %w", err)
		}
		return buf.Bytes(), c, nil
	case CodecZstd:
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, 0, err
		}
		defer enc.Close()
		return enc.EncodeAll(src, nil), c, nil
	case CodecXZ:
		var buf bytes.Buffer
		w, err := xz.NewWriter(&buf)
		if err != nil {
			return nil, 0, err
		}
		if _, err := w.Write(src); err != nil {
			return nil, 0, fmt.Errorf("xz compress: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, 0, fmt.Errorf("xz compress: %w", err)
		}
		return buf.Bytes(), c, nil
	}
	return nil, 0, fmt.Errorf("%w: %d", ErrUnknownCodec, uint32(c))
}

// Decompress decodes src produced by codec c. originalSize is the expected
// decoded length; a mismatch is an error.
func Decompress(c Codec, src []byte, originalSize int) ([]byte, error) {
	var out []byte
	switch c {
	case CodecNone:
		out = append([]byte(nil), src...)
	case CodecLZ4, CodecLZ4HC:
		out = make([]byte, originalSize)
		n, err := lz4.UncompressBlock(src, out)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		out = out[:n]
	case CodecRFC1951:
		r := flate.NewReader(bytes.NewReader(src))
		defer r.Close()
		b, err := readAllSized(r, originalSize)
		if err != nil {
			return nil, fmt.Errorf("deflate decompress: %w", err)
		}
		out = b
	case CodecZstd:
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, err
		}
		defer dec.Close()
		out, err = dec.DecodeAll(src, make([]byte, 0, originalSize))
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
	case CodecXZ:
		r, err := xz.NewReader(bytes.NewReader(src))
		if err != nil {
			return nil, fmt.Errorf("xz decompress: %w", err)
		}
		out, err = readAllSized(r, originalSize)
		if err != nil {
			return nil, fmt.Errorf("xz decompress: %w", err)
		}
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownCodec, uint32(c))
	}
	if len(out) != originalSize {
		return nil, fmt.Errorf("%s decompress: got %d bytes, want %d", c, len(out), originalSize)
	}
	return out, nil
}

func readAllSized(r io.Reader, size int) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(size)
	if _, err := io.Copy(&buf, r); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
