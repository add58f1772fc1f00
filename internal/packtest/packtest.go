// Package packtest assembles small superpacks for tests.
package packtest

import (
	"bytes"
	"fmt"
	"hash/crc32"
	"testing"

	"github.com/breeze-rmm/dlc/pkg/packformat"
	"github.com/breeze-rmm/dlc/pkg/packmeta"
)

// Pack declares a pack and the names of its direct dependencies.
type Pack struct {
	Name string
	Deps []string
}

// File is one file of a pack. Codec defaults to CodecNone.
type File struct {
	Name    string
	Pack    string
	Content []byte
	Codec   packformat.Codec
}

// Superpack is a built superpack plus the decoded structures for
// assertions.
type Superpack struct {
	Data   []byte
	Footer packformat.SuperpackFooter
	Table  *packformat.FileTable
	Meta   *packmeta.PackMetaData
}

// Build lays out payloads, file table, meta block and footer.
func Build(packs []Pack, files []File) (*Superpack, error) {
	index := make(map[string]uint32, len(packs))
	for i, p := range packs {
		index[p.Name] = uint32(i)
	}
	metaPacks := make([]packmeta.Pack, len(packs))
	for i, p := range packs {
		metaPacks[i].Name = p.Name
		for _, d := range p.Deps {
			di, ok := index[d]
			if !ok {
				return nil, fmt.Errorf("pack %q depends on undeclared %q", p.Name, d)
			}
			metaPacks[i].Dependencies = append(metaPacks[i].Dependencies, di)
		}
	}

	var data bytes.Buffer
	table := &packformat.FileTable{}
	fileToPack := make([]uint32, len(files))
	for i, f := range files {
		pi, ok := index[f.Pack]
		if !ok {
			return nil, fmt.Errorf("file %q belongs to undeclared pack %q", f.Name, f.Pack)
		}
		fileToPack[i] = pi
		packed, used, err := packformat.Compress(f.Codec, f.Content)
		if err != nil {
			return nil, err
		}
		table.Entries = append(table.Entries, packformat.FileEntry{
			StartPosition:   uint64(data.Len()),
			CompressedSize:  uint32(len(packed)),
			OriginalSize:    uint32(len(f.Content)),
			CompressedCrc32: crc32.ChecksumIEEE(packed),
			Type:            used,
			OriginalCrc32:   crc32.ChecksumIEEE(f.Content),
			MetaIndex:       uint32(i),
		})
		table.Names = append(table.Names, f.Name)
		data.Write(packed)
	}

	meta, err := packmeta.New(fileToPack, metaPacks)
	if err != nil {
		return nil, err
	}
	tableBlock, err := table.Encode(packformat.CodecLZ4)
	if err != nil {
		return nil, err
	}
	metaBlock, err := packformat.EncodeMetaBlock(meta.Serialize(), packformat.CodecZstd)
	if err != nil {
		return nil, err
	}
	footer := packformat.SuperpackFooter{Info: packformat.FooterInfo{
		MetaCrc32:      crc32.ChecksumIEEE(metaBlock),
		MetaSize:       uint32(len(metaBlock)),
		FileTableCrc32: crc32.ChecksumIEEE(tableBlock),
		FileTableSize:  uint32(len(tableBlock)),
		NumFiles:       uint32(len(files)),
		Marker:         packformat.SuperpackMarker,
	}}
	data.Write(tableBlock)
	data.Write(metaBlock)
	data.Write(footer.Encode())

	footer, err = packformat.DecodeFooter(data.Bytes()[data.Len()-packformat.FooterSize:])
	if err != nil {
		return nil, err
	}
	return &Superpack{Data: data.Bytes(), Footer: footer, Table: table, Meta: meta}, nil
}

// MustBuild is Build for tests.
func MustBuild(tb testing.TB, packs []Pack, files []File) *Superpack {
	tb.Helper()
	sp, err := Build(packs, files)
	if err != nil {
		tb.Fatalf("build superpack: %v", err)
	}
	return sp
}

// PayloadSize sums compressed sizes plus Lite footers: the bytes a client
// ends up storing for the given file indexes.
func (sp *Superpack) PayloadSize(files ...uint32) uint64 {
	var n uint64
	for _, fi := range files {
		n += uint64(sp.Table.Entries[fi].CompressedSize) + packformat.LiteFooterSize
	}
	return n
}

// FileIndex returns the index of the named file or panics.
func (sp *Superpack) FileIndex(name string) uint32 {
	for i, n := range sp.Table.Names {
		if n == name {
			return uint32(i)
		}
	}
	panic("packtest: no file " + name)
}
