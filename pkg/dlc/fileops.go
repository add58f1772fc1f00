package dlc

import (
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// fileSystem is the local file access used by file requests; tests swap it
// to inject write failures.
type fileSystem interface {
	// Size returns the file size and whether it exists.
	Size(path string) (int64, bool, error)
	Remove(path string) error
	MkdirAll(dir string) error
	CreateEmpty(path string) error
	// CRC32Prefix hashes the first n bytes. size is the full file size.
	CRC32Prefix(path string, n int64) (crc uint32, size int64, err error)
	// WriteFooter truncates the file to payloadSize and appends footer.
	WriteFooter(path string, payloadSize int64, footer []byte) error
}

type osFS struct{}

func (osFS) Size(path string) (int64, bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return info.Size(), true, nil
}

func (osFS) Remove(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (osFS) MkdirAll(dir string) error {
	return os.MkdirAll(dir, 0o755)
}

func (osFS) CreateEmpty(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	return f.Close()
}

func (osFS) CRC32Prefix(path string, n int64) (uint32, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return 0, 0, err
	}
	h := crc32.NewIEEE()
	if _, err := io.Copy(h, io.LimitReader(f, n)); err != nil {
		return 0, info.Size(), err
	}
	return h.Sum32(), info.Size(), nil
}

func (osFS) WriteFooter(path string, payloadSize int64, footer []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if err := f.Truncate(payloadSize); err != nil {
		f.Close()
		return err
	}
	if _, err := f.WriteAt(footer, payloadSize); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// localPath maps a superpack file name to its Lite pack path under root,
// rejecting names that would escape root.
func localPath(root, name string) (string, error) {
	if name == "" || strings.ContainsRune(name, 0) {
		return "", fmt.Errorf("%w: %q", ErrUnsafePath, name)
	}
	rel := filepath.FromSlash(name)
	if filepath.IsAbs(rel) || filepath.VolumeName(rel) != "" {
		return "", fmt.Errorf("%w: %q", ErrUnsafePath, name)
	}
	full := filepath.Join(root, rel+".dvpl")
	within, err := filepath.Rel(root, full)
	if err != nil || within == ".." || strings.HasPrefix(within, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrUnsafePath, name)
	}
	return full, nil
}
