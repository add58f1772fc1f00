package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/klauspost/compress/gzip"
)

// RotationOptions bound the size of a rotating log.
type RotationOptions struct {
	MaxSizeMB  int  // rotate once the active file would exceed this, default 10
	MaxBackups int  // rotated files kept, default 3
	Compress   bool // gzip rotated files
}

// RotatingWriter is the session log behind Hints.LogFilePath. Rotated files
// are named <path>.1, <path>.2, ... (with .gz when compressed), .1 being the
// newest. Safe for concurrent use.
type RotatingWriter struct {
	mu      sync.Mutex
	path    string
	opts    RotationOptions
	limit   int64
	file    *os.File
	written int64
}

func NewRotatingWriter(path string, opts RotationOptions) (*RotatingWriter, error) {
	if opts.MaxSizeMB <= 0 {
		opts.MaxSizeMB = 10
	}
	if opts.MaxBackups <= 0 {
		opts.MaxBackups = 3
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	rw := &RotatingWriter{path: path, opts: opts, limit: int64(opts.MaxSizeMB) << 20}
	if err := rw.open(); err != nil {
		return nil, err
	}
	return rw, nil
}

func (rw *RotatingWriter) Write(p []byte) (int, error) {
	rw.mu.Lock()
	defer rw.mu.Unlock()

	if rw.file == nil {
		return 0, os.ErrClosed
	}
	if rw.written > 0 && rw.written+int64(len(p)) > rw.limit {
		if err := rw.rotate(); err != nil {
			return 0, fmt.Errorf("log rotation: %w", err)
		}
	}
	n, err := rw.file.Write(p)
	rw.written += int64(n)
	return n, err
}

func (rw *RotatingWriter) Close() error {
	rw.mu.Lock()
	defer rw.mu.Unlock()

	if rw.file == nil {
		return nil
	}
	err := rw.file.Close()
	rw.file = nil
	return err
}

// Path returns the active log file path.
func (rw *RotatingWriter) Path() string {
	return rw.path
}

// Backup returns the name of the index-th rotated file.
func (rw *RotatingWriter) Backup(index int) string {
	name := fmt.Sprintf("%s.%d", rw.path, index)
	if rw.opts.Compress {
		name += ".gz"
	}
	return name
}

func (rw *RotatingWriter) open() error {
	f, err := os.OpenFile(rw.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat log file: %w", err)
	}
	rw.file = f
	rw.written = info.Size()
	return nil
}

func (rw *RotatingWriter) rotate() error {
	if err := rw.file.Close(); err != nil {
		return err
	}
	rw.file = nil

	os.Remove(rw.Backup(rw.opts.MaxBackups))
	for i := rw.opts.MaxBackups - 1; i >= 1; i-- {
		os.Rename(rw.Backup(i), rw.Backup(i+1))
	}

	if rw.opts.Compress {
		if err := gzipFile(rw.path, rw.Backup(1)); err != nil {
			return err
		}
		if err := os.Remove(rw.path); err != nil {
			return err
		}
	} else if err := os.Rename(rw.path, rw.Backup(1)); err != nil {
		return err
	}
	return rw.open()
}

func gzipFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	zw := gzip.NewWriter(out)
	zw.Name = filepath.Base(src)
	if _, err := io.Copy(zw, in); err != nil {
		zw.Close()
		out.Close()
		os.Remove(dst)
		return err
	}
	if err := zw.Close(); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	return out.Close()
}
