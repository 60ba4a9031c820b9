package adapter

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/Ning0612/xferd/internal/domain"
)

// Source is an upload source that can be opened more than once, so a
// resumed transfer can read it again from the beginning.
type Source interface {
	// Name is the base name used when the protocol needs one (SCP)
	Name() string

	// Size is the number of bytes Open yields, or 0 if unknown
	Size() int64

	// Open returns a fresh reader positioned at the first byte
	Open() (io.ReadCloser, error)
}

type fileSource struct {
	path string
	size int64
	mode os.FileMode
}

// FileSource returns a Source reading the local file at path
func FileSource(path string) (Source, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", domain.ErrNotFound, path)
		}
		return nil, fmt.Errorf("%w: stat %s: %v", domain.ErrIO, path, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: %s is a directory", domain.ErrIO, path)
	}
	return &fileSource{path: path, size: info.Size(), mode: info.Mode().Perm()}, nil
}

func (s *fileSource) Name() string { return filepath.Base(s.path) }
func (s *fileSource) Size() int64  { return s.size }

func (s *fileSource) Open() (io.ReadCloser, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", domain.ErrIO, s.path, err)
	}
	return f, nil
}

// Mode returns the permission bits of the local file
func (s *fileSource) Mode() os.FileMode { return s.mode }

// Path returns the local file path
func (s *fileSource) Path() string { return s.path }

type bytesSource struct {
	name string
	data []byte
}

// BytesSource returns a Source over an in-memory buffer
func BytesSource(name string, data []byte) Source {
	return &bytesSource{name: name, data: data}
}

func (s *bytesSource) Name() string { return s.name }
func (s *bytesSource) Size() int64  { return int64(len(s.data)) }

func (s *bytesSource) Open() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(s.data)), nil
}

// ModeOf returns the permission bits to create the remote file with
func ModeOf(src Source) os.FileMode {
	if m, ok := src.(interface{ Mode() os.FileMode }); ok && m.Mode() != 0 {
		return m.Mode()
	}
	return 0644
}

// PathOf returns the local path behind src, or "" for in-memory sources
func PathOf(src Source) string {
	if p, ok := src.(interface{ Path() string }); ok {
		return p.Path()
	}
	return ""
}
