// Package spool stages frame payloads received from the network, in memory
// when small and in temporary files otherwise.
package spool

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/lightcomp/filetransfer-sub000/internal/bufpool"
	"github.com/lightcomp/filetransfer-sub000/pkg/frame"
)

// DefaultMemoryLimit is the largest payload kept in memory by a zero Stager.
const DefaultMemoryLimit = 1024 * 1024

// Stager copies payload bytes off a stream so the stream can be reused
// before the frame is processed.
type Stager struct {
	// Dir holds temporary files; empty means os.TempDir.
	Dir string
	// MemoryLimit is the largest payload kept in memory. Zero selects
	// DefaultMemoryLimit, a negative value always spools to disk.
	MemoryLimit int64
	// Sync forces spooled files to stable storage before Stage returns.
	Sync bool
}

// Stage reads exactly size bytes from r into a payload.
func (s *Stager) Stage(r io.Reader, size int64) (frame.Payload, error) {
	limit := s.MemoryLimit
	if limit == 0 {
		limit = DefaultMemoryLimit
	}
	if size <= limit {
		buf := bytes.NewBuffer(make([]byte, 0, size))
		if err := bufpool.Default.CopyN(buf, r, size); err != nil {
			return nil, fmt.Errorf("stage payload: %w", err)
		}
		return frame.Bytes(buf.Bytes()), nil
	}
	return s.stageFile(r, size)
}

func (s *Stager) stageFile(r io.Reader, size int64) (_ frame.Payload, err error) {
	f, err := os.CreateTemp(s.Dir, "frame-*.spool")
	if err != nil {
		return nil, fmt.Errorf("failed to create spool file: %w", err)
	}
	path := f.Name()
	defer func() {
		if err != nil {
			f.Close()
			os.Remove(path)
		}
	}()
	if err := bufpool.Default.CopyN(f, r, size); err != nil {
		return nil, fmt.Errorf("stage payload: %w", err)
	}
	if s.Sync {
		if err := f.Sync(); err != nil {
			return nil, fmt.Errorf("failed to sync spool file: %w", err)
		}
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("failed to close spool file: %w", err)
	}
	return &File{path: path, size: size}, nil
}

// File is a payload backed by a temporary file, removed on Release.
type File struct {
	path string
	size int64

	mu       sync.Mutex
	released bool
}

func (f *File) Size() int64 { return f.size }

// Path returns the spool file location.
func (f *File) Path() string { return f.path }

func (f *File) Open() (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.released {
		return nil, os.ErrNotExist
	}
	file, err := os.Open(f.path)
	if err != nil {
		return nil, fmt.Errorf("failed to open spool file: %w", err)
	}
	return file, nil
}

func (f *File) Release() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.released {
		return nil
	}
	f.released = true
	if err := os.Remove(f.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove spool file: %w", err)
	}
	return nil
}

var _ frame.Payload = (*File)(nil)
