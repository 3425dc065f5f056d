package tree

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// DiskDir is a directory on the local filesystem. Children are read when
// Children is called, sorted by name for deterministic ordering.
type DiskDir struct {
	path string
	name string
}

// DiskFile is a regular file on the local filesystem.
type DiskFile struct {
	path    string
	name    string
	size    int64
	modTime time.Time
}

// Open returns the directory rooted at path.
// Returns an error if path does not exist or is not a directory.
func Open(path string) (*DiskDir, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("path does not exist: %s", path)
		}
		return nil, fmt.Errorf("cannot access path: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("not a directory: %s", path)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("cannot get absolute path: %w", err)
	}
	return &DiskDir{path: abs, name: filepath.Base(abs)}, nil
}

func (d *DiskDir) Name() string { return d.name }

// Path returns the absolute directory path.
func (d *DiskDir) Path() string { return d.path }

// Children lists the directory. Symlinks and special files are skipped.
func (d *DiskDir) Children() (Iterator, error) {
	entries, err := os.ReadDir(d.path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", d.path, err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})
	return &diskIterator{dir: d, entries: entries}, nil
}

type diskIterator struct {
	dir     *DiskDir
	entries []fs.DirEntry
	pos     int
}

func (it *diskIterator) Next() (Item, error) {
	for it.pos < len(it.entries) {
		entry := it.entries[it.pos]
		it.pos++
		path := filepath.Join(it.dir.path, entry.Name())
		if entry.IsDir() {
			return &DiskDir{path: path, name: entry.Name()}, nil
		}
		if !entry.Type().IsRegular() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			return nil, fmt.Errorf("cannot get info for %s: %w", path, err)
		}
		return &DiskFile{
			path:    path,
			name:    entry.Name(),
			size:    info.Size(),
			modTime: info.ModTime(),
		}, nil
	}
	return nil, io.EOF
}

func (it *diskIterator) Close() error { return nil }

func (f *DiskFile) Name() string            { return f.name }
func (f *DiskFile) Size() int64             { return f.size }
func (f *DiskFile) LastModified() time.Time { return f.modTime }
func (f *DiskFile) Checksum() []byte        { return nil }

// Path returns the absolute file path.
func (f *DiskFile) Path() string { return f.path }

func (f *DiskFile) Open() (io.ReadCloser, error) {
	file, err := os.Open(f.path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	return file, nil
}

var (
	_ Dir  = (*DiskDir)(nil)
	_ File = (*DiskFile)(nil)
)
