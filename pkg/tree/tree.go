// Package tree describes the source item tree a transfer reads from: a root
// directory whose children are produced lazily, in a stable order.
package tree

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"time"
)

// Item is a directory or a file.
type Item interface {
	Name() string
}

// Dir is a directory whose children are listed on demand.
type Dir interface {
	Item
	Children() (Iterator, error)
}

// File is a regular file. Checksum returns a precomputed digest or nil.
type File interface {
	Item
	Size() int64
	LastModified() time.Time
	Checksum() []byte
	Open() (io.ReadCloser, error)
}

// Iterator yields the children of a directory. Next returns io.EOF once all
// children have been produced.
type Iterator interface {
	Next() (Item, error)
	Close() error
}

// Summary holds totals of a tree.
type Summary struct {
	TotalBytes  int64
	FileCount   int
	FolderCount int
}

// Summarize walks the whole tree and counts files, folders and bytes. The
// root directory itself is not counted.
func Summarize(root Dir) (Summary, error) {
	var s Summary
	if err := summarize(root, &s); err != nil {
		return Summary{}, err
	}
	return s, nil
}

func summarize(dir Dir, s *Summary) error {
	it, err := dir.Children()
	if err != nil {
		return fmt.Errorf("list %s: %w", dir.Name(), err)
	}
	defer it.Close()
	for {
		item, err := it.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("list %s: %w", dir.Name(), err)
		}
		switch item := item.(type) {
		case Dir:
			s.FolderCount++
			if err := summarize(item, s); err != nil {
				return err
			}
		case File:
			s.FileCount++
			s.TotalBytes += item.Size()
		}
	}
}

// MemDir is an in-memory directory.
type MemDir struct {
	name     string
	children []Item
}

// NewDir creates an in-memory directory with the given children.
func NewDir(name string, children ...Item) *MemDir {
	return &MemDir{name: name, children: children}
}

// Add appends children to the directory.
func (d *MemDir) Add(children ...Item) *MemDir {
	d.children = append(d.children, children...)
	return d
}

func (d *MemDir) Name() string { return d.name }

func (d *MemDir) Children() (Iterator, error) {
	return SliceIterator(d.children), nil
}

// MemFile is an in-memory file.
type MemFile struct {
	name     string
	data     []byte
	modTime  time.Time
	checksum []byte
}

// NewFile creates an in-memory file.
func NewFile(name string, data []byte, modTime time.Time) *MemFile {
	return &MemFile{name: name, data: data, modTime: modTime}
}

// WithChecksum attaches a precomputed digest.
func (f *MemFile) WithChecksum(sum []byte) *MemFile {
	f.checksum = sum
	return f
}

func (f *MemFile) Name() string            { return f.name }
func (f *MemFile) Size() int64             { return int64(len(f.data)) }
func (f *MemFile) LastModified() time.Time { return f.modTime }
func (f *MemFile) Checksum() []byte        { return f.checksum }

func (f *MemFile) Open() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(f.data)), nil
}

type sliceIterator struct {
	items []Item
	pos   int
}

// SliceIterator iterates over a fixed list of items.
func SliceIterator(items []Item) Iterator {
	return &sliceIterator{items: items}
}

func (it *sliceIterator) Next() (Item, error) {
	if it.pos >= len(it.items) {
		return nil, io.EOF
	}
	item := it.items[it.pos]
	it.pos++
	return item, nil
}

func (it *sliceIterator) Close() error { return nil }

var (
	_ Dir  = (*MemDir)(nil)
	_ File = (*MemFile)(nil)
)
