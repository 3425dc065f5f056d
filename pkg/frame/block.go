// Package frame defines the unit of the transfer protocol: a bounded frame
// of block descriptors plus one contiguous data payload.
package frame

import (
	"fmt"
	"time"
)

// Kind identifies a block variant on the wire.
type Kind byte

const (
	KindDirBegin  = Kind(0x01)
	KindDirEnd    = Kind(0x02)
	KindFileBegin = Kind(0x03)
	KindFileData  = Kind(0x04)
	KindFileEnd   = Kind(0x05)
)

func (k Kind) String() string {
	switch k {
	case KindDirBegin:
		return "dir_begin"
	case KindDirEnd:
		return "dir_end"
	case KindFileBegin:
		return "file_begin"
	case KindFileData:
		return "file_data"
	case KindFileEnd:
		return "file_end"
	default:
		return fmt.Sprintf("kind(%d)", byte(k))
	}
}

// Block is one step of tree reconstruction. The set of implementations is
// closed: DirBegin, DirEnd, FileBegin, FileData and FileEnd.
type Block interface {
	Kind() Kind
	block()
}

// DirBegin opens a child directory of the current directory.
type DirBegin struct {
	Name string
}

// DirEnd closes the current directory.
type DirEnd struct{}

// FileBegin opens a file in the current directory.
type FileBegin struct {
	Name string
	Size int64
}

// FileData carries Size bytes of the open file starting at Offset. The bytes
// are read from the frame payload at its current position.
type FileData struct {
	Offset int64
	Size   int64
}

// FileEnd closes the open file.
type FileEnd struct {
	LastModified time.Time
	Checksum     []byte
}

func (DirBegin) Kind() Kind  { return KindDirBegin }
func (DirEnd) Kind() Kind    { return KindDirEnd }
func (FileBegin) Kind() Kind { return KindFileBegin }
func (FileData) Kind() Kind  { return KindFileData }
func (FileEnd) Kind() Kind   { return KindFileEnd }

func (DirBegin) block()  {}
func (DirEnd) block()    {}
func (FileBegin) block() {}
func (FileData) block()  {}
func (FileEnd) block()   {}

// DataSize returns the number of payload bytes a block consumes.
func DataSize(b Block) int64 {
	if d, ok := b.(FileData); ok {
		return d.Size
	}
	return 0
}
