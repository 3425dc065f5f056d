package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"
)

const (
	headerMagic = "FTF1"

	// MaxBlocks bounds the block count accepted when decoding a header.
	MaxBlocks = 1 << 20
	// MaxNameLength bounds item names carried by DirBegin/FileBegin.
	MaxNameLength = 255
	// MaxChecksumLength bounds the digest carried by FileEnd.
	MaxChecksumLength = 64
)

var (
	// ErrInvalidMagic indicates the header magic bytes don't match.
	ErrInvalidMagic = errors.New("invalid frame magic")
	// ErrInvalidBlockKind indicates an unknown block type on the wire.
	ErrInvalidBlockKind = errors.New("invalid block kind")
	// ErrTooManyBlocks indicates the header declares more than MaxBlocks blocks.
	ErrTooManyBlocks = errors.New("too many blocks")
	// ErrNameTooLong indicates an item name longer than MaxNameLength.
	ErrNameTooLong = errors.New("item name too long")
	// ErrChecksumTooLong indicates a digest longer than MaxChecksumLength.
	ErrChecksumTooLong = errors.New("checksum too long")
)

// WriteHeader writes the frame metadata and block list. The payload is not
// written; transports stream DataSize payload bytes after the header.
func WriteHeader(w io.Writer, f *Frame) error {
	if len(f.Blocks) > MaxBlocks {
		return ErrTooManyBlocks
	}
	if err := writeFull(w, []byte(headerMagic), "magic"); err != nil {
		return err
	}
	if err := writeUint32(w, uint32(f.SeqNum), "seq"); err != nil {
		return err
	}
	last := byte(0)
	if f.Last {
		last = 1
	}
	if err := writeFull(w, []byte{last}, "last flag"); err != nil {
		return err
	}
	if err := writeUint64(w, uint64(f.DataSize), "data size"); err != nil {
		return err
	}
	if err := writeUint32(w, uint32(len(f.Blocks)), "block count"); err != nil {
		return err
	}
	for i, b := range f.Blocks {
		if err := writeBlock(w, b); err != nil {
			return fmt.Errorf("block %d: %w", i, err)
		}
	}
	return nil
}

// ReadHeader reads a header written by WriteHeader. The returned frame has no
// payload attached.
func ReadHeader(r io.Reader) (*Frame, error) {
	magic := make([]byte, len(headerMagic))
	if err := readFull(r, magic, "magic"); err != nil {
		return nil, err
	}
	if string(magic) != headerMagic {
		return nil, ErrInvalidMagic
	}
	seq, err := readUint32(r, "seq")
	if err != nil {
		return nil, err
	}
	var last [1]byte
	if err := readFull(r, last[:], "last flag"); err != nil {
		return nil, err
	}
	dataSize, err := readUint64(r, "data size")
	if err != nil {
		return nil, err
	}
	count, err := readUint32(r, "block count")
	if err != nil {
		return nil, err
	}
	if count > MaxBlocks {
		return nil, ErrTooManyBlocks
	}
	f := &Frame{
		SeqNum:   int(seq),
		Last:     last[0] == 1,
		DataSize: int64(dataSize),
		Blocks:   make([]Block, 0, count),
	}
	for i := uint32(0); i < count; i++ {
		b, err := readBlock(r)
		if err != nil {
			return nil, fmt.Errorf("block %d: %w", i, err)
		}
		f.Blocks = append(f.Blocks, b)
	}
	return f, nil
}

func writeBlock(w io.Writer, b Block) error {
	if err := writeFull(w, []byte{byte(b.Kind())}, "block kind"); err != nil {
		return err
	}
	switch b := b.(type) {
	case DirBegin:
		return writeName(w, b.Name)
	case DirEnd:
		return nil
	case FileBegin:
		if err := writeName(w, b.Name); err != nil {
			return err
		}
		return writeUint64(w, uint64(b.Size), "file size")
	case FileData:
		if err := writeUint64(w, uint64(b.Offset), "data offset"); err != nil {
			return err
		}
		return writeUint64(w, uint64(b.Size), "data size")
	case FileEnd:
		if len(b.Checksum) > MaxChecksumLength {
			return ErrChecksumTooLong
		}
		if err := writeUint64(w, uint64(b.LastModified.UnixNano()), "last modified"); err != nil {
			return err
		}
		if err := writeFull(w, []byte{byte(len(b.Checksum))}, "checksum length"); err != nil {
			return err
		}
		return writeFull(w, b.Checksum, "checksum")
	default:
		return fmt.Errorf("%w: %T", ErrInvalidBlockKind, b)
	}
}

func readBlock(r io.Reader) (Block, error) {
	var kind [1]byte
	if err := readFull(r, kind[:], "block kind"); err != nil {
		return nil, err
	}
	switch Kind(kind[0]) {
	case KindDirBegin:
		name, err := readName(r)
		if err != nil {
			return nil, err
		}
		return DirBegin{Name: name}, nil
	case KindDirEnd:
		return DirEnd{}, nil
	case KindFileBegin:
		name, err := readName(r)
		if err != nil {
			return nil, err
		}
		size, err := readUint64(r, "file size")
		if err != nil {
			return nil, err
		}
		return FileBegin{Name: name, Size: int64(size)}, nil
	case KindFileData:
		offset, err := readUint64(r, "data offset")
		if err != nil {
			return nil, err
		}
		size, err := readUint64(r, "data size")
		if err != nil {
			return nil, err
		}
		return FileData{Offset: int64(offset), Size: int64(size)}, nil
	case KindFileEnd:
		mtime, err := readUint64(r, "last modified")
		if err != nil {
			return nil, err
		}
		var n [1]byte
		if err := readFull(r, n[:], "checksum length"); err != nil {
			return nil, err
		}
		if int(n[0]) > MaxChecksumLength {
			return nil, ErrChecksumTooLong
		}
		sum := make([]byte, n[0])
		if err := readFull(r, sum, "checksum"); err != nil {
			return nil, err
		}
		return FileEnd{LastModified: time.Unix(0, int64(mtime)), Checksum: sum}, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrInvalidBlockKind, kind[0])
	}
}

func writeName(w io.Writer, name string) error {
	if len(name) > MaxNameLength {
		return ErrNameTooLong
	}
	var buf [2]byte
	binary.BigEndian.PutUint16(buf[:], uint16(len(name)))
	if err := writeFull(w, buf[:], "name length"); err != nil {
		return err
	}
	return writeFull(w, []byte(name), "name")
}

func readName(r io.Reader) (string, error) {
	var buf [2]byte
	if err := readFull(r, buf[:], "name length"); err != nil {
		return "", err
	}
	n := binary.BigEndian.Uint16(buf[:])
	if n > MaxNameLength {
		return "", ErrNameTooLong
	}
	name := make([]byte, n)
	if err := readFull(r, name, "name"); err != nil {
		return "", err
	}
	return string(name), nil
}

func readFull(r io.Reader, buf []byte, op string) error {
	if _, err := io.ReadFull(r, buf); err != nil {
		return fmt.Errorf("frame header read %s: %w", op, err)
	}
	return nil
}

func writeFull(w io.Writer, buf []byte, op string) error {
	written := 0
	for written < len(buf) {
		n, err := w.Write(buf[written:])
		if err != nil {
			return fmt.Errorf("frame header write %s: %w", op, err)
		}
		written += n
	}
	return nil
}

func readUint32(r io.Reader, op string) (uint32, error) {
	var buf [4]byte
	if err := readFull(r, buf[:], op); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}

func readUint64(r io.Reader, op string) (uint64, error) {
	var buf [8]byte
	if err := readFull(r, buf[:], op); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(buf[:]), nil
}

func writeUint32(w io.Writer, value uint32, op string) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], value)
	return writeFull(w, buf[:], op)
}

func writeUint64(w io.Writer, value uint64, op string) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], value)
	return writeFull(w, buf[:], op)
}
