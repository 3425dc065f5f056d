// Package assembler replays frames into a destination directory tree.
package assembler

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/lightcomp/filetransfer-sub000/internal/bufpool"
	"github.com/lightcomp/filetransfer-sub000/internal/checksum"
	"github.com/lightcomp/filetransfer-sub000/pkg/frame"
)

const maxNameLength = 255

var (
	// ErrViolation is wrapped by every structural or integrity failure.
	ErrViolation = errors.New("frame integrity violation")

	ErrInvalidName   = fmt.Errorf("%w: invalid name", ErrViolation)
	ErrExists        = fmt.Errorf("%w: destination exists", ErrViolation)
	ErrAtRoot        = fmt.Errorf("%w: directory cursor at root", ErrViolation)
	ErrFileOpen      = fmt.Errorf("%w: a file is already open", ErrViolation)
	ErrNoFileOpen    = fmt.Errorf("%w: no file open", ErrViolation)
	ErrNonSequential = fmt.Errorf("%w: non-sequential write", ErrViolation)
	ErrSizeExceeded  = fmt.Errorf("%w: write exceeds declared size", ErrViolation)
	ErrSizeMismatch  = fmt.Errorf("%w: file size mismatch", ErrViolation)
	ErrChecksum      = fmt.Errorf("%w: file checksum", ErrViolation)
	// ErrStructure indicates a last frame that leaves a directory or file open.
	ErrStructure = fmt.Errorf("%w: transfer ended with open directory or file", ErrViolation)
	ErrCompleted = fmt.Errorf("%w: frame after last frame", ErrViolation)
)

// Options tune an Assembler.
type Options struct {
	// Algorithm verifies FileEnd checksums; zero selects checksum.Default.
	Algorithm checksum.Algorithm
	// MergeDirs accepts directories that already exist.
	MergeDirs bool
	// Sync flushes each file to stable storage before it is closed.
	Sync   bool
	Pool   *bufpool.Pool
	Logger *slog.Logger
}

// Stats counts what has been written.
type Stats struct {
	Frames int
	Dirs   int
	Files  int
	Bytes  int64
}

// Assembler keeps a cursor over the destination: the path of open
// directories and at most one open file. It is not safe for concurrent use.
type Assembler struct {
	root  string
	opts  Options
	dirs  []string
	file  *fileCursor
	done  bool
	stats Stats
}

type fileCursor struct {
	f       *os.File
	path    string
	size    int64
	written int64
	acc     *checksum.Accumulator
}

// New creates an assembler writing under dir, creating it if needed.
func New(dir string, opts Options) (*Assembler, error) {
	if opts.Algorithm.IsZero() {
		opts.Algorithm = checksum.Default
	}
	if opts.Pool == nil {
		opts.Pool = bufpool.Default
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create destination: %w", err)
	}
	return &Assembler{root: dir, opts: opts}, nil
}

// Root returns the destination directory.
func (a *Assembler) Root() string { return a.root }

// Stats returns the running totals.
func (a *Assembler) Stats() Stats { return a.stats }

// Done reports whether the last frame has been processed.
func (a *Assembler) Done() bool { return a.done }

// AtRoot reports whether the cursor is at the root with no file open.
func (a *Assembler) AtRoot() bool { return len(a.dirs) == 0 && a.file == nil }

func (a *Assembler) current() string {
	return filepath.Join(append([]string{a.root}, a.dirs...)...)
}

// OpenDir creates the child directory name and moves the cursor into it.
func (a *Assembler) OpenDir(name string) error {
	if a.file != nil {
		return ErrFileOpen
	}
	if err := validateName(name); err != nil {
		return err
	}
	path := filepath.Join(a.current(), name)
	if err := os.Mkdir(path, 0o755); err != nil {
		if !errors.Is(err, os.ErrExist) {
			return fmt.Errorf("failed to create directory %q: %w", name, err)
		}
		info, statErr := os.Stat(path)
		if !a.opts.MergeDirs || statErr != nil || !info.IsDir() {
			return fmt.Errorf("%w: %s", ErrExists, path)
		}
	}
	a.dirs = append(a.dirs, name)
	a.stats.Dirs++
	return nil
}

// CloseDir moves the cursor to the parent directory.
func (a *Assembler) CloseDir() error {
	if a.file != nil {
		return ErrFileOpen
	}
	if len(a.dirs) == 0 {
		return ErrAtRoot
	}
	a.dirs = a.dirs[:len(a.dirs)-1]
	return nil
}

// OpenFile creates name in the current directory. The file must not exist.
func (a *Assembler) OpenFile(name string, size int64) error {
	if a.file != nil {
		return ErrFileOpen
	}
	if err := validateName(name); err != nil {
		return err
	}
	if size < 0 {
		return fmt.Errorf("%w: negative size %d", ErrSizeMismatch, size)
	}
	path := filepath.Join(a.current(), name)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return fmt.Errorf("%w: %s", ErrExists, path)
		}
		return fmt.Errorf("failed to create file %q: %w", name, err)
	}
	a.file = &fileCursor{
		f:    f,
		path: path,
		size: size,
		acc:  checksum.NewAccumulator(a.opts.Algorithm),
	}
	a.stats.Files++
	return nil
}

// WriteData copies length bytes from r into the open file at offset, which
// must equal the number of bytes already written.
func (a *Assembler) WriteData(offset, length int64, r io.Reader) error {
	c := a.file
	if c == nil {
		return ErrNoFileOpen
	}
	if offset != c.written {
		return fmt.Errorf("%w: offset %d, written %d", ErrNonSequential, offset, c.written)
	}
	if length < 0 || c.written+length > c.size {
		return fmt.Errorf("%w: %d+%d > %d", ErrSizeExceeded, c.written, length, c.size)
	}
	if err := a.opts.Pool.CopyN(io.MultiWriter(c.f, c.acc), r, length); err != nil {
		return fmt.Errorf("failed to write %s: %w", c.path, err)
	}
	c.written += length
	a.stats.Bytes += length
	return nil
}

// CloseFile checks size and checksum of the open file, closes it and sets
// its modification time. A failed check removes the file.
func (a *Assembler) CloseFile(lastModified time.Time, sum []byte) error {
	c := a.file
	if c == nil {
		return ErrNoFileOpen
	}
	if c.written != c.size {
		a.discard()
		return fmt.Errorf("%w: %s has %d of %d bytes", ErrSizeMismatch, c.path, c.written, c.size)
	}
	if err := c.acc.Verify(sum); err != nil {
		a.discard()
		return fmt.Errorf("%w: %s: %w", ErrChecksum, c.path, err)
	}
	if a.opts.Sync {
		if err := c.f.Sync(); err != nil {
			a.discard()
			return fmt.Errorf("failed to sync %s: %w", c.path, err)
		}
	}
	a.file = nil
	if err := c.f.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", c.path, err)
	}
	if !lastModified.IsZero() {
		if err := os.Chtimes(c.path, lastModified, lastModified); err != nil {
			return fmt.Errorf("failed to set modification time of %s: %w", c.path, err)
		}
	}
	return nil
}

// Process replays every block of f in order, reading file data from its
// payload. The payload is released whether or not processing succeeds.
func (a *Assembler) Process(f *frame.Frame) (err error) {
	defer func() {
		if relErr := f.Release(); relErr != nil {
			a.opts.Logger.Warn("failed to release frame payload", "seq", f.SeqNum, "error", relErr)
		}
	}()
	if a.done {
		return ErrCompleted
	}
	if err := f.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrViolation, err)
	}

	var data io.Reader = eofReader{}
	if f.DataSize > 0 {
		rc, err := f.OpenData()
		if err != nil {
			return err
		}
		defer rc.Close()
		data = rc
	}

	for i, b := range f.Blocks {
		if err := a.apply(b, data); err != nil {
			return fmt.Errorf("frame %d block %d (%s): %w", f.SeqNum, i, b.Kind(), err)
		}
	}
	a.stats.Frames++

	if f.Last {
		if !a.AtRoot() {
			return fmt.Errorf("frame %d: %w", f.SeqNum, ErrStructure)
		}
		a.done = true
	}
	a.opts.Logger.Debug("frame applied", "seq", f.SeqNum, "blocks", len(f.Blocks), "last", f.Last)
	return nil
}

func (a *Assembler) apply(b frame.Block, data io.Reader) error {
	switch b := b.(type) {
	case frame.DirBegin:
		return a.OpenDir(b.Name)
	case frame.DirEnd:
		return a.CloseDir()
	case frame.FileBegin:
		return a.OpenFile(b.Name, b.Size)
	case frame.FileData:
		return a.WriteData(b.Offset, b.Size, data)
	case frame.FileEnd:
		return a.CloseFile(b.LastModified, b.Checksum)
	default:
		return fmt.Errorf("%w: unknown block %T", ErrViolation, b)
	}
}

// Abort closes and removes a partially written file. Completed files and
// directories are left in place.
func (a *Assembler) Abort() error {
	if a.file == nil {
		return nil
	}
	return a.discard()
}

func (a *Assembler) discard() error {
	c := a.file
	a.file = nil
	if c == nil {
		return nil
	}
	c.f.Close()
	if err := os.Remove(c.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		a.opts.Logger.Warn("failed to remove partial file", "path", c.path, "error", err)
		return fmt.Errorf("failed to remove partial file: %w", err)
	}
	return nil
}

// validateName accepts a single path element only.
func validateName(name string) error {
	if name == "" || name == "." || name == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if strings.ContainsAny(name, "/\\\x00") {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if len(name) > maxNameLength {
		return fmt.Errorf("%w: %d bytes", ErrInvalidName, len(name))
	}
	return nil
}

type eofReader struct{}

func (eofReader) Read([]byte) (int, error) { return 0, io.EOF }
