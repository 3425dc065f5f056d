// Package chunker splits a source item tree into a sequence of bounded frames.
package chunker

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/lightcomp/filetransfer-sub000/internal/bufpool"
	"github.com/lightcomp/filetransfer-sub000/internal/checksum"
	"github.com/lightcomp/filetransfer-sub000/pkg/frame"
	"github.com/lightcomp/filetransfer-sub000/pkg/tree"
)

var (
	// ErrDrained indicates Build was called after the last frame was returned.
	ErrDrained = errors.New("chunker drained")
	// ErrInvalidLimits indicates non-positive frame limits.
	ErrInvalidLimits = errors.New("invalid frame limits")
	// ErrSourceChanged indicates a file whose content length differs from its declared size.
	ErrSourceChanged = errors.New("source file changed while reading")
	// ErrUnknownItem indicates a tree item that is neither a Dir nor a File.
	ErrUnknownItem = errors.New("unknown tree item")
)

// Stats counts what the chunker has emitted so far.
type Stats struct {
	Frames int
	Dirs   int
	Files  int
	Bytes  int64
}

// Option configures a Chunker.
type Option func(*Chunker)

// WithLogger sets the logger used for per-frame debug output.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Chunker) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithBufferPool sets the pool of copy buffers.
func WithBufferPool(pool *bufpool.Pool) Option {
	return func(c *Chunker) {
		if pool != nil {
			c.pool = pool
		}
	}
}

// Chunker walks the tree depth-first, pre-order. It keeps its position
// between Build calls so a directory or file can span several frames.
type Chunker struct {
	alg     checksum.Algorithm
	stack   []*dirCursor
	file    *fileSplitter
	seq     int
	drained bool
	stats   Stats
	pool    *bufpool.Pool
	logger  *slog.Logger
}

type dirCursor struct {
	dir       tree.Dir
	it        tree.Iterator
	root      bool
	begun     bool
	exhausted bool
}

type fileSplitter struct {
	file   tree.File
	r      io.ReadCloser
	acc    *checksum.Accumulator
	offset int64
	begun  bool
}

// New creates a chunker over root. The root directory itself is never
// wrapped in DirBegin/DirEnd.
func New(root tree.Dir, alg checksum.Algorithm, opts ...Option) *Chunker {
	if alg.IsZero() {
		alg = checksum.Default
	}
	c := &Chunker{
		alg:    alg,
		stack:  []*dirCursor{{dir: root, root: true}},
		pool:   bufpool.Default,
		logger: slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Stats returns the running totals.
func (c *Chunker) Stats() Stats { return c.stats }

// Drained reports whether the last frame has been built.
func (c *Chunker) Drained() bool { return c.drained }

// Build returns the next frame holding at most maxBlocks blocks and
// maxDataSize payload bytes. The frame that drains the tree has Last set;
// any further call fails with ErrDrained.
func (c *Chunker) Build(maxDataSize int64, maxBlocks int) (*frame.Frame, error) {
	if c.drained {
		return nil, ErrDrained
	}
	if maxDataSize < 1 || maxBlocks < 1 {
		return nil, fmt.Errorf("%w: data=%d blocks=%d", ErrInvalidLimits, maxDataSize, maxBlocks)
	}

	b := &builder{
		f:         &frame.Frame{SeqNum: c.seq + 1},
		maxData:   maxDataSize,
		maxBlocks: maxBlocks,
	}
	if err := c.fill(b); err != nil {
		c.Close()
		return nil, err
	}

	c.seq++
	c.stats.Frames++
	if b.f.DataSize > 0 {
		b.f.Data = frame.Bytes(b.buf.Bytes())
	}
	c.logger.Debug("frame built", "seq", b.f.SeqNum, "blocks", len(b.f.Blocks), "data_size", b.f.DataSize, "last", b.f.Last)
	return b.f, nil
}

func (c *Chunker) fill(b *builder) error {
	for {
		if c.file != nil {
			full, err := c.split(b)
			if err != nil {
				return err
			}
			if full {
				return nil
			}
			continue
		}

		if len(c.stack) == 0 {
			b.f.Last = true
			c.drained = true
			return nil
		}

		top := c.stack[len(c.stack)-1]
		if !top.root && !top.begun {
			if !b.fits(0) {
				return nil
			}
			b.add(frame.DirBegin{Name: top.dir.Name()})
			top.begun = true
			c.stats.Dirs++
		}

		item, err := c.next(top)
		if errors.Is(err, io.EOF) {
			if !top.root {
				if !b.fits(0) {
					return nil
				}
				b.add(frame.DirEnd{})
			}
			top.it.Close()
			c.stack = c.stack[:len(c.stack)-1]
			continue
		}
		if err != nil {
			return err
		}

		switch item := item.(type) {
		case tree.Dir:
			c.stack = append(c.stack, &dirCursor{dir: item})
		case tree.File:
			c.file = &fileSplitter{file: item, acc: checksum.NewAccumulator(c.alg)}
		default:
			return fmt.Errorf("%w: %T", ErrUnknownItem, item)
		}
	}
}

func (c *Chunker) next(d *dirCursor) (tree.Item, error) {
	if d.exhausted {
		return nil, io.EOF
	}
	if d.it == nil {
		it, err := d.dir.Children()
		if err != nil {
			return nil, fmt.Errorf("list directory %q: %w", d.dir.Name(), err)
		}
		d.it = it
	}
	item, err := d.it.Next()
	if errors.Is(err, io.EOF) {
		d.exhausted = true
		return nil, io.EOF
	}
	if err != nil {
		return nil, fmt.Errorf("list directory %q: %w", d.dir.Name(), err)
	}
	return item, nil
}

// split emits the next blocks of the open file. It reports full when the
// frame has no room for the next block.
func (c *Chunker) split(b *builder) (full bool, err error) {
	s := c.file
	name := s.file.Name()
	size := s.file.Size()

	if !s.begun {
		if sum := s.file.Checksum(); sum != nil {
			if err := c.alg.CheckLength(sum); err != nil {
				return false, fmt.Errorf("file %q: %w", name, err)
			}
		}
		if size < 0 {
			return false, fmt.Errorf("file %q: negative size %d", name, size)
		}
		if !b.fits(0) {
			return true, nil
		}
		b.add(frame.FileBegin{Name: name, Size: size})
		s.begun = true
		c.stats.Files++
	}

	for s.offset < size {
		room := b.maxData - b.f.DataSize
		if room <= 0 || !b.fits(0) {
			return true, nil
		}
		n := min(size-s.offset, room)
		if s.r == nil {
			r, err := s.file.Open()
			if err != nil {
				return false, fmt.Errorf("file %q: %w", name, err)
			}
			s.r = r
		}
		if err := c.pool.CopyN(io.MultiWriter(b.buffer(), s.acc), s.r, n); err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) {
				return false, fmt.Errorf("file %q: %w: %v", name, ErrSourceChanged, err)
			}
			return false, fmt.Errorf("file %q: read: %w", name, err)
		}
		b.add(frame.FileData{Offset: s.offset, Size: n})
		s.offset += n
		c.stats.Bytes += n
	}

	if !b.fits(0) {
		return true, nil
	}
	if s.r != nil {
		var probe [1]byte
		if n, _ := s.r.Read(probe[:]); n > 0 {
			return false, fmt.Errorf("file %q: %w: longer than %d bytes", name, ErrSourceChanged, size)
		}
	}
	sum := s.file.Checksum()
	if sum == nil {
		sum = s.acc.Sum()
	}
	b.add(frame.FileEnd{LastModified: s.file.LastModified(), Checksum: sum})
	c.closeFile()
	return false, nil
}

func (c *Chunker) closeFile() {
	if c.file != nil && c.file.r != nil {
		c.file.r.Close()
	}
	c.file = nil
}

// Close releases open files and directory iterators. A closed chunker
// cannot build further frames.
func (c *Chunker) Close() error {
	c.closeFile()
	for _, d := range c.stack {
		if d.it != nil {
			d.it.Close()
		}
	}
	c.stack = nil
	c.drained = true
	return nil
}

type builder struct {
	f         *frame.Frame
	buf       *bytes.Buffer
	maxData   int64
	maxBlocks int
}

// fits reports whether one more block carrying n data bytes fits the frame.
func (b *builder) fits(n int64) bool {
	return len(b.f.Blocks) < b.maxBlocks && b.f.DataSize+n <= b.maxData
}

func (b *builder) add(blk frame.Block) {
	b.f.Blocks = append(b.f.Blocks, blk)
	b.f.DataSize += frame.DataSize(blk)
}

func (b *builder) buffer() *bytes.Buffer {
	if b.buf == nil {
		b.buf = bytes.NewBuffer(make([]byte, 0, min(b.maxData, 1<<20)))
	}
	return b.buf
}
