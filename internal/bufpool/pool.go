// Package bufpool pools the fixed-size copy buffers used to stream frame data
// between files, payloads and network connections.
package bufpool

import (
	"fmt"
	"io"
	"sync"
)

// DefaultSize is the buffer size used by Default.
const DefaultSize = 64 * 1024

// Default is a shared pool of DefaultSize buffers.
var Default = New(DefaultSize)

// Pool provides byte buffers of a fixed size.
type Pool struct {
	pool    sync.Pool
	bufSize int
}

// New creates a pool returning buffers of exactly bufSize bytes.
func New(bufSize int) *Pool {
	if bufSize <= 0 {
		panic("bufSize must be positive")
	}
	p := &Pool{bufSize: bufSize}
	p.pool.New = func() any {
		buf := make([]byte, bufSize)
		return &buf
	}
	return p
}

// Get returns a buffer of BufSize bytes.
func (p *Pool) Get() *[]byte {
	buf := p.pool.Get().(*[]byte)
	if cap(*buf) < p.bufSize {
		b := make([]byte, p.bufSize)
		return &b
	}
	*buf = (*buf)[:p.bufSize]
	return buf
}

// Put returns a buffer obtained from Get. Undersized buffers are dropped.
func (p *Pool) Put(buf *[]byte) {
	if buf == nil || cap(*buf) < p.bufSize {
		return
	}
	p.pool.Put(buf)
}

// BufSize returns the size of buffers in this pool.
func (p *Pool) BufSize() int {
	return p.bufSize
}

// CopyN copies exactly n bytes from src to dst through a pooled buffer.
// A short source fails with io.ErrUnexpectedEOF.
func (p *Pool) CopyN(dst io.Writer, src io.Reader, n int64) error {
	buf := p.Get()
	defer p.Put(buf)
	written, err := io.CopyBuffer(dst, io.LimitReader(src, n), *buf)
	if err != nil {
		return err
	}
	if written != n {
		return fmt.Errorf("copied %d of %d bytes: %w", written, n, io.ErrUnexpectedEOF)
	}
	return nil
}
