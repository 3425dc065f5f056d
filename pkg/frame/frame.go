package frame

import (
	"bytes"
	"errors"
	"fmt"
	"io"
)

var (
	// ErrInvalidSeqNum indicates a sequence number below 1.
	ErrInvalidSeqNum = errors.New("invalid frame sequence number")
	// ErrDataSizeMismatch indicates the block data sizes do not add up to the declared size.
	ErrDataSizeMismatch = errors.New("frame data size mismatch")
	// ErrPayloadMissing indicates a frame with data but no payload.
	ErrPayloadMissing = errors.New("frame payload missing")
)

// Payload is the contiguous data stream of a frame. Open may be called more
// than once (a frame can be re-delivered); Release frees backing storage and
// is safe to call repeatedly.
type Payload interface {
	Size() int64
	Open() (io.ReadCloser, error)
	Release() error
}

// Frame is one bounded unit of the transfer protocol.
type Frame struct {
	SeqNum   int
	Last     bool
	DataSize int64
	Blocks   []Block
	Data     Payload
}

// Validate checks the structural invariants of a frame.
func (f *Frame) Validate() error {
	if f.SeqNum < 1 {
		return fmt.Errorf("%w: %d", ErrInvalidSeqNum, f.SeqNum)
	}
	var sum int64
	for _, b := range f.Blocks {
		sum += DataSize(b)
	}
	if sum != f.DataSize {
		return fmt.Errorf("%w: blocks=%d declared=%d", ErrDataSizeMismatch, sum, f.DataSize)
	}
	if f.DataSize > 0 {
		if f.Data == nil {
			return ErrPayloadMissing
		}
		if f.Data.Size() != f.DataSize {
			return fmt.Errorf("%w: payload=%d declared=%d", ErrDataSizeMismatch, f.Data.Size(), f.DataSize)
		}
	}
	return nil
}

// OpenData opens the frame payload for sequential reading. A frame without
// data yields an empty reader.
func (f *Frame) OpenData() (io.ReadCloser, error) {
	if f.Data == nil {
		return io.NopCloser(bytes.NewReader(nil)), nil
	}
	return f.Data.Open()
}

// Release frees the frame payload.
func (f *Frame) Release() error {
	if f == nil || f.Data == nil {
		return nil
	}
	return f.Data.Release()
}

// Bytes is an in-memory payload.
type Bytes []byte

func (b Bytes) Size() int64 { return int64(len(b)) }

func (b Bytes) Open() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (b Bytes) Release() error { return nil }

var _ Payload = Bytes(nil)
