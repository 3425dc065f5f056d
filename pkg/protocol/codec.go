package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/lightcomp/filetransfer-sub000/pkg/frame"
)

// MaxEnvelopeSize bounds the JSON envelope of one message.
const MaxEnvelopeSize = 1 << 20

var (
	// ErrEnvelopeTooLarge indicates a declared envelope length above MaxEnvelopeSize.
	ErrEnvelopeTooLarge = errors.New("envelope too large")
	// ErrInvalidFrameFlag indicates a frame marker other than 0 or 1.
	ErrInvalidFrameFlag = errors.New("invalid frame flag")
	// ErrFrameTooLarge indicates a frame header above the reader's Limits.
	ErrFrameTooLarge = errors.New("frame exceeds limits")
)

// Limits bound the frames a reader accepts. Zero fields are unlimited.
type Limits struct {
	MaxDataSize int64
	MaxBlocks   int
}

// Check reports whether f exceeds l.
func (l Limits) Check(f *frame.Frame) error {
	if l.MaxDataSize > 0 && f.DataSize > l.MaxDataSize {
		return fmt.Errorf("%w: frame %d carries %d bytes, max %d", ErrFrameTooLarge, f.SeqNum, f.DataSize, l.MaxDataSize)
	}
	if l.MaxBlocks > 0 && len(f.Blocks) > l.MaxBlocks {
		return fmt.Errorf("%w: frame %d has %d blocks, max %d", ErrFrameTooLarge, f.SeqNum, len(f.Blocks), l.MaxBlocks)
	}
	return nil
}

// Message is one request or response. Frame is set on send requests and
// receive responses.
type Message struct {
	Env   Envelope
	Frame *frame.Frame
}

// Stager copies frame payload bytes off the stream.
type Stager interface {
	Stage(r io.Reader, size int64) (frame.Payload, error)
}

// WriteMessage writes m as: uint32 envelope length, envelope JSON, a frame
// flag byte and, when set, the frame header followed by DataSize payload
// bytes.
func WriteMessage(w io.Writer, m Message) error {
	env, err := json.Marshal(m.Env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if len(env) > MaxEnvelopeSize {
		return ErrEnvelopeTooLarge
	}
	var hdr [5]byte
	binary.BigEndian.PutUint32(hdr[:4], uint32(len(env)))
	if m.Frame != nil {
		hdr[4] = 1
	}
	if _, err := w.Write(hdr[:4]); err != nil {
		return fmt.Errorf("write envelope length: %w", err)
	}
	if _, err := w.Write(env); err != nil {
		return fmt.Errorf("write envelope: %w", err)
	}
	if _, err := w.Write(hdr[4:]); err != nil {
		return fmt.Errorf("write frame flag: %w", err)
	}
	if m.Frame == nil {
		return nil
	}
	f := m.Frame
	if err := frame.WriteHeader(w, f); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if f.DataSize == 0 {
		return nil
	}
	r, err := f.OpenData()
	if err != nil {
		return fmt.Errorf("open frame %d payload: %w", f.SeqNum, err)
	}
	defer r.Close()
	n, err := io.CopyN(w, r, f.DataSize)
	if err != nil {
		return fmt.Errorf("write frame %d payload (%d/%d bytes): %w", f.SeqNum, n, f.DataSize, err)
	}
	return nil
}

// ReadMessage reads a message written by WriteMessage. A frame payload is
// handed to stage, or read into memory when stage is nil; the caller owns
// it afterwards.
func ReadMessage(r io.Reader, stage Stager) (Message, error) {
	return ReadLimited(r, stage, Limits{})
}

// ReadLimited is ReadMessage with frame limits checked before any payload
// byte is staged. On ErrFrameTooLarge the returned message carries the
// decoded envelope so the caller can answer it.
func ReadLimited(r io.Reader, stage Stager, lim Limits) (Message, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Message{}, err
	}
	size := binary.BigEndian.Uint32(lenBuf[:])
	if size > MaxEnvelopeSize {
		return Message{}, fmt.Errorf("%w: %d bytes", ErrEnvelopeTooLarge, size)
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Message{}, fmt.Errorf("read envelope: %w", err)
	}
	var m Message
	if err := json.Unmarshal(buf, &m.Env); err != nil {
		return Message{}, fmt.Errorf("decode envelope: %w", err)
	}
	var flag [1]byte
	if _, err := io.ReadFull(r, flag[:]); err != nil {
		return Message{}, fmt.Errorf("read frame flag: %w", err)
	}
	switch flag[0] {
	case 0:
		return m, nil
	case 1:
	default:
		return Message{}, fmt.Errorf("%w: %d", ErrInvalidFrameFlag, flag[0])
	}
	f, err := frame.ReadHeader(r)
	if err != nil {
		return Message{}, fmt.Errorf("read frame header: %w", err)
	}
	if err := lim.Check(f); err != nil {
		return m, err
	}
	if f.DataSize > 0 {
		if stage == nil {
			stage = memoryStager{}
		}
		payload, err := stage.Stage(r, f.DataSize)
		if err != nil {
			return Message{}, fmt.Errorf("read frame %d payload: %w", f.SeqNum, err)
		}
		f.Data = payload
	}
	m.Frame = f
	return m, nil
}

type memoryStager struct{}

func (memoryStager) Stage(r io.Reader, size int64) (frame.Payload, error) {
	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return frame.Bytes(buf), nil
}
