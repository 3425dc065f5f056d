package frame

import (
	"bytes"
	"errors"
	"io"
	"testing"
	"time"
)

func sampleFrame() *Frame {
	mtime := time.Date(2024, 3, 1, 12, 30, 0, 123456789, time.UTC)
	data := Bytes("hello world")
	return &Frame{
		SeqNum:   7,
		Last:     true,
		DataSize: int64(len(data)),
		Blocks: []Block{
			DirBegin{Name: "docs"},
			FileBegin{Name: "a.txt", Size: 11},
			FileData{Offset: 0, Size: 5},
			FileData{Offset: 5, Size: 6},
			FileEnd{LastModified: mtime, Checksum: []byte{1, 2, 3, 4}},
			DirEnd{},
		},
		Data: data,
	}
}

func TestHeaderRoundTrip(t *testing.T) {
	in := sampleFrame()
	var buf bytes.Buffer
	if err := WriteHeader(&buf, in); err != nil {
		t.Fatalf("WriteHeader error: %v", err)
	}

	out, err := ReadHeader(&buf)
	if err != nil {
		t.Fatalf("ReadHeader error: %v", err)
	}
	if out.SeqNum != in.SeqNum || out.Last != in.Last || out.DataSize != in.DataSize {
		t.Fatalf("header = (%d,%v,%d), want (%d,%v,%d)", out.SeqNum, out.Last, out.DataSize, in.SeqNum, in.Last, in.DataSize)
	}
	if len(out.Blocks) != len(in.Blocks) {
		t.Fatalf("blocks = %d, want %d", len(out.Blocks), len(in.Blocks))
	}
	end, ok := out.Blocks[4].(FileEnd)
	if !ok {
		t.Fatalf("block 4 = %T, want FileEnd", out.Blocks[4])
	}
	wantEnd := in.Blocks[4].(FileEnd)
	if !end.LastModified.Equal(wantEnd.LastModified) {
		t.Errorf("LastModified = %v, want %v", end.LastModified, wantEnd.LastModified)
	}
	if !bytes.Equal(end.Checksum, wantEnd.Checksum) {
		t.Errorf("Checksum = %x, want %x", end.Checksum, wantEnd.Checksum)
	}
	if got := out.Blocks[1].(FileBegin); got.Name != "a.txt" || got.Size != 11 {
		t.Errorf("FileBegin = %+v", got)
	}
	if buf.Len() != 0 {
		t.Errorf("unread bytes = %d, want 0", buf.Len())
	}
}

func TestReadHeaderInvalidMagic(t *testing.T) {
	_, err := ReadHeader(bytes.NewReader([]byte("XXXX0000")))
	if !errors.Is(err, ErrInvalidMagic) {
		t.Fatalf("ReadHeader error = %v, want ErrInvalidMagic", err)
	}
}

func TestReadHeaderTruncated(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteHeader(&buf, sampleFrame()); err != nil {
		t.Fatalf("WriteHeader error: %v", err)
	}
	truncated := buf.Bytes()[:buf.Len()-3]
	_, err := ReadHeader(bytes.NewReader(truncated))
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("ReadHeader error = %v, want io.ErrUnexpectedEOF", err)
	}
}

func TestWriteHeaderNameTooLong(t *testing.T) {
	f := &Frame{SeqNum: 1, Blocks: []Block{DirBegin{Name: string(bytes.Repeat([]byte("x"), MaxNameLength+1))}}}
	if err := WriteHeader(io.Discard, f); !errors.Is(err, ErrNameTooLong) {
		t.Fatalf("WriteHeader error = %v, want ErrNameTooLong", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		frame   *Frame
		wantErr error
	}{
		{"valid", sampleFrame(), nil},
		{"empty last frame", &Frame{SeqNum: 1, Last: true}, nil},
		{"zero seq", &Frame{SeqNum: 0}, ErrInvalidSeqNum},
		{"declared mismatch", &Frame{SeqNum: 1, DataSize: 3, Blocks: []Block{FileData{Size: 2}}, Data: Bytes("abc")}, ErrDataSizeMismatch},
		{"payload mismatch", &Frame{SeqNum: 1, DataSize: 2, Blocks: []Block{FileData{Size: 2}}, Data: Bytes("abc")}, ErrDataSizeMismatch},
		{"payload missing", &Frame{SeqNum: 1, DataSize: 2, Blocks: []Block{FileData{Size: 2}}}, ErrPayloadMissing},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.frame.Validate()
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("Validate error = %v, want nil", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Validate error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestOpenDataWithoutPayload(t *testing.T) {
	f := &Frame{SeqNum: 1}
	r, err := f.OpenData()
	if err != nil {
		t.Fatalf("OpenData error: %v", err)
	}
	defer r.Close()
	data, _ := io.ReadAll(r)
	if len(data) != 0 {
		t.Errorf("data length = %d, want 0", len(data))
	}
	if err := f.Release(); err != nil {
		t.Errorf("Release error: %v", err)
	}
}
