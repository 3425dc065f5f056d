package checksum

import (
	"bytes"
	"crypto/rand"
	"errors"
	"testing"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name string
		want Algorithm
		size int
	}{
		{"", SHA512, 64},
		{"sha512", SHA512, 64},
		{"sha256", SHA256, 32},
		{"xxhash64", XXHash64, 8},
		{"crc32c", CRC32C, 4},
	}
	for _, tt := range tests {
		alg, err := Parse(tt.name)
		if err != nil {
			t.Fatalf("Parse(%q) error: %v", tt.name, err)
		}
		if alg.Name() != tt.want.Name() {
			t.Errorf("Parse(%q) = %s, want %s", tt.name, alg.Name(), tt.want.Name())
		}
		if alg.Size() != tt.size {
			t.Errorf("%s Size = %d, want %d", alg.Name(), alg.Size(), tt.size)
		}
		if got := len(alg.Sum([]byte("x"))); got != tt.size {
			t.Errorf("%s digest length = %d, want %d", alg.Name(), got, tt.size)
		}
	}
	if _, err := Parse("md4"); err == nil {
		t.Error("Parse(md4) should fail")
	}
}

func TestAccumulatorResumeFromProcessedOffset(t *testing.T) {
	data := make([]byte, 10000)
	if _, err := rand.Read(data); err != nil {
		t.Fatalf("rand: %v", err)
	}
	for _, alg := range []Algorithm{SHA512, SHA256, XXHash64, CRC32C} {
		acc := NewAccumulator(alg)
		if err := acc.Update(0, data[:4000]); err != nil {
			t.Fatalf("Update error: %v", err)
		}
		// Re-feed an overlapping range, as after a resend.
		if err := acc.Update(3000, data[3000:7000]); err != nil {
			t.Fatalf("Update overlap error: %v", err)
		}
		// Fully covered range is a no-op.
		if err := acc.Update(100, data[100:200]); err != nil {
			t.Fatalf("Update covered error: %v", err)
		}
		if _, err := acc.Write(data[7000:]); err != nil {
			t.Fatalf("Write error: %v", err)
		}
		if acc.Processed() != int64(len(data)) {
			t.Fatalf("Processed = %d, want %d", acc.Processed(), len(data))
		}
		want := alg.Sum(data)
		if !bytes.Equal(acc.Sum(), want) {
			t.Errorf("%s Sum mismatch", alg.Name())
		}
		if err := acc.Verify(want); err != nil {
			t.Errorf("%s Verify error: %v", alg.Name(), err)
		}
	}
}

func TestAccumulatorGap(t *testing.T) {
	acc := NewAccumulator(SHA256)
	if err := acc.Update(0, []byte("abc")); err != nil {
		t.Fatalf("Update error: %v", err)
	}
	if err := acc.Update(4, []byte("e")); !errors.Is(err, ErrGap) {
		t.Fatalf("Update error = %v, want ErrGap", err)
	}
}

func TestAccumulatorVerifyFailures(t *testing.T) {
	acc := NewAccumulator(SHA256)
	acc.Write([]byte("payload"))

	if err := acc.Verify([]byte{1, 2, 3}); !errors.Is(err, ErrDigestLength) {
		t.Errorf("Verify short digest error = %v, want ErrDigestLength", err)
	}
	wrong := SHA256.Sum([]byte("other"))
	if err := acc.Verify(wrong); !errors.Is(err, ErrMismatch) {
		t.Errorf("Verify wrong digest error = %v, want ErrMismatch", err)
	}
}
