// Package checksum provides the streaming file digest used to verify
// end-to-end integrity of transferred files.
package checksum

import (
	"bytes"
	"crypto/sha256"
	"crypto/sha512"
	"errors"
	"fmt"
	"hash"
	"hash/crc32"

	"github.com/cespare/xxhash/v2"
)

var (
	// ErrGap indicates data arriving past the processed offset.
	ErrGap = errors.New("checksum input gap")
	// ErrDigestLength indicates a digest whose length doesn't match the algorithm.
	ErrDigestLength = errors.New("checksum digest length mismatch")
	// ErrMismatch indicates the computed digest differs from the expected one.
	ErrMismatch = errors.New("checksum mismatch")
)

// Algorithm is a hash with a fixed digest length.
type Algorithm struct {
	name string
	size int
	new  func() hash.Hash
}

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

var (
	SHA512   = Algorithm{name: "sha512", size: sha512.Size, new: sha512.New}
	SHA256   = Algorithm{name: "sha256", size: sha256.Size, new: sha256.New}
	XXHash64 = Algorithm{name: "xxhash64", size: 8, new: func() hash.Hash { return xxhash.New() }}
	CRC32C   = Algorithm{name: "crc32c", size: crc32.Size, new: func() hash.Hash { return crc32.New(crc32cTable) }}
)

// Default is the algorithm used when none is configured.
var Default = SHA512

// Parse returns the algorithm with the given name. An empty name selects Default.
func Parse(name string) (Algorithm, error) {
	switch name {
	case "":
		return Default, nil
	case "sha512":
		return SHA512, nil
	case "sha256":
		return SHA256, nil
	case "xxhash64":
		return XXHash64, nil
	case "crc32c":
		return CRC32C, nil
	default:
		return Algorithm{}, fmt.Errorf("unknown checksum algorithm %q", name)
	}
}

func (a Algorithm) Name() string { return a.name }

// Size returns the digest length in bytes.
func (a Algorithm) Size() int { return a.size }

// IsZero reports whether a is the zero Algorithm.
func (a Algorithm) IsZero() bool { return a.new == nil }

// Sum computes the digest of data in one call.
func (a Algorithm) Sum(data []byte) []byte {
	h := a.new()
	h.Write(data)
	return h.Sum(nil)
}

// CheckLength verifies that sum has the algorithm's digest length.
func (a Algorithm) CheckLength(sum []byte) error {
	if len(sum) != a.size {
		return fmt.Errorf("%w: got %d bytes, want %d (%s)", ErrDigestLength, len(sum), a.size, a.name)
	}
	return nil
}

// Accumulator is a running digest over a byte range starting at offset 0.
// Data may be fed again from an already processed offset; the overlapping
// part is skipped so a resumed stream yields the same digest.
type Accumulator struct {
	alg       Algorithm
	h         hash.Hash
	processed int64
}

// NewAccumulator creates an accumulator for alg.
func NewAccumulator(alg Algorithm) *Accumulator {
	return &Accumulator{alg: alg, h: alg.new()}
}

// Update feeds p, which starts at offset within the hashed range.
func (a *Accumulator) Update(offset int64, p []byte) error {
	if offset > a.processed {
		return fmt.Errorf("%w: offset %d, processed %d", ErrGap, offset, a.processed)
	}
	skip := a.processed - offset
	if skip >= int64(len(p)) {
		return nil
	}
	p = p[skip:]
	a.h.Write(p)
	a.processed += int64(len(p))
	return nil
}

// Write feeds p at the processed offset.
func (a *Accumulator) Write(p []byte) (int, error) {
	a.h.Write(p)
	a.processed += int64(len(p))
	return len(p), nil
}

// Processed returns the number of bytes hashed so far.
func (a *Accumulator) Processed() int64 { return a.processed }

// Algorithm returns the accumulator's algorithm.
func (a *Accumulator) Algorithm() Algorithm { return a.alg }

// Sum returns the digest of the bytes processed so far.
func (a *Accumulator) Sum() []byte { return a.h.Sum(nil) }

// Verify compares the running digest with expected.
func (a *Accumulator) Verify(expected []byte) error {
	if err := a.alg.CheckLength(expected); err != nil {
		return err
	}
	if sum := a.Sum(); !bytes.Equal(sum, expected) {
		return fmt.Errorf("%w: got %x, want %x", ErrMismatch, sum, expected)
	}
	return nil
}
