// Package models defines core data structures for vectors, records, and search results.
package models

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
)

// ErrInvalidVector is returned for vectors with the wrong length or non-finite components.
var ErrInvalidVector = errors.New("invalid vector")

// Vector is a fixed-length embedding. Values are never modified after insertion.
type Vector []float32

// FingerprintSize is the digest length in bytes.
const FingerprintSize = 32

// Fingerprint is the content digest of a vector's byte representation.
type Fingerprint [FingerprintSize]byte

// String returns the lowercase hex form.
func (f Fingerprint) String() string {
	return hex.EncodeToString(f[:])
}

// Short returns the first 12 hex characters, for log lines.
func (f Fingerprint) Short() string {
	return f.String()[:12]
}

// IsZero reports whether f is the zero value.
func (f Fingerprint) IsZero() bool {
	return f == Fingerprint{}
}

// MarshalText implements encoding.TextMarshaler.
func (f Fingerprint) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (f *Fingerprint) UnmarshalText(b []byte) error {
	fp, err := ParseFingerprint(string(b))
	if err != nil {
		return err
	}
	*f = fp
	return nil
}

// ParseFingerprint decodes a hex fingerprint.
func ParseFingerprint(s string) (Fingerprint, error) {
	var fp Fingerprint
	b, err := hex.DecodeString(s)
	if err != nil {
		return fp, fmt.Errorf("decode fingerprint: %w", err)
	}
	if len(b) != FingerprintSize {
		return fp, fmt.Errorf("fingerprint length %d, expected %d", len(b), FingerprintSize)
	}
	copy(fp[:], b)
	return fp, nil
}

// FingerprintFromBytes copies b into a Fingerprint. b must be FingerprintSize long.
func FingerprintFromBytes(b []byte) (Fingerprint, error) {
	var fp Fingerprint
	if len(b) != FingerprintSize {
		return fp, fmt.Errorf("fingerprint length %d, expected %d", len(b), FingerprintSize)
	}
	copy(fp[:], b)
	return fp, nil
}

// Bytes returns the little-endian IEEE-754 encoding of v, 4 bytes per component.
// This is the canonical representation that is hashed and persisted.
func (v Vector) Bytes() []byte {
	const size = 4
	out := make([]byte, len(v)*size)
	for i, x := range v {
		binary.LittleEndian.PutUint32(out[i*size:(i+1)*size], math.Float32bits(x))
	}
	return out
}

// Clone returns a copy of v.
func (v Vector) Clone() Vector {
	out := make(Vector, len(v))
	copy(out, v)
	return out
}

// Validate checks dimensionality and rejects NaN and Inf components.
func (v Vector) Validate(dimensions int) error {
	if len(v) != dimensions {
		return fmt.Errorf("%w: got %d dimensions, expected %d", ErrInvalidVector, len(v), dimensions)
	}
	for i, x := range v {
		f := float64(x)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("%w: non-finite value at component %d", ErrInvalidVector, i)
		}
	}
	return nil
}

// IsZero reports whether every component of v is zero.
func (v Vector) IsZero() bool {
	for _, x := range v {
		if x != 0 {
			return false
		}
	}
	return true
}

// VectorFromBytes decodes the canonical encoding produced by Vector.Bytes.
func VectorFromBytes(b []byte) (Vector, error) {
	const size = 4
	if len(b)%size != 0 {
		return nil, fmt.Errorf("vector blob length %d is not a multiple of %d", len(b), size)
	}
	out := make(Vector, len(b)/size)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*size : (i+1)*size]))
	}
	return out, nil
}
