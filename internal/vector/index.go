// Package vector provides the approximate nearest neighbour index kept beside each
// vector store. Every index is derived data: it can be discarded and rebuilt from the
// store at any time.
package vector

import (
	"context"
	"errors"
	"fmt"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/hyperjump/kasane/internal/models"
)

// VectorIndex is an ANN index keyed by externally assigned store ids.
// Entries are never removed; the whole index is replaced instead.
type VectorIndex interface {
	// Add inserts vec under id. Adding an id twice returns a *DuplicateIdentifierError.
	Add(ctx context.Context, id uint64, vec models.Vector) error
	// Search returns up to k neighbours of query, closest first.
	Search(ctx context.Context, query models.Vector, k int) ([]models.Neighbor, error)
	// Consolidate reorganises the index for search quality. It is expensive and must
	// not run concurrently with Add.
	Consolidate(ctx context.Context) error
	// Save persists the index to its directory atomically.
	Save() error

	Size() uint64
	MaxID() uint64
	Contains(id uint64) bool
	// IDs returns a copy of the set of inserted ids.
	IDs() *roaring64.Bitmap
	Options() Options
	Dir() string
	Type() string
	Close() error
}

var (
	// ErrNotFound is returned by Open when no index exists at the location.
	ErrNotFound = errors.New("index not found")
	// ErrCorruptIndex is returned when persisted index files cannot be decoded or disagree.
	ErrCorruptIndex = errors.New("corrupt index")
	// ErrDuplicateIdentifier matches every DuplicateIdentifierError.
	ErrDuplicateIdentifier = errors.New("duplicate identifier")
	// ErrClosed is returned by operations on a closed index.
	ErrClosed = errors.New("index closed")
)

// DuplicateIdentifierError reports an Add for an id that is already indexed.
// It indicates a caller bug.
type DuplicateIdentifierError struct {
	ID uint64
}

func (e *DuplicateIdentifierError) Error() string {
	return fmt.Sprintf("duplicate identifier: id %d already indexed", e.ID)
}

// Is makes errors.Is(err, ErrDuplicateIdentifier) true.
func (e *DuplicateIdentifierError) Is(target error) bool { return target == ErrDuplicateIdentifier }

// DimensionMismatchError reports a vector whose length differs from the index dimensionality.
type DimensionMismatchError struct {
	Got, Want int
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("vector dimension mismatch: got %d, expected %d", e.Got, e.Want)
}

// Unwrap lets callers match models.ErrInvalidVector.
func (e *DimensionMismatchError) Unwrap() error { return models.ErrInvalidVector }

func corrupt(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrCorruptIndex, fmt.Sprintf(format, args...))
}
