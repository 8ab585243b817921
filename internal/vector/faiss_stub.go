//go:build !faiss || !cgo
// +build !faiss !cgo

package vector

import (
	"context"
	"fmt"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/hyperjump/kasane/internal/models"
)

var errFAISSUnavailable = fmt.Errorf("FAISS not available: build with -tags=faiss and install FAISS library")

// FAISSIndex is a stub that returns an error when FAISS is not available.
// Build with -tags=faiss to enable FAISS support.
type FAISSIndex struct{}

// NewFAISSIndex returns an error because FAISS is not available.
func NewFAISSIndex(dir string, opts Options) (*FAISSIndex, error) {
	return nil, errFAISSUnavailable
}

func loadFAISSIndex(dir string, m *Manifest) (VectorIndex, error) {
	return nil, errFAISSUnavailable
}

// Add is not implemented without FAISS.
func (f *FAISSIndex) Add(ctx context.Context, id uint64, vec models.Vector) error {
	return errFAISSUnavailable
}

// Search is not implemented without FAISS.
func (f *FAISSIndex) Search(ctx context.Context, query models.Vector, k int) ([]models.Neighbor, error) {
	return nil, errFAISSUnavailable
}

// Consolidate is not implemented without FAISS.
func (f *FAISSIndex) Consolidate(ctx context.Context) error {
	return errFAISSUnavailable
}

// Save is not implemented without FAISS.
func (f *FAISSIndex) Save() error {
	return errFAISSUnavailable
}

// Size returns 0 without FAISS.
func (f *FAISSIndex) Size() uint64 { return 0 }

// MaxID returns 0 without FAISS.
func (f *FAISSIndex) MaxID() uint64 { return 0 }

// Contains returns false without FAISS.
func (f *FAISSIndex) Contains(id uint64) bool { return false }

// IDs returns an empty set without FAISS.
func (f *FAISSIndex) IDs() *roaring64.Bitmap { return roaring64.New() }

// Options returns zero options without FAISS.
func (f *FAISSIndex) Options() Options { return Options{Type: IndexTypeFAISS} }

// Dir returns "" without FAISS.
func (f *FAISSIndex) Dir() string { return "" }

// Close is a no-op without FAISS.
func (f *FAISSIndex) Close() error {
	return nil
}

// Type returns the index type identifier.
func (f *FAISSIndex) Type() string {
	return string(IndexTypeFAISS)
}
