//go:build faiss && cgo
// +build faiss,cgo

package vector

/*
#cgo CFLAGS: -I/opt/homebrew/include -I/usr/local/include
#cgo LDFLAGS: -L/opt/homebrew/lib -L/usr/local/lib -lfaiss_c

#include <stdlib.h>
#include <faiss/c_api/Index_c.h>
#include <faiss/c_api/IndexFlat_c.h>
#include <faiss/c_api/index_io_c.h>
#include <faiss/c_api/error_c.h>
*/
import "C"

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sync"
	"unsafe"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/hyperjump/kasane/internal/models"
)

const (
	faissFile = "index.faiss"
	idMapFile = "idmap.bin.zst"
)

// FAISSIndex is a flat FAISS index. FAISS assigns its own sequential labels, so the
// index keeps an id <-> label translation table that is persisted beside the FAISS file.
// Cosine indexes store normalized vectors in an inner-product index.
type FAISSIndex struct {
	index        *C.FaissIndex
	opts         Options
	dir          string
	idToInternal map[uint64]int64
	internalToID []uint64
	set          *roaring64.Bitmap
	mu           sync.RWMutex
}

// NewFAISSIndex creates an empty FAISS index bound to dir.
func NewFAISSIndex(dir string, opts Options) (*FAISSIndex, error) {
	opts.Type = IndexTypeFAISS
	opts = opts.WithDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}

	var index *C.FaissIndex
	var ret C.int
	if opts.Metric == MetricL2 {
		ret = C.faiss_IndexFlatL2_new_with(&index, C.idx_t(opts.Dimensions))
	} else {
		ret = C.faiss_IndexFlatIP_new_with(&index, C.idx_t(opts.Dimensions))
	}
	if ret != 0 {
		return nil, fmt.Errorf("failed to create FAISS index: %s", faissLastError())
	}

	return &FAISSIndex{
		index:        index,
		opts:         opts,
		dir:          dir,
		idToInternal: make(map[uint64]int64),
		set:          roaring64.New(),
	}, nil
}

// faissLastError returns the last FAISS error message.
func faissLastError() string {
	cErr := C.faiss_get_last_error()
	if cErr == nil {
		return "unknown error"
	}
	return C.GoString(cErr)
}

// Type returns the index type identifier.
func (f *FAISSIndex) Type() string {
	return string(IndexTypeFAISS)
}

func (f *FAISSIndex) prepare(vec models.Vector) []float32 {
	if f.opts.Metric == MetricCosine {
		return Normalize(vec)
	}
	return []float32(vec.Clone())
}

// Add appends vec under id and records the label FAISS assigns to it.
func (f *FAISSIndex) Add(ctx context.Context, id uint64, vec models.Vector) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(vec) != f.opts.Dimensions {
		return &DimensionMismatchError{Got: len(vec), Want: f.opts.Dimensions}
	}
	if err := f.opts.Metric.Check(vec); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.index == nil {
		return ErrClosed
	}
	if f.set.Contains(id) {
		return &DuplicateIdentifierError{ID: id}
	}

	data := f.prepare(vec)
	ret := C.faiss_Index_add(f.index, 1, (*C.float)(unsafe.Pointer(&data[0])))
	if ret != 0 {
		return fmt.Errorf("failed to add vector to FAISS index: %s", faissLastError())
	}

	label := int64(len(f.internalToID))
	f.idToInternal[id] = label
	f.internalToID = append(f.internalToID, id)
	f.set.Add(id)
	return nil
}

// Search returns up to k neighbours, closest first.
func (f *FAISSIndex) Search(ctx context.Context, query models.Vector, k int) ([]models.Neighbor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(query) != f.opts.Dimensions {
		return nil, &DimensionMismatchError{Got: len(query), Want: f.opts.Dimensions}
	}
	if err := f.opts.Metric.Check(query); err != nil {
		return nil, err
	}

	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.index == nil {
		return nil, ErrClosed
	}
	if k <= 0 {
		return nil, nil
	}
	ntotal := int(C.faiss_Index_ntotal(f.index))
	if ntotal == 0 {
		return nil, nil
	}
	if k > ntotal {
		k = ntotal
	}

	q := f.prepare(query)
	distances := make([]float32, k)
	labels := make([]int64, k)
	ret := C.faiss_Index_search(
		f.index,
		1,
		(*C.float)(unsafe.Pointer(&q[0])),
		C.idx_t(k),
		(*C.float)(unsafe.Pointer(&distances[0])),
		(*C.idx_t)(unsafe.Pointer(&labels[0])),
	)
	if ret != 0 {
		return nil, fmt.Errorf("FAISS search failed: %s", faissLastError())
	}

	results := make([]models.Neighbor, 0, k)
	for i := 0; i < k; i++ {
		label := labels[i]
		if label < 0 || label >= int64(len(f.internalToID)) {
			continue
		}
		d := distances[i]
		if f.opts.Metric == MetricCosine {
			d = 1 - d
		} else {
			d = float32(math.Sqrt(float64(d)))
		}
		results = append(results, models.Neighbor{ID: f.internalToID[label], Distance: d})
	}
	sortNeighbors(results)
	return results, nil
}

// Consolidate is a no-op for a flat index.
func (f *FAISSIndex) Consolidate(ctx context.Context) error {
	return ctx.Err()
}

// Save persists the FAISS index, the translation table, the id set, and the manifest.
func (f *FAISSIndex) Save() error {
	if f.dir == "" {
		return nil
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.index == nil {
		return ErrClosed
	}
	if err := os.MkdirAll(f.dir, 0755); err != nil {
		return fmt.Errorf("create index dir: %w", err)
	}

	tmpPath := filepath.Join(f.dir, faissFile+".tmp")
	cPath := C.CString(tmpPath)
	defer C.free(unsafe.Pointer(cPath))
	if ret := C.faiss_write_index_fname(f.index, cPath); ret != 0 {
		return fmt.Errorf("failed to save FAISS index: %s", faissLastError())
	}
	if err := os.Rename(tmpPath, filepath.Join(f.dir, faissFile)); err != nil {
		return err
	}

	err := writeCompressed(filepath.Join(f.dir, idMapFile), func(w io.Writer) error {
		return binary.Write(w, binary.LittleEndian, f.internalToID)
	})
	if err != nil {
		return fmt.Errorf("write id map: %w", err)
	}
	if err := writeIDs(f.dir, f.set); err != nil {
		return err
	}
	return writeManifest(f.dir, &Manifest{
		Backend:    string(IndexTypeFAISS),
		Dimensions: f.opts.Dimensions,
		Metric:     f.opts.Metric,
		Count:      f.set.GetCardinality(),
		MaxID:      maxOf(f.set),
	})
}

func loadFAISSIndex(dir string, m *Manifest) (VectorIndex, error) {
	opts := m.Options().WithDefaults()
	set, err := readIDs(dir)
	if err != nil {
		return nil, err
	}
	if err := checkCounts(m, set); err != nil {
		return nil, err
	}

	internalToID := make([]uint64, m.Count)
	err = readCompressed(filepath.Join(dir, idMapFile), func(r io.Reader) error {
		return binary.Read(r, binary.LittleEndian, internalToID)
	})
	if err != nil {
		return nil, err
	}

	cPath := C.CString(filepath.Join(dir, faissFile))
	defer C.free(unsafe.Pointer(cPath))
	var index *C.FaissIndex
	if ret := C.faiss_read_index_fname(cPath, 0, &index); ret != 0 {
		return nil, corrupt("load FAISS index: %s", faissLastError())
	}
	if uint64(C.faiss_Index_ntotal(index)) != m.Count {
		C.faiss_Index_free(index)
		return nil, corrupt("FAISS index holds %d vectors, manifest records %d", int64(C.faiss_Index_ntotal(index)), m.Count)
	}

	idToInternal := make(map[uint64]int64, len(internalToID))
	for label, id := range internalToID {
		idToInternal[id] = int64(label)
	}
	return &FAISSIndex{
		index:        index,
		opts:         opts,
		dir:          dir,
		idToInternal: idToInternal,
		internalToID: internalToID,
		set:          set,
	}, nil
}

// Size returns the number of distinct ids.
func (f *FAISSIndex) Size() uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.set.GetCardinality()
}

// MaxID returns the largest indexed id.
func (f *FAISSIndex) MaxID() uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return maxOf(f.set)
}

// Contains reports whether id is indexed.
func (f *FAISSIndex) Contains(id uint64) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	_, ok := f.idToInternal[id]
	return ok
}

// IDs returns a copy of the indexed id set.
func (f *FAISSIndex) IDs() *roaring64.Bitmap {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.set.Clone()
}

// Options returns the index parameters.
func (f *FAISSIndex) Options() Options { return f.opts }

// Dir returns the index directory.
func (f *FAISSIndex) Dir() string { return f.dir }

// Close frees the FAISS index resources.
func (f *FAISSIndex) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.index != nil {
		C.faiss_Index_free(f.index)
		f.index = nil
	}
	return nil
}
