package vector

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"path/filepath"
	"sync"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/hyperjump/kasane/internal/models"
)

const memoryFile = "vectors.bin.zst"

// MemoryIndex is an exact index using brute-force search. Results are the true
// nearest neighbours, which makes it the reference the HNSW index is tested against.
type MemoryIndex struct {
	opts    Options
	dir     string
	dist    func(a, b []float32) float32
	ids     []uint64
	vectors []models.Vector
	set     *roaring64.Bitmap
	mu      sync.RWMutex
}

// NewMemoryIndex creates an empty exact index bound to dir.
func NewMemoryIndex(dir string, opts Options) (*MemoryIndex, error) {
	opts.Type = IndexTypeMemory
	opts = opts.WithDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}
	return &MemoryIndex{
		opts:    opts,
		dir:     dir,
		dist:    opts.Metric.DistanceFunc(),
		ids:     make([]uint64, 0),
		vectors: make([]models.Vector, 0),
		set:     roaring64.New(),
	}, nil
}

// Type returns the index type identifier.
func (m *MemoryIndex) Type() string {
	return string(IndexTypeMemory)
}

// Add appends vec under id.
func (m *MemoryIndex) Add(ctx context.Context, id uint64, vec models.Vector) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(vec) != m.opts.Dimensions {
		return &DimensionMismatchError{Got: len(vec), Want: m.opts.Dimensions}
	}
	if err := m.opts.Metric.Check(vec); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.set.Contains(id) {
		return &DuplicateIdentifierError{ID: id}
	}
	m.ids = append(m.ids, id)
	m.vectors = append(m.vectors, vec.Clone())
	m.set.Add(id)
	return nil
}

// Search returns the exact top-k neighbours, closest first.
func (m *MemoryIndex) Search(ctx context.Context, query models.Vector, k int) ([]models.Neighbor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(query) != m.opts.Dimensions {
		return nil, &DimensionMismatchError{Got: len(query), Want: m.opts.Dimensions}
	}
	if err := m.opts.Metric.Check(query); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if k <= 0 || len(m.ids) == 0 {
		return nil, nil
	}
	scores := make([]models.Neighbor, len(m.ids))
	for i, vec := range m.vectors {
		scores[i] = models.Neighbor{ID: m.ids[i], Distance: m.dist(query, vec)}
	}
	sortNeighbors(scores)
	if k > len(scores) {
		k = len(scores)
	}
	return scores[:k], nil
}

// Consolidate is a no-op: an exact index has no structure to reorganise.
func (m *MemoryIndex) Consolidate(ctx context.Context) error {
	return ctx.Err()
}

// Save persists the index. Format inside the zstd frame: dimension (4), n (8),
// then per vector: id (8), vector (dimension*4 bytes).
func (m *MemoryIndex) Save() error {
	if m.dir == "" {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	err := writeCompressed(filepath.Join(m.dir, memoryFile), func(w io.Writer) error {
		if err := binary.Write(w, binary.LittleEndian, uint32(m.opts.Dimensions)); err != nil {
			return fmt.Errorf("write dimensions: %w", err)
		}
		if err := binary.Write(w, binary.LittleEndian, uint64(len(m.ids))); err != nil {
			return fmt.Errorf("write count: %w", err)
		}
		for i, id := range m.ids {
			if err := binary.Write(w, binary.LittleEndian, id); err != nil {
				return fmt.Errorf("write id: %w", err)
			}
			if _, err := w.Write(m.vectors[i].Bytes()); err != nil {
				return fmt.Errorf("write vector: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if err := writeIDs(m.dir, m.set); err != nil {
		return err
	}
	return writeManifest(m.dir, &Manifest{
		Backend:    string(IndexTypeMemory),
		Dimensions: m.opts.Dimensions,
		Metric:     m.opts.Metric,
		Count:      m.set.GetCardinality(),
		MaxID:      maxOf(m.set),
	})
}

func loadMemoryIndex(dir string, man *Manifest) (*MemoryIndex, error) {
	m, err := NewMemoryIndex(dir, man.Options())
	if err != nil {
		return nil, corrupt("%v", err)
	}
	set, err := readIDs(dir)
	if err != nil {
		return nil, err
	}
	if err := checkCounts(man, set); err != nil {
		return nil, err
	}

	err = readCompressed(filepath.Join(dir, memoryFile), func(r io.Reader) error {
		var dim uint32
		var n uint64
		if err := binary.Read(r, binary.LittleEndian, &dim); err != nil {
			return fmt.Errorf("read dimensions: %w", err)
		}
		if int(dim) != m.opts.Dimensions {
			return corrupt("file has %d dimensions, manifest records %d", dim, m.opts.Dimensions)
		}
		if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
			return fmt.Errorf("read count: %w", err)
		}
		if n != man.Count {
			return corrupt("file holds %d vectors, manifest records %d", n, man.Count)
		}
		buf := make([]byte, m.opts.Dimensions*4)
		for i := uint64(0); i < n; i++ {
			var id uint64
			if err := binary.Read(r, binary.LittleEndian, &id); err != nil {
				return fmt.Errorf("read id: %w", err)
			}
			if _, err := io.ReadFull(r, buf); err != nil {
				return fmt.Errorf("read vector: %w", err)
			}
			if !set.Contains(id) {
				return corrupt("id %d not in id set", id)
			}
			vec, err := models.VectorFromBytes(buf)
			if err != nil {
				return err
			}
			m.ids = append(m.ids, id)
			m.vectors = append(m.vectors, vec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.set = set
	return m, nil
}

// Size returns the number of vectors in the index.
func (m *MemoryIndex) Size() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return uint64(len(m.ids))
}

// MaxID returns the largest indexed id, or 0 when empty.
func (m *MemoryIndex) MaxID() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return maxOf(m.set)
}

// Contains reports whether id is indexed.
func (m *MemoryIndex) Contains(id uint64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.set.Contains(id)
}

// IDs returns a copy of the indexed id set.
func (m *MemoryIndex) IDs() *roaring64.Bitmap {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.set.Clone()
}

// Options returns the index parameters.
func (m *MemoryIndex) Options() Options { return m.opts }

// Dir returns the index directory.
func (m *MemoryIndex) Dir() string { return m.dir }

// Close is a no-op for MemoryIndex.
func (m *MemoryIndex) Close() error {
	return nil
}
