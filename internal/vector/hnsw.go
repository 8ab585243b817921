package vector

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"github.com/coder/hnsw"

	"github.com/hyperjump/kasane/internal/models"
)

const graphFile = "graph.hnsw.zst"

// HNSWIndex is a Hierarchical Navigable Small World graph backed by github.com/coder/hnsw.
// Store ids are used as graph keys directly, so no translation table is needed.
//
// The graph is not safe for concurrent inserts; Add takes the write lock and searches
// share the read lock. Consolidate builds a replacement graph under the read lock and
// swaps it in, so searches keep running on the previous graph meanwhile.
type HNSWIndex struct {
	mu     sync.RWMutex
	graph  *hnsw.Graph[uint64]
	ids    *roaring64.Bitmap
	opts   Options
	dir    string
	closed bool
}

// NewHNSWIndex creates an empty HNSW index bound to dir.
func NewHNSWIndex(dir string, opts Options) (*HNSWIndex, error) {
	opts.Type = IndexTypeHNSW
	opts = opts.WithDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}
	return &HNSWIndex{
		graph: newGraph(opts),
		ids:   roaring64.New(),
		opts:  opts,
		dir:   dir,
	}, nil
}

func newGraph(opts Options) *hnsw.Graph[uint64] {
	g := hnsw.NewGraph[uint64]()
	g.M = opts.M
	g.EfSearch = opts.EfSearch
	g.Ml = opts.Ml
	g.Distance = opts.Metric.DistanceFunc()
	return g
}

func loadHNSWIndex(dir string, m *Manifest) (*HNSWIndex, error) {
	opts := m.Options().WithDefaults()
	ids, err := readIDs(dir)
	if err != nil {
		return nil, err
	}
	if err := checkCounts(m, ids); err != nil {
		return nil, err
	}

	g := newGraph(opts)
	if m.Count > 0 {
		err := readCompressed(filepath.Join(dir, graphFile), func(r io.Reader) error {
			return g.Import(r)
		})
		if err != nil {
			return nil, err
		}
		// Import restores the saved parameters; the manifest is authoritative.
		g.M = opts.M
		g.EfSearch = opts.EfSearch
		g.Ml = opts.Ml
		g.Distance = opts.Metric.DistanceFunc()
	}
	if uint64(g.Len()) != m.Count {
		return nil, corrupt("graph holds %d nodes, manifest records %d", g.Len(), m.Count)
	}
	if m.Count > 0 && g.Dims() != m.Dimensions {
		return nil, corrupt("graph has %d dimensions, manifest records %d", g.Dims(), m.Dimensions)
	}
	if m.Count > 0 {
		if _, ok := g.Lookup(m.MaxID); !ok {
			return nil, corrupt("graph is missing id %d", m.MaxID)
		}
	}
	return &HNSWIndex{graph: g, ids: ids, opts: opts, dir: dir}, nil
}

// Type returns the index type identifier.
func (h *HNSWIndex) Type() string {
	return string(IndexTypeHNSW)
}

// Add inserts vec under id.
func (h *HNSWIndex) Add(ctx context.Context, id uint64, vec models.Vector) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(vec) != h.opts.Dimensions {
		return &DimensionMismatchError{Got: len(vec), Want: h.opts.Dimensions}
	}
	if err := h.opts.Metric.Check(vec); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrClosed
	}
	if h.ids.Contains(id) {
		return &DuplicateIdentifierError{ID: id}
	}
	h.graph.Add(hnsw.MakeNode(id, []float32(vec.Clone())))
	h.ids.Add(id)
	return nil
}

// Search returns up to k neighbours of query, closest first. Ties are broken by id.
func (h *HNSWIndex) Search(ctx context.Context, query models.Vector, k int) ([]models.Neighbor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(query) != h.opts.Dimensions {
		return nil, &DimensionMismatchError{Got: len(query), Want: h.opts.Dimensions}
	}
	if err := h.opts.Metric.Check(query); err != nil {
		return nil, err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return nil, ErrClosed
	}
	if k <= 0 || h.graph.Len() == 0 {
		return nil, nil
	}
	nodes := h.graph.Search([]float32(query), k)
	dist := h.graph.Distance
	out := make([]models.Neighbor, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, models.Neighbor{ID: n.Key, Distance: dist(query, n.Value)})
	}
	sortNeighbors(out)
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

// Consolidate rebuilds the graph from its own vectors in ascending id order. The new
// graph replaces the old one only after it is complete; cancellation leaves the
// previous graph in place.
func (h *HNSWIndex) Consolidate(ctx context.Context) error {
	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		return ErrClosed
	}
	fresh := newGraph(h.opts)
	it := h.ids.Iterator()
	batch := make([]hnsw.Node[uint64], 0, 256)
	for it.HasNext() {
		id := it.Next()
		v, ok := h.graph.Lookup(id)
		if !ok {
			h.mu.RUnlock()
			return corrupt("graph is missing id %d", id)
		}
		batch = append(batch, hnsw.MakeNode(id, v))
		if len(batch) == cap(batch) {
			if err := ctx.Err(); err != nil {
				h.mu.RUnlock()
				return err
			}
			fresh.Add(batch...)
			batch = batch[:0]
		}
	}
	if len(batch) > 0 {
		fresh.Add(batch...)
	}
	h.mu.RUnlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if uint64(fresh.Len()) != h.ids.GetCardinality() {
		// An Add slipped in between; keep the live graph rather than drop it.
		return nil
	}
	h.graph = fresh
	return nil
}

// Save writes the graph, the id set, and finally the manifest into the index directory.
func (h *HNSWIndex) Save() error {
	if h.dir == "" {
		return nil
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return ErrClosed
	}

	graphPath := filepath.Join(h.dir, graphFile)
	if h.graph.Len() > 0 {
		if err := writeCompressed(graphPath, h.graph.Export); err != nil {
			return err
		}
	} else if err := os.Remove(graphPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := writeIDs(h.dir, h.ids); err != nil {
		return err
	}
	m := &Manifest{
		Backend:    string(IndexTypeHNSW),
		Dimensions: h.opts.Dimensions,
		Metric:     h.opts.Metric,
		M:          h.opts.M,
		EfSearch:   h.opts.EfSearch,
		Ml:         h.opts.Ml,
		Count:      h.ids.GetCardinality(),
		MaxID:      maxOf(h.ids),
	}
	return writeManifest(h.dir, m)
}

// Size returns the number of distinct ids in the index.
func (h *HNSWIndex) Size() uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.ids.GetCardinality()
}

// MaxID returns the largest indexed id, or 0 when empty.
func (h *HNSWIndex) MaxID() uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return maxOf(h.ids)
}

// Contains reports whether id is indexed.
func (h *HNSWIndex) Contains(id uint64) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.ids.Contains(id)
}

// IDs returns a copy of the indexed id set.
func (h *HNSWIndex) IDs() *roaring64.Bitmap {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.ids.Clone()
}

// Options returns the index tuning.
func (h *HNSWIndex) Options() Options { return h.opts }

// Dir returns the index directory.
func (h *HNSWIndex) Dir() string { return h.dir }

// Close releases the graph. It does not save.
func (h *HNSWIndex) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	h.graph = nil
	return nil
}

func sortNeighbors(ns []models.Neighbor) {
	sort.Slice(ns, func(i, j int) bool {
		if ns[i].Distance != ns[j].Distance {
			return ns[i].Distance < ns[j].Distance
		}
		return ns[i].ID < ns[j].ID
	})
}
