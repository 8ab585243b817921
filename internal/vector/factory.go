package vector

import (
	"fmt"
)

// IndexType represents the type of vector index to use.
type IndexType string

const (
	// IndexTypeHNSW is the default disk-resident HNSW graph.
	IndexTypeHNSW IndexType = "hnsw"
	// IndexTypeMemory uses exact brute-force search. Good for small levels and tests.
	IndexTypeMemory IndexType = "memory"
	// IndexTypeFAISS uses FAISS. Requires the FAISS library and build tag -tags=faiss.
	IndexTypeFAISS IndexType = "faiss"
)

// Options holds index construction parameters.
type Options struct {
	Type       IndexType
	Dimensions int
	Metric     Metric
	// HNSW tuning. Zero values select defaults.
	M        int
	EfSearch int
	Ml       float64
}

// WithDefaults fills zero fields.
func (o Options) WithDefaults() Options {
	if o.Type == "" {
		o.Type = IndexTypeHNSW
	}
	if o.Metric == "" {
		o.Metric = MetricCosine
	}
	if o.Type == IndexTypeHNSW {
		if o.M == 0 {
			o.M = 16
		}
		if o.EfSearch == 0 {
			o.EfSearch = 100
		}
		if o.Ml == 0 {
			o.Ml = 0.25
		}
	}
	return o
}

func (o Options) validate() error {
	if o.Dimensions <= 0 {
		return fmt.Errorf("dimensions must be positive")
	}
	if _, err := ParseMetric(string(o.Metric)); err != nil {
		return err
	}
	return nil
}

// Create returns a new, empty index bound to dir. Nothing is written until Save.
// Supported types: "hnsw" (default), "memory", "faiss".
func Create(dir string, opts Options) (VectorIndex, error) {
	opts = opts.WithDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}
	switch opts.Type {
	case IndexTypeHNSW:
		return NewHNSWIndex(dir, opts)
	case IndexTypeMemory:
		return NewMemoryIndex(dir, opts)
	case IndexTypeFAISS:
		return NewFAISSIndex(dir, opts)
	default:
		return nil, fmt.Errorf("unknown index type: %s (supported: hnsw, memory, faiss)", opts.Type)
	}
}

// Open loads the index persisted in dir. It returns ErrNotFound if dir holds no
// index and ErrCorruptIndex if the files cannot be decoded. When want has non-zero
// dimensions or a metric, they must match the manifest.
func Open(dir string, want Options) (VectorIndex, error) {
	m, err := ReadManifest(dir)
	if err != nil {
		return nil, err
	}
	if want.Dimensions > 0 && want.Dimensions != m.Dimensions {
		return nil, corrupt("index has %d dimensions, expected %d", m.Dimensions, want.Dimensions)
	}
	if want.Metric != "" && want.Metric != m.Metric {
		return nil, corrupt("index metric %s, expected %s", m.Metric, want.Metric)
	}
	switch IndexType(m.Backend) {
	case IndexTypeHNSW:
		return loadHNSWIndex(dir, m)
	case IndexTypeMemory:
		return loadMemoryIndex(dir, m)
	case IndexTypeFAISS:
		return loadFAISSIndex(dir, m)
	default:
		return nil, corrupt("unknown backend %q", m.Backend)
	}
}

// IsFAISSAvailable returns true if FAISS support is compiled in.
// This is determined by the build tag -tags=faiss.
func IsFAISSAvailable() bool {
	idx, err := NewFAISSIndex("", Options{Dimensions: 1, Metric: MetricCosine})
	if err != nil {
		return false
	}
	_ = idx.Close()
	return true
}
