package vector

import (
	"fmt"
	"math"

	"github.com/coder/hnsw"

	"github.com/hyperjump/kasane/internal/models"
)

// Metric names a distance function. Smaller distances are closer.
type Metric string

const (
	// MetricCosine is 1 - cosine similarity.
	MetricCosine Metric = "cosine"
	// MetricL2 is Euclidean distance.
	MetricL2 Metric = "l2"
)

// ParseMetric validates a metric name. The empty string selects cosine.
func ParseMetric(s string) (Metric, error) {
	switch Metric(s) {
	case MetricCosine, "":
		return MetricCosine, nil
	case MetricL2:
		return MetricL2, nil
	default:
		return "", fmt.Errorf("unknown metric: %s (supported: cosine, l2)", s)
	}
}

// DistanceFunc returns the distance function for m. Every backend uses these so exact
// and approximate searches rank identically.
func (m Metric) DistanceFunc() hnsw.DistanceFunc {
	if m == MetricL2 {
		return hnsw.EuclideanDistance
	}
	return hnsw.CosineDistance
}

// Check rejects vectors the metric has no distance for. Cosine is undefined for a
// zero vector.
func (m Metric) Check(v models.Vector) error {
	if m != MetricL2 && v.IsZero() {
		return fmt.Errorf("%w: zero vector has no %s distance", models.ErrInvalidVector, MetricCosine)
	}
	return nil
}

// L2Norm returns the L2 norm of a vector.
func L2Norm(x []float32) float64 {
	var sum float64
	for _, v := range x {
		sum += float64(v * v)
	}
	return math.Sqrt(sum)
}

// Normalize returns x scaled to unit length. Zero vectors are returned unchanged.
func Normalize(x []float32) []float32 {
	n := L2Norm(x)
	out := make([]float32, len(x))
	if n == 0 {
		copy(out, x)
		return out
	}
	for i, v := range x {
		out[i] = float32(float64(v) / n)
	}
	return out
}
