package aggregate

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperjump/kasane/internal/fingerprint"
	"github.com/hyperjump/kasane/internal/level"
	"github.com/hyperjump/kasane/internal/models"
	"github.com/hyperjump/kasane/internal/storage"
	"github.com/hyperjump/kasane/internal/vector"
)

const dims = 4

func newLevel(t *testing.T, name string, d int) *level.Level {
	t.Helper()
	l, err := level.Open(context.Background(), filepath.Join(t.TempDir(), name), level.Options{
		Name:       name,
		Dimensions: d,
		Metric:     vector.MetricL2,
		Create:     true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

// seq returns n distinct vectors starting at offset.
func seq(offset, n int) []models.Vector {
	out := make([]models.Vector, n)
	for i := range out {
		x := float32(offset + i)
		out[i] = models.Vector{x, x * 2, -x, 1}
	}
	return out
}

func count(t *testing.T, l *level.Level) uint64 {
	t.Helper()
	n, err := l.Store().Count(context.Background())
	require.NoError(t, err)
	return n
}

func TestAggregate_SharedContentStoredOnce(t *testing.T) {
	ctx := context.Background()
	leafA := newLevel(t, "a", dims)
	leafB := newLevel(t, "b", dims)
	mid := newLevel(t, "mid", dims)
	root := newLevel(t, "root", dims)

	shared := seq(0, 3)
	_, err := leafA.PutBatch(ctx, append(seq(100, 7), shared...))
	require.NoError(t, err)
	_, err = leafB.PutBatch(ctx, append(append([]models.Vector{}, shared...), seq(200, 7)...))
	require.NoError(t, err)

	agg := New(WithBatchSize(4))
	ra, err := agg.Aggregate(ctx, leafA, mid)
	require.NoError(t, err)
	assert.Equal(t, 10, ra.Copied)
	assert.Equal(t, 10, ra.Linked)

	rb, err := agg.Aggregate(ctx, leafB, mid)
	require.NoError(t, err)
	assert.Equal(t, 7, rb.Copied)
	assert.Equal(t, 10, rb.Linked)

	assert.Equal(t, uint64(17), count(t, mid))
	assert.Equal(t, uint64(17), mid.Index().Size())

	// One parent record, one link per provenance edge.
	id, err := mid.Store().FindByFingerprint(ctx, fingerprint.Of(shared[1]))
	require.NoError(t, err)
	links, err := mid.Ledger().ReferrersOf(ctx, id)
	require.NoError(t, err)
	require.Len(t, links, 2)
	assert.ElementsMatch(t, []string{"a", "b"}, []string{links[0].SourceLevel, links[1].SourceLevel})

	nLinks, err := mid.Ledger().CountReferrers(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(20), nLinks)

	// The mid level is itself a valid child.
	rr, err := agg.Aggregate(ctx, mid, root)
	require.NoError(t, err)
	assert.Equal(t, 17, rr.Copied)
	assert.Equal(t, uint64(17), count(t, root))

	res, err := root.Search(ctx, shared[2], 1)
	require.NoError(t, err)
	require.Len(t, res, 1)
	rec, err := root.Get(ctx, res[0].ID)
	require.NoError(t, err)
	assert.Equal(t, shared[2], rec.Vector)
}

func TestAggregate_Idempotent(t *testing.T) {
	ctx := context.Background()
	child := newLevel(t, "child", dims)
	parent := newLevel(t, "parent", dims)

	_, err := child.PutBatch(ctx, seq(0, 5))
	require.NoError(t, err)

	agg := New()
	first, err := agg.Aggregate(ctx, child, parent)
	require.NoError(t, err)
	assert.Equal(t, 5, first.Copied)

	second, err := agg.Aggregate(ctx, child, parent)
	require.NoError(t, err)
	assert.Zero(t, second.Copied)
	assert.Zero(t, second.Scanned)
	assert.Equal(t, uint64(5), count(t, parent))
}

func TestAggregate_Incremental(t *testing.T) {
	ctx := context.Background()
	child := newLevel(t, "child", dims)
	parent := newLevel(t, "parent", dims)
	agg := New(WithBatchSize(2))

	_, err := child.PutBatch(ctx, seq(0, 3))
	require.NoError(t, err)
	_, err = agg.Aggregate(ctx, child, parent)
	require.NoError(t, err)

	_, err = child.PutBatch(ctx, seq(10, 4))
	require.NoError(t, err)
	res, err := agg.Aggregate(ctx, child, parent)
	require.NoError(t, err)
	assert.Equal(t, 4, res.Scanned)
	assert.Equal(t, 4, res.Copied)
	assert.Equal(t, uint64(4), res.FromID)
	assert.Equal(t, uint64(7), res.ToID)

	cursor, err := parent.Ledger().Cursor(ctx, child.Info().LevelID)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), cursor.LastID)
	assert.Equal(t, "child", cursor.ChildPath)
}

func TestAggregate_ExistingParentContentIsLinked(t *testing.T) {
	ctx := context.Background()
	child := newLevel(t, "child", dims)
	parent := newLevel(t, "parent", dims)

	vecs := seq(0, 2)
	pre, err := parent.Put(ctx, vecs[0])
	require.NoError(t, err)
	_, err = child.PutBatch(ctx, vecs)
	require.NoError(t, err)

	res, err := New().Aggregate(ctx, child, parent)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Copied)
	assert.Equal(t, 2, res.Linked)

	links, err := parent.Ledger().ReferrersOf(ctx, pre.ID)
	require.NoError(t, err)
	require.Len(t, links, 1)
	assert.Equal(t, uint64(1), links[0].SourceID)
}

func TestAggregate_DimensionMismatch(t *testing.T) {
	child := newLevel(t, "child", dims)
	parent := newLevel(t, "parent", dims+1)
	_, err := New().Aggregate(context.Background(), child, parent)
	assert.ErrorIs(t, err, storage.ErrIncompatible)
}
