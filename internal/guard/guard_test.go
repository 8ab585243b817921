package guard

import (
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperjump/kasane/internal/level"
	"github.com/hyperjump/kasane/internal/models"
	"github.com/hyperjump/kasane/internal/vector"
)

const dims = 8

func openLevel(t *testing.T, dir string) *level.Level {
	t.Helper()
	l, err := level.Open(context.Background(), dir, level.Options{
		Name:       "session",
		Dimensions: dims,
		Metric:     vector.MetricCosine,
		Index:      vector.Options{EfSearch: 200},
		Create:     true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func randomVectors(seed int64, n int) []models.Vector {
	rng := rand.New(rand.NewSource(seed))
	out := make([]models.Vector, n)
	for i := range out {
		v := make(models.Vector, dims)
		for j := range v {
			v[j] = rng.Float32()*2 - 1
		}
		out[i] = v
	}
	return out
}

func TestGuard_ConsistentLevel(t *testing.T) {
	l := openLevel(t, t.TempDir())
	ctx := context.Background()
	_, err := l.PutBatch(ctx, randomVectors(1, 10))
	require.NoError(t, err)

	g := New(DefaultPolicy())
	r, err := g.Reconcile(ctx, l)
	require.NoError(t, err)
	assert.Equal(t, Consistent, r.Status)
	assert.Equal(t, ActionNone, r.Action)
	assert.Equal(t, uint64(10), r.StoreCount)
	assert.Equal(t, uint64(10), r.IndexSize)
}

func TestGuard_DeletedIndexIsRebuilt(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	l, err := level.Open(ctx, dir, level.Options{Name: "s", Dimensions: dims, Metric: vector.MetricCosine, Create: true})
	require.NoError(t, err)
	vecs := randomVectors(2, 2)
	a := vecs[0]
	_, err = l.PutBatch(ctx, vecs)
	require.NoError(t, err)
	require.NoError(t, l.Consolidate(ctx))
	before, err := l.Search(ctx, a, 2)
	require.NoError(t, err)
	require.NoError(t, l.Close())

	require.NoError(t, os.RemoveAll(filepath.Join(dir, level.IndexDir)))

	l = openLevel(t, dir)
	assert.Equal(t, level.IndexMissing, l.IndexState())

	g := New(DefaultPolicy())
	r, err := g.Check(ctx, l)
	require.NoError(t, err)
	assert.Equal(t, Diverged, r.Status)
	assert.Equal(t, uint64(2), r.MissingCount)
	assert.Equal(t, []uint64{1, 2}, r.Missing)

	r, err = g.Reconcile(ctx, l)
	require.NoError(t, err)
	assert.Equal(t, ActionRebuilt, r.Action)

	count, err := l.Store().Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), count)
	assert.Equal(t, count, l.Index().Size())

	after, err := l.Search(ctx, a, 2)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	r, err = g.Check(ctx, l)
	require.NoError(t, err)
	assert.Equal(t, Consistent, r.Status)
}

func TestGuard_TailReplay(t *testing.T) {
	l := openLevel(t, t.TempDir())
	ctx := context.Background()
	vecs := randomVectors(3, 102)

	_, err := l.PutBatch(ctx, vecs[:100])
	require.NoError(t, err)
	// Records that reached the store but not the index, as after a crash.
	for _, v := range vecs[100:] {
		_, _, err := l.Store().Put(ctx, v)
		require.NoError(t, err)
	}

	g := New(DefaultPolicy())
	r, err := g.Reconcile(ctx, l)
	require.NoError(t, err)
	assert.Equal(t, Diverged, r.Status)
	assert.Equal(t, ActionReplayed, r.Action)
	assert.Equal(t, uint64(2), r.Replayed)
	assert.Equal(t, []uint64{101, 102}, r.Missing)
	assert.Equal(t, uint64(102), l.Index().Size())
}

func TestGuard_SmallDivergenceTolerated(t *testing.T) {
	l := openLevel(t, t.TempDir())
	ctx := context.Background()
	vecs := randomVectors(4, 201)

	_, err := l.PutBatch(ctx, vecs[:200])
	require.NoError(t, err)
	_, _, err = l.Store().Put(ctx, vecs[200])
	require.NoError(t, err)

	g := New(DefaultPolicy())
	r, err := g.Reconcile(ctx, l)
	require.NoError(t, err)
	assert.Equal(t, Diverged, r.Status)
	assert.Equal(t, ActionTolerated, r.Action)
	assert.Equal(t, uint64(200), l.Index().Size())
}

func TestGuard_UnknownIDsForceRebuild(t *testing.T) {
	l := openLevel(t, t.TempDir())
	ctx := context.Background()
	vecs := randomVectors(5, 20)

	_, err := l.PutBatch(ctx, vecs)
	require.NoError(t, err)
	require.NoError(t, l.Update(ctx, func(ctx context.Context, idx vector.VectorIndex) error {
		return idx.Add(ctx, 999, vecs[0])
	}))

	g := New(DefaultPolicy())
	r, err := g.Reconcile(ctx, l)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), r.ExtraCount)
	assert.Equal(t, ActionRebuilt, r.Action)
	assert.False(t, l.Index().Contains(999))
	assert.Equal(t, uint64(20), l.Index().Size())
}

func TestGuard_RebuildMatchesBruteForce(t *testing.T) {
	l := openLevel(t, t.TempDir())
	ctx := context.Background()
	vecs := randomVectors(6, 300)
	_, err := l.PutBatch(ctx, vecs)
	require.NoError(t, err)

	g := New(DefaultPolicy())
	require.NoError(t, g.Rebuild(ctx, l))
	require.NoError(t, g.Rebuild(ctx, l), "rebuild is safe to re-run")

	count, err := l.Store().Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, count, l.Index().Size())

	exact, err := vector.NewMemoryIndex("", vector.Options{Dimensions: dims})
	require.NoError(t, err)
	for i, v := range vecs {
		require.NoError(t, exact.Add(ctx, uint64(i+1), v))
	}

	const k = 5
	hits, total := 0, 0
	for _, q := range randomVectors(7, 20) {
		want, err := exact.Search(ctx, q, k)
		require.NoError(t, err)
		got, err := l.Search(ctx, q, k)
		require.NoError(t, err)
		ids := map[uint64]bool{}
		for _, n := range got {
			ids[n.ID] = true
		}
		for _, w := range want {
			total++
			if ids[w.ID] {
				hits++
			}
		}
	}
	assert.GreaterOrEqual(t, float64(hits)/float64(total), 0.9)
}

func TestGuard_CancelledRebuildKeepsIndex(t *testing.T) {
	l := openLevel(t, t.TempDir())
	ctx := context.Background()
	_, err := l.PutBatch(ctx, randomVectors(8, 10))
	require.NoError(t, err)
	before := l.Index()

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	g := New(Policy{TolerateRatio: 0.01, RebuildRatio: 0.05, ReplayBatchSize: 1})
	err = g.Rebuild(cancelled, l)
	require.ErrorIs(t, err, context.Canceled)
	assert.Same(t, before, l.Index())
	assert.Equal(t, uint64(10), l.Index().Size())
}
