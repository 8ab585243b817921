package level

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperjump/kasane/internal/consolidation"
	"github.com/hyperjump/kasane/internal/models"
	"github.com/hyperjump/kasane/internal/vector"
)

func testOptions() Options {
	return Options{
		Name:       "leaf",
		Dimensions: 4,
		Metric:     vector.MetricL2,
		Create:     true,
	}
}

func openTestLevel(t *testing.T, dir string, opts Options) *Level {
	t.Helper()
	l, err := Open(context.Background(), dir, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

var (
	vecA = models.Vector{1, 0, 0, 0}
	vecB = models.Vector{0, 1, 0, 0}
	vecC = models.Vector{0, 0, 5, 0}
)

func TestLevel_PutDeduplicatesAndSearches(t *testing.T) {
	l := openTestLevel(t, t.TempDir(), testOptions())
	ctx := context.Background()

	a, err := l.Put(ctx, vecA)
	require.NoError(t, err)
	b, err := l.Put(ctx, vecB)
	require.NoError(t, err)
	again, err := l.Put(ctx, vecA)
	require.NoError(t, err)

	assert.True(t, a.Created)
	assert.True(t, b.Created)
	assert.False(t, again.Created)
	assert.Equal(t, a.ID, again.ID)

	count, err := l.Store().Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), count)
	assert.Equal(t, uint64(2), l.Index().Size())

	require.NoError(t, l.Consolidate(ctx))
	res, err := l.Search(ctx, vecA, 1)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, a.ID, res[0].ID)
	assert.InDelta(t, 0, res[0].Distance, 1e-6)
}

func TestLevel_ReopenKeepsIndex(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	l, err := Open(ctx, dir, testOptions())
	require.NoError(t, err)
	assert.Equal(t, IndexLoaded, l.IndexState())
	_, err = l.PutBatch(ctx, []models.Vector{vecA, vecB, vecC})
	require.NoError(t, err)
	require.NoError(t, l.Close())

	opts := testOptions()
	opts.Create = false
	l = openTestLevel(t, dir, opts)
	assert.Equal(t, IndexLoaded, l.IndexState())
	assert.Equal(t, uint64(3), l.Index().Size())

	res, err := l.SearchByID(ctx, 1, 2)
	require.NoError(t, err)
	require.Len(t, res, 2)
	for _, n := range res {
		assert.NotEqual(t, uint64(1), n.ID)
	}
}

func TestLevel_OpenMissingWithoutCreate(t *testing.T) {
	opts := testOptions()
	opts.Create = false
	_, err := Open(context.Background(), t.TempDir(), opts)
	require.Error(t, err)
	assert.False(t, Exists(t.TempDir()))
}

func TestLevel_CorruptIndexOpensEmpty(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	l, err := Open(ctx, dir, testOptions())
	require.NoError(t, err)
	_, err = l.PutBatch(ctx, []models.Vector{vecA, vecB})
	require.NoError(t, err)
	require.NoError(t, l.Close())
	require.True(t, Exists(dir))

	require.NoError(t, os.WriteFile(filepath.Join(dir, IndexDir, "manifest.yaml"), []byte("format_version: 99\n"), 0644))

	l = openTestLevel(t, dir, testOptions())
	assert.Equal(t, IndexCorrupt, l.IndexState())
	assert.Zero(t, l.Index().Size())

	// Re-putting a stored vector heals its index entry.
	res, err := l.Put(ctx, vecA)
	require.NoError(t, err)
	assert.False(t, res.Created)
	assert.True(t, l.Index().Contains(res.ID))
}

func TestLevel_RebuildIndexSwaps(t *testing.T) {
	dir := t.TempDir()
	l := openTestLevel(t, dir, testOptions())
	ctx := context.Background()

	_, err := l.PutBatch(ctx, []models.Vector{vecA, vecB})
	require.NoError(t, err)
	require.NoError(t, l.Flush())

	err = l.RebuildIndex(ctx, func(ctx context.Context, fresh vector.VectorIndex) error {
		for rec, err := range l.Store().IterateFrom(ctx, 0) {
			if err != nil {
				return err
			}
			if err := fresh.Add(ctx, rec.ID, rec.Vector); err != nil {
				return err
			}
		}
		return fresh.Consolidate(ctx)
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), l.Index().Size())
	assert.Equal(t, filepath.Join(dir, IndexDir), l.Index().Dir())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".rebuild-", "staging directory must be removed")
		assert.NotContains(t, e.Name(), ".old-", "retired index must be removed")
	}
}

func TestLevel_RebuildIndexFailureKeepsOld(t *testing.T) {
	l := openTestLevel(t, t.TempDir(), testOptions())
	ctx := context.Background()

	_, err := l.PutBatch(ctx, []models.Vector{vecA, vecB})
	require.NoError(t, err)
	before := l.Index()

	boom := errors.New("interrupted")
	err = l.RebuildIndex(ctx, func(ctx context.Context, fresh vector.VectorIndex) error {
		require.NoError(t, fresh.Add(ctx, 1, vecA))
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.Same(t, before, l.Index())
	assert.Equal(t, uint64(2), l.Index().Size())

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	err = l.RebuildIndex(cancelled, func(ctx context.Context, fresh vector.VectorIndex) error { return nil })
	require.ErrorIs(t, err, context.Canceled)
	assert.Same(t, before, l.Index())
}

func TestLevel_MaybeConsolidate(t *testing.T) {
	opts := testOptions()
	opts.Consolidation = consolidation.Thresholds{MaxBatches: 2}
	l := openTestLevel(t, t.TempDir(), opts)
	ctx := context.Background()

	_, err := l.PutBatch(ctx, []models.Vector{vecA})
	require.NoError(t, err)
	reason, err := l.MaybeConsolidate(ctx)
	require.NoError(t, err)
	assert.Equal(t, consolidation.ReasonNone, reason)

	_, err = l.PutBatch(ctx, []models.Vector{vecB})
	require.NoError(t, err)
	reason, err = l.MaybeConsolidate(ctx)
	require.NoError(t, err)
	assert.Equal(t, consolidation.ReasonBatches, reason)
	assert.Equal(t, uint64(1), l.Scheduler().Stats().Consolidations)

	_, err = os.Stat(filepath.Join(l.Dir(), IndexDir, "manifest.yaml"))
	assert.NoError(t, err, "consolidation saves the index")
}

func TestLevel_PutRejectsInvalid(t *testing.T) {
	l := openTestLevel(t, t.TempDir(), testOptions())
	_, err := l.Put(context.Background(), models.Vector{1, 2})
	assert.ErrorIs(t, err, models.ErrInvalidVector)
	assert.Zero(t, l.Index().Size())
}

func TestLevel_ZeroVectorUnderCosine(t *testing.T) {
	opts := testOptions()
	opts.Metric = vector.MetricCosine
	l := openTestLevel(t, t.TempDir(), opts)
	ctx := context.Background()

	_, err := l.Put(ctx, models.Vector{0, 0, 0, 0})
	assert.ErrorIs(t, err, models.ErrInvalidVector)
	_, err = l.PutBatch(ctx, []models.Vector{vecA, vecB})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), l.Index().Size())

	_, err = l.Search(ctx, models.Vector{0, 0, 0, 0}, 2)
	assert.ErrorIs(t, err, models.ErrInvalidVector)

	res, err := l.Search(ctx, vecA, 2)
	require.NoError(t, err)
	require.Len(t, res, 2)
	assert.Equal(t, uint64(1), res[0].ID)
	assert.InDelta(t, 0, res[0].Distance, 1e-6)
	assert.InDelta(t, 1, res[1].Distance, 1e-6)
}

func TestLevel_Status(t *testing.T) {
	opts := testOptions()
	opts.Consolidation = consolidation.Thresholds{MaxVectors: 100}
	l := openTestLevel(t, t.TempDir(), opts)
	ctx := context.Background()

	_, err := l.PutBatch(ctx, []models.Vector{vecA, vecB, vecC})
	require.NoError(t, err)
	require.NoError(t, l.Flush())

	st, err := l.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "leaf", st.Name)
	assert.Equal(t, uint64(3), st.Count)
	assert.Equal(t, uint64(3), st.MaxID)
	assert.Equal(t, uint64(3), st.IndexSize)
	assert.Equal(t, IndexLoaded, st.IndexState)
	assert.Equal(t, 4, st.Info.Dimensions)
	assert.Zero(t, st.Referrers)
	assert.Positive(t, st.Disk.StoreBytes)
	assert.Positive(t, st.Disk.IndexBytes)
	assert.Equal(t, st.Disk.StoreBytes+st.Disk.IndexBytes, st.DiskUsageBytes)
	assert.Equal(t, uint64(3), st.Consolidation.VectorsSince)
	assert.Equal(t, uint64(100), st.Thresholds.MaxVectors)
}
