package hierarchy

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hyperjump/kasane/internal/consolidation"
	"github.com/hyperjump/kasane/internal/guard"
	"github.com/hyperjump/kasane/internal/level"
	"github.com/hyperjump/kasane/internal/models"
	"github.com/hyperjump/kasane/internal/storage"
	"github.com/hyperjump/kasane/internal/vector"
)

const dims = 4

func newHierarchy(t *testing.T, root string) *Hierarchy {
	t.Helper()
	h, err := New(Config{
		Root:      root,
		Level:     level.Options{Dimensions: dims, Metric: vector.MetricL2},
		Guard:     guard.DefaultPolicy(),
		BatchSize: 4,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close() })
	return h
}

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

func TestCleanPath(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"", ".", false},
		{".", ".", false},
		{"a/b/", "a/b", false},
		{"a/./b", "a/b", false},
		{"a/../b", "b", false},
		{"../a", "", true},
		{"/abs", "", true},
	}
	for _, tt := range tests {
		got, err := CleanPath(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestAncestors(t *testing.T) {
	assert.Equal(t, []string{"a/b", "a", "."}, Ancestors("a/b/c"))
	assert.Equal(t, []string{"."}, Ancestors("a"))
	assert.Empty(t, Ancestors("."))
}

func TestDiscover_NearestAncestorIsParent(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	h := newHierarchy(t, root)

	for _, p := range []string{".", "proj", "proj/x/deep", "other/leaf"} {
		_, err := h.Create(ctx, p, false)
		require.NoError(t, err)
	}
	require.NoError(t, os.MkdirAll(filepath.Join(root, ".hidden", level.DefaultDirName), 0755))

	tree, err := Discover(root, level.DefaultDirName)
	require.NoError(t, err)
	assert.Equal(t, 4, tree.Len())

	deep, ok := tree.Node("proj/x/deep")
	require.True(t, ok)
	assert.Equal(t, "proj", deep.Parent.Path)
	assert.Equal(t, 3, deep.Depth())

	leaf, ok := tree.Node("other/leaf")
	require.True(t, ok)
	assert.Equal(t, RootPath, leaf.Parent.Path)

	require.Len(t, tree.Tops, 1)
	assert.Equal(t, RootPath, tree.Tops[0].Path)
	assert.Len(t, tree.Tops[0].Children, 2)
}

func TestCreate_WithAncestors(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	h := newHierarchy(t, root)

	_, err := h.Create(ctx, "a/b/c", true)
	require.NoError(t, err)

	for _, p := range []string{"a/b/c", "a/b", "a", "."} {
		assert.True(t, level.Exists(filepath.Join(root, filepath.FromSlash(p), level.DefaultDirName)), p)
	}
	assert.Equal(t, 4, h.Tree().Len())
}

func TestCreateAncestors_InheritsDimensions(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	h := newHierarchy(t, root)
	for _, p := range []string{"x/y", "x/z/w"} {
		_, err := h.Create(ctx, p, false)
		require.NoError(t, err)
	}
	require.NoError(t, h.Close())

	h2, err := New(Config{Root: root, Guard: guard.DefaultPolicy()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = h2.Close() })

	created, err := h2.CreateAncestors(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{".", "x", "x/z"}, created)
	assert.Equal(t, 5, h2.Tree().Len())

	top, err := h2.Level(ctx, RootPath)
	require.NoError(t, err)
	assert.Equal(t, dims, top.Info().Dimensions)
	assert.Equal(t, string(vector.MetricL2), top.Info().Metric)

	again, err := h2.CreateAncestors(ctx)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestLevel_MissingIsNotCreated(t *testing.T) {
	h := newHierarchy(t, t.TempDir())
	_, err := h.Level(context.Background(), "nope")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestAggregateAll_ThreeLevels(t *testing.T) {
	ctx := context.Background()
	h := newHierarchy(t, t.TempDir())

	leafA, err := h.Create(ctx, "proj/a", true)
	require.NoError(t, err)
	leafB, err := h.Create(ctx, "proj/b", false)
	require.NoError(t, err)

	shared := seq(0, 3)
	_, err = leafA.PutBatch(ctx, append(seq(100, 7), shared...))
	require.NoError(t, err)
	_, err = leafB.PutBatch(ctx, append(append([]models.Vector{}, shared...), seq(200, 7)...))
	require.NoError(t, err)

	results, err := h.AggregateAll(ctx)
	require.NoError(t, err)
	require.Len(t, results, 3)

	mid, err := h.Level(ctx, "proj")
	require.NoError(t, err)
	root, err := h.Level(ctx, ".")
	require.NoError(t, err)

	assert.Equal(t, uint64(17), count(t, mid))
	assert.Equal(t, uint64(17), count(t, root))
	assert.Equal(t, uint64(17), root.Index().Size())

	// The mid edge runs after both leaves have landed.
	last := results[0]
	assert.Equal(t, "proj", last.Child)
	assert.Equal(t, ".", last.Parent)
	assert.Equal(t, 17, last.Copied)

	again, err := h.AggregateAll(ctx)
	require.NoError(t, err)
	for _, r := range again {
		assert.Zero(t, r.Scanned, r.Child)
	}

	reports, err := h.CheckAll(ctx, true)
	require.NoError(t, err)
	require.Len(t, reports, 4)
	for _, r := range reports {
		assert.Equal(t, guard.Consistent, r.Status, r.Level)
	}
}

func TestAggregateEdge(t *testing.T) {
	ctx := context.Background()
	h := newHierarchy(t, t.TempDir())

	leaf, err := h.Create(ctx, "s/leaf", true)
	require.NoError(t, err)
	_, err = leaf.PutBatch(ctx, seq(0, 5))
	require.NoError(t, err)

	res, err := h.AggregateEdge(ctx, "s/leaf")
	require.NoError(t, err)
	assert.Equal(t, 5, res.Copied)
	assert.Equal(t, "s", res.Parent)

	_, err = h.AggregateEdge(ctx, ".")
	assert.Error(t, err)
}

func TestPropagate(t *testing.T) {
	ctx := context.Background()
	h := newHierarchy(t, t.TempDir())

	_, err := h.Create(ctx, "x", false)
	require.NoError(t, err)
	_, err = h.Create(ctx, ".", false)
	require.NoError(t, err)

	// Created outside the hierarchy, as a producer would.
	leaf, err := level.Open(ctx, filepath.Join(h.Root(), "x", "y", level.DefaultDirName), level.Options{
		Name: "x/y", Dimensions: dims, Metric: vector.MetricL2, Create: true,
	})
	require.NoError(t, err)
	_, err = leaf.PutBatch(ctx, seq(0, 6))
	require.NoError(t, err)
	require.NoError(t, leaf.Close())

	results, err := h.Propagate(ctx, "x/y")
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "x", results[0].Parent)
	assert.Equal(t, ".", results[1].Parent)

	root, err := h.Level(ctx, ".")
	require.NoError(t, err)
	assert.Equal(t, uint64(6), count(t, root))
}

func TestCheckAll_RebuildsDeletedIndex(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()

	h := newHierarchy(t, root)
	l, err := h.Create(ctx, "s", false)
	require.NoError(t, err)
	_, err = l.PutBatch(ctx, seq(0, 20))
	require.NoError(t, err)
	require.NoError(t, h.Close())

	require.NoError(t, os.RemoveAll(filepath.Join(root, "s", level.DefaultDirName, level.IndexDir)))

	h2 := newHierarchy(t, root)
	reports, err := h2.CheckAll(ctx, true)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, guard.ActionRebuilt, reports[0].Action)

	l2, err := h2.Level(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, uint64(20), l2.Index().Size())
}

func TestRetry_StorageFailure(t *testing.T) {
	var calls atomic.Int32
	r := Retry{MaxRetries: 3, Backoff: time.Millisecond}
	err := r.Do(context.Background(), zap.NewNop(), "test", func(context.Context) error {
		if calls.Add(1) < 3 {
			return fmt.Errorf("write: %w", storage.ErrStorageFailure)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestRetry_GivesUp(t *testing.T) {
	var calls atomic.Int32
	r := Retry{MaxRetries: 2, Backoff: time.Millisecond}
	err := r.Do(context.Background(), zap.NewNop(), "test", func(context.Context) error {
		calls.Add(1)
		return storage.ErrStorageFailure
	})
	assert.ErrorIs(t, err, storage.ErrStorageFailure)
	assert.Equal(t, int32(3), calls.Load())
}

func TestRetry_OtherErrorsNotRetried(t *testing.T) {
	var calls atomic.Int32
	boom := errors.New("boom")
	err := Retry{MaxRetries: 5, Backoff: time.Millisecond}.Do(context.Background(), zap.NewNop(), "test", func(context.Context) error {
		calls.Add(1)
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, int32(1), calls.Load())
}

// fakeClock is safe for use from the scheduler and a test goroutine.
type fakeClock struct{ nanos atomic.Int64 }

func newFakeClock() *fakeClock {
	c := &fakeClock{}
	c.nanos.Store(time.Date(2024, 5, 1, 6, 0, 0, 0, time.UTC).UnixNano())
	return c
}

func (c *fakeClock) Now() time.Time          { return time.Unix(0, c.nanos.Load()).UTC() }
func (c *fakeClock) Advance(d time.Duration) { c.nanos.Add(int64(d)) }

func TestConsolidateDue_TimeBound(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	h, err := New(Config{
		Root: t.TempDir(),
		Level: level.Options{
			Dimensions:    dims,
			Metric:        vector.MetricL2,
			Consolidation: consolidation.Thresholds{MaxVectors: 1000, MaxInterval: time.Minute},
			Clock:         clock.Now,
		},
		Guard: guard.DefaultPolicy(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close() })

	busy, err := h.Create(ctx, "busy", false)
	require.NoError(t, err)
	idle, err := h.Create(ctx, "idle", false)
	require.NoError(t, err)
	_, err = busy.PutBatch(ctx, seq(1, 3))
	require.NoError(t, err)

	done, err := h.ConsolidateDue(ctx)
	require.NoError(t, err)
	assert.Empty(t, done, "interval not reached")

	clock.Advance(2 * time.Minute)
	done, err = h.ConsolidateDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"busy"}, done, "idle level has nothing pending")
	assert.Equal(t, uint64(1), busy.Scheduler().Stats().Consolidations)
	assert.Zero(t, idle.Scheduler().Stats().Consolidations)

	_, err = os.Stat(filepath.Join(busy.Dir(), level.IndexDir, "manifest.yaml"))
	assert.NoError(t, err, "consolidation saves the index")

	done, err = h.ConsolidateDue(ctx)
	require.NoError(t, err)
	assert.Empty(t, done, "counters reset")
}

func TestOpen_DoesNotHoldTreeLockDuringOpen(t *testing.T) {
	ctx := context.Background()
	h := newHierarchy(t, t.TempDir())
	for _, p := range []string{"slow", "other"} {
		_, err := h.Create(ctx, p, false)
		require.NoError(t, err)
	}
	require.NoError(t, h.Close())

	// Hold the opener for "slow" so its open stays in progress.
	pl := h.pathLock("slow")
	pl.Lock()
	opened := make(chan *level.Level, 2)
	for i := 0; i < 2; i++ {
		go func() {
			l, err := h.Level(ctx, "slow")
			assert.NoError(t, err)
			opened <- l
		}()
	}

	fast := make(chan error, 1)
	go func() {
		_ = h.Tree()
		_ = h.Root()
		_, err := h.Level(ctx, "other")
		fast <- err
	}()
	select {
	case err := <-fast:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("tree access and other levels blocked by an open in progress")
	}

	pl.Unlock()
	a, b := <-opened, <-opened
	require.NotNil(t, a)
	assert.Same(t, a, b, "concurrent opens share one level")
}
