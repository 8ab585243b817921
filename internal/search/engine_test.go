package search

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperjump/kasane/internal/level"
	"github.com/hyperjump/kasane/internal/models"
	"github.com/hyperjump/kasane/internal/storage"
	"github.com/hyperjump/kasane/internal/vector"
)

// levelMap is a LevelSource over already open levels.
type levelMap map[string]*level.Level

func (m levelMap) Level(_ context.Context, p string) (*level.Level, error) {
	l, ok := m[p]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, p)
	}
	return l, nil
}

func newLevel(t *testing.T, m levelMap, name string) *level.Level {
	t.Helper()
	l, err := level.Open(context.Background(), filepath.Join(t.TempDir(), name), level.Options{
		Name:       name,
		Dimensions: 2,
		Metric:     vector.MetricL2,
		Create:     true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	m[name] = l
	return l
}

func put(t *testing.T, l *level.Level, vecs ...models.Vector) []uint64 {
	t.Helper()
	res, err := l.PutBatch(context.Background(), vecs)
	require.NoError(t, err)
	ids := make([]uint64, len(res))
	for i, r := range res {
		ids[i] = r.ID
	}
	return ids
}

func TestEngine_SearchOneLevel(t *testing.T) {
	ctx := context.Background()
	m := levelMap{}
	l := newLevel(t, m, "a")
	ids := put(t, l, models.Vector{0, 0}, models.Vector{1, 0}, models.Vector{5, 5})

	resp, err := NewEngine(m).Search(ctx, &models.SearchQuery{
		Levels: []string{"a"}, Vector: models.Vector{0.9, 0}, K: 2, IncludeVector: true,
	})
	require.NoError(t, err)
	require.Len(t, resp.Results, 2)
	assert.Equal(t, ids[1], resp.Results[0].ID)
	assert.Equal(t, ids[0], resp.Results[1].ID)
	assert.Equal(t, 1, resp.Results[0].Rank)
	assert.Equal(t, models.Vector{1, 0}, resp.Results[0].Vector)
	assert.NotEmpty(t, resp.Results[0].Fingerprint)
}

func TestEngine_SimilarToID(t *testing.T) {
	ctx := context.Background()
	m := levelMap{}
	l := newLevel(t, m, "a")
	ids := put(t, l, models.Vector{0, 0}, models.Vector{1, 0}, models.Vector{5, 5})

	id := ids[0]
	resp, err := NewEngine(m).Search(ctx, &models.SearchQuery{Levels: []string{"a"}, ID: &id, K: 2})
	require.NoError(t, err)
	require.Len(t, resp.Results, 2)
	assert.Equal(t, ids[1], resp.Results[0].ID)
	assert.Equal(t, ids[2], resp.Results[1].ID)
}

func TestEngine_MergesLevels(t *testing.T) {
	ctx := context.Background()
	m := levelMap{}
	a := newLevel(t, m, "a")
	b := newLevel(t, m, "b")
	put(t, a, models.Vector{0, 0}, models.Vector{3, 0})
	put(t, b, models.Vector{1, 0}, models.Vector{0, 0})

	resp, err := NewEngine(m).Search(ctx, &models.SearchQuery{
		Levels: []string{"a", "b"}, Vector: models.Vector{0, 0}, K: 3,
	})
	require.NoError(t, err)
	require.Len(t, resp.Results, 3)
	assert.Equal(t, "a", resp.Results[0].Level)
	assert.Equal(t, "b", resp.Results[1].Level)
	assert.Equal(t, resp.Results[0].Fingerprint, resp.Results[1].Fingerprint)
	assert.Equal(t, "b", resp.Results[2].Level)
	assert.InDelta(t, 1, resp.Results[2].Distance, 1e-5)

	distinct, err := NewEngine(m).Search(ctx, &models.SearchQuery{
		Levels: []string{"a", "b"}, Vector: models.Vector{0, 0}, K: 3, Distinct: true,
	})
	require.NoError(t, err)
	require.Len(t, distinct.Results, 3)
	assert.Equal(t, "a", distinct.Results[0].Level)
	assert.InDelta(t, 1, distinct.Results[1].Distance, 1e-5)
	assert.InDelta(t, 3, distinct.Results[2].Distance, 1e-5)
}

func TestEngine_ReportsIDsMissingFromStore(t *testing.T) {
	ctx := context.Background()
	m := levelMap{}
	l := newLevel(t, m, "a")
	put(t, l, models.Vector{0, 0})

	// An id the store never assigned.
	require.NoError(t, l.Update(ctx, func(ctx context.Context, idx vector.VectorIndex) error {
		return idx.Add(ctx, 99, models.Vector{0.1, 0})
	}))

	resp, err := NewEngine(m).Search(ctx, &models.SearchQuery{Levels: []string{"a"}, Vector: models.Vector{0, 0}, K: 5})
	require.NoError(t, err)
	assert.Len(t, resp.Results, 1)
	assert.Equal(t, []models.RecordRef{{Level: "a", ID: 99}}, resp.Missing)
}

func TestEngine_Errors(t *testing.T) {
	ctx := context.Background()
	m := levelMap{}
	newLevel(t, m, "a")
	e := NewEngine(m)

	_, err := e.Search(ctx, &models.SearchQuery{Levels: []string{"nope"}, Vector: models.Vector{0, 0}})
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = e.Search(ctx, &models.SearchQuery{Levels: []string{"a"}, Vector: models.Vector{0, 0, 0}})
	assert.ErrorIs(t, err, models.ErrInvalidVector)

	missing := uint64(42)
	_, err = e.Search(ctx, &models.SearchQuery{Levels: []string{"a"}, ID: &missing})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
