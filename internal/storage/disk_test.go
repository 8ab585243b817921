package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLiteStore_DiskUsageCountsWALSidecars(t *testing.T) {
	store := openTestStore(t, 2)
	ctx := context.Background()
	_, _, err := store.Put(ctx, vec(1, 2))
	require.NoError(t, err)

	got, err := store.DiskUsage()
	require.NoError(t, err)

	var want int64
	for _, name := range []string{store.Path(), store.Path() + "-wal", store.Path() + "-shm"} {
		if info, err := os.Stat(name); err == nil {
			want += info.Size()
		}
	}
	assert.Positive(t, got)
	assert.Equal(t, want, got)
}

func TestIndexDiskUsage(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "ann")

	got, err := IndexDiskUsage(dir)
	require.NoError(t, err)
	assert.Zero(t, got, "missing location")

	require.NoError(t, os.MkdirAll(filepath.Join(dir, "nested"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "manifest.yaml"), []byte("hello"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "nested", "ids.roaring"), []byte("abc"), 0644))

	got, err = IndexDiskUsage(dir)
	require.NoError(t, err)
	assert.Equal(t, int64(8), got)
}

func TestDiskUsage_Total(t *testing.T) {
	assert.Equal(t, int64(30), DiskUsage{StoreBytes: 10, IndexBytes: 20}.Total())
}
