package storage

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
)

// walSuffixes are the sidecar files SQLite keeps next to a database in WAL mode.
var walSuffixes = []string{"-wal", "-shm"}

// DiskUsage is the on-disk footprint of one level.
type DiskUsage struct {
	StoreBytes int64 `json:"store_bytes"`
	IndexBytes int64 `json:"index_bytes"`
}

// Total returns store and index bytes together.
func (u DiskUsage) Total() int64 { return u.StoreBytes + u.IndexBytes }

// DiskUsage returns the size of the database and its WAL sidecars. Checkpointed
// sidecars that no longer exist count as zero.
func (s *SQLiteStore) DiskUsage() (int64, error) {
	var total int64
	for _, suffix := range append([]string{""}, walSuffixes...) {
		info, err := os.Stat(s.path + suffix)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return 0, failure("stat "+filepath.Base(s.path+suffix), err)
		}
		total += info.Size()
	}
	return total, nil
}

// IndexDiskUsage sums the regular files under an index location. A missing
// location is empty, and files removed during the walk (a rebuild swap) are skipped.
func IndexDiskUsage(dir string) (int64, error) {
	var total int64
	err := filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	return total, err
}
