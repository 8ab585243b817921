// Package level pairs one vector store with its ANN index. A level is the unit of the
// session hierarchy: it is self-contained and can be opened, searched, and repaired
// without any other level.
package level

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hyperjump/kasane/internal/consolidation"
	"github.com/hyperjump/kasane/internal/metrics"
	"github.com/hyperjump/kasane/internal/models"
	"github.com/hyperjump/kasane/internal/storage"
	"github.com/hyperjump/kasane/internal/vector"
)

const (
	// DefaultDirName is the directory inside a session directory that holds its level.
	DefaultDirName = ".kasane"
	// StoreFile is the SQLite database inside the level directory.
	StoreFile = "vectors.db"
	// IndexDir is the ANN index location inside the level directory.
	IndexDir = "ann"
)

// IndexState describes what Open found at the index location.
type IndexState string

const (
	IndexLoaded  IndexState = "loaded"
	IndexMissing IndexState = "missing"
	IndexCorrupt IndexState = "corrupt"
)

// Options configures Open.
type Options struct {
	// Name identifies the level in logs, metrics, and referrer links.
	Name       string
	Dimensions int
	Metric     vector.Metric
	// Index tuning for newly created or rebuilt indexes. Dimensions and Metric are
	// taken from the store.
	Index         vector.Options
	Consolidation consolidation.Thresholds
	// Create allows creating a new level when none exists.
	Create   bool
	PageSize int
	Logger   *zap.Logger
	Observer metrics.Observer
	Clock    func() time.Time
}

// Level is one store + index pair with a per-level write lock.
//
// mu serialises writers: put-then-add, consolidation, tail replay, and rebuild.
// idxMu only guards the index pointer so searches never wait on writers.
type Level struct {
	name     string
	dir      string
	store    *storage.SQLiteStore
	sched    *consolidation.Scheduler
	logger   *zap.Logger
	observer metrics.Observer
	idxOpts  vector.Options

	mu    sync.Mutex
	dirty bool

	idxMu      sync.RWMutex
	idx        vector.VectorIndex
	indexState IndexState
}

// PutResult is the outcome of one put.
type PutResult struct {
	ID      uint64 `json:"id"`
	Created bool   `json:"created"`
}

// Exists reports whether dir holds a level.
func Exists(dir string) bool {
	info, err := os.Stat(filepath.Join(dir, StoreFile))
	return err == nil && !info.IsDir()
}

// Open opens the level stored in dir (normally <session>/.kasane). A missing or
// corrupt index does not fail Open: the level starts with an empty index and
// IndexState reports what happened, so the consistency guard can rebuild it.
func Open(ctx context.Context, dir string, opts Options) (*Level, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	observer := opts.Observer
	if observer == nil {
		observer = metrics.NopObserver{}
	}
	name := opts.Name
	if name == "" {
		name = dir
	}

	store, err := storage.Open(ctx, filepath.Join(dir, StoreFile), storage.Options{
		Dimensions: opts.Dimensions,
		Metric:     string(opts.Metric),
		Create:     opts.Create,
		PageSize:   opts.PageSize,
		Logger:     logger.With(zap.String("level", name)),
	})
	if err != nil {
		return nil, fmt.Errorf("open level %s: %w", name, err)
	}
	info := store.Info()

	idxOpts := opts.Index
	idxOpts.Dimensions = info.Dimensions
	idxOpts.Metric = vector.Metric(info.Metric)
	idxOpts = idxOpts.WithDefaults()

	l := &Level{
		name:     name,
		dir:      dir,
		store:    store,
		logger:   logger.With(zap.String("level", name)),
		observer: observer,
		idxOpts:  idxOpts,
	}

	annDir := filepath.Join(dir, IndexDir)
	idx, err := vector.Open(annDir, vector.Options{Dimensions: info.Dimensions, Metric: idxOpts.Metric})
	switch {
	case err == nil:
		l.indexState = IndexLoaded
	case errors.Is(err, vector.ErrNotFound), errors.Is(err, vector.ErrCorruptIndex):
		l.indexState = IndexMissing
		if errors.Is(err, vector.ErrCorruptIndex) {
			l.indexState = IndexCorrupt
			l.logger.Warn("Index is corrupt; starting empty until rebuilt", zap.Error(err))
		}
		idx, err = vector.Create(annDir, idxOpts)
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("create index for %s: %w", name, err)
		}
		// A new level has nothing to index yet.
		if maxID, err := store.MaxID(ctx); err == nil && maxID == 0 && l.indexState == IndexMissing {
			l.indexState = IndexLoaded
		}
	default:
		_ = store.Close()
		return nil, fmt.Errorf("open index for %s: %w", name, err)
	}
	l.idx = idx

	schedOpts := []consolidation.Option{consolidation.WithLogger(l.logger)}
	if opts.Clock != nil {
		schedOpts = append(schedOpts, consolidation.WithClock(opts.Clock))
	}
	l.sched = consolidation.New(consolidation.ConsolidatorFunc(l.consolidate), opts.Consolidation, schedOpts...)
	return l, nil
}

// Name returns the level name.
func (l *Level) Name() string { return l.name }

// Path is an alias for Name used by the consistency guard.
func (l *Level) Path() string { return l.name }

// Dir returns the level directory.
func (l *Level) Dir() string { return l.dir }

// Info returns the store metadata.
func (l *Level) Info() models.LevelInfo { return l.store.Info() }

// Store returns the level's vector store.
func (l *Level) Store() storage.VectorStore { return l.store }

// Ledger returns the aggregation ledger kept in the level's store.
func (l *Level) Ledger() storage.Ledger { return l.store }

// Index returns the current index. The returned value may be replaced by a rebuild.
func (l *Level) Index() vector.VectorIndex {
	l.idxMu.RLock()
	defer l.idxMu.RUnlock()
	return l.idx
}

// IndexState reports what Open found at the index location.
func (l *Level) IndexState() IndexState {
	l.idxMu.RLock()
	defer l.idxMu.RUnlock()
	return l.indexState
}

// Scheduler returns the consolidation scheduler.
func (l *Level) Scheduler() *consolidation.Scheduler { return l.sched }

// Put stores v and mirrors a new record into the index under the same id.
func (l *Level) Put(ctx context.Context, v models.Vector) (PutResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.putLocked(ctx, v)
}

func (l *Level) putLocked(ctx context.Context, v models.Vector) (PutResult, error) {
	id, created, err := l.store.Put(ctx, v)
	if err != nil {
		if errors.Is(err, storage.ErrIntegrityViolation) {
			l.observer.OnIntegrityViolation(l.name)
		}
		return PutResult{}, err
	}
	l.observer.OnPut(l.name, created)
	res := PutResult{ID: id, Created: created}

	idx := l.Index()
	// A deduplicated put also heals an index that lost this id.
	if created || !idx.Contains(id) {
		if err := idx.Add(ctx, id, v); err != nil {
			return res, fmt.Errorf("index vector %d: %w", id, err)
		}
		l.dirty = true
		l.sched.RecordAdd(1)
		l.observer.OnIndexAdd(l.name, 1)
	}
	return res, nil
}

// PutBatch stores a producer batch, such as the segments of one source file, and
// records it as one batch with the scheduler. It stops at the first error and
// returns the results so far.
func (l *Level) PutBatch(ctx context.Context, vecs []models.Vector) ([]PutResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	results := make([]PutResult, 0, len(vecs))
	for _, v := range vecs {
		res, err := l.putLocked(ctx, v)
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	l.sched.RecordBatch()
	return results, nil
}

// Get returns a stored record.
func (l *Level) Get(ctx context.Context, id uint64) (*models.VectorRecord, error) {
	return l.store.Get(ctx, id)
}

// Search returns up to k nearest neighbours of query.
func (l *Level) Search(ctx context.Context, query models.Vector, k int) ([]models.Neighbor, error) {
	start := time.Now()
	res, err := l.Index().Search(ctx, query, k)
	l.observer.OnSearch(l.name, time.Since(start), len(res), err)
	return res, err
}

// SearchByID returns up to k neighbours of the stored vector id, excluding id itself.
func (l *Level) SearchByID(ctx context.Context, id uint64, k int) ([]models.Neighbor, error) {
	rec, err := l.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	res, err := l.Search(ctx, rec.Vector, k+1)
	if err != nil {
		return nil, err
	}
	out := make([]models.Neighbor, 0, k)
	for _, n := range res {
		if n.ID != id && len(out) < k {
			out = append(out, n)
		}
	}
	return out, nil
}

// MaybeConsolidate consolidates the index if a scheduler threshold is met.
func (l *Level) MaybeConsolidate(ctx context.Context) (consolidation.Reason, error) {
	start := time.Now()
	reason, err := l.sched.MaybeConsolidate(ctx)
	if reason != consolidation.ReasonNone {
		l.observer.OnConsolidate(l.name, string(reason), time.Since(start), err)
	}
	return reason, err
}

// Consolidate consolidates and saves the index now.
func (l *Level) Consolidate(ctx context.Context) error {
	start := time.Now()
	err := l.sched.Force(ctx)
	l.observer.OnConsolidate(l.name, string(consolidation.ReasonForced), time.Since(start), err)
	return err
}

// consolidate is the scheduler target.
func (l *Level) consolidate(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	idx := l.Index()
	if err := idx.Consolidate(ctx); err != nil {
		return err
	}
	if err := idx.Save(); err != nil {
		return fmt.Errorf("save index: %w", err)
	}
	l.dirty = false
	return nil
}

// Update runs fn against the live index with writers excluded, then saves the index.
func (l *Level) Update(ctx context.Context, fn func(ctx context.Context, idx vector.VectorIndex) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	idx := l.Index()
	if err := fn(ctx, idx); err != nil {
		return err
	}
	if err := idx.Save(); err != nil {
		return fmt.Errorf("save index: %w", err)
	}
	l.dirty = false
	return nil
}

// RebuildIndex builds a replacement index in a staging directory using fill, then
// swaps it in by rename. If fill fails or ctx is cancelled, the staging directory
// is removed and the current index is left untouched.
func (l *Level) RebuildIndex(ctx context.Context, fill func(ctx context.Context, fresh vector.VectorIndex) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	start := time.Now()
	err := l.rebuildLocked(ctx, fill)
	size := uint64(0)
	if err == nil {
		size = l.Index().Size()
	}
	l.observer.OnRebuild(l.name, size, time.Since(start), err)
	return err
}

func (l *Level) rebuildLocked(ctx context.Context, fill func(ctx context.Context, fresh vector.VectorIndex) error) error {
	annDir := filepath.Join(l.dir, IndexDir)
	staging := filepath.Join(l.dir, IndexDir+".rebuild-"+uuid.NewString())
	defer os.RemoveAll(staging)

	fresh, err := vector.Create(staging, l.idxOpts)
	if err != nil {
		return fmt.Errorf("create staging index: %w", err)
	}
	if err := fill(ctx, fresh); err != nil {
		_ = fresh.Close()
		return err
	}
	if err := ctx.Err(); err != nil {
		_ = fresh.Close()
		return err
	}
	if err := fresh.Save(); err != nil {
		_ = fresh.Close()
		return fmt.Errorf("save staging index: %w", err)
	}
	_ = fresh.Close()

	retired := filepath.Join(l.dir, IndexDir+".old-"+uuid.NewString())
	if err := os.Rename(annDir, retired); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("retire index: %w", err)
	}
	if err := os.Rename(staging, annDir); err != nil {
		// Put the previous index back so the level stays usable.
		_ = os.Rename(retired, annDir)
		return fmt.Errorf("install rebuilt index: %w", err)
	}
	_ = os.RemoveAll(retired)

	idx, err := vector.Open(annDir, vector.Options{Dimensions: l.idxOpts.Dimensions})
	if err != nil {
		return fmt.Errorf("reopen rebuilt index: %w", err)
	}

	l.idxMu.Lock()
	old := l.idx
	l.idx = idx
	l.indexState = IndexLoaded
	l.idxMu.Unlock()
	_ = old.Close()
	l.dirty = false
	return nil
}

// Status is a point-in-time summary of a level.
type Status struct {
	Name           string                   `json:"name"`
	Info           models.LevelInfo         `json:"info"`
	Count          uint64                   `json:"count"`
	MaxID          uint64                   `json:"max_id"`
	IndexType      string                   `json:"index_type"`
	IndexSize      uint64                   `json:"index_size"`
	IndexState     IndexState               `json:"index_state"`
	Referrers      uint64                   `json:"referrers"`
	DiskUsageBytes int64                    `json:"disk_usage_bytes"`
	Disk           storage.DiskUsage        `json:"disk"`
	Consolidation  consolidation.Stats      `json:"consolidation"`
	Thresholds     consolidation.Thresholds `json:"thresholds"`
}

// Status reports counts, index state, disk usage, and consolidation counters.
func (l *Level) Status(ctx context.Context) (*Status, error) {
	count, err := l.store.Count(ctx)
	if err != nil {
		return nil, err
	}
	maxID, err := l.store.MaxID(ctx)
	if err != nil {
		return nil, err
	}
	refs, err := l.store.CountReferrers(ctx)
	if err != nil {
		return nil, err
	}
	var disk storage.DiskUsage
	if disk.StoreBytes, err = l.store.DiskUsage(); err != nil {
		return nil, err
	}
	if disk.IndexBytes, err = storage.IndexDiskUsage(filepath.Join(l.dir, IndexDir)); err != nil {
		return nil, err
	}
	idx := l.Index()
	return &Status{
		Name:           l.name,
		Info:           l.store.Info(),
		Count:          count,
		MaxID:          maxID,
		IndexType:      idx.Type(),
		IndexSize:      idx.Size(),
		IndexState:     l.IndexState(),
		Referrers:      refs,
		DiskUsageBytes: disk.Total(),
		Disk:           disk,
		Consolidation:  l.sched.Stats(),
		Thresholds:     l.sched.Thresholds(),
	}, nil
}

// Flush saves the index if it has unsaved additions.
func (l *Level) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.dirty {
		return nil
	}
	if err := l.Index().Save(); err != nil {
		return fmt.Errorf("save index: %w", err)
	}
	l.dirty = false
	return nil
}

// Close flushes the index and closes the store.
func (l *Level) Close() error {
	flushErr := l.Flush()
	l.idxMu.Lock()
	idxErr := l.idx.Close()
	l.idxMu.Unlock()
	storeErr := l.store.Close()
	return errors.Join(flushErr, idxErr, storeErr)
}
