// Package guard keeps a level's index consistent with its store. The store is
// authoritative; the index is repaired by replaying the store into it.
package guard

import (
	"context"
	"fmt"
	"time"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"go.uber.org/zap"

	"github.com/hyperjump/kasane/internal/metrics"
	"github.com/hyperjump/kasane/internal/storage"
	"github.com/hyperjump/kasane/internal/vector"
)

// Status is the outcome of a check.
type Status string

const (
	Consistent Status = "consistent"
	Diverged   Status = "diverged"
)

// Action is what Reconcile did about a divergence.
type Action string

const (
	ActionNone      Action = "none"
	ActionTolerated Action = "tolerated"
	ActionReplayed  Action = "replayed"
	ActionRebuilt   Action = "rebuilt"
)

// Target is a level the guard can inspect and repair.
type Target interface {
	Path() string
	Store() storage.VectorStore
	Index() vector.VectorIndex
	// Update runs fn against the live index with writers excluded and saves it afterwards.
	Update(ctx context.Context, fn func(ctx context.Context, idx vector.VectorIndex) error) error
	// RebuildIndex replaces the index with a fresh one populated by fill.
	RebuildIndex(ctx context.Context, fill func(ctx context.Context, fresh vector.VectorIndex) error) error
}

// Policy sets the divergence thresholds as fractions of the store count.
type Policy struct {
	// TolerateRatio: divergence strictly below it is logged and left alone.
	TolerateRatio float64
	// RebuildRatio: divergence at or above it forces a full rebuild. Divergence in
	// between is first repaired by replaying the store tail.
	RebuildRatio float64
	// ReplayBatchSize is the number of records added between cancellation checks.
	ReplayBatchSize int
	// MaxReportedIDs caps Report.Missing.
	MaxReportedIDs int
}

// DefaultPolicy tolerates under 1% and rebuilds from 5%.
func DefaultPolicy() Policy {
	return Policy{TolerateRatio: 0.01, RebuildRatio: 0.05, ReplayBatchSize: 1000, MaxReportedIDs: 20}
}

// Report describes the store/index relationship of one level.
type Report struct {
	Level      string   `json:"level"`
	Status     Status   `json:"status"`
	StoreCount uint64   `json:"store_count"`
	IndexSize  uint64   `json:"index_size"`
	StoreMaxID uint64   `json:"store_max_id"`
	IndexMaxID uint64   `json:"index_max_id"`
	// Delta counts ids present on one side only.
	Delta uint64  `json:"delta"`
	Ratio float64 `json:"ratio"`
	// MissingCount ids are stored but not indexed; Missing lists the first few.
	MissingCount uint64   `json:"missing_count"`
	Missing      []uint64 `json:"missing,omitempty"`
	// ExtraCount ids are indexed but unknown to the store.
	ExtraCount uint64 `json:"extra_count"`
	Action     Action `json:"action"`
	Replayed   uint64 `json:"replayed,omitempty"`
}

// tailOnly reports whether every missing id is newer than everything indexed.
func (r *Report) tailOnly(missing *roaring64.Bitmap) bool {
	return r.ExtraCount == 0 && !missing.IsEmpty() && missing.Minimum() > r.IndexMaxID
}

// Guard checks and repairs levels.
type Guard struct {
	policy   Policy
	logger   *zap.Logger
	observer metrics.Observer
}

// Option configures a Guard.
type Option func(*Guard)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(g *Guard) { g.logger = logger }
}

// WithObserver sets the metrics observer.
func WithObserver(o metrics.Observer) Option {
	return func(g *Guard) { g.observer = o }
}

// New returns a Guard with the given policy.
func New(policy Policy, opts ...Option) *Guard {
	def := DefaultPolicy()
	if policy.ReplayBatchSize <= 0 {
		policy.ReplayBatchSize = def.ReplayBatchSize
	}
	if policy.MaxReportedIDs <= 0 {
		policy.MaxReportedIDs = def.MaxReportedIDs
	}
	g := &Guard{policy: policy, logger: zap.NewNop(), observer: metrics.NopObserver{}}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Check compares the store and index populations of t.
func (g *Guard) Check(ctx context.Context, t Target) (*Report, error) {
	r, _, err := g.check(ctx, t)
	return r, err
}

func (g *Guard) check(ctx context.Context, t Target) (*Report, *roaring64.Bitmap, error) {
	store, idx := t.Store(), t.Index()

	storeIDs, err := store.IDs(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("check %s: %w", t.Path(), err)
	}
	indexIDs := idx.IDs()

	missing := roaring64.AndNot(storeIDs, indexIDs)
	extra := roaring64.AndNot(indexIDs, storeIDs)

	r := &Report{
		Level:        t.Path(),
		Status:       Consistent,
		StoreCount:   storeIDs.GetCardinality(),
		IndexSize:    indexIDs.GetCardinality(),
		StoreMaxID:   maxOf(storeIDs),
		IndexMaxID:   maxOf(indexIDs),
		MissingCount: missing.GetCardinality(),
		ExtraCount:   extra.GetCardinality(),
		Action:       ActionNone,
	}
	r.Delta = r.MissingCount + r.ExtraCount
	if r.Delta > 0 {
		r.Status = Diverged
		denom := r.StoreCount
		if denom == 0 {
			denom = 1
		}
		r.Ratio = float64(r.Delta) / float64(denom)
		it := missing.Iterator()
		for it.HasNext() && len(r.Missing) < g.policy.MaxReportedIDs {
			r.Missing = append(r.Missing, it.Next())
		}
	}
	g.observer.OnCheck(r.Level, r.Ratio)
	return r, missing, nil
}

// Reconcile checks t and applies the policy:
//   - an index holding ids unknown to the store is rebuilt;
//   - divergence below TolerateRatio is logged and tolerated;
//   - divergence at or above RebuildRatio is rebuilt;
//   - otherwise the store tail is replayed, and the level is rebuilt if that did
//     not restore consistency.
func (g *Guard) Reconcile(ctx context.Context, t Target) (*Report, error) {
	r, missing, err := g.check(ctx, t)
	if err != nil {
		return nil, err
	}
	if r.Status == Consistent {
		g.logger.Debug("Level consistent", zap.String("level", r.Level), zap.Uint64("count", r.StoreCount))
		return r, nil
	}

	fields := []zap.Field{
		zap.String("level", r.Level),
		zap.Uint64("store_count", r.StoreCount),
		zap.Uint64("index_size", r.IndexSize),
		zap.Uint64("missing", r.MissingCount),
		zap.Uint64("extra", r.ExtraCount),
		zap.Float64("ratio", r.Ratio),
	}

	switch {
	case r.ExtraCount > 0:
		g.logger.Warn("Index holds ids unknown to the store; rebuilding", fields...)
	case r.Ratio < g.policy.TolerateRatio:
		g.logger.Info("Divergence below tolerance", fields...)
		r.Action = ActionTolerated
		return r, nil
	case r.Ratio < g.policy.RebuildRatio && r.tailOnly(missing):
		g.logger.Warn("Index is behind the store; replaying tail", fields...)
		n, err := g.ReplayTail(ctx, t)
		if err != nil {
			return r, err
		}
		r.Replayed = n
		after, _, err := g.check(ctx, t)
		if err != nil {
			return r, err
		}
		if after.Status == Consistent {
			r.Action = ActionReplayed
			return r, nil
		}
		g.logger.Warn("Tail replay did not restore consistency; rebuilding", fields...)
	default:
		g.logger.Warn("Divergence above threshold; rebuilding", fields...)
	}

	if err := g.Rebuild(ctx, t); err != nil {
		return r, err
	}
	r.Action = ActionRebuilt
	return r, nil
}

// ReplayTail adds every store record newer than the index's largest id to the live index.
func (g *Guard) ReplayTail(ctx context.Context, t Target) (uint64, error) {
	var added uint64
	err := t.Update(ctx, func(ctx context.Context, idx vector.VectorIndex) error {
		n, err := g.replay(ctx, t.Store(), idx, idx.MaxID()+1)
		added = n
		return err
	})
	if err != nil {
		return added, fmt.Errorf("replay %s: %w", t.Path(), err)
	}
	g.logger.Info("Replayed store tail", zap.String("level", t.Path()), zap.Uint64("added", added))
	return added, nil
}

// Rebuild discards the index of t and rebuilds it from the store, finishing with
// one consolidation. It is safe to re-run from scratch; a cancelled rebuild leaves
// the previous index in place.
func (g *Guard) Rebuild(ctx context.Context, t Target) error {
	start := time.Now()
	g.logger.Info("Rebuilding index", zap.String("level", t.Path()))

	var added uint64
	err := t.RebuildIndex(ctx, func(ctx context.Context, fresh vector.VectorIndex) error {
		n, err := g.replay(ctx, t.Store(), fresh, 0)
		added = n
		if err != nil {
			return err
		}
		return fresh.Consolidate(ctx)
	})
	if err != nil {
		g.logger.Error("Index rebuild failed", zap.String("level", t.Path()), zap.Error(err))
		return fmt.Errorf("rebuild %s: %w", t.Path(), err)
	}
	g.logger.Info("Index rebuilt",
		zap.String("level", t.Path()),
		zap.Uint64("vectors", added),
		zap.Duration("took", time.Since(start)),
	)
	return nil
}

// replay adds store records with id >= from to idx, checking ctx between batches.
func (g *Guard) replay(ctx context.Context, store storage.VectorStore, idx vector.VectorIndex, from uint64) (uint64, error) {
	var added uint64
	for rec, err := range store.IterateFrom(ctx, from) {
		if err != nil {
			return added, err
		}
		if idx.Contains(rec.ID) {
			continue
		}
		if err := idx.Add(ctx, rec.ID, rec.Vector); err != nil {
			return added, err
		}
		added++
		if added%uint64(g.policy.ReplayBatchSize) == 0 {
			if err := ctx.Err(); err != nil {
				return added, err
			}
		}
	}
	return added, nil
}

func maxOf(ids *roaring64.Bitmap) uint64 {
	if ids.IsEmpty() {
		return 0
	}
	return ids.Maximum()
}
