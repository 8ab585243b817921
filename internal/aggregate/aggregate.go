// Package aggregate copies vectors from child levels into their parent level.
package aggregate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hyperjump/kasane/internal/level"
	"github.com/hyperjump/kasane/internal/metrics"
	"github.com/hyperjump/kasane/internal/models"
	"github.com/hyperjump/kasane/internal/storage"
)

const defaultBatchSize = 500

// Source is the child side of an edge.
type Source interface {
	Name() string
	Info() models.LevelInfo
	Store() storage.VectorStore
}

// Sink is the parent side of an edge.
type Sink interface {
	Name() string
	Store() storage.VectorStore
	Ledger() storage.Ledger
	PutBatch(ctx context.Context, vecs []models.Vector) ([]level.PutResult, error)
}

// Result summarises one aggregation run over an edge.
type Result struct {
	// RunID identifies the run in logs.
	RunID  string `json:"run_id"`
	Child  string `json:"child"`
	Parent string `json:"parent"`
	// Copied counts child records stored as new parent records.
	Copied int `json:"copied"`
	// Linked counts referrer links written, including those for copied records.
	Linked int `json:"linked"`
	// Scanned counts child records read after the checkpoint.
	Scanned  int           `json:"scanned"`
	FromID   uint64        `json:"from_id"`
	ToID     uint64        `json:"to_id"`
	Duration time.Duration `json:"duration"`
}

// Aggregator runs child -> parent edges.
type Aggregator struct {
	batchSize int
	logger    *zap.Logger
	observer  metrics.Observer
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithBatchSize sets how many child records are committed per parent transaction.
func WithBatchSize(n int) Option {
	return func(a *Aggregator) {
		if n > 0 {
			a.batchSize = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(a *Aggregator) { a.logger = logger }
}

// WithObserver sets the metrics observer.
func WithObserver(o metrics.Observer) Option {
	return func(a *Aggregator) { a.observer = o }
}

// New creates an Aggregator.
func New(opts ...Option) *Aggregator {
	a := &Aggregator{batchSize: defaultBatchSize, logger: zap.NewNop(), observer: metrics.NopObserver{}}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Aggregate copies child records newer than the edge checkpoint into parent. Records
// whose fingerprint the parent already holds are linked, not copied. Links and the
// checkpoint are committed together per batch, so an interrupted run resumes after
// the last committed batch and repeating a run adds nothing.
func (a *Aggregator) Aggregate(ctx context.Context, child Source, parent Sink) (*Result, error) {
	start := time.Now()
	childInfo := child.Info()
	if pd := parent.Store().Info().Dimensions; pd != childInfo.Dimensions {
		return nil, fmt.Errorf("aggregate %s -> %s: %w: child has %d dimensions, parent %d",
			child.Name(), parent.Name(), storage.ErrIncompatible, childInfo.Dimensions, pd)
	}

	cursor, err := parent.Ledger().Cursor(ctx, childInfo.LevelID)
	if err != nil {
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}
	cursor.ChildPath = child.Name()

	res := &Result{RunID: uuid.NewString(), Child: child.Name(), Parent: parent.Name(), FromID: cursor.LastID + 1, ToID: cursor.LastID}
	batch := make([]*models.VectorRecord, 0, a.batchSize)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		copied, linked, err := a.commit(ctx, child, parent, cursor, batch)
		res.Copied += copied
		res.Linked += linked
		if err != nil {
			return err
		}
		cursor.LastID = batch[len(batch)-1].ID
		res.ToID = cursor.LastID
		batch = batch[:0]
		return nil
	}

	for rec, err := range child.Store().IterateFrom(ctx, cursor.LastID+1) {
		if err != nil {
			return a.finish(res, start, err)
		}
		batch = append(batch, rec)
		res.Scanned++
		if len(batch) == a.batchSize {
			if err := flush(); err != nil {
				return a.finish(res, start, err)
			}
			if err := ctx.Err(); err != nil {
				return a.finish(res, start, err)
			}
		}
	}
	return a.finish(res, start, flush())
}

func (a *Aggregator) finish(res *Result, start time.Time, err error) (*Result, error) {
	res.Duration = time.Since(start)
	a.observer.OnAggregate(res.Child, res.Parent, res.Copied, res.Linked, err)
	if err != nil {
		a.logger.Error("Aggregation failed",
			zap.String("run_id", res.RunID),
			zap.String("child", res.Child),
			zap.String("parent", res.Parent),
			zap.Uint64("checkpoint", res.ToID),
			zap.Error(err),
		)
		return res, fmt.Errorf("aggregate %s -> %s: %w", res.Child, res.Parent, err)
	}
	a.logger.Info("Aggregated edge",
		zap.String("run_id", res.RunID),
		zap.String("child", res.Child),
		zap.String("parent", res.Parent),
		zap.Int("scanned", res.Scanned),
		zap.Int("copied", res.Copied),
		zap.Int("linked", res.Linked),
		zap.Duration("took", res.Duration),
	)
	return res, nil
}

// commit resolves one batch at the parent and records links plus the new checkpoint.
func (a *Aggregator) commit(ctx context.Context, child Source, parent Sink, cursor models.Cursor, batch []*models.VectorRecord) (int, int, error) {
	store := parent.Store()
	parentIDs := make([]uint64, len(batch))

	var fresh []models.Vector
	var freshAt []int
	for i, rec := range batch {
		id, err := store.FindByFingerprint(ctx, rec.Fingerprint)
		switch {
		case err == nil:
			parentIDs[i] = id
		case errors.Is(err, storage.ErrNotFound):
			fresh = append(fresh, rec.Vector)
			freshAt = append(freshAt, i)
		default:
			return 0, 0, err
		}
	}

	copied := 0
	if len(fresh) > 0 {
		results, err := parent.PutBatch(ctx, fresh)
		if err != nil {
			// Records put before the failure are durable at the parent; the next run finds
			// them by fingerprint and links them.
			return 0, 0, err
		}
		for j, r := range results {
			parentIDs[freshAt[j]] = r.ID
			if r.Created {
				copied++
			}
		}
	}

	links := make([]models.ReferrerLink, len(batch))
	for i, rec := range batch {
		links[i] = models.ReferrerLink{ParentID: parentIDs[i], SourceLevel: child.Name(), SourceID: rec.ID}
	}
	cursor.LastID = batch[len(batch)-1].ID
	if err := parent.Ledger().Commit(ctx, cursor, links); err != nil {
		return copied, 0, err
	}
	return copied, len(links), nil
}
