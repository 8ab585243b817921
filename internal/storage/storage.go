// Package storage defines the durable vector store: the source of truth every
// index is derived from.
package storage

import (
	"context"
	"iter"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/hyperjump/kasane/internal/models"
)

// VectorStore persists vectors keyed by a monotonically assigned id and
// deduplicated by fingerprint.
type VectorStore interface {
	// Put stores v unless a record with the same fingerprint exists. It returns the
	// record id and whether a new record was created. A new id is durable once Put returns.
	Put(ctx context.Context, v models.Vector) (id uint64, created bool, err error)
	Get(ctx context.Context, id uint64) (*models.VectorRecord, error)
	FindByFingerprint(ctx context.Context, fp models.Fingerprint) (uint64, error)
	Count(ctx context.Context) (uint64, error)
	MaxID(ctx context.Context) (uint64, error)
	// IDs returns the set of assigned ids.
	IDs(ctx context.Context) (*roaring64.Bitmap, error)

	// IterateFrom yields records with id >= startID in ascending id order. The sequence
	// is bounded by the largest id present when iteration starts.
	IterateFrom(ctx context.Context, startID uint64) iter.Seq2[*models.VectorRecord, error]

	Info() models.LevelInfo
	Close() error
}

// Ledger holds aggregation bookkeeping on the parent side of an edge.
type Ledger interface {
	// Cursor returns the checkpoint for childID, or a zero cursor if none exists.
	Cursor(ctx context.Context, childID string) (models.Cursor, error)
	// Commit records links and advances the cursor atomically.
	Commit(ctx context.Context, cursor models.Cursor, links []models.ReferrerLink) error
	ReferrersOf(ctx context.Context, parentID uint64) ([]models.ReferrerLink, error)
	CountReferrers(ctx context.Context) (uint64, error)
	Cursors(ctx context.Context) ([]models.Cursor, error)
}
