// Package search answers similarity queries over one or more levels and resolves
// hits to stored records.
package search

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/kasane/internal/level"
	"github.com/hyperjump/kasane/internal/models"
	"github.com/hyperjump/kasane/internal/storage"
)

// LevelSource opens levels by LevelPath.
type LevelSource interface {
	Level(ctx context.Context, path string) (*level.Level, error)
}

// Engine runs similarity search across levels.
type Engine struct {
	levels LevelSource
	logger *zap.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// NewEngine creates a search engine over levels.
func NewEngine(levels LevelSource, opts ...Option) *Engine {
	e := &Engine{levels: levels, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Get returns the record id stored at the level at path.
func (e *Engine) Get(ctx context.Context, path string, id uint64) (*models.VectorRecord, error) {
	l, err := e.levels.Level(ctx, path)
	if err != nil {
		return nil, err
	}
	return l.Get(ctx, id)
}

// Search runs query and returns up to query.K resolved results, closest first.
func (e *Engine) Search(ctx context.Context, query *models.SearchQuery) (*models.SearchResponse, error) {
	startTime := time.Now()
	if err := query.Validate(); err != nil {
		return nil, err
	}

	levels := make([]*level.Level, len(query.Levels))
	for i, p := range query.Levels {
		l, err := e.levels.Level(ctx, p)
		if err != nil {
			return nil, fmt.Errorf("open level %s: %w", p, err)
		}
		levels[i] = l
	}

	vec := query.Vector
	k := query.K
	var self *models.RecordRef
	if query.ID != nil {
		rec, err := levels[0].Get(ctx, *query.ID)
		if err != nil {
			return nil, fmt.Errorf("similar to %d: %w", *query.ID, err)
		}
		vec = rec.Vector
		self = &models.RecordRef{Level: levels[0].Name(), ID: rec.ID}
		k++
	}
	// Distinct may discard duplicates from other levels, so ask each level for more.
	if query.Distinct && len(levels) > 1 {
		k *= len(levels)
	}

	var (
		mu       sync.Mutex
		perLevel = make(map[string][]models.Neighbor, len(levels))
		errChan  = make(chan error, len(levels))
		wg       sync.WaitGroup
	)
	for _, l := range levels {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := l.Search(ctx, vec, k)
			if err != nil {
				errChan <- fmt.Errorf("search %s: %w", l.Name(), err)
				return
			}
			mu.Lock()
			perLevel[l.Name()] = res
			mu.Unlock()
		}()
	}
	wg.Wait()
	close(errChan)
	for err := range errChan {
		if err != nil {
			return nil, err
		}
	}

	hits := exclude(Merge(perLevel), self)
	byName := make(map[string]*level.Level, len(levels))
	for _, l := range levels {
		byName[l.Name()] = l
	}

	response := &models.SearchResponse{Results: make([]*models.SearchResult, 0, query.K)}
	seen := make(map[models.Fingerprint]bool)
	for _, h := range hits {
		if len(response.Results) == query.K {
			break
		}
		rec, err := byName[h.Level].Get(ctx, h.ID)
		if errors.Is(err, storage.ErrNotFound) {
			e.logger.Warn("Index returned an id the store does not hold",
				zap.String("level", h.Level), zap.Uint64("id", h.ID))
			response.Missing = append(response.Missing, models.RecordRef{Level: h.Level, ID: h.ID})
			continue
		}
		if err != nil {
			return nil, err
		}
		if query.Distinct {
			if seen[rec.Fingerprint] {
				continue
			}
			seen[rec.Fingerprint] = true
		}
		result := &models.SearchResult{
			Level:       h.Level,
			ID:          h.ID,
			Distance:    h.Distance,
			Fingerprint: rec.Fingerprint.String(),
			Rank:        len(response.Results) + 1,
		}
		if query.IncludeVector {
			result.Vector = rec.Vector
		}
		response.Results = append(response.Results, result)
	}
	response.Total = len(response.Results)
	response.QueryTime = time.Since(startTime).Milliseconds()
	return response, nil
}
