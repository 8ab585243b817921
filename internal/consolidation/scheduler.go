// Package consolidation decides when an index must reorganise its graph.
package consolidation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Reason names the threshold that made consolidation due.
type Reason string

const (
	ReasonNone    Reason = ""
	ReasonVectors Reason = "vectors"
	ReasonBatches Reason = "batches"
	ReasonTime    Reason = "time"
	ReasonForced  Reason = "forced"
)

// Thresholds configures the scheduler. A zero value disables that criterion.
type Thresholds struct {
	MaxVectors  uint64        `json:"max_vectors"`
	MaxBatches  uint64        `json:"max_batches"`
	MaxInterval time.Duration `json:"max_interval"`
}

// Consolidator is what the scheduler triggers.
type Consolidator interface {
	Consolidate(ctx context.Context) error
}

// ConsolidatorFunc adapts a function to Consolidator.
type ConsolidatorFunc func(ctx context.Context) error

// Consolidate calls f(ctx).
func (f ConsolidatorFunc) Consolidate(ctx context.Context) error { return f(ctx) }

// Stats is a snapshot of the scheduler counters.
type Stats struct {
	VectorsSince      uint64        `json:"vectors_since"`
	BatchesSince      uint64        `json:"batches_since"`
	SinceLast         time.Duration `json:"since_last"`
	LastConsolidation time.Time     `json:"last_consolidation"`
	Consolidations    uint64        `json:"consolidations"`
}

// Scheduler counts index additions and producer batches since the last consolidation.
// It is safe for concurrent use.
type Scheduler struct {
	thresholds Thresholds
	target     Consolidator
	now        func() time.Time
	logger     *zap.Logger

	mu             sync.Mutex
	vectors        uint64
	batches        uint64
	last           time.Time
	consolidations uint64
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Scheduler) { s.logger = logger }
}

// New returns a scheduler whose clock starts now.
func New(target Consolidator, t Thresholds, opts ...Option) *Scheduler {
	s := &Scheduler{
		thresholds: t,
		target:     target,
		now:        time.Now,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.last = s.now()
	return s
}

// RecordAdd counts n vectors added to the index.
func (s *Scheduler) RecordAdd(n int) {
	if n <= 0 {
		return
	}
	s.mu.Lock()
	s.vectors += uint64(n)
	s.mu.Unlock()
}

// RecordBatch counts one completed producer batch, such as one source file.
func (s *Scheduler) RecordBatch() {
	s.mu.Lock()
	s.batches++
	s.mu.Unlock()
}

// Due reports whether any threshold is met. The time criterion only applies once
// something was added or a batch completed since the last consolidation.
func (s *Scheduler) Due() Reason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dueLocked()
}

func (s *Scheduler) dueLocked() Reason {
	t := s.thresholds
	switch {
	case t.MaxVectors > 0 && s.vectors >= t.MaxVectors:
		return ReasonVectors
	case t.MaxBatches > 0 && s.batches >= t.MaxBatches:
		return ReasonBatches
	case t.MaxInterval > 0 && (s.vectors > 0 || s.batches > 0) && s.now().Sub(s.last) >= t.MaxInterval:
		return ReasonTime
	}
	return ReasonNone
}

// MaybeConsolidate consolidates if a threshold is met and reports the reason.
// Counters are reset together only when consolidation succeeds.
func (s *Scheduler) MaybeConsolidate(ctx context.Context) (Reason, error) {
	s.mu.Lock()
	reason := s.dueLocked()
	s.mu.Unlock()
	if reason == ReasonNone {
		return ReasonNone, nil
	}
	return reason, s.run(ctx, reason)
}

// Force consolidates regardless of thresholds.
func (s *Scheduler) Force(ctx context.Context) error {
	return s.run(ctx, ReasonForced)
}

func (s *Scheduler) run(ctx context.Context, reason Reason) error {
	s.mu.Lock()
	vectors, batches := s.vectors, s.batches
	s.mu.Unlock()

	start := s.now()
	if err := s.target.Consolidate(ctx); err != nil {
		return fmt.Errorf("consolidate (%s): %w", reason, err)
	}
	end := s.now()

	s.mu.Lock()
	// Work recorded while consolidating stays pending.
	s.vectors -= min(s.vectors, vectors)
	s.batches -= min(s.batches, batches)
	s.last = end
	s.consolidations++
	s.mu.Unlock()

	s.logger.Info("Index consolidated",
		zap.String("reason", string(reason)),
		zap.Uint64("vectors", vectors),
		zap.Uint64("batches", batches),
		zap.Duration("took", end.Sub(start)),
	)
	return nil
}

// Stats returns the current counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		VectorsSince:      s.vectors,
		BatchesSince:      s.batches,
		SinceLast:         s.now().Sub(s.last),
		LastConsolidation: s.last,
		Consolidations:    s.consolidations,
	}
}

// Thresholds returns the configured thresholds.
func (s *Scheduler) Thresholds() Thresholds { return s.thresholds }
