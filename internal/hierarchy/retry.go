package hierarchy

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/kasane/internal/storage"
)

// Retry configures retries of operations that fail with a storage failure.
type Retry struct {
	MaxRetries int
	Backoff    time.Duration
	// MaxBackoff caps the doubling delay. Zero means 32x Backoff.
	MaxBackoff time.Duration
}

// Do runs fn, retrying with exponential backoff while it fails with
// storage.ErrStorageFailure. Other errors are returned immediately.
func (r Retry) Do(ctx context.Context, logger *zap.Logger, op string, fn func(ctx context.Context) error) error {
	delay := r.Backoff
	maxDelay := r.MaxBackoff
	if maxDelay <= 0 {
		maxDelay = 32 * r.Backoff
	}
	for attempt := 0; ; attempt++ {
		err := fn(ctx)
		if err == nil || !errors.Is(err, storage.ErrStorageFailure) || attempt >= r.MaxRetries {
			return err
		}
		if ctx.Err() != nil {
			return err
		}
		logger.Warn("Retrying after storage failure",
			zap.String("op", op),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}
