package service

import (
	"context"
	"errors"
	"time"

	"github.com/Kobia22/lanesParkin-sub001/internal/metrics"
	"github.com/Kobia22/lanesParkin-sub001/internal/repository"
)

const conflictBackoff = 5 * time.Millisecond

// withRetry runs fn up to attempts times while it fails with repository.ErrConflict,
// then gives up with ErrConcurrencyConflict. Every other error is returned as is.
func withRetry(ctx context.Context, attempts int, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}
	for i := 0; ; i++ {
		err := fn()
		if !errors.Is(err, repository.ErrConflict) {
			return err
		}
		metrics.IncReconcilerConflict()
		if i+1 >= attempts {
			return ErrConcurrencyConflict
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(i+1) * conflictBackoff):
		}
	}
}
