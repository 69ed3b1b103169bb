package client

import (
	"context"
	"errors"
	"time"

	"github.com/cuemby/ledgerwatch/pkg/log"
	"github.com/cuemby/ledgerwatch/pkg/types"
)

// Retrying wraps a Fetcher and retries transient failures with exponential
// backoff. Not-found answers and client errors are returned immediately.
type Retrying struct {
	next     Fetcher
	attempts int
	backoff  time.Duration
	sleep    func(ctx context.Context, d time.Duration) error
}

// WithRetry wraps next. attempts counts the first call.
func WithRetry(next Fetcher, attempts int, backoff time.Duration) *Retrying {
	if attempts < 1 {
		attempts = 1
	}
	return &Retrying{
		next:     next,
		attempts: attempts,
		backoff:  backoff,
		sleep:    sleepContext,
	}
}

// FetchState implements Fetcher
func (r *Retrying) FetchState(ctx context.Context, resourceType types.ResourceType, resourceID string) (*types.ResourceState, error) {
	var lastErr error
	for attempt := 0; attempt < r.attempts; attempt++ {
		if attempt > 0 {
			wait := r.backoff << (attempt - 1)
			if err := r.sleep(ctx, wait); err != nil {
				return nil, lastErr
			}
		}

		state, err := r.next.FetchState(ctx, resourceType, resourceID)
		if err == nil {
			return state, nil
		}
		lastErr = err

		var fe *types.FetchError
		if !errors.As(err, &fe) || !fe.Retryable() || ctx.Err() != nil {
			return nil, err
		}
		log.Logger.Debug().
			Err(err).
			Str("resource_type", string(resourceType)).
			Str("resource_id", resourceID).
			Int("attempt", attempt+1).
			Msg("Retrying authoritative state fetch")
	}
	return nil, lastErr
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
