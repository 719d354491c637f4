package docstore

import (
	"context"
	"time"

	"docsync/api/internal/storage"
)

// RetryPolicy bounds retries of transient storage failures. Attempt n waits
// BaseDelay * 2^(n-1), capped at MaxDelay.
type RetryPolicy struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 4, BaseDelay: 200 * time.Millisecond, MaxDelay: 2 * time.Second}
}

func (p RetryPolicy) backoff(attempt int) time.Duration {
	delay := p.BaseDelay << (attempt - 1)
	if p.MaxDelay > 0 && (delay > p.MaxDelay || delay <= 0) {
		return p.MaxDelay
	}
	return delay
}

// retry runs op until it succeeds, fails permanently or runs out of attempts.
func (s *Store) retry(ctx context.Context, what, docID string, op func(context.Context) error) error {
	attempts := s.opts.Retry.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(s.opts.Retry.backoff(attempt))
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}

		err := op(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if storage.IsPermanent(err) || ctx.Err() != nil {
			return err
		}

		s.logger.Warn("transient storage failure, retrying",
			"op", what,
			"doc", docID,
			"attempt", attempt+1,
			"error", err,
		)
	}
	return lastErr
}
