package syncer

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

func (c *coordinator) newBackOff(ctx context.Context) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.BackoffInitial
	b.MaxInterval = c.opts.BackoffMax
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.opts.MaxRetries)), ctx)
}

func (c *coordinator) RunWithRetry(ctx context.Context) CycleResult {
	var (
		last     CycleResult
		attempts int
	)
	operation := func() error {
		attempts++
		last = c.RunSyncCycle(ctx)
		if last.Outcome != OutcomeFailed {
			return nil
		}
		if !last.Retryable {
			return backoff.Permanent(last.Err)
		}
		return last.Err
	}
	notify := func(err error, wait time.Duration) {
		c.logger.Info("retrying sync",
			zap.Int("attempt", attempts),
			zap.Duration("backoff", wait),
			zap.Error(err))
	}

	err := backoff.RetryNotify(operation, c.newBackOff(ctx), notify)
	last.Attempts = attempts
	if err != nil && last.Retryable && ctx.Err() == nil {
		c.mu.Lock()
		c.degraded = true
		c.mu.Unlock()
		last.Degraded = true
		c.logger.Warn("sync degraded, retries exhausted",
			zap.Int("attempts", attempts),
			zap.Error(last.Err))
	}
	return last
}
