package resilience

import (
	"context"

	"github.com/sethvargo/go-retry"

	"github.com/iruldev/pgparallel/internal/classify"
	"github.com/iruldev/pgparallel/internal/xlog"
)

// Retrier retries a function with exponential backoff and jitter,
// skipping retries entirely for errors classify.CategoryOf deems
// non-retryable.
type Retrier struct {
	name   string
	cfg    RetryConfig
	logger *xlog.Logger
	// isRetryable is overridable for tests; defaults to
	// DefaultIsRetryable.
	isRetryable func(error) bool
}

// NewRetrier builds a Retrier named name (used only in logs) from cfg.
// A nil logger disables logging entirely.
func NewRetrier(name string, cfg RetryConfig, logger *xlog.Logger) *Retrier {
	return &Retrier{
		name:        name,
		cfg:         cfg,
		logger:      logger,
		isRetryable: DefaultIsRetryable,
	}
}

// Do runs fn, retrying on retryable errors with exponential backoff and
// jitter until it succeeds, a non-retryable error is returned, the
// context is cancelled, or MaxAttempts is exhausted (in which case the
// last error is returned wrapped via ErrMaxRetriesExceeded). Every inner
// attempt, whether it eventually succeeds via retry or not, is expected
// to be reported to a circuit breaker by the caller: Do itself does not
// know about breakers.
func (r *Retrier) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempt := 0
	exhausted := false
	var lastErr error

	backoff := retry.NewExponential(r.cfg.InitialDelay)
	backoff = retry.WithJitter(r.cfg.InitialDelay/4, backoff)
	backoff = retry.WithCappedDuration(r.cfg.MaxDelay, backoff)

	var maxRetries uint64
	if r.cfg.MaxAttempts > 1 {
		maxRetries = uint64(r.cfg.MaxAttempts - 1)
	}
	backoff = retry.WithMaxRetries(maxRetries, backoff)

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++

		opErr := fn(ctx)
		if opErr == nil {
			return nil
		}
		lastErr = opErr

		if ctx.Err() != nil {
			return ctx.Err()
		}

		if !r.isRetryable(opErr) {
			xlog.Debug(r.logger, "non-retryable error, stopping retry",
				"name", r.name, "attempt", attempt, "error", opErr)
			return opErr
		}

		if attempt >= r.cfg.MaxAttempts {
			exhausted = true
			return opErr
		}

		xlog.Info(r.logger, "operation failed, will retry",
			"name", r.name, "attempt", attempt, "max_attempts", r.cfg.MaxAttempts, "error", opErr)

		return retry.RetryableError(opErr)
	})

	if err == nil {
		if attempt > 1 {
			xlog.Info(r.logger, "operation succeeded after retry",
				"name", r.name, "total_attempts", attempt)
		}
		return nil
	}

	if exhausted {
		xlog.Warn(r.logger, "max retries exceeded",
			"name", r.name, "total_attempts", attempt, "max_attempts", r.cfg.MaxAttempts, "last_error", lastErr)
		return ErrMaxRetriesExceeded(lastErr)
	}

	return err
}

// DefaultIsRetryable reports whether err's classify.Category marks it
// retryable. This is the category-driven generalization of the source's
// net.Error/Temporary()-based predicate: spec-level retryability is
// defined purely in terms of the shared taxonomy.
func DefaultIsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return classify.CategoryOf(err).Retryable()
}
