package resilience

import "github.com/iruldev/pgparallel/internal/classify"

// ErrCircuitOpen is returned by Breaker.Execute when the breaker is open
// or half-open with no trial permits remaining. It is always surfaced,
// never retried: Category is Unavailable, which matches none of the
// retryable categories.
var ErrCircuitOpen = classify.New(classify.Unavailable, "circuit breaker is open")

// errPanic is the failure Breaker.Execute reports against its own state
// machine when the wrapped call panics, before re-panicking.
var errPanic = classify.New(classify.Unknown, "panic recovered from breaker call")

// ErrMaxRetriesExceeded wraps the last attempt's error once a Retrier
// exhausts MaxAttempts, preserving the last attempt's category so the
// caller can still distinguish e.g. a constraint failure from a timeout.
func ErrMaxRetriesExceeded(lastErr error) error {
	return classify.NewWithCause(classify.CategoryOf(lastErr), "max retries exceeded", lastErr)
}
