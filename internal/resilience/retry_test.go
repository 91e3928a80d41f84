package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

func testRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
	}
}

func TestRetrier_SucceedsWithoutRetryOnFirstSuccess(t *testing.T) {
	r := NewRetrier("test", testRetryConfig(), nil)
	attempts := 0

	err := r.Do(context.Background(), func(ctx context.Context) error {
		attempts++
		return nil
	})

	if err != nil {
		t.Fatalf("Do returned error: %v", err)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
}

func TestRetrier_RetriesRetryableError(t *testing.T) {
	r := NewRetrier("test", testRetryConfig(), nil)
	attempts := 0
	transientErr := &pgconn.PgError{Code: "57P01", Message: "terminating connection due to administrator command"}

	err := r.Do(context.Background(), func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return transientErr
		}
		return nil
	})

	if err != nil {
		t.Fatalf("Do returned error: %v", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestRetrier_StopsImmediatelyOnNonRetryableError(t *testing.T) {
	r := NewRetrier("test", testRetryConfig(), nil)
	attempts := 0
	syntaxErr := &pgconn.PgError{Code: "42601", Message: "syntax error"}

	err := r.Do(context.Background(), func(ctx context.Context) error {
		attempts++
		return syntaxErr
	})

	if err == nil {
		t.Fatal("expected a non-nil error")
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1 (non-retryable errors must not be retried)", attempts)
	}
}

func TestRetrier_ExhaustsMaxAttempts(t *testing.T) {
	cfg := testRetryConfig()
	r := NewRetrier("test", cfg, nil)
	attempts := 0
	transientErr := &pgconn.PgError{Code: "57P01", Message: "terminating connection due to administrator command"}

	err := r.Do(context.Background(), func(ctx context.Context) error {
		attempts++
		return transientErr
	})

	if err == nil {
		t.Fatal("expected a non-nil error once attempts are exhausted")
	}
	if attempts != cfg.MaxAttempts {
		t.Errorf("attempts = %d, want %d", attempts, cfg.MaxAttempts)
	}
}

func TestRetrier_StopsOnContextCancellation(t *testing.T) {
	r := NewRetrier("test", testRetryConfig(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0

	err := r.Do(ctx, func(ctx context.Context) error {
		attempts++
		cancel()
		return &pgconn.PgError{Code: "57P01"}
	})

	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1 (cancellation must stop retries immediately)", attempts)
	}
}

func TestDefaultIsRetryable(t *testing.T) {
	if DefaultIsRetryable(nil) {
		t.Error("nil error should not be retryable")
	}
	if !DefaultIsRetryable(&pgconn.PgError{Code: "40001"}) {
		t.Error("serialization failure should be retryable")
	}
	if DefaultIsRetryable(&pgconn.PgError{Code: "23505"}) {
		t.Error("unique violation should not be retryable")
	}
}
