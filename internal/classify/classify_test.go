package classify

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestCategorize_PgErrorClasses(t *testing.T) {
	cases := []struct {
		name string
		code string
		want Category
	}{
		{"deadlock", "40P01", Deadlock},
		{"serialization", "40001", Serialization},
		{"unique_violation", "23505", Constraint},
		{"foreign_key_violation", "23503", Constraint},
		{"undefined_table", "42P01", Syntax},
		{"syntax_error", "42601", Syntax},
		{"query_canceled", "57014", Timeout},
		{"admin_shutdown", "57P01", Connection},
		{"crash_shutdown", "57P02", Connection},
		{"unrecognized_code_falls_through_to_unknown", "53300", Unknown},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := &pgconn.PgError{Code: tc.code, Message: "boom"}
			if got := Categorize(err); got != tc.want {
				t.Errorf("Categorize(%s) = %s, want %s", tc.code, got, tc.want)
			}
		})
	}
}

func TestCategorize_Timeout(t *testing.T) {
	err := fmt.Errorf("query failed: %w", context.DeadlineExceeded)
	if got := Categorize(err); got != Timeout {
		t.Errorf("Categorize(deadline exceeded) = %s, want %s", got, Timeout)
	}
}

type fakeNetErr struct{ timeout bool }

func (e *fakeNetErr) Error() string   { return "net error" }
func (e *fakeNetErr) Timeout() bool   { return e.timeout }
func (e *fakeNetErr) Temporary() bool { return true }

var _ net.Error = (*fakeNetErr)(nil)

func TestCategorize_NetError(t *testing.T) {
	if got := Categorize(&fakeNetErr{timeout: true}); got != Timeout {
		t.Errorf("Categorize(net timeout) = %s, want %s", got, Timeout)
	}
	if got := Categorize(&fakeNetErr{timeout: false}); got != Connection {
		t.Errorf("Categorize(net non-timeout) = %s, want %s", got, Connection)
	}
}

func TestCategorize_MessageFallback(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Category
	}{
		{"timeout substring", errors.New("statement TIMEOUT exceeded"), Timeout},
		{"connection substring", errors.New("write: connection reset by peer"), Connection},
		{"deadlock substring", errors.New("Deadlock detected by server"), Deadlock},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Categorize(tc.err); got != tc.want {
				t.Errorf("Categorize(%q) = %s, want %s", tc.err, got, tc.want)
			}
		})
	}
}

func TestCategorize_Unknown(t *testing.T) {
	err := errors.New("something inscrutable happened")
	if got := Categorize(err); got != Unknown {
		t.Errorf("Categorize(inscrutable) = %s, want %s", got, Unknown)
	}
}

func TestCategorize_AggregateRecursesIntoFirstMember(t *testing.T) {
	agg := errors.Join(
		&pgconn.PgError{Code: "42601", Message: "syntax error"},
		context.DeadlineExceeded,
	)
	if got := Categorize(agg); got != Syntax {
		t.Errorf("Categorize(aggregate) = %s, want %s (first member, not a severity scan)", got, Syntax)
	}

	reversed := errors.Join(
		context.DeadlineExceeded,
		&pgconn.PgError{Code: "42601", Message: "syntax error"},
	)
	if got := Categorize(reversed); got != Timeout {
		t.Errorf("Categorize(reversed aggregate) = %s, want %s (first member)", got, Timeout)
	}
}

func TestWrap_AggregateUsesFirstSubErrorMessageButOutermostCause(t *testing.T) {
	first := &pgconn.PgError{Code: "42601", Message: "syntax error"}
	second := errors.New("second problem")
	agg := errors.Join(first, second)

	wrapped := Wrap(agg)
	if wrapped.Category != Syntax {
		t.Errorf("Category = %s, want %s", wrapped.Category, Syntax)
	}
	if wrapped.Message != first.Error() {
		t.Errorf("Message = %q, want first sub-error's message %q", wrapped.Message, first.Error())
	}
	if wrapped.Unwrap() != error(agg) {
		t.Error("cause should be the original outermost aggregate error, not the peeled first member")
	}
}

func TestWrap_Idempotent(t *testing.T) {
	original := &pgconn.PgError{Code: "40P01", Message: "deadlock detected"}

	once := Wrap(original)
	twice := Wrap(once)

	if once.Category != twice.Category {
		t.Errorf("Wrap is not idempotent: once.Category=%s twice.Category=%s", once.Category, twice.Category)
	}
	if once != twice {
		t.Errorf("Wrap(Wrap(e)) should return the same *Error instance, got distinct values")
	}
}

func TestWrap_Nil(t *testing.T) {
	if Wrap(nil) != nil {
		t.Error("Wrap(nil) should return nil")
	}
}

func TestError_UnwrapAndIs(t *testing.T) {
	cause := errors.New("connection refused")
	wrapped := Wrap(cause)

	if !errors.Is(wrapped, New(Connection, "")) {
		t.Errorf("errors.Is should match by category, got category %s", wrapped.Category)
	}
	if errors.Unwrap(wrapped) != cause {
		t.Error("Unwrap should return the original cause")
	}
}

func TestCategory_Retryable(t *testing.T) {
	retryable := []Category{Transient, Connection, Timeout, Deadlock, Serialization}
	for _, c := range retryable {
		if !c.Retryable() {
			t.Errorf("%s should be retryable", c)
		}
	}

	nonRetryable := []Category{Constraint, Syntax, Unavailable, Unknown}
	for _, c := range nonRetryable {
		if c.Retryable() {
			t.Errorf("%s should not be retryable", c)
		}
	}
}

func TestCategoryOf_PreservesAlreadyWrapped(t *testing.T) {
	wrapped := New(Unavailable, "circuit breaker is open")
	if got := CategoryOf(wrapped); got != Unavailable {
		t.Errorf("CategoryOf(already wrapped) = %s, want %s", got, Unavailable)
	}
}
