// Package classify implements the error taxonomy shared by the retry
// policy, the circuit breaker and every public-facing error this module
// returns. It categorizes an arbitrary error (most often one bubbling up
// from pgx) into a small, stable set of Category values so the rest of
// the repository can reason about "is this worth retrying" without
// inspecting driver-specific error codes itself.
package classify

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// Category is the stable classification assigned to an error. Retry and
// circuit-breaker policy are expressed purely in terms of Category, never
// in terms of concrete error types, so adding a new underlying error
// source only requires extending Categorize.
type Category string

const (
	// Transient covers errors with no more specific category that are
	// nonetheless safe to retry. Categorize never assigns it; it exists
	// for errors constructed explicitly with New or NewWithCause.
	Transient Category = "transient"
	// Connection covers network/connection-level failures: refused,
	// reset, broken pipe, dial timeouts.
	Connection Category = "connection"
	// Timeout covers context deadline expiry, network timeouts and
	// driver-reported statement timeouts. A plain context cancellation
	// is not mapped here.
	Timeout Category = "timeout"
	// Deadlock covers Postgres deadlock_detected (40P01).
	Deadlock Category = "deadlock"
	// Serialization covers Postgres serialization_failure (40001) under
	// SERIALIZABLE isolation.
	Serialization Category = "serialization"
	// Constraint covers integrity-constraint violations (class 23): not
	// retryable, the input itself is the problem.
	Constraint Category = "constraint"
	// Syntax covers query syntax/undefined-object errors (class 42):
	// never retryable, the query itself is malformed.
	Syntax Category = "syntax"
	// Unavailable is reserved for this module's own operational signals
	// (shutdown, no workers, circuit open, session/task not found). It
	// deliberately matches none of the retryable categories below.
	Unavailable Category = "unavailable"
	// Unknown is assigned when no rule matches; treated as non-retryable
	// since an unrecognized failure mode is not known to be safe to
	// repeat.
	Unknown Category = "unknown"
)

// Retryable reports whether category c should be retried by
// resilience.Retrier's default predicate.
func (c Category) Retryable() bool {
	switch c {
	case Transient, Connection, Timeout, Deadlock, Serialization:
		return true
	default:
		return false
	}
}

// Postgres SQLSTATE class/code prefixes used by Categorize, which checks
// them in the priority order of the taxonomy's rules 2-5.
const (
	sqlClassIntegrityConstraint = "23"
	sqlClassSyntaxOrAccessRule  = "42"
	codeDeadlockDetected        = "40P01"
	codeSerializationFailure    = "40001"
	codeQueryCanceled           = "57014"
	codeAdminShutdown           = "57P01"
	codeCrashShutdown           = "57P02"
)

// Error is the wrapped error type every public operation in this module
// returns in place of a bare error. It carries the Category assigned by
// Categorize alongside the original cause, and implements Unwrap so
// errors.Is/errors.As continue to see through it to driver-level errors.
type Error struct {
	Category Category
	Message  string
	cause    error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.cause != nil {
		return e.Message + ": " + e.cause.Error()
	}
	return e.Message
}

// Unwrap exposes the underlying cause for error-chain traversal.
func (e *Error) Unwrap() error {
	return e.cause
}

// Is reports equality by Category, so callers can write
// errors.Is(err, classify.New(classify.Timeout, "")) to test category
// membership without reaching for e.Category directly.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Category == t.Category
	}
	return false
}

// New constructs an *Error with no underlying cause. Used for this
// module's own operational signals (ErrShutdown and friends).
func New(category Category, message string) *Error {
	return &Error{Category: category, Message: message}
}

// NewWithCause constructs an *Error with an explicit category and
// message, wrapping cause. Unlike Wrap, the category is not derived from
// cause via Categorize — used when the caller already knows the right
// category (e.g. "max retries exceeded" keeps the category of the last
// attempt's error, not a freshly-categorized wrapper message).
func NewWithCause(category Category, message string, cause error) *Error {
	return &Error{Category: category, Message: message, cause: cause}
}

// Wrap categorizes err and returns an *Error carrying both the category
// and the original error as its cause. Wrap is idempotent: wrapping an
// already-wrapped *Error returns it unchanged, so Wrap(Wrap(e)) and
// Wrap(e) compare equal under Is and carry the same Category.
//
// Per the taxonomy's wrapping rule, an aggregate error is unwrapped by
// exactly one layer first: the returned *Error's Message is the first
// sub-error's message (falling back to "Unknown error" if empty), its
// Category is that same peeled-to-first-sub-error categorization, but
// its cause remains the original, outermost error.
func Wrap(err error) *Error {
	if err == nil {
		return nil
	}
	var already *Error
	if errors.As(err, &already) {
		return already
	}

	inner := err
	var agg aggregate
	if errors.As(err, &agg) {
		if members := agg.Unwrap(); len(members) > 0 {
			inner = members[0]
		}
	}

	msg := inner.Error()
	if msg == "" {
		msg = "Unknown error"
	}
	return &Error{
		Category: Categorize(err),
		Message:  msg,
		cause:    err,
	}
}

// CategoryOf returns the stable category of err without allocating a
// wrapper, walking through any *Error already in the chain first so
// repeated categorization of the same error is stable.
func CategoryOf(err error) Category {
	var wrapped *Error
	if errors.As(err, &wrapped) {
		return wrapped.Category
	}
	return Categorize(err)
}

// aggregate is the shape produced by errors.Join since Go 1.20: a
// multi-error exposing its members via Unwrap() []error. Rule 1 of the
// taxonomy ("if the error is an aggregate/multi-error with a non-empty
// list of sub-errors, recurse into the first") matches against this
// shape before any of the rules below run.
type aggregate interface {
	Unwrap() []error
}

// Categorize applies the taxonomy's rules, in priority order, to a raw
// error. Most callers should use Wrap or CategoryOf instead; Categorize
// is exported for the classifier's own tests and for callers that need
// the category without constructing an *Error.
func Categorize(err error) Category {
	if err == nil {
		return Unknown
	}

	// Rule 1: an aggregate error is classified by recursing into its
	// first sub-error only, never by scanning every member.
	var agg aggregate
	if errors.As(err, &agg) {
		if members := agg.Unwrap(); len(members) > 0 {
			return Categorize(members[0])
		}
	}

	// Rules 2-5: structured Postgres errors, by SQLSTATE code/class,
	// in the taxonomy's stated order.
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == codeSerializationFailure:
			return Serialization
		case pgErr.Code == codeDeadlockDetected:
			return Deadlock
		case pgErr.Code == codeQueryCanceled:
			return Timeout
		case pgErr.Code == codeAdminShutdown, pgErr.Code == codeCrashShutdown:
			return Connection
		case hasPrefix(pgErr.Code, sqlClassIntegrityConstraint):
			return Constraint
		case hasPrefix(pgErr.Code, sqlClassSyntaxOrAccessRule):
			return Syntax
		}
		// No rule 2-5 code matched; fall through to the message-based
		// rules below rather than guessing a category for an
		// unrecognized SQLSTATE.
	}

	// Rule 6 (Go-native equivalent): a driver-level connection failure
	// carrying no SQLSTATE of its own at all — pgx's analogue of a
	// named "connection error" type.
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return Connection
	}

	// Rules 3-4 (Go-native equivalent): network-level timeout/reset
	// errors, and context deadlines, surfaced the way Go expresses
	// ETIMEDOUT/ECONNRESET rather than as string error codes.
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return Timeout
		}
		return Connection
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout
	}

	// Rule 7: message-substring fallback, case-insensitive, checked in
	// the taxonomy's stated order.
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout"):
		return Timeout
	case strings.Contains(msg, "connection"):
		return Connection
	case strings.Contains(msg, "deadlock"):
		return Deadlock
	}

	// Rule 8.
	return Unknown
}

func hasPrefix(code, prefix string) bool {
	return len(code) >= len(prefix) && code[:len(prefix)] == prefix
}
