package pgpool

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeQuerier struct {
	queryCtx func(ctx context.Context)
}

func (f *fakeQuerier) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	if f.queryCtx != nil {
		f.queryCtx(ctx)
	}
	return nil, assertErrNoDeadline{}
}

func (f *fakeQuerier) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if f.queryCtx != nil {
		f.queryCtx(ctx)
	}
	return nil
}

func (f *fakeQuerier) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if f.queryCtx != nil {
		f.queryCtx(ctx)
	}
	return pgconn.CommandTag{}, nil
}

type assertErrNoDeadline struct{}

func (assertErrNoDeadline) Error() string { return "no rows stub" }

func TestQuery_AppliesDefaultTimeoutWhenNoDeadline(t *testing.T) {
	var sawDeadline bool
	q := &fakeQuerier{queryCtx: func(ctx context.Context) {
		_, sawDeadline = ctx.Deadline()
	}}

	_, _ = Query(context.Background(), q, "select 1")

	assert.True(t, sawDeadline, "expected a deadline to be applied when ctx has none")
}

func TestQuery_PreservesExistingDeadline(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	want, _ := ctx.Deadline()
	var got time.Time
	q := &fakeQuerier{queryCtx: func(ctx context.Context) {
		got, _ = ctx.Deadline()
	}}

	_, _ = Query(ctx, q, "select 1")

	assert.Equal(t, want, got, "Query must not override a caller-supplied deadline")
}

func TestQuery_ReturnsImmediatelyOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	q := &fakeQuerier{queryCtx: func(ctx context.Context) { called = true }}

	_, err := Query(ctx, q, "select 1")

	require.Error(t, err)
	assert.False(t, called, "Query must not reach the underlying querier once ctx is already cancelled")
}

func TestExec_ReturnsImmediatelyOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	q := &fakeQuerier{queryCtx: func(ctx context.Context) { called = true }}

	_, err := Exec(ctx, q, "select 1")

	require.Error(t, err)
	assert.False(t, called)
}
