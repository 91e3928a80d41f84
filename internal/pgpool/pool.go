// Package pgpool wraps pgxpool.Pool with the timeout-enforcing query
// helpers shared by the dispatcher's local pool and every worker's own
// pool, plus the Raw accessor internal/metrics reads pool stats
// through, grounded on the teacher's
// internal/infra/postgres/pool.go, resilient_pool.go and
// internal/infra/wrapper/db.go.
package pgpool

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DefaultQueryTimeout is applied to a query when its context carries no
// deadline of its own.
const DefaultQueryTimeout = 30 * time.Second

// Pool wraps a pgxpool.Pool sized for one actor (the dispatcher's local
// pool, or one worker's own pool).
type Pool struct {
	label string
	pool  *pgxpool.Pool
}

// New creates a pgxpool.Pool against connString with maxConns
// connections and verifies connectivity with a Ping before returning.
func New(ctx context.Context, connString string, maxConns int32, label string) (*Pool, error) {
	const op = "pgpool.New"

	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("%s: parse config: %w", op, err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("%s: create pool: %w", op, err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%s: ping: %w", op, err)
	}

	return &Pool{label: label, pool: pool}, nil
}

// Label returns the label this pool was constructed with (used as the
// metric label and in log lines).
func (p *Pool) Label() string { return p.label }

// Raw returns the underlying pgxpool.Pool, for callers (e.g.
// internal/metrics) that need direct access to Stat().
func (p *Pool) Raw() *pgxpool.Pool { return p.pool }

// Close closes the underlying pool. Safe to call more than once.
func (p *Pool) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

// Querier is the subset of pgxpool.Pool this package's timeout helpers
// need; satisfied by *pgxpool.Pool and by test doubles.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Query runs sql against q, applying DefaultQueryTimeout when ctx has no
// deadline of its own. The returned Rows carry the derived timeout
// context's cancel function and release it on Close.
func Query(ctx context.Context, q Querier, sql string, args ...any) (pgx.Rows, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var cancel context.CancelFunc
	if _, ok := ctx.Deadline(); !ok {
		ctx, cancel = context.WithTimeout(ctx, DefaultQueryTimeout)
	}

	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		if cancel != nil {
			cancel()
		}
		return nil, err
	}
	if cancel != nil {
		return &cancelRows{Rows: rows, cancel: cancel}, nil
	}
	return rows, nil
}

type cancelRows struct {
	pgx.Rows
	cancel context.CancelFunc
}

func (r *cancelRows) Close() {
	defer r.cancel()
	r.Rows.Close()
}

// QueryRow runs sql against q, applying DefaultQueryTimeout when ctx has
// no deadline of its own.
func QueryRow(ctx context.Context, q Querier, sql string, args ...any) pgx.Row {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultQueryTimeout)
		return &timeoutRow{Row: q.QueryRow(ctx, sql, args...), cancel: cancel}
	}
	return q.QueryRow(ctx, sql, args...)
}

type timeoutRow struct {
	pgx.Row
	cancel context.CancelFunc
}

func (r *timeoutRow) Scan(dest ...any) error {
	defer r.cancel()
	return r.Row.Scan(dest...)
}

// Exec runs sql against q, applying DefaultQueryTimeout when ctx has no
// deadline of its own.
func Exec(ctx context.Context, q Querier, sql string, args ...any) (pgconn.CommandTag, error) {
	if err := ctx.Err(); err != nil {
		return pgconn.CommandTag{}, err
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultQueryTimeout)
		defer cancel()
	}
	return q.Exec(ctx, sql, args...)
}
