// Package worker is the goroutine-based realization of spec.md §4.2's
// WorkerRuntime: one Runtime per worker goroutine, each owning its own
// pgxpool-backed pool, its own checked-out-client table, and its own
// retry+breaker pair, independent of every other worker's and of the
// dispatcher's local-pool breaker (see SPEC_FULL.md §4.3/§5).
package worker

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/iruldev/pgparallel/internal/classify"
	"github.com/iruldev/pgparallel/internal/metrics"
	"github.com/iruldev/pgparallel/internal/pgpool"
	"github.com/iruldev/pgparallel/internal/resilience"
	"github.com/iruldev/pgparallel/internal/taskregistry"
	"github.com/iruldev/pgparallel/internal/transport"
	"github.com/iruldev/pgparallel/internal/xlog"
)

// checkedOutClient is one session's exclusively-held connection,
// acquired from the worker's pool for the duration of a Session call.
// It is filed by the worker goroutine and released either by
// ReleaseSession or Close, which the dispatcher calls from its own
// goroutines; the Runtime.clients map is guarded by Runtime.mu.
type checkedOutClient struct {
	sessionID string
	conn      *pgxpool.Conn
}

// Runtime is one worker: a goroutine's worth of state. Tasks, session
// starts and session queries reach it through the transport.Handler it
// exposes via Handle; the dispatcher also calls ReleaseSession, Pool and
// Close directly. Runtime itself never touches transport channels.
type Runtime struct {
	id       int
	pool     *pgpool.Pool
	registry *taskregistry.Registry
	retrier  *resilience.Retrier
	breaker  *resilience.Breaker
	logger   *xlog.Logger
	metric   *metrics.Registry

	mu      sync.Mutex
	clients map[string]*checkedOutClient
}

// New builds a Runtime numbered id, backed by pool, resolving task names
// against registry, retrying per retryCfg and breaking per breakerCfg.
// Both configs produce state fully independent of any other Runtime's or
// the dispatcher's own breaker/retrier, per spec.md's Open Question
// resolution (SPEC_FULL.md §9, item 2).
func New(id int, pool *pgpool.Pool, registry *taskregistry.Registry, retryCfg resilience.RetryConfig, breakerCfg resilience.BreakerConfig, logger *xlog.Logger, metric *metrics.Registry) *Runtime {
	name := fmt.Sprintf("worker-%d", id)
	return &Runtime{
		id:       id,
		pool:     pool,
		registry: registry,
		retrier:  resilience.NewRetrier(name, retryCfg, logger),
		breaker:  resilience.NewBreaker(name, breakerCfg, logger, metric),
		logger:   logger,
		metric:   metric,
		clients:  make(map[string]*checkedOutClient),
	}
}

// Pool exposes the worker's own pool. The dispatcher's observePools
// loop uses it to feed internal/metrics.Registry.ObservePool on every
// scrape tick; Runtime itself never reads pool stats.
func (r *Runtime) Pool() *pgpool.Pool { return r.pool }

// Close releases every outstanding checked-out client and closes the
// worker's pool. Called once, from Dispatcher.Shutdown.
func (r *Runtime) Close() {
	r.mu.Lock()
	for id, c := range r.clients {
		c.conn.Release()
		delete(r.clients, id)
	}
	r.mu.Unlock()
	r.pool.Close()
}

// Handle is this Runtime's transport.Handler: it dispatches an inbound
// Envelope to the matching handler and wraps the result in a Reply,
// deep-copying its Data through the value-only codec before it crosses
// back over the channel boundary.
func (r *Runtime) Handle(ctx context.Context, msg transport.Envelope) (reply transport.Reply) {
	var data any
	var err error

	defer func() {
		if p := recover(); p != nil {
			reply = transport.Reply{RequestID: msg.RequestID, Err: classify.New(classify.Unknown, fmt.Sprintf("worker: recovered panic: %v", p))}
		}
	}()

	switch {
	case msg.Task != nil:
		data, err = r.handleTask(ctx, msg.Task)
	case msg.SessionStart != nil:
		data, err = r.handleSessionStart(ctx, msg.SessionStart)
	case msg.SessionQuery != nil:
		data, err = r.handleSessionQuery(ctx, msg.SessionQuery)
	default:
		err = fmt.Errorf("worker: envelope carries no recognized message")
	}

	if err != nil {
		return transport.Reply{RequestID: msg.RequestID, Err: classify.Wrap(err)}
	}

	copied, copyErr := transport.DeepCopyValue(data)
	if copyErr != nil {
		return transport.Reply{RequestID: msg.RequestID, Err: classify.Wrap(copyErr)}
	}
	return transport.Reply{RequestID: msg.RequestID, Data: copied}
}

// handleTask resolves msg.Name against the registry and runs it under
// this worker's retrier+breaker: the breaker counts every inner attempt
// (so a retry-then-succeed sequence is one breaker success following N
// breaker failures), matching spec.md §7's retry/breaker interaction
// rule.
func (r *Runtime) handleTask(ctx context.Context, msg *transport.Task) (any, error) {
	fn, err := r.registry.LookupTask(msg.Name)
	if err != nil {
		return nil, err
	}

	var result any
	err = r.retrier.Do(ctx, func(ctx context.Context) error {
		v, execErr := r.breaker.Execute(ctx, func() (any, error) {
			return fn(msg.Args...)
		})
		if execErr != nil {
			return execErr
		}
		result = v
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// handleSessionStart checks out one dedicated connection from the
// worker's pool and files it under msg.SessionID, so every subsequent
// SessionQuery for that id runs against the exact same underlying
// connection (required for session-scoped state like advisory locks or
// temp tables to behave as a caller expects from a "session"). The
// checkout runs under the same retrier+breaker as handleTask.
func (r *Runtime) handleSessionStart(ctx context.Context, msg *transport.SessionStart) (any, error) {
	var conn *pgxpool.Conn
	err := r.retrier.Do(ctx, func(ctx context.Context) error {
		v, execErr := r.breaker.Execute(ctx, func() (any, error) {
			return r.pool.Raw().Acquire(ctx)
		})
		if execErr != nil {
			return execErr
		}
		conn = v.(*pgxpool.Conn)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("worker: checkout client for session %s: %w", msg.SessionID, err)
	}

	r.mu.Lock()
	r.clients[msg.SessionID] = &checkedOutClient{sessionID: msg.SessionID, conn: conn}
	r.mu.Unlock()

	return map[string]any{"session_id": msg.SessionID}, nil
}

// handleSessionQuery runs msg.SQL against the connection checked out for
// msg.SessionID, under the same retrier+breaker as handleTask.
func (r *Runtime) handleSessionQuery(ctx context.Context, msg *transport.SessionQuery) (any, error) {
	r.mu.Lock()
	client, ok := r.clients[msg.SessionID]
	r.mu.Unlock()
	if !ok {
		return nil, classify.New(classify.Unavailable, fmt.Sprintf("client %s not found", msg.SessionID))
	}

	var result any
	err := r.retrier.Do(ctx, func(ctx context.Context) error {
		v, execErr := r.breaker.Execute(ctx, func() (any, error) {
			return runQuery(ctx, client.conn, msg.SQL, msg.Args...)
		})
		if execErr != nil {
			return execErr
		}
		result = v
		return nil
	})
	return result, err
}

// ReleaseSession releases the connection checked out for sessionID, if
// any. Called by the dispatcher once a Session call's body function
// returns, regardless of success, matching CheckedOutClient's release-
// on-every-exit-path lifecycle (spec.md §3), grounded on the teacher's
// TxManager.WithTx recover+rollback pattern.
func (r *Runtime) ReleaseSession(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.clients[sessionID]; ok {
		c.conn.Release()
		delete(r.clients, sessionID)
	}
}

// runQuery executes sql against conn and materializes its result as a
// transport.QueryResult, preserving column order the way the codec's
// map-free wire shape requires.
func runQuery(ctx context.Context, conn *pgxpool.Conn, sql string, args ...any) (any, error) {
	rows, err := pgpool.Query(ctx, conn.Conn(), sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	columns := make([]string, len(fields))
	for i, f := range fields {
		columns[i] = string(f.Name)
	}

	var out [][]any
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, err
		}
		out = append(out, values)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return transport.QueryResult{Columns: columns, Rows: out}, nil
}
