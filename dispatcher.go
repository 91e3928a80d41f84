// Package pgparallel multiplexes a local PostgreSQL connection pool and
// a fleet of worker-owned satellite pools behind one Dispatcher,
// dispatching direct queries to the local pool and CPU-bound tasks or
// stateful sessions to a worker goroutine, with retry and circuit-
// breaker resilience and a categorized error taxonomy (internal/classify).
// Database errors, worker replies, codec failures and this package's own
// operational signals are returned as *classify.Error; initialization
// errors, context errors and errors returned by a session body are
// returned as they are, without a classify wrapper.
//
// See SPEC_FULL.md for the full design; the short version: New builds a
// Dispatcher, RegisterTask/RegisterSessionFunc populate its registry,
// Query/Task/Session/Warmup/Shutdown are its operations, and every
// blocking call accepts a context.Context for cancellation the way the
// rest of this module's stack does.
package pgparallel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/iruldev/pgparallel/internal/classify"
	"github.com/iruldev/pgparallel/internal/metrics"
	"github.com/iruldev/pgparallel/internal/pgpool"
	"github.com/iruldev/pgparallel/internal/resilience"
	"github.com/iruldev/pgparallel/internal/taskregistry"
	"github.com/iruldev/pgparallel/internal/transport"
	"github.com/iruldev/pgparallel/internal/worker"
	"github.com/iruldev/pgparallel/internal/xlog"
)

// ErrShutdown is returned by every operation once Shutdown has been
// called.
var ErrShutdown = classify.New(classify.Unavailable, "dispatcher is shut down")

// ErrNoWorkers is returned by Task and Session when the Dispatcher has no
// worker slots. New replaces a zero or negative MaxWorkers with
// runtime.NumCPU(), so a Dispatcher built by New always has at least one.
var ErrNoWorkers = classify.New(classify.Unavailable, "no workers available")

// workerSlot is one round-robin scheduling slot: a worker goroutine
// (Runtime), the Transport carrying messages to and from it, and the
// busy flag the dispatcher's round-robin scan checks.
type workerSlot struct {
	id        int
	runtime   *worker.Runtime
	transport *transport.Local
	busy      bool
}

// Dispatcher is the entry point of this module. Its mutable state
// (slots' busy flags, the round-robin cursor, the pending-request table
// and the shutdown flag) lives entirely under mu, per spec.md §5's
// single-mutex concurrency model; there are no nested locks.
type Dispatcher struct {
	cfg      Config
	registry *taskregistry.Registry
	logger   *xlog.Logger
	metric   *metrics.Registry

	localP int
	slotP  int

	localPool    *pgpool.Pool
	localRetrier *resilience.Retrier
	localBreaker *resilience.Breaker

	initOnce sync.Once
	initDone chan struct{}
	initErr  error

	mu           sync.Mutex
	slots        []*workerSlot
	cursor       int
	pending      map[string]chan transport.Reply
	shuttingDown bool

	poolObserveStop chan struct{}
	poolObserveDone chan struct{}
}

// New constructs a Dispatcher from cfg. It does not connect to Postgres:
// connections are established lazily, on first use or on an explicit
// call to Warmup, behind a single shared init future (SPEC_FULL.md
// §4.1).
func New(cfg Config) (*Dispatcher, error) {
	cfg = cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	localP, slotP := partition(cfg.Max, cfg.MaxWorkers)

	d := &Dispatcher{
		cfg:      cfg,
		registry: taskregistry.New(),
		logger:   cfg.Logger,
		metric:   cfg.Metrics,
		localP:   localP,
		slotP:    slotP,
		initDone: make(chan struct{}),
		pending:  make(map[string]chan transport.Reply),
	}
	for i := 0; i < cfg.MaxWorkers; i++ {
		d.slots = append(d.slots, &workerSlot{id: i})
	}
	return d, nil
}

// partition implements spec.md §4.1's pool-sizing formula:
// P = max(1, floor(M/(W+1))) when W>0, else P=0 (no worker pools);
// L = max(1, M-W*P).
func partition(m, w int) (local, perWorker int) {
	if w <= 0 {
		return m, 0
	}
	perWorker = m / (w + 1)
	if perWorker < 1 {
		perWorker = 1
	}
	local = m - w*perWorker
	if local < 1 {
		local = 1
	}
	return local, perWorker
}

// RegisterTask associates name with fn, for later use via
// RegisteredTask(name) in a Task call. Every worker looks names up in
// this Dispatcher's one mutex-guarded registry, so a registration is
// visible to running workers immediately, before or after Warmup.
func (d *Dispatcher) RegisterTask(name string, fn taskregistry.TaskFunc) {
	d.registry.RegisterTask(name, fn)
}

// RegisterSessionFunc associates name with fn, for later use via
// RegisteredSessionFunc(name) in a Session call.
func (d *Dispatcher) RegisterSessionFunc(name string, fn taskregistry.SessionFunc) {
	d.registry.RegisterSessionFunc(name, fn)
}

// Warmup forces the lazy pool/worker initialization to run now instead
// of on first use, surfacing any connection error immediately.
func (d *Dispatcher) Warmup(ctx context.Context) error {
	return d.ensureInit(ctx)
}

func (d *Dispatcher) ensureInit(ctx context.Context) error {
	select {
	case <-d.initDone:
		return d.initErr
	default:
	}
	d.initOnce.Do(func() {
		d.initErr = d.init(ctx)
		close(d.initDone)
	})
	<-d.initDone
	return d.initErr
}

func (d *Dispatcher) init(ctx context.Context) error {
	pool, err := pgpool.New(ctx, d.cfg.ConnectionString, int32(d.localP), "local")
	if err != nil {
		return fmt.Errorf("pgparallel: init local pool: %w", err)
	}
	d.localPool = pool
	d.localRetrier = resilience.NewRetrier("local", *d.cfg.Retry, d.logger)
	d.localBreaker = resilience.NewBreaker("local", *d.cfg.CircuitBreaker, d.logger, d.metric)

	for _, slot := range d.slots {
		label := fmt.Sprintf("worker-%d", slot.id)
		wp, err := pgpool.New(ctx, d.cfg.ConnectionString, int32(d.slotP), label)
		if err != nil {
			return fmt.Errorf("pgparallel: init %s pool: %w", label, err)
		}
		rt := worker.New(slot.id, wp, d.registry, *d.cfg.Retry, *d.cfg.CircuitBreaker, d.logger, d.metric)
		tr := transport.NewLocal(slot.id, rt.Handle, 32)
		// The worker goroutine outlives ensureInit's call: it must run
		// under a context of its own rather than the caller's (possibly
		// request-scoped) init context, or cancelling that context after
		// Warmup returns would silently kill every worker.
		if err := tr.Spawn(context.Background()); err != nil {
			return fmt.Errorf("pgparallel: spawn %s: %w", label, err)
		}
		slot.runtime = rt
		slot.transport = tr
		go d.pump(slot)
	}

	xlog.Info(d.logger, "pgparallel: dispatcher initialized", "local_conns", d.localP, "workers", len(d.slots), "conns_per_worker", d.slotP)

	if d.metric != nil {
		d.poolObserveStop = make(chan struct{})
		d.poolObserveDone = make(chan struct{})
		go d.observePools()
	}

	return nil
}

// observePools periodically scrapes the local pool's and every worker
// pool's connection stats into d.metric, until poolObserveStop is
// closed by Shutdown. Runs only while d.metric is non-nil (nothing to
// publish otherwise).
func (d *Dispatcher) observePools() {
	defer close(d.poolObserveDone)

	ticker := time.NewTicker(d.cfg.PoolObserveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			d.metric.ObservePool(d.localPool.Label(), d.localPool.Raw())
			for _, slot := range d.slots {
				if slot.runtime != nil {
					pool := slot.runtime.Pool()
					d.metric.ObservePool(pool.Label(), pool.Raw())
				}
			}
		case <-d.poolObserveStop:
			return
		}
	}
}

// pump forwards every reply from slot's transport into the pending
// table. It exits when the transport's inbound channel closes, which
// happens on Terminate (during Shutdown) or if the worker goroutine
// itself stops. Per spec.md's Open Question resolution (SPEC_FULL.md
// §9, item 1), a worker exiting while requests are outstanding is only
// logged here, never used to proactively fail pending entries bound to
// it — Shutdown is the only path that retires pending requests.
func (d *Dispatcher) pump(slot *workerSlot) {
	for reply := range slot.transport.Inbound() {
		d.mu.Lock()
		ch, ok := d.pending[reply.RequestID]
		if ok {
			delete(d.pending, reply.RequestID)
		}
		d.mu.Unlock()
		if ok {
			ch <- reply
		}
	}

	d.mu.Lock()
	down := d.shuttingDown
	d.mu.Unlock()
	if !down {
		xlog.Warn(d.logger, "pgparallel: worker exited", "worker", slot.id)
	}
}

// acquireSlot picks the next worker per spec.md §4.1's round-robin rule:
// scan up to len(slots) slots starting at the cursor for an idle one;
// if every slot scanned is busy, fall through and use the slot at the
// cursor anyway (SPEC_FULL.md §9, item 3 keeps this fall-through
// behavior rather than a stronger "skip busy indefinitely" policy).
func (d *Dispatcher) acquireSlot() (*workerSlot, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.shuttingDown {
		return nil, ErrShutdown
	}
	n := len(d.slots)
	if n == 0 {
		return nil, ErrNoWorkers
	}

	chosen := -1
	for i := 0; i < n; i++ {
		idx := (d.cursor + i) % n
		if !d.slots[idx].busy {
			chosen = idx
			break
		}
	}
	if chosen == -1 {
		chosen = d.cursor % n
	}

	d.slots[chosen].busy = true
	d.cursor = (chosen + 1) % n
	return d.slots[chosen], nil
}

func (d *Dispatcher) releaseSlot(slot *workerSlot) {
	d.mu.Lock()
	slot.busy = false
	d.mu.Unlock()
}

// registerPending files a single-shot reply channel under requestID,
// returning it for the caller to select on.
func (d *Dispatcher) registerPending(requestID string) chan transport.Reply {
	ch := make(chan transport.Reply, 1)
	d.mu.Lock()
	d.pending[requestID] = ch
	d.mu.Unlock()
	return ch
}

func (d *Dispatcher) removePending(requestID string) {
	d.mu.Lock()
	delete(d.pending, requestID)
	d.mu.Unlock()
}

func newRequestID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// uuid.NewV7 only fails if crypto/rand is broken; fall back to
		// a V4 id rather than propagate an error from every dispatch
		// call for a failure mode this unlikely.
		return uuid.NewString()
	}
	return id.String()
}

// Query runs sql against the local pool, with retry and circuit-breaker
// protection independent of every worker's own breaker.
func (d *Dispatcher) Query(ctx context.Context, sql string, args ...any) (Result, error) {
	if err := d.ensureInit(ctx); err != nil {
		return Result{}, err
	}

	d.mu.Lock()
	down := d.shuttingDown
	d.mu.Unlock()
	if down {
		return Result{}, ErrShutdown
	}

	start := time.Now()
	var result Result
	err := d.localRetrier.Do(ctx, func(ctx context.Context) error {
		v, execErr := d.localBreaker.Execute(ctx, func() (any, error) {
			return runLocalQuery(ctx, d.localPool, sql, args...)
		})
		if execErr != nil {
			return execErr
		}
		result = v.(Result)
		return nil
	})

	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	if d.metric != nil {
		d.metric.RecordDispatch("query", outcome, time.Since(start).Seconds())
	}
	if err != nil {
		return Result{}, classify.Wrap(err)
	}
	return result, nil
}

// Task runs task on a worker goroutine, round-robin scheduled, with
// args deep-copied through the value-only codec before crossing the
// worker boundary and the result deep-copied on the way back.
func (d *Dispatcher) Task(ctx context.Context, task TaskDescriptor, args ...any) (any, error) {
	if err := d.ensureInit(ctx); err != nil {
		return nil, err
	}

	copiedArgs, err := transport.DeepCopyArgs(args)
	if err != nil {
		return nil, classify.Wrap(err)
	}

	slot, err := d.acquireSlot()
	if err != nil {
		return nil, err
	}
	defer d.releaseSlot(slot)

	start := time.Now()
	reqID := newRequestID()
	replyCh := d.registerPending(reqID)

	env := transport.Envelope{RequestID: reqID, Task: &transport.Task{Name: task.name, Args: copiedArgs}}
	if err := slot.transport.Send(ctx, env); err != nil {
		d.removePending(reqID)
		return nil, classify.Wrap(err)
	}

	select {
	case reply := <-replyCh:
		d.recordTaskOutcome(start, reply.Err)
		if reply.Err != nil {
			return nil, reply.Err
		}
		return reply.Data, nil
	case <-ctx.Done():
		d.removePending(reqID)
		d.recordTaskOutcome(start, ctx.Err())
		return nil, ctx.Err()
	}
}

func (d *Dispatcher) recordTaskOutcome(start time.Time, err error) {
	if d.metric == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	d.metric.RecordDispatch("task", outcome, time.Since(start).Seconds())
}

// Session starts a session on a round-robin scheduled worker, runs
// body's function with a *Session proxy bound to that worker's checked-
// out client, and releases the client unconditionally once body returns
// (including via a recovered panic), matching CheckedOutClient's
// release-on-every-exit-path lifecycle.
func (d *Dispatcher) Session(ctx context.Context, body SessionDescriptor, args ...any) (result any, err error) {
	if err := d.ensureInit(ctx); err != nil {
		return nil, err
	}

	slot, err := d.acquireSlot()
	if err != nil {
		return nil, err
	}
	defer d.releaseSlot(slot)

	sessionID := newRequestID()
	startReqID := newRequestID()
	startReply := d.registerPending(startReqID)

	startEnv := transport.Envelope{RequestID: startReqID, SessionStart: &transport.SessionStart{SessionID: sessionID}}
	if err := slot.transport.Send(ctx, startEnv); err != nil {
		d.removePending(startReqID)
		return nil, classify.Wrap(err)
	}

	select {
	case reply := <-startReply:
		if reply.Err != nil {
			return nil, reply.Err
		}
	case <-ctx.Done():
		d.removePending(startReqID)
		return nil, ctx.Err()
	}

	sess := &Session{id: sessionID, dispatcher: d, slot: slot}
	defer func() {
		if p := recover(); p != nil {
			sess.release()
			panic(p)
		}
		sess.release()
	}()

	var fn taskregistry.SessionFunc
	if body.inline != nil {
		fn = body.inline
	} else {
		fn, err = d.registry.LookupSessionFunc(body.name)
		if err != nil {
			return nil, classify.Wrap(err)
		}
	}

	return fn(ctx, sessionQuerierAdapter{sess}, args...)
}

// Shutdown terminates every worker goroutine and closes every pool
// unconditionally, per spec.md's Shutdown semantics (SPEC_FULL.md §9,
// item 4): it does not wait for in-flight operations. Callers wanting a
// bounded drain period should race their own context deadline against
// Shutdown rather than expect Shutdown itself to wait.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if d.shuttingDown {
		d.mu.Unlock()
		return nil
	}
	d.shuttingDown = true
	for id, ch := range d.pending {
		ch <- transport.Reply{RequestID: id, Err: ErrShutdown}
		delete(d.pending, id)
	}
	d.mu.Unlock()

	if d.poolObserveStop != nil {
		close(d.poolObserveStop)
		<-d.poolObserveDone
	}

	for _, slot := range d.slots {
		if slot.transport != nil {
			slot.transport.Terminate()
		}
		if slot.runtime != nil {
			slot.runtime.Close()
		}
	}
	if d.localPool != nil {
		d.localPool.Close()
	}
	return nil
}

// runLocalQuery executes sql against pool and materializes the result,
// grounded on the teacher's PoolQuerier.Query/pgx.Rows.Values pattern.
func runLocalQuery(ctx context.Context, pool *pgpool.Pool, sql string, args ...any) (Result, error) {
	rows, err := pgpool.Query(ctx, pool.Raw(), sql, args...)
	if err != nil {
		return Result{}, err
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	columns := make([]string, len(fields))
	for i, f := range fields {
		columns[i] = string(f.Name)
	}

	var rawRows [][]any
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return Result{}, err
		}
		rawRows = append(rawRows, values)
	}
	if err := rows.Err(); err != nil {
		return Result{}, err
	}

	return resultFromQueryResult(transport.QueryResult{Columns: columns, Rows: rawRows}), nil
}
