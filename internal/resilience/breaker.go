package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/iruldev/pgparallel/internal/metrics"
	"github.com/iruldev/pgparallel/internal/xlog"
)

// State is the circuit breaker's current state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// Breaker is a hand-rolled circuit breaker implementing the CLOSED ->
// OPEN -> HALF_OPEN -> {CLOSED, OPEN} transition table directly, rather
// than wrapping a third-party breaker library: the two half-open knobs
// (how many trial calls are admitted, how many of those must succeed to
// close) are independently configurable and tracked as separate
// counters, which off-the-shelf breakers that conflate the two into a
// single "MaxRequests" field cannot provide. The counters are internal;
// State is the only accessor.
type Breaker struct {
	name   string
	cfg    BreakerConfig
	logger *xlog.Logger
	metric *metrics.Registry

	mu                sync.Mutex
	state             State
	consecutiveFails  int
	openedAt          time.Time
	halfOpenPermits   int
	halfOpenSuccesses int
}

// NewBreaker builds a Breaker named name (used in logs/metrics labels)
// from cfg. A nil logger disables logging; a nil metric registry
// disables instrumentation.
func NewBreaker(name string, cfg BreakerConfig, logger *xlog.Logger, metric *metrics.Registry) *Breaker {
	b := &Breaker{
		name:   name,
		cfg:    cfg,
		logger: logger,
		metric: metric,
		state:  StateClosed,
	}
	if b.metric != nil {
		b.metric.SetBreakerState(name, string(StateClosed))
	}
	return b
}

// State returns the breaker's current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentStateLocked()
}

// currentStateLocked applies the OPEN->HALF_OPEN time-based transition
// lazily (there is no background goroutine driving it) and must be
// called with b.mu held.
func (b *Breaker) currentStateLocked() State {
	if b.state == StateOpen && time.Since(b.openedAt) >= b.cfg.Cooldown {
		b.transitionLocked(StateHalfOpen)
	}
	return b.state
}

// Execute runs fn under the breaker's protection. If the breaker is open
// (or half-open with no trial permits left), it returns ErrCircuitOpen
// without calling fn. Every call, whether admitted or rejected, updates
// the breaker's state per the transition table.
func (b *Breaker) Execute(ctx context.Context, fn func() (any, error)) (result any, err error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if !b.admit() {
		return nil, ErrCircuitOpen
	}

	defer func() {
		if p := recover(); p != nil {
			// A panicking call still counts as a failure against the
			// breaker's state machine before it keeps propagating.
			b.report(errPanic)
			panic(p)
		}
	}()

	result, err = fn()
	b.report(err)
	return result, err
}

// admit decides whether a call may proceed, consuming a half-open permit
// if applicable, and returns false if the call must be rejected.
func (b *Breaker) admit() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.currentStateLocked() {
	case StateClosed:
		return true
	case StateOpen:
		xlog.Warn(b.logger, "circuit breaker rejected call", "name", b.name, "state", string(StateOpen))
		return false
	case StateHalfOpen:
		if b.halfOpenPermits >= b.cfg.HalfOpenMaxCalls {
			xlog.Warn(b.logger, "circuit breaker rejected call", "name", b.name, "state", string(StateHalfOpen))
			return false
		}
		b.halfOpenPermits++
		return true
	default:
		return false
	}
}

// report records the outcome of an admitted call and applies the
// transition table's success/failure rules for the breaker's state at
// the time the outcome is reported, which may differ from the state the
// call was admitted under if other calls changed it in between.
func (b *Breaker) report(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		if err == nil {
			b.consecutiveFails = 0
			return
		}
		b.consecutiveFails++
		if b.consecutiveFails >= b.cfg.FailureThreshold {
			b.transitionLocked(StateOpen)
		}
	case StateHalfOpen:
		if err == nil {
			b.halfOpenSuccesses++
			if b.halfOpenSuccesses >= b.cfg.HalfOpenSuccessesToClose {
				b.transitionLocked(StateClosed)
			}
			return
		}
		// Any half-open failure reopens the circuit immediately.
		b.transitionLocked(StateOpen)
	case StateOpen:
		// No call is admitted while open; an outcome arriving now belongs
		// to a call admitted before the breaker opened and is ignored.
	}
}

// transitionLocked moves the breaker to state to, resetting the counters
// owned by the state being entered. Must be called with b.mu held.
func (b *Breaker) transitionLocked(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to

	switch to {
	case StateOpen:
		b.openedAt = time.Now()
		b.halfOpenPermits = 0
		b.halfOpenSuccesses = 0
	case StateHalfOpen:
		b.halfOpenPermits = 0
		b.halfOpenSuccesses = 0
	case StateClosed:
		b.consecutiveFails = 0
		b.halfOpenPermits = 0
		b.halfOpenSuccesses = 0
	}

	if b.metric != nil {
		b.metric.SetBreakerState(b.name, string(to))
		b.metric.RecordBreakerTransition(b.name, string(from), string(to))
	}

	if to == StateOpen {
		xlog.Warn(b.logger, "circuit breaker state changed", "name", b.name, "from", string(from), "to", string(to))
	} else {
		xlog.Info(b.logger, "circuit breaker state changed", "name", b.name, "from", string(from), "to", string(to))
	}
}
