package transport

import (
	"context"
	"sync"
)

// Handler processes one inbound Envelope and produces its Reply. The
// worker runtime supplies this as the actual dispatch logic (task
// lookup, session bookkeeping, retry+breaker wrapping); Local itself
// only owns the channel plumbing and the receive loop that drives
// Handler.
type Handler func(ctx context.Context, msg Envelope) Reply

// Local is the in-process Transport implementation: a worker backed by a
// buffered Go channel pair instead of a subprocess or socket. This is
// the realization of spec.md's "dedicated OS-level worker" transport in
// a single Go process, where a goroutine plays the worker's role (see
// SPEC_FULL.md's "Go realization of OS-level worker").
type Local struct {
	id      int
	handler Handler
	out     chan Envelope
	in      chan Reply

	closeOnce sync.Once
	done      chan struct{}
}

// NewLocal builds a Local transport for worker id with the given
// handler and channel buffer size.
func NewLocal(id int, handler Handler, bufSize int) *Local {
	return &Local{
		id:      id,
		handler: handler,
		out:     make(chan Envelope, bufSize),
		in:      make(chan Reply, bufSize),
		done:    make(chan struct{}),
	}
}

// Spawn starts the worker goroutine: a receive loop over out, invoking
// handler for each Envelope and publishing its Reply to in.
func (l *Local) Spawn(ctx context.Context) error {
	go func() {
		defer close(l.in)
		for {
			select {
			case <-l.done:
				return
			case <-ctx.Done():
				return
			case msg, ok := <-l.out:
				if !ok {
					return
				}
				reply := l.handler(ctx, msg)
				reply.WorkerID = l.id
				select {
				case l.in <- reply:
				case <-l.done:
					return
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return nil
}

// Send delivers msg to the worker goroutine, respecting ctx
// cancellation while the outbound channel is full.
func (l *Local) Send(ctx context.Context, msg Envelope) error {
	select {
	case <-l.done:
		return ErrTerminated
	default:
	}

	select {
	case l.out <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-l.done:
		return ErrTerminated
	}
}

// Inbound returns the channel of replies from this worker.
func (l *Local) Inbound() <-chan Reply {
	return l.in
}

// Terminate stops the worker goroutine unconditionally; the goroutine
// itself closes the inbound channel once it observes the stop signal.
// Safe to call more than once.
func (l *Local) Terminate() {
	l.closeOnce.Do(func() {
		close(l.done)
	})
}

// ErrTerminated is returned by Send once Terminate has been called.
var ErrTerminated = localError("transport: terminated")

type localError string

func (e localError) Error() string { return string(e) }
