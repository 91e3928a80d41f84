// Package transport is the message-passing boundary between the
// dispatcher and each worker goroutine. It is grounded on the pyproc
// retrieval pack's TransportPool/Transport shape (request/response
// envelopes exchanged with a remote worker process) generalized to an
// in-process, channel-backed implementation: each worker's Transport is
// a pair of buffered Go channels rather than a socket, and the
// request/response envelope types below play the role pyproc's
// protocol.Request/protocol.Response play.
package transport

import "context"

// Transport is implemented by whatever carries messages to and from one
// worker. The dispatcher never talks to a worker goroutine directly —
// only through this interface — so a future out-of-process
// implementation (a real subprocess, a unix socket) could satisfy the
// same contract.
type Transport interface {
	// Spawn starts the worker side of this transport (the goroutine
	// that reads the messages passed to Send and writes replies to
	// Inbound).
	Spawn(ctx context.Context) error
	// Send delivers msg to the worker side. It does not block on a
	// reply; correlate replies via Inbound and the message's RequestID.
	Send(ctx context.Context, msg Envelope) error
	// Inbound returns a receive-only channel of replies from the
	// worker.
	Inbound() <-chan Reply
	// Terminate stops the worker side unconditionally, closing Inbound.
	Terminate()
}

// Envelope is the outbound message shape: exactly one of Task,
// SessionStart or SessionQuery is set, mirroring spec.md §4.6's three
// outbound message kinds.
type Envelope struct {
	RequestID    string
	Task         *Task
	SessionStart *SessionStart
	SessionQuery *SessionQuery
}

// Task asks a worker to run a registered task function with args.
type Task struct {
	Name string
	Args []any
}

// SessionStart asks a worker to check out one dedicated client and file
// it under SessionID. The session body itself never crosses into the
// worker — it runs on the dispatcher's calling goroutine, issuing
// SessionQuery messages one at a time — so this message carries nothing
// beyond the id to bind the checkout to.
type SessionStart struct {
	SessionID string
}

// SessionQuery asks the worker holding SessionID's checked-out client to
// run one more query against it.
type SessionQuery struct {
	SessionID string
	SQL       string
	Args      []any
}

// Reply is the inbound message shape: a worker's answer to exactly one
// prior Envelope, correlated by RequestID.
type Reply struct {
	RequestID string
	WorkerID  int
	Data      any
	Err       error
}

// QueryResult is the wire shape a SessionQuery reply's Data carries:
// column names in their query-result order alongside each row's values
// in the same order, rather than one map per row, so column order
// survives the value-only codec round trip (map iteration order does
// not).
type QueryResult struct {
	Columns []string
	Rows    [][]any
}
