package pgparallel

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/iruldev/pgparallel/internal/classify"
	"github.com/iruldev/pgparallel/internal/transport"
)

// Session is the proxy handed to a session body for the dynamic extent
// of one Dispatcher.Session call. It is valid only until that call
// returns: every method called afterward reports a "session has been
// released" error, since by that point the worker has released the
// underlying client.
type Session struct {
	id         string
	dispatcher *Dispatcher
	slot       *workerSlot

	released atomic.Bool
}

// Query runs sql against the client this session checked out, always on
// the same worker connection a prior call in this session used.
func (s *Session) Query(ctx context.Context, sql string, args ...any) (Result, error) {
	if s.released.Load() {
		return Result{}, sessionReleasedError(s.id)
	}

	copiedArgs, err := transport.DeepCopyArgs(args)
	if err != nil {
		return Result{}, classify.Wrap(err)
	}

	reqID := newRequestID()
	replyCh := s.dispatcher.registerPending(reqID)

	env := transport.Envelope{
		RequestID:    reqID,
		SessionQuery: &transport.SessionQuery{SessionID: s.id, SQL: sql, Args: copiedArgs},
	}
	if err := s.slot.transport.Send(ctx, env); err != nil {
		s.dispatcher.removePending(reqID)
		return Result{}, classify.Wrap(err)
	}

	select {
	case reply := <-replyCh:
		if reply.Err != nil {
			return Result{}, reply.Err
		}
		qr, _ := reply.Data.(transport.QueryResult)
		return resultFromQueryResult(qr), nil
	case <-ctx.Done():
		s.dispatcher.removePending(reqID)
		return Result{}, ctx.Err()
	}
}

// release invalidates the session proxy and tells the worker to give up
// the checked-out client. Called by the dispatcher once the session
// body function returns, on every exit path (including a recovered
// panic), matching CheckedOutClient's release lifecycle.
func (s *Session) release() {
	s.released.Store(true)
	if s.slot != nil && s.slot.runtime != nil {
		s.slot.runtime.ReleaseSession(s.id)
	}
}

func sessionReleasedError(id string) error {
	return classify.New(classify.Unavailable, fmt.Sprintf("session %s has been released", id))
}

// sessionQuerierAdapter lets *Session satisfy taskregistry.SessionQuerier
// (whose Query method returns `any`, not Result) without taskregistry
// needing to import this package back.
type sessionQuerierAdapter struct{ session *Session }

func (a sessionQuerierAdapter) Query(ctx context.Context, sql string, args ...any) (any, error) {
	return a.session.Query(ctx, sql, args...)
}

func resultFromQueryResult(qr transport.QueryResult) Result {
	rows := make([]map[string]any, len(qr.Rows))
	for i, values := range qr.Rows {
		row := make(map[string]any, len(qr.Columns))
		for j, col := range qr.Columns {
			if j < len(values) {
				row[col] = values[j]
			}
		}
		rows[i] = row
	}
	return Result{Columns: qr.Columns, Rows: rows}
}
