package pgparallel

import (
	"context"

	"github.com/iruldev/pgparallel/internal/taskregistry"
)

// Result is the shape returned by Query and by a Session's Query method:
// the column names in order and one map per row keyed by column name.
// Neither Query nor Session.Query sets RowsAffected; it is always zero.
type Result struct {
	Columns      []string
	Rows         []map[string]any
	RowsAffected int64
}

// TaskDescriptor names the function a Task call should run. Task bodies
// are always registry-named (see SPEC_FULL.md §4.1): there is no
// TaskDescriptor constructor accepting a raw closure, because a Task's
// args and result are always marshalled through the gob-based
// value-only codec, and a closure would defeat that contract outright.
type TaskDescriptor struct {
	name string
}

// RegisteredTask builds a TaskDescriptor naming a task function
// previously registered with Dispatcher.RegisterTask.
func RegisteredTask(name string) TaskDescriptor {
	return TaskDescriptor{name: name}
}

// SessionDescriptor names or supplies the function a Session call should
// run. Unlike TaskDescriptor, a SessionDescriptor may wrap an inline
// closure: a session body runs on the calling goroutine, never crossing
// the worker boundary itself (only its Query calls do), so it carries no
// serialization obligation.
type SessionDescriptor struct {
	name   string
	inline taskregistry.SessionFunc
}

// RegisteredSessionFunc builds a SessionDescriptor naming a session
// function previously registered with Dispatcher.RegisterSessionFunc.
func RegisteredSessionFunc(name string) SessionDescriptor {
	return SessionDescriptor{name: name}
}

// InlineFunc builds a SessionDescriptor from fn directly, useful for
// quick scripts and tests. Session calls fn as given; it does not go
// through the registry.
func InlineFunc(fn func(ctx context.Context, q taskregistry.SessionQuerier, args ...any) (any, error)) SessionDescriptor {
	return SessionDescriptor{inline: fn}
}
