// Package taskregistry is the compiled-in function registry standing in
// for "load a task module by path and export name" in a language that
// has no safe dynamic-code-loading primitive for this purpose. A program
// using this module registers its task and session functions against a
// stable string name before calling Warmup/Task/Session; the name plays
// the role spec.md's "module path + export name" pair plays in a
// dynamic-language worker pool.
package taskregistry

import (
	"context"
	"fmt"
	"sync"
)

// TaskFunc is the shape every registered task function must have. args
// and the returned value are both carried across the worker boundary
// through the gob-based value-only codec, so both must be
// gob-serializable.
type TaskFunc func(args ...any) (any, error)

// SessionQuerier is the capability a session body is given to issue
// further queries against the worker-held client that is bound to its
// session for the call's dynamic extent. It is satisfied by
// *pgparallel.Session (via a small adapter) so that this package never
// needs to import the root package, avoiding an import cycle.
type SessionQuerier interface {
	Query(ctx context.Context, sql string, args ...any) (any, error)
}

// SessionFunc is the shape every registered session body must have. A
// session body runs on the caller's own goroutine (not inside the
// worker), so unlike TaskFunc it is exempt from the value-only codec:
// see transport.SessionStart's doc comment and SPEC_FULL.md §4.1 for
// why Session bodies may be inline closures while Task bodies may not.
type SessionFunc func(ctx context.Context, q SessionQuerier, args ...any) (any, error)

// Registry holds named task and session functions. The zero value is
// not usable; construct with New.
type Registry struct {
	mu       sync.RWMutex
	tasks    map[string]TaskFunc
	sessions map[string]SessionFunc
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		tasks:    make(map[string]TaskFunc),
		sessions: make(map[string]SessionFunc),
	}
}

// RegisterTask associates name with fn. Registering the same name twice
// replaces the previous function, matching how re-importing a task
// module would rebind its exports.
func (r *Registry) RegisterTask(name string, fn TaskFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[name] = fn
}

// RegisterSessionFunc associates name with fn.
func (r *Registry) RegisterSessionFunc(name string, fn SessionFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[name] = fn
}

// LookupTask resolves name to a TaskFunc, returning an error worded to
// match spec.md's "task not found" operational signal exactly
// ("task '<name>' not found or not a function") so callers can surface
// it unchanged.
func (r *Registry) LookupTask(name string) (TaskFunc, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.tasks[name]
	if !ok {
		return nil, fmt.Errorf("task '%s' not found or not a function", name)
	}
	return fn, nil
}

// LookupSessionFunc resolves name to a SessionFunc, using the same
// "not found or not a function" wording as LookupTask since spec.md
// draws no distinction between the two lookup failures.
func (r *Registry) LookupSessionFunc(name string) (SessionFunc, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.sessions[name]
	if !ok {
		return nil, fmt.Errorf("task '%s' not found or not a function", name)
	}
	return fn, nil
}
