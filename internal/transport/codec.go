package transport

import (
	"bytes"
	"encoding/gob"
	"fmt"
)

func init() {
	// QueryResult (query replies) and map[string]any (the worker's
	// session-start reply) travel through an any-typed Reply.Data, so
	// this package registers them rather than requiring every caller to
	// remember to.
	gob.Register(QueryResult{})
	gob.Register(map[string]any{})
}

// DeepCopyValue round-trips v through encoding/gob, returning a value
// with no live references to v. This is the mechanism behind spec.md
// §4.2/§4.6's "deep, value-only copy... no live references, no
// functions, no cyclic structures" rule: encoding/gob already refuses to
// encode funcs, channels and unexported-only structs, and a decode
// always produces fresh memory, so one round trip gets both the
// deep-copy guarantee and the value-only validation in a single step.
// See SPEC_FULL.md §4.6.1 for why this is encoding/gob rather than a
// third-party deep-copy library.
func DeepCopyValue(v any) (any, error) {
	if v == nil {
		return nil, nil
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&v); err != nil {
		return nil, fmt.Errorf("transport: value is not value-only (encode): %w", err)
	}

	var out any
	if err := gob.NewDecoder(&buf).Decode(&out); err != nil {
		return nil, fmt.Errorf("transport: value is not value-only (decode): %w", err)
	}
	return out, nil
}

// Register makes a concrete type usable as a Task/Session arg or result.
// encoding/gob pre-registers the basic Go types (ints, floats, strings,
// bool, []byte and a handful of builtin slice types) but requires every
// other concrete type that will cross the value-only boundary through an
// any-typed arg or result to be registered once at program startup, the
// same requirement a gob.Register call would carry anywhere else.
func Register(value any) {
	gob.Register(value)
}

// DeepCopyArgs applies DeepCopyValue to every element of args, used to
// enforce the arg-copy half of a Task dispatch before the Envelope is
// handed to the channel.
func DeepCopyArgs(args []any) ([]any, error) {
	if args == nil {
		return nil, nil
	}
	out := make([]any, len(args))
	for i, a := range args {
		v, err := DeepCopyValue(a)
		if err != nil {
			return nil, fmt.Errorf("transport: arg %d: %w", i, err)
		}
		out[i] = v
	}
	return out, nil
}
