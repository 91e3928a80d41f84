package worker

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iruldev/pgparallel/internal/classify"
	"github.com/iruldev/pgparallel/internal/resilience"
	"github.com/iruldev/pgparallel/internal/taskregistry"
	"github.com/iruldev/pgparallel/internal/transport"
)

func newTestRuntime(t *testing.T) *Runtime {
	t.Helper()
	registry := taskregistry.New()
	retryCfg := resilience.DefaultRetryConfig()
	retryCfg.MaxAttempts = 1
	return &Runtime{
		id:       0,
		registry: registry,
		retrier:  resilience.NewRetrier("test", retryCfg, nil),
		breaker:  resilience.NewBreaker("test", resilience.DefaultBreakerConfig(), nil, nil),
		clients:  make(map[string]*checkedOutClient),
	}
}

func TestHandle_TaskSuccess(t *testing.T) {
	r := newTestRuntime(t)
	r.registry.RegisterTask("double", func(args ...any) (any, error) {
		return args[0].(int) * 2, nil
	})

	reply := r.Handle(context.Background(), transport.Envelope{
		RequestID: "r1",
		Task:      &transport.Task{Name: "double", Args: []any{21}},
	})

	require.NoError(t, reply.Err)
	assert.Equal(t, "r1", reply.RequestID)
	assert.Equal(t, 42, reply.Data)
}

func TestHandle_TaskNotFound(t *testing.T) {
	r := newTestRuntime(t)

	reply := r.Handle(context.Background(), transport.Envelope{
		RequestID: "r1",
		Task:      &transport.Task{Name: "missing"},
	})

	require.Error(t, reply.Err)
	assert.Contains(t, reply.Err.Error(), "missing")
}

func TestHandle_TaskError(t *testing.T) {
	r := newTestRuntime(t)
	wantErr := errors.New("boom")
	r.registry.RegisterTask("fail", func(args ...any) (any, error) {
		return nil, wantErr
	})

	reply := r.Handle(context.Background(), transport.Envelope{
		RequestID: "r1",
		Task:      &transport.Task{Name: "fail"},
	})

	require.Error(t, reply.Err)
	assert.Equal(t, classify.Unknown, classify.CategoryOf(reply.Err))
}

func TestHandle_TaskPanicIsRecovered(t *testing.T) {
	r := newTestRuntime(t)
	r.registry.RegisterTask("panics", func(args ...any) (any, error) {
		panic("boom")
	})

	reply := r.Handle(context.Background(), transport.Envelope{
		RequestID: "r1",
		Task:      &transport.Task{Name: "panics"},
	})

	require.Error(t, reply.Err)
	assert.Contains(t, reply.Err.Error(), "boom")
}

func TestHandle_SessionQueryUnknownSession(t *testing.T) {
	r := newTestRuntime(t)

	reply := r.Handle(context.Background(), transport.Envelope{
		RequestID:    "r1",
		SessionQuery: &transport.SessionQuery{SessionID: "nope", SQL: "select 1"},
	})

	require.Error(t, reply.Err)
	assert.Contains(t, reply.Err.Error(), "nope")
}

func TestHandle_NoRecognizedMessage(t *testing.T) {
	r := newTestRuntime(t)

	reply := r.Handle(context.Background(), transport.Envelope{RequestID: "r1"})

	require.Error(t, reply.Err)
}

func TestReleaseSession_NoOpWhenUnknown(t *testing.T) {
	r := newTestRuntime(t)
	// Must not panic when the session id was never checked out.
	r.ReleaseSession("unknown")
}
