package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gaugeValue(t *testing.T, vec *prometheus.GaugeVec, labels ...string) float64 {
	t.Helper()
	m := &dto.Metric{}
	require.NoError(t, vec.WithLabelValues(labels...).Write(m))
	return m.GetGauge().GetValue()
}

func counterValue(t *testing.T, vec *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()
	m := &dto.Metric{}
	require.NoError(t, vec.WithLabelValues(labels...).Write(m))
	return m.GetCounter().GetValue()
}

func TestSetBreakerState_OnlyCurrentStateIsOne(t *testing.T) {
	r := NewRegistry(nil)
	r.SetBreakerState("local", string(StateOpen))

	assert.Equal(t, 0.0, gaugeValue(t, r.breakerState, "local", string(StateClosed)))
	assert.Equal(t, 1.0, gaugeValue(t, r.breakerState, "local", string(StateOpen)))
	assert.Equal(t, 0.0, gaugeValue(t, r.breakerState, "local", string(StateHalfOpen)))
}

func TestRecordBreakerTransition(t *testing.T) {
	r := NewRegistry(nil)
	r.RecordBreakerTransition("worker-0", string(StateClosed), string(StateOpen))
	r.RecordBreakerTransition("worker-0", string(StateClosed), string(StateOpen))

	assert.Equal(t, 2.0, counterValue(t, r.breakerTransitions, "worker-0", string(StateClosed), string(StateOpen)))
}

func TestRecordDispatch(t *testing.T) {
	r := NewRegistry(nil)
	r.RecordDispatch("query", "success", 0.01)
	r.RecordDispatch("query", "success", 0.02)

	assert.Equal(t, 2.0, counterValue(t, r.dispatchTotal, "query", "success"))
}

func TestObservePool_NilPoolIsNoOp(t *testing.T) {
	r := NewRegistry(nil)
	r.ObservePool("local", nil)
	assert.Equal(t, 0.0, gaugeValue(t, r.poolConnsInUse, "local"))
}

func TestNewRegistry_CreatesFreshRegistryWhenNil(t *testing.T) {
	r := NewRegistry(nil)
	require.NotNil(t, r.Gatherer())

	// A vector collector only yields a family once it has a child.
	r.RecordDispatch("query", "success", 0.01)

	families, err := r.Gatherer().Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}
