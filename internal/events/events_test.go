package events

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRingBufferDropsOldestPastCapacity(t *testing.T) {
	rb := NewRingBuffer(2)
	rb.Emit("a", nil)
	rb.Emit("b", nil)
	rb.Emit("c", nil)

	recent := rb.Recent(10)
	require.Len(t, recent, 2)
	assert.Equal(t, "c", recent[0].Name)
	assert.Equal(t, "b", recent[1].Name)
}

func TestRingBufferRecentCapsAtAvailable(t *testing.T) {
	rb := NewRingBuffer(10)
	rb.Emit("a", nil)
	assert.Len(t, rb.Recent(5), 1)
}

func TestMultiFansOutToAllSinks(t *testing.T) {
	a, b := NewRingBuffer(5), NewRingBuffer(5)
	m := NewMulti(a, b, nil)
	m.Emit("x", map[string]any{"k": "v"})

	assert.Len(t, a.Recent(5), 1)
	assert.Len(t, b.Recent(5), 1)
}

func TestMetricsEmitUpdatesCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.Emit("invocation_completed", map[string]any{"provider_id": "p1", "tool": "add", "result": "ok", "duration_s": 0.01})
	m.Emit("provider_ready", map[string]any{"provider_id": "p1"})
	m.Emit("provider_degraded", map[string]any{"provider_id": "p1"})

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}
