package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistersCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.EventsEmitted.WithLabelValues("ObjectAllocated").Inc()
	m.AllocsSuppressed.Add(3)
	m.BytesRepresented.Add(128)
	m.ChunksEmitted.Inc()
	m.Errors.Inc()

	assert.Equal(t, float64(3), testutil.ToFloat64(m.AllocsSuppressed))
	assert.Equal(t, float64(128), testutil.ToFloat64(m.BytesRepresented))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.EventsEmitted.WithLabelValues("ObjectAllocated")))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.Len(t, families, 5)
}

func TestNewNilRegistry(t *testing.T) {
	m := New(nil)
	m.Errors.Inc()
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Errors))
}
