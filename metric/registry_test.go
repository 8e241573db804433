package metric

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterAndUnregister(t *testing.T) {
	reg := NewRegistry()

	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fiberstream",
		Subsystem: "test",
		Name:      "events_total",
		Help:      "Test counter",
	})

	require.NoError(t, reg.RegisterCounter("client", "events_total", counter))
	assert.True(t, reg.Unregister("client", "events_total"))
	assert.False(t, reg.Unregister("client", "events_total"))
}

func TestDuplicateRegistrationRejected(t *testing.T) {
	reg := NewRegistry()

	gauge := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "fiberstream",
		Subsystem: "test",
		Name:      "nodes",
		Help:      "Test gauge",
	})

	require.NoError(t, reg.RegisterGauge("store", "nodes", gauge))
	err := reg.RegisterGauge("store", "nodes", gauge)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate metric registration")
}

func TestHandlerServesRegistry(t *testing.T) {
	reg := NewRegistry()
	assert.NotNil(t, reg.Handler())
	assert.NotNil(t, reg.PrometheusRegistry())
}
