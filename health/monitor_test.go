package health

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fibersight/fiberstream/component"
)

func TestMonitorUpdateAndGet(t *testing.T) {
	m := NewMonitor()

	m.UpdateHealthy("transport", "connection open")
	m.UpdateUnhealthy("store", "sweep stalled")

	status, ok := m.Get("transport")
	require.True(t, ok)
	assert.True(t, status.IsHealthy())
	assert.Equal(t, "transport", status.Component)

	_, ok = m.Get("missing")
	assert.False(t, ok)

	all := m.GetAll()
	assert.Len(t, all, 2)
}

func TestAggregateRules(t *testing.T) {
	tests := []struct {
		name string
		subs []Status
		want string
	}{
		{"empty is healthy", nil, "healthy"},
		{"all healthy", []Status{NewHealthy("a", ""), NewHealthy("b", "")}, "healthy"},
		{"one degraded", []Status{NewHealthy("a", ""), NewDegraded("b", "")}, "degraded"},
		{"unhealthy wins", []Status{NewDegraded("a", ""), NewUnhealthy("b", "")}, "unhealthy"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Aggregate("system", tt.subs)
			assert.Equal(t, tt.want, got.Status)
			assert.Len(t, got.SubStatuses, len(tt.subs))
		})
	}
}

func TestFromComponentRedactsSensitiveDetails(t *testing.T) {
	ch := component.HealthStatus{
		Healthy:    false,
		LastCheck:  time.Now(),
		ErrorCount: 3,
		LastError:  "dial wss://stream.example.com/ws/status failed, token=abc123",
		Uptime:     time.Minute,
	}

	status := FromComponent("transport", ch)
	assert.False(t, status.Healthy)
	assert.NotContains(t, status.Message, "stream.example.com")
	assert.NotContains(t, status.Message, "abc123")
	require.NotNil(t, status.Metrics)
	assert.Equal(t, 3, status.Metrics.ErrorCount)
}
