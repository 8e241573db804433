package event

import (
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyExplicitAlert(t *testing.T) {
	ev := Classify([]byte(`{"type":"alert","level":"critical","message":"x"}`))

	require.Equal(t, KindAlert, ev.Kind)
	require.NotNil(t, ev.Alert)
	assert.Equal(t, LevelCritical, ev.Alert.Level)
	assert.Equal(t, "x", ev.Alert.Message)
	assert.NotEmpty(t, ev.Alert.ID, "missing alert id must be generated")
	assert.False(t, ev.Alert.CreatedAt.IsZero())
}

func TestClassifyShapeInferredTopology(t *testing.T) {
	payload := []byte(`{"nodes":[{"id":"n1"},{"id":"n2"}],"links":[{"id":"l1","source":"n1","target":"n2"}]}`)
	ev := Classify(payload)

	require.Equal(t, KindTopology, ev.Kind)
	require.NotNil(t, ev.Topology)
	assert.Len(t, ev.Topology.Nodes, 2)
	assert.Len(t, ev.Topology.Links, 1)
	assert.Equal(t, "n1", ev.Topology.Links[0].Source.String())
}

func TestClassifyExplicitTopologyUpdateWithNumericVersion(t *testing.T) {
	ev := Classify([]byte(`{"type":"topology_update","version":7,"nodes":[],"links":[]}`))
	require.Equal(t, KindTopology, ev.Kind)
	assert.Equal(t, "7", ev.Topology.Version)
}

func TestClassifyMetricsClampsPercentages(t *testing.T) {
	payload := []byte(`{"type":"snmp_metrics","host":"olt-01","cpu":140.5,"mem":-3,` +
		`"disks":[{"name":"/var","used_percent":101}],"ts":1700000000000,"ttl":5000}`)
	ev := Classify(payload)

	require.Equal(t, KindMetrics, ev.Kind)
	m := ev.Metrics
	require.NotNil(t, m)
	assert.Equal(t, "olt-01", m.Host)
	assert.Equal(t, 100.0, *m.CPU)
	assert.Equal(t, 0.0, *m.Mem)
	assert.Equal(t, 100.0, m.Disks[0].UsedPercent)
	assert.Equal(t, 5*time.Second, m.TTL)
	assert.Equal(t, time.UnixMilli(1700000000000), m.Timestamp)
}

func TestClassifyShapeInferredMetrics(t *testing.T) {
	ev := Classify([]byte(`{"host":"sw-07","cpu":12.5}`))
	require.Equal(t, KindMetrics, ev.Kind)
	assert.Equal(t, "sw-07", ev.Metrics.Host)
	assert.Zero(t, ev.Metrics.TTL, "absent ttl means no automatic expiry")
}

func TestClassifyShapeInferredAlertViaSeverity(t *testing.T) {
	ev := Classify([]byte(`{"message":"link degraded","severity":"warning","host":"pop-3"}`))
	require.Equal(t, KindAlert, ev.Kind)
	assert.Equal(t, LevelWarn, ev.Alert.Level)
	assert.Equal(t, "pop-3", ev.Alert.Host)
}

func TestClassifyPingVariants(t *testing.T) {
	for _, payload := range []string{`"ping"`, `ping`, `{"type":"ping"}`} {
		ev := Classify([]byte(payload))
		assert.Equal(t, KindPing, ev.Kind, "payload %q", payload)
	}
	assert.Equal(t, KindPong, Classify([]byte(`{"type":"pong"}`)).Kind)
}

func TestClassifyCommandResponse(t *testing.T) {
	ev := Classify([]byte(`{"type":"command_response","commandId":"cmd-9","success":true,"message":"ok","data":{"n":1}}`))

	require.Equal(t, KindCommandResponse, ev.Kind)
	require.NotNil(t, ev.Command)
	assert.Equal(t, "cmd-9", ev.Command.CommandID)
	assert.True(t, ev.Command.Success)
	assert.JSONEq(t, `{"n":1}`, string(ev.Command.Data))
}

func TestClassifyUnknownPassesRawThrough(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{"not json", `<<garbage>>`},
		{"unrecognized object", `{"hello":"world"}`},
		{"command response without id", `{"type":"command_response","success":false}`},
		{"metrics without host", `{"type":"metrics","cpu":50}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := Classify([]byte(tt.payload))
			assert.Equal(t, KindUnknown, ev.Kind)
			assert.Equal(t, tt.payload, string(ev.Raw))
		})
	}
}

func TestClassifyDefaultsTimestampFromClock(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c := NewClassifier(testclock.NewClock(now))

	ev := c.Classify([]byte(`{"type":"alert","level":"info","message":"m"}`))
	require.Equal(t, KindAlert, ev.Kind)
	assert.Equal(t, now, ev.Alert.CreatedAt)

	ev = c.Classify([]byte(`{"type":"alert","level":"info","message":"m","createdAt":-5}`))
	assert.Equal(t, now, ev.Alert.CreatedAt, "non-finite/negative timestamps default to now")
}

func TestClassifyNumericIDsAccepted(t *testing.T) {
	ev := Classify([]byte(`{"nodes":[{"id":42}],"links":[{"id":7,"source":42,"target":43}]}`))
	require.Equal(t, KindTopology, ev.Kind)
	assert.Equal(t, "42", ev.Topology.Nodes[0].ID.String())
	assert.Equal(t, "43", ev.Topology.Links[0].Target.String())
}

func TestNormalizeLevelSynonyms(t *testing.T) {
	assert.Equal(t, LevelCritical, normalizeLevel("disaster"))
	assert.Equal(t, LevelCritical, normalizeLevel("ERROR"))
	assert.Equal(t, LevelWarn, normalizeLevel("Warning"))
	assert.Equal(t, LevelInfo, normalizeLevel(""))
	assert.Equal(t, LevelInfo, normalizeLevel("notice"))
}
