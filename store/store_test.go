package store

import (
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fibersight/fiberstream/event"
)

func fs(s string) event.FlexString { return event.FlexString(s) }

func ptr(v float64) *float64 { return &v }

func newTestStore(t *testing.T) (*Store, *testclock.Clock) {
	t.Helper()
	clk := testclock.NewClock(time.Date(2026, 1, 15, 9, 0, 0, 0, time.UTC))
	return New(WithClock(clk)), clk
}

func TestUpsertNodesIsIdempotent(t *testing.T) {
	s, _ := newTestStore(t)

	batch := []event.Node{{ID: fs("n1"), Name: "POP Leste", Status: "up"}}
	s.UpsertNodes(batch)
	s.UpsertNodes(batch)

	nodes := s.VisibleNodes(Filters{})
	require.Len(t, nodes, 1)
	assert.Equal(t, "POP Leste", nodes[0].Name)
	assert.Equal(t, "up", nodes[0].Status)
}

func TestUpsertNodeMergePreservesCreatedAt(t *testing.T) {
	s, clk := newTestStore(t)

	s.UpsertNodes([]event.Node{{ID: fs("n1"), Name: "orig", Status: "up"}})
	created := mustNode(t, s, "n1").CreatedAt

	clk.Advance(time.Minute)
	s.UpsertNodes([]event.Node{{ID: fs("n1"), Status: "down"}})

	n := mustNode(t, s, "n1")
	assert.Equal(t, created, n.CreatedAt)
	assert.Equal(t, "orig", n.Name, "absent fields must not overwrite")
	assert.Equal(t, "down", n.Status)
	assert.True(t, n.UpdatedAt.After(created))
}

func TestUpsertDropsEntriesWithoutID(t *testing.T) {
	s, _ := newTestStore(t)

	s.UpsertNodes([]event.Node{{Name: "no id"}, {ID: fs("n1")}})
	s.UpsertLinks([]event.Link{
		{ID: fs("l1")},                                       // no endpoints
		{ID: fs("l2"), Source: fs("n1"), Target: fs("n2")},
	})

	assert.Len(t, s.VisibleNodes(Filters{}), 1)
	_, ok := s.Link("l2")
	assert.True(t, ok)
	_, ok = s.Link("l1")
	assert.False(t, ok)
}

func TestSetTopologyReplacesAndPreservesCreatedAt(t *testing.T) {
	s, clk := newTestStore(t)

	s.SetTopology(
		[]event.Node{{ID: fs("n1")}, {ID: fs("n2")}},
		[]event.Link{{ID: fs("l1"), Source: fs("n1"), Target: fs("n2")}},
		"v1",
	)
	firstCreated := mustNode(t, s, "n1").CreatedAt

	clk.Advance(time.Hour)
	s.SetTopology(
		[]event.Node{{ID: fs("n1")}, {ID: fs("n3")}},
		nil,
		"v2",
	)

	assert.Equal(t, "v2", s.TopologyVersion())
	assert.Len(t, s.VisibleNodes(Filters{}), 2)
	_, ok := s.Node("n2")
	assert.False(t, ok, "n2 must not survive the replace")
	_, ok = s.Link("l1")
	assert.False(t, ok)
	assert.Equal(t, firstCreated, mustNode(t, s, "n1").CreatedAt,
		"CreatedAt survives for ids present in both snapshots")
	assert.NotEqual(t, firstCreated, mustNode(t, s, "n3").CreatedAt)
}

func TestRemoveNodeCascades(t *testing.T) {
	s, _ := newTestStore(t)

	s.SetTopology(
		[]event.Node{{ID: fs("a")}, {ID: fs("b")}, {ID: fs("c")}},
		[]event.Link{
			{ID: fs("ab"), Source: fs("a"), Target: fs("b")},
			{ID: fs("bc"), Source: fs("b"), Target: fs("c")},
		},
		"v1",
	)
	s.SelectNode("b")
	s.SelectLink("ab")

	require.True(t, s.RemoveNode("b"))

	_, ok := s.Link("ab")
	assert.False(t, ok, "links referencing the removed node are removed")
	_, ok = s.Link("bc")
	assert.False(t, ok)
	sel := s.Selected()
	assert.Empty(t, sel.NodeID)
	assert.Empty(t, sel.LinkID)

	assert.False(t, s.RemoveNode("b"), "second removal reports absence")
}

func TestUpdateMetricsNeverCreates(t *testing.T) {
	s, _ := newTestStore(t)
	s.UpsertNodes([]event.Node{{ID: fs("n1")}})

	assert.False(t, s.UpdateNodeMetrics("ghost", map[string]float64{"cpu": 10}))
	assert.False(t, s.UpdateLinkMetrics("ghost", map[string]float64{"latency": 5}))
	assert.Len(t, s.VisibleNodes(Filters{}), 1)

	require.True(t, s.UpdateNodeMetrics("n1", map[string]float64{"cpu": 42}))
	assert.Equal(t, 42.0, mustNode(t, s, "n1").Metrics["cpu"])
}

func TestUpdateLinkMetricsMergesKnownFields(t *testing.T) {
	s, _ := newTestStore(t)
	s.UpsertNodes([]event.Node{{ID: fs("a")}, {ID: fs("b")}})
	s.UpsertLinks([]event.Link{{ID: fs("l1"), Source: fs("a"), Target: fs("b"), Latency: ptr(2)}})

	require.True(t, s.UpdateLinkMetrics("l1", map[string]float64{
		"utilization": 80,
		"packetLoss":  0.5,
	}))

	l, ok := s.Link("l1")
	require.True(t, ok)
	assert.Equal(t, 80.0, *l.Utilization)
	assert.Equal(t, 0.5, *l.PacketLoss)
	assert.Equal(t, 2.0, *l.Latency, "untouched fields survive")
}

func TestAlertsAreBoundedFIFO(t *testing.T) {
	clk := testclock.NewClock(time.Now())
	s := New(WithClock(clk), WithAlertCapacity(3))

	for _, id := range []string{"a1", "a2", "a3", "a4"} {
		s.PushAlert(event.Alert{ID: id, Level: event.LevelInfo, Message: id})
	}

	alerts := s.Alerts()
	require.Len(t, alerts, 3)
	assert.Equal(t, "a2", alerts[0].ID, "oldest alert evicted first")
	assert.Equal(t, "a4", alerts[2].ID)
}

func TestAcknowledgeAndCriticalAlerts(t *testing.T) {
	s, _ := newTestStore(t)

	s.PushAlert(event.Alert{ID: "c1", Level: event.LevelCritical, Message: "fiber cut"})
	s.PushAlert(event.Alert{ID: "c2", Level: event.LevelCritical, Message: "power loss"})
	s.PushAlert(event.Alert{ID: "i1", Level: event.LevelInfo, Message: "noise"})

	require.Len(t, s.CriticalAlerts(), 2)

	require.True(t, s.AcknowledgeAlert("c1"))
	critical := s.CriticalAlerts()
	require.Len(t, critical, 1)
	assert.Equal(t, "c2", critical[0].ID)

	assert.False(t, s.AcknowledgeAlert("missing"))
}

func TestSweepAutoClear(t *testing.T) {
	s, _ := newTestStore(t)

	s.PushAlert(event.Alert{ID: "sticky", Level: event.LevelWarn, Message: "m"})
	s.PushAlert(event.Alert{ID: "flap", Level: event.LevelInfo, Message: "m", AutoClear: true})

	assert.Equal(t, 1, s.SweepAutoClear())
	alerts := s.Alerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, "sticky", alerts[0].ID)
	assert.Equal(t, 0, s.SweepAutoClear())
}

func TestHostMetricsTTLExpiry(t *testing.T) {
	s, clk := newTestStore(t)

	s.SetHostMetrics(event.HostMetrics{Host: "olt-01", CPU: ptr(50), TTL: 10 * time.Second})
	s.SetHostMetrics(event.HostMetrics{Host: "olt-02", CPU: ptr(30)}) // no TTL

	assert.Equal(t, 0, s.SweepExpiredMetrics(), "nothing expired yet")

	clk.Advance(11 * time.Second)
	assert.Equal(t, 1, s.SweepExpiredMetrics())

	_, ok := s.HostMetrics("olt-01")
	assert.False(t, ok)
	_, ok = s.HostMetrics("olt-02")
	assert.True(t, ok, "entries without TTL never expire")
}

func TestApplyRoutesEvents(t *testing.T) {
	s, _ := newTestStore(t)

	s.Apply(event.Event{Kind: event.KindTopology, Topology: &event.Topology{
		Version: "v1",
		Nodes:   []event.Node{{ID: fs("n1")}},
	}})
	s.Apply(event.Event{Kind: event.KindMetrics, Metrics: &event.HostMetrics{Host: "h1", CPU: ptr(10)}})
	s.Apply(event.Event{Kind: event.KindAlert, Alert: &event.Alert{ID: "a1", Level: event.LevelInfo}})
	s.Apply(event.Event{Kind: event.KindUnknown, Raw: []byte("x")})

	assert.Equal(t, "v1", s.TopologyVersion())
	assert.Len(t, s.VisibleNodes(Filters{}), 1)
	_, ok := s.HostMetrics("h1")
	assert.True(t, ok)
	assert.Len(t, s.Alerts(), 1)
}

func TestApplyUnversionedTopologyMerges(t *testing.T) {
	s, _ := newTestStore(t)

	s.SetTopology([]event.Node{{ID: fs("n1")}}, nil, "v1")
	s.Apply(event.Event{Kind: event.KindTopology, Topology: &event.Topology{
		Nodes: []event.Node{{ID: fs("n2")}},
	}})

	assert.Len(t, s.VisibleNodes(Filters{}), 2, "unversioned update merges instead of replacing")
	assert.Equal(t, "v1", s.TopologyVersion())
}

func TestResetClearsEverything(t *testing.T) {
	s, _ := newTestStore(t)

	s.SetTopology([]event.Node{{ID: fs("n1")}}, nil, "v1")
	s.PushAlert(event.Alert{ID: "a1", Level: event.LevelInfo})
	s.SetHostMetrics(event.HostMetrics{Host: "h1"})
	s.SelectNode("n1")

	s.Reset()

	assert.Empty(t, s.VisibleNodes(Filters{}))
	assert.Empty(t, s.Alerts())
	assert.Empty(t, s.MetricsByHost())
	assert.Empty(t, s.TopologyVersion())
	assert.Empty(t, s.Selected().NodeID)
}

func mustNode(t *testing.T, s *Store, id string) Node {
	t.Helper()
	n, ok := s.Node(id)
	require.True(t, ok, "node %s not found", id)
	return n
}
