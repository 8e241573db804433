package store

import (
	"log/slog"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/fibersight/fiberstream/event"
	"github.com/fibersight/fiberstream/metric"
	"github.com/fibersight/fiberstream/pkg/ring"
)

// DefaultAlertCapacity bounds the alert ring buffer. This is the single
// authoritative bound for alert history.
const DefaultAlertCapacity = 200

// Store is the reconciliation store. It is the single shared mutable
// resource of the pipeline: only its own reducer entry points mutate state,
// and every reducer is atomic. Selectors are safe from any goroutine.
//
// Stores are constructed explicitly and passed by reference; there is no
// package-level instance, so tests can run independent stores side by side.
type Store struct {
	mu     sync.RWMutex
	clock  clock.Clock
	logger *slog.Logger

	nodes         map[string]Node
	links         map[string]Link
	metricsByHost map[string]HostMetricsEntry
	alerts        *ring.Buffer[Alert]
	selection     Selection

	topologyVersion   string
	topologyUpdatedAt time.Time

	// revision advances on every mutation and keys selector memoization.
	revision uint64

	cacheMu sync.Mutex
	cache   map[string]cached

	metrics *storeMetrics
}

type cached struct {
	revision uint64
	value    any
}

// Option configures a Store.
type Option func(*Store)

// WithClock injects the clock used for entity timestamps.
func WithClock(clk clock.Clock) Option {
	return func(s *Store) { s.clock = clk }
}

// WithLogger injects the logger used for dropped-entry diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// WithAlertCapacity overrides the alert ring capacity.
func WithAlertCapacity(capacity int) Option {
	return func(s *Store) { s.alerts = ring.New[Alert](capacity) }
}

// WithMetrics registers store gauges and counters with the registry.
func WithMetrics(registry *metric.Registry) Option {
	return func(s *Store) { s.metrics = newStoreMetrics(registry) }
}

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		clock:         clock.WallClock,
		logger:        slog.Default(),
		nodes:         make(map[string]Node),
		links:         make(map[string]Link),
		metricsByHost: make(map[string]HostMetricsEntry),
		alerts:        ring.New[Alert](DefaultAlertCapacity),
		cache:         make(map[string]cached),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Revision returns the current mutation counter.
func (s *Store) Revision() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.revision
}

// touch advances the revision. Callers hold the write lock.
func (s *Store) touch() {
	s.revision++
	if s.metrics != nil {
		s.metrics.observe(len(s.nodes), len(s.links), len(s.metricsByHost), s.alerts.Len())
	}
}

// SetTopology replaces the topology wholesale. CreatedAt survives for ids
// that persist across snapshots; everything else is rebuilt from the event.
// Every memoized projection is invalidated by the revision bump.
func (s *Store) SetTopology(nodes []event.Node, links []event.Link, version string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	prevNodes, prevLinks := s.nodes, s.links

	s.nodes = make(map[string]Node, len(nodes))
	for _, wn := range nodes {
		id := wn.ID.String()
		if id == "" {
			s.dropped("node", "missing id")
			continue
		}
		n := nodeFromEvent(id, wn, now)
		if prev, ok := prevNodes[id]; ok {
			n.CreatedAt = prev.CreatedAt
		}
		s.nodes[id] = n
	}

	s.links = make(map[string]Link, len(links))
	for _, wl := range links {
		id := wl.ID.String()
		if id == "" || wl.Source == "" || wl.Target == "" {
			s.dropped("link", "missing id or endpoint")
			continue
		}
		l := linkFromEvent(id, wl, now)
		if prev, ok := prevLinks[id]; ok {
			l.CreatedAt = prev.CreatedAt
		}
		s.links[id] = l
	}

	// Selection referencing an entity that did not survive the replace is
	// cleared.
	if s.selection.NodeID != "" {
		if _, ok := s.nodes[s.selection.NodeID]; !ok {
			s.selection.NodeID = ""
		}
	}
	if s.selection.LinkID != "" {
		if _, ok := s.links[s.selection.LinkID]; !ok {
			s.selection.LinkID = ""
		}
	}

	s.topologyVersion = version
	s.topologyUpdatedAt = now
	s.touch()
}

// UpsertNodes merges the given nodes into the store. Provided fields
// overwrite existing fields, CreatedAt is preserved, UpdatedAt and LastSeen
// advance. Entries without an id are silently dropped: upstream data is
// partial and untrusted, and one bad entry must not reject the batch.
func (s *Store) UpsertNodes(nodes []event.Node) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	changed := false
	for _, wn := range nodes {
		id := wn.ID.String()
		if id == "" {
			s.dropped("node", "missing id")
			continue
		}
		n := nodeFromEvent(id, wn, now)
		if prev, ok := s.nodes[id]; ok {
			n = mergeNode(prev, wn, now)
		}
		s.nodes[id] = n
		changed = true
	}
	if changed {
		s.topologyUpdatedAt = now
		s.touch()
	}
}

// UpsertLinks merges the given links into the store. Entries missing id,
// source or target are silently dropped.
func (s *Store) UpsertLinks(links []event.Link) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	changed := false
	for _, wl := range links {
		id := wl.ID.String()
		if id == "" || wl.Source == "" || wl.Target == "" {
			s.dropped("link", "missing id or endpoint")
			continue
		}
		l := linkFromEvent(id, wl, now)
		if prev, ok := s.links[id]; ok {
			l = mergeLink(prev, wl, now)
		}
		s.links[id] = l
		changed = true
	}
	if changed {
		s.topologyUpdatedAt = now
		s.touch()
	}
}

// RemoveNode removes a node and cascades: every link referencing it as
// source or target is removed, and any selection of the removed entities is
// cleared. It reports whether the node existed.
func (s *Store) RemoveNode(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.nodes[id]; !ok {
		return false
	}
	delete(s.nodes, id)

	for linkID, l := range s.links {
		if l.Source == id || l.Target == id {
			delete(s.links, linkID)
			if s.selection.LinkID == linkID {
				s.selection.LinkID = ""
			}
		}
	}
	if s.selection.NodeID == id {
		s.selection.NodeID = ""
	}

	s.touch()
	return true
}

// RemoveLink removes a link, clearing the selection if it was selected.
func (s *Store) RemoveLink(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.links[id]; !ok {
		return false
	}
	delete(s.links, id)
	if s.selection.LinkID == id {
		s.selection.LinkID = ""
	}
	s.touch()
	return true
}

// UpdateNodeMetrics merges values into a node's metrics sub-object. It is a
// no-op if the node does not exist: a metrics update must not create
// entities as a side effect.
func (s *Store) UpdateNodeMetrics(nodeID string, partial map[string]float64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[nodeID]
	if !ok {
		return false
	}
	if n.Metrics == nil {
		n.Metrics = make(map[string]float64, len(partial))
	}
	for k, v := range partial {
		n.Metrics[k] = v
	}
	now := s.clock.Now()
	n.UpdatedAt = now
	n.LastSeen = now
	s.nodes[nodeID] = n
	s.touch()
	return true
}

// UpdateLinkMetrics merges measurement fields into a link. No-op if the link
// does not exist.
func (s *Store) UpdateLinkMetrics(linkID string, partial map[string]float64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.links[linkID]
	if !ok {
		return false
	}
	for k, v := range partial {
		v := v
		switch k {
		case "utilization":
			l.Utilization = &v
		case "latency":
			l.Latency = &v
		case "packetLoss":
			l.PacketLoss = &v
		case "bandwidth":
			l.Bandwidth = &v
		}
	}
	l.UpdatedAt = s.clock.Now()
	s.links[linkID] = l
	s.touch()
	return true
}

// SetHostMetrics stores a normalized metrics sample. A TTL on the event sets
// ExpiresAt; absence of a TTL means the entry never expires automatically.
func (s *Store) SetHostMetrics(m event.HostMetrics) {
	if m.Host == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := HostMetricsEntry{
		Host:       m.Host,
		CPU:        m.CPU,
		Mem:        m.Mem,
		Disks:      m.Disks,
		Interfaces: m.Interfaces,
		UpdatedAt:  m.Timestamp,
	}
	if entry.UpdatedAt.IsZero() {
		entry.UpdatedAt = s.clock.Now()
	}
	if m.TTL > 0 {
		entry.ExpiresAt = entry.UpdatedAt.Add(m.TTL)
	}
	s.metricsByHost[m.Host] = entry
	s.touch()
}

// SweepExpiredMetrics removes every metrics entry whose ExpiresAt has
// passed. This is the only mechanism that removes metrics besides Reset.
func (s *Store) SweepExpiredMetrics() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	removed := 0
	for host, entry := range s.metricsByHost {
		if !entry.ExpiresAt.IsZero() && entry.ExpiresAt.Before(now) {
			delete(s.metricsByHost, host)
			removed++
		}
	}
	if removed > 0 {
		if s.metrics != nil {
			s.metrics.metricsExpired.Add(float64(removed))
		}
		s.touch()
	}
	return removed
}

// PushAlert appends an alert, evicting the oldest beyond capacity.
func (s *Store) PushAlert(a event.Alert) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := Alert{
		ID:        a.ID,
		Level:     a.Level,
		Message:   a.Message,
		Host:      a.Host,
		Category:  a.Category,
		AutoClear: a.AutoClear,
		CreatedAt: a.CreatedAt,
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = s.clock.Now()
	}
	if _, evicted := s.alerts.Push(stored); evicted && s.metrics != nil {
		s.metrics.alertsEvicted.Inc()
	}
	s.touch()
}

// AcknowledgeAlert marks an alert acknowledged. It reports whether the alert
// was found.
func (s *Store) AcknowledgeAlert(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	ok := s.alerts.Mutate(
		func(a Alert) bool { return a.ID == id },
		func(a *Alert) { a.Acknowledged = true },
	)
	if ok {
		s.touch()
	}
	return ok
}

// RemoveAlert removes an alert by id.
func (s *Store) RemoveAlert(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := s.alerts.RemoveFunc(func(a Alert) bool { return a.ID == id })
	if removed > 0 {
		s.touch()
		return true
	}
	return false
}

// ClearAlerts removes all alerts.
func (s *Store) ClearAlerts() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.alerts.Clear()
	s.touch()
}

// SweepAutoClear removes alerts flagged AutoClear. Transient alerts live
// until the next sweep rather than indefinitely.
func (s *Store) SweepAutoClear() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := s.alerts.RemoveFunc(func(a Alert) bool { return a.AutoClear })
	if removed > 0 {
		s.touch()
	}
	return removed
}

// SelectNode records the node selection. An empty id clears it.
func (s *Store) SelectNode(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.selection.NodeID = id
	s.touch()
}

// SelectLink records the link selection. An empty id clears it.
func (s *Store) SelectLink(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.selection.LinkID = id
	s.touch()
}

// Selected returns the current selection.
func (s *Store) Selected() Selection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.selection
}

// Reset clears all collections, selection and version information.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nodes = make(map[string]Node)
	s.links = make(map[string]Link)
	s.metricsByHost = make(map[string]HostMetricsEntry)
	s.alerts.Clear()
	s.selection = Selection{}
	s.topologyVersion = ""
	s.topologyUpdatedAt = time.Time{}
	s.touch()
}

// Apply routes a canonical event to the matching reducer. Unknown, ping and
// pong events are ignored here; the client handles liveness itself.
func (s *Store) Apply(ev event.Event) {
	switch ev.Kind {
	case event.KindTopology:
		t := ev.Topology
		// A versioned payload is a full snapshot; an unversioned one is an
		// incremental merge.
		if t.Version != "" {
			s.SetTopology(t.Nodes, t.Links, t.Version)
		} else {
			s.UpsertNodes(t.Nodes)
			s.UpsertLinks(t.Links)
		}
	case event.KindMetrics:
		s.SetHostMetrics(*ev.Metrics)
	case event.KindAlert:
		s.PushAlert(*ev.Alert)
	}
}

func (s *Store) dropped(entity, reason string) {
	s.logger.Debug("dropped invalid entry", "entity", entity, "reason", reason)
	if s.metrics != nil {
		s.metrics.entriesDropped.WithLabelValues(entity).Inc()
	}
}

// nodeFromEvent builds a fresh canonical node from a wire node.
func nodeFromEvent(id string, wn event.Node, now time.Time) Node {
	return Node{
		ID:        id,
		Name:      wn.Name,
		Lat:       wn.Lat,
		Lon:       wn.Lon,
		Status:    defaultStatus(wn.Status),
		Type:      defaultType(wn.Type),
		Tags:      wn.Tags,
		Meta:      wn.Meta,
		Metrics:   copyMetrics(wn.Metrics),
		LastSeen:  now,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// mergeNode overlays provided wire fields on an existing node. CreatedAt is
// preserved; UpdatedAt and LastSeen advance.
func mergeNode(prev Node, wn event.Node, now time.Time) Node {
	n := prev
	if wn.Name != "" {
		n.Name = wn.Name
	}
	if wn.Lat != nil {
		n.Lat = wn.Lat
	}
	if wn.Lon != nil {
		n.Lon = wn.Lon
	}
	if wn.Status != "" {
		n.Status = wn.Status
	}
	if wn.Type != "" {
		n.Type = wn.Type
	}
	if wn.Tags != nil {
		n.Tags = wn.Tags
	}
	if wn.Meta != nil {
		n.Meta = wn.Meta
	}
	if wn.Metrics != nil {
		if n.Metrics == nil {
			n.Metrics = make(map[string]float64, len(wn.Metrics))
		}
		for k, v := range wn.Metrics {
			n.Metrics[k] = v
		}
	}
	n.UpdatedAt = now
	n.LastSeen = now
	return n
}

func linkFromEvent(id string, wl event.Link, now time.Time) Link {
	return Link{
		ID:          id,
		Source:      wl.Source.String(),
		Target:      wl.Target.String(),
		Status:      defaultStatus(wl.Status),
		Type:        defaultType(wl.Type),
		Bandwidth:   wl.Bandwidth,
		Utilization: wl.Utilization,
		Latency:     wl.Latency,
		PacketLoss:  wl.PacketLoss,
		DistanceKm:  wl.DistanceKm,
		Tags:        wl.Tags,
		Meta:        wl.Meta,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func mergeLink(prev Link, wl event.Link, now time.Time) Link {
	l := prev
	if wl.Source != "" {
		l.Source = wl.Source.String()
	}
	if wl.Target != "" {
		l.Target = wl.Target.String()
	}
	if wl.Status != "" {
		l.Status = wl.Status
	}
	if wl.Type != "" {
		l.Type = wl.Type
	}
	if wl.Bandwidth != nil {
		l.Bandwidth = wl.Bandwidth
	}
	if wl.Utilization != nil {
		l.Utilization = wl.Utilization
	}
	if wl.Latency != nil {
		l.Latency = wl.Latency
	}
	if wl.PacketLoss != nil {
		l.PacketLoss = wl.PacketLoss
	}
	if wl.DistanceKm != nil {
		l.DistanceKm = wl.DistanceKm
	}
	if wl.Tags != nil {
		l.Tags = wl.Tags
	}
	if wl.Meta != nil {
		l.Meta = wl.Meta
	}
	l.UpdatedAt = now
	return l
}

func defaultStatus(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

func defaultType(t string) string {
	if t == "" {
		return "generic"
	}
	return t
}

func copyMetrics(m map[string]float64) map[string]float64 {
	if m == nil {
		return nil
	}
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// storeMetrics exposes store gauges and counters via Prometheus.
type storeMetrics struct {
	nodes          prometheus.Gauge
	links          prometheus.Gauge
	hostMetrics    prometheus.Gauge
	alerts         prometheus.Gauge
	alertsEvicted  prometheus.Counter
	metricsExpired prometheus.Counter
	entriesDropped *prometheus.CounterVec
}

func newStoreMetrics(registry *metric.Registry) *storeMetrics {
	if registry == nil {
		return nil
	}

	m := &storeMetrics{
		nodes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fiberstream", Subsystem: "store", Name: "nodes",
			Help: "Current number of canonical nodes",
		}),
		links: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fiberstream", Subsystem: "store", Name: "links",
			Help: "Current number of canonical links",
		}),
		hostMetrics: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fiberstream", Subsystem: "store", Name: "host_metrics",
			Help: "Current number of host metrics entries",
		}),
		alerts: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fiberstream", Subsystem: "store", Name: "alerts",
			Help: "Current number of alerts in the ring buffer",
		}),
		alertsEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fiberstream", Subsystem: "store", Name: "alerts_evicted_total",
			Help: "Alerts evicted from the ring buffer by capacity",
		}),
		metricsExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fiberstream", Subsystem: "store", Name: "metrics_expired_total",
			Help: "Host metrics entries removed by TTL sweep",
		}),
		entriesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fiberstream", Subsystem: "store", Name: "entries_dropped_total",
			Help: "Invalid entries dropped during ingestion",
		}, []string{"entity"}),
	}

	_ = registry.RegisterGauge("store", "nodes", m.nodes)
	_ = registry.RegisterGauge("store", "links", m.links)
	_ = registry.RegisterGauge("store", "host_metrics", m.hostMetrics)
	_ = registry.RegisterGauge("store", "alerts", m.alerts)
	_ = registry.RegisterCounter("store", "alerts_evicted", m.alertsEvicted)
	_ = registry.RegisterCounter("store", "metrics_expired", m.metricsExpired)
	_ = registry.RegisterCounterVec("store", "entries_dropped", m.entriesDropped)

	return m
}

func (m *storeMetrics) observe(nodes, links, hostMetrics, alerts int) {
	m.nodes.Set(float64(nodes))
	m.links.Set(float64(links))
	m.hostMetrics.Set(float64(hostMetrics))
	m.alerts.Set(float64(alerts))
}
