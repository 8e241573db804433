package store

import (
	"sort"

	"github.com/fibersight/fiberstream/event"
)

// Selectors are pure reads over the reconciled state. Each is memoized on the
// pair (revision, filter signature): a repeated call with equivalent filters
// against an unchanged store returns the cached projection without rescanning.
// Any mutation advances the revision, which invalidates every cached entry.
// Memoized projections are shared snapshots: repeated calls can return the
// same backing slice, so callers must treat results as read-only.

// VisibleNodes returns the nodes matching the filters, sorted by id.
func (s *Store) VisibleNodes(f Filters) []Node {
	key := "nodes:" + f.Signature()
	if v, ok := s.cachedValue(key); ok {
		return v.([]Node)
	}

	s.mu.RLock()
	out := make([]Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		if f.matchNode(n) {
			out = append(out, n)
		}
	}
	rev := s.revision
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	s.storeCached(key, rev, out)
	return out
}

// VisibleLinks returns the links matching the filters whose endpoints are
// both visible under the same filters. A link whose endpoint was filtered
// out, or references a node that does not exist, is excluded but never
// deleted.
func (s *Store) VisibleLinks(f Filters) []Link {
	key := "links:" + f.Signature()
	if v, ok := s.cachedValue(key); ok {
		return v.([]Link)
	}

	visible := make(map[string]bool)
	for _, n := range s.VisibleNodes(f) {
		visible[n.ID] = true
	}

	s.mu.RLock()
	out := make([]Link, 0, len(s.links))
	for _, l := range s.links {
		if !f.matchLink(l) {
			continue
		}
		if !visible[l.Source] || !visible[l.Target] {
			continue
		}
		out = append(out, l)
	}
	rev := s.revision
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	s.storeCached(key, rev, out)
	return out
}

// Node returns a node by id.
func (s *Store) Node(id string) (Node, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[id]
	return n, ok
}

// Link returns a link by id.
func (s *Store) Link(id string) (Link, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.links[id]
	return l, ok
}

// ProblemNodes returns the filtered nodes currently in a problem status.
func (s *Store) ProblemNodes(f Filters) []Node {
	key := "problem_nodes:" + f.Signature()
	if v, ok := s.cachedValue(key); ok {
		return v.([]Node)
	}

	rev := s.Revision()
	all := s.VisibleNodes(f)
	out := make([]Node, 0, len(all))
	for _, n := range all {
		if n.IsProblem() {
			out = append(out, n)
		}
	}

	s.storeCached(key, rev, out)
	return out
}

// ProblemLinks returns the filtered links currently in a problem status.
func (s *Store) ProblemLinks(f Filters) []Link {
	key := "problem_links:" + f.Signature()
	if v, ok := s.cachedValue(key); ok {
		return v.([]Link)
	}

	rev := s.Revision()
	all := s.VisibleLinks(f)
	out := make([]Link, 0, len(all))
	for _, l := range all {
		if l.IsProblem() {
			out = append(out, l)
		}
	}

	s.storeCached(key, rev, out)
	return out
}

// Alerts returns all alerts, oldest first.
func (s *Store) Alerts() []Alert {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.alerts.Items()
}

// CriticalAlerts returns unacknowledged critical alerts, oldest first.
func (s *Store) CriticalAlerts() []Alert {
	key := "critical_alerts:"
	if v, ok := s.cachedValue(key); ok {
		return v.([]Alert)
	}

	s.mu.RLock()
	out := make([]Alert, 0, s.alerts.Len())
	s.alerts.Each(func(a Alert) bool {
		if a.Level == event.LevelCritical && !a.Acknowledged {
			out = append(out, a)
		}
		return true
	})
	rev := s.revision
	s.mu.RUnlock()

	s.storeCached(key, rev, out)
	return out
}

// HostMetrics returns the stored metrics entry for a host.
func (s *Store) HostMetrics(host string) (HostMetricsEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.metricsByHost[host]
	return entry, ok
}

// MetricsByHost returns a copy of all stored metrics entries keyed by host.
func (s *Store) MetricsByHost() map[string]HostMetricsEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]HostMetricsEntry, len(s.metricsByHost))
	for host, entry := range s.metricsByHost {
		out[host] = entry
	}
	return out
}

// TopologyVersion returns the version tag of the last full snapshot.
func (s *Store) TopologyVersion() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.topologyVersion
}

// Stats summarizes the store under the given filters.
func (s *Store) Stats(f Filters) Stats {
	key := "stats:" + f.Signature()
	if v, ok := s.cachedValue(key); ok {
		return v.(Stats)
	}

	rev := s.Revision()
	visibleNodes := s.VisibleNodes(f)
	visibleLinks := s.VisibleLinks(f)
	critical := s.CriticalAlerts()

	s.mu.RLock()
	st := Stats{
		Nodes:           len(s.nodes),
		Links:           len(s.links),
		VisibleNodes:    len(visibleNodes),
		VisibleLinks:    len(visibleLinks),
		NodesByStatus:   make(map[string]int),
		LinksByStatus:   make(map[string]int),
		Alerts:          s.alerts.Len(),
		CriticalAlerts:  len(critical),
		HostsWithStats:  len(s.metricsByHost),
		TopologyVersion: s.topologyVersion,
		UpdatedAt:       s.topologyUpdatedAt,
	}
	for _, n := range s.nodes {
		st.NodesByStatus[n.Status]++
	}
	for _, l := range s.links {
		st.LinksByStatus[l.Status]++
	}
	s.mu.RUnlock()

	s.storeCached(key, rev, st)
	return st
}

// cachedValue returns the memoized value for key if it was computed at the
// current revision.
func (s *Store) cachedValue(key string) (any, bool) {
	rev := s.Revision()

	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	if c, ok := s.cache[key]; ok && c.revision == rev {
		return c.value, true
	}
	return nil, false
}

// storeCached memoizes a projection computed at the given revision. Stale
// entries for other filter signatures are pruned lazily rather than eagerly:
// the cache only ever holds entries for signatures still being queried.
func (s *Store) storeCached(key string, revision uint64, value any) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()

	for k, c := range s.cache {
		if c.revision != revision {
			delete(s.cache, k)
		}
	}
	s.cache[key] = cached{revision: revision, value: value}
}
