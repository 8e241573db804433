// Package store holds the canonical, versioned in-memory model of the fiber
// network: nodes, links, per-host metrics and alerts, reconciled from the
// live status stream and exposed through memoized filtered projections.
package store

import (
	"time"

	"github.com/fibersight/fiberstream/event"
)

// Node is a canonical topology node. ID is the identity key; CreatedAt is
// immutable once set, UpdatedAt and LastSeen advance on every upsert.
type Node struct {
	ID        string             `json:"id"`
	Name      string             `json:"name,omitempty"`
	Lat       *float64           `json:"lat,omitempty"`
	Lon       *float64           `json:"lon,omitempty"`
	Status    string             `json:"status"`
	Type      string             `json:"type"`
	Tags      []string           `json:"tags,omitempty"`
	Meta      map[string]any     `json:"meta,omitempty"`
	Metrics   map[string]float64 `json:"metrics,omitempty"`
	LastSeen  time.Time          `json:"lastSeen"`
	CreatedAt time.Time          `json:"createdAt"`
	UpdatedAt time.Time          `json:"updatedAt"`
}

// Link is a canonical topology link. Source and Target reference node ids;
// referential integrity is not enforced eagerly, so dangling links are
// filtered out at projection time, never deleted.
type Link struct {
	ID          string         `json:"id"`
	Source      string         `json:"source"`
	Target      string         `json:"target"`
	Status      string         `json:"status"`
	Type        string         `json:"type"`
	Bandwidth   *float64       `json:"bandwidth,omitempty"`
	Utilization *float64       `json:"utilization,omitempty"`
	Latency     *float64       `json:"latency,omitempty"`
	PacketLoss  *float64       `json:"packetLoss,omitempty"`
	DistanceKm  *float64       `json:"distanceKm,omitempty"`
	Tags        []string       `json:"tags,omitempty"`
	Meta        map[string]any `json:"meta,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
}

// HostMetricsEntry is the stored metrics sample for one host. A zero
// ExpiresAt means the entry never expires automatically.
type HostMetricsEntry struct {
	Host       string                  `json:"host"`
	CPU        *float64                `json:"cpu,omitempty"`
	Mem        *float64                `json:"mem,omitempty"`
	Disks      []event.DiskMetric      `json:"disks,omitempty"`
	Interfaces []event.InterfaceMetric `json:"interfaces,omitempty"`
	UpdatedAt  time.Time               `json:"updatedAt"`
	ExpiresAt  time.Time               `json:"expiresAt,omitempty"`
}

// Alert is a stored alert. The collection is a bounded ring buffer; oldest
// alerts are evicted first once the capacity is reached.
type Alert struct {
	ID           string      `json:"id"`
	Level        event.Level `json:"level"`
	Message      string      `json:"message"`
	Host         string      `json:"host,omitempty"`
	Category     string      `json:"category,omitempty"`
	CreatedAt    time.Time   `json:"createdAt"`
	Acknowledged bool        `json:"acknowledged"`
	AutoClear    bool        `json:"autoClear"`
}

// Selection identifies the entity currently selected in the dashboard.
type Selection struct {
	NodeID string `json:"nodeId,omitempty"`
	LinkID string `json:"linkId,omitempty"`
}

// Stats summarizes the reconciled state for the dashboard header.
type Stats struct {
	Nodes           int            `json:"nodes"`
	Links           int            `json:"links"`
	VisibleNodes    int            `json:"visibleNodes"`
	VisibleLinks    int            `json:"visibleLinks"`
	NodesByStatus   map[string]int `json:"nodesByStatus"`
	LinksByStatus   map[string]int `json:"linksByStatus"`
	Alerts          int            `json:"alerts"`
	CriticalAlerts  int            `json:"criticalAlerts"`
	HostsWithStats  int            `json:"hostsWithStats"`
	TopologyVersion string         `json:"topologyVersion,omitempty"`
	UpdatedAt       time.Time      `json:"updatedAt"`
}

// problemStatuses are node/link statuses surfaced by the problem projections.
var problemStatuses = map[string]bool{
	"down":     true,
	"critical": true,
	"error":    true,
	"degraded": true,
	"warn":     true,
	"warning":  true,
}

// IsProblem reports whether the node is in a problem status.
func (n Node) IsProblem() bool { return problemStatuses[n.Status] }

// IsProblem reports whether the link is in a problem status.
func (l Link) IsProblem() bool { return problemStatuses[l.Status] }
