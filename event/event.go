// Package event converts arbitrary inbound stream payloads into a small set
// of canonical event kinds. Classification happens once at the ingress
// boundary; downstream code switches on Kind and never re-inspects raw shape.
package event

import (
	"encoding/json"
	"strconv"
	"time"
)

// Kind identifies a canonical event kind.
type Kind string

const (
	// KindTopology carries a full or partial topology update.
	KindTopology Kind = "topology"
	// KindMetrics carries host metrics from the monitoring backend.
	KindMetrics Kind = "metrics"
	// KindAlert carries a normalized alert.
	KindAlert Kind = "alert"
	// KindPing is a liveness probe from the peer.
	KindPing Kind = "ping"
	// KindPong is a liveness reply from the peer.
	KindPong Kind = "pong"
	// KindCommandResponse correlates with an outbound command by id.
	KindCommandResponse Kind = "command_response"
	// KindUnknown wraps anything that could not be classified. The raw
	// payload is passed through untouched for catch-all subscribers.
	KindUnknown Kind = "unknown"
)

// Level is the severity of an alert.
type Level string

const (
	// LevelCritical marks alerts that require immediate attention.
	LevelCritical Level = "critical"
	// LevelWarn marks alerts worth surfacing but not paging on.
	LevelWarn Level = "warn"
	// LevelInfo marks informational alerts.
	LevelInfo Level = "info"
)

// FlexString accepts JSON strings or numbers. Upstream payloads are untrusted
// and some producers emit numeric entity ids.
type FlexString string

// UnmarshalJSON implements json.Unmarshaler.
func (f *FlexString) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = FlexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err == nil {
		*f = FlexString(n.String())
		return nil
	}
	// Tolerate other scalar shapes rather than failing the whole payload.
	*f = FlexString(string(data))
	return nil
}

// String returns the underlying string value.
func (f FlexString) String() string { return string(f) }

// Node is the wire-level shape of a topology node.
type Node struct {
	ID      FlexString         `json:"id"`
	Name    string             `json:"name,omitempty"`
	Lat     *float64           `json:"lat,omitempty"`
	Lon     *float64           `json:"lon,omitempty"`
	Status  string             `json:"status,omitempty"`
	Type    string             `json:"type,omitempty"`
	Tags    []string           `json:"tags,omitempty"`
	Meta    map[string]any     `json:"meta,omitempty"`
	Metrics map[string]float64 `json:"metrics,omitempty"`
}

// Link is the wire-level shape of a topology link.
type Link struct {
	ID          FlexString     `json:"id"`
	Source      FlexString     `json:"source"`
	Target      FlexString     `json:"target"`
	Status      string         `json:"status,omitempty"`
	Type        string         `json:"type,omitempty"`
	Bandwidth   *float64       `json:"bandwidth,omitempty"`
	Utilization *float64       `json:"utilization,omitempty"`
	Latency     *float64       `json:"latency,omitempty"`
	PacketLoss  *float64       `json:"packetLoss,omitempty"`
	DistanceKm  *float64       `json:"distanceKm,omitempty"`
	Tags        []string       `json:"tags,omitempty"`
	Meta        map[string]any `json:"meta,omitempty"`
}

// Topology is a full or partial topology update.
type Topology struct {
	Version string
	Nodes   []Node
	Links   []Link
}

// DiskMetric is a per-volume usage sample.
type DiskMetric struct {
	Name        string  `json:"name,omitempty"`
	UsedPercent float64 `json:"used_percent"`
}

// InterfaceMetric is a per-interface traffic sample.
type InterfaceMetric struct {
	Name   string  `json:"name,omitempty"`
	Status string  `json:"status,omitempty"`
	RxBps  float64 `json:"rx_bps,omitempty"`
	TxBps  float64 `json:"tx_bps,omitempty"`
}

// HostMetrics is a normalized metrics sample for one host. Percentages are
// clamped to [0,100]. TTL of zero means the sample never expires.
type HostMetrics struct {
	Host       string
	CPU        *float64
	Mem        *float64
	Disks      []DiskMetric
	Interfaces []InterfaceMetric
	Timestamp  time.Time
	TTL        time.Duration
}

// Alert is a normalized alert. ID and CreatedAt are always populated.
type Alert struct {
	ID        string
	Level     Level
	Message   string
	Host      string
	Category  string
	AutoClear bool
	CreatedAt time.Time
}

// CommandResponse correlates an asynchronous reply with an outbound command.
type CommandResponse struct {
	CommandID string
	Success   bool
	Message   string
	Data      json.RawMessage
}

// Event is the tagged union produced by classification. Exactly one payload
// field matching Kind is non-nil; Raw always holds the original bytes.
type Event struct {
	Kind     Kind
	Topology *Topology
	Metrics  *HostMetrics
	Alert    *Alert
	Command  *CommandResponse
	Raw      []byte
}

// clampPercent bounds a percentage to [0,100].
func clampPercent(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// versionString renders a wire version tag (string or number) as a string.
func versionString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	default:
		return ""
	}
}
