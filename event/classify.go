package event

import (
	"bytes"
	"encoding/json"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
)

// Classifier turns raw payloads into canonical events. It is stateless and
// side-effect free; a single instance may be shared across goroutines.
type Classifier struct {
	clock clock.Clock
}

// NewClassifier creates a classifier using the given clock for timestamp
// defaulting. A nil clock falls back to the wall clock.
func NewClassifier(clk clock.Clock) *Classifier {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Classifier{clock: clk}
}

// Classify converts one raw payload with the wall clock. Convenience wrapper
// for callers that do not inject a clock.
func Classify(raw []byte) Event {
	return NewClassifier(nil).Classify(raw)
}

// Classify converts one raw payload into a canonical event. Unparseable or
// unrecognized payloads degrade to KindUnknown rather than failing, so one
// malformed message cannot halt the stream.
func (c *Classifier) Classify(raw []byte) Event {
	trimmed := bytes.TrimSpace(raw)

	// Bare ping/pong frames arrive both as JSON strings and as plain text.
	switch strings.Trim(string(trimmed), `"`) {
	case "ping":
		return Event{Kind: KindPing, Raw: raw}
	case "pong":
		return Event{Kind: KindPong, Raw: raw}
	}

	var probe map[string]any
	if err := json.Unmarshal(trimmed, &probe); err != nil {
		return Event{Kind: KindUnknown, Raw: raw}
	}

	if typeTag, _ := probe["type"].(string); typeTag != "" {
		switch typeTag {
		case "topology", "topology_update":
			return c.normalizeTopology(trimmed)
		case "metrics", "snmp_metrics":
			return c.normalizeMetrics(trimmed)
		case "alert":
			return c.normalizeAlert(trimmed)
		case "ping":
			return Event{Kind: KindPing, Raw: raw}
		case "pong":
			return Event{Kind: KindPong, Raw: raw}
		case "command_response":
			return c.normalizeCommandResponse(trimmed, raw)
		}
	}

	// No recognized type tag: infer by shape.
	switch {
	case isArray(probe["nodes"]) && isArray(probe["links"]):
		return c.normalizeTopology(trimmed)
	case probe["host"] != nil && (probe["cpu"] != nil || probe["mem"] != nil || probe["disks"] != nil):
		return c.normalizeMetrics(trimmed)
	case probe["message"] != nil && (probe["level"] != nil || probe["severity"] != nil):
		return c.normalizeAlert(trimmed)
	}

	return Event{Kind: KindUnknown, Raw: raw}
}

func isArray(v any) bool {
	_, ok := v.([]any)
	return ok
}

func (c *Classifier) normalizeTopology(data []byte) Event {
	var wire struct {
		Version any    `json:"version"`
		Nodes   []Node `json:"nodes"`
		Links   []Link `json:"links"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return Event{Kind: KindUnknown, Raw: data}
	}

	topo := &Topology{
		Version: versionString(wire.Version),
		Nodes:   wire.Nodes,
		Links:   wire.Links,
	}
	for i := range topo.Links {
		if topo.Links[i].Utilization != nil {
			clamped := clampPercent(*topo.Links[i].Utilization)
			topo.Links[i].Utilization = &clamped
		}
	}
	return Event{Kind: KindTopology, Topology: topo, Raw: data}
}

func (c *Classifier) normalizeMetrics(data []byte) Event {
	var wire struct {
		Host       FlexString        `json:"host"`
		CPU        *float64          `json:"cpu"`
		Mem        *float64          `json:"mem"`
		Disks      []DiskMetric      `json:"disks"`
		Interfaces []InterfaceMetric `json:"interfaces"`
		TS         float64           `json:"ts"`
		TTL        float64           `json:"ttl"`
	}
	if err := json.Unmarshal(data, &wire); err != nil || wire.Host == "" {
		return Event{Kind: KindUnknown, Raw: data}
	}

	m := &HostMetrics{
		Host:       wire.Host.String(),
		CPU:        wire.CPU,
		Mem:        wire.Mem,
		Disks:      wire.Disks,
		Interfaces: wire.Interfaces,
		Timestamp:  c.timestampFrom(wire.TS),
	}
	if m.CPU != nil {
		v := clampPercent(*m.CPU)
		m.CPU = &v
	}
	if m.Mem != nil {
		v := clampPercent(*m.Mem)
		m.Mem = &v
	}
	for i := range m.Disks {
		m.Disks[i].UsedPercent = clampPercent(m.Disks[i].UsedPercent)
	}
	if wire.TTL > 0 && !math.IsInf(wire.TTL, 1) {
		m.TTL = time.Duration(wire.TTL) * time.Millisecond
	}
	return Event{Kind: KindMetrics, Metrics: m, Raw: data}
}

func (c *Classifier) normalizeAlert(data []byte) Event {
	var wire struct {
		ID        FlexString `json:"id"`
		Level     string     `json:"level"`
		Severity  string     `json:"severity"`
		Message   string     `json:"message"`
		Host      FlexString `json:"host"`
		Category  string     `json:"category"`
		AutoClear bool       `json:"autoClear"`
		CreatedAt float64    `json:"createdAt"`
		Timestamp float64    `json:"timestamp"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return Event{Kind: KindUnknown, Raw: data}
	}

	id := wire.ID.String()
	if id == "" {
		id = uuid.NewString()
	}

	level := wire.Level
	if level == "" {
		level = wire.Severity
	}

	created := wire.CreatedAt
	if created == 0 {
		created = wire.Timestamp
	}

	alert := &Alert{
		ID:        id,
		Level:     normalizeLevel(level),
		Message:   wire.Message,
		Host:      wire.Host.String(),
		Category:  wire.Category,
		AutoClear: wire.AutoClear,
		CreatedAt: c.timestampFrom(created),
	}
	return Event{Kind: KindAlert, Alert: alert, Raw: data}
}

func (c *Classifier) normalizeCommandResponse(data, raw []byte) Event {
	var wire struct {
		CommandID FlexString      `json:"commandId"`
		Success   bool            `json:"success"`
		Message   string          `json:"message"`
		Data      json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &wire); err != nil || wire.CommandID == "" {
		return Event{Kind: KindUnknown, Raw: raw}
	}

	return Event{
		Kind: KindCommandResponse,
		Command: &CommandResponse{
			CommandID: wire.CommandID.String(),
			Success:   wire.Success,
			Message:   wire.Message,
			Data:      wire.Data,
		},
		Raw: raw,
	}
}

// normalizeLevel maps wire severities onto the three canonical levels.
func normalizeLevel(s string) Level {
	switch strings.ToLower(s) {
	case "critical", "crit", "error", "fatal", "disaster":
		return LevelCritical
	case "warn", "warning", "average", "high":
		return LevelWarn
	default:
		return LevelInfo
	}
}

// timestampFrom converts an epoch-milliseconds wire value, defaulting to the
// current time when absent or non-finite.
func (c *Classifier) timestampFrom(ms float64) time.Time {
	if ms <= 0 || math.IsNaN(ms) || math.IsInf(ms, 0) {
		return c.clock.Now()
	}
	return time.UnixMilli(int64(ms))
}
