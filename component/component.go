// Package component defines the lifecycle and introspection contract shared
// by the stream client and its supporting pieces.
package component

import (
	"context"
	"time"
)

// State represents the current lifecycle state of a component
type State int

const (
	// StateCreated indicates component was created but not initialized
	StateCreated State = iota
	// StateInitialized indicates component was initialized but not started
	StateInitialized
	// StateStarted indicates component is running
	StateStarted
	// StateStopped indicates component was stopped
	StateStopped
	// StateFailed indicates component failed during lifecycle operation
	StateFailed
)

// String returns a string representation of the component state
func (cs State) String() string {
	switch cs {
	case StateCreated:
		return "created"
	case StateInitialized:
		return "initialized"
	case StateStarted:
		return "started"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Lifecycle defines components that support full lifecycle management:
//   - Initialize() error                 // Setup/create only, NO context
//   - Start(ctx context.Context) error   // Start with context passed through
//   - Stop(timeout time.Duration) error  // Stop with timeout for graceful shutdown
type Lifecycle interface {
	Initialize() error
	Start(ctx context.Context) error
	Stop(timeout time.Duration) error
}

// Metadata describes what a component is
type Metadata struct {
	Name        string `json:"name"`
	Type        string `json:"type"` // "client", "transport", "store", "output"
	Description string `json:"description"`
	Version     string `json:"version"`
}

// HealthStatus describes the current health state of a component
type HealthStatus struct {
	Healthy    bool          `json:"healthy"`
	LastCheck  time.Time     `json:"last_check"`
	ErrorCount int           `json:"error_count"`
	LastError  string        `json:"last_error,omitempty"`
	Uptime     time.Duration `json:"uptime"`
}

// FlowMetrics describes the current data flow through a component
type FlowMetrics struct {
	MessagesPerSecond float64   `json:"messages_per_second"`
	BytesPerSecond    float64   `json:"bytes_per_second"`
	ErrorRate         float64   `json:"error_rate"`
	LastActivity      time.Time `json:"last_activity"`
}

// Inspectable exposes component metadata, health and flow metrics to the
// management surface (the daemon's health endpoint).
type Inspectable interface {
	Meta() Metadata
	Health() HealthStatus
	DataFlow() FlowMetrics
}
