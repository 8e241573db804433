// Package metric manages Prometheus metric registration for fiberstream
// components.
package metric

import (
	stderrors "errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"net/http"

	"github.com/fibersight/fiberstream/errors"
)

// Registrar defines the interface for registering component-specific metrics.
type Registrar interface {
	RegisterCounter(component, name string, c prometheus.Counter) error
	RegisterGauge(component, name string, g prometheus.Gauge) error
	RegisterHistogram(component, name string, h prometheus.Histogram) error
	RegisterCounterVec(component, name string, cv *prometheus.CounterVec) error
	RegisterGaugeVec(component, name string, gv *prometheus.GaugeVec) error
	Unregister(component, name string) bool
}

// Registry manages the registration and lifecycle of metrics.
type Registry struct {
	prometheusRegistry *prometheus.Registry
	registered         map[string]prometheus.Collector
	mu                 sync.RWMutex
}

// NewRegistry creates a new metrics registry with Go runtime collectors.
func NewRegistry() *Registry {
	reg := &Registry{
		prometheusRegistry: prometheus.NewRegistry(),
		registered:         make(map[string]prometheus.Collector),
	}

	reg.prometheusRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return reg
}

// PrometheusRegistry returns the underlying Prometheus registry.
func (r *Registry) PrometheusRegistry() *prometheus.Registry {
	return r.prometheusRegistry
}

// Handler returns an HTTP handler serving the registry in the Prometheus
// exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.prometheusRegistry, promhttp.HandlerOpts{})
}

// RegisterCounter registers a counter metric for a component.
func (r *Registry) RegisterCounter(component, name string, c prometheus.Counter) error {
	return r.register(component, name, c, "RegisterCounter")
}

// RegisterGauge registers a gauge metric for a component.
func (r *Registry) RegisterGauge(component, name string, g prometheus.Gauge) error {
	return r.register(component, name, g, "RegisterGauge")
}

// RegisterHistogram registers a histogram metric for a component.
func (r *Registry) RegisterHistogram(component, name string, h prometheus.Histogram) error {
	return r.register(component, name, h, "RegisterHistogram")
}

// RegisterCounterVec registers a counter vector metric for a component.
func (r *Registry) RegisterCounterVec(component, name string, cv *prometheus.CounterVec) error {
	return r.register(component, name, cv, "RegisterCounterVec")
}

// RegisterGaugeVec registers a gauge vector metric for a component.
func (r *Registry) RegisterGaugeVec(component, name string, gv *prometheus.GaugeVec) error {
	return r.register(component, name, gv, "RegisterGaugeVec")
}

// Unregister removes a previously registered metric. It reports whether the
// metric was found.
func (r *Registry) Unregister(component, name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := fmt.Sprintf("%s.%s", component, name)
	collector, exists := r.registered[key]
	if !exists {
		return false
	}

	delete(r.registered, key)
	return r.prometheusRegistry.Unregister(collector)
}

func (r *Registry) register(component, name string, c prometheus.Collector, method string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := fmt.Sprintf("%s.%s", component, name)
	if _, exists := r.registered[key]; exists {
		return errors.Wrap(
			fmt.Errorf("metric %s already registered for component %s", name, component),
			"Registry", method, "duplicate metric registration")
	}

	if err := r.prometheusRegistry.Register(c); err != nil {
		var alreadyRegErr prometheus.AlreadyRegisteredError
		if stderrors.As(err, &alreadyRegErr) {
			return errors.Wrap(err, "Registry", method,
				fmt.Sprintf("prometheus conflict for metric %s", name))
		}
		return errors.Wrap(err, "Registry", method, "register collector with prometheus")
	}

	r.registered[key] = c
	return nil
}
