// Package fanout republishes canonical stream events onto NATS subjects so
// other services (recorders, alerting pipelines, secondary dashboards) can
// consume the reconciled feed without holding their own upstream connection.
package fanout

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/fibersight/fiberstream/errors"
	"github.com/fibersight/fiberstream/event"
	"github.com/fibersight/fiberstream/metric"
)

// Config holds the NATS fanout settings.
type Config struct {
	// URL is the NATS server address. Empty disables the fanout.
	URL string `yaml:"url"`
	// SubjectPrefix is prepended to every published subject.
	SubjectPrefix string `yaml:"subject_prefix"`
	// Name identifies this client to the NATS server.
	Name string `yaml:"name"`
}

// DefaultConfig returns the fanout defaults.
func DefaultConfig() Config {
	return Config{
		SubjectPrefix: "fiber",
		Name:          "fiberstream",
	}
}

// Publisher mirrors canonical events onto NATS. Publish failures are counted
// and logged but never propagate: the fanout is best-effort and must not
// stall the reconciliation path.
type Publisher struct {
	cfg    Config
	logger *slog.Logger
	conn   *nats.Conn

	metrics *publisherMetrics
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithLogger injects the publisher's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Publisher) { p.logger = logger }
}

// WithMetrics registers fanout metrics with the registry.
func WithMetrics(registry *metric.Registry) Option {
	return func(p *Publisher) { p.metrics = newPublisherMetrics(registry) }
}

// New creates a NATS publisher.
func New(cfg Config, opts ...Option) *Publisher {
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = DefaultConfig().SubjectPrefix
	}
	p := &Publisher{
		cfg:    cfg,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Initialize validates the configuration.
func (p *Publisher) Initialize() error {
	if p.cfg.URL == "" {
		return errors.Wrap(errors.ErrInvalidConfig, "Publisher", "Initialize", "validate nats url")
	}
	return nil
}

// Start connects to NATS. The client reconnects on its own; a lost broker
// only pauses the fanout.
func (p *Publisher) Start(_ context.Context) error {
	conn, err := nats.Connect(p.cfg.URL,
		nats.Name(p.cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			p.logger.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			p.logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return errors.Wrap(err, "Publisher", "Start", "connect to nats")
	}
	p.conn = conn
	p.logger.Info("nats fanout connected", "url", p.cfg.URL, "prefix", p.cfg.SubjectPrefix)
	return nil
}

// Stop drains the connection so buffered publishes flush before close.
func (p *Publisher) Stop(timeout time.Duration) error {
	if p.conn == nil {
		return nil
	}
	if err := p.conn.FlushTimeout(timeout); err != nil {
		p.conn.Close()
		return errors.Wrap(err, "Publisher", "Stop", "flush nats connection")
	}
	p.conn.Close()
	return nil
}

// Publish mirrors one canonical event. Ping, pong, command responses and
// unknown payloads are not republished.
func (p *Publisher) Publish(ev event.Event) {
	if p.conn == nil {
		return
	}

	var subject string
	var body any
	switch ev.Kind {
	case event.KindTopology:
		subject = p.cfg.SubjectPrefix + ".topology"
		body = ev.Topology
	case event.KindMetrics:
		subject = p.cfg.SubjectPrefix + ".metrics." + ev.Metrics.Host
		body = ev.Metrics
	case event.KindAlert:
		subject = p.cfg.SubjectPrefix + ".alerts"
		body = ev.Alert
	default:
		return
	}

	payload, err := json.Marshal(body)
	if err != nil {
		p.fail(subject, err)
		return
	}
	if err := p.conn.Publish(subject, payload); err != nil {
		p.fail(subject, err)
		return
	}
	if p.metrics != nil {
		p.metrics.published.WithLabelValues(string(ev.Kind)).Inc()
	}
}

func (p *Publisher) fail(subject string, err error) {
	p.logger.Warn("fanout publish failed", "subject", subject, "error", err)
	if p.metrics != nil {
		p.metrics.failures.Inc()
	}
}

// Connected reports whether the NATS connection is up.
func (p *Publisher) Connected() bool {
	return p.conn != nil && p.conn.IsConnected()
}

type publisherMetrics struct {
	published *prometheus.CounterVec
	failures  prometheus.Counter
}

func newPublisherMetrics(registry *metric.Registry) *publisherMetrics {
	if registry == nil {
		return nil
	}

	pm := &publisherMetrics{
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fiberstream", Subsystem: "fanout", Name: "published_total",
			Help: "Events republished to NATS by kind",
		}, []string{"kind"}),
		failures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fiberstream", Subsystem: "fanout", Name: "failures_total",
			Help: "Publish failures",
		}),
	}

	_ = registry.RegisterCounterVec("fanout", "published", pm.published)
	_ = registry.RegisterCounter("fanout", "failures", pm.failures)

	return pm
}
