// Package client wires the stream pipeline together: transport manager,
// event classification, reconciliation store, command channel and optional
// NATS fanout. A single event-loop goroutine owns dispatch, so reducers run
// strictly in arrival order.
package client

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/juju/clock"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/fibersight/fiberstream/command"
	"github.com/fibersight/fiberstream/component"
	"github.com/fibersight/fiberstream/errors"
	"github.com/fibersight/fiberstream/event"
	"github.com/fibersight/fiberstream/fanout"
	"github.com/fibersight/fiberstream/metric"
	"github.com/fibersight/fiberstream/store"
	"github.com/fibersight/fiberstream/transport"
)

// Config holds the client settings.
type Config struct {
	// Transport is the stream connection configuration.
	Transport transport.Config `yaml:"transport"`
	// CommandTimeout bounds how long a command waits for its response.
	CommandTimeout time.Duration `yaml:"command_timeout"`
	// AlertCapacity bounds the alert history.
	AlertCapacity int `yaml:"alert_capacity"`
	// SweepInterval is how often expired metrics and auto-clear alerts are
	// removed.
	SweepInterval time.Duration `yaml:"sweep_interval"`
	// EventBuffer is the capacity of the observer event channel.
	EventBuffer int `yaml:"event_buffer"`
}

// DefaultConfig returns the client defaults.
func DefaultConfig() Config {
	return Config{
		Transport:      transport.DefaultConfig(),
		CommandTimeout: command.DefaultTimeout,
		AlertCapacity:  store.DefaultAlertCapacity,
		SweepInterval:  store.DefaultSweepInterval,
		EventBuffer:    64,
	}
}

// Client is the top-level stream client.
type Client struct {
	name   string
	cfg    Config
	clock  clock.Clock
	logger *slog.Logger

	manager  *transport.Manager
	store    *store.Store
	commands *command.Channel
	classify *event.Classifier
	sweeper  *store.Sweeper
	fanout   *fanout.Publisher

	events chan event.Event

	// Collected by options before the subsystems are built.
	managerOpts []transport.ManagerOption
	registry    *metric.Registry

	shutdown  chan struct{}
	done      chan struct{}
	started   atomic.Bool
	startTime time.Time

	eventsSeen    atomic.Int64
	bytesSeen     atomic.Int64
	unknownSeen   atomic.Int64
	eventsDropped atomic.Int64
	errCount      atomic.Int64
	lastActivity  atomic.Value // time.Time

	metrics *clientMetrics
}

// Option configures a Client.
type Option func(*Client)

// WithClock injects the clock shared by every timed subsystem.
func WithClock(clk clock.Clock) Option {
	return func(c *Client) { c.clock = clk }
}

// WithLogger injects the client's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithTokenProvider injects the bearer token source for the transport.
func WithTokenProvider(p transport.TokenProvider) Option {
	return func(c *Client) { c.managerOpts = append(c.managerOpts, transport.WithTokenProvider(p)) }
}

// WithNetworkStatus injects host connectivity notifications.
func WithNetworkStatus(n transport.NetworkStatus) Option {
	return func(c *Client) { c.managerOpts = append(c.managerOpts, transport.WithNetworkStatus(n)) }
}

// WithDialFunc overrides transport construction. Test hook.
func WithDialFunc(dial transport.DialFunc) Option {
	return func(c *Client) { c.managerOpts = append(c.managerOpts, transport.WithDialFunc(dial)) }
}

// WithMetrics registers all pipeline metrics with the registry.
func WithMetrics(registry *metric.Registry) Option {
	return func(c *Client) { c.registry = registry }
}

// WithFanout attaches a NATS publisher mirroring canonical events.
func WithFanout(p *fanout.Publisher) Option {
	return func(c *Client) { c.fanout = p }
}

// New creates a stream client.
func New(name string, cfg Config, opts ...Option) *Client {
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = command.DefaultTimeout
	}
	if cfg.AlertCapacity <= 0 {
		cfg.AlertCapacity = store.DefaultAlertCapacity
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = store.DefaultSweepInterval
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = DefaultConfig().EventBuffer
	}

	c := &Client{
		name:     name,
		cfg:      cfg,
		clock:    clock.WallClock,
		logger:   slog.Default(),
		events:   make(chan event.Event, cfg.EventBuffer),
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	managerOpts := append([]transport.ManagerOption{
		transport.WithClock(c.clock),
		transport.WithLogger(c.logger),
	}, c.managerOpts...)

	storeOpts := []store.Option{
		store.WithClock(c.clock),
		store.WithLogger(c.logger),
		store.WithAlertCapacity(cfg.AlertCapacity),
	}

	if c.registry != nil {
		managerOpts = append(managerOpts, transport.WithMetrics(c.registry))
		storeOpts = append(storeOpts, store.WithMetrics(c.registry))
		c.metrics = newClientMetrics(c.registry, name)
	}

	c.manager = transport.NewManager(name+"-transport", cfg.Transport, managerOpts...)
	c.store = store.New(storeOpts...)
	c.commands = command.New(c.manager.Send,
		command.WithClock(c.clock),
		command.WithLogger(c.logger),
		command.WithTimeout(cfg.CommandTimeout))
	c.classify = event.NewClassifier(c.clock)
	c.sweeper = store.NewSweeper(c.store,
		store.WithSweepClock(c.clock),
		store.WithSweepLogger(c.logger),
		store.WithSweepInterval(cfg.SweepInterval))

	return c
}

// Initialize validates configuration across the pipeline.
func (c *Client) Initialize() error {
	if err := c.manager.Initialize(); err != nil {
		return errors.Wrap(err, "Client", "Initialize", "initialize transport")
	}
	if err := c.sweeper.Initialize(); err != nil {
		return errors.Wrap(err, "Client", "Initialize", "initialize sweeper")
	}
	if c.fanout != nil {
		if err := c.fanout.Initialize(); err != nil {
			return errors.Wrap(err, "Client", "Initialize", "initialize fanout")
		}
	}
	return nil
}

// Start connects the transport and launches the event loop.
func (c *Client) Start(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return errors.Wrap(errors.ErrAlreadyStarted, "Client", "Start", "start event loop")
	}
	c.startTime = c.clock.Now()

	if c.fanout != nil {
		if err := c.fanout.Start(ctx); err != nil {
			// Fanout is best-effort; run without it rather than failing the
			// whole client.
			c.logger.Warn("fanout unavailable", "error", err)
			c.fanout = nil
		}
	}
	if err := c.manager.Start(ctx); err != nil {
		return errors.Wrap(err, "Client", "Start", "start transport")
	}
	if err := c.sweeper.Start(ctx); err != nil {
		return errors.Wrap(err, "Client", "Start", "start sweeper")
	}

	go c.run(ctx)
	c.logger.Info("stream client started", "url", c.cfg.Transport.URL)
	return nil
}

// Stop shuts the pipeline down: transport first so the frame channel drains,
// then the loop, sweeper, command channel and fanout.
func (c *Client) Stop(timeout time.Duration) error {
	if !c.started.Load() {
		return errors.Wrap(errors.ErrNotStarted, "Client", "Stop", "stop event loop")
	}

	var firstErr error
	if err := c.manager.Stop(timeout); err != nil && firstErr == nil {
		firstErr = err
	}

	close(c.shutdown)
	select {
	case <-c.done:
	case <-c.clock.After(timeout):
		if firstErr == nil {
			firstErr = errors.Wrap(context.DeadlineExceeded, "Client", "Stop", "wait for event loop")
		}
	}

	if err := c.sweeper.Stop(timeout); err != nil && firstErr == nil {
		firstErr = err
	}
	c.commands.Close()
	if c.fanout != nil {
		if err := c.fanout.Stop(timeout); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Store exposes the reconciliation store for projections.
func (c *Client) Store() *store.Store { return c.store }

// Transport exposes the connection manager for pause/resume/reconnect.
func (c *Client) Transport() *transport.Manager { return c.manager }

// Execute sends a command and waits for its correlated response.
func (c *Client) Execute(ctx context.Context, req command.Request) (event.CommandResponse, error) {
	return c.commands.Execute(ctx, req)
}

// Events delivers every classified event to an observer. Slow observers miss
// events rather than stalling the pipeline.
func (c *Client) Events() <-chan event.Event { return c.events }

func (c *Client) run(ctx context.Context) {
	defer close(c.done)

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.shutdown:
			return

		case frame, ok := <-c.manager.Frames():
			if !ok {
				return
			}
			c.handleFrame(ctx, frame)

		case sc := <-c.manager.StateChanges():
			c.logger.Debug("connection state",
				"state", string(sc.State),
				"transport", string(sc.Kind),
				"attempt", sc.Attempt)
			if sc.Err != nil {
				c.errCount.Add(1)
			}
		}
	}
}

func (c *Client) handleFrame(ctx context.Context, frame []byte) {
	c.eventsSeen.Add(1)
	c.bytesSeen.Add(int64(len(frame)))
	c.lastActivity.Store(c.clock.Now())

	ev := c.classify.Classify(frame)
	if c.metrics != nil {
		c.metrics.eventsTotal.WithLabelValues(string(ev.Kind)).Inc()
	}

	switch ev.Kind {
	case event.KindPing:
		// The peer probes us; answer so it keeps the connection up.
		if err := c.manager.Send(ctx, []byte(`{"type":"pong"}`)); err != nil {
			c.logger.Debug("pong reply failed", "error", err)
		}

	case event.KindPong:
		// Inbound frames already refreshed the liveness guard.

	case event.KindCommandResponse:
		c.commands.HandleResponse(*ev.Command)

	case event.KindTopology, event.KindMetrics, event.KindAlert:
		c.store.Apply(ev)
		if c.fanout != nil {
			c.fanout.Publish(ev)
		}

	case event.KindUnknown:
		c.unknownSeen.Add(1)
		c.logger.Debug("unclassified payload", "bytes", len(frame))
	}

	// Observers get every event, unknown included.
	select {
	case c.events <- ev:
	default:
		c.eventsDropped.Add(1)
	}
}

// Meta implements component.Inspectable.
func (c *Client) Meta() component.Metadata {
	return component.Metadata{
		Name:        c.name,
		Type:        "client",
		Description: "fiber network status stream client",
		Version:     "1.0.0",
	}
}

// Health implements component.Inspectable.
func (c *Client) Health() component.HealthStatus {
	h := component.HealthStatus{
		Healthy:    c.manager.State() == transport.StateOpen,
		LastCheck:  c.clock.Now(),
		ErrorCount: int(c.errCount.Load()),
	}
	if err := c.manager.LastError(); err != nil {
		h.LastError = err.Error()
	}
	if c.started.Load() {
		h.Uptime = c.clock.Now().Sub(c.startTime)
	}
	return h
}

// DataFlow implements component.Inspectable.
func (c *Client) DataFlow() component.FlowMetrics {
	f := component.FlowMetrics{}
	if c.started.Load() {
		elapsed := c.clock.Now().Sub(c.startTime).Seconds()
		if elapsed > 0 {
			f.MessagesPerSecond = float64(c.eventsSeen.Load()) / elapsed
			f.BytesPerSecond = float64(c.bytesSeen.Load()) / elapsed
		}
		if total := c.eventsSeen.Load(); total > 0 {
			f.ErrorRate = float64(c.unknownSeen.Load()) / float64(total)
		}
	}
	if v, ok := c.lastActivity.Load().(time.Time); ok {
		f.LastActivity = v
	}
	return f
}

type clientMetrics struct {
	eventsTotal *prometheus.CounterVec
}

func newClientMetrics(registry *metric.Registry, name string) *clientMetrics {
	if registry == nil {
		return nil
	}

	cm := &clientMetrics{
		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fiberstream", Subsystem: "client", Name: "events_total",
			Help: "Classified events by kind",
		}, []string{"kind"}),
	}
	_ = registry.RegisterCounterVec(name, "events", cm.eventsTotal)
	return cm
}
