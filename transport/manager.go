package transport

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/clock"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/fibersight/fiberstream/component"
	"github.com/fibersight/fiberstream/errors"
	"github.com/fibersight/fiberstream/metric"
)

// DialFunc builds a transport of the given kind. The default wires up the
// real WebSocket/SSE/polling transports; tests substitute fakes.
type DialFunc func(kind Kind) Transport

// command is an external control request handled by the run loop.
type command int

const (
	cmdPause command = iota
	cmdResume
	cmdReconnect
)

// serveResult tells the run loop why the serve phase ended.
type serveResult int

const (
	serveShutdown serveResult = iota
	serveReconnect
	serveReconnectNow
	servePause
	serveFatal
	serveProceed
)

// Manager owns the stream connection. It walks the transport fallback order
// at initial connect, reconnects with jittered exponential backoff, enforces
// the heartbeat liveness guard, and exposes a single frame channel to the
// consumer regardless of which transport is active.
//
// All connection state is owned by the run goroutine; external calls
// communicate through the command channel.
type Manager struct {
	name   string
	cfg    Config
	clock  clock.Clock
	logger *slog.Logger
	token  TokenProvider
	net    NetworkStatus
	dial   DialFunc

	frames   chan []byte
	statesCh chan StateChange

	mu       sync.RWMutex
	state    State
	kind     Kind
	current  Transport
	lastErr  error
	errCount int

	commands chan command

	shutdown  chan struct{}
	done      chan struct{}
	started   atomic.Bool
	startTime time.Time
	netCancel func()

	framesTotal   atomic.Int64
	bytesTotal    atomic.Int64
	framesDropped atomic.Int64
	lastActivity  atomic.Value // time.Time

	metrics *managerMetrics
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithClock injects the clock driving backoff and heartbeat timers.
func WithClock(clk clock.Clock) ManagerOption {
	return func(m *Manager) { m.clock = clk }
}

// WithLogger injects the manager's logger.
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = logger }
}

// WithTokenProvider injects the bearer token source.
func WithTokenProvider(p TokenProvider) ManagerOption {
	return func(m *Manager) { m.token = p }
}

// WithNetworkStatus injects host connectivity notifications.
func WithNetworkStatus(n NetworkStatus) ManagerOption {
	return func(m *Manager) { m.net = n }
}

// WithDialFunc overrides transport construction. Test hook.
func WithDialFunc(dial DialFunc) ManagerOption {
	return func(m *Manager) { m.dial = dial }
}

// WithMetrics registers connection metrics with the registry.
func WithMetrics(registry *metric.Registry) ManagerOption {
	return func(m *Manager) { m.metrics = newManagerMetrics(registry, m.name) }
}

// NewManager creates a transport manager.
func NewManager(name string, cfg Config, opts ...ManagerOption) *Manager {
	if cfg.FrameBuffer <= 0 {
		cfg.FrameBuffer = DefaultConfig().FrameBuffer
	}
	m := &Manager{
		name:     name,
		cfg:      cfg,
		clock:    clock.WallClock,
		logger:   slog.Default(),
		frames:   make(chan []byte, cfg.FrameBuffer),
		statesCh: make(chan StateChange, 16),
		state:    StateIdle,
		commands: make(chan command, 4),
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.dial == nil {
		m.dial = m.defaultDial
	}
	return m
}

func (m *Manager) defaultDial(kind Kind) Transport {
	switch kind {
	case KindSSE:
		return newSSE(m.cfg, m.token)
	case KindPolling:
		return newPolling(m.cfg, m.token, m.clock)
	default:
		return newWebSocket(m.cfg, m.token)
	}
}

// Initialize validates the configuration.
func (m *Manager) Initialize() error {
	if err := m.cfg.Validate(); err != nil {
		return errors.Wrap(err, "Manager", "Initialize", "validate config")
	}
	return nil
}

// Start launches the connection loop.
func (m *Manager) Start(ctx context.Context) error {
	if !m.started.CompareAndSwap(false, true) {
		return errors.Wrap(errors.ErrAlreadyStarted, "Manager", "Start", "start connection loop")
	}
	m.startTime = m.clock.Now()

	if m.net != nil {
		m.netCancel = m.net.Subscribe(func(online bool) {
			if online {
				m.Resume()
			} else {
				m.Pause()
			}
		})
	}

	go m.run(ctx)
	return nil
}

// Stop closes the connection and waits for the loop to exit.
func (m *Manager) Stop(timeout time.Duration) error {
	if !m.started.Load() {
		return errors.Wrap(errors.ErrNotStarted, "Manager", "Stop", "stop connection loop")
	}
	if m.netCancel != nil {
		m.netCancel()
	}

	m.setState(StateClosing, nil)
	close(m.shutdown)

	select {
	case <-m.done:
		m.setState(StateClosed, nil)
		return nil
	case <-m.clock.After(timeout):
		return errors.Wrap(context.DeadlineExceeded, "Manager", "Stop", "wait for connection loop")
	}
}

// Frames delivers inbound payloads from whichever transport is active. The
// channel closes when the manager stops.
func (m *Manager) Frames() <-chan []byte { return m.frames }

// StateChanges delivers state transitions. Slow consumers miss intermediate
// transitions rather than blocking the connection loop.
func (m *Manager) StateChanges() <-chan StateChange { return m.statesCh }

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// ActiveKind returns the transport kind currently in use.
func (m *Manager) ActiveKind() Kind {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.kind
}

// LastError returns the most recent connection error.
func (m *Manager) LastError() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastErr
}

// Pause suspends the connection without tearing the manager down. Used when
// the host goes offline or the dashboard is hidden.
func (m *Manager) Pause() { m.command(cmdPause) }

// Resume reconnects after a pause.
func (m *Manager) Resume() { m.command(cmdResume) }

// Reconnect forces a fresh connection, also from the error state. The
// backoff attempt counter restarts.
func (m *Manager) Reconnect() { m.command(cmdReconnect) }

func (m *Manager) command(c command) {
	select {
	case m.commands <- c:
	case <-m.shutdown:
	default:
		// Command queue full; the loop is already busy transitioning.
	}
}

// Send transmits a payload over the active transport.
func (m *Manager) Send(ctx context.Context, payload []byte) error {
	m.mu.RLock()
	t := m.current
	state := m.state
	m.mu.RUnlock()

	if state != StateOpen || t == nil {
		return errors.Wrap(errors.ErrNoConnection, "Manager", "Send", "send payload")
	}
	return t.Send(ctx, payload)
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.done)
	defer close(m.frames)

	order := m.cfg.fallbackOrder()
	orderIdx := 0
	everOpened := false
	attempt := 0
	paused := false
	resumed := false

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.shutdown:
			return
		default:
		}

		if paused {
			m.setState(StatePaused, nil)
			switch m.awaitResume(ctx) {
			case serveShutdown:
				return
			default:
				paused = false
				resumed = true
				attempt = 0
				continue
			}
		}

		kind := order[orderIdx]
		// Leaving the paused state re-enters through connecting, not
		// reconnecting, even when a connection existed before the pause.
		if everOpened && !resumed {
			m.setStateAttempt(StateReconnecting, kind, attempt, nil)
		} else {
			m.setStateAttempt(StateConnecting, kind, attempt, nil)
		}
		resumed = false

		t := m.dial(kind)
		err := t.Open(ctx)
		if err != nil {
			_ = t.Close()
			m.recordError(err)
			m.logger.Warn("connect failed",
				"transport", string(kind),
				"attempt", attempt,
				"class", errors.ClassOf(err).String(),
				"error", err)

			// Transport fallback applies only before the first successful
			// open; after that the established transport is retried.
			if !everOpened && orderIdx+1 < len(order) {
				orderIdx++
				continue
			}

			if !errors.Retryable(err) {
				m.setState(StateError, err)
				switch m.awaitCommand(ctx) {
				case serveShutdown:
					return
				case servePause:
					paused = true
				default:
					attempt = 0
					orderIdx = 0
					everOpened = false
				}
				continue
			}

			attempt++
			if m.cfg.MaxRetries > 0 && attempt > m.cfg.MaxRetries {
				m.setState(StateError, errors.ErrRetriesExhausted)
				switch m.awaitCommand(ctx) {
				case serveShutdown:
					return
				case servePause:
					paused = true
				default:
					attempt = 0
					orderIdx = 0
					everOpened = false
				}
				continue
			}

			switch m.awaitBackoff(ctx, attempt-1) {
			case serveShutdown:
				return
			case servePause:
				paused = true
			case serveReconnect:
				attempt = 0
			}
			continue
		}

		everOpened = true
		attempt = 0
		m.setCurrent(t)
		m.setStateAttempt(StateOpen, kind, 0, nil)
		if m.metrics != nil {
			m.metrics.connects.WithLabelValues(string(kind)).Inc()
		}
		m.logger.Info("stream connected", "transport", string(kind), "url", m.cfg.URL)

		result := m.serve(ctx, t)
		m.setCurrent(nil)
		_ = t.Close()

		switch result {
		case serveShutdown:
			return
		case servePause:
			paused = true
		case serveFatal:
			m.setState(StateError, m.LastError())
			switch m.awaitCommand(ctx) {
			case serveShutdown:
				return
			case servePause:
				paused = true
			default:
				attempt = 0
				orderIdx = 0
				everOpened = false
			}
		case serveReconnect:
			// Abnormal drop: the next attempt goes through the backoff
			// schedule, and the counter keeps running into any dial
			// failures that follow.
			attempt++
			if m.cfg.MaxRetries > 0 && attempt > m.cfg.MaxRetries {
				m.setState(StateError, errors.ErrRetriesExhausted)
				switch m.awaitCommand(ctx) {
				case serveShutdown:
					return
				case servePause:
					paused = true
				default:
					attempt = 0
					orderIdx = 0
					everOpened = false
				}
				continue
			}
			m.setStateAttempt(StateReconnecting, kind, attempt, nil)
			switch m.awaitBackoff(ctx, attempt-1) {
			case serveShutdown:
				return
			case servePause:
				paused = true
			case serveReconnect:
				attempt = 0
			}
		case serveReconnectNow:
			// Explicit Reconnect() while open redials immediately.
			attempt = 0
		}
	}
}

// serve pumps frames from an open transport and enforces the heartbeat
// guard: a ping every interval, and a forced reconnect when no inbound
// frame arrives within twice the interval.
func (m *Manager) serve(ctx context.Context, t Transport) serveResult {
	var hbChan <-chan time.Time
	var hbTimer clock.Timer
	if m.cfg.Heartbeat > 0 {
		hbTimer = m.clock.NewTimer(m.cfg.Heartbeat)
		defer hbTimer.Stop()
		hbChan = hbTimer.Chan()
	}
	lastFrame := m.clock.Now()

	for {
		select {
		case <-ctx.Done():
			return serveShutdown
		case <-m.shutdown:
			return serveShutdown

		case c := <-m.commands:
			switch c {
			case cmdPause:
				return servePause
			case cmdReconnect:
				return serveReconnectNow
			}
			// cmdResume while open is a no-op.

		case frame, ok := <-t.Frames():
			if !ok {
				m.recordError(errors.WrapNetwork(errors.ErrConnectionLost, "Manager", "serve", "read frames"))
				return serveReconnect
			}
			lastFrame = m.clock.Now()
			m.deliver(frame)

		case err := <-t.Errors():
			m.recordError(err)
			m.logger.Warn("transport error",
				"transport", string(t.Kind()),
				"class", errors.ClassOf(err).String(),
				"error", err)
			if !errors.Retryable(err) {
				return serveFatal
			}
			return serveReconnect

		case <-hbChan:
			if m.clock.Now().Sub(lastFrame) > 2*m.cfg.Heartbeat {
				err := errors.WrapNetwork(errors.ErrHeartbeatTimeout, "Manager", "serve", "await heartbeat")
				m.recordError(err)
				if m.metrics != nil {
					m.metrics.heartbeatTimeouts.Inc()
				}
				m.logger.Warn("heartbeat timeout", "transport", string(t.Kind()))
				if sc, ok := t.(statusCloser); ok {
					_ = sc.CloseWithStatus(heartbeatCloseCode, "heartbeat timeout")
				}
				return serveReconnect
			}
			// Receive-only transports reject the ping; liveness still rests
			// on the inbound frame guard above.
			_ = t.Send(ctx, []byte(`{"type":"ping"}`))
			hbTimer.Reset(m.cfg.Heartbeat)
		}
	}
}

func (m *Manager) deliver(frame []byte) {
	m.framesTotal.Add(1)
	m.bytesTotal.Add(int64(len(frame)))
	m.lastActivity.Store(m.clock.Now())
	if m.metrics != nil {
		m.metrics.framesReceived.Inc()
	}

	select {
	case m.frames <- frame:
	default:
		// Consumer is behind; drop rather than stall the read pump.
		m.framesDropped.Add(1)
		if m.metrics != nil {
			m.metrics.framesDropped.Inc()
		}
	}
}

// awaitBackoff parks until the backoff delay for the attempt elapses.
func (m *Manager) awaitBackoff(ctx context.Context, attempt int) serveResult {
	delay := m.cfg.Backoff.Delay(attempt)
	m.logger.Debug("reconnect scheduled", "attempt", attempt, "delay", delay)

	timer := m.clock.NewTimer(delay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return serveShutdown
		case <-m.shutdown:
			return serveShutdown
		case <-timer.Chan():
			return serveProceed
		case c := <-m.commands:
			switch c {
			case cmdPause:
				return servePause
			case cmdReconnect:
				return serveReconnect
			}
		}
	}
}

// awaitResume parks in the paused state until Resume or Reconnect.
func (m *Manager) awaitResume(ctx context.Context) serveResult {
	for {
		select {
		case <-ctx.Done():
			return serveShutdown
		case <-m.shutdown:
			return serveShutdown
		case c := <-m.commands:
			if c == cmdResume || c == cmdReconnect {
				return serveReconnect
			}
		}
	}
}

// awaitCommand parks in the error state until an external command arrives.
func (m *Manager) awaitCommand(ctx context.Context) serveResult {
	for {
		select {
		case <-ctx.Done():
			return serveShutdown
		case <-m.shutdown:
			return serveShutdown
		case c := <-m.commands:
			switch c {
			case cmdPause:
				return servePause
			case cmdReconnect, cmdResume:
				return serveReconnect
			}
		}
	}
}

func (m *Manager) setCurrent(t Transport) {
	m.mu.Lock()
	m.current = t
	m.mu.Unlock()
}

func (m *Manager) setState(s State, err error) {
	m.setStateAttempt(s, m.ActiveKind(), 0, err)
}

func (m *Manager) setStateAttempt(s State, kind Kind, attempt int, err error) {
	m.mu.Lock()
	m.state = s
	m.kind = kind
	if err != nil {
		m.lastErr = err
	}
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.stateGauge.Set(stateValue(s))
	}

	select {
	case m.statesCh <- StateChange{State: s, Kind: kind, Attempt: attempt, Err: err}:
	default:
	}
}

func (m *Manager) recordError(err error) {
	m.mu.Lock()
	m.lastErr = err
	m.errCount++
	m.mu.Unlock()
	if m.metrics != nil {
		m.metrics.errorsTotal.WithLabelValues(errors.ClassOf(err).String()).Inc()
	}
}

func stateValue(s State) float64 {
	switch s {
	case StateOpen:
		return 1
	case StateConnecting, StateReconnecting:
		return 0.5
	default:
		return 0
	}
}

// Meta implements component.Inspectable.
func (m *Manager) Meta() component.Metadata {
	return component.Metadata{
		Name:        m.name,
		Type:        "transport",
		Description: "status stream connection manager",
		Version:     "1.0.0",
	}
}

// Health implements component.Inspectable.
func (m *Manager) Health() component.HealthStatus {
	m.mu.RLock()
	state := m.state
	errCount := m.errCount
	lastErr := m.lastErr
	m.mu.RUnlock()

	h := component.HealthStatus{
		Healthy:    state == StateOpen,
		LastCheck:  m.clock.Now(),
		ErrorCount: errCount,
	}
	if lastErr != nil {
		h.LastError = lastErr.Error()
	}
	if m.started.Load() {
		h.Uptime = m.clock.Now().Sub(m.startTime)
	}
	return h
}

// DataFlow implements component.Inspectable.
func (m *Manager) DataFlow() component.FlowMetrics {
	f := component.FlowMetrics{}
	if m.started.Load() {
		elapsed := m.clock.Now().Sub(m.startTime).Seconds()
		if elapsed > 0 {
			f.MessagesPerSecond = float64(m.framesTotal.Load()) / elapsed
			f.BytesPerSecond = float64(m.bytesTotal.Load()) / elapsed
		}
		total := m.framesTotal.Load()
		if total > 0 {
			f.ErrorRate = float64(m.framesDropped.Load()) / float64(total)
		}
	}
	if v, ok := m.lastActivity.Load().(time.Time); ok {
		f.LastActivity = v
	}
	return f
}

// managerMetrics exposes connection metrics via Prometheus.
type managerMetrics struct {
	stateGauge        prometheus.Gauge
	connects          *prometheus.CounterVec
	framesReceived    prometheus.Counter
	framesDropped     prometheus.Counter
	heartbeatTimeouts prometheus.Counter
	errorsTotal       *prometheus.CounterVec
}

func newManagerMetrics(registry *metric.Registry, name string) *managerMetrics {
	if registry == nil {
		return nil
	}

	mm := &managerMetrics{
		stateGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fiberstream", Subsystem: "transport", Name: "connection_state",
			Help: "Connection state (1 open, 0.5 connecting, 0 down)",
		}),
		connects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fiberstream", Subsystem: "transport", Name: "connects_total",
			Help: "Successful connections by transport kind",
		}, []string{"kind"}),
		framesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fiberstream", Subsystem: "transport", Name: "frames_received_total",
			Help: "Inbound frames received",
		}),
		framesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fiberstream", Subsystem: "transport", Name: "frames_dropped_total",
			Help: "Inbound frames dropped because the consumer was behind",
		}),
		heartbeatTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fiberstream", Subsystem: "transport", Name: "heartbeat_timeouts_total",
			Help: "Connections closed by the liveness guard",
		}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fiberstream", Subsystem: "transport", Name: "errors_total",
			Help: "Connection errors by class",
		}, []string{"class"}),
	}

	_ = registry.RegisterGauge(name, "connection_state", mm.stateGauge)
	_ = registry.RegisterCounterVec(name, "connects", mm.connects)
	_ = registry.RegisterCounter(name, "frames_received", mm.framesReceived)
	_ = registry.RegisterCounter(name, "frames_dropped", mm.framesDropped)
	_ = registry.RegisterCounter(name, "heartbeat_timeouts", mm.heartbeatTimeouts)
	_ = registry.RegisterCounterVec(name, "errors", mm.errorsTotal)

	return mm
}
