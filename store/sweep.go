package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/juju/clock"

	"github.com/fibersight/fiberstream/errors"
)

// DefaultSweepInterval is how often the sweeper scans for expired metrics
// and auto-clearing alerts.
const DefaultSweepInterval = 15 * time.Second

// Sweeper periodically removes expired host metrics and auto-clear alerts
// from a store. It follows the component lifecycle: Initialize, Start with a
// context, Stop with a timeout.
type Sweeper struct {
	store    *Store
	clock    clock.Clock
	logger   *slog.Logger
	interval time.Duration

	shutdown chan struct{}
	done     chan struct{}
	started  bool
}

// SweeperOption configures a Sweeper.
type SweeperOption func(*Sweeper)

// WithSweepInterval overrides the sweep interval.
func WithSweepInterval(interval time.Duration) SweeperOption {
	return func(s *Sweeper) { s.interval = interval }
}

// WithSweepClock injects the clock driving the sweep ticker.
func WithSweepClock(clk clock.Clock) SweeperOption {
	return func(s *Sweeper) { s.clock = clk }
}

// WithSweepLogger injects the sweeper's logger.
func WithSweepLogger(logger *slog.Logger) SweeperOption {
	return func(s *Sweeper) { s.logger = logger }
}

// NewSweeper creates a sweeper for the given store.
func NewSweeper(store *Store, opts ...SweeperOption) *Sweeper {
	s := &Sweeper{
		store:    store,
		clock:    clock.WallClock,
		logger:   slog.Default(),
		interval: DefaultSweepInterval,
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Initialize validates the sweeper configuration.
func (s *Sweeper) Initialize() error {
	if s.store == nil {
		return errors.Wrap(errors.ErrInvalidConfig, "Sweeper", "Initialize", "validate store")
	}
	if s.interval <= 0 {
		return errors.Wrap(errors.ErrInvalidConfig, "Sweeper", "Initialize", "validate interval")
	}
	return nil
}

// Start launches the sweep loop. It returns once the loop is running.
func (s *Sweeper) Start(ctx context.Context) error {
	if s.started {
		return errors.Wrap(errors.ErrAlreadyStarted, "Sweeper", "Start", "start sweep loop")
	}
	s.started = true

	go s.run(ctx)
	return nil
}

// Stop signals the loop and waits up to timeout for it to exit.
func (s *Sweeper) Stop(timeout time.Duration) error {
	if !s.started {
		return errors.Wrap(errors.ErrNotStarted, "Sweeper", "Stop", "stop sweep loop")
	}

	close(s.shutdown)
	select {
	case <-s.done:
		return nil
	case <-s.clock.After(timeout):
		return errors.Wrap(context.DeadlineExceeded, "Sweeper", "Stop", "wait for sweep loop")
	}
}

func (s *Sweeper) run(ctx context.Context) {
	defer close(s.done)

	timer := s.clock.NewTimer(s.interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.shutdown:
			return
		case <-timer.Chan():
			expired := s.store.SweepExpiredMetrics()
			cleared := s.store.SweepAutoClear()
			if expired > 0 || cleared > 0 {
				s.logger.Debug("sweep completed",
					"expired_metrics", expired,
					"cleared_alerts", cleared)
			}
			timer.Reset(s.interval)
		}
	}
}
