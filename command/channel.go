// Package command provides the request/reply channel layered over the
// stream transport. Outbound commands carry a correlation id; asynchronous
// command_response events resolve the matching waiter.
package command

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"

	"github.com/fibersight/fiberstream/errors"
	"github.com/fibersight/fiberstream/event"
)

// DefaultTimeout bounds how long Execute waits for a response.
const DefaultTimeout = 30 * time.Second

// Sender transmits one outbound payload. The transport manager's Send
// satisfies this.
type Sender func(ctx context.Context, payload []byte) error

// Request is an outbound command. ID is optional; when empty a correlation
// id is generated per call.
type Request struct {
	ID     string         `json:"-"`
	Action string         `json:"action"`
	Target string         `json:"target,omitempty"`
	Params map[string]any `json:"params,omitempty"`
}

// wireCommand is the outbound frame shape. TS is epoch milliseconds.
type wireCommand struct {
	Type      string         `json:"type"`
	CommandID string         `json:"commandId"`
	Action    string         `json:"action"`
	Target    string         `json:"target,omitempty"`
	Params    map[string]any `json:"params,omitempty"`
	TS        int64          `json:"ts"`
}

// Channel correlates outbound commands with their asynchronous responses.
// A duplicate correlation id supersedes the earlier waiter: the new
// registration wins and the old caller gets a synthetic failure. Timed-out
// and superseded commands resolve with a synthetic failure response rather
// than hanging their callers.
type Channel struct {
	sender  Sender
	clock   clock.Clock
	logger  *slog.Logger
	timeout time.Duration

	mu      sync.Mutex
	pending map[string]chan event.CommandResponse
	closed  bool
}

// Option configures a Channel.
type Option func(*Channel)

// WithClock injects the clock driving command timeouts.
func WithClock(clk clock.Clock) Option {
	return func(c *Channel) { c.clock = clk }
}

// WithLogger injects the channel's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Channel) { c.logger = logger }
}

// WithTimeout overrides the per-command response timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Channel) { c.timeout = timeout }
}

// New creates a command channel sending through the given sender.
func New(sender Sender, opts ...Option) *Channel {
	c := &Channel{
		sender:  sender,
		clock:   clock.WallClock,
		logger:  slog.Default(),
		timeout: DefaultTimeout,
		pending: make(map[string]chan event.CommandResponse),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Execute sends a command and blocks until its response arrives, the timeout
// elapses, the context is cancelled, or a duplicate id supersedes it. The
// returned response is synthetic (Success false) for every outcome except a
// real reply.
func (c *Channel) Execute(ctx context.Context, req Request) (event.CommandResponse, error) {
	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}

	respCh, err := c.register(id)
	if err != nil {
		return syntheticFailure(id, "channel closed"), err
	}

	payload, err := json.Marshal(wireCommand{
		Type:      "command",
		CommandID: id,
		Action:    req.Action,
		Target:    req.Target,
		Params:    req.Params,
		TS:        c.clock.Now().UnixMilli(),
	})
	if err != nil {
		c.unregister(id, respCh)
		return syntheticFailure(id, "encode failed"),
			errors.Wrap(err, "Channel", "Execute", "encode command")
	}

	if err := c.sender(ctx, payload); err != nil {
		c.unregister(id, respCh)
		return syntheticFailure(id, "send failed"),
			errors.Wrap(err, "Channel", "Execute", "send command")
	}

	select {
	case resp, ok := <-respCh:
		if !ok {
			return syntheticFailure(id, "superseded by duplicate id"),
				errors.Wrap(errors.ErrCommandSuperseded, "Channel", "Execute", "await response")
		}
		return resp, nil

	case <-c.clock.After(c.timeout):
		c.unregister(id, respCh)
		c.logger.Warn("command timed out", "command_id", id, "action", req.Action)
		return syntheticFailure(id, "command timed out"),
			errors.Wrap(errors.ErrCommandTimeout, "Channel", "Execute", "await response")

	case <-ctx.Done():
		c.unregister(id, respCh)
		return syntheticFailure(id, "cancelled"),
			errors.Wrap(ctx.Err(), "Channel", "Execute", "await response")
	}
}

// HandleResponse resolves the waiter for a command_response event. Unmatched
// responses (late arrivals after a timeout) are dropped with a debug log.
func (c *Channel) HandleResponse(resp event.CommandResponse) {
	c.mu.Lock()
	ch, ok := c.pending[resp.CommandID]
	if ok {
		delete(c.pending, resp.CommandID)
	}
	c.mu.Unlock()

	if !ok {
		c.logger.Debug("unmatched command response", "command_id", resp.CommandID)
		return
	}
	ch <- resp
	close(ch)
}

// Pending returns the number of in-flight commands.
func (c *Channel) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close fails every in-flight command. Subsequent Execute calls error
// immediately.
func (c *Channel) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	pending := c.pending
	c.pending = make(map[string]chan event.CommandResponse)
	c.mu.Unlock()

	for id, ch := range pending {
		ch <- syntheticFailure(id, "channel closed")
		close(ch)
	}
}

// register adds a waiter. A duplicate id closes the previous waiter's
// channel without a response, which its caller reads as superseded.
func (c *Channel) register(id string) (chan event.CommandResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, errors.Wrap(errors.ErrClosed, "Channel", "register", "register command")
	}
	if prev, ok := c.pending[id]; ok {
		close(prev)
	}
	ch := make(chan event.CommandResponse, 1)
	c.pending[id] = ch
	return ch, nil
}

// unregister removes a waiter if it is still the registered one. The channel
// identity check keeps a timed-out caller from evicting a later registration
// under the same id.
func (c *Channel) unregister(id string, ch chan event.CommandResponse) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if current, ok := c.pending[id]; ok && current == ch {
		delete(c.pending, id)
	}
}

func syntheticFailure(id, message string) event.CommandResponse {
	return event.CommandResponse{
		CommandID: id,
		Success:   false,
		Message:   message,
	}
}
