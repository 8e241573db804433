// Package transport maintains the live status stream connection. It dials
// one of three transports (WebSocket, SSE, long polling), fails over between
// them on the initial connect, and reconnects with jittered exponential
// backoff when an established connection drops.
package transport

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/fibersight/fiberstream/errors"
	"github.com/fibersight/fiberstream/pkg/backoff"
)

// Kind identifies a concrete transport mechanism.
type Kind string

const (
	// KindAuto picks by URL scheme: ws(s) endpoints try WebSocket first,
	// everything else starts at SSE, with polling as the final fallback.
	KindAuto Kind = "auto"
	// KindWebSocket is a bidirectional WebSocket connection.
	KindWebSocket Kind = "websocket"
	// KindSSE is a server-sent-events stream. Receive only.
	KindSSE Kind = "sse"
	// KindPolling is repeated HTTP GET long polling. Receive only.
	KindPolling Kind = "polling"
)

// State is the connection state visible to consumers.
type State string

const (
	StateIdle         State = "idle"
	StateConnecting   State = "connecting"
	StateOpen         State = "open"
	StateReconnecting State = "reconnecting"
	StatePaused       State = "paused"
	StateClosing      State = "closing"
	StateClosed       State = "closed"
	StateError        State = "error"
)

// StateChange is emitted on every state transition.
type StateChange struct {
	State   State
	Kind    Kind
	Attempt int
	Err     error
}

// Transport is one concrete connection. Open establishes it; Frames delivers
// inbound payloads until the channel closes; Errors surfaces asynchronous
// failures. A transport is single-use: once closed it is not reopened.
type Transport interface {
	Open(ctx context.Context) error
	Send(ctx context.Context, payload []byte) error
	Frames() <-chan []byte
	Errors() <-chan error
	Close() error
	Kind() Kind
}

// statusCloser is implemented by transports that support a close status code
// on the wire (WebSocket). The manager uses it to signal heartbeat timeouts.
type statusCloser interface {
	CloseWithStatus(code int, reason string) error
}

// heartbeatCloseCode is sent when the liveness guard fires.
const heartbeatCloseCode = 4000

// Config holds the stream connection settings.
type Config struct {
	// URL is the stream endpoint. Scheme may be ws(s) or http(s); each
	// transport rewrites it as needed.
	URL string `yaml:"url"`

	// Transport selects the mechanism. KindAuto enables initial-connect
	// failover: WebSocket for ws(s) URLs, then SSE, then polling.
	Transport Kind `yaml:"transport"`

	// Heartbeat is the ping interval. A connection with no inbound frame
	// for twice this interval is considered dead. Zero disables the guard.
	Heartbeat time.Duration `yaml:"heartbeat"`

	// PollInterval is the delay between polling requests.
	PollInterval time.Duration `yaml:"poll_interval"`

	// MaxRetries bounds consecutive failed reconnect attempts. Zero means
	// retry forever.
	MaxRetries int `yaml:"max_retries"`

	// Backoff controls the reconnect delay schedule.
	Backoff backoff.Policy `yaml:"backoff"`

	// Headers are added to every dial and poll request.
	Headers http.Header `yaml:"-"`

	// TokenInQuery appends the bearer token as a query parameter instead of
	// an Authorization header. Needed for peers that cannot read headers
	// during the WebSocket upgrade.
	TokenInQuery bool `yaml:"token_in_query"`

	// FrameBuffer is the capacity of the inbound frame channel.
	FrameBuffer int `yaml:"frame_buffer"`
}

// DefaultConfig returns the stream defaults.
func DefaultConfig() Config {
	return Config{
		Transport:    KindAuto,
		Heartbeat:    15 * time.Second,
		PollInterval: 5 * time.Second,
		Backoff:      backoff.DefaultPolicy(),
		FrameBuffer:  256,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.URL == "" {
		return errors.Wrap(errors.ErrInvalidConfig, "Config", "Validate", "check url")
	}
	switch c.Transport {
	case KindAuto, KindWebSocket, KindSSE, KindPolling:
	default:
		return errors.Wrap(errors.ErrInvalidConfig, "Config", "Validate", "check transport kind")
	}
	if c.Heartbeat < 0 || c.PollInterval < 0 || c.MaxRetries < 0 {
		return errors.Wrap(errors.ErrInvalidConfig, "Config", "Validate", "check durations")
	}
	return nil
}

// fallbackOrder returns the transports to try at initial connect. WebSocket
// leads only when the endpoint scheme asks for it; plain http(s) endpoints
// start at SSE and fall back once to polling.
func (c Config) fallbackOrder() []Kind {
	if c.Transport != KindAuto {
		return []Kind{c.Transport}
	}
	if u, err := url.Parse(c.URL); err == nil {
		if u.Scheme == "ws" || u.Scheme == "wss" {
			return []Kind{KindWebSocket, KindSSE, KindPolling}
		}
	}
	return []Kind{KindSSE, KindPolling}
}
