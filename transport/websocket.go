package transport

import (
	"context"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fibersight/fiberstream/errors"
)

const writeTimeout = 10 * time.Second

// wsTransport is the WebSocket transport. It is the only bidirectional
// transport: Send delivers commands over the same connection.
type wsTransport struct {
	cfg   Config
	token TokenProvider

	conn    *websocket.Conn
	writeMu sync.Mutex

	frames chan []byte
	errs   chan error
	closed chan struct{}
	once   sync.Once
}

func newWebSocket(cfg Config, token TokenProvider) *wsTransport {
	return &wsTransport{
		cfg:    cfg,
		token:  token,
		frames: make(chan []byte, cfg.FrameBuffer),
		errs:   make(chan error, 1),
		closed: make(chan struct{}),
	}
}

func (t *wsTransport) Kind() Kind { return KindWebSocket }

// Open dials the endpoint and starts the read pump. Dial failures are
// classified from the handshake response so the reconnect policy can tell an
// expired token from a flaky network.
func (t *wsTransport) Open(ctx context.Context) error {
	u, err := url.Parse(t.cfg.URL)
	if err != nil {
		return errors.WrapProtocol(err, "wsTransport", "Open", "parse url")
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}

	header := cloneHeader(t.cfg.Headers)
	if err := authorize(ctx, t.token, t.cfg, header, u); err != nil {
		return errors.WrapAuth(err, "wsTransport", "Open", "resolve token")
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			class := errors.ClassifyStatusCode(resp.StatusCode)
			return errors.WrapClass(class, err, "wsTransport", "Open", "dial")
		}
		return errors.WrapNetwork(err, "wsTransport", "Open", "dial")
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.conn = conn

	go t.readPump()
	return nil
}

func (t *wsTransport) readPump() {
	defer close(t.frames)
	for {
		_, payload, err := t.conn.ReadMessage()
		if err != nil {
			select {
			case <-t.closed:
				// Deliberate close, not an error.
			default:
				t.errs <- errors.WrapNetwork(err, "wsTransport", "readPump", "read message")
			}
			return
		}
		select {
		case t.frames <- payload:
		case <-t.closed:
			return
		}
	}
}

// Send writes a text frame. Writes are serialized; gorilla allows only one
// concurrent writer.
func (t *wsTransport) Send(ctx context.Context, payload []byte) error {
	if t.conn == nil {
		return errors.Wrap(errors.ErrNoConnection, "wsTransport", "Send", "write message")
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = t.conn.SetWriteDeadline(deadline)
	if err := t.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return errors.WrapNetwork(err, "wsTransport", "Send", "write message")
	}
	return nil
}

func (t *wsTransport) Frames() <-chan []byte { return t.frames }
func (t *wsTransport) Errors() <-chan error  { return t.errs }

// Close sends a normal closure frame and tears the connection down.
func (t *wsTransport) Close() error {
	return t.CloseWithStatus(websocket.CloseNormalClosure, "")
}

// CloseWithStatus closes with an explicit status code. The manager uses code
// 4000 to mark heartbeat timeouts on the wire.
func (t *wsTransport) CloseWithStatus(code int, reason string) error {
	var err error
	t.once.Do(func() {
		close(t.closed)
		if t.conn == nil {
			return
		}
		msg := websocket.FormatCloseMessage(code, reason)
		t.writeMu.Lock()
		_ = t.conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = t.conn.WriteMessage(websocket.CloseMessage, msg)
		t.writeMu.Unlock()
		err = t.conn.Close()
	})
	return err
}
