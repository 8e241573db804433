package transport

import (
	"bufio"
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/fibersight/fiberstream/errors"
)

// sseTransport consumes a server-sent-events stream. It is receive only;
// Send reports that no command channel is available so callers can degrade.
type sseTransport struct {
	cfg   Config
	token TokenProvider

	client *http.Client
	cancel context.CancelFunc

	frames chan []byte
	errs   chan error
	closed chan struct{}
	once   sync.Once
}

func newSSE(cfg Config, token TokenProvider) *sseTransport {
	return &sseTransport{
		cfg:    cfg,
		token:  token,
		client: &http.Client{},
		frames: make(chan []byte, cfg.FrameBuffer),
		errs:   make(chan error, 1),
		closed: make(chan struct{}),
	}
}

func (t *sseTransport) Kind() Kind { return KindSSE }

func (t *sseTransport) Open(ctx context.Context) error {
	u, err := url.Parse(t.cfg.URL)
	if err != nil {
		return errors.WrapProtocol(err, "sseTransport", "Open", "parse url")
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	}

	header := cloneHeader(t.cfg.Headers)
	header.Set("Accept", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	if err := authorize(ctx, t.token, t.cfg, header, u); err != nil {
		return errors.WrapAuth(err, "sseTransport", "Open", "resolve token")
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, u.String(), nil)
	if err != nil {
		cancel()
		return errors.WrapProtocol(err, "sseTransport", "Open", "build request")
	}
	req.Header = header

	resp, err := t.client.Do(req)
	if err != nil {
		cancel()
		return errors.WrapNetwork(err, "sseTransport", "Open", "connect stream")
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		cancel()
		class := errors.ClassifyStatusCode(resp.StatusCode)
		return errors.WrapClass(class, errors.ErrNoConnection, "sseTransport", "Open", "connect stream")
	}

	go t.readPump(resp)
	return nil
}

// readPump parses the event-stream framing: "data:" lines accumulate until a
// blank line terminates the event. Comment lines (leading colon) are server
// keepalives and reset nothing here; the manager's liveness guard only cares
// about data frames.
func (t *sseTransport) readPump(resp *http.Response) {
	defer close(t.frames)
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if data.Len() > 0 {
				payload := []byte(data.String())
				data.Reset()
				select {
				case t.frames <- payload:
				case <-t.closed:
					return
				}
			}
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
		// event:/id:/retry: fields and comments are ignored.
	}

	if err := scanner.Err(); err != nil {
		select {
		case <-t.closed:
		default:
			t.errs <- errors.WrapNetwork(err, "sseTransport", "readPump", "read stream")
		}
	}
}

// Send is unsupported: SSE is a one-way stream.
func (t *sseTransport) Send(_ context.Context, _ []byte) error {
	return errors.Wrap(errors.ErrNoConnection, "sseTransport", "Send", "send on receive-only transport")
}

func (t *sseTransport) Frames() <-chan []byte { return t.frames }
func (t *sseTransport) Errors() <-chan error  { return t.errs }

func (t *sseTransport) Close() error {
	t.once.Do(func() {
		close(t.closed)
		if t.cancel != nil {
			t.cancel()
		}
	})
	return nil
}
