package transport

import (
	"bufio"
	"bytes"
	"context"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/juju/clock"

	"github.com/fibersight/fiberstream/errors"
)

// pollTransport fetches the endpoint on an interval. Each response body is
// split on newlines and every non-empty line is delivered as one frame, so a
// backend that batches several events per poll still produces one frame per
// event. Receive only.
type pollTransport struct {
	cfg   Config
	token TokenProvider
	clock clock.Clock

	client *http.Client
	cancel context.CancelFunc

	frames chan []byte
	errs   chan error
	closed chan struct{}
	once   sync.Once
}

func newPolling(cfg Config, token TokenProvider, clk clock.Clock) *pollTransport {
	if clk == nil {
		clk = clock.WallClock
	}
	return &pollTransport{
		cfg:    cfg,
		token:  token,
		clock:  clk,
		client: &http.Client{Timeout: 30 * time.Second},
		frames: make(chan []byte, cfg.FrameBuffer),
		errs:   make(chan error, 1),
		closed: make(chan struct{}),
	}
}

func (t *pollTransport) Kind() Kind { return KindPolling }

// Open performs one synchronous fetch so connect failures surface the same
// way as the other transports, then polls on the configured interval.
func (t *pollTransport) Open(ctx context.Context) error {
	u, err := url.Parse(t.cfg.URL)
	if err != nil {
		return errors.WrapProtocol(err, "pollTransport", "Open", "parse url")
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	}

	pollCtx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel

	if err := t.fetch(ctx, u); err != nil {
		cancel()
		return err
	}

	go t.loop(pollCtx, u)
	return nil
}

func (t *pollTransport) loop(ctx context.Context, u *url.URL) {
	defer close(t.frames)

	interval := t.cfg.PollInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	timer := t.clock.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.closed:
			return
		case <-timer.Chan():
			if err := t.fetch(ctx, u); err != nil {
				select {
				case t.errs <- err:
				case <-t.closed:
				}
				return
			}
			timer.Reset(interval)
		}
	}
}

func (t *pollTransport) fetch(ctx context.Context, u *url.URL) error {
	reqURL := *u
	header := cloneHeader(t.cfg.Headers)
	if err := authorize(ctx, t.token, t.cfg, header, &reqURL); err != nil {
		return errors.WrapAuth(err, "pollTransport", "fetch", "resolve token")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL.String(), nil)
	if err != nil {
		return errors.WrapProtocol(err, "pollTransport", "fetch", "build request")
	}
	req.Header = header

	resp, err := t.client.Do(req)
	if err != nil {
		return errors.WrapNetwork(err, "pollTransport", "fetch", "poll endpoint")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		class := errors.ClassifyStatusCode(resp.StatusCode)
		return errors.WrapClass(class, errors.ErrNoConnection, "pollTransport", "fetch", "poll endpoint")
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		payload := append([]byte(nil), line...)
		select {
		case t.frames <- payload:
		case <-t.closed:
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return errors.WrapNetwork(err, "pollTransport", "fetch", "read response")
	}
	return nil
}

// Send is unsupported: polling is a one-way stream.
func (t *pollTransport) Send(_ context.Context, _ []byte) error {
	return errors.Wrap(errors.ErrNoConnection, "pollTransport", "Send", "send on receive-only transport")
}

func (t *pollTransport) Frames() <-chan []byte { return t.frames }
func (t *pollTransport) Errors() <-chan error  { return t.errs }

func (t *pollTransport) Close() error {
	t.once.Do(func() {
		close(t.closed)
		if t.cancel != nil {
			t.cancel()
		}
	})
	return nil
}
