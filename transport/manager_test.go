package transport

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fibersight/fiberstream/errors"
	"github.com/fibersight/fiberstream/pkg/backoff"
)

// fakeTransport is a scriptable transport for manager tests.
type fakeTransport struct {
	kind    Kind
	openErr error

	frames chan []byte
	errs   chan error

	closeCode atomic.Int32
	closeOnce sync.Once
	closed    chan struct{}
}

func newFake(kind Kind, openErr error) *fakeTransport {
	return &fakeTransport{
		kind:    kind,
		openErr: openErr,
		frames:  make(chan []byte, 16),
		errs:    make(chan error, 1),
		closed:  make(chan struct{}),
	}
}

func (f *fakeTransport) Open(_ context.Context) error { return f.openErr }

func (f *fakeTransport) Send(_ context.Context, _ []byte) error { return nil }

func (f *fakeTransport) Frames() <-chan []byte { return f.frames }
func (f *fakeTransport) Errors() <-chan error  { return f.errs }
func (f *fakeTransport) Kind() Kind            { return f.kind }

func (f *fakeTransport) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeTransport) CloseWithStatus(code int, _ string) error {
	f.closeCode.Store(int32(code))
	return f.Close()
}

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.URL = "ws://stream.example/ws"
	cfg.Heartbeat = 0
	cfg.Backoff = backoff.Policy{Initial: time.Millisecond, Max: 5 * time.Millisecond, Factor: 2.0}
	return cfg
}

// dialScript returns transports in sequence and records the kinds dialed.
type dialScript struct {
	mu         sync.Mutex
	transports []*fakeTransport
	dialed     []Kind
}

func (d *dialScript) dial(kind Kind) Transport {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dialed = append(d.dialed, kind)
	if len(d.transports) == 0 {
		return newFake(kind, errors.WrapNetwork(errors.ErrNoConnection, "fake", "Open", "dial"))
	}
	t := d.transports[0]
	if len(d.transports) > 1 {
		d.transports = d.transports[1:]
	}
	return t
}

func (d *dialScript) kinds() []Kind {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Kind(nil), d.dialed...)
}

func startManager(t *testing.T, cfg Config, script *dialScript) *Manager {
	t.Helper()
	m := NewManager("stream", cfg, WithDialFunc(script.dial))
	require.NoError(t, m.Initialize())
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() { _ = m.Stop(time.Second) })
	return m
}

func TestManagerDeliversFrames(t *testing.T) {
	fake := newFake(KindWebSocket, nil)
	m := startManager(t, fastConfig(), &dialScript{transports: []*fakeTransport{fake}})

	fake.frames <- []byte(`{"type":"ping"}`)

	select {
	case frame := <-m.Frames():
		assert.JSONEq(t, `{"type":"ping"}`, string(frame))
	case <-time.After(time.Second):
		t.Fatal("no frame delivered")
	}

	require.Eventually(t, func() bool { return m.State() == StateOpen }, time.Second, time.Millisecond)
	assert.Equal(t, KindWebSocket, m.ActiveKind())
}

func TestManagerFallsBackAcrossTransports(t *testing.T) {
	netErr := errors.WrapNetwork(errors.ErrNoConnection, "fake", "Open", "dial")
	script := &dialScript{transports: []*fakeTransport{
		newFake(KindWebSocket, netErr),
		newFake(KindSSE, netErr),
		newFake(KindPolling, nil),
	}}

	m := startManager(t, fastConfig(), script)

	require.Eventually(t, func() bool { return m.State() == StateOpen }, time.Second, time.Millisecond)
	assert.Equal(t, KindPolling, m.ActiveKind())
	assert.Equal(t, []Kind{KindWebSocket, KindSSE, KindPolling}, script.kinds())
}

func TestManagerPinnedTransportDoesNotFallBack(t *testing.T) {
	cfg := fastConfig()
	cfg.Transport = KindSSE
	cfg.MaxRetries = 2

	netErr := errors.WrapNetwork(errors.ErrNoConnection, "fake", "Open", "dial")
	script := &dialScript{transports: []*fakeTransport{newFake(KindSSE, netErr)}}

	m := startManager(t, cfg, script)

	require.Eventually(t, func() bool { return m.State() == StateError }, time.Second, time.Millisecond)
	for _, k := range script.kinds() {
		assert.Equal(t, KindSSE, k)
	}
}

func TestManagerAuthErrorIsNotRetried(t *testing.T) {
	authErr := errors.WrapAuth(errors.ErrNoConnection, "fake", "Open", "dial")
	cfg := fastConfig()
	cfg.Transport = KindWebSocket
	script := &dialScript{transports: []*fakeTransport{newFake(KindWebSocket, authErr)}}

	m := startManager(t, cfg, script)

	require.Eventually(t, func() bool { return m.State() == StateError }, time.Second, time.Millisecond)
	dialsBefore := len(script.kinds())

	// No further attempts while parked in the error state.
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, dialsBefore, len(script.kinds()))

	// Manual reconnect leaves the error state.
	script.mu.Lock()
	script.transports = []*fakeTransport{newFake(KindWebSocket, nil)}
	script.mu.Unlock()
	m.Reconnect()

	require.Eventually(t, func() bool { return m.State() == StateOpen }, time.Second, time.Millisecond)
}

func TestManagerRetriesExhausted(t *testing.T) {
	cfg := fastConfig()
	cfg.Transport = KindWebSocket
	cfg.MaxRetries = 3

	m := startManager(t, cfg, &dialScript{})

	require.Eventually(t, func() bool { return m.State() == StateError }, time.Second, time.Millisecond)
	assert.ErrorIs(t, m.LastError(), errors.ErrRetriesExhausted)
}

func TestManagerReconnectsWhenFramesClose(t *testing.T) {
	first := newFake(KindWebSocket, nil)
	second := newFake(KindWebSocket, nil)
	cfg := fastConfig()
	cfg.Transport = KindWebSocket
	script := &dialScript{transports: []*fakeTransport{first, second}}

	m := startManager(t, cfg, script)
	require.Eventually(t, func() bool { return m.State() == StateOpen }, time.Second, time.Millisecond)

	close(first.frames)

	// Second transport delivers after the automatic reconnect.
	require.Eventually(t, func() bool { return len(script.kinds()) >= 2 }, time.Second, time.Millisecond)
	second.frames <- []byte("hello")
	select {
	case frame := <-m.Frames():
		assert.Equal(t, "hello", string(frame))
	case <-time.After(time.Second):
		t.Fatal("no frame after reconnect")
	}
}

func TestManagerBacksOffBeforeRedialAfterDrop(t *testing.T) {
	clk := testclock.NewClock(time.Now())
	first := newFake(KindWebSocket, nil)
	second := newFake(KindWebSocket, nil)
	cfg := fastConfig()
	cfg.Transport = KindWebSocket
	cfg.Backoff = backoff.Policy{Initial: 300 * time.Millisecond, Max: time.Second, Factor: 2.0}
	script := &dialScript{transports: []*fakeTransport{first, second}}

	m := NewManager("stream", cfg, WithDialFunc(script.dial), WithClock(clk))
	require.NoError(t, m.Initialize())
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() { _ = m.Stop(time.Second) })

	require.Eventually(t, func() bool { return m.State() == StateOpen }, time.Second, time.Millisecond)

	close(first.frames)

	// The drop parks the loop on the backoff timer; no redial happens until
	// the full initial delay has elapsed on the clock.
	require.Eventually(t, func() bool { return m.State() == StateReconnecting }, time.Second, time.Millisecond)
	assert.Equal(t, 1, len(script.kinds()), "redial must wait for the backoff delay")

	require.NoError(t, clk.WaitAdvance(300*time.Millisecond, time.Second, 1))

	require.Eventually(t, func() bool { return len(script.kinds()) == 2 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return m.State() == StateOpen }, time.Second, time.Millisecond)
}

func TestFallbackOrderFollowsScheme(t *testing.T) {
	tests := []struct {
		name string
		url  string
		kind Kind
		want []Kind
	}{
		{"auto ws scheme", "ws://stream.example/ws", KindAuto, []Kind{KindWebSocket, KindSSE, KindPolling}},
		{"auto wss scheme", "wss://stream.example/ws", KindAuto, []Kind{KindWebSocket, KindSSE, KindPolling}},
		{"auto https scheme", "https://stream.example/events", KindAuto, []Kind{KindSSE, KindPolling}},
		{"auto http scheme", "http://stream.example/events", KindAuto, []Kind{KindSSE, KindPolling}},
		{"pinned websocket", "https://stream.example/events", KindWebSocket, []Kind{KindWebSocket}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.URL = tt.url
			cfg.Transport = tt.kind
			assert.Equal(t, tt.want, cfg.fallbackOrder())
		})
	}
}

func TestManagerAutoStartsAtSSEForHTTPEndpoint(t *testing.T) {
	netErr := errors.WrapNetwork(errors.ErrNoConnection, "fake", "Open", "dial")
	cfg := fastConfig()
	cfg.URL = "https://stream.example/events"
	script := &dialScript{transports: []*fakeTransport{
		newFake(KindSSE, netErr),
		newFake(KindPolling, nil),
	}}

	m := startManager(t, cfg, script)

	require.Eventually(t, func() bool { return m.State() == StateOpen }, time.Second, time.Millisecond)
	assert.Equal(t, []Kind{KindSSE, KindPolling}, script.kinds())
}

func TestManagerPauseAndResume(t *testing.T) {
	first := newFake(KindWebSocket, nil)
	second := newFake(KindWebSocket, nil)
	cfg := fastConfig()
	cfg.Transport = KindWebSocket
	script := &dialScript{transports: []*fakeTransport{first, second}}

	m := startManager(t, cfg, script)
	require.Eventually(t, func() bool { return m.State() == StateOpen }, time.Second, time.Millisecond)

	m.Pause()
	require.Eventually(t, func() bool { return m.State() == StatePaused }, time.Second, time.Millisecond)

	select {
	case <-first.closed:
	case <-time.After(time.Second):
		t.Fatal("paused manager must close the active transport")
	}

	// Drain transitions recorded so far; resume must re-enter through
	// connecting, not reconnecting.
	for {
		select {
		case <-m.StateChanges():
			continue
		default:
		}
		break
	}

	m.Resume()
	require.Eventually(t, func() bool { return m.State() == StateOpen }, time.Second, time.Millisecond)
	assert.GreaterOrEqual(t, len(script.kinds()), 2)

	var seen []State
	for {
		select {
		case sc := <-m.StateChanges():
			seen = append(seen, sc.State)
			continue
		default:
		}
		break
	}
	assert.Contains(t, seen, StateConnecting)
	assert.NotContains(t, seen, StateReconnecting)
}

func TestManagerHeartbeatTimeout(t *testing.T) {
	silent := newFake(KindWebSocket, nil)
	replacement := newFake(KindWebSocket, nil)
	cfg := fastConfig()
	cfg.Transport = KindWebSocket
	cfg.Heartbeat = 10 * time.Millisecond
	script := &dialScript{transports: []*fakeTransport{silent, replacement}}

	m := startManager(t, cfg, script)
	require.Eventually(t, func() bool { return m.State() == StateOpen }, time.Second, time.Millisecond)

	// No frames ever arrive: after two heartbeat intervals the guard fires,
	// closes with the liveness code and reconnects.
	select {
	case <-silent.closed:
	case <-time.After(time.Second):
		t.Fatal("heartbeat guard did not close the silent transport")
	}
	assert.Equal(t, int32(heartbeatCloseCode), silent.closeCode.Load())
	assert.ErrorIs(t, m.LastError(), errors.ErrHeartbeatTimeout)

	require.Eventually(t, func() bool { return len(script.kinds()) >= 2 }, time.Second, time.Millisecond)
}

func TestManagerSendRequiresOpenConnection(t *testing.T) {
	cfg := fastConfig()
	cfg.Transport = KindWebSocket
	m := NewManager("stream", cfg, WithDialFunc((&dialScript{}).dial))

	err := m.Send(context.Background(), []byte("x"))
	assert.ErrorIs(t, err, errors.ErrNoConnection)
}

func TestManagerLifecycleErrors(t *testing.T) {
	cfg := fastConfig()
	m := NewManager("stream", cfg, WithDialFunc((&dialScript{}).dial))

	err := m.Stop(time.Second)
	require.ErrorIs(t, err, errors.ErrNotStarted)

	require.NoError(t, m.Start(context.Background()))
	err = m.Start(context.Background())
	require.ErrorIs(t, err, errors.ErrAlreadyStarted)
	require.NoError(t, m.Stop(time.Second))
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	require.Error(t, cfg.Validate(), "missing url")

	cfg.URL = "wss://stream.example/ws"
	require.NoError(t, cfg.Validate())

	cfg.Transport = Kind("carrier-pigeon")
	require.Error(t, cfg.Validate())
}
