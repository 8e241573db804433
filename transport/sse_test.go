package transport

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fibersight/fiberstream/errors"
)

func TestSSEDeliversEvents(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)

		fmt.Fprint(w, ": keepalive\n\n")
		fmt.Fprint(w, "data: {\"type\":\"alert\",\"message\":\"one\"}\n\n")
		fmt.Fprint(w, "event: update\ndata: line1\ndata: line2\n\n")
		flusher.Flush()
		<-r.Context().Done()
	}))
	defer server.Close()

	cfg := DefaultConfig()
	cfg.URL = server.URL
	sse := newSSE(cfg, nil)
	require.NoError(t, sse.Open(context.Background()))
	defer sse.Close()

	select {
	case frame := <-sse.Frames():
		assert.JSONEq(t, `{"type":"alert","message":"one"}`, string(frame))
	case <-time.After(time.Second):
		t.Fatal("no frame received")
	}

	// Multi-line data fields join with newlines.
	select {
	case frame := <-sse.Frames():
		assert.Equal(t, "line1\nline2", string(frame))
	case <-time.After(time.Second):
		t.Fatal("no second frame received")
	}
}

func TestSSERewritesWebSocketScheme(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
	}))
	defer server.Close()

	cfg := DefaultConfig()
	cfg.URL = wsURL(server) // ws:// scheme must be rewritten to http://
	sse := newSSE(cfg, nil)
	require.NoError(t, sse.Open(context.Background()))
	sse.Close()
}

func TestSSEStatusClassification(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	cfg := DefaultConfig()
	cfg.URL = server.URL
	sse := newSSE(cfg, nil)

	err := sse.Open(context.Background())
	require.Error(t, err)
	assert.Equal(t, errors.ClassAuth, errors.ClassOf(err))
	assert.False(t, errors.Retryable(err))
}

func TestSSESendUnsupported(t *testing.T) {
	cfg := DefaultConfig()
	cfg.URL = "http://stream.example/events"
	sse := newSSE(cfg, nil)

	err := sse.Send(context.Background(), []byte("x"))
	assert.ErrorIs(t, err, errors.ErrNoConnection)
}
