package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/fibersight/fiberstream/client"
	"github.com/fibersight/fiberstream/command"
	"github.com/fibersight/fiberstream/health"
	"github.com/fibersight/fiberstream/metric"
	"github.com/fibersight/fiberstream/store"
)

// apiServer serves the reconciled state, health and metrics over HTTP.
type apiServer struct {
	server  *http.Server
	client  *client.Client
	monitor *health.Monitor
}

func newAPIServer(addr string, c *client.Client, registry *metric.Registry, monitor *health.Monitor) *apiServer {
	a := &apiServer{client: c, monitor: monitor}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", a.handleHealth)
	mux.Handle("GET /metrics", registry.Handler())
	mux.HandleFunc("GET /api/nodes", a.handleNodes)
	mux.HandleFunc("GET /api/links", a.handleLinks)
	mux.HandleFunc("GET /api/stats", a.handleStats)
	mux.HandleFunc("GET /api/alerts", a.handleAlerts)
	mux.HandleFunc("GET /api/hosts", a.handleHosts)
	mux.HandleFunc("POST /api/commands", a.handleCommand)
	mux.HandleFunc("POST /api/connection/pause", a.handlePause)
	mux.HandleFunc("POST /api/connection/resume", a.handleResume)
	mux.HandleFunc("POST /api/connection/reconnect", a.handleReconnect)

	a.server = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return a
}

func (a *apiServer) Start() {
	go func() {
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("http server failed", "error", err)
		}
	}()
}

func (a *apiServer) Stop(timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := a.server.Shutdown(ctx); err != nil {
		slog.Warn("http shutdown incomplete", "error", err)
	}
}

func (a *apiServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	a.monitor.Update(appName, health.FromComponent(appName, a.client.Health()))
	status := a.monitor.AggregateHealth(appName)

	code := http.StatusOK
	if status.IsUnhealthy() {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

// filtersFromQuery maps query parameters onto store filters. Comma-separated
// values form sets; from/to accept RFC 3339 timestamps.
func filtersFromQuery(r *http.Request) store.Filters {
	q := r.URL.Query()
	f := store.Filters{
		Text:      q.Get("q"),
		FiberOnly: q.Get("fiber") == "true",
	}
	if v := q.Get("status"); v != "" {
		f.Statuses = strings.Split(v, ",")
	}
	if v := q.Get("type"); v != "" {
		f.Types = strings.Split(v, ",")
	}
	if v := q.Get("tag"); v != "" {
		f.Tags = strings.Split(v, ",")
	}
	if v := q.Get("from"); v != "" {
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			f.From = &ts
		}
	}
	if v := q.Get("to"); v != "" {
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			f.To = &ts
		}
	}
	return f
}

func (a *apiServer) handleNodes(w http.ResponseWriter, r *http.Request) {
	f := filtersFromQuery(r)
	if r.URL.Query().Get("problems") == "true" {
		writeJSON(w, http.StatusOK, a.client.Store().ProblemNodes(f))
		return
	}
	writeJSON(w, http.StatusOK, a.client.Store().VisibleNodes(f))
}

func (a *apiServer) handleLinks(w http.ResponseWriter, r *http.Request) {
	f := filtersFromQuery(r)
	if r.URL.Query().Get("problems") == "true" {
		writeJSON(w, http.StatusOK, a.client.Store().ProblemLinks(f))
		return
	}
	writeJSON(w, http.StatusOK, a.client.Store().VisibleLinks(f))
}

func (a *apiServer) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.client.Store().Stats(filtersFromQuery(r)))
}

func (a *apiServer) handleAlerts(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("critical") == "true" {
		writeJSON(w, http.StatusOK, a.client.Store().CriticalAlerts())
		return
	}
	writeJSON(w, http.StatusOK, a.client.Store().Alerts())
}

func (a *apiServer) handleHosts(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.client.Store().MetricsByHost())
}

func (a *apiServer) handleCommand(w http.ResponseWriter, r *http.Request) {
	var req command.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.Action == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "action is required"})
		return
	}

	resp, err := a.client.Execute(r.Context(), req)
	if err != nil {
		// The synthetic response explains the failure; 502 marks it as an
		// upstream problem rather than a bad request.
		writeJSON(w, http.StatusBadGateway, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *apiServer) handlePause(w http.ResponseWriter, _ *http.Request) {
	a.client.Transport().Pause()
	writeJSON(w, http.StatusAccepted, connectionState(a.client))
}

func (a *apiServer) handleResume(w http.ResponseWriter, _ *http.Request) {
	a.client.Transport().Resume()
	writeJSON(w, http.StatusAccepted, connectionState(a.client))
}

func (a *apiServer) handleReconnect(w http.ResponseWriter, _ *http.Request) {
	a.client.Transport().Reconnect()
	writeJSON(w, http.StatusAccepted, connectionState(a.client))
}

func connectionState(c *client.Client) map[string]string {
	return map[string]string{
		"state":     string(c.Transport().State()),
		"transport": string(c.Transport().ActiveKind()),
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("response encode failed", "error", err)
	}
}
