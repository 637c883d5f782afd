package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/bdobrica/kotoba/common/version"
	"github.com/bdobrica/kotoba/internal/kotoba/relay"
)

// StatusSources are the components /status reports on. Any field may be nil.
type StatusSources struct {
	Memory interface{ Stats() map[string]int }
	Cache  interface{ Len(ctx context.Context) int }
	Relay  interface{ Stats() relay.Stats }
	Turns  interface {
		OutcomeCounts(ctx context.Context) (map[string]int, error)
	}
}

// HealthServer exposes /health and /status. It is optional; Kotoba runs
// without it when the HTTP address is empty.
type HealthServer struct {
	addr      string
	sources   StatusSources
	startedAt time.Time
	server    *http.Server
	mux       *http.ServeMux
}

type healthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Commit  string `json:"commit"`
}

type statusResponse struct {
	Status       string         `json:"status"`
	Version      string         `json:"version"`
	Commit       string         `json:"commit"`
	BuildTime    string         `json:"build_time"`
	StartedAt    time.Time      `json:"started_at"`
	UptimeSecs   float64        `json:"uptime_seconds"`
	MemoryUsers  int            `json:"memory_users"`
	MemoryTotal  int            `json:"memory_entries"`
	CacheEntries int            `json:"cache_entries"`
	Relay        *relay.Stats   `json:"relay,omitempty"`
	Outcomes     map[string]int `json:"outcomes,omitempty"`
}

// NewHealthServer creates the HTTP server without starting it.
func NewHealthServer(addr string, sources StatusSources) *HealthServer {
	mux := http.NewServeMux()
	hs := &HealthServer{
		addr:      addr,
		sources:   sources,
		startedAt: time.Now(),
		mux:       mux,
	}
	mux.HandleFunc("GET /health", hs.handleHealth)
	mux.HandleFunc("GET /status", hs.handleStatus)
	return hs
}

// ServeHTTP implements http.Handler so the server can be tested with
// httptest.NewRecorder.
func (h *HealthServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// Start listens in the background. It returns once the port is open.
func (h *HealthServer) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", h.addr)
	if err != nil {
		return fmt.Errorf("health server: listen %s: %w", h.addr, err)
	}

	h.server = &http.Server{
		Handler:      h,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("health: listening", "addr", ln.Addr().String())
		if err := h.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("health: server stopped", "err", err)
		}
	}()

	go func() {
		<-ctx.Done()
		h.Stop()
	}()
	return nil
}

// Stop shuts down the HTTP server. Safe to call before Start.
func (h *HealthServer) Stop() {
	if h.server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.server.Shutdown(ctx); err != nil {
		slog.Warn("health: shutdown error", "err", err)
	}
}

func (h *HealthServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:  "ok",
		Version: version.Version,
		Commit:  version.GitCommit,
	})
}

func (h *HealthServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Status:     "ok",
		Version:    version.Version,
		Commit:     version.GitCommit,
		BuildTime:  version.BuildTime,
		StartedAt:  h.startedAt,
		UptimeSecs: time.Since(h.startedAt).Seconds(),
	}
	if h.sources.Memory != nil {
		stats := h.sources.Memory.Stats()
		resp.MemoryUsers = len(stats)
		for _, n := range stats {
			resp.MemoryTotal += n
		}
	}
	if h.sources.Cache != nil {
		resp.CacheEntries = h.sources.Cache.Len(r.Context())
	}
	if h.sources.Relay != nil {
		stats := h.sources.Relay.Stats()
		resp.Relay = &stats
		if stats.State != relay.StateRunning.String() {
			resp.Status = "degraded"
		}
	}
	if h.sources.Turns != nil {
		if counts, err := h.sources.Turns.OutcomeCounts(r.Context()); err == nil {
			resp.Outcomes = counts
		} else {
			slog.Warn("health: outcome counts failed", "err", err)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("health: failed to encode JSON response", "err", err)
	}
}

// ServerRunning reports whether a Kotoba health endpoint answers on addr. An
// address with an empty host, such as ":8080", is probed on the loopback address.
func ServerRunning(ctx context.Context, addr string) bool {
	if addr == "" {
		return false
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+net.JoinHostPort(host, port)+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
