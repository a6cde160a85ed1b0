// Package app hosts the long-running side of Kanri: the health and metrics
// HTTP server that runs next to the status monitor.
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/bdobrica/Kanri/common/version"
	"github.com/bdobrica/Kanri/internal/kanri/store"
)

// HealthServer exposes /health, /status, /deployments and /metrics.
type HealthServer struct {
	addr      string
	store     deploymentLister
	startedAt time.Time
	server    *http.Server
	mux       *http.ServeMux
}

// deploymentLister is the part of the store the server reads.
type deploymentLister interface {
	ListDeployments(ctx context.Context) ([]*store.Deployment, error)
}

type healthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Commit  string `json:"commit"`
}

type statusResponse struct {
	Status      string         `json:"status"`
	Version     string         `json:"version"`
	Commit      string         `json:"commit"`
	BuildTime   string         `json:"build_time"`
	StartedAt   time.Time      `json:"started_at"`
	UptimeSecs  float64        `json:"uptime_seconds"`
	Deployments int            `json:"deployment_count"`
	States      map[string]int `json:"states"`
}

type deploymentView struct {
	Profile     string     `json:"profile"`
	Target      string     `json:"target"`
	Port        int        `json:"port"`
	InstanceID  string     `json:"instance_id,omitempty"`
	State       string     `json:"state"`
	Detail      string     `json:"detail,omitempty"`
	LastChecked *time.Time `json:"last_checked,omitempty"`
}

// NewHealthServer creates the server without starting it. metrics may be
// nil, in which case /metrics is not registered.
func NewHealthServer(addr string, s deploymentLister, metrics http.Handler) *HealthServer {
	mux := http.NewServeMux()
	hs := &HealthServer{
		addr:      addr,
		store:     s,
		startedAt: time.Now(),
		mux:       mux,
	}
	mux.HandleFunc("GET /health", hs.handleHealth)
	mux.HandleFunc("GET /status", hs.handleStatus)
	mux.HandleFunc("GET /deployments", hs.handleDeployments)
	if metrics != nil {
		mux.Handle("GET /metrics", metrics)
	}
	return hs
}

// ServeHTTP lets tests drive the server with httptest.NewRecorder.
func (h *HealthServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// Start listens in the background and returns once the port is open. The
// server shuts down when ctx is cancelled.
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
		slog.Info("health server listening", "addr", ln.Addr().String())
		if err := h.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("health server stopped", "err", err)
		}
	}()

	go func() {
		<-ctx.Done()
		h.Stop()
	}()
	return nil
}

// Stop shuts down the HTTP server.
func (h *HealthServer) Stop() {
	if h.server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.server.Shutdown(ctx); err != nil {
		slog.Warn("health server shutdown error", "err", err)
	}
}

func (h *HealthServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	b := version.Current()
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Version: b.Version, Commit: b.Commit})
}

func (h *HealthServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	b := version.Current()
	resp := statusResponse{
		Status:     "ok",
		Version:    b.Version,
		Commit:     b.Commit,
		BuildTime:  b.BuildTime,
		StartedAt:  h.startedAt,
		UptimeSecs: time.Since(h.startedAt).Seconds(),
		States:     map[string]int{},
	}
	if h.store != nil {
		ds, err := h.store.ListDeployments(r.Context())
		if err != nil {
			slog.Warn("status: list deployments failed", "err", err)
			resp.Status = "degraded"
		}
		resp.Deployments = len(ds)
		for _, d := range ds {
			resp.States[string(d.LastState)]++
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *HealthServer) handleDeployments(w http.ResponseWriter, r *http.Request) {
	views := []deploymentView{}
	if h.store != nil {
		ds, err := h.store.ListDeployments(r.Context())
		if err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
			return
		}
		for _, d := range ds {
			v := deploymentView{
				Profile:    d.Profile,
				Target:     string(d.TargetType),
				Port:       d.Port,
				InstanceID: d.InstanceID.String,
				State:      string(d.LastState),
				Detail:     d.LastDetail.String,
			}
			if d.LastCheckedAt.Valid {
				at := d.LastCheckedAt.Time
				v.LastChecked = &at
			}
			views = append(views, v)
		}
	}
	writeJSON(w, http.StatusOK, views)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("health: failed to encode JSON response", "err", err)
	}
}
