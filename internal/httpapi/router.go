// Package httpapi exposes the job handler over HTTP in the shape of a serverless
// endpoint's synchronous run call.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/richinsley/comfy2go-worker/client"
	"github.com/richinsley/comfy2go-worker/internal/handler"
)

const (
	maxBodyBytes  = 32 << 20
	healthTimeout = 5 * time.Second
)

// Job statuses reported by /runsync.
const (
	StatusCompleted = "COMPLETED"
	StatusFailed    = "FAILED"
)

// JobRunner runs one job to completion.
type JobRunner interface {
	Handle(ctx context.Context, job handler.Job) handler.Output
}

type Deps struct {
	Runner JobRunner
	Comfy  *client.ComfyClient
	Logger *slog.Logger
}

// RunResponse is the body returned by /runsync.
type RunResponse struct {
	ID     string         `json:"id"`
	Status string         `json:"status"`
	Output handler.Output `json:"output"`
}

// HealthResponse is the body returned by /health.
type HealthResponse struct {
	Status         string `json:"status"`
	ComfyUI        string `json:"comfyui"`
	ComfyUIVersion string `json:"comfyui_version,omitempty"`
	Devices        int    `json:"devices,omitempty"`
	Error          string `json:"error,omitempty"`
}

type api struct {
	Deps
}

func NewRouter(d Deps) http.Handler {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	a := &api{Deps: d}

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, requestLogger(d.Logger), middleware.Recoverer)

	r.Get("/health", a.health)
	r.Post("/runsync", a.runSync)
	return r
}

func (a *api) runSync(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body: " + err.Error()})
		return
	}
	job, err := handler.DecodeJob(body)
	if errors.Is(err, handler.ErrMalformedJob) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body: " + err.Error()})
		return
	}
	if job.ID == "" {
		job.ID = middleware.GetReqID(r.Context())
	}

	var out handler.Output
	if err != nil {
		a.Logger.Error("Rejecting job input", "job_id", job.ID, "error", err)
		out = handler.Output{Error: err.Error()}
	} else {
		out = a.Runner.Handle(r.Context(), job)
	}
	resp := RunResponse{ID: job.ID, Status: StatusCompleted, Output: out}
	if out.Failed() {
		resp.Status = StatusFailed
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *api) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	stats, err := a.Comfy.GetSystemStats(ctx)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, HealthResponse{
			Status:  "unavailable",
			ComfyUI: "unreachable",
			Error:   err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:         "ok",
		ComfyUI:        "reachable",
		ComfyUIVersion: stats.System.ComfyUIVersion,
		Devices:        len(stats.Devices),
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func requestLogger(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				log.Info("HTTP request",
					"method", r.Method,
					"path", r.URL.Path,
					"status", ww.Status(),
					"duration", time.Since(start),
					"request_id", middleware.GetReqID(r.Context()),
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
