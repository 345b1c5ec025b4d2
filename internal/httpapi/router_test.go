package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/richinsley/comfy2go-worker/client"
	"github.com/richinsley/comfy2go-worker/internal/comfytest"
	"github.com/richinsley/comfy2go-worker/internal/handler"
)

type fakeRunner struct {
	jobs []handler.Job
	out  handler.Output
}

func (r *fakeRunner) Handle(ctx context.Context, job handler.Job) handler.Output {
	r.jobs = append(r.jobs, job)
	return r.out
}

func newTestRouter(t *testing.T, runner JobRunner) (http.Handler, *comfytest.Server) {
	t.Helper()
	srv := comfytest.NewServer()
	t.Cleanup(srv.Close)
	return NewRouter(Deps{
		Runner: runner,
		Comfy:  client.NewComfyClient(srv.Host(), srv.Port()),
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}), srv
}

func TestRunSync(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		out        handler.Output
		wantCode   int
		wantStatus string
	}{
		{"completed", `{"id": "job-1", "input": {"image_path": "/example_image.png", "prompt": "a cat walking"}}`,
			handler.Output{VideoURL: "https://bucket.example.com/job-1/wan.mp4"}, http.StatusOK, StatusCompleted},
		{"failed", `{"id": "job-2", "input": {"prompt": "a cat walking"}}`,
			handler.Output{Error: "Missing required parameter: image_path"}, http.StatusOK, StatusFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &fakeRunner{out: tt.out}
			router, _ := newTestRouter(t, runner)

			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/runsync", strings.NewReader(tt.body)))
			if rec.Code != tt.wantCode {
				t.Fatalf("code = %d, body %s", rec.Code, rec.Body)
			}

			var resp RunResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if resp.Status != tt.wantStatus || resp.Output != tt.out {
				t.Errorf("response = %+v", resp)
			}
			if len(runner.jobs) != 1 || resp.ID != runner.jobs[0].ID {
				t.Errorf("jobs = %+v, response id %q", runner.jobs, resp.ID)
			}
		})
	}
}

func TestRunSyncUsesRequestID(t *testing.T) {
	runner := &fakeRunner{out: handler.Output{VideoURL: "u"}}
	router, _ := newTestRouter(t, runner)

	req := httptest.NewRequest(http.MethodPost, "/runsync", strings.NewReader(`{"input": {"prompt": "a cat"}}`))
	req.Header.Set("X-Request-Id", "req-42")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if len(runner.jobs) != 1 || runner.jobs[0].ID != "req-42" {
		t.Errorf("jobs = %+v", runner.jobs)
	}
}

func TestRunSyncBadBody(t *testing.T) {
	runner := &fakeRunner{}
	router, _ := newTestRouter(t, runner)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/runsync", strings.NewReader(`{"input": `)))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("code = %d", rec.Code)
	}
	if len(runner.jobs) != 0 {
		t.Error("handler called for a bad body")
	}
}

func TestRunSyncBadInput(t *testing.T) {
	runner := &fakeRunner{}
	router, _ := newTestRouter(t, runner)

	rec := httptest.NewRecorder()
	body := `{"id": "job-7", "input": {"image_path": "/example_image.png", "prompt": "a cat", "width": "wide"}}`
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/runsync", strings.NewReader(body)))
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d, body %s", rec.Code, rec.Body)
	}

	var resp RunResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.ID != "job-7" || resp.Status != StatusFailed || resp.Output.Error != `invalid input: "wide" is not a number` {
		t.Errorf("response = %+v", resp)
	}
	if len(runner.jobs) != 0 {
		t.Error("handler called for a bad input")
	}
}

func TestHealth(t *testing.T) {
	router, _ := newTestRouter(t, &fakeRunner{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d, body %s", rec.Code, rec.Body)
	}
	var resp HealthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "ok" || resp.ComfyUIVersion != "0.3.49" || resp.Devices != 1 {
		t.Errorf("health = %+v", resp)
	}
}

func TestHealthServerDown(t *testing.T) {
	router, srv := newTestRouter(t, &fakeRunner{})
	srv.Close()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("code = %d", rec.Code)
	}
}
