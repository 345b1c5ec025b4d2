package models

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/richinsley/comfy2go-worker/internal/errkind"
)

type weightServer struct {
	*httptest.Server
	mu       sync.Mutex
	requests []string
}

func newWeightServer(t *testing.T) *weightServer {
	t.Helper()
	ws := &weightServer{}
	ws.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws.mu.Lock()
		ws.requests = append(ws.requests, r.URL.Path)
		ws.mu.Unlock()
		if strings.HasPrefix(r.URL.Path, "/broken") {
			http.Error(w, "gone", http.StatusInternalServerError)
			return
		}
		io.WriteString(w, "weights:"+r.URL.Path)
	}))
	t.Cleanup(ws.Close)
	return ws
}

func (ws *weightServer) count() int {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return len(ws.requests)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestEnsureReadyDownloadsMissing(t *testing.T) {
	srv := newWeightServer(t)
	root := t.TempDir()

	present := Model{Type: "vae", Name: "present.safetensors", URL: srv.URL + "/present"}
	if err := os.MkdirAll(filepath.Join(root, "vae"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(present.Path(root), []byte("local"), 0o644); err != nil {
		t.Fatal(err)
	}

	d := NewDownloader(root, true, quietLogger())
	d.Manifest = []Model{
		present,
		{Type: "unet", Name: "high.gguf", URL: srv.URL + "/high"},
		{Type: "loras", Name: "lora.safetensors", URL: srv.URL + "/lora"},
	}

	if err := d.EnsureReady(context.Background()); err != nil {
		t.Fatalf("EnsureReady: %v", err)
	}
	if srv.count() != 2 {
		t.Errorf("requests = %d, want 2", srv.count())
	}

	got, err := os.ReadFile(filepath.Join(root, "unet", "high.gguf"))
	if err != nil || string(got) != "weights:/high" {
		t.Errorf("high.gguf = %q, %v", got, err)
	}
	if local, _ := os.ReadFile(present.Path(root)); string(local) != "local" {
		t.Error("existing model was overwritten")
	}
	if _, err := os.Stat(filepath.Join(root, "unet", "high.gguf.part")); !os.IsNotExist(err) {
		t.Error("partial file left behind")
	}
}

func TestEnsureReadyFailureRemovesPartial(t *testing.T) {
	srv := newWeightServer(t)
	root := t.TempDir()

	d := NewDownloader(root, true, quietLogger())
	d.Manifest = []Model{
		{Type: "unet", Name: "broken.gguf", URL: srv.URL + "/broken"},
		{Type: "vae", Name: "vae.safetensors", URL: srv.URL + "/vae"},
	}

	err := d.EnsureReady(context.Background())
	if !errkind.Is(err, errkind.KindModelUnavailable) {
		t.Fatalf("expected model unavailable, got %v", err)
	}
	if !strings.Contains(err.Error(), "failed to download required models") {
		t.Errorf("error = %v", err)
	}
	if srv.count() != 2 {
		t.Errorf("every model should be attempted, requests = %d", srv.count())
	}
	if _, err := os.Stat(filepath.Join(root, "unet", "broken.gguf")); !os.IsNotExist(err) {
		t.Error("failed model should not exist")
	}
	if _, err := os.Stat(filepath.Join(root, "unet", "broken.gguf.part")); !os.IsNotExist(err) {
		t.Error("partial file left behind")
	}
	if _, err := os.Stat(filepath.Join(root, "vae", "vae.safetensors")); err != nil {
		t.Errorf("second model not downloaded: %v", err)
	}
}

func TestEnsureReadyCheckOnly(t *testing.T) {
	srv := newWeightServer(t)
	d := NewDownloader(t.TempDir(), false, quietLogger())
	d.Manifest = []Model{{Type: "unet", Name: "high.gguf", URL: srv.URL + "/high"}}

	if err := d.EnsureReady(context.Background()); !errkind.Is(err, errkind.KindModelUnavailable) {
		t.Fatalf("expected model unavailable, got %v", err)
	}
	if srv.count() != 0 {
		t.Error("check-only mode must not download")
	}
}

func TestEnsureReadyConcurrentJobsShareDownload(t *testing.T) {
	const size = 1 << 20
	chunk := bytes.Repeat([]byte("w"), 64<<10)

	var mu sync.Mutex
	requests := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		requests++
		mu.Unlock()
		w.Header().Set("Content-Length", strconv.Itoa(size))
		for sent := 0; sent < size; sent += len(chunk) {
			w.Write(chunk)
			w.(http.Flusher).Flush()
			time.Sleep(10 * time.Millisecond)
		}
	}))
	defer srv.Close()

	root := t.TempDir()
	d := NewDownloader(root, true, quietLogger())
	d.Manifest = []Model{{Type: "unet", Name: "big.gguf", URL: srv.URL + "/big"}}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = d.EnsureReady(context.Background())
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("job %d: %v", i, err)
		}
	}
	mu.Lock()
	if requests != 1 {
		t.Errorf("requests = %d, want 1", requests)
	}
	mu.Unlock()

	info, err := os.Stat(filepath.Join(root, "unet", "big.gguf"))
	if err != nil || info.Size() != size {
		t.Errorf("big.gguf = %v, %v", info, err)
	}
	if _, err := os.Stat(filepath.Join(root, "unet", "big.gguf.part")); !os.IsNotExist(err) {
		t.Error("partial file left behind")
	}
}

func TestEnsureReadyWaitHonorsContext(t *testing.T) {
	srv := newWeightServer(t)
	root := t.TempDir()
	d := NewDownloader(root, true, quietLogger())
	m := Model{Type: "unet", Name: "high.gguf", URL: srv.URL + "/high"}
	d.Manifest = []Model{m}

	unlock, err := d.lock(context.Background(), m.Path(root))
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := d.EnsureReady(ctx); !errkind.Is(err, errkind.KindModelUnavailable) {
		t.Fatalf("expected model unavailable, got %v", err)
	}
	if srv.count() != 0 {
		t.Error("downloaded while another job held the lock")
	}
}

func TestDefaultManifest(t *testing.T) {
	if len(DefaultManifest) != 5 {
		t.Fatalf("manifest has %d models", len(DefaultManifest))
	}
	want := filepath.Join("/ComfyUI/models", "unet", "wan2.2_i2v_high_noise_14B_Q5_0.gguf")
	if got := DefaultManifest[0].Path("/ComfyUI/models"); got != want {
		t.Errorf("Path = %s, want %s", got, want)
	}
}
