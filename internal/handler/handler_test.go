package handler

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/richinsley/comfy2go-worker/client"
	"github.com/richinsley/comfy2go-worker/graphapi"
	"github.com/richinsley/comfy2go-worker/internal/comfytest"
	"github.com/richinsley/comfy2go-worker/internal/config"
	"github.com/richinsley/comfy2go-worker/internal/errkind"
)

type memUploader struct {
	mu   sync.Mutex
	keys []string
}

func (u *memUploader) Upload(ctx context.Context, data []byte, key string) (string, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.keys = append(u.keys, key)
	return "https://bucket.example.com/" + key, nil
}

type modelsFunc func(ctx context.Context) error

func (f modelsFunc) EnsureReady(ctx context.Context) error { return f(ctx) }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func noSleep(ctx context.Context, d time.Duration) error { return ctx.Err() }

type fixture struct {
	srv      *comfytest.Server
	handler  *Handler
	uploader *memUploader
	example  string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	srv := comfytest.NewServer()
	t.Cleanup(srv.Close)

	example := filepath.Join(t.TempDir(), "example_image.png")
	if err := os.WriteFile(example, []byte("example png"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := &config.Config{
		ServerAddress:     srv.Host(),
		ServerPort:        srv.Port(),
		ProbeAttempts:     3,
		ProbeInterval:     time.Second,
		HandshakeAttempts: 3,
		HandshakeInterval: 5 * time.Second,
		ExecutionTimeout:  10 * time.Second,
		WorkflowPath:      "../../workflows/new-workflow.json",
		ExampleImagePath:  example,
		WorkDir:           t.TempDir(),
	}

	var mu sync.Mutex
	n := 0
	up := &memUploader{}
	h := New(cfg, client.NewComfyClient(srv.Host(), srv.Port()), nil, up, quietLogger())
	h.Sleep = noSleep
	h.NewID = func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("id-%d", n)
	}
	return &fixture{srv: srv, handler: h, uploader: up, example: example}
}

func (f *fixture) withVideo(name string) {
	f.srv.Outputs = fmt.Sprintf(`{"62": {"gifs": [{"filename": %q, "subfolder": "", "type": "output", "format": "video/h264-mp4"}]}}`, name)
	f.srv.Files[name] = []byte("mp4")
}

// submitted decodes the inputs of every node of the only queued prompt.
func submitted(t *testing.T, srv *comfytest.Server) graphapi.Prompt {
	t.Helper()
	prompts := srv.Prompts()
	if len(prompts) != 1 {
		t.Fatalf("queued %d prompts, want 1", len(prompts))
	}
	var p graphapi.Prompt
	dec := json.NewDecoder(bytes.NewReader(prompts[0]))
	dec.UseNumber()
	if err := dec.Decode(&p); err != nil {
		t.Fatalf("decode prompt: %v", err)
	}
	return p
}

func input(p graphapi.Prompt, node, key string) string {
	n, ok := p.Nodes[node]
	if !ok {
		return "<missing node>"
	}
	return fmt.Sprint(n.Inputs[key])
}

func TestHandleEndToEnd(t *testing.T) {
	f := newFixture(t)
	f.withVideo("wan_00001.mp4")

	out := f.handler.Handle(context.Background(), Job{
		ID: "job-1",
		Input: graphapi.JobInput{
			ImagePath: graphapi.StringPtr(ExampleImageSentinel),
			Prompt:    graphapi.StringPtr("a cat walking"),
		},
	})
	if out.Failed() {
		t.Fatalf("Handle failed: %s", out.Error)
	}
	if out.VideoURL != "https://bucket.example.com/job-1/wan_00001.mp4" {
		t.Errorf("video_url = %q", out.VideoURL)
	}

	p := submitted(t, f.srv)
	tests := []struct {
		node, key, want string
	}{
		{"91", "image", f.example},
		{"88", "text", "a cat walking"},
		{"89", "width", "480"},
		{"89", "height", "832"},
		{"89", "length", "81"},
		{"62", "frame_rate", "32"},
		{"62", "format", "video/h264-mp4"},
		{"81", "noise_seed", "443409249464707"},
		{"82", "noise_seed", "443409249464708"},
	}
	for _, tt := range tests {
		if got := input(p, tt.node, tt.key); got != tt.want {
			t.Errorf("node %s %s = %s, want %s", tt.node, tt.key, got, tt.want)
		}
	}

	if ids := f.srv.ClientIDs(); len(ids) != 1 || ids[0] != p.ClientID {
		t.Errorf("websocket client ids %v, prompt client id %q", ids, p.ClientID)
	}
	entries, err := os.ReadDir(f.handler.Config.WorkDir)
	if err != nil || len(entries) != 0 {
		t.Errorf("work dir not cleaned: %v %v", entries, err)
	}
}

func TestHandleFreshSessionPerJob(t *testing.T) {
	f := newFixture(t)
	f.withVideo("wan.mp4")
	job := Job{Input: graphapi.JobInput{
		ImagePath: graphapi.StringPtr(ExampleImageSentinel),
		Prompt:    graphapi.StringPtr("a cat walking"),
	}}

	for i := 0; i < 2; i++ {
		if out := f.handler.Handle(context.Background(), job); out.Failed() {
			t.Fatalf("Handle %d failed: %s", i, out.Error)
		}
	}
	ids := f.srv.ClientIDs()
	if len(ids) != 2 || ids[0] == ids[1] {
		t.Errorf("client ids = %v, want two distinct", ids)
	}
}

func TestHandleMissingFields(t *testing.T) {
	tests := []struct {
		name  string
		input graphapi.JobInput
		field string
	}{
		{"no image", graphapi.JobInput{Prompt: graphapi.StringPtr("a cat")}, "image_path"},
		{"empty image", graphapi.JobInput{ImagePath: graphapi.StringPtr(""), Prompt: graphapi.StringPtr("a cat")}, "image_path"},
		{"no prompt", graphapi.JobInput{ImagePath: graphapi.StringPtr(ExampleImageSentinel)}, "prompt"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			out := f.handler.Handle(context.Background(), Job{ID: "job-1", Input: tt.input})
			if out.Error != "Missing required parameter: "+tt.field {
				t.Errorf("error = %q", out.Error)
			}
			if out.VideoURL != "" {
				t.Error("video_url set on failure")
			}
			if f.srv.Pings() != 0 {
				t.Error("server contacted for an invalid job")
			}
		})
	}
}

func TestHandleValidationFailureSubmitsNothing(t *testing.T) {
	tests := []struct {
		name  string
		input graphapi.JobInput
		want  string
	}{
		{"width", graphapi.JobInput{Width: graphapi.IntPtr(10)}, "width must be between 64 and 2048"},
		{"height", graphapi.JobInput{Height: graphapi.IntPtr(4096)}, "height must be between 64 and 2048"},
		{"video_length", graphapi.JobInput{VideoLength: graphapi.IntPtr(0)}, "video_length must be between 1 and 300"},
		{"frame_rate", graphapi.JobInput{FrameRate: graphapi.IntPtr(120)}, "frame_rate must be between 1 and 60"},
		{"video_format", graphapi.JobInput{VideoFormat: graphapi.StringPtr("video/avi")}, "video_format must be one of"},
		{"seed", graphapi.JobInput{Seed: graphapi.IntPtr(-1)}, "seed must be between 0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			in := tt.input
			in.ImagePath = graphapi.StringPtr(ExampleImageSentinel)
			in.Prompt = graphapi.StringPtr("a cat walking")

			out := f.handler.Handle(context.Background(), Job{ID: "job-1", Input: in})
			if !strings.Contains(out.Error, tt.want) {
				t.Errorf("error = %q, want it to contain %q", out.Error, tt.want)
			}
			if len(f.srv.Prompts()) != 0 || f.srv.Pings() != 0 {
				t.Error("invalid job reached the server")
			}
		})
	}
}

func TestHandleImageNotFound(t *testing.T) {
	f := newFixture(t)
	missing := filepath.Join(t.TempDir(), "missing.png")

	out := f.handler.Handle(context.Background(), Job{ID: "job-1", Input: graphapi.JobInput{
		ImagePath: graphapi.StringPtr(missing),
		Prompt:    graphapi.StringPtr("a cat walking"),
	}})
	if out.Error != "Image file not found: "+missing {
		t.Errorf("error = %q", out.Error)
	}
}

func TestHandleWorkflowMissing(t *testing.T) {
	f := newFixture(t)
	f.handler.Config.WorkflowPath = filepath.Join(t.TempDir(), "nope.json")

	out := f.handler.Handle(context.Background(), Job{ID: "job-1", Input: graphapi.JobInput{
		ImagePath: graphapi.StringPtr(ExampleImageSentinel),
		Prompt:    graphapi.StringPtr("a cat walking"),
	}})
	if !strings.Contains(out.Error, "workflow file not found") {
		t.Errorf("error = %q", out.Error)
	}
}

func TestHandleModelsUnavailable(t *testing.T) {
	f := newFixture(t)
	f.handler.Models = modelsFunc(func(ctx context.Context) error {
		return errkind.Wrap(errors.New("disk full"), errkind.KindModelUnavailable, "models.ensure", "failed to download required models")
	})

	out := f.handler.Handle(context.Background(), Job{ID: "job-1", Input: graphapi.JobInput{
		ImagePath: graphapi.StringPtr(ExampleImageSentinel),
		Prompt:    graphapi.StringPtr("a cat walking"),
	}})
	if out.Error != "failed to download required models: disk full" {
		t.Errorf("error = %q", out.Error)
	}
	if f.srv.Pings() != 0 {
		t.Error("server contacted with models missing")
	}
}

func TestHandleServerUnreachable(t *testing.T) {
	f := newFixture(t)
	f.srv.PingFailures = 100
	f.handler.Config.ProbeAttempts = 2

	out := f.handler.Handle(context.Background(), Job{ID: "job-1", Input: graphapi.JobInput{
		ImagePath: graphapi.StringPtr(ExampleImageSentinel),
		Prompt:    graphapi.StringPtr("a cat walking"),
	}})
	if !strings.HasPrefix(out.Error, "server unreachable after 2 attempts") {
		t.Errorf("error = %q", out.Error)
	}
	if f.srv.Pings() != 2 {
		t.Errorf("pings = %d, want 2", f.srv.Pings())
	}
}

func TestHandleNoVideoFound(t *testing.T) {
	f := newFixture(t)
	f.srv.Outputs = `{"62": {"gifs": []}}`

	out := f.handler.Handle(context.Background(), Job{ID: "job-1", Input: graphapi.JobInput{
		ImagePath: graphapi.StringPtr(ExampleImageSentinel),
		Prompt:    graphapi.StringPtr("a cat walking"),
	}})
	if out.Error != "no video found" {
		t.Errorf("error = %q", out.Error)
	}
}

func TestHandleUploadsInputImage(t *testing.T) {
	f := newFixture(t)
	f.withVideo("wan.mp4")
	f.handler.Config.UploadInputImage = true

	out := f.handler.Handle(context.Background(), Job{ID: "job-1", Input: graphapi.JobInput{
		ImagePath: graphapi.StringPtr(ExampleImageSentinel),
		Prompt:    graphapi.StringPtr("a cat walking"),
	}})
	if out.Failed() {
		t.Fatalf("Handle failed: %s", out.Error)
	}
	if up := f.srv.Uploads(); len(up) != 1 || up[0] != "example_image.png" {
		t.Errorf("uploads = %v", up)
	}
	if got := input(submitted(t, f.srv), "91", "image"); got != "example_image.png" {
		t.Errorf("image input = %s", got)
	}
}

func TestHandleReportsProgress(t *testing.T) {
	f := newFixture(t)
	f.withVideo("wan.mp4")

	var mu sync.Mutex
	var got []string
	f.handler.OnProgress = func(jobID, node string, value, max int) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, fmt.Sprintf("%s %s %d/%d", jobID, node, value, max))
	}

	out := f.handler.Handle(context.Background(), Job{ID: "job-1", Input: graphapi.JobInput{
		ImagePath: graphapi.StringPtr(ExampleImageSentinel),
		Prompt:    graphapi.StringPtr("a cat walking"),
	}})
	if out.Failed() {
		t.Fatalf("Handle failed: %s", out.Error)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0] != "job-1 62 1/2" {
		t.Errorf("progress = %v", got)
	}
}

func TestHandleRecoversPanic(t *testing.T) {
	f := newFixture(t)
	f.handler.Models = modelsFunc(func(ctx context.Context) error { panic("boom") })

	out := f.handler.Handle(context.Background(), Job{ID: "job-1"})
	if out.Error != "internal error: boom" {
		t.Errorf("error = %q", out.Error)
	}
}

func TestResolveImageBase64(t *testing.T) {
	f := newFixture(t)
	payload := []byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a, 0x1a, 0x0a, 0x00, 0xff}
	encoded := base64.StdEncoding.EncodeToString(payload)

	for _, image := range []string{encoded, "data:image/png;base64," + encoded} {
		taskDir := filepath.Join(t.TempDir(), "task_1")
		path, err := f.handler.resolveImage(image, taskDir, quietLogger())
		if err != nil {
			t.Fatalf("resolveImage: %v", err)
		}
		if path != filepath.Join(taskDir, "input_image.jpg") {
			t.Errorf("path = %s", path)
		}
		got, err := os.ReadFile(path)
		if err != nil || !bytes.Equal(got, payload) {
			t.Errorf("materialized %v, %v; want %v", got, err, payload)
		}
	}
}

func TestResolveImageLiteralPath(t *testing.T) {
	f := newFixture(t)
	image := filepath.Join(t.TempDir(), "photo.png")
	if err := os.WriteFile(image, []byte("png"), 0o644); err != nil {
		t.Fatal(err)
	}
	taskDir := filepath.Join(t.TempDir(), "task_1")

	path, err := f.handler.resolveImage(image, taskDir, quietLogger())
	if err != nil {
		t.Fatalf("resolveImage: %v", err)
	}
	if path != image {
		t.Errorf("path = %s, want %s", path, image)
	}
	if _, err := os.Stat(taskDir); !os.IsNotExist(err) {
		t.Error("a file was written for a literal path")
	}
}

func TestResolveImageSentinel(t *testing.T) {
	f := newFixture(t)
	path, err := f.handler.resolveImage(ExampleImageSentinel, t.TempDir(), quietLogger())
	if err != nil {
		t.Fatalf("resolveImage: %v", err)
	}
	if path != f.example {
		t.Errorf("path = %s, want %s", path, f.example)
	}
}

func TestDecodeBase64(t *testing.T) {
	tests := []struct {
		in string
		ok bool
	}{
		{base64.StdEncoding.EncodeToString([]byte("image bytes")), true},
		{"data:image/jpeg;base64," + base64.StdEncoding.EncodeToString([]byte("jpeg")), true},
		{"example_image.png", false},
		{"/workspace/inputs/cat.jpg", false},
		{"aGVsbG8", false},
		{"", false},
	}
	for _, tt := range tests {
		if _, ok := decodeBase64(tt.in); ok != tt.ok {
			t.Errorf("decodeBase64(%q) ok = %v, want %v", tt.in, ok, tt.ok)
		}
	}
}

func TestDecodeJob(t *testing.T) {
	tests := []struct {
		name      string
		payload   string
		wantID    string
		wantErr   string
		malformed bool
	}{
		{"valid", `{"id": "job-1", "input": {"prompt": "a cat", "width": "512"}}`, "job-1", "", false},
		{"no input", `{"id": "job-2"}`, "job-2", "", false},
		{"null input", `{"id": "job-3", "input": null}`, "job-3", "", false},
		{"wrong width type", `{"id": "job-7", "input": {"width": "wide"}}`, "job-7", `invalid input: "wide" is not a number`, false},
		{"wrong prompt type", `{"id": "job-8", "input": {"prompt": 5}}`, "job-8", "invalid input: json: cannot unmarshal number", false},
		{"input not an object", `{"id": "job-9", "input": [1, 2]}`, "job-9", "invalid input", false},
		{"not json", `not json`, "", "malformed job payload", true},
		{"numeric id", `{"id": 5, "input": {}}`, "", "malformed job payload", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job, err := DecodeJob([]byte(tt.payload))
			if job.ID != tt.wantID {
				t.Errorf("id = %q, want %q", job.ID, tt.wantID)
			}
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("DecodeJob: %v", err)
				}
				return
			}
			if err == nil || !strings.HasPrefix(err.Error(), tt.wantErr) {
				t.Fatalf("err = %v, want prefix %q", err, tt.wantErr)
			}
			if got := errors.Is(err, ErrMalformedJob); got != tt.malformed {
				t.Errorf("malformed = %v, want %v", got, tt.malformed)
			}
			if !tt.malformed && !errkind.Is(err, errkind.KindInputValidation) {
				t.Errorf("kind = %s", errkind.KindOf(err))
			}
		})
	}
}

func TestDecodeJobKeepsValues(t *testing.T) {
	job, err := DecodeJob([]byte(`{"id": "job-1", "input": {"image_path": "/example_image.png", "prompt": "a cat", "width": "512", "seed": 7}}`))
	if err != nil {
		t.Fatalf("DecodeJob: %v", err)
	}
	in := job.Input
	if *in.ImagePath != ExampleImageSentinel || *in.Prompt != "a cat" || *in.Width != 512 || *in.Seed != 7 {
		t.Errorf("input = %+v", in)
	}
}
