// Package handler turns one image-to-video job into a video reference. It owns the
// job's lifecycle from input checks to the final result and never lets a failure
// escape as anything but an error output.
package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"

	"github.com/google/uuid"
	"github.com/richinsley/comfy2go-worker/client"
	"github.com/richinsley/comfy2go-worker/graphapi"
	"github.com/richinsley/comfy2go-worker/internal/config"
	"github.com/richinsley/comfy2go-worker/internal/errkind"
	"github.com/richinsley/comfy2go-worker/internal/logger"
	"github.com/richinsley/comfy2go-worker/internal/session"
)

// ExampleImageSentinel selects the bundled example image instead of a caller file.
const ExampleImageSentinel = "/example_image.png"

const inputImageName = "input_image.jpg"

// Job is one unit of work as submitted by the platform.
type Job struct {
	ID    string            `json:"id"`
	Input graphapi.JobInput `json:"input"`
}

// ErrMalformedJob is matched by DecodeJob errors for payloads that are not a job
// object at all. Such payloads carry no usable id.
var ErrMalformedJob = errors.New("malformed job payload")

// DecodeJob decodes a job payload. The envelope is decoded before the input so
// that a job whose input has the wrong shape still yields its id. In that case
// the job is returned together with an input validation error whose text is
// the error output to report for it.
func DecodeJob(data []byte) (Job, error) {
	var env struct {
		ID    string          `json:"id"`
		Input json.RawMessage `json:"input"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return Job{}, fmt.Errorf("%w: %v", ErrMalformedJob, err)
	}

	job := Job{ID: env.ID}
	if len(env.Input) == 0 {
		return job, nil
	}
	if err := json.Unmarshal(env.Input, &job.Input); err != nil {
		return job, errkind.Wrap(err, errkind.KindInputValidation, "job.decode", "invalid input")
	}
	return job, nil
}

// Output is the job result. Exactly one of the fields is set.
type Output struct {
	VideoURL string `json:"video_url,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Failed reports whether the output carries an error.
func (o Output) Failed() bool {
	return o.Error != ""
}

// ModelChecker makes sure the model weights are in place.
type ModelChecker interface {
	EnsureReady(ctx context.Context) error
}

// ProgressFunc receives sampler progress for a job.
type ProgressFunc func(jobID string, node string, value, max int)

// Handler runs jobs against one ComfyUI server. It holds no per-job state and is
// safe for concurrent use.
type Handler struct {
	Config   *config.Config
	Client   *client.ComfyClient
	Models   ModelChecker
	Uploader session.Uploader
	// NewID generates session identities and ids for jobs submitted without one.
	NewID func() string
	// Sleep overrides the wait between connection attempts.
	Sleep      client.SleepFunc
	OnProgress ProgressFunc
	Logger     *slog.Logger
}

func New(cfg *config.Config, c *client.ComfyClient, models ModelChecker, uploader session.Uploader, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		Config:   cfg,
		Client:   c,
		Models:   models,
		Uploader: uploader,
		NewID:    uuid.NewString,
		Logger:   log,
	}
}

// Handle runs job and reports the outcome. Every failure, including a panic, is
// logged and returned as an error output.
func (h *Handler) Handle(ctx context.Context, job Job) (out Output) {
	if job.ID == "" {
		job.ID = h.newID()
	}
	log := logger.WithJob(h.logger(), job.ID)

	defer func() {
		if r := recover(); r != nil {
			log.Error("Job panicked", "panic", r, "stack", string(debug.Stack()))
			out = Output{Error: fmt.Sprintf("internal error: %v", r)}
		}
	}()

	log.Info("Job received")
	url, err := h.run(ctx, job, log)
	if err != nil {
		log.Error("Job failed",
			"kind", errkind.KindOf(err),
			"op", errkind.OpOf(err),
			"field", errkind.FieldOf(err),
			"error", err,
		)
		return Output{Error: err.Error()}
	}
	log.Info("Job finished", "video_url", url)
	return Output{VideoURL: url}
}

func (h *Handler) run(ctx context.Context, job Job, log *slog.Logger) (string, error) {
	if h.Models != nil {
		if err := h.Models.EnsureReady(ctx); err != nil {
			return "", err
		}
	}

	in := job.Input
	if in.ImagePath == nil || *in.ImagePath == "" {
		return "", errkind.Invalid(string(graphapi.FieldImage), "Missing required parameter: image_path")
	}
	if in.Prompt == nil {
		return "", errkind.Invalid(string(graphapi.FieldPrompt), "Missing required parameter: prompt")
	}

	taskDir := filepath.Join(h.Config.WorkDir, "task_"+h.newID())
	defer func() {
		if err := os.RemoveAll(taskDir); err != nil {
			log.Warn("Failed to remove task directory", "path", taskDir, "error", err)
		}
	}()

	imagePath, err := h.resolveImage(*in.ImagePath, taskDir, log)
	if err != nil {
		return "", err
	}

	template, err := graphapi.LoadWorkflowFile(h.Config.WorkflowPath)
	if err != nil {
		return "", err
	}
	graph, err := graphapi.Compose(template, in, imagePath)
	if err != nil {
		return "", err
	}
	log.Info("Workflow composed",
		"width", graph.Params.Width,
		"height", graph.Params.Height,
		"video_length", graph.Params.VideoLength,
		"frame_rate", graph.Params.FrameRate,
		"video_format", graph.Params.VideoFormat,
		"seed", graph.Params.Seed,
	)

	clientID := h.newID()
	ws, err := h.establisher(log).Establish(ctx, clientID)
	if err != nil {
		return "", err
	}

	if h.Config.UploadInputImage {
		graph, err = h.uploadInput(ctx, template, in, imagePath, log)
		if err != nil {
			ws.Close()
			return "", err
		}
	}

	runCtx := ctx
	if h.Config.ExecutionTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, h.Config.ExecutionTimeout)
		defer cancel()
	}

	s := session.New(h.Client, h.Uploader, clientID, log)
	s.KeyPrefix = job.ID
	if h.OnProgress != nil {
		s.Handlers.WithProgressHandler(func(msg *client.WSMessageDataProgress) {
			h.OnProgress(job.ID, msg.Node, msg.Value, msg.Max)
		})
	}

	res, err := s.Run(runCtx, ws, graph)
	if err != nil {
		if session.IsNoArtifacts(err) {
			return "", errkind.New(errkind.KindExecution, "handler.result", "no video found")
		}
		return "", err
	}
	if res.Primary.Kind != session.ArtifactURL {
		log.Warn("No video output, returning inline image", "filename", res.Primary.Filename)
	}
	return res.Primary.Value, nil
}

// resolveImage maps the job's image_path to a file on disk. The example sentinel
// selects the bundled image, base64 content is written into taskDir and anything
// else is used as a path.
func (h *Handler) resolveImage(image string, taskDir string, log *slog.Logger) (string, error) {
	const op = "handler.image"

	var path string
	switch data, ok := decodeBase64(image); {
	case image == ExampleImageSentinel:
		path = h.Config.ExampleImagePath
		log.Info("Using example image", "path", path)
	case ok:
		if err := os.MkdirAll(taskDir, 0o755); err != nil {
			return "", errkind.Wrap(err, errkind.KindInternal, op, "failed to create task directory")
		}
		path = filepath.Join(taskDir, inputImageName)
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return "", errkind.Wrap(err, errkind.KindInternal, op, "failed to write input image")
		}
		log.Info("Decoded base64 input image", "path", path, "bytes", len(data))
	default:
		path = image
	}

	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", errkind.Newf(errkind.KindResourceNotFound, op, "Image file not found: %s", path)
		}
		return "", errkind.Wrap(err, errkind.KindResourceNotFound, op, "cannot access image "+path)
	}
	return path, nil
}

// uploadInput copies the image into the server's input folder and composes the
// graph again with the server side name.
func (h *Handler) uploadInput(ctx context.Context, template *graphapi.Workflow, in graphapi.JobInput, imagePath string, log *slog.Logger) (*graphapi.ComposedGraph, error) {
	name, err := h.Client.UploadFileFromPath(ctx, imagePath, true, client.InputImageType, "")
	if err != nil {
		return nil, errkind.Wrap(err, errkind.KindConnection, "handler.upload", "failed to upload input image")
	}
	log.Info("Input image uploaded", "name", name)
	return graphapi.Compose(template, in, name)
}

func (h *Handler) establisher(log *slog.Logger) *client.Establisher {
	e := client.NewEstablisher(h.Client)
	e.ProbeAttempts = h.Config.ProbeAttempts
	e.ProbeInterval = h.Config.ProbeInterval
	e.HandshakeAttempts = h.Config.HandshakeAttempts
	e.HandshakeInterval = h.Config.HandshakeInterval
	e.Sleep = h.Sleep
	e.Logger = log
	return e
}

func (h *Handler) newID() string {
	if h.NewID != nil {
		return h.NewID()
	}
	return uuid.NewString()
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

// decodeBase64 strictly decodes s, accepting an optional data URL prefix.
func decodeBase64(s string) ([]byte, bool) {
	if strings.HasPrefix(s, "data:") {
		if i := strings.Index(s, ";base64,"); i >= 0 {
			s = s[i+len(";base64,"):]
		}
	}
	if s == "" {
		return nil, false
	}
	data, err := base64.StdEncoding.Strict().DecodeString(s)
	if err != nil || len(data) == 0 {
		return nil, false
	}
	return data, true
}
