// Package models makes sure the model weights the workflow loads are present on
// disk before a job is run.
package models

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/richinsley/comfy2go-worker/internal/errkind"
	"github.com/richinsley/comfy2go-worker/internal/logger"
	"github.com/schollz/progressbar/v3"
)

// Model is one weight file and where to fetch it from.
type Model struct {
	Type string // ComfyUI models subfolder
	Name string
	URL  string
}

// Path returns the file location under root.
func (m Model) Path(root string) string {
	return filepath.Join(root, m.Type, m.Name)
}

// DefaultManifest lists the weights used by the Wan 2.2 image-to-video workflow.
var DefaultManifest = []Model{
	{
		Type: "unet",
		Name: "wan2.2_i2v_high_noise_14B_Q5_0.gguf",
		URL:  "https://huggingface.co/QuantStack/Wan2.2-I2V-A14B-GGUF/resolve/main/HighNoise/Wan2.2-I2V-A14B-HighNoise-Q5_0.gguf?download=true",
	},
	{
		Type: "unet",
		Name: "wan2.2_i2v_low_noise_14B_Q5_0.gguf",
		URL:  "https://huggingface.co/QuantStack/Wan2.2-I2V-A14B-GGUF/resolve/main/LowNoise/Wan2.2-I2V-A14B-LowNoise-Q5_0.gguf?download=true",
	},
	{
		Type: "vae",
		Name: "wan_2.1_vae.safetensors",
		URL:  "https://huggingface.co/QuantStack/Wan2.2-I2V-A14B-GGUF/resolve/main/VAE/Wan2.1_VAE.safetensors?download=true",
	},
	{
		Type: "clip",
		Name: "umt5_xxl_fp8_e4m3fn_scaled.safetensors",
		URL:  "https://huggingface.co/Comfy-Org/Wan_2.1_ComfyUI_repackaged/resolve/main/split_files/text_encoders/umt5_xxl_fp8_e4m3fn_scaled.safetensors",
	},
	{
		Type: "loras",
		Name: "lightx2v_I2V_14B_480p_cfg_step_distill_rank64_bf16.safetensors",
		URL:  "https://huggingface.co/Kijai/WanVideo_comfy/resolve/main/Lightx2v/lightx2v_I2V_14B_480p_cfg_step_distill_rank64_bf16.safetensors?download=true",
	},
}

// Downloader fetches missing models. With Download disabled it only checks
// that every file exists. It is safe for concurrent use; at most one download
// per model path runs at a time.
type Downloader struct {
	Root     string
	Manifest []Model
	Download bool
	Client   *http.Client
	Logger   *slog.Logger

	mu    sync.Mutex
	locks map[string]chan struct{}
}

func NewDownloader(root string, download bool, log *slog.Logger) *Downloader {
	if log == nil {
		log = slog.Default()
	}
	return &Downloader{
		Root:     root,
		Manifest: DefaultManifest,
		Download: download,
		Client:   &http.Client{Timeout: 2 * time.Hour},
		Logger:   log,
	}
}

// EnsureReady checks every model and downloads the missing ones. All models are
// attempted even after a failure; the returned error lists the failed names.
func (d *Downloader) EnsureReady(ctx context.Context) error {
	const op = "models.ensure"

	var errs []error
	for _, m := range d.Manifest {
		if err := d.ensure(ctx, m); err != nil {
			d.Logger.Error("Model not available", "model", m.Name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", m.Name, err))
		}
	}
	if len(errs) > 0 {
		return errkind.Wrap(errors.Join(errs...), errkind.KindModelUnavailable, op,
			"failed to download required models")
	}
	d.Logger.Info("All models are ready", "count", len(d.Manifest))
	return nil
}

func (d *Downloader) ensure(ctx context.Context, m Model) error {
	path := m.Path(d.Root)
	if _, err := os.Stat(path); err == nil {
		d.Logger.Debug("Model present", "model", m.Name, "path", path)
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}

	if !d.Download {
		return fmt.Errorf("missing at %s", path)
	}

	unlock, err := d.lock(ctx, path)
	if err != nil {
		return err
	}
	defer unlock()

	// another job may have fetched it while we waited
	if _, err := os.Stat(path); err == nil {
		d.Logger.Debug("Model present", "model", m.Name, "path", path)
		return nil
	}
	d.Logger.Info("Model not found, downloading", "model", m.Name, "path", path)
	return d.fetch(ctx, m.URL, path)
}

// lock takes the download lock for path, giving up when ctx is done.
func (d *Downloader) lock(ctx context.Context, path string) (func(), error) {
	d.mu.Lock()
	if d.locks == nil {
		d.locks = make(map[string]chan struct{})
	}
	l, ok := d.locks[path]
	if !ok {
		l = make(chan struct{}, 1)
		d.locks[path] = l
	}
	d.mu.Unlock()

	select {
	case l <- struct{}{}:
		return func() { <-l }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// fetch streams url into path via a partial file that is renamed on success
// and removed on failure.
func (d *Downloader) fetch(ctx context.Context, url string, path string) (err error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := d.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, resp.Status)
	}

	partial := path + ".part"
	f, err := os.Create(partial)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			f.Close()
			os.Remove(partial)
		}
	}()

	bar := progressbar.NewOptions64(resp.ContentLength,
		progressbar.OptionSetWriter(logger.Writer(d.Logger, "download progress")),
		progressbar.OptionSetDescription(filepath.Base(path)),
		progressbar.OptionShowBytes(true),
		progressbar.OptionThrottle(5*time.Second),
		progressbar.OptionSetRenderBlankState(false),
	)

	n, err := io.Copy(io.MultiWriter(f, bar), resp.Body)
	if err != nil {
		return err
	}
	if resp.ContentLength > 0 && n != resp.ContentLength {
		return fmt.Errorf("short download: %d of %d bytes", n, resp.ContentLength)
	}
	_ = bar.Finish()

	if err = f.Close(); err != nil {
		return err
	}
	if err = os.Rename(partial, path); err != nil {
		return err
	}
	d.Logger.Info("Model downloaded", "path", path, "bytes", n)
	return nil
}
