// Package worker wires the job handler and its collaborators from configuration.
package worker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/richinsley/comfy2go-worker/client"
	"github.com/richinsley/comfy2go-worker/internal/config"
	"github.com/richinsley/comfy2go-worker/internal/handler"
	"github.com/richinsley/comfy2go-worker/internal/models"
	"github.com/richinsley/comfy2go-worker/internal/storage"
)

// NewHandler builds a job handler for cfg.
func NewHandler(ctx context.Context, cfg *config.Config, log *slog.Logger) (*handler.Handler, error) {
	uploader, err := storage.NewUploader(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage uploader: %w", err)
	}
	log.Info("Storage configured", "provider", uploader.Provider())

	comfy := client.NewComfyClient(cfg.ServerAddress, cfg.ServerPort)
	downloader := models.NewDownloader(cfg.ModelsRoot, cfg.ModelDownload, log.With("component", "models"))

	return handler.New(cfg, comfy, downloader, uploader, log), nil
}
