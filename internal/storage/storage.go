// Package storage selects where produced videos are stored.
package storage

import (
	"context"
	"fmt"

	"github.com/richinsley/comfy2go-worker/internal/config"
	"github.com/richinsley/comfy2go-worker/internal/storage/bucket"
	"github.com/richinsley/comfy2go-worker/internal/storage/gdrive"
	"github.com/richinsley/comfy2go-worker/internal/storage/localfs"
)

// Uploader stores one artifact under key and returns a reference a client can
// fetch it from.
type Uploader interface {
	Provider() string
	Upload(ctx context.Context, data []byte, key string) (string, error)
}

// NewUploader builds the uploader named by cfg.StorageProvider. "auto" uses the
// bucket when an endpoint is configured and the local filesystem otherwise.
func NewUploader(ctx context.Context, cfg *config.Config) (Uploader, error) {
	provider := cfg.StorageProvider
	if provider == "" || provider == "auto" {
		provider = "localfs"
		if cfg.BucketEndpoint != "" {
			provider = "s3"
		}
	}

	switch provider {
	case "localfs":
		return localfs.New(cfg.StorageLocalRoot), nil

	case "s3":
		return bucket.New(ctx, bucket.Options{
			Endpoint:  cfg.BucketEndpoint,
			Bucket:    cfg.BucketName,
			Region:    cfg.BucketRegion,
			AccessKey: cfg.BucketAccessKey,
			SecretKey: cfg.BucketSecretKey,
			URLExpiry: cfg.BucketURLExpiry,
		})

	case "gdrive":
		return gdrive.NewFromRefreshToken(ctx, cfg.GDriveClientID, cfg.GDriveSecret, cfg.GDriveRefresh, cfg.GDriveFolderID)

	default:
		return nil, fmt.Errorf("unknown storage provider: %s", provider)
	}
}
