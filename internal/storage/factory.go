package storage

import (
	"context"
	"strings"

	"framefarm/internal/adapters/storage/gdrive"
	"framefarm/internal/adapters/storage/localfs"
	"framefarm/internal/adapters/storage/s3"
	"framefarm/internal/config"
	"framefarm/internal/pkg/errors"
)

// NewProvider builds the configured provider. For s3 the bucket is created
// if missing so a fresh MinIO works out of the box.
func NewProvider(ctx context.Context, cfg config.StorageConfig) (Provider, error) {
	switch strings.ToLower(cfg.Provider) {
	case "", "localfs":
		if cfg.LocalRoot == "" {
			return nil, errors.ValidationField("storage.local_root", "local root is required")
		}
		return localfs.New(cfg.LocalRoot), nil

	case "gdrive":
		client, err := gdrive.Dial(ctx, cfg.GDrive)
		if err != nil {
			return nil, err
		}
		return client, nil

	case "s3":
		store, err := s3.New(cfg.S3)
		if err != nil {
			return nil, err
		}
		if err := store.EnsureBucket(ctx); err != nil {
			return nil, err
		}
		return store, nil

	default:
		return nil, errors.Validation("unknown storage provider: " + cfg.Provider)
	}
}
