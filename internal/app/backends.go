// Package app assembles storage backends from configuration for the binaries.
package app

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/spf13/afero"

	"github.com/radif/fileservice/internal/config"
	"github.com/radif/fileservice/internal/storage"
)

// LocalBackend opens the upload directory on the host filesystem.
func LocalBackend(cfg *config.Config) (*storage.LocalStorage, error) {
	s, err := storage.NewLocalStorage(afero.NewOsFs(), cfg.UploadDir, cfg.MediaRoot)
	if err != nil {
		return nil, fmt.Errorf("local storage init: %w", err)
	}
	return s, nil
}

// CloudBackend connects to the configured object store.
func CloudBackend(ctx context.Context, cfg *config.Config, logger *log.Logger) (*storage.CloudStorage, error) {
	s, err := storage.NewCloudStorage(ctx, storage.CloudOptions{
		Endpoint:   cfg.StorageEndpoint,
		AccessKey:  cfg.StorageAccessKey,
		SecretKey:  cfg.StorageSecretKey,
		Bucket:     cfg.StorageBucket,
		Prefix:     cfg.StoragePrefix,
		PublicBase: cfg.StoragePublicBase,
		UseSSL:     cfg.StorageUseSSL,
		PublicRead: cfg.StoragePublicRead,
	}, logger.With("component", "storage"))
	if err != nil {
		return nil, fmt.Errorf("object storage init: %w", err)
	}
	return s, nil
}

// Backends builds one backend per kind name ("local" or "cloud").
func Backends(ctx context.Context, cfg *config.Config, kinds []string, logger *log.Logger) ([]storage.Backend, error) {
	if len(kinds) == 0 {
		return nil, fmt.Errorf("no storage backends configured")
	}
	seen := make(map[storage.Kind]bool)
	var backends []storage.Backend
	for _, name := range kinds {
		kind := storage.Kind(name)
		if seen[kind] {
			continue
		}
		seen[kind] = true

		switch kind {
		case storage.KindLocal:
			b, err := LocalBackend(cfg)
			if err != nil {
				return nil, err
			}
			backends = append(backends, b)
		case storage.KindCloud:
			b, err := CloudBackend(ctx, cfg, logger)
			if err != nil {
				return nil, err
			}
			backends = append(backends, b)
		default:
			return nil, fmt.Errorf("unknown storage backend %q", name)
		}
	}
	return backends, nil
}
