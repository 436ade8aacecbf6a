package target

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/bizflycloud/backupd/pkg/storage_vault"
	"github.com/bizflycloud/backupd/pkg/storage_vault/azure"
	"github.com/bizflycloud/backupd/pkg/storage_vault/gcs"
	"github.com/bizflycloud/backupd/pkg/storage_vault/s3"
	"github.com/bizflycloud/backupd/pkg/storage_vault/webdav"
)

// NewVault builds the StorageVault for cfg.Provider.
func NewVault(ctx context.Context, cfg storage_vault.Config, topts storage_vault.TransportOptions, logger *zap.Logger) (storage_vault.StorageVault, error) {
	switch {
	case cfg.Provider.IsWebDAV():
		return webdav.New(cfg, webdav.WithLogger(logger), webdav.WithTransportOptions(topts))
	case cfg.Provider == storage_vault.TypeS3 || cfg.Provider == storage_vault.TypeS3Compatible:
		return s3.New(cfg, s3.WithLogger(logger), s3.WithTransportOptions(topts))
	case cfg.Provider == storage_vault.TypeGoogleCloud:
		return gcs.New(ctx, cfg, gcs.WithLogger(logger))
	case cfg.Provider == storage_vault.TypeAzure:
		return azure.New(cfg, azure.WithLogger(logger), azure.WithTransportOptions(topts))
	}
	return nil, fmt.Errorf("%w: %q", storage_vault.ErrUnknownProvider, cfg.Provider)
}

// Vault builds the StorageVault for cfg after validating it.
func (r *Resolver) Vault(ctx context.Context, cfg storage_vault.Config) (storage_vault.StorageVault, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return r.newVault(ctx, cfg, r.topts, r.logger)
}
