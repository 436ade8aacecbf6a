package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/bizflycloud/backupd/pkg/storage_vault"
)

var _ storage_vault.StorageVault = (*GCS)(nil)

// GCS implements storage_vault.StorageVault for Google Cloud Storage.
type GCS struct {
	cfg    storage_vault.Config
	client *storage.Client

	clientOpts []option.ClientOption
	logger     *zap.Logger
}

// Option configures a GCS vault.
type Option func(g *GCS) error

// WithLogger sets the logger for GCS.
func WithLogger(logger *zap.Logger) Option {
	return func(g *GCS) error {
		g.logger = logger
		return nil
	}
}

// WithClientOptions appends options passed to storage.NewClient.
func WithClientOptions(opts ...option.ClientOption) Option {
	return func(g *GCS) error {
		g.clientOpts = append(g.clientOpts, opts...)
		return nil
	}
}

// New creates a GCS vault. Without a service account file the
// application default credentials are used.
func New(ctx context.Context, cfg storage_vault.Config, opts ...Option) (*GCS, error) {
	if cfg.Provider != storage_vault.TypeGoogleCloud {
		return nil, fmt.Errorf("%q: %w", cfg.Provider, storage_vault.ErrUnknownProvider)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	g := &GCS{cfg: cfg}
	for _, opt := range opts {
		if err := opt(g); err != nil {
			return nil, err
		}
	}
	if g.logger == nil {
		l, err := zap.NewDevelopment()
		if err != nil {
			return nil, err
		}
		g.logger = l
	}

	clientOpts := g.clientOpts
	if cfg.ServiceAccountFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(cfg.ServiceAccountFile))
	}
	if cfg.EndpointURL != "" {
		clientOpts = append(clientOpts, option.WithEndpoint(cfg.EndpointURL))
	}
	client, err := storage.NewClient(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS storage client: %w", err)
	}
	g.client = client
	return g, nil
}

func (g *GCS) Type() storage_vault.Type {
	return storage_vault.TypeGoogleCloud
}

func (g *GCS) Put(ctx context.Context, key string, r io.Reader, size int64) error {
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w := g.client.Bucket(g.cfg.Bucket).Object(key).NewWriter(wctx)
	w.ContentType = "application/octet-stream"
	g.logger.Debug("Uploading object", zap.String("bucket", g.cfg.Bucket), zap.String("key", key), zap.Int64("size", size))
	if _, err := io.Copy(w, r); err != nil {
		// Cancelling before Close aborts the resumable upload.
		cancel()
		_ = w.Close()
		return g.wrap("put", err)
	}
	if err := w.Close(); err != nil {
		return g.wrap("put", err)
	}
	return nil
}

func (g *GCS) Delete(ctx context.Context, key string) error {
	err := g.client.Bucket(g.cfg.Bucket).Object(key).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return g.wrap("delete", err)
	}
	return nil
}

func (g *GCS) List(ctx context.Context, prefix string) ([]storage_vault.Object, error) {
	var objects []storage_vault.Object
	it := g.client.Bucket(g.cfg.Bucket).Objects(ctx, &storage.Query{Prefix: prefix})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, g.wrap("list", err)
		}
		objects = append(objects, storage_vault.Object{Key: attrs.Name, Size: attrs.Size, LastModified: attrs.Updated})
	}
	return objects, nil
}

// Quota is unknown for GCS buckets.
func (g *GCS) Quota(ctx context.Context) (storage_vault.Quota, error) {
	return storage_vault.Quota{}, nil
}

func (g *GCS) Stat(ctx context.Context, key string) (storage_vault.Object, error) {
	attrs, err := g.client.Bucket(g.cfg.Bucket).Object(key).Attrs(ctx)
	if err != nil {
		return storage_vault.Object{}, g.wrap("stat", err)
	}
	return storage_vault.Object{Key: key, Size: attrs.Size, LastModified: attrs.Updated}, nil
}

func (g *GCS) Ref(key string) string {
	return "gs://" + g.cfg.Bucket + "/" + key
}

// Close releases the underlying client.
func (g *GCS) Close() error {
	return g.client.Close()
}

func (g *GCS) wrap(op string, err error) error {
	pe := &storage_vault.ProviderError{Provider: storage_vault.TypeGoogleCloud, Op: op, Err: err}
	var ge *googleapi.Error
	if errors.As(err, &ge) {
		pe.StatusCode = ge.Code
	}
	if errors.Is(err, storage.ErrObjectNotExist) {
		pe.Err = fmt.Errorf("%v: %w", err, storage_vault.ErrNotFound)
	}
	return pe
}
