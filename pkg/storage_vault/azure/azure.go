package azure

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"go.uber.org/zap"

	"github.com/bizflycloud/backupd/pkg/storage_vault"
)

const requestTimeout = 1 * time.Hour

var _ storage_vault.StorageVault = (*Azure)(nil)

// Azure implements storage_vault.StorageVault for Azure Blob Storage.
type Azure struct {
	cfg    storage_vault.Config
	client *azblob.Client
	opts   storage_vault.TransportOptions

	logger *zap.Logger
}

// Option configures an Azure vault.
type Option func(a *Azure) error

// WithLogger sets the logger for Azure.
func WithLogger(logger *zap.Logger) Option {
	return func(a *Azure) error {
		a.logger = logger
		return nil
	}
}

// WithTransportOptions overrides the default HTTP transport settings.
func WithTransportOptions(opts storage_vault.TransportOptions) Option {
	return func(a *Azure) error {
		a.opts = opts
		return nil
	}
}

// New creates an Azure vault authenticated with the account shared key.
func New(cfg storage_vault.Config, opts ...Option) (*Azure, error) {
	if cfg.Provider != storage_vault.TypeAzure {
		return nil, fmt.Errorf("%q: %w", cfg.Provider, storage_vault.ErrUnknownProvider)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	a := &Azure{cfg: cfg, opts: storage_vault.DefaultTransportOptions}
	for _, opt := range opts {
		if err := opt(a); err != nil {
			return nil, err
		}
	}
	if a.logger == nil {
		l, err := zap.NewDevelopment()
		if err != nil {
			return nil, err
		}
		a.logger = l
	}

	cred, err := azblob.NewSharedKeyCredential(cfg.AccountName, cfg.AccountKey)
	if err != nil {
		return nil, fmt.Errorf("invalid azure account key: %w", err)
	}
	client, err := azblob.NewClientWithSharedKeyCredential(a.ServiceURL(), cred, &azblob.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Transport: storage_vault.HTTPClient(a.opts, requestTimeout),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create azure blob client: %w", err)
	}
	a.client = client
	return a, nil
}

// ServiceURL returns the blob service endpoint of the account.
func (a *Azure) ServiceURL() string {
	if a.cfg.EndpointURL != "" {
		return a.cfg.EndpointURL
	}
	return fmt.Sprintf("https://%s.blob.core.windows.net/", a.cfg.AccountName)
}

func (a *Azure) Type() storage_vault.Type {
	return storage_vault.TypeAzure
}

func (a *Azure) Put(ctx context.Context, key string, r io.Reader, size int64) error {
	a.logger.Debug("Uploading blob", zap.String("container", a.cfg.Container), zap.String("key", key), zap.Int64("size", size))
	if _, err := a.client.UploadStream(ctx, a.cfg.Container, key, r, nil); err != nil {
		return a.wrap("put", err)
	}
	return nil
}

func (a *Azure) Delete(ctx context.Context, key string) error {
	_, err := a.client.DeleteBlob(ctx, a.cfg.Container, key, nil)
	if err != nil && !bloberror.HasCode(err, bloberror.BlobNotFound) {
		return a.wrap("delete", err)
	}
	return nil
}

func (a *Azure) List(ctx context.Context, prefix string) ([]storage_vault.Object, error) {
	var objects []storage_vault.Object
	pager := a.client.NewListBlobsFlatPager(a.cfg.Container, &azblob.ListBlobsFlatOptions{Prefix: &prefix})
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, a.wrap("list", err)
		}
		for _, item := range page.Segment.BlobItems {
			if item.Name == nil {
				continue
			}
			obj := storage_vault.Object{Key: *item.Name}
			if item.Properties != nil {
				if item.Properties.ContentLength != nil {
					obj.Size = *item.Properties.ContentLength
				}
				if item.Properties.LastModified != nil {
					obj.LastModified = *item.Properties.LastModified
				}
			}
			objects = append(objects, obj)
		}
	}
	return objects, nil
}

// Quota is unknown for blob containers.
func (a *Azure) Quota(ctx context.Context) (storage_vault.Quota, error) {
	return storage_vault.Quota{}, nil
}

func (a *Azure) Stat(ctx context.Context, key string) (storage_vault.Object, error) {
	blob := a.client.ServiceClient().NewContainerClient(a.cfg.Container).NewBlobClient(key)
	props, err := blob.GetProperties(ctx, nil)
	if err != nil {
		return storage_vault.Object{}, a.wrap("stat", err)
	}
	obj := storage_vault.Object{Key: key}
	if props.ContentLength != nil {
		obj.Size = *props.ContentLength
	}
	if props.LastModified != nil {
		obj.LastModified = *props.LastModified
	}
	return obj, nil
}

func (a *Azure) Ref(key string) string {
	return "azure://" + a.cfg.AccountName + "/" + a.cfg.Container + "/" + key
}

func (a *Azure) wrap(op string, err error) error {
	pe := &storage_vault.ProviderError{Provider: storage_vault.TypeAzure, Op: op, Err: err}
	var re *azcore.ResponseError
	if errors.As(err, &re) {
		pe.StatusCode = re.StatusCode
	}
	if bloberror.HasCode(err, bloberror.BlobNotFound) || pe.StatusCode == http.StatusNotFound {
		pe.Err = fmt.Errorf("%v: %w", err, storage_vault.ErrNotFound)
	}
	return pe
}
