package webdav

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/studio-b12/gowebdav"
	"go.uber.org/zap"

	"github.com/bizflycloud/backupd/pkg/storage_vault"
)

// uploadTimeout bounds a single PUT of a large archive over a slow link.
const uploadTimeout = 2 * time.Hour

var _ storage_vault.StorageVault = (*WebDAV)(nil)

// WebDAV implements storage_vault.StorageVault for generic WebDAV servers,
// Seafile (seafdav) and Nextcloud.
type WebDAV struct {
	cfg    storage_vault.Config
	root   string
	client *gowebdav.Client
	httpc  *http.Client
	opts   storage_vault.TransportOptions

	logger *zap.Logger
}

// Option configures a WebDAV vault.
type Option func(w *WebDAV) error

// WithLogger sets the logger for WebDAV.
func WithLogger(logger *zap.Logger) Option {
	return func(w *WebDAV) error {
		w.logger = logger
		return nil
	}
}

// WithTransportOptions overrides the default HTTP transport settings.
func WithTransportOptions(opts storage_vault.TransportOptions) Option {
	return func(w *WebDAV) error {
		w.opts = opts
		return nil
	}
}

// New creates a WebDAV vault from cfg.
func New(cfg storage_vault.Config, opts ...Option) (*WebDAV, error) {
	if !cfg.Provider.IsWebDAV() {
		return nil, fmt.Errorf("%q: %w", cfg.Provider, storage_vault.ErrUnknownProvider)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	w := &WebDAV{cfg: cfg, opts: storage_vault.DefaultTransportOptions}
	for _, opt := range opts {
		if err := opt(w); err != nil {
			return nil, err
		}
	}
	if w.logger == nil {
		l, err := zap.NewDevelopment()
		if err != nil {
			return nil, err
		}
		w.logger = l
	}

	root, err := RootURL(cfg)
	if err != nil {
		return nil, err
	}
	w.root = root
	w.httpc = storage_vault.HTTPClient(w.opts, uploadTimeout)
	w.client = gowebdav.NewClient(root, strings.TrimSpace(cfg.Username), strings.TrimSpace(cfg.Password))
	w.client.SetTransport(w.httpc.Transport)
	w.client.SetTimeout(uploadTimeout)
	w.client.SetHeader("Overwrite", "T")
	return w, nil
}

// RootURL returns the collection URL for cfg, applying the flavor-specific path.
func RootURL(cfg storage_vault.Config) (string, error) {
	raw := strings.TrimRight(strings.TrimSpace(cfg.URL), "/")
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid webdav_url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("invalid webdav_url %q: scheme must be http or https", cfg.URL)
	}
	switch cfg.Provider {
	case storage_vault.TypeNextcloudWebDAV:
		if !strings.Contains(u.Path, "/remote.php/") {
			u.Path += "/remote.php/dav/files/" + strings.TrimSpace(cfg.Username)
		}
	case storage_vault.TypeSeafileWebDAV:
		if !strings.HasSuffix(u.Path, "/seafdav") && !strings.Contains(u.Path, "/seafdav/") {
			u.Path += "/seafdav"
		}
	}
	return u.String() + "/", nil
}

func (w *WebDAV) Type() storage_vault.Type {
	return w.cfg.Provider
}

func (w *WebDAV) Put(ctx context.Context, key string, r io.Reader, size int64) error {
	if dir := path.Dir(key); dir != "." && dir != "/" {
		// Parent collections may already exist or be refused; the PUT decides.
		if err := w.client.MkdirAll(dir, 0755); err != nil {
			w.logger.Debug("MKCOL of parent collection failed", zap.String("dir", dir), zap.Error(err))
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	w.logger.Debug("Uploading object", zap.String("key", key), zap.Int64("size", size))
	if err := w.client.WriteStream(key, r, 0644); err != nil {
		return w.wrap("put", err)
	}
	return nil
}

func (w *WebDAV) Delete(ctx context.Context, key string) error {
	if err := w.client.Remove(key); err != nil {
		err = w.wrap("delete", err)
		if errors.Is(err, storage_vault.ErrNotFound) {
			return nil
		}
		return err
	}
	return nil
}

func (w *WebDAV) List(ctx context.Context, prefix string) ([]storage_vault.Object, error) {
	dir, namePrefix := path.Split(prefix)
	infos, err := w.client.ReadDir(dir)
	if err != nil {
		err = w.wrap("list", err)
		if errors.Is(err, storage_vault.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	objects := make([]storage_vault.Object, 0, len(infos))
	for _, fi := range infos {
		if fi.IsDir() || !strings.HasPrefix(fi.Name(), namePrefix) {
			continue
		}
		objects = append(objects, storage_vault.Object{
			Key:          dir + fi.Name(),
			Size:         fi.Size(),
			LastModified: fi.ModTime(),
		})
	}
	return objects, nil
}

func (w *WebDAV) Stat(ctx context.Context, key string) (storage_vault.Object, error) {
	fi, err := w.client.Stat(key)
	if err != nil {
		return storage_vault.Object{}, w.wrap("stat", err)
	}
	return storage_vault.Object{Key: key, Size: fi.Size(), LastModified: fi.ModTime()}, nil
}

func (w *WebDAV) Ref(key string) string {
	return w.root + strings.TrimPrefix(key, "/")
}

const quotaRequest = `<?xml version="1.0" encoding="utf-8" ?>
<d:propfind xmlns:d="DAV:">
  <d:prop>
    <d:quota-available-bytes/>
    <d:quota-used-bytes/>
  </d:prop>
</d:propfind>`

type multistatus struct {
	Responses []struct {
		Propstats []struct {
			Status string `xml:"status"`
			Prop   struct {
				Available string `xml:"quota-available-bytes"`
				Used      string `xml:"quota-used-bytes"`
			} `xml:"prop"`
		} `xml:"propstat"`
	} `xml:"response"`
}

// Quota issues an RFC 4331 PROPFIND on the root collection.
func (w *WebDAV) Quota(ctx context.Context) (storage_vault.Quota, error) {
	req, err := http.NewRequestWithContext(ctx, "PROPFIND", w.root, bytes.NewBufferString(quotaRequest))
	if err != nil {
		return storage_vault.Quota{}, err
	}
	req.SetBasicAuth(strings.TrimSpace(w.cfg.Username), strings.TrimSpace(w.cfg.Password))
	req.Header.Set("Depth", "0")
	req.Header.Set("Content-Type", "application/xml; charset=utf-8")

	resp, err := w.httpc.Do(req)
	if err != nil {
		return storage_vault.Quota{}, &storage_vault.ProviderError{Provider: w.cfg.Provider, Op: "quota", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusMultiStatus {
		return storage_vault.Quota{}, &storage_vault.ProviderError{
			Provider:   w.cfg.Provider,
			Op:         "quota",
			StatusCode: resp.StatusCode,
			Err:        errors.New(http.StatusText(resp.StatusCode)),
		}
	}

	var ms multistatus
	if err := xml.NewDecoder(resp.Body).Decode(&ms); err != nil {
		return storage_vault.Quota{}, fmt.Errorf("decode quota response: %w", err)
	}
	var q storage_vault.Quota
	for _, r := range ms.Responses {
		for _, ps := range r.Propstats {
			if !strings.Contains(ps.Status, " 200 ") || ps.Prop.Available == "" {
				continue
			}
			var avail, used int64
			if _, err := fmt.Sscan(ps.Prop.Available, &avail); err != nil || avail < 0 {
				// Negative values mean "unknown" or "unlimited".
				continue
			}
			_, _ = fmt.Sscan(ps.Prop.Used, &used)
			q = storage_vault.Quota{Known: true, Available: avail, Used: used}
		}
	}
	return q, nil
}

func (w *WebDAV) wrap(op string, err error) error {
	if gowebdav.IsErrNotFound(err) {
		return &storage_vault.ProviderError{Provider: w.cfg.Provider, Op: op, StatusCode: http.StatusNotFound, Err: storage_vault.ErrNotFound}
	}
	pe := &storage_vault.ProviderError{Provider: w.cfg.Provider, Op: op, Err: err}
	var se gowebdav.StatusError
	if errors.As(err, &se) {
		pe.StatusCode = se.Status
	}
	return pe
}
