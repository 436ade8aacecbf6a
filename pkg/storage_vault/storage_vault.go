package storage_vault

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Type identifies a cloud provider.
type Type string

const (
	TypeWebDAV          Type = "webdav"
	TypeSeafileWebDAV   Type = "seafile_webdav"
	TypeNextcloudWebDAV Type = "nextcloud_webdav"
	TypeS3              Type = "s3"
	TypeS3Compatible    Type = "s3_compatible"
	TypeGoogleCloud     Type = "google_cloud"
	TypeAzure           Type = "azure"
)

// Types lists every supported provider with its display name.
var Types = map[Type]string{
	TypeSeafileWebDAV:   "WebDAV (Seafile)",
	TypeWebDAV:          "WebDAV",
	TypeNextcloudWebDAV: "WebDAV (Nextcloud)",
	TypeS3:              "Amazon S3",
	TypeS3Compatible:    "S3 compatible (MinIO, Ceph RGW)",
	TypeGoogleCloud:     "Google Cloud Storage",
	TypeAzure:           "Azure Blob Storage",
}

// IsWebDAV reports whether t is one of the WebDAV flavors.
func (t Type) IsWebDAV() bool {
	return t == TypeWebDAV || t == TypeSeafileWebDAV || t == TypeNextcloudWebDAV
}

var (
	// ErrNotFound is returned by Stat when the object does not exist.
	ErrNotFound = errors.New("object not found")

	// ErrMissingField is wrapped by Validate for incomplete provider settings.
	ErrMissingField = errors.New("missing provider field")

	// ErrUnknownProvider is returned for an unsupported provider type.
	ErrUnknownProvider = errors.New("unknown provider")
)

// StorageVault is the capability set every cloud provider implements.
type StorageVault interface {
	Type() Type

	// Put streams size bytes from r to key.
	Put(ctx context.Context, key string, r io.Reader, size int64) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// List returns the objects whose key starts with prefix.
	List(ctx context.Context, prefix string) ([]Object, error)

	Quota(ctx context.Context) (Quota, error)

	// Stat returns metadata for key, or ErrNotFound.
	Stat(ctx context.Context, key string) (Object, error)

	// Ref returns the user-facing reference of key, e.g. s3://bucket/key.
	Ref(key string) string
}

// Object describes one stored object.
type Object struct {
	Key          string    `json:"key"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"last_modified"`
}

// Name returns the last path element of the key.
func (o Object) Name() string {
	return path.Base(o.Key)
}

// Quota reports provider capacity. Known is false when the provider has no quota concept.
type Quota struct {
	Known     bool  `json:"known"`
	Used      int64 `json:"used_bytes,omitempty"`
	Available int64 `json:"available_bytes,omitempty"`
}

// ProviderError carries the provider and HTTP status of a failed call.
type ProviderError struct {
	Provider   Type
	Op         string
	StatusCode int
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s: HTTP %d: %v", e.Provider, e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Provider, e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Config holds the settings of every provider. Only the fields of Provider
// are used; the validate tags name the providers that require a field.
type Config struct {
	Provider Type `json:"provider" yaml:"provider" validate:"required"`

	// WebDAV flavors.
	URL        string `json:"webdav_url,omitempty" yaml:"webdav_url,omitempty" validate:"required_if=Provider webdav,required_if=Provider seafile_webdav,required_if=Provider nextcloud_webdav"`
	Username   string `json:"username,omitempty" yaml:"username,omitempty" validate:"required_if=Provider webdav,required_if=Provider seafile_webdav,required_if=Provider nextcloud_webdav"`
	Password   string `json:"password,omitempty" yaml:"password,omitempty" validate:"required_if=Provider webdav,required_if=Provider seafile_webdav,required_if=Provider nextcloud_webdav"`
	RemotePath string `json:"remote_path,omitempty" yaml:"remote_path,omitempty"`

	// Object storage.
	Bucket             string `json:"bucket,omitempty" yaml:"bucket,omitempty" validate:"required_if=Provider s3,required_if=Provider s3_compatible,required_if=Provider google_cloud"`
	KeyPrefix          string `json:"key_prefix,omitempty" yaml:"key_prefix,omitempty"`
	AccessKeyID        string `json:"access_key_id,omitempty" yaml:"access_key_id,omitempty" validate:"required_if=Provider s3,required_if=Provider s3_compatible"`
	SecretAccessKey    string `json:"secret_access_key,omitempty" yaml:"secret_access_key,omitempty" validate:"required_if=Provider s3,required_if=Provider s3_compatible"`
	Region             string `json:"region,omitempty" yaml:"region,omitempty"`
	EndpointURL        string `json:"endpoint_url,omitempty" yaml:"endpoint_url,omitempty" validate:"required_if=Provider s3_compatible"`
	ServiceAccountFile string `json:"service_account_file,omitempty" yaml:"service_account_file,omitempty"`

	// Azure.
	AccountName string `json:"account_name,omitempty" yaml:"account_name,omitempty" validate:"required_if=Provider azure"`
	Container   string `json:"container,omitempty" yaml:"container,omitempty" validate:"required_if=Provider azure"`
	AccountKey  string `json:"account_key,omitempty" yaml:"account_key,omitempty" validate:"required_if=Provider azure"`
}

var validate = newValidator()

// newValidator reports fields by their json names.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks the required fields of c.Provider.
func (c Config) Validate() error {
	if _, ok := Types[c.Provider]; !ok {
		return fmt.Errorf("%q: %w", c.Provider, ErrUnknownProvider)
	}
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	missing := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		missing = append(missing, fe.Field())
	}
	sort.Strings(missing)
	return fmt.Errorf("%s: %s: %w", c.Provider, strings.Join(missing, ", "), ErrMissingField)
}

// Prefix returns the remote directory or key prefix for artifacts.
func (c Config) Prefix() string {
	if c.Provider.IsWebDAV() {
		return strings.Trim(c.RemotePath, "/")
	}
	return c.KeyPrefix
}

// Key joins the configured prefix with name.
func (c Config) Key(name string) string {
	p := c.Prefix()
	if p == "" {
		return name
	}
	if c.Provider.IsWebDAV() {
		return p + "/" + name
	}
	return p + name
}

// Mask is shown in place of stored secrets.
const Mask = "********"

// Masked returns a copy of c with its secrets replaced by Mask.
func (c Config) Masked() Config {
	for _, s := range []*string{&c.Password, &c.SecretAccessKey, &c.AccountKey} {
		if *s != "" {
			*s = Mask
		}
	}
	return c
}

// Unmask restores secrets that came back as Mask from the stored config.
func (c Config) Unmask(stored Config) Config {
	pairs := [][2]*string{
		{&c.Password, &stored.Password},
		{&c.SecretAccessKey, &stored.SecretAccessKey},
		{&c.AccountKey, &stored.AccountKey},
	}
	for _, p := range pairs {
		if *p[0] == Mask {
			*p[0] = *p[1]
		}
	}
	return c
}
