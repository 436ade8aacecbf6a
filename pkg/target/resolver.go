package target

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/im7mortal/kmutex"
	"go.uber.org/zap"

	"github.com/bizflycloud/backupd/pkg/storage_vault"
)

const (
	// DefaultMountBase is where Mount and Prepare mount devices.
	DefaultMountBase = "/media/backupd"
	// DefaultBackupDir is the local directory offered by ListTargets.
	DefaultBackupDir = "/mnt/backups"
)

// Credential gives access to the session's elevation secret.
type Credential interface {
	HasCredential() bool
	Use(fn func(secret []byte) error) error
}

// VaultFactory builds a StorageVault for a provider config.
type VaultFactory func(ctx context.Context, cfg storage_vault.Config, topts storage_vault.TransportOptions, logger *zap.Logger) (storage_vault.StorageVault, error)

// Resolver checks destinations and owns the removable device operations.
type Resolver struct {
	allowedRoots []string
	mountBase    string
	defaultDir   string

	cred     Credential
	ops      DeviceOps
	mounts   MountTable
	locks    *kmutex.Kmutex
	newVault VaultFactory
	topts    storage_vault.TransportOptions
	validate *validator.Validate

	logger *zap.Logger
}

// Option configures a Resolver.
type Option func(r *Resolver) error

// WithAllowedRoots sets the roots local destinations must live under.
func WithAllowedRoots(roots ...string) Option {
	return func(r *Resolver) error {
		cleaned := make([]string, 0, len(roots))
		for _, root := range roots {
			if !filepath.IsAbs(root) {
				return fmt.Errorf("allowed root %q is not absolute", root)
			}
			cleaned = append(cleaned, filepath.Clean(root))
		}
		r.allowedRoots = cleaned
		return nil
	}
}

// WithCredential sets the credential source for privileged device operations.
func WithCredential(c Credential) Option {
	return func(r *Resolver) error {
		r.cred = c
		return nil
	}
}

// WithDeviceOps sets the block device backend.
func WithDeviceOps(ops DeviceOps) Option {
	return func(r *Resolver) error {
		r.ops = ops
		return nil
	}
}

// WithMountTable sets the mount table reader.
func WithMountTable(m MountTable) Option {
	return func(r *Resolver) error {
		r.mounts = m
		return nil
	}
}

// WithVaultFactory overrides how cloud destinations build their StorageVault.
func WithVaultFactory(f VaultFactory) Option {
	return func(r *Resolver) error {
		r.newVault = f
		return nil
	}
}

// WithTransportOptions sets the HTTP transport options for cloud providers.
func WithTransportOptions(topts storage_vault.TransportOptions) Option {
	return func(r *Resolver) error {
		r.topts = topts
		return nil
	}
}

// WithMountBase sets the directory devices are mounted under.
func WithMountBase(dir string) Option {
	return func(r *Resolver) error {
		r.mountBase = dir
		return nil
	}
}

// WithDefaultDir sets the default local backup directory.
func WithDefaultDir(dir string) Option {
	return func(r *Resolver) error {
		r.defaultDir = dir
		return nil
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Resolver) error {
		r.logger = logger
		return nil
	}
}

// New creates a Resolver.
func New(opts ...Option) (*Resolver, error) {
	r := &Resolver{
		allowedRoots: DefaultAllowedRoots,
		mountBase:    DefaultMountBase,
		defaultDir:   DefaultBackupDir,
		mounts:       SystemMounts{},
		locks:        kmutex.New(),
		newVault:     NewVault,
		topts:        storage_vault.DefaultTransportOptions,
		validate:     validator.New(),
	}
	for _, opt := range opts {
		if err := opt(r); err != nil {
			return nil, err
		}
	}
	if r.logger == nil {
		l, err := zap.NewDevelopment()
		if err != nil {
			return nil, err
		}
		r.logger = l
	}
	if r.ops == nil {
		r.ops = NewExecOps(r.logger)
	}
	return r, nil
}

// Validate runs the static checks on dest without touching the filesystem
// beyond symlink resolution.
func (r *Resolver) Validate(dest Destination) error {
	if err := r.validate.Struct(dest); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDestination, err)
	}
	switch dest.Kind {
	case KindLocal:
		if dest.Cloud != nil {
			return fmt.Errorf("%w: local destination cannot carry a cloud config", ErrInvalidDestination)
		}
		return r.validatePath(dest.Path)
	case KindRemovable:
		if dest.Cloud != nil {
			return fmt.Errorf("%w: removable destinations cannot upload to cloud", ErrInvalidDestination)
		}
		if (dest.Mountpoint == "") == (dest.Device == "") {
			return fmt.Errorf("%w: exactly one of mountpoint or device is required", ErrInvalidDestination)
		}
		if dest.Mountpoint != "" && !filepath.IsAbs(dest.Mountpoint) {
			return fmt.Errorf("%w: mountpoint %q is not absolute", ErrInvalidDestination, dest.Mountpoint)
		}
		if sub := filepath.Clean(dest.Subdir); dest.Subdir != "" && (filepath.IsAbs(sub) || sub == ".." || strings.HasPrefix(sub, "../")) {
			return fmt.Errorf("%w: subdir %q must stay inside the mountpoint", ErrInvalidDestination, dest.Subdir)
		}
		return nil
	case KindCloud:
		if dest.Cloud == nil {
			return fmt.Errorf("%w: cloud config is required", ErrInvalidDestination)
		}
		if err := dest.Cloud.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidDestination, err)
		}
		return r.validatePath(dest.Path)
	}
	return fmt.Errorf("%w: unknown kind %q", ErrInvalidDestination, dest.Kind)
}

func (r *Resolver) validatePath(path string) error {
	if path == "" {
		return fmt.Errorf("%w: path is required", ErrInvalidDestination)
	}
	if !filepath.IsAbs(path) {
		return &CheckError{Path: path, Check: CheckNotAbsolute, Err: errors.New("path must be absolute")}
	}
	if !r.allowed(filepath.Clean(path)) {
		return &CheckError{
			Path:  path,
			Check: CheckNotAllowed,
			Err:   errors.New("path is outside the allowed roots"),
		}
	}
	return nil
}

// Resolve checks dest and prepares it for writing.
func (r *Resolver) Resolve(ctx context.Context, dest Destination) (Resolved, error) {
	if err := r.Validate(dest); err != nil {
		return Resolved{}, err
	}
	switch dest.Kind {
	case KindRemovable:
		return r.resolveRemovable(dest)
	case KindCloud:
		res, err := r.CheckLocal(dest.Path, true)
		if err != nil {
			return Resolved{}, err
		}
		vault, err := r.newVault(ctx, *dest.Cloud, r.topts, r.logger)
		if err != nil {
			return Resolved{}, err
		}
		return Resolved{
			Kind:       KindCloud,
			Dir:        res.Path,
			FreeBytes:  res.FreeBytes,
			TotalBytes: res.TotalBytes,
			Vault:      vault,
			Cloud:      *dest.Cloud,
		}, nil
	default:
		res, err := r.CheckLocal(dest.Path, true)
		if err != nil {
			return Resolved{}, err
		}
		return Resolved{Kind: KindLocal, Dir: res.Path, FreeBytes: res.FreeBytes, TotalBytes: res.TotalBytes}, nil
	}
}

func (r *Resolver) resolveRemovable(dest Destination) (Resolved, error) {
	if dest.Mountpoint == "" {
		return Resolved{}, &CheckError{
			Path:  dest.Device,
			Check: CheckNotMounted,
			Err:   errors.New("device is not mounted"),
			Hints: []string{"mount the device first", "or pass the mountpoint of an already mounted drive"},
		}
	}
	mountpoint := filepath.Clean(dest.Mountpoint)
	_, ok, err := r.deviceAt(mountpoint)
	if err != nil {
		return Resolved{}, fmt.Errorf("read mount table: %w", err)
	}
	if !ok {
		return Resolved{}, &CheckError{
			Path:  mountpoint,
			Check: CheckNotMounted,
			Err:   errors.New("nothing is mounted here"),
			Hints: []string{"plug in and mount the drive", "check the mountpoint with the targets list"},
		}
	}
	subdir := dest.Subdir
	if subdir == "" {
		subdir = DefaultSubdir
	}
	res, err := r.checkDir(CheckResult{Path: filepath.Join(mountpoint, subdir)}, true)
	if err != nil {
		return Resolved{}, err
	}
	return Resolved{Kind: KindRemovable, Dir: res.Path, FreeBytes: res.FreeBytes, TotalBytes: res.TotalBytes}, nil
}

// CheckTarget checks a backup directory. Paths on a mounted removable drive
// are accepted even outside the allowed roots.
func (r *Resolver) CheckTarget(path string, create bool) (CheckResult, error) {
	if filepath.IsAbs(path) && !r.allowed(filepath.Clean(path)) && r.onRemovableMount(filepath.Clean(path)) {
		return r.checkDir(CheckResult{Path: filepath.Clean(path)}, create)
	}
	return r.CheckLocal(path, create)
}

func (r *Resolver) onRemovableMount(path string) bool {
	mounts, err := r.mounts.Mounts()
	if err != nil {
		return false
	}
	for _, m := range mounts {
		mp := filepath.Clean(m.Mountpoint)
		if mp == "/" || !within(mp, path) {
			continue
		}
		if within(r.mountBase, mp) || within("/media", mp) || within("/run/media", mp) {
			return true
		}
	}
	return false
}

// Target is one entry of ListTargets.
type Target struct {
	Kind        Kind               `json:"kind"`
	Path        string             `json:"path,omitempty"`
	Device      string             `json:"device,omitempty"`
	Mountpoint  string             `json:"mountpoint,omitempty"`
	Label       string             `json:"label,omitempty"`
	FSType      string             `json:"fs_type,omitempty"`
	Size        int64              `json:"size,omitempty"`
	Mounted     bool               `json:"mounted"`
	Provider    storage_vault.Type `json:"provider,omitempty"`
	FreeBytes   uint64             `json:"free_bytes,omitempty"`
	TotalBytes  uint64             `json:"total_bytes,omitempty"`
	Description string             `json:"description,omitempty"`
}

// ListTargets lists the default local directory, removable partitions and the
// configured cloud target, if any.
func (r *Resolver) ListTargets(ctx context.Context, cloud *storage_vault.Config) ([]Target, error) {
	local := Target{Kind: KindLocal, Path: r.defaultDir, Description: "Default local directory"}
	if res, err := r.CheckLocal(r.defaultDir, false); err == nil {
		local.FreeBytes, local.TotalBytes = res.FreeBytes, res.TotalBytes
	}
	targets := []Target{local}

	devices, err := r.ops.BlockDevices(ctx)
	if err != nil {
		r.logger.Warn("Listing block devices failed", zap.Error(err))
	}
	for _, d := range devices {
		if !d.IsRemovable() || d.Type != "part" && !(d.Type == "disk" && d.FSType != "") {
			continue
		}
		mps, err := r.mountsOf(canonicalDevice(d.Path))
		if err != nil {
			return nil, fmt.Errorf("read mount table: %w", err)
		}
		t := Target{
			Kind:   KindRemovable,
			Device: d.Path,
			Label:  d.Label,
			FSType: d.FSType,
			Size:   d.Size,
		}
		if len(mps) > 0 {
			t.Mounted = true
			t.Mountpoint = mps[0]
			t.Path = filepath.Join(mps[0], DefaultSubdir)
		}
		targets = append(targets, t)
	}

	if cloud != nil && cloud.Provider != "" {
		targets = append(targets, Target{
			Kind:        KindCloud,
			Provider:    cloud.Provider,
			Path:        cloud.Prefix(),
			Description: storage_vault.Types[cloud.Provider],
		})
	}
	return targets, nil
}
