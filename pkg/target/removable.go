package target

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/bizflycloud/backupd/pkg/credential"
)

const (
	// FormatConfirmation must be typed verbatim to format a device.
	FormatConfirmation = "FORMAT"

	DefaultLabel  = "BACKUPD"
	DefaultFSType = "ext4"
)

var (
	supportedFS = map[string]bool{"ext4": true, "vfat": true, "exfat": true}

	// Devices mounted here are never mounted, formatted or ejected.
	systemMounts = map[string]bool{"/": true, "/boot": true, "/boot/efi": true, "/usr": true, "/var": true, "/home": true}
)

// DeviceRef names a removable device by mountpoint or device node.
type DeviceRef struct {
	Mountpoint string `json:"mountpoint,omitempty"`
	Device     string `json:"device,omitempty"`
}

// DeviceInfo describes a removable device.
type DeviceInfo struct {
	Disk        string   `json:"disk"`
	Partition   string   `json:"partition,omitempty"`
	Filesystem  string   `json:"filesystem,omitempty"`
	Label       string   `json:"label,omitempty"`
	Size        int64    `json:"size"`
	IsRemovable bool     `json:"is_removable"`
	Mountpoints []string `json:"mountpoints,omitempty"`
}

// PrepareRequest asks for a device to be made ready for backups.
type PrepareRequest struct {
	DeviceRef
	Format       bool   `json:"format"`
	Label        string `json:"label,omitempty"`
	FSType       string `json:"fs_type,omitempty"`
	Confirmation string `json:"confirmation,omitempty"`
	Subdir       string `json:"subdir,omitempty"`
}

// PrepareResult is returned by Mount and Prepare.
type PrepareResult struct {
	MountedTo string `json:"mounted_to"`
	Label     string `json:"label,omitempty"`
	Dir       string `json:"dir,omitempty"`
}

// EjectResult reports what Eject unmounted.
type EjectResult struct {
	Device        string   `json:"device"`
	Unmounted     []string `json:"unmounted,omitempty"`
	UnmountErrors []string `json:"unmount_errors,omitempty"`
}

// DeviceInfo looks up the device behind ref.
func (r *Resolver) DeviceInfo(ctx context.Context, ref DeviceRef) (DeviceInfo, error) {
	dev, err := r.lookupDevice(ref)
	if err != nil {
		return DeviceInfo{}, err
	}
	devices, err := r.ops.BlockDevices(ctx)
	if err != nil {
		return DeviceInfo{}, err
	}
	bd, ok := findDevice(devices, dev)
	if !ok {
		return DeviceInfo{}, fmt.Errorf("%w: %s", ErrDeviceNotFound, dev)
	}
	info := DeviceInfo{
		Disk:        bd.Path,
		Filesystem:  bd.FSType,
		Label:       bd.Label,
		Size:        bd.Size,
		IsRemovable: bd.IsRemovable(),
	}
	if bd.Type == "part" {
		info.Partition = bd.Path
		info.Disk = bd.Parent
	}
	if info.Mountpoints, err = r.mountsOf(canonicalDevice(bd.Path)); err != nil {
		return DeviceInfo{}, fmt.Errorf("read mount table: %w", err)
	}
	return info, nil
}

// Mount mounts device under the mount base, named after its label.
func (r *Resolver) Mount(ctx context.Context, device string) (PrepareResult, error) {
	if !r.hasCredential() {
		return PrepareResult{}, credential.ErrRequired
	}
	dev, err := r.lookupDevice(DeviceRef{Device: device})
	if err != nil {
		return PrepareResult{}, err
	}
	r.locks.Lock(dev)
	defer r.locks.Unlock(dev)
	return r.mount(ctx, dev)
}

func (r *Resolver) mount(ctx context.Context, dev string) (PrepareResult, error) {
	bd, err := r.removableDevice(ctx, dev)
	if err != nil {
		return PrepareResult{}, err
	}
	if mps, err := r.mountsOf(dev); err != nil {
		return PrepareResult{}, fmt.Errorf("read mount table: %w", err)
	} else if len(mps) > 0 {
		return PrepareResult{MountedTo: mps[0], Label: bd.Label}, nil
	}

	mountpoint := filepath.Join(r.mountBase, mountName(bd))
	err = r.cred.Use(func(secret []byte) error {
		return r.ops.Mount(ctx, secret, dev, mountpoint, bd.FSType)
	})
	if err != nil {
		return PrepareResult{}, fmt.Errorf("mount %s: %w", dev, err)
	}
	got, ok, err := r.deviceAt(mountpoint)
	if err != nil {
		return PrepareResult{}, fmt.Errorf("read mount table: %w", err)
	}
	if !ok || got != dev {
		return PrepareResult{}, fmt.Errorf("mount %s: %s does not appear in the mount table", dev, mountpoint)
	}
	if _, err := os.Stat(mountpoint); err != nil {
		return PrepareResult{}, fmt.Errorf("mount %s: %w", dev, err)
	}
	r.logger.Info("Mounted device", zap.String("device", dev), zap.String("mountpoint", mountpoint))
	return PrepareResult{MountedTo: mountpoint, Label: bd.Label}, nil
}

// Prepare makes a device ready to receive backups, formatting it first when
// requested. Formatting needs the confirmation phrase and a credential; both
// are checked before the device is touched.
func (r *Resolver) Prepare(ctx context.Context, req PrepareRequest) (PrepareResult, error) {
	if req.Format {
		if strings.TrimSpace(req.Confirmation) != FormatConfirmation {
			return PrepareResult{}, &ConfirmationError{Want: FormatConfirmation}
		}
		if !r.hasCredential() {
			return PrepareResult{}, credential.ErrRequired
		}
		if req.FSType == "" {
			req.FSType = DefaultFSType
		}
		if !supportedFS[req.FSType] {
			return PrepareResult{}, fmt.Errorf("%w: unsupported filesystem %q", ErrInvalidDestination, req.FSType)
		}
		if req.Label == "" {
			req.Label = DefaultLabel
		}
	}
	if (req.Mountpoint == "") == (req.Device == "") {
		return PrepareResult{}, fmt.Errorf("%w: exactly one of mountpoint or device is required", ErrInvalidDestination)
	}
	subdir := req.Subdir
	if subdir == "" {
		subdir = DefaultSubdir
	}

	dev, err := r.lookupDevice(req.DeviceRef)
	if err != nil {
		return PrepareResult{}, err
	}
	r.locks.Lock(dev)
	defer r.locks.Unlock(dev)

	var res PrepareResult
	switch {
	case req.Format:
		if res, err = r.format(ctx, dev, req.FSType, req.Label); err != nil {
			return PrepareResult{}, err
		}
	case req.Mountpoint != "":
		res = PrepareResult{MountedTo: filepath.Clean(req.Mountpoint)}
	default:
		if !r.hasCredential() {
			if mps, err := r.mountsOf(dev); err == nil && len(mps) > 0 {
				res = PrepareResult{MountedTo: mps[0]}
				break
			}
			return PrepareResult{}, credential.ErrRequired
		}
		if res, err = r.mount(ctx, dev); err != nil {
			return PrepareResult{}, err
		}
	}

	check, err := r.checkDir(CheckResult{Path: filepath.Join(res.MountedTo, subdir)}, true)
	if err != nil {
		return res, err
	}
	res.Dir = check.Path
	return res, nil
}

func (r *Resolver) format(ctx context.Context, dev, fsType, label string) (PrepareResult, error) {
	if _, err := r.removableDevice(ctx, dev); err != nil {
		return PrepareResult{}, err
	}
	mps, err := r.mountsOf(dev)
	if err != nil {
		return PrepareResult{}, fmt.Errorf("read mount table: %w", err)
	}
	err = r.cred.Use(func(secret []byte) error {
		for _, mp := range mps {
			if err := r.ops.Unmount(ctx, secret, mp); err != nil {
				return fmt.Errorf("unmount %s: %w", mp, err)
			}
		}
		return nil
	})
	if err != nil {
		return PrepareResult{}, err
	}
	if remaining, err := r.mountsOf(dev); err != nil {
		return PrepareResult{}, fmt.Errorf("read mount table: %w", err)
	} else if len(remaining) > 0 {
		return PrepareResult{}, &MountConflictError{Device: dev, Mounts: remaining}
	}

	r.logger.Warn("Formatting device", zap.String("device", dev), zap.String("fs_type", fsType), zap.String("label", label))
	err = r.cred.Use(func(secret []byte) error {
		return r.ops.Format(ctx, secret, dev, fsType, label)
	})
	if err != nil {
		return PrepareResult{}, fmt.Errorf("format %s: %w", dev, err)
	}
	res, err := r.mount(ctx, dev)
	if err != nil {
		return PrepareResult{}, err
	}
	res.Label = label
	return res, nil
}

// Eject unmounts every mount of the device and flushes buffers. Unmount
// failures are recorded in the result; a MountConflictError is returned when
// mounts remain afterwards.
func (r *Resolver) Eject(ctx context.Context, ref DeviceRef) (EjectResult, error) {
	if !r.hasCredential() {
		return EjectResult{}, credential.ErrRequired
	}
	dev, err := r.lookupDevice(ref)
	if err != nil {
		return EjectResult{}, err
	}
	r.locks.Lock(dev)
	defer r.locks.Unlock(dev)

	res := EjectResult{Device: dev}
	if _, err := r.removableDevice(ctx, dev); err != nil {
		return res, err
	}
	mps, err := r.mountsOf(dev)
	if err != nil {
		return res, fmt.Errorf("read mount table: %w", err)
	}
	var errs []error
	err = r.cred.Use(func(secret []byte) error {
		for _, mp := range mps {
			if err := r.ops.Unmount(ctx, secret, mp); err != nil {
				r.logger.Warn("Unmount failed", zap.String("mountpoint", mp), zap.Error(err))
				errs = append(errs, fmt.Errorf("unmount %s: %w", mp, err))
				res.UnmountErrors = append(res.UnmountErrors, err.Error())
				continue
			}
			res.Unmounted = append(res.Unmounted, mp)
		}
		if err := r.ops.Sync(ctx, secret); err != nil {
			r.logger.Warn("Sync failed", zap.Error(err))
			errs = append(errs, fmt.Errorf("sync: %w", err))
		}
		return nil
	})
	if err != nil {
		return res, err
	}

	remaining, err := r.mountsOf(dev)
	if err != nil {
		return res, fmt.Errorf("read mount table: %w", err)
	}
	if len(remaining) > 0 {
		return res, &MountConflictError{Device: dev, Mounts: remaining, Err: errors.Join(errs...)}
	}
	r.logger.Info("Ejected device", zap.String("device", dev), zap.Strings("unmounted", res.Unmounted))
	return res, nil
}

// removableDevice looks up dev and refuses fixed disks and devices that back
// a system mount.
func (r *Resolver) removableDevice(ctx context.Context, dev string) (BlockDevice, error) {
	devices, err := r.ops.BlockDevices(ctx)
	if err != nil {
		return BlockDevice{}, err
	}
	bd, ok := findDevice(devices, dev)
	if !ok {
		return BlockDevice{}, fmt.Errorf("%w: %s", ErrDeviceNotFound, dev)
	}
	if !bd.IsRemovable() {
		return BlockDevice{}, &UnsafeDeviceError{Device: dev, Reason: "not removable storage"}
	}
	mps, err := r.mountsOf(dev)
	if err != nil {
		return BlockDevice{}, fmt.Errorf("read mount table: %w", err)
	}
	for _, mp := range mps {
		if systemMounts[mp] {
			return BlockDevice{}, &UnsafeDeviceError{Device: dev, Reason: "it backs the system mount " + mp}
		}
	}
	return bd, nil
}

func (r *Resolver) hasCredential() bool {
	return r.cred != nil && r.cred.HasCredential()
}

// lookupDevice returns the canonical device node for ref.
func (r *Resolver) lookupDevice(ref DeviceRef) (string, error) {
	if ref.Device != "" {
		if !strings.HasPrefix(ref.Device, "/dev/") {
			return "", fmt.Errorf("%w: %q is not a device node", ErrInvalidDestination, ref.Device)
		}
		return canonicalDevice(ref.Device), nil
	}
	if ref.Mountpoint == "" {
		return "", fmt.Errorf("%w: mountpoint or device is required", ErrInvalidDestination)
	}
	dev, ok, err := r.deviceAt(ref.Mountpoint)
	if err != nil {
		return "", fmt.Errorf("read mount table: %w", err)
	}
	if !ok {
		return "", fmt.Errorf("%w: nothing mounted at %s", ErrDeviceNotFound, ref.Mountpoint)
	}
	return dev, nil
}

func findDevice(devices []BlockDevice, dev string) (BlockDevice, bool) {
	for _, d := range devices {
		if d.Path == dev || canonicalDevice(d.Path) == dev {
			return d, true
		}
	}
	return BlockDevice{}, false
}

func mountName(bd BlockDevice) string {
	name := bd.Label
	if name == "" {
		name = bd.Name
	}
	if name == "" {
		name = filepath.Base(bd.Path)
	}
	name = strings.Map(func(c rune) rune {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_', c == '.':
			return c
		}
		return '_'
	}, name)
	if strings.Trim(name, ".") == "" {
		return "_"
	}
	return name
}
