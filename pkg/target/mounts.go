package target

import (
	"path/filepath"
	"strings"

	"github.com/moby/sys/mountinfo"
)

// Mount is one entry of the mount table.
type Mount struct {
	Source     string `json:"source"`
	Mountpoint string `json:"mountpoint"`
	FSType     string `json:"fs_type"`
}

// MountTable reads the current mounts.
type MountTable interface {
	Mounts() ([]Mount, error)
}

// SystemMounts reads the kernel mount table.
type SystemMounts struct{}

func (SystemMounts) Mounts() ([]Mount, error) {
	infos, err := mountinfo.GetMounts(nil)
	if err != nil {
		return nil, err
	}
	mounts := make([]Mount, 0, len(infos))
	for _, info := range infos {
		mounts = append(mounts, Mount{Source: info.Source, Mountpoint: info.Mountpoint, FSType: info.FSType})
	}
	return mounts, nil
}

// mountsOf returns the mountpoints of device and its partitions.
func (r *Resolver) mountsOf(device string) ([]string, error) {
	mounts, err := r.mounts.Mounts()
	if err != nil {
		return nil, err
	}
	var out []string
	for _, m := range mounts {
		if belongsTo(canonicalDevice(m.Source), device) {
			out = append(out, m.Mountpoint)
		}
	}
	return out, nil
}

// deviceAt returns the source device mounted at mountpoint.
func (r *Resolver) deviceAt(mountpoint string) (string, bool, error) {
	mounts, err := r.mounts.Mounts()
	if err != nil {
		return "", false, err
	}
	mountpoint = filepath.Clean(mountpoint)
	for _, m := range mounts {
		if filepath.Clean(m.Mountpoint) == mountpoint {
			return canonicalDevice(m.Source), true, nil
		}
	}
	return "", false, nil
}

func canonicalDevice(dev string) string {
	if !strings.HasPrefix(dev, "/dev/") {
		return dev
	}
	if resolved, err := filepath.EvalSymlinks(dev); err == nil {
		return resolved
	}
	return filepath.Clean(dev)
}

// belongsTo reports whether source is device itself or one of its partitions,
// e.g. /dev/sdb1 for /dev/sdb or /dev/nvme0n1p2 for /dev/nvme0n1.
func belongsTo(source, device string) bool {
	if source == device {
		return true
	}
	if !strings.HasPrefix(source, device) {
		return false
	}
	suffix := strings.TrimPrefix(source[len(device):], "p")
	if suffix == "" {
		return false
	}
	for _, c := range suffix {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
