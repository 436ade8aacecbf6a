package target

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/awnumar/memguard"
	"go.uber.org/zap"
)

// BlockDevice is one disk or partition as reported by lsblk.
type BlockDevice struct {
	Name        string   `json:"name"`
	Path        string   `json:"path"`
	Type        string   `json:"type"`
	FSType      string   `json:"fs_type,omitempty"`
	Label       string   `json:"label,omitempty"`
	Size        int64    `json:"size"`
	Removable   bool     `json:"removable"`
	Transport   string   `json:"transport,omitempty"`
	Parent      string   `json:"parent,omitempty"`
	Mountpoints []string `json:"mountpoints,omitempty"`
}

// IsRemovable reports whether the device is hot-pluggable storage.
func (b BlockDevice) IsRemovable() bool {
	return b.Removable || b.Transport == "usb"
}

// DeviceOps performs block device operations. Privileged calls receive the
// elevation secret.
type DeviceOps interface {
	BlockDevices(ctx context.Context) ([]BlockDevice, error)
	Mount(ctx context.Context, secret []byte, device, mountpoint, fsType string) error
	Unmount(ctx context.Context, secret []byte, mountpoint string) error
	Format(ctx context.Context, secret []byte, device, fsType, label string) error
	Sync(ctx context.Context, secret []byte) error
}

// ExecOps implements DeviceOps with lsblk, mount, umount, mkfs and sync run via sudo.
type ExecOps struct {
	logger *zap.Logger
}

// NewExecOps returns DeviceOps backed by system tools.
func NewExecOps(logger *zap.Logger) *ExecOps {
	return &ExecOps{logger: logger}
}

// flexBool accepts lsblk's boolean columns in both the JSON and the "0"/"1" forms.
type flexBool bool

func (b *flexBool) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	v, err := strconv.ParseBool(s)
	if err != nil {
		v = false
	}
	*b = flexBool(v)
	return nil
}

// flexInt accepts sizes as numbers or strings.
type flexInt int64

func (n *flexInt) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "null" || s == "" {
		*n = 0
		return nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return err
	}
	*n = flexInt(v)
	return nil
}

type lsblkDevice struct {
	Name       string        `json:"name"`
	Path       string        `json:"path"`
	Type       string        `json:"type"`
	FSType     *string       `json:"fstype"`
	Label      *string       `json:"label"`
	Size       flexInt       `json:"size"`
	RM         flexBool      `json:"rm"`
	Tran       *string       `json:"tran"`
	Mountpoint *string       `json:"mountpoint"`
	Children   []lsblkDevice `json:"children"`
}

// ParseLsblk flattens the JSON output of
// lsblk -J -b -o NAME,PATH,TYPE,FSTYPE,LABEL,SIZE,RM,TRAN,MOUNTPOINT.
func ParseLsblk(data []byte) ([]BlockDevice, error) {
	var out struct {
		BlockDevices []lsblkDevice `json:"blockdevices"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("parse lsblk output: %w", err)
	}
	var devices []BlockDevice
	var walk func(d lsblkDevice, parent *BlockDevice)
	walk = func(d lsblkDevice, parent *BlockDevice) {
		bd := BlockDevice{
			Name:      d.Name,
			Path:      d.Path,
			Type:      d.Type,
			FSType:    deref(d.FSType),
			Label:     deref(d.Label),
			Size:      int64(d.Size),
			Removable: bool(d.RM),
			Transport: deref(d.Tran),
		}
		if bd.Path == "" {
			bd.Path = "/dev/" + d.Name
		}
		if mp := deref(d.Mountpoint); mp != "" {
			bd.Mountpoints = []string{mp}
		}
		if parent != nil {
			bd.Parent = parent.Path
			bd.Removable = bd.Removable || parent.Removable
			if bd.Transport == "" {
				bd.Transport = parent.Transport
			}
		}
		devices = append(devices, bd)
		for _, c := range d.Children {
			walk(c, &bd)
		}
	}
	for _, d := range out.BlockDevices {
		walk(d, nil)
	}
	return devices, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func (o *ExecOps) BlockDevices(ctx context.Context) ([]BlockDevice, error) {
	out, err := exec.CommandContext(ctx, "lsblk", "-J", "-b", "-o", "NAME,PATH,TYPE,FSTYPE,LABEL,SIZE,RM,TRAN,MOUNTPOINT").Output()
	if err != nil {
		return nil, fmt.Errorf("lsblk: %w", err)
	}
	return ParseLsblk(out)
}

func (o *ExecOps) Mount(ctx context.Context, secret []byte, device, mountpoint, fsType string) error {
	if err := o.sudo(ctx, secret, "mkdir", "-p", mountpoint); err != nil {
		return err
	}
	args := []string{"mount"}
	switch fsType {
	case "vfat", "exfat", "ntfs":
		// These filesystems have no ownership; hand files to the agent user.
		args = append(args, "-o", fmt.Sprintf("uid=%d,gid=%d,umask=022", os.Getuid(), os.Getgid()))
	}
	args = append(args, device, mountpoint)
	return o.sudo(ctx, secret, args...)
}

func (o *ExecOps) Unmount(ctx context.Context, secret []byte, mountpoint string) error {
	return o.sudo(ctx, secret, "umount", mountpoint)
}

func (o *ExecOps) Format(ctx context.Context, secret []byte, device, fsType, label string) error {
	switch fsType {
	case "ext4":
		return o.sudo(ctx, secret, "mkfs.ext4", "-F", "-L", label, device)
	case "vfat":
		return o.sudo(ctx, secret, "mkfs.vfat", "-F", "32", "-n", strings.ToUpper(label), device)
	case "exfat":
		return o.sudo(ctx, secret, "mkfs.exfat", "-n", label, device)
	default:
		return fmt.Errorf("unsupported filesystem %q", fsType)
	}
}

func (o *ExecOps) Sync(ctx context.Context, secret []byte) error {
	return o.sudo(ctx, secret, "sync")
}

func (o *ExecOps) sudo(ctx context.Context, secret []byte, args ...string) error {
	input := make([]byte, 0, len(secret)+1)
	input = append(input, secret...)
	input = append(input, '\n')
	defer memguard.WipeBytes(input)

	cmd := exec.CommandContext(ctx, "sudo", append([]string{"-S", "-p", ""}, args...)...)
	cmd.Stdin = bytes.NewReader(input)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	o.logger.Debug("Running privileged command", zap.Strings("args", args))
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s: %s: %w", args[0], strings.TrimSpace(stderr.String()), err)
	}
	return nil
}
