package target

import (
	"context"
	"errors"
	"os"
	"sync"
)

type fakeCred struct {
	has bool
}

func (c *fakeCred) HasCredential() bool { return c.has }

func (c *fakeCred) Use(fn func([]byte) error) error {
	if !c.has {
		return errors.New("no credential")
	}
	return fn([]byte("hunter2"))
}

// fakeSystem is both the DeviceOps and the MountTable of a test.
type fakeSystem struct {
	mu      sync.Mutex
	devices []BlockDevice
	mounts  []Mount
	stuck   map[string]bool
	calls   []string
}

func (f *fakeSystem) Mounts() ([]Mount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Mount(nil), f.mounts...), nil
}

func (f *fakeSystem) BlockDevices(ctx context.Context) ([]BlockDevice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]BlockDevice(nil), f.devices...), nil
}

func (f *fakeSystem) Mount(ctx context.Context, secret []byte, device, mountpoint, fsType string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "mount "+device+" "+mountpoint)
	if err := os.MkdirAll(mountpoint, 0755); err != nil {
		return err
	}
	f.mounts = append(f.mounts, Mount{Source: device, Mountpoint: mountpoint, FSType: fsType})
	return nil
}

func (f *fakeSystem) Unmount(ctx context.Context, secret []byte, mountpoint string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "umount "+mountpoint)
	if f.stuck[mountpoint] {
		return errors.New("target is busy")
	}
	kept := f.mounts[:0]
	for _, m := range f.mounts {
		if m.Mountpoint != mountpoint {
			kept = append(kept, m)
		}
	}
	f.mounts = kept
	return nil
}

func (f *fakeSystem) Format(ctx context.Context, secret []byte, device, fsType, label string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "mkfs."+fsType+" "+label+" "+device)
	for i := range f.devices {
		if f.devices[i].Path == device {
			f.devices[i].FSType = fsType
			f.devices[i].Label = label
		}
	}
	return nil
}

func (f *fakeSystem) Sync(ctx context.Context, secret []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "sync")
	return nil
}

func (f *fakeSystem) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}
