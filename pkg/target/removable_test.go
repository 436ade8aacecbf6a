package target

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bizflycloud/backupd/pkg/credential"
)

func newRemovableFixture(t *testing.T, hasCred bool) (*Resolver, *fakeSystem, string) {
	t.Helper()
	base := t.TempDir()
	mp := filepath.Join(base, "STICK")
	sys := &fakeSystem{
		devices: []BlockDevice{
			{Name: "sdb", Path: "/dev/sdb", Type: "disk", Removable: true, Size: 32 << 30},
			{Name: "sdb1", Path: "/dev/sdb1", Type: "part", FSType: "vfat", Label: "STICK", Removable: true, Size: 32 << 30, Parent: "/dev/sdb"},
		},
		mounts: []Mount{{Source: "/dev/sdb1", Mountpoint: mp, FSType: "vfat"}},
		stuck:  map[string]bool{},
	}
	r, _ := newTestResolver(t,
		WithMountTable(sys),
		WithDeviceOps(sys),
		WithMountBase(base),
		WithCredential(&fakeCred{has: hasCred}),
	)
	return r, sys, mp
}

func TestPrepareFormatConfirmation(t *testing.T) {
	tests := []struct {
		name         string
		confirmation string
		hasCred      bool
		wantErr      func(error) bool
	}{
		{"lower case", "format", true, isConfirmationError},
		{"wrong word", "YES", true, isConfirmationError},
		{"empty", "", true, isConfirmationError},
		{"prefix only", "FORM", true, isConfirmationError},
		{"wrong word without credential", "format", false, isConfirmationError},
		{"no credential", "FORMAT", false, func(err error) bool { return errors.Is(err, credential.ErrRequired) }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r, sys, mp := newRemovableFixture(t, tc.hasCred)
			_, err := r.Prepare(context.Background(), PrepareRequest{
				DeviceRef:    DeviceRef{Mountpoint: mp},
				Format:       true,
				Confirmation: tc.confirmation,
			})
			require.Error(t, err)
			assert.True(t, tc.wantErr(err), "got %v", err)
			assert.Empty(t, sys.Calls(), "device must not be touched")
		})
	}
}

func isConfirmationError(err error) bool {
	var ce *ConfirmationError
	return errors.As(err, &ce)
}

func TestPrepareFormat(t *testing.T) {
	r, sys, mp := newRemovableFixture(t, true)

	res, err := r.Prepare(context.Background(), PrepareRequest{
		DeviceRef:    DeviceRef{Mountpoint: mp},
		Format:       true,
		Confirmation: " FORMAT\n",
	})
	require.NoError(t, err)
	assert.Equal(t, DefaultLabel, res.Label)
	assert.Equal(t, filepath.Join(r.mountBase, DefaultLabel), res.MountedTo)
	assert.Equal(t, filepath.Join(res.MountedTo, DefaultSubdir), res.Dir)
	assert.DirExists(t, res.Dir)
	assert.Equal(t, []string{
		"umount " + mp,
		"mkfs.ext4 BACKUPD /dev/sdb1",
		"mount /dev/sdb1 " + res.MountedTo,
	}, sys.Calls())
}

func TestPrepareWithoutFormat(t *testing.T) {
	r, sys, mp := newRemovableFixture(t, false)

	res, err := r.Prepare(context.Background(), PrepareRequest{DeviceRef: DeviceRef{Mountpoint: mp}})
	require.NoError(t, err)
	assert.Equal(t, mp, res.MountedTo)
	assert.DirExists(t, filepath.Join(mp, DefaultSubdir))
	assert.Empty(t, sys.Calls())
}

func TestPrepareUnsupportedFilesystem(t *testing.T) {
	r, sys, mp := newRemovableFixture(t, true)
	_, err := r.Prepare(context.Background(), PrepareRequest{
		DeviceRef:    DeviceRef{Mountpoint: mp},
		Format:       true,
		FSType:       "zfs",
		Confirmation: FormatConfirmation,
	})
	assert.True(t, errors.Is(err, ErrInvalidDestination))
	assert.Empty(t, sys.Calls())
}

func TestMount(t *testing.T) {
	r, sys, mp := newRemovableFixture(t, true)
	sys.mounts = nil

	res, err := r.Mount(context.Background(), "/dev/sdb1")
	require.NoError(t, err)
	assert.Equal(t, mp, res.MountedTo)
	assert.Equal(t, []string{"mount /dev/sdb1 " + mp}, sys.Calls())

	// Mounting again returns the existing mountpoint.
	res, err = r.Mount(context.Background(), "/dev/sdb1")
	require.NoError(t, err)
	assert.Equal(t, mp, res.MountedTo)
	assert.Len(t, sys.Calls(), 1)
}

func TestMountRequiresCredential(t *testing.T) {
	r, sys, _ := newRemovableFixture(t, false)
	_, err := r.Mount(context.Background(), "/dev/sdb1")
	assert.True(t, errors.Is(err, credential.ErrRequired))
	assert.Empty(t, sys.Calls())
}

func TestEject(t *testing.T) {
	r, sys, mp := newRemovableFixture(t, true)
	sys.mounts = append(sys.mounts, Mount{Source: "/dev/sdb1", Mountpoint: "/media/alice/STICK"})

	res, err := r.Eject(context.Background(), DeviceRef{Device: "/dev/sdb"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{mp, "/media/alice/STICK"}, res.Unmounted)
	assert.Equal(t, "sync", sys.Calls()[len(sys.Calls())-1])
	m, _ := sys.Mounts()
	assert.Empty(t, m)
}

func TestEjectStillMounted(t *testing.T) {
	r, sys, mp := newRemovableFixture(t, true)
	sys.stuck[mp] = true

	res, err := r.Eject(context.Background(), DeviceRef{Mountpoint: mp})
	var mce *MountConflictError
	require.True(t, errors.As(err, &mce), "got %v", err)
	assert.Equal(t, "/dev/sdb1", mce.Device)
	assert.Equal(t, []string{mp}, mce.Mounts)
	assert.Contains(t, mce.Error(), "target is busy")
	assert.Len(t, res.UnmountErrors, 1)
	assert.Contains(t, sys.Calls(), "sync")
}

func TestEjectRequiresCredential(t *testing.T) {
	r, sys, mp := newRemovableFixture(t, false)
	_, err := r.Eject(context.Background(), DeviceRef{Mountpoint: mp})
	assert.True(t, errors.Is(err, credential.ErrRequired))
	assert.Empty(t, sys.Calls())
}

func TestDeviceInfo(t *testing.T) {
	r, _, mp := newRemovableFixture(t, false)

	info, err := r.DeviceInfo(context.Background(), DeviceRef{Mountpoint: mp})
	require.NoError(t, err)
	assert.Equal(t, DeviceInfo{
		Disk:        "/dev/sdb",
		Partition:   "/dev/sdb1",
		Filesystem:  "vfat",
		Label:       "STICK",
		Size:        32 << 30,
		IsRemovable: true,
		Mountpoints: []string{mp},
	}, info)

	_, err = r.DeviceInfo(context.Background(), DeviceRef{Device: "/dev/sdz"})
	assert.True(t, errors.Is(err, ErrDeviceNotFound))

	_, err = r.DeviceInfo(context.Background(), DeviceRef{Mountpoint: "/nowhere"})
	assert.True(t, errors.Is(err, ErrDeviceNotFound))
}

func TestDeviceOperationsAreSerialized(t *testing.T) {
	r, sys, _ := newRemovableFixture(t, true)
	sys.mounts = nil

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Mount(context.Background(), "/dev/sdb1")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Len(t, sys.Calls(), 1)
}

func TestFixedAndSystemDevicesAreRefused(t *testing.T) {
	base := t.TempDir()
	sys := &fakeSystem{
		devices: []BlockDevice{
			{Name: "sda", Path: "/dev/sda", Type: "disk", Transport: "sata", Size: 512 << 30},
			{Name: "sda1", Path: "/dev/sda1", Type: "part", FSType: "ext4", Transport: "sata", Parent: "/dev/sda"},
			{Name: "sda2", Path: "/dev/sda2", Type: "part", FSType: "ext4", Transport: "sata", Parent: "/dev/sda"},
			{Name: "sdc", Path: "/dev/sdc", Type: "disk", Removable: true, Transport: "usb"},
			{Name: "sdc1", Path: "/dev/sdc1", Type: "part", FSType: "ext4", Removable: true, Transport: "usb", Parent: "/dev/sdc"},
		},
		mounts: []Mount{
			{Source: "/dev/sda1", Mountpoint: "/boot"},
			{Source: "/dev/sdc1", Mountpoint: "/"},
		},
		stuck: map[string]bool{},
	}
	r, _ := newTestResolver(t,
		WithMountTable(sys),
		WithDeviceOps(sys),
		WithMountBase(base),
		WithCredential(&fakeCred{has: true}),
	)

	tests := []struct {
		name string
		run  func() error
	}{
		{"format fixed partition", func() error {
			_, err := r.Prepare(context.Background(), PrepareRequest{DeviceRef: DeviceRef{Device: "/dev/sda2"}, Format: true, Confirmation: FormatConfirmation})
			return err
		}},
		{"format fixed disk", func() error {
			_, err := r.Prepare(context.Background(), PrepareRequest{DeviceRef: DeviceRef{Device: "/dev/sda"}, Format: true, Confirmation: FormatConfirmation})
			return err
		}},
		{"format removable root", func() error {
			_, err := r.Prepare(context.Background(), PrepareRequest{DeviceRef: DeviceRef{Mountpoint: "/"}, Format: true, Confirmation: FormatConfirmation})
			return err
		}},
		{"mount fixed partition", func() error {
			_, err := r.Mount(context.Background(), "/dev/sda2")
			return err
		}},
		{"eject boot partition", func() error {
			_, err := r.Eject(context.Background(), DeviceRef{Mountpoint: "/boot"})
			return err
		}},
		{"eject removable root", func() error {
			_, err := r.Eject(context.Background(), DeviceRef{Device: "/dev/sdc"})
			return err
		}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.run()
			var ue *UnsafeDeviceError
			require.True(t, errors.As(err, &ue), "got %v", err)
			assert.ErrorIs(t, err, ErrUnsafeDevice)
		})
	}
	assert.Empty(t, sys.Calls(), "no device was touched")
}
