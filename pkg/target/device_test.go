package target

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const lsblkOutput = `{
   "blockdevices": [
      {"name":"nvme0n1", "path":"/dev/nvme0n1", "type":"disk", "fstype":null, "label":null, "size":512110190592, "rm":false, "tran":"nvme", "mountpoint":null,
         "children": [
            {"name":"nvme0n1p1", "path":"/dev/nvme0n1p1", "type":"part", "fstype":"ext4", "label":null, "size":512108093440, "rm":false, "tran":null, "mountpoint":"/"}
         ]
      },
      {"name":"sdb", "path":"/dev/sdb", "type":"disk", "fstype":null, "label":null, "size":"31042043904", "rm":"1", "tran":"usb", "mountpoint":null,
         "children": [
            {"name":"sdb1", "path":"/dev/sdb1", "type":"part", "fstype":"vfat", "label":"STICK", "size":"31040995328", "rm":"1", "tran":null, "mountpoint":"/media/alice/STICK"}
         ]
      }
   ]
}`

func TestParseLsblk(t *testing.T) {
	devices, err := ParseLsblk([]byte(lsblkOutput))
	require.NoError(t, err)
	require.Len(t, devices, 4)

	assert.Equal(t, "/dev/nvme0n1p1", devices[1].Path)
	assert.Equal(t, "/dev/nvme0n1", devices[1].Parent)
	assert.False(t, devices[1].IsRemovable())
	assert.Equal(t, []string{"/"}, devices[1].Mountpoints)

	assert.Equal(t, BlockDevice{
		Name:        "sdb1",
		Path:        "/dev/sdb1",
		Type:        "part",
		FSType:      "vfat",
		Label:       "STICK",
		Size:        31040995328,
		Removable:   true,
		Transport:   "usb",
		Parent:      "/dev/sdb",
		Mountpoints: []string{"/media/alice/STICK"},
	}, devices[3])
}

func TestParseLsblkInvalid(t *testing.T) {
	_, err := ParseLsblk([]byte("lsblk: unknown column"))
	assert.Error(t, err)
}

func TestBelongsTo(t *testing.T) {
	tests := []struct {
		source, device string
		want           bool
	}{
		{"/dev/sdb", "/dev/sdb", true},
		{"/dev/sdb1", "/dev/sdb", true},
		{"/dev/sdb12", "/dev/sdb", true},
		{"/dev/sdba1", "/dev/sdb", false},
		{"/dev/nvme0n1p2", "/dev/nvme0n1", true},
		{"/dev/mmcblk0p1", "/dev/mmcblk0", true},
		{"/dev/sdb1", "/dev/sdb2", false},
		{"tmpfs", "/dev/sdb", false},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, belongsTo(tc.source, tc.device), "%s on %s", tc.source, tc.device)
	}
}

func TestMountName(t *testing.T) {
	assert.Equal(t, "MY_DISK", mountName(BlockDevice{Label: "MY DISK"}))
	assert.Equal(t, "sdb1", mountName(BlockDevice{Name: "sdb1"}))
	assert.Equal(t, "_", mountName(BlockDevice{Label: ".."}))
}
