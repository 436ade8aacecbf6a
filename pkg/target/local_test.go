package target

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestResolver(t *testing.T, opts ...Option) (*Resolver, string) {
	t.Helper()
	root := t.TempDir()
	opts = append([]Option{
		WithAllowedRoots(root),
		WithMountTable(&fakeSystem{}),
		WithDeviceOps(&fakeSystem{}),
		WithLogger(zap.NewNop()),
	}, opts...)
	r, err := New(opts...)
	require.NoError(t, err)
	return r, root
}

func TestCheckLocal(t *testing.T) {
	r, root := newTestResolver(t)
	outside := t.TempDir()

	file := filepath.Join(root, "file")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0644))
	require.NoError(t, os.Symlink(outside, filepath.Join(root, "escape")))

	tests := []struct {
		name      string
		path      string
		create    bool
		wantCheck string
	}{
		{"relative path", "backups", true, CheckNotAbsolute},
		{"outside allowed roots", filepath.Join(outside, "b"), true, CheckNotAllowed},
		{"symlink leaving the root", filepath.Join(root, "escape", "b"), true, CheckNotAllowed},
		{"dot dot", root + "/../etc", true, CheckNotAllowed},
		{"missing without create", filepath.Join(root, "missing"), false, CheckNonExistent},
		{"file instead of directory", file, true, CheckNotDirectory},
		{"create nested", filepath.Join(root, "a", "b", "c"), true, ""},
		{"existing root", root, false, ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			res, err := r.CheckLocal(tc.path, tc.create)
			if tc.wantCheck != "" {
				var ce *CheckError
				require.True(t, errors.As(err, &ce), "got %v", err)
				assert.Equal(t, tc.wantCheck, ce.Check)
				assert.NotEmpty(t, ce.Hints)
				return
			}
			require.NoError(t, err)
			assert.True(t, res.Exists)
			assert.True(t, res.IsDir)
			assert.True(t, res.Writable)
			assert.NotZero(t, res.TotalBytes)
			entries, err := os.ReadDir(res.Path)
			require.NoError(t, err)
			for _, e := range entries {
				assert.NotContains(t, e.Name(), ".backupd-write-test")
			}
		})
	}
}

func TestCheckLocalCreatedFlag(t *testing.T) {
	r, root := newTestResolver(t)
	dir := filepath.Join(root, "new")

	res, err := r.CheckLocal(dir, true)
	require.NoError(t, err)
	assert.True(t, res.Created)

	res, err = r.CheckLocal(dir, true)
	require.NoError(t, err)
	assert.False(t, res.Created)
}

func TestCheckLocalReadOnly(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root bypasses directory permissions")
	}
	r, root := newTestResolver(t)
	dir := filepath.Join(root, "ro")
	require.NoError(t, os.Mkdir(dir, 0555))
	t.Cleanup(func() { os.Chmod(dir, 0755) })

	res, err := r.CheckLocal(dir, false)
	var ce *CheckError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, CheckWriteTest, ce.Check)
	assert.True(t, res.IsDir)
	assert.False(t, res.Writable)
}

func TestWithin(t *testing.T) {
	tests := []struct {
		root, path string
		want       bool
	}{
		{"/mnt", "/mnt", true},
		{"/mnt", "/mnt/backups", true},
		{"/mnt", "/mnt2/backups", false},
		{"/mnt", "/", false},
		{"/mnt", "/mnt/../etc", false},
		{"/home", "/home/..data", true},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, within(tc.root, filepath.Clean(tc.path)), "%s in %s", tc.path, tc.root)
	}
}
