package verify

import (
	"archive/tar"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/bizflycloud/backupd/pkg/storage_vault"
)

func writeArchive(t *testing.T, dir string, files map[string]string) string {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(zw)
	for name, body := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{Name: name, Mode: 0644, Size: int64(len(body)), Typeflag: tar.TypeReg}))
		_, err := tw.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, zw.Close())
	path := filepath.Join(dir, "backup_full_20260101-020000000.tar.gz")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0644))
	return path
}

func newService(t *testing.T, opts ...Option) *Service {
	s, err := New(append([]Option{WithLogger(zap.NewNop())}, opts...)...)
	require.NoError(t, err)
	return s
}

func TestIntegrity(t *testing.T) {
	s := newService(t)
	dir := t.TempDir()
	path := writeArchive(t, dir, map[string]string{"etc/hosts": "127.0.0.1 localhost\n", "home/alice/a.txt": "a"})

	res, err := s.Verify(context.Background(), Artifact{Path: path}, ModeIntegrity)
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, 2, res.FileCount)
	assert.ElementsMatch(t, []string{"etc/hosts", "home/alice/a.txt"}, res.SampleFiles)
	assert.False(t, res.Encrypted)
	assert.NotEmpty(t, res.SizeHuman)
}

func TestIntegrityCorrupt(t *testing.T) {
	s := newService(t)
	dir := t.TempDir()
	path := writeArchive(t, dir, map[string]string{"a": string(bytes.Repeat([]byte("x"), 64<<10))})
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	tests := []struct {
		name string
		data []byte
	}{
		{"truncated", data[:len(data)/2]},
		{"not gzip", []byte("plain text")},
		{"bad trailer", append(append([]byte(nil), data[:len(data)-8]...), 0, 0, 0, 0, 0, 0, 0, 0)},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			require.NoError(t, os.WriteFile(path, tc.data, 0644))
			res, err := s.Verify(context.Background(), Artifact{Path: path}, ModeIntegrity)
			require.NoError(t, err)
			assert.False(t, res.OK)
			assert.NotEmpty(t, res.Detail)
		})
	}
}

func TestIntegrityEncryptedIsDegraded(t *testing.T) {
	s := newService(t)
	dir := t.TempDir()
	for _, suffix := range []string{".age", ".enc"} {
		path := filepath.Join(dir, "backup_full_20260101-020000000.tar.gz"+suffix)
		require.NoError(t, os.WriteFile(path, []byte("ciphertext"), 0600))

		res, err := s.Verify(context.Background(), Artifact{Path: path}, ModeIntegrity)
		require.NoError(t, err)
		assert.True(t, res.OK)
		assert.True(t, res.Encrypted)
		assert.True(t, res.Degraded)
		assert.Contains(t, res.Detail, "only the size")
		assert.EqualValues(t, 10, res.SizeBytes)
	}
}

func TestIntegrityMissingFile(t *testing.T) {
	s := newService(t)
	_, err := s.Verify(context.Background(), Artifact{Path: filepath.Join(t.TempDir(), "nope.tar.gz")}, ModeIntegrity)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestChecksum(t *testing.T) {
	s := newService(t)
	path := filepath.Join(t.TempDir(), "backup_data_20260101-020000000.tar.gz")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0644))
	sum := sha256.Sum256([]byte("hello"))

	res, err := s.Verify(context.Background(), Artifact{Path: path}, ModeChecksum)
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, hex.EncodeToString(sum[:]), res.SHA256)
}

func TestParseMode(t *testing.T) {
	tests := []struct {
		in   string
		want Mode
	}{
		{"", ModeIntegrity},
		{"gzip", ModeIntegrity},
		{"TAR", ModeIntegrity},
		{"sha256", ModeChecksum},
		{"remote-existence", ModeRemote},
	}
	for _, tc := range tests {
		got, err := ParseMode(tc.in)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got)
	}
	_, err := ParseMode("md5")
	assert.True(t, errors.Is(err, ErrUnknownMode))
}

type fakeVault struct {
	storage_vault.StorageVault
	missing int32
	size    int64
	err     error
	block   chan struct{}
	calls   int32
}

func (f *fakeVault) Stat(ctx context.Context, key string) (storage_vault.Object, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.block != nil {
		<-f.block
	}
	if f.err != nil {
		return storage_vault.Object{}, f.err
	}
	if atomic.AddInt32(&f.missing, -1) >= 0 {
		return storage_vault.Object{}, storage_vault.ErrNotFound
	}
	return storage_vault.Object{Key: key, Size: f.size}, nil
}

func (f *fakeVault) Ref(key string) string { return "s3://bk/" + key }

func TestRemoteExistence(t *testing.T) {
	tests := []struct {
		name       string
		vault      *fakeVault
		expected   int64
		maxElapsed time.Duration
		wantOK     bool
		wantErr    bool
	}{
		{"present", &fakeVault{size: 42}, 42, time.Second, true, false},
		{"appears after retry", &fakeVault{size: 42, missing: 1}, 42, 10 * time.Second, true, false},
		{"never appears", &fakeVault{size: 42, missing: 1 << 20}, 42, time.Millisecond, false, false},
		{"size mismatch", &fakeVault{size: 41}, 42, time.Second, false, false},
		{"provider error", &fakeVault{err: &storage_vault.ProviderError{Provider: storage_vault.TypeS3, Op: "stat", StatusCode: 403, Err: errors.New("denied")}}, 42, time.Second, false, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := newService(t, WithMaxElapsed(tc.maxElapsed))
			res, err := s.Verify(context.Background(), Artifact{Key: "k", Vault: tc.vault, ExpectedSize: tc.expected}, ModeRemote)
			if tc.wantErr {
				var pe *storage_vault.ProviderError
				assert.True(t, errors.As(err, &pe))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.wantOK, res.OK, res.Detail)
			assert.Equal(t, "s3://bk/k", res.RemoteRef)
		})
	}
}

func TestBusyWhileVerifying(t *testing.T) {
	s := newService(t)
	v := &fakeVault{size: 1, block: make(chan struct{})}
	path := "/mnt/backups/backup_full_20260101-020000000.tar.gz"

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = s.Verify(context.Background(), Artifact{Path: path, Key: "k", Vault: v}, ModeRemote)
	}()
	require.Eventually(t, func() bool { return atomic.LoadInt32(&v.calls) == 1 }, time.Second, time.Millisecond)
	assert.True(t, s.Busy(path))
	assert.True(t, s.Busy("s3://bk/k"))
	close(v.block)
	<-done
	assert.False(t, s.Busy(path))
	assert.False(t, s.Busy("s3://bk/k"))
}
