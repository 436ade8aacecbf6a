package pipeline

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/bizflycloud/backupd/pkg/storage_vault"
	"github.com/bizflycloud/backupd/pkg/storage_vault/webdav"
	"github.com/bizflycloud/backupd/pkg/target"
	"github.com/bizflycloud/backupd/pkg/verify"
)

type memVault struct {
	mu      sync.Mutex
	objects map[string][]byte
	puts    int
	deletes []string
}

func newMemVault() *memVault {
	return &memVault{objects: make(map[string][]byte)}
}

func (m *memVault) Type() storage_vault.Type { return storage_vault.TypeS3 }

func (m *memVault) Put(ctx context.Context, key string, r io.Reader, size int64) error {
	m.mu.Lock()
	m.puts++
	m.mu.Unlock()
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = data
	return nil
}

func (m *memVault) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deletes = append(m.deletes, key)
	delete(m.objects, key)
	return nil
}

func (m *memVault) List(ctx context.Context, prefix string) ([]storage_vault.Object, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []storage_vault.Object
	for k, v := range m.objects {
		if strings.HasPrefix(k, prefix) {
			out = append(out, storage_vault.Object{Key: k, Size: int64(len(v))})
		}
	}
	return out, nil
}

func (m *memVault) Quota(ctx context.Context) (storage_vault.Quota, error) {
	return storage_vault.Quota{}, nil
}

func (m *memVault) Stat(ctx context.Context, key string) (storage_vault.Object, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return storage_vault.Object{}, storage_vault.ErrNotFound
	}
	return storage_vault.Object{Key: key, Size: int64(len(data))}, nil
}

func (m *memVault) Ref(key string) string { return "mem://" + key }

type recorder struct {
	mu       sync.Mutex
	stages   []Stage
	artifact string
	bytes    int64
	pct      []float64
	onStage  func(Stage)
}

func (r *recorder) Stage(s Stage) {
	r.mu.Lock()
	r.stages = append(r.stages, s)
	fn := r.onStage
	r.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

func (r *recorder) Artifact(path string) {
	r.mu.Lock()
	r.artifact = path
	r.mu.Unlock()
}

func (r *recorder) Bytes(n int64) {
	r.mu.Lock()
	r.bytes = n
	r.mu.Unlock()
}

func (r *recorder) UploadPercent(pct float64) {
	r.mu.Lock()
	r.pct = append(r.pct, pct)
	r.mu.Unlock()
}

func newExecutor(t *testing.T, opts ...Option) *Executor {
	t.Helper()
	v, err := verify.New(verify.WithLogger(zap.NewNop()), verify.WithMaxElapsed(10*time.Millisecond))
	require.NoError(t, err)
	e, err := New(append([]Option{
		WithLogger(zap.NewNop()),
		WithStateDir(t.TempDir()),
		WithCheckpoint(1024, time.Hour),
		WithProgressInterval(time.Millisecond),
		WithScryptWorkFactor(10),
		WithVerifier(v),
	}, opts...)...)
	require.NoError(t, err)
	return e
}

func writeTree(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for name, body := range files {
		p := filepath.Join(root, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
		require.NoError(t, os.WriteFile(p, []byte(body), 0644))
	}
	return root
}

func archiveEntries(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	zr, err := gzip.NewReader(f)
	require.NoError(t, err)
	tr := tar.NewReader(zr)
	var names []string
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		if hdr.Typeflag == tar.TypeReg {
			names = append(names, filepath.Base(hdr.Name))
		}
	}
	sort.Strings(names)
	return names
}

func TestRunLocal(t *testing.T) {
	e := newExecutor(t)
	src := writeTree(t, map[string]string{"a.txt": "alpha", "sub/b.txt": "bravo", "sub/skip.log": "noise"})
	dest := filepath.Join(t.TempDir(), "backups")
	require.NoError(t, os.Mkdir(dest, 0755))
	rep := &recorder{}

	res, err := e.Run(context.Background(), Request{
		JobID:    "j1",
		Type:     TypeFull,
		Mode:     ModeLocal,
		Sources:  []string{src},
		Excludes: []string{"*.log"},
	}, target.Resolved{Kind: target.KindLocal, Dir: dest}, NewToken(), rep)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(res.BackupFile, dest+"/"))
	assert.Equal(t, 2, res.Files)
	assert.Empty(t, res.Warning)
	assert.Empty(t, res.RemoteFile)
	assert.Equal(t, []string{"a.txt", "b.txt"}, archiveEntries(t, res.BackupFile))
	assert.Equal(t, []Stage{StageArchive}, rep.stages)
	assert.Equal(t, res.BackupFile, rep.artifact)
	assert.EqualValues(t, len("alpha")+len("bravo"), rep.bytes)

	art, err := ParseArtifactName(filepath.Base(res.BackupFile))
	require.NoError(t, err)
	assert.Equal(t, TypeFull, art.Type)
}

func TestRunDestinationInsideSource(t *testing.T) {
	e := newExecutor(t)
	src := writeTree(t, map[string]string{"a.txt": "alpha"})
	dest := filepath.Join(src, "backups")
	require.NoError(t, os.Mkdir(dest, 0755))

	res, err := e.Run(context.Background(), Request{Type: TypeData, Mode: ModeLocal, Sources: []string{src}},
		target.Resolved{Kind: target.KindLocal, Dir: dest}, NewToken(), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.txt"}, archiveEntries(t, res.BackupFile))
}

func TestRunNoSources(t *testing.T) {
	e := newExecutor(t)
	_, err := e.Run(context.Background(), Request{Type: TypeData, Mode: ModeLocal, Sources: []string{"/does/not/exist/*"}},
		target.Resolved{Kind: target.KindLocal, Dir: t.TempDir()}, NewToken(), nil)
	var se *StageError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, StageArchive, se.Stage)
	assert.Contains(t, err.Error(), "archive failed")
}

func TestRunCancelledBeforeStart(t *testing.T) {
	e := newExecutor(t)
	dest := t.TempDir()
	token := NewToken()
	token.Cancel()

	_, err := e.Run(context.Background(), Request{Type: TypeFull, Mode: ModeLocal, Sources: []string{writeTree(t, map[string]string{"a": "a"})}},
		target.Resolved{Kind: target.KindLocal, Dir: dest}, token, nil)
	assert.ErrorIs(t, err, ErrCancelled)
	entries, _ := os.ReadDir(dest)
	assert.Empty(t, entries)
}

func TestRunCancelDuringArchive(t *testing.T) {
	e := newExecutor(t)
	big := strings.Repeat("x", 64<<10)
	src := writeTree(t, map[string]string{"1": big, "2": big, "3": big})
	dest := t.TempDir()
	vault := newMemVault()
	token := NewToken()
	rep := &recorder{onStage: func(s Stage) {
		if s == StageArchive {
			token.Cancel()
		}
	}}

	res, err := e.Run(context.Background(), Request{Type: TypeFull, Mode: ModeLocalAndCloud, Sources: []string{src}},
		target.Resolved{Kind: target.KindCloud, Dir: dest, Vault: vault, Cloud: storage_vault.Config{Provider: storage_vault.TypeS3}},
		token, rep)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Zero(t, vault.puts)
	assert.NotEmpty(t, res.BackupFile)
	assert.FileExists(t, res.BackupFile, "partial artifact stays on disk")
	assert.NotContains(t, rep.stages, StageUpload)
}

func TestRunCloudOnly(t *testing.T) {
	e := newExecutor(t)
	src := writeTree(t, map[string]string{"a.txt": strings.Repeat("a", 5000)})
	vault := newMemVault()
	rep := &recorder{}
	cloud := storage_vault.Config{Provider: storage_vault.TypeS3, KeyPrefix: "host1/"}

	res, err := e.Run(context.Background(), Request{Type: TypeData, Mode: ModeCloudOnly, Sources: []string{src}, RuleID: "r1"},
		target.Resolved{Kind: target.KindCloud, Dir: t.TempDir(), Vault: vault, Cloud: cloud}, NewToken(), rep)
	require.NoError(t, err)

	key := "host1/" + filepath.Base(res.BackupFile)
	assert.Equal(t, "mem://"+key, res.RemoteFile)
	assert.True(t, res.LocalRemoved)
	assert.NoFileExists(t, res.BackupFile)
	assert.Contains(t, vault.objects, key)
	assert.Equal(t, []Stage{StageArchive, StageUpload, StageVerify, StageCleanup}, rep.stages)
	assert.Equal(t, float64(100), rep.pct[len(rep.pct)-1])
	for i := 1; i < len(rep.pct); i++ {
		assert.GreaterOrEqual(t, rep.pct[i], rep.pct[i-1])
	}
}

func TestRunLocalAndCloudKeepsLocal(t *testing.T) {
	e := newExecutor(t)
	src := writeTree(t, map[string]string{"a.txt": "a"})
	vault := newMemVault()

	res, err := e.Run(context.Background(), Request{Type: TypeData, Mode: ModeLocalAndCloud, Sources: []string{src}},
		target.Resolved{Kind: target.KindCloud, Dir: t.TempDir(), Vault: vault, Cloud: storage_vault.Config{Provider: storage_vault.TypeS3}}, NewToken(), nil)
	require.NoError(t, err)
	assert.FileExists(t, res.BackupFile)
	assert.False(t, res.LocalRemoved)
}

func TestRunUnreachableProvider(t *testing.T) {
	e := newExecutor(t)
	src := writeTree(t, map[string]string{"a.txt": "a"})
	cfg := storage_vault.Config{Provider: storage_vault.TypeWebDAV, URL: "http://127.0.0.1:1/dav", Username: "u", Password: "p"}
	topts := storage_vault.DefaultTransportOptions
	topts.Connect = time.Second
	vault, err := webdav.New(cfg, webdav.WithLogger(zap.NewNop()), webdav.WithTransportOptions(topts))
	require.NoError(t, err)

	res, err := e.Run(context.Background(), Request{Type: TypeFull, Mode: ModeCloudOnly, Sources: []string{src}},
		target.Resolved{Kind: target.KindCloud, Dir: t.TempDir(), Vault: vault, Cloud: cfg}, NewToken(), nil)
	var se *StageError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, StageUpload, se.Stage)
	assert.Contains(t, err.Error(), "upload failed")
	assert.FileExists(t, res.BackupFile)
}

type lyingVault struct {
	*memVault
}

func (l lyingVault) Stat(ctx context.Context, key string) (storage_vault.Object, error) {
	return storage_vault.Object{Key: key, Size: 1}, nil
}

func TestRunVerifyFailureKeepsLocal(t *testing.T) {
	e := newExecutor(t)
	src := writeTree(t, map[string]string{"a.txt": "abc"})

	res, err := e.Run(context.Background(), Request{Type: TypeFull, Mode: ModeCloudOnly, Sources: []string{src}},
		target.Resolved{Kind: target.KindCloud, Dir: t.TempDir(), Vault: lyingVault{newMemVault()}, Cloud: storage_vault.Config{Provider: storage_vault.TypeS3}},
		NewToken(), nil)
	assert.Contains(t, err.Error(), "verify failed, nothing deleted")
	assert.FileExists(t, res.BackupFile)
}

func TestRunOpenSSLMissingKeyFailsFast(t *testing.T) {
	e := newExecutor(t)
	dest := t.TempDir()

	_, err := e.Run(context.Background(), Request{Type: TypeFull, Mode: ModeLocal, Sources: []string{writeTree(t, map[string]string{"a": "a"})}, Encryption: Encryption{Method: "openssl"}},
		target.Resolved{Kind: target.KindLocal, Dir: dest}, NewToken(), nil)
	assert.ErrorIs(t, err, ErrKeyRequired)
	entries, _ := os.ReadDir(dest)
	assert.Empty(t, entries, "no archive is written")
}

func TestRunEncryptedRestore(t *testing.T) {
	for _, enc := range []Encryption{{Method: "openssl", Key: "pw"}, {Method: "age", Key: "pw"}, {Method: "gpg"}} {
		t.Run(enc.Method+"/"+enc.Key, func(t *testing.T) {
			e := newExecutor(t)
			src := writeTree(t, map[string]string{"docs/a.txt": "alpha", "b.txt": "bravo"})
			dest := t.TempDir()

			res, err := e.Run(context.Background(), Request{Type: TypeFull, Mode: ModeLocal, Sources: []string{src}, Encryption: enc},
				target.Resolved{Kind: target.KindLocal, Dir: dest}, NewToken(), nil)
			require.NoError(t, err)
			art, err := ParseArtifactName(filepath.Base(res.BackupFile))
			require.NoError(t, err)
			assert.True(t, art.Encrypted())
			assert.NoFileExists(t, strings.TrimSuffix(res.BackupFile, art.Suffix), "plaintext removed")

			restoreDir := t.TempDir()
			rres, err := e.Restore(context.Background(), RestoreRequest{BackupFile: res.BackupFile, TargetDir: restoreDir, Key: enc.Key}, NewToken(), nil)
			require.NoError(t, err)
			assert.Equal(t, 2, rres.Files)
			got, err := os.ReadFile(filepath.Join(restoreDir, src, "docs", "a.txt"))
			require.NoError(t, err)
			assert.Equal(t, "alpha", string(got))
		})
	}
}

func TestRunIncremental(t *testing.T) {
	e := newExecutor(t)
	src := writeTree(t, map[string]string{"a.txt": "alpha", "b.txt": "bravo"})
	dest := t.TempDir()
	run := func() Result {
		res, err := e.Run(context.Background(), Request{Type: TypeIncremental, Mode: ModeLocal, Sources: []string{src}},
			target.Resolved{Kind: target.KindLocal, Dir: dest}, NewToken(), nil)
		require.NoError(t, err)
		return res
	}

	first := run()
	assert.Equal(t, 2, first.Files)

	later := time.Now().Add(time.Minute)
	require.NoError(t, os.WriteFile(filepath.Join(src, "b.txt"), []byte("bravo two"), 0644))
	require.NoError(t, os.Chtimes(filepath.Join(src, "b.txt"), later, later))
	second := run()
	assert.Equal(t, 1, second.Files)
	assert.Equal(t, []string{"b.txt"}, archiveEntries(t, second.BackupFile))
	assert.NotEqual(t, first.BackupFile, second.BackupFile)
}

func TestRunSkipsUnreadable(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root reads everything")
	}
	e := newExecutor(t)
	src := writeTree(t, map[string]string{"ok.txt": "ok", "secret.txt": "s"})
	require.NoError(t, os.Chmod(filepath.Join(src, "secret.txt"), 0))

	res, err := e.Run(context.Background(), Request{Type: TypeData, Mode: ModeLocal, Sources: []string{src}},
		target.Resolved{Kind: target.KindLocal, Dir: t.TempDir()}, NewToken(), nil)
	require.NoError(t, err)
	assert.Equal(t, "1 unreadable files were skipped", res.Warning)
	assert.Equal(t, []string{"ok.txt"}, archiveEntries(t, res.BackupFile))
}

func TestRestoreRejectsTraversal(t *testing.T) {
	e := newExecutor(t)
	dir := t.TempDir()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(zw)
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "../../evil.txt", Mode: 0644, Size: 4, Typeflag: tar.TypeReg}))
	_, _ = tw.Write([]byte("evil"))
	require.NoError(t, tw.Close())
	require.NoError(t, zw.Close())
	path := filepath.Join(dir, "backup_full_20260101-020000000.tar.gz")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0644))

	restoreDir := filepath.Join(dir, "restore", "here")
	_, err := e.Restore(context.Background(), RestoreRequest{BackupFile: path, TargetDir: restoreDir}, NewToken(), nil)
	assert.ErrorIs(t, err, ErrUnsafePath)
	assert.NoFileExists(t, filepath.Join(dir, "evil.txt"))
	assert.NoFileExists(t, filepath.Join(dir, "restore", "evil.txt"))
}

func TestRestoreRejectsSymlinkEscape(t *testing.T) {
	e := newExecutor(t)
	dir := t.TempDir()
	outside := t.TempDir()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(zw)
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "link", Linkname: outside, Typeflag: tar.TypeSymlink}))
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "link/pwned.txt", Mode: 0644, Size: 1, Typeflag: tar.TypeReg}))
	_, _ = tw.Write([]byte("x"))
	require.NoError(t, tw.Close())
	require.NoError(t, zw.Close())
	path := filepath.Join(dir, "backup_full_20260101-020000000.tar.gz")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0644))

	_, err := e.Restore(context.Background(), RestoreRequest{BackupFile: path, TargetDir: filepath.Join(dir, "r")}, NewToken(), nil)
	assert.ErrorIs(t, err, ErrUnsafePath)
	assert.NoFileExists(t, filepath.Join(outside, "pwned.txt"))
}

func TestRestoreRejectsUnknownName(t *testing.T) {
	e := newExecutor(t)
	path := filepath.Join(t.TempDir(), "random.tar.gz")
	require.NoError(t, os.WriteFile(path, nil, 0644))
	_, err := e.Restore(context.Background(), RestoreRequest{BackupFile: path, TargetDir: t.TempDir()}, NewToken(), nil)
	assert.ErrorIs(t, err, ErrNotArtifact)
}

func TestUploadReaderSeekIsMonotonic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f")
	require.NoError(t, os.WriteFile(path, bytes.Repeat([]byte("z"), 100), 0644))
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var reported int64
	ur := &uploadReader{f: f, cp: newCheckpoint(NewToken(), 1<<20, time.Hour, clock.WallClock), report: func(n int64) { reported += n }}
	_, err = io.CopyN(io.Discard, ur, 60)
	require.NoError(t, err)
	_, err = ur.Seek(0, io.SeekStart)
	require.NoError(t, err)
	n, err := io.Copy(io.Discard, ur)
	require.NoError(t, err)
	assert.EqualValues(t, 100, n)
	assert.EqualValues(t, 100, reported)
}

func TestTokenDone(t *testing.T) {
	token := NewToken()
	select {
	case <-token.Done():
		t.Fatal("done before cancel")
	default:
	}
	token.Cancel()
	token.Cancel()
	<-token.Done()
	assert.ErrorIs(t, token.Err(), ErrCancelled)

	var none *Token
	assert.Nil(t, none.Done())
	assert.False(t, none.Cancelled())
}
