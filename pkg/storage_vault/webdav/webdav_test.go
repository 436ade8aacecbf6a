package webdav

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	xwebdav "golang.org/x/net/webdav"

	"github.com/bizflycloud/backupd/pkg/storage_vault"
)

func newDAVServer(t *testing.T) *httptest.Server {
	t.Helper()
	h := &xwebdav.Handler{
		FileSystem: xwebdav.NewMemFS(),
		LockSystem: xwebdav.NewMemLS(),
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "alice" || pass != "secret" {
			w.Header().Set("WWW-Authenticate", `Basic realm="dav"`)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		h.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestWebDAVRoundTrip(t *testing.T) {
	srv := newDAVServer(t)
	cfg := storage_vault.Config{
		Provider:   storage_vault.TypeWebDAV,
		URL:        srv.URL,
		Username:   "alice",
		Password:   "secret",
		RemotePath: "backups/pi",
	}
	v, err := New(cfg, WithLogger(zap.NewNop()))
	require.NoError(t, err)

	ctx := context.Background()
	data := bytes.Repeat([]byte("x"), 4096)
	key := cfg.Key("backup_full_20240101-120000000.tar.gz")
	require.NoError(t, v.Put(ctx, key, bytes.NewReader(data), int64(len(data))))

	obj, err := v.Stat(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), obj.Size)

	objects, err := v.List(ctx, cfg.Key("backup_"))
	require.NoError(t, err)
	require.Len(t, objects, 1)
	assert.Equal(t, key, objects[0].Key)

	assert.Equal(t, srv.URL+"/backups/pi/backup_full_20240101-120000000.tar.gz", v.Ref(key))

	require.NoError(t, v.Delete(ctx, key))
	_, err = v.Stat(ctx, key)
	assert.True(t, errors.Is(err, storage_vault.ErrNotFound), err)
}

func TestWebDAVListMissingCollection(t *testing.T) {
	srv := newDAVServer(t)
	v, err := New(storage_vault.Config{
		Provider: storage_vault.TypeWebDAV,
		URL:      srv.URL,
		Username: "alice",
		Password: "secret",
	}, WithLogger(zap.NewNop()))
	require.NoError(t, err)

	objects, err := v.List(context.Background(), "nowhere/")
	require.NoError(t, err)
	assert.Empty(t, objects)
}

func TestWebDAVWrongPassword(t *testing.T) {
	srv := newDAVServer(t)
	v, err := New(storage_vault.Config{
		Provider: storage_vault.TypeWebDAV,
		URL:      srv.URL,
		Username: "alice",
		Password: "wrong",
	}, WithLogger(zap.NewNop()))
	require.NoError(t, err)

	err = v.Put(context.Background(), "a.tar.gz", bytes.NewReader([]byte("a")), 1)
	var pe *storage_vault.ProviderError
	require.True(t, errors.As(err, &pe), err)
	assert.Equal(t, storage_vault.TypeWebDAV, pe.Provider)
}

func TestRootURL(t *testing.T) {
	tests := []struct {
		name string
		cfg  storage_vault.Config
		want string
	}{
		{"generic", storage_vault.Config{Provider: storage_vault.TypeWebDAV, URL: "https://dav.example.com/files/"}, "https://dav.example.com/files/"},
		{"nextcloud bare host", storage_vault.Config{Provider: storage_vault.TypeNextcloudWebDAV, URL: "https://cloud.example.com", Username: "bob"}, "https://cloud.example.com/remote.php/dav/files/bob/"},
		{"nextcloud full url", storage_vault.Config{Provider: storage_vault.TypeNextcloudWebDAV, URL: "https://cloud.example.com/remote.php/webdav", Username: "bob"}, "https://cloud.example.com/remote.php/webdav/"},
		{"seafile bare host", storage_vault.Config{Provider: storage_vault.TypeSeafileWebDAV, URL: "https://sea.example.com"}, "https://sea.example.com/seafdav/"},
		{"seafile full url", storage_vault.Config{Provider: storage_vault.TypeSeafileWebDAV, URL: "https://sea.example.com/seafdav"}, "https://sea.example.com/seafdav/"},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			got, err := RootURL(tc.cfg)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}

	_, err := RootURL(storage_vault.Config{Provider: storage_vault.TypeWebDAV, URL: "ftp://x"})
	assert.Error(t, err)
}
