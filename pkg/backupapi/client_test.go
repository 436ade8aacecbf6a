package backupapi

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	client *Client
	mux    *http.ServeMux
	server *httptest.Server
)

func setUp() {
	mux = http.NewServeMux()
	server = httptest.NewServer(mux)

	client, _ = NewClient()
	serverURL, _ := url.Parse(server.URL)
	client.ServerURL = serverURL
}

func tearDown() {
	server.Close()
}

func TestClientOptions(t *testing.T) {
	tests := []struct {
		name       string
		opt        ClientOption
		wantErr    bool
		assertFunc func(c *Client) bool
	}{
		{"valid http client", WithHTTPClient(http.DefaultClient), false, func(c *Client) bool { return c.client == http.DefaultClient }},
		{"nil http client", WithHTTPClient(nil), true, nil},
		{"valid server url", WithServerURL("https://foo.bar/api/v1"), false, func(c *Client) bool { return c.ServerURL.Host == "foo.bar" && c.ServerURL.Path == "/api/v1" }},
		{"invalid server url", WithServerURL("https://:foo.bar/api/v1"), true, nil},
		{"server url without host", WithServerURL("foo"), true, nil},
		{"unix socket", WithServerURL("unix:///run/backupd.sock"), false, func(c *Client) bool { return c.ServerURL.Host == "unix" && c.client != http.DefaultClient }},
		{"empty unix socket", WithServerURL("unix://"), true, nil},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			c, err := NewClient(tc.opt)
			requireFunc := require.NoError
			if tc.wantErr {
				requireFunc = require.Error
			}
			requireFunc(t, err)
			if tc.assertFunc != nil {
				assert.True(t, tc.assertFunc(c))
			}
		})
	}
}

func TestDo(t *testing.T) {
	setUp()
	defer tearDown()

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "backupd-client", r.Header.Get("User-Agent"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NotEmpty(t, r.Header.Get("Date"))
		_, _ = w.Write([]byte("foo"))
	})

	req, err := client.NewRequest(http.MethodGet, "/", nil)
	require.NoError(t, err)
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "foo", string(body))
}

func TestURLFromRelPath(t *testing.T) {
	c, err := NewClient(WithServerURL("http://127.0.0.1:9000/agent"))
	require.NoError(t, err)

	u, err := c.urlStringFromRelPath("/api/backup/list?backup_dir=%2Fdata")
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:9000/agent/api/backup/list?backup_dir=%2Fdata", u)
}

func TestAPIError(t *testing.T) {
	setUp()
	defer tearDown()

	mux.HandleFunc("/json", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"status":"error","message":"device busy","still_mounted":["/media/usb"]}`))
	})
	mux.HandleFunc("/text", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	})
	mux.HandleFunc("/empty", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	tests := []struct {
		path    string
		code    int
		message string
	}{
		{"/json", http.StatusConflict, "device busy"},
		{"/text", http.StatusBadGateway, "boom"},
		{"/empty", http.StatusServiceUnavailable, ""},
	}
	for _, tc := range tests {
		t.Run(tc.path, func(t *testing.T) {
			err := client.call(context.Background(), http.MethodGet, tc.path, nil, nil)
			var apiErr *APIError
			require.True(t, errors.As(err, &apiErr))
			assert.Equal(t, tc.code, apiErr.StatusCode)
			assert.Equal(t, tc.message, apiErr.Message)
			assert.NotEmpty(t, apiErr.Error())
		})
	}

	err := client.call(context.Background(), http.MethodGet, "/json", nil, nil)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, []string{"/media/usb"}, apiErr.StillMounted)
}

func TestUnixSocket(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "backupd.sock")
	l, err := net.Listen("unix", sock)
	require.NoError(t, err)
	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/version", r.URL.Path)
		_, _ = w.Write([]byte(`{"version":"1.2.3"}`))
	})}
	go func() { _ = srv.Serve(l) }()
	defer srv.Close()

	c, err := NewClient(WithServerURL("unix://" + sock))
	require.NoError(t, err)
	info, err := c.Version(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "1.2.3", info.Version)
}
