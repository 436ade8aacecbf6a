// Package backupapi is the client of the backupd agent HTTP API.
package backupapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	defaultServerURLString = "http://127.0.0.1:11810"
	userAgent              = "backupd-client"
	unixPrefix             = "unix://"
)

// Client is the client for interacting with the backupd agent.
type Client struct {
	client    *http.Client
	ServerURL *url.URL

	userAgent string

	logger *zap.Logger
}

// NewClient creates a Client with given options.
func NewClient(opts ...ClientOption) (*Client, error) {
	serverUrl, _ := url.Parse(defaultServerURLString)
	c := &Client{
		client:    newHTTPClient(nil),
		ServerURL: serverUrl,
		userAgent: userAgent,
	}

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}

	if c.logger == nil {
		l, err := zap.NewDevelopment()
		if err != nil {
			return nil, err
		}
		c.logger = l
	}

	return c, nil
}

func newHTTPClient(dial func(ctx context.Context, network, addr string) (net.Conn, error)) *http.Client {
	if dial == nil {
		dial = (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext
	}
	return &http.Client{
		Transport: &http.Transport{
			DialContext:           dial,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: 30 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
		Timeout: 60 * time.Second,
	}
}

// ClientOption provides mechanism to configure Client.
type ClientOption func(c *Client) error

// WithHTTPClient sets the underlying HTTP client for Client.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) error {
		if client == nil {
			return errors.New("nil HTTP client")
		}
		c.client = client
		return nil
	}
}

// WithServerURL sets the agent address for Client. A "unix://" address
// dials the agent socket.
func WithServerURL(serverURL string) ClientOption {
	return func(c *Client) error {
		if strings.HasPrefix(serverURL, unixPrefix) {
			sock := strings.TrimPrefix(serverURL, unixPrefix)
			if sock == "" {
				return errors.New("empty unix socket path")
			}
			c.client = newHTTPClient(func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", sock)
			})
			c.ServerURL = &url.URL{Scheme: "http", Host: "unix"}
			return nil
		}
		su, err := url.Parse(serverURL)
		if err != nil {
			return err
		}
		if su.Host == "" {
			return fmt.Errorf("missing host in server url %q", serverURL)
		}
		c.ServerURL = su
		return nil
	}
}

// WithLogger sets the logger for Client.
func WithLogger(logger *zap.Logger) ClientOption {
	return func(c *Client) error {
		c.logger = logger
		return nil
	}
}

// APIError is a failed request as reported by the agent.
type APIError struct {
	StatusCode           int      `json:"-"`
	Status               string   `json:"status"`
	Message              string   `json:"message"`
	RequiresSudoPassword bool     `json:"requires_sudo_password,omitempty"`
	StillMounted         []string `json:"still_mounted,omitempty"`
	Check                string   `json:"check,omitempty"`
	Hints                []string `json:"hints,omitempty"`
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("agent returned %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("agent returned %d: %s", e.StatusCode, e.Message)
}

func (c *Client) urlStringFromRelPath(relPath string) (string, error) {
	rel, err := url.Parse(relPath)
	if err != nil {
		return "", err
	}
	u := *c.ServerURL
	u.Path = path.Join(c.ServerURL.Path, rel.Path)
	u.RawQuery = rel.RawQuery
	return u.String(), nil
}

// NewRequest create new http request
func (c *Client) NewRequest(method, relPath string, body interface{}) (*http.Request, error) {
	buf := new(bytes.Buffer)
	if body != nil {
		if err := json.NewEncoder(buf).Encode(body); err != nil {
			return nil, err
		}
	}

	reqURl, err := c.urlStringFromRelPath(relPath)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequest(method, reqURl, buf)
	if err != nil {
		return nil, err
	}

	return req, nil
}

// Do makes an http request.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	req.Header.Add("User-Agent", c.userAgent)
	req.Header.Add("Date", time.Now().UTC().Format(http.TimeFormat))
	req.Header.Add("Content-Type", "application/json")
	return c.client.Do(req)
}

// call sends body to relPath and decodes the response into out, if not nil.
func (c *Client) call(ctx context.Context, method, relPath string, body, out interface{}) error {
	req, err := c.NewRequest(method, relPath, body)
	if err != nil {
		return err
	}
	resp, err := c.Do(req.WithContext(ctx))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := checkResponse(resp); err != nil {
		c.logger.Debug("Agent request failed", zap.String("path", relPath), zap.Error(err))
		return err
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func checkResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	apiErr := &APIError{StatusCode: resp.StatusCode}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err == nil && len(data) > 0 {
		if err := json.Unmarshal(data, apiErr); err != nil {
			apiErr.Message = strings.TrimSpace(string(data))
		}
	}
	apiErr.StatusCode = resp.StatusCode
	return apiErr
}
