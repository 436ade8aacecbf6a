package backupapi

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/bizflycloud/backupd/pkg/agentversion"
	"github.com/bizflycloud/backupd/pkg/settings"
	"github.com/bizflycloud/backupd/pkg/storage_vault"
	"github.com/bizflycloud/backupd/pkg/verify"
)

const (
	cloudPath      = backupPath + "/cloud"
	credentialPath = "/api/users/sudo-password"
)

// Settings is the masked agent settings with the next run of each schedule.
type Settings struct {
	settings.Settings
	NextRuns map[string]time.Time `json:"next_runs,omitempty"`
}

type remoteRequest struct {
	Key          string `json:"key"`
	ExpectedSize int64  `json:"expected_size,omitempty"`
}

// GetSettings returns the agent settings. Secrets are masked.
func (c *Client) GetSettings(ctx context.Context) (*Settings, error) {
	var s Settings
	if err := c.call(ctx, http.MethodGet, backupPath+"/settings", nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// UpdateSettings replaces the agent settings. Masked secrets are kept.
func (c *Client) UpdateSettings(ctx context.Context, next settings.Settings) (*Settings, error) {
	var s Settings
	if err := c.call(ctx, http.MethodPost, backupPath+"/settings", next, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// RunNow fires a schedule rule immediately.
func (c *Client) RunNow(ctx context.Context, ruleID string) (*Accepted, error) {
	var a Accepted
	body := map[string]string{"rule_id": ruleID}
	if err := c.call(ctx, http.MethodPost, backupPath+"/schedule/run-now", body, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// ListRemote lists the artifacts of the configured cloud target.
func (c *Client) ListRemote(ctx context.Context, ruleID string) (*ArtifactList, error) {
	p := cloudPath + "/list"
	if ruleID != "" {
		p += "?" + url.Values{"rule_id": {ruleID}}.Encode()
	}
	var l ArtifactList
	if err := c.call(ctx, http.MethodGet, p, nil, &l); err != nil {
		return nil, err
	}
	return &l, nil
}

// VerifyRemote checks a remote artifact exists, with expectedSize when positive.
func (c *Client) VerifyRemote(ctx context.Context, key string, expectedSize int64) (*verify.Result, error) {
	var res verify.Result
	if err := c.call(ctx, http.MethodPost, cloudPath+"/verify", remoteRequest{Key: key, ExpectedSize: expectedSize}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// DeleteRemote deletes a remote artifact.
func (c *Client) DeleteRemote(ctx context.Context, key string) error {
	return c.call(ctx, http.MethodPost, cloudPath+"/delete", remoteRequest{Key: key}, nil)
}

// Quota reports the capacity of the configured cloud target.
func (c *Client) Quota(ctx context.Context) (*storage_vault.Quota, error) {
	var q storage_vault.Quota
	if err := c.call(ctx, http.MethodGet, cloudPath+"/quota", nil, &q); err != nil {
		return nil, err
	}
	return &q, nil
}

// HasCredential reports whether the agent session holds an elevation credential.
func (c *Client) HasCredential(ctx context.Context) (bool, error) {
	var resp struct {
		HasPassword bool `json:"has_password"`
	}
	if err := c.call(ctx, http.MethodGet, credentialPath+"/check", nil, &resp); err != nil {
		return false, err
	}
	return resp.HasPassword, nil
}

// StoreCredential hands the elevation credential to the agent.
func (c *Client) StoreCredential(ctx context.Context, password string) error {
	return c.call(ctx, http.MethodPost, credentialPath, map[string]string{"password": password}, nil)
}

// Version returns the agent build metadata.
func (c *Client) Version(ctx context.Context) (*agentversion.Info, error) {
	var info agentversion.Info
	if err := c.call(ctx, http.MethodGet, "/version", nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}
