package backupapi

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/bizflycloud/backupd/pkg/job"
	"github.com/bizflycloud/backupd/pkg/verify"
)

const (
	backupPath = "/api/backup"
)

// Accepted is returned when the agent queued a job.
type Accepted struct {
	Status string `json:"status"`
	JobID  string `json:"job_id"`
	RuleID string `json:"rule_id,omitempty"`
}

// Artifact is a local or remote backup artifact.
type Artifact struct {
	Name      string    `json:"name"`
	Path      string    `json:"path,omitempty"`
	Key       string    `json:"key,omitempty"`
	Type      string    `json:"type"`
	RuleID    string    `json:"rule_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	Size      int64     `json:"size"`
	SizeHuman string    `json:"size_human"`
	Encrypted bool      `json:"encrypted"`
	Busy      bool      `json:"busy,omitempty"`
}

// ArtifactList is the content of a backup directory or cloud prefix.
type ArtifactList struct {
	BackupDir string     `json:"backup_dir,omitempty"`
	Items     []Artifact `json:"items"`
}

// JobFilter narrows ListJobs.
type JobFilter struct {
	RuleID string
	Status job.Status
	Limit  int
}

type artifactRequest struct {
	Path string `json:"path"`
	Mode string `json:"mode,omitempty"`
}

func (c *Client) jobPath(id string) string {
	return backupPath + "/jobs/" + url.PathEscape(id)
}

// CreateBackup submits a backup job.
func (c *Client) CreateBackup(ctx context.Context, spec job.Spec) (*Accepted, error) {
	var a Accepted
	if err := c.call(ctx, http.MethodPost, backupPath+"/create", spec, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// Restore submits a restore job.
func (c *Client) Restore(ctx context.Context, spec job.Spec) (*Accepted, error) {
	var a Accepted
	if err := c.call(ctx, http.MethodPost, backupPath+"/restore", spec, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// ListJobs lists live and archived jobs, newest first.
func (c *Client) ListJobs(ctx context.Context, f JobFilter) ([]job.Job, error) {
	q := url.Values{}
	if f.RuleID != "" {
		q.Set("rule_id", f.RuleID)
	}
	if f.Status != "" {
		q.Set("status", string(f.Status))
	}
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}
	p := backupPath + "/jobs"
	if len(q) > 0 {
		p += "?" + q.Encode()
	}
	var resp struct {
		Jobs []job.Job `json:"jobs"`
	}
	if err := c.call(ctx, http.MethodGet, p, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Jobs, nil
}

// GetJob returns the current snapshot of a job.
func (c *Client) GetJob(ctx context.Context, id string) (*job.Job, error) {
	var j job.Job
	if err := c.call(ctx, http.MethodGet, c.jobPath(id), nil, &j); err != nil {
		return nil, err
	}
	return &j, nil
}

// CancelJob requests cancellation of a job.
func (c *Client) CancelJob(ctx context.Context, id string) (*job.Job, error) {
	var j job.Job
	if err := c.call(ctx, http.MethodPost, c.jobPath(id)+"/cancel", nil, &j); err != nil {
		return nil, err
	}
	return &j, nil
}

// ListArtifacts lists the artifacts of backupDir, or of the configured
// backup directory when empty.
func (c *Client) ListArtifacts(ctx context.Context, backupDir string) (*ArtifactList, error) {
	p := backupPath + "/list"
	if backupDir != "" {
		p += "?" + url.Values{"backup_dir": {backupDir}}.Encode()
	}
	var l ArtifactList
	if err := c.call(ctx, http.MethodGet, p, nil, &l); err != nil {
		return nil, err
	}
	return &l, nil
}

// DeleteArtifact removes a local artifact.
func (c *Client) DeleteArtifact(ctx context.Context, path string) error {
	return c.call(ctx, http.MethodPost, backupPath+"/delete", artifactRequest{Path: path}, nil)
}

// Verify runs a local verification mode on an artifact.
func (c *Client) Verify(ctx context.Context, path string, mode verify.Mode) (*verify.Result, error) {
	var res verify.Result
	if err := c.call(ctx, http.MethodPost, backupPath+"/verify", artifactRequest{Path: path, Mode: string(mode)}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}
