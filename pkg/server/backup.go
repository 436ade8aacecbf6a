package server

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi"
	"go.uber.org/zap"

	"github.com/bizflycloud/backupd/pkg/history"
	"github.com/bizflycloud/backupd/pkg/job"
	"github.com/bizflycloud/backupd/pkg/pipeline"
	"github.com/bizflycloud/backupd/pkg/target"
	"github.com/bizflycloud/backupd/pkg/verify"
)

type acceptedResponse struct {
	Status string `json:"status"`
	JobID  string `json:"job_id"`
	RuleID string `json:"rule_id,omitempty"`
}

type jobsResponse struct {
	Jobs []job.Job `json:"jobs"`
}

// artifactView is a local or remote artifact as listed by the API.
type artifactView struct {
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

type artifactsResponse struct {
	BackupDir string         `json:"backup_dir,omitempty"`
	Items     []artifactView `json:"items"`
}

type pathRequest struct {
	Path string `json:"path"`
	Mode string `json:"mode,omitempty"`
}

// CreateBackup submits a backup job. A destination left empty writes to the
// configured backup directory.
func (s *Server) CreateBackup(w http.ResponseWriter, r *http.Request) {
	var spec job.Spec
	if err := decode(r, &spec); err != nil {
		s.writeError(w, err)
		return
	}
	spec.Operation = job.OpBackup
	cur := s.settings.Get()
	switch spec.Destination.Kind {
	case "":
		spec.Destination = target.Destination{Kind: target.KindLocal, Path: cur.BackupDir}
	case target.KindCloud:
		// A cloud destination without its own config uses the configured cloud target.
		if spec.Destination.Cloud == nil {
			cfg := cur.CloudConfig()
			if cfg == nil {
				s.writeError(w, errCloudDisabled)
				return
			}
			spec.Destination.Cloud = cfg
		}
		if spec.Destination.Path == "" {
			spec.Destination.Path = cur.BackupDir
		}
	}
	s.submit(w, r, spec)
}

// Restore submits a restore job.
func (s *Server) Restore(w http.ResponseWriter, r *http.Request) {
	var spec job.Spec
	if err := decode(r, &spec); err != nil {
		s.writeError(w, err)
		return
	}
	spec.Operation = job.OpRestore
	s.submit(w, r, spec)
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request, spec job.Spec) {
	id, err := s.jobs.Submit(r.Context(), spec)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, acceptedResponse{Status: "accepted", JobID: id})
}

// ListJobs lists live jobs, followed by archived ones when a history store is
// configured. Filters: rule_id, status, limit.
func (s *Server) ListJobs(w http.ResponseWriter, r *http.Request) {
	q := history.Query{RuleID: r.URL.Query().Get("rule_id"), Status: job.Status(r.URL.Query().Get("status"))}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, fmt.Errorf("%w: limit %q", errBadRequest, v))
			return
		}
		q.Limit = n
	}

	seen := make(map[string]bool)
	jobs := []job.Job{}
	for _, j := range s.jobs.List() {
		seen[j.ID] = true
		if q.RuleID != "" && j.Spec.RuleID != q.RuleID || q.Status != "" && j.Status != q.Status {
			continue
		}
		jobs = append(jobs, j)
	}
	if s.history != nil {
		archived, err := s.history.List(r.Context(), q)
		if err != nil {
			s.writeError(w, err)
			return
		}
		for _, j := range archived {
			if !seen[j.ID] {
				jobs = append(jobs, j)
			}
		}
	}
	sort.SliceStable(jobs, func(i, k int) bool { return jobs[i].CreatedAt.After(jobs[k].CreatedAt) })
	if q.Limit > 0 && len(jobs) > q.Limit {
		jobs = jobs[:q.Limit]
	}
	s.writeJSON(w, http.StatusOK, jobsResponse{Jobs: jobs})
}

// GetJob returns the current snapshot of a job.
func (s *Server) GetJob(w http.ResponseWriter, r *http.Request) {
	j, err := s.jobs.Poll(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, j)
}

// CancelJob requests cancellation of a job.
func (s *Server) CancelJob(w http.ResponseWriter, r *http.Request) {
	j, err := s.jobs.Cancel(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, j)
}

// ListArtifacts lists the artifacts in backup_dir, or in the configured
// backup directory, newest first.
func (s *Server) ListArtifacts(w http.ResponseWriter, r *http.Request) {
	dir := r.URL.Query().Get("backup_dir")
	if dir == "" {
		dir = s.settings.Get().BackupDir
	}
	resp := artifactsResponse{BackupDir: dir, Items: []artifactView{}}
	if _, err := s.resolver.CheckTarget(dir, false); err != nil {
		var checkErr *target.CheckError
		if errors.As(err, &checkErr) && checkErr.Check == target.CheckNonExistent {
			s.writeJSON(w, http.StatusOK, resp)
			return
		}
		s.writeError(w, err)
		return
	}
	artifacts, err := pipeline.ListArtifacts(dir)
	if err != nil {
		s.writeError(w, err)
		return
	}
	sort.Slice(artifacts, func(i, k int) bool { return artifacts[i].Time.After(artifacts[k].Time) })
	for _, a := range artifacts {
		resp.Items = append(resp.Items, artifactView{
			Name:      a.Name(),
			Path:      a.Path(),
			Type:      string(a.Type),
			RuleID:    a.RuleID,
			CreatedAt: a.Time,
			Size:      a.Size,
			SizeHuman: humanize.Bytes(uint64(a.Size)),
			Encrypted: a.Encrypted(),
			Busy:      s.busy(a.Path()),
		})
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// DeleteArtifact removes one local artifact. Only artifact file names inside
// an accepted backup directory can be deleted.
func (s *Server) DeleteArtifact(w http.ResponseWriter, r *http.Request) {
	var req pathRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	path, err := s.artifactPath(req.Path)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if s.busy(path) {
		s.writeError(w, fmt.Errorf("%s: %w", path, errBusy))
		return
	}
	if err := os.Remove(path); err != nil {
		s.writeError(w, err)
		return
	}
	s.logger.Info("Artifact deleted", zap.String("path", path))
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "path": path})
}

// VerifyArtifact runs a local verification mode on an artifact.
func (s *Server) VerifyArtifact(w http.ResponseWriter, r *http.Request) {
	var req pathRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	mode, err := verify.ParseMode(req.Mode)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if mode == verify.ModeRemote {
		s.writeError(w, fmt.Errorf("%w: use /api/backup/cloud/verify for remote artifacts", errBadRequest))
		return
	}
	path, err := s.artifactPath(req.Path)
	if err != nil {
		s.writeError(w, err)
		return
	}
	res, err := s.verifier.Verify(r.Context(), verify.Artifact{Path: path}, mode)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

// artifactPath checks that p names an artifact inside an accepted directory.
func (s *Server) artifactPath(p string) (string, error) {
	if p == "" || !filepath.IsAbs(p) {
		return "", fmt.Errorf("%w: path %q must be absolute", errBadRequest, p)
	}
	p = filepath.Clean(p)
	if _, err := pipeline.ParseArtifactName(filepath.Base(p)); err != nil {
		return "", err
	}
	if _, err := s.resolver.CheckTarget(filepath.Dir(p), false); err != nil {
		return "", err
	}
	return p, nil
}

func (s *Server) busy(path string) bool {
	return s.jobs.Busy(path) || s.verifier.Busy(path)
}
