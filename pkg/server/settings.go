package server

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/bizflycloud/backupd/pkg/agentversion"
	"github.com/bizflycloud/backupd/pkg/pipeline"
	"github.com/bizflycloud/backupd/pkg/retention"
	"github.com/bizflycloud/backupd/pkg/settings"
	"github.com/bizflycloud/backupd/pkg/storage_vault"
)

// settingsView is the masked settings with the next firing time of each enabled schedule.
type settingsView struct {
	settings.Settings
	NextRuns map[string]time.Time `json:"next_runs,omitempty"`
}

type ruleRequest struct {
	RuleID string `json:"rule_id"`
}

type remoteRequest struct {
	Key          string `json:"key"`
	ExpectedSize int64  `json:"expected_size,omitempty"`
}

type passwordRequest struct {
	Password string `json:"password"`
}

func (s *Server) settingsView(cur settings.Settings) settingsView {
	view := settingsView{Settings: cur.Masked(), NextRuns: make(map[string]time.Time)}
	now := time.Now()
	for _, rule := range cur.Schedules {
		next, err := retention.NextRun(rule, now)
		if err != nil {
			s.logger.Warn("Computing next run failed", zap.String("rule_id", rule.ID), zap.Error(err))
			continue
		}
		if !next.IsZero() {
			view.NextRuns[rule.ID] = next
		}
	}
	return view
}

// GetSettings returns the settings with secrets masked.
func (s *Server) GetSettings(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.settingsView(s.settings.Get()))
}

// UpdateSettings replaces the settings. Masked secrets keep their stored value.
func (s *Server) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	var next settings.Settings
	if err := decode(r, &next); err != nil {
		s.writeError(w, err)
		return
	}
	saved, err := s.settings.Update(next)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.settingsView(saved))
}

// RunRuleNow fires a retention rule regardless of its schedule.
func (s *Server) RunRuleNow(w http.ResponseWriter, r *http.Request) {
	var req ruleRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.RuleID == "" {
		s.writeError(w, fmt.Errorf("%w: rule_id is required", errBadRequest))
		return
	}
	id, err := s.scheduler.RunNow(r.Context(), req.RuleID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, acceptedResponse{Status: "accepted", JobID: id, RuleID: req.RuleID})
}

func (s *Server) vault(ctx context.Context) (storage_vault.StorageVault, storage_vault.Config, error) {
	cfg := s.settings.Get().CloudConfig()
	if cfg == nil {
		return nil, storage_vault.Config{}, errCloudDisabled
	}
	v, err := s.resolver.Vault(ctx, *cfg)
	if err != nil {
		return nil, storage_vault.Config{}, err
	}
	return v, *cfg, nil
}

// ListRemote lists the artifacts stored in the configured cloud target,
// optionally only those of rule_id.
func (s *Server) ListRemote(w http.ResponseWriter, r *http.Request) {
	v, cfg, err := s.vault(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	objects, err := v.List(r.Context(), cfg.Key("backup_"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	ruleID := r.URL.Query().Get("rule_id")
	items := []artifactView{}
	for _, o := range objects {
		a, err := pipeline.ParseArtifactName(o.Name())
		if err != nil || ruleID != "" && a.RuleID != ruleID {
			continue
		}
		items = append(items, artifactView{
			Name:      o.Name(),
			Key:       o.Key,
			Type:      string(a.Type),
			RuleID:    a.RuleID,
			CreatedAt: a.Time,
			Size:      o.Size,
			SizeHuman: humanize.Bytes(uint64(o.Size)),
			Encrypted: a.Encrypted(),
		})
	}
	sort.Slice(items, func(i, k int) bool { return items[i].CreatedAt.After(items[k].CreatedAt) })
	s.writeJSON(w, http.StatusOK, artifactsResponse{Items: items})
}

// VerifyRemote checks that a remote artifact exists with the expected size.
func (s *Server) VerifyRemote(w http.ResponseWriter, r *http.Request) {
	var req remoteRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.Key == "" {
		s.writeError(w, fmt.Errorf("%w: key is required", errBadRequest))
		return
	}
	v, _, err := s.vault(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	res, err := s.verifier.RemoteExistence(r.Context(), v, req.Key, req.ExpectedSize)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

// DeleteRemote deletes one remote artifact.
func (s *Server) DeleteRemote(w http.ResponseWriter, r *http.Request) {
	var req remoteRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if _, err := pipeline.ParseArtifactName(storage_vault.Object{Key: req.Key}.Name()); err != nil {
		s.writeError(w, err)
		return
	}
	v, _, err := s.vault(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := v.Delete(r.Context(), req.Key); err != nil {
		s.writeError(w, err)
		return
	}
	s.logger.Info("Remote artifact deleted", zap.String("key", req.Key), zap.String("provider", string(v.Type())))
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "key": req.Key})
}

// Quota reports the capacity of the configured cloud target.
func (s *Server) Quota(w http.ResponseWriter, r *http.Request) {
	v, _, err := s.vault(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	q, err := v.Quota(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, q)
}

// CheckCredential reports whether the session holds an elevation credential.
func (s *Server) CheckCredential(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]bool{"has_password": s.cred.HasCredential()})
}

// StoreCredential validates and stores the elevation credential for this session.
func (s *Server) StoreCredential(w http.ResponseWriter, r *http.Request) {
	var req passwordRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.cred.Store(r.Context(), []byte(req.Password)); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Version returns the build metadata.
func (s *Server) Version(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, agentversion.Get())
}
