package retention

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"

	"go.uber.org/zap"

	"github.com/bizflycloud/backupd/pkg/job"
	"github.com/bizflycloud/backupd/pkg/pipeline"
)

// PruneResult lists what a prune did.
type PruneResult struct {
	Deleted []string `json:"deleted"`
	Skipped []string `json:"skipped,omitempty"`
	Kept    int      `json:"kept"`
}

// Prune deletes the artifacts of rule ruleID beyond its keep_last, oldest
// first. Only artifacts recorded for a successful job of the rule count:
// leftovers of failed or cancelled runs neither take a keep slot nor get
// deleted here. Busy artifacts are skipped.
func (s *Scheduler) Prune(ctx context.Context, ruleID string) (PruneResult, error) {
	cfg := s.cfg.Load()
	r, ok := cfg.rule(ruleID)
	if !ok {
		return PruneResult{}, fmt.Errorf("%s: %w", ruleID, ErrRuleNotFound)
	}
	s.pruning.Lock(ruleID)
	defer s.pruning.Unlock(ruleID)

	succeeded := make(map[string]bool)
	for _, name := range s.state.Succeeded(ruleID) {
		succeeded[name] = true
	}

	dir := r.BackupDir
	if dir == "" {
		dir = cfg.BackupDir
	}
	var (
		res  PruneResult
		errs []error
		// left holds the recorded names still present somewhere after pruning.
		left     = make(map[string]bool)
		complete = true
	)

	if r.Target != pipeline.ModeCloudOnly {
		names, err := s.pruneLocal(dir, r, succeeded, &res)
		if err != nil {
			errs = append(errs, err)
			complete = false
		}
		for _, n := range names {
			left[n] = true
		}
	}
	if r.Target.Uploads() {
		if cfg.Cloud != nil && s.vault != nil {
			names, err := s.pruneRemote(ctx, cfg, dir, r, succeeded, &res)
			if err != nil {
				errs = append(errs, err)
				complete = false
			}
			for _, n := range names {
				left[n] = true
			}
		} else {
			complete = false
		}
	}

	if complete {
		var gone []string
		for name := range succeeded {
			if !left[name] {
				gone = append(gone, name)
			}
		}
		if len(gone) > 0 {
			if err := s.state.RemoveSucceeded(ruleID, gone...); err != nil {
				errs = append(errs, fmt.Errorf("forget pruned artifacts: %w", err))
			}
		}
	}
	return res, errors.Join(errs...)
}

// pruneLocal returns the recorded names that remain in dir.
func (s *Scheduler) pruneLocal(dir string, r Rule, succeeded map[string]bool, res *PruneResult) ([]string, error) {
	all, err := pipeline.ListArtifacts(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}
	keep, extra := superseded(all, r, succeeded)
	res.Kept += len(keep)

	left := names(keep)
	var errs []error
	for _, a := range extra {
		file := a.Path()
		if s.busy(file) {
			s.logger.Info("Artifact in use, not pruned", zap.String("rule_id", r.ID), zap.String("path", file))
			res.Skipped = append(res.Skipped, file)
			left = append(left, a.Name())
			continue
		}
		if err := os.Remove(file); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.logger.Error("Pruning artifact failed", zap.String("rule_id", r.ID), zap.String("path", file), zap.Error(err))
			errs = append(errs, err)
			left = append(left, a.Name())
			continue
		}
		s.logger.Info("Pruned artifact", zap.String("rule_id", r.ID), zap.String("path", file))
		res.Deleted = append(res.Deleted, file)
	}
	return left, errors.Join(errs...)
}

// pruneRemote returns the recorded names that remain in the vault. An object
// is busy when its ref or its local staging path is in use.
func (s *Scheduler) pruneRemote(ctx context.Context, cfg *Config, dir string, r Rule, succeeded map[string]bool, res *PruneResult) ([]string, error) {
	vault, err := s.vault(ctx, *cfg.Cloud)
	if err != nil {
		return nil, fmt.Errorf("open vault: %w", err)
	}
	objects, err := vault.List(ctx, cfg.Cloud.Key("backup_"))
	if err != nil {
		return nil, fmt.Errorf("list remote artifacts: %w", err)
	}
	keys := make(map[string]string, len(objects))
	var all []pipeline.Artifact
	for _, o := range objects {
		a, err := pipeline.ParseArtifactName(o.Name())
		if err != nil {
			continue
		}
		keys[a.Name()] = o.Key
		all = append(all, a)
	}

	keep, extra := superseded(all, r, succeeded)
	left := names(keep)
	var errs []error
	for _, a := range extra {
		key := keys[a.Name()]
		ref := vault.Ref(key)
		if s.busy(ref) || s.busy(filepath.Join(dir, a.Name())) {
			s.logger.Info("Remote artifact in use, not pruned", zap.String("rule_id", r.ID), zap.String("ref", ref))
			res.Skipped = append(res.Skipped, ref)
			left = append(left, a.Name())
			continue
		}
		if err := vault.Delete(ctx, key); err != nil {
			s.logger.Error("Pruning remote artifact failed", zap.String("rule_id", r.ID), zap.String("key", key), zap.Error(err))
			errs = append(errs, err)
			left = append(left, a.Name())
			continue
		}
		s.logger.Info("Pruned remote artifact", zap.String("rule_id", r.ID), zap.String("ref", ref))
		res.Deleted = append(res.Deleted, ref)
	}
	return left, errors.Join(errs...)
}

// superseded splits the recorded artifacts of r into the newest keep_last and
// the rest, the rest oldest first.
func superseded(all []pipeline.Artifact, r Rule, succeeded map[string]bool) (keep, extra []pipeline.Artifact) {
	var mine []pipeline.Artifact
	for _, a := range all {
		if a.RuleID == r.ID && succeeded[a.Name()] {
			mine = append(mine, a)
		}
	}
	sort.Slice(mine, func(i, k int) bool {
		if mine[i].Time.Equal(mine[k].Time) {
			return mine[i].Name() > mine[k].Name()
		}
		return mine[i].Time.After(mine[k].Time)
	})
	if len(mine) <= r.Keep() {
		return mine, nil
	}
	keep, extra = mine[:r.Keep()], append([]pipeline.Artifact(nil), mine[r.Keep():]...)
	for i, k := 0, len(extra)-1; i < k; i, k = i+1, k-1 {
		extra[i], extra[k] = extra[k], extra[i]
	}
	return keep, extra
}

func names(artifacts []pipeline.Artifact) []string {
	out := make([]string, 0, len(artifacts))
	for _, a := range artifacts {
		out = append(out, a.Name())
	}
	return out
}

// artifactName is the name a successful job's artifact is recorded under.
func artifactName(res job.Result) string {
	switch {
	case res.BackupFile != "":
		return filepath.Base(res.BackupFile)
	case res.RemoteFile != "":
		return path.Base(res.RemoteFile)
	}
	return ""
}
