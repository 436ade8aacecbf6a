// Package settings holds the runtime-editable configuration of the agent.
package settings

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/bizflycloud/backupd/pkg/job"
	"github.com/bizflycloud/backupd/pkg/pipeline"
	"github.com/bizflycloud/backupd/pkg/retention"
	"github.com/bizflycloud/backupd/pkg/storage_vault"
	"github.com/bizflycloud/backupd/pkg/target"
)

// ErrInvalid is wrapped by Validate.
var ErrInvalid = errors.New("invalid settings")

type Retention struct {
	KeepLast int `json:"keep_last" yaml:"keep_last"`
}

// Cloud is the cloud target used by uploading rules.
type Cloud struct {
	Enabled              bool `json:"enabled" yaml:"enabled"`
	storage_vault.Config `yaml:",inline"`
}

// Encryption applied to scheduled backups.
type Encryption struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Method  string `json:"method,omitempty" yaml:"method,omitempty"`
	Key     string `json:"key,omitempty" yaml:"key,omitempty"`
}

// Settings is everything a user can change at runtime.
type Settings struct {
	BackupDir  string              `json:"backup_dir" yaml:"backup_dir"`
	Retention  Retention           `json:"retention" yaml:"retention"`
	Schedules  []retention.Rule    `json:"schedules" yaml:"schedules"`
	Datasets   map[string][]string `json:"datasets" yaml:"datasets"`
	Cloud      Cloud               `json:"cloud" yaml:"cloud"`
	Encryption Encryption          `json:"encryption" yaml:"encryption"`
}

// Defaults returns the settings of a fresh install.
func Defaults() Settings {
	s := Settings{
		BackupDir: target.DefaultBackupDir,
		Retention: Retention{KeepLast: retention.DefaultKeepLast},
	}
	s.fill()
	return s
}

// fill sets defaults for empty fields.
func (s *Settings) fill() {
	if s.BackupDir == "" {
		s.BackupDir = target.DefaultBackupDir
	}
	if s.Retention.KeepLast == 0 {
		s.Retention.KeepLast = retention.DefaultKeepLast
	}
	if s.Datasets == nil {
		s.Datasets = make(map[string][]string)
	}
	if len(s.Datasets[job.PersonalDataset]) == 0 {
		s.Datasets[job.PersonalDataset] = job.PersonalSources()
	}
	if s.Schedules == nil {
		s.Schedules = []retention.Rule{}
	}
}

// Copy returns a deep copy of s.
func (s Settings) Copy() Settings {
	out := s
	out.Schedules = make([]retention.Rule, len(s.Schedules))
	for i, r := range s.Schedules {
		r.Days = append([]string(nil), r.Days...)
		out.Schedules[i] = r
	}
	out.Datasets = make(map[string][]string, len(s.Datasets))
	for k, v := range s.Datasets {
		out.Datasets[k] = append([]string(nil), v...)
	}
	return out
}

// Masked returns a copy of s with secrets replaced by storage_vault.Mask.
func (s Settings) Masked() Settings {
	out := s.Copy()
	out.Cloud.Config = s.Cloud.Config.Masked()
	if out.Encryption.Key != "" {
		out.Encryption.Key = storage_vault.Mask
	}
	return out
}

// unmask keeps the stored secrets where s carries the mask.
func (s Settings) unmask(stored Settings) Settings {
	s.Cloud.Config = s.Cloud.Config.Unmask(stored.Cloud.Config)
	if s.Encryption.Key == storage_vault.Mask {
		s.Encryption.Key = stored.Encryption.Key
	}
	return s
}

// Validate checks s after defaults were filled in.
func (s Settings) Validate() error {
	if !filepath.IsAbs(s.BackupDir) {
		return fmt.Errorf("%w: backup_dir %q must be absolute", ErrInvalid, s.BackupDir)
	}
	if s.Retention.KeepLast < 1 {
		return fmt.Errorf("%w: retention.keep_last must be positive", ErrInvalid)
	}
	for name, folders := range s.Datasets {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("%w: dataset with an empty name", ErrInvalid)
		}
		for _, f := range folders {
			if !filepath.IsAbs(f) {
				return fmt.Errorf("%w: dataset %q: folder %q must be absolute", ErrInvalid, name, f)
			}
		}
	}
	seen := make(map[string]bool, len(s.Schedules))
	for _, r := range s.Schedules {
		if err := r.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalid, err)
		}
		if seen[r.ID] {
			return fmt.Errorf("%w: duplicate schedule id %q", ErrInvalid, r.ID)
		}
		seen[r.ID] = true
		if r.Dataset != "" {
			if _, ok := s.Datasets[r.Dataset]; !ok {
				return fmt.Errorf("%w: schedule %q: unknown dataset %q", ErrInvalid, r.ID, r.Dataset)
			}
		}
		if r.Target.Uploads() && !s.Cloud.Enabled {
			return fmt.Errorf("%w: schedule %q uploads but cloud is disabled", ErrInvalid, r.ID)
		}
	}
	if s.Cloud.Enabled {
		if err := s.Cloud.Config.Validate(); err != nil {
			return fmt.Errorf("%w: cloud: %v", ErrInvalid, err)
		}
	}
	if s.Encryption.Enabled {
		if !pipeline.ValidMethod(s.Encryption.Method) || !(pipeline.Encryption{Method: s.Encryption.Method}).Enabled() {
			return fmt.Errorf("%w: encryption method %q", ErrInvalid, s.Encryption.Method)
		}
		if strings.EqualFold(s.Encryption.Method, pipeline.MethodOpenSSL) && s.Encryption.Key == "" {
			return fmt.Errorf("%w: openssl encryption needs a key", ErrInvalid)
		}
	}
	return nil
}

// CloudConfig returns the cloud provider config, or nil when cloud is disabled.
func (s Settings) CloudConfig() *storage_vault.Config {
	if !s.Cloud.Enabled {
		return nil
	}
	c := s.Cloud.Config
	return &c
}

// RetentionConfig returns what the scheduler needs.
func (s Settings) RetentionConfig() retention.Config {
	rules := make([]retention.Rule, len(s.Schedules))
	for i, r := range s.Schedules {
		if r.KeepLast == 0 {
			r.KeepLast = s.Retention.KeepLast
		}
		rules[i] = r
	}
	cfg := retention.Config{Rules: rules, BackupDir: s.BackupDir, Cloud: s.CloudConfig()}
	if s.Encryption.Enabled {
		cfg.Encryption = pipeline.Encryption{Method: s.Encryption.Method, Key: s.Encryption.Key}
	}
	return cfg
}
