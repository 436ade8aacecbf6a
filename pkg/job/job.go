package job

import (
	"errors"
	"fmt"
	"time"

	"github.com/bizflycloud/backupd/pkg/pipeline"
	"github.com/bizflycloud/backupd/pkg/storage_vault"
	"github.com/bizflycloud/backupd/pkg/target"
)

// Operation is what a job does.
type Operation string

const (
	OpBackup  Operation = "backup"
	OpRestore Operation = "restore"
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusQueued          Status = "queued"
	StatusRunning         Status = "running"
	StatusCancelRequested Status = "cancel_requested"
	StatusSuccess         Status = "success"
	StatusError           Status = "error"
	StatusCancelled       Status = "cancelled"
)

var transitions = map[Status][]Status{
	StatusQueued:          {StatusRunning, StatusCancelRequested},
	StatusRunning:         {StatusCancelRequested, StatusSuccess, StatusError, StatusCancelled},
	StatusCancelRequested: {StatusCancelled, StatusError, StatusSuccess},
}

// IsTerminal reports whether s can no longer change.
func (s Status) IsTerminal() bool {
	return s == StatusSuccess || s == StatusError || s == StatusCancelled
}

// CanTransition reports whether a job may move from s to next.
func (s Status) CanTransition(next Status) bool {
	for _, st := range transitions[s] {
		if st == next {
			return true
		}
	}
	return false
}

var (
	// ErrNotFound is returned for unknown job ids.
	ErrNotFound = errors.New("job not found")

	// ErrDuplicate is returned when a caller-supplied job id is already in use.
	ErrDuplicate = errors.New("job id already exists")

	// ErrClosed is returned by Submit after Close.
	ErrClosed = errors.New("job manager is closed")
)

// ValidationError reports a malformed job spec. No job is created.
type ValidationError struct {
	Field   string
	Message string
	Err     error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// Spec is what a caller submits.
type Spec struct {
	// ID is an optional idempotency id. A UUID is generated when empty.
	ID        string    `json:"job_id,omitempty" validate:"omitempty,jobid"`
	Operation Operation `json:"operation,omitempty" validate:"omitempty,oneof=backup restore"`

	Type        pipeline.BackupType `json:"type,omitempty" validate:"omitempty,oneof=full incremental data personal"`
	Destination target.Destination  `json:"destination" validate:"-"`
	Mode        pipeline.Mode       `json:"mode,omitempty" validate:"omitempty,oneof=local local_and_cloud cloud_only"`
	Encryption  pipeline.Encryption `json:"encryption,omitempty" validate:"-"`
	Sources     []string            `json:"sources,omitempty" validate:"omitempty,dive,required"`
	Excludes    []string            `json:"excludes,omitempty" validate:"omitempty,dive,required"`
	RuleID      string              `json:"rule_id,omitempty" validate:"omitempty,max=64"`
	Dataset     string              `json:"dataset,omitempty" validate:"omitempty,max=64"`

	// Restore only.
	BackupFile string `json:"backup_file,omitempty" validate:"required_if=Operation restore"`
	TargetDir  string `json:"target_dir,omitempty"`
}

// masked returns a copy of s that is safe to hand out.
func (s Spec) masked() Spec {
	if s.Encryption.Key != "" {
		s.Encryption.Key = storage_vault.Mask
	}
	if s.Destination.Cloud != nil {
		c := s.Destination.Cloud.Masked()
		s.Destination.Cloud = &c
	}
	return s
}

// Progress of a running job.
type Progress struct {
	BytesCurrent int64 `json:"bytes_current"`
	// UploadPct is nil when nothing is uploaded.
	UploadPct *float64 `json:"upload_progress_pct,omitempty"`
}

// Result of a job.
type Result struct {
	BackupFile   string `json:"backup_file,omitempty"`
	RemoteFile   string `json:"remote_file,omitempty"`
	LocalRemoved bool   `json:"local_removed,omitempty"`
	Files        int    `json:"files,omitempty"`
	Bytes        int64  `json:"bytes,omitempty"`
}

// Job is an immutable snapshot of a job record.
type Job struct {
	ID         string         `json:"job_id"`
	Operation  Operation      `json:"operation"`
	Spec       Spec           `json:"spec"`
	Status     Status         `json:"status"`
	Stage      pipeline.Stage `json:"stage,omitempty"`
	Progress   Progress       `json:"progress"`
	Result     Result         `json:"result"`
	Message    string         `json:"message,omitempty"`
	Warning    string         `json:"warning,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	StartedAt  *time.Time     `json:"started_at,omitempty"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
}
