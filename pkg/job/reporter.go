package job

import (
	"github.com/bizflycloud/backupd/pkg/pipeline"
)

// reporter feeds pipeline progress into the job snapshot.
type reporter struct {
	m         *Manager
	e         *entry
	lastBytes int64
}

var _ pipeline.Reporter = (*reporter)(nil)

func (r *reporter) Stage(s pipeline.Stage) {
	j, ok := r.e.update(func(j *Job) bool {
		j.Stage = s
		if s == pipeline.StageUpload && j.Progress.UploadPct == nil {
			zero := 0.0
			j.Progress.UploadPct = &zero
		}
		return true
	})
	if ok {
		r.m.logger.Debug("Job stage", jobFields(j)...)
	}
}

func (r *reporter) Artifact(path string) {
	r.e.update(func(j *Job) bool {
		j.Result.BackupFile = path
		return true
	})
}

func (r *reporter) Bytes(n int64) {
	j, ok := r.e.update(func(j *Job) bool {
		j.Progress.BytesCurrent = n
		return true
	})
	if ok && j.Stage == pipeline.StageArchive && n > r.lastBytes {
		r.m.metrics.archiveBytes.Add(float64(n - r.lastBytes))
		r.lastBytes = n
	}
}

func (r *reporter) UploadPercent(pct float64) {
	r.e.update(func(j *Job) bool {
		if j.Progress.UploadPct != nil && *j.Progress.UploadPct >= pct {
			return false
		}
		p := pct
		j.Progress.UploadPct = &p
		return true
	})
}
