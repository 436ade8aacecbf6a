package job

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/bizflycloud/backupd/pkg/pipeline"
)

type outcome struct {
	status  Status
	message string
	warning string
	stage   pipeline.Stage
	result  Result
}

// execute runs one job to a terminal status. The run guard keeps a second
// executor off the same entry.
func (m *Manager) execute(e *entry) {
	if !e.running.CompareAndSwap(false, true) {
		return
	}
	if err := m.acquire(e); err != nil {
		m.finish(e, outcome{status: StatusCancelled, message: "cancelled before start"})
		return
	}
	defer m.sem.Release(1)

	now := m.clock.Now()
	_, started := e.update(func(j *Job) bool {
		if !j.Status.CanTransition(StatusRunning) || e.token.Cancelled() {
			return false
		}
		j.Status = StatusRunning
		j.StartedAt = &now
		return true
	})
	if !started {
		m.finish(e, outcome{status: StatusCancelled, message: "cancelled before start"})
		return
	}
	j := *e.snap.Load()
	m.logger.Info("Job started", jobFields(j)...)
	m.notify(j)

	m.metrics.running.Inc()
	defer m.metrics.running.Dec()

	rep := &reporter{m: m, e: e}
	var out outcome
	switch e.spec.Operation {
	case OpRestore:
		out = m.runRestore(e, rep)
	default:
		out = m.runBackup(e, rep)
	}
	m.finish(e, out)
}

// acquire waits for a concurrency slot. A queued job gives up its place as
// soon as its token is cancelled.
func (m *Manager) acquire(e *entry) error {
	ctx, cancel := context.WithCancel(m.ctx)
	defer cancel()
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-e.token.Done():
			cancel()
		case <-stop:
		}
	}()
	if err := m.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	if e.token.Cancelled() {
		m.sem.Release(1)
		return pipeline.ErrCancelled
	}
	return nil
}

func (m *Manager) runBackup(e *entry, rep *reporter) outcome {
	spec := e.spec
	rep.Stage(pipeline.StageResolve)
	if err := e.token.Err(); err != nil {
		return failed(err, pipeline.StageResolve, Result{})
	}
	dest, err := m.resolver.Resolve(m.ctx, spec.Destination)
	if err != nil {
		return failed(&pipeline.StageError{Stage: pipeline.StageResolve, Err: err}, pipeline.StageResolve, Result{})
	}

	sources, excludes := m.sources(spec)
	res, err := m.executor.Run(m.ctx, pipeline.Request{
		JobID:      spec.ID,
		Type:       spec.Type,
		Mode:       spec.Mode,
		Sources:    sources,
		Excludes:   excludes,
		RuleID:     spec.RuleID,
		Encryption: spec.Encryption,
	}, dest, e.token, rep)
	result := Result{
		BackupFile:   res.BackupFile,
		RemoteFile:   res.RemoteFile,
		LocalRemoved: res.LocalRemoved,
		Files:        res.Files,
		Bytes:        res.Bytes,
	}
	if err != nil {
		return failed(err, e.snap.Load().Stage, result)
	}
	return outcome{status: StatusSuccess, warning: res.Warning, result: result}
}

func (m *Manager) runRestore(e *entry, rep *reporter) outcome {
	spec := e.spec
	res, err := m.executor.Restore(m.ctx, pipeline.RestoreRequest{
		JobID:      spec.ID,
		BackupFile: spec.BackupFile,
		TargetDir:  spec.TargetDir,
		Key:        spec.Encryption.Key,
	}, e.token, rep)
	result := Result{BackupFile: spec.BackupFile, Files: res.Files, Bytes: res.Bytes}
	if err != nil {
		return failed(err, pipeline.StageRestore, result)
	}
	return outcome{status: StatusSuccess, result: result}
}

func failed(err error, stage pipeline.Stage, result Result) outcome {
	if errors.Is(err, pipeline.ErrCancelled) {
		return outcome{status: StatusCancelled, message: "cancelled", stage: stage, result: result}
	}
	var se *pipeline.StageError
	if errors.As(err, &se) {
		stage = se.Stage
	}
	return outcome{status: StatusError, message: err.Error(), stage: stage, result: result}
}

// finish publishes the terminal snapshot and notifies listeners.
func (m *Manager) finish(e *entry, out outcome) {
	now := m.clock.Now()
	j, ok := e.update(func(j *Job) bool {
		if !j.Status.CanTransition(out.status) {
			// The token was set but the status CAS of Cancel has not landed yet.
			if j.Status != StatusQueued || out.status != StatusCancelled {
				return false
			}
		}
		j.Status = out.status
		j.Message = out.message
		j.Warning = out.warning
		if out.stage != "" {
			j.Stage = out.stage
		}
		if out.result.BackupFile != "" {
			j.Result = out.result
		}
		j.FinishedAt = &now
		return true
	})
	if !ok {
		m.logger.Error("Dropped invalid job transition", zap.String("job_id", j.ID), zap.String("from", string(j.Status)), zap.String("to", string(out.status)))
		return
	}
	m.metrics.finished.WithLabelValues(string(j.Status)).Inc()

	fields := jobFields(j)
	if j.StartedAt != nil {
		fields = append(fields, zap.Duration("elapsed", now.Sub(*j.StartedAt)))
	}
	switch j.Status {
	case StatusError:
		m.logger.Error("Job failed", append(fields, zap.String("message", j.Message))...)
	case StatusCancelled:
		m.logger.Info("Job cancelled", fields...)
	default:
		m.logger.Info("Job finished", append(fields, zap.String("backup_file", j.Result.BackupFile))...)
	}
	m.notify(j)
}

// reaper moves terminal jobs to history.
func (m *Manager) reaper() {
	defer close(m.reapDone)
	for {
		select {
		case <-m.stopReap:
			return
		case <-m.clock.After(m.reapEvery):
			m.reap()
		}
	}
}

func (m *Manager) reap() {
	now := m.clock.Now()
	var evict []*entry
	m.mu.RLock()
	for _, e := range m.jobs {
		j := e.snap.Load()
		if !j.Status.IsTerminal() || j.FinishedAt == nil {
			continue
		}
		age := now.Sub(*j.FinishedAt)
		if (e.observed.Load() && age >= m.ttl) || age >= unobservedTTLFactor*m.ttl {
			evict = append(evict, e)
		}
	}
	m.mu.RUnlock()

	for _, e := range evict {
		j := *e.snap.Load()
		if m.history != nil {
			ctx, cancel := context.WithTimeout(m.ctx, 10*time.Second)
			err := m.history.Save(ctx, j)
			cancel()
			if err != nil {
				m.logger.Error("Saving job to history failed, keeping it in memory", zap.String("job_id", j.ID), zap.Error(err))
				continue
			}
		}
		m.mu.Lock()
		delete(m.jobs, j.ID)
		m.mu.Unlock()
		m.logger.Debug("Job evicted", zap.String("job_id", j.ID), zap.Bool("observed", e.observed.Load()))
	}
}
