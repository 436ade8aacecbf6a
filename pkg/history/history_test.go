package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/bizflycloud/backupd/pkg/job"
	"github.com/bizflycloud/backupd/pkg/pipeline"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "history.db"), WithLogger(zap.NewNop()))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func finished(id string, created time.Time, status job.Status, ruleID string) job.Job {
	done := created.Add(time.Minute)
	return job.Job{
		ID:         id,
		Operation:  job.OpBackup,
		Spec:       job.Spec{ID: id, Type: pipeline.TypeData, RuleID: ruleID},
		Status:     status,
		Result:     job.Result{BackupFile: "/mnt/backups/backup_data_20260101-020000000.tar.gz"},
		CreatedAt:  created,
		FinishedAt: &done,
	}
}

func TestSaveGet(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	created := time.Date(2026, 3, 1, 2, 0, 0, 0, time.UTC)

	require.NoError(t, s.Save(ctx, finished("a", created, job.StatusSuccess, "r1")))
	got, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, job.StatusSuccess, got.Status)
	assert.Equal(t, "/mnt/backups/backup_data_20260101-020000000.tar.gz", got.Result.BackupFile)
	assert.True(t, got.CreatedAt.Equal(created))

	// Saving again replaces the record.
	require.NoError(t, s.Save(ctx, finished("a", created, job.StatusError, "r1")))
	got, err = s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, job.StatusError, got.Status)

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, job.ErrNotFound)
}

func TestListAndPrune(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 2, 0, 0, 0, time.UTC)
	require.NoError(t, s.Save(ctx, finished("old", base, job.StatusSuccess, "r1")))
	require.NoError(t, s.Save(ctx, finished("mid", base.Add(time.Hour), job.StatusError, "r2")))
	require.NoError(t, s.Save(ctx, finished("new", base.Add(2*time.Hour), job.StatusSuccess, "r1")))

	all, err := s.List(ctx, Query{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "new", all[0].ID)
	assert.Equal(t, "old", all[2].ID)

	byRule, err := s.List(ctx, Query{RuleID: "r1"})
	require.NoError(t, err)
	assert.Len(t, byRule, 2)

	failed, err := s.List(ctx, Query{Status: job.StatusError})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "mid", failed[0].ID)

	limited, err := s.List(ctx, Query{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	n, err := s.Prune(ctx, base.Add(90*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	_, err = s.Get(ctx, "old")
	assert.ErrorIs(t, err, job.ErrNotFound)
}
