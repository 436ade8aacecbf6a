// Package history keeps finished jobs in a SQLite database once they leave
// the in-memory registry.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/bizflycloud/backupd/pkg/job"
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	operation TEXT NOT NULL,
	type TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	rule_id TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	finished_at INTEGER NOT NULL DEFAULT 0,
	data TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_created ON jobs(created_at);
CREATE INDEX IF NOT EXISTS idx_jobs_rule ON jobs(rule_id);
`

// Store is a job.History backed by SQLite.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

var _ job.History = (*Store)(nil)

type Option func(s *Store) error

func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) error {
		s.logger = logger
		return nil
	}
}

// Open opens or creates the database at path.
func Open(path string, opts ...Option) (*Store, error) {
	s := &Store{}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	if s.logger == nil {
		l, err := zap.NewDevelopment()
		if err != nil {
			return nil, err
		}
		s.logger = l
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	// A single writer avoids SQLITE_BUSY between the reaper and API reads.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA busy_timeout = 10000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	s.db = db
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Save inserts or replaces j.
func (s *Store) Save(ctx context.Context, j job.Job) error {
	data, err := json.Marshal(j)
	if err != nil {
		return err
	}
	var finished int64
	if j.FinishedAt != nil {
		finished = j.FinishedAt.UnixNano()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, operation, type, status, rule_id, created_at, finished_at, data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			finished_at = excluded.finished_at,
			data = excluded.data`,
		j.ID, string(j.Operation), string(j.Spec.Type), string(j.Status), j.Spec.RuleID,
		j.CreatedAt.UnixNano(), finished, string(data),
	)
	if err != nil {
		return fmt.Errorf("save job %s: %w", j.ID, err)
	}
	s.logger.Debug("Job archived", zap.String("job_id", j.ID), zap.String("status", string(j.Status)))
	return nil
}

// Get returns job.ErrNotFound for unknown ids.
func (s *Store) Get(ctx context.Context, id string) (job.Job, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM jobs WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return job.Job{}, job.ErrNotFound
	}
	if err != nil {
		return job.Job{}, fmt.Errorf("get job %s: %w", id, err)
	}
	var j job.Job
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return job.Job{}, fmt.Errorf("decode job %s: %w", id, err)
	}
	return j, nil
}

// Query filters List.
type Query struct {
	RuleID string
	Status job.Status
	Limit  int
}

// List returns archived jobs, newest first.
func (s *Store) List(ctx context.Context, q Query) ([]job.Job, error) {
	if q.Limit <= 0 {
		q.Limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT data FROM jobs
		WHERE (? = '' OR rule_id = ?) AND (? = '' OR status = ?)
		ORDER BY created_at DESC
		LIMIT ?`,
		q.RuleID, q.RuleID, string(q.Status), string(q.Status), q.Limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []job.Job
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var j job.Job
		if err := json.Unmarshal([]byte(data), &j); err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// Prune deletes jobs created before cutoff and returns how many went.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE created_at < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("prune jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}
