package job

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"regexp"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/bizflycloud/backupd/pkg/credential"
	"github.com/bizflycloud/backupd/pkg/pipeline"
	"github.com/bizflycloud/backupd/pkg/target"
)

const (
	DefaultMaxConcurrent = 2
	DefaultTTL           = 10 * time.Minute

	// Terminal jobs nobody polled are kept this many TTLs.
	unobservedTTLFactor = 4
)

var jobIDRe = regexp.MustCompile(`^[A-Za-z0-9._-]{1,64}$`)

// Resolver checks and prepares destinations.
type Resolver interface {
	Validate(dest target.Destination) error
	Resolve(ctx context.Context, dest target.Destination) (target.Resolved, error)
}

// Executor runs backup and restore pipelines.
type Executor interface {
	Run(ctx context.Context, req pipeline.Request, dest target.Resolved, token *pipeline.Token, rep pipeline.Reporter) (pipeline.Result, error)
	Restore(ctx context.Context, req pipeline.RestoreRequest, token *pipeline.Token, rep pipeline.Reporter) (pipeline.RestoreResult, error)
}

// Credential reports whether an elevation credential is held.
type Credential interface {
	HasCredential() bool
}

// History keeps terminal jobs evicted from memory.
type History interface {
	Save(ctx context.Context, j Job) error
	// Get returns ErrNotFound for unknown ids.
	Get(ctx context.Context, id string) (Job, error)
}

// Listener is called after every status change.
// It runs on the goroutine that made the change and must return quickly.
type Listener func(j Job)

type entry struct {
	snap     atomic.Pointer[Job]
	spec     Spec
	token    *pipeline.Token
	running  atomic.Bool
	observed atomic.Bool
}

// update applies fn to a copy of the current snapshot and publishes it.
// Terminal snapshots are never replaced.
func (e *entry) update(fn func(j *Job) bool) (Job, bool) {
	for {
		old := e.snap.Load()
		if old.Status.IsTerminal() {
			return *old, false
		}
		j := *old
		if !fn(&j) {
			return *old, false
		}
		if e.snap.CompareAndSwap(old, &j) {
			return j, true
		}
	}
}

// Manager owns the job registry.
type Manager struct {
	resolver   Resolver
	executor   Executor
	cred       Credential
	history    History
	datasets   DatasetLookup
	busy       []func(path string) bool
	validate   *validator.Validate
	sem        *semaphore.Weighted
	ttl        time.Duration
	reapEvery  time.Duration
	clock      clock.Clock
	registerer prometheus.Registerer
	metrics    *metrics

	mu        sync.RWMutex
	jobs      map[string]*entry
	listeners []Listener
	closed    bool

	ctx      context.Context
	cancel   context.CancelFunc
	group    errgroup.Group
	stopReap chan struct{}
	reapDone chan struct{}

	maxConcurrent int64
	logger        *zap.Logger
}

// Option configures a Manager.
type Option func(m *Manager) error

// WithCredential sets the gate full, incremental and restore jobs need.
func WithCredential(c Credential) Option {
	return func(m *Manager) error {
		m.cred = c
		return nil
	}
}

// WithHistory sets where evicted jobs go.
func WithHistory(h History) Option {
	return func(m *Manager) error {
		m.history = h
		return nil
	}
}

// WithDatasets sets the lookup for named datasets.
func WithDatasets(d DatasetLookup) Option {
	return func(m *Manager) error {
		m.datasets = d
		return nil
	}
}

// WithBusyCheck adds a check consulted by Busy, e.g. running verifications.
func WithBusyCheck(fn func(path string) bool) Option {
	return func(m *Manager) error {
		m.busy = append(m.busy, fn)
		return nil
	}
}

// WithMaxConcurrent sets how many jobs run at once.
func WithMaxConcurrent(n int) Option {
	return func(m *Manager) error {
		if n < 1 {
			return fmt.Errorf("max concurrent jobs must be positive, got %d", n)
		}
		m.maxConcurrent = int64(n)
		return nil
	}
}

// WithTTL sets how long observed terminal jobs stay in memory.
func WithTTL(d time.Duration) Option {
	return func(m *Manager) error {
		if d <= 0 {
			return fmt.Errorf("job ttl must be positive, got %s", d)
		}
		m.ttl = d
		return nil
	}
}

// WithClock sets the clock used for timestamps and the reaper.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) error {
		m.clock = c
		return nil
	}
}

// WithRegisterer sets the registry for the job metrics.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(m *Manager) error {
		m.registerer = reg
		return nil
	}
}

// WithLogger sets the logger for Manager.
func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) error {
		m.logger = logger
		return nil
	}
}

// New creates a Manager and starts its reaper.
func New(resolver Resolver, executor Executor, opts ...Option) (*Manager, error) {
	m := &Manager{
		resolver:      resolver,
		executor:      executor,
		jobs:          make(map[string]*entry),
		maxConcurrent: DefaultMaxConcurrent,
		ttl:           DefaultTTL,
		clock:         clock.WallClock,
		registerer:    prometheus.DefaultRegisterer,
		stopReap:      make(chan struct{}),
		reapDone:      make(chan struct{}),
	}
	for _, opt := range opts {
		if err := opt(m); err != nil {
			return nil, err
		}
	}
	if m.logger == nil {
		l, err := zap.NewDevelopment()
		if err != nil {
			return nil, err
		}
		m.logger = l
	}
	met, err := newMetrics(m.registerer)
	if err != nil {
		return nil, err
	}
	m.metrics = met

	m.validate = validator.New()
	m.validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	if err := m.validate.RegisterValidation("jobid", func(fl validator.FieldLevel) bool {
		return jobIDRe.MatchString(fl.Field().String())
	}); err != nil {
		return nil, err
	}

	m.sem = semaphore.NewWeighted(m.maxConcurrent)
	m.reapEvery = m.ttl / 4
	m.ctx, m.cancel = context.WithCancel(context.Background())
	go m.reaper()
	return m, nil
}

// AddListener registers fn for status changes.
func (m *Manager) AddListener(fn Listener) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

// Submit validates spec and queues a job. It returns at once.
func (m *Manager) Submit(ctx context.Context, spec Spec) (string, error) {
	if spec.Operation == "" {
		spec.Operation = OpBackup
	}
	if spec.Operation == OpBackup && spec.Mode == "" {
		spec.Mode = pipeline.ModeLocal
	}
	if err := m.check(spec); err != nil {
		return "", err
	}
	if needsCredential(spec) && (m.cred == nil || !m.cred.HasCredential()) {
		return "", credential.ErrRequired
	}

	id := spec.ID
	if id == "" {
		id = uuid.New().String()
	} else if m.history != nil {
		if _, err := m.history.Get(ctx, id); err == nil {
			return "", fmt.Errorf("%s: %w", id, ErrDuplicate)
		}
	}
	spec.ID = id

	e := &entry{spec: spec, token: pipeline.NewToken()}
	j := &Job{
		ID:        id,
		Operation: spec.Operation,
		Spec:      spec.masked(),
		Status:    StatusQueued,
		CreatedAt: m.clock.Now(),
	}
	e.snap.Store(j)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", ErrClosed
	}
	if _, ok := m.jobs[id]; ok {
		m.mu.Unlock()
		return "", fmt.Errorf("%s: %w", id, ErrDuplicate)
	}
	m.jobs[id] = e
	m.group.Go(func() error {
		m.execute(e)
		return nil
	})
	m.mu.Unlock()

	m.metrics.submitted.WithLabelValues(string(spec.Operation), string(spec.Type)).Inc()
	m.logger.Info("Job submitted", jobFields(*j)...)
	return id, nil
}

func needsCredential(spec Spec) bool {
	if spec.Operation == OpRestore {
		return true
	}
	return spec.Type == pipeline.TypeFull || spec.Type == pipeline.TypeIncremental
}

// check runs the struct tags, then the cross-field rules, then the destination checks.
func (m *Manager) check(spec Spec) error {
	if err := m.validate.Struct(spec); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return &ValidationError{Field: fe.Field(), Message: fmt.Sprintf("failed the %q check", fe.Tag()), Err: err}
		}
		return &ValidationError{Field: "spec", Message: err.Error(), Err: err}
	}

	if spec.Operation == OpRestore {
		if spec.TargetDir != "" && !filepath.IsAbs(spec.TargetDir) {
			return &ValidationError{Field: "target_dir", Message: "must be an absolute path"}
		}
		if !filepath.IsAbs(spec.BackupFile) {
			return &ValidationError{Field: "backup_file", Message: "must be an absolute path"}
		}
		if _, err := pipeline.ParseArtifactName(filepath.Base(spec.BackupFile)); err != nil {
			return &ValidationError{Field: "backup_file", Message: err.Error(), Err: err}
		}
		return nil
	}

	if spec.Type == "" {
		return &ValidationError{Field: "type", Message: "is required"}
	}
	if spec.RuleID != "" && !pipeline.ValidRuleID(spec.RuleID) {
		return &ValidationError{Field: "rule_id", Message: "must match [A-Za-z0-9-]+"}
	}
	if !pipeline.ValidMethod(spec.Encryption.Method) {
		return &ValidationError{Field: "encryption.method", Message: fmt.Sprintf("unknown method %q", spec.Encryption.Method), Err: pipeline.ErrUnknownMethod}
	}
	for _, src := range spec.Sources {
		if !filepath.IsAbs(src) {
			return &ValidationError{Field: "sources", Message: fmt.Sprintf("%q is not absolute", src)}
		}
	}
	if spec.Dataset != "" {
		if _, ok := m.dataset(spec.Dataset); !ok {
			return &ValidationError{Field: "dataset", Message: fmt.Sprintf("unknown dataset %q", spec.Dataset)}
		}
	}
	if spec.Mode.Uploads() && spec.Destination.Kind != target.KindCloud {
		return &ValidationError{Field: "mode", Message: fmt.Sprintf("%s needs a cloud destination", spec.Mode)}
	}
	if err := m.resolver.Validate(spec.Destination); err != nil {
		return &ValidationError{Field: "destination", Message: err.Error(), Err: err}
	}
	return nil
}

// Poll returns the current snapshot of a job. Evicted jobs come from history.
func (m *Manager) Poll(ctx context.Context, id string) (Job, error) {
	m.mu.RLock()
	e, ok := m.jobs[id]
	m.mu.RUnlock()
	if ok {
		j := *e.snap.Load()
		if j.Status.IsTerminal() {
			e.observed.Store(true)
		}
		return j, nil
	}
	if m.history != nil {
		j, err := m.history.Get(ctx, id)
		if err == nil {
			return j, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return Job{}, err
		}
	}
	return Job{}, fmt.Errorf("%s: %w", id, ErrNotFound)
}

// Cancel requests cancellation. It never blocks on the running pipeline and
// is a no-op on terminal jobs.
func (m *Manager) Cancel(id string) (Job, error) {
	m.mu.RLock()
	e, ok := m.jobs[id]
	m.mu.RUnlock()
	if !ok {
		return Job{}, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return m.cancelEntry(e), nil
}

func (m *Manager) cancelEntry(e *entry) Job {
	if e.snap.Load().Status.IsTerminal() {
		return *e.snap.Load()
	}
	e.token.Cancel()
	j, changed := e.update(func(j *Job) bool {
		if !j.Status.CanTransition(StatusCancelRequested) {
			return false
		}
		j.Status = StatusCancelRequested
		return true
	})
	if changed {
		m.logger.Info("Job cancel requested", jobFields(j)...)
		m.notify(j)
	}
	return j
}

// List returns every job held in memory, newest first.
func (m *Manager) List() []Job {
	m.mu.RLock()
	out := make([]Job, 0, len(m.jobs))
	for _, e := range m.jobs {
		out = append(out, *e.snap.Load())
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, k int) bool {
		return out[i].CreatedAt.After(out[k].CreatedAt)
	})
	return out
}

// Busy reports whether an unfinished job or a registered check uses path.
func (m *Manager) Busy(path string) bool {
	if filepath.IsAbs(path) {
		path = filepath.Clean(path)
	}
	m.mu.RLock()
	for _, e := range m.jobs {
		j := e.snap.Load()
		if j.Status.IsTerminal() {
			continue
		}
		for _, p := range []string{j.Result.BackupFile, j.Result.RemoteFile, e.spec.BackupFile} {
			if p != "" && (path == p || strings.HasPrefix(path, p+".")) {
				m.mu.RUnlock()
				return true
			}
		}
	}
	m.mu.RUnlock()
	for _, fn := range m.busy {
		if fn(path) {
			return true
		}
	}
	return false
}

// Close cancels every unfinished job and waits for the executors until ctx is done.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	entries := make([]*entry, 0, len(m.jobs))
	for _, e := range m.jobs {
		entries = append(entries, e)
	}
	m.mu.Unlock()

	for _, e := range entries {
		m.cancelEntry(e)
	}
	close(m.stopReap)

	done := make(chan struct{})
	go func() {
		_ = m.group.Wait()
		close(done)
	}()
	defer m.cancel()
	select {
	case <-done:
		<-m.reapDone
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) notify(j Job) {
	m.mu.RLock()
	listeners := append([]Listener(nil), m.listeners...)
	m.mu.RUnlock()
	for _, fn := range listeners {
		fn(j)
	}
}

func jobFields(j Job) []zap.Field {
	return []zap.Field{
		zap.String("job_id", j.ID),
		zap.String("operation", string(j.Operation)),
		zap.String("status", string(j.Status)),
		zap.String("stage", string(j.Stage)),
	}
}
