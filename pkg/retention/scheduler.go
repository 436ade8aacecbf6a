package retention

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/im7mortal/kmutex"
	"github.com/juju/clock"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/bizflycloud/backupd/pkg/job"
	"github.com/bizflycloud/backupd/pkg/pipeline"
	"github.com/bizflycloud/backupd/pkg/storage_vault"
	"github.com/bizflycloud/backupd/pkg/target"
)

const DefaultTick = 30 * time.Second

// ErrRuleNotFound is returned for unknown rule ids.
var ErrRuleNotFound = errors.New("retention rule not found")

// Config is the part of the settings the scheduler acts on.
type Config struct {
	Rules      []Rule
	BackupDir  string
	Cloud      *storage_vault.Config
	Encryption pipeline.Encryption
}

func (c *Config) rule(id string) (Rule, bool) {
	for _, r := range c.Rules {
		if r.ID == id {
			return r, true
		}
	}
	return Rule{}, false
}

// Submitter queues jobs.
type Submitter interface {
	Submit(ctx context.Context, spec job.Spec) (string, error)
}

// State remembers when each rule last fired and which artifacts its
// successful jobs produced.
type State interface {
	LastRun(ruleID string) time.Time
	SetLastRun(ruleID string, t time.Time) error
	Succeeded(ruleID string) []string
	AddSucceeded(ruleID string, names ...string) error
	RemoveSucceeded(ruleID string, names ...string) error
}

// VaultFactory builds the vault of a cloud config.
type VaultFactory func(ctx context.Context, cfg storage_vault.Config) (storage_vault.StorageVault, error)

// Scheduler fires due rules and prunes what they produced.
type Scheduler struct {
	submitter Submitter
	state     State
	vault     VaultFactory
	busy      func(path string) bool
	clock     clock.Clock
	tick      time.Duration
	cfg       atomic.Pointer[Config]
	pruning   *kmutex.Kmutex

	ctx     context.Context
	cancel  context.CancelFunc
	running sync.WaitGroup
	stop    chan struct{}
	done    chan struct{}
	started atomic.Bool

	logger *zap.Logger
}

// Option configures a Scheduler.
type Option func(s *Scheduler) error

func WithClock(c clock.Clock) Option {
	return func(s *Scheduler) error {
		s.clock = c
		return nil
	}
}

// WithTick sets how often rules are evaluated.
func WithTick(d time.Duration) Option {
	return func(s *Scheduler) error {
		if d <= 0 {
			return fmt.Errorf("scheduler tick must be positive, got %s", d)
		}
		s.tick = d
		return nil
	}
}

// WithVaultFactory enables pruning of cloud artifacts.
func WithVaultFactory(f VaultFactory) Option {
	return func(s *Scheduler) error {
		s.vault = f
		return nil
	}
}

// WithBusyCheck sets the check that protects in-use artifacts from pruning.
func WithBusyCheck(fn func(path string) bool) Option {
	return func(s *Scheduler) error {
		s.busy = fn
		return nil
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(s *Scheduler) error {
		s.logger = logger
		return nil
	}
}

// New creates a Scheduler. Call Start to run the timer loop.
func New(submitter Submitter, state State, cfg Config, opts ...Option) (*Scheduler, error) {
	s := &Scheduler{
		submitter: submitter,
		state:     state,
		clock:     clock.WallClock,
		tick:      DefaultTick,
		pruning:   kmutex.New(),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		busy:      func(string) bool { return false },
	}
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
	if err := s.Reload(cfg); err != nil {
		return nil, err
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s, nil
}

// Reload swaps the rule set. Invalid rules reject the whole set.
func (s *Scheduler) Reload(cfg Config) error {
	seen := make(map[string]bool, len(cfg.Rules))
	for _, r := range cfg.Rules {
		if err := r.Validate(); err != nil {
			return err
		}
		if seen[r.ID] {
			return fmt.Errorf("%w %q: duplicate id", ErrInvalidRule, r.ID)
		}
		seen[r.ID] = true
	}
	rules := append([]Rule(nil), cfg.Rules...)
	cfg.Rules = rules
	s.cfg.Store(&cfg)
	s.logger.Debug("Retention rules loaded", zap.Int("rules", len(rules)))
	return nil
}

// Rules returns the current rules.
func (s *Scheduler) Rules() []Rule {
	return append([]Rule(nil), s.cfg.Load().Rules...)
}

// Start runs the timer loop until Stop.
func (s *Scheduler) Start() {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	go s.loop()
}

func (s *Scheduler) loop() {
	defer close(s.done)
	for {
		select {
		case <-s.stop:
			return
		case <-s.clock.After(s.tick):
			s.Tick(s.ctx)
		}
	}
}

// Stop ends the loop and waits for running prunes.
func (s *Scheduler) Stop() {
	close(s.stop)
	if s.started.Load() {
		<-s.done
	}
	s.cancel()
	s.running.Wait()
}

// Tick submits every due rule and returns the ids of the jobs it queued.
// The last run is recorded before submitting, so a failing rule does not
// fire again in the same window.
func (s *Scheduler) Tick(ctx context.Context) []string {
	cfg := s.cfg.Load()
	now := s.clock.Now()

	var due []Rule
	for _, r := range cfg.Rules {
		if Due(r, now, s.state.LastRun(r.ID)) {
			due = append(due, r)
		}
	}
	if len(due) == 0 {
		return nil
	}

	var (
		mu  sync.Mutex
		ids []string
		g   errgroup.Group
	)
	for _, r := range due {
		r := r
		if err := s.state.SetLastRun(r.ID, now); err != nil {
			s.logger.Error("Recording last run failed, skipping rule", zap.String("rule_id", r.ID), zap.Error(err))
			continue
		}
		g.Go(func() error {
			id, err := s.submitter.Submit(ctx, s.spec(r, cfg))
			if err != nil {
				s.logger.Error("Scheduled backup rejected", zap.String("rule_id", r.ID), zap.Error(err))
				return nil
			}
			s.logger.Info("Scheduled backup submitted", zap.String("rule_id", r.ID), zap.String("job_id", id))
			mu.Lock()
			ids = append(ids, id)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return ids
}

// RunNow submits rule ruleID regardless of its schedule.
func (s *Scheduler) RunNow(ctx context.Context, ruleID string) (string, error) {
	cfg := s.cfg.Load()
	r, ok := cfg.rule(ruleID)
	if !ok {
		return "", fmt.Errorf("%s: %w", ruleID, ErrRuleNotFound)
	}
	id, err := s.submitter.Submit(ctx, s.spec(r, cfg))
	if err != nil {
		return "", err
	}
	s.logger.Info("Rule run on demand", zap.String("rule_id", r.ID), zap.String("job_id", id))
	return id, nil
}

// spec builds the job a rule fires.
func (s *Scheduler) spec(r Rule, cfg *Config) job.Spec {
	dir := r.BackupDir
	if dir == "" {
		dir = cfg.BackupDir
	}
	spec := job.Spec{
		Type:        r.Type,
		Mode:        r.Target,
		RuleID:      r.ID,
		Dataset:     r.Dataset,
		Encryption:  cfg.Encryption,
		Destination: target.Destination{Kind: target.KindLocal, Path: dir},
	}
	if r.Type == pipeline.TypePersonal && spec.Dataset == "" {
		spec.Dataset = job.PersonalDataset
	}
	if r.Target.Uploads() {
		spec.Destination.Kind = target.KindCloud
		spec.Destination.Cloud = cfg.Cloud
	}
	return spec
}

// OnJob records the artifact of a successful rule backup, then prunes. It
// is a job.Listener.
func (s *Scheduler) OnJob(j job.Job) {
	if j.Status != job.StatusSuccess || j.Operation != job.OpBackup || j.Spec.RuleID == "" {
		return
	}
	if name := artifactName(j.Result); name != "" {
		if err := s.state.AddSucceeded(j.Spec.RuleID, name); err != nil {
			s.logger.Error("Recording artifact failed", zap.String("rule_id", j.Spec.RuleID), zap.String("artifact", name), zap.Error(err))
		}
	}
	select {
	case <-s.ctx.Done():
		return
	default:
	}
	s.running.Add(1)
	go func() {
		defer s.running.Done()
		if _, err := s.Prune(s.ctx, j.Spec.RuleID); err != nil {
			s.logger.Error("Pruning failed", zap.String("rule_id", j.Spec.RuleID), zap.Error(err))
		}
	}()
}
