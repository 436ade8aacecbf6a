package settings

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v2"
)

const (
	settingsFile = "settings.yaml"
	stateFile    = "state.yaml"
)

// state is machine-written bookkeeping kept apart from user settings.
type state struct {
	LastRun   map[string]string   `yaml:"last_run"`
	Succeeded map[string][]string `yaml:"succeeded,omitempty"`
}

// Store persists Settings and the scheduler's last-run times as YAML under a
// state directory. Writes go through a temp file and a rename.
type Store struct {
	dir string

	mu        sync.RWMutex
	cur       Settings
	lastRun   map[string]time.Time
	succeeded map[string][]string
	onChange  []func(Settings)

	logger *zap.Logger
}

type Option func(s *Store) error

func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) error {
		s.logger = logger
		return nil
	}
}

// Open loads the settings in dir, creating dir when needed. Missing files
// yield the defaults.
func Open(dir string, opts ...Option) (*Store, error) {
	s := &Store{dir: dir, lastRun: make(map[string]time.Time), succeeded: make(map[string][]string)}
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
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}

	cur, err := s.load()
	if err != nil {
		return nil, err
	}
	s.cur = cur

	buf, err := os.ReadFile(filepath.Join(dir, stateFile))
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, err
	default:
		var st state
		if err := yaml.Unmarshal(buf, &st); err != nil {
			s.logger.Warn("Ignoring unreadable scheduler state", zap.Error(err))
			break
		}
		for id, v := range st.LastRun {
			if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
				s.lastRun[id] = t
			}
		}
		for id, names := range st.Succeeded {
			s.succeeded[id] = names
		}
	}
	return s, nil
}

// load reads settings.yaml, returning the defaults when it does not exist.
func (s *Store) load() (Settings, error) {
	buf, err := os.ReadFile(filepath.Join(s.dir, settingsFile))
	if errors.Is(err, os.ErrNotExist) {
		return Defaults(), nil
	}
	if err != nil {
		return Settings{}, err
	}
	var cur Settings
	if err := yaml.Unmarshal(buf, &cur); err != nil {
		return Settings{}, fmt.Errorf("parse %s: %w", settingsFile, err)
	}
	cur.fill()
	if err := cur.Validate(); err != nil {
		return Settings{}, fmt.Errorf("%s: %w", settingsFile, err)
	}
	return cur, nil
}

// Reload re-reads settings.yaml after an external edit and notifies the
// OnChange listeners. The current settings are kept when the file is invalid.
func (s *Store) Reload() (Settings, error) {
	s.mu.Lock()
	cur, err := s.load()
	if err != nil {
		s.mu.Unlock()
		return Settings{}, err
	}
	s.cur = cur
	listeners := append(([]func(Settings))(nil), s.onChange...)
	s.mu.Unlock()

	s.logger.Info("Settings reloaded", zap.Int("schedules", len(cur.Schedules)))
	for _, fn := range listeners {
		fn(cur.Copy())
	}
	return cur.Copy(), nil
}

// Get returns the current settings, secrets included.
func (s *Store) Get() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur.Copy()
}

// OnChange registers fn to run after every successful Update.
func (s *Store) OnChange(fn func(Settings)) {
	s.mu.Lock()
	s.onChange = append(s.onChange, fn)
	s.mu.Unlock()
}

// Update validates and stores next. Secrets sent back masked keep their
// stored value.
func (s *Store) Update(next Settings) (Settings, error) {
	s.mu.Lock()
	next = next.unmask(s.cur).Copy()
	next.fill()
	if err := next.Validate(); err != nil {
		s.mu.Unlock()
		return Settings{}, err
	}
	buf, err := yaml.Marshal(next)
	if err != nil {
		s.mu.Unlock()
		return Settings{}, err
	}
	if err := writeFile(filepath.Join(s.dir, settingsFile), buf); err != nil {
		s.mu.Unlock()
		return Settings{}, fmt.Errorf("write settings: %w", err)
	}
	s.cur = next
	listeners := append(([]func(Settings))(nil), s.onChange...)
	s.mu.Unlock()

	s.logger.Info("Settings updated", zap.Int("schedules", len(next.Schedules)), zap.Bool("cloud", next.Cloud.Enabled))
	for _, fn := range listeners {
		fn(next.Copy())
	}
	return next.Copy(), nil
}

// Dataset returns the folders of a named dataset.
func (s *Store) Dataset(name string) ([]string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	folders, ok := s.cur.Datasets[name]
	if !ok {
		return nil, false
	}
	return append([]string(nil), folders...), true
}

// LastRun returns when rule ruleID last fired.
func (s *Store) LastRun(ruleID string) time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastRun[ruleID]
}

// SetLastRun records and persists the last run of rule ruleID.
func (s *Store) SetLastRun(ruleID string, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastRun[ruleID] = t
	return s.saveState()
}

// Succeeded returns the artifact names recorded for successful jobs of rule
// ruleID.
func (s *Store) Succeeded(ruleID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.succeeded[ruleID]...)
}

// AddSucceeded records artifact names of rule ruleID.
func (s *Store) AddSucceeded(ruleID string, names ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.succeeded[ruleID]
	for _, name := range names {
		if !contains(cur, name) {
			cur = append(cur, name)
		}
	}
	s.succeeded[ruleID] = cur
	return s.saveState()
}

// RemoveSucceeded forgets artifact names of rule ruleID.
func (s *Store) RemoveSucceeded(ruleID string, names ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var kept []string
	for _, name := range s.succeeded[ruleID] {
		if !contains(names, name) {
			kept = append(kept, name)
		}
	}
	if len(kept) == 0 {
		delete(s.succeeded, ruleID)
	} else {
		s.succeeded[ruleID] = kept
	}
	return s.saveState()
}

// saveState writes state.yaml. The caller holds mu.
func (s *Store) saveState() error {
	st := state{LastRun: make(map[string]string, len(s.lastRun)), Succeeded: s.succeeded}
	for id, v := range s.lastRun {
		st.LastRun[id] = v.Format(time.RFC3339Nano)
	}
	buf, err := yaml.Marshal(st)
	if err != nil {
		return err
	}
	return writeFile(filepath.Join(s.dir, stateFile), buf)
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func writeFile(path string, data []byte) error {
	f, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+"-")
	if err != nil {
		return err
	}
	defer os.Remove(f.Name())
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(f.Name(), path)
}
