// Package pipeline runs the archive, encrypt, upload, verify and cleanup
// stages of a backup, and restores artifacts.
package pipeline

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/juju/clock"
	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"github.com/bizflycloud/backupd/pkg/cache"
	"github.com/bizflycloud/backupd/pkg/progress"
	"github.com/bizflycloud/backupd/pkg/target"
	"github.com/bizflycloud/backupd/pkg/verify"
)

const (
	DefaultCheckpointBytes    = 8 << 20
	DefaultCheckpointInterval = 2 * time.Second
	defaultProgressInterval   = time.Second
	cleanupTimeout            = 30 * time.Second
)

// Mode says where a backup ends up.
type Mode string

const (
	ModeLocal         Mode = "local"
	ModeLocalAndCloud Mode = "local_and_cloud"
	ModeCloudOnly     Mode = "cloud_only"
)

// Uploads reports whether m sends the artifact to a cloud provider.
func (m Mode) Uploads() bool {
	return m == ModeLocalAndCloud || m == ModeCloudOnly
}

// Stage names a pipeline step.
type Stage string

const (
	StageResolve Stage = "resolve"
	StageArchive Stage = "archive"
	StageEncrypt Stage = "encrypt"
	StageUpload  Stage = "upload"
	StageVerify  Stage = "verify"
	StageCleanup Stage = "cleanup"
	StageRestore Stage = "restore"
)

// StageError is a failure tagged with the stage it happened in. Its message
// tells the user what was kept.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	switch e.Stage {
	case StageArchive:
		return "archive failed: " + e.Err.Error()
	case StageEncrypt:
		return "encryption failed, unencrypted archive retained: " + e.Err.Error()
	case StageUpload:
		return "upload failed, local copy retained: " + e.Err.Error()
	case StageVerify:
		return "verify failed, nothing deleted: " + e.Err.Error()
	case StageCleanup:
		return "cleanup failed, remote copy verified: " + e.Err.Error()
	}
	return fmt.Sprintf("%s failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Reporter receives progress from a running pipeline.
type Reporter interface {
	Stage(s Stage)
	// Artifact records the current local artifact path, also for partial files.
	Artifact(path string)
	Bytes(n int64)
	// UploadPercent is 0 to 100.
	UploadPercent(pct float64)
}

// NopReporter discards progress.
type NopReporter struct{}

func (NopReporter) Stage(Stage)           {}
func (NopReporter) Artifact(string)       {}
func (NopReporter) Bytes(int64)           {}
func (NopReporter) UploadPercent(float64) {}

// Request is one backup run.
type Request struct {
	JobID      string
	Type       BackupType
	Mode       Mode
	Sources    []string
	Excludes   []string
	RuleID     string
	Encryption Encryption
}

// Result describes the artifact a run produced.
type Result struct {
	BackupFile   string `json:"backup_file,omitempty"`
	RemoteFile   string `json:"remote_file,omitempty"`
	LocalRemoved bool   `json:"local_removed,omitempty"`
	Bytes        int64  `json:"bytes"`
	Files        int    `json:"files"`
	Warning      string `json:"warning,omitempty"`
}

// Executor runs pipelines.
type Executor struct {
	stateDir           string
	checkpointBytes    int64
	checkpointInterval time.Duration
	progressInterval   time.Duration
	scryptWorkFactor   int
	clock              clock.Clock
	verifier           *verify.Service
	logger             *zap.Logger
}

// Option configures an Executor.
type Option func(e *Executor) error

// WithStateDir sets where incremental indexes and the machine key live.
func WithStateDir(dir string) Option {
	return func(e *Executor) error {
		e.stateDir = dir
		return nil
	}
}

// WithCheckpoint sets how often streaming stages consult the cancellation token.
func WithCheckpoint(bytes int64, interval time.Duration) Option {
	return func(e *Executor) error {
		if bytes <= 0 || interval <= 0 {
			return errors.New("checkpoint bytes and interval must be positive")
		}
		e.checkpointBytes = bytes
		e.checkpointInterval = interval
		return nil
	}
}

// WithProgressInterval sets the progress ticker interval.
func WithProgressInterval(d time.Duration) Option {
	return func(e *Executor) error {
		e.progressInterval = d
		return nil
	}
}

// WithScryptWorkFactor sets the age scrypt work factor for passphrase encryption.
func WithScryptWorkFactor(n int) Option {
	return func(e *Executor) error {
		e.scryptWorkFactor = n
		return nil
	}
}

// WithClock sets the clock used for artifact names and checkpoints.
func WithClock(c clock.Clock) Option {
	return func(e *Executor) error {
		e.clock = c
		return nil
	}
}

// WithVerifier sets the verification service used after uploads.
func WithVerifier(v *verify.Service) Option {
	return func(e *Executor) error {
		e.verifier = v
		return nil
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Executor) error {
		e.logger = logger
		return nil
	}
}

// New creates an Executor.
func New(opts ...Option) (*Executor, error) {
	e := &Executor{
		checkpointBytes:    DefaultCheckpointBytes,
		checkpointInterval: DefaultCheckpointInterval,
		progressInterval:   defaultProgressInterval,
		clock:              clock.WallClock,
	}
	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, err
		}
	}
	if e.logger == nil {
		l, err := zap.NewDevelopment()
		if err != nil {
			return nil, err
		}
		e.logger = l
	}
	if e.verifier == nil {
		v, err := verify.New(verify.WithLogger(e.logger))
		if err != nil {
			return nil, err
		}
		e.verifier = v
	}
	return e, nil
}

// Verifier returns the verification service.
func (e *Executor) Verifier() *verify.Service {
	return e.verifier
}

// Run executes the backup stages for req against the resolved destination.
// A cancelled token yields ErrCancelled; other failures are *StageError.
// The partial result is returned in both cases.
func (e *Executor) Run(ctx context.Context, req Request, dest target.Resolved, token *Token, rep Reporter) (Result, error) {
	if rep == nil {
		rep = NopReporter{}
	}
	logger := e.logger.With(zap.String("job_id", req.JobID))

	enc, err := NewEncryptor(req.Encryption, e.stateDir, e.scryptWorkFactor)
	if err != nil {
		return Result{}, &StageError{Stage: StageEncrypt, Err: err}
	}
	if req.Mode.Uploads() && dest.Vault == nil {
		return Result{}, &StageError{Stage: StageUpload, Err: errors.New("destination has no cloud provider")}
	}
	if err := token.Err(); err != nil {
		return Result{}, err
	}

	rep.Stage(StageArchive)
	path, stats, err := e.archive(req, dest.Dir, token, rep)
	res := Result{BackupFile: path, Bytes: stats.bytes, Files: stats.files, Warning: stats.warning()}
	if err != nil {
		if errors.Is(err, ErrCancelled) {
			return res, ErrCancelled
		}
		return res, &StageError{Stage: StageArchive, Err: err}
	}
	logger.Info("Archive written", zap.String("path", path), zap.Int("files", stats.files), zap.Int("skipped", stats.skipped))

	if enc != nil {
		if err := token.Err(); err != nil {
			return res, err
		}
		rep.Stage(StageEncrypt)
		encPath, err := e.encrypt(path, enc, token)
		if err != nil {
			if errors.Is(err, ErrCancelled) {
				return res, ErrCancelled
			}
			return res, &StageError{Stage: StageEncrypt, Err: err}
		}
		res.BackupFile = encPath
		rep.Artifact(encPath)
	}

	if !req.Mode.Uploads() {
		return res, nil
	}

	if err := token.Err(); err != nil {
		return res, err
	}
	rep.Stage(StageUpload)
	rep.UploadPercent(0)
	key := dest.Cloud.Key(filepath.Base(res.BackupFile))
	size, err := e.upload(ctx, dest, key, res.BackupFile, token, rep)
	if err != nil {
		if errors.Is(err, ErrCancelled) || token.Cancelled() {
			e.removeRemote(dest, key, logger)
			return res, ErrCancelled
		}
		return res, &StageError{Stage: StageUpload, Err: err}
	}
	res.RemoteFile = dest.Vault.Ref(key)
	logger.Info("Artifact uploaded", zap.String("remote", res.RemoteFile))

	if err := token.Err(); err != nil {
		return res, err
	}
	rep.Stage(StageVerify)
	vres, err := e.verifier.Verify(ctx, verify.Artifact{Path: res.BackupFile, Key: key, Vault: dest.Vault, ExpectedSize: size}, verify.ModeRemote)
	if err != nil {
		return res, &StageError{Stage: StageVerify, Err: err}
	}
	if !vres.OK {
		return res, &StageError{Stage: StageVerify, Err: errors.New(vres.Detail)}
	}

	if req.Mode != ModeCloudOnly {
		return res, nil
	}
	if err := token.Err(); err != nil {
		return res, err
	}
	rep.Stage(StageCleanup)
	if err := os.Remove(res.BackupFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return res, &StageError{Stage: StageCleanup, Err: err}
	}
	res.LocalRemoved = true
	logger.Info("Local artifact removed after verified upload", zap.String("path", res.BackupFile))
	return res, nil
}

func (e *Executor) newProgress(onUpdate func(progress.Stat)) *progress.Progress {
	p := progress.NewProgress(e.progressInterval)
	p.OnUpdate = func(s progress.Stat, _ time.Duration, _ bool) { onUpdate(s) }
	p.OnDone = p.OnUpdate
	return p
}

func (e *Executor) archive(req Request, dir string, token *Token, rep Reporter) (string, archiveStats, error) {
	sources := ExpandSources(req.Sources)
	if len(sources) == 0 {
		return "", archiveStats{}, errors.New("no existing source paths")
	}
	excludes := append([]string{dir}, req.Excludes...)
	if e.stateDir != "" {
		excludes = append(excludes, e.stateDir)
	}

	var (
		repo  *cache.Repository
		prev  *cache.Index
		index *cache.Index
	)
	if req.Type == TypeIncremental {
		if e.stateDir == "" {
			return "", archiveStats{}, errors.New("incremental backups need a state directory")
		}
		var err error
		if repo, err = cache.NewRepository(filepath.Join(e.stateDir, "index"), cache.Key(sources, dir)); err != nil {
			return "", archiveStats{}, err
		}
		if prev, err = repo.LoadIndex(); err != nil {
			return "", archiveStats{}, fmt.Errorf("load index: %w", err)
		}
		index = cache.NewIndex(prev.Key)
	}

	f, art, err := createArtifact(dir, req.Type, req.RuleID, e.clock.Now())
	if err != nil {
		return "", archiveStats{}, err
	}
	path := art.Path()
	rep.Artifact(path)

	prog := e.newProgress(func(s progress.Stat) { rep.Bytes(int64(s.Bytes)) })
	prog.Start()
	defer prog.Done()

	zw, err := gzip.NewWriterLevel(f, gzip.DefaultCompression)
	if err != nil {
		f.Close()
		return path, archiveStats{}, err
	}
	a := &archiver{
		tw:      tar.NewWriter(zw),
		exclude: excluder{patterns: excludes},
		index:   index,
		prev:    prev,
		token:   token,
		cp:      newCheckpoint(token, e.checkpointBytes, e.checkpointInterval, e.clock),
		report:  func(n int) { prog.Report(progress.Stat{Bytes: uint64(n)}) },
		logger:  e.logger,
	}
	if prev != nil && len(prev.Items) == 0 {
		// No previous index: the first incremental run is a full one.
		a.prev = nil
	}
	err = a.addSources(sources)
	if err == nil {
		err = a.tw.Close()
	}
	if err == nil {
		err = zw.Close()
	}
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return path, a.stats, err
	}
	if repo != nil {
		if err := repo.SaveIndex(index); err != nil {
			return path, a.stats, fmt.Errorf("save index: %w", err)
		}
	}
	return path, a.stats, nil
}

func (e *Executor) encrypt(path string, enc Encryptor, token *Token) (string, error) {
	in, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer in.Close()

	encPath := path + enc.Suffix()
	out, err := os.OpenFile(encPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return "", err
	}
	fail := func(err error) (string, error) {
		out.Close()
		os.Remove(encPath)
		return "", err
	}

	w, err := enc.Encrypt(out)
	if err != nil {
		return fail(err)
	}
	r := &checkpointReader{r: in, cp: newCheckpoint(token, e.checkpointBytes, e.checkpointInterval, e.clock)}
	if _, err := copyBuffer(w, r); err != nil {
		return fail(err)
	}
	if err := w.Close(); err != nil {
		return fail(err)
	}
	if err := out.Sync(); err != nil {
		return fail(err)
	}
	if err := out.Close(); err != nil {
		os.Remove(encPath)
		return "", err
	}
	if err := os.Remove(path); err != nil {
		e.logger.Warn("Could not remove plaintext archive", zap.String("path", path), zap.Error(err))
	}
	return encPath, nil
}

func (e *Executor) upload(ctx context.Context, dest target.Resolved, key, path string, token *Token, rep Reporter) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return 0, err
	}

	prog := e.newProgress(func(s progress.Stat) {
		if pct := s.Percent(); pct >= 0 {
			rep.UploadPercent(pct)
		}
	})
	prog.Start()
	prog.SetTotal(uint64(fi.Size()))
	ur := &uploadReader{
		f:      f,
		cp:     newCheckpoint(token, e.checkpointBytes, e.checkpointInterval, e.clock),
		report: func(n int64) { prog.Report(progress.Stat{Bytes: uint64(n)}) },
	}
	err = dest.Vault.Put(ctx, key, ur, fi.Size())
	prog.Done()
	if err != nil {
		return 0, err
	}
	rep.UploadPercent(100)
	return fi.Size(), nil
}

// removeRemote deletes a partially uploaded object on a best-effort basis.
func (e *Executor) removeRemote(dest target.Resolved, key string, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := dest.Vault.Delete(ctx, key); err != nil {
		logger.Warn("Removing partial upload failed", zap.String("key", key), zap.Error(err))
	}
}
