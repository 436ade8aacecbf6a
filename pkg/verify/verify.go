// Package verify checks backup artifacts locally and on cloud providers.
package verify

import (
	"archive/tar"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v3"
	"github.com/dustin/go-humanize"
	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"github.com/bizflycloud/backupd/pkg/storage_vault"
)

// Mode selects what Verify checks.
type Mode string

const (
	ModeIntegrity Mode = "integrity"
	ModeChecksum  Mode = "checksum"
	ModeRemote    Mode = "remote-existence"
)

const (
	defaultMaxElapsed = 30 * time.Second
	defaultSampleSize = 10
)

// ErrUnknownMode is returned for a mode ParseMode does not know.
var ErrUnknownMode = errors.New("unknown verification mode")

// ParseMode maps user input, including the "gzip", "tar" and "sha256" aliases, to a Mode.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "integrity", "gzip", "tar":
		return ModeIntegrity, nil
	case "checksum", "sha256":
		return ModeChecksum, nil
	case "remote", "remote-existence":
		return ModeRemote, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownMode, s)
}

// Artifact identifies what to verify. Path is used by the local modes; Key
// and Vault by the remote mode.
type Artifact struct {
	Path         string
	Key          string
	ExpectedSize int64
	Vault        storage_vault.StorageVault
}

// Result is the outcome of a verification. OK is false when the artifact was
// read but did not pass; Detail then says why.
type Result struct {
	OK          bool     `json:"ok"`
	Detail      string   `json:"detail,omitempty"`
	Encrypted   bool     `json:"encrypted"`
	Degraded    bool     `json:"degraded,omitempty"`
	SizeBytes   int64    `json:"size_bytes"`
	SizeHuman   string   `json:"size_human"`
	FileCount   int      `json:"file_count,omitempty"`
	SampleFiles []string `json:"sample_files,omitempty"`
	SHA256      string   `json:"sha256,omitempty"`
	RemoteRef   string   `json:"remote_ref,omitempty"`
}

// IsEncrypted reports whether name carries an encryption suffix.
func IsEncrypted(name string) bool {
	return strings.HasSuffix(name, ".age") || strings.HasSuffix(name, ".enc")
}

// Service runs verifications and tracks the artifacts being verified.
type Service struct {
	mu     sync.Mutex
	active map[string]int

	maxElapsed time.Duration
	sampleSize int
	logger     *zap.Logger
}

// Option configures a Service.
type Option func(s *Service) error

// WithMaxElapsed bounds how long remote verification retries a missing object.
func WithMaxElapsed(d time.Duration) Option {
	return func(s *Service) error {
		s.maxElapsed = d
		return nil
	}
}

// WithSampleSize sets how many entry names integrity results carry.
func WithSampleSize(n int) Option {
	return func(s *Service) error {
		s.sampleSize = n
		return nil
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) error {
		s.logger = logger
		return nil
	}
}

// New creates a Service.
func New(opts ...Option) (*Service, error) {
	s := &Service{
		active:     make(map[string]int),
		maxElapsed: defaultMaxElapsed,
		sampleSize: defaultSampleSize,
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
	return s, nil
}

// Busy reports whether path, or a remote ref, is being verified.
func (s *Service) Busy(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active[path] > 0
}

func (s *Service) track(path string) func() {
	if path == "" {
		return func() {}
	}
	s.mu.Lock()
	s.active[path]++
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		if s.active[path]--; s.active[path] <= 0 {
			delete(s.active, path)
		}
		s.mu.Unlock()
	}
}

// Verify checks a in the given mode.
func (s *Service) Verify(ctx context.Context, a Artifact, mode Mode) (Result, error) {
	done := s.track(a.Path)
	defer done()

	switch mode {
	case ModeIntegrity:
		return s.integrity(ctx, a.Path)
	case ModeChecksum:
		return s.checksum(ctx, a.Path)
	case ModeRemote:
		return s.RemoteExistence(ctx, a.Vault, a.Key, a.ExpectedSize)
	}
	return Result{}, fmt.Errorf("%w: %q", ErrUnknownMode, mode)
}

func statResult(path string) (Result, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return Result{}, err
	}
	if fi.IsDir() {
		return Result{}, fmt.Errorf("%s is a directory", path)
	}
	return Result{
		Encrypted: IsEncrypted(path),
		SizeBytes: fi.Size(),
		SizeHuman: humanize.Bytes(uint64(fi.Size())),
	}, nil
}

func (s *Service) integrity(ctx context.Context, path string) (Result, error) {
	res, err := statResult(path)
	if err != nil {
		return Result{}, err
	}
	if res.Encrypted {
		res.Degraded = true
		res.OK = res.SizeBytes > 0
		if res.OK {
			res.Detail = "encrypted artifact: only the size was checked, decrypt it to verify the contents"
		} else {
			res.Detail = "encrypted artifact is empty"
		}
		return res, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return Result{}, err
	}
	defer f.Close()

	zr, err := gzip.NewReader(f)
	if err != nil {
		res.Detail = "not a gzip stream: " + err.Error()
		return res, nil
	}
	defer zr.Close()

	tr := tar.NewReader(zr)
	for {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			res.Detail = fmt.Sprintf("corrupt archive after %d entries: %v", res.FileCount, err)
			return res, nil
		}
		if _, err := io.Copy(io.Discard, tr); err != nil {
			res.Detail = fmt.Sprintf("corrupt entry %s: %v", hdr.Name, err)
			return res, nil
		}
		res.FileCount++
		if len(res.SampleFiles) < s.sampleSize {
			res.SampleFiles = append(res.SampleFiles, hdr.Name)
		}
	}
	// Drain the gzip trailer so its checksum is verified.
	if _, err := io.Copy(io.Discard, zr); err != nil {
		res.Detail = "gzip checksum mismatch: " + err.Error()
		return res, nil
	}
	res.OK = true
	res.Detail = fmt.Sprintf("%d entries", res.FileCount)
	return res, nil
}

func (s *Service) checksum(ctx context.Context, path string) (Result, error) {
	res, err := statResult(path)
	if err != nil {
		return Result{}, err
	}
	f, err := os.Open(path)
	if err != nil {
		return Result{}, err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, &ctxReader{ctx: ctx, r: f}); err != nil {
		return Result{}, err
	}
	res.SHA256 = hex.EncodeToString(h.Sum(nil))
	res.OK = true
	return res, nil
}

// RemoteExistence checks that key exists on vault with the expected size.
// A missing object is retried with exponential backoff since some providers
// list new objects with a delay.
func (s *Service) RemoteExistence(ctx context.Context, vault storage_vault.StorageVault, key string, expectedSize int64) (Result, error) {
	if vault == nil || key == "" {
		return Result{}, errors.New("remote verification needs a vault and a key")
	}
	res := Result{Encrypted: IsEncrypted(key), RemoteRef: vault.Ref(key)}
	defer s.track(res.RemoteRef)()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxElapsedTime = s.maxElapsed

	var (
		obj storage_vault.Object
		err error
	)
	for {
		obj, err = vault.Stat(ctx, key)
		if !errors.Is(err, storage_vault.ErrNotFound) {
			break
		}
		d := bo.NextBackOff()
		if d == backoff.Stop {
			break
		}
		s.logger.Debug("Remote object not visible yet, retrying", zap.String("key", key), zap.Duration("in", d))
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-time.After(d):
		}
	}
	switch {
	case errors.Is(err, storage_vault.ErrNotFound):
		res.Detail = "object not found: " + res.RemoteRef
		return res, nil
	case err != nil:
		return Result{}, err
	}

	res.SizeBytes = obj.Size
	res.SizeHuman = humanize.Bytes(uint64(obj.Size))
	if expectedSize > 0 && obj.Size != expectedSize {
		res.Detail = fmt.Sprintf("size mismatch: remote %d bytes, local %d bytes", obj.Size, expectedSize)
		return res, nil
	}
	res.OK = true
	return res, nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
