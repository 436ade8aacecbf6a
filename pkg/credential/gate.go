package credential

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/awnumar/memguard"
	"go.uber.org/zap"
)

var (
	// ErrRequired is returned when a privileged action runs before a credential was stored.
	ErrRequired = errors.New("elevation credential required")

	// ErrEmpty is returned by Store when the secret is empty.
	ErrEmpty = errors.New("empty credential")

	// ErrRejected wraps validator failures in Store.
	ErrRejected = errors.New("credential rejected")
)

// Validator checks a candidate secret before the gate accepts it.
type Validator func(ctx context.Context, secret []byte) error

// Gate holds the elevation credential for the lifetime of the process.
// The secret is sealed in a memguard enclave and never written to disk.
type Gate struct {
	mu        sync.RWMutex
	enclave   *memguard.Enclave
	validator Validator

	logger *zap.Logger
}

// Option configures a Gate.
type Option func(g *Gate) error

// WithValidator sets the function used to check secrets in Store.
func WithValidator(v Validator) Option {
	return func(g *Gate) error {
		g.validator = v
		return nil
	}
}

// WithLogger sets the logger for Gate.
func WithLogger(logger *zap.Logger) Option {
	return func(g *Gate) error {
		g.logger = logger
		return nil
	}
}

// New creates an empty Gate.
func New(opts ...Option) (*Gate, error) {
	g := &Gate{}
	for _, opt := range opts {
		if err := opt(g); err != nil {
			return nil, err
		}
	}
	if g.logger == nil {
		l, err := zap.NewDevelopment()
		if err != nil {
			return nil, err
		}
		g.logger = l
	}
	return g, nil
}

// HasCredential reports whether a secret is currently held.
func (g *Gate) HasCredential() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.enclave != nil
}

// Store validates and seals secret. The caller's slice is wiped.
func (g *Gate) Store(ctx context.Context, secret []byte) error {
	if len(secret) == 0 {
		return ErrEmpty
	}
	if g.validator != nil {
		if err := g.validator(ctx, secret); err != nil {
			memguard.WipeBytes(secret)
			return fmt.Errorf("%w: %w", ErrRejected, err)
		}
	}
	enclave := memguard.NewEnclave(secret)

	g.mu.Lock()
	g.enclave = enclave
	g.mu.Unlock()
	g.logger.Info("Elevation credential stored for this session")
	return nil
}

// Use opens the sealed secret for the duration of fn.
func (g *Gate) Use(fn func(secret []byte) error) error {
	g.mu.RLock()
	enclave := g.enclave
	g.mu.RUnlock()
	if enclave == nil {
		return ErrRequired
	}
	buf, err := enclave.Open()
	if err != nil {
		return err
	}
	defer buf.Destroy()
	return fn(buf.Bytes())
}

// Clear drops the held secret.
func (g *Gate) Clear() {
	g.mu.Lock()
	g.enclave = nil
	g.mu.Unlock()
}
