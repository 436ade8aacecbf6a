package pipeline

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"filippo.io/age"
)

// Encryption methods accepted in job specs and settings.
const (
	MethodNone    = ""
	MethodAge     = "age"
	MethodGPG     = "gpg"
	MethodOpenSSL = "openssl"

	identityFile = "age-identity.txt"
)

var (
	// ErrKeyRequired is returned when a method that needs a passphrase has none.
	ErrKeyRequired = errors.New("encryption key required")

	// ErrUnknownMethod is returned for an unsupported encryption method.
	ErrUnknownMethod = errors.New("unknown encryption method")
)

// Encryption selects how an artifact is encrypted.
type Encryption struct {
	Method string `json:"method,omitempty" yaml:"method,omitempty"`
	Key    string `json:"key,omitempty" yaml:"key,omitempty"`
}

// Enabled reports whether e asks for encryption.
func (e Encryption) Enabled() bool {
	m := strings.ToLower(e.Method)
	return m != MethodNone && m != "none"
}

// Encryptor wraps artifact streams.
type Encryptor interface {
	// Suffix is appended to the artifact name.
	Suffix() string
	Encrypt(dst io.Writer) (io.WriteCloser, error)
	Decrypt(src io.Reader) (io.Reader, error)
}

// NewEncryptor returns the Encryptor for e. Missing keys are reported here,
// before any data is read. stateDir holds the machine identity used by age
// when no passphrase is given.
func NewEncryptor(e Encryption, stateDir string, scryptWorkFactor int) (Encryptor, error) {
	switch strings.ToLower(e.Method) {
	case MethodAge, MethodGPG:
		return &ageEncryptor{passphrase: e.Key, stateDir: stateDir, workFactor: scryptWorkFactor}, nil
	case MethodOpenSSL:
		if e.Key == "" {
			return nil, fmt.Errorf("openssl: %w", ErrKeyRequired)
		}
		return &opensslEncryptor{passphrase: []byte(e.Key)}, nil
	case MethodNone, "none":
		return nil, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownMethod, e.Method)
}

// ValidMethod reports whether method names a supported encryption method.
func ValidMethod(method string) bool {
	switch strings.ToLower(method) {
	case MethodNone, "none", MethodAge, MethodGPG, MethodOpenSSL:
		return true
	}
	return false
}

// SuffixMethod maps an artifact suffix back to its method.
func SuffixMethod(suffix string) string {
	switch suffix {
	case ".age":
		return MethodAge
	case ".enc":
		return MethodOpenSSL
	}
	return MethodNone
}

type ageEncryptor struct {
	passphrase string
	stateDir   string
	workFactor int
}

func (a *ageEncryptor) Suffix() string { return ".age" }

func (a *ageEncryptor) Encrypt(dst io.Writer) (io.WriteCloser, error) {
	if a.passphrase != "" {
		r, err := age.NewScryptRecipient(a.passphrase)
		if err != nil {
			return nil, err
		}
		if a.workFactor > 0 {
			r.SetWorkFactor(a.workFactor)
		}
		return age.Encrypt(dst, r)
	}
	id, err := loadOrCreateIdentity(a.stateDir)
	if err != nil {
		return nil, err
	}
	return age.Encrypt(dst, id.Recipient())
}

func (a *ageEncryptor) Decrypt(src io.Reader) (io.Reader, error) {
	if a.passphrase != "" {
		id, err := age.NewScryptIdentity(a.passphrase)
		if err != nil {
			return nil, err
		}
		return age.Decrypt(src, id)
	}
	id, err := loadOrCreateIdentity(a.stateDir)
	if err != nil {
		return nil, err
	}
	return age.Decrypt(src, id)
}

// loadOrCreateIdentity reads the machine-local X25519 identity, generating it
// on first use.
func loadOrCreateIdentity(stateDir string) (*age.X25519Identity, error) {
	if stateDir == "" {
		return nil, fmt.Errorf("age: %w: no passphrase and no state directory for a machine key", ErrKeyRequired)
	}
	path := filepath.Join(stateDir, identityFile)
	f, err := os.Open(path)
	if err == nil {
		defer f.Close()
		ids, err := age.ParseIdentities(bufio.NewReader(f))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		for _, id := range ids {
			if x, ok := id.(*age.X25519Identity); ok {
				return x, nil
			}
		}
		return nil, fmt.Errorf("%s holds no X25519 identity", path)
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	id, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, err
	}
	out, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if errors.Is(err, os.ErrExist) {
		// Lost a race with another job; use the winner's key.
		return loadOrCreateIdentity(stateDir)
	}
	if err != nil {
		return nil, err
	}
	if _, err := fmt.Fprintf(out, "# backupd machine key, public key: %s\n%s\n", id.Recipient(), id); err != nil {
		out.Close()
		return nil, err
	}
	return id, out.Close()
}
