package pipeline

import (
	"bytes"
	"crypto/rand"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func roundTrip(t *testing.T, enc Encryptor, plain []byte) []byte {
	t.Helper()
	var sealed bytes.Buffer
	w, err := enc.Encrypt(&sealed)
	require.NoError(t, err)
	// Uneven writes exercise the block buffering.
	for off := 0; off < len(plain); off += 7 {
		end := off + 7
		if end > len(plain) {
			end = len(plain)
		}
		_, err := w.Write(plain[off:end])
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	r, err := enc.Decrypt(bytes.NewReader(sealed.Bytes()))
	require.NoError(t, err)
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	return got
}

func TestOpenSSLRoundTrip(t *testing.T) {
	enc, err := NewEncryptor(Encryption{Method: "openssl", Key: "s3cret"}, "", 0)
	require.NoError(t, err)
	for _, size := range []int{0, 1, 15, 16, 17, 4096, 100003} {
		plain := make([]byte, size)
		_, _ = rand.Read(plain)
		assert.Equal(t, plain, roundTrip(t, enc, plain), "size %d", size)
	}
}

func TestOpenSSLWrongKey(t *testing.T) {
	enc, err := NewEncryptor(Encryption{Method: "openssl", Key: "right"}, "", 0)
	require.NoError(t, err)
	plain := bytes.Repeat([]byte("backup"), 1000)
	var sealed bytes.Buffer
	w, err := enc.Encrypt(&sealed)
	require.NoError(t, err)
	_, _ = w.Write(plain)
	require.NoError(t, w.Close())

	wrong, err := NewEncryptor(Encryption{Method: "openssl", Key: "wrong"}, "", 0)
	require.NoError(t, err)
	r, err := wrong.Decrypt(bytes.NewReader(sealed.Bytes()))
	require.NoError(t, err)
	got, err := io.ReadAll(r)
	if err == nil {
		assert.NotEqual(t, plain, got)
	} else {
		assert.ErrorIs(t, err, ErrBadDecrypt)
	}

	_, err = wrong.Decrypt(bytes.NewReader([]byte("plain gzip data here")))
	assert.Error(t, err)
}

func TestOpenSSLCompatibleWithCLI(t *testing.T) {
	bin, err := exec.LookPath("openssl")
	if err != nil {
		t.Skip("openssl not installed")
	}
	enc, err := NewEncryptor(Encryption{Method: "openssl", Key: "pw"}, "", 0)
	require.NoError(t, err)
	plain := []byte("hello from backupd\n")

	path := filepath.Join(t.TempDir(), "x.enc")
	f, err := os.Create(path)
	require.NoError(t, err)
	w, err := enc.Encrypt(f)
	require.NoError(t, err)
	_, err = w.Write(plain)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, f.Close())

	out, err := exec.Command(bin, "enc", "-d", "-aes-256-cbc", "-pbkdf2", "-md", "sha256", "-pass", "pass:pw", "-in", path).Output()
	require.NoError(t, err)
	assert.Equal(t, plain, out)
}

func TestOpenSSLRequiresKey(t *testing.T) {
	_, err := NewEncryptor(Encryption{Method: "openssl"}, "", 0)
	assert.ErrorIs(t, err, ErrKeyRequired)
}

func TestAgePassphrase(t *testing.T) {
	for _, method := range []string{"age", "gpg", "AGE"} {
		enc, err := NewEncryptor(Encryption{Method: method, Key: "correct horse"}, "", 10)
		require.NoError(t, err)
		assert.Equal(t, ".age", enc.Suffix())
		plain := bytes.Repeat([]byte{1, 2, 3}, 70000)
		assert.Equal(t, plain, roundTrip(t, enc, plain))
	}
}

func TestAgeMachineIdentity(t *testing.T) {
	dir := t.TempDir()
	enc, err := NewEncryptor(Encryption{Method: "age"}, dir, 0)
	require.NoError(t, err)
	plain := []byte("machine key")
	assert.Equal(t, plain, roundTrip(t, enc, plain))

	fi, err := os.Stat(filepath.Join(dir, identityFile))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), fi.Mode().Perm())

	// A second encryptor reuses the stored identity.
	again, err := NewEncryptor(Encryption{Method: "age"}, dir, 0)
	require.NoError(t, err)
	var sealed bytes.Buffer
	w, err := enc.Encrypt(&sealed)
	require.NoError(t, err)
	_, _ = w.Write(plain)
	require.NoError(t, w.Close())
	r, err := again.Decrypt(&sealed)
	require.NoError(t, err)
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, plain, got)
}

func TestNewEncryptorMethods(t *testing.T) {
	enc, err := NewEncryptor(Encryption{}, "", 0)
	require.NoError(t, err)
	assert.Nil(t, enc)
	enc, err = NewEncryptor(Encryption{Method: "none"}, "", 0)
	require.NoError(t, err)
	assert.Nil(t, enc)
	_, err = NewEncryptor(Encryption{Method: "rot13"}, "", 0)
	assert.ErrorIs(t, err, ErrUnknownMethod)
}
