package pipeline

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

// The format matches `openssl enc -aes-256-cbc -salt -pbkdf2`: the magic
// "Salted__", an 8 byte salt, then AES-256-CBC with PKCS#7 padding. Key and
// IV are derived with PBKDF2-HMAC-SHA256 over 10000 iterations.
const (
	opensslMagic = "Salted__"
	saltLen      = 8
	pbkdf2Iter   = 10000
	keyLen       = 32
)

var (
	// ErrBadDecrypt is returned when the padding is wrong, which usually
	// means a wrong passphrase.
	ErrBadDecrypt = errors.New("bad decrypt: wrong key or corrupt data")

	errNotSalted = errors.New("not an openssl salted stream")
)

type opensslEncryptor struct {
	passphrase []byte
}

func (o *opensslEncryptor) Suffix() string { return ".enc" }

func deriveKeyIV(pass, salt []byte) (key, iv []byte) {
	dk := pbkdf2.Key(pass, salt, pbkdf2Iter, keyLen+aes.BlockSize, sha256.New)
	return dk[:keyLen], dk[keyLen:]
}

func (o *opensslEncryptor) Encrypt(dst io.Writer) (io.WriteCloser, error) {
	salt := make([]byte, saltLen)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, err
	}
	key, iv := deriveKeyIV(o.passphrase, salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if _, err := dst.Write(append([]byte(opensslMagic), salt...)); err != nil {
		return nil, err
	}
	return &cbcWriter{w: dst, mode: cipher.NewCBCEncrypter(block, iv)}, nil
}

func (o *opensslEncryptor) Decrypt(src io.Reader) (io.Reader, error) {
	header := make([]byte, len(opensslMagic)+saltLen)
	if _, err := io.ReadFull(src, header); err != nil {
		return nil, errNotSalted
	}
	if !bytes.Equal(header[:len(opensslMagic)], []byte(opensslMagic)) {
		return nil, errNotSalted
	}
	key, iv := deriveKeyIV(o.passphrase, header[len(opensslMagic):])
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return &cbcReader{r: src, mode: cipher.NewCBCDecrypter(block, iv)}, nil
}

// cbcWriter encrypts whole blocks as they fill and pads the tail on Close.
type cbcWriter struct {
	w    io.Writer
	mode cipher.BlockMode
	buf  []byte
}

func (c *cbcWriter) Write(p []byte) (int, error) {
	c.buf = append(c.buf, p...)
	full := len(c.buf) - len(c.buf)%aes.BlockSize
	if full == 0 {
		return len(p), nil
	}
	out := make([]byte, full)
	c.mode.CryptBlocks(out, c.buf[:full])
	c.buf = append(c.buf[:0], c.buf[full:]...)
	if _, err := c.w.Write(out); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *cbcWriter) Close() error {
	pad := aes.BlockSize - len(c.buf)%aes.BlockSize
	c.buf = append(c.buf, bytes.Repeat([]byte{byte(pad)}, pad)...)
	out := make([]byte, len(c.buf))
	c.mode.CryptBlocks(out, c.buf)
	c.buf = c.buf[:0]
	_, err := c.w.Write(out)
	return err
}

// cbcReader decrypts as data arrives, holding back the last block until EOF
// so the padding can be removed.
type cbcReader struct {
	r    io.Reader
	mode cipher.BlockMode
	in   []byte
	out  []byte
	eof  bool
	err  error
}

func (c *cbcReader) Read(p []byte) (int, error) {
	for len(c.out) == 0 {
		if c.err != nil {
			return 0, c.err
		}
		if c.eof {
			return 0, io.EOF
		}
		c.fill()
	}
	n := copy(p, c.out)
	c.out = c.out[n:]
	return n, nil
}

func (c *cbcReader) fill() {
	chunk := make([]byte, 32*1024)
	n, err := c.r.Read(chunk)
	c.in = append(c.in, chunk[:n]...)
	if err != nil && err != io.EOF {
		c.err = err
		return
	}
	if err == io.EOF {
		c.eof = true
		if len(c.in) == 0 || len(c.in)%aes.BlockSize != 0 {
			c.err = ErrBadDecrypt
			return
		}
		plain := make([]byte, len(c.in))
		c.mode.CryptBlocks(plain, c.in)
		c.in = nil
		pad := int(plain[len(plain)-1])
		if pad == 0 || pad > aes.BlockSize || pad > len(plain) {
			c.err = ErrBadDecrypt
			return
		}
		for _, b := range plain[len(plain)-pad:] {
			if int(b) != pad {
				c.err = ErrBadDecrypt
				return
			}
		}
		c.out = plain[:len(plain)-pad]
		return
	}
	// Keep at least one full block back.
	usable := len(c.in) - len(c.in)%aes.BlockSize - aes.BlockSize
	if usable <= 0 {
		return
	}
	plain := make([]byte, usable)
	c.mode.CryptBlocks(plain, c.in[:usable])
	c.in = append(c.in[:0], c.in[usable:]...)
	c.out = plain
}
