// Package cache persists the file indexes incremental backups compare against.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const (
	dirMode   = 0700
	tempPath  = "tmp"
	indexFile = "index.json"
)

// Repository stores the index of one source set under path/key.
type Repository struct {
	path string
	key  string
}

// Key derives a stable repository key from a source set and destination.
func Key(sources []string, destination string) string {
	sorted := append([]string(nil), sources...)
	sort.Strings(sorted)
	h := sha256.New()
	h.Write([]byte(strings.Join(sorted, "\x00")))
	h.Write([]byte{0})
	h.Write([]byte(destination))
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// NewRepository creates a new dir-backed repository at the given path.
func NewRepository(path string, key string) (*Repository, error) {
	r := &Repository{
		path: path,
		key:  key,
	}
	if err := r.create(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Repository) create() error {
	dirs := []string{
		r.path,
		filepath.Join(r.path, r.key, tempPath),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, dirMode); err != nil {
			return err
		}
	}
	return nil
}

// Return temp file in correct directory for this repository.
func (r *Repository) tempFile() (*os.File, error) {
	return os.CreateTemp(filepath.Join(r.path, r.key, tempPath), "temp-")
}

func (r *Repository) filename() string {
	return filepath.Join(r.path, r.key, indexFile)
}

// LoadIndex returns the saved index, or an empty one when none was saved yet.
func (r *Repository) LoadIndex() (*Index, error) {
	buf, err := os.ReadFile(r.filename())
	if errors.Is(err, os.ErrNotExist) {
		return NewIndex(r.key), nil
	}
	if err != nil {
		return nil, err
	}
	index := NewIndex(r.key)
	if err := json.Unmarshal(buf, index); err != nil {
		return nil, err
	}
	if index.Items == nil {
		index.Items = make(map[string]*Node)
	}
	return index, nil
}

// SaveIndex writes index through a temp file and a rename.
func (r *Repository) SaveIndex(index *Index) error {
	buf, err := json.Marshal(index)
	if err != nil {
		return err
	}
	f, err := r.tempFile()
	if err != nil {
		return err
	}
	defer os.Remove(f.Name())
	if _, err := f.Write(buf); err != nil {
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
	return os.Rename(f.Name(), r.filename())
}
