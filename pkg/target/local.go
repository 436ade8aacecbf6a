package target

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

const writeTestPattern = ".backupd-write-test-*"

// DefaultAllowedRoots are the roots local destinations must live under.
var DefaultAllowedRoots = []string{"/mnt", "/media", "/run/media", "/home"}

// CheckLocal validates a local backup directory, optionally creating it.
// The returned result is filled as far as the checks got.
func (r *Resolver) CheckLocal(path string, create bool) (CheckResult, error) {
	res := CheckResult{Path: path}
	if !filepath.IsAbs(path) {
		return res, &CheckError{
			Path:  path,
			Check: CheckNotAbsolute,
			Err:   errors.New("path must be absolute"),
			Hints: []string{"use a full path such as /mnt/backups"},
		}
	}
	path = filepath.Clean(path)
	res.Path = path
	if !r.allowed(path) {
		return res, &CheckError{
			Path:  path,
			Check: CheckNotAllowed,
			Err:   errors.New("path is outside the allowed roots"),
			Hints: []string{"choose a directory under " + strings.Join(r.allowedRoots, ", ")},
		}
	}
	return r.checkDir(res, create)
}

func (r *Resolver) checkDir(res CheckResult, create bool) (CheckResult, error) {
	path := res.Path
	fi, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) && create {
		if err := os.MkdirAll(path, 0755); err != nil {
			return res, &CheckError{
				Path:  path,
				Check: CheckNonExistent,
				Err:   err,
				Hints: []string{"create the directory manually or check the parent's permissions", "mount the target drive first"},
			}
		}
		res.Created = true
		fi, err = os.Stat(path)
	}
	if err != nil {
		return res, &CheckError{
			Path:  path,
			Check: CheckNonExistent,
			Err:   err,
			Hints: []string{"create the directory or enable creation", "mount the target drive first"},
		}
	}
	res.Exists = true
	if !fi.IsDir() {
		return res, &CheckError{
			Path:  path,
			Check: CheckNotDirectory,
			Err:   errors.New("path is not a directory"),
			Hints: []string{"pick a directory, not a file"},
		}
	}
	res.IsDir = true

	if err := writeTest(path); err != nil {
		return res, &CheckError{
			Path:  path,
			Check: CheckWriteTest,
			Err:   err,
			Hints: []string{"check ownership and permissions of the directory", "the filesystem may be mounted read-only"},
		}
	}
	res.Writable = true

	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err == nil {
		res.FreeBytes = st.Bavail * uint64(st.Bsize)
		res.TotalBytes = st.Blocks * uint64(st.Bsize)
	}
	return res, nil
}

func writeTest(dir string) error {
	f, err := os.CreateTemp(dir, writeTestPattern)
	if err != nil {
		return err
	}
	name := f.Name()
	if _, err := f.Write([]byte("ok")); err != nil {
		f.Close()
		os.Remove(name)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(name)
		return err
	}
	return os.Remove(name)
}

// allowed reports whether path, with symlinks resolved, is under an allowed root.
func (r *Resolver) allowed(path string) bool {
	resolved, err := resolveExisting(path)
	if err != nil {
		return false
	}
	for _, root := range r.allowedRoots {
		if within(root, path) && within(root, resolved) {
			return true
		}
		if rr, err := filepath.EvalSymlinks(root); err == nil && within(rr, resolved) && within(root, path) {
			return true
		}
	}
	return false
}

// Allowed reports whether path may be used as a local destination.
func (r *Resolver) Allowed(path string) bool {
	return filepath.IsAbs(path) && r.allowed(filepath.Clean(path))
}

func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

// resolveExisting evaluates symlinks of the deepest existing ancestor of path.
func resolveExisting(path string) (string, error) {
	var rest []string
	cur := path
	for {
		resolved, err := filepath.EvalSymlinks(cur)
		if err == nil {
			for i := len(rest) - 1; i >= 0; i-- {
				resolved = filepath.Join(resolved, rest[i])
			}
			return resolved, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("resolve %s: %w", cur, err)
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return path, nil
		}
		rest = append(rest, filepath.Base(cur))
		cur = parent
	}
}
