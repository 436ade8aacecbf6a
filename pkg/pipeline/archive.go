package pipeline

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/bizflycloud/backupd/pkg/cache"
)

// DefaultSystemExcludes are pseudo and volatile filesystems skipped by full
// and incremental backups.
var DefaultSystemExcludes = []string{
	"/proc", "/sys", "/dev", "/run", "/tmp", "/var/tmp",
	"/mnt", "/media", "/lost+found", "/var/cache/apt/archives",
	"/swapfile",
}

// ExpandSources resolves glob patterns and drops paths that do not exist.
// The result is sorted and free of duplicates.
func ExpandSources(patterns []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, p := range patterns {
		matches, err := filepath.Glob(p)
		if err != nil || len(matches) == 0 {
			continue
		}
		for _, m := range matches {
			m = filepath.Clean(m)
			if !seen[m] {
				seen[m] = true
				out = append(out, m)
			}
		}
	}
	sort.Strings(out)
	return out
}

type excluder struct {
	patterns []string
}

// match reports whether path is excluded: by equality or containment with
// an absolute pattern, or by a glob matching the full path or the base name.
func (e excluder) match(path string) bool {
	for _, p := range e.patterns {
		if p == "" {
			continue
		}
		if filepath.IsAbs(p) && !strings.ContainsAny(p, "*?[") {
			p = filepath.Clean(p)
			if path == p || strings.HasPrefix(path, p+string(filepath.Separator)) {
				return true
			}
			continue
		}
		if ok, _ := filepath.Match(p, path); ok {
			return true
		}
		if ok, _ := filepath.Match(p, filepath.Base(path)); ok {
			return true
		}
	}
	return false
}

type archiveStats struct {
	files   int
	bytes   int64
	skipped int
	changed int
}

// archiver writes sources into a tar stream.
type archiver struct {
	tw      *tar.Writer
	exclude excluder
	index   *cache.Index
	prev    *cache.Index
	token   *Token
	cp      *checkpoint
	report  func(n int)
	logger  *zap.Logger
	stats   archiveStats
}

func (a *archiver) addSources(sources []string) error {
	for _, src := range sources {
		if err := a.token.Err(); err != nil {
			return err
		}
		err := filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				if errors.Is(err, ErrCancelled) {
					return err
				}
				a.skip(path, err)
				if d != nil && d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			if a.exclude.match(path) {
				if d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			return a.add(path)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (a *archiver) skip(path string, err error) {
	a.stats.skipped++
	a.logger.Debug("Skipping unreadable path", zap.String("path", path), zap.Error(err))
}

func (a *archiver) add(path string) error {
	if err := a.token.Err(); err != nil {
		return err
	}
	fi, err := os.Lstat(path)
	if err != nil {
		a.skip(path, err)
		return nil
	}
	mode := fi.Mode()
	if !mode.IsRegular() && !mode.IsDir() && mode&os.ModeSymlink == 0 {
		// Devices, sockets and pipes are not archived.
		return nil
	}
	if a.index != nil {
		a.index.Add(path, fi)
	}
	if a.prev != nil && mode.IsRegular() && !a.prev.Changed(path, fi) {
		return nil
	}

	var link string
	if mode&os.ModeSymlink != 0 {
		if link, err = os.Readlink(path); err != nil {
			a.skip(path, err)
			return nil
		}
	}
	hdr, err := tar.FileInfoHeader(fi, link)
	if err != nil {
		a.skip(path, err)
		return nil
	}
	hdr.Name = strings.TrimPrefix(filepath.ToSlash(path), "/")
	if hdr.Name == "" {
		return nil
	}
	if mode.IsDir() {
		hdr.Name += "/"
	}
	// Owner names depend on the restoring machine's user database.
	hdr.Uname, hdr.Gname = "", ""

	if !mode.IsRegular() {
		return a.tw.WriteHeader(hdr)
	}

	f, err := os.Open(path)
	if err != nil {
		a.skip(path, err)
		return nil
	}
	defer f.Close()
	if err := a.tw.WriteHeader(hdr); err != nil {
		return err
	}
	r := &checkpointReader{r: io.LimitReader(f, hdr.Size), cp: a.cp, report: a.report}
	n, err := io.Copy(a.tw, r)
	if err != nil {
		return err
	}
	if n < hdr.Size {
		// The file shrank while being read; pad so the header stays valid.
		a.logger.Warn("File changed while archiving", zap.String("path", path))
		if _, err := io.CopyN(a.tw, zeroReader{}, hdr.Size-n); err != nil {
			return err
		}
	}
	a.stats.files++
	a.stats.bytes += hdr.Size
	if a.prev != nil {
		a.stats.changed++
	}
	return nil
}

func (s archiveStats) warning() string {
	if s.skipped == 0 {
		return ""
	}
	return fmt.Sprintf("%d unreadable files were skipped", s.skipped)
}

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}
