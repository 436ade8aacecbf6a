package pipeline

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"
)

// ErrUnsafePath is returned for archive entries that would land outside the
// restore target.
var ErrUnsafePath = errors.New("entry escapes the restore target")

// RestoreRequest restores one artifact.
type RestoreRequest struct {
	JobID      string
	BackupFile string
	TargetDir  string
	Key        string
}

// RestoreResult summarizes a restore.
type RestoreResult struct {
	Files int   `json:"files"`
	Bytes int64 `json:"bytes"`
}

// Restore decrypts the artifact when needed and extracts it into TargetDir,
// which defaults to /.
func (e *Executor) Restore(ctx context.Context, req RestoreRequest, token *Token, rep Reporter) (RestoreResult, error) {
	if rep == nil {
		rep = NopReporter{}
	}
	rep.Stage(StageRestore)
	art, err := ParseArtifactName(filepath.Base(req.BackupFile))
	if err != nil {
		return RestoreResult{}, &StageError{Stage: StageRestore, Err: err}
	}
	if _, err := os.Stat(req.BackupFile); err != nil {
		return RestoreResult{}, &StageError{Stage: StageRestore, Err: err}
	}
	rep.Artifact(req.BackupFile)
	targetDir := req.TargetDir
	if targetDir == "" {
		targetDir = "/"
	}
	if !filepath.IsAbs(targetDir) {
		return RestoreResult{}, &StageError{Stage: StageRestore, Err: fmt.Errorf("target %q is not absolute", targetDir)}
	}
	if err := os.MkdirAll(targetDir, 0755); err != nil {
		return RestoreResult{}, &StageError{Stage: StageRestore, Err: err}
	}

	archivePath := req.BackupFile
	if art.Encrypted() {
		plain, err := e.decrypt(req.BackupFile, Encryption{Method: SuffixMethod(art.Suffix), Key: req.Key}, token)
		if err != nil {
			if errors.Is(err, ErrCancelled) {
				return RestoreResult{}, err
			}
			return RestoreResult{}, &StageError{Stage: StageRestore, Err: fmt.Errorf("decrypt: %w", err)}
		}
		defer os.Remove(plain)
		archivePath = plain
	}

	res, err := e.extract(archivePath, targetDir, token, rep)
	if err != nil {
		if errors.Is(err, ErrCancelled) {
			return res, err
		}
		return res, &StageError{Stage: StageRestore, Err: err}
	}
	e.logger.Info("Restore finished", zap.String("job_id", req.JobID), zap.String("target", targetDir), zap.Int("files", res.Files))
	return res, nil
}

func (e *Executor) decrypt(path string, enc Encryption, token *Token) (string, error) {
	dec, err := NewEncryptor(enc, e.stateDir, e.scryptWorkFactor)
	if err != nil {
		return "", err
	}
	in, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer in.Close()

	tmpDir := os.TempDir()
	if e.stateDir != "" {
		tmpDir = filepath.Join(e.stateDir, "tmp")
		if err := os.MkdirAll(tmpDir, 0700); err != nil {
			return "", err
		}
	}
	out, err := os.CreateTemp(tmpDir, "restore-*.tar.gz")
	if err != nil {
		return "", err
	}
	fail := func(err error) (string, error) {
		out.Close()
		os.Remove(out.Name())
		return "", err
	}
	r, err := dec.Decrypt(in)
	if err != nil {
		return fail(err)
	}
	cr := &checkpointReader{r: r, cp: newCheckpoint(token, e.checkpointBytes, e.checkpointInterval, e.clock)}
	if _, err := copyBuffer(out, cr); err != nil {
		return fail(err)
	}
	if err := out.Close(); err != nil {
		os.Remove(out.Name())
		return "", err
	}
	return out.Name(), nil
}

func (e *Executor) extract(path, targetDir string, token *Token, rep Reporter) (RestoreResult, error) {
	var res RestoreResult
	root, err := filepath.EvalSymlinks(targetDir)
	if err != nil {
		return res, err
	}
	f, err := os.Open(path)
	if err != nil {
		return res, err
	}
	defer f.Close()
	zr, err := gzip.NewReader(f)
	if err != nil {
		return res, err
	}
	defer zr.Close()

	cp := newCheckpoint(token, e.checkpointBytes, e.checkpointInterval, e.clock)
	tr := tar.NewReader(zr)
	for {
		if err := token.Err(); err != nil {
			return res, err
		}
		hdr, err := tr.Next()
		if err == io.EOF {
			return res, nil
		}
		if err != nil {
			return res, err
		}
		dst, err := safeJoin(root, hdr.Name)
		if err != nil {
			return res, err
		}
		if err := checkParent(root, dst); err != nil {
			return res, err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(dst, hdr.FileInfo().Mode().Perm()|0700); err != nil {
				return res, err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
				return res, err
			}
			out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, hdr.FileInfo().Mode().Perm())
			if err != nil {
				return res, err
			}
			n, err := copyBuffer(out, &checkpointReader{r: tr, cp: cp, report: func(n int) {
				res.Bytes += int64(n)
				rep.Bytes(res.Bytes)
			}})
			if cerr := out.Close(); err == nil {
				err = cerr
			}
			if err != nil {
				return res, err
			}
			if n != hdr.Size {
				return res, fmt.Errorf("%s: short read", hdr.Name)
			}
			res.Files++
		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
				return res, err
			}
			if err := os.Remove(dst); err != nil && !errors.Is(err, os.ErrNotExist) {
				return res, err
			}
			if err := os.Symlink(hdr.Linkname, dst); err != nil {
				return res, err
			}
		default:
			continue
		}
		if os.Geteuid() == 0 {
			_ = os.Lchown(dst, hdr.Uid, hdr.Gid)
		}
		if hdr.Typeflag != tar.TypeSymlink {
			_ = os.Chtimes(dst, hdr.ModTime, hdr.ModTime)
		}
	}
}

// safeJoin joins an entry name to root, rejecting names that leave it.
func safeJoin(root, name string) (string, error) {
	for _, part := range strings.Split(filepath.ToSlash(name), "/") {
		if part == ".." {
			return "", fmt.Errorf("%w: %s", ErrUnsafePath, name)
		}
	}
	return filepath.Join(root, filepath.Clean("/"+filepath.FromSlash(name))), nil
}

// checkParent rejects entries whose parent directory resolves, through a
// symlink restored earlier, outside root.
func checkParent(root, dst string) error {
	if dst == root {
		return nil
	}
	parent := filepath.Dir(dst)
	for {
		resolved, err := filepath.EvalSymlinks(parent)
		if err == nil {
			rel, err := filepath.Rel(root, resolved)
			if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
				return fmt.Errorf("%w: %s", ErrUnsafePath, dst)
			}
			return nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return err
		}
		next := filepath.Dir(parent)
		if next == parent {
			return nil
		}
		parent = next
	}
}
