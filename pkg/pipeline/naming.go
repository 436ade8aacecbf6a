package pipeline

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"time"
)

// BackupType is what a backup job archives.
type BackupType string

const (
	TypeFull        BackupType = "full"
	TypeIncremental BackupType = "incremental"
	TypeData        BackupType = "data"
	TypePersonal    BackupType = "personal"
)

const (
	archiveExt  = ".tar.gz"
	stampLayout = "20060102-150405"
	maxBumps    = 1000
)

var (
	artifactRe = regexp.MustCompile(`^backup_(full|incremental|data|personal)_(\d{8}-\d{9})(?:_([A-Za-z0-9-]+))?\.tar\.gz(\.age|\.enc)?$`)
	ruleIDRe   = regexp.MustCompile(`^[A-Za-z0-9-]+$`)

	// ErrNotArtifact is returned for file names that are not backup artifacts.
	ErrNotArtifact = errors.New("not a backup artifact name")
)

// ValidRuleID reports whether id can be embedded in an artifact name.
func ValidRuleID(id string) bool {
	return ruleIDRe.MatchString(id)
}

// Artifact is a parsed artifact file name:
// backup_<type>_<YYYYMMDD-HHMMSSmmm>[_<rule_id>].tar.gz[.age|.enc]
type Artifact struct {
	Type    BackupType
	Time    time.Time
	RuleID  string
	Suffix  string
	Dir     string
	Size    int64
	ModTime time.Time
}

// Name returns the file name of a.
func (a Artifact) Name() string {
	name := fmt.Sprintf("backup_%s_%s%03d", a.Type, a.Time.Format(stampLayout), a.Time.Nanosecond()/int(time.Millisecond))
	if a.RuleID != "" {
		name += "_" + a.RuleID
	}
	return name + archiveExt + a.Suffix
}

// Path returns the full path of a inside its directory.
func (a Artifact) Path() string {
	return filepath.Join(a.Dir, a.Name())
}

func (a Artifact) Encrypted() bool {
	return a.Suffix != ""
}

// ParseArtifactName parses a base file name.
func ParseArtifactName(name string) (Artifact, error) {
	m := artifactRe.FindStringSubmatch(name)
	if m == nil {
		return Artifact{}, fmt.Errorf("%w: %q", ErrNotArtifact, name)
	}
	stamp := m[2]
	t, err := time.ParseInLocation(stampLayout, stamp[:15], time.Local)
	if err != nil {
		return Artifact{}, fmt.Errorf("%w: %q: %v", ErrNotArtifact, name, err)
	}
	ms, _ := strconv.Atoi(stamp[15:])
	return Artifact{
		Type:   BackupType(m[1]),
		Time:   t.Add(time.Duration(ms) * time.Millisecond),
		RuleID: m[3],
		Suffix: m[4],
	}, nil
}

// createArtifact creates a new artifact file in dir with O_EXCL. A name
// collision moves the timestamp forward by one millisecond.
func createArtifact(dir string, typ BackupType, ruleID string, now time.Time) (*os.File, Artifact, error) {
	a := Artifact{Type: typ, Time: now.Local().Truncate(time.Millisecond), RuleID: ruleID, Dir: dir}
	for i := 0; i < maxBumps; i++ {
		f, err := os.OpenFile(a.Path(), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
		if err == nil {
			return f, a, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, a, err
		}
		a.Time = a.Time.Add(time.Millisecond)
	}
	return nil, a, fmt.Errorf("no free artifact name in %s", dir)
}

// ListArtifacts returns the artifacts in dir, skipping other files.
func ListArtifacts(dir string) ([]Artifact, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []Artifact
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		a, err := ParseArtifactName(e.Name())
		if err != nil {
			continue
		}
		a.Dir = dir
		if fi, err := e.Info(); err == nil {
			a.Size = fi.Size()
			a.ModTime = fi.ModTime()
		}
		out = append(out, a)
	}
	return out, nil
}
