package retention

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/bizflycloud/backupd/pkg/pipeline"
)

// DefaultKeepLast is used when a rule does not set keep_last.
const DefaultKeepLast = 5

// ErrInvalidRule is wrapped by Rule.Validate.
var ErrInvalidRule = errors.New("invalid retention rule")

var (
	timeRe = regexp.MustCompile(`^([01]\d|2[0-3]):([0-5]\d)$`)

	weekdays = map[string]time.Weekday{
		"sun": time.Sunday,
		"mon": time.Monday,
		"tue": time.Tuesday,
		"wed": time.Wednesday,
		"thu": time.Thursday,
		"fri": time.Friday,
		"sat": time.Saturday,
	}

	// Five-field specs, as in the crontab.
	cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
)

// Rule fires a backup on some weekdays at a wall-clock time and keeps the
// newest KeepLast artifacts it produced.
type Rule struct {
	ID        string              `json:"id" yaml:"id"`
	Enabled   bool                `json:"enabled" yaml:"enabled"`
	Name      string              `json:"name,omitempty" yaml:"name,omitempty"`
	Type      pipeline.BackupType `json:"type" yaml:"type"`
	Target    pipeline.Mode       `json:"target" yaml:"target"`
	BackupDir string              `json:"backup_dir,omitempty" yaml:"backup_dir,omitempty"`
	Days      []string            `json:"days" yaml:"days"`
	Time      string              `json:"time" yaml:"time"`
	KeepLast  int                 `json:"keep_last,omitempty" yaml:"keep_last,omitempty"`
	Dataset   string              `json:"dataset,omitempty" yaml:"dataset,omitempty"`
}

// NewRuleID returns an id of the form rule-<unix seconds>.
func NewRuleID(now time.Time) string {
	return fmt.Sprintf("rule-%d", now.Unix())
}

// Validate checks r's fields.
func (r Rule) Validate() error {
	invalid := func(format string, args ...interface{}) error {
		return fmt.Errorf("%w %q: %s", ErrInvalidRule, r.ID, fmt.Sprintf(format, args...))
	}
	if !pipeline.ValidRuleID(r.ID) {
		return invalid("id must match [A-Za-z0-9-]+")
	}
	switch r.Type {
	case pipeline.TypeFull, pipeline.TypeIncremental, pipeline.TypeData, pipeline.TypePersonal:
	default:
		return invalid("unknown type %q", r.Type)
	}
	switch r.Target {
	case pipeline.ModeLocal, pipeline.ModeLocalAndCloud, pipeline.ModeCloudOnly:
	default:
		return invalid("unknown target %q", r.Target)
	}
	if !timeRe.MatchString(r.Time) {
		return invalid("time %q is not HH:MM", r.Time)
	}
	for _, d := range r.Days {
		if _, ok := weekdays[strings.ToLower(d)]; !ok {
			return invalid("unknown day %q", d)
		}
	}
	if r.KeepLast < 0 {
		return invalid("keep_last must be positive")
	}
	if r.BackupDir != "" && !strings.HasPrefix(r.BackupDir, "/") {
		return invalid("backup_dir must be absolute")
	}
	return nil
}

// Keep returns how many artifacts r keeps.
func (r Rule) Keep() int {
	if r.KeepLast > 0 {
		return r.KeepLast
	}
	return DefaultKeepLast
}

// runsOn reports whether r fires on day. No days means every day.
func (r Rule) runsOn(day time.Weekday) bool {
	if len(r.Days) == 0 {
		return true
	}
	for _, d := range r.Days {
		if weekdays[strings.ToLower(d)] == day {
			return true
		}
	}
	return false
}

// occurrence returns the rule's firing time on the calendar day of now.
func (r Rule) occurrence(now time.Time) (time.Time, bool) {
	m := timeRe.FindStringSubmatch(r.Time)
	if m == nil {
		return time.Time{}, false
	}
	hour, _ := strconv.Atoi(m[1])
	min, _ := strconv.Atoi(m[2])
	y, mo, d := now.Date()
	return time.Date(y, mo, d, hour, min, 0, 0, now.Location()), true
}

// Due reports whether rule should fire at now given its last run.
func Due(rule Rule, now, lastRun time.Time) bool {
	if !rule.Enabled || !rule.runsOn(now.Weekday()) {
		return false
	}
	at, ok := rule.occurrence(now)
	if !ok || now.Before(at) {
		return false
	}
	return lastRun.Before(at)
}

// cronSpec renders r as a five-field cron expression.
func (r Rule) cronSpec() (string, error) {
	at, ok := r.occurrence(time.Time{})
	if !ok {
		return "", fmt.Errorf("%w %q: time %q is not HH:MM", ErrInvalidRule, r.ID, r.Time)
	}
	dow := "*"
	if len(r.Days) > 0 {
		days := make([]string, 0, len(r.Days))
		for _, d := range r.Days {
			wd, ok := weekdays[strings.ToLower(d)]
			if !ok {
				return "", fmt.Errorf("%w %q: unknown day %q", ErrInvalidRule, r.ID, d)
			}
			days = append(days, fmt.Sprint(int(wd)))
		}
		dow = strings.Join(days, ",")
	}
	return fmt.Sprintf("%d %d * * %s", at.Minute(), at.Hour(), dow), nil
}

// NextRun returns the next firing time of rule after now, or the zero time
// for a disabled rule.
func NextRun(rule Rule, now time.Time) (time.Time, error) {
	if !rule.Enabled {
		return time.Time{}, nil
	}
	spec, err := rule.cronSpec()
	if err != nil {
		return time.Time{}, err
	}
	sched, err := cronParser.Parse(spec)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w %q: %v", ErrInvalidRule, rule.ID, err)
	}
	return sched.Next(now), nil
}
