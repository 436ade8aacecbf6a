// Package progress throttles byte and file counters into periodic callbacks.
package progress

import (
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

const minTickerTime = time.Second / 60

// Progress accumulates Stat reports and hands them to OnUpdate at most every
// minTickerTime, plus once per ticker interval.
type Progress struct {
	OnStart   func()
	OnUpdate  ProgressFunc
	OnDone    ProgressFunc
	funcMutex sync.Mutex

	mu         sync.Mutex
	current    Stat
	startTime  time.Time
	lastUpdate time.Time
	running    bool
	cancel     chan struct{}
	done       chan struct{}
	duration   time.Duration
}

// Stat is a progress snapshot. Total is zero when the size is unknown.
type Stat struct {
	Files   uint64
	Bytes   uint64
	Skipped uint64
	Total   uint64
}

type ProgressFunc func(s Stat, runtime time.Duration, ticker bool)

func NewProgress(d time.Duration) *Progress {
	return &Progress{duration: d}
}

// Start resets and runs the progress reporter.
func (p *Progress) Start() {
	if p == nil {
		return
	}
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.current = Stat{}
	p.startTime = time.Now()
	p.cancel = make(chan struct{})
	p.done = make(chan struct{})
	p.mu.Unlock()

	if p.OnStart != nil {
		p.OnStart()
	}
	go p.reporter(p.cancel, p.done)
}

// SetTotal sets the expected byte total used by Percent.
func (p *Progress) SetTotal(total uint64) {
	if p == nil {
		return
	}
	p.mu.Lock()
	p.current.Total = total
	p.mu.Unlock()
}

func (p *Progress) updateProgress(current Stat, ticker bool) {
	if p.OnUpdate == nil {
		return
	}
	p.funcMutex.Lock()
	p.OnUpdate(current, time.Since(p.startTime), ticker)
	p.funcMutex.Unlock()
}

func (p *Progress) reporter(cancel, done chan struct{}) {
	defer close(done)
	if p.duration <= 0 {
		<-cancel
		return
	}
	ticker := time.NewTicker(p.duration)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.updateProgress(p.Current(), true)
		case <-cancel:
			return
		}
	}
}

// Current returns the accumulated statistics.
func (p *Progress) Current() Stat {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// Report adds the statistics from s to the current state and reports the
// accumulated statistics unless an update was sent very recently.
func (p *Progress) Report(s Stat) {
	if p == nil {
		return
	}
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.current.Add(s)
	current := p.current
	needUpdate := false
	if time.Since(p.lastUpdate) > minTickerTime {
		p.lastUpdate = time.Now()
		needUpdate = true
	}
	p.mu.Unlock()

	if needUpdate {
		p.updateProgress(current, false)
	}
}

// Done stops the reporter and sends the final statistics to OnDone.
func (p *Progress) Done() {
	if p == nil {
		return
	}
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.cancel)
	done := p.done
	cur := p.current
	p.mu.Unlock()

	<-done
	if p.OnDone != nil {
		p.funcMutex.Lock()
		p.OnDone(cur, time.Since(p.startTime), false)
		p.funcMutex.Unlock()
	}
}

// Add accumulates other into s. Total is not accumulated.
func (s *Stat) Add(other Stat) {
	s.Bytes += other.Bytes
	s.Files += other.Files
	s.Skipped += other.Skipped
}

// Percent returns Bytes as a share of Total, capped at 100. It is -1 when Total is unknown.
func (s Stat) Percent() float64 {
	if s.Total == 0 {
		return -1
	}
	pct := float64(s.Bytes) * 100 / float64(s.Total)
	if pct > 100 {
		pct = 100
	}
	return pct
}

func (s Stat) String() string {
	str := humanize.IBytes(s.Bytes)
	if s.Total > 0 {
		str = fmt.Sprintf("%s / %s", str, humanize.IBytes(s.Total))
	}
	return fmt.Sprintf("Stat(%d files, %d skipped, %s)", s.Files, s.Skipped, str)
}
