package progress

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStat_String(t *testing.T) {
	tests := []struct {
		name string
		stat Stat
		want string
	}{
		{
			name: "bytes only",
			stat: Stat{Files: 1, Bytes: 1},
			want: "Stat(1 files, 0 skipped, 1 B)",
		},
		{
			name: "with total",
			stat: Stat{Files: 3, Skipped: 1, Bytes: 1 << 20, Total: 2 << 20},
			want: "Stat(3 files, 1 skipped, 1.0 MiB / 2.0 MiB)",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.stat.String(); got != tt.want {
				t.Errorf("Stat.String() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestStat_Percent(t *testing.T) {
	assert.Equal(t, float64(-1), Stat{Bytes: 10}.Percent())
	assert.Equal(t, float64(50), Stat{Bytes: 5, Total: 10}.Percent())
	assert.Equal(t, float64(100), Stat{Bytes: 11, Total: 10}.Percent())
}

func TestProgressReportsAndFinishes(t *testing.T) {
	p := NewProgress(5 * time.Millisecond)
	var (
		mu      sync.Mutex
		updates []Stat
		final   Stat
	)
	p.OnUpdate = func(s Stat, _ time.Duration, _ bool) {
		mu.Lock()
		updates = append(updates, s)
		mu.Unlock()
	}
	p.OnDone = func(s Stat, _ time.Duration, _ bool) {
		final = s
	}

	p.Start()
	p.SetTotal(300)
	for i := 0; i < 3; i++ {
		p.Report(Stat{Files: 1, Bytes: 100})
		time.Sleep(10 * time.Millisecond)
	}
	p.Done()

	assert.Equal(t, Stat{Files: 3, Bytes: 300, Total: 300}, final)
	mu.Lock()
	defer mu.Unlock()
	assert.NotEmpty(t, updates)

	// Reports after Done are ignored.
	p.Report(Stat{Bytes: 1})
	assert.Equal(t, uint64(300), p.Current().Bytes)
}
