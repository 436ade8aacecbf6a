package pipeline

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/clock"
)

// ErrCancelled is returned when a stage observes a cancelled Token.
var ErrCancelled = errors.New("cancelled")

// Token is a cooperative cancellation flag. Setting it never blocks; stages
// check it between steps and at checkpoints while streaming.
type Token struct {
	cancelled atomic.Bool
	once      sync.Once
	done      chan struct{}
}

func NewToken() *Token {
	return &Token{done: make(chan struct{})}
}

// Cancel sets the flag and closes Done. It is safe to call more than once.
func (t *Token) Cancel() {
	t.cancelled.Store(true)
	t.once.Do(func() {
		if t.done != nil {
			close(t.done)
		}
	})
}

// Done is closed when the token is cancelled, for callers that wait on
// something other than a stage.
func (t *Token) Done() <-chan struct{} {
	if t == nil {
		return nil
	}
	return t.done
}

func (t *Token) Cancelled() bool {
	return t != nil && t.cancelled.Load()
}

// Err returns ErrCancelled once the token is cancelled.
func (t *Token) Err() error {
	if t.Cancelled() {
		return ErrCancelled
	}
	return nil
}

// checkpoint consults the token after every bytes of data or every interval,
// whichever comes first.
type checkpoint struct {
	token    *Token
	bytes    int64
	interval time.Duration
	clock    clock.Clock

	pending int64
	last    time.Time
}

func newCheckpoint(token *Token, bytes int64, interval time.Duration, clk clock.Clock) *checkpoint {
	return &checkpoint{token: token, bytes: bytes, interval: interval, clock: clk, last: clk.Now()}
}

func (c *checkpoint) add(n int) error {
	c.pending += int64(n)
	now := c.clock.Now()
	if c.pending < c.bytes && now.Sub(c.last) < c.interval {
		return nil
	}
	c.pending = 0
	c.last = now
	return c.token.Err()
}

// checkpointReader runs the checkpoint and reports bytes as data is read.
type checkpointReader struct {
	r      io.Reader
	cp     *checkpoint
	report func(n int)
}

func (c *checkpointReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		if c.report != nil {
			c.report(n)
		}
		if cerr := c.cp.add(n); cerr != nil {
			return n, cerr
		}
	}
	return n, err
}
