package backupapi

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/bizflycloud/backupd/pkg/job"
)

// NewProgressWriter returns new progress writer.
func NewProgressWriter(out io.Writer) *ProgressWriter {
	return &ProgressWriter{w: out}
}

// ProgressWriter renders job snapshots as a single progress line.
type ProgressWriter struct {
	w    io.Writer
	last string
}

// Report writes the progress of j, unless it did not change since the last call.
func (pw *ProgressWriter) Report(j job.Job) {
	line := progressLine(j)
	if line == pw.last {
		return
	}
	pw.last = line
	_, _ = fmt.Fprintf(pw.w, "\r%s", strings.Repeat(" ", 60))
	_, _ = fmt.Fprintf(pw.w, "\r%s", line)
}

func progressLine(j job.Job) string {
	var b strings.Builder
	b.WriteString(string(j.Status))
	if j.Stage != "" {
		fmt.Fprintf(&b, " [%s]", j.Stage)
	}
	fmt.Fprintf(&b, " Total: %s done", humanize.Bytes(uint64(j.Progress.BytesCurrent)))
	if j.Progress.UploadPct != nil {
		fmt.Fprintf(&b, ", upload %.0f%%", *j.Progress.UploadPct)
	}
	return b.String()
}

// WaitJob polls a job every interval until it is terminal or ctx is done.
// report, when not nil, receives every snapshot.
func (c *Client) WaitJob(ctx context.Context, id string, interval time.Duration, report func(job.Job)) (*job.Job, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		j, err := c.GetJob(ctx, id)
		if err != nil {
			return nil, err
		}
		if report != nil {
			report(*j)
		}
		if j.Status.IsTerminal() {
			return j, nil
		}
		select {
		case <-ctx.Done():
			return j, ctx.Err()
		case <-ticker.C:
		}
	}
}
