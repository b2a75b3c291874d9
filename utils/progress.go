package utils

import (
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cheggaaa/pb/v3"
)

const progressTemplate = `{{string . "prefix"}}{{counters . }} {{bar . }} {{percent . }} {{speed . }} {{rtime . "ETA %s"}}`

// TransferSummary contains final statistics for one upload or download
type TransferSummary struct {
	Label        string
	TotalBytes   int64
	TotalTime    time.Duration
	AverageSpeed float64 // bytes per second
}

// ProgressTracker counts transferred bytes and drives a progress bar.
// In quiet mode it only counts.
type ProgressTracker struct {
	bar       *pb.ProgressBar
	label     string
	quiet     bool
	startTime time.Time
	total     int64
	current   atomic.Int64
	finish    sync.Once
	summary   *TransferSummary
}

// NewProgressTracker creates and starts a standalone tracker. A negative
// total means the size is unknown.
func NewProgressTracker(label string, total int64, quiet bool) *ProgressTracker {
	t := newTracker(label, total, quiet)
	if t.bar != nil {
		t.bar.SetWriter(os.Stderr)
		t.bar.Start()
	}
	return t
}

func newTracker(label string, total int64, quiet bool) *ProgressTracker {
	t := &ProgressTracker{
		label:     label,
		quiet:     quiet,
		startTime: time.Now(),
		total:     total,
	}
	if !quiet {
		bar := pb.ProgressBarTemplate(progressTemplate).New(0)
		if total >= 0 {
			bar.SetTotal(total)
		}
		bar.Set(pb.Bytes, true)
		bar.Set(pb.SIBytesPrefix, true)
		bar.Set("prefix", label+": ")
		t.bar = bar
	}
	return t
}

// Add records n more transferred bytes
func (t *ProgressTracker) Add(n int64) {
	t.current.Add(n)
	if t.bar != nil {
		t.bar.Add64(n)
	}
}

// Current returns the number of bytes recorded so far
func (t *ProgressTracker) Current() int64 {
	return t.current.Load()
}

// Percent returns progress in percent, or 0 when the total is unknown
func (t *ProgressTracker) Percent() float64 {
	if t.total <= 0 {
		return 0
	}
	return float64(t.Current()) / float64(t.total) * 100
}

// Writer wraps w so that every written byte is counted
func (t *ProgressTracker) Writer(w io.Writer) io.Writer {
	return &countingWriter{w: w, t: t}
}

// Reader wraps r so that every read byte is counted
func (t *ProgressTracker) Reader(r io.Reader) io.Reader {
	return &countingReader{r: r, t: t}
}

// IsQuiet returns whether the tracker is in quiet mode
func (t *ProgressTracker) IsQuiet() bool {
	return t.quiet
}

// Finish stops the bar and returns the transfer summary. Later calls
// return the same summary.
func (t *ProgressTracker) Finish() *TransferSummary {
	t.finish.Do(func() {
		if t.bar != nil {
			t.bar.Finish()
		}
		elapsed := time.Since(t.startTime)
		t.summary = &TransferSummary{
			Label:      t.label,
			TotalBytes: t.Current(),
			TotalTime:  elapsed,
		}
		if elapsed > 0 {
			t.summary.AverageSpeed = float64(t.summary.TotalBytes) / elapsed.Seconds()
		}
	})
	return t.summary
}

type countingWriter struct {
	w io.Writer
	t *ProgressTracker
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.t.Add(int64(n))
	return n, err
}

type countingReader struct {
	r io.Reader
	t *ProgressTracker
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.t.Add(int64(n))
	return n, err
}

// ProgressPool renders the bars of concurrent transfers together. When
// the terminal cannot host a pool each bar renders on its own.
type ProgressPool struct {
	pool  *pb.Pool
	quiet bool
}

// NewProgressPool starts a pool of bars
func NewProgressPool(quiet bool) *ProgressPool {
	p := &ProgressPool{quiet: quiet}
	if quiet {
		return p
	}
	if pool, err := pb.StartPool(); err == nil {
		p.pool = pool
	}
	return p
}

// Track creates a tracker whose bar belongs to the pool
func (p *ProgressPool) Track(label string, total int64) *ProgressTracker {
	if p.pool == nil {
		return NewProgressTracker(label, total, p.quiet)
	}
	t := newTracker(label, total, p.quiet)
	p.pool.Add(t.bar)
	return t
}

// Stop stops rendering; trackers should be finished first
func (p *ProgressPool) Stop() {
	if p.pool != nil {
		_ = p.pool.Stop()
	}
}

// FormatBytes formats byte count as human-readable string
func FormatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
