package progress

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/Ning0612/xferd/internal/domain"
)

// Func receives cumulative byte counts. total is 0 while unknown.
type Func func(transferred, total int64)

// cancelErr converts a done context into the cancellation error adapters surface
func cancelErr(ctx context.Context) error {
	return fmt.Errorf("%w: %v", domain.ErrCancelled, ctx.Err())
}

// Reader wraps an io.Reader, reporting progress after every chunk and
// refusing the next chunk once ctx is done.
type Reader struct {
	ctx         context.Context
	reader      io.Reader
	fn          Func
	total       int64
	transferred int64
}

// NewReader creates a new cancellation-aware progress reader
func NewReader(ctx context.Context, r io.Reader, total int64, fn Func) *Reader {
	return &Reader{ctx: ctx, reader: r, fn: fn, total: total}
}

// Read implements io.Reader
func (pr *Reader) Read(p []byte) (n int, err error) {
	if pr.ctx.Err() != nil {
		return 0, cancelErr(pr.ctx)
	}
	n, err = pr.reader.Read(p)
	if n > 0 {
		pr.transferred += int64(n)
		if pr.fn != nil {
			pr.fn(pr.transferred, pr.total)
		}
	}
	return n, err
}

// Transferred returns the bytes read so far
func (pr *Reader) Transferred() int64 {
	return pr.transferred
}

// Writer wraps an io.Writer the same way Reader wraps a reader
type Writer struct {
	ctx         context.Context
	writer      io.Writer
	fn          Func
	total       int64
	transferred int64
}

// NewWriter creates a new cancellation-aware progress writer
func NewWriter(ctx context.Context, w io.Writer, total int64, fn Func) *Writer {
	return &Writer{ctx: ctx, writer: w, fn: fn, total: total}
}

// Write implements io.Writer
func (pw *Writer) Write(p []byte) (n int, err error) {
	if pw.ctx.Err() != nil {
		return 0, cancelErr(pw.ctx)
	}
	n, err = pw.writer.Write(p)
	if n > 0 {
		pw.transferred += int64(n)
		if pw.fn != nil {
			pw.fn(pw.transferred, pw.total)
		}
	}
	return n, err
}

// Transferred returns the bytes written so far
func (pw *Writer) Transferred() int64 {
	return pw.transferred
}

// Copy copies src to dst in chunks of bufSize through a cancellation-aware
// reader. It returns the number of bytes copied.
func Copy(ctx context.Context, dst io.Writer, src io.Reader, total int64, bufSize int, fn Func) (int64, error) {
	if bufSize <= 0 {
		bufSize = 32 * 1024
	}
	pr := NewReader(ctx, src, total, fn)
	buf := make([]byte, bufSize)
	// Hide WriterTo/ReaderFrom so every chunk goes through pr
	n, err := io.CopyBuffer(struct{ io.Writer }{dst}, struct{ io.Reader }{pr}, buf)
	if err == nil && ctx.Err() != nil {
		return n, cancelErr(ctx)
	}
	return n, err
}

// Throttle limits how often a recurring action runs. A zero interval
// allows every call.
type Throttle struct {
	interval time.Duration
	now      func() time.Time
	mu       sync.Mutex
	last     time.Time
}

// NewThrottle creates a new Throttle. now may be nil.
func NewThrottle(interval time.Duration, now func() time.Time) *Throttle {
	if now == nil {
		now = time.Now
	}
	return &Throttle{interval: interval, now: now}
}

// Allow reports whether the action may run now, and records it if so
func (t *Throttle) Allow() bool {
	if t.interval <= 0 {
		return true
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	if !t.last.IsZero() && now.Sub(t.last) < t.interval {
		return false
	}
	t.last = now
	return true
}

// Meter tracks transfer speed for display
type Meter struct {
	mu        sync.Mutex
	startTime time.Time
	bytes     int64
}

// NewMeter creates a meter starting now
func NewMeter() *Meter {
	return &Meter{startTime: time.Now()}
}

// Update records the cumulative byte count
func (m *Meter) Update(transferred int64) {
	m.mu.Lock()
	m.bytes = transferred
	m.mu.Unlock()
}

// BytesPerSecond returns the average speed since the meter started
func (m *Meter) BytesPerSecond() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	elapsed := time.Since(m.startTime).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(m.bytes) / elapsed
}

// FormatBytes formats bytes into human-readable string
func FormatBytes(bytes int64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
	)

	switch {
	case bytes >= GB:
		return fmt.Sprintf("%.1f GB", float64(bytes)/GB)
	case bytes >= MB:
		return fmt.Sprintf("%.1f MB", float64(bytes)/MB)
	case bytes >= KB:
		return fmt.Sprintf("%.1f KB", float64(bytes)/KB)
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}

// FormatSpeed formats bytes per second into human-readable string
func FormatSpeed(bytesPerSecond float64) string {
	return FormatBytes(int64(bytesPerSecond)) + "/s"
}

// FormatProgress returns a progress bar string for a percentage in [0, 100]
func FormatProgress(percent float64, width int) string {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}

	filled := int(percent / 100 * float64(width))
	bar := make([]byte, width)
	for i := 0; i < width; i++ {
		switch {
		case i < filled:
			bar[i] = '='
		case i == filled:
			bar[i] = '>'
		default:
			bar[i] = ' '
		}
	}

	return fmt.Sprintf("[%s] %5.1f%%", string(bar), percent)
}
