package progress

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/Ning0612/xferd/internal/domain"
)

// TestReader_ReportsCumulativeBytes tests progress callbacks on read
func TestReader_ReportsCumulativeBytes(t *testing.T) {
	data := bytes.Repeat([]byte("x"), 100)

	var calls [][2]int64
	pr := NewReader(context.Background(), bytes.NewReader(data), 100, func(transferred, total int64) {
		calls = append(calls, [2]int64{transferred, total})
	})

	buf := make([]byte, 30)
	for {
		_, err := pr.Read(buf)
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Read failed: %v", err)
		}
	}

	want := [][2]int64{{30, 100}, {60, 100}, {90, 100}, {100, 100}}
	if len(calls) != len(want) {
		t.Fatalf("expected %d callbacks, got %d: %v", len(want), len(calls), calls)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Errorf("callback %d = %v, want %v", i, calls[i], want[i])
		}
	}
	if pr.Transferred() != 100 {
		t.Errorf("Transferred() = %d, want 100", pr.Transferred())
	}
}

// TestReader_StopsAfterCancel tests chunk-level cancellation
func TestReader_StopsAfterCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	pr := NewReader(ctx, strings.NewReader("abcdefgh"), 8, nil)

	buf := make([]byte, 2)
	if _, err := pr.Read(buf); err != nil {
		t.Fatalf("first read failed: %v", err)
	}

	cancel()

	n, err := pr.Read(buf)
	if n != 0 {
		t.Errorf("expected no bytes after cancel, got %d", n)
	}
	if !errors.Is(err, domain.ErrCancelled) {
		t.Errorf("expected ErrCancelled, got %v", err)
	}
}

// TestWriter_ReportsAndCancels tests the writer side
func TestWriter_ReportsAndCancels(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var buf bytes.Buffer
	var last int64

	pw := NewWriter(ctx, &buf, 0, func(transferred, total int64) {
		last = transferred
		if total != 0 {
			t.Errorf("expected unknown total, got %d", total)
		}
	})

	if _, err := pw.Write([]byte("hello")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if last != 5 || pw.Transferred() != 5 {
		t.Errorf("expected 5 bytes reported, got %d", last)
	}

	cancel()
	if _, err := pw.Write([]byte("world")); !errors.Is(err, domain.ErrCancelled) {
		t.Errorf("expected ErrCancelled, got %v", err)
	}
	if buf.String() != "hello" {
		t.Errorf("unexpected buffer content %q", buf.String())
	}
}

// TestCopy tests chunked copy with progress
func TestCopy(t *testing.T) {
	data := bytes.Repeat([]byte("ab"), 50)
	var dst bytes.Buffer
	ticks := 0

	n, err := Copy(context.Background(), &dst, bytes.NewReader(data), int64(len(data)), 10, func(int64, int64) {
		ticks++
	})
	if err != nil {
		t.Fatalf("Copy failed: %v", err)
	}
	if n != 100 || dst.Len() != 100 {
		t.Errorf("expected 100 bytes copied, got %d", n)
	}
	if ticks != 10 {
		t.Errorf("expected 10 progress ticks with 10-byte chunks, got %d", ticks)
	}
}

// TestCopy_CancelledContext tests that Copy refuses to start when cancelled
func TestCopy_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var dst bytes.Buffer
	_, err := Copy(ctx, &dst, strings.NewReader("data"), 4, 0, nil)
	if !errors.Is(err, domain.ErrCancelled) {
		t.Errorf("expected ErrCancelled, got %v", err)
	}
	if dst.Len() != 0 {
		t.Errorf("expected nothing written, got %d bytes", dst.Len())
	}
}

// TestThrottle tests interval limiting with a fake clock
func TestThrottle(t *testing.T) {
	now := time.Unix(1000, 0)
	th := NewThrottle(100*time.Millisecond, func() time.Time { return now })

	if !th.Allow() {
		t.Error("first call should be allowed")
	}
	now = now.Add(50 * time.Millisecond)
	if th.Allow() {
		t.Error("call within interval should be throttled")
	}
	now = now.Add(60 * time.Millisecond)
	if !th.Allow() {
		t.Error("call after interval should be allowed")
	}

	unlimited := NewThrottle(0, nil)
	for i := 0; i < 3; i++ {
		if !unlimited.Allow() {
			t.Error("zero interval should always allow")
		}
	}
}

// TestMeter tests speed tracking
func TestMeter(t *testing.T) {
	m := NewMeter()
	time.Sleep(5 * time.Millisecond)
	m.Update(1024)
	if m.BytesPerSecond() <= 0 {
		t.Error("expected positive speed")
	}
}

// TestFormatBytes tests byte formatting
func TestFormatBytes(t *testing.T) {
	tests := []struct {
		bytes    int64
		expected string
	}{
		{0, "0 B"},
		{500, "500 B"},
		{1024, "1.0 KB"},
		{1536, "1.5 KB"},
		{1024 * 1024, "1.0 MB"},
		{1024 * 1024 * 1024, "1.0 GB"},
	}

	for _, tt := range tests {
		got := FormatBytes(tt.bytes)
		if got != tt.expected {
			t.Errorf("FormatBytes(%d) = %s, want %s", tt.bytes, got, tt.expected)
		}
	}
}

// TestFormatSpeed tests speed formatting
func TestFormatSpeed(t *testing.T) {
	if got := FormatSpeed(1024.0 * 1024.0); got != "1.0 MB/s" {
		t.Errorf("FormatSpeed(1048576) = %s, want '1.0 MB/s'", got)
	}
}

// TestFormatProgress tests progress bar generation
func TestFormatProgress(t *testing.T) {
	tests := []struct {
		percent  float64
		width    int
		contains string
	}{
		{0, 20, "[>"},
		{50, 20, "50.0%"},
		{100, 20, "100.0%"},
		{150, 10, "[==========]"},
	}

	for _, tt := range tests {
		got := FormatProgress(tt.percent, tt.width)
		if !strings.Contains(got, tt.contains) {
			t.Errorf("FormatProgress(%v, %d) = %s, should contain '%s'",
				tt.percent, tt.width, got, tt.contains)
		}
	}
}
