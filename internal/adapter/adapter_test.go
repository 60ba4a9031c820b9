package adapter

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/Ning0612/xferd/internal/domain"
)

type bareAdapter struct{}

func (bareAdapter) Protocol() domain.Protocol { return domain.ProtocolSCP }
func (bareAdapter) List(context.Context, string) ([]domain.FileItem, error) {
	return nil, domain.ErrUnsupportedOperation
}
func (bareAdapter) Upload(context.Context, Source, string, ProgressFunc) error   { return nil }
func (bareAdapter) Download(context.Context, string, string, ProgressFunc) error { return nil }
func (bareAdapter) Close() error                                                 { return nil }

type fullAdapter struct{ bareAdapter }

func (fullAdapter) Delete(context.Context, string) error              { return nil }
func (fullAdapter) Mkdir(context.Context, string) error               { return nil }
func (fullAdapter) Rename(context.Context, string, string) error      { return nil }
func (fullAdapter) Chmod(context.Context, string, os.FileMode) error { return nil }
func (fullAdapter) ConcurrencySafe() bool                             { return true }

func TestCapabilitiesOf(t *testing.T) {
	caps := CapabilitiesOf(bareAdapter{})
	if caps != (Capabilities{}) {
		t.Errorf("expected no capabilities, got %+v", caps)
	}

	caps = CapabilitiesOf(fullAdapter{})
	want := Capabilities{Delete: true, Mkdir: true, Rename: true, Chmod: true, Concurrent: true}
	if caps != want {
		t.Errorf("CapabilitiesOf() = %+v, want %+v", caps, want)
	}
}

func TestFileSource(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "payload.bin")
	if err := os.WriteFile(path, []byte("hello world"), 0600); err != nil {
		t.Fatal(err)
	}

	src, err := FileSource(path)
	if err != nil {
		t.Fatalf("FileSource failed: %v", err)
	}
	if src.Name() != "payload.bin" || src.Size() != 11 {
		t.Errorf("unexpected source metadata: %s %d", src.Name(), src.Size())
	}
	if PathOf(src) != path {
		t.Errorf("PathOf() = %q", PathOf(src))
	}
	if ModeOf(src) != 0600 {
		t.Errorf("ModeOf() = %v, want 0600", ModeOf(src))
	}

	// Two opens both start at byte 0
	for i := 0; i < 2; i++ {
		rc, err := src.Open()
		if err != nil {
			t.Fatalf("Open failed: %v", err)
		}
		data, _ := io.ReadAll(rc)
		rc.Close()
		if string(data) != "hello world" {
			t.Errorf("open %d read %q", i, data)
		}
	}
}

func TestFileSource_Errors(t *testing.T) {
	dir := t.TempDir()

	if _, err := FileSource(filepath.Join(dir, "missing")); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := FileSource(dir); !errors.Is(err, domain.ErrIO) {
		t.Errorf("expected ErrIO for directory, got %v", err)
	}
}

func TestBytesSource(t *testing.T) {
	src := BytesSource("mem.txt", []byte("abc"))
	if src.Size() != 3 || src.Name() != "mem.txt" {
		t.Errorf("unexpected metadata")
	}
	if PathOf(src) != "" {
		t.Error("in-memory source should have no path")
	}
	if ModeOf(src) != 0644 {
		t.Errorf("default mode = %v", ModeOf(src))
	}
}
