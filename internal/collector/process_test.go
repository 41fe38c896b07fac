package collector

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestReadRSS(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status")
	content := "Name:\tvizmon\nVmPeak:\t  200000 kB\nVmRSS:\t   51200 kB\nThreads:\t12\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write status: %v", err)
	}
	got, err := readRSS(path)
	if err != nil {
		t.Fatalf("readRSS: %v", err)
	}
	if got != 51200*1024 {
		t.Fatalf("rss = %d, want %d", got, 51200*1024)
	}
}

func TestReadRSSMissingLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status")
	if err := os.WriteFile(path, []byte("Name:\tx\n"), 0o644); err != nil {
		t.Fatalf("write status: %v", err)
	}
	if _, err := readRSS(path); err == nil {
		t.Fatal("expected error for missing VmRSS")
	}
}

func TestCollectFillsRuntimeFieldsWithoutProc(t *testing.T) {
	now := time.Date(2026, 2, 21, 12, 0, 0, 0, time.UTC)
	p := &ProcessCollector{statusPath: filepath.Join(t.TempDir(), "absent"), now: func() time.Time { return now }}
	m, err := p.Collect()
	if err == nil {
		t.Fatal("expected error for missing status file")
	}
	if m.HeapAlloc <= 0 || m.Goroutines <= 0 || !m.TS.Equal(now) {
		t.Fatalf("runtime fields not filled: %#v", m)
	}
}

func TestServiceTickKeepsLatest(t *testing.T) {
	s := NewService(nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	s.Tick(context.Background())
	if s.Latest().HeapAlloc <= 0 {
		t.Fatalf("latest = %#v", s.Latest())
	}
}
