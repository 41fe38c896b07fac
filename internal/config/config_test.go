package config

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vizmon/internal/models"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("APP_DATA_DIR", "/tmp/vizmon")
	t.Setenv("APP_SAMPLE_INTERVAL", "")
	t.Setenv("APP_INITIAL_MODE", "satellites")
	t.Setenv("APP_HISTORY_SIZE", "not-a-number")

	cfg := Load()
	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, "/tmp/vizmon/vizmon.db", cfg.DBPath)
	assert.Equal(t, 2*time.Second, cfg.SampleInterval)
	assert.Equal(t, 16*time.Millisecond, cfg.FrameInterval)
	assert.Equal(t, 10, cfg.HistorySize)
	assert.Equal(t, models.Satellites, cfg.InitialMode)
	assert.Equal(t, 21000, cfg.SatelliteCount)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("APP_SAMPLE_INTERVAL", "500ms")
	t.Setenv("APP_INITIAL_MODE", "nope")
	t.Setenv("APP_DEBUG", "yes")
	t.Setenv("APP_NOTIFY_PER_MINUTE", "5")

	cfg := Load()
	assert.Equal(t, 500*time.Millisecond, cfg.SampleInterval)
	assert.Empty(t, cfg.InitialMode)
	assert.True(t, cfg.Debug)
	assert.Equal(t, 5, cfg.NotifyPerMinute)
}

func TestParseBudgets(t *testing.T) {
	doc := []byte(`
budgets:
  Satellites:
    max_items: 25000
    max_heap_bytes: 67108864
  spaceweather:
    max_items: 1000
`)
	got, err := ParseBudgets(doc)
	require.NoError(t, err)
	assert.Equal(t, models.Budget{MaxItems: 25000, MaxHeapBytes: 64 << 20}, got[models.Satellites])
	assert.Equal(t, models.Budget{MaxItems: 1000}, got[models.SpaceWeather])
}

func TestParseBudgetsRejectsBadInput(t *testing.T) {
	_, err := ParseBudgets([]byte("budgets:\n  Weather:\n    max_items: 1\n"))
	assert.ErrorContains(t, err, "unknown mode")

	_, err = ParseBudgets([]byte("budgets:\n  Satellites:\n    max_items: -1\n"))
	assert.ErrorContains(t, err, "negative")

	_, err = ParseBudgets([]byte("budgets: [1, 2"))
	assert.Error(t, err)
}

func TestBudgetWatcherReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "budgets.yaml")
	require.NoError(t, os.WriteFile(path, []byte("budgets:\n  Satellites:\n    max_items: 1\n"), 0o644))

	var mu sync.Mutex
	var applied []map[models.Mode]models.Budget
	w, err := NewBudgetWatcher(path, func(b map[models.Mode]models.Budget) {
		mu.Lock()
		defer mu.Unlock()
		applied = append(applied, b)
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	w.debounce = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.NoError(t, os.WriteFile(path, []byte("budgets:\n  Satellites:\n    max_items: 500\n"), 0o644))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(applied) > 0 && applied[len(applied)-1][models.Satellites].MaxItems == 500
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}
