package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"vizmon/internal/models"
)

// BudgetWatcher reloads the budget file when it changes on disk. The parent
// directory is watched so editors that replace the file are picked up.
type BudgetWatcher struct {
	path     string
	apply    func(map[models.Mode]models.Budget)
	log      *slog.Logger
	debounce time.Duration
	watcher  *fsnotify.Watcher

	mu      sync.Mutex
	pending *time.Timer
}

func NewBudgetWatcher(path string, apply func(map[models.Mode]models.Budget), logger *slog.Logger) (*BudgetWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		_ = w.Close()
		return nil, err
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}
	return &BudgetWatcher{
		path:     abs,
		apply:    apply,
		log:      logger,
		debounce: 300 * time.Millisecond,
		watcher:  w,
	}, nil
}

// Run blocks until ctx is done or the watcher fails.
func (b *BudgetWatcher) Run(ctx context.Context) error {
	defer b.watcher.Close()
	defer b.stopPending()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-b.watcher.Events:
			if !ok {
				return fmt.Errorf("watcher events channel closed")
			}
			if filepath.Clean(ev.Name) != b.path {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
				b.schedule()
			}
		case err, ok := <-b.watcher.Errors:
			if !ok {
				return fmt.Errorf("watcher errors channel closed")
			}
			b.log.Warn("budget watcher error", "err", err)
		}
	}
}

func (b *BudgetWatcher) schedule() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pending != nil {
		b.pending.Stop()
	}
	b.pending = time.AfterFunc(b.debounce, b.reload)
}

func (b *BudgetWatcher) stopPending() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pending != nil {
		b.pending.Stop()
		b.pending = nil
	}
}

func (b *BudgetWatcher) reload() {
	budgets, err := LoadBudgets(b.path)
	if err != nil {
		b.log.Warn("budget reload rejected", "path", b.path, "err", err)
		return
	}
	b.apply(budgets)
	b.log.Info("budgets reloaded", "path", b.path, "modes", len(budgets))
}
