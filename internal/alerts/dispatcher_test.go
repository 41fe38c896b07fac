package alerts

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"vizmon/internal/db"
	"vizmon/internal/models"
	"vizmon/internal/monitor"
	"vizmon/internal/notifier"
	"vizmon/internal/registry"
	"vizmon/internal/service"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func newRepo(t *testing.T) *db.Repository {
	t.Helper()
	sqldb, err := db.Open(t.TempDir() + "/test.db")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = sqldb.Close() })
	if err := db.Migrate(sqldb); err != nil {
		t.Fatalf("migrate db: %v", err)
	}
	return db.NewRepository(sqldb)
}

func okTelegram(calls *atomic.Int32) *notifier.Telegram {
	n := notifier.NewTelegram("token", "chat", 0)
	n.HTTP = &http.Client{Transport: roundTripFunc(func(*http.Request) (*http.Response, error) {
		calls.Add(1)
		return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(strings.NewReader(`{"ok":true}`))}, nil
	})}
	return n
}

func newDispatcher(repo *db.Repository, s Sender) *Dispatcher {
	d := NewDispatcher(repo, s, slog.New(slog.NewTextHandler(io.Discard, nil)))
	now := time.Date(2026, 2, 21, 12, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return now }
	d.pause = time.Millisecond
	return d
}

func TestExceededThenRecoveredIsJournaled(t *testing.T) {
	repo := newRepo(t)
	var calls atomic.Int32
	d := newDispatcher(repo, okTelegram(&calls))
	ctx := context.Background()
	ts := time.Date(2026, 2, 21, 12, 0, 0, 0, time.UTC)

	d.handle(ctx, job{event: &models.BudgetEvent{ID: "e1", Kind: models.BudgetExceeded, Mode: models.SpaceWeather, Dimension: models.DimItems, Value: 1500, Limit: 1000, TS: ts}})
	if n, _ := repo.OpenViolationCount(ctx); n != 1 {
		t.Fatalf("open = %d, want 1", n)
	}
	d.handle(ctx, job{event: &models.BudgetEvent{ID: "e2", Kind: models.BudgetRecovered, Mode: models.SpaceWeather, Dimension: models.DimItems, Value: 10, Limit: 1000, TS: ts.Add(time.Minute)}})
	if n, _ := repo.OpenViolationCount(ctx); n != 0 {
		t.Fatalf("open = %d, want 0", n)
	}
	if calls.Load() != 2 {
		t.Fatalf("telegram calls = %d, want 2", calls.Load())
	}
	if sent, _ := repo.NotificationCount(ctx, "sent"); sent != 2 {
		t.Fatalf("sent notifications = %d, want 2", sent)
	}
}

func TestRecoveredWithoutOpenViolationSendsNothing(t *testing.T) {
	repo := newRepo(t)
	var calls atomic.Int32
	d := newDispatcher(repo, okTelegram(&calls))
	d.handle(context.Background(), job{event: &models.BudgetEvent{ID: "x", Kind: models.BudgetRecovered, Mode: models.Satellites, Dimension: models.DimGPU}})
	if calls.Load() != 0 {
		t.Fatalf("telegram calls = %d, want 0", calls.Load())
	}
}

type failingSender struct{ calls int }

func (f *failingSender) Enabled() bool { return true }
func (f *failingSender) Send(context.Context, string) error {
	f.calls++
	return errors.New("network down")
}

func TestNotificationRetriesThenRecordsFailure(t *testing.T) {
	repo := newRepo(t)
	s := &failingSender{}
	d := newDispatcher(repo, s)
	ctx := context.Background()

	d.handle(ctx, job{event: &models.BudgetEvent{ID: "e1", Kind: models.BudgetExceeded, Mode: models.CyberAttacks, Dimension: models.DimHeap, TS: time.Now()}})
	if s.calls != 3 {
		t.Fatalf("attempts = %d, want 3", s.calls)
	}
	if failed, _ := repo.NotificationCount(ctx, "failed"); failed != 1 {
		t.Fatalf("failed notifications = %d, want 1", failed)
	}
}

func TestModeClearedClosesOpenViolations(t *testing.T) {
	repo := newRepo(t)
	d := newDispatcher(repo, nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go d.Run(ctx)

	d.Publish(models.BudgetEvent{ID: "e1", Kind: models.BudgetExceeded, Mode: models.Satellites, Dimension: models.DimItems, TS: time.Now()})
	d.ModeCleared(models.Satellites)

	deadline := time.Now().Add(2 * time.Second)
	for {
		list, _ := repo.RecentViolations(context.Background(), time.Time{}, 10)
		if len(list) == 1 && list[0].Status == db.StatusCleared {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("violation not cleared: %#v", list)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// clearingSink tears the mode down from another goroutine while the monitor is
// still publishing, the way a concurrent mode switch does.
type clearingSink struct {
	mon  *monitor.Monitor
	done chan struct{}
}

func (c *clearingSink) Publish(ev models.BudgetEvent) {
	go func() {
		c.mon.ClearMode(ev.Mode)
		close(c.done)
	}()
	time.Sleep(20 * time.Millisecond)
}

func TestTeardownDuringPublishLeavesNoFiringViolation(t *testing.T) {
	repo := newRepo(t)
	d := newDispatcher(repo, nil)
	ctx := context.Background()

	reg := registry.New()
	cache := service.NewCache[int, int]("sat", nil, 0, slog.New(slog.NewTextHandler(io.Discard, nil)))
	for i := 0; i < 5; i++ {
		cache.Put(i, i)
	}
	if err := reg.RegisterService(models.Satellites, cache); err != nil {
		t.Fatalf("register: %v", err)
	}
	mon := monitor.New(reg, 10, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	mon.SetBudget(models.Satellites, models.Budget{MaxItems: 1})
	cs := &clearingSink{mon: mon, done: make(chan struct{})}
	mon.AddSink(cs)
	mon.AddSink(d)

	mon.SampleNow()
	<-cs.done
	for len(d.queue) > 0 {
		d.handle(ctx, <-d.queue)
	}

	if n, _ := repo.OpenViolationCount(ctx); n != 0 {
		t.Fatalf("open violations = %d, want 0", n)
	}
	list, _ := repo.RecentViolations(ctx, time.Time{}, 10)
	if len(list) != 1 || list[0].Status != db.StatusCleared {
		t.Fatalf("journal = %#v, want one cleared violation", list)
	}
}
