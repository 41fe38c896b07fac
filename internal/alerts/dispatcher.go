// Package alerts journals budget events and forwards them to the operator.
package alerts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"vizmon/internal/db"
	"vizmon/internal/models"
	"vizmon/internal/notifier"
)

const queueSize = 256

type Sender interface {
	Enabled() bool
	Send(ctx context.Context, msg string) error
}

type job struct {
	event   *models.BudgetEvent
	cleared models.Mode
}

// Dispatcher receives events from the monitor without blocking it and
// processes them on its own goroutine.
type Dispatcher struct {
	repo     *db.Repository
	notify   Sender
	log      *slog.Logger
	now      func() time.Time
	queue    chan job
	attempts int
	pause    time.Duration
}

func NewDispatcher(repo *db.Repository, notify Sender, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		repo:     repo,
		notify:   notify,
		log:      logger,
		now:      time.Now,
		queue:    make(chan job, queueSize),
		attempts: 3,
		pause:    300 * time.Millisecond,
	}
}

func (d *Dispatcher) Publish(ev models.BudgetEvent) {
	d.enqueue(job{event: &ev})
}

func (d *Dispatcher) ModeCleared(mode models.Mode) {
	d.enqueue(job{cleared: mode})
}

func (d *Dispatcher) enqueue(j job) {
	select {
	case d.queue <- j:
	default:
		d.log.Warn("alert queue full, dropping", "cleared", j.cleared, "event", j.event != nil)
	}
}

// Run drains the queue until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-d.queue:
			d.handle(ctx, j)
		}
	}
}

func (d *Dispatcher) handle(ctx context.Context, j job) {
	if j.event == nil {
		n, err := d.repo.ClearMode(ctx, j.cleared, d.now().UTC())
		if err != nil {
			d.log.Error("clear violations", "mode", j.cleared, "err", err)
			return
		}
		if n > 0 {
			d.log.Info("violations cleared on teardown", "mode", j.cleared, "count", n)
		}
		return
	}

	ev := *j.event
	switch ev.Kind {
	case models.BudgetExceeded:
		id, err := d.repo.CreateViolation(ctx, ev)
		if err != nil {
			d.log.Error("create violation", "err", err, "mode", ev.Mode, "dimension", ev.Dimension)
			return
		}
		d.sendNotification(ctx, id, fmt.Sprintf("BUDGET %s [%s] value=%d limit=%d", ev.Mode, ev.Dimension, ev.Value, ev.Limit))
	case models.BudgetRecovered:
		id, err := d.repo.CloseViolation(ctx, ev.Mode, ev.Dimension, db.StatusRecovered, ev.TS)
		if err != nil {
			d.log.Error("close violation", "err", err, "mode", ev.Mode, "dimension", ev.Dimension)
			return
		}
		if id != 0 {
			d.sendNotification(ctx, id, fmt.Sprintf("RECOVERY %s [%s] value=%d limit=%d", ev.Mode, ev.Dimension, ev.Value, ev.Limit))
		}
	}
}

func (d *Dispatcher) sendNotification(ctx context.Context, violationID int64, msg string) {
	if d.notify == nil || !d.notify.Enabled() {
		return
	}
	attempts := 0
	var err error
	for attempts < d.attempts {
		attempts++
		err = d.notify.Send(ctx, msg)
		if err == nil {
			now := d.now().UTC()
			_ = d.repo.InsertNotificationEvent(ctx, violationID, "telegram", "sent", attempts, "", &now)
			return
		}
		if errors.Is(err, notifier.ErrRateLimited) || errors.Is(err, notifier.ErrNotConfigured) {
			break
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Duration(attempts) * d.pause):
		}
	}
	_ = d.repo.InsertNotificationEvent(ctx, violationID, "telegram", "failed", attempts, err.Error(), nil)
	d.log.Warn("notify failed", "err", err, "attempts", attempts)
}
