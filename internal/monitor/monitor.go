// Package monitor samples per-mode resource usage, keeps a short history and
// raises edge-triggered budget events.
package monitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"vizmon/internal/gpu"
	"vizmon/internal/models"
	"vizmon/internal/service"
	"vizmon/internal/telemetry"
)

const DefaultHistorySize = 10

// Source is the read side of the registry.
type Source interface {
	Modes() []models.Mode
	Each(mode models.Mode, onService func(service.Disposable), onHandle func(*gpu.Handle))
}

// Sink receives budget events after the sampling pass that produced them.
// Events and mode clears reach sinks in the order the monitor applied them.
// Sinks must not call back into the Monitor.
type Sink interface {
	Publish(ev models.BudgetEvent)
}

// ModeClearer is implemented by sinks that track open violations and need to
// forget them when a mode is torn down.
type ModeClearer interface {
	ModeCleared(mode models.Mode)
}

type ModeStatus struct {
	Mode       models.Mode           `json:"mode"`
	Latest     *models.UsageSnapshot `json:"latest,omitempty"`
	Budget     models.Budget         `json:"budget"`
	Violations []models.Dimension    `json:"violations"`
}

type Status struct {
	TS    time.Time    `json:"ts"`
	Modes []ModeStatus `json:"modes"`
}

type Monitor struct {
	src     Source
	log     *slog.Logger
	metrics *telemetry.Metrics
	now     func() time.Time
	size    int

	// pubMu is taken while mu is still held and kept until sinks have been
	// called, so publication order matches state order.
	pubMu sync.Mutex

	mu      sync.Mutex
	budgets map[models.Mode]models.Budget
	history map[models.Mode]*ring
	open    map[models.Mode]map[models.Dimension]bool
	sinks   []Sink
}

func New(src Source, historySize int, metrics *telemetry.Metrics, logger *slog.Logger) *Monitor {
	if historySize <= 0 {
		historySize = DefaultHistorySize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		src:     src,
		log:     logger,
		metrics: metrics,
		now:     time.Now,
		size:    historySize,
		budgets: make(map[models.Mode]models.Budget),
		history: make(map[models.Mode]*ring),
		open:    make(map[models.Mode]map[models.Dimension]bool),
	}
}

func (m *Monitor) AddSink(s Sink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sinks = append(m.sinks, s)
}

// SetBudget replaces mode's budget. It applies from the next sample on.
func (m *Monitor) SetBudget(mode models.Mode, b models.Budget) {
	m.mu.Lock()
	m.budgets[mode] = b
	m.mu.Unlock()
	m.metrics.ObserveBudget(mode, b)
	m.log.Info("budget updated", "mode", mode, "max_heap_bytes", b.MaxHeapBytes, "max_items", b.MaxItems, "max_gpu_bytes", b.MaxGPUBytes)
}

func (m *Monitor) Budget(mode models.Mode) models.Budget {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.budgets[mode]
}

func (m *Monitor) Budgets() map[models.Mode]models.Budget {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[models.Mode]models.Budget, len(m.budgets))
	for k, v := range m.budgets {
		out[k] = v
	}
	return out
}

// SampleNow takes one usage snapshot for every mode that owns resources and
// returns them. Services and handles are only read.
func (m *Monitor) SampleNow() []models.UsageSnapshot {
	m.mu.Lock()
	now := m.now().UTC()
	modes := m.src.Modes()
	out := make([]models.UsageSnapshot, 0, len(modes))
	var events []models.BudgetEvent
	for _, mode := range modes {
		s := m.measure(mode, now)
		m.ring(mode).push(s)
		events = m.evaluate(s, events)
		m.metrics.ObserveUsage(s)
		out = append(out, s)
	}
	sinks := m.sinks
	m.pubMu.Lock()
	m.mu.Unlock()
	defer m.pubMu.Unlock()

	m.metrics.Sampled()
	for _, ev := range events {
		m.metrics.BudgetEvent(ev)
		for _, s := range sinks {
			s.Publish(ev)
		}
	}
	return out
}

func (m *Monitor) measure(mode models.Mode, ts time.Time) models.UsageSnapshot {
	s := models.UsageSnapshot{Mode: mode, TS: ts}
	m.src.Each(mode,
		func(svc service.Disposable) {
			u := svc.Snapshot()
			s.Services++
			s.CachedItems += u.Items
			s.HeapBytes += u.Bytes
		},
		func(h *gpu.Handle) {
			if h.Released() {
				return
			}
			switch h.Kind() {
			case gpu.Geometry:
				s.GeometryCount++
			case gpu.Material:
				s.MaterialCount++
			}
			s.GPUBytes += h.Bytes()
		},
	)
	return s
}

// evaluate fires once when a dimension crosses its limit and once more when
// it drops back under. A zero limit is never checked.
func (m *Monitor) evaluate(s models.UsageSnapshot, events []models.BudgetEvent) []models.BudgetEvent {
	b := m.budgets[s.Mode]
	open := m.open[s.Mode]
	for _, d := range models.Dimensions {
		limit := b.Limit(d)
		value := s.Value(d)
		over := limit > 0 && value > limit
		switch {
		case over && !open[d]:
			if open == nil {
				open = make(map[models.Dimension]bool, len(models.Dimensions))
				m.open[s.Mode] = open
			}
			open[d] = true
			events = append(events, m.event(models.BudgetExceeded, s, d, value, limit))
			m.log.Warn("budget exceeded", "mode", s.Mode, "dimension", d, "value", value, "limit", limit)
		case !over && open[d]:
			delete(open, d)
			events = append(events, m.event(models.BudgetRecovered, s, d, value, limit))
			m.log.Info("budget recovered", "mode", s.Mode, "dimension", d, "value", value, "limit", limit)
		}
	}
	return events
}

func (m *Monitor) event(kind models.BudgetEventKind, s models.UsageSnapshot, d models.Dimension, value, limit int64) models.BudgetEvent {
	return models.BudgetEvent{
		ID:        uuid.NewString(),
		Kind:      kind,
		Mode:      s.Mode,
		Dimension: d,
		Value:     value,
		Limit:     limit,
		TS:        s.TS,
	}
}

// ClearMode drops mode's history and open violation state. No recovery event
// is published; sinks implementing ModeClearer are told instead.
func (m *Monitor) ClearMode(mode models.Mode) {
	m.mu.Lock()
	delete(m.history, mode)
	delete(m.open, mode)
	sinks := m.sinks
	m.pubMu.Lock()
	m.mu.Unlock()
	defer m.pubMu.Unlock()

	m.metrics.ResetMode(mode)
	for _, s := range sinks {
		if c, ok := s.(ModeClearer); ok {
			c.ModeCleared(mode)
		}
	}
}

// History returns mode's snapshots, oldest first.
func (m *Monitor) History(mode models.Mode) []models.UsageSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.history[mode]
	if !ok {
		return nil
	}
	return r.items()
}

func (m *Monitor) Latest(mode models.Mode) (models.UsageSnapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.history[mode]
	if !ok {
		return models.UsageSnapshot{}, false
	}
	return r.last()
}

// Open reports the dimensions of mode currently over budget.
func (m *Monitor) Open(mode models.Mode) []models.Dimension {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.openLocked(mode)
}

func (m *Monitor) openLocked(mode models.Mode) []models.Dimension {
	var out []models.Dimension
	for _, d := range models.Dimensions {
		if m.open[mode][d] {
			out = append(out, d)
		}
	}
	return out
}

// Status lists every mode that has history, a budget, or an open violation.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Status{TS: m.now().UTC()}
	for _, mode := range models.AllModes {
		r, hasHistory := m.history[mode]
		b, hasBudget := m.budgets[mode]
		if !hasHistory && !hasBudget && len(m.open[mode]) == 0 {
			continue
		}
		ms := ModeStatus{Mode: mode, Budget: b, Violations: m.openLocked(mode)}
		if hasHistory {
			if s, ok := r.last(); ok {
				ms.Latest = &s
			}
		}
		st.Modes = append(st.Modes, ms)
	}
	return st
}

// Run samples every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.SampleNow()
		}
	}
}

func (m *Monitor) ring(mode models.Mode) *ring {
	r, ok := m.history[mode]
	if !ok {
		r = newRing(m.size)
		m.history[mode] = r
	}
	return r
}
