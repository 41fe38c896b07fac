// Package guardrail cycles a coordinator through modes and checks that every
// switch leaves no resources behind and no budget exceeded.
package guardrail

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"vizmon/internal/coordinator"
	"vizmon/internal/models"
	"vizmon/internal/registry"
	"vizmon/internal/service"
)

type Coordinator interface {
	Activate(ctx context.Context, mode models.Mode) (coordinator.Result, error)
	DeactivateAll(ctx context.Context) error
}

type Monitor interface {
	SampleNow() []models.UsageSnapshot
	Open(mode models.Mode) []models.Dimension
}

type Config struct {
	Modes []models.Mode
	// Cycles is how many times the whole mode list is walked.
	Cycles int
	// Settle is how long each mode runs before it is sampled.
	Settle time.Duration
	// Samples taken per mode after settling.
	Samples int
}

type FindingKind string

const (
	FindingBudget     FindingKind = "budget"
	FindingDangling   FindingKind = "dangling"
	FindingUndisposed FindingKind = "undisposed"
	FindingActivation FindingKind = "activation"
)

type Finding struct {
	Kind   FindingKind `json:"kind"`
	Mode   models.Mode `json:"mode"`
	Detail string      `json:"detail"`
}

type Report struct {
	Switches int                    `json:"switches"`
	Samples  []models.UsageSnapshot `json:"samples"`
	Findings []Finding              `json:"findings"`
}

func (r Report) OK() bool { return len(r.Findings) == 0 }

type Harness struct {
	coord Coordinator
	mon   Monitor
	reg   *registry.Registry
	log   *slog.Logger
}

func New(coord Coordinator, mon Monitor, reg *registry.Registry, logger *slog.Logger) *Harness {
	if logger == nil {
		logger = slog.Default()
	}
	return &Harness{coord: coord, mon: mon, reg: reg, log: logger}
}

// Run walks cfg.Modes cfg.Cycles times and deactivates everything at the end.
// It returns an error only when ctx ends or a mode is unknown; everything
// else becomes a Finding.
func (h *Harness) Run(ctx context.Context, cfg Config) (Report, error) {
	if len(cfg.Modes) == 0 {
		cfg.Modes = models.AllModes
	}
	if cfg.Cycles <= 0 {
		cfg.Cycles = 1
	}
	if cfg.Samples <= 0 {
		cfg.Samples = 1
	}

	var rep Report
	var prev models.Mode
	var prevServices []service.Disposable
	for c := 0; c < cfg.Cycles; c++ {
		for _, mode := range cfg.Modes {
			if err := ctx.Err(); err != nil {
				return rep, err
			}
			res, err := h.coord.Activate(ctx, mode)
			if err != nil {
				return rep, fmt.Errorf("activate %s: %w", mode, err)
			}
			rep.Switches++
			if res.Warnings != nil {
				rep.add(FindingActivation, mode, res.Warnings.Error())
			}
			if prev != "" && prev != mode {
				h.checkReleased(&rep, prev, prevServices)
			}

			if cfg.Settle > 0 {
				select {
				case <-ctx.Done():
					return rep, ctx.Err()
				case <-time.After(cfg.Settle):
				}
			}
			for i := 0; i < cfg.Samples; i++ {
				rep.Samples = append(rep.Samples, h.mon.SampleNow()...)
			}
			for _, d := range h.mon.Open(mode) {
				rep.add(FindingBudget, mode, fmt.Sprintf("%s over budget", d))
			}
			prev = mode
			prevServices = h.reg.EntriesFor(mode).Services
		}
	}
	if err := h.coord.DeactivateAll(ctx); err != nil {
		rep.add(FindingActivation, prev, err.Error())
	}
	if prev != "" {
		h.checkReleased(&rep, prev, prevServices)
	}
	h.log.Info("guardrail finished", "switches", rep.Switches, "samples", len(rep.Samples), "findings", len(rep.Findings))
	return rep, nil
}

func (h *Harness) checkReleased(rep *Report, mode models.Mode, services []service.Disposable) {
	if e := h.reg.EntriesFor(mode); !e.Empty() {
		rep.add(FindingDangling, mode, fmt.Sprintf("%d services and %d handles still registered", len(e.Services), len(e.Handles)))
	}
	for _, s := range services {
		u := s.Snapshot()
		if !u.Disposed || u.Items != 0 {
			rep.add(FindingUndisposed, mode, fmt.Sprintf("%s: disposed=%t items=%d", s.Name(), u.Disposed, u.Items))
		}
	}
}

func (r *Report) add(kind FindingKind, mode models.Mode, detail string) {
	r.Findings = append(r.Findings, Finding{Kind: kind, Mode: mode, Detail: detail})
}
