// Command guardrail cycles every mode against the demo feeds and exits
// non-zero when a switch leaves resources behind or a budget is exceeded.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"vizmon/internal/config"
	"vizmon/internal/coordinator"
	"vizmon/internal/feeds"
	"vizmon/internal/guardrail"
	"vizmon/internal/loop"
	"vizmon/internal/monitor"
	"vizmon/internal/registry"
	"vizmon/internal/service"
)

func main() {
	cfg := config.Load()
	cycles := flag.Int("cycles", 3, "passes over all modes")
	settle := flag.Duration("settle", 500*time.Millisecond, "time each mode runs before sampling")
	samples := flag.Int("samples", 5, "samples per mode")
	budgets := flag.String("budgets", cfg.BudgetsFile, "budget file")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	reg := registry.New()
	mon := monitor.New(reg, cfg.HistorySize, nil, logger.With("module", "monitor"))
	if *budgets != "" {
		b, err := config.LoadBudgets(*budgets)
		if err != nil {
			logger.Error("load budgets", "err", err)
			os.Exit(2)
		}
		for mode, budget := range b {
			mon.SetBudget(mode, budget)
		}
	}
	lp := loop.NewSupervisor(cfg.FrameInterval, nil, logger.With("module", "loop"))
	catalog := feeds.Catalog(feeds.Options{
		SatelliteCount: cfg.SatelliteCount,
		VectorGrid:     cfg.VectorGrid,
		PollInterval:   cfg.FeedPollInterval,
		Backoff:        service.DefaultBackoff(),
	}, logger.With("module", "feeds"))
	coord := coordinator.New(reg, mon, lp, catalog, nil, logger.With("module", "coordinator"))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rep, err := guardrail.New(coord, mon, reg, logger).Run(ctx, guardrail.Config{
		Cycles:  *cycles,
		Settle:  *settle,
		Samples: *samples,
	})
	if err != nil {
		logger.Error("guardrail aborted", "err", err)
		os.Exit(2)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(struct {
		Switches int                 `json:"switches"`
		Samples  int                 `json:"samples"`
		Findings []guardrail.Finding `json:"findings"`
	}{rep.Switches, len(rep.Samples), rep.Findings})
	if !rep.OK() {
		os.Exit(1)
	}
}
