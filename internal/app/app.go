package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"vizmon/internal/alerts"
	"vizmon/internal/collector"
	"vizmon/internal/config"
	"vizmon/internal/coordinator"
	"vizmon/internal/db"
	"vizmon/internal/feeds"
	"vizmon/internal/loop"
	"vizmon/internal/models"
	"vizmon/internal/monitor"
	"vizmon/internal/notifier"
	"vizmon/internal/registry"
	"vizmon/internal/retention"
	"vizmon/internal/service"
	"vizmon/internal/telemetry"
	"vizmon/internal/web"
)

type App struct {
	cfg config.Config
	log *slog.Logger

	db       *db.Repository
	registry *registry.Registry
	monitor  *monitor.Monitor
	loop     *loop.Supervisor
	coord    *coordinator.Coordinator

	collector *collector.Service
	alerts    *alerts.Dispatcher
	retention *retention.Service
	notify    *notifier.Telegram
	web       *web.Server

	// baseline holds the budgets from the budget file; database overrides win.
	mu       sync.RWMutex
	baseline map[models.Mode]models.Budget

	httpSrv *http.Server
}

func New(cfg config.Config, logger *slog.Logger) (*App, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	sqldb, err := db.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(sqldb); err != nil {
		_ = sqldb.Close()
		return nil, err
	}
	repo := db.NewRepository(sqldb)

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector())
	metrics := telemetry.New(promReg)

	token, chatID, _ := repo.LoadTelegramSettings(context.Background())
	if token == "" {
		token = cfg.TelegramBotToken
	}
	if chatID == "" {
		chatID = cfg.TelegramChatID
	}
	n := notifier.NewTelegram(token, chatID, cfg.NotifyPerMinute)

	reg := registry.New()
	mon := monitor.New(reg, cfg.HistorySize, metrics, logger.With("module", "monitor"))
	dispatcher := alerts.NewDispatcher(repo, n, logger.With("module", "alerts"))
	mon.AddSink(dispatcher)

	lp := loop.NewSupervisor(cfg.FrameInterval, metrics, logger.With("module", "loop"))
	catalog := feeds.Catalog(feeds.Options{
		SatelliteCount: cfg.SatelliteCount,
		VectorGrid:     cfg.VectorGrid,
		PollInterval:   cfg.FeedPollInterval,
		Backoff:        service.DefaultBackoff(),
	}, logger.With("module", "feeds"))
	coord := coordinator.New(reg, mon, lp, catalog, metrics, logger.With("module", "coordinator"))

	col := collector.NewService(metrics, logger.With("module", "collector"))
	w := web.NewServer(coord, mon, repo, n, col, promReg, logger.With("module", "web"))

	app := &App{
		cfg:       cfg,
		log:       logger,
		db:        repo,
		registry:  reg,
		monitor:   mon,
		loop:      lp,
		coord:     coord,
		collector: col,
		alerts:    dispatcher,
		retention: retention.NewService(repo, cfg.RetentionDays, logger.With("module", "retention")),
		notify:    n,
		web:       w,
		baseline:  map[models.Mode]models.Budget{},
	}
	w.SetBaseline(app.baselineFor)

	if cfg.BudgetsFile != "" {
		budgets, err := config.LoadBudgets(cfg.BudgetsFile)
		if err != nil {
			_ = sqldb.Close()
			return nil, err
		}
		app.setBaseline(budgets)
	}
	if err := app.applyBudgets(context.Background()); err != nil {
		_ = sqldb.Close()
		return nil, err
	}

	app.httpSrv = &http.Server{Addr: cfg.Addr, Handler: w.Routes(), ReadHeaderTimeout: 10 * time.Second}
	return app, nil
}

func (a *App) baselineFor(mode models.Mode) models.Budget {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.baseline[mode]
}

func (a *App) setBaseline(budgets map[models.Mode]models.Budget) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.baseline = budgets
}

// applyBudgets pushes the file budgets to the monitor and layers the stored
// operator overrides on top.
func (a *App) applyBudgets(ctx context.Context) error {
	overrides, err := a.db.LoadBudgets(ctx)
	if err != nil {
		return fmt.Errorf("load budget overrides: %w", err)
	}
	for _, mode := range models.AllModes {
		b, ok := overrides[mode]
		if !ok {
			b = a.baselineFor(mode)
		}
		a.monitor.SetBudget(mode, b)
	}
	return nil
}

func (a *App) reloadBudgets(budgets map[models.Mode]models.Budget) {
	a.setBaseline(budgets)
	if err := a.applyBudgets(context.Background()); err != nil {
		a.log.Error("apply reloaded budgets", "err", err)
	}
}

func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.log.Info("http server listening", "addr", a.cfg.Addr)
		if err := a.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return a.httpSrv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		a.monitor.Run(gctx, a.cfg.SampleInterval)
		return nil
	})
	g.Go(func() error {
		a.alerts.Run(gctx)
		return nil
	})
	g.Go(func() error {
		a.housekeeping(gctx)
		return nil
	})
	if a.cfg.BudgetsFile != "" {
		watcher, err := config.NewBudgetWatcher(a.cfg.BudgetsFile, a.reloadBudgets, a.log.With("module", "budgets"))
		if err != nil {
			a.log.Warn("budget hot reload disabled", "err", err)
		} else {
			g.Go(func() error { return watcher.Run(gctx) })
		}
	}
	if a.cfg.InitialMode != "" {
		g.Go(func() error {
			if _, err := a.coord.Activate(gctx, a.cfg.InitialMode); err != nil {
				a.log.Error("initial mode activation failed", "mode", a.cfg.InitialMode, "err", err)
			}
			return nil
		})
	}

	err := g.Wait()
	if derr := a.coord.DeactivateAll(context.Background()); derr != nil {
		a.log.Warn("deactivate on shutdown", "err", derr)
	}
	return errors.Join(err, a.db.DB().Close())
}

func (a *App) housekeeping(ctx context.Context) {
	collectTicker := time.NewTicker(a.cfg.CollectInterval)
	retentionTicker := time.NewTicker(6 * time.Hour)
	defer collectTicker.Stop()
	defer retentionTicker.Stop()

	// Immediate first run
	a.collector.Tick(ctx)
	a.retention.Run(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-collectTicker.C:
			a.collector.Tick(ctx)
		case <-retentionTicker.C:
			a.retention.Run(ctx)
		}
	}
}
