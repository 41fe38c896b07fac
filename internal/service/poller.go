package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// FetchFunc returns the complete current dataset for a poller.
type FetchFunc[K comparable, V any] func(ctx context.Context) (map[K]V, error)

type PollerConfig struct {
	Interval   time.Duration
	Backoff    Backoff
	MaxEntries int
	// DisposeTimeout bounds the wait for a fetch that ignores cancellation.
	DisposeTimeout time.Duration
}

// Poller refreshes its cache from a FetchFunc on a fixed interval. The first
// fetch is retried with a bounded backoff; Dispose owns the cancellation of
// both the retry and the ticker.
type Poller[K comparable, V any] struct {
	name  string
	fetch FetchFunc[K, V]
	cfg   PollerConfig
	cache *Cache[K, V]
	log   *slog.Logger
	errs  chan error

	mu     sync.Mutex
	lc     lifecycle
	cancel context.CancelFunc
	wg     sync.WaitGroup
	polls  uint64
}

func NewPoller[K comparable, V any](name string, fetch FetchFunc[K, V], size SizeFunc[V], cfg PollerConfig, logger *slog.Logger) *Poller[K, V] {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Backoff.Initial <= 0 {
		cfg.Backoff = DefaultBackoff()
	}
	if cfg.DisposeTimeout <= 0 {
		cfg.DisposeTimeout = DefaultDisposeTimeout
	}
	return &Poller[K, V]{
		name:  name,
		fetch: fetch,
		cfg:   cfg,
		cache: NewCache[K, V](name, size, cfg.MaxEntries, logger),
		log:   logger.With("service", name),
		errs:  make(chan error, 8),
	}
}

func (p *Poller[K, V]) Name() string { return p.name }

// Errors delivers fetch failures. Sends are non-blocking; when nobody reads,
// failures are only logged.
func (p *Poller[K, V]) Errors() <-chan error { return p.errs }

// Cache exposes the poller's data for read access by the mode's renderer.
func (p *Poller[K, V]) Cache() *Cache[K, V] { return p.cache }

func (p *Poller[K, V]) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch p.lc.state.Load() {
	case stateDisposed:
		return ErrDisposed
	case stateRunning:
		return nil
	}
	if err := p.cache.Start(ctx); err != nil {
		return err
	}
	// The poll loop must outlive the activation request that started it.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.cancel = cancel
	p.lc.state.Store(stateRunning)
	p.wg.Add(1)
	go p.run(runCtx)
	return nil
}

func (p *Poller[K, V]) run(ctx context.Context) {
	defer p.wg.Done()

	err := Retry(ctx, p.cfg.Backoff, p.pollOnce)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		p.report(fmt.Errorf("%s: initial fetch: %w", p.name, err))
	}

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.pollOnce(ctx); err != nil && ctx.Err() == nil {
				p.report(fmt.Errorf("%s: fetch: %w", p.name, err))
			}
		}
	}
}

func (p *Poller[K, V]) pollOnce(ctx context.Context) error {
	data, err := p.fetch(ctx)
	if err != nil {
		return err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	p.cache.Replace(data)
	p.mu.Lock()
	p.polls++
	p.mu.Unlock()
	return nil
}

func (p *Poller[K, V]) report(err error) {
	p.log.Warn("poll failed", "err", err)
	select {
	case p.errs <- err:
	default:
	}
}

// Polls returns the number of successful fetches.
func (p *Poller[K, V]) Polls() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.polls
}

func (p *Poller[K, V]) Dispose() error {
	p.mu.Lock()
	prev := p.lc.state.Swap(stateDisposed)
	if prev == stateDisposed {
		p.mu.Unlock()
		return nil
	}
	if prev == stateIdle {
		p.log.Warn("dispose called on a service that never started")
	}
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	// Drop the data first so a stuck fetch cannot keep it alive or refill it.
	p.cache.discard()
	if !waitTimeout(&p.wg, p.cfg.DisposeTimeout) {
		err := fmt.Errorf("%s: %w (%s)", p.name, ErrDisposeTimeout, p.cfg.DisposeTimeout)
		p.report(err)
		return err
	}
	return nil
}

func (p *Poller[K, V]) Snapshot() Usage {
	u := p.cache.Snapshot()
	u.Started = p.lc.started()
	u.Disposed = p.lc.disposed()
	return u
}
