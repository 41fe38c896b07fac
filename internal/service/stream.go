package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Emit hands one streamed item to the subscription's cache.
type Emit[K comparable, V any] func(key K, value V)

// ConnectFunc opens a subscription and blocks for its lifetime, calling emit
// for every item received. It returns when the connection ends or ctx is done.
type ConnectFunc[K comparable, V any] func(ctx context.Context, emit Emit[K, V]) error

var errStreamClosed = errors.New("stream closed by remote")

type StreamConfig struct {
	Backoff    Backoff
	MaxEntries int
	// DisposeTimeout bounds the wait for a connection that ignores cancellation.
	DisposeTimeout time.Duration
}

// Stream keeps a streaming subscription open in the background, reconnecting
// with a bounded backoff. Start only registers the intent to stream.
type Stream[K comparable, V any] struct {
	name    string
	connect ConnectFunc[K, V]
	cfg     StreamConfig
	cache   *Cache[K, V]
	log     *slog.Logger
	errs    chan error

	mu        sync.Mutex
	lc        lifecycle
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	connected atomic.Bool
	received  atomic.Uint64
	reconnect atomic.Uint32
}

func NewStream[K comparable, V any](name string, connect ConnectFunc[K, V], size SizeFunc[V], cfg StreamConfig, logger *slog.Logger) *Stream[K, V] {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Backoff.Initial <= 0 {
		cfg.Backoff = DefaultBackoff()
	}
	if cfg.DisposeTimeout <= 0 {
		cfg.DisposeTimeout = DefaultDisposeTimeout
	}
	return &Stream[K, V]{
		name:    name,
		connect: connect,
		cfg:     cfg,
		cache:   NewCache[K, V](name, size, cfg.MaxEntries, logger),
		log:     logger.With("service", name),
		errs:    make(chan error, 8),
	}
}

func (s *Stream[K, V]) Name() string { return s.name }
func (s *Stream[K, V]) Errors() <-chan error { return s.errs }
func (s *Stream[K, V]) Cache() *Cache[K, V] { return s.cache }
func (s *Stream[K, V]) Connected() bool { return s.connected.Load() }
func (s *Stream[K, V]) Received() uint64 { return s.received.Load() }
func (s *Stream[K, V]) Reconnects() uint32 { return s.reconnect.Load() }

func (s *Stream[K, V]) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.lc.state.Load() {
	case stateDisposed:
		return ErrDisposed
	case stateRunning:
		return nil
	}
	if err := s.cache.Start(ctx); err != nil {
		return err
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.lc.state.Store(stateRunning)
	s.wg.Add(1)
	go s.run(runCtx)
	return nil
}

func (s *Stream[K, V]) run(ctx context.Context) {
	defer s.wg.Done()
	defer s.connected.Store(false)

	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}
		before := s.received.Load()
		s.connected.Store(true)
		err := s.connect(ctx, s.emit)
		s.connected.Store(false)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			err = errStreamClosed
		}
		// A connection that delivered data earns a fresh retry budget.
		if s.received.Load() > before {
			attempt = 0
		}
		attempt++
		s.reconnect.Add(1)
		if attempt > s.cfg.Backoff.MaxRetries {
			s.report(fmt.Errorf("%s: giving up after %d attempts: %w", s.name, s.cfg.Backoff.MaxRetries, err))
			return
		}
		delay := s.cfg.Backoff.Delay(attempt)
		s.log.Warn("stream disconnected, retrying", "err", err, "attempt", attempt, "delay", delay)
		if !sleep(ctx, delay) {
			return
		}
	}
}

func (s *Stream[K, V]) emit(k K, v V) {
	if s.cache.Put(k, v) {
		s.received.Add(1)
	}
}

func (s *Stream[K, V]) report(err error) {
	s.log.Warn("stream failed", "err", err)
	select {
	case s.errs <- err:
	default:
	}
}

func (s *Stream[K, V]) Dispose() error {
	s.mu.Lock()
	prev := s.lc.state.Swap(stateDisposed)
	if prev == stateDisposed {
		s.mu.Unlock()
		return nil
	}
	if prev == stateIdle {
		s.log.Warn("dispose called on a service that never started")
	}
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.cache.discard()
	if !waitTimeout(&s.wg, s.cfg.DisposeTimeout) {
		err := fmt.Errorf("%s: %w (%s)", s.name, ErrDisposeTimeout, s.cfg.DisposeTimeout)
		s.report(err)
		return err
	}
	return nil
}

func (s *Stream[K, V]) Snapshot() Usage {
	u := s.cache.Snapshot()
	u.Started = s.lc.started()
	u.Disposed = s.lc.disposed()
	return u
}
