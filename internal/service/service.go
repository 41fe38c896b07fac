// Package service defines the Disposable contract every per-mode data provider
// satisfies, plus the reference providers the feeds are built from: a keyed
// cache, a scheduled poller and a streaming subscription.
package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrDisposed = errors.New("service: disposed")
	// ErrDisposeTimeout is returned by Dispose when a worker ignores
	// cancellation. The cache is already dropped when it is reported.
	ErrDisposeTimeout = errors.New("service: worker still running after dispose timeout")
)

// DefaultDisposeTimeout bounds how long Dispose waits for a worker goroutine.
const DefaultDisposeTimeout = 5 * time.Second

// Disposable is a data provider that owns releasable state (timers,
// subscriptions, caches) on behalf of exactly one mode.
//
// Contract:
//   - Start returns promptly; asynchronous I/O belongs to goroutines owned by
//     the service. A second Start is a no-op.
//   - Dispose stops every timer and subscription and drops the cache. It is
//     idempotent and safe to call on a service that never started.
//   - Snapshot never blocks and never allocates proportional to cache size.
type Disposable interface {
	Name() string
	Start(ctx context.Context) error
	Dispose() error
	Snapshot() Usage
}

// Usage is a point-in-time view of one service.
type Usage struct {
	Items       int64
	Bytes       int64
	Started     bool
	Disposed    bool
	LastUpdated time.Time
}

const (
	stateIdle int32 = iota
	stateRunning
	stateDisposed
)

// lifecycle tracks idle -> running -> disposed with atomics so Snapshot can
// read it without taking the owner's lock.
type lifecycle struct {
	state   atomic.Int32
	updated atomic.Int64
}

func (l *lifecycle) started() bool  { return l.state.Load() == stateRunning }
func (l *lifecycle) disposed() bool { return l.state.Load() == stateDisposed }

func (l *lifecycle) touch(t time.Time) { l.updated.Store(t.UnixNano()) }

func (l *lifecycle) lastUpdated() time.Time {
	n := l.updated.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// waitTimeout waits for wg up to d. On timeout the helper goroutine lingers
// until the worker finally returns.
func waitTimeout(wg *sync.WaitGroup, d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-done:
		return true
	case <-t.C:
		return false
	}
}
