// Package coordinator owns mode transitions: it tears down the outgoing mode,
// starts the incoming one and keeps the registry, monitor and frame loop in
// step with the active mode.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"vizmon/internal/gpu"
	"vizmon/internal/loop"
	"vizmon/internal/models"
	"vizmon/internal/registry"
	"vizmon/internal/service"
	"vizmon/internal/telemetry"
)

type State int

const (
	Idle State = iota
	Activating
	Active
	Deactivating
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Activating:
		return "activating"
	case Active:
		return "active"
	case Deactivating:
		return "deactivating"
	default:
		return "unknown"
	}
}

// Bundle is everything one activation of a mode owns. Services start in
// order; Build then allocates the renderer's GPU objects; Frame is attached
// to the loop last.
type Bundle struct {
	Services []service.Disposable
	Build    func(ctx context.Context, alloc gpu.Allocator) error
	Frame    loop.FrameFunc
}

// Factory builds a fresh bundle for every activation.
type Factory func() Bundle

type UsageMonitor interface {
	ClearMode(mode models.Mode)
}

type FrameLoop interface {
	Attach(owner models.Mode, fn loop.FrameFunc)
	Detach()
	SetLiveness(fn func() bool)
}

type Result struct {
	Mode       models.Mode
	NoOp       bool
	Superseded bool
	// Warnings joins every DisposalFailure and ActivationFailure of the
	// transition. It is nil when everything succeeded.
	Warnings error
}

type Coordinator struct {
	reg       *registry.Registry
	mon       UsageMonitor
	loop      FrameLoop
	factories map[models.Mode]Factory
	metrics   *telemetry.Metrics
	log       *slog.Logger
	now       func() time.Time

	opMu sync.Mutex

	mu     sync.Mutex
	state  State
	mode   models.Mode
	target models.Mode
	retry  bool
	gen    uint64
	cancel context.CancelFunc
	active atomic.Bool
}

func New(reg *registry.Registry, mon UsageMonitor, lp FrameLoop, factories map[models.Mode]Factory, metrics *telemetry.Metrics, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Coordinator{
		reg:       reg,
		mon:       mon,
		loop:      lp,
		factories: factories,
		metrics:   metrics,
		log:       logger,
		now:       time.Now,
	}
	lp.SetLiveness(c.active.Load)
	return c
}

func (c *Coordinator) CurrentMode() (models.Mode, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode, c.state == Active
}

func (c *Coordinator) State() (State, models.Mode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, c.mode
}

// Activate makes next the only active mode. Calling it again for the mode
// that is active or still activating is a no-op. A newer call for another
// mode cancels this one's remaining starts.
func (c *Coordinator) Activate(ctx context.Context, next models.Mode) (Result, error) {
	factory, ok := c.factories[next]
	if !ok {
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownMode, next)
	}

	c.mu.Lock()
	if c.target == next && !c.retry {
		c.mu.Unlock()
		c.metrics.Transition(next, "noop")
		return Result{Mode: next, NoOp: true}, nil
	}
	actCtx, cancel, gen := c.beginLocked(ctx, next)
	c.mu.Unlock()
	defer cancel()

	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		c.metrics.Transition(next, "superseded")
		return Result{Mode: next, Superseded: true}, nil
	}
	prev, prevState := c.mode, c.state
	if prevState != Idle {
		c.state = Deactivating
	}
	c.mu.Unlock()

	var warns []error
	if prevState != Idle {
		warns = append(warns, c.teardown(prev)...)
	}

	c.mu.Lock()
	c.state = Activating
	c.mode = next
	c.mu.Unlock()

	start := c.now()
	bundle := factory()
	warns = append(warns, c.bringUp(actCtx, next, bundle, start)...)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		// A newer request owns the coordinator now and will tear this mode
		// down, including whatever was started here.
		c.log.Info("activation superseded", "mode", next)
		c.metrics.Transition(next, "superseded")
		return Result{Mode: next, Superseded: true, Warnings: errors.Join(warns...)}, nil
	}
	c.cancel = nil
	c.state = Active
	// Cancelled by the caller rather than superseded: the mode is active but
	// incomplete, so asking for it again rebuilds it.
	c.retry = actCtx.Err() != nil
	c.active.Store(true)
	if bundle.Frame != nil {
		c.loop.Attach(next, bundle.Frame)
	}
	c.metrics.SetActive(next)
	c.metrics.Transition(next, "activated")
	res := Result{Mode: next, Warnings: errors.Join(warns...)}
	if res.Warnings != nil {
		c.log.Warn("mode active with warnings", "mode", next, "prev", prev, "err", res.Warnings, "took", c.now().Sub(start))
	} else {
		c.log.Info("mode active", "mode", next, "prev", prev, "took", c.now().Sub(start))
	}
	return res, nil
}

// beginLocked records a new request, cancelling the in-flight activation.
func (c *Coordinator) beginLocked(ctx context.Context, target models.Mode) (context.Context, context.CancelFunc, uint64) {
	c.gen++
	if c.cancel != nil {
		c.cancel()
	}
	actCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.target = target
	c.retry = false
	return actCtx, cancel, c.gen
}

// bringUp registers and starts the bundle's services, then builds the
// renderer. It stops issuing starts once ctx is done.
func (c *Coordinator) bringUp(ctx context.Context, mode models.Mode, b Bundle, at time.Time) []error {
	var warns []error
	c.reg.Ensure(mode, at)
	for i, svc := range b.Services {
		if err := ctx.Err(); err != nil {
			for _, skipped := range b.Services[i:] {
				warns = append(warns, &ActivationFailure{Mode: mode, Resource: skipped.Name(), Err: err})
			}
			c.log.Info("activation cancelled", "mode", mode, "skipped", len(b.Services)-i)
			return warns
		}
		if err := c.reg.RegisterService(mode, svc); err != nil {
			warns = append(warns, &ActivationFailure{Mode: mode, Resource: svc.Name(), Err: err})
			c.log.Error("register service", "mode", mode, "service", svc.Name(), "err", err)
			continue
		}
		if err := safeStart(ctx, svc); err != nil {
			warns = append(warns, &ActivationFailure{Mode: mode, Resource: svc.Name(), Err: err})
			c.metrics.Failure(mode, "start")
			c.log.Warn("service start failed", "mode", mode, "service", svc.Name(), "err", err)
		}
	}
	if err := ctx.Err(); err != nil {
		return warns
	}
	if b.Build != nil {
		if err := safeBuild(ctx, b.Build, &allocator{reg: c.reg, mode: mode}); err != nil {
			warns = append(warns, &ActivationFailure{Mode: mode, Resource: "renderer", Err: err})
			c.metrics.Failure(mode, "build")
			c.log.Warn("renderer build failed", "mode", mode, "err", err)
		}
	}
	return warns
}

// teardown disposes every service, then releases every handle of mode in
// registration order. Failures are collected, never returned early.
func (c *Coordinator) teardown(mode models.Mode) []error {
	c.active.Store(false)
	entry := c.reg.EntriesFor(mode)
	var warns []error
	for _, svc := range entry.Services {
		if err := safeDispose(svc); err != nil {
			warns = append(warns, &DisposalFailure{Mode: mode, Resource: svc.Name(), Err: err})
			c.metrics.Failure(mode, "dispose")
			c.log.Warn("service dispose failed", "mode", mode, "service", svc.Name(), "err", err)
		}
	}
	for _, h := range entry.Handles {
		if err := h.Release(); err != nil {
			warns = append(warns, &DisposalFailure{Mode: mode, Resource: h.Kind().String() + ":" + h.Label(), Err: err})
			c.metrics.Failure(mode, "release")
			c.log.Warn("gpu release failed", "mode", mode, "handle", h.ID(), "label", h.Label(), "err", err)
		}
	}
	c.reg.Clear(mode)
	c.mon.ClearMode(mode)
	c.loop.Detach()
	c.log.Info("mode torn down", "mode", mode, "services", len(entry.Services), "handles", len(entry.Handles), "failures", len(warns))
	return warns
}

// DeactivateAll tears down the active mode and leaves the coordinator idle.
func (c *Coordinator) DeactivateAll(ctx context.Context) error {
	c.mu.Lock()
	_, cancel, gen := c.beginLocked(ctx, "")
	c.mu.Unlock()
	defer cancel()

	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return nil
	}
	prev, prevState := c.mode, c.state
	if prevState == Idle {
		c.cancel = nil
		c.mu.Unlock()
		return nil
	}
	c.state = Deactivating
	c.mu.Unlock()

	warns := c.teardown(prev)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen == gen {
		c.cancel = nil
	}
	c.state = Idle
	c.mode = ""
	c.metrics.SetActive("")
	c.metrics.Transition(prev, "deactivated")
	c.log.Info("all modes deactivated", "prev", prev)
	return errors.Join(warns...)
}

type allocator struct {
	reg  *registry.Registry
	mode models.Mode
}

func (a *allocator) Allocate(kind gpu.Kind, label string, bytes int64, release gpu.ReleaseFunc) (*gpu.Handle, error) {
	h := gpu.NewHandle(kind, label, bytes, release)
	if err := a.reg.RegisterHandle(a.mode, h); err != nil {
		_ = h.Release()
		return nil, err
	}
	return h, nil
}

func safeStart(ctx context.Context, svc service.Disposable) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("start panicked: %v", r)
		}
	}()
	return svc.Start(ctx)
}

func safeDispose(svc service.Disposable) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("dispose panicked: %v", r)
		}
	}()
	return svc.Dispose()
}

func safeBuild(ctx context.Context, build func(context.Context, gpu.Allocator) error, alloc gpu.Allocator) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("build panicked: %v", r)
		}
	}()
	return build(ctx, alloc)
}
