// Package loop runs the single per-frame update callback of the active mode.
package loop

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"vizmon/internal/models"
	"vizmon/internal/telemetry"
)

const DefaultFrameInterval = 16 * time.Millisecond

type Frame struct {
	Seq   uint64
	Time  time.Time
	Delta time.Duration
}

// FrameFunc is called once per frame. It must not call back into the
// Supervisor.
type FrameFunc func(Frame)

// Supervisor holds at most one frame callback. Frames are requested one at a
// time; each frame re-checks the liveness predicate before scheduling the next.
type Supervisor struct {
	interval time.Duration
	log      *slog.Logger
	metrics  *telemetry.Metrics

	mu      sync.Mutex
	owner   models.Mode
	cb      FrameFunc
	gen     uint64
	timer   *time.Timer
	live    func() bool
	last    time.Time
	seq     uint64
	frames  atomic.Uint64
	running atomic.Bool
}

func NewSupervisor(interval time.Duration, metrics *telemetry.Metrics, logger *slog.Logger) *Supervisor {
	if interval <= 0 {
		interval = DefaultFrameInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{interval: interval, metrics: metrics, log: logger}
}

// SetLiveness installs the predicate checked before every frame.
func (s *Supervisor) SetLiveness(fn func() bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.live = fn
}

// Attach replaces the current callback. The swap happens under the frame
// lock, so no frame ever runs both the old and the new callback.
func (s *Supervisor) Attach(owner models.Mode, fn FrameFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
	s.owner = owner
	s.cb = fn
	if fn == nil {
		return
	}
	s.gen++
	s.last = time.Time{}
	s.scheduleLocked(s.gen)
	s.log.Info("frame callback attached", "mode", owner)
}

// Detach cancels the pending frame and drops the callback.
func (s *Supervisor) Detach() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cb == nil && s.timer == nil {
		return
	}
	s.stopLocked()
	s.log.Info("frame callback detached", "mode", s.owner)
	s.owner = ""
	s.cb = nil
}

func (s *Supervisor) stopLocked() {
	s.gen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.running.Store(false)
}

func (s *Supervisor) scheduleLocked(gen uint64) {
	s.running.Store(true)
	s.timer = time.AfterFunc(s.interval, func() { s.frame(gen) })
}

func (s *Supervisor) frame(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen {
		return
	}
	s.timer = nil
	if s.cb == nil || (s.live != nil && !s.live()) {
		s.running.Store(false)
		s.log.Warn("no active mode, frame loop stopped", "mode", s.owner)
		return
	}
	now := time.Now()
	var delta time.Duration
	if !s.last.IsZero() {
		delta = now.Sub(s.last)
	}
	s.last = now
	s.seq++
	s.run(Frame{Seq: s.seq, Time: now, Delta: delta})
	s.frames.Add(1)
	s.metrics.Frame()
	s.scheduleLocked(gen)
}

func (s *Supervisor) run(f Frame) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("frame callback panicked", "mode", s.owner, "err", fmt.Sprint(r))
		}
	}()
	s.cb(f)
}

// Attached returns the owner of the current callback.
func (s *Supervisor) Attached() (models.Mode, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.owner, s.cb != nil
}

// Running reports whether a frame is scheduled.
func (s *Supervisor) Running() bool { return s.running.Load() }

func (s *Supervisor) Frames() uint64 { return s.frames.Load() }
