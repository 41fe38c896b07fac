package monitor

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vizmon/internal/gpu"
	"vizmon/internal/models"
	"vizmon/internal/registry"
	"vizmon/internal/service"
	"vizmon/internal/telemetry"
)

type recordingSink struct {
	mu      sync.Mutex
	events  []models.BudgetEvent
	cleared []models.Mode
}

func (s *recordingSink) Publish(ev models.BudgetEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *recordingSink) ModeCleared(mode models.Mode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleared = append(s.cleared, mode)
}

func (s *recordingSink) count(kind models.BudgetEventKind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, ev := range s.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	reg  *registry.Registry
	mon  *Monitor
	sink *recordingSink
	prom *prometheus.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reg := registry.New()
	prom := prometheus.NewRegistry()
	mon := New(reg, 3, telemetry.New(prom), discardLogger())
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tick := 0
	mon.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
	sink := &recordingSink{}
	mon.AddSink(sink)
	return &fixture{reg: reg, mon: mon, sink: sink, prom: prom}
}

func (f *fixture) cache(t *testing.T, mode models.Mode, name string, items int) *service.Cache[int, string] {
	t.Helper()
	c := service.NewCache[int, string](name, func(v string) int64 { return int64(len(v)) }, 0, discardLogger())
	require.NoError(t, c.Start(context.Background()))
	for i := 0; i < items; i++ {
		c.Put(i, "vec")
	}
	require.NoError(t, f.reg.RegisterService(mode, c))
	return c
}

func TestSampleSumsServicesAndHandles(t *testing.T) {
	f := newFixture(t)
	f.cache(t, models.Satellites, "sat.a", 10)
	f.cache(t, models.Satellites, "sat.b", 5)
	require.NoError(t, f.reg.RegisterHandle(models.Satellites, gpu.NewHandle(gpu.Geometry, "points", 1000, nil)))
	require.NoError(t, f.reg.RegisterHandle(models.Satellites, gpu.NewHandle(gpu.Material, "dots", 24, nil)))
	released := gpu.NewHandle(gpu.Geometry, "old", 5000, nil)
	require.NoError(t, released.Release())
	require.NoError(t, f.reg.RegisterHandle(models.Satellites, released))

	snaps := f.mon.SampleNow()
	require.Len(t, snaps, 1)
	s := snaps[0]
	assert.Equal(t, models.Satellites, s.Mode)
	assert.Equal(t, int64(15), s.CachedItems)
	assert.Equal(t, int64(45), s.HeapBytes)
	assert.Equal(t, 1, s.GeometryCount)
	assert.Equal(t, 1, s.MaterialCount)
	assert.Equal(t, int64(1024), s.GPUBytes)
	assert.Equal(t, 2, s.Services)
}

func TestSampleIsReadIdempotent(t *testing.T) {
	f := newFixture(t)
	f.cache(t, models.SpaceWeather, "grid", 40)

	first := f.mon.SampleNow()
	second := f.mon.SampleNow()
	require.Len(t, first, 1)
	require.Len(t, second, 1)

	a, b := first[0], second[0]
	a.TS, b.TS = time.Time{}, time.Time{}
	assert.Equal(t, a, b)
}

func TestBudgetExceededIsEdgeTriggered(t *testing.T) {
	f := newFixture(t)
	f.mon.SetBudget(models.Satellites, models.Budget{MaxItems: 100})
	c := f.cache(t, models.Satellites, "catalog", 150)

	for i := 0; i < 5; i++ {
		f.mon.SampleNow()
	}
	assert.Equal(t, 1, f.sink.count(models.BudgetExceeded))
	assert.Equal(t, []models.Dimension{models.DimItems}, f.mon.Open(models.Satellites))

	c.Replace(map[int]string{1: "x"})
	f.mon.SampleNow()
	f.mon.SampleNow()
	assert.Equal(t, 1, f.sink.count(models.BudgetRecovered))
	assert.Empty(t, f.mon.Open(models.Satellites))

	c.Replace(map[int]string{})
	for i := 0; i < 200; i++ {
		c.Put(i, "v")
	}
	f.mon.SampleNow()
	assert.Equal(t, 2, f.sink.count(models.BudgetExceeded), "a new violation period fires again")
}

func TestVectorBudgetScenario(t *testing.T) {
	f := newFixture(t)
	f.mon.SetBudget(models.SpaceWeather, models.Budget{MaxItems: 1000})
	f.cache(t, models.SpaceWeather, "weather.vectors", 1500)

	f.mon.SampleNow()

	require.Len(t, f.sink.events, 1)
	ev := f.sink.events[0]
	assert.Equal(t, models.BudgetExceeded, ev.Kind)
	assert.Equal(t, models.SpaceWeather, ev.Mode)
	assert.Equal(t, models.DimItems, ev.Dimension)
	assert.Equal(t, int64(1500), ev.Value)
	assert.Equal(t, int64(1000), ev.Limit)
	assert.NotEmpty(t, ev.ID)
}

func TestZeroLimitIsUnchecked(t *testing.T) {
	f := newFixture(t)
	f.mon.SetBudget(models.IntelReports, models.Budget{MaxHeapBytes: 1 << 30})
	f.cache(t, models.IntelReports, "reports", 5000)
	f.mon.SampleNow()
	assert.Empty(t, f.sink.events)
}

func TestBudgetRoundTrip(t *testing.T) {
	f := newFixture(t)
	b := models.Budget{MaxHeapBytes: 64 << 20, MaxItems: 21000, MaxGPUBytes: 256 << 20}
	f.mon.SetBudget(models.Satellites, b)
	assert.Equal(t, b, f.mon.Budget(models.Satellites))
	assert.Equal(t, b, f.mon.Budgets()[models.Satellites])
	assert.Equal(t, models.Budget{}, f.mon.Budget(models.CyberAttacks))
}

func TestClearModeDropsHistoryAndOpenState(t *testing.T) {
	f := newFixture(t)
	f.mon.SetBudget(models.Satellites, models.Budget{MaxItems: 1})
	f.cache(t, models.Satellites, "catalog", 10)
	f.mon.SampleNow()
	require.NotEmpty(t, f.mon.History(models.Satellites))

	f.reg.Clear(models.Satellites)
	f.mon.ClearMode(models.Satellites)

	assert.Empty(t, f.mon.History(models.Satellites))
	assert.Empty(t, f.mon.Open(models.Satellites))
	assert.Equal(t, []models.Mode{models.Satellites}, f.sink.cleared)

	assert.Empty(t, f.mon.SampleNow(), "cleared mode is no longer sampled")
	assert.Equal(t, 1, len(f.sink.events))
}

func TestHistoryKeepsLastN(t *testing.T) {
	f := newFixture(t)
	c := f.cache(t, models.CyberThreats, "threats", 0)
	for i := 1; i <= 5; i++ {
		c.Put(100+i, "t")
		f.mon.SampleNow()
	}
	h := f.mon.History(models.CyberThreats)
	require.Len(t, h, 3)
	assert.Equal(t, []int64{3, 4, 5}, []int64{h[0].CachedItems, h[1].CachedItems, h[2].CachedItems})

	latest, ok := f.mon.Latest(models.CyberThreats)
	require.True(t, ok)
	assert.Equal(t, int64(5), latest.CachedItems)
}

func TestStatusReportsLatestAndViolations(t *testing.T) {
	f := newFixture(t)
	f.mon.SetBudget(models.CyberAttacks, models.Budget{MaxItems: 2})
	f.mon.SetBudget(models.IntelReports, models.Budget{MaxItems: 50})
	f.cache(t, models.CyberAttacks, "attacks", 3)
	f.mon.SampleNow()

	st := f.mon.Status()
	require.Len(t, st.Modes, 2)
	assert.Equal(t, models.CyberAttacks, st.Modes[0].Mode)
	require.NotNil(t, st.Modes[0].Latest)
	assert.Equal(t, int64(3), st.Modes[0].Latest.CachedItems)
	assert.Equal(t, []models.Dimension{models.DimItems}, st.Modes[0].Violations)
	assert.Equal(t, models.IntelReports, st.Modes[1].Mode)
	assert.Nil(t, st.Modes[1].Latest)
}

type countingSource struct {
	Source
	calls atomic.Int32
}

func (c *countingSource) Modes() []models.Mode {
	c.calls.Add(1)
	return c.Source.Modes()
}

func TestRunSamplesUntilCancelled(t *testing.T) {
	src := &countingSource{Source: registry.New()}
	mon := New(src, 0, nil, discardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		mon.Run(ctx, time.Millisecond)
		close(done)
	}()
	require.Eventually(t, func() bool {
		return src.calls.Load() >= 3
	}, time.Second, time.Millisecond)
	cancel()
	<-done
}

type gateSink struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gateSink) Publish(models.BudgetEvent) {
	g.once.Do(func() {
		close(g.entered)
		<-g.release
	})
}

type orderSink struct {
	mu  sync.Mutex
	seq []string
}

func (s *orderSink) Publish(ev models.BudgetEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq = append(s.seq, string(ev.Kind)+":"+string(ev.Mode))
}

func (s *orderSink) ModeCleared(mode models.Mode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq = append(s.seq, "cleared:"+string(mode))
}

func TestClearDuringPublishKeepsEventBeforeClear(t *testing.T) {
	f := newFixture(t)
	f.cache(t, models.Satellites, "sat", 5)
	f.mon.SetBudget(models.Satellites, models.Budget{MaxItems: 1})
	gate := &gateSink{entered: make(chan struct{}), release: make(chan struct{})}
	order := &orderSink{}
	f.mon.AddSink(gate)
	f.mon.AddSink(order)

	sampled := make(chan struct{})
	go func() {
		f.mon.SampleNow()
		close(sampled)
	}()
	<-gate.entered

	cleared := make(chan struct{})
	go func() {
		f.mon.ClearMode(models.Satellites)
		close(cleared)
	}()
	assert.Never(t, func() bool {
		select {
		case <-cleared:
			return true
		default:
			return false
		}
	}, 50*time.Millisecond, 5*time.Millisecond, "clear must wait for the in-flight publish")

	close(gate.release)
	<-sampled
	<-cleared

	order.mu.Lock()
	defer order.mu.Unlock()
	assert.Equal(t, []string{"exceeded:Satellites", "cleared:Satellites"}, order.seq)
	assert.Empty(t, f.mon.Open(models.Satellites))
}
