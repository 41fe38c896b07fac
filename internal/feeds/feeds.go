// Package feeds provides the per-mode data sources and renderers the server
// runs. Sources are local generators; each activation gets fresh instances.
package feeds

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"

	"vizmon/internal/coordinator"
	"vizmon/internal/gpu"
	"vizmon/internal/loop"
	"vizmon/internal/models"
	"vizmon/internal/service"
)

type Options struct {
	SatelliteCount int
	VectorGrid     int
	PollInterval   time.Duration
	StreamInterval time.Duration
	Backoff        service.Backoff
}

func (o Options) withDefaults() Options {
	if o.SatelliteCount <= 0 {
		o.SatelliteCount = 21000
	}
	if o.VectorGrid <= 0 {
		o.VectorGrid = 40
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 30 * time.Second
	}
	if o.StreamInterval <= 0 {
		o.StreamInterval = 250 * time.Millisecond
	}
	if o.Backoff.Initial <= 0 {
		o.Backoff = service.DefaultBackoff()
	}
	return o
}

// Catalog returns a factory for every known mode.
func Catalog(opts Options, logger *slog.Logger) map[models.Mode]coordinator.Factory {
	o := opts.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return map[models.Mode]coordinator.Factory{
		models.SpaceWeather: func() coordinator.Bundle { return spaceWeather(o, logger) },
		models.CyberThreats: func() coordinator.Bundle { return cyberThreats(o, logger) },
		models.CyberAttacks: func() coordinator.Bundle { return cyberAttacks(o, logger) },
		models.Satellites:   func() coordinator.Bundle { return satellites(o, logger) },
		models.IntelReports: func() coordinator.Bundle { return intelReports(o, logger) },
	}
}

type Satellite struct {
	NoradID     int
	Name        string
	Inclination float64
	Altitude    float64
	Phase       float64
}

const satelliteBytes = 96

func satellites(o Options, logger *slog.Logger) coordinator.Bundle {
	count := o.SatelliteCount
	catalog := service.NewPoller[int, Satellite]("satellites.catalog",
		func(ctx context.Context) (map[int]Satellite, error) {
			out := make(map[int]Satellite, count)
			for i := 0; i < count; i++ {
				out[i] = Satellite{
					NoradID:     10000 + i,
					Name:        fmt.Sprintf("SAT-%05d", 10000+i),
					Inclination: rand.Float64() * 180,
					Altitude:    300 + rand.Float64()*35486,
					Phase:       rand.Float64() * 2 * math.Pi,
				}
			}
			return out, nil
		},
		func(Satellite) int64 { return satelliteBytes },
		service.PollerConfig{Interval: o.PollInterval, Backoff: o.Backoff},
		logger,
	)
	var phase float64
	return coordinator.Bundle{
		Services: []service.Disposable{catalog},
		Build: func(ctx context.Context, alloc gpu.Allocator) error {
			// one vertex (xyz float32) per catalog slot
			if _, err := alloc.Allocate(gpu.Geometry, "satellite.points", int64(count)*12, nil); err != nil {
				return err
			}
			_, err := alloc.Allocate(gpu.Material, "satellite.sprites", 64<<10, nil)
			return err
		},
		Frame: func(f loop.Frame) {
			phase = math.Mod(phase+f.Delta.Seconds()*0.01, 2*math.Pi)
		},
	}
}

type Vector struct {
	Lat, Lon float64
	Bx, By   float64
	Kp       float64
}

const vectorBytes = 48

func spaceWeather(o Options, logger *slog.Logger) coordinator.Bundle {
	grid := o.VectorGrid
	field := service.NewPoller[int, Vector]("spaceweather.field",
		func(ctx context.Context) (map[int]Vector, error) {
			kp := rand.Float64() * 9
			out := make(map[int]Vector, grid*grid)
			for y := 0; y < grid; y++ {
				for x := 0; x < grid; x++ {
					lat := -90 + 180*float64(y)/float64(grid-1)
					lon := -180 + 360*float64(x)/float64(grid-1)
					out[y*grid+x] = Vector{
						Lat: lat,
						Lon: lon,
						Bx:  math.Cos(lat*math.Pi/180) * kp,
						By:  math.Sin(lon*math.Pi/180) * kp,
						Kp:  kp,
					}
				}
			}
			return out, nil
		},
		func(Vector) int64 { return vectorBytes },
		service.PollerConfig{Interval: o.PollInterval, Backoff: o.Backoff},
		logger,
	)
	return coordinator.Bundle{
		Services: []service.Disposable{field},
		Build: func(ctx context.Context, alloc gpu.Allocator) error {
			// two vertices per arrow
			if _, err := alloc.Allocate(gpu.Geometry, "spaceweather.arrows", int64(grid*grid)*2*12, nil); err != nil {
				return err
			}
			_, err := alloc.Allocate(gpu.Material, "spaceweather.lines", 4<<10, nil)
			return err
		},
		Frame: func(loop.Frame) {},
	}
}

type Threat struct {
	ID       string
	Source   string
	Severity int
	Seen     time.Time
}

func cyberThreats(o Options, logger *slog.Logger) coordinator.Bundle {
	feed := service.NewStream[string, Threat]("cyberthreats.feed",
		generator(o.StreamInterval, func(seq int) (string, Threat) {
			id := fmt.Sprintf("thr-%d", seq)
			return id, Threat{ID: id, Source: fmt.Sprintf("10.%d.%d.%d", rand.IntN(256), rand.IntN(256), rand.IntN(256)), Severity: 1 + rand.IntN(5), Seen: time.Now().UTC()}
		}),
		func(t Threat) int64 { return int64(64 + len(t.ID) + len(t.Source)) },
		service.StreamConfig{Backoff: o.Backoff, MaxEntries: 500},
		logger,
	)
	return coordinator.Bundle{
		Services: []service.Disposable{feed},
		Build: func(ctx context.Context, alloc gpu.Allocator) error {
			if _, err := alloc.Allocate(gpu.Geometry, "cyberthreats.markers", 500*12, nil); err != nil {
				return err
			}
			_, err := alloc.Allocate(gpu.Material, "cyberthreats.pulse", 16<<10, nil)
			return err
		},
		Frame: func(loop.Frame) {},
	}
}

type Attack struct {
	ID       string
	From, To [2]float64
	Vector   string
	Started  time.Time
}

var attackVectors = []string{"ddos", "phishing", "malware", "intrusion", "ransomware"}

func cyberAttacks(o Options, logger *slog.Logger) coordinator.Bundle {
	feed := service.NewStream[string, Attack]("cyberattacks.feed",
		generator(o.StreamInterval, func(seq int) (string, Attack) {
			id := fmt.Sprintf("atk-%d", seq)
			return id, Attack{
				ID:      id,
				From:    [2]float64{rand.Float64()*180 - 90, rand.Float64()*360 - 180},
				To:      [2]float64{rand.Float64()*180 - 90, rand.Float64()*360 - 180},
				Vector:  attackVectors[rand.IntN(len(attackVectors))],
				Started: time.Now().UTC(),
			}
		}),
		func(a Attack) int64 { return int64(80 + len(a.ID) + len(a.Vector)) },
		service.StreamConfig{Backoff: o.Backoff, MaxEntries: 1000},
		logger,
	)
	return coordinator.Bundle{
		Services: []service.Disposable{feed},
		Build: func(ctx context.Context, alloc gpu.Allocator) error {
			// 32 segments per arc
			if _, err := alloc.Allocate(gpu.Geometry, "cyberattacks.arcs", 1000*32*12, nil); err != nil {
				return err
			}
			_, err := alloc.Allocate(gpu.Material, "cyberattacks.trail", 32<<10, nil)
			return err
		},
		Frame: func(loop.Frame) {},
	}
}

type Report struct {
	ID       string
	Title    string
	Lat, Lon float64
	Filed    time.Time
}

func intelReports(o Options, logger *slog.Logger) coordinator.Bundle {
	reports := service.NewPoller[string, Report]("intelreports.index",
		func(ctx context.Context) (map[string]Report, error) {
			n := 50 + rand.IntN(50)
			out := make(map[string]Report, n)
			for i := 0; i < n; i++ {
				id := fmt.Sprintf("rpt-%03d", i)
				out[id] = Report{ID: id, Title: "field report " + id, Lat: rand.Float64()*180 - 90, Lon: rand.Float64()*360 - 180, Filed: time.Now().UTC()}
			}
			return out, nil
		},
		func(r Report) int64 { return int64(64 + len(r.ID) + len(r.Title)) },
		service.PollerConfig{Interval: o.PollInterval, Backoff: o.Backoff},
		logger,
	)
	return coordinator.Bundle{
		Services: []service.Disposable{reports},
		Build: func(ctx context.Context, alloc gpu.Allocator) error {
			_, err := alloc.Allocate(gpu.Geometry, "intelreports.pins", 100*12, nil)
			return err
		},
	}
}

// generator emits one item per interval until ctx is done.
func generator[K comparable, V any](interval time.Duration, next func(seq int) (K, V)) service.ConnectFunc[K, V] {
	return func(ctx context.Context, emit service.Emit[K, V]) error {
		t := time.NewTicker(interval)
		defer t.Stop()
		seq := 0
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
				seq++
				emit(next(seq))
			}
		}
	}
}
