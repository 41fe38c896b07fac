package collector

import (
	"bufio"
	"errors"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"vizmon/internal/models"
)

// ProcessCollector reads process-wide memory. Per-mode numbers are estimates
// summed from services; this is the ground truth they are compared against.
type ProcessCollector struct {
	statusPath string
	now        func() time.Time
}

func NewProcessCollector() *ProcessCollector {
	return &ProcessCollector{statusPath: "/proc/self/status", now: time.Now}
}

func (p *ProcessCollector) Collect() (models.ProcessMetric, error) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	metric := models.ProcessMetric{
		TS:          p.now().UTC(),
		HeapAlloc:   int64(ms.HeapAlloc),
		HeapObjects: int64(ms.HeapObjects),
		Goroutines:  runtime.NumGoroutine(),
		NumGC:       ms.NumGC,
	}
	rss, err := readRSS(p.statusPath)
	if err != nil {
		return metric, err
	}
	metric.RSSBytes = int64(rss)
	return metric, nil
}

func readRSS(path string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	s := bufio.NewScanner(f)
	for s.Scan() {
		fields := strings.Fields(s.Text())
		if len(fields) < 2 || fields[0] != "VmRSS:" {
			continue
		}
		kb, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return 0, err
		}
		return kb * 1024, nil
	}
	if err := s.Err(); err != nil {
		return 0, err
	}
	return 0, errors.New("VmRSS not found")
}
