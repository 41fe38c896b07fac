package collector

import (
	"context"
	"log/slog"
	"sync"

	"vizmon/internal/models"
	"vizmon/internal/telemetry"
)

type Service struct {
	proc    *ProcessCollector
	metrics *telemetry.Metrics
	log     *slog.Logger

	mu     sync.RWMutex
	latest models.ProcessMetric
}

func NewService(metrics *telemetry.Metrics, logger *slog.Logger) *Service {
	return &Service{proc: NewProcessCollector(), metrics: metrics, log: logger}
}

func (s *Service) Tick(ctx context.Context) {
	m, err := s.proc.Collect()
	if err != nil {
		// runtime numbers are still valid without /proc
		s.log.Debug("collect rss", "err", err)
	}
	s.mu.Lock()
	s.latest = m
	s.mu.Unlock()
	s.metrics.ObserveProcess(m)
}

func (s *Service) Latest() models.ProcessMetric {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latest
}
