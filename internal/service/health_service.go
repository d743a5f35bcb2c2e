package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/contextify/contextify/internal/domain/upstream"
	"github.com/contextify/contextify/internal/port/outbound"
)

const defaultProbeInterval = 30 * time.Second

// HealthService probes every enabled upstream on a ticker and feeds the
// results into the gateway's live health view. Failed upstreams stay
// registered and are probed again next cycle; there is no circuit breaker.
type HealthService struct {
	registry upstream.Registry
	client   outbound.UpstreamClient
	gateway  *GatewayService
	interval time.Duration

	stopChan chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
	logger   *slog.Logger
}

// NewHealthService constructs the monitor. A zero interval selects the
// default probe cycle.
func NewHealthService(registry upstream.Registry, client outbound.UpstreamClient, gateway *GatewayService, interval time.Duration, logger *slog.Logger) *HealthService {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = defaultProbeInterval
	}
	return &HealthService{
		registry: registry,
		client:   client,
		gateway:  gateway,
		interval: interval,
		stopChan: make(chan struct{}),
		logger:   logger,
	}
}

// Start launches the probe loop. The first cycle runs after one interval;
// the gateway's initial aggregation already produced a health baseline.
func (s *HealthService) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.probeCycle(ctx)
			case <-ctx.Done():
				return
			case <-s.stopChan:
				return
			}
		}
	}()
}

// Stop terminates the probe loop and waits for it to exit.
func (s *HealthService) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
	})
	s.wg.Wait()
}

// probeCycle checks every enabled upstream in parallel. A recovery (an
// upstream transitioning back to healthy) triggers an early re-aggregation
// so its tools reappear without waiting for the refresh interval.
func (s *HealthService) probeCycle(ctx context.Context) {
	upstreams, err := s.registry.List(ctx)
	if err != nil {
		s.logger.Error("health cycle failed to list upstreams", "error", err)
		return
	}

	var recovered int64
	var wg sync.WaitGroup
	var mu sync.Mutex
	for _, u := range upstreams {
		if !u.Enabled {
			continue
		}
		wg.Add(1)
		go func(u upstream.Upstream) {
			defer wg.Done()
			probeCtx, cancel := context.WithTimeout(ctx, s.gateway.timeoutFor(&u))
			defer cancel()

			probe := s.client.Probe(probeCtx, &u)
			if !probe.Healthy {
				s.logger.Warn("upstream probe failed",
					"upstream", u.Name,
					"error", probe.Error,
				)
			}
			if s.gateway.UpdateStatus(u.Name, probe) {
				s.logger.Info("upstream recovered", "upstream", u.Name)
				mu.Lock()
				recovered++
				mu.Unlock()
			}
		}(u)
	}
	wg.Wait()

	if recovered > 0 {
		if err := s.gateway.Refresh(ctx); err != nil {
			s.logger.Error("re-aggregation after recovery failed", "error", err)
		}
	}
}
