package api

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/chaos-io/rmbg/metrics"
	"github.com/chaos-io/rmbg/rembg"
)

// HealthMonitor probes the segmentation backend on a schedule and remembers
// the last outcome.
type HealthMonitor struct {
	prober   rembg.Prober
	interval time.Duration
	timeout  time.Duration
	metrics  *metrics.Metrics
	logger   zerolog.Logger

	cron  *cron.Cron
	ready atomic.Bool
	last  atomic.Pointer[time.Time]
}

func NewHealthMonitor(prober rembg.Prober, interval time.Duration, m *metrics.Metrics, logger zerolog.Logger) *HealthMonitor {
	return &HealthMonitor{
		prober:   prober,
		interval: interval,
		timeout:  min(interval, 10*time.Second),
		metrics:  m,
		logger:   logger,
		cron:     cron.New(),
	}
}

// Start runs one probe right away and schedules the rest.
func (h *HealthMonitor) Start(ctx context.Context) error {
	if h.prober == nil {
		return errors.New("health monitor has no prober")
	}

	_, err := h.cron.AddFunc("@every "+h.interval.String(), func() { h.Check(ctx) })
	if err != nil {
		return errors.Wrap(err, "schedule health probe")
	}
	h.Check(ctx)
	h.cron.Start()
	return nil
}

// Stop waits for a running probe to finish.
func (h *HealthMonitor) Stop() {
	<-h.cron.Stop().Done()
}

// Check probes the backend once.
func (h *HealthMonitor) Check(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	err := h.prober.Probe(ctx)
	now := time.Now()
	first := h.last.Swap(&now) == nil

	up := err == nil
	if was := h.ready.Swap(up); first || was != up {
		if up {
			h.logger.Info().Msg("segmentation backend is up")
		} else {
			h.logger.Warn().Err(err).Msg("segmentation backend is down")
		}
	}
	if h.metrics != nil {
		h.metrics.SetBackendUp(up)
	}
	return up
}

func (h *HealthMonitor) Ready() bool {
	return h.ready.Load()
}

// LastCheck returns when the backend was last probed; zero if never.
func (h *HealthMonitor) LastCheck() time.Time {
	if t := h.last.Load(); t != nil {
		return *t
	}
	return time.Time{}
}
