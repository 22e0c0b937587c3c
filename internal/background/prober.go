package background

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
)

// HealthProber periodically issues a short health-check probe against
// every READY provider whose last check is older than its configured
// interval. Its loop has the same shape as IdleGC's; the per-provider
// health_check_interval is checked inside each provider's HealthCheck,
// which skips the probe when the provider is not yet due.
type HealthProber struct {
	lister      ProviderLister
	interval    time.Duration
	probeTimeout time.Duration
	log         zerolog.Logger
	events      EventSink

	stop chan struct{}
	done chan struct{}
}

// NewHealthProber builds a prober that wakes every interval to check
// which providers are due, with probeTimeout bounding each tools/list call.
func NewHealthProber(lister ProviderLister, interval, probeTimeout time.Duration, log zerolog.Logger, events EventSink) *HealthProber {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if probeTimeout <= 0 {
		probeTimeout = 5 * time.Second
	}
	return &HealthProber{lister: lister, interval: interval, probeTimeout: probeTimeout, log: log.With().Str("worker", "health_prober").Logger(), events: events, stop: make(chan struct{}), done: make(chan struct{})}
}

func (h *HealthProber) Start() {
	go h.loop()
}

func (h *HealthProber) loop() {
	defer close(h.done)
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-h.stop:
			return
		case <-ticker.C:
			h.sweep()
		}
	}
}

func (h *HealthProber) sweep() {
	sweepCtx, span := tracer.Start(context.Background(), "prober.sweep")
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			h.log.Error().Interface("panic", r).Msg("health prober: recovered from panic in sweep")
		}
	}()
	snapshot := h.lister.Snapshot()
	span.SetAttributes(attribute.Int("prober.snapshot_size", len(snapshot)))
	var unhealthy int
	var mu sync.Mutex

	var eg errgroup.Group
	for _, p := range snapshot {
		p := p
		eg.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					h.log.Error().Interface("panic", r).Str("provider_id", p.ID()).Msg("health prober: recovered from panic probing provider")
				}
			}()
			if p.State() != "READY" {
				return nil
			}
			probeCtx, cancel := context.WithTimeout(sweepCtx, h.probeTimeout)
			defer cancel()
			start := time.Now()
			healthy := p.HealthCheck(probeCtx)
			if !healthy {
				h.log.Warn().Str("provider_id", p.ID()).Msg("health prober: probe failed")
				mu.Lock()
				unhealthy++
				mu.Unlock()
			}
			if h.events != nil {
				h.events.Emit("health_check", map[string]any{
					"provider_id": p.ID(),
					"healthy":     healthy,
					"duration_ms": time.Since(start).Milliseconds(),
				})
			}
			return nil
		})
	}
	_ = eg.Wait()

	span.SetAttributes(attribute.Int("prober.unhealthy", unhealthy))
	if unhealthy > 0 {
		span.SetStatus(codes.Error, "one or more providers failed their health probe")
	} else {
		span.SetStatus(codes.Ok, "")
	}
}

func (h *HealthProber) Stop() {
	close(h.stop)
	<-h.done
}
