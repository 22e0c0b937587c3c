// Package background implements the idle GC, active health prober, and
// hot-reload worker that keep the provider fleet in shape without client
// traffic driving it. The idle GC and the health prober each run their
// own interval-ticker loop of the same shape (snapshot-then-iterate to
// avoid holding the registry lock during I/O).
package background

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

var tracer = otel.Tracer("mcp-hangar/background")

// Sweepable is the minimal surface the GC and health workers need from a
// managed provider.
type Sweepable interface {
	ID() string
	MaybeShutdownIdle(now time.Time) bool
	HealthCheck(ctx context.Context) bool
	State() string
}

// ProviderLister snapshots the registry's current providers without
// holding any lock during the snapshot's consumption.
type ProviderLister interface {
	Snapshot() []Sweepable
}

// EventSink receives worker-cycle events/metrics.
type EventSink interface {
	Emit(event string, fields map[string]any)
}

// IdleGC periodically shuts down providers that have been idle past their
// TTL. Each provider's own MaybeShutdownIdle observes its lifecycle lock,
// so a concurrent invocation or reload simply makes this a no-op for that
// provider on this tick.
type IdleGC struct {
	lister   ProviderLister
	interval time.Duration
	log      zerolog.Logger
	events   EventSink

	stop chan struct{}
	done chan struct{}
}

// NewIdleGC builds a GC worker with the given sweep interval.
func NewIdleGC(lister ProviderLister, interval time.Duration, log zerolog.Logger, events EventSink) *IdleGC {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &IdleGC{lister: lister, interval: interval, log: log.With().Str("worker", "idle_gc").Logger(), events: events, stop: make(chan struct{}), done: make(chan struct{})}
}

// Start runs the sweep loop until Stop is called.
func (g *IdleGC) Start() {
	go g.loop()
}

func (g *IdleGC) loop() {
	defer close(g.done)
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()
	for {
		select {
		case <-g.stop:
			return
		case <-ticker.C:
			g.sweep()
		}
	}
}

func (g *IdleGC) sweep() {
	_, span := tracer.Start(context.Background(), "gc.sweep")
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			g.log.Error().Interface("panic", r).Msg("idle gc: recovered from panic in sweep")
		}
	}()
	now := time.Now()
	snapshot := g.lister.Snapshot()
	span.SetAttributes(attribute.Int("gc.snapshot_size", len(snapshot)))
	var collected atomic.Int64

	var eg errgroup.Group
	for _, p := range snapshot {
		p := p
		eg.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					g.log.Error().Interface("panic", r).Str("provider_id", p.ID()).Msg("idle gc: recovered from panic shutting down provider")
				}
			}()
			if p.MaybeShutdownIdle(now) {
				collected.Add(1)
				g.log.Info().Str("provider_id", p.ID()).Msg("idle gc: provider shut down")
				if g.events != nil {
					g.events.Emit("provider_stop", map[string]any{"provider_id": p.ID(), "reason": "idle"})
				}
			}
			return nil
		})
	}
	_ = eg.Wait()

	span.SetAttributes(attribute.Int64("gc.collected", collected.Load()))

	if g.events != nil {
		g.events.Emit("gc_cycle", map[string]any{"duration_ms": time.Since(now).Milliseconds(), "collected": collected.Load()})
	}
}

// Stop signals the loop to exit and waits for it to finish.
func (g *IdleGC) Stop() {
	close(g.stop)
	<-g.done
}
