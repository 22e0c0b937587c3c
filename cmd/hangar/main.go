// MCP Hangar control plane — the entry point for the supervisor that
// multiplexes one client-facing JSON-RPC endpoint over many external MCP
// providers.
//
// Responsibilities wired here:
//   - Provider Registry (component F) loaded from the config document
//   - Background Supervisors: idle GC, active health prober, hot-reload
//   - Batch Executor (component D) backing the `call` RPC
//   - Client-facing JSON-RPC surface (component 6) over HTTP
//   - Signal handling: SIGHUP hot reload, SIGTERM/SIGINT graceful shutdown
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/agentoven/mcp-hangar/internal/api"
	"github.com/agentoven/mcp-hangar/internal/audit"
	"github.com/agentoven/mcp-hangar/internal/background"
	"github.com/agentoven/mcp-hangar/internal/batch"
	"github.com/agentoven/mcp-hangar/internal/events"
	"github.com/agentoven/mcp-hangar/internal/hangarconfig"
	"github.com/agentoven/mcp-hangar/internal/provider"
	"github.com/agentoven/mcp-hangar/internal/provider/drivers"
	"github.com/agentoven/mcp-hangar/internal/registry"
	"github.com/agentoven/mcp-hangar/internal/telemetry"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	cfg := hangarconfig.LoadEnv()

	log.Info().Msg("🛫 MCP Hangar control plane starting...")

	shutdownTelemetry, err := telemetry.Init(cfg.Telemetry)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize telemetry")
	}

	doc, err := hangarconfig.Load(cfg.ConfigPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load provider config")
	}

	ringBuffer := events.NewRingBuffer(1000)
	metrics := events.NewMetrics(prometheus.DefaultRegisterer)
	sinks := []events.Sink{ringBuffer, metrics}

	var auditLog *audit.Log
	if cfg.DatabaseURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		auditLog, err = audit.Open(ctx, cfg.DatabaseURL, log.Logger)
		cancel()
		if err != nil {
			log.Warn().Err(err).Msg("audit log disabled: failed to connect")
		} else {
			sinks = append(sinks, auditLog)
			defer auditLog.Close()
			log.Info().Msg("📝 audit log enabled")
		}
	}
	eventSink := events.NewMulti(sinks...)

	drvRegistry := provider.NewDriverRegistry()
	drvRegistry.Register(&drivers.SubprocessDriver{Log: log.Logger})
	drvRegistry.Register(&drivers.ContainerDriver{Log: log.Logger, Runtime: cfg.Runtime})
	drvRegistry.Register(&drivers.RemoteDriver{Log: log.Logger})

	reg := registry.New(drvRegistry, log.Logger, eventSink)
	if err := reg.Apply(doc); err != nil {
		log.Fatal().Err(err).Msg("failed to apply provider config")
	}
	log.Info().Int("providers", len(doc.Providers)).Int("groups", len(doc.Groups)).Msg("✅ registry initialized")

	cache := batch.NewMemoryCache(maxCacheEntries(doc))
	truncCfg := batch.TruncationConfig{
		Enabled:         doc.Truncation.Enabled,
		CacheTTL:        cacheTTL(doc),
		MaxCacheEntries: maxCacheEntries(doc),
	}
	executor := batch.New(reg, cache, truncCfg, eventSink)

	gcInterval := 10 * time.Second
	prober := background.NewHealthProber(reg, gcInterval, 5*time.Second, log.Logger, eventSink)
	gc := background.NewIdleGC(reg, gcInterval, log.Logger, eventSink)

	watchPath := ""
	if doc.ConfigReload.Enabled {
		watchPath = cfg.ConfigPath
	}
	reloadWorker := background.NewReloadWorker(watchPath, reg, doc.ConfigReload.ReloadInterval(), log.Logger, eventSink)
	if !doc.ConfigReload.UseWatchdog {
		reloadWorker.DisableWatchdog()
	}

	gc.Start()
	prober.Start()
	reloadWorker.Start()

	rpc := api.NewHandler(log.Logger)
	api.RegisterHangarMethods(rpc, api.Deps{
		Registry:   reg,
		Executor:   executor,
		Reload:     reloadWorker,
		ConfigPath: cfg.ConfigPath,
		BatchDefaults: api.BatchDefaults{
			MaxConcurrency: doc.Batch.DefaultMaxConcurrency,
			TimeoutS:       doc.Batch.DefaultTimeoutS,
			MaxRetries:     doc.Batch.DefaultMaxRetries,
		},
	})
	handler := api.NewRouter(rpc, api.RouterConfig{
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
		Version:        "0.1.0",
	})

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	go func() {
		for sig := range sigChan {
			switch sig {
			case syscall.SIGHUP:
				log.Info().Msg("🔁 SIGHUP received, triggering config reload")
				reloadWorker.Trigger()
			case syscall.SIGTERM, syscall.SIGINT:
				log.Info().Msg("🛑 shutting down gracefully...")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
				_ = httpServer.Shutdown(shutdownCtx)
				cancel()
				gc.Stop()
				prober.Stop()
				reloadWorker.Stop()
				reg.Stop("process_exit")
				_ = shutdownTelemetry(context.Background())
				return
			}
		}
	}()

	log.Info().Str("addr", cfg.HTTPAddr).Msg("🔥 MCP Hangar is hot and ready")

	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("server failed")
	}
}

func maxCacheEntries(doc *hangarconfig.Document) int {
	if doc.Truncation.MaxCacheEntries > 0 {
		return doc.Truncation.MaxCacheEntries
	}
	return 10000
}

func cacheTTL(doc *hangarconfig.Document) time.Duration {
	if doc.Truncation.CacheTTLS > 0 {
		return time.Duration(doc.Truncation.CacheTTLS * float64(time.Second))
	}
	return 5 * time.Minute
}
