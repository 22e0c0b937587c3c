package api

import (
	"encoding/json"
	"net/http"

	apimw "github.com/agentoven/mcp-hangar/internal/api/middleware"
	"github.com/agentoven/mcp-hangar/pkg/hangar"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
)

// RouterConfig is the subset of ambient configuration the HTTP surface
// needs: rate-limit knobs and the service version string for /version.
type RouterConfig struct {
	RateLimitRPS   int
	RateLimitBurst int
	Version        string
}

// NewRouter builds the HTTP router for the client-facing JSON-RPC
// endpoint plus /health and /metrics. Middleware chain mirrors the
// teacher's: RequestID, RealIP, Recoverer, Compress, Logger, Telemetry,
// CORS, with a rate limiter inserted ahead of the RPC endpoint only.
func NewRouter(rpc *Handler, cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Compress(5))
	r.Use(apimw.Logger)
	r.Use(apimw.Telemetry)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"POST", "GET", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", healthHandler)
	r.Get("/version", versionHandler(cfg.Version))
	r.Handle("/metrics", promhttp.Handler())

	rpcChain := http.Handler(rpc)
	if cfg.RateLimitRPS > 0 {
		rpcChain = rateLimit(cfg.RateLimitRPS, cfg.RateLimitBurst)(rpcChain)
	}
	r.Handle("/rpc", rpcChain)

	return r
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "healthy", "service": "mcp-hangar"})
}

func versionHandler(version string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"version": version, "service": "mcp-hangar"})
	}
}

// rateLimit returns middleware enforcing a process-wide token bucket
// (requests/s, burst) over the RPC endpoint, per §6's recognised
// environment options. One bucket for the whole process, not per-client
// — this spec has no per-tenant concept to key on.
func rateLimit(rps, burst int) func(http.Handler) http.Handler {
	if burst <= 0 {
		burst = rps
	}
	limiter := rate.NewLimiter(rate.Limit(rps), burst)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				writeRPC(w, nil, nil, hangar.NewError(hangar.ErrRateLimited, "rate limit exceeded"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
