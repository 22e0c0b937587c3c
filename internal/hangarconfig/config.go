// Package hangarconfig parses and validates the hangar configuration
// document (providers, groups, batch limits, truncation, hot-reload
// settings) and the ambient process configuration (HTTP bind address,
// config path, container runtime binary) read from the environment.
package hangarconfig

import (
	"os"
	"strconv"
)

// Config is the ambient, environment-driven process configuration.
// Follows the teacher's envStr/envInt/envBool idiom rather than a flag
// parser or a third env-var library, since the surface is small.
type Config struct {
	HTTPAddr    string
	ConfigPath  string
	Runtime     string // "docker" or "podman"
	RateLimitRPS   int
	RateLimitBurst int
	Telemetry   TelemetryConfig
	DatabaseURL string // optional; enables the audit log when set
}

// TelemetryConfig controls OpenTelemetry tracing export.
type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

// LoadEnv reads ambient configuration from the environment with
// sensible defaults. Named distinctly from the Document Load/Parse
// pair below since the two configs (ambient process config vs. the
// provider/group document) are unrelated despite sharing a package.
func LoadEnv() *Config {
	return &Config{
		HTTPAddr:       envStr("HANGAR_HTTP_ADDR", ":8088"),
		ConfigPath:     envStr("HANGAR_CONFIG_PATH", "hangar.yaml"),
		Runtime:        envStr("HANGAR_CONTAINER_RUNTIME", "docker"),
		RateLimitRPS:   envInt("HANGAR_RATE_LIMIT_RPS", 0), // 0 = disabled
		RateLimitBurst: envInt("HANGAR_RATE_LIMIT_BURST", 0),
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "mcp-hangar"),
		},
		DatabaseURL: envStr("DATABASE_URL", ""),
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
