package hangarconfig

import (
	"os"
	"regexp"
	"time"

	"github.com/agentoven/mcp-hangar/pkg/hangar"
	"gopkg.in/yaml.v3"
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// Document is the top-level structured config document: a providers map,
// an optional groups map, and optional sections governing hot-reload,
// batch defaults, and truncation.
type Document struct {
	Providers    map[string]ProviderDoc `yaml:"providers"`
	Groups       map[string]GroupDoc    `yaml:"groups"`
	ConfigReload ConfigReloadDoc        `yaml:"config_reload"`
	Batch        BatchDoc               `yaml:"batch"`
	Truncation   TruncationDoc          `yaml:"truncation"`
}

// ProviderDoc is one provider's configuration entry.
type ProviderDoc struct {
	Mode                  hangar.ProviderMode `yaml:"mode"`
	Command               string              `yaml:"command,omitempty"`
	Args                  []string            `yaml:"args,omitempty"`
	Image                 string              `yaml:"image,omitempty"`
	Volumes               []VolumeDoc         `yaml:"volumes,omitempty"`
	Env                   map[string]string   `yaml:"env,omitempty"`
	Network               string              `yaml:"network,omitempty"`
	User                  string              `yaml:"user,omitempty"`
	ResourceLimits        ResourceLimitsDoc   `yaml:"resource_limits,omitempty"`
	Endpoint              string              `yaml:"endpoint,omitempty"`
	Auth                  AuthDoc             `yaml:"auth,omitempty"`
	IdleTTL               float64             `yaml:"idle_ttl,omitempty"`
	HealthCheckInterval    float64             `yaml:"health_check_interval,omitempty"`
	MaxConsecutiveFailures int                 `yaml:"max_consecutive_failures,omitempty"`
	Tools                 []hangar.ToolSchema `yaml:"tools,omitempty"`
}

// VolumeDoc is a container bind mount entry.
type VolumeDoc struct {
	HostPath      string `yaml:"host_path"`
	ContainerPath string `yaml:"container_path"`
	ReadOnly      bool   `yaml:"read_only,omitempty"`
}

// ResourceLimitsDoc bounds a container launch.
type ResourceLimitsDoc struct {
	MemoryMB int     `yaml:"memory_mb,omitempty"`
	CPUs     float64 `yaml:"cpus,omitempty"`
}

// AuthDoc configures how a remote provider authenticates.
type AuthDoc struct {
	Kind          string `yaml:"kind,omitempty"` // "", "bearer", "api_key", "basic"
	Token         string `yaml:"token,omitempty"`
	HeaderName    string `yaml:"header_name,omitempty"`
	Username      string `yaml:"username,omitempty"`
	Password      string `yaml:"password,omitempty"`
	InsecureTLS   bool   `yaml:"insecure_tls,omitempty"`
	CustomCAPath  string `yaml:"custom_ca_path,omitempty"`
}

// GroupMemberDoc references a provider id with group-specific weighting.
type GroupMemberDoc struct {
	ProviderID string `yaml:"provider_id"`
	Weight     int    `yaml:"weight,omitempty"`
	Priority   int    `yaml:"priority,omitempty"`
}

// GroupDoc is one group's configuration entry.
type GroupDoc struct {
	Members              []GroupMemberDoc `yaml:"members"`
	Strategy             hangar.Strategy  `yaml:"strategy,omitempty"`
	UnhealthyThreshold   int              `yaml:"unhealthy_threshold,omitempty"`
	HealthyThreshold     int              `yaml:"healthy_threshold,omitempty"`
	MinHealthy           int              `yaml:"min_healthy,omitempty"`
	CircuitFailureThreshold int           `yaml:"circuit_failure_threshold,omitempty"`
	CircuitResetTimeoutS   float64        `yaml:"circuit_reset_timeout_s,omitempty"`
}

// ConfigReloadDoc governs the hot-reload worker.
type ConfigReloadDoc struct {
	Enabled     bool    `yaml:"enabled"`
	UseWatchdog bool    `yaml:"use_watchdog"`
	IntervalS   float64 `yaml:"interval_s,omitempty"`
}

// BatchDoc overrides batch executor defaults.
type BatchDoc struct {
	DefaultMaxConcurrency int     `yaml:"default_max_concurrency,omitempty"`
	DefaultTimeoutS       float64 `yaml:"default_timeout_s,omitempty"`
	DefaultMaxRetries     int     `yaml:"default_max_retries,omitempty"`
}

// TruncationDoc overrides truncation/response-cache defaults.
type TruncationDoc struct {
	Enabled        bool    `yaml:"enabled"`
	CacheTTLS      float64 `yaml:"cache_ttl_s,omitempty"`
	MaxCacheEntries int    `yaml:"max_cache_entries,omitempty"`
}

// Load reads, parses, and validates the document at path.
func Load(path string) (*Document, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, hangar.NewError(hangar.ErrConfiguration, "read config %q: %v", path, err)
	}
	return Parse(raw)
}

// Parse parses and validates raw YAML bytes into a Document.
func Parse(raw []byte) (*Document, error) {
	var doc Document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, hangar.NewError(hangar.ErrConfiguration, "parse config: %v", err)
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}

// Validate checks structural invariants: id charset/length, mode-specific
// required fields, group member references, and range bounds. Returns a
// *hangar.Error{Kind: configuration} describing the first problem found,
// matching the refuse-without-disturbing-running-state contract for
// reload failures.
func (d *Document) Validate() error {
	for id, p := range d.Providers {
		if !idPattern.MatchString(id) {
			return hangar.NewError(hangar.ErrConfiguration, "provider id %q must match [A-Za-z0-9_-]{1,64}", id)
		}
		if err := p.validate(id); err != nil {
			return err
		}
	}
	for id, g := range d.Groups {
		if !idPattern.MatchString(id) {
			return hangar.NewError(hangar.ErrConfiguration, "group id %q must match [A-Za-z0-9_-]{1,64}", id)
		}
		if len(g.Members) == 0 {
			return hangar.NewError(hangar.ErrConfiguration, "group %q has no members", id)
		}
		for _, m := range g.Members {
			if _, ok := d.Providers[m.ProviderID]; !ok {
				return hangar.NewError(hangar.ErrConfiguration, "group %q references unknown provider %q", id, m.ProviderID)
			}
		}
	}
	return nil
}

func (p ProviderDoc) validate(id string) error {
	switch p.Mode {
	case hangar.ModeSubprocess:
		if p.Command == "" {
			return hangar.NewError(hangar.ErrConfiguration, "provider %q: subprocess mode requires command", id)
		}
	case hangar.ModeContainer:
		if p.Image == "" {
			return hangar.NewError(hangar.ErrConfiguration, "provider %q: container mode requires image", id)
		}
	case hangar.ModeRemote:
		if p.Endpoint == "" {
			return hangar.NewError(hangar.ErrConfiguration, "provider %q: remote mode requires endpoint", id)
		}
	default:
		return hangar.NewError(hangar.ErrConfiguration, "provider %q: unknown mode %q", id, p.Mode)
	}
	if p.IdleTTL < 0 || p.HealthCheckInterval < 0 {
		return hangar.NewError(hangar.ErrConfiguration, "provider %q: idle_ttl and health_check_interval must be non-negative", id)
	}
	return nil
}

// ReloadInterval returns the configured poll interval, defaulting to 5s.
func (c ConfigReloadDoc) ReloadInterval() time.Duration {
	if c.IntervalS <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.IntervalS * float64(time.Second))
}
