package provider

import (
	"context"
	"fmt"
	"sync"

	"github.com/agentoven/mcp-hangar/internal/transport"
	"github.com/agentoven/mcp-hangar/pkg/hangar"
)

// LaunchDiagnostics carries the failure detail the supervisor surfaces
// when a launch or initial handshake fails: stderr tail, exit code, and a
// best-effort suggestion. Populated when available, per the design note
// that this is a contract, not a prescribed algorithm.
type LaunchDiagnostics struct {
	StderrTail string
	ExitCode   int
	Suggestion string
}

// Spec is the launch configuration for one provider. The hot-reload diff
// compares every field except Auth, PredefinedTools and ResourceLimits;
// a change to only those leaves the provider classified as unchanged.
type Spec struct {
	ProviderID            string
	Mode                  hangar.ProviderMode
	Command               string
	Args                  []string
	Image                 string
	Volumes               []VolumeMount
	Env                   map[string]string
	Network               string
	User                  string
	Endpoint              string
	Auth                  transport.AuthConfig
	IdleTTL               float64
	HealthCheckInterval    float64
	MaxConsecutiveFailures int
	PredefinedTools       []hangar.ToolSchema
	ResourceLimits        ResourceLimits
}

// VolumeMount is a container bind mount; HostPath must be absolute and not
// match the blocked-sensitive-path list.
type VolumeMount struct {
	HostPath      string
	ContainerPath string
	ReadOnly      bool
}

// ResourceLimits bounds a container launch.
type ResourceLimits struct {
	MemoryMB int
	CPUs     float64
}

// Driver launches a provider's transport for one mode. One type per mode,
// registered in a DriverRegistry, rather than a class hierarchy rooted in
// the Supervisor — matching the tagged-variant design note.
type Driver interface {
	Kind() hangar.ProviderMode
	Launch(ctx context.Context, spec Spec) (transport.Client, *LaunchDiagnostics, error)
}

// DriverRegistry maps a provider mode to the Driver that handles it.
type DriverRegistry struct {
	mu      sync.RWMutex
	drivers map[hangar.ProviderMode]Driver
}

// NewDriverRegistry builds an empty registry.
func NewDriverRegistry() *DriverRegistry {
	return &DriverRegistry{drivers: make(map[hangar.ProviderMode]Driver)}
}

// Register adds or replaces the driver for its Kind().
func (r *DriverRegistry) Register(d Driver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drivers[d.Kind()] = d
}

// Get returns the driver registered for mode, if any.
func (r *DriverRegistry) Get(mode hangar.ProviderMode) (Driver, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.drivers[mode]
	return d, ok
}

// List returns all registered modes.
func (r *DriverRegistry) List() []hangar.ProviderMode {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]hangar.ProviderMode, 0, len(r.drivers))
	for k := range r.drivers {
		out = append(out, k)
	}
	return out
}

// LaunchFor dispatches to the registered driver for spec.Mode.
func (r *DriverRegistry) LaunchFor(ctx context.Context, spec Spec) (transport.Client, *LaunchDiagnostics, error) {
	d, ok := r.Get(spec.Mode)
	if !ok {
		return nil, nil, fmt.Errorf("provider: no driver registered for mode %q", spec.Mode)
	}
	return d.Launch(ctx, spec)
}
