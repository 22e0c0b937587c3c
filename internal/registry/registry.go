// Package registry implements the process-wide map from provider id to
// Supervisor and group id to Router (component F), the entry point for
// every tool-facing operation. It also implements the adapter seams the
// batch executor and background supervisors need (Resolver, Sweepable,
// Reloader) so those packages stay decoupled from the concrete
// Supervisor/Router types.
package registry

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/agentoven/mcp-hangar/internal/background"
	"github.com/agentoven/mcp-hangar/internal/batch"
	"github.com/agentoven/mcp-hangar/internal/group"
	"github.com/agentoven/mcp-hangar/internal/hangarconfig"
	"github.com/agentoven/mcp-hangar/internal/provider"
	"github.com/agentoven/mcp-hangar/internal/transport"
	"github.com/agentoven/mcp-hangar/pkg/hangar"
	"github.com/rs/zerolog"
)

// EventSink receives lifecycle and batch events. Structurally identical
// to provider.EventSink/background.EventSink/events.Sink, so any of
// those satisfy this without an adapter.
type EventSink interface {
	Emit(event string, fields map[string]any)
}

// Registry owns every configured Provider and Group.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]*provider.Supervisor
	groups    map[string]*group.Router
	groupDocs map[string]hangarconfig.GroupDoc // last-applied doc per group, for reload diffing
	drivers   *provider.DriverRegistry
	log       zerolog.Logger
	events    EventSink
}

// New builds an empty Registry. Apply must be called before use.
func New(drivers *provider.DriverRegistry, log zerolog.Logger, events EventSink) *Registry {
	return &Registry{
		providers: make(map[string]*provider.Supervisor),
		groups:    make(map[string]*group.Router),
		groupDocs: make(map[string]hangarconfig.GroupDoc),
		drivers:   drivers,
		log:       log.With().Str("component", "registry").Logger(),
		events:    events,
	}
}

// Apply registers every provider and group in doc, starting all
// providers in the COLD state. Intended for first load only — use
// Reload for subsequent config changes.
func (r *Registry) Apply(doc *hangarconfig.Document) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.applyLocked(doc)
}

func (r *Registry) applyLocked(doc *hangarconfig.Document) error {
	for id, pd := range doc.Providers {
		spec, err := buildSpec(id, pd)
		if err != nil {
			return err
		}
		r.providers[id] = provider.New(spec, r.drivers, r.log, r.events)
	}
	for id, gd := range doc.Groups {
		rt, err := r.buildRouterLocked(id, gd)
		if err != nil {
			return err
		}
		r.groups[id] = rt
		r.groupDocs[id] = gd
	}
	return nil
}

func (r *Registry) buildRouterLocked(groupID string, gd hangarconfig.GroupDoc) (*group.Router, error) {
	members := make([]group.Member, 0, len(gd.Members))
	for _, m := range gd.Members {
		sup, ok := r.providers[m.ProviderID]
		if !ok {
			return nil, hangar.NewError(hangar.ErrConfiguration, "group %q references unknown provider %q", groupID, m.ProviderID)
		}
		members = append(members, group.Member{ProviderID: m.ProviderID, Weight: m.Weight, Priority: m.Priority, Invoker: sup})
	}
	cfg := group.Config{
		Strategy:                gd.Strategy,
		UnhealthyThreshold:      gd.UnhealthyThreshold,
		HealthyThreshold:        gd.HealthyThreshold,
		MinHealthy:              gd.MinHealthy,
		CircuitFailureThreshold: gd.CircuitFailureThreshold,
	}
	if gd.CircuitResetTimeoutS > 0 {
		cfg.CircuitResetTimeout = time.Duration(gd.CircuitResetTimeoutS * float64(time.Second))
	}
	return group.New(groupID, members, cfg, r.events), nil
}

// Resolve implements batch.Resolver: a provider id is tried first, then
// a group id. Config load does not reject a group whose id equals a
// provider's id; in that case the provider is returned.
func (r *Registry) Resolve(id string) (batch.Target, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.providers[id]; ok {
		return p, true
	}
	if g, ok := r.groups[id]; ok {
		return g, true
	}
	return nil, false
}

// Snapshot implements background.ProviderLister.
func (r *Registry) Snapshot() []background.Sweepable {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]background.Sweepable, 0, len(r.providers))
	for _, p := range r.providers {
		out = append(out, sweepableAdapter{p})
	}
	return out
}

// sweepableAdapter narrows *provider.Supervisor's hangar.State-typed
// State() to the plain string background.Sweepable expects, since
// background has no reason to depend on the provider package's types.
type sweepableAdapter struct {
	sup *provider.Supervisor
}

func (a sweepableAdapter) ID() string                           { return a.sup.ID() }
func (a sweepableAdapter) MaybeShutdownIdle(now time.Time) bool { return a.sup.MaybeShutdownIdle(now) }
func (a sweepableAdapter) HealthCheck(ctx context.Context) bool { return a.sup.HealthCheck(ctx) }
func (a sweepableAdapter) State() string                        { return string(a.sup.State()) }

// Get returns the provider Supervisor for id, if any.
func (r *Registry) Get(id string) (*provider.Supervisor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[id]
	return p, ok
}

// GetGroup returns the group Router for id, if any.
func (r *Registry) GetGroup(id string) (*group.Router, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.groups[id]
	return g, ok
}

// List returns every provider's summary, optionally filtered by state.
func (r *Registry) List(stateFilter string) []hangar.ProviderSummary {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]hangar.ProviderSummary, 0, len(r.providers))
	for _, p := range r.providers {
		s := p.Summary()
		if stateFilter != "" && string(s.State) != stateFilter {
			continue
		}
		out = append(out, s)
	}
	return out
}

// Warm calls EnsureReady on each provider id concurrently and returns a
// per-id outcome, for the `warm` RPC.
func (r *Registry) Warm(ctx context.Context, ids []string) map[string]error {
	results := make(map[string]error, len(ids))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, id := range ids {
		p, ok := r.Get(id)
		if !ok {
			mu.Lock()
			results[id] = fmt.Errorf("provider %q not found", id)
			mu.Unlock()
			continue
		}
		wg.Add(1)
		go func(id string, p *provider.Supervisor) {
			defer wg.Done()
			err := p.EnsureReady(ctx)
			mu.Lock()
			results[id] = err
			mu.Unlock()
		}(id, p)
	}
	wg.Wait()
	return results
}

// Stop shuts down every provider, for graceful process exit.
func (r *Registry) Stop(reason string) {
	r.mu.RLock()
	providers := make([]*provider.Supervisor, 0, len(r.providers))
	for _, p := range r.providers {
		providers = append(providers, p)
	}
	r.mu.RUnlock()
	for _, p := range providers {
		p.Shutdown(reason)
	}
}

func buildSpec(id string, pd hangarconfig.ProviderDoc) (provider.Spec, error) {
	volumes := make([]provider.VolumeMount, 0, len(pd.Volumes))
	for _, v := range pd.Volumes {
		volumes = append(volumes, provider.VolumeMount{HostPath: v.HostPath, ContainerPath: v.ContainerPath, ReadOnly: v.ReadOnly})
	}
	auth, err := buildAuth(pd.Auth)
	if err != nil {
		return provider.Spec{}, hangar.NewError(hangar.ErrConfiguration, "provider %q: %v", id, err)
	}
	return provider.Spec{
		ProviderID:             id,
		Mode:                   pd.Mode,
		Command:                pd.Command,
		Args:                   pd.Args,
		Image:                  pd.Image,
		Volumes:                volumes,
		Env:                    pd.Env,
		Network:                pd.Network,
		User:                   pd.User,
		Endpoint:               pd.Endpoint,
		Auth:                   auth,
		IdleTTL:                pd.IdleTTL,
		HealthCheckInterval:    pd.HealthCheckInterval,
		MaxConsecutiveFailures: pd.MaxConsecutiveFailures,
		PredefinedTools:        pd.Tools,
		ResourceLimits:         provider.ResourceLimits{MemoryMB: pd.ResourceLimits.MemoryMB, CPUs: pd.ResourceLimits.CPUs},
	}, nil
}

func buildAuth(ad hangarconfig.AuthDoc) (transport.AuthConfig, error) {
	cfg := transport.AuthConfig{
		Kind:        ad.Kind,
		Token:       ad.Token,
		HeaderName:  ad.HeaderName,
		Username:    ad.Username,
		Password:    ad.Password,
		InsecureTLS: ad.InsecureTLS,
	}
	if ad.CustomCAPath != "" {
		pem, err := os.ReadFile(ad.CustomCAPath)
		if err != nil {
			return cfg, fmt.Errorf("read custom CA %q: %w", ad.CustomCAPath, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return cfg, fmt.Errorf("custom CA %q contains no usable certificates", ad.CustomCAPath)
		}
		cfg.CustomCA = &tls.Config{RootCAs: pool}
	}
	return cfg, nil
}
