package registry

import (
	"context"
	"reflect"
	"sort"

	"github.com/agentoven/mcp-hangar/internal/background"
	"github.com/agentoven/mcp-hangar/internal/group"
	"github.com/agentoven/mcp-hangar/internal/hangarconfig"
	"github.com/agentoven/mcp-hangar/internal/provider"
)

// Reload implements background.Reloader: parse and validate the new
// document, diff it against the running providers by id, then apply the
// diff atomically under the registry lock. A parse/validation failure
// leaves the running registry untouched, per the refuse-without-
// disturbing-running-state contract.
func (r *Registry) Reload(ctx context.Context, configPath string) (background.ReloadResult, error) {
	doc, err := hangarconfig.Load(configPath)
	if err != nil {
		return background.ReloadResult{}, err
	}

	newSpecs := make(map[string]provider.Spec, len(doc.Providers))
	for id, pd := range doc.Providers {
		spec, err := buildSpec(id, pd)
		if err != nil {
			return background.ReloadResult{}, err
		}
		newSpecs[id] = spec
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var result background.ReloadResult
	var toShutdown []*provider.Supervisor

	for id, oldSup := range r.providers {
		newSpec, stillConfigured := newSpecs[id]
		if !stillConfigured {
			toShutdown = append(toShutdown, oldSup)
			delete(r.providers, id)
			result.Removed = append(result.Removed, id)
			continue
		}
		if specEqual(oldSup.Spec(), newSpec) {
			result.Unchanged = append(result.Unchanged, id)
			continue
		}
		toShutdown = append(toShutdown, oldSup)
		r.providers[id] = provider.New(newSpec, r.drivers, r.log, r.events)
		result.Updated = append(result.Updated, id)
	}
	for id, spec := range newSpecs {
		if _, existed := r.providers[id]; existed {
			continue
		}
		r.providers[id] = provider.New(spec, r.drivers, r.log, r.events)
		result.Added = append(result.Added, id)
	}

	// A group is only rebuilt if its own config changed or one of its
	// members points at a provider that was added/updated/removed — a
	// fresh group.New resets in-rotation state, round-robin cursor, and
	// circuit-breaker counters, which would violate the "unchanged config
	// is a no-op" property for every untouched group otherwise.
	changedProviders := make(map[string]bool, len(result.Updated)+len(result.Removed)+len(result.Added))
	for _, id := range result.Updated {
		changedProviders[id] = true
	}
	for _, id := range result.Removed {
		changedProviders[id] = true
	}
	for _, id := range result.Added {
		changedProviders[id] = true
	}

	newGroups := make(map[string]*group.Router, len(doc.Groups))
	newGroupDocs := make(map[string]hangarconfig.GroupDoc, len(doc.Groups))
	for id, gd := range doc.Groups {
		oldRouter, existed := r.groups[id]
		oldDoc, hadDoc := r.groupDocs[id]
		if existed && hadDoc && groupDocEqual(oldDoc, gd) && !groupMembersChanged(gd, changedProviders) {
			newGroups[id] = oldRouter
			newGroupDocs[id] = gd
			continue
		}
		rt, err := r.buildRouterLocked(id, gd)
		if err != nil {
			return background.ReloadResult{}, err
		}
		newGroups[id] = rt
		newGroupDocs[id] = gd
	}
	r.groups = newGroups
	r.groupDocs = newGroupDocs

	sort.Strings(result.Added)
	sort.Strings(result.Removed)
	sort.Strings(result.Updated)
	sort.Strings(result.Unchanged)

	for _, sup := range toShutdown {
		go sup.Shutdown("config_reload")
	}

	return result, nil
}

// specEqual reports whether two specs are equal for reload-diff purposes:
// every launch-affecting field per the hot-reload worker's described
// unchanged rule, with nil/empty collections normalised to equal.
func specEqual(a, b provider.Spec) bool {
	return a.Mode == b.Mode &&
		a.Command == b.Command &&
		a.Image == b.Image &&
		a.Endpoint == b.Endpoint &&
		a.Network == b.Network &&
		a.User == b.User &&
		a.IdleTTL == b.IdleTTL &&
		a.HealthCheckInterval == b.HealthCheckInterval &&
		a.MaxConsecutiveFailures == b.MaxConsecutiveFailures &&
		stringSliceEqual(a.Args, b.Args) &&
		stringMapEqual(a.Env, b.Env) &&
		volumesEqual(a.Volumes, b.Volumes)
}

func stringSliceEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func stringMapEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

// groupDocEqual reports whether two group config entries are equal for
// reload-diff purposes: strategy, thresholds, and the ordered member
// list (provider id, weight, priority).
func groupDocEqual(a, b hangarconfig.GroupDoc) bool {
	return a.Strategy == b.Strategy &&
		a.UnhealthyThreshold == b.UnhealthyThreshold &&
		a.HealthyThreshold == b.HealthyThreshold &&
		a.MinHealthy == b.MinHealthy &&
		a.CircuitFailureThreshold == b.CircuitFailureThreshold &&
		a.CircuitResetTimeoutS == b.CircuitResetTimeoutS &&
		groupMembersEqual(a.Members, b.Members)
}

func groupMembersEqual(a, b []hangarconfig.GroupMemberDoc) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// groupMembersChanged reports whether any of gd's members names a
// provider that was added, updated, or removed by this reload — in
// which case the group's Invoker pointers are stale even though the
// group's own config is unchanged.
func groupMembersChanged(gd hangarconfig.GroupDoc, changedProviders map[string]bool) bool {
	for _, m := range gd.Members {
		if changedProviders[m.ProviderID] {
			return true
		}
	}
	return false
}

func volumesEqual(a, b []provider.VolumeMount) bool {
	if len(a) != len(b) {
		return false
	}
	if len(a) == 0 {
		return true
	}
	return reflect.DeepEqual(a, b)
}
