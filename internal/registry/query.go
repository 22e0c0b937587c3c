package registry

import (
	"github.com/agentoven/mcp-hangar/internal/provider"
	"github.com/agentoven/mcp-hangar/pkg/hangar"
)

// Details returns the read-only snapshot for a single provider, for the
// `details` RPC. Group ids are not valid targets — a group has no single
// Details shape of its own; see GroupStatus.
func (r *Registry) Details(id string) (hangar.Details, bool) {
	p, ok := r.Get(id)
	if !ok {
		return hangar.Details{}, false
	}
	return p.Details(), true
}

// AllDetails returns every provider's Details snapshot, for the
// no-id-given form of the `details` RPC.
func (r *Registry) AllDetails() []hangar.Details {
	r.mu.RLock()
	providers := make([]*provider.Supervisor, 0, len(r.providers))
	for _, p := range r.providers {
		providers = append(providers, p)
	}
	r.mu.RUnlock()
	out := make([]hangar.Details, 0, len(providers))
	for _, p := range providers {
		out = append(out, p.Details())
	}
	return out
}

// HealthInfo returns a single provider's health counters, for the
// `health` RPC.
func (r *Registry) HealthInfo(id string) (hangar.HealthInfo, bool) {
	p, ok := r.Get(id)
	if !ok {
		return hangar.HealthInfo{}, false
	}
	return p.HealthInfo(), true
}

// AllHealthInfo returns every provider's health counters, for the
// no-id-given form of the `health` RPC.
func (r *Registry) AllHealthInfo() []hangar.HealthInfo {
	r.mu.RLock()
	providers := make([]*provider.Supervisor, 0, len(r.providers))
	for _, p := range r.providers {
		providers = append(providers, p)
	}
	r.mu.RUnlock()
	out := make([]hangar.HealthInfo, 0, len(providers))
	for _, p := range providers {
		out = append(out, p.HealthInfo())
	}
	return out
}

// GroupStatus returns a group's aggregate state plus per-member rotation
// detail, for the `status` RPC when the id names a group.
func (r *Registry) GroupStatus(id string) (state hangar.GroupState, members []groupMemberStatus, ok bool) {
	g, found := r.GetGroup(id)
	if !found {
		return "", nil, false
	}
	st := g.Status()
	out := make([]groupMemberStatus, len(st))
	for i, m := range st {
		out[i] = groupMemberStatus{ProviderID: m.ProviderID, InRotation: m.InRotation, Pending: m.Pending}
	}
	return g.State(), out, true
}

// groupMemberStatus mirrors group.MemberStatus without importing the
// group package's exported type into the registry's public surface —
// registry callers (the RPC layer) only need the field shape.
type groupMemberStatus struct {
	ProviderID string `json:"provider_id"`
	InRotation bool   `json:"in_rotation"`
	Pending    int    `json:"pending_count"`
}

// GroupIDs returns every configured group id, for the no-id-given form
// of the `status` RPC.
func (r *Registry) GroupIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.groups))
	for id := range r.groups {
		out = append(out, id)
	}
	return out
}
