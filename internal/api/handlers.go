package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/agentoven/mcp-hangar/internal/background"
	"github.com/agentoven/mcp-hangar/internal/batch"
	"github.com/agentoven/mcp-hangar/internal/registry"
	"github.com/agentoven/mcp-hangar/pkg/hangar"
)

// Deps bundles the control-plane components the RPC surface dispatches
// into. Held by value in Register's closures, not by the Handler
// itself, so the dispatch table stays a pure method→func map.
type Deps struct {
	Registry   *registry.Registry
	Executor   *batch.Executor
	Reload     *background.ReloadWorker
	ConfigPath string
	BatchDefaults BatchDefaults
}

// BatchDefaults fills in zero-valued `call` request fields from the
// config document's `batch` section, so an operator's configured
// defaults take effect instead of always falling through to the
// executor's own hardcoded clamp floor.
type BatchDefaults struct {
	MaxConcurrency int
	TimeoutS       float64
	MaxRetries     int
}

func (d BatchDefaults) apply(req hangar.BatchRequest) hangar.BatchRequest {
	if req.MaxConcurrency == 0 && d.MaxConcurrency > 0 {
		req.MaxConcurrency = d.MaxConcurrency
	}
	if req.Timeout == 0 && d.TimeoutS > 0 {
		req.Timeout = d.TimeoutS
	}
	if req.MaxRetries == 0 && d.MaxRetries > 0 {
		req.MaxRetries = d.MaxRetries
	}
	return req
}

// RegisterHangarMethods wires the client-facing tool table (SPEC_FULL.md
// §6) into h. Discovery-subsystem methods are registered as stubs per
// PART IV: the method surface is complete without implementing an
// external collaborator this spec treats as out of scope.
func RegisterHangarMethods(h *Handler, d Deps) {
	h.Register("list", d.list)
	h.Register("start", d.start)
	h.Register("stop", d.stop)
	h.Register("call", d.call)
	h.Register("tools", d.tools)
	h.Register("details", d.details)
	h.Register("health", d.health)
	h.Register("status", d.status)
	h.Register("warm", d.warm)
	h.Register("reload_config", d.reloadConfig)

	for _, stub := range []string{"discover", "discovered", "approve", "quarantine", "sources"} {
		h.Register(stub, discoveryStub(stub))
	}
}

func discoveryStub(method string) methodFunc {
	return func(r *http.Request) (any, error) {
		return nil, hangar.NewError(hangar.ErrConfiguration, "discovery subsystem %q is not configured in this deployment", method)
	}
}

type listParams struct {
	State string `json:"state,omitempty"`
}

func (d Deps) list(r *http.Request) (any, error) {
	var p listParams
	if err := paramsFrom(r, &p); err != nil {
		return nil, hangar.NewError(hangar.ErrValidation, "invalid params: %v", err)
	}
	return d.Registry.List(p.State), nil
}

type providerParams struct {
	Provider string `json:"provider"`
}

func (d Deps) start(r *http.Request) (any, error) {
	var p providerParams
	if err := paramsFrom(r, &p); err != nil {
		return nil, hangar.NewError(hangar.ErrValidation, "invalid params: %v", err)
	}
	sup, ok := d.Registry.Get(p.Provider)
	if !ok {
		return nil, hangar.NewError(hangar.ErrNotFound, "provider %q not found", p.Provider).WithProvider(p.Provider)
	}
	if err := sup.EnsureReady(r.Context()); err != nil {
		return nil, err
	}
	return map[string]any{
		"provider": p.Provider,
		"state":    sup.State(),
		"tools":    sup.Tools(),
	}, nil
}

func (d Deps) stop(r *http.Request) (any, error) {
	var p providerParams
	if err := paramsFrom(r, &p); err != nil {
		return nil, hangar.NewError(hangar.ErrValidation, "invalid params: %v", err)
	}
	sup, ok := d.Registry.Get(p.Provider)
	if !ok {
		return nil, hangar.NewError(hangar.ErrNotFound, "provider %q not found", p.Provider).WithProvider(p.Provider)
	}
	sup.Shutdown("stop_requested")
	return map[string]any{"stopped": true, "reason": "stop_requested"}, nil
}

func (d Deps) call(r *http.Request) (any, error) {
	var req hangar.BatchRequest
	if err := paramsFrom(r, &req); err != nil {
		return nil, hangar.NewError(hangar.ErrValidation, "invalid params: %v", err)
	}
	req = d.BatchDefaults.apply(req)
	resp, issues := d.Executor.Run(r.Context(), req)
	if issues != nil {
		perIndex := make([]map[string]any, len(issues))
		for i, iss := range issues {
			perIndex[i] = map[string]any{"index": iss.Index, "message": iss.Message}
		}
		err := hangar.NewError(hangar.ErrValidation, "batch validation failed").WithOperation("call")
		err.Details = map[string]any{"issues": perIndex}
		return nil, err
	}
	return resp, nil
}

func (d Deps) tools(r *http.Request) (any, error) {
	var p providerParams
	if err := paramsFrom(r, &p); err != nil {
		return nil, hangar.NewError(hangar.ErrValidation, "invalid params: %v", err)
	}
	sup, ok := d.Registry.Get(p.Provider)
	if !ok {
		return nil, hangar.NewError(hangar.ErrNotFound, "provider %q not found", p.Provider).WithProvider(p.Provider)
	}
	return sup.Tools(), nil
}

func (d Deps) details(r *http.Request) (any, error) {
	var p providerParams
	if err := paramsFrom(r, &p); err != nil {
		return nil, hangar.NewError(hangar.ErrValidation, "invalid params: %v", err)
	}
	if p.Provider == "" {
		return d.Registry.AllDetails(), nil
	}
	det, ok := d.Registry.Details(p.Provider)
	if !ok {
		return nil, hangar.NewError(hangar.ErrNotFound, "provider %q not found", p.Provider).WithProvider(p.Provider)
	}
	return det, nil
}

func (d Deps) health(r *http.Request) (any, error) {
	var p providerParams
	if err := paramsFrom(r, &p); err != nil {
		return nil, hangar.NewError(hangar.ErrValidation, "invalid params: %v", err)
	}
	if p.Provider == "" {
		return d.Registry.AllHealthInfo(), nil
	}
	hi, ok := d.Registry.HealthInfo(p.Provider)
	if !ok {
		return nil, hangar.NewError(hangar.ErrNotFound, "provider %q not found", p.Provider).WithProvider(p.Provider)
	}
	return hi, nil
}

func (d Deps) status(r *http.Request) (any, error) {
	var p providerParams
	if err := paramsFrom(r, &p); err != nil {
		return nil, hangar.NewError(hangar.ErrValidation, "invalid params: %v", err)
	}
	if p.Provider == "" {
		groups := make(map[string]any, len(d.Registry.GroupIDs()))
		for _, id := range d.Registry.GroupIDs() {
			state, members, _ := d.Registry.GroupStatus(id)
			groups[id] = map[string]any{"state": state, "members": members}
		}
		return map[string]any{"providers": d.Registry.List(""), "groups": groups}, nil
	}
	if state, members, ok := d.Registry.GroupStatus(p.Provider); ok {
		return map[string]any{"group": p.Provider, "state": state, "members": members}, nil
	}
	det, ok := d.Registry.Details(p.Provider)
	if !ok {
		return nil, hangar.NewError(hangar.ErrNotFound, "provider or group %q not found", p.Provider)
	}
	return det, nil
}

type warmParams struct {
	Provider string `json:"provider"`
}

func (d Deps) warm(r *http.Request) (any, error) {
	var p warmParams
	if err := paramsFrom(r, &p); err != nil {
		return nil, hangar.NewError(hangar.ErrValidation, "invalid params: %v", err)
	}
	ids := splitIDs(p.Provider)
	if len(ids) == 0 {
		return nil, hangar.NewError(hangar.ErrValidation, "warm requires at least one provider id")
	}
	ctx, cancel := context.WithTimeout(r.Context(), 60*time.Second)
	defer cancel()
	results := d.Registry.Warm(ctx, ids)
	out := make(map[string]any, len(results))
	for id, err := range results {
		if err != nil {
			out[id] = map[string]any{"ok": false, "error": err.Error()}
		} else {
			out[id] = map[string]any{"ok": true}
		}
	}
	return out, nil
}

func splitIDs(csv string) []string {
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

type reloadParams struct {
	Graceful bool `json:"graceful"`
}

func (d Deps) reloadConfig(r *http.Request) (any, error) {
	var p reloadParams
	if err := paramsFrom(r, &p); err != nil {
		return nil, hangar.NewError(hangar.ErrValidation, "invalid params: %v", err)
	}
	result, err := d.Registry.Reload(r.Context(), d.ConfigPath)
	if err != nil {
		return nil, err
	}
	return result, nil
}
