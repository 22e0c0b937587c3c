package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/agentoven/mcp-hangar/internal/transport"
	"github.com/agentoven/mcp-hangar/pkg/hangar"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

var tracer = otel.Tracer("mcp-hangar/provider")

// Supervisor owns one provider's lifecycle: state machine, health
// tracker, and transport handle. All lifecycle transitions are serialised
// by mu, the per-provider lifecycle lock in the lock hierarchy. Tool
// invocations do not hold mu across I/O — they borrow the transport
// handle, release the lock, perform the call, then reacquire the lock
// only to update counters.
type Supervisor struct {
	spec    Spec
	drivers *DriverRegistry
	log     zerolog.Logger
	events  EventSink

	mu            sync.Mutex
	state         hangar.State
	transport     transport.Client
	tools         []hangar.ToolSchema
	lastUsed      time.Time
	lastHealthAt  time.Time
	backoffUntil  time.Time
	health        *HealthTracker

	ensureGroup singleflight.Group
}

// EventSink receives lifecycle events for diagnostics/metrics. Deliberately
// minimal: the fan-out itself lives in internal/events, this interface is
// only the emission point (component G).
type EventSink interface {
	Emit(event string, fields map[string]any)
}

type nopSink struct{}

func (nopSink) Emit(string, map[string]any) {}

// New builds a Supervisor in the COLD state.
func New(spec Spec, drivers *DriverRegistry, log zerolog.Logger, events EventSink) *Supervisor {
	if events == nil {
		events = nopSink{}
	}
	backoffMax := 60 * time.Second
	return &Supervisor{
		spec:    spec,
		drivers: drivers,
		log:     log.With().Str("provider_id", spec.ProviderID).Logger(),
		events:  events,
		state:   hangar.StateCold,
		health:  NewHealthTracker(spec.MaxConsecutiveFailures, backoffMax),
		tools:   append([]hangar.ToolSchema{}, spec.PredefinedTools...),
	}
}

// EnsureReady advances the provider to READY if possible, blocking the
// caller. Safe to call concurrently: only one actual launch occurs,
// coordinated via a singleflight group keyed by the provider id so
// concurrent callers share the one outcome.
func (s *Supervisor) EnsureReady(ctx context.Context) error {
	_, err, _ := s.ensureGroup.Do(s.spec.ProviderID, func() (any, error) {
		return nil, s.ensureReadyOnce(ctx)
	})
	return err
}

func (s *Supervisor) ensureReadyOnce(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case hangar.StateReady:
		s.mu.Unlock()
		return nil
	case hangar.StateDegraded:
		if time.Now().Before(s.backoffUntil) {
			remaining := time.Until(s.backoffUntil)
			s.mu.Unlock()
			return (&hangar.Error{Kind: hangar.ErrCircuitOpen, Message: fmt.Sprintf("provider degraded, retry in %s", remaining)}).WithProvider(s.spec.ProviderID)
		}
		// Backoff expired: close any stale transport then fall through to
		// relaunch as if COLD.
		if s.transport != nil {
			_ = s.transport.Close()
			s.transport = nil
		}
		s.state = hangar.StateCold
	case hangar.StateDead:
		// Auto-restart is always allowed unless the provider was removed
		// from config (the registry would not hold a dead provider it no
		// longer configures).
		s.state = hangar.StateCold
	case hangar.StateInitializing:
		// Another path already advanced past COLD without going through
		// singleflight (should not happen); treat as a foreign caller
		// waiting on the same work by returning nil and letting the
		// invoker observe the eventual real state via retry.
		s.mu.Unlock()
		return nil
	}
	s.state = hangar.StateInitializing
	s.mu.Unlock()

	s.events.Emit("provider_initializing", map[string]any{"provider_id": s.spec.ProviderID})

	client, diag, err := s.drivers.LaunchFor(ctx, s.spec)
	if err != nil {
		s.mu.Lock()
		s.state = hangar.StateDead
		s.mu.Unlock()
		henv := (&hangar.Error{Kind: hangar.ErrLaunchFailed, Message: err.Error()}).WithProvider(s.spec.ProviderID)
		if diag != nil {
			henv = henv.WithHints(diag.Suggestion)
			henv.Details = map[string]any{"stderr_tail": diag.StderrTail, "exit_code": diag.ExitCode}
		}
		s.events.Emit("provider_launch_failed", map[string]any{"provider_id": s.spec.ProviderID, "error": err.Error()})
		return henv
	}

	// Initial handshake: initialize then tools/list.
	if _, err := client.Call(ctx, "initialize", map[string]any{"protocolVersion": "2024-11-05"}, 10*time.Second); err != nil {
		_ = client.Close()
		s.mu.Lock()
		s.state = hangar.StateDead
		s.mu.Unlock()
		s.events.Emit("provider_handshake_failed", map[string]any{"provider_id": s.spec.ProviderID, "error": err.Error()})
		return (&hangar.Error{Kind: hangar.ErrLaunchFailed, Message: "initialize handshake failed: " + err.Error()}).WithProvider(s.spec.ProviderID)
	}

	discovered, err := listTools(ctx, client)
	if err != nil {
		_ = client.Close()
		s.mu.Lock()
		s.state = hangar.StateDead
		s.mu.Unlock()
		s.events.Emit("provider_handshake_failed", map[string]any{"provider_id": s.spec.ProviderID, "error": err.Error()})
		return (&hangar.Error{Kind: hangar.ErrLaunchFailed, Message: "initial tools/list failed: " + err.Error()}).WithProvider(s.spec.ProviderID)
	}

	s.mu.Lock()
	s.transport = client
	s.tools = mergeTools(s.spec.PredefinedTools, discovered)
	s.state = hangar.StateReady
	s.lastUsed = time.Now()
	s.lastHealthAt = time.Now()
	s.health.Reset()
	s.mu.Unlock()

	s.events.Emit("provider_ready", map[string]any{"provider_id": s.spec.ProviderID, "tools_count": len(discovered)})
	return nil
}

// mergeTools treats predefined schemas as authoritative and lets discovery
// add new entries, per the open question resolved in SPEC_FULL.md / §9.
func mergeTools(predefined, discovered []hangar.ToolSchema) []hangar.ToolSchema {
	if len(predefined) == 0 {
		return discovered
	}
	seen := make(map[string]bool, len(predefined))
	out := append([]hangar.ToolSchema{}, predefined...)
	for _, t := range predefined {
		seen[t.Name] = true
	}
	for _, t := range discovered {
		if !seen[t.Name] {
			out = append(out, t)
			seen[t.Name] = true
		}
	}
	return out
}

func listTools(ctx context.Context, client transport.Client) ([]hangar.ToolSchema, error) {
	raw, err := client.Call(ctx, "tools/list", map[string]any{}, 10*time.Second)
	if err != nil {
		return nil, err
	}
	var payload struct {
		Tools []hangar.ToolSchema `json:"tools"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("parse tools/list response: %w", err)
	}
	return payload.Tools, nil
}

// Invoke must be preceded by EnsureReady. It validates tool existence
// against a predefined schema if one is configured, borrows the
// transport, makes the call outside the lifecycle lock, then reacquires
// the lock only to update counters.
func (s *Supervisor) Invoke(ctx context.Context, tool string, args map[string]any, timeout time.Duration) hangar.Result {
	ctx, span := tracer.Start(ctx, "provider.invoke", trace.WithAttributes(
		attribute.String("provider_id", s.spec.ProviderID),
		attribute.String("tool", tool),
	))
	defer span.End()

	start := time.Now()

	s.mu.Lock()
	if s.state != hangar.StateReady {
		s.mu.Unlock()
		res := errResult(hangar.ErrNotFound, "provider not ready", s.spec.ProviderID, start)
		span.SetStatus(codes.Error, res.Error.Message)
		return res
	}
	if len(s.spec.PredefinedTools) > 0 && !s.hasTool(tool) {
		s.mu.Unlock()
		res := errResult(hangar.ErrNotFound, fmt.Sprintf("tool %q not found", tool), s.spec.ProviderID, start)
		span.SetStatus(codes.Error, res.Error.Message)
		return res
	}
	client := s.transport
	s.mu.Unlock()

	raw, err := client.Call(ctx, "tools/call", map[string]any{"name": tool, "arguments": args}, timeout)

	elapsed := time.Since(start)
	if err != nil {
		kind := classifyInvokeErr(err)
		s.mu.Lock()
		s.lastUsed = time.Now()
		if kind.CountsAgainstHealth() {
			s.health.RecordFailure()
			if s.health.ShouldDegrade() && s.state == hangar.StateReady {
				s.state = hangar.StateDegraded
				s.backoffUntil = time.Now().Add(s.health.TimeUntilRetry())
				s.events.Emit("provider_degraded", map[string]any{"provider_id": s.spec.ProviderID})
			}
		} else {
			s.health.RecordInvocationFailure()
		}
		s.mu.Unlock()
		s.events.Emit("invocation_completed", map[string]any{
			"provider_id": s.spec.ProviderID,
			"tool":        tool,
			"result":      "error",
			"duration_s":  elapsed.Seconds(),
		})
		span.SetStatus(codes.Error, err.Error())
		return hangar.Result{OK: false, ElapsedMS: elapsed.Milliseconds(), Error: (&hangar.Error{Kind: kind, Message: err.Error()}).WithProvider(s.spec.ProviderID)}
	}

	var value any
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &value)
	}

	s.mu.Lock()
	s.lastUsed = time.Now()
	s.health.RecordSuccess()
	s.mu.Unlock()

	s.events.Emit("invocation_completed", map[string]any{
		"provider_id": s.spec.ProviderID,
		"tool":        tool,
		"result":      "success",
		"duration_s":  elapsed.Seconds(),
	})
	span.SetStatus(codes.Ok, "")
	return hangar.Result{OK: true, Value: value, ElapsedMS: elapsed.Milliseconds()}
}

func (s *Supervisor) hasTool(name string) bool {
	for _, t := range s.tools {
		if t.Name == name {
			return true
		}
	}
	return false
}

func classifyInvokeErr(err error) hangar.ErrorKind {
	if e, ok := asHangarError(err); ok {
		return e.Kind
	}
	switch {
	case isDeadlineErr(err):
		return hangar.ErrTimeout
	case isCancelErr(err):
		return hangar.ErrCancelled
	default:
		return hangar.ErrTransport
	}
}

// Shutdown moves the provider to COLD, closing its transport (which
// cancels in-flight calls so they observe a transport error).
func (s *Supervisor) Shutdown(reason string) {
	s.mu.Lock()
	if s.transport != nil {
		_ = s.transport.Close()
		s.transport = nil
	}
	s.state = hangar.StateCold
	s.mu.Unlock()
	s.events.Emit("provider_shutdown", map[string]any{"provider_id": s.spec.ProviderID, "reason": reason})
}

// HealthCheck performs a short tools/list probe, used by the active
// health prober background supervisor. When health_check_interval is set
// and the last check is more recent than that, no probe is sent and the
// provider counts as healthy.
func (s *Supervisor) HealthCheck(ctx context.Context) bool {
	s.mu.Lock()
	if s.state != hangar.StateReady {
		s.mu.Unlock()
		return s.state == hangar.StateCold // cold providers are not "unhealthy", just idle
	}
	if interval := time.Duration(s.spec.HealthCheckInterval * float64(time.Second)); interval > 0 && time.Since(s.lastHealthAt) < interval {
		s.mu.Unlock()
		return true
	}
	client := s.transport
	s.mu.Unlock()

	discovered, err := listTools(ctx, client)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastHealthAt = time.Now()
	if err != nil {
		s.health.RecordFailure()
		if s.health.ShouldDegrade() && s.state == hangar.StateReady {
			s.state = hangar.StateDegraded
			s.backoffUntil = time.Now().Add(s.health.TimeUntilRetry())
		}
		return false
	}
	s.tools = mergeTools(s.spec.PredefinedTools, discovered)
	return true
}

// MaybeShutdownIdle closes the transport if the provider has been READY
// and idle past its TTL. Returns true if it shut the provider down. Taking
// the lifecycle lock makes this a no-op if a concurrent invocation or
// reload already moved the provider elsewhere.
func (s *Supervisor) MaybeShutdownIdle(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != hangar.StateReady {
		return false
	}
	if now.Sub(s.lastUsed) <= time.Duration(s.spec.IdleTTL*float64(time.Second)) {
		return false
	}
	if s.transport != nil {
		_ = s.transport.Close()
		s.transport = nil
	}
	s.state = hangar.StateCold
	s.events.Emit("provider_idle_shutdown", map[string]any{"provider_id": s.spec.ProviderID})
	return true
}

// State returns the current lifecycle state.
func (s *Supervisor) State() hangar.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Spec returns the provider's immutable launch spec.
func (s *Supervisor) Spec() Spec { return s.spec }

// ID returns the provider id (exposed to the background workers through
// the registry's background.Sweepable adapter).
func (s *Supervisor) ID() string { return s.spec.ProviderID }

// HasTool reports whether tool is known and whether that knowledge is
// authoritative. With no predefined schema configured, existence is
// unenforced (the provider might support tools its schema never listed).
func (s *Supervisor) HasTool(tool string) (known, enforced bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.spec.PredefinedTools) == 0 {
		return true, false
	}
	return s.hasTool(tool), true
}

// IsAlive reports whether the transport believes its channel is usable.
func (s *Supervisor) IsAlive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transport != nil && s.transport.Alive()
}

// Tools returns a snapshot of the provider's current tool schemas.
func (s *Supervisor) Tools() []hangar.ToolSchema {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]hangar.ToolSchema{}, s.tools...)
}

// Details returns a read-only snapshot for the `details` RPC.
func (s *Supervisor) Details() hangar.Details {
	s.mu.Lock()
	defer s.mu.Unlock()
	var lastUsed *time.Time
	if !s.lastUsed.IsZero() {
		t := s.lastUsed
		lastUsed = &t
	}
	return hangar.Details{
		ProviderID: s.spec.ProviderID,
		Mode:       s.spec.Mode,
		State:      s.state,
		Tools:      append([]hangar.ToolSchema{}, s.tools...),
		Health:     s.healthInfoLocked(),
		LastUsed:   lastUsed,
	}
}

// HealthInfo returns a read-only health snapshot for the `health` RPC.
func (s *Supervisor) HealthInfo() hangar.HealthInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.healthInfoLocked()
}

func (s *Supervisor) healthInfoLocked() hangar.HealthInfo {
	return hangar.HealthInfo{
		ProviderID:          s.spec.ProviderID,
		State:               s.state,
		ConsecutiveFailures: s.health.ConsecutiveFailures(),
		TotalInvocations:    s.health.TotalInvocations(),
		TotalFailures:       s.health.TotalFailures(),
		SuccessRate:         s.health.SuccessRate(),
		LastSuccessAt:       s.health.LastSuccessAt(),
		LastFailureAt:       s.health.LastFailureAt(),
		CanRetry:            s.health.CanRetry(),
		TimeUntilRetry:      s.health.TimeUntilRetry().Seconds(),
	}
}

// Summary returns the `list` RPC's per-provider shape.
func (s *Supervisor) Summary() hangar.ProviderSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	status := "healthy"
	if s.health.ConsecutiveFailures() > 0 {
		status = "degraded"
	}
	return hangar.ProviderSummary{
		ProviderID:   s.spec.ProviderID,
		State:        s.state,
		Mode:         s.spec.Mode,
		IsAlive:      s.transport != nil && s.transport.Alive(),
		ToolsCount:   len(s.tools),
		HealthStatus: status,
	}
}

func errResult(kind hangar.ErrorKind, message, providerID string, start time.Time) hangar.Result {
	return hangar.Result{
		OK:        false,
		ElapsedMS: time.Since(start).Milliseconds(),
		Error:     (&hangar.Error{Kind: kind, Message: message}).WithProvider(providerID),
	}
}

func asHangarError(err error) (*hangar.Error, bool) {
	type wrapper interface{ Unwrap() error }
	for e := err; e != nil; {
		if he, ok := e.(*hangar.Error); ok {
			return he, true
		}
		w, ok := e.(wrapper)
		if !ok {
			break
		}
		e = w.Unwrap()
	}
	return nil, false
}

func isDeadlineErr(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}

func isCancelErr(err error) bool {
	return errors.Is(err, context.Canceled)
}
