// Package group implements load-balanced routing across a pool of
// equivalent providers: member selection strategies, health-tracked
// rotation, and a group-level circuit breaker. Grounded on the teacher's
// internal/router/router.go fallback-iteration and round-robin rotation
// math, generalised from LLM-provider failover to MCP provider failover
// and extended with additional selection strategies and the circuit
// breaker.
package group

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/agentoven/mcp-hangar/pkg/hangar"
)

// Invoker is the minimal surface the router needs from a provider
// supervisor: invoke a tool and report readiness. Kept narrow so the
// router can be tested against a fake without depending on the provider
// package's concrete Supervisor type.
type Invoker interface {
	EnsureReady(ctx context.Context) error
	Invoke(ctx context.Context, tool string, args map[string]any, timeout time.Duration) hangar.Result
}

// Member is one entry in a group's configured member list.
type Member struct {
	ProviderID string
	Weight     int // positive; defaults to 1
	Priority   int // smaller is preferred
	Invoker    Invoker
}

// memberState is the per-member runtime tracked by the router.
type memberState struct {
	member               Member
	inRotation           bool
	consecutiveSuccesses int
	consecutiveFailures  int
	pendingCount         int
	lastUsed             time.Time
	currentWeight        int // smooth weighted round-robin accumulator
}

// Config holds a group's strategy and thresholds.
type Config struct {
	Strategy           hangar.Strategy
	UnhealthyThreshold int
	HealthyThreshold   int
	MinHealthy         int
	CircuitFailureThreshold int
	CircuitResetTimeout     time.Duration
}

// EventSink receives circuit-breaker transition events for
// diagnostics/metrics. Structurally identical to provider.EventSink /
// batch.EventSink / events.Sink, so any of those satisfy this without an
// adapter.
type EventSink interface {
	Emit(event string, fields map[string]any)
}

type nopSink struct{}

func (nopSink) Emit(string, map[string]any) {}

// Router selects a member per call, applies health feedback, and guards
// the group with a circuit breaker.
type Router struct {
	GroupID string
	cfg     Config
	events  EventSink

	mu      sync.Mutex
	members []*memberState
	cursor  int // round-robin cursor

	circuitOpen       bool
	circuitFailures   int
	circuitOpenedAt   time.Time
	halfOpenInFlight  bool
}

// New builds a Router for groupID with the given members and config.
// events may be nil.
func New(groupID string, members []Member, cfg Config, events EventSink) *Router {
	if events == nil {
		events = nopSink{}
	}
	if cfg.HealthyThreshold <= 0 {
		cfg.HealthyThreshold = 2
	}
	if cfg.UnhealthyThreshold <= 0 {
		cfg.UnhealthyThreshold = 3
	}
	if cfg.CircuitFailureThreshold <= 0 {
		cfg.CircuitFailureThreshold = 5
	}
	if cfg.CircuitResetTimeout <= 0 {
		cfg.CircuitResetTimeout = 30 * time.Second
	}
	states := make([]*memberState, 0, len(members))
	for _, m := range members {
		if m.Weight <= 0 {
			m.Weight = 1
		}
		states = append(states, &memberState{member: m, inRotation: true})
	}
	return &Router{GroupID: groupID, cfg: cfg, events: events, members: states}
}

// EnsureReady is a no-op at the group level: readiness is a per-member
// concern, and Invoke already calls it on whichever member it picks. It
// exists so a Router satisfies the same Target shape a single provider
// does for the batch executor's cold-start dedup.
func (r *Router) EnsureReady(ctx context.Context) error { return nil }

// HasTool always reports unenforced: a group's members may advertise
// different tool schemas, so the router can't reject a call before
// picking a member to try it against.
func (r *Router) HasTool(tool string) (known, enforced bool) { return true, false }

// Invoke picks a healthy member, invokes, and on infrastructure failure
// tries exactly one alternate member, per the Group Router contract.
func (r *Router) Invoke(ctx context.Context, tool string, args map[string]any, timeout time.Duration) hangar.Result {
	if open, remaining := r.circuitState(); open {
		return hangar.Result{OK: false, Error: (&hangar.Error{Kind: hangar.ErrCircuitOpen, Message: fmt.Sprintf("group circuit open, retry in %s", remaining)})}
	}

	first, ok := r.pick()
	if !ok {
		return hangar.Result{OK: false, Error: &hangar.Error{Kind: hangar.ErrNoHealthyMember, Message: fmt.Sprintf("no healthy member in group %q", r.GroupID)}}
	}

	result := r.tryMember(ctx, first, tool, args, timeout)
	if result.OK || !resultIsInfraFailure(result) {
		return result
	}

	second, ok := r.pickExcluding(first.member.ProviderID)
	if !ok {
		return result
	}
	return r.tryMember(ctx, second, tool, args, timeout)
}

func resultIsInfraFailure(r hangar.Result) bool {
	return r.Error != nil && r.Error.Kind.CountsAgainstHealth()
}

func (r *Router) tryMember(ctx context.Context, ms *memberState, tool string, args map[string]any, timeout time.Duration) hangar.Result {
	r.mu.Lock()
	ms.pendingCount++
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		ms.pendingCount--
		ms.lastUsed = time.Now()
		r.mu.Unlock()
	}()

	if err := ms.member.Invoker.EnsureReady(ctx); err != nil {
		r.recordFailure(ms)
		return hangar.Result{OK: false, Error: &hangar.Error{Kind: hangar.ErrLaunchFailed, Message: err.Error(), ProviderID: ms.member.ProviderID}}
	}
	result := ms.member.Invoker.Invoke(ctx, tool, args, timeout)
	if result.OK {
		r.recordSuccess(ms)
	} else if resultIsInfraFailure(result) {
		r.recordFailure(ms)
	}
	return result
}

// recordSuccess and recordFailure implement the health-feedback rules:
// consecutive counters drive rotation membership, and infra failures feed
// the group-level circuit breaker.
func (r *Router) recordSuccess(ms *memberState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ms.consecutiveSuccesses++
	ms.consecutiveFailures = 0
	if !ms.inRotation && ms.consecutiveSuccesses >= r.cfg.HealthyThreshold {
		ms.inRotation = true
	}
	if r.halfOpenInFlight {
		r.circuitOpen = false
		r.circuitFailures = 0
		r.halfOpenInFlight = false
		r.events.Emit("group_circuit_closed", map[string]any{"group_id": r.GroupID})
	}
}

func (r *Router) recordFailure(ms *memberState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ms.consecutiveFailures++
	ms.consecutiveSuccesses = 0
	if ms.inRotation && ms.consecutiveFailures >= r.cfg.UnhealthyThreshold {
		ms.inRotation = false
	}
	if r.halfOpenInFlight {
		r.halfOpenInFlight = false
		r.circuitOpenedAt = time.Now()
		return
	}
	r.circuitFailures++
	if r.circuitFailures >= r.cfg.CircuitFailureThreshold && !r.circuitOpen {
		r.circuitOpen = true
		r.circuitOpenedAt = time.Now()
		r.events.Emit("group_circuit_opened", map[string]any{"group_id": r.GroupID})
	}
}

// circuitState reports whether calls should be short-circuited, allowing
// exactly one half-open probe through after the reset timeout.
func (r *Router) circuitState() (open bool, remaining time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.circuitOpen {
		return false, 0
	}
	elapsed := time.Since(r.circuitOpenedAt)
	if elapsed < r.cfg.CircuitResetTimeout {
		return true, r.cfg.CircuitResetTimeout - elapsed
	}
	if r.halfOpenInFlight {
		// A probe is already in flight; keep rejecting until it resolves.
		return true, 0
	}
	r.halfOpenInFlight = true
	return false, 0
}

// pick selects a member per the configured strategy from the in-rotation
// set.
func (r *Router) pick() (*memberState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pickLocked(nil)
}

func (r *Router) pickExcluding(exclude string) (*memberState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pickLocked(map[string]bool{exclude: true})
}

func (r *Router) pickLocked(exclude map[string]bool) (*memberState, bool) {
	candidates := make([]*memberState, 0, len(r.members))
	for _, m := range r.members {
		if m.inRotation && !exclude[m.member.ProviderID] {
			candidates = append(candidates, m)
		}
	}
	if len(candidates) == 0 {
		return nil, false
	}

	switch r.cfg.Strategy {
	case hangar.StrategyWeightedRoundRobin:
		return r.pickWeightedRoundRobin(candidates), true
	case hangar.StrategyLeastConnections:
		return pickLeastConnections(candidates), true
	case hangar.StrategyRandom:
		return candidates[rand.Intn(len(candidates))], true //nolint:gosec // load balancing, not security sensitive
	case hangar.StrategyPriority:
		return pickByPriority(candidates), true
	default: // round_robin
		return r.pickRoundRobin(candidates), true
	}
}

func (r *Router) pickRoundRobin(candidates []*memberState) *memberState {
	r.cursor = (r.cursor + 1) % len(candidates)
	return candidates[r.cursor]
}

// pickWeightedRoundRobin is the classic smooth-weighted selection: each
// candidate's running current-weight is incremented by its static weight;
// the highest current-weight is picked and reset by subtracting the sum
// of all weights, so long-run pick ratio converges to weight ratio.
func (r *Router) pickWeightedRoundRobin(candidates []*memberState) *memberState {
	total := 0
	for _, c := range candidates {
		c.currentWeight += c.member.Weight
		total += c.member.Weight
	}
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.currentWeight > best.currentWeight {
			best = c
		}
	}
	best.currentWeight -= total
	return best
}

func pickLeastConnections(candidates []*memberState) *memberState {
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.pendingCount < best.pendingCount ||
			(c.pendingCount == best.pendingCount && c.lastUsed.Before(best.lastUsed)) {
			best = c
		}
	}
	return best
}

func pickByPriority(candidates []*memberState) *memberState {
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.member.Priority < best.member.Priority {
			best = c
		}
	}
	return best
}

// State reports the group's aggregate health state.
func (r *Router) State() hangar.GroupState {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.circuitOpen {
		return hangar.GroupDegraded
	}
	inRotation := 0
	for _, m := range r.members {
		if m.inRotation {
			inRotation++
		}
	}
	switch {
	case inRotation == 0:
		return hangar.GroupInactive
	case inRotation < r.cfg.MinHealthy:
		return hangar.GroupPartial
	default:
		return hangar.GroupHealthy
	}
}

// MemberStatus is one member's entry in the per-member snapshot that
// Status returns for diagnostics RPCs.
type MemberStatus struct {
	ProviderID string `json:"provider_id"`
	InRotation bool   `json:"in_rotation"`
	Pending    int    `json:"pending_count"`
}

func (r *Router) Status() []MemberStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]MemberStatus, 0, len(r.members))
	for _, m := range r.members {
		out = append(out, MemberStatus{ProviderID: m.member.ProviderID, InRotation: m.inRotation, Pending: m.pendingCount})
	}
	return out
}
