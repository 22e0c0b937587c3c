// Package provider implements the Provider Supervisor (state machine,
// health/circuit-breaker, launch dispatch) described in the component
// design's Provider Supervisor section.
package provider

import (
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// HealthTracker records invocation outcomes for one provider and decides
// when it should degrade and when it becomes eligible to retry. Grounded
// on the health-tracking entity this system's health semantics were
// distilled from: consecutive-failure counting, a total/failure tally for
// success-rate reporting, and an exponential backoff capped at a maximum.
type HealthTracker struct {
	MaxConsecutiveFailures int

	consecutiveFailures int
	lastSuccessAt       *time.Time
	lastFailureAt       *time.Time
	totalInvocations    int64
	totalFailures       int64

	backoffMax time.Duration
}

// NewHealthTracker builds a tracker with the given degrade threshold and
// backoff cap (defaulting to 60s, matching the default conservative curve
// chosen for the unspecified maximum).
func NewHealthTracker(maxConsecutiveFailures int, backoffMax time.Duration) *HealthTracker {
	if maxConsecutiveFailures <= 0 {
		maxConsecutiveFailures = 3
	}
	if backoffMax <= 0 {
		backoffMax = 60 * time.Second
	}
	return &HealthTracker{MaxConsecutiveFailures: maxConsecutiveFailures, backoffMax: backoffMax}
}

// RecordSuccess resets the consecutive-failure count and stamps last-success.
func (h *HealthTracker) RecordSuccess() {
	h.consecutiveFailures = 0
	now := time.Now()
	h.lastSuccessAt = &now
	h.totalInvocations++
}

// RecordFailure records an infrastructure failure that counts toward the
// degrade threshold (transport/protocol/timeout errors).
func (h *HealthTracker) RecordFailure() {
	h.consecutiveFailures++
	now := time.Now()
	h.lastFailureAt = &now
	h.totalFailures++
	h.totalInvocations++
}

// RecordInvocationFailure records a tool-domain failure (validation,
// not_found, tool_error) that affects success-rate reporting but must not
// count against infrastructure health, per the error classification table.
func (h *HealthTracker) RecordInvocationFailure() {
	h.totalFailures++
	h.totalInvocations++
}

// ShouldDegrade reports whether the provider should transition READY to
// DEGRADED.
func (h *HealthTracker) ShouldDegrade() bool {
	return h.consecutiveFailures >= h.MaxConsecutiveFailures
}

// CanRetry reports whether enough time has elapsed since the last failure
// for a retry attempt to be allowed.
func (h *HealthTracker) CanRetry() bool {
	if h.lastFailureAt == nil {
		return true
	}
	return time.Since(*h.lastFailureAt) >= h.backoff()
}

// TimeUntilRetry returns the remaining backoff duration, zero if retry is
// already allowed.
func (h *HealthTracker) TimeUntilRetry() time.Duration {
	if h.lastFailureAt == nil {
		return 0
	}
	remaining := h.backoff() - time.Since(*h.lastFailureAt)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// backoff computes min(backoffMax, 2^consecutiveFailures) seconds, the
// curve this health model was distilled from. It is computed in closed
// form rather than with cenkalti/backoff, because the delay is recomputed
// from consecutiveFailures on every check rather than advanced by a
// ticking retry loop.
func (h *HealthTracker) backoff() time.Duration {
	seconds := math.Pow(2, float64(h.consecutiveFailures))
	d := time.Duration(seconds * float64(time.Second))
	if d > h.backoffMax {
		return h.backoffMax
	}
	return d
}

// ConsecutiveFailures returns the current streak.
func (h *HealthTracker) ConsecutiveFailures() int { return h.consecutiveFailures }

// TotalInvocations returns the lifetime invocation count.
func (h *HealthTracker) TotalInvocations() int64 { return h.totalInvocations }

// TotalFailures returns the lifetime failure count.
func (h *HealthTracker) TotalFailures() int64 { return h.totalFailures }

// SuccessRate returns the fraction of invocations that succeeded, 1.0 if
// none have occurred yet.
func (h *HealthTracker) SuccessRate() float64 {
	if h.totalInvocations == 0 {
		return 1.0
	}
	return float64(h.totalInvocations-h.totalFailures) / float64(h.totalInvocations)
}

// LastSuccessAt and LastFailureAt expose the timestamps for snapshotting.
func (h *HealthTracker) LastSuccessAt() *time.Time { return h.lastSuccessAt }
func (h *HealthTracker) LastFailureAt() *time.Time { return h.lastFailureAt }

// Reset clears all counters, used when a provider is relaunched cleanly.
func (h *HealthTracker) Reset() {
	h.consecutiveFailures = 0
	h.lastSuccessAt = nil
	h.lastFailureAt = nil
	h.totalInvocations = 0
	h.totalFailures = 0
}

// RetryBackOff builds a cenkalti/backoff policy for the Batch Executor's
// call-level retries, sharing the same capped-exponential shape as the
// health tracker's degrade backoff.
func RetryBackOff(max time.Duration) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = max
	b.Multiplier = 2
	b.RandomizationFactor = 0.1
	return b
}
