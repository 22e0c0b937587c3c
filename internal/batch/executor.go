// Package batch implements the batch executor: eager validation, bounded
// concurrency, single-flight cold-start dedup across the batch, per-call
// and global timeout composition, fail-fast cancellation, retries, and
// truncation of oversized results.
package batch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/agentoven/mcp-hangar/internal/provider"
	"github.com/agentoven/mcp-hangar/pkg/hangar"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

var tracer = otel.Tracer("mcp-hangar/batch")

const (
	maxCallsPerBatch     = 100
	maxArgumentsBytes    = 1 << 20 // 1 MiB
	maxArgumentNesting   = 10
	minConcurrency       = 1
	maxConcurrency       = 20
	minGlobalTimeoutS    = 1.0
	maxGlobalTimeoutS    = 300.0
	minRetries           = 1
	maxRetries           = 10
)

// Target resolves a call's provider-or-group id to something invocable.
// The executor doesn't care whether the target is a single Supervisor or
// a Group Router; both satisfy this interface.
type Target interface {
	EnsureReady(ctx context.Context) error
	Invoke(ctx context.Context, tool string, args map[string]any, timeout time.Duration) hangar.Result
	HasTool(tool string) (known bool, enforced bool) // enforced=false when no predefined schema exists to check against
}

// Resolver looks up a call's target by provider/group id.
type Resolver interface {
	Resolve(id string) (Target, bool)
}

// EventSink receives batch-completion events for diagnostics/metrics.
// Structurally identical to provider.EventSink/events.Sink, so any of
// those satisfy this without an adapter.
type EventSink interface {
	Emit(event string, fields map[string]any)
}

type nopSink struct{}

func (nopSink) Emit(string, map[string]any) {}

// Executor runs batches against targets resolved through a Resolver.
type Executor struct {
	resolver Resolver
	cache    ResponseCache
	truncCfg TruncationConfig
	events   EventSink
}

// New builds an Executor. events may be nil.
func New(resolver Resolver, cache ResponseCache, truncCfg TruncationConfig, events EventSink) *Executor {
	if events == nil {
		events = nopSink{}
	}
	return &Executor{resolver: resolver, cache: cache, truncCfg: truncCfg, events: events}
}

// Run executes req and returns the batch response, or a validation error
// if eager validation fails (in which case no calls are executed).
func (e *Executor) Run(ctx context.Context, req hangar.BatchRequest) (*hangar.BatchResponse, []hangar.ValidationIssue) {
	if issues := e.validate(req); len(issues) > 0 {
		return nil, issues
	}

	ctx, span := tracer.Start(ctx, "batch.run", trace.WithAttributes(
		attribute.Int("batch.size", len(req.Calls)),
	))
	defer span.End()

	batchStart := time.Now()
	batchID := uuid.NewString()
	span.SetAttributes(attribute.String("batch.id", batchID))
	maxConcurrency := clamp(req.MaxConcurrency, minConcurrency, maxConcurrency)
	globalTimeout := time.Duration(clampF(req.Timeout, minGlobalTimeoutS, maxGlobalTimeoutS) * float64(time.Second))
	maxRetries := clamp(req.MaxRetries, minRetries, maxRetries)

	deadline := time.Now().Add(globalTimeout)
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	results := make([]hangar.CallResult, len(req.Calls))
	var cancelled sync.Once
	failFastTripped := make(chan struct{})
	tripFailFast := func() {
		if req.FailFast {
			cancelled.Do(func() { close(failFastTripped) })
		}
	}

	var coldStart singleflight.Group
	var coldDone sync.Map
	var eg errgroup.Group
	eg.SetLimit(maxConcurrency)

	for i, call := range req.Calls {
		i, call := i, call

		select {
		case <-failFastTripped:
			results[i] = cancelledResult(i, call)
			continue
		default:
		}

		eg.Go(func() error {
			select {
			case <-failFastTripped:
				results[i] = cancelledResult(i, call)
				return nil
			default:
			}

			results[i] = e.runCall(ctx, i, call, &coldStart, &coldDone, deadline, maxRetries)
			if !results[i].Success && req.FailFast {
				tripFailFast()
			}
			return nil
		})
	}
	_ = eg.Wait()

	e.applyTruncation(batchID, results)

	resp := &hangar.BatchResponse{BatchID: batchID, Total: len(results), ElapsedMS: time.Since(batchStart).Milliseconds()}
	for _, r := range results {
		if r.Success {
			resp.Succeeded++
		} else {
			resp.Failed++
		}
	}
	resp.Success = resp.Failed == 0
	resp.Results = results

	span.SetAttributes(attribute.Int("batch.succeeded", resp.Succeeded), attribute.Int("batch.failed", resp.Failed))
	if resp.Success {
		span.SetStatus(codes.Ok, "")
	} else {
		span.SetStatus(codes.Error, "one or more calls failed")
	}

	e.events.Emit("batch_completed", map[string]any{
		"batch_id":   batchID,
		"size":       float64(len(results)),
		"succeeded":  resp.Succeeded,
		"failed":     resp.Failed,
		"duration_s": time.Since(batchStart).Seconds(),
	})
	return resp, nil
}

func cancelledResult(i int, call hangar.Call) hangar.CallResult {
	return hangar.CallResult{Index: i, CallID: call.CallID, Success: false, ErrorKind: hangar.ErrCancelled, ErrorMessage: "cancelled: fail-fast cancellation"}
}

// runCall resolves the target, deduplicates its cold start across the
// batch, computes the effective timeout, invokes with retry, and returns
// the result for index i.
func (e *Executor) runCall(ctx context.Context, i int, call hangar.Call, coldStart *singleflight.Group, coldDone *sync.Map, deadline time.Time, maxRetries int) hangar.CallResult {
	start := time.Now()

	target, ok := e.resolver.Resolve(call.Provider)
	if !ok {
		return failResult(i, call, start, hangar.ErrNotFound, fmt.Sprintf("provider or group %q not found", call.Provider))
	}

	// Batch-wide single-flight: concurrent calls in this batch targeting
	// the same cold provider all rendezvous on the first caller's launch
	// outcome, orthogonal to (and compatible with) the Supervisor's own
	// internal EnsureReady single-flight. Calls that arrive after that
	// launch finished reuse its recorded outcome, so EnsureReady runs at
	// most once per provider per batch.
	_, err, _ := coldStart.Do(call.Provider, func() (any, error) {
		if prev, done := coldDone.Load(call.Provider); done {
			prevErr, _ := prev.(error)
			return nil, prevErr
		}
		err := target.EnsureReady(ctx)
		coldDone.Store(call.Provider, err)
		return nil, err
	})
	if err != nil {
		return failResult(i, call, start, hangar.ErrLaunchFailed, err.Error())
	}

	perCallTimeout := 30 * time.Second
	if call.Timeout != nil {
		perCallTimeout = time.Duration(*call.Timeout * float64(time.Second))
	}
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return failResult(i, call, start, hangar.ErrTimeout, "global batch deadline exceeded before call started")
	}
	if remaining < perCallTimeout {
		perCallTimeout = remaining
	}

	var result hangar.Result
	attempts := 0
	policy := provider.RetryBackOff(remaining)
	for {
		attempts++
		result = target.Invoke(ctx, call.Tool, call.Arguments, perCallTimeout)
		if result.OK || maxRetries <= 1 {
			break
		}
		if result.Error == nil || !result.Error.Kind.RetriableInBatch() {
			break
		}
		wait := policy.NextBackOff()
		if wait == backoff.Stop || attempts >= maxRetries || time.Until(deadline) <= wait {
			break
		}
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			break
		}
	}

	elapsed := time.Since(start).Milliseconds()
	if !result.OK {
		cr := hangar.CallResult{
			Index: i, CallID: call.CallID, Success: false, ElapsedMS: elapsed,
		}
		if result.Error != nil {
			cr.ErrorKind = result.Error.Kind
			cr.ErrorMessage = result.Error.Message
		} else {
			cr.ErrorKind = hangar.ErrInternal
			cr.ErrorMessage = "unknown failure"
		}
		if attempts > 1 {
			cr.RetryMetadata = &hangar.RetryMetadata{Attempts: attempts, LastErrorKind: cr.ErrorKind}
		}
		return cr
	}

	cr := hangar.CallResult{Index: i, CallID: call.CallID, Success: true, Value: result.Value, ElapsedMS: elapsed}
	if attempts > 1 {
		cr.RetryMetadata = &hangar.RetryMetadata{Attempts: attempts}
	}
	return cr
}

func failResult(i int, call hangar.Call, start time.Time, kind hangar.ErrorKind, msg string) hangar.CallResult {
	return hangar.CallResult{
		Index: i, CallID: call.CallID, Success: false,
		ErrorKind: kind, ErrorMessage: msg,
		ElapsedMS: time.Since(start).Milliseconds(),
	}
}

// validate performs eager, side-effect-free validation of every call.
func (e *Executor) validate(req hangar.BatchRequest) []hangar.ValidationIssue {
	var issues []hangar.ValidationIssue
	if len(req.Calls) == 0 {
		issues = append(issues, hangar.ValidationIssue{Index: -1, Message: "batch must contain at least one call"})
	}
	if len(req.Calls) > maxCallsPerBatch {
		issues = append(issues, hangar.ValidationIssue{Index: -1, Message: fmt.Sprintf("batch of %d calls exceeds the %d-call limit", len(req.Calls), maxCallsPerBatch)})
	}
	for i, call := range req.Calls {
		if call.Provider == "" {
			issues = append(issues, hangar.ValidationIssue{Index: i, Message: "missing provider"})
			continue
		}
		target, ok := e.resolver.Resolve(call.Provider)
		if !ok {
			issues = append(issues, hangar.ValidationIssue{Index: i, Message: fmt.Sprintf("provider or group %q not found", call.Provider)})
			continue
		}
		if known, enforced := target.HasTool(call.Tool); enforced && !known {
			issues = append(issues, hangar.ValidationIssue{Index: i, Message: fmt.Sprintf("tool %q not in predefined schema", call.Tool)})
		}
		if call.Timeout != nil && (*call.Timeout < 0.1 || *call.Timeout > 3600) {
			issues = append(issues, hangar.ValidationIssue{Index: i, Message: "timeout out of range [0.1, 3600]"})
		}
		if size, depth := measureArgs(call.Arguments); size > maxArgumentsBytes {
			issues = append(issues, hangar.ValidationIssue{Index: i, Message: fmt.Sprintf("arguments of %d bytes exceed the 1 MiB limit", size)})
		} else if depth > maxArgumentNesting {
			issues = append(issues, hangar.ValidationIssue{Index: i, Message: fmt.Sprintf("arguments nesting depth %d exceeds limit of %d", depth, maxArgumentNesting)})
		}
	}
	return issues
}

func measureArgs(args map[string]any) (size int, depth int) {
	raw, err := json.Marshal(args)
	if err != nil {
		return 0, 0
	}
	return len(raw), jsonDepth(args, 0)
}

func jsonDepth(v any, current int) int {
	switch t := v.(type) {
	case map[string]any:
		max := current
		for _, vv := range t {
			if d := jsonDepth(vv, current+1); d > max {
				max = d
			}
		}
		return max
	case []any:
		max := current
		for _, vv := range t {
			if d := jsonDepth(vv, current+1); d > max {
				max = d
			}
		}
		return max
	default:
		return current
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampF(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
