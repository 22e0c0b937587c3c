package batch

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentoven/mcp-hangar/pkg/hangar"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTarget struct {
	mu          sync.Mutex
	readyCalls  atomic.Int64
	fail        bool
	delay       time.Duration
	knownTools  []string
	enforceTool bool
}

func (f *fakeTarget) EnsureReady(ctx context.Context) error {
	f.readyCalls.Add(1)
	return nil
}

func (f *fakeTarget) Invoke(ctx context.Context, tool string, args map[string]any, timeout time.Duration) hangar.Result {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return hangar.Result{OK: false, Error: &hangar.Error{Kind: hangar.ErrCancelled, Message: "cancelled"}}
		}
	}
	f.mu.Lock()
	fail := f.fail
	f.mu.Unlock()
	if fail {
		return hangar.Result{OK: false, Error: &hangar.Error{Kind: hangar.ErrTransport, Message: "boom"}}
	}
	return hangar.Result{OK: true, Value: map[string]any{"sum": 5}}
}

func (f *fakeTarget) HasTool(tool string) (bool, bool) {
	if !f.enforceTool {
		return true, false
	}
	for _, t := range f.knownTools {
		if t == tool {
			return true, true
		}
	}
	return false, true
}

type fakeResolver struct {
	targets map[string]Target
}

func (r *fakeResolver) Resolve(id string) (Target, bool) {
	t, ok := r.targets[id]
	return t, ok
}

func TestBatchAllSucceed(t *testing.T) {
	target := &fakeTarget{}
	resolver := &fakeResolver{targets: map[string]Target{"p1": target}}
	ex := New(resolver, NewMemoryCache(100), DefaultTruncationConfig(), nil)

	req := hangar.BatchRequest{
		Calls:          []hangar.Call{{Provider: "p1", Tool: "add"}, {Provider: "p1", Tool: "add"}},
		MaxConcurrency: 2,
		Timeout:        5,
		MaxRetries:     1,
	}
	resp, issues := ex.Run(context.Background(), req)
	require.Empty(t, issues)
	require.NotNil(t, resp)
	assert.True(t, resp.Success)
	assert.Equal(t, 2, resp.Succeeded)
	assert.Len(t, resp.Results, 2)
	assert.Equal(t, 0, resp.Results[0].Index)
	assert.Equal(t, 1, resp.Results[1].Index)
}

func TestBatchColdStartSingleFlightPerProvider(t *testing.T) {
	target := &fakeTarget{}
	resolver := &fakeResolver{targets: map[string]Target{"p1": target}}
	ex := New(resolver, NewMemoryCache(100), DefaultTruncationConfig(), nil)

	calls := make([]hangar.Call, 8)
	for i := range calls {
		calls[i] = hangar.Call{Provider: "p1", Tool: "add"}
	}
	req := hangar.BatchRequest{Calls: calls, MaxConcurrency: 8, Timeout: 5, MaxRetries: 1}

	resp, issues := ex.Run(context.Background(), req)
	require.Empty(t, issues)
	assert.Equal(t, 8, resp.Succeeded)
	assert.Equal(t, int64(1), target.readyCalls.Load())
}

func TestBatchValidationRejectsOverLimit(t *testing.T) {
	target := &fakeTarget{}
	resolver := &fakeResolver{targets: map[string]Target{"p1": target}}
	ex := New(resolver, NewMemoryCache(100), DefaultTruncationConfig(), nil)

	calls := make([]hangar.Call, 101)
	for i := range calls {
		calls[i] = hangar.Call{Provider: "p1", Tool: "add"}
	}
	req := hangar.BatchRequest{Calls: calls, MaxConcurrency: 5, Timeout: 5, MaxRetries: 1}

	resp, issues := ex.Run(context.Background(), req)
	assert.Nil(t, resp)
	require.NotEmpty(t, issues)
}

func TestBatchUnknownProviderFailsEagerly(t *testing.T) {
	resolver := &fakeResolver{targets: map[string]Target{}}
	ex := New(resolver, NewMemoryCache(100), DefaultTruncationConfig(), nil)

	req := hangar.BatchRequest{Calls: []hangar.Call{{Provider: "missing", Tool: "add"}}, MaxConcurrency: 1, Timeout: 5, MaxRetries: 1}
	resp, issues := ex.Run(context.Background(), req)
	assert.Nil(t, resp)
	require.Len(t, issues, 1)
	assert.Equal(t, 0, issues[0].Index)
}

func TestFailFastCancelsUnstartedCalls(t *testing.T) {
	failing := &fakeTarget{fail: true}
	slow := &fakeTarget{delay: 500 * time.Millisecond}
	resolver := &fakeResolver{targets: map[string]Target{"fail": failing, "slow": slow}}
	ex := New(resolver, NewMemoryCache(100), DefaultTruncationConfig(), nil)

	calls := []hangar.Call{{Provider: "fail", Tool: "x"}}
	for i := 0; i < 5; i++ {
		calls = append(calls, hangar.Call{Provider: "slow", Tool: "x"})
	}
	req := hangar.BatchRequest{Calls: calls, MaxConcurrency: 1, Timeout: 5, FailFast: true, MaxRetries: 1}

	resp, issues := ex.Run(context.Background(), req)
	require.Empty(t, issues)
	assert.False(t, resp.Success)

	cancelledCount := 0
	for _, r := range resp.Results[1:] {
		if r.ErrorKind == hangar.ErrCancelled {
			cancelledCount++
		}
	}
	assert.Greater(t, cancelledCount, 0)
}
