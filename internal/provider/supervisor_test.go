package provider

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentoven/mcp-hangar/internal/transport"
	"github.com/agentoven/mcp-hangar/pkg/hangar"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTransport is an in-memory Transport Client double used to exercise
// the supervisor's state machine without a real process or socket.
type fakeTransport struct {
	mu        sync.Mutex
	alive     bool
	callCount atomic.Int64
	failCalls bool
	tools     []hangar.ToolSchema
}

func (f *fakeTransport) Call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	f.callCount.Add(1)
	switch method {
	case "initialize":
		return json.RawMessage(`{}`), nil
	case "tools/list":
		payload, _ := json.Marshal(map[string]any{"tools": f.tools})
		return payload, nil
	case "tools/call":
		f.mu.Lock()
		fail := f.failCalls
		f.mu.Unlock()
		if fail {
			return nil, errors.New("boom")
		}
		return json.Marshal(map[string]any{"sum": 5})
	}
	return json.RawMessage(`{}`), nil
}

func (f *fakeTransport) Alive() bool { return f.alive }
func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.alive = false
	f.mu.Unlock()
	return nil
}

// fakeDriver always returns the same fakeTransport instance, letting a
// test assert on the number of launch calls.
type fakeDriver struct {
	mode        hangar.ProviderMode
	launchCount atomic.Int64
	transport   *fakeTransport
	launchErr   error
}

func (d *fakeDriver) Kind() hangar.ProviderMode { return d.mode }

func (d *fakeDriver) Launch(ctx context.Context, spec Spec) (transport.Client, *LaunchDiagnostics, error) {
	d.launchCount.Add(1)
	if d.launchErr != nil {
		return nil, nil, d.launchErr
	}
	return d.transport, nil, nil
}

func newTestSupervisor(t *testing.T, driver *fakeDriver) *Supervisor {
	t.Helper()
	registry := NewDriverRegistry()
	registry.Register(driver)
	spec := Spec{ProviderID: "p1", Mode: driver.mode, MaxConsecutiveFailures: 3}
	return New(spec, registry, zerolog.Nop(), nil)
}

func TestEnsureReadyTransitionsToReady(t *testing.T) {
	ft := &fakeTransport{alive: true, tools: []hangar.ToolSchema{{Name: "math/add"}}}
	driver := &fakeDriver{mode: hangar.ModeSubprocess, transport: ft}
	sup := newTestSupervisor(t, driver)

	require.NoError(t, sup.EnsureReady(context.Background()))
	assert.Equal(t, hangar.StateReady, sup.State())
	assert.Equal(t, int64(1), driver.launchCount.Load())
}

func TestEnsureReadyConcurrentCallersShareOneLaunch(t *testing.T) {
	ft := &fakeTransport{alive: true}
	driver := &fakeDriver{mode: hangar.ModeSubprocess, transport: ft}
	sup := newTestSupervisor(t, driver)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = sup.EnsureReady(context.Background())
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), driver.launchCount.Load())
	assert.Equal(t, hangar.StateReady, sup.State())
}

func TestInvokeSuccessResetsConsecutiveFailures(t *testing.T) {
	ft := &fakeTransport{alive: true}
	driver := &fakeDriver{mode: hangar.ModeSubprocess, transport: ft}
	sup := newTestSupervisor(t, driver)
	require.NoError(t, sup.EnsureReady(context.Background()))

	result := sup.Invoke(context.Background(), "math/add", map[string]any{"a": 2, "b": 3}, time.Second)
	assert.True(t, result.OK)
	assert.Equal(t, 0, sup.HealthInfo().ConsecutiveFailures)
}

func TestInvokeFailuresDegradeAfterThreshold(t *testing.T) {
	ft := &fakeTransport{alive: true, failCalls: true}
	driver := &fakeDriver{mode: hangar.ModeSubprocess, transport: ft}
	sup := newTestSupervisor(t, driver)
	require.NoError(t, sup.EnsureReady(context.Background()))

	for i := 0; i < 3; i++ {
		res := sup.Invoke(context.Background(), "math/add", map[string]any{}, time.Second)
		assert.False(t, res.OK)
	}

	assert.Equal(t, hangar.StateDegraded, sup.State())
}

func TestShutdownReturnsToCold(t *testing.T) {
	ft := &fakeTransport{alive: true}
	driver := &fakeDriver{mode: hangar.ModeSubprocess, transport: ft}
	sup := newTestSupervisor(t, driver)
	require.NoError(t, sup.EnsureReady(context.Background()))

	sup.Shutdown("test")
	assert.Equal(t, hangar.StateCold, sup.State())
	assert.False(t, ft.alive)
}

func TestMaybeShutdownIdleNoOpIfNotIdle(t *testing.T) {
	ft := &fakeTransport{alive: true}
	driver := &fakeDriver{mode: hangar.ModeSubprocess, transport: ft}
	sup := newTestSupervisor(t, driver)
	sup.spec.IdleTTL = 3600
	require.NoError(t, sup.EnsureReady(context.Background()))

	assert.False(t, sup.MaybeShutdownIdle(time.Now()))
	assert.Equal(t, hangar.StateReady, sup.State())
}
