package registry

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentoven/mcp-hangar/internal/hangarconfig"
	"github.com/agentoven/mcp-hangar/internal/provider"
	"github.com/agentoven/mcp-hangar/internal/transport"
	"github.com/agentoven/mcp-hangar/pkg/hangar"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTransport is a minimal transport.Client double, enough to take a
// Supervisor through EnsureReady without a real subprocess or socket.
type fakeTransport struct {
	alive bool
}

func (f *fakeTransport) Call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	return json.RawMessage(`{}`), nil
}
func (f *fakeTransport) Alive() bool  { return f.alive }
func (f *fakeTransport) Close() error { f.alive = false; return nil }

// fakeDriver always hands back the same transport and counts launches.
type fakeDriver struct {
	mode        hangar.ProviderMode
	launchCount atomic.Int64
}

func (d *fakeDriver) Kind() hangar.ProviderMode { return d.mode }
func (d *fakeDriver) Launch(ctx context.Context, spec provider.Spec) (transport.Client, *provider.LaunchDiagnostics, error) {
	d.launchCount.Add(1)
	return &fakeTransport{alive: true}, nil, nil
}

func testDrivers() *provider.DriverRegistry {
	dr := provider.NewDriverRegistry()
	dr.Register(&fakeDriver{mode: hangar.ModeSubprocess})
	dr.Register(&fakeDriver{mode: hangar.ModeRemote})
	return dr
}

func parseDoc(t *testing.T, yamlDoc string) *hangarconfig.Document {
	t.Helper()
	doc, err := hangarconfig.Parse([]byte(yamlDoc))
	require.NoError(t, err)
	return doc
}

const sampleDoc = `
providers:
  calc:
    mode: subprocess
    command: /usr/bin/calc-server
  calc-two:
    mode: subprocess
    command: /usr/bin/calc-server-2
groups:
  calcs:
    members:
      - provider_id: calc
        weight: 1
      - provider_id: calc-two
        weight: 1
    strategy: round_robin
`

func TestApplyBuildsProvidersAndGroups(t *testing.T) {
	reg := New(testDrivers(), zerolog.Nop(), nil)
	require.NoError(t, reg.Apply(parseDoc(t, sampleDoc)))

	_, ok := reg.Get("calc")
	assert.True(t, ok)
	_, ok = reg.Get("calc-two")
	assert.True(t, ok)
	_, ok = reg.GetGroup("calcs")
	assert.True(t, ok)
}

func TestResolveFindsProviderThenGroup(t *testing.T) {
	reg := New(testDrivers(), zerolog.Nop(), nil)
	require.NoError(t, reg.Apply(parseDoc(t, sampleDoc)))

	target, ok := reg.Resolve("calc")
	require.True(t, ok)
	assert.NotNil(t, target)

	target, ok = reg.Resolve("calcs")
	require.True(t, ok)
	assert.NotNil(t, target)

	_, ok = reg.Resolve("ghost")
	assert.False(t, ok)
}

func TestSnapshotReflectsProviderState(t *testing.T) {
	reg := New(testDrivers(), zerolog.Nop(), nil)
	require.NoError(t, reg.Apply(parseDoc(t, sampleDoc)))

	snap := reg.Snapshot()
	assert.Len(t, snap, 2)
	for _, s := range snap {
		assert.Equal(t, "COLD", s.State())
	}

	p, _ := reg.Get("calc")
	require.NoError(t, p.EnsureReady(context.Background()))

	snap = reg.Snapshot()
	var found bool
	for _, s := range snap {
		if s.ID() == "calc" {
			found = true
			assert.Equal(t, "READY", s.State())
		}
	}
	assert.True(t, found)
}

func TestListFiltersByState(t *testing.T) {
	reg := New(testDrivers(), zerolog.Nop(), nil)
	require.NoError(t, reg.Apply(parseDoc(t, sampleDoc)))

	p, _ := reg.Get("calc")
	require.NoError(t, p.EnsureReady(context.Background()))

	ready := reg.List("READY")
	assert.Len(t, ready, 1)
	assert.Equal(t, "calc", ready[0].ProviderID)

	all := reg.List("")
	assert.Len(t, all, 2)
}

func TestWarmReportsPerIDOutcome(t *testing.T) {
	reg := New(testDrivers(), zerolog.Nop(), nil)
	require.NoError(t, reg.Apply(parseDoc(t, sampleDoc)))

	results := reg.Warm(context.Background(), []string{"calc", "ghost"})
	assert.NoError(t, results["calc"])
	assert.Error(t, results["ghost"])
}

func TestStopShutsDownEveryProvider(t *testing.T) {
	reg := New(testDrivers(), zerolog.Nop(), nil)
	require.NoError(t, reg.Apply(parseDoc(t, sampleDoc)))

	p, _ := reg.Get("calc")
	require.NoError(t, p.EnsureReady(context.Background()))

	reg.Stop("shutdown")

	p, _ = reg.Get("calc")
	assert.Equal(t, hangar.StateCold, p.State())
}

func TestApplyAcceptsUnknownDriverModeUntilLaunch(t *testing.T) {
	reg := New(provider.NewDriverRegistry(), zerolog.Nop(), nil)
	err := reg.Apply(parseDoc(t, sampleDoc))
	// Apply itself doesn't launch, so an unregistered driver only bites on
	// EnsureReady; confirm the provider was still registered.
	require.NoError(t, err)
	p, ok := reg.Get("calc")
	require.True(t, ok)
	assert.Error(t, p.EnsureReady(context.Background()))
}
