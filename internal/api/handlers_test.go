package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/agentoven/mcp-hangar/internal/batch"
	"github.com/agentoven/mcp-hangar/internal/hangarconfig"
	"github.com/agentoven/mcp-hangar/internal/provider"
	"github.com/agentoven/mcp-hangar/internal/registry"
	"github.com/agentoven/mcp-hangar/internal/transport"
	"github.com/agentoven/mcp-hangar/pkg/hangar"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTransport struct{ alive bool }

func (f *fakeTransport) Call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	return json.RawMessage(`{"ok":true}`), nil
}
func (f *fakeTransport) Alive() bool  { return f.alive }
func (f *fakeTransport) Close() error { f.alive = false; return nil }

type fakeDriver struct{ mode hangar.ProviderMode }

func (d *fakeDriver) Kind() hangar.ProviderMode { return d.mode }
func (d *fakeDriver) Launch(ctx context.Context, spec provider.Spec) (transport.Client, *provider.LaunchDiagnostics, error) {
	return &fakeTransport{alive: true}, nil, nil
}

const testDoc = `
providers:
  calc:
    mode: subprocess
    command: /usr/bin/calc-server
`

func newTestDeps(t *testing.T) Deps {
	t.Helper()
	doc, err := hangarconfig.Parse([]byte(testDoc))
	require.NoError(t, err)

	dr := provider.NewDriverRegistry()
	dr.Register(&fakeDriver{mode: hangar.ModeSubprocess})

	reg := registry.New(dr, zerolog.Nop(), nil)
	require.NoError(t, reg.Apply(doc))

	cache := batch.NewMemoryCache(100)
	executor := batch.New(reg, cache, batch.TruncationConfig{}, nil)

	return Deps{Registry: reg, Executor: executor, BatchDefaults: BatchDefaults{MaxConcurrency: 4, TimeoutS: 5}}
}

func newRPCRequest(t *testing.T, params any) *http.Request {
	t.Helper()
	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		require.NoError(t, err)
		raw = b
	}
	req := httptest.NewRequest(http.MethodPost, "/rpc", nil)
	return withParams(req, raw)
}

func TestListReturnsProviderSummaries(t *testing.T) {
	d := newTestDeps(t)
	result, err := d.list(newRPCRequest(t, listParams{}))
	require.NoError(t, err)

	summaries, ok := result.([]hangar.ProviderSummary)
	require.True(t, ok)
	require.Len(t, summaries, 1)
	assert.Equal(t, "calc", summaries[0].ProviderID)
}

func TestStartUnknownProviderReturnsNotFound(t *testing.T) {
	d := newTestDeps(t)
	_, err := d.start(newRPCRequest(t, providerParams{Provider: "nope"}))
	require.Error(t, err)

	herr, ok := err.(*hangar.Error)
	require.True(t, ok)
	assert.Equal(t, hangar.ErrNotFound, herr.Kind)
}

func TestStartBringsProviderReady(t *testing.T) {
	d := newTestDeps(t)
	result, err := d.start(newRPCRequest(t, providerParams{Provider: "calc"}))
	require.NoError(t, err)

	m, ok := result.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, hangar.StateReady, m["state"])
}

func TestStopReturnsAcknowledgement(t *testing.T) {
	d := newTestDeps(t)
	_, err := d.start(newRPCRequest(t, providerParams{Provider: "calc"}))
	require.NoError(t, err)

	result, err := d.stop(newRPCRequest(t, providerParams{Provider: "calc"}))
	require.NoError(t, err)
	m := result.(map[string]any)
	assert.Equal(t, true, m["stopped"])
}

func TestCallValidationFailureReportsIssues(t *testing.T) {
	d := newTestDeps(t)
	req := hangar.BatchRequest{Calls: []hangar.Call{{Provider: "", Tool: "add"}}}
	_, err := d.call(newRPCRequest(t, req))
	require.Error(t, err)

	herr, ok := err.(*hangar.Error)
	require.True(t, ok)
	assert.Equal(t, hangar.ErrValidation, herr.Kind)
	assert.NotNil(t, herr.Details["issues"])
}

func TestWarmRequiresAtLeastOneProvider(t *testing.T) {
	d := newTestDeps(t)
	_, err := d.warm(newRPCRequest(t, warmParams{Provider: ""}))
	require.Error(t, err)
}

func TestDiscoveryStubsReturnConfigurationError(t *testing.T) {
	d := newTestDeps(t)
	h := NewHandler(zerolog.Nop())
	RegisterHangarMethods(h, d)

	rec := postRPC(t, h, "discover", nil)
	var resp rpcResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, hangar.ErrConfiguration, resp.Error.Kind)
}

func TestStatusAggregatesProvidersAndGroups(t *testing.T) {
	d := newTestDeps(t)
	result, err := d.status(newRPCRequest(t, providerParams{}))
	require.NoError(t, err)

	m, ok := result.(map[string]any)
	require.True(t, ok)
	assert.Contains(t, m, "providers")
	assert.Contains(t, m, "groups")
}
