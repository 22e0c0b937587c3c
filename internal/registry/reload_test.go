package registry

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/agentoven/mcp-hangar/internal/hangarconfig"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "hangar.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestReloadDetectsAddedRemovedUpdatedUnchanged(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `
providers:
  calc:
    mode: subprocess
    command: /usr/bin/calc-server
  gone-soon:
    mode: subprocess
    command: /usr/bin/legacy-server
`)

	reg := New(testDrivers(), zerolog.Nop(), nil)
	doc, err := hangarconfig.Load(path)
	require.NoError(t, err)
	require.NoError(t, reg.Apply(doc))

	// command changed on calc, gone-soon removed, fresh-one added, nothing
	// left unchanged
	writeConfig(t, dir, `
providers:
  calc:
    mode: subprocess
    command: /usr/bin/calc-server-v2
  fresh-one:
    mode: subprocess
    command: /usr/bin/new-server
`)

	result, err := reg.Reload(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, []string{"fresh-one"}, result.Added)
	assert.Equal(t, []string{"gone-soon"}, result.Removed)
	assert.Equal(t, []string{"calc"}, result.Updated)
	assert.Empty(t, result.Unchanged)

	_, ok := reg.Get("gone-soon")
	assert.False(t, ok)
	_, ok = reg.Get("fresh-one")
	assert.True(t, ok)
}

func TestReloadLeavesUnchangedProviderInPlace(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `
providers:
  calc:
    mode: subprocess
    command: /usr/bin/calc-server
`)

	reg := New(testDrivers(), zerolog.Nop(), nil)
	doc, err := hangarconfig.Load(path)
	require.NoError(t, err)
	require.NoError(t, reg.Apply(doc))

	before, _ := reg.Get("calc")

	// rewrite byte-identical content (simulates an unrelated filesystem
	// touch) and reload; the Supervisor instance must not be replaced.
	writeConfig(t, dir, `
providers:
  calc:
    mode: subprocess
    command: /usr/bin/calc-server
`)

	result, err := reg.Reload(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, []string{"calc"}, result.Unchanged)
	assert.Empty(t, result.Added)
	assert.Empty(t, result.Removed)
	assert.Empty(t, result.Updated)

	after, _ := reg.Get("calc")
	assert.Same(t, before, after)
}

func TestReloadRejectsInvalidDocumentWithoutDisturbingState(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `
providers:
  calc:
    mode: subprocess
    command: /usr/bin/calc-server
`)

	reg := New(testDrivers(), zerolog.Nop(), nil)
	doc, err := hangarconfig.Load(path)
	require.NoError(t, err)
	require.NoError(t, reg.Apply(doc))

	writeConfig(t, dir, `
providers:
  calc:
    mode: subprocess
`)

	_, err = reg.Reload(context.Background(), path)
	assert.Error(t, err)

	p, ok := reg.Get("calc")
	require.True(t, ok)
	assert.Equal(t, "/usr/bin/calc-server", p.Spec().Command)
}

func TestReloadRebuildsGroupsAgainstUpdatedProviders(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `
providers:
  calc:
    mode: subprocess
    command: /usr/bin/calc-server
groups:
  calcs:
    members:
      - provider_id: calc
    strategy: round_robin
`)

	reg := New(testDrivers(), zerolog.Nop(), nil)
	doc, err := hangarconfig.Load(path)
	require.NoError(t, err)
	require.NoError(t, reg.Apply(doc))

	writeConfig(t, dir, `
providers:
  calc:
    mode: subprocess
    command: /usr/bin/calc-server-v2
groups:
  calcs:
    members:
      - provider_id: calc
    strategy: round_robin
`)

	result, err := reg.Reload(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, []string{"calc"}, result.Updated)

	_, ok := reg.GetGroup("calcs")
	assert.True(t, ok)
}
