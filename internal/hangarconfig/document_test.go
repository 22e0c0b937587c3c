package hangarconfig

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseValidDocument(t *testing.T) {
	doc, err := Parse([]byte(`
providers:
  calc:
    mode: subprocess
    command: /usr/bin/calc-server
    idle_ttl: 300
  remote-one:
    mode: remote
    endpoint: https://example.com/mcp
groups:
  calcs:
    members:
      - provider_id: calc
        weight: 2
    strategy: weighted_round_robin
config_reload:
  enabled: true
  interval_s: 10
`))
	require.NoError(t, err)
	assert.Len(t, doc.Providers, 2)
	assert.Len(t, doc.Groups, 1)
	assert.True(t, doc.ConfigReload.Enabled)
}

func TestParseRejectsBadProviderID(t *testing.T) {
	_, err := Parse([]byte(`
providers:
  "has a space":
    mode: subprocess
    command: /bin/true
`))
	assert.Error(t, err)
}

func TestParseRejectsSubprocessWithoutCommand(t *testing.T) {
	_, err := Parse([]byte(`
providers:
  p1:
    mode: subprocess
`))
	assert.Error(t, err)
}

func TestParseRejectsGroupReferencingUnknownProvider(t *testing.T) {
	_, err := Parse([]byte(`
providers:
  p1:
    mode: subprocess
    command: /bin/true
groups:
  g1:
    members:
      - provider_id: ghost
`))
	assert.Error(t, err)
}

func TestParseRejectsMalformedYAML(t *testing.T) {
	_, err := Parse([]byte("providers: [this is not a map"))
	assert.Error(t, err)
}
