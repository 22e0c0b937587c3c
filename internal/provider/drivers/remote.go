package drivers

import (
	"context"
	"fmt"

	"github.com/agentoven/mcp-hangar/internal/provider"
	"github.com/agentoven/mcp-hangar/internal/transport"
	"github.com/agentoven/mcp-hangar/pkg/hangar"
	"github.com/rs/zerolog"
)

// RemoteDriver "launches" a provider whose transport is a remote HTTP(S)
// endpoint. There is no process to spawn; the transport is opened lazily
// and is immediately usable.
type RemoteDriver struct {
	Log zerolog.Logger
}

func (d *RemoteDriver) Kind() hangar.ProviderMode { return hangar.ModeRemote }

func (d *RemoteDriver) Launch(ctx context.Context, spec provider.Spec) (transport.Client, *provider.LaunchDiagnostics, error) {
	if spec.Endpoint == "" {
		return nil, nil, fmt.Errorf("remote driver: no endpoint configured")
	}
	client := transport.NewHTTPClient(spec.Endpoint, spec.Auth, d.Log.With().Str("provider_id", spec.ProviderID).Logger())
	return client, nil, nil
}
