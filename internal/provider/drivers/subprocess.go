// Package drivers implements the mode-dependent provider launchers:
// subprocess, container, and remote. Grounded on the teacher's
// internal/process/{local,docker}.go executors, hardened with an
// allowlist and sanitized environment for subprocess mode and dropped
// capabilities and volume validation for container mode.
package drivers

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/agentoven/mcp-hangar/internal/provider"
	"github.com/agentoven/mcp-hangar/internal/transport"
	"github.com/agentoven/mcp-hangar/pkg/hangar"
	"github.com/rs/zerolog"
)

// sensitiveEnvPatterns masks environment keys that look like secrets
// before they are inherited into a child process.
var sensitiveEnvPatterns = []string{"PASSWORD", "TOKEN", "SECRET", "API_KEY", "APIKEY", "PRIVATE_KEY"}

// shellMetacharacters rejects command strings that look like they need a
// shell to interpret, since subprocess launch never invokes one.
const shellMetacharacters = "|&;<>()$`\\\"'\n*?[]{}~"

// SubprocessDriver launches providers as local child processes
// communicating over stdio.
type SubprocessDriver struct {
	Log           zerolog.Logger
	AllowedCommands []string // empty means no allowlist restriction
}

func (d *SubprocessDriver) Kind() hangar.ProviderMode { return hangar.ModeSubprocess }

func (d *SubprocessDriver) Launch(ctx context.Context, spec provider.Spec) (transport.Client, *provider.LaunchDiagnostics, error) {
	if err := validateCommand(spec.Command, d.AllowedCommands); err != nil {
		return nil, nil, fmt.Errorf("subprocess driver: %w", err)
	}

	cmd := exec.CommandContext(ctx, spec.Command, spec.Args...)
	cmd.Env = buildFilteredEnv(spec.Env)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("subprocess driver: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("subprocess driver: stdout pipe: %w", err)
	}
	ring := transport.NewStderrRingBuffer(16 * 1024)
	cmd.Stderr = ring

	if err := cmd.Start(); err != nil {
		return nil, &provider.LaunchDiagnostics{
			StderrTail: ring.String(),
			Suggestion: suggestFromStartErr(err),
		}, fmt.Errorf("subprocess driver: start: %w", err)
	}

	client := transport.NewStdioClient(cmd, stdin, stdout, ring, d.Log.With().Str("provider_id", spec.ProviderID).Logger())
	return client, nil, nil
}

func validateCommand(command string, allowed []string) error {
	if command == "" {
		return fmt.Errorf("empty command")
	}
	if strings.ContainsAny(command, shellMetacharacters) {
		return fmt.Errorf("command contains shell metacharacters, refusing to launch without a shell: %q", command)
	}
	if len(allowed) == 0 {
		return nil
	}
	base := filepath.Base(command)
	for _, a := range allowed {
		if a == command || a == base {
			return nil
		}
	}
	return fmt.Errorf("command %q is not in the allowed command list", command)
}

func buildFilteredEnv(extra map[string]string) []string {
	base := os.Environ()
	out := make([]string, 0, len(base)+len(extra))
	for _, kv := range base {
		key, _, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		if isSensitiveKey(key) {
			continue
		}
		out = append(out, kv)
	}
	for k, v := range extra {
		out = append(out, k+"="+v)
	}
	return out
}

func isSensitiveKey(key string) bool {
	upper := strings.ToUpper(key)
	for _, pattern := range sensitiveEnvPatterns {
		if strings.Contains(upper, pattern) {
			return true
		}
	}
	return false
}

func suggestFromStartErr(err error) string {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "executable file not found"):
		return "command not found on PATH; check the provider's command field"
	case strings.Contains(msg, "permission denied"):
		return "command is not executable; check file permissions"
	default:
		return ""
	}
}

// SuggestFromExit derives a diagnostic suggestion from a child's exit code
// and stderr tail, per the §4.B diagnostics contract. Nothing in this
// module calls it: the supervisor surfaces only the launch diagnostics a
// driver returns, and no exit code is recorded when a running process dies.
func SuggestFromExit(exitCode int, stderrTail string) string {
	switch {
	case strings.Contains(stderrTail, "ModuleNotFoundError"):
		return "a required module is missing; check the provider's dependencies"
	case exitCode == 127:
		return "exit 127: command not found"
	case exitCode == 137:
		return "exit 137: process was killed, likely OOM"
	default:
		return ""
	}
}
