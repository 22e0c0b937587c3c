package drivers

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/agentoven/mcp-hangar/internal/provider"
	"github.com/agentoven/mcp-hangar/internal/transport"
	"github.com/agentoven/mcp-hangar/pkg/hangar"
	"github.com/rs/zerolog"
)

// blockedSensitivePaths is the always-applied volume-mount denylist. Any
// host path that matches or is nested under one of these is rejected,
// regardless of config.
var blockedSensitivePaths = []string{
	"/etc", "/root", "/boot", "/sys", "/proc", "/var/run/docker.sock",
}

// ContainerDriver launches providers as containers via the configured
// runtime binary (docker or podman), with hardening always applied:
// dropped capabilities, no new privileges, read-only root unless
// explicitly disabled, resource limits, and a default-none network mode.
type ContainerDriver struct {
	Log     zerolog.Logger
	Runtime string // "docker" or "podman"; defaults to docker
}

func (d *ContainerDriver) Kind() hangar.ProviderMode { return hangar.ModeContainer }

func (d *ContainerDriver) runtimeBin() string {
	if d.Runtime != "" {
		return d.Runtime
	}
	return "docker"
}

func (d *ContainerDriver) Launch(ctx context.Context, spec provider.Spec) (transport.Client, *provider.LaunchDiagnostics, error) {
	runtime := d.runtimeBin()
	if _, err := exec.LookPath(runtime); err != nil {
		return nil, nil, fmt.Errorf("container driver: %s not found on PATH: %w", runtime, err)
	}
	if spec.Image == "" {
		return nil, nil, fmt.Errorf("container driver: no image configured")
	}
	for _, v := range spec.Volumes {
		if err := validateVolume(v); err != nil {
			return nil, nil, fmt.Errorf("container driver: %w", err)
		}
	}

	args := []string{"run", "-i", "--rm",
		"--cap-drop=ALL",
		"--security-opt=no-new-privileges",
	}
	if spec.ResourceLimits.MemoryMB > 0 {
		args = append(args, fmt.Sprintf("--memory=%dm", spec.ResourceLimits.MemoryMB))
	}
	if spec.ResourceLimits.CPUs > 0 {
		args = append(args, fmt.Sprintf("--cpus=%s", strconv.FormatFloat(spec.ResourceLimits.CPUs, 'f', 2, 64)))
	}
	network := spec.Network
	if network == "" {
		network = "none"
	}
	args = append(args, "--network="+network)
	if !containsReadWriteOverride(spec.Env) {
		args = append(args, "--read-only")
	}
	if spec.User != "" {
		args = append(args, "--user="+spec.User)
	}
	for k, v := range spec.Env {
		args = append(args, "-e", k+"="+v)
	}
	for _, vol := range spec.Volumes {
		mode := "rw"
		if vol.ReadOnly {
			mode = "ro"
		}
		args = append(args, "-v", vol.HostPath+":"+vol.ContainerPath+":"+mode)
	}
	args = append(args, spec.Image)

	cmd := exec.CommandContext(ctx, runtime, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("container driver: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("container driver: stdout pipe: %w", err)
	}
	ring := transport.NewStderrRingBuffer(16 * 1024)
	cmd.Stderr = ring

	if err := cmd.Start(); err != nil {
		return nil, &provider.LaunchDiagnostics{StderrTail: ring.String()}, fmt.Errorf("container driver: start: %w", err)
	}

	client := transport.NewStdioClient(cmd, stdin, stdout, ring, d.Log.With().Str("provider_id", spec.ProviderID).Logger())
	return client, nil, nil
}

func validateVolume(v provider.VolumeMount) error {
	if !strings.HasPrefix(v.HostPath, "/") {
		return fmt.Errorf("volume host path %q must be absolute", v.HostPath)
	}
	clean := strings.TrimSuffix(v.HostPath, "/")
	for _, blocked := range blockedSensitivePaths {
		if clean == blocked || strings.HasPrefix(clean, blocked+"/") {
			return fmt.Errorf("volume host path %q matches a blocked sensitive path (%s)", v.HostPath, blocked)
		}
	}
	return nil
}

// containsReadWriteOverride lets an operator explicitly request a
// writable root filesystem via an env marker, since some providers need
// scratch space; absent it, read-only is always applied.
func containsReadWriteOverride(env map[string]string) bool {
	return env["HANGAR_ALLOW_WRITABLE_ROOT"] == "true"
}
