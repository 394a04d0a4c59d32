// Package containerrt implements the container runtime external
// collaborator against a real Docker daemon, grounded on
// cmd/cli/pkg/standalone/containers.go and cmd/cli/desktop/docker.go from
// the teacher's CLI companion module (the root module's own containerd
// usage is limited to a content-addressed image-pull helper unrelated to
// live container lifecycle; see DESIGN.md).
package containerrt

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/TKontu/vllm-gateway/internal/logging"
)

// Mount is a host path bound into the container, e.g. the HF cache dir or
// /tmp (§6: "host cache -> /root/.cache/huggingface (rw); host /tmp ->
// container /tmp (rw)").
type Mount struct {
	HostPath      string
	ContainerPath string
	ReadOnly      bool
}

// CreateSpec is the argument bundle for Create, matching the spec's
// create(image, command, env, network, gpu_devices, volume_mounts,
// ipc_mode) signature (§1, external collaborators).
type CreateSpec struct {
	Name       string
	Image      string
	Command    []string
	Env        []string
	Network    string
	GPUDevices bool // true requests all GPU devices, "gpu" capability (§6)
	Mounts     []Mount
	IPCMode    string // "host" per §6
	Hostname   string
	Labels     map[string]string
}

// Inspection is what inspect(handle) returns: the resolved command-line
// arguments (for diagnostics) and the IP bound to the resolved network.
type Inspection struct {
	Args      []string
	NetworkIP string
}

// Runtime is the container runtime collaborator interface C4 and the
// idle reaper depend on. A real Docker daemon implements it via Client;
// tests substitute a fake.
type Runtime interface {
	Create(ctx context.Context, spec CreateSpec) (handle string, err error)
	Inspect(ctx context.Context, handle string, network string) (Inspection, error)
	Stop(ctx context.Context, handle string, timeout time.Duration) error
	Remove(ctx context.Context, handle string) error
	GetByName(ctx context.Context, name string) (handle string, found bool, err error)
	// StreamLogs demultiplexes stdout+stderr from a running container into
	// dst until ctx is cancelled or the container stops producing output.
	// The launcher uses this to keep a bounded tail of engine output for
	// diagnostics when a health probe times out (§4.4 errors surfaced).
	StreamLogs(ctx context.Context, handle string, dst io.Writer) error
}

// Client adapts *client.Client (github.com/docker/docker/client) to Runtime.
type Client struct {
	docker *client.Client
	log    logging.Logger
}

func New(log logging.Logger) (*Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	return &Client{docker: cli, log: log}, nil
}

func (c *Client) Create(ctx context.Context, spec CreateSpec) (string, error) {
	cfg := &container.Config{
		Image:    spec.Image,
		Cmd:      spec.Command,
		Env:      spec.Env,
		Hostname: spec.Hostname,
		Labels:   spec.Labels,
	}

	hostCfg := &container.HostConfig{
		NetworkMode: container.NetworkMode(spec.Network),
	}
	if spec.IPCMode != "" {
		hostCfg.IpcMode = container.IpcMode(spec.IPCMode)
	}
	for _, m := range spec.Mounts {
		hostCfg.Mounts = append(hostCfg.Mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.HostPath,
			Target:   m.ContainerPath,
			ReadOnly: m.ReadOnly,
		})
	}
	if spec.GPUDevices {
		hostCfg.DeviceRequests = []container.DeviceRequest{
			{Count: -1, Capabilities: [][]string{{"gpu"}}},
		}
	}

	netCfg := &network.NetworkingConfig{}
	if spec.Network != "" {
		netCfg.EndpointsConfig = map[string]*network.EndpointSettings{
			spec.Network: {},
		}
	}

	resp, err := c.docker.ContainerCreate(ctx, cfg, hostCfg, netCfg, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("container create: %w", err)
	}
	if err := c.docker.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = c.docker.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return "", fmt.Errorf("container start: %w", err)
	}
	return resp.ID, nil
}

func (c *Client) Inspect(ctx context.Context, handle string, networkName string) (Inspection, error) {
	info, err := c.docker.ContainerInspect(ctx, handle)
	if err != nil {
		return Inspection{}, fmt.Errorf("container inspect: %w", err)
	}

	var args []string
	if info.Config != nil {
		args = info.Config.Cmd
	}

	ip := ""
	if info.NetworkSettings != nil {
		if ep, ok := info.NetworkSettings.Networks[networkName]; ok && ep != nil {
			ip = ep.IPAddress
		}
	}
	return Inspection{Args: args, NetworkIP: ip}, nil
}

func (c *Client) Stop(ctx context.Context, handle string, timeout time.Duration) error {
	secs := int(timeout.Seconds())
	if err := c.docker.ContainerStop(ctx, handle, container.StopOptions{Timeout: &secs}); err != nil {
		c.log.WithField("handle", handle).WithError(err).Warn("containerrt: stop failed, continuing to remove")
	}
	return nil
}

func (c *Client) Remove(ctx context.Context, handle string) error {
	if err := c.docker.ContainerRemove(ctx, handle, container.RemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("container remove: %w", err)
	}
	return nil
}

func (c *Client) GetByName(ctx context.Context, name string) (string, bool, error) {
	containers, err := c.docker.ContainerList(ctx, container.ListOptions{
		All: true,
		Filters: filters.NewArgs(
			filters.Arg("name", "^/"+name+"$"),
		),
	})
	if err != nil {
		return "", false, fmt.Errorf("container list: %w", err)
	}
	if len(containers) == 0 {
		return "", false, nil
	}
	return containers[0].ID, true, nil
}

// StreamLogs adapts ContainerLogs+stdcopy the way cmd/cli's `logs` command
// does (dockerClient.ContainerLogs(...) piped through stdcopy.StdCopy),
// except both streams are merged into a single writer since the launcher
// only needs a diagnostic tail, not separated stdout/stderr.
func (c *Client) StreamLogs(ctx context.Context, handle string, dst io.Writer) error {
	rc, err := c.docker.ContainerLogs(ctx, handle, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		return fmt.Errorf("container logs: %w", err)
	}
	defer rc.Close()
	_, err = stdcopy.StdCopy(dst, dst, rc)
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}

// ResolveNetwork implements §4.1's network-name self-inspection: if the
// gateway's own container is attached to a network whose name ends with
// configuredName, the exact match is used instead (compose-style
// prefixing); otherwise the literal configured value is used.
func (c *Client) ResolveNetwork(ctx context.Context, gatewayContainerName, configuredName string) string {
	if gatewayContainerName == "" {
		return configuredName
	}
	info, err := c.docker.ContainerInspect(ctx, gatewayContainerName)
	if err != nil || info.NetworkSettings == nil {
		return configuredName
	}
	for name := range info.NetworkSettings.Networks {
		if strings.HasSuffix(name, configuredName) {
			return name
		}
	}
	return configuredName
}
