package environment

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"path"
	"strconv"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/rs/zerolog/log"

	"github.com/brianly1003/wsgate/internal/config"
)

// containerWorkdir is where the environment root is mounted in containers.
const containerWorkdir = "/workspace"

// DockerRuntime runs one long-lived container per environment.
type DockerRuntime struct {
	inner *client.Client
	cfg   config.DockerConfig
	host  string
}

// NewDockerRuntime creates a docker runtime using environment defaults.
func NewDockerRuntime(cfg config.DockerConfig) (*DockerRuntime, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	inner, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &DockerRuntime{inner: inner, cfg: cfg, host: cfg.Host}, nil
}

// Name returns "docker".
func (r *DockerRuntime) Name() string {
	return "docker"
}

// Ping validates connectivity to the Docker daemon.
func (r *DockerRuntime) Ping(ctx context.Context) error {
	ping, err := r.inner.Ping(ctx)
	if err != nil {
		return fmt.Errorf("docker ping: %w", err)
	}
	if ping.APIVersion == "" {
		return fmt.Errorf("docker ping returned empty API version")
	}
	return nil
}

// Close releases resources held by the Docker client.
func (r *DockerRuntime) Close() error {
	return r.inner.Close()
}

// Create pulls the image if needed, then creates and starts the container.
func (r *DockerRuntime) Create(ctx context.Context, spec Spec) (Handle, error) {
	name := r.cfg.ContainerPrefix + spec.ProjectID

	// A container left behind by a crashed gateway blocks the name
	if err := r.inner.ContainerRemove(ctx, name, container.RemoveOptions{Force: true}); err != nil && !client.IsErrNotFound(err) {
		return nil, fmt.Errorf("remove stale container: %w", err)
	}

	if err := r.ensureImage(ctx); err != nil {
		return nil, err
	}

	exposed := map[nat.Port]struct{}{}
	bindings := nat.PortMap{}
	for _, p := range spec.Ports {
		port := nat.Port(strconv.Itoa(p) + "/tcp")
		exposed[port] = struct{}{}
		bindings[port] = []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: strconv.Itoa(p)}}
	}

	cfg := &container.Config{
		Image:        r.cfg.Image,
		Cmd:          []string{"sleep", "infinity"},
		WorkingDir:   containerWorkdir,
		Env:          []string{"HOME=" + containerWorkdir, "LANG=C.UTF-8", "WSGATE_ENVIRONMENT=1"},
		ExposedPorts: exposed,
		Labels: map[string]string{
			"wsgate.environment": spec.EnvironmentID,
			"wsgate.project":     spec.ProjectID,
		},
	}

	pids := r.cfg.PidsLimit
	hostCfg := &container.HostConfig{
		Binds:        []string{spec.Root + ":" + containerWorkdir},
		PortBindings: bindings,
		Init:         boolPtr(true),
		Resources: container.Resources{
			Memory:    int64(spec.Limits.MemoryMB) * 1024 * 1024,
			NanoCPUs:  int64(spec.Limits.CPUPercent) * 1e7,
			PidsLimit: &pids,
		},
	}

	created, err := r.inner.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
	if err != nil {
		return nil, fmt.Errorf("container create: %w", err)
	}

	h := &dockerHandle{runtime: r, id: created.ID, name: name}

	if err := r.inner.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		_ = h.remove(context.Background())
		return nil, fmt.Errorf("container start: %w", err)
	}

	inspect, err := r.inner.ContainerInspect(ctx, created.ID)
	if err != nil {
		_ = h.remove(context.Background())
		return nil, fmt.Errorf("container inspect: %w", err)
	}
	if inspect.NetworkSettings != nil {
		h.netns = inspect.NetworkSettings.SandboxKey
	}

	log.Info().
		Str("env_id", spec.EnvironmentID).
		Str("container", name).
		Str("image", r.cfg.Image).
		Msg("container started")

	return h, nil
}

func (r *DockerRuntime) ensureImage(ctx context.Context) error {
	if _, _, err := r.inner.ImageInspectWithRaw(ctx, r.cfg.Image); err == nil {
		return nil
	} else if !client.IsErrNotFound(err) {
		return fmt.Errorf("image inspect: %w", err)
	}

	log.Info().Str("image", r.cfg.Image).Msg("pulling image")
	rc, err := r.inner.ImagePull(ctx, r.cfg.Image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("image pull: %w", err)
	}
	defer rc.Close()
	// The pull only completes once the progress stream is drained
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("image pull: %w", err)
	}
	return nil
}

type dockerHandle struct {
	runtime *DockerRuntime
	id      string
	name    string
	netns   string
}

func (h *dockerHandle) NetworkNamespace() string {
	return h.netns
}

// Command runs through the docker CLI so the caller gets a plain exec.Cmd
// with stdio (or a PTY) wired the same way as the process runtime.
func (h *dockerHandle) Command(ctx context.Context, opts CommandOptions) (*exec.Cmd, error) {
	if len(opts.Args) == 0 {
		return nil, fmt.Errorf("empty command")
	}

	args := []string{"exec", "-i"}
	if opts.TTY {
		args = append(args, "-t")
	}
	args = append(args, "-w", path.Join(containerWorkdir, path.Clean("/"+opts.Dir)))
	for _, kv := range opts.Env {
		args = append(args, "-e", kv)
	}
	args = append(args, h.id)
	args = append(args, opts.Args...)

	cmd := exec.CommandContext(ctx, "docker", args...)
	if h.runtime.host != "" {
		cmd.Env = append(cmd.Environ(), "DOCKER_HOST="+h.runtime.host)
	}
	return cmd, nil
}

// Track is a no-op: the container bounds every process it runs.
func (h *dockerHandle) Track(pid int) {}

// Untrack is a no-op.
func (h *dockerHandle) Untrack(pid int) {}

type containerStats struct {
	CPUStats    cpuStats `json:"cpu_stats"`
	PreCPUStats cpuStats `json:"precpu_stats"`
	MemoryStats struct {
		Usage uint64            `json:"usage"`
		Stats map[string]uint64 `json:"stats"`
	} `json:"memory_stats"`
}

type cpuStats struct {
	CPUUsage struct {
		TotalUsage uint64 `json:"total_usage"`
	} `json:"cpu_usage"`
	SystemUsage uint64 `json:"system_cpu_usage"`
	OnlineCPUs  uint32 `json:"online_cpus"`
}

func (h *dockerHandle) Usage(ctx context.Context) (Usage, error) {
	resp, err := h.runtime.inner.ContainerStatsOneShot(ctx, h.id)
	if err != nil {
		return Usage{}, fmt.Errorf("container stats: %w", err)
	}
	defer resp.Body.Close()

	var stats containerStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return Usage{}, fmt.Errorf("decode stats: %w", err)
	}

	var usage Usage
	cpuDelta := float64(stats.CPUStats.CPUUsage.TotalUsage) - float64(stats.PreCPUStats.CPUUsage.TotalUsage)
	sysDelta := float64(stats.CPUStats.SystemUsage) - float64(stats.PreCPUStats.SystemUsage)
	if cpuDelta > 0 && sysDelta > 0 {
		cpus := float64(stats.CPUStats.OnlineCPUs)
		if cpus == 0 {
			cpus = 1
		}
		usage.CPUPercent = cpuDelta / sysDelta * cpus * 100
	}

	mem := stats.MemoryStats.Usage
	// cgroup v2 reports page cache inside usage
	if inactive, ok := stats.MemoryStats.Stats["inactive_file"]; ok && inactive < mem {
		mem -= inactive
	}
	usage.MemoryMB = float64(mem) / (1024 * 1024)

	disk, err := h.diskUsage(ctx)
	if err == nil {
		usage.DiskMB = disk
	}
	return usage, nil
}

// diskUsage measures the mounted workspace from inside the container.
func (h *dockerHandle) diskUsage(ctx context.Context) (float64, error) {
	cmd, err := h.Command(ctx, CommandOptions{Args: []string{"du", "-sk", containerWorkdir}})
	if err != nil {
		return 0, err
	}
	out, err := cmd.Output()
	if err != nil {
		return 0, err
	}
	fields := strings.Fields(string(out))
	if len(fields) == 0 {
		return 0, fmt.Errorf("unexpected du output %q", out)
	}
	kb, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, err
	}
	return kb / 1024, nil
}

func (h *dockerHandle) Alive(ctx context.Context) (bool, error) {
	inspect, err := h.runtime.inner.ContainerInspect(ctx, h.id)
	if err != nil {
		if client.IsErrNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("container inspect: %w", err)
	}
	return inspect.State != nil && inspect.State.Running, nil
}

func (h *dockerHandle) Destroy(ctx context.Context) error {
	timeout := 5
	if err := h.runtime.inner.ContainerStop(ctx, h.id, container.StopOptions{Timeout: &timeout}); err != nil && !client.IsErrNotFound(err) {
		log.Warn().Err(err).Str("container", h.name).Msg("container stop failed, removing")
	}
	return h.remove(ctx)
}

func (h *dockerHandle) remove(ctx context.Context) error {
	if err := h.runtime.inner.ContainerRemove(ctx, h.id, container.RemoveOptions{Force: true}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("container remove: %w", err)
	}
	return nil
}

func boolPtr(b bool) *bool {
	return &b
}
