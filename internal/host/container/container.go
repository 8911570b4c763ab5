// Package container provides a Docker-backed runtime for agent children.
// It is the only backend that fully enforces spawn resource caps: memory
// limit, cpu-share, network deny, and a read-only filesystem list.
package container

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types"
	containertypes "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"go.uber.org/zap"

	"github.com/liminal/liminal/internal/common/logger"
	"github.com/liminal/liminal/internal/host"
)

// Config holds Docker runtime configuration.
type Config struct {
	Host  string // docker daemon address; empty uses the environment default
	Image string // agent image
}

// Runtime implements host.Runtime on top of the Docker SDK.
type Runtime struct {
	cli    *client.Client
	cfg    Config
	logger *logger.Logger
}

// NewRuntime creates a Docker-backed runtime and verifies daemon
// connectivity.
func NewRuntime(ctx context.Context, cfg Config, log *logger.Logger) (*Runtime, error) {
	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	if _, err := cli.Ping(ctx); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("docker daemon not reachable: %w", err)
	}

	return &Runtime{
		cli:    cli,
		cfg:    cfg,
		logger: log.WithFields(zap.String("component", "container-runtime")),
	}, nil
}

// Close releases the Docker client.
func (r *Runtime) Close() error {
	return r.cli.Close()
}

// Start creates, attaches, and starts one agent container with the spec's
// resource caps applied.
func (r *Runtime) Start(ctx context.Context, spec host.ProcessSpec) (host.Process, error) {
	networkMode := "bridge"
	if spec.Limits.DenyNetwork {
		networkMode = "none"
	}

	var mounts []mount.Mount
	for _, p := range spec.Limits.ReadPaths {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   p,
			Target:   p,
			ReadOnly: true,
		})
	}
	if spec.WorkingDir != "" {
		mounts = append(mounts, mount.Mount{
			Type:   mount.TypeBind,
			Source: spec.WorkingDir,
			Target: spec.WorkingDir,
		})
	}

	containerCfg := &containertypes.Config{
		Image:        r.cfg.Image,
		Cmd:          spec.Argv,
		Env:          spec.Env,
		WorkingDir:   spec.WorkingDir,
		Tty:          true,
		OpenStdin:    true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
	}
	hostCfg := &containertypes.HostConfig{
		NetworkMode: containertypes.NetworkMode(networkMode),
		Mounts:      mounts,
		Resources: containertypes.Resources{
			Memory:    spec.Limits.MemoryBytes,
			CPUShares: spec.Limits.CPUShares,
		},
	}

	resp, err := r.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("failed to create agent container: %w", err)
	}

	attach, err := r.cli.ContainerAttach(ctx, resp.ID, containertypes.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		_ = r.cli.ContainerRemove(context.Background(), resp.ID, containertypes.RemoveOptions{Force: true})
		return nil, fmt.Errorf("failed to attach to agent container: %w", err)
	}

	if err := r.cli.ContainerStart(ctx, resp.ID, containertypes.StartOptions{}); err != nil {
		attach.Close()
		_ = r.cli.ContainerRemove(context.Background(), resp.ID, containertypes.RemoveOptions{Force: true})
		return nil, fmt.Errorf("failed to start agent container: %w", err)
	}

	if spec.Cols > 0 && spec.Rows > 0 {
		_ = r.cli.ContainerResize(ctx, resp.ID, containertypes.ResizeOptions{
			Width:  uint(spec.Cols),
			Height: uint(spec.Rows),
		})
	}

	r.logger.Info("agent container started",
		zap.String("container_id", resp.ID[:12]),
		zap.Strings("argv", spec.Argv),
		zap.String("network_mode", networkMode))

	return &containerProcess{
		runtime:     r,
		containerID: resp.ID,
		attach:      attach,
	}, nil
}

// containerProcess wraps an attached container as a host.Process.
type containerProcess struct {
	runtime     *Runtime
	containerID string
	attach      types.HijackedResponse
}

func (p *containerProcess) Read(b []byte) (int, error) {
	return p.attach.Reader.Read(b)
}

func (p *containerProcess) Write(b []byte) (int, error) {
	return p.attach.Conn.Write(b)
}

func (p *containerProcess) Close() error {
	p.attach.Close()
	return nil
}

// PID returns 0; containers have no host-visible PID worth exposing.
func (p *containerProcess) PID() int { return 0 }

func (p *containerProcess) Terminate() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return p.runtime.cli.ContainerKill(ctx, p.containerID, "SIGTERM")
}

func (p *containerProcess) Kill() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return p.runtime.cli.ContainerKill(ctx, p.containerID, "SIGKILL")
}

// Wait blocks until the container stops, then removes it.
func (p *containerProcess) Wait() host.ExitStatus {
	waitCh, errCh := p.runtime.cli.ContainerWait(context.Background(), p.containerID, containertypes.WaitConditionNotRunning)

	var st host.ExitStatus
	select {
	case resp := <-waitCh:
		st.Code = int(resp.StatusCode)
		// 128+n encodes death by signal n
		if st.Code > 128 {
			st.Signal = fmt.Sprintf("signal %d", st.Code-128)
		}
	case err := <-errCh:
		st.Code = 1
		st.Err = err
	}

	removeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.runtime.cli.ContainerRemove(removeCtx, p.containerID, containertypes.RemoveOptions{Force: true}); err != nil {
		p.runtime.logger.Warn("failed to remove agent container",
			zap.String("container_id", p.containerID[:12]),
			zap.Error(err))
	}
	return st
}

var _ io.ReadWriteCloser = (*containerProcess)(nil)
