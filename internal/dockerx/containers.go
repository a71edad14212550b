package dockerx

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/moby/moby/api/pkg/stdcopy"
	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/network"
	"github.com/moby/moby/client"
)

// CreateContainer creates a new container and returns its ID.
func (c *Client) CreateContainer(ctx context.Context, name string, cfg *container.Config, hostCfg *container.HostConfig, netCfg *network.NetworkingConfig) (string, error) {
	resp, err := c.api.ContainerCreate(ctx, client.ContainerCreateOptions{
		Name:             name,
		Config:           cfg,
		HostConfig:       hostCfg,
		NetworkingConfig: netCfg,
	})
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

// StartContainer starts a stopped container.
func (c *Client) StartContainer(ctx context.Context, id string) error {
	_, err := c.api.ContainerStart(ctx, id, client.ContainerStartOptions{})
	return err
}

// StopContainer stops a running container with the given timeout in seconds.
func (c *Client) StopContainer(ctx context.Context, id string, timeoutSeconds int) error {
	_, err := c.api.ContainerStop(ctx, id, client.ContainerStopOptions{Timeout: &timeoutSeconds})
	return err
}

// RemoveContainer force-removes a container and its anonymous volumes.
func (c *Client) RemoveContainer(ctx context.Context, id string) error {
	_, err := c.api.ContainerRemove(ctx, id, client.ContainerRemoveOptions{Force: true, RemoveVolumes: true})
	return err
}

// InspectContainer returns full container details by ID.
func (c *Client) InspectContainer(ctx context.Context, id string) (container.InspectResponse, error) {
	result, err := c.api.ContainerInspect(ctx, id, client.ContainerInspectOptions{})
	if err != nil {
		return container.InspectResponse{}, err
	}
	return result.Container, nil
}

// Exec starts a command inside a container and returns a live handle to its
// demultiplexed stdout/stderr streams. The caller must consume both readers
// (or close them) and call Wait to release the exec session.
func (c *Client) Exec(ctx context.Context, id string, cmd []string) (*ExecResult, error) {
	execResp, err := c.api.ExecCreate(ctx, id, client.ExecCreateOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("exec create: %w", err)
	}

	attachResp, err := c.api.ExecAttach(ctx, execResp.ID, client.ExecAttachOptions{})
	if err != nil {
		return nil, fmt.Errorf("exec attach: %w", err)
	}

	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	copyDone := make(chan struct{})

	go func() {
		_, copyErr := stdcopy.StdCopy(stdoutW, stderrW, attachResp.Reader)
		stdoutW.CloseWithError(copyErr)
		stderrW.CloseWithError(copyErr)
		attachResp.Close()
		close(copyDone)
	}()

	wait := func(waitCtx context.Context) (int, error) {
		select {
		case <-copyDone:
		case <-waitCtx.Done():
			return -1, waitCtx.Err()
		}
		inspectResp, err := c.api.ExecInspect(waitCtx, execResp.ID, client.ExecInspectOptions{})
		if err != nil {
			return -1, fmt.Errorf("exec inspect: %w", err)
		}
		return inspectResp.ExitCode, nil
	}

	return &ExecResult{Stdout: stdoutR, Stderr: stderrR, Wait: wait}, nil
}

// CopyInto streams a tar archive into the container at dstPath, used by the
// container pool to copy in the extension syncer's (C7) bundle and by the
// agent executor to stage image attachments.
func (c *Client) CopyInto(ctx context.Context, id, dstPath string, tarStream io.Reader) error {
	_, err := c.api.CopyToContainer(ctx, id, dstPath, tarStream, client.CopyToContainerOptions{})
	return err
}

// ContainerStats returns an instantaneous (non-streaming) resource usage
// sample for a running container.
func (c *Client) ContainerStats(ctx context.Context, id string) (Stats, error) {
	resp, err := c.api.ContainerStatsOneShot(ctx, id, client.ContainerStatsOptions{})
	if err != nil {
		return Stats{}, err
	}
	defer resp.Body.Close()

	var raw container.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return Stats{}, fmt.Errorf("decode container stats: %w", err)
	}

	var rx, tx uint64
	for _, n := range raw.Networks {
		rx += n.RxBytes
		tx += n.TxBytes
	}

	memLimit := raw.MemoryStats.Limit
	var memPct float64
	if memLimit > 0 {
		memPct = float64(raw.MemoryStats.Usage) / float64(memLimit) * 100
	}

	var cpuPct float64
	cpuDelta := float64(raw.CPUStats.CPUUsage.TotalUsage - raw.PreCPUStats.CPUUsage.TotalUsage)
	sysDelta := float64(raw.CPUStats.SystemUsage - raw.PreCPUStats.SystemUsage)
	if sysDelta > 0 && cpuDelta > 0 {
		cpuPct = (cpuDelta / sysDelta) * float64(len(raw.CPUStats.CPUUsage.PercpuUsage)) * 100
	}

	return Stats{
		CPUPercent:    cpuPct,
		MemoryUsed:    raw.MemoryStats.Usage,
		MemoryLimit:   memLimit,
		MemoryPercent: memPct,
		NetworkRx:     rx,
		NetworkTx:     tx,
	}, nil
}

// EnsureNetwork returns the ID of the named bridge network, creating it if
// it does not already exist.
func (c *Client) EnsureNetwork(ctx context.Context, name string) (string, error) {
	inspectResp, err := c.api.NetworkInspect(ctx, name, client.NetworkInspectOptions{})
	if err == nil {
		return inspectResp.Network.ID, nil
	}

	createResp, err := c.api.NetworkCreate(ctx, name, client.NetworkCreateOptions{
		Driver: "bridge",
	})
	if err != nil {
		return "", fmt.Errorf("create network %s: %w", name, err)
	}
	return createResp.ID, nil
}

// EnsureImage pulls the image reference if it is not already present locally.
func (c *Client) EnsureImage(ctx context.Context, ref string) error {
	if _, err := c.api.ImageInspect(ctx, ref); err == nil {
		return nil
	}

	resp, err := c.api.ImagePull(ctx, ref, client.ImagePullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", ref, err)
	}
	return resp.Wait(ctx)
}
