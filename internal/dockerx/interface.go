// Package dockerx is the Docker Gateway (C1): a thin, thread-safe wrapper
// over the Docker Engine API exposing exactly the verbs the container pool
// and agent executor need, each bounded by a caller-supplied deadline.
package dockerx

import (
	"context"
	"io"

	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/network"
)

// ExecResult is the live handle to a running exec session: Stdout and
// Stderr are independently readable while the command is in flight, and
// Wait blocks until the process exits or ctx is cancelled.
type ExecResult struct {
	Stdout io.ReadCloser
	Stderr io.ReadCloser
	Wait   func(ctx context.Context) (exitCode int, err error)
}

// Stats is a point-in-time resource usage sample for a running container.
type Stats struct {
	CPUPercent    float64
	MemoryUsed    uint64
	MemoryLimit   uint64
	MemoryPercent float64
	DiskUsed      uint64
	NetworkRx     uint64
	NetworkTx     uint64
}

// API defines the subset of Docker operations used by the execution engine.
// Implemented by Client for production, and by a fake in tests.
type API interface {
	CreateContainer(ctx context.Context, name string, cfg *container.Config, hostCfg *container.HostConfig, netCfg *network.NetworkingConfig) (string, error)
	StartContainer(ctx context.Context, id string) error
	StopContainer(ctx context.Context, id string, timeoutSeconds int) error
	RemoveContainer(ctx context.Context, id string) error
	InspectContainer(ctx context.Context, id string) (container.InspectResponse, error)
	Exec(ctx context.Context, id string, cmd []string) (*ExecResult, error)
	CopyInto(ctx context.Context, id, dstPath string, tarStream io.Reader) error
	ContainerStats(ctx context.Context, id string) (Stats, error)
	EnsureNetwork(ctx context.Context, name string) (string, error)
	EnsureImage(ctx context.Context, ref string) error

	Ping(ctx context.Context) error
	Close() error
}

// Verify Client implements API at compile time.
var _ API = (*Client)(nil)
