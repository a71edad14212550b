package agentexec

import (
	"context"
	"io"
	"strings"
	"sync"

	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/network"

	"github.com/cobaltforge/agentcore/internal/dockerx"
)

// fakeDocker implements dockerx.API for executor tests. Only Exec and
// CopyInto are exercised by the Agent Executor; everything else is a
// trivial stub, mirroring the teacher's mockDocker pattern of one fake
// satisfying the whole interface while only a handful of methods matter
// per test package.
type fakeDocker struct {
	mu        sync.Mutex
	execCalls [][]string
	execFn    func(argv []string) (*dockerx.ExecResult, error)
	copyCalls int
}

var _ dockerx.API = (*fakeDocker)(nil)

func (f *fakeDocker) Exec(_ context.Context, _ string, argv []string) (*dockerx.ExecResult, error) {
	f.mu.Lock()
	f.execCalls = append(f.execCalls, argv)
	f.mu.Unlock()
	if f.execFn != nil {
		return f.execFn(argv)
	}
	return staticExecResult("", "", 0), nil
}

func (f *fakeDocker) CopyInto(context.Context, string, string, io.Reader) error {
	f.mu.Lock()
	f.copyCalls++
	f.mu.Unlock()
	return nil
}

func (f *fakeDocker) CreateContainer(context.Context, string, *container.Config, *container.HostConfig, *network.NetworkingConfig) (string, error) {
	return "", nil
}
func (f *fakeDocker) StartContainer(context.Context, string) error              { return nil }
func (f *fakeDocker) StopContainer(context.Context, string, int) error         { return nil }
func (f *fakeDocker) RemoveContainer(context.Context, string) error            { return nil }
func (f *fakeDocker) InspectContainer(context.Context, string) (container.InspectResponse, error) {
	return container.InspectResponse{}, nil
}
func (f *fakeDocker) ContainerStats(context.Context, string) (dockerx.Stats, error) {
	return dockerx.Stats{}, nil
}
func (f *fakeDocker) EnsureNetwork(context.Context, string) (string, error) { return "", nil }
func (f *fakeDocker) EnsureImage(context.Context, string) error             { return nil }
func (f *fakeDocker) Ping(context.Context) error                            { return nil }
func (f *fakeDocker) Close() error                                          { return nil }

// staticExecResult builds an ExecResult over fixed stdout/stderr content
// that resolves immediately to exitCode when waited on.
func staticExecResult(stdout, stderr string, exitCode int) *dockerx.ExecResult {
	return &dockerx.ExecResult{
		Stdout: io.NopCloser(strings.NewReader(stdout)),
		Stderr: io.NopCloser(strings.NewReader(stderr)),
		Wait: func(context.Context) (int, error) {
			return exitCode, nil
		},
	}
}
