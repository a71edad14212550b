package containerpool

import (
	"context"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/network"

	"github.com/cobaltforge/agentcore/internal/clock"
	"github.com/cobaltforge/agentcore/internal/config"
	"github.com/cobaltforge/agentcore/internal/dockerx"
	"github.com/cobaltforge/agentcore/internal/events"
	"github.com/cobaltforge/agentcore/internal/logging"
	"github.com/cobaltforge/agentcore/internal/store"
)

// fakeDocker implements dockerx.API for pool tests, tracking stop/remove
// calls the way agentexec's fakeDocker tracks exec calls.
type fakeDocker struct {
	mu         sync.Mutex
	stopped    []string
	removed    []string
	inspectErr error
}

var _ dockerx.API = (*fakeDocker)(nil)

func (f *fakeDocker) StopContainer(_ context.Context, id string, _ int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, id)
	return nil
}

func (f *fakeDocker) RemoveContainer(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeDocker) InspectContainer(context.Context, string) (container.InspectResponse, error) {
	return container.InspectResponse{}, f.inspectErr
}

func (f *fakeDocker) CreateContainer(context.Context, string, *container.Config, *container.HostConfig, *network.NetworkingConfig) (string, error) {
	return "", nil
}
func (f *fakeDocker) StartContainer(context.Context, string) error { return nil }
func (f *fakeDocker) Exec(context.Context, string, []string) (*dockerx.ExecResult, error) {
	return nil, nil
}
func (f *fakeDocker) CopyInto(context.Context, string, string, io.Reader) error { return nil }
func (f *fakeDocker) ContainerStats(context.Context, string) (dockerx.Stats, error) {
	return dockerx.Stats{}, nil
}
func (f *fakeDocker) EnsureNetwork(context.Context, string) (string, error) { return "", nil }
func (f *fakeDocker) EnsureImage(context.Context, string) error            { return nil }
func (f *fakeDocker) Ping(context.Context) error                           { return nil }
func (f *fakeDocker) Close() error                                         { return nil }

type fakeInFlight struct{ users map[string]bool }

func (f fakeInFlight) HasInFlight(userID string) bool { return f.users[userID] }

func newTestPool(t *testing.T, docker *fakeDocker) (*Pool, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "agentcore.db"))
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { st.Close() })
	cfg := config.NewTestConfig()
	p := New(docker, st, nil, events.New(), logging.New(false), clock.Real{}, cfg)
	return p, st
}

func TestReapIdleStopsRemovesAndDeletesRecord(t *testing.T) {
	docker := &fakeDocker{}
	p, st := newTestPool(t, docker)

	rec := store.ContainerRecord{
		UserID:      "42",
		ContainerID: "c-42",
		Status:      store.StatusActive,
		CreatedAt:   time.Now().UTC().Add(-3 * time.Hour),
		LastActive:  time.Now().UTC().Add(-3 * time.Hour),
	}
	if err := st.SaveContainerRecord(rec); err != nil {
		t.Fatalf("SaveContainerRecord() error = %v", err)
	}

	reaped, err := p.ReapIdle(context.Background(), 2*time.Hour)
	if err != nil {
		t.Fatalf("ReapIdle() error = %v", err)
	}
	if reaped != 1 {
		t.Fatalf("reaped = %d, want 1", reaped)
	}

	if len(docker.stopped) != 1 || docker.stopped[0] != "c-42" {
		t.Errorf("stopped = %v, want [c-42]", docker.stopped)
	}
	if len(docker.removed) != 1 || docker.removed[0] != "c-42" {
		t.Errorf("removed = %v, want [c-42]", docker.removed)
	}

	if _, ok, err := st.GetContainerRecord("42"); err != nil || ok {
		t.Errorf("GetContainerRecord() ok = %v, err = %v; want record deleted", ok, err)
	}
}

func TestReapIdleSkipsUsersWithInFlightSessions(t *testing.T) {
	docker := &fakeDocker{}
	p, st := newTestPool(t, docker)
	p.SetInFlightChecker(fakeInFlight{users: map[string]bool{"42": true}})

	rec := store.ContainerRecord{
		UserID:      "42",
		ContainerID: "c-42",
		Status:      store.StatusActive,
		CreatedAt:   time.Now().UTC().Add(-3 * time.Hour),
		LastActive:  time.Now().UTC().Add(-3 * time.Hour),
	}
	if err := st.SaveContainerRecord(rec); err != nil {
		t.Fatalf("SaveContainerRecord() error = %v", err)
	}

	reaped, err := p.ReapIdle(context.Background(), 2*time.Hour)
	if err != nil {
		t.Fatalf("ReapIdle() error = %v", err)
	}
	if reaped != 0 {
		t.Errorf("reaped = %d, want 0 (user has an in-flight session)", reaped)
	}
	if len(docker.stopped) != 0 || len(docker.removed) != 0 {
		t.Errorf("expected no stop/remove calls, got stopped=%v removed=%v", docker.stopped, docker.removed)
	}

	if _, ok, err := st.GetContainerRecord("42"); err != nil || !ok {
		t.Errorf("GetContainerRecord() ok = %v, err = %v; want record retained", ok, err)
	}
}

func TestReapIdleSkipsRecentlyActiveContainers(t *testing.T) {
	docker := &fakeDocker{}
	p, st := newTestPool(t, docker)

	rec := store.ContainerRecord{
		UserID:      "7",
		ContainerID: "c-7",
		Status:      store.StatusActive,
		CreatedAt:   time.Now().UTC(),
		LastActive:  time.Now().UTC(),
	}
	if err := st.SaveContainerRecord(rec); err != nil {
		t.Fatalf("SaveContainerRecord() error = %v", err)
	}

	reaped, err := p.ReapIdle(context.Background(), 2*time.Hour)
	if err != nil {
		t.Fatalf("ReapIdle() error = %v", err)
	}
	if reaped != 0 {
		t.Errorf("reaped = %d, want 0 (container active within threshold)", reaped)
	}
}
