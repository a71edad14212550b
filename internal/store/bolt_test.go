package store

import (
	"path/filepath"
	"testing"
	"time"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agentcore.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveAndGetContainerRecord(t *testing.T) {
	s := testStore(t)
	rec := ContainerRecord{
		UserID:        "42",
		ContainerID:   "c-abc",
		ContainerName: "agentcore-u42",
		Status:        StatusActive,
		CreatedAt:     time.Now().UTC(),
		LastActive:    time.Now().UTC(),
	}
	if err := s.SaveContainerRecord(rec); err != nil {
		t.Fatalf("SaveContainerRecord() error = %v", err)
	}

	got, ok, err := s.GetContainerRecord("42")
	if err != nil {
		t.Fatalf("GetContainerRecord() error = %v", err)
	}
	if !ok {
		t.Fatal("GetContainerRecord() ok = false, want true")
	}
	if got.ContainerID != rec.ContainerID {
		t.Errorf("ContainerID = %q, want %q", got.ContainerID, rec.ContainerID)
	}
}

func TestGetContainerRecordMissing(t *testing.T) {
	s := testStore(t)
	_, ok, err := s.GetContainerRecord("missing")
	if err != nil {
		t.Fatalf("GetContainerRecord() error = %v", err)
	}
	if ok {
		t.Error("GetContainerRecord() ok = true, want false")
	}
}

func TestDeleteContainerRecord(t *testing.T) {
	s := testStore(t)
	s.SaveContainerRecord(ContainerRecord{UserID: "42", ContainerID: "c-abc"})
	if err := s.DeleteContainerRecord("42"); err != nil {
		t.Fatalf("DeleteContainerRecord() error = %v", err)
	}
	_, ok, _ := s.GetContainerRecord("42")
	if ok {
		t.Error("expected record to be deleted")
	}
}

func TestListContainerRecords(t *testing.T) {
	s := testStore(t)
	s.SaveContainerRecord(ContainerRecord{UserID: "1", ContainerID: "c-1"})
	s.SaveContainerRecord(ContainerRecord{UserID: "2", ContainerID: "c-2"})

	recs, err := s.ListContainerRecords()
	if err != nil {
		t.Fatalf("ListContainerRecords() error = %v", err)
	}
	if len(recs) != 2 {
		t.Errorf("len(recs) = %d, want 2", len(recs))
	}
}

func TestRecordAndGetLatestMetric(t *testing.T) {
	s := testStore(t)
	older := MetricSample{ContainerID: "c-abc", RecordedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	newer := MetricSample{ContainerID: "c-abc", RecordedAt: time.Date(2026, 1, 1, 1, 0, 0, 0, time.UTC), ResourceUsage: ResourceUsage{CPUPercent: 12.5}}

	if err := s.RecordMetric(older); err != nil {
		t.Fatalf("RecordMetric() error = %v", err)
	}
	if err := s.RecordMetric(newer); err != nil {
		t.Fatalf("RecordMetric() error = %v", err)
	}

	got, ok, err := s.GetLatestMetric("c-abc")
	if err != nil {
		t.Fatalf("GetLatestMetric() error = %v", err)
	}
	if !ok {
		t.Fatal("GetLatestMetric() ok = false, want true")
	}
	if got.CPUPercent != 12.5 {
		t.Errorf("CPUPercent = %v, want 12.5 (expected newest sample)", got.CPUPercent)
	}
}

func TestPruneMetrics(t *testing.T) {
	s := testStore(t)
	old := MetricSample{ContainerID: "c-abc", RecordedAt: time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)}
	recent := MetricSample{ContainerID: "c-abc", RecordedAt: time.Now().UTC()}
	s.RecordMetric(old)
	s.RecordMetric(recent)

	removed, err := s.PruneMetrics(time.Now().Add(-24 * time.Hour))
	if err != nil {
		t.Fatalf("PruneMetrics() error = %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}

	_, ok, _ := s.GetLatestMetric("c-abc")
	if !ok {
		t.Error("expected the recent sample to survive the prune")
	}
}

func TestSaveAndGetContainerState(t *testing.T) {
	s := testStore(t)
	if err := s.SaveContainerState("42", []byte(`{"foo":"bar"}`)); err != nil {
		t.Fatalf("SaveContainerState() error = %v", err)
	}
	data, ok, err := s.GetContainerState("42")
	if err != nil {
		t.Fatalf("GetContainerState() error = %v", err)
	}
	if !ok {
		t.Fatal("GetContainerState() ok = false, want true")
	}
	if string(data) != `{"foo":"bar"}` {
		t.Errorf("data = %q, want %q", data, `{"foo":"bar"}`)
	}
}
