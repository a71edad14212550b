// Package store persists container and metrics records in BoltDB.
package store

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketUserContainers = []byte("user_containers")
	bucketContainerMetrics = []byte("container_metrics")
	bucketContainerStates  = []byte("container_states")
)

// ContainerStatus mirrors the container record's lifecycle status.
type ContainerStatus string

const (
	StatusCreating ContainerStatus = "creating"
	StatusActive   ContainerStatus = "active"
	StatusIdle     ContainerStatus = "idle"
	StatusFailed   ContainerStatus = "failed"
	StatusRemoved  ContainerStatus = "removed"
)

// ResourceUsage is the last-known resource snapshot for a container.
type ResourceUsage struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryUsed    uint64  `json:"memory_used"`
	MemoryLimit   uint64  `json:"memory_limit"`
	MemoryPercent float64 `json:"memory_percent"`
	DiskUsed      uint64  `json:"disk_used"`
	NetworkRx     uint64  `json:"network_rx"`
	NetworkTx     uint64  `json:"network_tx"`
}

// ContainerRecord is the persisted row of the user_containers table. The
// UserID is the primary key a caller looks records up by; ContainerID is
// additionally unique.
type ContainerRecord struct {
	UserID        string          `json:"user_id"`
	ContainerID   string          `json:"container_id"`
	ContainerName string          `json:"container_name"`
	Status        ContainerStatus `json:"status"`
	CreatedAt     time.Time       `json:"created_at"`
	LastActive    time.Time       `json:"last_active"`
	ResourceUsage ResourceUsage   `json:"resource_usage"`
}

// MetricSample is one row of the container_metrics time series.
type MetricSample struct {
	ContainerID string    `json:"container_id"`
	ResourceUsage
	RecordedAt time.Time `json:"recorded_at"`
}

// Store wraps a BoltDB database for engine persistence.
type Store struct {
	db *bolt.DB
}

// Open creates or opens a BoltDB database at the given path and ensures all
// required buckets exist.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketUserContainers, bucketContainerMetrics, bucketContainerStates} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying BoltDB.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveContainerRecord upserts the user_containers row for rec.UserID. A
// user has at most one active container record at a time; the caller (the
// container pool, under its per-user mutex) is responsible for that
// invariant, not this method.
func (s *Store) SaveContainerRecord(rec ContainerRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal container record: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketUserContainers).Put([]byte(rec.UserID), data)
	})
}

// GetContainerRecord returns the container record for userID. Returns
// ok=false if no record exists.
func (s *Store) GetContainerRecord(userID string) (ContainerRecord, bool, error) {
	var rec ContainerRecord
	var ok bool
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketUserContainers).Get([]byte(userID))
		if v == nil {
			return nil
		}
		ok = true
		return json.Unmarshal(v, &rec)
	})
	return rec, ok, err
}

// DeleteContainerRecord removes the user_containers row for userID.
func (s *Store) DeleteContainerRecord(userID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketUserContainers).Delete([]byte(userID))
	})
}

// ListContainerRecords returns every persisted container record, used at
// startup to restore the container pool from persistence.
func (s *Store) ListContainerRecords() ([]ContainerRecord, error) {
	var recs []ContainerRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketUserContainers).ForEach(func(_, v []byte) error {
			var rec ContainerRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return nil // skip malformed rows rather than fail the whole restore
			}
			recs = append(recs, rec)
			return nil
		})
	})
	return recs, err
}

// RecordMetric appends a metrics sample. Key format is
// "{containerID}::{RFC3339Nano}" for chronological ordering within one
// container.
func (s *Store) RecordMetric(m MetricSample) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal metric sample: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		key := []byte(fmt.Sprintf("%s::%s", m.ContainerID, m.RecordedAt.UTC().Format(time.RFC3339Nano)))
		return tx.Bucket(bucketContainerMetrics).Put(key, data)
	})
}

// GetLatestMetric returns the most recent metric sample for containerID.
// Returns ok=false if no sample exists.
func (s *Store) GetLatestMetric(containerID string) (MetricSample, bool, error) {
	var sample MetricSample
	var ok bool
	prefix := []byte(containerID + "::")

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketContainerMetrics).Cursor()

		endPrefix := []byte(containerID + "::;")
		k, v := c.Seek(endPrefix)
		if k == nil {
			k, v = c.Last()
		} else {
			k, v = c.Prev()
		}
		if k == nil || len(k) < len(prefix) || string(k[:len(prefix)]) != string(prefix) {
			return nil
		}
		ok = true
		return json.Unmarshal(v, &sample)
	})
	return sample, ok, err
}

// PruneMetrics deletes every metric sample recorded before cutoff, across
// all containers. Returns the count removed.
func (s *Store) PruneMetrics(cutoff time.Time) (int, error) {
	var removed int
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketContainerMetrics)
		c := b.Cursor()

		var toDelete [][]byte
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var m MetricSample
			if json.Unmarshal(v, &m) != nil {
				continue
			}
			if m.RecordedAt.Before(cutoff) {
				key := make([]byte, len(k))
				copy(key, k)
				toDelete = append(toDelete, key)
			}
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		removed = len(toDelete)
		return nil
	})
	return removed, err
}

// SaveContainerState persists the raw container_states row for userID,
// unique per user (one key per user). stateData is an opaque JSON blob
// owned by the caller; the container pool's restore-from-persistence path
// reads user_containers records and does not use this table.
func (s *Store) SaveContainerState(userID string, stateData []byte) error {
	type row struct {
		StateData []byte    `json:"state_data"`
		UpdatedAt time.Time `json:"updated_at"`
	}
	data, err := json.Marshal(row{StateData: stateData, UpdatedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal container state: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketContainerStates).Put([]byte(userID), data)
	})
}

// GetContainerState returns the persisted state blob for userID.
func (s *Store) GetContainerState(userID string) ([]byte, bool, error) {
	type row struct {
		StateData []byte    `json:"state_data"`
		UpdatedAt time.Time `json:"updated_at"`
	}
	var r row
	var ok bool
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketContainerStates).Get([]byte(userID))
		if v == nil {
			return nil
		}
		ok = true
		return json.Unmarshal(v, &r)
	})
	return r.StateData, ok, err
}
