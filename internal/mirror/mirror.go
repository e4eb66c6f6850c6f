// Package mirror publishes each partition's authoritative totals to a store
// that can be read cheaply from anywhere, at the cost of some staleness.
//
// Only a global aggregator writes a partition's mirror entry. Readers go
// through Read, optionally behind a CachedReader.
package mirror

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dreamware/tally/internal/cluster"
)

// Snapshot is the mirrored state of one partition.
type Snapshot struct {
	Partition string             `json:"partition"`
	Counters  cluster.CounterSet `json:"counters"`
	UpdatedAt time.Time          `json:"updatedAt"`
}

// Reader returns the last mirrored snapshot of a partition. A partition that
// was never mirrored yields an empty snapshot and no error.
type Reader interface {
	Read(ctx context.Context, partition string) (Snapshot, error)
}

// Store is a mirror backend.
type Store interface {
	Reader

	// Write replaces the partition's snapshot.
	Write(ctx context.Context, snap Snapshot) error
}

var (
	_ Store = &MemoryStore{}
	_ Store = &BucketStore{}
)

func empty(partition string) Snapshot {
	return Snapshot{Partition: partition, Counters: cluster.CounterSet{}}
}

// MemoryStore keeps snapshots in process. It can be told to fail writes.
type MemoryStore struct {
	mu      sync.RWMutex
	snaps   map[string]Snapshot
	failErr error
	writes  int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{snaps: make(map[string]Snapshot)}
}

func (m *MemoryStore) Read(ctx context.Context, partition string) (Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap, ok := m.snaps[partition]
	if !ok {
		return empty(partition), nil
	}
	snap.Counters = snap.Counters.Clone()
	return snap, nil
}

func (m *MemoryStore) Write(ctx context.Context, snap Snapshot) error {
	if snap.Partition == "" {
		return errors.New("mirror: empty partition")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failErr != nil {
		return m.failErr
	}
	snap.Counters = snap.Counters.Clone()
	m.snaps[snap.Partition] = snap
	m.writes++
	return nil
}

// FailWrites makes every following Write return err. A nil err restores
// normal operation.
func (m *MemoryStore) FailWrites(err error) {
	m.mu.Lock()
	m.failErr = err
	m.mu.Unlock()
}

// Writes returns the number of successful writes.
func (m *MemoryStore) Writes() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.writes
}
