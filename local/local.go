// Package local holds the device-resident record state and the serialized
// apply funnel all local-state writes go through.
package local

import (
	"hash/fnv"
	"sync"

	"github.com/recsync/recsync/remote"
)

// Store is the local record state the presentation layer reads from.
// Implementations must tolerate concurrent calls.
type Store interface {
	Get(table, id string) (remote.Record, bool)
	Apply(table, id string, record remote.Record) error
	Delete(table, id string) error
}

// MemoryStore is the default in-memory Store implementation.
type MemoryStore struct {
	mu     sync.RWMutex
	tables map[string]map[string]remote.Record
}

// NewMemoryStore creates an empty local record store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tables: make(map[string]map[string]remote.Record)}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Get(table, id string) (remote.Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rows, ok := m.tables[table]
	if !ok {
		return nil, false
	}
	rec, ok := rows[id]
	if !ok {
		return nil, false
	}
	return rec.Clone(), true
}

func (m *MemoryStore) Apply(table, id string, record remote.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows, ok := m.tables[table]
	if !ok {
		rows = make(map[string]remote.Record)
		m.tables[table] = rows
	}
	rows[id] = record.Clone()
	return nil
}

func (m *MemoryStore) Delete(table, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rows, ok := m.tables[table]; ok {
		delete(rows, id)
	}
	return nil
}

const applierStripes = 64

// Applier serializes writes per record so that a queue drain and a remote
// push never race on the same record's stored value. Writes to different
// records may proceed concurrently; writes to the same (table, id) pair are
// strictly ordered.
type Applier struct {
	store Store
	locks [applierStripes]sync.Mutex
}

// NewApplier wraps a Store with the per-record write funnel.
func NewApplier(store Store) *Applier {
	return &Applier{store: store}
}

func (a *Applier) stripe(table, id string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(table))
	h.Write([]byte{0})
	h.Write([]byte(id))
	return &a.locks[h.Sum32()%applierStripes]
}

// Apply stores a record through the funnel.
func (a *Applier) Apply(table, id string, record remote.Record) error {
	mu := a.stripe(table, id)
	mu.Lock()
	defer mu.Unlock()
	return a.store.Apply(table, id, record)
}

// Delete removes a record through the funnel.
func (a *Applier) Delete(table, id string) error {
	mu := a.stripe(table, id)
	mu.Lock()
	defer mu.Unlock()
	return a.store.Delete(table, id)
}

// Get reads the current local value. Reads do not take the funnel lock.
func (a *Applier) Get(table, id string) (remote.Record, bool) {
	return a.store.Get(table, id)
}
