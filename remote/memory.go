package remote

import (
	"context"
	"fmt"
	"sync"

	syncErrors "github.com/recsync/recsync/errors"
)

// ErrNotFound is returned by Fetch when the record does not exist remotely.
var ErrNotFound = fmt.Errorf("record not found")

// MemoryStore is an in-memory Store used by tests and the CLI demo. Hooks
// allow injecting failures and divergence on individual operations.
type MemoryStore struct {
	mu      sync.RWMutex
	tables  map[string]map[string]Record
	subs    map[string][]*memorySub
	nextSub int

	// Hooks, when set, run before the default behavior; a non-nil error
	// aborts the operation with that error.
	OnInsert func(table string, record Record) error
	OnUpdate func(table string, record Record) error
	OnDelete func(table string, id string) error
}

type memorySub struct {
	id      int
	table   string
	handler Handler
}

// NewMemoryStore creates an empty in-memory remote store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tables: make(map[string]map[string]Record),
		subs:   make(map[string][]*memorySub),
	}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Insert(ctx context.Context, table string, record Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.OnInsert != nil {
		if err := m.OnInsert(table, record); err != nil {
			return err
		}
	}

	id := record.ID()
	if id == "" {
		return syncErrors.NewValidationError(syncErrors.OpApply, fmt.Errorf("insert without id"))
	}

	m.mu.Lock()
	rows, ok := m.tables[table]
	if !ok {
		rows = make(map[string]Record)
		m.tables[table] = rows
	}
	rows[id] = record.Clone()
	m.mu.Unlock()

	m.publish(ChangeEvent{Type: EventInsert, Table: table, New: record.Clone()})
	return nil
}

func (m *MemoryStore) Update(ctx context.Context, table string, record Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.OnUpdate != nil {
		if err := m.OnUpdate(table, record); err != nil {
			return err
		}
	}

	id := record.ID()
	if id == "" {
		return syncErrors.NewValidationError(syncErrors.OpApply, fmt.Errorf("update without id"))
	}

	m.mu.Lock()
	rows, ok := m.tables[table]
	var old Record
	if ok {
		old = rows[id]
	} else {
		rows = make(map[string]Record)
		m.tables[table] = rows
	}
	rows[id] = record.Clone()
	m.mu.Unlock()

	m.publish(ChangeEvent{Type: EventUpdate, Table: table, New: record.Clone(), Old: old})
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, table string, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.OnDelete != nil {
		if err := m.OnDelete(table, id); err != nil {
			return err
		}
	}

	m.mu.Lock()
	var old Record
	if rows, ok := m.tables[table]; ok {
		old = rows[id]
		delete(rows, id)
	}
	m.mu.Unlock()

	if old != nil {
		m.publish(ChangeEvent{Type: EventDelete, Table: table, Old: old})
	}
	return nil
}

func (m *MemoryStore) Fetch(ctx context.Context, table string, id string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	rows, ok := m.tables[table]
	if !ok {
		return nil, ErrNotFound
	}
	rec, ok := rows[id]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

func (m *MemoryStore) Subscribe(ctx context.Context, table string, handler Handler) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.nextSub++
	sub := &memorySub{id: m.nextSub, table: table, handler: handler}
	m.subs[table] = append(m.subs[table], sub)
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		subs := m.subs[table]
		for i, s := range subs {
			if s.id == sub.id {
				m.subs[table] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}, nil
}

// Publish delivers an event to the table's subscribers, simulating a push
// from another device.
func (m *MemoryStore) Publish(ev ChangeEvent) {
	m.publish(ev)
}

func (m *MemoryStore) publish(ev ChangeEvent) {
	m.mu.RLock()
	subs := make([]*memorySub, len(m.subs[ev.Table]))
	copy(subs, m.subs[ev.Table])
	m.mu.RUnlock()

	for _, s := range subs {
		s.handler(ev)
	}
}

// Get returns the currently stored record, or nil when absent.
func (m *MemoryStore) Get(table, id string) Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if rows, ok := m.tables[table]; ok {
		if rec, ok := rows[id]; ok {
			return rec.Clone()
		}
	}
	return nil
}
