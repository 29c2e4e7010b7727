// Package remote defines the boundary to the remote record store. The
// engine only ever talks to the remote store through the Store interface;
// the transport behind it is an opaque collaborator.
package remote

import (
	"context"
	"fmt"
	"time"
)

// Record is a schemaless record snapshot keyed by field name.
type Record map[string]interface{}

// ID returns the record's "id" field as a string, or "" when absent.
func (r Record) ID() string {
	if r == nil {
		return ""
	}
	switch v := r["id"].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}

// Clone returns a shallow copy of the record.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Timestamp extracts the record's "updatedAt" field. It tolerates RFC 3339
// strings, unix-millisecond numbers, and time.Time values; ok is false when
// nothing usable is present.
func (r Record) Timestamp() (ts time.Time, ok bool) {
	if r == nil {
		return time.Time{}, false
	}
	switch v := r["updatedAt"].(type) {
	case time.Time:
		return v, !v.IsZero()
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return time.Time{}, false
		}
		return parsed, true
	case float64:
		if v <= 0 {
			return time.Time{}, false
		}
		return time.UnixMilli(int64(v)), true
	case int64:
		if v <= 0 {
			return time.Time{}, false
		}
		return time.UnixMilli(v), true
	case int:
		if v <= 0 {
			return time.Time{}, false
		}
		return time.UnixMilli(int64(v)), true
	default:
		return time.Time{}, false
	}
}

// EventType classifies a change-stream event.
type EventType string

const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"
)

// ChangeEvent is a single change pushed by the remote store for one table.
type ChangeEvent struct {
	Type  EventType `json:"eventType"`
	Table string    `json:"table"`
	New   Record    `json:"new,omitempty"`
	Old   Record    `json:"old,omitempty"`
}

// RecordID returns the id of the record the event refers to.
func (e ChangeEvent) RecordID() string {
	if id := e.New.ID(); id != "" {
		return id
	}
	return e.Old.ID()
}

// Handler processes an incoming change event.
type Handler func(ChangeEvent)

// Store is the per-table CRUD plus change-notification surface of the
// remote store. A stale write is reported as a SyncError of KindDivergence
// carrying the current remote record.
type Store interface {
	// Insert creates a record in the given table.
	Insert(ctx context.Context, table string, record Record) error

	// Update replaces a record in the given table.
	Update(ctx context.Context, table string, record Record) error

	// Delete removes the record with the given id from the table.
	Delete(ctx context.Context, table string, id string) error

	// Fetch retrieves the current remote version of a record.
	Fetch(ctx context.Context, table string, id string) (Record, error)

	// Subscribe registers a handler for the table's change notifications
	// and returns an unsubscribe function.
	Subscribe(ctx context.Context, table string, handler Handler) (func(), error)
}
