package remote

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordID(t *testing.T) {
	assert.Equal(t, "r1", Record{"id": "r1"}.ID())
	assert.Equal(t, "42", Record{"id": 42}.ID())
	assert.Equal(t, "", Record{}.ID())
	assert.Equal(t, "", Record(nil).ID())
}

func TestRecordCloneIsIndependent(t *testing.T) {
	original := Record{"id": "r1", "name": "Soup"}
	clone := original.Clone()
	clone["name"] = "Stew"
	assert.Equal(t, "Soup", original["name"])
	assert.Nil(t, Record(nil).Clone())
}

func TestRecordTimestampFormats(t *testing.T) {
	want := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	for name, rec := range map[string]Record{
		"rfc3339":    {"updatedAt": "2026-03-01T10:00:00Z"},
		"unix milli": {"updatedAt": float64(want.UnixMilli())},
		"int64":      {"updatedAt": want.UnixMilli()},
		"time.Time":  {"updatedAt": want},
	} {
		t.Run(name, func(t *testing.T) {
			ts, ok := rec.Timestamp()
			require.True(t, ok)
			assert.True(t, ts.Equal(want))
		})
	}

	for name, rec := range map[string]Record{
		"absent":    {},
		"nil":       nil,
		"garbage":   {"updatedAt": "yesterday-ish"},
		"negative":  {"updatedAt": float64(-5)},
		"wrongType": {"updatedAt": []string{"x"}},
	} {
		t.Run(name, func(t *testing.T) {
			_, ok := rec.Timestamp()
			assert.False(t, ok)
		})
	}
}

func TestChangeEventRecordID(t *testing.T) {
	assert.Equal(t, "r1", ChangeEvent{New: Record{"id": "r1"}}.RecordID())
	assert.Equal(t, "r2", ChangeEvent{Old: Record{"id": "r2"}}.RecordID())
	assert.Equal(t, "", ChangeEvent{}.RecordID())
}

func TestMemoryStoreSubscribePublish(t *testing.T) {
	rs := NewMemoryStore()
	ctx := context.Background()

	var events []ChangeEvent
	unsubscribe, err := rs.Subscribe(ctx, "recipes", func(ev ChangeEvent) {
		events = append(events, ev)
	})
	require.NoError(t, err)

	require.NoError(t, rs.Insert(ctx, "recipes", Record{"id": "r1", "name": "Soup"}))
	require.NoError(t, rs.Update(ctx, "recipes", Record{"id": "r1", "name": "Stew"}))
	require.NoError(t, rs.Delete(ctx, "recipes", "r1"))

	require.Len(t, events, 3)
	assert.Equal(t, EventInsert, events[0].Type)
	assert.Equal(t, EventUpdate, events[1].Type)
	assert.Equal(t, EventDelete, events[2].Type)

	unsubscribe()
	require.NoError(t, rs.Insert(ctx, "recipes", Record{"id": "r2"}))
	assert.Len(t, events, 3)
}

func TestMemoryStoreFetch(t *testing.T) {
	rs := NewMemoryStore()
	ctx := context.Background()

	_, err := rs.Fetch(ctx, "recipes", "r1")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, rs.Insert(ctx, "recipes", Record{"id": "r1", "name": "Soup"}))
	rec, err := rs.Fetch(ctx, "recipes", "r1")
	require.NoError(t, err)
	assert.Equal(t, "Soup", rec["name"])
}
