// Package sqlite provides the SQLite-backed durable operation store for the
// sync queue.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	stdSync "sync"
	"time"

	// Go SQLite driver
	_ "github.com/mattn/go-sqlite3"

	syncErrors "github.com/recsync/recsync/errors"
	"github.com/recsync/recsync/logging"
	"github.com/recsync/recsync/queue"
	"github.com/recsync/recsync/remote"
)

const (
	statePending = "pending"
	stateFailed  = "failed"
)

// ErrStoreClosed is returned from every method after Close.
var ErrStoreClosed = errors.New("operation store is closed")

// Config holds configuration options for the OperationStore.
type Config struct {
	// Path is the SQLite database file. Use ":memory:" for an ephemeral
	// store in tests.
	Path string

	// EnableWAL enables Write-Ahead Logging mode. Recommended and on by
	// default for file-backed stores.
	EnableWAL bool

	// Capacity caps the total number of stored operations; 0 means
	// unlimited. Inserts beyond the cap fail with a capacity error.
	Capacity int

	// TableName defaults to "operations".
	TableName string
}

func (c *Config) setDefaults() {
	if c.TableName == "" {
		c.TableName = "operations"
	}
}

// DefaultConfig returns a Config with production defaults.
func DefaultConfig(path string) *Config {
	config := &Config{
		Path:      path,
		EnableWAL: true,
	}
	config.setDefaults()
	return config
}

// OperationStore implements queue.Store on SQLite. The queue is its single
// writer; the connection pool is capped at one connection to keep the
// single-writer discipline at the database level as well.
type OperationStore struct {
	db        *sql.DB
	mu        stdSync.RWMutex
	closed    bool
	capacity  int
	tableName string
	logger    *logging.Logger
}

var _ queue.Store = (*OperationStore)(nil)

// New opens (or creates) the durable store. An unreadable database or rows
// that fail the structural check are discarded rather than reported: the
// store self-heals and starts from an empty queue, logging the corruption.
func New(config *Config) (*OperationStore, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	config.setDefaults()
	if config.Path == "" {
		return nil, fmt.Errorf("Path is required")
	}

	logger := logging.WithComponent("sqlite-store")

	db, err := open(config)
	if err != nil {
		if config.Path == ":memory:" {
			return nil, err
		}
		// Corrupt database file: reset and start empty.
		logger.LogError(context.Background(), syncErrors.NewCorruptionError(syncErrors.OpLoad, err),
			"operation store unreadable, resetting")
		if resetErr := reset(config); resetErr != nil {
			return nil, fmt.Errorf("failed to reset corrupt store: %w", resetErr)
		}
		db, err = open(config)
		if err != nil {
			return nil, err
		}
	}

	store := &OperationStore{
		db:        db,
		capacity:  config.Capacity,
		tableName: config.TableName,
		logger:    logger,
	}

	if err := store.setupSchema(); err != nil {
		// Corrupt database file: reset and start empty.
		db.Close()
		logger.LogError(context.Background(), syncErrors.NewCorruptionError(syncErrors.OpLoad, err),
			"operation store unreadable, resetting")
		if resetErr := reset(config); resetErr != nil {
			return nil, fmt.Errorf("failed to reset corrupt store: %w", resetErr)
		}
		db, err = open(config)
		if err != nil {
			return nil, err
		}
		store.db = db
		if err := store.setupSchema(); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to setup schema after reset: %w", err)
		}
	}

	if dropped := store.pruneInvalidRows(); dropped > 0 {
		logger.Warn("discarded structurally invalid queue entries", "count", dropped)
	}

	return store, nil
}

func open(config *Config) (*sql.DB, error) {
	dsn := config.Path
	if config.EnableWAL && config.Path != ":memory:" && !strings.Contains(dsn, "_journal_mode=") {
		dsn += "?_journal_mode=WAL"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	// Single-writer discipline: one connection only. This also keeps
	// ":memory:" databases coherent across calls.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to sqlite database: %w", err)
	}
	return db, nil
}

func reset(config *Config) error {
	if config.Path == ":memory:" {
		return nil
	}
	for _, suffix := range []string{"", "-wal", "-shm"} {
		if err := os.Remove(config.Path + suffix); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

func (s *OperationStore) setupSchema() error {
	query := fmt.Sprintf(`
    CREATE TABLE IF NOT EXISTS %s (
        seq         INTEGER PRIMARY KEY AUTOINCREMENT,
        id          TEXT NOT NULL UNIQUE,
        kind        TEXT NOT NULL,
        tbl         TEXT NOT NULL,
        data        TEXT,
        prior_data  TEXT,
        enqueued_at INTEGER NOT NULL,
        retry_count INTEGER NOT NULL DEFAULT 0,
        state       TEXT NOT NULL DEFAULT 'pending'
    );
    CREATE INDEX IF NOT EXISTS idx_state ON %s (state, enqueued_at);
    `, s.tableName, s.tableName)
	_, err := s.db.Exec(query)
	return err
}

// pruneInvalidRows deletes rows that fail the structural check and returns
// how many were removed.
func (s *OperationStore) pruneInvalidRows() int {
	rows, err := s.db.Query(fmt.Sprintf(`SELECT seq, id, kind, data FROM %s`, s.tableName))
	if err != nil {
		return 0
	}
	defer rows.Close()

	var bad []int64
	for rows.Next() {
		var seq int64
		var id, kind string
		var data sql.NullString
		if err := rows.Scan(&seq, &id, &kind, &data); err != nil {
			continue
		}
		if id == "" || !queue.ValidKind(queue.Kind(kind)) || !validJSON(data) {
			bad = append(bad, seq)
		}
	}
	rows.Close()

	for _, seq := range bad {
		_, _ = s.db.Exec(fmt.Sprintf(`DELETE FROM %s WHERE seq = ?`, s.tableName), seq)
	}
	return len(bad)
}

func validJSON(s sql.NullString) bool {
	if !s.Valid || s.String == "" {
		return true
	}
	return json.Valid([]byte(s.String))
}

// Insert persists a new pending operation.
func (s *OperationStore) Insert(op queue.Operation) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrStoreClosed
	}
	s.mu.RUnlock()

	if s.capacity > 0 {
		var total int
		if err := s.db.QueryRow(fmt.Sprintf(`SELECT COUNT(*) FROM %s`, s.tableName)).Scan(&total); err != nil {
			return syncErrors.WrapOpComponent(err, syncErrors.OpStore, "storage/sqlite")
		}
		if total >= s.capacity {
			return syncErrors.NewCapacityError(syncErrors.OpEnqueue,
				fmt.Errorf("operation store full: %d of %d entries", total, s.capacity))
		}
	}

	dataJSON, priorJSON, err := marshalPayloads(op)
	if err != nil {
		return syncErrors.WrapOpComponent(err, syncErrors.OpStore, "storage/sqlite")
	}

	query := fmt.Sprintf(`INSERT INTO %s (id, kind, tbl, data, prior_data, enqueued_at, retry_count, state)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, s.tableName)
	_, err = s.db.Exec(query, op.ID, string(op.Kind), op.Table, dataJSON, priorJSON,
		op.EnqueuedAt.UnixMilli(), op.RetryCount, statePending)
	if err != nil {
		return syncErrors.WrapOpComponent(err, syncErrors.OpStore, "storage/sqlite")
	}
	return nil
}

// Delete removes an operation by id.
func (s *OperationStore) Delete(id string) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrStoreClosed
	}
	s.mu.RUnlock()

	_, err := s.db.Exec(fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, s.tableName), id)
	return err
}

// SetRetryCount updates the retry counter of an operation.
func (s *OperationStore) SetRetryCount(id string, count int) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrStoreClosed
	}
	s.mu.RUnlock()

	_, err := s.db.Exec(fmt.Sprintf(`UPDATE %s SET retry_count = ? WHERE id = ?`, s.tableName), count, id)
	return err
}

// MarkFailed moves an operation to the dead-letter state.
func (s *OperationStore) MarkFailed(id string) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrStoreClosed
	}
	s.mu.RUnlock()

	_, err := s.db.Exec(fmt.Sprintf(`UPDATE %s SET state = ? WHERE id = ?`, s.tableName), stateFailed, id)
	return err
}

// ReviveFailed moves all dead-letter operations back to pending with reset
// retry counters.
func (s *OperationStore) ReviveFailed() (int, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return 0, ErrStoreClosed
	}
	s.mu.RUnlock()

	res, err := s.db.Exec(fmt.Sprintf(`UPDATE %s SET state = ?, retry_count = 0 WHERE state = ?`, s.tableName),
		statePending, stateFailed)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Pending returns pending operations ordered by enqueue time.
func (s *OperationStore) Pending() ([]queue.Operation, error) {
	return s.loadByState(statePending)
}

// Failed returns dead-letter operations ordered by enqueue time.
func (s *OperationStore) Failed() ([]queue.Operation, error) {
	return s.loadByState(stateFailed)
}

func (s *OperationStore) loadByState(state string) ([]queue.Operation, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, ErrStoreClosed
	}
	s.mu.RUnlock()

	query := fmt.Sprintf(`SELECT id, kind, tbl, data, prior_data, enqueued_at, retry_count
		FROM %s WHERE state = ? ORDER BY enqueued_at ASC, seq ASC`, s.tableName)
	rows, err := s.db.Query(query, state)
	if err != nil {
		return nil, syncErrors.WrapOpComponent(err, syncErrors.OpLoad, "storage/sqlite")
	}
	defer rows.Close()

	return scanOperations(rows)
}

// ReplacePending atomically swaps the pending set for the given ordered
// operations, leaving dead-letter entries untouched.
func (s *OperationStore) ReplacePending(ops []queue.Operation) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrStoreClosed
	}
	s.mu.RUnlock()

	tx, err := s.db.Begin()
	if err != nil {
		return syncErrors.WrapOpComponent(err, syncErrors.OpDedupe, "storage/sqlite")
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if _, err = tx.Exec(fmt.Sprintf(`DELETE FROM %s WHERE state = ?`, s.tableName), statePending); err != nil {
		return syncErrors.WrapOpComponent(err, syncErrors.OpDedupe, "storage/sqlite")
	}

	stmt, err := tx.Prepare(fmt.Sprintf(`INSERT INTO %s (id, kind, tbl, data, prior_data, enqueued_at, retry_count, state)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, s.tableName))
	if err != nil {
		return syncErrors.WrapOpComponent(err, syncErrors.OpDedupe, "storage/sqlite")
	}
	defer stmt.Close()

	for _, op := range ops {
		var dataJSON, priorJSON sql.NullString
		dataJSON, priorJSON, err = marshalPayloads(op)
		if err != nil {
			return syncErrors.WrapOpComponent(err, syncErrors.OpDedupe, "storage/sqlite")
		}
		if _, err = stmt.Exec(op.ID, string(op.Kind), op.Table, dataJSON, priorJSON,
			op.EnqueuedAt.UnixMilli(), op.RetryCount, statePending); err != nil {
			return syncErrors.WrapOpComponent(err, syncErrors.OpDedupe, "storage/sqlite")
		}
	}

	if err = tx.Commit(); err != nil {
		return syncErrors.WrapOpComponent(err, syncErrors.OpDedupe, "storage/sqlite")
	}
	return nil
}

// Counts returns the number of pending and dead-letter operations.
func (s *OperationStore) Counts() (int, int, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return 0, 0, ErrStoreClosed
	}
	s.mu.RUnlock()

	var pending, failed int
	query := fmt.Sprintf(`SELECT
		COUNT(CASE WHEN state = '%s' THEN 1 END),
		COUNT(CASE WHEN state = '%s' THEN 1 END)
		FROM %s`, statePending, stateFailed, s.tableName)
	if err := s.db.QueryRow(query).Scan(&pending, &failed); err != nil {
		return 0, 0, syncErrors.WrapOpComponent(err, syncErrors.OpLoad, "storage/sqlite")
	}
	return pending, failed, nil
}

// Clear removes all operations.
func (s *OperationStore) Clear() error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrStoreClosed
	}
	s.mu.RUnlock()

	_, err := s.db.Exec(fmt.Sprintf(`DELETE FROM %s`, s.tableName))
	return err
}

// Close closes the database connection.
func (s *OperationStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.db.Close(); err != nil {
		return syncErrors.NewWithComponent(syncErrors.OpClose, "storage/sqlite", err)
	}
	return nil
}

func marshalPayloads(op queue.Operation) (data, prior sql.NullString, err error) {
	if op.Data != nil {
		b, err := json.Marshal(op.Data)
		if err != nil {
			return data, prior, fmt.Errorf("failed to marshal operation data: %w", err)
		}
		data = sql.NullString{String: string(b), Valid: true}
	}
	if op.PriorData != nil {
		b, err := json.Marshal(op.PriorData)
		if err != nil {
			return data, prior, fmt.Errorf("failed to marshal prior data: %w", err)
		}
		prior = sql.NullString{String: string(b), Valid: true}
	}
	return data, prior, nil
}

func scanOperations(rows *sql.Rows) ([]queue.Operation, error) {
	var ops []queue.Operation
	for rows.Next() {
		var op queue.Operation
		var kind string
		var data, prior sql.NullString
		var enqueuedAt int64

		if err := rows.Scan(&op.ID, &kind, &op.Table, &data, &prior, &enqueuedAt, &op.RetryCount); err != nil {
			return nil, fmt.Errorf("failed to scan operation row: %w", err)
		}

		op.Kind = queue.Kind(kind)
		op.EnqueuedAt = time.UnixMilli(enqueuedAt)
		if data.Valid && data.String != "" {
			var rec remote.Record
			if err := json.Unmarshal([]byte(data.String), &rec); err == nil {
				op.Data = rec
			}
		}
		if prior.Valid && prior.String != "" {
			var rec remote.Record
			if err := json.Unmarshal([]byte(prior.String), &rec); err == nil {
				op.PriorData = rec
			}
		}

		ops = append(ops, op)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return ops, nil
}
