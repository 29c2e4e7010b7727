package resolve

import (
	"sync"
	"time"

	"github.com/recsync/recsync/logging"
)

// Resolver resolves conflicts and keeps bounded diagnostic state about the
// conflicts it has seen. The diagnostic state never influences resolution.
type Resolver struct {
	mu      sync.RWMutex
	config  Config
	history []HistoryEntry
	total   int
	byTable map[string]int
	logger  *logging.Logger
}

// HistoryEntry records one resolved conflict for diagnostics.
type HistoryEntry struct {
	Table    string    `json:"table"`
	RecordID string    `json:"recordId"`
	Strategy Strategy  `json:"strategy"`
	At       time.Time `json:"at"`
}

// Stats summarizes resolver activity.
type Stats struct {
	TotalConflicts    int            `json:"totalConflicts"`
	ResolvedConflicts int            `json:"resolvedConflicts"`
	RecentConflicts   int            `json:"recentConflicts"`
	ByTable           map[string]int `json:"byTable"`
	LastConflictAt    time.Time      `json:"lastConflictAt,omitempty"`
}

// New creates a resolver.
func New(config Config) *Resolver {
	config.setDefaults()
	return &Resolver{
		config:  config,
		byTable: make(map[string]int),
		logger:  logging.WithComponent("resolver"),
	}
}

func (r *Resolver) record(ctx ConflictContext, res Resolution) {
	entry := HistoryEntry{
		Table:    ctx.Table,
		Strategy: res.Strategy,
		At:       time.Now(),
	}
	if ctx.Local != nil {
		entry.RecordID = ctx.Local.ID()
	}
	if entry.RecordID == "" && ctx.Remote != nil {
		entry.RecordID = ctx.Remote.ID()
	}

	r.mu.Lock()
	r.total++
	r.byTable[ctx.Table]++
	r.history = append(r.history, entry)
	if len(r.history) > r.config.HistoryLimit {
		r.history = r.history[len(r.history)-r.config.HistoryLimit:]
	}
	r.mu.Unlock()

	r.logger.Debug("conflict resolved",
		"table", ctx.Table,
		"record_id", entry.RecordID,
		"strategy", string(res.Strategy))
}

// Stats returns a snapshot of the resolver's counters. RecentConflicts
// counts history entries within the configured window; with a full history
// ring it is a lower bound.
func (r *Resolver) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := Stats{
		TotalConflicts:    r.total,
		ResolvedConflicts: r.total,
		ByTable:           make(map[string]int, len(r.byTable)),
	}
	for table, n := range r.byTable {
		s.ByTable[table] = n
	}

	cutoff := time.Now().Add(-r.config.RecentWindow)
	for _, e := range r.history {
		if e.At.After(cutoff) {
			s.RecentConflicts++
		}
	}
	if n := len(r.history); n > 0 {
		s.LastConflictAt = r.history[n-1].At
	}
	return s
}

// History returns a copy of the bounded conflict history, oldest first.
func (r *Resolver) History() []HistoryEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]HistoryEntry, len(r.history))
	copy(out, r.history)
	return out
}
