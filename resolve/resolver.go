// Package resolve reconciles concurrent edits to the same record made by
// different devices. Resolution is deterministic: an identical conflict
// context always produces an identical resolution, so repeated
// reconciliation of the same pair converges.
package resolve

import (
	"reflect"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/recsync/recsync/queue"
	"github.com/recsync/recsync/remote"
)

// Strategy names the rule that produced a resolution.
type Strategy string

const (
	// StrategyFieldMerge takes each changed field from whichever side
	// changed it, falling back to timestamps only for fields both sides
	// changed.
	StrategyFieldMerge Strategy = "field-level-merge"

	// StrategyLastWriteWins takes the entire newer-timestamped version.
	StrategyLastWriteWins Strategy = "last-write-wins"

	// StrategyDuplicateRename keeps both independently created records,
	// renaming the later one with a numeric disambiguator.
	StrategyDuplicateRename Strategy = "duplicate-rename"
)

// ConflictContext describes a divergence between a local version of a
// record and the remote one.
type ConflictContext struct {
	Table string        `json:"table"`
	Kind  queue.Kind    `json:"kind"`
	Local remote.Record `json:"localData"`
	Remote remote.Record `json:"remoteData"`

	// Prior is the pre-mutation snapshot on the local side, used as the
	// common ancestor when present.
	Prior remote.Record `json:"priorData,omitempty"`

	LocalTimestamp  time.Time `json:"localTimestamp"`
	RemoteTimestamp time.Time `json:"remoteTimestamp"`
}

// Resolution is the merged outcome of a conflict. A nil Resolved record
// means the record should be deleted.
type Resolution struct {
	Resolved remote.Record `json:"resolved"`
	Strategy Strategy      `json:"strategy"`
}

// Config bounds the resolver's diagnostic state.
type Config struct {
	// HistoryLimit caps the diagnostic history; oldest entries are
	// evicted first. Defaults to 100.
	HistoryLimit int

	// RecentWindow is the window for the "recent conflicts" counter.
	// Defaults to one hour.
	RecentWindow time.Duration
}

func (c *Config) setDefaults() {
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 100
	}
	if c.RecentWindow <= 0 {
		c.RecentWindow = time.Hour
	}
}

var duplicateSuffix = regexp.MustCompile(`^(.*) \((\d+)\)$`)

// Resolve maps a conflict context to a single merged record and the
// strategy used. It never fails: missing fields, missing identifiers, and
// malformed timestamps degrade to last-write-wins on whatever is present,
// defaulting to local-wins when neither timestamp is usable.
func (r *Resolver) Resolve(ctx ConflictContext) Resolution {
	res := resolve(ctx)
	r.record(ctx, res)
	return res
}

func resolve(ctx ConflictContext) Resolution {
	localTs := usableTimestamp(ctx.LocalTimestamp, ctx.Local)
	remoteTs := usableTimestamp(ctx.RemoteTimestamp, ctx.Remote)

	// Two devices independently created a record with the same
	// human-readable name: keep both, renaming the later one.
	if ctx.Kind == queue.KindInsert && isDuplicateName(ctx.Local, ctx.Remote) {
		later := ctx.Local
		if remoteTs.After(localTs) {
			later = ctx.Remote
		}
		resolved := later.Clone()
		resolved["name"] = renameDuplicate(resolved["name"].(string))
		return Resolution{Resolved: resolved, Strategy: StrategyDuplicateRename}
	}

	// Without both sides or a common ancestor there is nothing to merge
	// field by field.
	if ctx.Local == nil || ctx.Remote == nil || ctx.Prior == nil {
		return Resolution{Resolved: lastWriteWins(ctx, localTs, remoteTs), Strategy: StrategyLastWriteWins}
	}

	resolved := make(remote.Record, len(ctx.Local)+len(ctx.Remote))
	for _, field := range fieldUnion(ctx.Local, ctx.Remote) {
		lv, lok := ctx.Local[field]
		rv, rok := ctx.Remote[field]
		av, aok := ctx.Prior[field]

		localChanged := changed(lv, lok, av, aok)
		remoteChanged := changed(rv, rok, av, aok)

		var v interface{}
		var present bool
		switch {
		case localChanged && !remoteChanged:
			v, present = lv, lok
		case remoteChanged && !localChanged:
			v, present = rv, rok
		case localChanged && remoteChanged:
			// Both sides changed the same field: strictly newer
			// remote wins, ties favor local.
			if remoteTs.After(localTs) {
				v, present = rv, rok
			} else {
				v, present = lv, lok
			}
		default:
			v, present = lv, lok
		}

		if present {
			resolved[field] = v
		}
	}

	return Resolution{Resolved: resolved, Strategy: StrategyFieldMerge}
}

func lastWriteWins(ctx ConflictContext, localTs, remoteTs time.Time) remote.Record {
	if remoteTs.After(localTs) {
		return ctx.Remote.Clone()
	}
	return ctx.Local.Clone()
}

// usableTimestamp prefers the explicit timestamp and falls back to the
// record's own updatedAt field; a zero result means "unusable".
func usableTimestamp(explicit time.Time, rec remote.Record) time.Time {
	if !explicit.IsZero() {
		return explicit
	}
	if ts, ok := rec.Timestamp(); ok {
		return ts
	}
	return time.Time{}
}

func isDuplicateName(local, remote remote.Record) bool {
	if local == nil || remote == nil {
		return false
	}
	ln, lok := local["name"].(string)
	rn, rok := remote["name"].(string)
	if !lok || !rok || ln == "" || ln != rn {
		return false
	}
	return local.ID() != remote.ID()
}

func renameDuplicate(name string) string {
	if m := duplicateSuffix.FindStringSubmatch(name); m != nil {
		if n, err := strconv.Atoi(m[2]); err == nil {
			return m[1] + " (" + strconv.Itoa(n+1) + ")"
		}
	}
	return name + " (2)"
}

func fieldUnion(a, b remote.Record) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	for k := range a {
		seen[k] = struct{}{}
	}
	for k := range b {
		seen[k] = struct{}{}
	}
	fields := make([]string, 0, len(seen))
	for k := range seen {
		fields = append(fields, k)
	}
	sort.Strings(fields)
	return fields
}

func changed(v interface{}, present bool, ancestor interface{}, ancestorPresent bool) bool {
	if present != ancestorPresent {
		return true
	}
	if !present {
		return false
	}
	return !reflect.DeepEqual(v, ancestor)
}
