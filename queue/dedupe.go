package queue

import (
	"github.com/recsync/recsync/remote"
)

// Collapse folds a FIFO sequence of operations so that each
// (table, record-id) pair is represented by at most one operation, using
// these rules:
//
//	INSERT + UPDATE*          -> INSERT carrying the final field values
//	UPDATE + UPDATE           -> UPDATE with overwritten fields, earliest priorData
//	DELETE + INSERT or UPDATE -> UPDATE (record removed then restored/edited)
//	anything + DELETE         -> DELETE
//
// Operations whose record id cannot be determined are passed through
// untouched. The collapsed operation keeps the id and enqueue time of the
// group's earliest member, so Collapse is idempotent.
func Collapse(ops []Operation) []Operation {
	type group struct {
		op    Operation
		index int
	}

	groups := make(map[string]*group)
	out := make([]Operation, 0, len(ops))

	for _, op := range ops {
		rid := op.RecordID()
		if rid == "" {
			out = append(out, op)
			continue
		}

		key := op.Table + "\x00" + rid
		g, ok := groups[key]
		if !ok {
			out = append(out, op)
			groups[key] = &group{op: op, index: len(out) - 1}
			continue
		}

		g.op = merge(g.op, op)
		out[g.index] = g.op
	}

	return out
}

// merge folds next into acc. The result keeps acc's identity and position.
func merge(acc, next Operation) Operation {
	merged := Operation{
		ID:         acc.ID,
		Table:      acc.Table,
		EnqueuedAt: acc.EnqueuedAt,
		RetryCount: acc.RetryCount,
	}

	switch {
	case next.Kind == KindDelete:
		merged.Kind = KindDelete
		merged.Data = firstNonNil(next.Data, acc.Data)
		merged.PriorData = firstNonNil(acc.PriorData, acc.Data)

	case acc.Kind == KindDelete:
		// The record was removed and then effectively restored or edited.
		merged.Kind = KindUpdate
		merged.Data = next.Data
		merged.PriorData = firstNonNil(acc.PriorData, acc.Data)

	case acc.Kind == KindInsert:
		merged.Kind = KindInsert
		merged.Data = overlay(acc.Data, next.Data)

	default: // UPDATE followed by UPDATE or INSERT
		merged.Kind = KindUpdate
		merged.Data = overlay(acc.Data, next.Data)
		merged.PriorData = acc.PriorData
	}

	return merged
}

func overlay(base, patch remote.Record) remote.Record {
	if base == nil {
		return patch.Clone()
	}
	out := base.Clone()
	for k, v := range patch {
		out[k] = v
	}
	return out
}

func firstNonNil(records ...remote.Record) remote.Record {
	for _, r := range records {
		if r != nil {
			return r
		}
	}
	return nil
}
