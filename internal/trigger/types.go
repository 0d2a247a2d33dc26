// Package trigger implements the WAL-tailing decoder that fires row-level
// triggers with old/new tuple semantics (spec.md §4.6), grounded on
// original_source/src/backend/pipeline/trigger/{trigger,wal,batching}.c.
package trigger

import (
	"time"

	"github.com/pgstream/cqengine/internal/plan"
)

// ChangeType mirrors TriggerProcessChangeType: what kind of row-level
// change a decoded WAL record represents.
type ChangeType int

const (
	ChangeInsert ChangeType = iota
	ChangeUpdate
	ChangeDelete
	ChangeNoop
)

// Change is one decoded row-level change against a matrel: Old is nil on
// insert, New is nil on delete.
type Change struct {
	Action ChangeType
	Old    plan.Row
	New    plan.Row
}

// ChangeList accumulates every change against one relation within a
// transaction (batching.c's ChangeList).
type ChangeList struct {
	MatrelID int64
	Changes  []Change
}

// XactBatch groups every ChangeList touched by one decoded transaction
// (batching.c's XactBatch); "sync" and "check" batches (do_synchronize,
// get_trig_oid) carry no real WAL change, just a changelist with an empty
// Changes slice, to nudge the cache into noticing new triggers.
type XactBatch struct {
	Label      string
	Xid        uint32
	CommitTime time.Time
	Finished   bool

	lists map[int64]*ChangeList
}

// NewXactBatch starts a batch for a decoded transaction or synthetic sync
// pass.
func NewXactBatch(label string, xid uint32, commitTime time.Time) *XactBatch {
	return &XactBatch{Label: label, Xid: xid, CommitTime: commitTime, lists: make(map[int64]*ChangeList)}
}

// ChangeListFor returns (creating if necessary) the changelist for matrelID,
// mirroring batching.c's get_changelist: even a changelist with zero
// changes must exist so the batch processor notices a relation touched by
// this transaction.
func (b *XactBatch) ChangeListFor(matrelID int64) *ChangeList {
	cl, ok := b.lists[matrelID]
	if !ok {
		cl = &ChangeList{MatrelID: matrelID}
		b.lists[matrelID] = cl
	}
	return cl
}

// AddChange appends a change to the batch's changelist for matrelID.
func (b *XactBatch) AddChange(matrelID int64, action ChangeType, old, new plan.Row) {
	cl := b.ChangeListFor(matrelID)
	cl.Changes = append(cl.Changes, Change{Action: action, Old: old, New: new})
}

// ChangeLists returns every changelist in the batch, in no particular
// order.
func (b *XactBatch) ChangeLists() []*ChangeList {
	out := make([]*ChangeList, 0, len(b.lists))
	for _, cl := range b.lists {
		out = append(out, cl)
	}
	return out
}
