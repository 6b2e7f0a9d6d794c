package buffer

import (
	"github.com/Polqt/synccore/internal/clock"
	"github.com/Polqt/synccore/internal/replicaid"
)

// SelectionSet is one replica's live cursor/selection ranges, kept
// current under local edits via anchor re-resolution rather than
// carried as raw offsets (spec.md §4.3).
type SelectionSet struct {
	Replica replicaid.ID
	LocalID clock.Lamport
	Ranges  []SelectionRange
}

// ApplySelection updates or removes the selection set named by
// op.LocalID. A nil Ranges removes it — a replica disconnecting or
// blurring the document clears its cursors for every other
// participant.
func (b *Buffer) ApplySelection(op *SelectionOp) {
	if op.Ranges == nil {
		delete(b.selections, op.LocalID)
		return
	}
	b.selections[op.LocalID] = &SelectionSet{
		Replica: op.Replica,
		LocalID: op.LocalID,
		Ranges:  op.Ranges,
	}
}

// Selections returns the live selection sets, keyed by their LocalID.
func (b *Buffer) Selections() map[clock.Lamport]*SelectionSet {
	return b.selections
}
