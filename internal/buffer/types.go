// Package buffer implements the text buffer CRDT of spec.md §4.3: an
// operation-based sequence over internal/sortedmap supporting
// insertion, deletion, stable anchors, and convergent merge via a
// deterministic total order over fragments.
//
// Grounded on the teacher's projects/03-crdt-collab-backend crdt.RGA
// (dense ordering, descending-Λ tie-break, tombstone-not-physical-
// delete) and cshekharsharma-go-crdt/rga.go's integrate/orphan-buffer
// pattern, generalized from a per-character linked list to a
// sortedmap-backed fragment tree with stable (insertion_id, offset)
// anchors.
package buffer

import (
	"github.com/Polqt/synccore/internal/clock"
	"github.com/Polqt/synccore/internal/replicaid"
)

// Bias determines whether an anchor sticks to the character before or
// after an insertion at its position (spec.md §3).
type Bias int

const (
	BiasLeft Bias = iota
	BiasRight
)

// Anchor is a stable position, identified symbolically by the
// insertion that produced the referenced text plus an offset into it
// — never a live pointer, per spec.md §9 ("Cyclic references ... are
// broken by making all references symbolic").
type Anchor struct {
	Insertion clock.Lamport
	Offset    int
	Bias      Bias
}

// startAnchor and endAnchor are sentinels representing the position
// before the first character and after the last, respectively. They
// never appear in the anchor index.
var (
	startAnchor = Anchor{Bias: BiasRight}
	endAnchor   = Anchor{Bias: BiasLeft, Offset: -1}
)

// StartOfBuffer and EndOfBuffer are the public sentinel anchors for
// "insert before everything" / "insert after everything".
func StartOfBuffer() Anchor { return startAnchor }
func EndOfBuffer() Anchor   { return endAnchor }

func (a Anchor) isStart() bool { return a == startAnchor }
func (a Anchor) isEnd() bool   { return a == endAnchor }

// Range names an exact, immutable piece of one insertion's original
// text — invariant 5 of spec.md §3: "(insertion_id, offset_range)
// uniquely identifies a contiguous piece of original-insert text for
// all time."
type Range struct {
	Insertion clock.Lamport
	Start     int
	Length    int
}

func (r Range) end() int { return r.Start + r.Length }

// fragment is one indivisible (at a point in time) piece of inserted
// text, tombstoned in whole by zero or more deleting Λ stamps.
type fragment struct {
	id       clock.Lamport // the insertion op's Λ
	localSeq uint64        // the inserting replica's true local sequence number for id
	start    int           // offset within id's original text
	length   int
	text     string // exactly text[start:start+length] of the original insert
	// tombstones maps each deleting op's Λ to that deleting replica's
	// true local sequence number, not its Λ value: ChangesSince must
	// advance past a tombstone using the same LocalSeq semantics the
	// rest of the system uses for vector-clock coordinates.
	tombstones map[clock.Lamport]uint64
	pos        path
}

func (f *fragment) deleted() bool { return len(f.tombstones) > 0 }

func (f *fragment) visibleLen() int {
	if f.deleted() {
		return 0
	}
	return f.length
}

// seqKey orders fragments in the visible sequence: ascending path,
// descending Λ-value as the tie-break for concurrent inserts at the
// same gap (spec.md §4.3), breaking a same-value tie by ascending
// replica id — spec.md's S1 worked example ("A's replica id
// lexicographically smaller ⇒ hiworld") fixes this direction: when
// two fragments land at the same gap with the same Λ value, the
// smaller replica id's text sorts first — then ascending start offset,
// which only distinguishes fragments split from the same original
// insertion (they share path and origin, and the earlier piece must
// precede the later one).
type seqKey struct {
	pos    path
	origin clock.Lamport
	start  int
}

func lessSeq(a, b seqKey) bool {
	if !pathsEqual(a.pos, b.pos) {
		return lessPath(a.pos, b.pos)
	}
	if a.origin.Value != b.origin.Value {
		return a.origin.Value > b.origin.Value // larger Λ value sorts earlier
	}
	if a.origin.Replica != b.origin.Replica {
		return a.origin.Replica.String() < b.origin.Replica.String() // smaller replica id sorts earlier
	}
	return a.start < b.start
}

func pathsEqual(a, b path) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// anchorKey orders fragments by (insertion_id, start offset), used to
// resolve an Anchor's (insertion_id, offset) to the fragment
// currently covering it.
type anchorKey struct {
	insertion clock.Lamport
	start     int
}

func lessAnchorKey(a, b anchorKey) bool {
	if !a.insertion.Equal(b.insertion) {
		return a.insertion.Less(b.insertion)
	}
	return a.start < b.start
}

// EditOp is the wire/application form of a buffer edit (spec.md
// §4.3). DeletedRanges is computed once, at the edit's origin, by
// walking the live sequence between the resolved start/end anchors —
// not recomputed on apply — so that a concurrent insert landing in
// the same gap is never swept up by a remote replica's later replay
// of this op (this is what makes scenario S2 of spec.md §8 hold
// regardless of delivery order). InsertPos is likewise fixed once at
// the origin: recomputing it against each receiving replica's own
// (possibly different, due to other concurrent inserts already
// landed in the same gap) structure would let the same Stamp end up
// at two different positions on two replicas, breaking convergence.
type EditOp struct {
	Replica replicaid.ID
	Stamp   clock.Lamport
	// LocalSeq is Replica's true local sequence number for this op (the
	// Seq half of clock.Local), distinct from Stamp.Value — see
	// worktree.Op.LocalSeq's doc comment for why the two diverge.
	LocalSeq      uint64
	DeletedRanges []Range
	InsertBefore  Anchor // named for changed-range reporting only
	InsertPos     path   // NewText's structural position, fixed at origin
	NewText       string
	Version       *clock.Global
}

// SelectionRange is one cursor/selection span (spec.md §3).
type SelectionRange struct {
	Start, End Anchor
	Reversed   bool
}

// SelectionOp updates or removes (Ranges == nil) a local selection
// set (spec.md §4.3).
type SelectionOp struct {
	Replica replicaid.ID
	LocalID clock.Lamport
	Stamp   clock.Lamport
	Ranges  []SelectionRange // nil means "remove this set"
}

// ChangedRange describes one contiguous span of the visible text that
// an Edit altered, in pre-edit offsets, for the change observer.
type ChangedRange struct {
	Start, End int
	NewText    string
}
