package worktree

import (
	"github.com/Polqt/synccore/internal/buffer"
	"github.com/Polqt/synccore/internal/clock"
	"github.com/Polqt/synccore/internal/epoch"
	"github.com/Polqt/synccore/internal/replicaid"
)

// OpKind tags the polymorphic Operation union of spec.md §9
// ("Operation = Buffer(BufferOp) | Epoch(EpochOp) | ResetEpoch(...)").
type OpKind int

const (
	OpEdit OpKind = iota
	OpSelection
	OpCreate
	OpRename
	OpRemove
	OpResetEpoch
)

func (k OpKind) String() string {
	switch k {
	case OpEdit:
		return "Edit"
	case OpSelection:
		return "Selection"
	case OpCreate:
		return "Create"
	case OpRename:
		return "Rename"
	case OpRemove:
		return "Remove"
	case OpResetEpoch:
		return "ResetEpoch"
	default:
		return "Unknown"
	}
}

// Op is one stamped, self-contained mutation, tagged by Kind. Exactly
// one of the payload fields matching Kind is populated. FileID is the
// buffer or epoch entity the op targets; unused for OpResetEpoch.
type Op struct {
	EpochID replicaid.ID
	Kind    OpKind
	Stamp   clock.Lamport

	// LocalSeq is the producing replica's true monotonic local
	// sequence number at the moment this op was stamped (the Seq half
	// of clock.Local), distinct from Stamp.Value: the Lamport clock
	// jumps ahead whenever it observes a higher remote value, so a
	// replica's Nth op can carry an arbitrarily large Lamport value
	// while still being only its Nth. Vector-clock bookkeeping
	// (WorkTree.vclock, opqueue's dependency gating) must advance a
	// remote replica's coordinate by LocalSeq, never by Stamp.Value —
	// otherwise a single high-Lamport op can make the receiver think
	// it has observed local sequence numbers from that replica it has
	// never actually applied.
	LocalSeq     uint64
	Dependencies *clock.Global
	FileID       replicaid.ID

	Edit      *buffer.EditOp
	Selection *buffer.SelectionOp
	Create    *epoch.CreateOp
	Rename    *epoch.RenameOp
	Remove    *epoch.RemoveOp

	// NewEpochID/NewBaseCommit are populated only for OpResetEpoch:
	// EpochID names the epoch being abandoned, NewEpochID/NewBaseCommit
	// the one replacing it (spec.md §8 scenario S6).
	NewEpochID    replicaid.ID
	NewBaseCommit string
}

// Envelope is a transport-level batch of operations from one sender,
// per spec.md §6 ("{epoch_id, sender_replica, ops}"). Broadcast order
// at the transport is irrelevant; ApplyOps tolerates duplicates and
// reordering both across and within envelopes.
type Envelope struct {
	EpochID       replicaid.ID
	SenderReplica replicaid.ID
	Ops           []Op
}
