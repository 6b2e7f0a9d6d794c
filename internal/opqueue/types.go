// Package opqueue implements the dependency-gated operation queue of
// spec.md §4.5: remote operations are buffered until every coordinate
// of their declared dependency vector clock has been observed, then
// released in ascending Λ order.
//
// Grounded on cshekharsharma-go-crdt's rga.go pendingOrphans buffer
// (a node whose parent has not yet arrived is parked under the
// missing parent's id and replayed once that parent lands). The same
// shape generalizes from "missing parent node id" to "missing vector
// clock coordinate": instead of indexing orphans by a single missing
// id, Queue re-scans every buffered item's full dependency set on
// each Release call, since a dependency here is a set of coordinates
// rather than a single pointer.
package opqueue

import (
	"time"

	"github.com/Polqt/synccore/internal/clock"
	"github.com/Polqt/synccore/internal/replicaid"
)

// Item is one queued operation: an opaque Payload (an epoch or buffer
// op) stamped with its Λ and the sender's vector clock at the moment
// it was created, per spec.md §4.5's envelope shape
// `{epoch_id, ops: [{Λ, dependencies, payload}]}`.
type Item struct {
	EpochID replicaid.ID
	Stamp   clock.Lamport

	// LocalSeq is the producing replica's true local sequence number
	// for this op (the Seq half of clock.Local), not the Lamport
	// value in Stamp — Release advances its working clock by this,
	// since Stamp.Value can run arbitrarily far ahead of the
	// replica's real op count once it has observed a high remote
	// Lamport timestamp.
	LocalSeq     uint64
	Dependencies *clock.Global
	Payload      any

	// QueuedAt is set by the caller (internal/worktree) at enqueue
	// time, used only to age out ops whose dependency can never
	// arrive (spec.md §7, InvalidOperation quarantine). The queue
	// itself never reads the wall clock.
	QueuedAt time.Time
}
