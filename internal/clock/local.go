// Package clock implements the logical timestamp layer: per-replica
// local counters, Lamport stamps, and vector clocks.
package clock

import "github.com/Polqt/synccore/internal/replicaid"

// Local is a replica's own (replica, seq) stamp, per spec.md §4.1.
type Local struct {
	Replica replicaid.ID
	Seq     uint64
}

// Less orders two Local stamps by replica then seq. Used only for
// deterministic test output; Local itself is not a sort key for ops
// (Lamport is).
func (l Local) Less(other Local) bool {
	if l.Replica != other.Replica {
		return l.Replica.String() < other.Replica.String()
	}
	return l.Seq < other.Seq
}

// LocalClock is a replica's strictly monotonic tick counter.
type LocalClock struct {
	replica replicaid.ID
	seq     uint64
}

// NewLocalClock returns a clock seeded at seq 0 for replica.
func NewLocalClock(replica replicaid.ID) *LocalClock {
	return &LocalClock{replica: replica}
}

// Tick returns the current stamp and advances seq for the next call.
func (c *LocalClock) Tick() Local {
	stamp := Local{Replica: c.replica, Seq: c.seq}
	c.seq++
	return stamp
}

// Observe raises seq so the next Tick never repeats a stamp already
// seen from this replica (spec.md §4.1, Local::observe).
func (c *LocalClock) Observe(stamp Local) {
	if stamp.Replica != c.replica {
		return
	}
	if stamp.Seq+1 > c.seq {
		c.seq = stamp.Seq + 1
	}
}

// Seq returns the current counter value without advancing it.
func (c *LocalClock) Seq() uint64 { return c.seq }

// Replica returns the owning replica id.
func (c *LocalClock) Replica() replicaid.ID { return c.replica }
