package clock

import "github.com/Polqt/synccore/internal/replicaid"

// Lamport is the (value, replica) stamp of spec.md §3. It is an
// operation's immutable identity and total-order sort key: ordered
// lexicographically on (Value, Replica).
type Lamport struct {
	Value   uint64
	Replica replicaid.ID
}

// Less implements the Λ total order: value first, replica id breaks
// ties. Total because two distinct replicas never share an id and a
// single replica's LamportClock never repeats a value.
func (l Lamport) Less(other Lamport) bool {
	if l.Value != other.Value {
		return l.Value < other.Value
	}
	return l.Replica.String() < other.Replica.String()
}

// Greater is the complement of Less.
func (l Lamport) Greater(other Lamport) bool {
	return other.Less(l)
}

// Equal reports whether the two stamps name the same operation.
func (l Lamport) Equal(other Lamport) bool {
	return l.Value == other.Value && l.Replica == other.Replica
}

// Zero reports whether l is the unset Lamport stamp.
func (l Lamport) Zero() bool {
	return l.Value == 0 && l.Replica == replicaid.ID{}
}

// LamportClock is a replica's Lamport tick/observe counter.
type LamportClock struct {
	replica replicaid.ID
	value   uint64
}

// NewLamportClock returns a clock seeded at value 0 for replica.
func NewLamportClock(replica replicaid.ID) *LamportClock {
	return &LamportClock{replica: replica}
}

// Tick returns the current stamp, then increments value.
func (c *LamportClock) Tick() Lamport {
	stamp := Lamport{Value: c.value, Replica: c.replica}
	c.value++
	return stamp
}

// Observe sets value := max(value, other.Value) + 1, per spec.md
// §4.1 Lamport::observe.
func (c *LamportClock) Observe(other Lamport) {
	if other.Value > c.value {
		c.value = other.Value
	}
	c.value++
}

// Peek returns the current stamp without advancing the clock.
func (c *LamportClock) Peek() Lamport {
	return Lamport{Value: c.value, Replica: c.replica}
}
