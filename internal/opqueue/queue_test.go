package opqueue

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Polqt/synccore/internal/clock"
	"github.com/Polqt/synccore/internal/replicaid"
)

// TestDeferredOp is spec.md §8 scenario S5: peer C receives O2 (which
// depends on O1) before O1. C's state must not reflect O2 until O1
// arrives, and once both have arrived the release order matches
// whatever peer applied them causally.
func TestDeferredOp(t *testing.T) {
	q := New()
	epoch := replicaid.New()
	replica := replicaid.New()

	depOnO1 := clock.NewGlobal()
	depOnO1.Observe(clock.Local{Replica: replica, Seq: 1})

	o2 := Item{EpochID: epoch, Stamp: clock.Lamport{Value: 1, Replica: replica}, Dependencies: depOnO1, Payload: "O2"}
	o1 := Item{EpochID: epoch, Stamp: clock.Lamport{Value: 0, Replica: replica}, LocalSeq: 1, Dependencies: clock.NewGlobal(), Payload: "O1"}

	require.True(t, q.Enqueue(o2))

	current := clock.NewGlobal()
	require.Empty(t, q.Release(current), "O2 must stay buffered until O1 is observed")

	require.True(t, q.Enqueue(o1))
	released := q.Release(current)
	require.Len(t, released, 2)
	require.Equal(t, "O1", released[0].Payload, "O1 must release before O2 despite arriving second")
	require.Equal(t, "O2", released[1].Payload)
}

func TestDuplicateDropped(t *testing.T) {
	q := New()
	epoch := replicaid.New()
	replica := replicaid.New()
	item := Item{EpochID: epoch, Stamp: clock.Lamport{Value: 0, Replica: replica}, Dependencies: clock.NewGlobal()}

	require.True(t, q.Enqueue(item))
	require.False(t, q.Enqueue(item), "re-delivering the same Λ must be recognized and dropped")

	released := q.Release(clock.NewGlobal())
	require.Len(t, released, 1)

	require.False(t, q.Enqueue(item), "re-delivery after release must also be dropped")
}

func TestAbandonedEpochDiscarded(t *testing.T) {
	q := New()
	epoch := replicaid.New()
	replica := replicaid.New()
	item := Item{EpochID: epoch, Stamp: clock.Lamport{Value: 0, Replica: replica}, Dependencies: clock.NewGlobal()}

	require.True(t, q.Enqueue(item))
	q.Abandon(epoch)

	require.False(t, q.Enqueue(item), "ops for an abandoned epoch must be discarded")
	require.Empty(t, q.Release(clock.NewGlobal()))
}

func TestReleaseOrderAscendingLamport(t *testing.T) {
	q := New()
	epoch := replicaid.New()
	r1, r2 := replicaid.New(), replicaid.New()

	for _, stamp := range []clock.Lamport{
		{Value: 2, Replica: r1},
		{Value: 0, Replica: r2},
		{Value: 1, Replica: r1},
	} {
		require.True(t, q.Enqueue(Item{EpochID: epoch, Stamp: stamp, Dependencies: clock.NewGlobal()}))
	}

	released := q.Release(clock.NewGlobal())
	require.Len(t, released, 3)
	for i := 1; i < len(released); i++ {
		require.True(t, released[i-1].Stamp.Less(released[i].Stamp))
	}
}

// TestReleaseCascadeUsesLocalSeqNotLamportValue guards against
// treating a released item's Lamport Stamp.Value as its contribution
// to the working vector clock. A replica's Lamport clock jumps ahead
// of its true local sequence count the moment it observes a higher
// remote value, so an op with a small true LocalSeq can still carry a
// large Stamp.Value. A dependent item naming that replica's next true
// LocalSeq must stay buffered until an item actually carrying that
// LocalSeq is released — it must not be satisfied merely because some
// earlier-released item's Lamport value happened to be large.
func TestReleaseCascadeUsesLocalSeqNotLamportValue(t *testing.T) {
	q := New()
	epoch := replicaid.New()
	replica := replicaid.New()

	// replica's first true local op (LocalSeq 1), stamped with a
	// Lamport value of 101 because replica had already observed some
	// other peer's high Lamport timestamp before producing it.
	jumped := Item{
		EpochID: epoch, Stamp: clock.Lamport{Value: 101, Replica: replica},
		LocalSeq: 1, Dependencies: clock.NewGlobal(), Payload: "jumped",
	}

	// A second op requires replica's true LocalSeq 2, which jumped
	// never provides.
	needsSeq2 := clock.NewGlobal()
	needsSeq2.Observe(clock.Local{Replica: replica, Seq: 2})
	blocked := Item{
		EpochID: epoch, Stamp: clock.Lamport{Value: 102, Replica: replicaid.New()},
		Dependencies: needsSeq2, Payload: "blocked",
	}

	require.True(t, q.Enqueue(jumped))
	require.True(t, q.Enqueue(blocked))

	released := q.Release(clock.NewGlobal())
	require.Len(t, released, 1, "blocked must stay buffered: jumped's LocalSeq is only 1, not the 2 blocked depends on")
	require.Equal(t, "jumped", released[0].Payload)

	require.Equal(t, 1, q.Len(), "blocked must remain queued")
}

func TestPendingAndDrop(t *testing.T) {
	q := New()
	epoch := replicaid.New()
	replica := replicaid.New()

	dep := clock.NewGlobal()
	dep.Observe(clock.Local{Replica: replica, Seq: 5})
	item := Item{EpochID: epoch, Stamp: clock.Lamport{Value: 0, Replica: replica}, Dependencies: dep}
	require.True(t, q.Enqueue(item))

	pending := q.Pending(epoch)
	require.Len(t, pending, 1)
	require.Equal(t, 1, q.Len())

	require.True(t, q.Drop(epoch, item.Stamp))
	require.Equal(t, 0, q.Len())
	require.False(t, q.Drop(epoch, item.Stamp))
}
