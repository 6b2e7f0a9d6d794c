package buffer

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Polqt/synccore/internal/clock"
	"github.com/Polqt/synccore/internal/replicaid"
)

func newTestBuffer(t *testing.T) (*Buffer, replicaid.ID, *clock.LamportClock, *clock.LocalClock) {
	t.Helper()
	r := replicaid.New()
	return New(r), r, clock.NewLamportClock(r), clock.NewLocalClock(r)
}

func insertText(t *testing.T, b *Buffer, replica replicaid.ID, lc *clock.LamportClock, local *clock.LocalClock, at Anchor, text string) *EditOp {
	t.Helper()
	op, _, err := b.Edit(replica, lc.Tick(), local.Tick().Seq, clock.FromSnapshot(nil), at, at, text)
	require.NoError(t, err)
	return op
}

func TestInsertAndReadBack(t *testing.T) {
	b, r, lc, local := newTestBuffer(t)
	insertText(t, b, r, lc, local, StartOfBuffer(), "hello")
	require.Equal(t, "hello", b.Text())
	require.Equal(t, 5, b.Len())

	end, err := b.AnchorAfterOffset(5)
	require.NoError(t, err)
	require.True(t, end.isEnd())
	insertText(t, b, r, lc, local, EndOfBuffer(), " world")
	require.Equal(t, "hello world", b.Text())
}

func TestDeleteRange(t *testing.T) {
	b, r, lc, local := newTestBuffer(t)
	insertText(t, b, r, lc, local, StartOfBuffer(), "hello world")

	start, err := b.AnchorAfterOffset(5) // right of 'o' at offset 4 -> resolves to 5, the space
	require.NoError(t, err)
	end, err := b.AnchorAfterOffset(11) // EndOfBuffer sentinel
	require.NoError(t, err)

	_, changed, err := b.Edit(r, lc.Tick(), local.Tick().Seq, clock.FromSnapshot(nil), start, end, "")
	require.NoError(t, err)
	require.Equal(t, "hello", b.Text())
	require.Len(t, changed, 1)
}

func TestIdempotentApply(t *testing.T) {
	b, r, lc, local := newTestBuffer(t)
	op := insertText(t, b, r, lc, local, StartOfBuffer(), "abc")
	require.Equal(t, "abc", b.Text())

	_, err := b.Apply(op)
	require.NoError(t, err)
	require.Equal(t, "abc", b.Text(), "re-applying the same stamp must be a no-op")
}

func TestAnchorStabilityAcrossNearbyInsert(t *testing.T) {
	b, r, lc, local := newTestBuffer(t)
	insertText(t, b, r, lc, local, StartOfBuffer(), "ace")

	// BiasLeft pins to the named character itself ('c'), so the anchor
	// follows 'c' wherever it moves. BiasRight would instead pin to the
	// preceding character ('a') and stay put when text is inserted
	// between them.
	mid, err := b.AnchorBeforeOffset(1) // anchored at 'c'
	require.NoError(t, err)

	insertText(t, b, r, lc, local, mid, "bd") // "a" + "bd" + "ce" => "abdce" (inserted before 'c')
	require.Equal(t, "abdce", b.Text())

	off, err := b.OffsetForAnchor(mid)
	require.NoError(t, err)
	require.Equal(t, 3, off, "anchor pinned to 'c' must still resolve to 'c' after nearby insertion")
}

// TestConvergenceConcurrentInsertSamePosition is spec.md §8 scenario
// S1: two replicas concurrently insert different text at the same
// position; applying both ops in either order must converge, and the
// tie is broken by descending Λ.
func TestConvergenceConcurrentInsertSamePosition(t *testing.T) {
	rA, rB := replicaid.New(), replicaid.New()
	lcA, lcB := clock.NewLamportClock(rA), clock.NewLamportClock(rB)
	localA, localB := clock.NewLocalClock(rA), clock.NewLocalClock(rB)

	base := New(rA)
	baseOp := mustEdit(t, base, rA, lcA.Tick(), localA.Tick().Seq, StartOfBuffer(), StartOfBuffer(), "ac")

	bufA, bufB := New(rA), New(rB)
	applyOrPanic(t, bufA, baseOp)
	applyOrPanic(t, bufB, baseOp)
	lcB.Observe(baseOp.Stamp)

	mid, err := bufA.AnchorAfterOffset(1)
	require.NoError(t, err)
	midB, err := bufB.AnchorAfterOffset(1)
	require.NoError(t, err)

	opX := mustEdit(t, bufA, rA, lcA.Tick(), localA.Tick().Seq, mid, mid, "X")
	opY := mustEdit(t, bufB, rB, lcB.Tick(), localB.Tick().Seq, midB, midB, "Y")

	// Deliver X then Y to bufB, and Y then X to bufA: order reversed
	// between replicas.
	applyOrPanic(t, bufB, opX)
	applyOrPanic(t, bufA, opY)

	require.Equal(t, bufA.Text(), bufB.Text(), "replicas must converge regardless of delivery order")
}

// TestConvergenceConcurrentDeleteVsInsert is spec.md §8 scenario S2: one
// replica deletes a range while another concurrently inserts inside
// that same range (based on state predating the delete). Convergence
// must keep the concurrently-inserted text, in either delivery order.
func TestConvergenceConcurrentDeleteVsInsert(t *testing.T) {
	rA, rB := replicaid.New(), replicaid.New()
	lcA, lcB := clock.NewLamportClock(rA), clock.NewLamportClock(rB)
	localA, localB := clock.NewLocalClock(rA), clock.NewLocalClock(rB)

	base := New(rA)
	baseOp := mustEdit(t, base, rA, lcA.Tick(), localA.Tick().Seq, StartOfBuffer(), StartOfBuffer(), "abcdef")

	bufA, bufB := New(rA), New(rB)
	applyOrPanic(t, bufA, baseOp)
	applyOrPanic(t, bufB, baseOp)
	lcB.Observe(baseOp.Stamp)

	// Replica A deletes "bcde" (offsets 1..5).
	delStart, err := bufA.AnchorAfterOffset(1)
	require.NoError(t, err)
	delEnd, err := bufA.AnchorAfterOffset(5)
	require.NoError(t, err)
	delOp := mustEdit(t, bufA, rA, lcA.Tick(), localA.Tick().Seq, delStart, delEnd, "")
	require.Equal(t, "af", bufA.Text())

	// Replica B concurrently inserts "XY" in the middle of "bcde", at
	// offset 3 ("abc|de" -> "abcXYde"), unaware of the delete.
	insAt, err := bufB.AnchorAfterOffset(3)
	require.NoError(t, err)
	insOp := mustEdit(t, bufB, rB, lcB.Tick(), localB.Tick().Seq, insAt, insAt, "XY")
	require.Equal(t, "abcXYdef", bufB.Text())

	// Deliver delOp to B and insOp to A.
	applyOrPanic(t, bufB, delOp)
	applyOrPanic(t, bufA, insOp)

	require.Equal(t, bufA.Text(), bufB.Text(), "replicas must converge")
	require.Contains(t, bufA.Text(), "XY", "concurrently-inserted text inside a deleted range must survive")
}

// TestChangesSince covers spec.md §4's changes_since query: an
// insertion made after the reference version is reported with its
// text, an insertion made before it is not, and a deletion of
// already-observed text is reported with an empty NewText.
func TestChangesSince(t *testing.T) {
	b, r, lc, local := newTestBuffer(t)
	baseOp := insertText(t, b, r, lc, local, StartOfBuffer(), "abc")

	since := clock.NewGlobal()
	since.Observe(clock.Local{Replica: baseOp.Stamp.Replica, Seq: baseOp.LocalSeq})

	require.Empty(t, b.ChangesSince(since), "nothing changed since a version that already observed the only edit")

	end, err := b.AnchorAfterOffset(3)
	require.NoError(t, err)
	insertText(t, b, r, lc, local, end, "def")

	changes := b.ChangesSince(since)
	require.Len(t, changes, 1)
	require.Equal(t, "def", changes[0].NewText)

	midStart, err := b.AnchorAfterOffset(1)
	require.NoError(t, err)
	midEnd, err := b.AnchorAfterOffset(2)
	require.NoError(t, err)
	_, _, err = b.Edit(r, lc.Tick(), local.Tick().Seq, clock.FromSnapshot(nil), midStart, midEnd, "")
	require.NoError(t, err)

	changes = b.ChangesSince(since)
	require.Len(t, changes, 2, "both the surviving insert and the new deletion must be reported")
	sawDeletion := false
	for _, c := range changes {
		if c.NewText == "" {
			sawDeletion = true
		}
	}
	require.True(t, sawDeletion)
}

func mustEdit(t *testing.T, b *Buffer, replica replicaid.ID, stamp clock.Lamport, localSeq uint64, start, end Anchor, text string) *EditOp {
	t.Helper()
	op, _, err := b.Edit(replica, stamp, localSeq, clock.FromSnapshot(nil), start, end, text)
	require.NoError(t, err)
	return op
}

func applyOrPanic(t *testing.T, b *Buffer, op *EditOp) {
	t.Helper()
	_, err := b.Apply(op)
	require.NoError(t, err)
}
