package clock

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Polqt/synccore/internal/replicaid"
)

func TestLamportTotalOrder(t *testing.T) {
	a, b := replicaid.New(), replicaid.New()
	ca, cb := NewLamportClock(a), NewLamportClock(b)

	s1 := ca.Tick()
	s2 := cb.Tick()

	require.True(t, s1.Less(s2) || s2.Less(s1), "no ties in a total order")
	require.False(t, s1.Less(s1), "irreflexive")
}

func TestLamportObserve(t *testing.T) {
	a, b := replicaid.New(), replicaid.New()
	ca, cb := NewLamportClock(a), NewLamportClock(b)

	cb.Tick()
	cb.Tick()
	remote := cb.Tick() // value 2

	ca.Observe(remote)
	next := ca.Tick()
	require.Greater(t, next.Value, remote.Value)
}

func TestGlobalObserveAndCompare(t *testing.T) {
	a, b := replicaid.New(), replicaid.New()

	g1 := NewGlobal()
	g1.Observe(Local{Replica: a, Seq: 3})

	g2 := NewGlobal()
	g2.Observe(Local{Replica: a, Seq: 5})

	require.Equal(t, Less, g1.Compare(g2))
	require.Equal(t, Greater, g2.Compare(g1))

	g1.Observe(Local{Replica: b, Seq: 10})
	require.Equal(t, Incomparable, g1.Compare(g2))
}

func TestGlobalCloneIsCopyOnWrite(t *testing.T) {
	a := replicaid.New()
	g := NewGlobal()
	g.Observe(Local{Replica: a, Seq: 1})

	snapshot := g.Clone()
	g.Observe(Local{Replica: a, Seq: 2})

	require.Equal(t, uint64(1), snapshot.Get(a), "clone must not see later mutations")
	require.Equal(t, uint64(2), g.Get(a))
}

func TestGlobalLessOrEqual(t *testing.T) {
	a, b := replicaid.New(), replicaid.New()
	dep := NewGlobal()
	dep.Observe(Local{Replica: a, Seq: 2})

	current := NewGlobal()
	current.Observe(Local{Replica: a, Seq: 2})
	current.Observe(Local{Replica: b, Seq: 7})

	require.True(t, dep.LessOrEqual(current))
	require.False(t, current.LessOrEqual(dep))
}

func TestReplicaIDBinaryRoundTrip(t *testing.T) {
	id := replicaid.New()
	b, err := id.MarshalBinary()
	require.NoError(t, err)
	require.Len(t, b, 16)

	var out replicaid.ID
	require.NoError(t, out.UnmarshalBinary(b))
	require.Equal(t, id, out)
}
