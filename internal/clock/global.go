package clock

import "github.com/Polqt/synccore/internal/replicaid"

// Order is the result of comparing two vector clocks under the
// partial order of spec.md §3.
type Order int

const (
	Equal Order = iota
	Less
	Greater
	Incomparable
)

// Global is the vector clock of spec.md §3/§4.1: a mapping from
// replica id to the highest seq observed from that replica. Missing
// keys read as 0.
//
// Global uses copy-on-write sharing: Clone is O(1) (it shares the
// backing map) and the first mutation after a Clone forces a private
// copy. This makes attaching a Global snapshot to every outbound
// operation near-free, per spec.md §4.1 and the "Shared-ownership
// vector clocks" design note in spec.md §9.
type Global struct {
	coords map[replicaid.ID]uint64
	shared bool // true once this Global may be aliased by a Clone
}

// NewGlobal returns an empty vector clock.
func NewGlobal() *Global {
	return &Global{coords: make(map[replicaid.ID]uint64)}
}

// Clone returns a cheap, copy-on-write handle sharing g's backing map.
func (g *Global) Clone() *Global {
	g.shared = true
	return &Global{coords: g.coords, shared: true}
}

// ensurePrivate forces a private copy of the backing map before any
// mutation, so a prior Clone (which may be embedded as another
// operation's dependency set) is never retroactively changed.
func (g *Global) ensurePrivate() {
	if !g.shared {
		return
	}
	cp := make(map[replicaid.ID]uint64, len(g.coords))
	for k, v := range g.coords {
		cp[k] = v
	}
	g.coords = cp
	g.shared = false
}

// Get returns the high-water seq for replica, 0 if never observed.
func (g *Global) Get(replica replicaid.ID) uint64 {
	return g.coords[replica]
}

// Observe sets coords[stamp.Replica] := max(coords[stamp.Replica], stamp.Seq).
func (g *Global) Observe(stamp Local) {
	if stamp.Seq <= g.coords[stamp.Replica] {
		return
	}
	g.ensurePrivate()
	g.coords[stamp.Replica] = stamp.Seq
}

// ObserveAll merges other into g coordinate-wise, each taking the max.
func (g *Global) ObserveAll(other *Global) {
	for replica, seq := range other.coords {
		if seq > g.coords[replica] {
			g.ensurePrivate()
			g.coords[replica] = seq
		}
	}
}

// Observed reports whether stamp has already been incorporated.
func (g *Global) Observed(stamp Local) bool {
	return g.coords[stamp.Replica] >= stamp.Seq
}

// ChangedSince reports whether g has observed anything other has not.
func (g *Global) ChangedSince(other *Global) bool {
	for replica, seq := range g.coords {
		if seq > other.coords[replica] {
			return true
		}
	}
	return false
}

// Compare returns the partial-order relationship of g to other, per
// spec.md §3: Equal, Less, Greater, or Incomparable if coordinates
// disagree in direction.
func (g *Global) Compare(other *Global) Order {
	sawLess, sawGreater := false, false
	seen := make(map[replicaid.ID]struct{}, len(g.coords)+len(other.coords))
	for r := range g.coords {
		seen[r] = struct{}{}
	}
	for r := range other.coords {
		seen[r] = struct{}{}
	}
	for r := range seen {
		a, b := g.coords[r], other.coords[r]
		switch {
		case a < b:
			sawLess = true
		case a > b:
			sawGreater = true
		}
		if sawLess && sawGreater {
			return Incomparable
		}
	}
	switch {
	case sawLess:
		return Less
	case sawGreater:
		return Greater
	default:
		return Equal
	}
}

// LessOrEqual reports whether every coordinate of g is <= the
// corresponding coordinate of other — the dependency-satisfied test
// used by the operation queue (spec.md §4.5: "dependencies <= current
// clock").
func (g *Global) LessOrEqual(other *Global) bool {
	for r, seq := range g.coords {
		if seq > other.coords[r] {
			return false
		}
	}
	return true
}

// Snapshot returns a read-only copy of the coordinates, for encoding.
func (g *Global) Snapshot() map[replicaid.ID]uint64 {
	out := make(map[replicaid.ID]uint64, len(g.coords))
	for k, v := range g.coords {
		out[k] = v
	}
	return out
}

// FromSnapshot rebuilds a Global from a decoded coordinate map.
func FromSnapshot(coords map[replicaid.ID]uint64) *Global {
	g := NewGlobal()
	for k, v := range coords {
		g.coords[k] = v
	}
	return g
}
