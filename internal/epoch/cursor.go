package epoch

import (
	"sort"

	"github.com/Polqt/synccore/internal/replicaid"
)

// Cursor is a read-only pre-order DFS iterator over an epoch's live
// tree, per spec.md §4.4. Invalidated by any subsequent mutation to
// the epoch (spec.md §5): callers must not hold a Cursor across a
// call to ApplyCreate/ApplyRename/ApplyRemove.
type Cursor struct {
	e      *Epoch
	stack  []frame
	cur    replicaid.ID
	curSet bool
}

type frame struct {
	siblings []replicaid.ID
	idx      int
	depth    int
}

// Cursor returns a new cursor positioned before the first entry.
func (e *Epoch) Cursor() *Cursor {
	return &Cursor{
		e:     e,
		stack: []frame{{siblings: e.sortedChildren(replicaid.Root), depth: 0}},
	}
}

// sortedChildren returns parent's live children only — e.children
// itself holds every raw child id regardless of removed status
// (rebuildView needs the full graph to compute cycle-breaking and
// reachability), so a removed directory's descendants must be
// filtered out here rather than relying on a pre-filtered source. This
// is what keeps Cursor a DFS "of the live tree" per spec.md §4.4:
// without this filter a removed subtree's ids still had their
// Entry().Visible annotated false but were never actually omitted
// from traversal.
func (e *Epoch) sortedChildren(parent replicaid.ID) []replicaid.ID {
	var kids []replicaid.ID
	for _, id := range e.children[parent] {
		if e.view[id].visible {
			kids = append(kids, id)
		}
	}
	sort.Slice(kids, func(i, j int) bool {
		vi, vj := e.view[kids[i]], e.view[kids[j]]
		if vi.displayName != vj.displayName {
			return vi.displayName < vj.displayName
		}
		return kids[i].String() < kids[j].String()
	})
	return kids
}

// Next advances to the next entry in pre-order and reports whether
// one exists.
func (c *Cursor) Next() bool {
	for len(c.stack) > 0 {
		top := &c.stack[len(c.stack)-1]
		if top.idx >= len(top.siblings) {
			c.stack = c.stack[:len(c.stack)-1]
			continue
		}
		id := top.siblings[top.idx]
		top.idx++
		c.cur = id
		c.curSet = true
		c.stack = append(c.stack, frame{siblings: c.e.sortedChildren(id), depth: top.depth + 1})
		return true
	}
	c.curSet = false
	return false
}

// NextSibling skips the current entry's subtree (if any was pushed by
// the last Next) and advances to its next sibling.
func (c *Cursor) NextSibling() bool {
	if !c.curSet {
		return c.Next()
	}
	if len(c.stack) > 0 {
		c.stack = c.stack[:len(c.stack)-1]
	}
	return c.Next()
}

// DescendInto repositions the cursor to iterate the named live child
// of the current entry, returning false if no such child exists.
func (c *Cursor) DescendInto(name string) bool {
	if !c.curSet {
		return false
	}
	for _, id := range c.e.sortedChildren(c.cur) {
		if c.e.view[id].displayName == name {
			c.cur = id
			depth := 1
			if len(c.stack) > 0 {
				depth = c.stack[len(c.stack)-1].depth + 1
			}
			c.stack = append(c.stack, frame{siblings: c.e.sortedChildren(id), depth: depth})
			return true
		}
	}
	return false
}

// Entry returns the DirEntry for the cursor's current position.
func (c *Cursor) Entry() DirEntry {
	v := c.e.view[c.cur]
	depth := 0
	if len(c.stack) > 0 {
		depth = c.stack[len(c.stack)-1].depth - 1
	}
	return DirEntry{
		FileID:  c.cur,
		Depth:   depth,
		Name:    v.displayName,
		Type:    v.f.typ,
		Status:  c.e.Status(c.cur),
		Visible: v.visible,
	}
}
