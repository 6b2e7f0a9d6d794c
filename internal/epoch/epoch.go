package epoch

import (
	"fmt"
	"sort"
	"strings"

	"github.com/Polqt/synccore/internal/clock"
	"github.com/Polqt/synccore/internal/replicaid"
	"github.com/Polqt/synccore/internal/sortedmap"
)

func fileOps() sortedmap.Ops[replicaid.ID, *file, int] {
	return sortedmap.Ops[replicaid.ID, *file, int]{
		Less:      func(a, b replicaid.ID) bool { return a.String() < b.String() },
		Summarize: func(_ replicaid.ID, _ *file) int { return 1 },
		Combine:   func(a, b int) int { return a + b },
		Zero:      0,
	}
}

// viewEntry is one file's derived (collision- and cycle-resolved)
// placement in the live tree, rebuilt whenever the raw state changes.
type viewEntry struct {
	f           *file
	effParent   replicaid.ID
	displayName string
	visible     bool
}

// Epoch is one replica's view of a file tree rooted at a fixed base
// commit (spec.md §4.4). Multiple epochs may coexist across a reset;
// each carries its own id so operations naming a stale epoch can be
// dropped by callers (internal/worktree).
type Epoch struct {
	id         replicaid.ID
	baseCommit string

	files   *sortedmap.Map[replicaid.ID, *file, int]
	applied map[clock.Lamport]struct{}
	seeded  bool

	view     map[replicaid.ID]*viewEntry
	children map[replicaid.ID][]replicaid.ID // effParent -> child ids, unsorted
}

// New returns an empty epoch rooted at baseCommit, identified by id.
func New(id replicaid.ID, baseCommit string) *Epoch {
	e := &Epoch{
		id:         id,
		baseCommit: baseCommit,
		files:      sortedmap.New(fileOps()),
		applied:    make(map[clock.Lamport]struct{}),
	}
	e.rebuildView()
	return e
}

// ID returns this epoch's id.
func (e *Epoch) ID() replicaid.ID { return e.id }

// BaseCommit returns the commit id this epoch is rooted at.
func (e *Epoch) BaseCommit() string { return e.baseCommit }

// SeedBase registers the base commit's tree entries without Λ
// stamps, so status computation has a baseline to compare against.
// Called once by the work tree after the git provider resolves
// base_entries; paths are created in parent-before-child order.
func (e *Epoch) SeedBase(entries []BaseEntry, idOf func(path string) replicaid.ID) {
	e.seeded = true
	zero := clock.Lamport{}
	byPath := make(map[string]replicaid.ID, len(entries))
	for _, be := range entries {
		byPath[be.Path] = idOf(be.Path)
	}
	for _, be := range entries {
		id := byPath[be.Path]
		parent := replicaid.Root
		if dir, _ := splitPath(be.Path); dir != "" {
			if pid, ok := byPath[dir]; ok {
				parent = pid
			}
		}
		entryCopy := be
		f := &file{
			id:        id,
			typ:       be.Type,
			parent:    parent,
			name:      baseName(be.Path),
			nameSeq:   zero,
			createSeq: zero,
			baseEntry: &entryCopy,
		}
		e.files = e.files.Insert(id, f)
	}
	e.rebuildView()
}

func splitPath(p string) (dir, name string) {
	for i := len(p) - 1; i >= 0; i-- {
		if p[i] == '/' {
			return p[:i], p[i+1:]
		}
	}
	return "", p
}

func baseName(p string) string {
	_, name := splitPath(p)
	return name
}

// ErrUnknownFile is returned when an op names a file id the epoch has
// never recorded.
type ErrUnknownFile struct{ FileID replicaid.ID }

func (e ErrUnknownFile) Error() string {
	return fmt.Sprintf("epoch: unknown file id %s", e.FileID)
}

func (e *Epoch) alreadyApplied(stamp clock.Lamport) bool {
	_, ok := e.applied[stamp]
	return ok
}

// ApplyCreate applies a CreateOp. Idempotent on Stamp.
func (e *Epoch) ApplyCreate(op CreateOp) error {
	if e.alreadyApplied(op.Stamp) {
		return nil
	}
	f := &file{
		id:        op.NewID,
		typ:       op.Type,
		parent:    op.Parent.ParentID,
		name:      op.Name,
		nameSeq:   op.Stamp,
		createSeq: op.Stamp,
	}
	e.files = e.files.Insert(op.NewID, f)
	e.applied[op.Stamp] = struct{}{}
	e.rebuildView()
	return nil
}

// ApplyRename applies a RenameOp, keeping whichever of this file's
// create/rename ops carries the largest Λ (last-writer-wins per
// spec.md §4.4). A rename whose Λ loses the comparison is still
// marked applied (for idempotence) but otherwise has no effect.
func (e *Epoch) ApplyRename(op RenameOp) error {
	if e.alreadyApplied(op.Stamp) {
		return nil
	}
	f, ok := e.files.Get(op.FileID)
	if !ok {
		return ErrUnknownFile{op.FileID}
	}
	if f.nameSeq.Less(op.Stamp) {
		nf := *f
		nf.parent = op.NewParent.ParentID
		nf.name = op.NewName
		nf.nameSeq = op.Stamp
		e.files = e.files.Insert(op.FileID, &nf)
	}
	e.applied[op.Stamp] = struct{}{}
	e.rebuildView()
	return nil
}

// ApplyRemove applies a RemoveOp, tombstoning FileID. Removal is a
// one-way latch: once true, a file never becomes un-removed, though
// its descendants may regain visibility if later reparented elsewhere
// (spec.md §4.4, "remove + edit concurrency").
func (e *Epoch) ApplyRemove(op RemoveOp) error {
	if e.alreadyApplied(op.Stamp) {
		return nil
	}
	f, ok := e.files.Get(op.FileID)
	if !ok {
		return ErrUnknownFile{op.FileID}
	}
	if !f.removed || op.Stamp.Less(f.removeSeq) {
		nf := *f
		nf.removed = true
		nf.removeSeq = op.Stamp
		e.files = e.files.Insert(op.FileID, &nf)
	}
	e.applied[op.Stamp] = struct{}{}
	e.rebuildView()
	return nil
}

// MarkModified records that FileID's content changed at stamp, for
// status computation. Called by internal/worktree after an edit
// lands in the buffer attached to this file.
func (e *Epoch) MarkModified(fileID replicaid.ID, stamp clock.Lamport) {
	f, ok := e.files.Get(fileID)
	if !ok {
		return
	}
	if f.contentSeq.Less(stamp) {
		nf := *f
		nf.contentSeq = stamp
		e.files = e.files.Insert(fileID, &nf)
	}
}

// Exists reports whether fileID names a live (non-removed) file.
func (e *Epoch) Exists(fileID replicaid.ID) bool {
	v, ok := e.view[fileID]
	return ok && !v.f.removed
}

// Path resolves fileID's current live path from root, using each
// ancestor's display name (post collision-resolution).
func (e *Epoch) Path(fileID replicaid.ID) (string, error) {
	v, ok := e.view[fileID]
	if !ok {
		return "", ErrUnknownFile{fileID}
	}
	parts := []string{v.displayName}
	cur := v.effParent
	for cur != replicaid.Root {
		pv, ok := e.view[cur]
		if !ok {
			break
		}
		parts = append([]string{pv.displayName}, parts...)
		cur = pv.effParent
	}
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += "/"
		}
		out += p
	}
	return out, nil
}

// Status computes fileID's status relative to the epoch's base.
func (e *Epoch) Status(fileID replicaid.ID) Status {
	v, ok := e.view[fileID]
	if !ok {
		return Removed
	}
	f := v.f
	if f.removed {
		return Removed
	}
	if f.baseEntry == nil {
		return New
	}
	if f.baseEntry.Path != pathIgnoringErr(e, fileID) {
		return Renamed
	}
	if !f.contentSeq.Zero() {
		return Modified
	}
	return Unchanged
}

func pathIgnoringErr(e *Epoch, id replicaid.ID) string {
	p, err := e.Path(id)
	if err != nil {
		return ""
	}
	return p
}

// ErrPathNotFound is returned by Lookup when no live file resolves path.
type ErrPathNotFound struct{ Path string }

func (e ErrPathNotFound) Error() string {
	return fmt.Sprintf("epoch: no live file at path %q", e.Path)
}

// Lookup resolves path to a live file id, walking the collision- and
// cycle-resolved view directly (unlike Cursor, which is a DFS
// iterator rather than a path resolver). Used by internal/worktree's
// open_text_file.
func (e *Epoch) Lookup(path string) (replicaid.ID, error) {
	if path == "" {
		return replicaid.Root, nil
	}
	cur := replicaid.Root
	for _, seg := range strings.Split(path, "/") {
		found := false
		for _, id := range e.children[cur] {
			v := e.view[id]
			if v.displayName == seg && v.visible {
				cur = id
				found = true
				break
			}
		}
		if !found {
			return replicaid.ID{}, ErrPathNotFound{Path: path}
		}
	}
	return cur, nil
}

// TypeOf returns fileID's file type.
func (e *Epoch) TypeOf(fileID replicaid.ID) (FileType, bool) {
	f, ok := e.files.Get(fileID)
	if !ok {
		return 0, false
	}
	return f.typ, true
}

// BaseOID returns the git blob id fileID corresponds to at this
// epoch's base commit, if it is a base entry.
func (e *Epoch) BaseOID(fileID replicaid.ID) (oid string, ok bool) {
	f, exists := e.files.Get(fileID)
	if !exists || f.baseEntry == nil {
		return "", false
	}
	return f.baseEntry.OID, true
}

// IsSeeded reports whether this epoch has ever had base entries
// registered via SeedBase.
func (e *Epoch) IsSeeded() bool {
	return e.seeded
}

// rebuildView recomputes collision-resolved display names, rename-
// cycle fixups, and reachability from the raw LWW file records. This
// runs after every mutation; it is a pure function of the current
// file set, so it produces identical output on every replica
// regardless of the order operations were applied in (spec.md §8
// property 1).
func (e *Epoch) rebuildView() {
	raw := make(map[replicaid.ID]*file)
	e.files.Each(func(id replicaid.ID, f *file) bool {
		raw[id] = f
		return true
	})

	effParent := make(map[replicaid.ID]replicaid.ID, len(raw))
	for id, f := range raw {
		effParent[id] = f.parent
	}
	breakRenameCycles(raw, effParent)

	childrenOf := make(map[replicaid.ID][]replicaid.ID)
	for id := range raw {
		p := effParent[id]
		childrenOf[p] = append(childrenOf[p], id)
	}

	displayName := make(map[replicaid.ID]string, len(raw))
	for _, kids := range childrenOf {
		byName := make(map[string][]replicaid.ID)
		for _, id := range kids {
			byName[raw[id].name] = append(byName[raw[id].name], id)
		}
		for name, ids := range byName {
			if len(ids) == 1 {
				displayName[ids[0]] = name
				continue
			}
			sort.Slice(ids, func(i, j int) bool {
				return raw[ids[i]].nameSeq.Less(raw[ids[j]].nameSeq)
			})
			displayName[ids[0]] = name
			for _, id := range ids[1:] {
				seq := raw[id].nameSeq
				displayName[id] = fmt.Sprintf("%s~%s~%d", name, seq.Replica.Short(), seq.Value)
			}
		}
	}

	visible := make(map[replicaid.ID]bool, len(raw))
	var walk func(parent replicaid.ID)
	walk = func(parent replicaid.ID) {
		for _, id := range childrenOf[parent] {
			if raw[id].removed {
				continue
			}
			visible[id] = true
			walk(id)
		}
	}
	walk(replicaid.Root)

	view := make(map[replicaid.ID]*viewEntry, len(raw))
	for id, f := range raw {
		view[id] = &viewEntry{
			f:           f,
			effParent:   effParent[id],
			displayName: displayName[id],
			visible:     visible[id],
		}
	}
	e.view = view
	e.children = childrenOf
}

// breakRenameCycles detects cycles in the raw parent graph restricted
// to directories and reparents the cycle member with the smallest Λ
// to root (spec.md §4.4's rename-cycle rule), repeating until the
// graph is acyclic. Bounded by len(raw) iterations: each iteration
// removes at least one edge from a real cycle.
func breakRenameCycles(raw map[replicaid.ID]*file, effParent map[replicaid.ID]replicaid.ID) {
	for iter := 0; iter < len(raw); iter++ {
		cycle := findCycle(raw, effParent)
		if cycle == nil {
			return
		}
		var loser replicaid.ID
		for i, id := range cycle {
			if i == 0 || raw[id].nameSeq.Less(raw[loser].nameSeq) {
				loser = id
			}
		}
		effParent[loser] = replicaid.Root
	}
}

func findCycle(raw map[replicaid.ID]*file, effParent map[replicaid.ID]replicaid.ID) []replicaid.ID {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[replicaid.ID]int, len(raw))
	ids := make([]replicaid.ID, 0, len(raw))
	for id := range raw {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })

	for _, start := range ids {
		if raw[start].typ != Dir || color[start] != white {
			continue
		}
		var path []replicaid.ID
		cur := start
		for {
			if color[cur] == black {
				break
			}
			if color[cur] == gray {
				for i, id := range path {
					if id == cur {
						return append([]replicaid.ID{}, path[i:]...)
					}
				}
				break
			}
			color[cur] = gray
			path = append(path, cur)
			next, ok := raw[cur]
			if !ok || next.typ != Dir {
				break
			}
			parent := effParent[cur]
			if parent == replicaid.Root {
				break
			}
			if _, ok := raw[parent]; !ok {
				break
			}
			cur = parent
		}
		for _, id := range path {
			color[id] = black
		}
	}
	return nil
}
