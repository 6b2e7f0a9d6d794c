// Package epoch implements the file-system epoch CRDT of spec.md
// §4.4: a replicated directory tree rooted at a fixed base commit,
// with deterministic conflict resolution for concurrent renames,
// name collisions, and rename cycles.
//
// Built the same way internal/buffer is built — sortedmap-backed
// records keyed and ordered deterministically, Λ-stamped ops,
// LWW-per-field conflict resolution — generalized from a dense text
// sequence to a parent/name tree. Grounded on the teacher's
// crdt.LWWRegister for the timestamp-wins idea; no file-tree CRDT
// exists in the teacher or the rest of the pack.
package epoch

import (
	"github.com/Polqt/synccore/internal/clock"
	"github.com/Polqt/synccore/internal/replicaid"
)

// FileType distinguishes directories from regular files.
type FileType int

const (
	Dir FileType = iota
	RegularFile
)

// Status is a file's state relative to the epoch's base commit.
type Status int

const (
	Unchanged Status = iota
	New
	Modified
	Removed
	Renamed
)

func (s Status) String() string {
	switch s {
	case New:
		return "New"
	case Modified:
		return "Modified"
	case Removed:
		return "Removed"
	case Renamed:
		return "Renamed"
	default:
		return "Unchanged"
	}
}

// ParentRef names a parent by its stable file id, plus the Λ of the
// create/rename that the caller observed as having assigned the
// parent's current name — carried for diagnostic/debugging purposes
// only; resolution always follows ParentID, since a file's identity
// (unlike its name) never changes under a concurrent rename of the
// parent (spec.md §4.4).
type ParentRef struct {
	ParentID replicaid.ID
	NameRef  clock.Lamport
}

// CreateOp introduces a new file or directory as a child of Parent.
type CreateOp struct {
	Replica replicaid.ID
	Stamp   clock.Lamport
	Parent  ParentRef
	Name    string
	NewID   replicaid.ID
	Type    FileType
	Version *clock.Global
}

// RenameOp moves FileID to a new parent/name.
type RenameOp struct {
	Replica   replicaid.ID
	Stamp     clock.Lamport
	FileID    replicaid.ID
	NewParent ParentRef
	NewName   string
	Version   *clock.Global
}

// RemoveOp tombstones FileID.
type RemoveOp struct {
	Replica replicaid.ID
	Stamp   clock.Lamport
	FileID  replicaid.ID
	Version *clock.Global
}

// BaseEntry is one file the epoch's base commit already contained,
// per spec.md §6's git-provider contract (base_entries).
type BaseEntry struct {
	Path string
	Type FileType
	OID  string
}

// file is one record in the epoch's raw, LWW-resolved state. Every
// field that participates in last-writer-wins conflict resolution is
// paired with the Λ of the op that last won it; collision/cycle
// resolution is never applied here — it is derived fresh in
// rebuildView from these raw fields, so it stays a pure function of
// the current op set regardless of application order.
type file struct {
	id      replicaid.ID
	typ     FileType
	parent  replicaid.ID // replicaid.Root for a top-level entry
	name    string
	nameSeq clock.Lamport // Λ of the winning create/rename

	removed     bool
	removeSeq   clock.Lamport
	createSeq   clock.Lamport
	contentSeq  clock.Lamport // bumped by MarkModified, compared against base
	baseEntry   *BaseEntry    // non-nil if this id corresponds 1:1 to a base path
}

// DirEntry is one row yielded by Cursor's pre-order walk.
type DirEntry struct {
	FileID  replicaid.ID
	Depth   int
	Name    string
	Type    FileType
	Status  Status
	Visible bool
}
