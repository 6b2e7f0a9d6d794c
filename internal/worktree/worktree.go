// Package worktree implements the work tree coordinator of spec.md
// §4.6: the component that owns a set of epochs, assigns buffer
// handles to opened files, applies local edits, ingests remote
// operations through the dependency-gated queue, and emits envelopes
// for the transport.
//
// Grounded on the teacher's session.Hub/session.Document (a registry
// of live documents feeding a dispatch loop), generalized from "one
// RGA per doc" to "a set of epochs, buffer handles, and selection
// sets per replica."
package worktree

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/Polqt/synccore/internal/buffer"
	"github.com/Polqt/synccore/internal/clock"
	"github.com/Polqt/synccore/internal/epoch"
	"github.com/Polqt/synccore/internal/gitprovider"
	"github.com/Polqt/synccore/internal/opqueue"
	"github.com/Polqt/synccore/internal/replicaid"
)

// Observer is the change-observer boundary of spec.md §6:
// text_changed(buffer_id, changes). Notifications for every op
// applied within a single ApplyOps call are coalesced per buffer and
// delivered after the whole envelope set is applied (spec.md §5).
type Observer interface {
	TextChanged(bufferID replicaid.ID, changes []buffer.ChangedRange)
}

// Metrics is the narrow counter/gauge surface worktree and opqueue
// drive; internal/metrics supplies the prometheus-backed
// implementation. A nil Metrics is valid and every call below is a
// no-op against it.
type Metrics interface {
	OpApplied(kind string)
	QueueDepth(n int)
	FragmentCount(bufferID string, n int)
}

type bufferHandle struct {
	epochID replicaid.ID
	fileID  replicaid.ID
	buf     *buffer.Buffer
	loaded  bool
}

// WorkTree is one replica's coordinator instance. Per spec.md §5, it
// keeps no internal lock: all mutating entry points are mutually
// exclusive by contract, and the caller must serialize access.
type WorkTree struct {
	replica replicaid.ID

	localClock   *clock.LocalClock
	lamportClock *clock.LamportClock
	vclock       *clock.Global

	git      gitprovider.Provider
	observer Observer
	metrics  Metrics
	logger   zerolog.Logger

	headEpoch replicaid.ID
	epochs    map[replicaid.ID]*epoch.Epoch

	buffers map[replicaid.ID]*bufferHandle // fileID -> handle; buffer_id == file_id
	queue   *opqueue.Queue

	loadGroup singleflight.Group
}

// New initializes a work tree rooted at baseCommit. The returned op
// slice is always empty: New emits no ops that reconstruct the base
// tree, since every replica derives the same base file ids itself
// (replicaid.DeriveBase in ensureSeeded).
// Per spec.md §4.6 the base entries are loaded lazily: New only
// allocates the empty epoch and clocks; the first path resolution or
// OpenTextFile call triggers the actual git load (ensureSeeded).
func New(replica replicaid.ID, baseCommit string, git gitprovider.Provider, observer Observer, metrics Metrics, logger zerolog.Logger) (*WorkTree, []Op, error) {
	// The initial epoch id is derived from baseCommit the same way
	// base file ids are (replicaid.DeriveBase), using a path no real
	// git entry can ever have, so every replica opening the same base
	// commit agrees on the epoch id without coordination.
	epochID := replicaid.DeriveBase(baseCommit, "\x00epoch")
	wt := &WorkTree{
		replica:      replica,
		localClock:   clock.NewLocalClock(replica),
		lamportClock: clock.NewLamportClock(replica),
		vclock:       clock.NewGlobal(),
		git:          git,
		observer:     observer,
		metrics:      metrics,
		logger:       logger,
		headEpoch:    epochID,
		epochs:       map[replicaid.ID]*epoch.Epoch{epochID: epoch.New(epochID, baseCommit)},
		buffers:      make(map[replicaid.ID]*bufferHandle),
		queue:        opqueue.New(),
	}
	return wt, nil, nil
}

// Head returns the id of the epoch currently visible to the host.
func (wt *WorkTree) Head() replicaid.ID { return wt.headEpoch }

// HeadEpoch returns the epoch currently visible to the host, for
// read-only queries (Cursor, Path, Status).
func (wt *WorkTree) HeadEpoch() *epoch.Epoch { return wt.epochs[wt.headEpoch] }

// ensureSeeded performs the git provider's base_entries load for
// epochID the first time it is needed, deriving deterministic file
// ids from (commit, path) (internal/replicaid.DeriveBase) so every
// replica loading the same commit agrees on the same ids without
// coordination.
func (wt *WorkTree) ensureSeeded(ctx context.Context, epochID replicaid.ID) error {
	e, ok := wt.epochs[epochID]
	if !ok || e.IsSeeded() || wt.git == nil {
		return nil
	}
	g, gctx := errgroup.WithContext(ctx)
	var entries []gitprovider.Entry
	g.Go(func() error {
		var err error
		entries, err = wt.git.BaseEntries(gctx, e.BaseCommit())
		return err
	})
	if err := g.Wait(); err != nil {
		return newError(IO, err, "load base entries for %q", e.BaseCommit())
	}
	baseEntries := make([]epoch.BaseEntry, len(entries))
	for i, ent := range entries {
		baseEntries[i] = epoch.BaseEntry{Path: ent.Path, Type: ent.Type, OID: ent.OID}
	}
	commit := e.BaseCommit()
	e.SeedBase(baseEntries, func(path string) replicaid.ID {
		return replicaid.DeriveBase(commit, path)
	})
	return nil
}

// localStamp ticks both the local and Lamport clocks together and
// returns both: lam is the Lamport stamp carried on the wire as
// Op.Stamp (for the total order over concurrent ops), while l.Seq is
// this replica's true local sequence number, carried separately as
// Op.LocalSeq. The two diverge as soon as this replica observes a
// remote Lamport value higher than its own running count — Tick then
// jumps lam ahead of l.Seq — so neither internal/opqueue nor
// WorkTree's own vclock may treat Stamp.Value as a stand-in for
// LocalSeq. The returned version is the dependency snapshot taken
// before this op, via the vector clock's copy-on-write Clone.
func (wt *WorkTree) localStamp() (clock.Lamport, uint64, *clock.Global) {
	version := wt.vclock.Clone()
	l := wt.localClock.Tick()
	lam := wt.lamportClock.Tick()
	wt.vclock.Observe(l)
	return lam, l.Seq, version
}

// Reset creates a fresh epoch rooted at newBase and returns the
// ResetEpoch op to broadcast (spec.md §8 scenario S6). The old
// epoch's in-flight operation queue entries are abandoned immediately
// on this replica; peers do the same once they observe this op.
func (wt *WorkTree) Reset(newBase string) (Op, error) {
	old := wt.headEpoch
	newID := replicaid.New()
	stamp, localSeq, version := wt.localStamp()

	wt.epochs[newID] = epoch.New(newID, newBase)
	wt.queue.Abandon(old)
	wt.headEpoch = newID

	op := Op{
		EpochID: old, Kind: OpResetEpoch, Stamp: stamp, LocalSeq: localSeq, Dependencies: version,
		NewEpochID: newID, NewBaseCommit: newBase,
	}
	if wt.metrics != nil {
		wt.metrics.OpApplied(op.Kind.String())
	}
	return op, nil
}

// ApplyOps feeds every op in envelopes through the dependency queue,
// applies whichever become ready, and returns emitted follow-up ops
// (currently none are synthesized — reserved for future selection/
// cursor fixups per spec.md §4.6). Independently-valid ops are applied
// even when another op in the same call is rejected (spec.md §9's
// resolved Open Question).
func (wt *WorkTree) ApplyOps(envelopes []Envelope) ([]Op, error) {
	now := time.Now()
	for _, env := range envelopes {
		for _, op := range env.Ops {
			wt.queue.Enqueue(opqueue.Item{
				EpochID: env.EpochID, Stamp: op.Stamp, LocalSeq: op.LocalSeq, Dependencies: op.Dependencies,
				Payload: op, QueuedAt: now,
			})
		}
	}

	ready := wt.queue.Release(wt.vclock)
	if wt.metrics != nil {
		wt.metrics.QueueDepth(wt.queue.Len())
	}

	changed := make(map[replicaid.ID][]buffer.ChangedRange)
	var failures []error
	for _, item := range ready {
		op := item.Payload.(Op)
		ranges, err := wt.applyOne(op)
		if err != nil {
			wt.logger.Warn().Err(err).Stringer("kind", op.Kind).Msg("dropping invalid operation")
			failures = append(failures, fmt.Errorf("op %s %s: %w", op.Kind, op.Stamp.Replica, err))
			continue
		}
		wt.lamportClock.Observe(op.Stamp)
		wt.vclock.Observe(clock.Local{Replica: op.Stamp.Replica, Seq: op.LocalSeq})
		if wt.metrics != nil {
			wt.metrics.OpApplied(op.Kind.String())
		}
		if len(ranges) > 0 {
			changed[op.FileID] = append(changed[op.FileID], ranges...)
		}
	}

	if wt.observer != nil {
		for bufferID, ranges := range changed {
			wt.observer.TextChanged(bufferID, ranges)
		}
	}

	if len(failures) == 1 {
		return nil, newError(InvalidOperation, failures[0], "one operation rejected")
	}
	if len(failures) > 1 {
		return nil, newError(InvalidOperations, errors.Join(failures...), "%d operations rejected", len(failures))
	}
	return nil, nil
}

// ensureBuffer returns fileID's buffer handle, creating an empty one
// if this is the first op (local or remote) ever to touch it — the
// underlying CRDT sequence must exist independent of whether any host
// UI window has the file open, so remote edits converge even before a
// local open_text_file call.
func (wt *WorkTree) ensureBuffer(epochID, fileID replicaid.ID) *bufferHandle {
	h, ok := wt.buffers[fileID]
	if !ok {
		h = &bufferHandle{epochID: epochID, fileID: fileID, buf: buffer.New(wt.replica)}
		wt.buffers[fileID] = h
	}
	return h
}

func (wt *WorkTree) applyOne(op Op) ([]buffer.ChangedRange, error) {
	if op.Kind == OpResetEpoch {
		return nil, wt.applyResetEpoch(op)
	}
	e, ok := wt.epochs[op.EpochID]
	if !ok {
		return nil, fmt.Errorf("unknown epoch %s", op.EpochID)
	}
	switch op.Kind {
	case OpCreate:
		return nil, e.ApplyCreate(*op.Create)
	case OpRename:
		return nil, e.ApplyRename(*op.Rename)
	case OpRemove:
		return nil, e.ApplyRemove(*op.Remove)
	case OpEdit:
		h := wt.ensureBuffer(op.EpochID, op.FileID)
		ranges, err := h.buf.Apply(op.Edit)
		if err != nil {
			return nil, err
		}
		e.MarkModified(op.FileID, op.Stamp)
		if wt.metrics != nil {
			wt.metrics.FragmentCount(op.FileID.String(), h.buf.Len())
		}
		return ranges, nil
	case OpSelection:
		h := wt.ensureBuffer(op.EpochID, op.FileID)
		h.buf.ApplySelection(op.Selection)
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown op kind %v", op.Kind)
	}
}

func (wt *WorkTree) applyResetEpoch(op Op) error {
	if _, ok := wt.epochs[op.NewEpochID]; !ok {
		wt.epochs[op.NewEpochID] = epoch.New(op.NewEpochID, op.NewBaseCommit)
	}
	wt.queue.Abandon(op.EpochID)
	if op.EpochID == wt.headEpoch {
		wt.headEpoch = op.NewEpochID
	}
	return nil
}

// OpenTextFile resolves path in the head epoch, materializes its base
// content from the git provider on first open (collapsing concurrent
// opens of the same file via singleflight), and returns its buffer
// id. Per spec.md §4.6, buffer_id coincides with the file id: a file
// has at most one buffer handle.
func (wt *WorkTree) OpenTextFile(ctx context.Context, path string) (replicaid.ID, error) {
	if err := wt.ensureSeeded(ctx, wt.headEpoch); err != nil {
		return replicaid.ID{}, err
	}
	e := wt.epochs[wt.headEpoch]
	fileID, err := e.Lookup(path)
	if err != nil {
		return replicaid.ID{}, newError(InvalidPath, err, "%q", path)
	}
	if typ, ok := e.TypeOf(fileID); ok && typ == epoch.Dir {
		return replicaid.ID{}, newError(InvalidPath, nil, "%q is a directory", path)
	}

	h := wt.ensureBuffer(wt.headEpoch, fileID)
	if h.loaded {
		return fileID, nil
	}
	if wt.git == nil {
		h.loaded = true
		return fileID, nil
	}
	oid, hasBase := e.BaseOID(fileID)
	if !hasBase {
		h.loaded = true
		return fileID, nil
	}

	key := fmt.Sprintf("%s/%s", wt.headEpoch, fileID)
	v, err, _ := wt.loadGroup.Do(key, func() (any, error) {
		g, gctx := errgroup.WithContext(ctx)
		var content []byte
		g.Go(func() error {
			c, err := wt.git.BaseText(gctx, e.BaseCommit(), oid)
			content = c
			return err
		})
		if err := g.Wait(); err != nil {
			return nil, err
		}
		return content, nil
	})
	if err != nil {
		return replicaid.ID{}, newError(IO, err, "load base text for %q", path)
	}
	content := v.([]byte)
	if len(content) > 0 && !h.loaded {
		if _, _, err := h.buf.Edit(wt.replica, clock.Lamport{}, 0, wt.vclock.Clone(), buffer.StartOfBuffer(), buffer.StartOfBuffer(), string(content)); err != nil {
			return replicaid.ID{}, newError(IO, err, "materialize base text for %q", path)
		}
	}
	h.loaded = true
	return fileID, nil
}

// CreateFile creates a regular file named name under parent in the
// head epoch, returning its new file id and the op to broadcast.
func (wt *WorkTree) CreateFile(parent replicaid.ID, name string) (replicaid.ID, Op, error) {
	return wt.create(parent, name, epoch.RegularFile)
}

// CreateDir creates a directory named name under parent in the head
// epoch, returning its new file id and the op to broadcast.
func (wt *WorkTree) CreateDir(parent replicaid.ID, name string) (replicaid.ID, Op, error) {
	return wt.create(parent, name, epoch.Dir)
}

func (wt *WorkTree) create(parent replicaid.ID, name string, typ epoch.FileType) (replicaid.ID, Op, error) {
	e := wt.HeadEpoch()
	if e == nil {
		return replicaid.ID{}, Op{}, newError(InvalidFileID, nil, "no head epoch")
	}
	var nameRef clock.Lamport
	if parent != replicaid.Root {
		if _, ok := e.TypeOf(parent); !ok {
			return replicaid.ID{}, Op{}, newError(InvalidFileID, nil, "%s", parent)
		}
	}
	stamp, localSeq, version := wt.localStamp()
	newID := replicaid.New()
	op := epoch.CreateOp{
		Replica: wt.replica, Stamp: stamp,
		Parent: epoch.ParentRef{ParentID: parent, NameRef: nameRef},
		Name:   name, NewID: newID, Type: typ, Version: version,
	}
	if err := e.ApplyCreate(op); err != nil {
		return replicaid.ID{}, Op{}, newError(InvalidFileID, err, "create %q", name)
	}
	if wt.metrics != nil {
		wt.metrics.OpApplied(OpCreate.String())
	}
	return newID, Op{EpochID: wt.headEpoch, Kind: OpCreate, Stamp: stamp, LocalSeq: localSeq, Dependencies: version, FileID: newID, Create: &op}, nil
}

// Rename moves fileID to a new parent/name in its own epoch,
// returning the op to broadcast.
func (wt *WorkTree) Rename(fileID, newParent replicaid.ID, newName string) (Op, error) {
	e := wt.HeadEpoch()
	if e == nil {
		return Op{}, newError(InvalidFileID, nil, "no head epoch")
	}
	stamp, localSeq, version := wt.localStamp()
	op := epoch.RenameOp{
		Replica: wt.replica, Stamp: stamp, FileID: fileID,
		NewParent: epoch.ParentRef{ParentID: newParent}, NewName: newName, Version: version,
	}
	if err := e.ApplyRename(op); err != nil {
		return Op{}, newError(InvalidFileID, err, "rename %s", fileID)
	}
	if wt.metrics != nil {
		wt.metrics.OpApplied(OpRename.String())
	}
	return Op{EpochID: wt.headEpoch, Kind: OpRename, Stamp: stamp, LocalSeq: localSeq, Dependencies: version, FileID: fileID, Rename: &op}, nil
}

// Remove tombstones fileID in its own epoch, returning the op to
// broadcast.
func (wt *WorkTree) Remove(fileID replicaid.ID) (Op, error) {
	e := wt.HeadEpoch()
	if e == nil {
		return Op{}, newError(InvalidFileID, nil, "no head epoch")
	}
	stamp, localSeq, version := wt.localStamp()
	op := epoch.RemoveOp{Replica: wt.replica, Stamp: stamp, FileID: fileID, Version: version}
	if err := e.ApplyRemove(op); err != nil {
		return Op{}, newError(InvalidFileID, err, "remove %s", fileID)
	}
	if wt.metrics != nil {
		wt.metrics.OpApplied(OpRemove.String())
	}
	return Op{EpochID: wt.headEpoch, Kind: OpRemove, Stamp: stamp, LocalSeq: localSeq, Dependencies: version, FileID: fileID, Remove: &op}, nil
}

// Edit stamps and applies a local buffer edit, returning the op to
// broadcast.
func (wt *WorkTree) Edit(bufferID replicaid.ID, start, end buffer.Anchor, newText string) (Op, error) {
	h, ok := wt.buffers[bufferID]
	if !ok {
		return Op{}, newError(InvalidBufferID, nil, "%s", bufferID)
	}
	stamp, localSeq, version := wt.localStamp()
	editOp, changed, err := h.buf.Edit(wt.replica, stamp, localSeq, version, start, end, newText)
	if err != nil {
		return Op{}, newError(InvalidAnchor, err, "edit buffer %s", bufferID)
	}
	if e, ok := wt.epochs[h.epochID]; ok {
		e.MarkModified(h.fileID, stamp)
	}
	if wt.metrics != nil {
		wt.metrics.OpApplied(OpEdit.String())
		wt.metrics.FragmentCount(bufferID.String(), h.buf.Len())
	}
	if wt.observer != nil && len(changed) > 0 {
		wt.observer.TextChanged(bufferID, changed)
	}
	return Op{EpochID: h.epochID, Kind: OpEdit, Stamp: stamp, LocalSeq: localSeq, Dependencies: version, FileID: h.fileID, Edit: editOp}, nil
}

// AddSelectionSet creates a new selection set on bufferID, returning
// the op to broadcast and the local id future replace/remove calls
// must reuse.
func (wt *WorkTree) AddSelectionSet(bufferID replicaid.ID, ranges []buffer.SelectionRange) (clock.Lamport, Op, error) {
	h, ok := wt.buffers[bufferID]
	if !ok {
		return clock.Lamport{}, Op{}, newError(InvalidBufferID, nil, "%s", bufferID)
	}
	stamp, localSeq, _ := wt.localStamp()
	op := buffer.SelectionOp{Replica: wt.replica, LocalID: stamp, Stamp: stamp, Ranges: ranges}
	h.buf.ApplySelection(&op)
	return stamp, Op{EpochID: h.epochID, Kind: OpSelection, Stamp: stamp, LocalSeq: localSeq, Dependencies: wt.vclock.Clone(), FileID: h.fileID, Selection: &op}, nil
}

// ReplaceSelectionSet updates an existing local selection set.
func (wt *WorkTree) ReplaceSelectionSet(bufferID replicaid.ID, localID clock.Lamport, ranges []buffer.SelectionRange) (Op, error) {
	return wt.writeSelectionSet(bufferID, localID, ranges)
}

// RemoveSelectionSet clears a local selection set.
func (wt *WorkTree) RemoveSelectionSet(bufferID replicaid.ID, localID clock.Lamport) (Op, error) {
	return wt.writeSelectionSet(bufferID, localID, nil)
}

func (wt *WorkTree) writeSelectionSet(bufferID replicaid.ID, localID clock.Lamport, ranges []buffer.SelectionRange) (Op, error) {
	h, ok := wt.buffers[bufferID]
	if !ok {
		return Op{}, newError(InvalidBufferID, nil, "%s", bufferID)
	}
	stamp, localSeq, _ := wt.localStamp()
	op := buffer.SelectionOp{Replica: wt.replica, LocalID: localID, Stamp: stamp, Ranges: ranges}
	h.buf.ApplySelection(&op)
	return Op{EpochID: h.epochID, Kind: OpSelection, Stamp: stamp, LocalSeq: localSeq, Dependencies: wt.vclock.Clone(), FileID: h.fileID, Selection: &op}, nil
}

// BufferSelectionRanges returns the live selection sets on bufferID.
func (wt *WorkTree) BufferSelectionRanges(bufferID replicaid.ID) (map[clock.Lamport]*buffer.SelectionSet, error) {
	h, ok := wt.buffers[bufferID]
	if !ok {
		return nil, newError(InvalidBufferID, nil, "%s", bufferID)
	}
	return h.buf.Selections(), nil
}

// AnchorAfterOffset resolves a live offset in bufferID to a stable
// anchor, for hosts building Edit calls from screen-offset diffs
// (spec.md §4.3's anchor_after_offset, surfaced through the work tree
// so callers never need to reach into internal/buffer directly).
func (wt *WorkTree) AnchorAfterOffset(bufferID replicaid.ID, offset int) (buffer.Anchor, error) {
	h, ok := wt.buffers[bufferID]
	if !ok {
		return buffer.Anchor{}, newError(InvalidBufferID, nil, "%s", bufferID)
	}
	a, err := h.buf.AnchorAfterOffset(offset)
	if err != nil {
		return buffer.Anchor{}, newError(OffsetOutOfRange, err, "offset %d in buffer %s", offset, bufferID)
	}
	return a, nil
}

// BufferText returns the full live text of bufferID, for a host's
// initial render (spec.md §4.6's contract otherwise only surfaces
// incremental changes through the Observer).
func (wt *WorkTree) BufferText(bufferID replicaid.ID) (string, error) {
	h, ok := wt.buffers[bufferID]
	if !ok {
		return "", newError(InvalidBufferID, nil, "%s", bufferID)
	}
	return h.buf.Text(), nil
}

// ChangesSince surfaces bufferID's accumulated changes since a prior
// version (spec.md §4's changes_since query), for a host reconnecting
// or catching up a view that fell behind the live Observer stream
// instead of re-requesting the full BufferText.
func (wt *WorkTree) ChangesSince(bufferID replicaid.ID, since *clock.Global) ([]buffer.ChangedRange, error) {
	h, ok := wt.buffers[bufferID]
	if !ok {
		return nil, newError(InvalidBufferID, nil, "%s", bufferID)
	}
	return h.buf.ChangesSince(since), nil
}

// PathForBuffer resolves bufferID's current live path in its epoch.
func (wt *WorkTree) PathForBuffer(bufferID replicaid.ID) (string, error) {
	h, ok := wt.buffers[bufferID]
	if !ok {
		return "", newError(InvalidBufferID, nil, "%s", bufferID)
	}
	e, ok := wt.epochs[h.epochID]
	if !ok {
		return "", newError(InvalidBufferID, nil, "epoch for %s no longer tracked", bufferID)
	}
	p, err := e.Path(h.fileID)
	if err != nil {
		return "", newError(InvalidFileID, err, "%s", h.fileID)
	}
	return p, nil
}

// BasePathForBuffer returns the path bufferID had at its epoch's base
// commit, if it corresponds to a base entry.
func (wt *WorkTree) BasePathForBuffer(bufferID replicaid.ID) (string, bool) {
	h, ok := wt.buffers[bufferID]
	if !ok {
		return "", false
	}
	e, ok := wt.epochs[h.epochID]
	if !ok {
		return "", false
	}
	if _, ok := e.BaseOID(h.fileID); !ok {
		return "", false
	}
	p, err := e.Path(h.fileID)
	if err != nil {
		return "", false
	}
	return p, true
}

// BufferDeferredOpsLen is a diagnostic: the number of operations still
// buffered in the queue for bufferID's epoch, awaiting a dependency.
func (wt *WorkTree) BufferDeferredOpsLen(bufferID replicaid.ID) int {
	h, ok := wt.buffers[bufferID]
	if !ok {
		return 0
	}
	return len(wt.queue.Pending(h.epochID))
}
