// Package wire implements the binary envelope encoding of spec.md §6:
// a schema-driven, length-prefixed, zero-copy-friendly byte format
// with additive schema evolution. CBOR (github.com/fxamacker/cbor/v2)
// gives us exactly that for free — map-keyed struct encoding tolerates
// unknown or newly-added fields without a codegen step, so a newer
// peer's envelope still decodes on an older one as long as every field
// it actually needs is present.
//
// Grounded on the pack's CBOR-using repos (Hawthorne001-aistore,
// ScottBrenner-aistore, ehrlich-b-wingthing, optakt-flow-dps,
// orpheuslummis-defradb) for the choice of codec; the envelope shape
// itself follows spec.md §6 and internal/worktree's Op/Envelope types
// directly. The wire structs here are a deliberate translation layer:
// internal/worktree's types stay CBOR-agnostic, and this package owns
// every on-wire invariant (16-byte little-endian ReplicaId, (value,
// ReplicaId) Lamport pairs, vector clocks as a list of such pairs).
package wire

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/Polqt/synccore/internal/buffer"
	"github.com/Polqt/synccore/internal/clock"
	"github.com/Polqt/synccore/internal/epoch"
	"github.com/Polqt/synccore/internal/replicaid"
	"github.com/Polqt/synccore/internal/worktree"
)

var encMode = func() cbor.EncMode {
	m, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("wire: building canonical encode mode: %v", err))
	}
	return m
}()

// ---- wire-shape structs; never exported, never referenced outside this file ----

type wireLamport struct {
	Value   uint64 `cbor:"v"`
	Replica []byte `cbor:"r"`
}

type wireCoord struct {
	Replica []byte `cbor:"r"`
	Seq     uint64 `cbor:"s"`
}

type wireAnchor struct {
	InsValue   uint64 `cbor:"iv"`
	InsReplica []byte `cbor:"ir"`
	Offset     int64  `cbor:"o"`
	Bias       uint8  `cbor:"b"`
}

type wireRange struct {
	InsValue   uint64 `cbor:"iv"`
	InsReplica []byte `cbor:"ir"`
	Start      int64  `cbor:"s"`
	Length     int64  `cbor:"l"`
}

type wireEditOp struct {
	Replica       []byte      `cbor:"rep"`
	Stamp         wireLamport `cbor:"st"`
	LocalSeq      uint64      `cbor:"ls"`
	DeletedRanges []wireRange `cbor:"dr"`
	InsertBefore  wireAnchor  `cbor:"ib"`
	InsertPos     []uint32    `cbor:"ip"`
	NewText       string      `cbor:"nt"`
	Version       []wireCoord `cbor:"ver"`
}

type wireSelRange struct {
	Start    wireAnchor `cbor:"s"`
	End      wireAnchor `cbor:"e"`
	Reversed bool       `cbor:"r"`
}

type wireSelectionOp struct {
	Replica []byte         `cbor:"rep"`
	LocalID wireLamport    `cbor:"lid"`
	Stamp   wireLamport    `cbor:"st"`
	Ranges  []wireSelRange `cbor:"rs,omitempty"`
}

type wireParentRef struct {
	ParentID []byte      `cbor:"pid"`
	NameRef  wireLamport `cbor:"nr"`
}

type wireCreateOp struct {
	Replica []byte        `cbor:"rep"`
	Stamp   wireLamport   `cbor:"st"`
	Parent  wireParentRef `cbor:"p"`
	Name    string        `cbor:"n"`
	NewID   []byte        `cbor:"nid"`
	Type    uint8         `cbor:"t"`
	Version []wireCoord   `cbor:"ver"`
}

type wireRenameOp struct {
	Replica   []byte        `cbor:"rep"`
	Stamp     wireLamport   `cbor:"st"`
	FileID    []byte        `cbor:"fid"`
	NewParent wireParentRef `cbor:"np"`
	NewName   string        `cbor:"nn"`
	Version   []wireCoord   `cbor:"ver"`
}

type wireRemoveOp struct {
	Replica []byte      `cbor:"rep"`
	Stamp   wireLamport `cbor:"st"`
	FileID  []byte      `cbor:"fid"`
	Version []wireCoord `cbor:"ver"`
}

type wireOp struct {
	EpochID      []byte      `cbor:"eid"`
	Kind         uint8       `cbor:"k"`
	Stamp        wireLamport `cbor:"st"`
	LocalSeq     uint64      `cbor:"ls"`
	Dependencies []wireCoord `cbor:"dep"`
	FileID       []byte      `cbor:"fid"`

	Edit      *wireEditOp      `cbor:"edit,omitempty"`
	Selection *wireSelectionOp `cbor:"sel,omitempty"`
	Create    *wireCreateOp    `cbor:"create,omitempty"`
	Rename    *wireRenameOp    `cbor:"rename,omitempty"`
	Remove    *wireRemoveOp    `cbor:"remove,omitempty"`

	NewEpochID    []byte `cbor:"neid,omitempty"`
	NewBaseCommit string `cbor:"nbc,omitempty"`
}

type wireEnvelope struct {
	EpochID       []byte   `cbor:"eid"`
	SenderReplica []byte   `cbor:"sr"`
	Ops           []wireOp `cbor:"ops"`
}

// ---- replicaid <-> []byte ----

func idBytes(id replicaid.ID) []byte {
	b, _ := id.MarshalBinary() // never fails; fixed-size array
	return b
}

func idFromBytes(b []byte) (replicaid.ID, error) {
	var id replicaid.ID
	if err := id.UnmarshalBinary(b); err != nil {
		return replicaid.ID{}, err
	}
	return id, nil
}

// ---- Lamport <-> wireLamport ----

func toWireLamport(l clock.Lamport) wireLamport {
	return wireLamport{Value: l.Value, Replica: idBytes(l.Replica)}
}

func fromWireLamport(w wireLamport) (clock.Lamport, error) {
	r, err := idFromBytes(w.Replica)
	if err != nil {
		return clock.Lamport{}, fmt.Errorf("wire: lamport replica: %w", err)
	}
	return clock.Lamport{Value: w.Value, Replica: r}, nil
}

// ---- Global <-> []wireCoord ----

func toWireCoords(g *clock.Global) []wireCoord {
	if g == nil {
		return nil
	}
	snap := g.Snapshot()
	out := make([]wireCoord, 0, len(snap))
	for r, seq := range snap {
		out = append(out, wireCoord{Replica: idBytes(r), Seq: seq})
	}
	return out
}

func fromWireCoords(coords []wireCoord) (*clock.Global, error) {
	m := make(map[replicaid.ID]uint64, len(coords))
	for _, c := range coords {
		r, err := idFromBytes(c.Replica)
		if err != nil {
			return nil, fmt.Errorf("wire: vector clock coord: %w", err)
		}
		m[r] = c.Seq
	}
	return clock.FromSnapshot(m), nil
}

// ---- Anchor ----

func toWireAnchor(a buffer.Anchor) wireAnchor {
	return wireAnchor{
		InsValue:   a.Insertion.Value,
		InsReplica: idBytes(a.Insertion.Replica),
		Offset:     int64(a.Offset),
		Bias:       uint8(a.Bias),
	}
}

func fromWireAnchor(w wireAnchor) (buffer.Anchor, error) {
	r, err := idFromBytes(w.InsReplica)
	if err != nil {
		return buffer.Anchor{}, fmt.Errorf("wire: anchor insertion replica: %w", err)
	}
	return buffer.Anchor{
		Insertion: clock.Lamport{Value: w.InsValue, Replica: r},
		Offset:    int(w.Offset),
		Bias:      buffer.Bias(w.Bias),
	}, nil
}

// ---- Range ----

func toWireRange(r buffer.Range) wireRange {
	return wireRange{
		InsValue:   r.Insertion.Value,
		InsReplica: idBytes(r.Insertion.Replica),
		Start:      int64(r.Start),
		Length:     int64(r.Length),
	}
}

func fromWireRange(w wireRange) (buffer.Range, error) {
	r, err := idFromBytes(w.InsReplica)
	if err != nil {
		return buffer.Range{}, fmt.Errorf("wire: range insertion replica: %w", err)
	}
	return buffer.Range{
		Insertion: clock.Lamport{Value: w.InsValue, Replica: r},
		Start:     int(w.Start),
		Length:    int(w.Length),
	}, nil
}

// ---- EditOp ----

func toWireEditOp(e *buffer.EditOp) *wireEditOp {
	if e == nil {
		return nil
	}
	dr := make([]wireRange, len(e.DeletedRanges))
	for i, r := range e.DeletedRanges {
		dr[i] = toWireRange(r)
	}
	return &wireEditOp{
		Replica:       idBytes(e.Replica),
		Stamp:         toWireLamport(e.Stamp),
		LocalSeq:      e.LocalSeq,
		DeletedRanges: dr,
		InsertBefore:  toWireAnchor(e.InsertBefore),
		InsertPos:     []uint32(e.InsertPos),
		NewText:       e.NewText,
		Version:       toWireCoords(e.Version),
	}
}

func fromWireEditOp(w *wireEditOp) (*buffer.EditOp, error) {
	if w == nil {
		return nil, nil
	}
	replica, err := idFromBytes(w.Replica)
	if err != nil {
		return nil, fmt.Errorf("wire: edit op replica: %w", err)
	}
	stamp, err := fromWireLamport(w.Stamp)
	if err != nil {
		return nil, fmt.Errorf("wire: edit op stamp: %w", err)
	}
	insertBefore, err := fromWireAnchor(w.InsertBefore)
	if err != nil {
		return nil, fmt.Errorf("wire: edit op insert-before anchor: %w", err)
	}
	version, err := fromWireCoords(w.Version)
	if err != nil {
		return nil, fmt.Errorf("wire: edit op version: %w", err)
	}
	deleted := make([]buffer.Range, len(w.DeletedRanges))
	for i, r := range w.DeletedRanges {
		dr, err := fromWireRange(r)
		if err != nil {
			return nil, fmt.Errorf("wire: edit op deleted range %d: %w", i, err)
		}
		deleted[i] = dr
	}
	out := &buffer.EditOp{
		Replica:       replica,
		Stamp:         stamp,
		LocalSeq:      w.LocalSeq,
		DeletedRanges: deleted,
		InsertBefore:  insertBefore,
		NewText:       w.NewText,
		Version:       version,
	}
	out.InsertPos = w.InsertPos
	return out, nil
}

// ---- SelectionOp ----

func toWireSelectionOp(s *buffer.SelectionOp) *wireSelectionOp {
	if s == nil {
		return nil
	}
	var ranges []wireSelRange
	if s.Ranges != nil {
		ranges = make([]wireSelRange, len(s.Ranges))
		for i, r := range s.Ranges {
			ranges[i] = wireSelRange{Start: toWireAnchor(r.Start), End: toWireAnchor(r.End), Reversed: r.Reversed}
		}
	}
	return &wireSelectionOp{
		Replica: idBytes(s.Replica),
		LocalID: toWireLamport(s.LocalID),
		Stamp:   toWireLamport(s.Stamp),
		Ranges:  ranges,
	}
}

func fromWireSelectionOp(w *wireSelectionOp) (*buffer.SelectionOp, error) {
	if w == nil {
		return nil, nil
	}
	replica, err := idFromBytes(w.Replica)
	if err != nil {
		return nil, fmt.Errorf("wire: selection op replica: %w", err)
	}
	localID, err := fromWireLamport(w.LocalID)
	if err != nil {
		return nil, fmt.Errorf("wire: selection op local id: %w", err)
	}
	stamp, err := fromWireLamport(w.Stamp)
	if err != nil {
		return nil, fmt.Errorf("wire: selection op stamp: %w", err)
	}
	var ranges []buffer.SelectionRange
	if w.Ranges != nil {
		ranges = make([]buffer.SelectionRange, len(w.Ranges))
		for i, r := range w.Ranges {
			start, err := fromWireAnchor(r.Start)
			if err != nil {
				return nil, fmt.Errorf("wire: selection range %d start: %w", i, err)
			}
			end, err := fromWireAnchor(r.End)
			if err != nil {
				return nil, fmt.Errorf("wire: selection range %d end: %w", i, err)
			}
			ranges[i] = buffer.SelectionRange{Start: start, End: end, Reversed: r.Reversed}
		}
	}
	return &buffer.SelectionOp{Replica: replica, LocalID: localID, Stamp: stamp, Ranges: ranges}, nil
}

// ---- ParentRef ----

func toWireParentRef(p epoch.ParentRef) wireParentRef {
	return wireParentRef{ParentID: idBytes(p.ParentID), NameRef: toWireLamport(p.NameRef)}
}

func fromWireParentRef(w wireParentRef) (epoch.ParentRef, error) {
	parentID, err := idFromBytes(w.ParentID)
	if err != nil {
		return epoch.ParentRef{}, fmt.Errorf("wire: parent ref id: %w", err)
	}
	nameRef, err := fromWireLamport(w.NameRef)
	if err != nil {
		return epoch.ParentRef{}, fmt.Errorf("wire: parent ref name stamp: %w", err)
	}
	return epoch.ParentRef{ParentID: parentID, NameRef: nameRef}, nil
}

// ---- CreateOp / RenameOp / RemoveOp ----

func toWireCreateOp(c *epoch.CreateOp) *wireCreateOp {
	if c == nil {
		return nil
	}
	return &wireCreateOp{
		Replica: idBytes(c.Replica),
		Stamp:   toWireLamport(c.Stamp),
		Parent:  toWireParentRef(c.Parent),
		Name:    c.Name,
		NewID:   idBytes(c.NewID),
		Type:    uint8(c.Type),
		Version: toWireCoords(c.Version),
	}
}

func fromWireCreateOp(w *wireCreateOp) (*epoch.CreateOp, error) {
	if w == nil {
		return nil, nil
	}
	replica, err := idFromBytes(w.Replica)
	if err != nil {
		return nil, fmt.Errorf("wire: create op replica: %w", err)
	}
	stamp, err := fromWireLamport(w.Stamp)
	if err != nil {
		return nil, fmt.Errorf("wire: create op stamp: %w", err)
	}
	parent, err := fromWireParentRef(w.Parent)
	if err != nil {
		return nil, fmt.Errorf("wire: create op parent: %w", err)
	}
	newID, err := idFromBytes(w.NewID)
	if err != nil {
		return nil, fmt.Errorf("wire: create op new id: %w", err)
	}
	version, err := fromWireCoords(w.Version)
	if err != nil {
		return nil, fmt.Errorf("wire: create op version: %w", err)
	}
	return &epoch.CreateOp{
		Replica: replica, Stamp: stamp, Parent: parent, Name: w.Name,
		NewID: newID, Type: epoch.FileType(w.Type), Version: version,
	}, nil
}

func toWireRenameOp(r *epoch.RenameOp) *wireRenameOp {
	if r == nil {
		return nil
	}
	return &wireRenameOp{
		Replica:   idBytes(r.Replica),
		Stamp:     toWireLamport(r.Stamp),
		FileID:    idBytes(r.FileID),
		NewParent: toWireParentRef(r.NewParent),
		NewName:   r.NewName,
		Version:   toWireCoords(r.Version),
	}
}

func fromWireRenameOp(w *wireRenameOp) (*epoch.RenameOp, error) {
	if w == nil {
		return nil, nil
	}
	replica, err := idFromBytes(w.Replica)
	if err != nil {
		return nil, fmt.Errorf("wire: rename op replica: %w", err)
	}
	stamp, err := fromWireLamport(w.Stamp)
	if err != nil {
		return nil, fmt.Errorf("wire: rename op stamp: %w", err)
	}
	fileID, err := idFromBytes(w.FileID)
	if err != nil {
		return nil, fmt.Errorf("wire: rename op file id: %w", err)
	}
	newParent, err := fromWireParentRef(w.NewParent)
	if err != nil {
		return nil, fmt.Errorf("wire: rename op new parent: %w", err)
	}
	version, err := fromWireCoords(w.Version)
	if err != nil {
		return nil, fmt.Errorf("wire: rename op version: %w", err)
	}
	return &epoch.RenameOp{
		Replica: replica, Stamp: stamp, FileID: fileID,
		NewParent: newParent, NewName: w.NewName, Version: version,
	}, nil
}

func toWireRemoveOp(r *epoch.RemoveOp) *wireRemoveOp {
	if r == nil {
		return nil
	}
	return &wireRemoveOp{
		Replica: idBytes(r.Replica),
		Stamp:   toWireLamport(r.Stamp),
		FileID:  idBytes(r.FileID),
		Version: toWireCoords(r.Version),
	}
}

func fromWireRemoveOp(w *wireRemoveOp) (*epoch.RemoveOp, error) {
	if w == nil {
		return nil, nil
	}
	replica, err := idFromBytes(w.Replica)
	if err != nil {
		return nil, fmt.Errorf("wire: remove op replica: %w", err)
	}
	stamp, err := fromWireLamport(w.Stamp)
	if err != nil {
		return nil, fmt.Errorf("wire: remove op stamp: %w", err)
	}
	fileID, err := idFromBytes(w.FileID)
	if err != nil {
		return nil, fmt.Errorf("wire: remove op file id: %w", err)
	}
	version, err := fromWireCoords(w.Version)
	if err != nil {
		return nil, fmt.Errorf("wire: remove op version: %w", err)
	}
	return &epoch.RemoveOp{Replica: replica, Stamp: stamp, FileID: fileID, Version: version}, nil
}

// ---- Op / Envelope ----

func toWireOp(op worktree.Op) (wireOp, error) {
	stamp := toWireLamport(op.Stamp)
	out := wireOp{
		EpochID:      idBytes(op.EpochID),
		Kind:         uint8(op.Kind),
		Stamp:        stamp,
		LocalSeq:     op.LocalSeq,
		Dependencies: toWireCoords(op.Dependencies),
		FileID:       idBytes(op.FileID),
		Edit:         toWireEditOp(op.Edit),
		Selection:    toWireSelectionOp(op.Selection),
		Create:       toWireCreateOp(op.Create),
		Rename:       toWireRenameOp(op.Rename),
		Remove:       toWireRemoveOp(op.Remove),
	}
	if op.Kind == worktree.OpResetEpoch {
		out.NewEpochID = idBytes(op.NewEpochID)
		out.NewBaseCommit = op.NewBaseCommit
	}
	return out, nil
}

func fromWireOp(w wireOp) (worktree.Op, error) {
	epochID, err := idFromBytes(w.EpochID)
	if err != nil {
		return worktree.Op{}, fmt.Errorf("wire: op epoch id: %w", err)
	}
	stamp, err := fromWireLamport(w.Stamp)
	if err != nil {
		return worktree.Op{}, fmt.Errorf("wire: op stamp: %w", err)
	}
	deps, err := fromWireCoords(w.Dependencies)
	if err != nil {
		return worktree.Op{}, fmt.Errorf("wire: op dependencies: %w", err)
	}
	fileID, err := idFromBytes(w.FileID)
	if err != nil {
		return worktree.Op{}, fmt.Errorf("wire: op file id: %w", err)
	}

	out := worktree.Op{
		EpochID:      epochID,
		Kind:         worktree.OpKind(w.Kind),
		Stamp:        stamp,
		LocalSeq:     w.LocalSeq,
		Dependencies: deps,
		FileID:       fileID,
	}
	if out.Edit, err = fromWireEditOp(w.Edit); err != nil {
		return worktree.Op{}, err
	}
	if out.Selection, err = fromWireSelectionOp(w.Selection); err != nil {
		return worktree.Op{}, err
	}
	if out.Create, err = fromWireCreateOp(w.Create); err != nil {
		return worktree.Op{}, err
	}
	if out.Rename, err = fromWireRenameOp(w.Rename); err != nil {
		return worktree.Op{}, err
	}
	if out.Remove, err = fromWireRemoveOp(w.Remove); err != nil {
		return worktree.Op{}, err
	}
	if out.Kind == worktree.OpResetEpoch {
		newEpochID, err := idFromBytes(w.NewEpochID)
		if err != nil {
			return worktree.Op{}, fmt.Errorf("wire: op new epoch id: %w", err)
		}
		out.NewEpochID = newEpochID
		out.NewBaseCommit = w.NewBaseCommit
	}
	return out, nil
}

// EncodeEnvelope serializes env into the spec.md §6 on-wire format.
func EncodeEnvelope(env worktree.Envelope) ([]byte, error) {
	ops := make([]wireOp, len(env.Ops))
	for i, op := range env.Ops {
		w, err := toWireOp(op)
		if err != nil {
			return nil, fmt.Errorf("wire: encode op %d: %w", i, err)
		}
		ops[i] = w
	}
	we := wireEnvelope{
		EpochID:       idBytes(env.EpochID),
		SenderReplica: idBytes(env.SenderReplica),
		Ops:           ops,
	}
	b, err := encMode.Marshal(we)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal envelope: %w", err)
	}
	return b, nil
}

// DecodeEnvelope parses bytes produced by EncodeEnvelope. A malformed
// payload maps to spec.md §7's Deserialize error kind; the callers
// (internal/session) drop the envelope and continue per §7's
// propagation policy ("malformed envelope bytes - drop envelope, log,
// continue").
func DecodeEnvelope(data []byte) (worktree.Envelope, error) {
	var we wireEnvelope
	if err := cbor.Unmarshal(data, &we); err != nil {
		return worktree.Envelope{}, fmt.Errorf("%w: %v", ErrDeserialize, err)
	}
	epochID, err := idFromBytes(we.EpochID)
	if err != nil {
		return worktree.Envelope{}, fmt.Errorf("%w: envelope epoch id: %v", ErrDeserialize, err)
	}
	sender, err := idFromBytes(we.SenderReplica)
	if err != nil {
		return worktree.Envelope{}, fmt.Errorf("%w: envelope sender: %v", ErrDeserialize, err)
	}
	ops := make([]worktree.Op, len(we.Ops))
	for i, w := range we.Ops {
		op, err := fromWireOp(w)
		if err != nil {
			return worktree.Envelope{}, fmt.Errorf("%w: op %d: %v", ErrDeserialize, i, err)
		}
		ops[i] = op
	}
	return worktree.Envelope{EpochID: epochID, SenderReplica: sender, Ops: ops}, nil
}

// ErrDeserialize tags a malformed-envelope failure, per spec.md §7's
// Deserialize error kind. Wrap with errors.Is to detect it.
var ErrDeserialize = fmt.Errorf("wire: malformed envelope")
