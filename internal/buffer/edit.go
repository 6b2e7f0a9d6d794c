package buffer

import (
	"fmt"

	"github.com/Polqt/synccore/internal/clock"
	"github.com/Polqt/synccore/internal/replicaid"
)

func copyTombstones(src map[clock.Lamport]uint64) map[clock.Lamport]uint64 {
	if len(src) == 0 {
		return nil
	}
	out := make(map[clock.Lamport]uint64, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

// splitFragment divides f at local into two pieces. The left piece
// keeps f's own position identity; the right piece is allocated a
// fresh position strictly between f's old position and whatever
// currently follows it structurally (nextPos, nil if f was last) —
// never a copy of f's position. Two fragments can never legitimately
// share one position: lessSeq only falls back from path comparison to
// (origin, start) when the origin also matches, so a third fragment
// from a different insertion landing at a shared position would sort
// entirely before or after the pair instead of between them.
func splitFragment(f *fragment, local int, nextPos path) (left, right *fragment) {
	left = &fragment{id: f.id, localSeq: f.localSeq, start: f.start, length: local, text: f.text[:local], pos: f.pos, tombstones: copyTombstones(f.tombstones)}
	right = &fragment{id: f.id, localSeq: f.localSeq, start: f.start + local, length: f.length - local, text: f.text[local:], pos: pathBetween(f.pos, nextPos), tombstones: copyTombstones(f.tombstones)}
	return left, right
}

func (b *Buffer) replaceFragment(old, left, right *fragment) {
	b.sequence = b.sequence.Remove(seqKeyOf(old)).Insert(seqKeyOf(left), left).Insert(seqKeyOf(right), right)
	b.anchorIdx = b.anchorIdx.Remove(anchorKeyOf(old)).Insert(anchorKeyOf(left), left).Insert(anchorKeyOf(right), right)
}

// structuralNext returns the position of whatever fragment currently
// follows f in sequence order, or nil if f is last.
func (b *Buffer) structuralNext(f *fragment) path {
	c := b.sequence.Cursor()
	c.SeekKey(seqKeyOf(f))
	if c.Valid() && c.Next() {
		return c.Val().pos
	}
	return nil
}

// ensureSplitAt splits, if necessary, whichever live fragment covers
// the visible offset so that offset becomes a fragment boundary. A
// no-op if offset is already aligned, sentinel, or lands on tombstoned
// (zero-width) text.
func (b *Buffer) ensureSplitAt(offset int) {
	if offset <= 0 || offset >= b.Len() {
		return
	}
	c := b.sequence.Cursor()
	c.SeekSummary(func(acc int) bool { return acc > offset-1 })
	if !c.Valid() {
		return
	}
	f := c.Val()
	if f.deleted() {
		return
	}
	local := offset - c.BeforeSummary()
	if local <= 0 || local >= f.length {
		return
	}
	left, right := splitFragment(f, local, b.structuralNext(f))
	b.replaceFragment(f, left, right)
}

// ensureOriginalSplit is ensureSplitAt's counterpart in a single
// insertion's own original-text coordinates, used to align tombstone
// boundaries on DeletedRanges resolved by a remote replica, and to
// isolate an InsertBefore target fragment before placing new text.
func (b *Buffer) ensureOriginalSplit(insertion clock.Lamport, offset int) {
	c := b.anchorIdx.Cursor()
	c.SeekKeyFloor(anchorKey{insertion: insertion, start: offset})
	if !c.Valid() {
		return
	}
	f := c.Val()
	if !f.id.Equal(insertion) {
		return
	}
	local := offset - f.start
	if local <= 0 || local >= f.length {
		return
	}
	left, right := splitFragment(f, local, b.structuralNext(f))
	b.replaceFragment(f, left, right)
}

// rangeFragments returns the exact, already-resolved original-text
// pieces covering the live visible range [startOffset, endOffset),
// splitting fragments at the boundaries first. This is computed once,
// at local edit time — the resulting []Range travels in the EditOp
// and is never recomputed against a replica's own (possibly
// differently-shaped) structure on apply, which is what lets a
// concurrent insert into the same gap survive regardless of delivery
// order.
func (b *Buffer) rangeFragments(startOffset, endOffset int) []Range {
	if endOffset <= startOffset {
		return nil
	}
	b.ensureSplitAt(startOffset)
	b.ensureSplitAt(endOffset)

	var ranges []Range
	c := b.sequence.Cursor()
	c.SeekSummary(func(acc int) bool { return acc > startOffset })
	for c.Valid() && c.BeforeSummary() < endOffset {
		f := c.Val()
		if !f.deleted() {
			ranges = append(ranges, Range{Insertion: f.id, Start: f.start, Length: f.length})
		}
		if !c.Next() {
			break
		}
	}
	return ranges
}

// structuralNeighbors resolves the stable-identity insertion point
// named by a to the immediately adjacent fragment positions (nil
// meaning "no neighbor on that side"), by structural order rather
// than current visible offset — so the computed pathBetween is valid
// even when a has since been tombstoned by the very op that carries
// it as InsertBefore. BiasRight names the character to insert AFTER,
// so its split point is one past a's original offset; BiasLeft names
// the character to insert directly before.
func (b *Buffer) structuralNeighbors(a Anchor) (prev, next path, err error) {
	if a.isStart() {
		c := b.sequence.Cursor()
		c.SeekFirst()
		if c.Valid() {
			next = c.Val().pos
		}
		return nil, next, nil
	}
	if a.isEnd() {
		c := b.sequence.Cursor()
		c.SeekLast()
		if c.Valid() {
			prev = c.Val().pos
		}
		return prev, nil, nil
	}
	splitOff := a.Offset
	if a.Bias == BiasRight {
		splitOff++
	}
	b.ensureOriginalSplit(a.Insertion, splitOff)

	c := b.anchorIdx.Cursor()
	c.SeekKeyFloor(anchorKey{insertion: a.Insertion, start: splitOff})
	if !c.Valid() {
		return nil, nil, ErrInvalidAnchor{a}
	}
	f := c.Val()
	if !f.id.Equal(a.Insertion) {
		return nil, nil, ErrInvalidAnchor{a}
	}
	if f.start == splitOff {
		next = f.pos
		sc := b.sequence.Cursor()
		sc.SeekKey(seqKeyOf(f))
		if sc.Prev() {
			prev = sc.Val().pos
		}
		return prev, next, nil
	}
	// splitOff sits at or beyond f's end (ensureOriginalSplit's guard
	// declined to split there): f is the predecessor, and whatever
	// structurally follows f is next.
	return f.pos, b.structuralNext(f), nil
}

// tombstoneRange marks every currently-live piece of r as deleted by
// stamp, splitting fragments at r's boundaries first so a partial
// overlap (from a fragment since subdivided by other concurrent
// edits) tombstones exactly r and nothing beyond it.
func (b *Buffer) tombstoneRange(stamp clock.Lamport, localSeq uint64, r Range) error {
	b.ensureOriginalSplit(r.Insertion, r.Start)
	b.ensureOriginalSplit(r.Insertion, r.end())

	c := b.anchorIdx.Cursor()
	c.SeekKey(anchorKey{insertion: r.Insertion, start: r.Start})
	for c.Valid() {
		f := c.Val()
		if !f.id.Equal(r.Insertion) || f.start >= r.end() {
			break
		}
		if f.start >= r.Start && f.start+f.length <= r.end() && !f.deleted() {
			nf := &fragment{id: f.id, localSeq: f.localSeq, start: f.start, length: f.length, text: f.text, pos: f.pos, tombstones: copyTombstones(f.tombstones)}
			if nf.tombstones == nil {
				nf.tombstones = make(map[clock.Lamport]uint64, 1)
			}
			nf.tombstones[stamp] = localSeq
			b.sequence = b.sequence.Insert(seqKeyOf(nf), nf)
			b.anchorIdx = b.anchorIdx.Insert(anchorKeyOf(nf), nf)
		}
		if !c.Next() {
			break
		}
	}
	return nil
}

// Edit performs a local replace of [start, end) with newText,
// returning the EditOp to broadcast (already applied to this buffer)
// and the visible ranges it changed.
func (b *Buffer) Edit(replica replicaid.ID, stamp clock.Lamport, localSeq uint64, version *clock.Global, start, end Anchor, newText string) (*EditOp, []ChangedRange, error) {
	startOff, err := b.OffsetForAnchor(start)
	if err != nil {
		return nil, nil, err
	}
	endOff, err := b.OffsetForAnchor(end)
	if err != nil {
		return nil, nil, err
	}
	if endOff < startOff {
		startOff, endOff = endOff, startOff
	}

	insertBefore, err := b.AnchorAfterOffset(startOff)
	if err != nil {
		return nil, nil, err
	}
	ranges := b.rangeFragments(startOff, endOff)

	var insertPos path
	if newText != "" {
		prev, next, err := b.structuralNeighbors(insertBefore)
		if err != nil {
			return nil, nil, fmt.Errorf("buffer: resolve insertion point: %w", err)
		}
		insertPos = pathBetween(prev, next)
	}

	op := &EditOp{
		Replica:       replica,
		Stamp:         stamp,
		LocalSeq:      localSeq,
		DeletedRanges: ranges,
		InsertBefore:  insertBefore,
		InsertPos:     insertPos,
		NewText:       newText,
		Version:       version,
	}
	changed, err := b.apply(op)
	if err != nil {
		return nil, nil, err
	}
	return op, changed, nil
}

// Apply merges a (typically remote) EditOp into this buffer.
// Idempotent: applying the same Stamp twice is a no-op, satisfying
// spec.md's idempotence property.
func (b *Buffer) Apply(op *EditOp) ([]ChangedRange, error) {
	return b.apply(op)
}

func (b *Buffer) apply(op *EditOp) ([]ChangedRange, error) {
	if _, ok := b.applied[op.Stamp]; ok {
		return nil, nil
	}

	minOff, maxOff := -1, -1
	grow := func(off int) {
		if minOff == -1 || off < minOff {
			minOff = off
		}
		if maxOff == -1 || off > maxOff {
			maxOff = off
		}
	}
	for _, r := range op.DeletedRanges {
		if r.Length <= 0 {
			continue
		}
		s, err := b.OffsetForAnchor(Anchor{Insertion: r.Insertion, Offset: r.Start, Bias: BiasLeft})
		if err != nil {
			return nil, fmt.Errorf("buffer: resolve deleted range start: %w", err)
		}
		e, err := b.OffsetForAnchor(Anchor{Insertion: r.Insertion, Offset: r.end() - 1, Bias: BiasRight})
		if err != nil {
			return nil, fmt.Errorf("buffer: resolve deleted range end: %w", err)
		}
		grow(s)
		grow(e)
	}
	insOff, err := b.OffsetForAnchor(op.InsertBefore)
	if err != nil {
		return nil, fmt.Errorf("buffer: resolve insert anchor: %w", err)
	}
	grow(insOff)

	for _, r := range op.DeletedRanges {
		if err := b.tombstoneRange(op.Stamp, op.LocalSeq, r); err != nil {
			return nil, err
		}
	}

	if op.NewText != "" {
		nf := &fragment{id: op.Stamp, localSeq: op.LocalSeq, start: 0, length: len(op.NewText), text: op.NewText, pos: op.InsertPos}
		b.sequence = b.sequence.Insert(seqKeyOf(nf), nf)
		b.anchorIdx = b.anchorIdx.Insert(anchorKeyOf(nf), nf)
	}

	b.applied[op.Stamp] = struct{}{}
	return []ChangedRange{{Start: minOff, End: maxOff, NewText: op.NewText}}, nil
}
