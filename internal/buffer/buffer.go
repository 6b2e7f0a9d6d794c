package buffer

import (
	"fmt"
	"strings"

	"github.com/Polqt/synccore/internal/clock"
	"github.com/Polqt/synccore/internal/replicaid"
	"github.com/Polqt/synccore/internal/sortedmap"
)

// Buffer holds one replica's view of a piecewise sequence of
// fragments (spec.md §3/§4.3). It keeps no lock: per spec.md §5 ("the
// core itself makes no locking guarantee and requires exclusive
// access during any mutation"), callers (internal/worktree) serialize
// access.
type Buffer struct {
	replica replicaid.ID

	sequence    *sortedmap.Map[seqKey, *fragment, int]    // visible-length summary, structural order
	anchorIdx   *sortedmap.Map[anchorKey, *fragment, int] // (insertion, start) -> owning fragment
	applied     map[clock.Lamport]struct{}
	selections  map[clock.Lamport]*SelectionSet
}

func sequenceOps() sortedmap.Ops[seqKey, *fragment, int] {
	return sortedmap.Ops[seqKey, *fragment, int]{
		Less:      lessSeq,
		Summarize: func(_ seqKey, f *fragment) int { return f.visibleLen() },
		Combine:   func(a, b int) int { return a + b },
		Zero:      0,
	}
}

func anchorOps() sortedmap.Ops[anchorKey, *fragment, int] {
	return sortedmap.Ops[anchorKey, *fragment, int]{
		Less:      lessAnchorKey,
		Summarize: func(_ anchorKey, _ *fragment) int { return 0 },
		Combine:   func(a, b int) int { return 0 },
		Zero:      0,
	}
}

// New returns an empty buffer owned by replica.
func New(replica replicaid.ID) *Buffer {
	return &Buffer{
		replica:    replica,
		sequence:   sortedmap.New(sequenceOps()),
		anchorIdx:  sortedmap.New(anchorOps()),
		applied:    make(map[clock.Lamport]struct{}),
		selections: make(map[clock.Lamport]*SelectionSet),
	}
}

func seqKeyOf(f *fragment) seqKey { return seqKey{pos: f.pos, origin: f.id, start: f.start} }

func anchorKeyOf(f *fragment) anchorKey { return anchorKey{insertion: f.id, start: f.start} }

// Len returns the current visible text length.
func (b *Buffer) Len() int { return b.sequence.Summary() }

// Text returns the full visible text.
func (b *Buffer) Text() string {
	var sb strings.Builder
	c := b.sequence.Cursor()
	for c.Next() {
		f := c.Val()
		if !f.deleted() {
			sb.WriteString(f.text)
		}
	}
	return sb.String()
}

// ---- anchor resolution ----

// ErrInvalidAnchor is returned when an anchor's (insertion, offset)
// no longer names text this buffer ever held.
type ErrInvalidAnchor struct {
	Anchor Anchor
}

func (e ErrInvalidAnchor) Error() string {
	return fmt.Sprintf("buffer: invalid anchor %+v", e.Anchor)
}

// locateChar resolves a non-sentinel anchor to the fragment currently
// covering the specific original character it names.
func (b *Buffer) locateChar(a Anchor) (*fragment, int, error) {
	c := b.anchorIdx.Cursor()
	c.SeekKeyFloor(anchorKey{insertion: a.Insertion, start: a.Offset})
	if !c.Valid() {
		return nil, 0, ErrInvalidAnchor{a}
	}
	f := c.Val()
	if !f.id.Equal(a.Insertion) || a.Offset < f.start || a.Offset >= f.start+f.length {
		return nil, 0, ErrInvalidAnchor{a}
	}
	return f, a.Offset - f.start, nil
}

// OffsetForAnchor resolves a as a live visible offset, per spec.md
// §4.3/§8 (testable property 4): Left bias counts visible characters
// strictly before the anchor's character; Right bias counts up to and
// including it.
func (b *Buffer) OffsetForAnchor(a Anchor) (int, error) {
	if a.isStart() {
		return 0, nil
	}
	if a.isEnd() {
		return b.Len(), nil
	}
	f, charPos, err := b.locateChar(a)
	if err != nil {
		return 0, err
	}
	before := b.beforeFragment(f)
	if f.deleted() {
		return before, nil
	}
	switch a.Bias {
	case BiasRight:
		return before + charPos + 1, nil
	default:
		return before + charPos, nil
	}
}

func (b *Buffer) beforeFragment(f *fragment) int {
	c := b.sequence.Cursor()
	c.SeekKey(seqKeyOf(f))
	if !c.Valid() {
		return b.Len()
	}
	return c.BeforeSummary()
}

// AnchorBeforeOffset returns a Left-biased anchor at the character
// currently at offset (StartOfBuffer if offset == 0).
func (b *Buffer) AnchorBeforeOffset(offset int) (Anchor, error) {
	return b.anchorAtOffset(offset, BiasLeft)
}

// AnchorAfterOffset returns a Right-biased anchor at the character
// immediately preceding offset (EndOfBuffer if offset == Len()).
func (b *Buffer) AnchorAfterOffset(offset int) (Anchor, error) {
	return b.anchorAtOffset(offset, BiasRight)
}

// anchorAtOffset picks the global character slot whose (before +
// local-index [+1 for Right bias]) resolves back to exactly offset,
// then locates the live fragment covering that slot. BiasLeft anchors
// the char currently AT offset; BiasRight anchors the char
// immediately before it — the two are the same slot only
// coincidentally, so each bias must seek its own slot.
func (b *Buffer) anchorAtOffset(offset int, bias Bias) (Anchor, error) {
	if offset <= 0 {
		return StartOfBuffer(), nil
	}
	if offset >= b.Len() {
		return EndOfBuffer(), nil
	}
	slot := offset
	if bias == BiasRight {
		slot = offset - 1
	}
	c := b.sequence.Cursor()
	c.SeekSummary(func(acc int) bool { return acc > slot })
	if !c.Valid() {
		return EndOfBuffer(), nil
	}
	f := c.Val()
	before := c.BeforeSummary()
	charIdx := slot - before
	if charIdx < 0 {
		charIdx = 0
	}
	return Anchor{Insertion: f.id, Offset: f.start + charIdx, Bias: bias}, nil
}

// TextInRange concatenates visible fragment slices between resolved
// anchors a (inclusive-ish per bias) and c.
func (b *Buffer) TextInRange(a, c Anchor) (string, error) {
	start, err := b.OffsetForAnchor(a)
	if err != nil {
		return "", err
	}
	end, err := b.OffsetForAnchor(c)
	if err != nil {
		return "", err
	}
	if end < start {
		start, end = end, start
	}
	return b.sliceVisible(start, end), nil
}

func (b *Buffer) sliceVisible(start, end int) string {
	var sb strings.Builder
	cur := b.sequence.Cursor()
	for cur.Next() {
		f := cur.Val()
		if f.deleted() {
			continue
		}
		before := cur.BeforeSummary()
		fStart, fEnd := before, before+f.length
		lo, hi := maxInt(fStart, start), minInt(fEnd, end)
		if hi > lo {
			sb.WriteString(f.text[lo-fStart : hi-fStart])
		}
		if fEnd >= end {
			break
		}
	}
	return sb.String()
}

// ChangesSince returns the changes this buffer has accumulated since a
// prior version, expressed as (range, new_text) pairs per spec.md §4
// ("changes_since(vector_clock) -> sequence of (range, new_text)").
// Grounded on the pack's LWWMap.ComputeDelta delta-sync pattern
// (federation-crdt.go): walk every fragment once and include it only
// if since has not already observed the stamp responsible for its
// current visibility.
//
// Each range is zero-width at the fragment's current offset: an
// insertion not yet observed by since reports its text; a fragment
// tombstoned by a stamp not yet observed by since reports an empty
// NewText, signalling a deletion at that point. Offsets are computed
// against this buffer's current sequence, not a historical
// reconstruction of the caller's own view as of since.
func (b *Buffer) ChangesSince(since *clock.Global) []ChangedRange {
	var out []ChangedRange
	offset := 0
	c := b.sequence.Cursor()
	for c.Next() {
		f := c.Val()
		insertedSince := !since.Observed(clock.Local{Replica: f.id.Replica, Seq: f.localSeq})
		switch {
		case f.deleted():
			if !insertedSince && tombstonesUnobserved(f.tombstones, since) {
				out = append(out, ChangedRange{Start: offset, End: offset})
			}
		case insertedSince:
			out = append(out, ChangedRange{Start: offset, End: offset, NewText: f.text})
		}
		if !f.deleted() {
			offset += f.length
		}
	}
	return out
}

func tombstonesUnobserved(tombstones map[clock.Lamport]uint64, since *clock.Global) bool {
	for stamp, localSeq := range tombstones {
		if !since.Observed(clock.Local{Replica: stamp.Replica, Seq: localSeq}) {
			return true
		}
	}
	return false
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
