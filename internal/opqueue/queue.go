package opqueue

import (
	"sort"
	"sync"

	"github.com/Polqt/synccore/internal/clock"
	"github.com/Polqt/synccore/internal/replicaid"
)

// Queue buffers operations whose dependency vector clock is not yet
// satisfied by the owning work tree's current clock, keyed by
// (epoch_id, Λ) per spec.md §4.5. Safe for concurrent use.
type Queue struct {
	mu        sync.Mutex
	pending   map[replicaid.ID]map[clock.Lamport]Item
	applied   map[replicaid.ID]map[clock.Lamport]struct{}
	abandoned map[replicaid.ID]bool
}

// New returns an empty queue.
func New() *Queue {
	return &Queue{
		pending:   make(map[replicaid.ID]map[clock.Lamport]Item),
		applied:   make(map[replicaid.ID]map[clock.Lamport]struct{}),
		abandoned: make(map[replicaid.ID]bool),
	}
}

// Enqueue offers item for admission. It reports false, discarding the
// item, when: the item's epoch has been abandoned (spec.md §4.5, "a
// received op for an abandoned epoch is discarded"), or the same Λ
// has already been queued or applied (stability: "duplicates are
// recognized and dropped"). A caller should immediately follow a
// successful Enqueue with Release to pick up any item that was
// already satisfied.
func (q *Queue) Enqueue(item Item) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.abandoned[item.EpochID] {
		return false
	}
	if _, ok := q.applied[item.EpochID][item.Stamp]; ok {
		return false
	}
	if _, ok := q.pending[item.EpochID][item.Stamp]; ok {
		return false
	}
	if q.pending[item.EpochID] == nil {
		q.pending[item.EpochID] = make(map[clock.Lamport]Item)
	}
	q.pending[item.EpochID][item.Stamp] = item
	return true
}

// Release scans every buffered item whose dependencies are satisfied
// by current (spec.md §4.5: "dependencies <= current_clock"), removes
// them, and returns them in ascending Λ order. Releasing an item can
// satisfy another buffered item whose dependency set names that same
// item's (replica, LocalSeq) coordinate, so Release cascades
// internally against a working copy of current until a full scan
// makes no further progress; it never mutates the caller's clock. The
// working clock advances by each released item's LocalSeq, not its
// Stamp's Λ-value — the two diverge once a replica has observed a
// high remote Lamport timestamp, and only LocalSeq is a true count of
// that replica's own prior ops.
func (q *Queue) Release(current *clock.Global) []Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	working := current.Clone()
	var released []Item
	for {
		progressed := false
		for epochID := range q.abandoned {
			delete(q.pending, epochID)
		}
		for epochID, items := range q.pending {
			for stamp, item := range items {
				if !item.Dependencies.LessOrEqual(working) {
					continue
				}
				delete(items, stamp)
				if q.applied[epochID] == nil {
					q.applied[epochID] = make(map[clock.Lamport]struct{})
				}
				q.applied[epochID][stamp] = struct{}{}
				working.Observe(clock.Local{Replica: stamp.Replica, Seq: item.LocalSeq})
				released = append(released, item)
				progressed = true
			}
			if len(items) == 0 {
				delete(q.pending, epochID)
			}
		}
		if !progressed {
			break
		}
	}

	sort.Slice(released, func(i, j int) bool { return released[i].Stamp.Less(released[j].Stamp) })
	return released
}

// Abandon discards every buffered item for epochID and causes future
// Enqueue calls naming it to be discarded too, per spec.md §8
// scenario S6 (epoch reset drops the old epoch's in-flight ops).
func (q *Queue) Abandon(epochID replicaid.ID) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.abandoned[epochID] = true
	delete(q.pending, epochID)
}

// Pending returns a snapshot of epochID's buffered items, ascending by
// Λ, for callers implementing the InvalidOperation quarantine policy
// of spec.md §7 (dropping ops whose dependency can never arrive).
func (q *Queue) Pending(epochID replicaid.ID) []Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := make([]Item, 0, len(q.pending[epochID]))
	for _, item := range q.pending[epochID] {
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Stamp.Less(items[j].Stamp) })
	return items
}

// Drop removes a single buffered item, reporting whether it was
// present. Used to evict a quarantined op.
func (q *Queue) Drop(epochID replicaid.ID, stamp clock.Lamport) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	items, ok := q.pending[epochID]
	if !ok {
		return false
	}
	if _, ok := items[stamp]; !ok {
		return false
	}
	delete(items, stamp)
	if len(items) == 0 {
		delete(q.pending, epochID)
	}
	return true
}

// Len returns the total number of buffered items across every epoch,
// for the queue-depth metrics gauge.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, items := range q.pending {
		n += len(items)
	}
	return n
}
