package worktree_test

import (
	"context"
	"math/rand"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/Polqt/synccore/internal/replicaid"
	"github.com/Polqt/synccore/internal/worktree"
)

// envelope pairs a produced op with the peer that produced it, so the
// randomized delivery step below can address "every other peer" and
// can re-deliver an op to its own producer as a duplicate.
type envelope struct {
	sender replicaid.ID
	epoch  replicaid.ID
	op     worktree.Op
}

// randomStream produces a small, deterministic-per-seed sequence of
// edits against peer's copy of bufID, tracking the peer's own visible
// length locally so successive edits target valid offsets. Each edit
// is either an insertion at a random offset or a deletion of a random
// sub-range, mirroring the insert/delete mix spec.md §8's scenarios
// exercise by hand.
func randomStream(t *testing.T, rng *rand.Rand, peer *worktree.WorkTree, sender replicaid.ID, epochID, bufID replicaid.ID, n int) []envelope {
	t.Helper()
	var out []envelope
	for i := 0; i < n; i++ {
		text, err := peer.BufferText(bufID)
		require.NoError(t, err)
		length := len(text)

		var op worktree.Op
		if length == 0 || rng.Intn(2) == 0 {
			offset := 0
			if length > 0 {
				offset = rng.Intn(length + 1)
			}
			at, err := peer.AnchorAfterOffset(bufID, offset)
			require.NoError(t, err)
			op, err = peer.Edit(bufID, at, at, randomWord(rng))
			require.NoError(t, err)
		} else {
			a := rng.Intn(length)
			b := a + rng.Intn(length-a) + 1
			start, err := peer.AnchorAfterOffset(bufID, a)
			require.NoError(t, err)
			end, err := peer.AnchorAfterOffset(bufID, b)
			require.NoError(t, err)
			op, err = peer.Edit(bufID, start, end, "")
			require.NoError(t, err)
		}
		out = append(out, envelope{sender: sender, epoch: epochID, op: op})
	}
	return out
}

func randomWord(rng *rand.Rand) string {
	words := []string{"a", "bee", "cat", "do", "e"}
	return words[rng.Intn(len(words))]
}

// deliverRandomized feeds recipient every envelope not produced by
// recipient itself, each wrapped in its own single-op Envelope (so
// reordering and duplication are visible between individual ops, not
// only between batches), duplicated zero-to-two times and delivered
// in an order shuffled independently per recipient — modeling a
// network that reorders, drops-then-retransmits, and delays delivery
// across peers differently.
func deliverRandomized(t *testing.T, rng *rand.Rand, recipient *worktree.WorkTree, self replicaid.ID, all []envelope) {
	t.Helper()
	var inbox []envelope
	for _, e := range all {
		if e.sender == self {
			continue
		}
		copies := rng.Intn(3) // 0, 1, or 2 redundant deliveries
		for c := 0; c < copies+1; c++ {
			inbox = append(inbox, e)
		}
	}
	rng.Shuffle(len(inbox), func(i, j int) { inbox[i], inbox[j] = inbox[j], inbox[i] })

	for _, e := range inbox {
		_, err := recipient.ApplyOps([]worktree.Envelope{{EpochID: e.epoch, SenderReplica: e.sender, Ops: []worktree.Op{e.op}}})
		require.NoError(t, err, "a dependency-gated or duplicate op must never itself report failure")
	}
}

// TestConvergencePropertyRandomizedMultiPeer is the randomized
// multi-peer property suite of spec.md §8's "Universal invariants":
// 2-8 simulated peers each produce a random stream of concurrent
// inserts and deletes against one shared buffer, and every peer's
// view of every other peer's ops is independently duplicated,
// reordered, and delayed. Regardless, every peer must converge on
// identical text (Strong Eventual Consistency, spec.md invariant 3).
//
// Run under a handful of fixed seeds rather than one: each seed picks
// a different peer count and a different interleaving, the same way
// TestS1..TestS6 each fix one hand-picked scenario, but without
// hand-picking the schedule.
func TestConvergencePropertyRandomizedMultiPeer(t *testing.T) {
	seeds := []int64{1, 2, 3, 4, 5, 6, 7, 8}
	for _, seed := range seeds {
		seed := seed
		t.Run(seedName(seed), func(t *testing.T) {
			rng := rand.New(rand.NewSource(seed))
			numPeers := 2 + rng.Intn(7) // 2..8

			peers := make([]*worktree.WorkTree, numPeers)
			reps := make([]replicaid.ID, numPeers)
			for i := range peers {
				rep := replicaid.New()
				wt, ops, err := worktree.New(rep, "property-base", nil, nil, nil, zerolog.Nop())
				require.NoError(t, err)
				require.Empty(t, ops)
				peers[i] = wt
				reps[i] = rep
			}
			epochID := peers[0].Head()
			for _, p := range peers {
				require.Equal(t, epochID, p.Head(), "peers sharing a base commit must agree on the epoch id")
			}

			// Peer 0 creates the shared file and broadcasts it first, so
			// every peer's random stream below has somewhere to write —
			// the randomized delivery of every other op still applies to
			// this one (it is just the first envelope every peer ingests).
			bufID, createOp, err := peers[0].CreateFile(replicaid.Root, "property.txt")
			require.NoError(t, err)
			for i := 1; i < numPeers; i++ {
				_, err := peers[i].ApplyOps([]worktree.Envelope{{EpochID: epochID, SenderReplica: reps[0], Ops: []worktree.Op{createOp}}})
				require.NoError(t, err)
			}
			for i := range peers {
				_, err := peers[i].OpenTextFile(context.Background(), "property.txt")
				require.NoError(t, err)
			}

			var all []envelope
			for i, p := range peers {
				n := 1 + rng.Intn(4) // 1..4 ops per peer
				all = append(all, randomStream(t, rng, p, reps[i], epochID, bufID, n)...)
			}

			for i, p := range peers {
				deliverRandomized(t, rng, p, reps[i], all)
			}

			want, err := peers[0].BufferText(bufID)
			require.NoError(t, err)
			for i := 1; i < numPeers; i++ {
				got, err := peers[i].BufferText(bufID)
				require.NoError(t, err)
				require.Equal(t, want, got, "all peers must converge regardless of duplication, reordering, and delay")
			}
		})
	}
}

func seedName(seed int64) string {
	names := map[int64]string{
		1: "seed-1", 2: "seed-2", 3: "seed-3", 4: "seed-4",
		5: "seed-5", 6: "seed-6", 7: "seed-7", 8: "seed-8",
	}
	if n, ok := names[seed]; ok {
		return n
	}
	return "seed"
}
