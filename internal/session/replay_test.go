package session

import (
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/Polqt/synccore/internal/clock"
	"github.com/Polqt/synccore/internal/epoch"
	"github.com/Polqt/synccore/internal/replicaid"
	"github.com/Polqt/synccore/internal/wire"
	"github.com/Polqt/synccore/internal/worktree"
)

func TestReplayLogRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "envelopes.log")

	hub := NewHub("", nil, nil, zerolog.Nop())
	room, err := hub.GetOrCreate("room-1")
	require.NoError(t, err)

	replica := replicaid.New()
	fileID := replicaid.New()
	stamp := clock.Lamport{Value: 0, Replica: replica}
	env := worktree.Envelope{
		EpochID:       room.Tree().Head(),
		SenderReplica: replica,
		Ops: []worktree.Op{{
			EpochID:      room.Tree().Head(),
			Kind:         worktree.OpCreate,
			Stamp:        stamp,
			Dependencies: clock.NewGlobal(),
			FileID:       fileID,
			Create: &epoch.CreateOp{
				Replica: replica, Stamp: stamp,
				Parent:  epoch.ParentRef{ParentID: replicaid.Root},
				Name:    "notes.txt", NewID: fileID, Type: epoch.RegularFile,
				Version: clock.NewGlobal(),
			},
		}},
	}
	payload, err := wire.EncodeEnvelope(env)
	require.NoError(t, err)

	rl, err := OpenReplayLog(path)
	require.NoError(t, err)
	require.NoError(t, rl.Append("room-1", payload))
	require.NoError(t, rl.Close())

	fresh := NewHub("", nil, nil, zerolog.Nop())
	require.NoError(t, ReplayInto(fresh, path))

	replayedRoom, err := fresh.GetOrCreate("room-1")
	require.NoError(t, err)
	path2, err := replayedRoom.Tree().HeadEpoch().Path(fileID)
	require.NoError(t, err)
	require.Equal(t, "notes.txt", path2)
}

func TestReplayIntoMissingFileIsNotAnError(t *testing.T) {
	hub := NewHub("", nil, nil, zerolog.Nop())
	require.NoError(t, ReplayInto(hub, filepath.Join(t.TempDir(), "does-not-exist.log")))
}
