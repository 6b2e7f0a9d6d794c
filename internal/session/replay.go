package session

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/Polqt/synccore/internal/wire"
	"github.com/Polqt/synccore/internal/worktree"
)

// ReplayLog appends every envelope a Hub dispatches, tagged with its
// room id, as one length-prefixed record — spec.md §6: "hosts may
// persist envelopes and replay on startup; replay is safe because
// application is idempotent." Framing is two uint32BE-length-prefixed
// byte strings per record: the room id, then the wire-encoded
// envelope.
type ReplayLog struct {
	f *os.File
}

// OpenReplayLog opens path for appending, creating it if it does not
// already exist.
func OpenReplayLog(path string) (*ReplayLog, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("replay log: open %q: %w", path, err)
	}
	return &ReplayLog{f: f}, nil
}

// Append writes one record for roomID/payload, flushed immediately so
// a crash right after a dispatch still has the record on disk.
func (r *ReplayLog) Append(roomID string, payload []byte) error {
	if err := writeFramed(r.f, []byte(roomID)); err != nil {
		return err
	}
	if err := writeFramed(r.f, payload); err != nil {
		return err
	}
	return r.f.Sync()
}

// Close closes the underlying file.
func (r *ReplayLog) Close() error { return r.f.Close() }

func writeFramed(w io.Writer, b []byte) error {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(b)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func readFramed(br *bufio.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(br, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(br, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// ReplayInto reads every record at path, if it exists, and applies it
// directly to hub's rooms — bypassing peer broadcast, since no peer
// is connected yet during startup replay. A malformed record is
// logged and skipped rather than aborting the remaining replay,
// matching Dispatch's own Deserialize handling (spec.md §7).
func ReplayInto(hub *Hub, path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("replay log: open %q: %w", path, err)
	}
	defer f.Close()

	br := bufio.NewReader(f)
	count := 0
	for {
		roomID, err := readFramed(br)
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("replay log: reading room id: %w", err)
		}
		payload, err := readFramed(br)
		if err != nil {
			return fmt.Errorf("replay log: reading payload for room %q: %w", roomID, err)
		}

		room, err := hub.GetOrCreate(string(roomID))
		if err != nil {
			return fmt.Errorf("replay log: bootstrapping room %q: %w", roomID, err)
		}
		env, err := wire.DecodeEnvelope(payload)
		if err != nil {
			hub.log.Warn().Err(err).Str("room", string(roomID)).Msg("replay log: dropping malformed record")
			continue
		}
		room.mu.Lock()
		_, err = room.tree.ApplyOps([]worktree.Envelope{env})
		room.mu.Unlock()
		if err != nil {
			hub.log.Warn().Err(err).Str("room", string(roomID)).Msg("replay log: envelope contained invalid operations")
		}
		count++
	}
	hub.log.Info().Int("records", count).Msg("replayed envelope log")
	return nil
}
