// Package session manages connected peers and routes operation
// envelopes between them and their shared work tree.
//
// Generalized from the teacher's Hub/Document/Session registry
// (projects/03-crdt-collab-backend/session/session.go): one Document
// held a single *crdt.RGA and a set of sessions; one Room here holds a
// single *worktree.WorkTree (spec.md §4.6) and the same kind of
// session set. Dispatch no longer special-cases insert/delete message
// types — every mutation arrives as an opaque worktree.Envelope
// (spec.md §6) decoded by internal/wire and fed through
// WorkTree.ApplyOps, so Hub.Dispatch is a thin decode/apply/broadcast
// loop instead of a per-op-type switch.
package session

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/Polqt/synccore/internal/gitprovider"
	"github.com/Polqt/synccore/internal/replicaid"
	"github.com/Polqt/synccore/internal/wire"
	"github.com/Polqt/synccore/internal/worktree"
)

// Sender is implemented by the transport layer so Room can push raw
// wire bytes to a peer without depending on the transport package.
type Sender interface {
	Send(payload []byte) error
	Close() error
	RemoteAddr() string
}

// Peer represents one connected replica editing a room's work tree.
type Peer struct {
	ID        string // connection-scoped id (UUID), unrelated to ReplicaID
	RoomID    string
	ReplicaID replicaid.ID
	sender    Sender
}

// NewPeer creates a peer bound to sender.
func NewPeer(id, roomID string, replica replicaid.ID, sender Sender) *Peer {
	return &Peer{ID: id, RoomID: roomID, ReplicaID: replica, sender: sender}
}

// Push sends raw wire bytes to this peer.
func (p *Peer) Push(payload []byte) error { return p.sender.Send(payload) }

// Room holds the live work tree for one collaboration session plus
// its connected peers. baseCommit and git are fixed at room creation;
// every peer joining the same RoomID shares one WorkTree instance.
type Room struct {
	mu    sync.Mutex
	ID    string
	tree  *worktree.WorkTree
	peers map[string]*Peer
	log   zerolog.Logger
}

func newRoom(id string, replica replicaid.ID, baseCommit string, git gitprovider.Provider, metrics worktree.Metrics, log zerolog.Logger) (*Room, error) {
	tree, _, err := worktree.New(replica, baseCommit, git, nil, metrics, log)
	if err != nil {
		return nil, err
	}
	return &Room{ID: id, tree: tree, peers: make(map[string]*Peer), log: log}, nil
}

// Tree returns the room's work tree. Callers must hold no assumption
// of exclusivity beyond what Room's own mutex already provides —
// reach the tree only through Hub.Dispatch.
func (r *Room) Tree() *worktree.WorkTree {
	return r.tree
}

// broadcast sends payload to every peer in the room except excludeID.
func (r *Room) broadcast(payload []byte, excludeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, p := range r.peers {
		if id == excludeID {
			continue
		}
		if err := p.Push(payload); err != nil {
			r.log.Warn().Err(err).Str("peer", id).Msg("broadcast failed")
		}
	}
}

// Hub is the registry of all active rooms, generalizing the teacher's
// map[docID]*Document to map[roomID]*Room.
type Hub struct {
	mu          sync.RWMutex
	rooms       map[string]*Room
	git         gitprovider.Provider
	metrics     worktree.Metrics
	log         zerolog.Logger
	baseCommit  string // shared fixture base commit for every new room
	replicaSeed func() replicaid.ID
	replayLog   *ReplayLog
}

// SetReplayLog attaches rl so every envelope this Hub dispatches is
// also appended to it (spec.md §6's "hosts may persist envelopes and
// replay on startup"). nil disables logging.
func (h *Hub) SetReplayLog(rl *ReplayLog) {
	h.replayLog = rl
}

// SetReplicaSeed overrides how a room's own work-tree replica identity
// is assigned on first access (default: a fresh replicaid.New() per
// room). A host persisting its identity across restarts (internal/
// config's ReplicaIDPath) supplies a seed that always returns the same
// loaded id instead.
func (h *Hub) SetReplicaSeed(seed func() replicaid.ID) {
	h.replicaSeed = seed
}

// NewHub creates a registry whose rooms load baseCommit from git
// (nil permitted: rooms then start with an empty, unseeded epoch).
func NewHub(baseCommit string, git gitprovider.Provider, metrics worktree.Metrics, log zerolog.Logger) *Hub {
	return &Hub{
		rooms:       make(map[string]*Room),
		git:         git,
		metrics:     metrics,
		log:         log,
		baseCommit:  baseCommit,
		replicaSeed: replicaid.New,
	}
}

// GetOrCreate returns the room with the given id, creating and
// bootstrapping its work tree on first access. The room's own replica
// identity (distinct from any peer's) owns local synthesis such as
// ResetEpoch ops issued by host-side administration; peers never
// share it.
func (h *Hub) GetOrCreate(roomID string) (*Room, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if r, ok := h.rooms[roomID]; ok {
		return r, nil
	}
	r, err := newRoom(roomID, h.replicaSeed(), h.baseCommit, h.git, h.metrics, h.log)
	if err != nil {
		return nil, err
	}
	h.rooms[roomID] = r
	return r, nil
}

// Join registers peer with its room.
func (h *Hub) Join(peer *Peer) (*Room, error) {
	room, err := h.GetOrCreate(peer.RoomID)
	if err != nil {
		return nil, err
	}
	room.mu.Lock()
	room.peers[peer.ID] = peer
	room.mu.Unlock()
	return room, nil
}

// Leave removes peer from its room.
func (h *Hub) Leave(peer *Peer) {
	h.mu.RLock()
	room, ok := h.rooms[peer.RoomID]
	h.mu.RUnlock()
	if !ok {
		return
	}
	room.mu.Lock()
	delete(room.peers, peer.ID)
	room.mu.Unlock()
	h.log.Info().Str("peer", peer.ID).Str("room", peer.RoomID).Msg("peer left")
}

// Dispatch decodes an incoming wire payload, applies it to the
// sender's room, and rebroadcasts the same bytes to every other peer
// — envelopes are immutable once emitted (spec.md §6), so there is
// nothing to re-encode on the way out. A malformed payload is the
// Deserialize error kind of spec.md §7: logged and dropped, the
// connection stays open.
func (h *Hub) Dispatch(peer *Peer, payload []byte) {
	room, err := h.GetOrCreate(peer.RoomID)
	if err != nil {
		h.log.Warn().Err(err).Str("room", peer.RoomID).Msg("room bootstrap failed")
		return
	}

	env, err := wire.DecodeEnvelope(payload)
	if err != nil {
		h.log.Warn().Err(err).Str("peer", peer.ID).Msg("dropping malformed envelope")
		return
	}

	if h.replayLog != nil {
		if err := h.replayLog.Append(peer.RoomID, payload); err != nil {
			h.log.Warn().Err(err).Str("peer", peer.ID).Msg("replay log append failed")
		}
	}

	room.mu.Lock()
	_, err = room.tree.ApplyOps([]worktree.Envelope{env})
	room.mu.Unlock()
	if err != nil {
		h.log.Warn().Err(err).Str("peer", peer.ID).Msg("envelope contained invalid operations")
	}

	room.broadcast(payload, peer.ID)
}
