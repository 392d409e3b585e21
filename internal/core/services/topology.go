package services

import (
	"time"

	"peermesh/internal/core/domain"
	"peermesh/pkg/config"
)

// TopologyNode is the view of a session a topology strategy works against.
type TopologyNode interface {
	LocalID() domain.PeerID
	// Confirmed reports a data connection the remote has answered on.
	Confirmed(peer domain.PeerID) bool
	// Linked reports any tracked data connection, confirmed or not.
	Linked(peer domain.PeerID) bool
	Dial(peer domain.PeerID) error
	Synced(peers []domain.PeerID, took time.Duration)
}

// TopologyStrategy decides what a node does with the host's peer lists.
type TopologyStrategy interface {
	Mode() string
	OnPeerList(peers []domain.PeerID)
	OnPeerConfirmed(peer domain.PeerID)
}

// NewTopology selects the strategy for mode. Unknown modes get the host star.
func NewTopology(mode string, node TopologyNode) TopologyStrategy {
	if mode == config.ModeFull {
		return &FullMeshTopology{node: node}
	}
	return &HostTopology{node: node}
}

// HostTopology routes everything through the host. A peer list is only
// reported, never dialed.
type HostTopology struct {
	node TopologyNode
}

func (t *HostTopology) Mode() string { return config.ModeHost }

func (t *HostTopology) OnPeerList(peers []domain.PeerID) {
	t.node.Synced(dedupe(peers), 0)
}

func (t *HostTopology) OnPeerConfirmed(domain.PeerID) {}

// FullMeshTopology keeps a direct data connection to every listed peer.
// Each peer list opens a round that completes once every listed id is
// confirmed; a newer list replaces an unfinished round.
type FullMeshTopology struct {
	node  TopologyNode
	round *syncRound
}

type syncRound struct {
	expected []domain.PeerID
	seen     map[domain.PeerID]bool
	started  time.Time
	done     bool
}

func (t *FullMeshTopology) Mode() string { return config.ModeFull }

// OnPeerList counts self and already confirmed peers immediately. To avoid
// two peers dialing each other at once, a node only dials the peers listed
// before it and waits for the later ones to dial in. A later peer that never
// dials in keeps the round open until the host sends a newer list.
func (t *FullMeshTopology) OnPeerList(peers []domain.PeerID) {
	expected := dedupe(peers)
	round := &syncRound{
		expected: expected,
		seen:     make(map[domain.PeerID]bool, len(expected)),
		started:  time.Now(),
	}
	t.round = round

	self := t.node.LocalID()
	selfIdx := -1
	for i, id := range expected {
		if id == self {
			selfIdx = i
			break
		}
	}

	for i, id := range expected {
		switch {
		case id == self:
			round.seen[id] = true
		case t.node.Confirmed(id):
			round.seen[id] = true
		case t.node.Linked(id):
		case selfIdx == -1 || i < selfIdx:
			_ = t.node.Dial(id)
		}
	}
	t.finish()
}

func (t *FullMeshTopology) OnPeerConfirmed(peer domain.PeerID) {
	if t.round == nil || t.round.done {
		return
	}
	for _, id := range t.round.expected {
		if id == peer {
			t.round.seen[peer] = true
			t.finish()
			return
		}
	}
}

func (t *FullMeshTopology) finish() {
	r := t.round
	if r.done || len(r.seen) != len(r.expected) {
		return
	}
	r.done = true
	peers := make([]domain.PeerID, len(r.expected))
	copy(peers, r.expected)
	t.node.Synced(peers, time.Since(r.started))
}

func dedupe(peers []domain.PeerID) []domain.PeerID {
	seen := make(map[domain.PeerID]bool, len(peers))
	out := make([]domain.PeerID, 0, len(peers))
	for _, id := range peers {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

// sessionNode adapts a Session to TopologyNode. Methods run on the loop.
type sessionNode struct {
	s *Session
}

func (n sessionNode) LocalID() domain.PeerID { return n.s.identity.ID }

func (n sessionNode) Confirmed(peer domain.PeerID) bool {
	l := n.s.registry.link(peer)
	return l != nil && l.confirmed
}

func (n sessionNode) Linked(peer domain.PeerID) bool {
	return n.s.registry.link(peer) != nil
}

func (n sessionNode) Dial(peer domain.PeerID) error {
	err := n.s.dialPeer(peer)
	if err != nil {
		n.s.logger.Warnw("Full mesh dial failed", "room_id", n.s.room, "peer_id", peer, "error", err)
	}
	return err
}

func (n sessionNode) Synced(peers []domain.PeerID, took time.Duration) {
	n.s.metrics.RecordSync(n.s.room, took)
	n.s.logger.Infow("Topology synced", "room_id", n.s.room, "peers", len(peers), "took", took)
	n.s.emit(domain.Synced{Peers: peers})
}
