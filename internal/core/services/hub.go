package services

import (
	"context"
	"encoding/json"
	"time"

	"golang.org/x/time/rate"

	"peermesh/internal/core/domain"
)

const storeTimeout = 5 * time.Second

// hub is the host role: the node registered under the room id. It keeps the
// join-ordered client list, fans out peer lists and call maps, enforces the
// mesh capacity and relays messages between clients.
type hub struct {
	s        *Session
	clients  []domain.PeerID
	initData map[string]json.RawMessage
	limiters map[domain.PeerID]*rate.Limiter
}

func newHub(s *Session) *hub {
	return &hub{
		s:        s,
		initData: make(map[string]json.RawMessage),
		limiters: make(map[domain.PeerID]*rate.Limiter),
	}
}

// start restores the room's init data from the roster store.
func (h *hub) start() {
	s := h.s
	s.logger.Infow("Hosting room", "room_id", s.room, "max_mesh_peers", s.cfg.MaxMeshPeers)
	if s.store == nil {
		return
	}

	room, epoch := s.room, s.epoch
	s.storeQueue.post(func() {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()

		data, err := s.store.InitData(ctx, room)
		if err != nil {
			s.logger.Warnw("Failed to load init data", "room_id", room, "error", err)
			return
		}
		s.loop.post(func() {
			if s.epoch != epoch || s.hub != h {
				return
			}
			for k, v := range data {
				if _, ok := h.initData[k]; !ok {
					h.initData[k] = v
				}
			}
			s.logger.Debugw("Restored init data", "room_id", room, "keys", len(data))
		})
	})
}

func (h *hub) full() bool {
	limit := h.s.cfg.MaxMeshPeers
	return limit > 0 && len(h.clients) >= limit
}

func (h *hub) reject(l *link) {
	s := h.s
	limit := s.cfg.MaxMeshPeers
	s.logger.Warnw("Room full, rejecting peer", "room_id", s.room, "peer_id", l.peer, "limit", limit)
	l.rejected = true
	if err := s.send(l, domain.Message{MeshLimit: limit}); err != nil {
		s.logger.Debugw("Failed to send mesh limit", "peer_id", l.peer, "error", err)
	}
	s.closeLink(l)
}

func (h *hub) admit(l *link) {
	s := h.s
	known := false
	for _, id := range h.clients {
		if id == l.peer {
			known = true
			break
		}
	}
	if !known {
		h.clients = append(h.clients, l.peer)
		if s.cfg.RelayPerSecond > 0 {
			burst := int(s.cfg.RelayPerSecond)
			if burst < 1 {
				burst = 1
			}
			h.limiters[l.peer] = rate.NewLimiter(rate.Limit(s.cfg.RelayPerSecond), burst)
		}
	}

	s.emit(domain.Synced{Peers: h.roster()})

	if len(h.initData) > 0 {
		data := make(map[string]json.RawMessage, len(h.initData))
		for k, v := range h.initData {
			data[k] = v
		}
		h.sendTo(l.peer, domain.Message{InitData: data})
	}

	h.broadcastPeerList()
	if !known {
		for _, id := range h.clients {
			if id != l.peer {
				h.sendTo(id, domain.Message{Identify: l.peer})
			}
		}
	}
	h.persist()
}

// lost removes a client whose connection ended.
func (h *hub) lost(peer domain.PeerID) {
	if !h.forget(peer) {
		return
	}
	for _, id := range h.clients {
		h.sendTo(id, domain.Message{Dropped: peer})
	}
	h.broadcastPeerList()
	h.persist()
}

// forget drops peer from the roster without notifying anyone.
func (h *hub) forget(peer domain.PeerID) bool {
	for i, id := range h.clients {
		if id == peer {
			h.clients = append(h.clients[:i], h.clients[i+1:]...)
			delete(h.limiters, peer)
			return true
		}
	}
	return false
}

func (h *hub) roster() []domain.PeerID {
	out := make([]domain.PeerID, len(h.clients))
	copy(out, h.clients)
	return out
}

func (h *hub) broadcastPeerList() {
	if len(h.clients) == 0 {
		return
	}
	msg := domain.Message{
		PeerList: h.roster(),
		CallMap:  domain.CallMapOf(h.s.registry.callMap()),
	}
	for _, id := range h.clients {
		h.sendTo(id, msg)
	}
}

// broadcastCallMap sends the host's call map to every client. When a leg
// ended, the other clients also get {callstopped} for that peer in the same
// message, so the drop is reported once.
func (h *hub) broadcastCallMap(stopped domain.PeerID) {
	callMap := domain.CallMapOf(h.s.registry.callMap())
	for _, id := range h.clients {
		msg := domain.Message{CallMap: callMap}
		if stopped != "" && id != stopped {
			msg.CallStopped = stopped
		}
		h.sendTo(id, msg)
	}
}

// relay forwards a message addressed to another client.
func (h *hub) relay(from *link, msg domain.Message) {
	s := h.s
	if !from.confirmed {
		s.logger.Debugw("Relay from unconfirmed peer ignored", "peer_id", from.peer)
		return
	}
	if lim := h.limiters[from.peer]; lim != nil && !lim.Allow() {
		s.logger.Warnw("Relay rate exceeded, dropping message", "peer_id", from.peer, "to", msg.To)
		return
	}
	target := s.registry.link(msg.To)
	if target == nil || !target.confirmed {
		s.logger.Warnw("Relay target not connected", "peer_id", from.peer, "to", msg.To)
		return
	}
	msg.To = ""
	msg.FromPeer = from.peer
	if err := s.send(target, msg); err != nil {
		s.logger.Warnw("Relay failed", "peer_id", from.peer, "to", target.peer, "error", err)
	}
}

func (h *hub) setInitData(key string, value json.RawMessage) {
	s := h.s
	h.initData[key] = value
	s.emit(domain.InitData{Key: key, Value: value})

	msg := domain.Message{InitData: map[string]json.RawMessage{key: value}}
	for _, id := range h.clients {
		h.sendTo(id, msg)
	}

	if s.store == nil {
		return
	}
	room := s.room
	s.storeQueue.post(func() {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()
		if err := s.store.SaveInitData(ctx, room, key, value); err != nil {
			s.logger.Warnw("Failed to store init data", "room_id", room, "key", key, "error", err)
		}
	})
}

// shutdown tells every client the host is leaving.
func (h *hub) shutdown() {
	for _, id := range h.clients {
		h.sendTo(id, domain.Message{HostDropped: true})
	}
	h.clients = nil
	h.persist()
}

func (h *hub) persist() {
	s := h.s
	if s.store == nil {
		return
	}
	room, members := s.room, h.roster()
	s.storeQueue.post(func() {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()
		if err := s.store.SaveMembers(ctx, room, members); err != nil {
			s.logger.Warnw("Failed to store roster", "room_id", room, "error", err)
		}
	})
}

func (h *hub) sendTo(peer domain.PeerID, msg domain.Message) {
	l := h.s.registry.link(peer)
	if l == nil || !l.open {
		return
	}
	if err := h.s.send(l, msg); err != nil {
		h.s.logger.Debugw("Hub send failed", "peer_id", peer, "kind", msg.Kind(), "error", err)
	}
}
