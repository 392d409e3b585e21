package services

import (
	"errors"
	"fmt"
	"sort"

	"peermesh/internal/core/domain"
	"peermesh/internal/core/ports"
	"peermesh/pkg/config"
	apperrors "peermesh/pkg/errors"
)

// dialPeer opens a data connection to peer unless one is already tracked.
func (s *Session) dialPeer(peer domain.PeerID) error {
	if peer == "" {
		return fmt.Errorf("peer id must not be empty")
	}
	if peer == s.identity.ID {
		return nil
	}
	if s.registry.link(peer) != nil {
		return nil
	}
	ep, err := s.activeEndpoint()
	if err != nil {
		return err
	}

	conn, err := ep.Connect(peer)
	if err != nil {
		var te *domain.TransportError
		if errors.As(err, &te) && te.Type == domain.ErrTypePeerUnavailable {
			s.reportPeerUnavailable(peer, err)
		}
		return fmt.Errorf("connect to %s: %w", peer, err)
	}

	s.logger.Debugw("Dialing peer", "room_id", s.room, "peer_id", peer)
	s.attachLink(conn, roleServe)
	return nil
}

func (s *Session) acceptLink(conn ports.DataConn) {
	s.logger.Debugw("Accepted data connection", "room_id", s.room, "peer_id", conn.Peer())
	s.attachLink(conn, roleListen)
}

func (s *Session) attachLink(conn ports.DataConn, role linkRole) *link {
	l := &link{peer: conn.Peer(), conn: conn, role: role}

	if old := s.registry.register(l); old != nil {
		s.logger.Debugw("Replacing data connection", "peer_id", l.peer, "role", role)
		old.detach()
		if err := old.conn.Close(); err != nil {
			s.logger.Debugw("Close superseded connection", "peer_id", old.peer, "error", err)
		}
		if s.hub != nil && old.confirmed {
			s.hub.forget(old.peer)
		}
	}

	epoch := s.epoch
	guard := func(fn func()) {
		s.loop.post(func() {
			if s.epoch != epoch || s.registry.link(l.peer) != l {
				return
			}
			fn()
		})
	}
	l.unbind = conn.Bind(ports.DataEvents{
		Open: func() {
			guard(func() { s.onLinkOpen(l) })
		},
		Data: func(payload []byte) {
			guard(func() { s.onLinkData(l, payload) })
		},
		Close: func() {
			guard(func() { s.linkLost(l, nil) })
		},
		Error: func(err error) {
			guard(func() { s.linkLost(l, err) })
		},
	})

	s.metrics.RecordRosterSize(s.room, len(s.registry.listPeers(s.room)))
	return l
}

func (s *Session) onLinkOpen(l *link) {
	l.open = true
	s.logger.Debugw("Data connection open", "peer_id", l.peer, "role", l.role)
	s.sendPing(l)
}

// linkLost handles a closed or failed data connection.
func (s *Session) linkLost(l *link, cause error) {
	if !s.registry.unregister(l) {
		return
	}
	l.detach()
	s.registry.forgetRemote(l.peer)
	s.metrics.RecordRosterSize(s.room, len(s.registry.listPeers(s.room)))

	if lg := s.registry.leg(l.peer); lg != nil {
		s.dropLeg(lg)
	}

	if cause != nil {
		s.logger.Debugw("Data connection failed", "peer_id", l.peer, "error", cause)
	}
	if l.rejected || !l.open {
		return
	}

	switch l.peer {
	case s.identity.ID:
	case s.room.HostID():
		s.logger.Warnw("Host connection lost", "room_id", s.room)
		s.reportHostDropped(l)
	default:
		s.logger.Infow("Peer dropped", "room_id", s.room, "peer_id", l.peer)
		if s.hub != nil && l.confirmed {
			s.hub.lost(l.peer)
		}
		s.emit(domain.PeerDropped{Peer: l.peer})
	}
}

// closeLink closes l without waiting for the transport to report it.
func (s *Session) closeLink(l *link) {
	if err := l.conn.Close(); err != nil {
		s.logger.Debugw("Close data connection", "peer_id", l.peer, "error", err)
	}
	s.linkLost(l, nil)
}

func (s *Session) send(l *link, msg domain.Message) error {
	payload, err := s.codec.Marshal(&msg)
	if err != nil {
		return fmt.Errorf("encode %s message: %w", msg.Kind(), err)
	}
	if err := l.conn.Send(payload); err != nil {
		return fmt.Errorf("send %s to %s: %w", msg.Kind(), l.peer, err)
	}
	s.metrics.RecordMessageSent(msg.Kind(), len(payload))
	return nil
}

// sendTo routes msg to peer directly or, in host mode, through the host.
func (s *Session) sendTo(peer domain.PeerID, msg domain.Message) error {
	if !s.identity.Established() {
		return domain.ErrNotJoined
	}
	if l := s.registry.link(peer); l != nil && l.open {
		return s.send(l, msg)
	}

	host := s.registry.link(s.room.HostID())
	if s.cfg.Mode == config.ModeHost && host != nil && host.open && peer != s.room.HostID() {
		msg.To = peer
		return s.send(host, msg)
	}
	return fmt.Errorf("send to %s: %w", peer, domain.ErrNotConnected)
}

func (s *Session) onLinkData(l *link, payload []byte) {
	var msg domain.Message
	if err := s.codec.Unmarshal(payload, &msg); err != nil {
		s.logger.Warnw("Dropping undecodable message", "peer_id", l.peer, "bytes", len(payload), "error", err)
		return
	}
	s.metrics.RecordMessageReceived(msg.Kind(), len(payload))

	if msg.HealthCheck != "" {
		switch msg.HealthCheck {
		case domain.HealthCheckPing:
			s.onPing(l)
		case domain.HealthCheckPong:
			s.onPong(l)
		}
		return
	}

	if msg.To != "" && msg.To != s.identity.ID {
		if s.hub != nil {
			s.hub.relay(l, msg)
		}
		return
	}

	if msg.MeshLimit != 0 {
		s.onMeshLimit(l, msg.MeshLimit)
		return
	}

	fromHost := l.peer == s.room.HostID()

	if msg.CallStopped != "" {
		s.handleCallStopped(msg.CallStopped)
	}

	if msg.PeerList != nil {
		if !fromHost {
			s.logger.Debugw("Ignoring peer list from non-host", "peer_id", l.peer)
		} else {
			if msg.CallMap != nil {
				s.reconcile(l.peer, *msg.CallMap)
			}
			s.topology.OnPeerList(msg.PeerList)
		}
	} else if msg.CallMap != nil {
		s.reconcile(l.peer, *msg.CallMap)
	}

	if msg.Message != nil {
		s.onMessage(l, msg)
	}

	if msg.MessageReceipt != "" {
		from := l.peer
		if msg.FromPeer != "" {
			from = msg.FromPeer
		}
		s.emit(domain.MessageReceipt{Peer: from, MessageID: msg.MessageReceipt})
	}

	if msg.InitData != nil {
		if s.hub != nil {
			for _, key := range sortedKeys(msg.InitData) {
				s.hub.setInitData(key, msg.InitData[key])
			}
		} else {
			for _, key := range sortedKeys(msg.InitData) {
				s.emit(domain.InitData{Key: key, Value: msg.InitData[key]})
			}
		}
	}

	if !fromHost {
		return
	}
	if msg.Identify != "" {
		s.emit(domain.PeerJoined{Peer: msg.Identify})
	}
	if msg.Dropped != "" {
		s.emit(domain.PeerDropped{Peer: msg.Dropped})
	}
	if msg.HostDropped {
		s.logger.Infow("Host left the room", "room_id", s.room)
		s.reportHostDropped(l)
	}
}

// reportHostDropped emits HostDropped once per episode of the host link. A
// leave message, a silence timeout and the closing of the link that follows
// them are one episode.
func (s *Session) reportHostDropped(l *link) {
	if l.hostReported {
		return
	}
	l.hostReported = true
	s.emit(domain.HostDropped{})
}

func (s *Session) onMessage(l *link, msg domain.Message) {
	from := l.peer
	if msg.FromPeer != "" {
		from = msg.FromPeer
	}
	s.emit(domain.DataReceived{From: from, Payload: msg.Message})

	if msg.ID == "" {
		return
	}
	receipt := domain.Message{MessageReceipt: msg.ID}
	if msg.FromPeer != "" {
		receipt.To = msg.FromPeer
	}
	if err := s.send(l, receipt); err != nil {
		s.logger.Warnw("Failed to send receipt", "peer_id", from, "message_id", msg.ID, "error", err)
	}
}

func (s *Session) onMeshLimit(l *link, limit int) {
	s.logger.Warnw("Mesh limit exceeded", "room_id", s.room, "peer_id", l.peer, "limit", limit)
	l.rejected = true
	s.emit(domain.MeshLimitExceeded{Limit: limit})
	s.emit(domain.ErrorEvent{Err: apperrors.NewMeshLimitError(domain.ErrMeshLimitExceeded, limit)})
	s.closeLink(l)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
