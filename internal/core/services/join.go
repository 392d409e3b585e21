package services

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/trace"

	"peermesh/internal/core/domain"
	"peermesh/internal/core/ports"
	"peermesh/pkg/config"
	apperrors "peermesh/pkg/errors"
	"peermesh/pkg/tracing"
	"peermesh/pkg/utils"
)

// joinState is the identity negotiation and reconnection bookkeeping.
// Attempts accumulate for the life of the room and only Cleanup resets them.
type joinState struct {
	attempts   int
	collisions int
	// claimRoom is set while a host-role session still tries the room id.
	claimRoom bool
	halted    bool

	gen      uint64
	endpoint ports.Endpoint
	ready    bool
	// stale endpoints lost the rendezvous but may still carry connections.
	stale []ports.Endpoint
	retry *time.Timer
	span  trace.Span
}

func (j *joinState) stop() {
	if j.retry != nil {
		j.retry.Stop()
		j.retry = nil
	}
	if j.span != nil {
		j.span.End()
		j.span = nil
	}
	if j.endpoint != nil {
		_ = j.endpoint.Destroy()
		j.endpoint = nil
	}
	for _, ep := range j.stale {
		_ = ep.Destroy()
	}
	j.stale = nil
	j.gen++
}

// ConnectNetwork joins room. Joined follows once the rendezvous accepts an
// identity; unrecoverable failures surface as ErrorEvent.
func (s *Session) ConnectNetwork(room domain.RoomID) error {
	if err := utils.ValidateID(string(room)); err != nil {
		return apperrors.NewInvalidInputError("room id: " + err.Error())
	}
	return s.call(func() error {
		if s.room != "" {
			return domain.ErrAlreadyJoined
		}
		s.room = room
		s.join = joinState{claimRoom: s.cfg.Role == config.RoleHost}
		s.topology = NewTopology(s.cfg.Mode, sessionNode{s})
		s.logger.Infow("Joining room", "room_id", room, "role", s.cfg.Role, "mesh_mode", s.cfg.Mode)
		s.openEndpoint("")
		return nil
	})
}

// openEndpoint registers id, or a fresh identity when id is empty.
func (s *Session) openEndpoint(id domain.PeerID) {
	if id == "" {
		if s.join.claimRoom {
			id = s.room.HostID()
		} else {
			id = domain.PeerID(s.newID())
		}
	}

	s.join.attempts++
	s.join.gen++
	s.join.retry = nil
	gen, epoch := s.join.gen, s.epoch

	if s.join.span != nil {
		s.join.span.End()
	}
	_, s.join.span = tracing.TraceJoin(context.Background(), string(s.room), string(id), s.join.attempts)

	current := func(fn func()) func() {
		return func() {
			s.loop.post(func() {
				if s.epoch != epoch || s.join.gen != gen {
					return
				}
				fn()
			})
		}
	}
	live := func(fn func()) {
		s.loop.post(func() {
			if s.epoch != epoch {
				return
			}
			fn()
		})
	}

	s.logger.Debugw("Registering identity", "room_id", s.room, "peer_id", id, "attempt", s.join.attempts)

	ep, err := s.transport.Open(id, ports.EndpointEvents{
		Open:  current(s.onEndpointOpen),
		Close: current(s.onEndpointClosed),
		Error: func(err error) {
			current(func() { s.onEndpointError(err) })()
		},
		Connection: func(conn ports.DataConn) {
			live(func() { s.acceptLink(conn) })
		},
		Call: func(call ports.MediaConn) {
			live(func() { s.acceptCall(call) })
		},
	})
	if err != nil {
		s.onEndpointError(err)
		return
	}
	s.join.endpoint = ep
}

func (s *Session) onEndpointOpen() {
	ep := s.join.endpoint
	if ep == nil {
		return
	}
	s.join.ready = true
	rejoin := s.identity.Established()
	s.identity = domain.LocalIdentity{ID: ep.ID(), RoomID: s.room}
	if s.join.span != nil {
		s.join.span.End()
		s.join.span = nil
	}
	s.metrics.RecordJoinAttempt("joined")
	s.logger.Infow("Joined room",
		"room_id", s.room,
		"peer_id", s.identity.ID,
		"host", s.identity.IsHost(),
		"attempt", s.join.attempts,
		"rejoin", rejoin,
	)

	s.emit(domain.Joined{ID: s.identity.ID})

	if s.identity.IsHost() {
		if s.hub == nil {
			s.hub = newHub(s)
			s.hub.start()
		}
	} else if s.registry.link(s.room.HostID()) == nil {
		if err := s.dialPeer(s.room.HostID()); err != nil {
			s.logger.Warnw("Failed to reach room host", "room_id", s.room, "error", err)
		}
	}
	s.startPulse()
}

func (s *Session) onEndpointClosed() {
	s.onEndpointError(domain.NewTransportError(domain.ErrTypeSocketClosed, domain.ErrPeerConnectionClosed))
}

func (s *Session) onEndpointError(err error) {
	if s.join.span != nil {
		tracing.RecordError(trace.ContextWithSpan(context.Background(), s.join.span), err)
	}

	var te *domain.TransportError
	if !errors.As(err, &te) {
		s.logger.Errorw("Rendezvous failure", "room_id", s.room, "error", err)
		s.emit(domain.ErrorEvent{Err: apperrors.NewTransportError(err)})
		return
	}

	switch {
	case te.Type == domain.ErrTypeUnavailableID:
		s.onIdentityCollision(err)
	case te.Type == domain.ErrTypePeerUnavailable:
		s.reportPeerUnavailable(te.Peer, err)
	case te.Recoverable():
		s.onConnectivityLoss(err)
	default:
		s.logger.Errorw("Rendezvous failure", "room_id", s.room, "type", te.Type, "error", err)
		s.emit(domain.ErrorEvent{Err: apperrors.NewTransportError(err)})
	}
}

func (s *Session) onIdentityCollision(err error) {
	s.join.collisions++
	s.metrics.RecordJoinAttempt("collision")
	s.retireEndpoint(false)

	if s.identity.Established() {
		// Someone else registered our id while we were away.
		s.identity = domain.LocalIdentity{}
	}

	limit := s.cfg.MaxMeshPeers
	if limit > 0 && s.join.collisions > limit {
		s.join.halted = true
		s.logger.Errorw("No free identity left in room",
			"room_id", s.room,
			"collisions", s.join.collisions,
			"max_mesh_peers", limit,
		)
		s.emit(domain.ErrorEvent{Err: apperrors.NewIdentityCollisionError(domain.ErrMeshMaxNodeReached, s.join.collisions)})
		return
	}

	if s.join.claimRoom {
		s.logger.Infow("Room already hosted, joining as client", "room_id", s.room)
		s.join.claimRoom = false
	} else {
		s.logger.Debugw("Identity taken, retrying", "room_id", s.room, "collisions", s.join.collisions, "error", err)
	}

	epoch := s.epoch
	s.loop.post(func() {
		if s.epoch != epoch || s.join.halted {
			return
		}
		s.openEndpoint("")
	})
}

func (s *Session) onConnectivityLoss(err error) {
	if s.identity.Established() {
		s.metrics.RecordJoinAttempt("dropped")
		s.logger.Warnw("Lost rendezvous, reconnecting",
			"room_id", s.room,
			"peer_id", s.identity.ID,
			"retry_interval", s.cfg.RetryInterval,
			"error", err,
		)
		s.emit(domain.Dropped{Err: err})
		s.retireEndpoint(true)
		s.scheduleJoin(s.identity.ID)
		return
	}

	s.retireEndpoint(false)
	if s.cfg.Retry.Allows(s.join.attempts) {
		s.metrics.RecordJoinAttempt("retry")
		s.logger.Infow("Join failed, retrying",
			"room_id", s.room,
			"attempt", s.join.attempts,
			"retry", s.cfg.Retry.String(),
			"error", err,
		)
		s.scheduleJoin("")
		return
	}

	s.join.halted = true
	s.metrics.RecordJoinAttempt("failed")
	s.logger.Errorw("Join failed, retry budget exhausted", "room_id", s.room, "attempt", s.join.attempts, "error", err)
	s.emit(domain.ErrorEvent{Err: err})
}

func (s *Session) scheduleJoin(id domain.PeerID) {
	s.join.retry = s.after(s.cfg.RetryInterval, func() {
		if s.join.halted {
			return
		}
		s.openEndpoint(id)
	})
}

// retireEndpoint detaches the current endpoint. A kept endpoint goes to the
// stale list so its peer connections survive until Cleanup.
func (s *Session) retireEndpoint(keep bool) {
	s.join.gen++
	ep := s.join.endpoint
	s.join.endpoint = nil
	s.join.ready = false
	if ep == nil {
		return
	}
	if keep {
		s.join.stale = append(s.join.stale, ep)
		return
	}
	if err := ep.Destroy(); err != nil {
		s.logger.Debugw("Destroy endpoint", "peer_id", ep.ID(), "error", err)
	}
}

// activeEndpoint is the endpoint new connections are opened through.
func (s *Session) activeEndpoint() (ports.Endpoint, error) {
	if s.join.endpoint != nil && s.join.ready {
		return s.join.endpoint, nil
	}
	if n := len(s.join.stale); n > 0 && s.identity.Established() {
		return s.join.stale[n-1], nil
	}
	return nil, domain.ErrNotJoined
}

func (s *Session) reportPeerUnavailable(peer domain.PeerID, err error) {
	s.logger.Warnw("Peer unavailable", "room_id", s.room, "peer_id", peer, "error", err)
	s.emit(domain.PeerUnavailable{Peer: peer})
	s.emit(domain.ErrorEvent{Err: apperrors.NewPeerUnavailableError(string(peer), err)})
}
