package services

import (
	"time"

	"peermesh/internal/core/domain"
)

// livenessFactor scales the health check interval into the silence timeout.
const livenessFactor = 3

func (s *Session) sendPing(l *link) {
	if err := s.send(l, domain.Message{HealthCheck: domain.HealthCheckPing}); err != nil {
		s.logger.Debugw("Ping failed", "peer_id", l.peer, "error", err)
	}
}

func (s *Session) onPing(l *link) {
	l.lastPing = time.Now()
	l.hostReported = false
	if err := s.send(l, domain.Message{HealthCheck: domain.HealthCheckPong}); err != nil {
		s.logger.Debugw("Pong failed", "peer_id", l.peer, "error", err)
	}
	if l.role == roleServe {
		s.armLiveness(l)
	}
}

// armLiveness restarts the silence timer of a serving link. Each arming is
// one episode: the timer fires at most once and only a new ping re-arms it.
func (s *Session) armLiveness(l *link) {
	l.stopTimers()
	seq := l.livenessSeq
	l.liveness = s.after(livenessFactor*s.cfg.HealthCheckInterval, func() {
		s.onSilence(l, seq)
	})
}

func (s *Session) onSilence(l *link, seq uint64) {
	if s.registry.link(l.peer) != l || l.livenessSeq != seq {
		return
	}
	l.liveness = nil
	s.metrics.RecordHeartbeatTimeout(l.peer)

	if l.peer == s.room.HostID() {
		s.logger.Warnw("Host went silent",
			"room_id", s.room,
			"last_ping", l.lastPing,
			"timeout", livenessFactor*s.cfg.HealthCheckInterval,
		)
		s.reportHostDropped(l)
		return
	}

	s.logger.Warnw("Peer went silent, closing", "room_id", s.room, "peer_id", l.peer, "last_ping", l.lastPing)
	s.closeLink(l)
}

// onPong confirms a remote peer the first time it answers. The room id link
// is the host's channel and is never confirmed as a peer.
func (s *Session) onPong(l *link) {
	if l.confirmed || l.rejected || l.peer == s.room.HostID() {
		return
	}

	if s.hub != nil && s.hub.full() {
		s.hub.reject(l)
		return
	}

	l.confirmed = true
	s.logger.Infow("Peer confirmed", "room_id", s.room, "peer_id", l.peer, "role", l.role)
	s.emit(domain.PeerConfirmed{Peer: l.peer})

	if s.topology != nil {
		s.topology.OnPeerConfirmed(l.peer)
	}
	if s.hub != nil {
		s.hub.admit(l)
	}
}

// startPulse pings every accepted connection each health check interval.
func (s *Session) startPulse() {
	if s.pulseStop != nil {
		return
	}
	stop := make(chan struct{})
	s.pulseStop = stop
	epoch := s.epoch

	ticker := time.NewTicker(s.cfg.HealthCheckInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-s.done:
				return
			case <-ticker.C:
				s.loop.post(func() {
					if s.epoch == epoch {
						s.pulse()
					}
				})
			}
		}
	}()
}

func (s *Session) stopPulse() {
	if s.pulseStop != nil {
		close(s.pulseStop)
		s.pulseStop = nil
	}
}

func (s *Session) pulse() {
	for _, l := range s.registry.links() {
		if l.role == roleListen && l.open {
			s.sendPing(l)
		}
	}
}
