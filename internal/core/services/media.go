package services

import (
	"fmt"

	"peermesh/internal/core/domain"
	"peermesh/internal/core/ports"
	apperrors "peermesh/pkg/errors"
)

// ConnectStreamWithPeer calls peer with stream, or with the current stream
// when stream is nil.
func (s *Session) ConnectStreamWithPeer(peer domain.PeerID, stream *domain.Stream) error {
	return s.call(func() error {
		if stream == nil {
			stream = s.stream
		}
		if stream == nil {
			return apperrors.NewInvalidInputError("no stream to call with")
		}
		return s.callPeer(peer, stream)
	})
}

// SetCurrentStream replaces the outbound stream. With usePrevious a stream
// that lacks a track kind inherits the previous stream's track of that kind.
// It reports whether a stream is current afterwards.
func (s *Session) SetCurrentStream(stream *domain.Stream, usePrevious bool) (bool, error) {
	var adopted bool
	err := s.call(func() error {
		adopted = s.setCurrentStream(stream, usePrevious)
		return nil
	})
	return adopted, err
}

// Mute flips the enabled flag of the current audio track.
func (s *Session) Mute(muted bool) error {
	return s.call(func() error {
		if s.stream == nil {
			return nil
		}
		for _, t := range s.stream.Tracks() {
			if t.Kind() == domain.TrackKindAudio {
				t.SetEnabled(!muted)
			}
		}
		s.logger.Debugw("Mute toggled", "room_id", s.room, "muted", muted)
		return nil
	})
}

func (s *Session) callPeer(peer domain.PeerID, stream *domain.Stream) error {
	if peer == "" || peer == s.identity.ID {
		return apperrors.NewInvalidInputError(fmt.Sprintf("cannot call %q", peer))
	}
	ep, err := s.activeEndpoint()
	if err != nil {
		return err
	}
	conn, err := ep.Call(peer, stream)
	if err != nil {
		return fmt.Errorf("call %s: %w", peer, err)
	}
	s.logger.Infow("Calling peer", "room_id", s.room, "peer_id", peer, "stream_id", stream.ID())
	s.attachLeg(conn, true)
	return nil
}

// acceptCall answers with the current stream. Without one the call is left
// unanswered.
func (s *Session) acceptCall(conn ports.MediaConn) {
	if s.stream == nil {
		s.logger.Infow("Leaving call unanswered, no current stream", "room_id", s.room, "peer_id", conn.Peer())
		return
	}
	if err := conn.Answer(s.stream); err != nil {
		s.logger.Warnw("Failed to answer call", "peer_id", conn.Peer(), "error", err)
		return
	}
	s.attachLeg(conn, false)
}

func (s *Session) attachLeg(conn ports.MediaConn, outbound bool) {
	lg := &leg{peer: conn.Peer(), conn: conn, outbound: outbound}
	if old := s.registry.registerMedia(lg); old != nil {
		old.detach()
		_ = old.conn.Close()
	}

	epoch := s.epoch
	guard := func(fn func()) {
		s.loop.post(func() {
			if s.epoch != epoch || s.registry.leg(lg.peer) != lg {
				return
			}
			fn()
		})
	}
	lg.unbind = conn.Bind(ports.MediaEvents{
		Stream: func(stream *domain.Stream) {
			guard(func() {
				lg.flowing = true
				s.emit(domain.StreamReceived{Peer: lg.peer, Stream: stream})
			})
		},
		Close: func() {
			guard(func() { s.dropLeg(lg) })
		},
		Error: func(err error) {
			guard(func() {
				s.logger.Warnw("Call leg failed", "peer_id", lg.peer, "error", err)
				s.dropLeg(lg)
			})
		},
	})
	s.callMapChanged("")
}

// dropLeg removes and closes lg, reporting the drop if it was tracked.
func (s *Session) dropLeg(lg *leg) {
	if !s.registry.unregisterMedia(lg) {
		return
	}
	lg.detach()
	if err := lg.conn.Close(); err != nil {
		s.logger.Debugw("Close call leg", "peer_id", lg.peer, "error", err)
	}
	s.emit(domain.StreamDropped{Peer: lg.peer})
	s.callMapChanged(lg.peer)
}

// handleCallStopped tears down the leg with peer. The drop is reported even
// when no leg was tracked.
func (s *Session) handleCallStopped(peer domain.PeerID) {
	if lg := s.registry.leg(peer); lg != nil {
		s.dropLeg(lg)
		return
	}
	s.emit(domain.StreamDropped{Peer: peer})
}

// reconcile aligns local call legs with a remote call map. A leg is torn
// down only when its peer was in the sender's previous map and is gone from
// this one. The sender and this node are never part of the plan.
func (s *Session) reconcile(from domain.PeerID, remote domain.CallMap) {
	prev := s.registry.swapRemote(from, remote)

	active := make([]domain.PeerID, 0, len(remote))
	for _, id := range remote.Active() {
		if id != from && id != s.identity.ID {
			active = append(active, id)
		}
	}

	if s.stream == nil {
		for _, id := range active {
			if s.registry.leg(id) == nil {
				s.emit(domain.ManualStream{Peer: id})
			}
		}
		return
	}

	for _, lg := range s.registry.legs() {
		if lg.peer != from && prev[lg.peer] && !remote[lg.peer] {
			s.logger.Infow("Call removed from remote map", "peer_id", lg.peer, "from", from)
			s.handleCallStopped(lg.peer)
		}
	}

	for idx, id := range active {
		if idx >= s.cfg.AutoCallPeer {
			if s.registry.leg(id) == nil {
				s.emit(domain.ManualStream{Peer: id})
			}
			continue
		}
		if s.registry.leg(id) != nil {
			continue
		}
		if err := s.callPeer(id, s.stream); err != nil {
			s.logger.Warnw("Auto call failed", "peer_id", id, "error", err)
		}
	}
}

func (s *Session) setCurrentStream(next *domain.Stream, usePrevious bool) bool {
	prev := s.stream
	if prev == nil {
		s.stream = next
		return next != nil
	}

	if next == nil {
		s.logger.Infow("Stream stopped, closing call legs", "room_id", s.room, "legs", len(s.registry.media))
		for _, lg := range s.registry.legs() {
			s.dropLeg(lg)
		}
		s.stream = nil
		return false
	}

	if prev.ID() == next.ID() {
		return true
	}

	video, audio := next.Video(), next.Audio()
	if video != nil {
		s.replaceOnLegs(video)
	}
	if audio != nil {
		s.replaceOnLegs(audio)
	}

	switch {
	case video != nil && audio != nil:
	case video != nil:
		if usePrevious && prev.Audio() != nil {
			next.AddTrack(prev.Audio())
		}
	case audio != nil:
		if usePrevious && prev.Video() != nil {
			next.AddTrack(prev.Video())
		}
	default:
		s.logger.Warnw("Ignoring stream without tracks", "stream_id", next.ID())
		return true
	}

	s.stream = next
	s.logger.Infow("Current stream replaced", "room_id", s.room, "stream_id", next.ID(), "previous", prev.ID())
	return true
}

// replaceOnLegs swaps track into the matching outbound sender of every leg.
// A leg negotiated without that kind cannot take it in place.
func (s *Session) replaceOnLegs(track domain.Track) {
	for _, lg := range s.registry.legs() {
		var sender ports.TrackSender
		for _, candidate := range lg.conn.Senders() {
			if candidate.Kind() == track.Kind() {
				sender = candidate
				break
			}
		}

		if sender == nil {
			if !s.cfg.InsertDummyTrack {
				s.logger.Errorw("Call leg has no sender for track kind, enable insert_dummy_track",
					"peer_id", lg.peer,
					"kind", track.Kind(),
					"error", apperrors.NewMediaNegotiationError("missing outbound sender"),
				)
			} else {
				s.logger.Debugw("No sender for track kind", "peer_id", lg.peer, "kind", track.Kind())
			}
			continue
		}

		if err := sender.ReplaceTrack(track); err != nil {
			s.logger.Warnw("Track replacement failed", "peer_id", lg.peer, "kind", track.Kind(), "error", err)
		}
	}
}

// callMapChanged announces the local call map. stopped names the peer whose
// leg just ended, if any.
func (s *Session) callMapChanged(stopped domain.PeerID) {
	s.metrics.RecordCallLegs(s.room, len(s.registry.media))
	if s.hub != nil {
		s.hub.broadcastCallMap(stopped)
	}
}
