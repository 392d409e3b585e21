package webrtc

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"

	"peermesh/internal/core/domain"
	"peermesh/internal/core/ports"
	"peermesh/internal/infrastructure/signal"
	"peermesh/internal/infrastructure/transport/dispatch"
)

var (
	errAlreadyAnswered  = errors.New("call already answered")
	errUnsupportedTrack = errors.New("track is not a webrtc local track")
)

// Sender is an outbound track slot of a call leg.
type Sender struct {
	rtp  *webrtc.RTPSender
	kind domain.TrackKind

	mu    sync.Mutex
	track *LocalTrack
}

func (s *Sender) Kind() domain.TrackKind { return s.kind }

// ReplaceTrack swaps the sent track without renegotiating.
func (s *Sender) ReplaceTrack(track domain.Track) error {
	local, ok := track.(*LocalTrack)
	if !ok {
		return fmt.Errorf("%w: %T", errUnsupportedTrack, track)
	}
	if local.Kind() != s.kind {
		return domain.ErrTrackKindMismatch
	}
	if err := s.rtp.ReplaceTrack(local.sample); err != nil {
		return fmt.Errorf("replace %s track: %w", s.kind, err)
	}
	s.mu.Lock()
	s.track = local
	s.mu.Unlock()
	return nil
}

// Track returns the track currently sent.
func (s *Sender) Track() *LocalTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.track
}

// MediaConn is one call leg. The remote stream is reported once, on its
// first track; later tracks join the same stream.
type MediaConn struct {
	*negotiation
	outbound bool

	binder dispatch.Binder[ports.MediaEvents]
	once   sync.Once

	mu       sync.Mutex
	closed   bool
	answered bool
	senders  []*Sender
	remote   *domain.Stream
	video    []*RemoteTrack
}

func newMediaConn(ep *Endpoint, id string, peer domain.PeerID, pc *webrtc.PeerConnection, outbound bool) *MediaConn {
	c := &MediaConn{negotiation: newNegotiation(ep, id, signal.KindMedia, peer, pc), outbound: outbound}
	pc.OnTrack(c.onTrack)
	c.watch(c)
	return c
}

func (c *MediaConn) raise(fire func(ports.MediaEvents)) {
	c.binder.Raise(c.ep.t.queue, fire)
}

func (c *MediaConn) Bind(events ports.MediaEvents) func() {
	return c.binder.Bind(c.ep.t.queue, events)
}

// Answer accepts an inbound call with stream.
func (c *MediaConn) Answer(stream *domain.Stream) error {
	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return errClosed
	case c.outbound || c.answered:
		c.mu.Unlock()
		return errAlreadyAnswered
	}
	c.answered = true
	c.mu.Unlock()

	streamID := ""
	if stream != nil {
		streamID = stream.ID()
		if err := c.addStream(stream); err != nil {
			return err
		}
	}
	return c.respond(streamID)
}

// addStream attaches the stream's tracks, plus a disabled placeholder for
// each missing kind when dummy tracks are on.
func (c *MediaConn) addStream(stream *domain.Stream) error {
	have := make(map[domain.TrackKind]bool, 2)
	for _, t := range stream.Tracks() {
		local, ok := t.(*LocalTrack)
		if !ok {
			return fmt.Errorf("%w: %s", errUnsupportedTrack, t.ID())
		}
		if err := c.addTrack(local); err != nil {
			return err
		}
		have[local.Kind()] = true
	}

	if !c.ep.t.cfg.InsertDummyTrack {
		return nil
	}
	for _, kind := range []domain.TrackKind{domain.TrackKindAudio, domain.TrackKindVideo} {
		if have[kind] {
			continue
		}
		dummy, err := NewLocalTrack(kind, fmt.Sprintf("dummy-%s", kind), stream.ID())
		if err != nil {
			return err
		}
		dummy.SetEnabled(false)
		if err := c.addTrack(dummy); err != nil {
			return err
		}
	}
	return nil
}

func (c *MediaConn) addTrack(track *LocalTrack) error {
	rtpSender, err := c.pc.AddTrack(track.sample)
	if err != nil {
		return fmt.Errorf("add %s track: %w", track.Kind(), err)
	}
	c.mu.Lock()
	c.senders = append(c.senders, &Sender{rtp: rtpSender, kind: track.Kind(), track: track})
	c.mu.Unlock()
	go c.readRTCP(rtpSender)
	return nil
}

// readRTCP drains feedback for a sender until the leg closes.
func (c *MediaConn) readRTCP(sender *webrtc.RTPSender) {
	for {
		packets, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, pkt := range packets {
			switch p := pkt.(type) {
			case *rtcp.PictureLossIndication:
				c.ep.logger.Debugw("Keyframe requested", "remote_peer", c.peer, "ssrc", p.MediaSSRC)
			case *rtcp.ReceiverReport:
				for _, report := range p.Reports {
					c.ep.logger.Debugw("Receiver report",
						"remote_peer", c.peer,
						"ssrc", report.SSRC,
						"fraction_lost", report.FractionLost,
						"jitter", report.Jitter,
					)
				}
			}
		}
	}
}

func (c *MediaConn) onTrack(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	track := newRemoteTrack(remote)
	c.ep.logger.Infow("Remote track started",
		"remote_peer", c.peer,
		"track_id", remote.ID(),
		"codec", remote.Codec().MimeType,
	)

	c.mu.Lock()
	if track.Kind() == domain.TrackKindVideo {
		c.video = append(c.video, track)
	}
	first := c.remote == nil
	if first {
		c.remote = domain.NewStream(remote.StreamID(), track)
	} else {
		c.remote.AddTrack(track)
	}
	stream := c.remote
	c.mu.Unlock()

	if track.Kind() == domain.TrackKindVideo {
		if err := c.requestKeyframe(track); err != nil {
			c.ep.logger.Debugw("Keyframe request failed", "remote_peer", c.peer, "error", err)
		}
	}
	if first {
		c.raise(func(ev ports.MediaEvents) {
			if ev.Stream != nil {
				ev.Stream(stream)
			}
		})
	}
}

// RequestKeyframe asks the remote side for a keyframe on every video track.
func (c *MediaConn) RequestKeyframe() error {
	c.mu.Lock()
	video := append([]*RemoteTrack(nil), c.video...)
	c.mu.Unlock()
	for _, t := range video {
		if err := c.requestKeyframe(t); err != nil {
			return err
		}
	}
	return nil
}

func (c *MediaConn) requestKeyframe(t *RemoteTrack) error {
	return c.pc.WriteRTCP([]rtcp.Packet{
		&rtcp.PictureLossIndication{MediaSSRC: uint32(t.remote.SSRC())},
	})
}

// RemoteStream returns the stream received so far, or nil.
func (c *MediaConn) RemoteStream() *domain.Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remote
}

func (c *MediaConn) Senders() []ports.TrackSender {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ports.TrackSender, 0, len(c.senders))
	for _, s := range c.senders {
		out = append(out, s)
	}
	return out
}

func (c *MediaConn) Close() error {
	c.finish(nil)
	return nil
}

func (c *MediaConn) finish(err error) {
	c.once.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		c.release(nil)
		if err != nil {
			c.raise(func(ev ports.MediaEvents) {
				if ev.Error != nil {
					ev.Error(err)
				}
			})
		}
		c.raise(func(ev ports.MediaEvents) {
			if ev.Close != nil {
				ev.Close()
			}
		})
	})
}
