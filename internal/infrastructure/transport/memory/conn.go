package memory

import (
	"errors"
	"sync"

	"peermesh/internal/core/domain"
	"peermesh/internal/core/ports"
	"peermesh/internal/infrastructure/transport/dispatch"
)

var (
	errClosed          = errors.New("connection closed")
	errAlreadyAnswered = errors.New("call already answered")
)

// DataConn is one side of an in-process data connection.
type DataConn struct {
	net    *Network
	local  domain.PeerID
	peer   domain.PeerID
	remote *DataConn

	binder dispatch.Binder[ports.DataEvents]

	mu     sync.Mutex
	closed bool
}

func newDataConn(n *Network, local, peer domain.PeerID) *DataConn {
	return &DataConn{net: n, local: local, peer: peer}
}

func (c *DataConn) raise(fire func(ports.DataEvents)) {
	c.binder.Raise(c.net.queue, fire)
}

func (c *DataConn) Peer() domain.PeerID { return c.peer }

func (c *DataConn) Bind(events ports.DataEvents) func() {
	return c.binder.Bind(c.net.queue, events)
}

// Send copies payload to the remote side unless the direction is silenced.
func (c *DataConn) Send(payload []byte) error {
	if c.isClosed() {
		return errClosed
	}
	if c.net.isSilenced(c.local, c.peer) {
		return nil
	}
	data := append([]byte(nil), payload...)
	c.remote.raise(func(ev ports.DataEvents) {
		if ev.Data != nil {
			ev.Data(data)
		}
	})
	return nil
}

// Close ends both sides. Each side observes Close after any data already
// sent to it.
func (c *DataConn) Close() error {
	if !c.markClosed() {
		return nil
	}
	c.remote.markClosed()

	closeEvent := func(ev ports.DataEvents) {
		if ev.Close != nil {
			ev.Close()
		}
	}
	c.raise(closeEvent)
	c.remote.raise(closeEvent)
	return nil
}

func (c *DataConn) markClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	return true
}

func (c *DataConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Sender is an outbound track slot of a call leg.
type Sender struct {
	kind domain.TrackKind

	mu       sync.Mutex
	track    domain.Track
	replaced int
}

func (s *Sender) Kind() domain.TrackKind { return s.kind }

func (s *Sender) ReplaceTrack(track domain.Track) error {
	if track == nil || track.Kind() != s.kind {
		return domain.ErrTrackKindMismatch
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.track = track
	s.replaced++
	return nil
}

// Track returns the track currently sent.
func (s *Sender) Track() domain.Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.track
}

// Replacements counts ReplaceTrack calls.
func (s *Sender) Replacements() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.replaced
}

func sendersFor(stream *domain.Stream) []*Sender {
	if stream == nil {
		return nil
	}
	var out []*Sender
	for _, t := range stream.Tracks() {
		out = append(out, &Sender{kind: t.Kind(), track: t})
	}
	return out
}

// MediaConn is one side of an in-process call leg. Media flows both ways
// once the callee answers.
type MediaConn struct {
	net    *Network
	local  domain.PeerID
	peer   domain.PeerID
	remote *MediaConn

	binder dispatch.Binder[ports.MediaEvents]

	mu       sync.Mutex
	closed   bool
	answered bool
	stream   *domain.Stream
	offered  *domain.Stream
	senders  []*Sender
}

func newMediaConn(n *Network, local, peer domain.PeerID, stream *domain.Stream) *MediaConn {
	return &MediaConn{net: n, local: local, peer: peer, stream: stream, senders: sendersFor(stream)}
}

func (c *MediaConn) raise(fire func(ports.MediaEvents)) {
	c.binder.Raise(c.net.queue, fire)
}

func (c *MediaConn) Peer() domain.PeerID { return c.peer }

func (c *MediaConn) Bind(events ports.MediaEvents) func() {
	return c.binder.Bind(c.net.queue, events)
}

// Answer accepts the call with stream.
func (c *MediaConn) Answer(stream *domain.Stream) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errClosed
	}
	if c.answered || c.offered == nil {
		c.mu.Unlock()
		return errAlreadyAnswered
	}
	c.answered = true
	c.stream = stream
	c.senders = sendersFor(stream)
	offered := c.offered
	c.mu.Unlock()

	c.remote.raise(func(ev ports.MediaEvents) {
		if ev.Stream != nil {
			ev.Stream(stream)
		}
	})
	c.raise(func(ev ports.MediaEvents) {
		if ev.Stream != nil {
			ev.Stream(offered)
		}
	})
	return nil
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

// Sender returns the outbound slot of kind, or nil.
func (c *MediaConn) Sender(kind domain.TrackKind) *Sender {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.senders {
		if s.kind == kind {
			return s
		}
	}
	return nil
}

func (c *MediaConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.remote.mu.Lock()
	c.remote.closed = true
	c.remote.mu.Unlock()

	closeEvent := func(ev ports.MediaEvents) {
		if ev.Close != nil {
			ev.Close()
		}
	}
	c.raise(closeEvent)
	c.remote.raise(closeEvent)
	return nil
}
