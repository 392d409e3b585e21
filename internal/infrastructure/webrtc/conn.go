package webrtc

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v3"

	"peermesh/internal/core/domain"
	"peermesh/internal/core/ports"
	"peermesh/internal/infrastructure/signal"
	"peermesh/internal/infrastructure/transport/dispatch"
	"peermesh/pkg/tracing"
)

const signalTimeout = 10 * time.Second

var errClosed = errors.New("connection closed")

// negotiation is the offer/answer state of one peer connection. Remote
// candidates wait for the remote description; local ones wait until the
// description they belong to has been sent.
type negotiation struct {
	ep   *Endpoint
	id   string
	kind signal.ConnKind
	peer domain.PeerID
	pc   *webrtc.PeerConnection

	connected atomic.Bool

	mu        sync.Mutex
	remoteSet bool
	signaled  bool
	inbound   []webrtc.ICECandidateInit
	outbound  []webrtc.ICECandidateInit
}

func newNegotiation(ep *Endpoint, id string, kind signal.ConnKind, peer domain.PeerID, pc *webrtc.PeerConnection) *negotiation {
	n := &negotiation{ep: ep, id: id, kind: kind, peer: peer, pc: pc}
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c != nil {
			n.localCandidate(c.ToJSON())
		}
	})
	return n
}

func (n *negotiation) state() *negotiation { return n }

func (n *negotiation) Peer() domain.PeerID { return n.peer }

func (n *negotiation) localCandidate(c webrtc.ICECandidateInit) {
	n.mu.Lock()
	if !n.signaled {
		n.outbound = append(n.outbound, c)
		n.mu.Unlock()
		return
	}
	n.mu.Unlock()
	n.sendCandidate(c)
}

func (n *negotiation) sendCandidate(c webrtc.ICECandidateInit) {
	raw, err := json.Marshal(c)
	if err != nil {
		return
	}
	err = n.ep.send(signal.TypeCandidate, n.peer, signal.Negotiation{ConnectionID: n.id, Kind: n.kind, Candidate: raw})
	if err != nil {
		n.ep.logger.Debugw("Failed to send candidate", "remote_peer", n.peer, "error", err)
	}
}

// offer creates and sends the local offer.
func (n *negotiation) offer(streamID string) error {
	ctx, span := tracing.TraceWebRTC(n.ep.ctx, "offer", string(n.ep.id), string(n.peer))
	defer span.End()

	sdp, err := n.pc.CreateOffer(nil)
	if err == nil {
		err = n.pc.SetLocalDescription(sdp)
	}
	if err == nil {
		err = n.describe(signal.TypeOffer, sdp, streamID)
	}
	if err != nil {
		tracing.RecordError(ctx, err)
		return fmt.Errorf("offer: %w", err)
	}
	return nil
}

// respond creates and sends the answer to an applied remote offer.
func (n *negotiation) respond(streamID string) error {
	ctx, span := tracing.TraceWebRTC(n.ep.ctx, "answer", string(n.ep.id), string(n.peer))
	defer span.End()

	sdp, err := n.pc.CreateAnswer(nil)
	if err == nil {
		err = n.pc.SetLocalDescription(sdp)
	}
	if err == nil {
		err = n.describe(signal.TypeAnswer, sdp, streamID)
	}
	if err != nil {
		tracing.RecordError(ctx, err)
		return fmt.Errorf("answer: %w", err)
	}
	return nil
}

func (n *negotiation) describe(typ signal.MessageType, sdp webrtc.SessionDescription, streamID string) error {
	payload := signal.Negotiation{ConnectionID: n.id, Kind: n.kind, SDP: sdp.SDP, StreamID: streamID}
	if err := n.ep.send(typ, n.peer, payload); err != nil {
		return err
	}
	n.mu.Lock()
	n.signaled = true
	pending := n.outbound
	n.outbound = nil
	n.mu.Unlock()
	for _, c := range pending {
		n.sendCandidate(c)
	}
	return nil
}

func (n *negotiation) setRemote(typ webrtc.SDPType, sdp string) error {
	if err := n.pc.SetRemoteDescription(webrtc.SessionDescription{Type: typ, SDP: sdp}); err != nil {
		return fmt.Errorf("set remote %s: %w", typ, err)
	}
	n.mu.Lock()
	n.remoteSet = true
	pending := n.inbound
	n.inbound = nil
	n.mu.Unlock()
	for _, c := range pending {
		if err := n.pc.AddICECandidate(c); err != nil {
			n.ep.logger.Debugw("Dropped buffered candidate", "remote_peer", n.peer, "error", err)
		}
	}
	return nil
}

func (n *negotiation) addCandidate(raw json.RawMessage) error {
	var c webrtc.ICECandidateInit
	if err := json.Unmarshal(raw, &c); err != nil {
		return fmt.Errorf("decode candidate: %w", err)
	}
	n.mu.Lock()
	if !n.remoteSet {
		n.inbound = append(n.inbound, c)
		n.mu.Unlock()
		return nil
	}
	n.mu.Unlock()
	return n.pc.AddICECandidate(c)
}

// watch maps peer connection states onto the link lifecycle.
func (n *negotiation) watch(l link) {
	n.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		n.ep.logger.Debugw("Peer connection state", "remote_peer", n.peer, "connection_id", n.id, "state", s.String())
		switch s {
		case webrtc.PeerConnectionStateConnected:
			n.connected.Store(true)
		case webrtc.PeerConnectionStateFailed:
			l.finish(fmt.Errorf("peer connection to %s failed", n.peer))
		case webrtc.PeerConnectionStateClosed:
			l.finish(nil)
		}
	})
}

// release forgets the link and closes the peer connection off the calling
// goroutine, which may be a pion callback.
func (n *negotiation) release(extra func()) {
	n.ep.forget(n.id)
	go func() {
		if extra != nil {
			extra()
		}
		if err := n.pc.Close(); err != nil {
			n.ep.logger.Debugw("Close peer connection", "remote_peer", n.peer, "error", err)
		}
	}()
}

// DataConn is a data connection over a negotiated, ordered data channel.
type DataConn struct {
	*negotiation
	dc *webrtc.DataChannel

	binder dispatch.Binder[ports.DataEvents]
	closed atomic.Bool
	once   sync.Once
}

func newDataConn(ep *Endpoint, id string, peer domain.PeerID, pc *webrtc.PeerConnection) (*DataConn, error) {
	negotiated, ordered := true, true
	var channelID uint16
	dc, err := pc.CreateDataChannel("mesh", &webrtc.DataChannelInit{
		Negotiated: &negotiated,
		ID:         &channelID,
		Ordered:    &ordered,
	})
	if err != nil {
		return nil, fmt.Errorf("create data channel: %w", err)
	}

	c := &DataConn{negotiation: newNegotiation(ep, id, signal.KindData, peer, pc), dc: dc}
	dc.OnOpen(func() {
		c.raise(func(ev ports.DataEvents) {
			if ev.Open != nil {
				ev.Open()
			}
		})
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		data := append([]byte(nil), msg.Data...)
		c.raise(func(ev ports.DataEvents) {
			if ev.Data != nil {
				ev.Data(data)
			}
		})
	})
	dc.OnClose(func() { c.finish(nil) })
	dc.OnError(func(err error) { c.finish(err) })
	c.watch(c)
	return c, nil
}

func (c *DataConn) raise(fire func(ports.DataEvents)) {
	c.binder.Raise(c.ep.t.queue, fire)
}

func (c *DataConn) Bind(events ports.DataEvents) func() {
	return c.binder.Bind(c.ep.t.queue, events)
}

func (c *DataConn) answer(sdp string) error {
	if err := c.setRemote(webrtc.SDPTypeOffer, sdp); err != nil {
		return err
	}
	return c.respond("")
}

func (c *DataConn) Send(payload []byte) error {
	if c.closed.Load() {
		return errClosed
	}
	return c.dc.Send(payload)
}

func (c *DataConn) Close() error {
	c.finish(nil)
	return nil
}

// finish ends the connection once, raising Error first when err is set.
func (c *DataConn) finish(err error) {
	c.once.Do(func() {
		c.closed.Store(true)
		c.release(func() { _ = c.dc.Close() })
		if err != nil {
			c.raise(func(ev ports.DataEvents) {
				if ev.Error != nil {
					ev.Error(err)
				}
			})
		}
		c.raise(func(ev ports.DataEvents) {
			if ev.Close != nil {
				ev.Close()
			}
		})
	})
}
