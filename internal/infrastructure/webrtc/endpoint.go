package webrtc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"peermesh/internal/core/domain"
	"peermesh/internal/core/ports"
	"peermesh/internal/infrastructure/signal"
	"peermesh/pkg/tracing"
)

var (
	errDestroyed     = errors.New("endpoint destroyed")
	errNotRegistered = errors.New("endpoint not registered with the rendezvous")
)

// link is a data connection or call leg negotiated by an endpoint.
type link interface {
	state() *negotiation
	finish(err error)
}

// Endpoint is one identity registered with the rendezvous.
type Endpoint struct {
	t      *Transport
	id     domain.PeerID
	events ports.EndpointEvents
	logger *zap.SugaredLogger

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	sig        *signal.Conn
	openSeen   bool
	openRaised bool
	destroyed  bool
	links      map[string]link
}

func newEndpoint(t *Transport, id domain.PeerID, events ports.EndpointEvents) *Endpoint {
	ctx, cancel := context.WithCancel(context.Background())
	return &Endpoint{
		t:      t,
		id:     id,
		events: events,
		logger: t.logger.With("peer_id", id),
		ctx:    ctx,
		cancel: cancel,
		links:  make(map[string]link),
	}
}

func (e *Endpoint) ID() domain.PeerID { return e.id }

func (e *Endpoint) raise(fire func(ports.EndpointEvents)) {
	e.t.post(func() { fire(e.events) })
}

func (e *Endpoint) raiseError(err error) {
	e.raise(func(ev ports.EndpointEvents) {
		if ev.Error != nil {
			ev.Error(err)
		}
	})
}

func (e *Endpoint) register() {
	conn, err := e.t.signal.Connect(e.ctx, e.id, e.t.cfg.Room, signal.Handler{
		Message: e.onSignal,
		Closed:  e.onSignalClosed,
	})
	if err != nil {
		if e.ctx.Err() != nil {
			return
		}
		e.logger.Warnw("Rendezvous registration failed", "error", err)
		e.raiseError(domain.NewTransportError(domain.ErrTypeNetwork, err))
		return
	}

	e.mu.Lock()
	if e.destroyed {
		e.mu.Unlock()
		_ = conn.Close()
		return
	}
	e.sig = conn
	e.mu.Unlock()
	e.maybeOpen()
}

// maybeOpen raises Open once the socket is stored and the server has
// confirmed the id, whichever happens last.
func (e *Endpoint) maybeOpen() {
	e.mu.Lock()
	ready := e.sig != nil && e.openSeen && !e.openRaised && !e.destroyed
	if ready {
		e.openRaised = true
	}
	e.mu.Unlock()
	if !ready {
		return
	}
	e.logger.Debugw("Registered with rendezvous")
	e.raise(func(ev ports.EndpointEvents) {
		if ev.Open != nil {
			ev.Open()
		}
	})
}

func (e *Endpoint) onSignal(msg signal.Message) {
	switch msg.Type {
	case signal.TypeOpen:
		e.mu.Lock()
		e.openSeen = true
		e.mu.Unlock()
		e.maybeOpen()

	case signal.TypeIDTaken:
		e.dropSignal()
		e.raiseError(domain.NewTransportError(domain.ErrTypeUnavailableID, fmt.Errorf("id %q is taken", e.id)))

	case signal.TypeError:
		e.raiseError(domain.NewTransportError(domain.ErrTypeServerError, errors.New(msg.ErrorText())))

	case signal.TypeExpire:
		e.closePeer(msg.Src, fmt.Errorf("could not reach peer %s", msg.Src))
		e.raiseError(&domain.TransportError{
			Type: domain.ErrTypePeerUnavailable,
			Peer: msg.Src,
			Err:  fmt.Errorf("could not connect to peer %s", msg.Src),
		})

	case signal.TypeLeave:
		e.logger.Debugw("Peer left rendezvous", "remote_peer", msg.Src)
		e.closePeer(msg.Src, nil)

	case signal.TypeOffer:
		n, err := msg.Negotiation()
		if err != nil {
			e.logger.Warnw("Malformed offer", "remote_peer", msg.Src, "error", err)
			return
		}
		e.accept(msg.Src, n)

	case signal.TypeAnswer, signal.TypeCandidate:
		n, err := msg.Negotiation()
		if err != nil {
			e.logger.Warnw("Malformed negotiation", "remote_peer", msg.Src, "type", msg.Type, "error", err)
			return
		}
		l := e.lookup(n.ConnectionID)
		if l == nil {
			e.logger.Debugw("Negotiation for unknown connection", "remote_peer", msg.Src, "connection_id", n.ConnectionID)
			return
		}
		if msg.Type == signal.TypeAnswer {
			err = l.state().setRemote(webrtc.SDPTypeAnswer, n.SDP)
		} else {
			err = l.state().addCandidate(n.Candidate)
		}
		if err != nil {
			e.logger.Warnw("Negotiation failed", "remote_peer", msg.Src, "type", msg.Type, "error", err)
			l.finish(err)
		}

	default:
		e.logger.Debugw("Unhandled rendezvous message", "type", msg.Type)
	}
}

func (e *Endpoint) onSignalClosed(err error) {
	e.mu.Lock()
	e.sig = nil
	destroyed := e.destroyed
	e.mu.Unlock()
	if destroyed {
		return
	}
	e.raiseError(domain.NewTransportError(domain.ErrTypeDisconnected, fmt.Errorf("lost connection to rendezvous: %w", err)))
}

// accept builds the callee side of an offered connection.
func (e *Endpoint) accept(src domain.PeerID, n signal.Negotiation) {
	if e.isDestroyed() {
		return
	}
	pc, err := e.t.newPeerConnection()
	if err != nil {
		e.logger.Errorw("Cannot accept connection", "remote_peer", src, "error", err)
		return
	}

	switch n.Kind {
	case signal.KindData:
		conn, err := newDataConn(e, n.ConnectionID, src, pc)
		if err != nil {
			_ = pc.Close()
			e.logger.Errorw("Cannot accept data connection", "remote_peer", src, "error", err)
			return
		}
		e.add(conn)
		if err := conn.answer(n.SDP); err != nil {
			e.logger.Warnw("Failed to answer data connection", "remote_peer", src, "error", err)
			conn.finish(err)
			return
		}
		e.raise(func(ev ports.EndpointEvents) {
			if ev.Connection != nil {
				ev.Connection(conn)
			}
		})

	case signal.KindMedia:
		call := newMediaConn(e, n.ConnectionID, src, pc, false)
		e.add(call)
		if err := call.setRemote(webrtc.SDPTypeOffer, n.SDP); err != nil {
			e.logger.Warnw("Failed to apply call offer", "remote_peer", src, "error", err)
			call.finish(err)
			return
		}
		e.raise(func(ev ports.EndpointEvents) {
			if ev.Call != nil {
				ev.Call(call)
			}
		})

	default:
		_ = pc.Close()
		e.logger.Warnw("Offer of unknown kind", "remote_peer", src, "kind", n.Kind)
	}
}

// Connect opens a data connection to peer. An unknown peer is reported
// later as a peer-unavailable endpoint error.
func (e *Endpoint) Connect(peer domain.PeerID) (ports.DataConn, error) {
	if err := e.usable(); err != nil {
		return nil, err
	}
	pc, err := e.t.newPeerConnection()
	if err != nil {
		return nil, err
	}
	conn, err := newDataConn(e, "dc_"+uuid.NewString(), peer, pc)
	if err != nil {
		_ = pc.Close()
		return nil, err
	}
	e.add(conn)
	if err := conn.offer(""); err != nil {
		conn.finish(nil)
		return nil, fmt.Errorf("connect %s: %w", peer, err)
	}
	return conn, nil
}

// Call starts a call leg to peer carrying stream. Stream tracks must be
// LocalTracks.
func (e *Endpoint) Call(peer domain.PeerID, stream *domain.Stream) (ports.MediaConn, error) {
	if err := e.usable(); err != nil {
		return nil, err
	}
	if stream == nil {
		return nil, fmt.Errorf("call %s: no stream", peer)
	}
	pc, err := e.t.newPeerConnection()
	if err != nil {
		return nil, err
	}
	call := newMediaConn(e, "mc_"+uuid.NewString(), peer, pc, true)
	if err := call.addStream(stream); err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("call %s: %w", peer, err)
	}
	e.add(call)
	if err := call.offer(stream.ID()); err != nil {
		call.finish(nil)
		return nil, fmt.Errorf("call %s: %w", peer, err)
	}
	return call, nil
}

// Destroy leaves the rendezvous and closes every connection.
func (e *Endpoint) Destroy() error {
	e.mu.Lock()
	if e.destroyed {
		e.mu.Unlock()
		return nil
	}
	e.destroyed = true
	sig := e.sig
	e.sig = nil
	links := make([]link, 0, len(e.links))
	for _, l := range e.links {
		links = append(links, l)
	}
	e.mu.Unlock()

	e.cancel()
	for _, l := range links {
		l.finish(nil)
	}
	var err error
	if sig != nil {
		err = sig.Close()
	}
	e.raise(func(ev ports.EndpointEvents) {
		if ev.Close != nil {
			ev.Close()
		}
	})
	return err
}

func (e *Endpoint) usable() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch {
	case e.destroyed:
		return errDestroyed
	case e.sig == nil:
		return errNotRegistered
	}
	return nil
}

func (e *Endpoint) isDestroyed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.destroyed
}

// dropSignal closes the socket without reporting a disconnect.
func (e *Endpoint) dropSignal() {
	e.mu.Lock()
	sig := e.sig
	e.sig = nil
	e.mu.Unlock()
	if sig != nil {
		_ = sig.Close()
	}
}

func (e *Endpoint) add(l link) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.links[l.state().id] = l
}

func (e *Endpoint) forget(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.links, id)
}

func (e *Endpoint) lookup(id string) link {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.links[id]
}

func (e *Endpoint) closePeer(peer domain.PeerID, err error) {
	e.mu.Lock()
	var matched []link
	for _, l := range e.links {
		if l.state().peer == peer {
			matched = append(matched, l)
		}
	}
	e.mu.Unlock()
	for _, l := range matched {
		l.finish(err)
	}
}

// send relays a negotiation message to peer.
func (e *Endpoint) send(typ signal.MessageType, peer domain.PeerID, payload signal.Negotiation) error {
	e.mu.Lock()
	sig := e.sig
	e.mu.Unlock()
	if sig == nil {
		return errNotRegistered
	}

	ctx, span := tracing.TraceSignal(e.ctx, string(typ), string(e.id))
	defer span.End()

	msg, err := signal.NewMessage(typ, peer, payload)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, signalTimeout)
	defer cancel()
	if err := sig.Send(ctx, msg); err != nil {
		tracing.RecordError(ctx, err)
		return err
	}
	return nil
}
