// Package memory is an in-process rendezvous and transport. Every endpoint
// opened on one Network can reach the others; all events are delivered by a
// single dispatcher goroutine, so the events of one connection arrive in
// order and never from inside the call that caused them.
package memory

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"peermesh/internal/core/domain"
	"peermesh/internal/core/ports"
	"peermesh/internal/infrastructure/transport/dispatch"
)

var errDestroyed = errors.New("endpoint destroyed")

var (
	_ ports.Transport = (*Network)(nil)
	_ ports.Endpoint  = (*Endpoint)(nil)
	_ ports.DataConn  = (*DataConn)(nil)
	_ ports.MediaConn = (*MediaConn)(nil)
)

// Network is the shared rendezvous of in-process endpoints.
type Network struct {
	logger *zap.SugaredLogger

	mu        sync.Mutex
	endpoints map[domain.PeerID]*Endpoint
	reserved  map[domain.PeerID]bool
	failures  []error
	silenced  map[pair]bool
	calls     map[pair]*MediaConn

	queue  *dispatch.Queue
	closed chan struct{}
	once   sync.Once
}

type pair struct {
	from, to domain.PeerID
}

// NewNetwork starts an empty network. Close stops its dispatcher.
func NewNetwork(logger *zap.SugaredLogger) *Network {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	n := &Network{
		logger:    logger,
		endpoints: make(map[domain.PeerID]*Endpoint),
		reserved:  make(map[domain.PeerID]bool),
		silenced:  make(map[pair]bool),
		calls:     make(map[pair]*MediaConn),
		queue:     dispatch.NewQueue(),
		closed:    make(chan struct{}),
	}
	go n.queue.Run(n.closed)
	return n
}

// Close stops event delivery.
func (n *Network) Close() {
	n.once.Do(func() { close(n.closed) })
}

func (n *Network) post(fn func()) {
	n.queue.Post(fn)
}

// Open implements ports.Transport.
func (n *Network) Open(id domain.PeerID, events ports.EndpointEvents) (ports.Endpoint, error) {
	if id == "" {
		return nil, fmt.Errorf("empty peer id")
	}
	ep := &Endpoint{
		net:    n,
		id:     id,
		events: events,
		conns:  make(map[*DataConn]struct{}),
		calls:  make(map[*MediaConn]struct{}),
	}

	n.mu.Lock()
	var failure error
	switch {
	case len(n.failures) > 0:
		failure = n.failures[0]
		n.failures = n.failures[1:]
	case n.reserved[id] || n.endpoints[id] != nil:
		failure = domain.NewTransportError(domain.ErrTypeUnavailableID, fmt.Errorf("id %q is taken", id))
	default:
		n.endpoints[id] = ep
	}
	n.mu.Unlock()

	if failure != nil {
		n.logger.Debugw("Registration refused", "peer_id", id, "error", failure)
		ep.raise(func(ev ports.EndpointEvents) {
			if ev.Error != nil {
				ev.Error(failure)
			}
		})
		return ep, nil
	}

	n.logger.Debugw("Registered", "peer_id", id)
	ep.raise(func(ev ports.EndpointEvents) {
		if ev.Open != nil {
			ev.Open()
		}
	})
	return ep, nil
}

// FailNextOpens makes the next count registrations fail with err.
func (n *Network) FailNextOpens(err error, count int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i := 0; i < count; i++ {
		n.failures = append(n.failures, err)
	}
}

// Reserve marks id as taken without an endpoint behind it.
func (n *Network) Reserve(id domain.PeerID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.reserved[id] = true
}

// Registered reports whether id is currently held by an endpoint.
func (n *Network) Registered(id domain.PeerID) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.endpoints[id] != nil
}

// Disconnect drops id from the rendezvous. Its connections stay up and the
// endpoint observes a disconnected error.
func (n *Network) Disconnect(id domain.PeerID) {
	n.mu.Lock()
	ep := n.endpoints[id]
	delete(n.endpoints, id)
	n.mu.Unlock()
	if ep == nil {
		return
	}
	err := domain.NewTransportError(domain.ErrTypeDisconnected, errors.New("lost connection to rendezvous"))
	ep.raise(func(ev ports.EndpointEvents) {
		if ev.Error != nil {
			ev.Error(err)
		}
	})
}

// Silence drops data sent from one peer to another until Restore.
func (n *Network) Silence(from, to domain.PeerID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.silenced[pair{from, to}] = true
}

// Restore undoes Silence.
func (n *Network) Restore(from, to domain.PeerID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.silenced, pair{from, to})
}

func (n *Network) isSilenced(from, to domain.PeerID) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.silenced[pair{from, to}]
}

// Call returns the most recent call leg from one peer to another as seen by
// the caller.
func (n *Network) Call(from, to domain.PeerID) *MediaConn {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls[pair{from, to}]
}

func (n *Network) lookup(id domain.PeerID) *Endpoint {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.endpoints[id]
}

func (n *Network) unregister(ep *Endpoint) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.endpoints[ep.id] == ep {
		delete(n.endpoints, ep.id)
	}
}

func (n *Network) trackCall(from, to domain.PeerID, mc *MediaConn) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls[pair{from, to}] = mc
}

// Endpoint is one registered identity.
type Endpoint struct {
	net    *Network
	id     domain.PeerID
	events ports.EndpointEvents

	mu        sync.Mutex
	destroyed bool
	conns     map[*DataConn]struct{}
	calls     map[*MediaConn]struct{}
}

func (e *Endpoint) raise(fire func(ports.EndpointEvents)) {
	e.net.post(func() { fire(e.events) })
}

func (e *Endpoint) ID() domain.PeerID { return e.id }

// Connect opens a data connection to peer.
func (e *Endpoint) Connect(peer domain.PeerID) (ports.DataConn, error) {
	if e.isDestroyed() {
		return nil, errDestroyed
	}
	target := e.net.lookup(peer)
	if target == nil {
		return nil, &domain.TransportError{
			Type: domain.ErrTypePeerUnavailable,
			Peer: peer,
			Err:  fmt.Errorf("could not connect to peer %s", peer),
		}
	}

	local := newDataConn(e.net, e.id, peer)
	remote := newDataConn(e.net, peer, e.id)
	local.remote, remote.remote = remote, local
	e.track(local)
	target.track(remote)

	target.raise(func(ev ports.EndpointEvents) {
		if ev.Connection != nil {
			ev.Connection(remote)
		}
	})
	local.raise(func(ev ports.DataEvents) {
		if ev.Open != nil {
			ev.Open()
		}
	})
	remote.raise(func(ev ports.DataEvents) {
		if ev.Open != nil {
			ev.Open()
		}
	})
	return local, nil
}

// Call starts a call leg to peer carrying stream.
func (e *Endpoint) Call(peer domain.PeerID, stream *domain.Stream) (ports.MediaConn, error) {
	if e.isDestroyed() {
		return nil, errDestroyed
	}
	target := e.net.lookup(peer)
	if target == nil {
		return nil, &domain.TransportError{
			Type: domain.ErrTypePeerUnavailable,
			Peer: peer,
			Err:  fmt.Errorf("could not call peer %s", peer),
		}
	}

	local := newMediaConn(e.net, e.id, peer, stream)
	remote := newMediaConn(e.net, peer, e.id, nil)
	remote.offered = stream
	local.remote, remote.remote = remote, local
	e.trackCall(local)
	target.trackCall(remote)
	e.net.trackCall(e.id, peer, local)

	target.raise(func(ev ports.EndpointEvents) {
		if ev.Call != nil {
			ev.Call(remote)
		}
	})
	return local, nil
}

// Destroy leaves the rendezvous and closes every connection.
func (e *Endpoint) Destroy() error {
	e.mu.Lock()
	if e.destroyed {
		e.mu.Unlock()
		return nil
	}
	e.destroyed = true
	conns := make([]*DataConn, 0, len(e.conns))
	for c := range e.conns {
		conns = append(conns, c)
	}
	calls := make([]*MediaConn, 0, len(e.calls))
	for c := range e.calls {
		calls = append(calls, c)
	}
	e.mu.Unlock()

	e.net.unregister(e)
	for _, c := range conns {
		_ = c.Close()
	}
	for _, c := range calls {
		_ = c.Close()
	}
	e.raise(func(ev ports.EndpointEvents) {
		if ev.Close != nil {
			ev.Close()
		}
	})
	return nil
}

func (e *Endpoint) isDestroyed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.destroyed
}

func (e *Endpoint) track(c *DataConn) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.conns[c] = struct{}{}
}

func (e *Endpoint) trackCall(c *MediaConn) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls[c] = struct{}{}
}
