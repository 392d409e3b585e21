package ports

import "peermesh/internal/core/domain"

// Transport registers identities with a rendezvous and produces endpoints.
//
// Implementations deliver every event asynchronously, never from inside the
// call that caused it, and deliver the events of a single connection in order.
type Transport interface {
	// Open starts registering id. Exactly one of events.Open or events.Error
	// follows for the registration itself.
	Open(id domain.PeerID, events EndpointEvents) (Endpoint, error)
}

// EndpointEvents are the callbacks of a registered identity.
type EndpointEvents struct {
	Open       func()
	Error      func(err error)
	Close      func()
	Connection func(conn DataConn)
	Call       func(call MediaConn)
}

// Endpoint is one identity registered with the rendezvous.
type Endpoint interface {
	ID() domain.PeerID
	Connect(peer domain.PeerID) (DataConn, error)
	Call(peer domain.PeerID, stream *domain.Stream) (MediaConn, error)
	// Destroy leaves the rendezvous and closes every connection opened
	// through the endpoint.
	Destroy() error
}

// DataEvents are the callbacks of a data connection.
type DataEvents struct {
	Open  func()
	Data  func(payload []byte)
	Close func()
	Error func(err error)
}

// DataConn is a reliable, ordered channel to one remote peer. Events raised
// before Bind are held and replayed once handlers are bound.
type DataConn interface {
	Peer() domain.PeerID
	Send(payload []byte) error
	Close() error
	// Bind installs handlers. The returned func detaches them; no event is
	// delivered after it returns.
	Bind(events DataEvents) (unbind func())
}

// MediaEvents are the callbacks of a call leg.
type MediaEvents struct {
	Stream func(stream *domain.Stream)
	Close  func()
	Error  func(err error)
}

// MediaConn is one call leg with a remote peer.
type MediaConn interface {
	Peer() domain.PeerID
	// Answer accepts an inbound call with the local stream.
	Answer(stream *domain.Stream) error
	Close() error
	// Senders returns the outbound track senders negotiated on the leg.
	Senders() []TrackSender
	Bind(events MediaEvents) (unbind func())
}

// TrackSender carries one outbound track of a call leg.
type TrackSender interface {
	Kind() domain.TrackKind
	ReplaceTrack(track domain.Track) error
}
