package domain

import (
	"errors"
	"fmt"
)

var (
	ErrMeshMaxNodeReached   = errors.New("mesh max node reached")
	ErrMeshLimitExceeded    = errors.New("mesh limit exceeded try again later")
	ErrPeerConnectionClosed = errors.New("peer connection closed")
	ErrPeerNotFound         = errors.New("peer not found")
	ErrNotConnected         = errors.New("no data connection with peer")
	ErrNotJoined            = errors.New("not joined to a room")
	ErrAlreadyJoined        = errors.New("session already joined a room")
	ErrSessionClosed        = errors.New("session closed")
	ErrTrackKindMismatch    = errors.New("track kind mismatch")
)

// TransportErrorType classifies failures reported by a transport.
type TransportErrorType string

const (
	ErrTypeUnavailableID   TransportErrorType = "unavailable-id"
	ErrTypePeerUnavailable TransportErrorType = "peer-unavailable"
	ErrTypeDisconnected    TransportErrorType = "disconnected"
	ErrTypeNetwork         TransportErrorType = "network"
	ErrTypeServerError     TransportErrorType = "server-error"
	ErrTypeSocketError     TransportErrorType = "socket-error"
	ErrTypeSocketClosed    TransportErrorType = "socket-closed"
)

// TransportError is the error transports hand to endpoint error handlers.
type TransportError struct {
	Type TransportErrorType
	Peer PeerID
	Err  error
}

func NewTransportError(typ TransportErrorType, err error) *TransportError {
	return &TransportError{Type: typ, Err: err}
}

func (e *TransportError) Error() string {
	if e.Peer != "" {
		return fmt.Sprintf("%s (%s): %v", e.Type, e.Peer, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Type, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Recoverable reports whether the failure is a connectivity loss that a
// scheduled reconnection may fix.
func (e *TransportError) Recoverable() bool {
	switch e.Type {
	case ErrTypeDisconnected, ErrTypeNetwork, ErrTypeServerError, ErrTypeSocketError, ErrTypeSocketClosed:
		return true
	}
	return false
}
