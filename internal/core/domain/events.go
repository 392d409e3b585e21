package domain

import "encoding/json"

type EventType string

const (
	EventJoined            EventType = "joined"
	EventPeer              EventType = "peer"
	EventData              EventType = "data"
	EventStream            EventType = "stream"
	EventStreamDrop        EventType = "streamdrop"
	EventPeerDropped       EventType = "peerdropped"
	EventHostDropped       EventType = "hostdropped"
	EventDropped           EventType = "dropped"
	EventError             EventType = "error"
	EventSync              EventType = "sync"
	EventManualStream      EventType = "manual-stream"
	EventMeshLimitExceeded EventType = "meshlimitexceeded"
	EventInitData          EventType = "initData"
	EventPeerJoined        EventType = "peerjoined"
	EventMessageReceipt    EventType = "message_receipt"
	EventPeerUnavailable   EventType = "error-peer-unavailable"
)

// Event is delivered to session observers.
type Event interface {
	Type() EventType
}

type Joined struct{ ID PeerID }

type PeerConfirmed struct{ Peer PeerID }

type DataReceived struct {
	From    PeerID
	Payload json.RawMessage
}

type StreamReceived struct {
	Peer   PeerID
	Stream *Stream
}

type StreamDropped struct{ Peer PeerID }

type PeerDropped struct{ Peer PeerID }

type HostDropped struct{}

// Dropped reports a connectivity loss after the identity was established.
type Dropped struct{ Err error }

type ErrorEvent struct{ Err error }

// Synced reports the converged connection set.
type Synced struct{ Peers []PeerID }

type ManualStream struct{ Peer PeerID }

type MeshLimitExceeded struct{ Limit int }

type InitData struct {
	Key   string
	Value json.RawMessage
}

type PeerJoined struct{ Peer PeerID }

type MessageReceipt struct {
	Peer      PeerID
	MessageID string
}

type PeerUnavailable struct{ Peer PeerID }

func (Joined) Type() EventType            { return EventJoined }
func (PeerConfirmed) Type() EventType     { return EventPeer }
func (DataReceived) Type() EventType      { return EventData }
func (StreamReceived) Type() EventType    { return EventStream }
func (StreamDropped) Type() EventType     { return EventStreamDrop }
func (PeerDropped) Type() EventType       { return EventPeerDropped }
func (HostDropped) Type() EventType       { return EventHostDropped }
func (Dropped) Type() EventType           { return EventDropped }
func (ErrorEvent) Type() EventType        { return EventError }
func (Synced) Type() EventType            { return EventSync }
func (ManualStream) Type() EventType      { return EventManualStream }
func (MeshLimitExceeded) Type() EventType { return EventMeshLimitExceeded }
func (InitData) Type() EventType          { return EventInitData }
func (PeerJoined) Type() EventType        { return EventPeerJoined }
func (MessageReceipt) Type() EventType    { return EventMessageReceipt }
func (PeerUnavailable) Type() EventType   { return EventPeerUnavailable }
