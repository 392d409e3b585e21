package signal

import (
	"encoding/json"
	"fmt"

	"peermesh/internal/core/domain"
)

// MessageType names a rendezvous message.
type MessageType string

const (
	// Server to client.
	TypeOpen    MessageType = "OPEN"
	TypeIDTaken MessageType = "ID-TAKEN"
	TypeError   MessageType = "ERROR"
	TypeLeave   MessageType = "LEAVE"
	TypeExpire  MessageType = "EXPIRE"

	// Relayed between clients.
	TypeOffer     MessageType = "OFFER"
	TypeAnswer    MessageType = "ANSWER"
	TypeCandidate MessageType = "CANDIDATE"

	// Client to server keepalive.
	TypeHeartbeat MessageType = "HEARTBEAT"
)

// ConnKind tells the callee which kind of connection an offer opens.
type ConnKind string

const (
	KindData  ConnKind = "data"
	KindMedia ConnKind = "media"
)

// Message is one frame on the rendezvous socket.
type Message struct {
	Type    MessageType     `json:"type"`
	Src     domain.PeerID   `json:"src,omitempty"`
	Dst     domain.PeerID   `json:"dst,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Negotiation is the payload of OFFER, ANSWER and CANDIDATE. One peer pair
// may negotiate several connections; ConnectionID tells them apart.
type Negotiation struct {
	ConnectionID string          `json:"connectionId"`
	Kind         ConnKind        `json:"type"`
	SDP          string          `json:"sdp,omitempty"`
	Candidate    json.RawMessage `json:"candidate,omitempty"`
	StreamID     string          `json:"streamId,omitempty"`
}

// ErrorPayload is the payload of ERROR.
type ErrorPayload struct {
	Msg string `json:"msg"`
}

// NewMessage builds a relayed message carrying payload.
func NewMessage(typ MessageType, dst domain.PeerID, payload any) (Message, error) {
	msg := Message{Type: typ, Dst: dst}
	if payload == nil {
		return msg, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("encode %s payload: %w", typ, err)
	}
	msg.Payload = raw
	return msg, nil
}

// Negotiation decodes the payload of an OFFER, ANSWER or CANDIDATE.
func (m Message) Negotiation() (Negotiation, error) {
	var n Negotiation
	if err := json.Unmarshal(m.Payload, &n); err != nil {
		return Negotiation{}, fmt.Errorf("decode %s payload: %w", m.Type, err)
	}
	if n.ConnectionID == "" {
		return Negotiation{}, fmt.Errorf("%s payload without connection id", m.Type)
	}
	return n, nil
}

// ErrorText returns the reason carried by an ERROR message.
func (m Message) ErrorText() string {
	var p ErrorPayload
	if err := json.Unmarshal(m.Payload, &p); err != nil || p.Msg == "" {
		return string(m.Type)
	}
	return p.Msg
}
