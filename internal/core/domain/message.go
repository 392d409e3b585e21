package domain

import "encoding/json"

const (
	HealthCheckPing = "ping"
	HealthCheckPong = "pong"
)

// Message is the record exchanged over data connections. One populated
// field (or pair, for peerlist+callMap) signals the intent.
type Message struct {
	HealthCheck    string                     `json:"healthcheck,omitempty"`
	Message        json.RawMessage            `json:"message,omitempty"`
	ID             string                     `json:"id,omitempty"`
	MessageReceipt string                     `json:"message_receipt,omitempty"`
	FromPeer       PeerID                     `json:"from_peer,omitempty"`
	To             PeerID                     `json:"to,omitempty"`
	MeshLimit      int                        `json:"meshlimit,omitempty"`
	CallStopped    PeerID                     `json:"callstopped,omitempty"`
	CallMap        *CallMap                   `json:"callMap,omitempty"`
	PeerList       []PeerID                   `json:"peerlist,omitempty"`
	InitData       map[string]json.RawMessage `json:"initData,omitempty"`
	Identify       PeerID                     `json:"identify,omitempty"`
	Dropped        PeerID                     `json:"dropped,omitempty"`
	HostDropped    bool                       `json:"hostdropped,omitempty"`
}

// Kind names the message for logs and metrics.
func (m *Message) Kind() string {
	switch {
	case m.HealthCheck != "":
		return "healthcheck"
	case m.MeshLimit != 0:
		return "meshlimit"
	case m.PeerList != nil:
		return "peerlist"
	case m.CallMap != nil:
		return "callmap"
	case m.CallStopped != "":
		return "callstopped"
	case m.Message != nil:
		return "message"
	case m.MessageReceipt != "":
		return "message_receipt"
	case m.InitData != nil:
		return "initdata"
	case m.Identify != "":
		return "identify"
	case m.Dropped != "":
		return "dropped"
	case m.HostDropped:
		return "hostdropped"
	}
	return "unknown"
}

// CallMapOf wraps m for a message field.
func CallMapOf(m CallMap) *CallMap {
	if m == nil {
		m = CallMap{}
	}
	return &m
}
