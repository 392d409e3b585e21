package domain

import "sort"

// PeerID identifies a node on the rendezvous.
type PeerID string

// RoomID names a mesh. The host of a room registers under the room id itself,
// so a room id doubles as the host's peer id.
type RoomID string

// HostID returns the peer id the room's host registers under.
func (r RoomID) HostID() PeerID {
	return PeerID(r)
}

// LocalIdentity is the identity a session holds on the rendezvous.
type LocalIdentity struct {
	ID     PeerID `json:"id"`
	RoomID RoomID `json:"room_id"`
}

// Established reports whether the rendezvous has accepted the identity.
func (i LocalIdentity) Established() bool {
	return i.ID != ""
}

// IsHost reports whether the identity is the room's host.
func (i LocalIdentity) IsHost() bool {
	return i.ID != "" && i.ID == i.RoomID.HostID()
}

// CallMap declares which peers the sender has active call legs with.
type CallMap map[PeerID]bool

// Active returns the peers marked active, sorted.
func (m CallMap) Active() []PeerID {
	peers := make([]PeerID, 0, len(m))
	for id, on := range m {
		if on {
			peers = append(peers, id)
		}
	}
	SortPeers(peers)
	return peers
}

// SortPeers sorts ids in place.
func SortPeers(ids []PeerID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}
