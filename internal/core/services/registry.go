package services

import (
	"time"

	"peermesh/internal/core/domain"
	"peermesh/internal/core/ports"
)

type linkRole int

const (
	// roleServe is the dialing side. It watches the remote's pings.
	roleServe linkRole = iota
	// roleListen is the accepting side. It pings on every pulse.
	roleListen
)

func (r linkRole) String() string {
	if r == roleListen {
		return "listen"
	}
	return "serve"
}

// link is a tracked data connection.
type link struct {
	peer   domain.PeerID
	conn   ports.DataConn
	role   linkRole
	unbind func()

	open      bool
	confirmed bool
	// rejected links were turned away for capacity; losing them is silent.
	rejected bool
	// hostReported is set once HostDropped went out for this host link and
	// cleared by the next ping.
	hostReported bool

	lastPing    time.Time
	liveness    *time.Timer
	livenessSeq uint64
}

func (l *link) stopTimers() {
	if l.liveness != nil {
		l.liveness.Stop()
		l.liveness = nil
	}
	l.livenessSeq++
}

func (l *link) detach() {
	if l.unbind != nil {
		l.unbind()
		l.unbind = nil
	}
	l.stopTimers()
}

// leg is a tracked call leg.
type leg struct {
	peer     domain.PeerID
	conn     ports.MediaConn
	unbind   func()
	outbound bool
	flowing  bool
}

func (l *leg) detach() {
	if l.unbind != nil {
		l.unbind()
		l.unbind = nil
	}
}

// registry is the session's bookkeeping of who is reachable. It performs no
// I/O and is only touched from the session loop.
type registry struct {
	data  map[domain.PeerID]*link
	media map[domain.PeerID]*leg
	// remote holds the last call map each sender declared.
	remote map[domain.PeerID]domain.CallMap
}

func newRegistry() *registry {
	return &registry{
		data:   make(map[domain.PeerID]*link),
		media:  make(map[domain.PeerID]*leg),
		remote: make(map[domain.PeerID]domain.CallMap),
	}
}

// register stores l and returns the link it superseded, if any. The caller
// closes the superseded link.
func (r *registry) register(l *link) *link {
	old := r.data[l.peer]
	r.data[l.peer] = l
	if old == l {
		return nil
	}
	return old
}

// unregister removes l if it is still the entry for its peer.
func (r *registry) unregister(l *link) bool {
	if cur, ok := r.data[l.peer]; ok && cur == l {
		delete(r.data, l.peer)
		return true
	}
	return false
}

func (r *registry) link(peer domain.PeerID) *link {
	return r.data[peer]
}

// listPeers returns the roster: every peer with a data connection except the
// room's own id.
func (r *registry) listPeers(room domain.RoomID) []domain.PeerID {
	peers := make([]domain.PeerID, 0, len(r.data))
	for id := range r.data {
		if id == room.HostID() {
			continue
		}
		peers = append(peers, id)
	}
	domain.SortPeers(peers)
	return peers
}

func (r *registry) links() []*link {
	out := make([]*link, 0, len(r.data))
	for _, id := range r.sortedDataKeys() {
		out = append(out, r.data[id])
	}
	return out
}

func (r *registry) sortedDataKeys() []domain.PeerID {
	ids := make([]domain.PeerID, 0, len(r.data))
	for id := range r.data {
		ids = append(ids, id)
	}
	domain.SortPeers(ids)
	return ids
}

func (r *registry) registerMedia(l *leg) *leg {
	old := r.media[l.peer]
	r.media[l.peer] = l
	if old == l {
		return nil
	}
	return old
}

func (r *registry) unregisterMedia(l *leg) bool {
	if cur, ok := r.media[l.peer]; ok && cur == l {
		delete(r.media, l.peer)
		return true
	}
	return false
}

func (r *registry) leg(peer domain.PeerID) *leg {
	return r.media[peer]
}

func (r *registry) legs() []*leg {
	ids := make([]domain.PeerID, 0, len(r.media))
	for id := range r.media {
		ids = append(ids, id)
	}
	domain.SortPeers(ids)

	out := make([]*leg, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.media[id])
	}
	return out
}

// callMap derives the declaration of active call legs.
func (r *registry) callMap() domain.CallMap {
	m := make(domain.CallMap, len(r.media))
	for id := range r.media {
		m[id] = true
	}
	return m
}

// swapRemote records the call map from sender and returns the previous one.
func (r *registry) swapRemote(sender domain.PeerID, m domain.CallMap) domain.CallMap {
	prev := r.remote[sender]
	next := make(domain.CallMap, len(m))
	for id, active := range m {
		if active {
			next[id] = true
		}
	}
	r.remote[sender] = next
	return prev
}

func (r *registry) forgetRemote(sender domain.PeerID) {
	delete(r.remote, sender)
}

// reset empties the registry and returns what it held.
func (r *registry) reset() ([]*link, []*leg) {
	links, legs := r.links(), r.legs()
	r.data = make(map[domain.PeerID]*link)
	r.media = make(map[domain.PeerID]*leg)
	r.remote = make(map[domain.PeerID]domain.CallMap)
	return links, legs
}
