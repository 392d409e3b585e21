package memory

import (
	"context"
	"encoding/json"
	"sync"

	"peermesh/internal/core/domain"
	"peermesh/internal/core/ports"
)

type room struct {
	members  []domain.PeerID
	initData map[string]json.RawMessage
}

// RosterStore keeps room state for the lifetime of the process.
type RosterStore struct {
	rooms map[domain.RoomID]*room
	mu    sync.RWMutex
}

func NewRosterStore() *RosterStore {
	return &RosterStore{
		rooms: make(map[domain.RoomID]*room),
	}
}

var _ ports.RosterStore = (*RosterStore)(nil)

func (r *RosterStore) room(id domain.RoomID) *room {
	rm, ok := r.rooms[id]
	if !ok {
		rm = &room{initData: make(map[string]json.RawMessage)}
		r.rooms[id] = rm
	}
	return rm
}

func (r *RosterStore) SaveMembers(ctx context.Context, id domain.RoomID, members []domain.PeerID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.room(id).members = append([]domain.PeerID(nil), members...)
	return nil
}

func (r *RosterStore) Members(ctx context.Context, id domain.RoomID) ([]domain.PeerID, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rm, ok := r.rooms[id]
	if !ok {
		return nil, nil
	}
	return append([]domain.PeerID(nil), rm.members...), nil
}

func (r *RosterStore) SaveInitData(ctx context.Context, id domain.RoomID, key string, value json.RawMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.room(id).initData[key] = append(json.RawMessage(nil), value...)
	return nil
}

func (r *RosterStore) InitData(ctx context.Context, id domain.RoomID) (map[string]json.RawMessage, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]json.RawMessage)
	if rm, ok := r.rooms[id]; ok {
		for k, v := range rm.initData {
			out[k] = v
		}
	}
	return out, nil
}
