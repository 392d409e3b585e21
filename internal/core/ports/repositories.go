package ports

import (
	"context"
	"encoding/json"

	"peermesh/internal/core/domain"
)

// RosterStore mirrors a host's room state outside the process so a restarted
// host can pick up the room's shared init data.
type RosterStore interface {
	SaveMembers(ctx context.Context, room domain.RoomID, members []domain.PeerID) error
	Members(ctx context.Context, room domain.RoomID) ([]domain.PeerID, error)
	SaveInitData(ctx context.Context, room domain.RoomID, key string, value json.RawMessage) error
	InitData(ctx context.Context, room domain.RoomID) (map[string]json.RawMessage, error)
}
