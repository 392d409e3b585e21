package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"peermesh/internal/core/domain"
	"peermesh/internal/core/ports"
	"peermesh/pkg/tracing"
)

const roomsKey = "rooms"

// RosterStore keeps room state in Redis: the member list as a list, init
// data as a hash, and every room id in an index set.
type RosterStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

var _ ports.RosterStore = (*RosterStore)(nil)

// NewRosterStore stores room keys that expire ttl after their last write.
// A zero ttl keeps them forever.
func NewRosterStore(client redis.UniversalClient, ttl time.Duration) *RosterStore {
	return &RosterStore{
		client: client,
		prefix: keyPrefix,
		ttl:    ttl,
	}
}

func (r *RosterStore) membersKey(room domain.RoomID) string {
	return fmt.Sprintf("%sroom:%s:members", r.prefix, room)
}

func (r *RosterStore) initDataKey(room domain.RoomID) string {
	return fmt.Sprintf("%sroom:%s:init", r.prefix, room)
}

func (r *RosterStore) SaveMembers(ctx context.Context, room domain.RoomID, members []domain.PeerID) error {
	ctx, span := tracing.TraceStore(ctx, "save_members", "redis", string(room))
	defer span.End()

	key := r.membersKey(room)
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		if len(members) > 0 {
			values := make([]interface{}, len(members))
			for i, id := range members {
				values[i] = string(id)
			}
			pipe.RPush(ctx, key, values...)
			if r.ttl > 0 {
				pipe.Expire(ctx, key, r.ttl)
			}
		}
		pipe.SAdd(ctx, r.prefix+roomsKey, string(room))
		return nil
	})
	if err != nil {
		tracing.RecordError(ctx, err)
		return fmt.Errorf("failed to save members of %s: %w", room, err)
	}
	return nil
}

func (r *RosterStore) Members(ctx context.Context, room domain.RoomID) ([]domain.PeerID, error) {
	values, err := r.client.LRange(ctx, r.membersKey(room), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get members of %s: %w", room, err)
	}
	members := make([]domain.PeerID, len(values))
	for i, v := range values {
		members[i] = domain.PeerID(v)
	}
	return members, nil
}

func (r *RosterStore) SaveInitData(ctx context.Context, room domain.RoomID, key string, value json.RawMessage) error {
	ctx, span := tracing.TraceStore(ctx, "save_init_data", "redis", string(room))
	defer span.End()

	hash := r.initDataKey(room)
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, hash, key, string(value))
		if r.ttl > 0 {
			pipe.Expire(ctx, hash, r.ttl)
		}
		pipe.SAdd(ctx, r.prefix+roomsKey, string(room))
		return nil
	})
	if err != nil {
		tracing.RecordError(ctx, err)
		return fmt.Errorf("failed to save init data %q of %s: %w", key, room, err)
	}
	return nil
}

func (r *RosterStore) InitData(ctx context.Context, room domain.RoomID) (map[string]json.RawMessage, error) {
	ctx, span := tracing.TraceStore(ctx, "init_data", "redis", string(room))
	defer span.End()

	values, err := r.client.HGetAll(ctx, r.initDataKey(room)).Result()
	if err != nil {
		tracing.RecordError(ctx, err)
		return nil, fmt.Errorf("failed to get init data of %s: %w", room, err)
	}
	data := make(map[string]json.RawMessage, len(values))
	for k, v := range values {
		data[k] = json.RawMessage(v)
	}
	return data, nil
}

// Rooms lists every room with stored state, sorted.
func (r *RosterStore) Rooms(ctx context.Context) ([]domain.RoomID, error) {
	values, err := r.client.SMembers(ctx, r.prefix+roomsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list rooms: %w", err)
	}
	sort.Strings(values)
	rooms := make([]domain.RoomID, len(values))
	for i, v := range values {
		rooms[i] = domain.RoomID(v)
	}
	return rooms, nil
}
