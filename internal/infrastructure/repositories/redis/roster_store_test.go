package redis

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"peermesh/internal/core/domain"
)

// testStore connects to PEERMESH_TEST_REDIS and isolates the test under a
// fresh key prefix.
func testStore(t *testing.T, ttl time.Duration) (*RosterStore, *redis.Client) {
	t.Helper()
	addr := os.Getenv("PEERMESH_TEST_REDIS")
	if addr == "" {
		t.Skip("PEERMESH_TEST_REDIS not set")
	}
	client, err := Dial(context.Background(), Options{Address: addr, PoolSize: 4}, zap.NewNop().Sugar())
	require.NoError(t, err)

	store := NewRosterStore(client, ttl)
	store.prefix = "peermesh-test:" + uuid.NewString() + ":"
	t.Cleanup(func() {
		ctx := context.Background()
		keys, _ := client.Keys(ctx, store.prefix+"*").Result()
		if len(keys) > 0 {
			client.Del(ctx, keys...)
		}
		_ = client.Close()
	})
	return store, client
}

func TestRosterStore_Members(t *testing.T) {
	store, _ := testStore(t, 0)
	ctx := context.Background()

	members, err := store.Members(ctx, "room-1")
	require.NoError(t, err)
	assert.Empty(t, members)

	require.NoError(t, store.SaveMembers(ctx, "room-1", []domain.PeerID{"a1", "b1", "c1"}))
	require.NoError(t, store.SaveMembers(ctx, "room-1", []domain.PeerID{"b1", "c1"}))
	members, err = store.Members(ctx, "room-1")
	require.NoError(t, err)
	assert.Equal(t, []domain.PeerID{"b1", "c1"}, members)

	require.NoError(t, store.SaveMembers(ctx, "room-1", nil))
	members, err = store.Members(ctx, "room-1")
	require.NoError(t, err)
	assert.Empty(t, members)
}

func TestRosterStore_InitDataAndRooms(t *testing.T) {
	store, client := testStore(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, store.SaveInitData(ctx, "room-b", "map", json.RawMessage(`{"name":"forest"}`)))
	require.NoError(t, store.SaveInitData(ctx, "room-b", "seed", json.RawMessage(`7`)))
	require.NoError(t, store.SaveMembers(ctx, "room-a", []domain.PeerID{"a1"}))

	data, err := store.InitData(ctx, "room-b")
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"forest"}`, string(data["map"]))
	assert.JSONEq(t, `7`, string(data["seed"]))

	ttl, err := client.TTL(ctx, store.initDataKey("room-b")).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))

	rooms, err := store.Rooms(ctx)
	require.NoError(t, err)
	assert.Equal(t, []domain.RoomID{"room-a", "room-b"}, rooms)
}

func TestMigrate_Idempotent(t *testing.T) {
	_, client := testStore(t, 0)
	ctx := context.Background()

	require.NoError(t, Migrate(ctx, client, nil))
	require.NoError(t, Migrate(ctx, client, nil))
	version, err := getSchemaVersion(ctx, client)
	require.NoError(t, err)
	assert.Equal(t, currentSchemaVersion, version)
}
