package memory

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"peermesh/internal/core/domain"
)

func TestRosterStore_Members(t *testing.T) {
	ctx := context.Background()
	store := NewRosterStore()

	members, err := store.Members(ctx, "room-1")
	require.NoError(t, err)
	assert.Empty(t, members)

	in := []domain.PeerID{"a1", "b1"}
	require.NoError(t, store.SaveMembers(ctx, "room-1", in))
	in[0] = "changed"

	members, err = store.Members(ctx, "room-1")
	require.NoError(t, err)
	assert.Equal(t, []domain.PeerID{"a1", "b1"}, members)

	require.NoError(t, store.SaveMembers(ctx, "room-1", nil))
	members, err = store.Members(ctx, "room-1")
	require.NoError(t, err)
	assert.Empty(t, members)
}

func TestRosterStore_InitData(t *testing.T) {
	ctx := context.Background()
	store := NewRosterStore()

	require.NoError(t, store.SaveInitData(ctx, "room-1", "map", json.RawMessage(`"forest"`)))
	require.NoError(t, store.SaveInitData(ctx, "room-1", "seed", json.RawMessage(`42`)))
	require.NoError(t, store.SaveInitData(ctx, "room-1", "map", json.RawMessage(`"desert"`)))
	require.NoError(t, store.SaveInitData(ctx, "room-2", "map", json.RawMessage(`"ice"`)))

	data, err := store.InitData(ctx, "room-1")
	require.NoError(t, err)
	assert.Len(t, data, 2)
	assert.JSONEq(t, `"desert"`, string(data["map"]))
	assert.JSONEq(t, `42`, string(data["seed"]))

	empty, err := store.InitData(ctx, "nowhere")
	require.NoError(t, err)
	assert.Empty(t, empty)
}
