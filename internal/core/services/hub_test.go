package services

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"peermesh/internal/core/domain"
	rostermem "peermesh/internal/infrastructure/repositories/memory"
)

func hubInitData(t *testing.T, host *node) map[string]json.RawMessage {
	t.Helper()
	out := make(map[string]json.RawMessage)
	require.NoError(t, host.call(func() error {
		if host.hub != nil {
			for k, v := range host.hub.initData {
				out[k] = v
			}
		}
		return nil
	}))
	return out
}

func TestHub_RestoresInitDataFromStore(t *testing.T) {
	ctx := context.Background()
	store := rostermem.NewRosterStore()
	require.NoError(t, store.SaveInitData(ctx, testRoom, "map", json.RawMessage(`"forest"`)))

	net := newTestNetwork(t)
	cfg := testMeshConfig()
	host := startHost(t, net, cfg, WithRosterStore(store))
	require.Eventually(t, func() bool {
		_, ok := hubInitData(t, host)["map"]
		return ok
	}, waitLimit, tick)

	a := joinClient(t, net, cfg, host, "a")
	got := waitEvent(t, a.log, func(ev domain.InitData) bool { return ev.Key == "map" })
	assert.JSONEq(t, `"forest"`, string(got.Value))
}

func TestHub_PersistsRosterAndInitData(t *testing.T) {
	ctx := context.Background()
	store := rostermem.NewRosterStore()

	net := newTestNetwork(t)
	cfg := testMeshConfig()
	host := startHost(t, net, cfg, WithRosterStore(store))
	a := joinClient(t, net, cfg, host, "a")
	joinClient(t, net, cfg, host, "b")

	require.Eventually(t, func() bool {
		members, err := store.Members(ctx, testRoom)
		return err == nil && assert.ObjectsAreEqual([]domain.PeerID{"a1", "b1"}, members)
	}, waitLimit, tick)

	require.NoError(t, a.SetInitData("theme", "dark"))
	require.Eventually(t, func() bool {
		data, err := store.InitData(ctx, testRoom)
		return err == nil && string(data["theme"]) == `"dark"`
	}, waitLimit, tick)

	require.NoError(t, a.Cleanup())
	require.Eventually(t, func() bool {
		members, err := store.Members(ctx, testRoom)
		return err == nil && assert.ObjectsAreEqual([]domain.PeerID{"b1"}, members)
	}, waitLimit, tick)
}

func TestHub_RelayRateLimit(t *testing.T) {
	net := newTestNetwork(t)
	cfg := testMeshConfig()
	cfg.RelayPerSecond = 1
	host := startHost(t, net, cfg)
	a := joinClient(t, net, cfg, host, "a")
	b := joinClient(t, net, cfg, host, "b")
	waitEvent(t, a.log, func(ev domain.PeerJoined) bool { return ev.Peer == "b1" })

	for i := 0; i < 3; i++ {
		require.NoError(t, a.SendData("b1", i))
	}
	first := waitEvent(t, b.log, func(ev domain.DataReceived) bool { return ev.From == "a1" })
	assert.Equal(t, "0", string(first.Payload))

	time.Sleep(100 * time.Millisecond)
	assert.Len(t, eventsOf[domain.DataReceived](b.log), 1)
}

func TestHub_RelayToUnknownPeerIsDropped(t *testing.T) {
	net := newTestNetwork(t)
	cfg := testMeshConfig()
	host := startHost(t, net, cfg)
	a := joinClient(t, net, cfg, host, "a")

	require.NoError(t, a.SendData("nobody", "lost"))
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, eventsOf[domain.DataReceived](host.log))
	assert.Empty(t, eventsOf[domain.ErrorEvent](a.log))
}
