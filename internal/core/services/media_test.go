package services

import (
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"peermesh/internal/core/domain"
	"peermesh/internal/infrastructure/transport/memory"
	"peermesh/pkg/config"
	apperrors "peermesh/pkg/errors"
)

func camera(id string) (*domain.Stream, *domain.BasicTrack, *domain.BasicTrack) {
	mic := domain.NewTrack(id+"-mic", domain.TrackKindAudio)
	cam := domain.NewTrack(id+"-cam", domain.TrackKindVideo)
	return domain.NewStream(id, mic, cam), mic, cam
}

// callHost has client call the host and waits until media flows both ways.
func callHost(t *testing.T, host, client *node, clientID domain.PeerID) {
	t.Helper()
	require.NoError(t, client.ConnectStreamWithPeer(testRoom.HostID(), nil))
	waitEvent(t, client.log, func(ev domain.StreamReceived) bool { return ev.Peer == testRoom.HostID() })
	waitEvent(t, host.log, func(ev domain.StreamReceived) bool { return ev.Peer == clientID })
}

func mediaPair(t *testing.T, cfg config.MeshConfig) (*memory.Network, *node, *node) {
	t.Helper()
	net := newTestNetwork(t)
	host := startHost(t, net, cfg)
	hostCam, _, _ := camera("host")
	_, err := host.SetCurrentStream(hostCam, false)
	require.NoError(t, err)

	a := joinClient(t, net, cfg, host, "a")
	return net, host, a
}

func TestMedia_CallNeedsStream(t *testing.T) {
	net := newTestNetwork(t)
	cfg := testMeshConfig()
	host := startHost(t, net, cfg)
	a := joinClient(t, net, cfg, host, "a")

	err := a.ConnectStreamWithPeer(testRoom.HostID(), nil)
	assert.Equal(t, apperrors.ErrCodeInvalidInput, apperrors.CodeOf(err))

	cam, _, _ := camera("a")
	require.NoError(t, a.ConnectStreamWithPeer(testRoom.HostID(), cam))

	// The host has no stream of its own and leaves the call unanswered.
	assert.Empty(t, eventsOf[domain.StreamReceived](host.log))
	assert.Equal(t, domain.CallMap{testRoom.HostID(): true}, a.CallMap())
	assert.Empty(t, host.CallMap())
}

func TestMedia_CallAndCallMap(t *testing.T) {
	cfg := testMeshConfig()
	_, host, a := mediaPair(t, cfg)

	cam, _, _ := camera("a")
	adopted, err := a.SetCurrentStream(cam, false)
	require.NoError(t, err)
	assert.True(t, adopted)

	callHost(t, host, a, "a1")
	received := waitEvent[domain.StreamReceived](t, a.log, nil)
	assert.Equal(t, "host", received.Stream.ID())

	assert.Equal(t, domain.CallMap{testRoom.HostID(): true}, a.CallMap())
	assert.Equal(t, domain.CallMap{"a1": true}, host.CallMap())
}

func TestMedia_SameStreamIsNoop(t *testing.T) {
	cfg := testMeshConfig()
	net, host, a := mediaPair(t, cfg)

	cam, _, _ := camera("a")
	_, err := a.SetCurrentStream(cam, false)
	require.NoError(t, err)
	callHost(t, host, a, "a1")

	adopted, err := a.SetCurrentStream(cam, true)
	require.NoError(t, err)
	assert.True(t, adopted)

	leg := net.Call("a1", testRoom.HostID())
	require.NotNil(t, leg)
	for _, kind := range []domain.TrackKind{domain.TrackKindAudio, domain.TrackKindVideo} {
		assert.Zero(t, leg.Sender(kind).Replacements(), kind)
	}
}

func TestMedia_VideoSwapKeepsAudio(t *testing.T) {
	cfg := testMeshConfig()
	net, host, a := mediaPair(t, cfg)

	cam, mic, _ := camera("a")
	_, err := a.SetCurrentStream(cam, false)
	require.NoError(t, err)
	callHost(t, host, a, "a1")

	screen := domain.NewStream("a-screen", domain.NewTrack("screen", domain.TrackKindVideo))
	adopted, err := a.SetCurrentStream(screen, true)
	require.NoError(t, err)
	assert.True(t, adopted)

	leg := net.Call("a1", testRoom.HostID())
	require.NotNil(t, leg)

	video := leg.Sender(domain.TrackKindVideo)
	assert.Equal(t, 1, video.Replacements())
	assert.Equal(t, "screen", video.Track().ID())

	audio := leg.Sender(domain.TrackKindAudio)
	assert.Zero(t, audio.Replacements())
	assert.Equal(t, mic.ID(), audio.Track().ID())

	// The previous audio track carries over to the new stream.
	assert.Same(t, mic, screen.Audio())
}

func TestMedia_SwapWithoutPrevious(t *testing.T) {
	cfg := testMeshConfig()
	_, host, a := mediaPair(t, cfg)

	cam, _, _ := camera("a")
	_, err := a.SetCurrentStream(cam, false)
	require.NoError(t, err)
	callHost(t, host, a, "a1")

	voice := domain.NewStream("a-voice", domain.NewTrack("voice", domain.TrackKindAudio))
	_, err = a.SetCurrentStream(voice, false)
	require.NoError(t, err)
	assert.Nil(t, voice.Video())

	empty := domain.NewStream("empty")
	adopted, err := a.SetCurrentStream(empty, false)
	require.NoError(t, err)
	assert.True(t, adopted)
}

func TestMedia_MissingSenderIsSkipped(t *testing.T) {
	cfg := testMeshConfig()
	cfg.InsertDummyTrack = true
	net, host, a := mediaPair(t, cfg)

	voice := domain.NewStream("a-voice", domain.NewTrack("voice", domain.TrackKindAudio))
	_, err := a.SetCurrentStream(voice, false)
	require.NoError(t, err)
	callHost(t, host, a, "a1")

	cam := domain.NewStream("a-cam", domain.NewTrack("cam", domain.TrackKindVideo))
	_, err = a.SetCurrentStream(cam, true)
	require.NoError(t, err)

	leg := net.Call("a1", testRoom.HostID())
	require.NotNil(t, leg)
	assert.Nil(t, leg.Sender(domain.TrackKindVideo))
	assert.Zero(t, leg.Sender(domain.TrackKindAudio).Replacements())
}

func TestMedia_StopStreamDropsLegs(t *testing.T) {
	cfg := testMeshConfig()
	_, host, a := mediaPair(t, cfg)

	cam, _, _ := camera("a")
	_, err := a.SetCurrentStream(cam, false)
	require.NoError(t, err)
	callHost(t, host, a, "a1")

	adopted, err := a.SetCurrentStream(nil, false)
	require.NoError(t, err)
	assert.False(t, adopted)

	waitEvent(t, a.log, func(ev domain.StreamDropped) bool { return ev.Peer == testRoom.HostID() })
	waitEvent(t, host.log, func(ev domain.StreamDropped) bool { return ev.Peer == "a1" })
	assert.Empty(t, a.CallMap())
	assert.Empty(t, host.CallMap())
}

func TestMedia_Mute(t *testing.T) {
	net := newTestNetwork(t)
	s := startNode(t, net, testMeshConfig())
	require.NoError(t, s.Mute(true))

	cam, mic, video := camera("a")
	_, err := s.SetCurrentStream(cam, false)
	require.NoError(t, err)

	require.NoError(t, s.Mute(true))
	assert.False(t, mic.Enabled())
	assert.True(t, video.Enabled())

	require.NoError(t, s.Mute(false))
	assert.True(t, mic.Enabled())
}

func TestMedia_CallMapWithoutStreamAsksForManualCall(t *testing.T) {
	cfg := testMeshConfig()
	net, host, a := mediaPair(t, cfg)

	cam, _, _ := camera("a")
	_, err := a.SetCurrentStream(cam, false)
	require.NoError(t, err)
	callHost(t, host, a, "a1")

	b := joinClient(t, net, cfg, host, "b")
	manual := waitEvent[domain.ManualStream](t, b.log, nil)
	assert.Equal(t, domain.PeerID("a1"), manual.Peer)
	assert.Empty(t, b.CallMap())
}

func TestMedia_CallMapAutoCalls(t *testing.T) {
	cfg := testMeshConfig()
	net, host, a := mediaPair(t, cfg)

	cam, _, _ := camera("a")
	_, err := a.SetCurrentStream(cam, false)
	require.NoError(t, err)
	callHost(t, host, a, "a1")

	bCam, _, _ := camera("b")
	b := startNode(t, net, cfg, withClientIDs("b"))
	_, err = b.SetCurrentStream(bCam, false)
	require.NoError(t, err)
	require.NoError(t, b.ConnectNetwork(testRoom))

	got := waitEvent(t, b.log, func(ev domain.StreamReceived) bool { return ev.Peer == "a1" })
	assert.Equal(t, "a", got.Stream.ID())
	waitEvent(t, a.log, func(ev domain.StreamReceived) bool { return ev.Peer == "b1" })
	assert.Empty(t, eventsOf[domain.ManualStream](b.log))
}

func TestMedia_AutoCallLimit(t *testing.T) {
	cfg := testMeshConfig()
	cfg.AutoCallPeer = 0
	net, host, a := mediaPair(t, cfg)

	cam, _, _ := camera("a")
	_, err := a.SetCurrentStream(cam, false)
	require.NoError(t, err)
	callHost(t, host, a, "a1")

	bCam, _, _ := camera("b")
	b := startNode(t, net, cfg, withClientIDs("b"))
	_, err = b.SetCurrentStream(bCam, false)
	require.NoError(t, err)
	require.NoError(t, b.ConnectNetwork(testRoom))

	manual := waitEvent[domain.ManualStream](t, b.log, nil)
	assert.Equal(t, domain.PeerID("a1"), manual.Peer)
	assert.Empty(t, b.CallMap())
}

func TestMedia_CallStoppedMessage(t *testing.T) {
	cfg := testMeshConfig()
	_, host, a := mediaPair(t, cfg)

	// Reported even when no leg is tracked.
	require.NoError(t, host.call(func() error {
		return host.sendTo("a1", domain.Message{CallStopped: "x9"})
	}))
	waitEvent(t, a.log, func(ev domain.StreamDropped) bool { return ev.Peer == "x9" })
}

func TestMedia_DirectCallSurvivesPeerListUpdate(t *testing.T) {
	net := newTestNetwork(t)
	cfg := testMeshConfig()
	cfg.Mode = config.ModeFull
	host := startHost(t, net, cfg)

	a := joinClient(t, net, cfg, host, "a")
	aCam, _, _ := camera("a")
	_, err := a.SetCurrentStream(aCam, false)
	require.NoError(t, err)

	b := joinClient(t, net, cfg, host, "b")
	bCam, _, _ := camera("b")
	_, err = b.SetCurrentStream(bCam, false)
	require.NoError(t, err)

	require.NoError(t, a.ConnectStreamWithPeer("b1", nil))
	waitEvent(t, a.log, func(ev domain.StreamReceived) bool { return ev.Peer == "b1" })
	waitEvent(t, b.log, func(ev domain.StreamReceived) bool { return ev.Peer == "a1" })

	// c joining makes the host send a new peer list and its own, empty,
	// call map to everyone.
	joinClient(t, net, cfg, host, "c")
	waitEvent(t, a.log, func(ev domain.Synced) bool { return slices.Contains(ev.Peers, "c1") })
	waitEvent(t, b.log, func(ev domain.Synced) bool { return slices.Contains(ev.Peers, "c1") })

	assert.Never(t, func() bool {
		return len(eventsOf[domain.StreamDropped](a.log)) > 0 || len(eventsOf[domain.StreamDropped](b.log)) > 0
	}, 5*cfg.HealthCheckInterval, tick)
	assert.Equal(t, domain.CallMap{"b1": true}, a.CallMap())
	assert.Equal(t, domain.CallMap{"a1": true}, b.CallMap())
}

func TestMedia_HostAnnouncesStoppedCall(t *testing.T) {
	cfg := testMeshConfig()
	net, host, a := mediaPair(t, cfg)

	cam, _, _ := camera("a")
	_, err := a.SetCurrentStream(cam, false)
	require.NoError(t, err)
	callHost(t, host, a, "a1")

	bCam, _, _ := camera("b")
	b := startNode(t, net, cfg, withClientIDs("b"))
	_, err = b.SetCurrentStream(bCam, false)
	require.NoError(t, err)
	require.NoError(t, b.ConnectNetwork(testRoom))
	waitEvent(t, b.log, func(ev domain.StreamReceived) bool { return ev.Peer == "a1" })

	// The host hangs up on a; b learns it through {callstopped} and drops
	// the leg it auto-called from the host's map.
	_, err = host.SetCurrentStream(nil, false)
	require.NoError(t, err)

	waitEvent(t, b.log, func(ev domain.StreamDropped) bool { return ev.Peer == "a1" })
	require.Eventually(t, func() bool { return len(b.CallMap()) == 0 }, waitLimit, tick)

	dropsOfA := func() int {
		n := 0
		for _, ev := range eventsOf[domain.StreamDropped](b.log) {
			if ev.Peer == "a1" {
				n++
			}
		}
		return n
	}
	assert.Never(t, func() bool { return dropsOfA() > 1 }, 5*cfg.HealthCheckInterval, tick)
	assert.Equal(t, 1, dropsOfA())
	assert.Empty(t, host.CallMap())
}
