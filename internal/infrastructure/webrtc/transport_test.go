package webrtc

import (
	"testing"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"peermesh/internal/core/ports"
	"peermesh/pkg/config"
)

func TestConfigFrom(t *testing.T) {
	m := config.DefaultMeshConfig()
	m.InsertDummyTrack = true
	m.Connection.ICEServers = []config.ICEServer{
		{URLs: []string{"stun:stun.example.org:3478"}},
		{URLs: []string{"turn:turn.example.org:3478"}, Username: "mesh", Credential: "s3cret"},
	}
	m.Connection.PortRange.Min = 40000
	m.Connection.PortRange.Max = 40100

	cfg := ConfigFrom(m, "room-1")
	assert.EqualValues(t, "room-1", cfg.Room)
	assert.True(t, cfg.InsertDummyTrack)
	require.Len(t, cfg.ICEServers, 2)
	assert.Nil(t, cfg.ICEServers[0].Credential)
	assert.Equal(t, "mesh", cfg.ICEServers[1].Username)
	assert.Equal(t, "s3cret", cfg.ICEServers[1].Credential)
	assert.Equal(t, webrtc.ICECredentialTypePassword, cfg.ICEServers[1].CredentialType)
	assert.EqualValues(t, 40000, cfg.PortRange.Min)
	assert.EqualValues(t, 40100, cfg.PortRange.Max)
}

func TestNewTransport(t *testing.T) {
	tr, err := NewTransport(Config{}, nil, nil)
	require.NoError(t, err)
	tr.Close()
	tr.Close()

	bad := Config{}
	bad.PortRange.Min = 5000
	bad.PortRange.Max = 4000
	_, err = NewTransport(bad, nil, nil)
	assert.Error(t, err)
}

func TestOpenRejectsEmptyID(t *testing.T) {
	tr, err := NewTransport(Config{}, nil, nil)
	require.NoError(t, err)
	defer tr.Close()

	_, err = tr.Open("", ports.EndpointEvents{})
	assert.Error(t, err)
}
