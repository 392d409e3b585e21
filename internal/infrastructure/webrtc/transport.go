// Package webrtc implements the mesh transport on pion peer connections.
// Identities register with the rendezvous through the signal client; every
// data connection and call leg is its own peer connection negotiated over
// that socket.
package webrtc

import (
	"fmt"
	"sync"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"peermesh/internal/core/domain"
	"peermesh/internal/core/ports"
	"peermesh/internal/infrastructure/signal"
	"peermesh/internal/infrastructure/transport/dispatch"
	"peermesh/pkg/config"
)

var (
	_ ports.Transport = (*Transport)(nil)
	_ ports.Endpoint  = (*Endpoint)(nil)
	_ ports.DataConn  = (*DataConn)(nil)
	_ ports.MediaConn = (*MediaConn)(nil)
)

// Config holds peer connection settings.
type Config struct {
	Room       domain.RoomID
	ICEServers []webrtc.ICEServer
	PortRange  struct {
		Min uint16
		Max uint16
	}
	// InsertDummyTrack negotiates a silent track for each kind the call
	// stream lacks so the kind can be swapped in later.
	InsertDummyTrack bool
}

// ConfigFrom converts mesh options for room.
func ConfigFrom(m config.MeshConfig, room domain.RoomID) Config {
	cfg := Config{Room: room, InsertDummyTrack: m.InsertDummyTrack}
	for _, s := range m.Connection.ICEServers {
		server := webrtc.ICEServer{URLs: s.URLs, Username: s.Username}
		if s.Credential != "" {
			server.Credential = s.Credential
			server.CredentialType = webrtc.ICECredentialTypePassword
		}
		cfg.ICEServers = append(cfg.ICEServers, server)
	}
	cfg.PortRange.Min = m.Connection.PortRange.Min
	cfg.PortRange.Max = m.Connection.PortRange.Max
	return cfg
}

// Transport opens endpoints over one rendezvous client. All events of the
// transport are delivered by one goroutine.
type Transport struct {
	cfg    Config
	api    *webrtc.API
	signal *signal.Client
	logger *zap.SugaredLogger

	queue  *dispatch.Queue
	closed chan struct{}
	once   sync.Once
}

func NewTransport(cfg Config, client *signal.Client, logger *zap.SugaredLogger) (*Transport, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	media := &webrtc.MediaEngine{}
	if err := media.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	settings := webrtc.SettingEngine{}
	if cfg.PortRange.Min > 0 && cfg.PortRange.Max > 0 {
		if err := settings.SetEphemeralUDPPortRange(cfg.PortRange.Min, cfg.PortRange.Max); err != nil {
			return nil, fmt.Errorf("set port range: %w", err)
		}
	}

	t := &Transport{
		cfg:    cfg,
		api:    webrtc.NewAPI(webrtc.WithMediaEngine(media), webrtc.WithSettingEngine(settings)),
		signal: client,
		logger: logger,
		queue:  dispatch.NewQueue(),
		closed: make(chan struct{}),
	}
	go t.queue.Run(t.closed)
	return t, nil
}

// Close stops event delivery. Endpoints should be destroyed first.
func (t *Transport) Close() {
	t.once.Do(func() { close(t.closed) })
}

func (t *Transport) post(fn func()) {
	t.queue.Post(fn)
}

// Open implements ports.Transport. Registration runs in the background and
// ends in exactly one Open or Error event.
func (t *Transport) Open(id domain.PeerID, events ports.EndpointEvents) (ports.Endpoint, error) {
	if id == "" {
		return nil, fmt.Errorf("empty peer id")
	}
	ep := newEndpoint(t, id, events)
	go ep.register()
	return ep, nil
}

func (t *Transport) newPeerConnection() (*webrtc.PeerConnection, error) {
	pc, err := t.api.NewPeerConnection(webrtc.Configuration{
		ICEServers:   t.cfg.ICEServers,
		SDPSemantics: webrtc.SDPSemanticsUnifiedPlan,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}
	return pc, nil
}
