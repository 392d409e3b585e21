package services

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"peermesh/internal/core/domain"
	"peermesh/internal/infrastructure/transport/memory"
	"peermesh/pkg/config"
	"peermesh/pkg/utils"
)

const (
	testRoom  domain.RoomID = "room-1"
	waitLimit               = 3 * time.Second
	tick                    = 5 * time.Millisecond
)

func testMeshConfig() config.MeshConfig {
	cfg := config.DefaultMeshConfig()
	cfg.RetryInterval = 20 * time.Millisecond
	cfg.HealthCheckInterval = 25 * time.Millisecond
	return cfg
}

type eventLog struct {
	mu     sync.Mutex
	events []domain.Event
}

func (l *eventLog) add(ev domain.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) snapshot() []domain.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]domain.Event(nil), l.events...)
}

func (l *eventLog) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}

func eventsOf[T domain.Event](l *eventLog) []T {
	var out []T
	for _, ev := range l.snapshot() {
		if typed, ok := ev.(T); ok {
			out = append(out, typed)
		}
	}
	return out
}

// waitEvent blocks until an event of type T matching match was recorded.
func waitEvent[T domain.Event](t *testing.T, l *eventLog, match func(T) bool) T {
	t.Helper()
	var found T
	require.Eventually(t, func() bool {
		for _, ev := range eventsOf[T](l) {
			if match == nil || match(ev) {
				found = ev
				return true
			}
		}
		return false
	}, waitLimit, tick)
	return found
}

type node struct {
	*Session
	log *eventLog
}

func newTestNetwork(t *testing.T) *memory.Network {
	t.Helper()
	n := memory.NewNetwork(nil)
	t.Cleanup(n.Close)
	return n
}

// startNode builds a session with a recorded event log. Sessions log to a nop
// logger since their goroutines may still be winding down when a test ends.
func startNode(t *testing.T, net *memory.Network, cfg config.MeshConfig, opts ...Option) *node {
	t.Helper()
	s := NewSession(cfg, net, zap.NewNop().Sugar(), opts...)
	log := &eventLog{}
	s.Subscribe(log.add)
	t.Cleanup(func() { _ = s.Close() })
	return &node{Session: s, log: log}
}

func startHost(t *testing.T, net *memory.Network, cfg config.MeshConfig, opts ...Option) *node {
	t.Helper()
	cfg.Role = config.RoleHost
	h := startNode(t, net, cfg, opts...)
	require.NoError(t, h.ConnectNetwork(testRoom))
	waitEvent(t, h.log, func(ev domain.Joined) bool { return ev.ID == testRoom.HostID() })
	return h
}

// joinClient starts a client whose identities are prefix1, prefix2, ... and
// waits until host has confirmed it.
func joinClient(t *testing.T, net *memory.Network, cfg config.MeshConfig, host *node, prefix string, opts ...Option) *node {
	t.Helper()
	cfg.Role = config.RoleClient
	opts = append([]Option{WithIDGenerator(utils.SequentialIDs(prefix))}, opts...)
	c := startNode(t, net, cfg, opts...)
	require.NoError(t, c.ConnectNetwork(testRoom))

	id := domain.PeerID(prefix + "1")
	waitEvent(t, c.log, func(ev domain.Joined) bool { return ev.ID == id })
	waitEvent(t, host.log, func(ev domain.PeerConfirmed) bool { return ev.Peer == id })
	return c
}

// recordingMetrics counts calls per outcome.
type recordingMetrics struct {
	noopMetrics

	mu        sync.Mutex
	joins     map[string]int
	timeouts  map[domain.PeerID]int
	syncs     int
	sentKinds map[string]int
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{
		joins:     make(map[string]int),
		timeouts:  make(map[domain.PeerID]int),
		sentKinds: make(map[string]int),
	}
}

func (m *recordingMetrics) RecordJoinAttempt(outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.joins[outcome]++
}

func (m *recordingMetrics) RecordHeartbeatTimeout(peer domain.PeerID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timeouts[peer]++
}

func (m *recordingMetrics) RecordSync(domain.RoomID, time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.syncs++
}

func (m *recordingMetrics) RecordMessageSent(kind string, _ int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sentKinds[kind]++
}

func (m *recordingMetrics) joinCount(outcome string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.joins[outcome]
}

func (m *recordingMetrics) timeoutCount(peer domain.PeerID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.timeouts[peer]
}

func withClientIDs(prefix string) Option {
	return WithIDGenerator(utils.SequentialIDs(prefix))
}
