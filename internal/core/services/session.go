package services

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"peermesh/internal/core/domain"
	"peermesh/internal/core/ports"
	"peermesh/pkg/codec"
	"peermesh/pkg/config"
	"peermesh/pkg/utils"
)

// Option customizes a Session.
type Option func(*Session)

// WithMetrics records session measurements.
func WithMetrics(m ports.MetricsRecorder) Option {
	return func(s *Session) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithCodec overrides the codec selected by mesh.codec.
func WithCodec(c ports.Codec) Option {
	return func(s *Session) {
		if c != nil {
			s.codec = c
		}
	}
}

// WithRosterStore mirrors the hub's roster and init data into store.
func WithRosterStore(store ports.RosterStore) Option {
	return func(s *Session) {
		s.store = store
	}
}

// WithIDGenerator replaces the random identity generator.
func WithIDGenerator(next func() string) Option {
	return func(s *Session) {
		if next != nil {
			s.newID = next
		}
	}
}

// Session is one node of a mesh. All state changes run on a single loop
// goroutine; commands are marshalled onto it and events are delivered to
// subscribers from a separate dispatcher goroutine in emission order.
type Session struct {
	cfg       config.MeshConfig
	transport ports.Transport
	logger    *zap.SugaredLogger
	codec     ports.Codec
	metrics   ports.MetricsRecorder
	store     ports.RosterStore
	newID     func() string

	loop       *mailbox
	dispatch   *mailbox
	storeQueue *mailbox
	done       chan struct{}
	closeOnce  sync.Once

	subsMu  sync.Mutex
	subs    map[uint64]func(domain.Event)
	nextSub uint64

	// Owned by the loop goroutine.
	epoch     uint64
	room      domain.RoomID
	identity  domain.LocalIdentity
	join      joinState
	registry  *registry
	topology  TopologyStrategy
	hub       *hub
	stream    *domain.Stream
	pulseStop chan struct{}
}

// NewSession builds a session over transport. The session is idle until
// ConnectNetwork.
func NewSession(cfg config.MeshConfig, transport ports.Transport, logger *zap.SugaredLogger, opts ...Option) *Session {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	s := &Session{
		cfg:        cfg,
		transport:  transport,
		logger:     logger,
		metrics:    noopMetrics{},
		newID:      utils.GeneratePeerID,
		loop:       newMailbox(),
		dispatch:   newMailbox(),
		storeQueue: newMailbox(),
		done:       make(chan struct{}),
		subs:       make(map[uint64]func(domain.Event)),
		registry:   newRegistry(),
	}

	c, err := codec.ByName(cfg.Codec)
	if err != nil {
		logger.Warnw("Unknown codec, using json", "codec", cfg.Codec, "error", err)
		c = codec.JSON()
	}
	s.codec = c

	for _, opt := range opts {
		opt(s)
	}

	go s.loop.run(s.done)
	go s.dispatch.run(s.done)
	go s.storeQueue.run(s.done)

	return s
}

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	s    *Session
	id   uint64
	once sync.Once
}

// Unsubscribe stops delivery to the subscriber.
func (sub *Subscription) Unsubscribe() {
	sub.once.Do(func() {
		sub.s.subsMu.Lock()
		delete(sub.s.subs, sub.id)
		sub.s.subsMu.Unlock()
	})
}

// Subscribe registers fn for every event the session emits. fn runs on the
// dispatcher goroutine and may call session commands.
func (s *Session) Subscribe(fn func(domain.Event)) *Subscription {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	s.nextSub++
	s.subs[s.nextSub] = fn
	return &Subscription{s: s, id: s.nextSub}
}

func (s *Session) emit(ev domain.Event) {
	s.dispatch.post(func() { s.deliver(ev) })
}

func (s *Session) deliver(ev domain.Event) {
	s.subsMu.Lock()
	ids := make([]uint64, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	fns := make([]func(domain.Event), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, s.subs[id])
	}
	s.subsMu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

// call runs fn on the loop and waits for its result.
func (s *Session) call(fn func() error) error {
	select {
	case <-s.done:
		return domain.ErrSessionClosed
	default:
	}

	reply := make(chan error, 1)
	s.loop.post(func() { reply <- fn() })

	select {
	case err := <-reply:
		return err
	case <-s.done:
		return domain.ErrSessionClosed
	}
}

// after runs fn on the loop once d elapses, unless the session was cleaned
// up in between.
func (s *Session) after(d time.Duration, fn func()) *time.Timer {
	epoch := s.epoch
	return time.AfterFunc(d, func() {
		s.loop.post(func() {
			if s.epoch != epoch {
				return
			}
			fn()
		})
	})
}

// ConnectWithPeer opens a data connection to peer.
func (s *Session) ConnectWithPeer(peer domain.PeerID) error {
	return s.call(func() error {
		return s.dialPeer(peer)
	})
}

// SendData delivers payload to peer. In host mode a peer without a direct
// connection is reached through the host.
func (s *Session) SendData(peer domain.PeerID, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	return s.call(func() error {
		return s.sendTo(peer, domain.Message{Message: raw})
	})
}

// SendDataAck is SendData with a receipt request. The returned id comes back
// in a MessageReceipt event once the peer has handled the message.
func (s *Session) SendDataAck(peer domain.PeerID, payload any) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}
	id := utils.GenerateMessageID()
	err = s.call(func() error {
		return s.sendTo(peer, domain.Message{Message: raw, ID: id})
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// SetInitData shares a key with the whole room through the host.
func (s *Session) SetInitData(key string, value any) error {
	if key == "" {
		return fmt.Errorf("init data key must not be empty")
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode init data: %w", err)
	}
	return s.call(func() error {
		if !s.identity.Established() {
			return domain.ErrNotJoined
		}
		if s.hub != nil {
			s.hub.setInitData(key, raw)
			return nil
		}
		return s.sendTo(s.room.HostID(), domain.Message{InitData: map[string]json.RawMessage{key: raw}})
	})
}

// Peers returns the roster of remote peers.
func (s *Session) Peers() []domain.PeerID {
	var peers []domain.PeerID
	_ = s.call(func() error {
		peers = s.registry.listPeers(s.room)
		return nil
	})
	return peers
}

// CallMap returns the peers this session has call legs with.
func (s *Session) CallMap() domain.CallMap {
	var m domain.CallMap
	_ = s.call(func() error {
		m = s.registry.callMap()
		return nil
	})
	return m
}

// Identity returns the identity held on the rendezvous.
func (s *Session) Identity() domain.LocalIdentity {
	var id domain.LocalIdentity
	_ = s.call(func() error {
		id = s.identity
		return nil
	})
	return id
}

// CloseAllConnections closes every data connection and call leg. The
// resulting drop events are emitted as the transport reports the closes.
func (s *Session) CloseAllConnections() error {
	return s.call(func() error {
		for _, l := range s.registry.links() {
			if err := l.conn.Close(); err != nil {
				s.logger.Debugw("Close data connection", "peer_id", l.peer, "error", err)
			}
		}
		for _, lg := range s.registry.legs() {
			if err := lg.conn.Close(); err != nil {
				s.logger.Debugw("Close call leg", "peer_id", lg.peer, "error", err)
			}
		}
		return nil
	})
}

// Cleanup leaves the room: handlers are detached, every connection is
// closed, timers are stopped and the identity is released. No event fires
// for the teardown itself.
func (s *Session) Cleanup() error {
	return s.call(func() error {
		s.cleanup()
		return nil
	})
}

// Close cleans up and stops the session's goroutines.
func (s *Session) Close() error {
	err := s.Cleanup()
	s.closeOnce.Do(func() { close(s.done) })
	if err == domain.ErrSessionClosed {
		return nil
	}
	return err
}

func (s *Session) cleanup() {
	if s.room == "" {
		return
	}
	s.logger.Infow("Leaving room", "room_id", s.room, "peer_id", s.identity.ID)

	if s.hub != nil {
		s.hub.shutdown()
	}

	room := s.room
	s.epoch++
	s.stopPulse()

	links, legs := s.registry.reset()
	for _, l := range links {
		l.detach()
		_ = l.conn.Close()
	}
	for _, lg := range legs {
		lg.detach()
		_ = lg.conn.Close()
	}

	s.join.stop()
	s.join = joinState{}
	s.identity = domain.LocalIdentity{}
	s.room = ""
	s.topology = nil
	s.hub = nil

	s.metrics.RecordRosterSize(room, 0)
	s.metrics.RecordCallLegs(room, 0)
}

type noopMetrics struct{}

func (noopMetrics) RecordJoinAttempt(string)                {}
func (noopMetrics) RecordRosterSize(domain.RoomID, int)     {}
func (noopMetrics) RecordCallLegs(domain.RoomID, int)       {}
func (noopMetrics) RecordHeartbeatTimeout(domain.PeerID)    {}
func (noopMetrics) RecordMessageSent(string, int)           {}
func (noopMetrics) RecordMessageReceived(string, int)       {}
func (noopMetrics) RecordSync(domain.RoomID, time.Duration) {}
