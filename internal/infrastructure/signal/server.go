package signal

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"peermesh/internal/core/domain"
	"peermesh/pkg/auth"
	"peermesh/pkg/config"
)

// ServerConfig holds the rendezvous server settings.
type ServerConfig struct {
	TokenSecret       string
	PingInterval      time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	MessagesPerSecond float64
	Burst             int
}

// ServerConfigFrom extracts the server settings of the node config.
func ServerConfigFrom(c *config.Config) ServerConfig {
	return ServerConfig{
		TokenSecret:       c.Rendezvous.TokenSecret,
		PingInterval:      c.Rendezvous.PingInterval,
		ReadTimeout:       c.Rendezvous.ReadTimeout,
		WriteTimeout:      writeTimeout,
		MessagesPerSecond: c.Rendezvous.MessagesPerSecond,
		Burst:             c.Rendezvous.Burst,
	}
}

// Server is the rendezvous: it holds one socket per registered id and
// relays OFFER, ANSWER, CANDIDATE and LEAVE between them by Dst.
type Server struct {
	cfg      ServerConfig
	issuer   *auth.Issuer
	upgrader websocket.Upgrader
	logger   *zap.SugaredLogger

	mu    sync.RWMutex
	peers map[domain.PeerID]*serverPeer
}

type serverPeer struct {
	id      domain.PeerID
	ws      *websocket.Conn
	limiter *rate.Limiter
	timeout time.Duration
	writeMu sync.Mutex
}

func (p *serverPeer) write(msg Message) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_ = p.ws.SetWriteDeadline(time.Now().Add(p.timeout))
	return p.ws.WriteJSON(msg)
}

func (p *serverPeer) ping() error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return p.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(p.timeout))
}

func NewServer(cfg ServerConfig, logger *zap.SugaredLogger) *Server {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.ReadTimeout <= cfg.PingInterval {
		cfg.ReadTimeout = 2 * cfg.PingInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = writeTimeout
	}
	return &Server{
		cfg:    cfg,
		issuer: auth.NewIssuer(cfg.TokenSecret, 0),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Peers are not browsers; the token is the access control.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger: logger,
		peers:  make(map[domain.PeerID]*serverPeer),
	}
}

// HandleWebSocket registers the socket under the id query parameter. A
// refused token is answered with 401 before the upgrade.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	id := domain.PeerID(r.URL.Query().Get("id"))
	if id == "" {
		http.Error(w, "missing id", http.StatusBadRequest)
		return
	}
	if s.issuer.Enabled() {
		claims, err := s.issuer.Validate(r.URL.Query().Get("token"))
		if err != nil || claims.PeerID != string(id) {
			s.logger.Warnw("Rendezvous token refused", "peer_id", id, "error", err)
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("Websocket upgrade failed", "peer_id", id, "error", err)
		return
	}
	defer ws.Close()

	peer := &serverPeer{
		id:      id,
		ws:      ws,
		limiter: s.limiter(),
		timeout: s.cfg.WriteTimeout,
	}
	if !s.register(peer) {
		s.logger.Infow("Id already taken", "peer_id", id)
		_ = peer.write(Message{Type: TypeIDTaken, Payload: errorPayload("id is taken")})
		return
	}
	defer s.unregister(peer)

	if err := peer.write(Message{Type: TypeOpen}); err != nil {
		return
	}
	s.logger.Infow("Peer registered", "peer_id", id)

	_ = ws.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	})

	messages := make(chan Message, 16)
	readErr := make(chan error, 1)
	go func() {
		for {
			var msg Message
			if err := ws.ReadJSON(&msg); err != nil {
				readErr <- err
				return
			}
			_ = ws.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
			messages <- msg
		}
	}()

	pingTicker := time.NewTicker(s.cfg.PingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case msg := <-messages:
			if err := s.handleMessage(peer, msg); err != nil {
				s.logger.Debugw("Rejected rendezvous message", "peer_id", id, "type", msg.Type, "error", err)
				_ = peer.write(Message{Type: TypeError, Payload: errorPayload(err.Error())})
			}

		case <-pingTicker.C:
			if err := peer.ping(); err != nil {
				s.logger.Infow("Ping failed", "peer_id", id, "error", err)
				return
			}

		case err := <-readErr:
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Infow("Peer socket failed", "peer_id", id, "error", err)
			}
			s.logger.Infow("Peer left", "peer_id", id)
			return
		}
	}
}

func (s *Server) handleMessage(from *serverPeer, msg Message) error {
	switch msg.Type {
	case TypeHeartbeat:
		return nil
	case TypeOffer, TypeAnswer, TypeCandidate, TypeLeave:
	default:
		return fmt.Errorf("unknown message type %q", msg.Type)
	}

	if msg.Dst == "" {
		return fmt.Errorf("%s without dst", msg.Type)
	}
	if !from.limiter.Allow() {
		return fmt.Errorf("rate limit exceeded")
	}

	target := s.lookup(msg.Dst)
	if target == nil {
		if msg.Type == TypeLeave {
			return nil
		}
		return from.write(Message{Type: TypeExpire, Src: msg.Dst})
	}

	msg.Src = from.id
	if err := target.write(msg); err != nil {
		s.logger.Debugw("Relay write failed", "peer_id", from.id, "dst", msg.Dst, "error", err)
		return from.write(Message{Type: TypeExpire, Src: msg.Dst})
	}
	return nil
}

func (s *Server) limiter() *rate.Limiter {
	if s.cfg.MessagesPerSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	burst := s.cfg.Burst
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(s.cfg.MessagesPerSecond), burst)
}

func (s *Server) register(p *serverPeer) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, taken := s.peers[p.id]; taken {
		return false
	}
	s.peers[p.id] = p
	return true
}

func (s *Server) unregister(p *serverPeer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.peers[p.id] == p {
		delete(s.peers, p.id)
	}
}

func (s *Server) lookup(id domain.PeerID) *serverPeer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.peers[id]
}

// Peers returns the registered ids in order.
func (s *Server) Peers() []domain.PeerID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.PeerID, 0, len(s.peers))
	for id := range s.peers {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Registered reports whether id holds a socket.
func (s *Server) Registered(id domain.PeerID) bool {
	return s.lookup(id) != nil
}

func errorPayload(text string) json.RawMessage {
	raw, _ := json.Marshal(ErrorPayload{Msg: text})
	return raw
}
