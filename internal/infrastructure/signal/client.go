// Package signal is the websocket client of the rendezvous that registers
// peer ids and relays connection negotiation between them.
package signal

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"peermesh/internal/core/domain"
	"peermesh/pkg/auth"
	"peermesh/pkg/config"
	"peermesh/pkg/retry"
)

const (
	writeTimeout = 10 * time.Second
	dialBackoff  = 500 * time.Millisecond
)

// ErrClosed is returned by Send after Close.
var ErrClosed = errors.New("rendezvous connection closed")

// Config holds the rendezvous client settings.
type Config struct {
	URL               string
	TokenSecret       string
	TokenTTL          time.Duration
	DialAttempts      int
	Keepalive         time.Duration
	MessagesPerSecond float64
	Burst             int
}

// ConfigFrom extracts the rendezvous settings of a mesh connection config.
func ConfigFrom(c config.ConnectionConfig) Config {
	return Config{
		URL:               c.SignalURL,
		TokenSecret:       c.TokenSecret,
		TokenTTL:          c.TokenTTL,
		DialAttempts:      c.DialAttempts,
		Keepalive:         c.SignalKeepalive,
		MessagesPerSecond: c.MessagesPerSecond,
		Burst:             c.Burst,
	}
}

// Handler receives what a rendezvous connection reads. Both callbacks run
// on the connection's read goroutine.
type Handler struct {
	Message func(msg Message)
	// Closed fires once when the socket ends for any reason other than Close.
	Closed func(err error)
}

// Client dials rendezvous connections.
type Client struct {
	cfg    Config
	issuer *auth.Issuer
	dialer *websocket.Dialer
	logger *zap.SugaredLogger
}

func NewClient(cfg Config, logger *zap.SugaredLogger) *Client {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Client{
		cfg:    cfg,
		issuer: auth.NewIssuer(cfg.TokenSecret, cfg.TokenTTL),
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
		},
		logger: logger,
	}
}

// Connect registers id with the rendezvous. The outcome of the registration
// arrives later as an OPEN, ID-TAKEN or ERROR message.
func (c *Client) Connect(ctx context.Context, id domain.PeerID, room domain.RoomID, h Handler) (*Conn, error) {
	target, err := c.endpoint(id, room)
	if err != nil {
		return nil, err
	}

	attempts := c.cfg.DialAttempts
	if attempts < 1 {
		attempts = 1
	}
	policy := retry.Fixed(attempts-1, dialBackoff)
	policy.Multiplier = 2
	policy.MaxDelay = 5 * time.Second
	policy.Jitter = true

	attempt := 0
	ws, err := retry.RetryWithResult(ctx, policy, func() (*websocket.Conn, error) {
		attempt++
		ws, resp, err := c.dialer.DialContext(ctx, target, nil)
		if err == nil {
			return ws, nil
		}
		c.logger.Debugw("Rendezvous dial failed", "peer_id", id, "attempt", attempt, "error", err)
		if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return nil, retry.Permanent(fmt.Errorf("rendezvous refused %s: %s", id, resp.Status))
		}
		return nil, err
	})
	if err != nil {
		return nil, fmt.Errorf("dial rendezvous: %w", err)
	}

	limit := rate.Inf
	if c.cfg.MessagesPerSecond > 0 {
		limit = rate.Limit(c.cfg.MessagesPerSecond)
	}
	burst := c.cfg.Burst
	if burst < 1 {
		burst = 1
	}

	conn := &Conn{
		id:      id,
		ws:      ws,
		handler: h,
		limiter: rate.NewLimiter(limit, burst),
		logger:  c.logger,
		done:    make(chan struct{}),
	}
	go conn.readLoop()
	if c.cfg.Keepalive > 0 {
		go conn.keepalive(c.cfg.Keepalive)
	}

	c.logger.Debugw("Rendezvous connected", "peer_id", id, "attempts", attempt)
	return conn, nil
}

func (c *Client) endpoint(id domain.PeerID, room domain.RoomID) (string, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("parse rendezvous url: %w", err)
	}
	q := u.Query()
	q.Set("id", string(id))
	if c.issuer.Enabled() {
		token, err := c.issuer.Issue(string(id), string(room))
		if err != nil {
			return "", fmt.Errorf("issue rendezvous token: %w", err)
		}
		q.Set("token", token)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Conn is one registered rendezvous socket.
type Conn struct {
	id      domain.PeerID
	ws      *websocket.Conn
	handler Handler
	limiter *rate.Limiter
	logger  *zap.SugaredLogger

	writeMu   sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

// ID returns the id the socket registered.
func (c *Conn) ID() domain.PeerID {
	return c.id
}

// Send writes msg, waiting for the outbound rate limit.
func (c *Conn) Send(ctx context.Context, msg Message) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rendezvous rate limit: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	if err := c.ws.WriteJSON(msg); err != nil {
		return fmt.Errorf("write %s: %w", msg.Type, err)
	}
	return nil
}

// Close leaves the rendezvous. Handler.Closed does not fire.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		_ = c.ws.SetWriteDeadline(time.Now().Add(time.Second))
		_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	return err
}

func (c *Conn) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Conn) readLoop() {
	for {
		var msg Message
		if err := c.ws.ReadJSON(&msg); err != nil {
			if c.closed() {
				return
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warnw("Rendezvous socket failed", "peer_id", c.id, "error", err)
			}
			c.closeOnce.Do(func() {
				close(c.done)
				_ = c.ws.Close()
			})
			if c.handler.Closed != nil {
				c.handler.Closed(err)
			}
			return
		}
		if c.handler.Message != nil {
			c.handler.Message(msg)
		}
	}
}

func (c *Conn) keepalive(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			err := c.Send(ctx, Message{Type: TypeHeartbeat})
			cancel()
			if err != nil && !errors.Is(err, ErrClosed) {
				c.logger.Debugw("Rendezvous heartbeat failed", "peer_id", c.id, "error", err)
			}
		}
	}
}
