package signal

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"peermesh/pkg/auth"
)

const secret = "rendezvous-secret"

// fakeRendezvous accepts one socket per request, answers OPEN and records
// what the client sends.
type fakeRendezvous struct {
	server   *httptest.Server
	received chan Message
	sockets  chan *websocket.Conn
	hits     atomic.Int32
}

func newFakeRendezvous(t *testing.T) *fakeRendezvous {
	t.Helper()
	f := &fakeRendezvous{
		received: make(chan Message, 16),
		sockets:  make(chan *websocket.Conn, 4),
	}
	issuer := auth.NewIssuer(secret, time.Minute)
	upgrader := websocket.Upgrader{}

	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.hits.Add(1)
		claims, err := issuer.Validate(r.URL.Query().Get("token"))
		if err != nil || claims.PeerID != r.URL.Query().Get("id") {
			http.Error(w, "bad token", http.StatusUnauthorized)
			return
		}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		f.sockets <- ws
		_ = ws.WriteJSON(Message{Type: TypeOpen})
		for {
			var msg Message
			if err := ws.ReadJSON(&msg); err != nil {
				return
			}
			f.received <- msg
		}
	}))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeRendezvous) url() string {
	return "ws" + strings.TrimPrefix(f.server.URL, "http")
}

func testConfig(url string) Config {
	return Config{
		URL:               url,
		TokenSecret:       secret,
		TokenTTL:          time.Minute,
		DialAttempts:      2,
		MessagesPerSecond: 100,
		Burst:             10,
	}
}

func TestClient_ConnectAndExchange(t *testing.T) {
	f := newFakeRendezvous(t)
	client := NewClient(testConfig(f.url()), nil)

	got := make(chan Message, 4)
	conn, err := client.Connect(context.Background(), "peer-a", "room", Handler{
		Message: func(msg Message) { got <- msg },
	})
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, "peer-a", string(conn.ID()))

	select {
	case msg := <-got:
		assert.Equal(t, TypeOpen, msg.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("no OPEN")
	}

	offer, err := NewMessage(TypeOffer, "peer-b", Negotiation{ConnectionID: "dc_1", Kind: KindData, SDP: "v=0"})
	require.NoError(t, err)
	require.NoError(t, conn.Send(context.Background(), offer))

	select {
	case msg := <-f.received:
		assert.Equal(t, TypeOffer, msg.Type)
		assert.Equal(t, "peer-b", string(msg.Dst))
		n, err := msg.Negotiation()
		require.NoError(t, err)
		assert.Equal(t, "dc_1", n.ConnectionID)
		assert.Equal(t, KindData, n.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("offer not relayed")
	}
}

func TestClient_Keepalive(t *testing.T) {
	f := newFakeRendezvous(t)
	cfg := testConfig(f.url())
	cfg.Keepalive = 20 * time.Millisecond

	conn, err := NewClient(cfg, nil).Connect(context.Background(), "peer-a", "room", Handler{})
	require.NoError(t, err)
	defer conn.Close()

	select {
	case msg := <-f.received:
		assert.Equal(t, TypeHeartbeat, msg.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("no heartbeat")
	}
}

func TestClient_RemoteCloseNotifies(t *testing.T) {
	f := newFakeRendezvous(t)
	closed := make(chan error, 1)

	conn, err := NewClient(testConfig(f.url()), nil).Connect(context.Background(), "peer-a", "room", Handler{
		Closed: func(err error) { closed <- err },
	})
	require.NoError(t, err)

	ws := <-f.sockets
	require.NoError(t, ws.Close())

	select {
	case err := <-closed:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("close not reported")
	}
	assert.ErrorIs(t, conn.Send(context.Background(), Message{Type: TypeHeartbeat}), ErrClosed)
}

func TestClient_LocalCloseIsQuiet(t *testing.T) {
	f := newFakeRendezvous(t)
	var notified atomic.Bool

	conn, err := NewClient(testConfig(f.url()), nil).Connect(context.Background(), "peer-a", "room", Handler{
		Closed: func(error) { notified.Store(true) },
	})
	require.NoError(t, err)

	require.NoError(t, conn.Close())
	assert.NoError(t, conn.Close())
	time.Sleep(50 * time.Millisecond)
	assert.False(t, notified.Load())
	assert.ErrorIs(t, conn.Send(context.Background(), Message{Type: TypeHeartbeat}), ErrClosed)
}

func TestClient_RefusedTokenIsNotRetried(t *testing.T) {
	f := newFakeRendezvous(t)
	cfg := testConfig(f.url())
	cfg.TokenSecret = "wrong"
	cfg.DialAttempts = 5

	_, err := NewClient(cfg, nil).Connect(context.Background(), "peer-a", "room", Handler{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
	assert.Equal(t, int32(1), f.hits.Load())
}

func TestClient_BadURL(t *testing.T) {
	_, err := NewClient(Config{URL: "://nope"}, nil).Connect(context.Background(), "a", "r", Handler{})
	assert.Error(t, err)
}

func TestMessage_Payloads(t *testing.T) {
	msg := Message{Type: TypeCandidate, Payload: json.RawMessage(`{"type":"media"}`)}
	_, err := msg.Negotiation()
	assert.Error(t, err, "connection id is required")

	msg.Payload = json.RawMessage(`not json`)
	_, err = msg.Negotiation()
	assert.Error(t, err)

	errMsg := Message{Type: TypeError, Payload: json.RawMessage(`{"msg":"invalid key"}`)}
	assert.Equal(t, "invalid key", errMsg.ErrorText())
	assert.Equal(t, "ERROR", Message{Type: TypeError}.ErrorText())

	bare, err := NewMessage(TypeLeave, "b", nil)
	require.NoError(t, err)
	assert.Nil(t, bare.Payload)
}
