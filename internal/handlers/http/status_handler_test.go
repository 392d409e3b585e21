package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"peermesh/internal/core/domain"
	"peermesh/internal/infrastructure/middleware"
	"peermesh/internal/infrastructure/monitoring"
	"peermesh/pkg/auth"
	apperrors "peermesh/pkg/errors"
)

type mockSession struct {
	mock.Mock
}

func (m *mockSession) Identity() domain.LocalIdentity {
	return m.Called().Get(0).(domain.LocalIdentity)
}

func (m *mockSession) Peers() []domain.PeerID {
	peers, _ := m.Called().Get(0).([]domain.PeerID)
	return peers
}

func (m *mockSession) CallMap() domain.CallMap {
	calls, _ := m.Called().Get(0).(domain.CallMap)
	return calls
}

func (m *mockSession) ConnectWithPeer(peer domain.PeerID) error {
	return m.Called(peer).Error(0)
}

func (m *mockSession) SendData(peer domain.PeerID, payload any) error {
	return m.Called(peer, payload).Error(0)
}

func newRouter(t *testing.T, session MeshSession, issuer *auth.Issuer) (*gin.Engine, *prometheus.Registry) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	reg := prometheus.NewRegistry()
	metrics := monitoring.NewPrometheusCollector(reg)
	metrics.RecordJoinAttempt("ok")

	health := monitoring.NewHealthChecker()
	health.AddSessionCheck(session, time.Second)

	router := gin.New()
	router.Use(middleware.ErrorHandlerMiddleware(zap.NewNop().Sugar()))
	NewStatusHandler(session, health, reg).SetupRoutes(router, middleware.AuthMiddleware(issuer))
	return router, reg
}

func do(router http.Handler, method, path, body string, header http.Header) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range header {
		req.Header[k] = v
	}
	router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestStatusHandler_Health(t *testing.T) {
	joined := &mockSession{}
	joined.On("Identity").Return(domain.LocalIdentity{ID: "a1", RoomID: "room-1"})
	router, _ := newRouter(t, joined, nil)

	w := do(router, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, monitoring.StatusHealthy, decode(t, w)["status"])

	idle := &mockSession{}
	idle.On("Identity").Return(domain.LocalIdentity{})
	router, _ = newRouter(t, idle, nil)
	w = do(router, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "not joined", decode(t, w)["checks"].(map[string]any)["session"])
}

func TestStatusHandler_Metrics(t *testing.T) {
	s := &mockSession{}
	router, _ := newRouter(t, s, nil)

	w := do(router, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `peermesh_join_attempts_total{outcome="ok"} 1`)
}

func TestStatusHandler_Roster(t *testing.T) {
	s := &mockSession{}
	s.On("Identity").Return(domain.LocalIdentity{ID: "room-1", RoomID: "room-1"})
	s.On("Peers").Return([]domain.PeerID{"a1", "b1"})
	s.On("CallMap").Return(domain.CallMap{"b1": true, "c1": false})
	router, _ := newRouter(t, s, nil)

	w := do(router, http.MethodGet, "/api/v1/identity", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode(t, w)["host"])

	w = do(router, http.MethodGet, "/api/v1/peers", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, []any{"a1", "b1"}, body["peers"])
	assert.Equal(t, 2.0, body["count"])

	w = do(router, http.MethodGet, "/api/v1/calls", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []any{"b1"}, decode(t, w)["calls"])
}

func TestStatusHandler_EmptyRoster(t *testing.T) {
	s := &mockSession{}
	s.On("Peers").Return(nil)
	s.On("CallMap").Return(nil)
	router, _ := newRouter(t, s, nil)

	assert.JSONEq(t, `{"peers":[],"count":0}`, do(router, http.MethodGet, "/api/v1/peers", "", nil).Body.String())
	assert.JSONEq(t, `{"calls":[]}`, do(router, http.MethodGet, "/api/v1/calls", "", nil).Body.String())
}

func TestStatusHandler_SendMessage(t *testing.T) {
	s := &mockSession{}
	s.On("SendData", domain.PeerID("b1"), json.RawMessage(`{"hello":"mesh"}`)).Return(nil).Once()
	s.On("SendData", domain.PeerID("ghost"), mock.Anything).Return(fmt.Errorf("send to ghost: %w", domain.ErrNotConnected))
	router, _ := newRouter(t, s, nil)

	w := do(router, http.MethodPost, "/api/v1/peers/b1/messages", `{"hello":"mesh"}`, nil)
	assert.Equal(t, http.StatusAccepted, w.Code)

	w = do(router, http.MethodPost, "/api/v1/peers/b1/messages", `not json`, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, string(apperrors.ErrCodeInvalidInput), decode(t, w)["error"])

	w = do(router, http.MethodPost, "/api/v1/peers/ghost/messages", `1`, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, string(apperrors.ErrCodeNotConnected), decode(t, w)["error"])

	s.AssertExpectations(t)
}

func TestStatusHandler_ConnectPeer(t *testing.T) {
	s := &mockSession{}
	s.On("ConnectWithPeer", domain.PeerID("b1")).Return(nil)
	s.On("ConnectWithPeer", domain.PeerID("c1")).Return(domain.ErrNotJoined)
	router, _ := newRouter(t, s, nil)

	assert.Equal(t, http.StatusAccepted, do(router, http.MethodPost, "/api/v1/peers/b1/connect", "", nil).Code)

	w := do(router, http.MethodPost, "/api/v1/peers/c1/connect", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, string(apperrors.ErrCodeNotConnected), decode(t, w)["error"])
}

func TestStatusHandler_APIRequiresToken(t *testing.T) {
	s := &mockSession{}
	s.On("Identity").Return(domain.LocalIdentity{ID: "a1", RoomID: "room-1"})
	s.On("Peers").Return([]domain.PeerID{"b1"})
	issuer := auth.NewIssuer("status-secret", time.Minute)
	router, _ := newRouter(t, s, issuer)

	assert.Equal(t, http.StatusUnauthorized, do(router, http.MethodGet, "/api/v1/peers", "", nil).Code)
	assert.Equal(t, http.StatusOK, do(router, http.MethodGet, "/health", "", nil).Code)

	token, err := issuer.Issue("ops", "")
	require.NoError(t, err)
	w := do(router, http.MethodGet, "/api/v1/peers", "", http.Header{"Authorization": []string{"Bearer " + token}})
	assert.Equal(t, http.StatusOK, w.Code)
}
