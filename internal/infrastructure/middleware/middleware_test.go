package middleware

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"peermesh/pkg/auth"
	apperrors "peermesh/pkg/errors"
	"peermesh/pkg/logger"
)

func serve(router *gin.Engine, method, path string, header http.Header) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	router.ServeHTTP(w, req)
	return w
}

func TestAuthMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	issuer := auth.NewIssuer("status-secret", time.Minute)

	router := gin.New()
	router.Use(AuthMiddleware(issuer))
	router.GET("/who", func(c *gin.Context) {
		c.String(http.StatusOK, ClaimsFrom(c).PeerID)
	})

	assert.Equal(t, http.StatusUnauthorized, serve(router, http.MethodGet, "/who", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, serve(router, http.MethodGet, "/who",
		http.Header{"Authorization": []string{"Basic abc"}}).Code)
	assert.Equal(t, http.StatusUnauthorized, serve(router, http.MethodGet, "/who",
		http.Header{"Authorization": []string{"Bearer nope"}}).Code)

	token, err := issuer.Issue("ops", "")
	require.NoError(t, err)
	w := serve(router, http.MethodGet, "/who", http.Header{"Authorization": []string{"Bearer " + token}})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ops", w.Body.String())
}

func TestAuthMiddleware_DisabledIssuer(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(AuthMiddleware(auth.NewIssuer("", 0)))
	router.GET("/who", func(c *gin.Context) {
		assert.Nil(t, ClaimsFrom(c))
		c.Status(http.StatusNoContent)
	})

	assert.Equal(t, http.StatusNoContent, serve(router, http.MethodGet, "/who", nil).Code)
}

func TestErrorHandlerMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(ErrorHandlerMiddleware(zap.NewNop().Sugar()))
	router.GET("/app", func(c *gin.Context) {
		_ = c.Error(apperrors.NewNotConnectedError("b1"))
	})
	router.GET("/plain", func(c *gin.Context) {
		_ = c.Error(errors.New("boom"))
	})

	w := serve(router, http.MethodGet, "/app", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "NOT_CONNECTED", body["error"])
	assert.Equal(t, "b1", body["details"].(map[string]any)["peer_id"])

	w = serve(router, http.MethodGet, "/plain", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), string(apperrors.ErrCodeInternal))
}

func TestRecoveryMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(RecoveryMiddleware(zap.NewNop().Sugar()))
	router.GET("/panic", func(c *gin.Context) {
		panic("unexpected")
	})

	w := serve(router, http.MethodGet, "/panic", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestTracingMiddleware_PassesThrough(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(TracingMiddleware())
	router.GET("/ok", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	assert.Equal(t, http.StatusOK, serve(router, http.MethodGet, "/ok", nil).Code)
	assert.Equal(t, http.StatusNotFound, serve(router, http.MethodGet, "/missing", nil).Code)
}

func TestRequestLogMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	core, logs := observer.New(zap.InfoLevel)

	router := gin.New()
	router.Use(RequestLogMiddleware(logger.NewContextLogger(zap.New(core)), "room-1"))
	router.GET("/ok", func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})

	w := serve(router, http.MethodGet, "/ok", nil)
	generated := w.Header().Get(RequestIDHeader)
	assert.NotEmpty(t, generated)

	w = serve(router, http.MethodGet, "/ok", http.Header{"X-Request-Id": []string{"req-fixed"}})
	assert.Equal(t, "req-fixed", w.Header().Get(RequestIDHeader))

	entries := logs.FilterMessage("http_request").AllUntimed()
	require.Len(t, entries, 2)
	fields := entries[1].ContextMap()
	assert.Equal(t, "req-fixed", fields["request_id"])
	assert.Equal(t, "room-1", fields["room_id"])
	assert.Equal(t, int64(http.StatusNoContent), fields["status_code"])
	assert.Equal(t, generated, entries[0].ContextMap()["request_id"])
}
