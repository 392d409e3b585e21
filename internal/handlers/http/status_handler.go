package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"peermesh/internal/core/domain"
	"peermesh/internal/infrastructure/monitoring"
	apperrors "peermesh/pkg/errors"
)

const maxMessageBytes = 64 << 10

// MeshSession is the part of a session the status API exposes.
type MeshSession interface {
	Identity() domain.LocalIdentity
	Peers() []domain.PeerID
	CallMap() domain.CallMap
	ConnectWithPeer(peer domain.PeerID) error
	SendData(peer domain.PeerID, payload any) error
}

type StatusHandler struct {
	session  MeshSession
	health   *monitoring.HealthChecker
	gatherer prometheus.Gatherer
}

// NewStatusHandler serves /metrics from gatherer when it is not nil.
func NewStatusHandler(session MeshSession, health *monitoring.HealthChecker, gatherer prometheus.Gatherer) *StatusHandler {
	return &StatusHandler{
		session:  session,
		health:   health,
		gatherer: gatherer,
	}
}

// SetupRoutes mounts /health and /metrics openly and the /api/v1 routes
// behind protect.
func (h *StatusHandler) SetupRoutes(router *gin.Engine, protect ...gin.HandlerFunc) {
	router.GET("/health", h.Health)
	if h.gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})))
	}

	api := router.Group("/api/v1", protect...)
	{
		api.GET("/identity", h.GetIdentity)
		api.GET("/peers", h.ListPeers)
		api.GET("/calls", h.ListCalls)
		api.POST("/peers/:id/connect", h.ConnectPeer)
		api.POST("/peers/:id/messages", h.SendMessage)
	}
}

func (h *StatusHandler) Health(c *gin.Context) {
	status := h.health.CheckAll(c.Request.Context())
	code := http.StatusOK
	if status.Status != monitoring.StatusHealthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, status)
}

func (h *StatusHandler) GetIdentity(c *gin.Context) {
	id := h.session.Identity()
	c.JSON(http.StatusOK, gin.H{
		"identity": id,
		"host":     id.IsHost(),
	})
}

func (h *StatusHandler) ListPeers(c *gin.Context) {
	peers := h.session.Peers()
	if peers == nil {
		peers = []domain.PeerID{}
	}
	c.JSON(http.StatusOK, gin.H{
		"peers": peers,
		"count": len(peers),
	})
}

func (h *StatusHandler) ListCalls(c *gin.Context) {
	active := h.session.CallMap().Active()
	if active == nil {
		active = []domain.PeerID{}
	}
	c.JSON(http.StatusOK, gin.H{"calls": active})
}

func (h *StatusHandler) ConnectPeer(c *gin.Context) {
	peer := domain.PeerID(c.Param("id"))
	if err := h.session.ConnectWithPeer(peer); err != nil {
		_ = c.Error(meshError(err, peer))
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"peer_id": peer})
}

// SendMessage forwards the JSON request body to a peer.
func (h *StatusHandler) SendMessage(c *gin.Context) {
	peer := domain.PeerID(c.Param("id"))
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxMessageBytes)
	raw, err := c.GetRawData()
	if err != nil {
		_ = c.Error(apperrors.NewInvalidInputError("message body too large or unreadable"))
		return
	}
	if len(raw) == 0 || !json.Valid(raw) {
		_ = c.Error(apperrors.NewInvalidInputError("message body must be JSON"))
		return
	}

	if err := h.session.SendData(peer, json.RawMessage(raw)); err != nil {
		_ = c.Error(meshError(err, peer))
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"peer_id": peer})
}

func meshError(err error, peer domain.PeerID) error {
	switch {
	case apperrors.IsAppError(err):
		return err
	case errors.Is(err, domain.ErrNotConnected):
		return apperrors.NewNotConnectedError(string(peer))
	case errors.Is(err, domain.ErrNotJoined), errors.Is(err, domain.ErrSessionClosed):
		return apperrors.WrapError(err, apperrors.ErrCodeNotConnected, "session is not in a room", http.StatusServiceUnavailable)
	}
	return apperrors.WrapError(err, apperrors.ErrCodeInternal, "mesh operation failed", http.StatusInternalServerError)
}
