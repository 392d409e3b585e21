package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"peermesh/internal/core/domain"
	"peermesh/internal/core/services"
	httphandlers "peermesh/internal/handlers/http"
	"peermesh/internal/infrastructure/middleware"
	"peermesh/internal/infrastructure/monitoring"
	"peermesh/internal/infrastructure/repositories"
	signalinfra "peermesh/internal/infrastructure/signal"
	webrtcinfra "peermesh/internal/infrastructure/webrtc"
	"peermesh/pkg/auth"
	"peermesh/pkg/config"
	"peermesh/pkg/logger"
	"peermesh/pkg/tracing"
)

func loadConfig() *config.Config {
	configPaths := []string{
		"configs/config.yaml",
		"./configs/config.yaml",
		"config.yaml",
	}
	if path := os.Getenv("PEERMESH_CONFIG"); path != "" {
		configPaths = []string{path}
	}

	var lastErr error
	for _, path := range configPaths {
		cfg, err := config.Load(path)
		if err == nil {
			return cfg
		}
		lastErr = err
	}
	zap.S().Warnw("Using default configuration", "error", lastErr)
	return config.DefaultConfig()
}

func main() {
	cfg := loadConfig()

	zapLogger := logger.NewWithFormat(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "peermesh-node",
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("Failed to initialize tracing", "error", err)
	}

	metrics := monitoring.NewPrometheusCollector(prometheus.DefaultRegisterer)

	repoFactory := repositories.NewRepositoryFactory(cfg, log)
	defer repoFactory.Close()

	room := domain.RoomID(cfg.Node.Room)
	client := signalinfra.NewClient(signalinfra.ConfigFrom(cfg.Mesh.Connection), log.Named("signal"))
	transport, err := webrtcinfra.NewTransport(webrtcinfra.ConfigFrom(cfg.Mesh, room), client, log.Named("webrtc"))
	if err != nil {
		log.Fatalw("Failed to create transport", "error", err)
	}
	defer transport.Close()

	session := services.NewSession(cfg.Mesh, transport, log.Named("session"),
		services.WithMetrics(metrics),
		services.WithRosterStore(repoFactory.CreateRosterStore()),
	)
	sub := session.Subscribe(eventLogger(logger.NewContextLogger(zapLogger.Named("events")), room))
	defer sub.Unsubscribe()

	if err := session.ConnectNetwork(room); err != nil {
		log.Fatalw("Failed to join room", "room_id", room, "error", err)
	}

	health := monitoring.NewHealthChecker()
	health.AddSessionCheck(session, time.Second)
	if rc := repoFactory.RedisClient(); rc != nil {
		health.AddRedisCheck(rc, 2*time.Second)
	}

	var gatherer prometheus.Gatherer
	if cfg.Monitoring.PrometheusEnabled {
		gatherer = prometheus.DefaultGatherer
	}

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(log),
		middleware.TracingMiddleware(),
		middleware.RequestLogMiddleware(logger.NewContextLogger(zapLogger.Named("http")), cfg.Node.Room),
		middleware.NewHTTPRateLimitMiddleware(cfg),
		middleware.ErrorHandlerMiddleware(log),
	)
	issuer := auth.NewIssuer(cfg.Status.TokenSecret, 0)
	httphandlers.NewStatusHandler(session, health, gatherer).SetupRoutes(router, middleware.AuthMiddleware(issuer))

	srv := &http.Server{
		Addr:              cfg.Node.StatusAddress,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("Starting status server", "address", cfg.Node.StatusAddress, "room_id", room, "role", cfg.Mesh.Role)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Errorw("Status server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("Received shutdown signal", "signal", sig)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error during server shutdown", "error", err)
	}
	if err := session.Cleanup(); err != nil {
		log.Warnw("Error leaving room", "room_id", room, "error", err)
	}
	if err := session.Close(); err != nil {
		log.Warnw("Error closing session", "error", err)
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Warnw("Error flushing traces", "error", err)
	}
	log.Infow("Mesh node stopped", "room_id", room)
}

// eventLogger writes session events to the log, tagged with the room and,
// once joined, the local peer id.
func eventLogger(cl *logger.ContextLogger, room domain.RoomID) func(domain.Event) {
	ctx := logger.WithRoom(context.Background(), string(room))
	return func(ev domain.Event) {
		log := cl.For(ctx).Sugar()
		switch e := ev.(type) {
		case domain.Joined:
			ctx = logger.WithPeer(ctx, string(e.ID))
			cl.LogInfo(ctx, "Joined room")
		case domain.PeerJoined:
			log.Infow("Peer joined", "remote_peer", e.Peer)
		case domain.PeerDropped:
			log.Infow("Peer dropped", "remote_peer", e.Peer)
		case domain.DataReceived:
			log.Debugw("Data received", "remote_peer", e.From, "bytes", len(e.Payload))
		case domain.StreamReceived:
			log.Infow("Stream received", "remote_peer", e.Peer, "stream_id", e.Stream.ID())
		case domain.Synced:
			log.Infow("Mesh synced", "peers", e.Peers)
		case domain.MeshLimitExceeded:
			log.Warnw("Room is full", "limit", e.Limit)
		case domain.Dropped:
			cl.LogError(ctx, e.Err, "Lost the mesh")
		case domain.ErrorEvent:
			cl.LogError(ctx, e.Err, "Session error")
		default:
			log.Debugw("Session event", "type", ev.Type())
		}
	}
}
