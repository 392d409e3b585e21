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
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"peermesh/internal/infrastructure/middleware"
	signalinfra "peermesh/internal/infrastructure/signal"
	"peermesh/pkg/config"
	"peermesh/pkg/logger"
)

func main() {
	configPaths := []string{
		"configs/config.yaml",
		"./configs/config.yaml",
		"config.yaml",
	}
	if path := os.Getenv("PEERMESH_CONFIG"); path != "" {
		configPaths = []string{path}
	}

	cfg := config.DefaultConfig()
	for _, path := range configPaths {
		loaded, err := config.Load(path)
		if err == nil {
			cfg = loaded
			break
		}
		zap.S().Debugw("Config not loaded", "path", path, "error", err)
	}

	zapLogger := logger.NewWithFormat(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	server := signalinfra.NewServer(signalinfra.ServerConfigFrom(cfg), log.Named("rendezvous"))

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(middleware.RecoveryMiddleware(log))

	router.GET(cfg.Rendezvous.Path, gin.WrapF(server.HandleWebSocket))
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "healthy",
			"peers":  len(server.Peers()),
		})
	})
	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{})))
	}

	srv := &http.Server{
		Addr:              cfg.Rendezvous.Address,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("Starting rendezvous server", "address", cfg.Rendezvous.Address, "path", cfg.Rendezvous.Path)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Fatalw("Rendezvous server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("Received shutdown signal", "signal", sig)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Errorw("Error during server shutdown", "error", err)
		_ = srv.Close()
	}
	log.Info("Rendezvous server stopped")
}
