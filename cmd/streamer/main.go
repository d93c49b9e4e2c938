package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"codecast/internal/core/domain"
	"codecast/internal/core/ports"
	"codecast/internal/core/services"
	httphandlers "codecast/internal/handlers/http"
	"codecast/internal/infrastructure/middleware"
	"codecast/internal/infrastructure/monitoring"
	"codecast/internal/infrastructure/registry"
	"codecast/internal/infrastructure/signaling/factory"
	webrtcinfra "codecast/internal/infrastructure/webrtc"
	"codecast/pkg/config"
	"codecast/pkg/logger"
	"codecast/pkg/tracing"
	"codecast/pkg/validation"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	startTime := time.Now()

	cfg, path, err := config.LoadFirst(config.DefaultPaths...)
	if err != nil {
		panic(err)
	}

	zapLogger := logger.NewWithFormat(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar().With("component", "streamer")
	if path != "" {
		log.Infow("loaded config", "path", path)
	}

	if err := validation.ValidateRoomID(cfg.Session.RoomID); err != nil {
		log.Fatalw("invalid session.room_id", "error", err)
	}
	if err := validation.ValidateUserID(cfg.Session.UserID); err != nil {
		log.Fatalw("invalid session.user_id", "error", err)
	}
	if err := validation.ValidateProblemID(cfg.Session.ProblemID); err != nil {
		log.Fatalw("invalid session.problem_id", "error", err)
	}

	tp, err := tracing.Init(cfg.Tracing)
	if err != nil {
		log.Warnw("tracing disabled", "error", err)
	}

	authService := services.NewAuthService(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	if cfg.Signaling.Token == "" && cfg.Signaling.Driver == config.SignalingDriverWebSocket {
		// development setup: relay and streamer share the JWT secret
		token, err := authService.GenerateToken(domain.UserID(cfg.Session.UserID), cfg.Session.DisplayName, domain.RoleStreamer)
		if err != nil {
			log.Fatalw("failed to mint relay token", "error", err)
		}
		cfg.Signaling.Token = token
	}

	signalingFactory, err := factory.NewSignalingFactory(context.Background(), cfg, cfg.Signaling.Driver, log)
	if err != nil {
		log.Fatalw("failed to create signaling client", "error", err)
	}

	var sessionRegistry ports.SessionRegistry
	if cfg.Registry.BaseURL != "" {
		sessionRegistry = registry.NewClient(registry.Config{
			BaseURL:          cfg.Registry.BaseURL,
			Token:            cfg.Registry.Token,
			Timeout:          cfg.Registry.Timeout,
			MaxRetries:       cfg.Registry.MaxRetries,
			BreakerThreshold: cfg.Registry.BreakerThreshold,
			BreakerCooldown:  cfg.Registry.BreakerCooldown,
		}, log)
	}

	var metrics ports.SessionMetrics = services.NopMetrics{}
	if cfg.Monitoring.PrometheusEnabled {
		metrics = services.NewMetricsService(monitoring.NewPrometheusCollector(prometheus.DefaultRegisterer))
	}

	peers, err := webrtcinfra.NewPeerFactory(
		webrtcinfra.ConfigFromSettings(cfg.WebRTC.ICEServers, cfg.WebRTC.PortRange.Min, cfg.WebRTC.PortRange.Max),
		log,
	)
	if err != nil {
		log.Fatalw("failed to create peer factory", "error", err)
	}

	streamer := services.NewStreamerController(services.StreamerConfig{
		RoomID:              domain.RoomID(cfg.Session.RoomID),
		ProblemID:           domain.ProblemID(cfg.Session.ProblemID),
		UserID:              domain.UserID(cfg.Session.UserID),
		DisplayName:         cfg.Session.DisplayName,
		ViewerCountInterval: cfg.Liveness.ViewerCountInterval,
	}, services.StreamerDeps{
		Signaling: signalingFactory.Client(),
		Peers:     peers,
		Capturer:  webrtcinfra.NewRTPIngestCapturer(cfg.Capture.AudioAddress, cfg.Capture.VideoAddress, log),
		Registry:  sessionRegistry,
		Metrics:   metrics,
		Logger:    log,
	})

	startCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	err = streamer.StartStream(startCtx)
	cancel()
	if err != nil {
		log.Fatalw("failed to start stream", "error", err)
	}

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(log),
		middleware.TracingMiddleware(),
		middleware.ErrorHandlerMiddleware(log),
	)
	httphandlers.NewStreamerHandler(streamer).SetupRoutes(router)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "healthy",
			"timestamp": time.Now(),
			"uptime":    time.Since(startTime).String(),
		})
	})
	router.GET("/ready", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := signalingFactory.HealthCheck(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infof("Starting codecast streamer control API on %s", cfg.Server.Address)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Errorw("Server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("Received shutdown signal", "signal", sig)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := streamer.StopStream(shutdownCtx); err != nil {
		log.Errorw("Error stopping stream", "error", err)
	}
	if err := streamer.Close(); err != nil {
		log.Errorw("Error closing streamer", "error", err)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error during server shutdown", "error", err)
	}
	if err := signalingFactory.Close(); err != nil {
		log.Errorw("Error closing signaling client", "error", err)
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error shutting down tracing", "error", err)
	}

	log.Info("codecast streamer stopped")
}
