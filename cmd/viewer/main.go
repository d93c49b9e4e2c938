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

	"github.com/cenkalti/backoff/v4"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type transition struct {
	state domain.ViewerState
	err   error
}

func main() {
	startTime := time.Now()

	cfg, path, err := config.LoadFirst(config.DefaultPaths...)
	if err != nil {
		panic(err)
	}

	zapLogger := logger.NewWithFormat(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar().With("component", "viewer")
	if path != "" {
		log.Infow("loaded config", "path", path)
	}

	if err := validation.ValidateRoomID(cfg.Session.RoomID); err != nil {
		log.Fatalw("invalid session.room_id", "error", err)
	}
	if err := validation.ValidateUserID(cfg.Session.UserID); err != nil {
		log.Fatalw("invalid session.user_id", "error", err)
	}

	tp, err := tracing.Init(cfg.Tracing)
	if err != nil {
		log.Warnw("tracing disabled", "error", err)
	}

	authService := services.NewAuthService(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	if cfg.Signaling.Token == "" && cfg.Signaling.Driver == config.SignalingDriverWebSocket {
		token, err := authService.GenerateToken(domain.UserID(cfg.Session.UserID), cfg.Session.DisplayName, domain.RoleViewer)
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

	sink := webrtcinfra.NewRTPForwardSink(cfg.Render.AudioAddress, cfg.Render.VideoAddress, log)
	transitions := make(chan transition, 16)

	peers, err := webrtcinfra.NewPeerFactory(
		webrtcinfra.ConfigFromSettings(cfg.WebRTC.ICEServers, cfg.WebRTC.PortRange.Min, cfg.WebRTC.PortRange.Max),
		log,
	)
	if err != nil {
		log.Fatalw("failed to create peer factory", "error", err)
	}

	viewer := services.NewViewerController(services.ViewerConfig{
		RoomID:             domain.RoomID(cfg.Session.RoomID),
		UserID:             domain.UserID(cfg.Session.UserID),
		DisplayName:        cfg.Session.DisplayName,
		DiscoveryInterval:  cfg.Liveness.DiscoveryInterval,
		HeartbeatInterval:  cfg.Liveness.HeartbeatInterval,
		NegotiationTimeout: cfg.Liveness.NegotiationTimeout,
	}, services.ViewerDeps{
		Signaling: signalingFactory.Client(),
		Peers:     peers,
		Sink:      sink,
		Registry:  sessionRegistry,
		Metrics:   metrics,
		Logger:    log,
		OnStateChange: func(state domain.ViewerState, err error) {
			select {
			case transitions <- transition{state: state, err: err}:
			default:
			}
		},
	})

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(log),
		middleware.TracingMiddleware(),
		middleware.ErrorHandlerMiddleware(log),
	)
	httphandlers.NewViewerHandler(viewer).SetupRoutes(router)
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "healthy",
			"timestamp": time.Now(),
			"uptime":    time.Since(startTime).String(),
			"tracks":    sink.Attached(),
		})
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
		log.Infof("Starting codecast viewer control API on %s", cfg.Server.Address)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = time.Second
	retry.MaxInterval = 30 * time.Second
	retry.MaxElapsedTime = 0
	var retryTimer <-chan time.Time

	if err := viewer.JoinStream(ctx); err != nil {
		if !domain.IsRetryable(err) {
			log.Fatalw("failed to join stream", "error", err)
		}
		log.Warnw("failed to join stream, retrying", "error", err)
		retryTimer = time.After(retry.NextBackOff())
	}

loop:
	for {
		select {
		case <-ctx.Done():
			log.Info("Received shutdown signal")
			break loop
		case err := <-serverErr:
			log.Errorw("Server failed", "error", err)
			break loop
		case t := <-transitions:
			log.Infow("viewer state changed", "state", t.state, "error", t.err)
			switch {
			case t.state == domain.ViewerConnected:
				retry.Reset()
				retryTimer = nil
			case t.state == domain.ViewerEnded:
				log.Info("stream ended")
				break loop
			case t.state == domain.ViewerFailed && domain.IsRetryable(t.err):
				wait := retry.NextBackOff()
				log.Infow("scheduling rejoin", "in", wait)
				retryTimer = time.After(wait)
			}
		case <-retryTimer:
			retryTimer = nil
			if err := viewer.Retry(ctx); err != nil {
				log.Warnw("rejoin failed", "error", err)
				retryTimer = time.After(retry.NextBackOff())
			}
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := viewer.LeaveStream(shutdownCtx); err != nil {
		log.Errorw("Error leaving stream", "error", err)
	}
	if err := viewer.Close(); err != nil {
		log.Errorw("Error closing viewer", "error", err)
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

	log.Info("codecast viewer stopped")
}
