package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"callmesh/internal/core/ports"
	"callmesh/internal/core/services"
	httphandlers "callmesh/internal/handlers/http"
	"callmesh/internal/infrastructure/directory"
	"callmesh/internal/infrastructure/distributed"
	"callmesh/internal/infrastructure/middleware"
	"callmesh/internal/infrastructure/monitoring"
	"callmesh/internal/infrastructure/presence"
	"callmesh/internal/infrastructure/repositories"
	signalserver "callmesh/internal/infrastructure/signal"
	"callmesh/pkg/config"
	"callmesh/pkg/logger"
	"callmesh/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const healthCheckTimeout = 2 * time.Second

var configPaths = []string{
	"configs/config.yaml",
	"/etc/callmesh/config.yaml",
	"config.yaml",
}

func configPath() string {
	if p := os.Getenv("CALLMESH_CONFIG"); p != "" {
		return p
	}
	for _, p := range configPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

func main() {
	cfg, err := config.Load(configPath())
	if err != nil {
		zap.NewExample().Sugar().Fatalw("failed to load config", "error", err)
	}

	zapLogger, err := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		zap.NewExample().Sugar().Fatalw("failed to build logger", "error", err)
	}
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	instanceID := cfg.Presence.InstanceID
	if instanceID == "" {
		instanceID = uuid.NewString()
	}

	tracer, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "callmesh",
		InstanceID:  instanceID,
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("failed to init tracing", "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	repoFactory, err := repositories.NewRepositoryFactory(ctx, cfg, log)
	if err != nil {
		log.Fatalw("failed to create repository factory", "error", err)
	}
	repo := repoFactory.SessionRepository()

	dir, err := directory.FromConfig(cfg, log)
	if err != nil {
		log.Fatalw("failed to create directory", "error", err)
	}
	defer dir.Close()

	health := monitoring.NewHealthChecker()
	health.AddStoreCheck(repo, healthCheckTimeout)

	hub := presence.NewHub(log)
	var fanout ports.Fanout = hub
	var bus *distributed.EventBus
	if cfg.Presence.Mode == "redis" {
		client := repoFactory.RedisClient()
		if client == nil {
			log.Warn("redis presence requested without a redis connection, delivering locally only")
		} else {
			bus = distributed.NewEventBus(client, hub, instanceID, log)
			fanout = bus
			go func() {
				if err := bus.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
					log.Errorw("event bus stopped", "error", err)
				}
			}()
			health.AddRedisCheck(client, healthCheckTimeout)
			health.AddEventBusCheck(bus.Ready())
		}
	}

	collector := monitoring.NewPrometheusCollector(prometheus.DefaultRegisterer)

	callCfg := services.DefaultCallServiceConfig()
	callCfg.MaxParticipants = cfg.Admission.MaxParticipants
	callCfg.ICEServers = cfg.ICEServers()
	callCfg.Refetch.MaxAttempts = cfg.Admission.RefetchAttempts
	callCfg.Refetch.InitialDelay = cfg.Admission.RefetchDelay

	calls := services.NewCallService(repo, dir, dir, fanout, collector, callCfg, log)
	relay := services.NewSignalingRelay(repo, fanout, collector, log)
	auth := services.NewAuthService(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.AccessTokenTTL)

	ws := signalserver.NewWebSocketServer(
		auth, calls, relay, hub,
		middleware.NewConnectionGate(cfg),
		func() *rate.Limiter { return middleware.NewMessageLimiter(cfg) },
		signalserver.ServerConfigFrom(cfg),
		log,
	)

	collector.RegisterGaugeFunc("ws_connections", "Open signaling connections on this instance", func() float64 {
		return float64(ws.Connections())
	})
	collector.RegisterGaugeFunc("presence_users", "Users with at least one live connection", func() float64 {
		return float64(hub.Stats().Users)
	})
	collector.RegisterGaugeFunc("presence_sessions", "Sessions with at least one subscriber", func() float64 {
		return float64(hub.Stats().Sessions)
	})

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(log),
		middleware.RequestLoggingMiddleware(logger.NewContextLogger(zapLogger)),
		middleware.TracingMiddleware(),
		middleware.NewHTTPRateLimitMiddleware(cfg),
		middleware.ErrorHandlerMiddleware(log),
	)

	httphandlers.NewCallHandler(calls).SetupRoutes(router, middleware.AuthMiddleware(auth))
	if cfg.Auth.DevTokenEndpoint {
		log.Warn("development token endpoint enabled")
		httphandlers.NewAuthHandler(auth, dir).SetupRoutes(router)
	}
	router.GET(cfg.Signal.Path, gin.WrapF(ws.HandleWebSocket))
	router.GET("/health", health.LivenessHandler)
	router.GET("/ready", health.ReadinessHandler)
	if cfg.Monitoring.PrometheusEnabled {
		router.GET(cfg.Monitoring.MetricsPath, gin.WrapH(promhttp.Handler()))
	}

	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("starting callmesh server",
			"address", cfg.Server.Address,
			"store", repoFactory.Backend(),
			"presence", cfg.Presence.Mode,
			"directory", cfg.Directory.Mode,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Errorw("server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("received shutdown signal", "signal", sig)
	}

	wsCtx, wsCancel := context.WithTimeout(context.Background(), cfg.Signal.ShutdownTimeout)
	if err := ws.Shutdown(wsCtx); err != nil {
		log.Warnw("signaling connections did not drain", "error", err)
	}
	wsCancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("error force closing server", "error", closeErr)
		}
	}

	cancel()
	if bus != nil {
		if err := bus.Close(); err != nil {
			log.Errorw("error closing event bus", "error", err)
		}
	}
	if err := repoFactory.Close(); err != nil {
		log.Errorw("error closing repository factory", "error", err)
	}
	if err := tracer.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error shutting down tracer", "error", err)
	}

	log.Info("callmesh server stopped")
}
