package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"roomcast/internal/core/ports"
	"roomcast/internal/core/services"
	httphandlers "roomcast/internal/handlers/http"
	"roomcast/internal/infrastructure/distributed"
	"roomcast/internal/infrastructure/middleware"
	"roomcast/internal/infrastructure/monitoring"
	repositories "roomcast/internal/infrastructure/repositories"
	signalws "roomcast/internal/infrastructure/signal"
	"roomcast/internal/infrastructure/streaming"
	webrtcinfra "roomcast/internal/infrastructure/webrtc"
	"roomcast/pkg/config"
	"roomcast/pkg/logger"
	"roomcast/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	// Try multiple config paths
	configPaths := []string{
		"configs/config.yaml",
		"./configs/config.yaml",
		"/etc/roomcast/config.yaml",
		"config.yaml",
	}

	var cfg *config.Config
	var err error

	for _, path := range configPaths {
		cfg, err = config.Load(path)
		if err == nil {
			break
		}
	}
	if err != nil {
		// Fallback to defaults if config cannot be loaded
		cfg = config.DefaultConfig()
	}

	zapLogger := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()

	log := zapLogger.Sugar()

	// Tracing
	tracerProvider, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "roomcast",
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}

	// Room directory (Redis with memory fallback)
	repoFactory, err := repositories.NewRepositoryFactory(cfg, log)
	if err != nil {
		log.Fatalw("failed to create repository factory", "error", err)
	}
	defer repoFactory.Close()

	roomRepo := repoFactory.CreateRoomRepository()

	// Media engine
	var iceServers []webrtc.ICEServer
	if len(cfg.WebRTC.ICEServers) > 0 {
		for _, s := range cfg.WebRTC.ICEServers {
			iceServers = append(iceServers, webrtc.ICEServer{
				URLs:       s.URLs,
				Username:   s.Username,
				Credential: s.Credential,
			})
		}
	} else {
		iceServers = []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		}
	}

	engineConfig := webrtcinfra.Config{
		ICEServers:  iceServers,
		RelayIP:     cfg.WebRTC.RelayIP,
		AnnouncedIP: cfg.WebRTC.AnnouncedIP,
	}
	engineConfig.PortRange.Min = cfg.WebRTC.PortRange.Min
	engineConfig.PortRange.Max = cfg.WebRTC.PortRange.Max
	engine := webrtcinfra.NewEngine(engineConfig, log)

	// Pipeline supervisors share one subprocess runner
	runner := streaming.NewExecRunner()

	playback := streaming.NewPlaybackSupervisor(streaming.PlaybackConfig{
		OutputRoot:      cfg.HLS.OutputRoot,
		FFmpegPath:      cfg.HLS.FFmpegPath,
		RelayIP:         cfg.WebRTC.RelayIP,
		SegmentDuration: cfg.HLS.SegmentDuration,
		PlaylistSize:    cfg.HLS.PlaylistSize,
		DeleteSegments:  cfg.HLS.DeleteSegments,
		VideoCodec:      cfg.HLS.VideoCodec,
		VideoPreset:     cfg.HLS.VideoPreset,
	}, engine, runner, log)

	injection := streaming.NewInjectionSupervisor(streaming.InjectionConfig{
		FFmpegPath:       cfg.Injection.FFmpegPath,
		RelayIP:          cfg.WebRTC.RelayIP,
		AudioPayloadType: cfg.Injection.AudioPayloadType,
		AudioSSRC:        cfg.Injection.AudioSSRC,
		VideoPayloadType: cfg.Injection.VideoPayloadType,
		VideoSSRC:        cfg.Injection.VideoSSRC,
		VideoBitrateKbps: cfg.Injection.VideoBitrateKbps,
	}, engine, runner, log)

	var metrics ports.Metrics = ports.NopMetrics{}
	if cfg.Monitoring.PrometheusEnabled {
		metrics = monitoring.NewPrometheusCollector()
	}

	// Signaling server doubles as the outbound notifier, so it is created
	// before the service and bound after.
	wsServer := signalws.NewWebSocketServer(signalws.Config{
		PingInterval:      cfg.Signal.PingInterval,
		ReadTimeout:       cfg.Signal.PongTimeout,
		WriteTimeout:      cfg.Signal.WriteTimeout,
		MessagesPerSecond: cfg.RateLimiting.WebSocket.MessagesPerSecond,
		MessageBurst:      cfg.RateLimiting.WebSocket.Burst,
	}, log)

	registry := services.NewSessionRegistry(log)
	meetingService := services.NewMeetingService(roomRepo, registry, engine, wsServer, playback, injection, metrics, log)
	wsServer.SetService(meetingService)

	// Lifecycle events for out-of-process consumers, Redis deployments only
	if client := repoFactory.RedisClient(); client != nil {
		eventBus := distributed.NewRoomEventBus(client, uuid.NewString(), log)
		defer eventBus.Close()
		meetingService.SetEventBus(eventBus)
	}

	// Health checks
	healthChecker := monitoring.NewHealthChecker(log)
	healthChecker.AddCheck("room_store", 2*time.Second, repoFactory.HealthCheck)
	healthChecker.AddCheck("hls_output", 2*time.Second, func(context.Context) error {
		return os.MkdirAll(cfg.HLS.OutputRoot, 0o755)
	})

	backgroundCtx, cancelBackground := context.WithCancel(context.Background())
	defer cancelBackground()
	healthChecker.StartBackgroundChecks(backgroundCtx, cfg.Monitoring.HealthCheckInterval)

	// HTTP surface
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Logger())
	router.Use(middleware.RecoveryMiddleware(log))
	router.Use(middleware.ErrorHandlerMiddleware(log))
	router.Use(middleware.NewHTTPRateLimitMiddleware(cfg))
	if cfg.Tracing.Enabled {
		router.Use(middleware.TracingMiddleware())
	}

	httphandlers.NewRoomHandler(meetingService).SetupRoutes(router)
	httphandlers.NewHLSHandler(cfg.HLS.OutputRoot, playback).SetupRoutes(router)
	httphandlers.NewHealthHandler(healthChecker).SetupRoutes(router)
	router.GET("/ws", gin.WrapF(wsServer.HandleWebSocket))

	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
		log.Info("Prometheus metrics enabled")
	}

	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infof("Starting roomcast server on %s", cfg.Server.Address)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Fatalw("Server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("Received shutdown signal", "signal", sig)
	}

	log.Info("Shutting down roomcast server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warnw("HTTP server shutdown failed", "error", err)
	}
	if err := tracerProvider.Shutdown(shutdownCtx); err != nil {
		log.Warnw("tracer shutdown failed", "error", err)
	}

	log.Info("Shutdown complete")
}
