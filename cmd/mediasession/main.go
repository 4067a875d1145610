package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"mediasession/internal/core/domain"
	"mediasession/internal/core/ports"
	"mediasession/internal/core/services"
	httphandlers "mediasession/internal/handlers/http"
	"mediasession/internal/infrastructure/media"
	"mediasession/internal/infrastructure/middleware"
	"mediasession/internal/infrastructure/monitoring"
	feed "mediasession/internal/infrastructure/signal"
	"mediasession/pkg/config"
	"mediasession/pkg/logger"
	"mediasession/pkg/loop"
	"mediasession/pkg/tracing"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to the YAML config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		// logger is not configured yet
		zap.NewExample().Sugar().Fatalw("failed to load config", "path", *configPath, "error", err)
	}

	zapLogger := logger.New(cfg.Logging.Level)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "mediasession",
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("failed to initialise tracing", "error", err)
	}

	// Capture stack
	platform := newPlatform(cfg, log)
	metricsService := services.NewMetricsService()
	collector := monitoring.NewPrometheusCollector()
	recorder := services.Recorders{metricsService, collector}

	acquirer := services.NewDeviceStreamAcquirer(platform, recorder, acquirerConfig(cfg), log)
	controller := services.NewCaptureController(
		acquirer,
		media.NewAnalyserFactory(log),
		recorder,
		controllerConfig(cfg),
		log,
	)

	if _, _, err := acquirer.EnumerateDevices(context.Background()); err != nil {
		log.Warnw("initial device enumeration failed", "error", err)
	}
	if cfg.Capture.OpenOnStart {
		go func() {
			if err := controller.Open(context.Background()); err != nil {
				log.Warnw("camera/mic not opened at startup", "error", err)
			}
		}()
	}

	statsTask := loop.NewPeriodicTask(cfg.Monitoring.MetricsInterval, func() {
		state := controller.State()
		log.Infow("capture session stats",
			"active_handles", metricsService.ActiveHandles(),
			"camera_status", state.CameraStatus,
			"screen_share", state.ScreenShare,
			"tab_audio_share", state.TabAudioShare,
			"mic_speaking", state.MicActivity.IsSpeaking,
		)
	})
	statsTask.Start()

	// Activity feed
	feedServer := feed.NewWebSocketServer(controller, collector, feedConfig(cfg), log)
	feedServer.Start()

	// Health
	health := monitoring.NewHealthChecker()
	health.AddPlatformCheck(platform, 2*time.Second)
	health.AddSessionCheck(controller)

	// HTTP
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	requestLog := logger.NewContextLogger(zapLogger)
	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(log),
		middleware.TracingMiddleware(requestLog),
		middleware.NewHTTPRateLimitMiddleware(cfg),
		middleware.ErrorHandlerMiddleware(requestLog),
	)

	var metricsHandler http.Handler
	if cfg.Monitoring.PrometheusEnabled {
		metricsHandler = collector.Handler()
		log.Info("Prometheus metrics enabled")
	}
	httphandlers.NewSessionHandler(controller, metricsService, log).SetupRoutes(router)
	httphandlers.NewOpsHandler(health, metricsHandler, feedServer.HandleWebSocket).SetupRoutes(router)

	srv := &http.Server{
		Addr:        cfg.Server.Address,
		Handler:     router,
		ReadTimeout: cfg.Server.ReadTimeout,
		// acquisitions wait on the user, so WriteTimeout bounds how long a
		// permission prompt may stay open
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("starting media session server",
			"address", cfg.Server.Address,
			"capture_driver", cfg.Capture.Driver,
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
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

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	// Close first so any request blocked on a prompt returns.
	controller.Close()
	feedServer.Close()
	statsTask.Stop()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("error force closing server", "error", closeErr)
		}
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error shutting down tracer provider", "error", err)
	}

	log.Info("media session server stopped")
}

func newPlatform(cfg *config.Config, log *zap.SugaredLogger) ports.MediaPlatform {
	if cfg.Capture.Driver == "none" {
		log.Warn("capture driver disabled, every acquisition will fail")
		return media.UnavailablePlatform{}
	}
	return media.NewPlatform(media.Config{
		SampleRate:       cfg.Capture.SampleRate,
		LoopbackDeviceID: cfg.Capture.LoopbackDeviceID,
	}, log)
}

func acquirerConfig(cfg *config.Config) services.AcquirerConfig {
	c := services.DefaultAcquirerConfig()
	c.Retry.MaxAttempts = cfg.Capture.AcquireRetries
	c.Retry.InitialDelay = cfg.Capture.AcquireRetryDelay
	c.Retry.Enabled = cfg.Capture.AcquireRetries > 0
	return c
}

func controllerConfig(cfg *config.Config) services.ControllerConfig {
	c := services.DefaultControllerConfig()
	c.InitialSelection = domain.DeviceSelection{
		VideoDeviceID: cfg.Capture.VideoDeviceID,
		AudioDeviceID: cfg.Capture.AudioDeviceID,
		AudioOutputID: cfg.Capture.AudioOutputID,
	}
	c.InitialMicOn = cfg.Capture.InitialMicOn
	c.InitialCameraOn = cfg.Capture.InitialCameraOn
	c.TabAudioReleaseDelay = cfg.Capture.TabAudioReleaseDelay

	c.Monitor.TickInterval = cfg.Activity.TickInterval
	c.Monitor.Activity.Threshold = cfg.Activity.Threshold
	c.Monitor.Activity.HoldTicks = cfg.Activity.HoldTicks
	c.Monitor.Activity.NormalizationConstant = cfg.Activity.NormalizationConstant
	c.Monitor.Activity.SmoothingFactor = cfg.Activity.SmoothingFactor
	c.Monitor.Analyser.FFTSize = cfg.Activity.FFTSize
	c.Monitor.Analyser.SmoothingTimeConstant = cfg.Activity.SmoothingTimeConstant

	c.Visualizer.Analyser.FFTSize = cfg.Visualizer.FFTSize
	c.Visualizer.Analyser.SmoothingTimeConstant = cfg.Visualizer.SmoothingTimeConstant
	c.Visualizer.BinFraction = cfg.Visualizer.BinFraction
	c.Visualizer.MinBarHeight = cfg.Visualizer.MinBarHeight
	return c
}

func feedConfig(cfg *config.Config) feed.Config {
	return feed.Config{
		PingInterval:     cfg.Signal.PingInterval,
		PongTimeout:      cfg.Signal.PongTimeout,
		WriteTimeout:     cfg.Signal.WriteTimeout,
		UpdatesPerSecond: cfg.Signal.UpdatesPerSecond,
		Burst:            cfg.Signal.Burst,
		SendBuffer:       cfg.Signal.SendBuffer,
		MaxMessageSize:   cfg.Signal.MaxMessageSizeBytes,
		AllowedOrigins:   cfg.Signal.AllowedOrigins,
	}
}
