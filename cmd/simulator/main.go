package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/seu-repo/sigec-sim/internal/broadcast"
	"github.com/seu-repo/sigec-sim/internal/cache"
	"github.com/seu-repo/sigec-sim/internal/fleet"
	"github.com/seu-repo/sigec-sim/internal/observability/telemetry"
	"github.com/seu-repo/sigec-sim/internal/uiserver"
	"github.com/seu-repo/sigec-sim/pkg/config"
)

const serviceName = "sigec-sim"

func main() {
	os.Exit(run())
}

func run() int {
	// 1. Load Configuration
	cfg, err := config.Load()
	if err != nil {
		log.Println("Failed to load configuration:", err)
		return 1
	}

	// 2. Initialize Logger
	logger, err := buildLogger(cfg.Logging)
	if err != nil {
		log.Println("Failed to initialize logger:", err)
		return 1
	}
	defer logger.Sync()

	logger.Info("Starting charging station simulator",
		zap.String("service", serviceName),
		zap.String("version", cfg.App.Version),
		zap.String("environment", cfg.App.Environment),
	)

	// 3. Initialize OpenTelemetry (Distributed Tracing)
	if cfg.OpenTelemetry.Enabled {
		name := cfg.OpenTelemetry.ServiceName
		if name == "" {
			name = serviceName
		}
		tracerProvider, err := telemetry.InitTracer(name, cfg.App.Version, cfg.OpenTelemetry.Jaeger.Endpoint)
		if err != nil {
			logger.Error("Failed to initialize tracer", zap.Error(err))
			return 1
		}
		defer func() {
			if err := tracerProvider.Shutdown(context.Background()); err != nil {
				logger.Error("Error shutting down tracer provider", zap.Error(err))
			}
		}()
	}

	// 4. Initialize Cache
	store, err := cache.New(cfg.Cache.Backend, cfg.Cache.URL, logger)
	if err != nil {
		logger.Error("Failed to initialize cache", zap.Error(err))
		return 1
	}
	defer store.Close()

	// 5. Initialize Broadcast Channel
	bus, err := buildBroadcast(cfg.Broadcast, logger)
	if err != nil {
		logger.Error("Failed to initialize broadcast channel", zap.Error(err))
		return 1
	}
	defer bus.Close()

	// 6. Initialize the Fleet
	fl, err := fleet.New(cfg, bus, store, logger)
	if err != nil {
		logger.Error("Failed to initialize fleet", zap.Error(err))
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := fl.Start(ctx); err != nil {
		logger.Error("Failed to start fleet", zap.Error(err))
		return 1
	}

	// 7. Initialize UI Server
	var ui *uiserver.Server
	if cfg.UIServer.Enabled {
		ui, err = uiserver.New(cfg.UIServer, cfg.RateLimiting, bus, fl, logger)
		if err != nil {
			logger.Error("Failed to initialize UI server", zap.Error(err))
			return 1
		}
		go func() {
			if err := ui.Listen(); err != nil {
				logger.Error("UI server failed", zap.Error(err))
			}
		}()
	}

	// 8. Metrics Endpoint (Prometheus)
	var metricsApp *fiber.App
	if cfg.Prometheus.Enabled {
		metricsApp = fiber.New(fiber.Config{DisableStartupMessage: true})
		metricsApp.Get(cfg.Prometheus.Path, func(c *fiber.Ctx) error {
			fasthttpadaptor.NewFastHTTPHandler(promhttp.Handler())(c.Context())
			return nil
		})
		go func() {
			logger.Info("Metrics endpoint listening",
				zap.Int("port", cfg.Prometheus.Port),
				zap.String("path", cfg.Prometheus.Path),
			)
			if err := metricsApp.Listen(fmt.Sprintf(":%d", cfg.Prometheus.Port)); err != nil {
				logger.Error("Metrics server failed", zap.Error(err))
			}
		}()
	}

	// 9. Graceful Shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down simulator...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if ui != nil {
		if err := ui.Shutdown(shutdownCtx); err != nil {
			logger.Error("UI server forced to shutdown", zap.Error(err))
		}
	}
	if metricsApp != nil {
		if err := metricsApp.ShutdownWithContext(shutdownCtx); err != nil {
			logger.Error("Metrics server forced to shutdown", zap.Error(err))
		}
	}
	if err := fl.Stop(shutdownCtx); err != nil {
		logger.Error("Fleet failed to stop cleanly", zap.Error(err))
		return 1
	}

	logger.Info("Simulator exited gracefully")
	return 0
}

func buildLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	zcfg := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	if cfg.Output != "" {
		zcfg.OutputPaths = []string{cfg.Output}
	}
	return zcfg.Build()
}

func buildBroadcast(cfg config.BroadcastConfig, logger *zap.Logger) (broadcast.Channel, error) {
	switch cfg.Backend {
	case "", "local":
		return broadcast.NewLocalChannel(logger), nil
	case "nats":
		return broadcast.NewNATSChannel(cfg.NATS.URL, logger)
	case "amqp":
		return broadcast.NewAMQPChannel(cfg.AMQP.URL, logger)
	default:
		return nil, fmt.Errorf("unknown broadcast backend %q", cfg.Backend)
	}
}
