package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/example/visit-lifecycle-engine/internal/archive"
	"github.com/example/visit-lifecycle-engine/internal/config"
	"github.com/example/visit-lifecycle-engine/internal/gateway"
	"github.com/example/visit-lifecycle-engine/internal/lifecycle"
	"github.com/example/visit-lifecycle-engine/internal/observability"
	"github.com/example/visit-lifecycle-engine/internal/schedule"
	"github.com/example/visit-lifecycle-engine/internal/storage"
	"github.com/example/visit-lifecycle-engine/internal/timer"
	"github.com/example/visit-lifecycle-engine/internal/watch"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	logger := log.With().Str("app", cfg.AppName).Logger()
	observability.RegisterRuntimeCollectors()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	telemetryShutdown, err := observability.Start(ctx, observability.Config{
		ServiceName:  cfg.AppName,
		MetricsAddr:  cfg.MetricsAddr,
		OTLPEndpoint: cfg.OTLPEndpoint,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize telemetry")
	}
	defer telemetryShutdown(context.Background())

	resources, err := config.NewResources(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize resources")
	}
	defer resources.Close()

	hub := watch.NewHub(logger)
	relay := watch.NewRedisRelay(resources.Redis, hub, logger)

	store := storage.NewVisitStore(resources.Postgres, storage.WithPublisher(relay))
	if err := store.EnsureSchema(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to ensure schema")
	}

	relay.Start(ctx)

	alerts := watch.NewAlertSink(resources.Redis, logger)
	timers := timer.NewEngine(hub, alerts, logger)
	controller := lifecycle.NewController(store, logger,
		lifecycle.WithTimeout(cfg.TransitionTimeout),
		lifecycle.WithEcho(hub),
	)
	detector := schedule.NewDetector(store, logger)

	exporter := archive.NewExporter(store, resources.Object, cfg.ObjectBucket, logger).WithInterval(cfg.ArchiveInterval)
	exporter.Start(ctx)

	api := gateway.New(store, controller, detector, timers, relay, logger)
	httpServer := &http.Server{Addr: cfg.HTTPListenAddr, Handler: api.Routes()}

	go func() {
		logger.Info().Str("addr", cfg.HTTPListenAddr).Msg("http server starting")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("http server failed")
		}
	}()

	go func() {
		ticker := time.NewTicker(cfg.HealthcheckProbe)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := resources.HealthCheck(context.Background()); err != nil {
					logger.Error().Err(err).Msg("dependency healthcheck failed")
				} else {
					logger.Debug().Msg("dependency healthcheck ok")
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	logger.Info().Msg("server dependencies initialized")

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("forced http shutdown")
	}
	resources.Close()
	logger.Info().Msg("shutdown complete")
}
