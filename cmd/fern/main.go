package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"
	echomiddleware "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"github.com/Ramsey-B/fern/config"
	"github.com/Ramsey-B/fern/pkg/events"
	"github.com/Ramsey-B/fern/pkg/ingest"
	"github.com/Ramsey-B/fern/pkg/kafka"
	"github.com/Ramsey-B/fern/pkg/locator"
	"github.com/Ramsey-B/fern/pkg/logging"
	"github.com/Ramsey-B/fern/pkg/matching"
	"github.com/Ramsey-B/fern/pkg/merging"
	"github.com/Ramsey-B/fern/pkg/middleware"
	"github.com/Ramsey-B/fern/pkg/normalizers"
	"github.com/Ramsey-B/fern/pkg/resolver"
	"github.com/Ramsey-B/fern/pkg/routes"
	"github.com/Ramsey-B/fern/pkg/routes/duplicates"
	"github.com/Ramsey-B/fern/pkg/routes/entity"
	"github.com/Ramsey-B/fern/pkg/routes/health"
	"github.com/Ramsey-B/fern/pkg/routes/history"
	"github.com/Ramsey-B/fern/pkg/routes/resolve"
	"github.com/Ramsey-B/fern/pkg/scanner"
	"github.com/Ramsey-B/fern/pkg/startup"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, flush, err := logging.New(cfg.LogLevel, cfg.PrettyLogs, cfg.AppName)
	if err != nil {
		log.Fatalf("failed to create logger: %v", err)
	}
	defer func() { _ = flush() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.WithError(err).Error("fern exited with error")
		_ = flush()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger ectologger.Logger) error {
	shutdownTracing, err := tracing.Setup(ctx, cfg.Tracing())
	if err != nil {
		return fmt.Errorf("failed to set up tracing: %w", err)
	}

	checker := health.NewChecker(cfg.AppVersion)
	infra := newInfrastructure(cfg, logger, checker)

	boot := startup.NewStartup(logger, cfg.StartupMaxAttempts)
	infra.register(boot)
	if err := boot.Start(ctx); err != nil {
		return err
	}

	normalizer := normalizers.NewEntityNormalizer(nil)
	matcher := matching.NewMatcher(cfg.Matching())
	loc := locator.New(logger, infra.store, cfg.Locator())
	publisher := events.NewPublisher(infra.sink(), logger)

	res := resolver.New(logger, infra.store, normalizer, matcher, loc, infra.cache, publisher, cfg.Resolver())
	manager := merging.NewManager(logger, infra.store, normalizer, loc, infra.cache, publisher)
	scan := scanner.New(logger, infra.store, loc, matcher, cfg.Scanner())

	var consumer *kafka.Consumer
	if cfg.KafkaConsumerEnabled {
		handler := ingest.NewHandler(logger, res, infra.resultPublisher())
		consumer = kafka.NewConsumer(cfg.Consumer(), logger, handler.Handle)
		if err := consumer.Start(ctx); err != nil {
			return err
		}
		checker.AddCheck("kafka-consumer", func(context.Context) error {
			if !consumer.Health() {
				return errors.New("consumer loop is not running")
			}
			return nil
		})
	}

	if cfg.ScanJobEnabled {
		job := scanner.NewJob(logger, scan, infra.lease(), infra.duplicatePublisher(), cfg.ScanJob())
		go job.Run(ctx)
	}

	e := echo.New()
	e.HideBanner = true
	e.HTTPErrorHandler = middleware.Error(logger)
	e.Use(echomiddleware.Recover())
	e.Use(echomiddleware.CORSWithConfig(echomiddleware.CORSConfig{AllowOrigins: cfg.AllowOrigins}))
	e.Use(otelecho.Middleware(cfg.AppName))
	e.Use(middleware.Context())
	e.Use(middleware.Logger(logger))
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	routes.Mount(e, routes.Handlers{
		Resolve:    resolve.NewHandler(res),
		Entity:     entity.NewHandler(manager),
		History:    history.NewHandler(manager),
		Duplicates: duplicates.NewHandler(scan),
		Health:     checker,
	})

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           e,
		ReadTimeout:       time.Duration(cfg.HttpServerReadTimeoutSeconds) * time.Second,
		WriteTimeout:      time.Duration(cfg.HttpServerWriteTimeoutSeconds) * time.Second,
		IdleTimeout:       time.Duration(cfg.HttpServerIdleTimeoutSeconds) * time.Second,
		ReadHeaderTimeout: time.Duration(cfg.ReadHeaderTimeoutSeconds) * time.Second,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Infof("Starting %s on %s", cfg.AppName, server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()
	checker.SetReady(true)

	select {
	case <-ctx.Done():
	case err = <-serveErr:
	}

	checker.SetReady(false)
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.ShutdownTimeout)
	defer cancel()

	if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
		logger.WithError(shutdownErr).Error("Failed to shut down HTTP server")
	}
	if consumer != nil {
		if stopErr := consumer.Stop(); stopErr != nil {
			logger.WithError(stopErr).Error("Failed to stop Kafka consumer")
		}
	}
	if stopErr := boot.Stop(shutdownCtx); stopErr != nil {
		logger.WithError(stopErr).Error("Failed to stop dependencies")
	}
	if traceErr := shutdownTracing(shutdownCtx); traceErr != nil {
		logger.WithError(traceErr).Warn("Failed to flush traces")
	}
	return err
}
