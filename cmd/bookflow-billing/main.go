package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"io/fs"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/bookflow/pkg/config"
	"github.com/platinummonkey/bookflow/pkg/observability"
	"github.com/platinummonkey/bookflow/pkg/scheduler"
)

var (
	runOnce = flag.Bool("run-once", false, "Run daily billing once, print the response and exit")
	envFile = flag.String("env-file", ".env", "Optional dotenv file loaded before the environment")
)

func main() {
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logrus.Fatalf("Failed to load %s: %v", *envFile, err)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		logrus.Fatalf("Invalid configuration: %v", err)
	}
	logger := setupLogger(cfg.Observability.LogLevel)
	appLogger := observability.NewLogger(cfg.Observability.Level(), os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := buildApp(ctx, cfg, appLogger)
	if err != nil {
		logger.Fatalf("Failed to initialize: %v", err)
	}

	otel, err := observability.InitOTel(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: cfg.Observability.OTelServiceVersion,
		Insecure:       cfg.Observability.OTelInsecure,
		SampleRatio:    cfg.Observability.OTelSampleRatio,
	}, appLogger)
	if err != nil {
		logger.Warnf("OpenTelemetry disabled: %v", err)
	} else {
		app.shutdown.Register("otel", func(ctx context.Context) error {
			return observability.ShutdownOTel(ctx, otel, appLogger)
		})
	}

	if *runOnce {
		code := runSingle(ctx, app, logger)
		stop()
		os.Exit(code)
	}

	if err := serve(ctx, cfg, app, logger); err != nil {
		logger.Errorf("Billing service stopped with error: %v", err)
	}
	if err := app.shutdown.Shutdown(context.Background()); err != nil {
		logger.Errorf("Shutdown incomplete: %v", err)
		os.Exit(1)
	}
	logger.Info("Billing service stopped")
}

func setupLogger(logLevel string) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	return logger
}

// runSingle runs one billing cycle and returns the process exit code
func runSingle(ctx context.Context, app *app, logger *logrus.Logger) int {
	logger.Info("Running daily billing once")
	resp := app.handler.HandleScheduled(ctx, scheduler.ScheduledEvent{
		ID:         uuid.NewString(),
		Source:     "bookflow.cli",
		DetailType: "Scheduled Event",
		Time:       time.Now().UTC(),
	})

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(resp); err != nil {
		logger.Errorf("Failed to encode response: %v", err)
	}

	if err := app.shutdown.Shutdown(context.Background()); err != nil {
		logger.Errorf("Shutdown incomplete: %v", err)
	}
	if !resp.Success {
		return 1
	}
	return 0
}

// serve runs the cron trigger and the operational HTTP server until ctx is
// done
func serve(ctx context.Context, cfg *config.Config, app *app, logger *logrus.Logger) error {
	schedule, err := scheduler.ParseSchedule(cfg.Scheduler.Schedule)
	if err != nil {
		return err
	}

	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithChain(cron.SkipIfStillRunning(cron.PrintfLogger(logger))),
	)
	c.Schedule(schedule, cron.FuncJob(func() {
		defer observability.RecoverPanic(app.logger, "cron billing job")
		resp := app.handler.HandleScheduled(ctx, scheduler.ScheduledEvent{
			ID:         uuid.NewString(),
			Source:     "bookflow.cron",
			DetailType: "Scheduled Event",
			Time:       time.Now().UTC(),
		})
		if resp.Success {
			logger.Infof("Daily billing finished in %s: %s", resp.Duration, resp.Message)
		} else {
			logger.Errorf("Daily billing failed after %s: %s", resp.Duration, resp.Error)
		}
	}))

	router := scheduler.NewRouter(app.handler, scheduler.RouterConfig{
		TriggerToken: cfg.Scheduler.TriggerToken,
		Health:       app.health,
		Registry:     app.registry,
		Metrics:      app.metrics,
	})
	srv := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:      otelhttp.NewHandler(router, "bookflow-billing"),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Infof("Operational server listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down gracefully...")

		// wait for a running billing cycle before closing its dependencies
		<-c.Stop().Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	c.Start()
	logger.Infof("BookFlow billing started, schedule %q", cfg.Scheduler.Schedule)
	if next := schedule.Next(time.Now().UTC()); !next.IsZero() {
		logger.Infof("Next billing run at %s", next.Format(time.RFC3339))
	}

	return g.Wait()
}
