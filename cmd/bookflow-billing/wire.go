package main

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/platinummonkey/bookflow/pkg/alerts"
	"github.com/platinummonkey/bookflow/pkg/attempts"
	"github.com/platinummonkey/bookflow/pkg/billing"
	"github.com/platinummonkey/bookflow/pkg/config"
	"github.com/platinummonkey/bookflow/pkg/gateway"
	"github.com/platinummonkey/bookflow/pkg/notify"
	"github.com/platinummonkey/bookflow/pkg/observability"
	"github.com/platinummonkey/bookflow/pkg/reports"
	"github.com/platinummonkey/bookflow/pkg/retry"
	"github.com/platinummonkey/bookflow/pkg/scheduler"
	"github.com/platinummonkey/bookflow/pkg/storage"
	"github.com/platinummonkey/bookflow/pkg/subscriptions"
	"github.com/platinummonkey/bookflow/pkg/webhooks"
)

// app holds the wired components of the billing process
type app struct {
	handler  *scheduler.Handler
	health   *observability.HealthChecker
	registry *prometheus.Registry
	metrics  *observability.Metrics
	shutdown *observability.ShutdownManager
	logger   *observability.Logger
}

func buildApp(ctx context.Context, cfg *config.Config, logger *observability.Logger) (*app, error) {
	a := &app{
		health:   observability.NewHealthChecker(cfg.Observability.OTelServiceVersion),
		registry: prometheus.NewRegistry(),
		shutdown: observability.NewShutdownManager(logger, cfg.Server.ShutdownTimeout),
		logger:   logger,
	}
	if cfg.Observability.MetricsEnabled {
		a.metrics = observability.NewMetrics(a.registry)
	}

	var awsCfg *aws.Config
	loadAWS := func() (aws.Config, error) {
		if awsCfg == nil {
			c, err := storage.LoadAWSConfig(ctx, storage.AWSOptions{
				Region:          cfg.Store.AWSRegion,
				AccessKeyID:     cfg.Store.AWSAccessKeyID,
				SecretAccessKey: cfg.Store.AWSSecretAccessKey,
			})
			if err != nil {
				return aws.Config{}, err
			}
			awsCfg = &c
		}
		return *awsCfg, nil
	}

	store, err := a.buildStore(ctx, cfg, loadAWS)
	if err != nil {
		return nil, err
	}

	ledger, lock, err := a.buildRedis(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	gw, err := gateway.NewTransbankClient(gateway.Config{
		Environment:          gateway.Environment(cfg.Gateway.Environment),
		BaseURL:              cfg.Gateway.BaseURL,
		CommerceCode:         cfg.Gateway.CommerceCode,
		OneClickCommerceCode: cfg.Gateway.OneClickCommerceCode,
		ChildCommerceCode:    cfg.Gateway.ChildCommerceCode,
		APIKey:               cfg.Gateway.APIKey,
		Timeout:              cfg.Gateway.Timeout,
	}, gateway.WithMetrics(a.metrics), gateway.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("failed to create gateway client: %w", err)
	}

	biller, err := billing.NewService(billing.Config{
		MaxRetryAttempts: cfg.Billing.MaxRetryAttempts,
		Retry: retry.Config{
			InitialDelay:      cfg.Billing.RetryInitialDelay,
			MaxDelay:          cfg.Billing.RetryMaxDelay,
			BackoffMultiplier: cfg.Billing.RetryMultiplier,
		},
		TrialNoticeWindow: cfg.Billing.TrialNoticeWindow,
	}, store, gw,
		billing.WithLedger(ledger),
		billing.WithMetrics(a.metrics),
		billing.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create billing service: %w", err)
	}

	provider, err := buildEmailProvider(cfg, logger)
	if err != nil {
		return nil, err
	}
	renderer, err := notify.NewRenderer(notify.RendererOptions{
		Brand:      cfg.Email.FromName,
		SupportURL: cfg.Email.SupportURL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load email templates: %w", err)
	}
	dispatcher := notify.NewDispatcher(renderer, provider, a.metrics, logger)

	channel, err := buildAlertChannel(cfg, provider, logger)
	if err != nil {
		return nil, err
	}
	analyzer := alerts.NewAnalyzer(alerts.Config{
		FailureRateThreshold:        cfg.Alerts.FailureRateThreshold,
		CriticalFailureRate:         cfg.Alerts.CriticalFailureRate,
		MinSampleSize:               cfg.Alerts.MinSampleSize,
		ConsecutiveFailureThreshold: cfg.Alerts.ConsecutiveFailureThreshold,
		FraudWindow:                 cfg.Alerts.FraudWindow,
		FraudDistinctCards:          cfg.Alerts.FraudDistinctCards,
		FraudSharedErrorOrgs:        cfg.Alerts.FraudSharedErrorOrgs,
	}, ledger, logger)

	archiver, err := buildArchiver(cfg, loadAWS)
	if err != nil {
		return nil, err
	}
	// reports are best effort: an unreachable bucket degrades readiness only
	if p, ok := archiver.(observability.Pinger); ok {
		a.health.AddOptional("reports", p)
	}

	a.handler, err = scheduler.NewHandler(scheduler.Config{
		Budget:  cfg.Billing.RunBudget,
		LockTTL: cfg.Scheduler.LockTTL,
	}, scheduler.Deps{
		Billing:  biller,
		Notifier: dispatcher,
		Analyzer: analyzer,
		Alerts:   alerts.NewSender(channel, a.metrics, logger),
		Archiver: archiver,
		Lock:     lock,
		Metrics:  a.metrics,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (a *app) buildStore(ctx context.Context, cfg *config.Config, loadAWS func() (aws.Config, error)) (subscriptions.Store, error) {
	var store subscriptions.Store
	switch cfg.Store.Type {
	case config.StoreDynamoDB:
		awsCfg, err := loadAWS()
		if err != nil {
			return nil, err
		}
		store = subscriptions.NewDynamoStore(storage.NewDynamoDBClient(awsCfg, cfg.Store.DynamoEndpoint), cfg.Store.DynamoTable)
	case config.StorePostgres:
		pg, err := subscriptions.OpenPostgres(ctx, subscriptions.PostgresConfig{
			URL:      cfg.Store.PostgresURL,
			MaxConns: cfg.Store.PostgresMaxConns,
			Timeout:  cfg.Store.PostgresTimeout,
		})
		if err != nil {
			return nil, err
		}
		a.shutdown.Register("postgres", func(context.Context) error { return pg.Close() })
		store = pg
	default:
		store = subscriptions.NewMemoryStore()
	}

	instrumented := subscriptions.Instrument(store, a.metrics, cfg.Store.Type)
	a.health.AddCritical("store", instrumented)
	return instrumented, nil
}

func (a *app) buildRedis(ctx context.Context, cfg *config.Config, logger *observability.Logger) (attempts.Log, scheduler.RunLock, error) {
	if cfg.Redis.URL == "" {
		logger.Warn("Redis not configured: using in-memory attempt ledger and a process-local run lock")
		return attempts.NewMemoryLog(cfg.Redis.AttemptLimit), scheduler.NewLocalLock(), nil
	}

	client, err := storage.NewRedisClient(ctx, storage.RedisOptions{
		URL:      cfg.Redis.URL,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})
	if err != nil {
		return nil, nil, err
	}
	a.shutdown.Register("redis", func(context.Context) error { return client.Close() })

	ledger := attempts.NewRedisLog(client, cfg.Redis.AttemptTTL, cfg.Redis.AttemptLimit)
	a.health.AddCritical("redis", ledger)
	return ledger, scheduler.NewRedisLock(client, ""), nil
}

func buildEmailProvider(cfg *config.Config, logger *observability.Logger) (notify.Provider, error) {
	if cfg.Email.Provider != config.EmailProviderSMTP {
		return notify.NewLogProvider(logger), nil
	}
	provider, err := notify.NewSMTPProvider(notify.SMTPConfig{
		Host:     cfg.Email.SMTPHost,
		Port:     cfg.Email.SMTPPort,
		Username: cfg.Email.Username,
		Password: cfg.Email.Password,
		From:     cfg.Email.From,
		FromName: cfg.Email.FromName,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create smtp provider: %w", err)
	}
	return provider, nil
}

// buildAlertChannel fans out to the configured webhook and email channels,
// falling back to the log when neither is set
func buildAlertChannel(cfg *config.Config, provider notify.Provider, logger *observability.Logger) (alerts.Channel, error) {
	var channels []alerts.Channel

	if cfg.Alerts.WebhookURL != "" {
		sender, err := webhooks.NewSender(webhooks.Config{
			URL:     cfg.Alerts.WebhookURL,
			Secret:  cfg.Alerts.WebhookSecret,
			Timeout: cfg.Alerts.WebhookTimeout,
			Retry: retry.Config{
				MaxAttempts:       cfg.Alerts.WebhookMaxAttempts,
				InitialDelay:      time.Second,
				MaxDelay:          10 * time.Second,
				BackoffMultiplier: 2,
			},
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create alert webhook: %w", err)
		}
		channels = append(channels, alerts.NewWebhookChannel(sender))
	}
	if len(cfg.Alerts.EmailRecipients) > 0 {
		channels = append(channels, alerts.NewEmailChannel(provider, cfg.Alerts.EmailRecipients))
	}
	if len(channels) == 0 {
		logger.Warn("No alert channels configured: alerts are only logged")
		return alerts.NewLogChannel(logger), nil
	}
	return alerts.NewMultiChannel(logger, channels...), nil
}

func buildArchiver(cfg *config.Config, loadAWS func() (aws.Config, error)) (reports.Archiver, error) {
	if cfg.Reports.Bucket == "" {
		return reports.NoopArchiver{}, nil
	}
	awsCfg, err := loadAWS()
	if err != nil {
		return nil, err
	}
	client := storage.NewS3Client(awsCfg, cfg.Reports.S3Endpoint, cfg.Reports.UsePathStyle)
	return reports.NewS3Archiver(client, cfg.Reports.Bucket, cfg.Reports.Prefix)
}
