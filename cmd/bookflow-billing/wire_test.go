package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/bookflow/pkg/config"
	"github.com/platinummonkey/bookflow/pkg/notify"
	"github.com/platinummonkey/bookflow/pkg/observability"
	"github.com/platinummonkey/bookflow/pkg/reports"
	"github.com/platinummonkey/bookflow/pkg/scheduler"
)

func memoryConfig() *config.Config {
	cfg := config.Default()
	cfg.Store.Type = config.StoreMemory
	cfg.Billing.MaxRetryAttempts = 3
	return cfg
}

func TestBuildApp_Memory(t *testing.T) {
	ctx := context.Background()
	a, err := buildApp(ctx, memoryConfig(), observability.NopLogger())
	require.NoError(t, err)
	require.NotNil(t, a.metrics)

	resp := a.handler.HandleScheduled(ctx, scheduler.ScheduledEvent{ID: "test"})
	require.True(t, resp.Success, resp.Error)
	assert.Zero(t, resp.Results.Billing.Combined().Processed)
	assert.Equal(t, observability.StatusHealthy, a.health.Check(ctx).Status)
	assert.NoError(t, a.shutdown.Shutdown(ctx))
}

func TestBuildApp_Redis(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	cfg := memoryConfig()
	cfg.Redis.URL = "redis://" + mr.Addr()

	a, err := buildApp(ctx, cfg, observability.NopLogger())
	require.NoError(t, err)

	resp := a.handler.HandleScheduled(ctx, scheduler.ScheduledEvent{ID: "test"})
	require.True(t, resp.Success, resp.Error)
	assert.False(t, mr.Exists("bookflow:billing:run-lock"))

	status := a.health.Check(ctx)
	assert.Contains(t, status.Dependencies, "redis")
	assert.NoError(t, a.shutdown.Shutdown(ctx))
}

func TestBuildApp_ReportBucketDegradesReadiness(t *testing.T) {
	ctx := context.Background()
	var heads atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			heads.Add(1)
		}
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	cfg := memoryConfig()
	cfg.Store.AWSAccessKeyID = "test"
	cfg.Store.AWSSecretAccessKey = "test"
	cfg.Reports.Bucket = "reports"
	cfg.Reports.S3Endpoint = srv.URL
	cfg.Reports.UsePathStyle = true

	a, err := buildApp(ctx, cfg, observability.NopLogger())
	require.NoError(t, err)

	status := a.health.Check(ctx)
	assert.Equal(t, observability.StatusDegraded, status.Status)
	require.Contains(t, status.Dependencies, "reports")
	assert.Equal(t, observability.StatusUnhealthy, status.Dependencies["reports"].Status)
	assert.Equal(t, observability.StatusHealthy, status.Dependencies["store"].Status)
	assert.Positive(t, heads.Load())
}

func TestBuildApp_MetricsDisabled(t *testing.T) {
	cfg := memoryConfig()
	cfg.Observability.MetricsEnabled = false

	a, err := buildApp(context.Background(), cfg, observability.NopLogger())
	require.NoError(t, err)
	assert.Nil(t, a.metrics)
}

func TestBuildAlertChannel(t *testing.T) {
	logger := observability.NopLogger()
	provider := notify.NewLogProvider(logger)

	cfg := memoryConfig()
	channel, err := buildAlertChannel(cfg, provider, logger)
	require.NoError(t, err)
	assert.Equal(t, "log", channel.Name())

	cfg.Alerts.WebhookURL = "https://ops.bookflow.test/hooks/billing"
	cfg.Alerts.WebhookSecret = "secret"
	cfg.Alerts.EmailRecipients = []string{"ops@bookflow.test"}
	channel, err = buildAlertChannel(cfg, provider, logger)
	require.NoError(t, err)
	assert.Equal(t, "multi(webhook,email)", channel.Name())
}

func TestBuildArchiver_NoBucket(t *testing.T) {
	archiver, err := buildArchiver(memoryConfig(), nil)
	require.NoError(t, err)
	assert.IsType(t, reports.NoopArchiver{}, archiver)
}

func TestBuildEmailProvider(t *testing.T) {
	logger := observability.NopLogger()
	cfg := memoryConfig()

	provider, err := buildEmailProvider(cfg, logger)
	require.NoError(t, err)
	assert.IsType(t, &notify.LogProvider{}, provider)

	cfg.Email.Provider = config.EmailProviderSMTP
	cfg.Email.SMTPHost = "smtp.bookflow.test"
	provider, err = buildEmailProvider(cfg, logger)
	require.NoError(t, err)
	assert.IsType(t, &notify.SMTPProvider{}, provider)
}
