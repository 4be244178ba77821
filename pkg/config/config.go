package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/platinummonkey/bookflow/pkg/observability"
)

// Store backends
const (
	StoreDynamoDB = "dynamodb"
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// Gateway environments
const (
	EnvironmentIntegration = "integration"
	EnvironmentProduction  = "production"
)

// Email providers
const (
	EmailProviderSMTP = "smtp"
	EmailProviderLog  = "log"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Gateway       GatewayConfig       `yaml:"gateway"`
	Store         StoreConfig         `yaml:"store"`
	Redis         RedisConfig         `yaml:"redis"`
	Billing       BillingConfig       `yaml:"billing"`
	Alerts        AlertsConfig        `yaml:"alerts"`
	Email         EmailConfig         `yaml:"email"`
	Scheduler     SchedulerConfig     `yaml:"scheduler"`
	Reports       ReportsConfig       `yaml:"reports"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig holds the operational HTTP server configuration
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            string        `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// GatewayConfig holds payment gateway credentials. Empty codes and key in
// the integration environment fall back to the public test credentials.
type GatewayConfig struct {
	Environment          string        `yaml:"environment"`
	BaseURL              string        `yaml:"base_url"`
	CommerceCode         string        `yaml:"commerce_code"`
	OneClickCommerceCode string        `yaml:"oneclick_commerce_code"`
	ChildCommerceCode    string        `yaml:"child_commerce_code"`
	APIKey               string        `yaml:"api_key"`
	Timeout              time.Duration `yaml:"timeout"`
}

// StoreConfig selects and configures the subscription store backend
type StoreConfig struct {
	Type               string        `yaml:"type"`
	DynamoTable        string        `yaml:"dynamo_table"`
	DynamoEndpoint     string        `yaml:"dynamo_endpoint"`
	AWSRegion          string        `yaml:"aws_region"`
	AWSAccessKeyID     string        `yaml:"aws_access_key_id"`
	AWSSecretAccessKey string        `yaml:"aws_secret_access_key"`
	PostgresURL        string        `yaml:"postgres_url"`
	PostgresMaxConns   int           `yaml:"postgres_max_conns"`
	PostgresTimeout    time.Duration `yaml:"postgres_timeout"`
}

// RedisConfig configures the attempt ledger and run lock. An empty URL
// selects the in-memory ledger and disables locking.
type RedisConfig struct {
	URL          string        `yaml:"url"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	PoolSize     int           `yaml:"pool_size"`
	AttemptTTL   time.Duration `yaml:"attempt_ttl"`
	AttemptLimit int           `yaml:"attempt_limit"`
}

// BillingConfig holds the daily run policy
type BillingConfig struct {
	// MaxRetryAttempts has no default and must be set explicitly.
	MaxRetryAttempts  int           `yaml:"max_retry_attempts"`
	RetryInitialDelay time.Duration `yaml:"retry_initial_delay"`
	RetryMaxDelay     time.Duration `yaml:"retry_max_delay"`
	RetryMultiplier   float64       `yaml:"retry_multiplier"`
	TrialNoticeWindow time.Duration `yaml:"trial_notice_window"`
	RunBudget         time.Duration `yaml:"run_budget"`
}

// AlertsConfig holds analyzer thresholds and delivery channels
type AlertsConfig struct {
	FailureRateThreshold        float64       `yaml:"failure_rate_threshold"`
	CriticalFailureRate         float64       `yaml:"critical_failure_rate"`
	MinSampleSize               int           `yaml:"min_sample_size"`
	ConsecutiveFailureThreshold int           `yaml:"consecutive_failure_threshold"`
	FraudWindow                 time.Duration `yaml:"fraud_window"`
	FraudDistinctCards          int           `yaml:"fraud_distinct_cards"`
	FraudSharedErrorOrgs        int           `yaml:"fraud_shared_error_orgs"`

	WebhookURL         string        `yaml:"webhook_url"`
	WebhookSecret      string        `yaml:"webhook_secret"`
	WebhookMaxAttempts int           `yaml:"webhook_max_attempts"`
	WebhookTimeout     time.Duration `yaml:"webhook_timeout"`
	EmailRecipients    []string      `yaml:"email_recipients"`
}

// EmailConfig configures the customer email provider
type EmailConfig struct {
	Provider   string `yaml:"provider"`
	SMTPHost   string `yaml:"smtp_host"`
	SMTPPort   int    `yaml:"smtp_port"`
	Username   string `yaml:"username"`
	Password   string `yaml:"password"`
	From       string `yaml:"from"`
	FromName   string `yaml:"from_name"`
	SupportURL string `yaml:"support_url"`
}

// SchedulerConfig configures the daily trigger
type SchedulerConfig struct {
	Schedule string        `yaml:"schedule"`
	LockTTL  time.Duration `yaml:"lock_ttl"`
	// TriggerToken guards POST /billing/run. Empty disables the endpoint.
	TriggerToken string `yaml:"trigger_token"`
}

// ReportsConfig configures the S3 run report archive. An empty bucket
// disables archiving.
type ReportsConfig struct {
	Bucket       string `yaml:"bucket"`
	Prefix       string `yaml:"prefix"`
	S3Endpoint   string `yaml:"s3_endpoint"`
	UsePathStyle bool   `yaml:"use_path_style"`
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel       string `yaml:"log_level"`
	MetricsEnabled bool   `yaml:"metrics_enabled"`

	OTelEnabled        bool    `yaml:"otel_enabled"`
	OTelEndpoint       string  `yaml:"otel_endpoint"`
	OTelServiceName    string  `yaml:"otel_service_name"`
	OTelServiceVersion string  `yaml:"otel_service_version"`
	OTelInsecure       bool    `yaml:"otel_insecure"`
	OTelSampleRatio    float64 `yaml:"otel_sample_ratio"`
}

// Level returns the parsed log level
func (o ObservabilityConfig) Level() observability.LogLevel {
	return observability.ParseLogLevel(o.LogLevel)
}

// Default returns the built-in defaults, before any file or environment overlay
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            "8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Minute,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Gateway: GatewayConfig{
			Environment: EnvironmentIntegration,
			Timeout:     30 * time.Second,
		},
		Store: StoreConfig{
			Type:             StoreDynamoDB,
			DynamoTable:      "bookflow-subscriptions",
			AWSRegion:        "us-east-1",
			PostgresMaxConns: 10,
			PostgresTimeout:  5 * time.Second,
		},
		Redis: RedisConfig{
			PoolSize:     10,
			AttemptTTL:   90 * 24 * time.Hour,
			AttemptLimit: 50,
		},
		Billing: BillingConfig{
			RetryInitialDelay: 24 * time.Hour,
			RetryMaxDelay:     7 * 24 * time.Hour,
			RetryMultiplier:   2.0,
			TrialNoticeWindow: 24 * time.Hour,
			RunBudget:         14 * time.Minute,
		},
		Alerts: AlertsConfig{
			FailureRateThreshold:        0.30,
			CriticalFailureRate:         0.50,
			MinSampleSize:               5,
			ConsecutiveFailureThreshold: 3,
			FraudWindow:                 24 * time.Hour,
			FraudDistinctCards:          3,
			FraudSharedErrorOrgs:        5,
			WebhookMaxAttempts:          3,
			WebhookTimeout:              10 * time.Second,
		},
		Email: EmailConfig{
			Provider: EmailProviderLog,
			SMTPPort: 587,
			From:     "billing@bookflow.cl",
			FromName: "BookFlow",
		},
		Scheduler: SchedulerConfig{
			Schedule: "cron(0 9 * * ? *)",
			LockTTL:  20 * time.Minute,
		},
		Observability: ObservabilityConfig{
			LogLevel:           "info",
			MetricsEnabled:     true,
			OTelEndpoint:       "localhost:4317",
			OTelServiceName:    "bookflow-billing",
			OTelServiceVersion: "1.0.0",
			OTelInsecure:       true,
			OTelSampleRatio:    1.0,
		},
	}
}

// LoadConfig loads configuration from the optional YAML file named by
// BOOKFLOW_CONFIG_FILE and then from environment variables, which win.
func LoadConfig() (*Config, error) {
	cfg := Default()

	if path := getEnv("BOOKFLOW_CONFIG_FILE", ""); path != "" {
		if err := loadFile(path, cfg); err != nil {
			return nil, err
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	s := &cfg.Server
	s.Host = getEnv("BOOKFLOW_HOST", s.Host)
	s.Port = getEnv("BOOKFLOW_PORT", s.Port)
	s.ReadTimeout = getEnvDuration("BOOKFLOW_READ_TIMEOUT", s.ReadTimeout)
	s.WriteTimeout = getEnvDuration("BOOKFLOW_WRITE_TIMEOUT", s.WriteTimeout)
	s.IdleTimeout = getEnvDuration("BOOKFLOW_IDLE_TIMEOUT", s.IdleTimeout)
	s.ShutdownTimeout = getEnvDuration("BOOKFLOW_SHUTDOWN_TIMEOUT", s.ShutdownTimeout)

	g := &cfg.Gateway
	g.Environment = strings.ToLower(getEnv("BOOKFLOW_GATEWAY_ENVIRONMENT", g.Environment))
	g.BaseURL = getEnv("BOOKFLOW_GATEWAY_BASE_URL", g.BaseURL)
	g.CommerceCode = getEnv("BOOKFLOW_GATEWAY_COMMERCE_CODE", g.CommerceCode)
	g.OneClickCommerceCode = getEnv("BOOKFLOW_GATEWAY_ONECLICK_COMMERCE_CODE", g.OneClickCommerceCode)
	g.ChildCommerceCode = getEnv("BOOKFLOW_GATEWAY_CHILD_COMMERCE_CODE", g.ChildCommerceCode)
	g.APIKey = getEnv("BOOKFLOW_GATEWAY_API_KEY", g.APIKey)
	g.Timeout = getEnvDuration("BOOKFLOW_GATEWAY_TIMEOUT", g.Timeout)

	st := &cfg.Store
	st.Type = strings.ToLower(getEnv("BOOKFLOW_STORE_TYPE", st.Type))
	st.DynamoTable = getEnv("BOOKFLOW_DYNAMODB_TABLE", st.DynamoTable)
	st.DynamoEndpoint = getEnv("BOOKFLOW_DYNAMODB_ENDPOINT", st.DynamoEndpoint)
	st.AWSRegion = getEnv("BOOKFLOW_AWS_REGION", st.AWSRegion)
	st.AWSAccessKeyID = getEnv("BOOKFLOW_AWS_ACCESS_KEY_ID", st.AWSAccessKeyID)
	st.AWSSecretAccessKey = getEnv("BOOKFLOW_AWS_SECRET_ACCESS_KEY", st.AWSSecretAccessKey)
	st.PostgresURL = getEnv("BOOKFLOW_POSTGRES_URL", st.PostgresURL)
	st.PostgresMaxConns = getEnvInt("BOOKFLOW_POSTGRES_MAX_CONNS", st.PostgresMaxConns)
	st.PostgresTimeout = getEnvDuration("BOOKFLOW_POSTGRES_TIMEOUT", st.PostgresTimeout)

	r := &cfg.Redis
	r.URL = getEnv("BOOKFLOW_REDIS_URL", r.URL)
	r.Password = getEnv("BOOKFLOW_REDIS_PASSWORD", r.Password)
	r.DB = getEnvInt("BOOKFLOW_REDIS_DB", r.DB)
	r.PoolSize = getEnvInt("BOOKFLOW_REDIS_POOL_SIZE", r.PoolSize)
	r.AttemptTTL = getEnvDuration("BOOKFLOW_REDIS_ATTEMPT_TTL", r.AttemptTTL)
	r.AttemptLimit = getEnvInt("BOOKFLOW_REDIS_ATTEMPT_LIMIT", r.AttemptLimit)

	b := &cfg.Billing
	b.MaxRetryAttempts = getEnvInt("BOOKFLOW_BILLING_MAX_RETRY_ATTEMPTS", b.MaxRetryAttempts)
	b.RetryInitialDelay = getEnvDuration("BOOKFLOW_BILLING_RETRY_INITIAL_DELAY", b.RetryInitialDelay)
	b.RetryMaxDelay = getEnvDuration("BOOKFLOW_BILLING_RETRY_MAX_DELAY", b.RetryMaxDelay)
	b.RetryMultiplier = getEnvFloat("BOOKFLOW_BILLING_RETRY_MULTIPLIER", b.RetryMultiplier)
	b.TrialNoticeWindow = getEnvDuration("BOOKFLOW_BILLING_TRIAL_NOTICE_WINDOW", b.TrialNoticeWindow)
	b.RunBudget = getEnvDuration("BOOKFLOW_BILLING_RUN_BUDGET", b.RunBudget)

	a := &cfg.Alerts
	a.FailureRateThreshold = getEnvFloat("BOOKFLOW_ALERTS_FAILURE_RATE_THRESHOLD", a.FailureRateThreshold)
	a.CriticalFailureRate = getEnvFloat("BOOKFLOW_ALERTS_CRITICAL_FAILURE_RATE", a.CriticalFailureRate)
	a.MinSampleSize = getEnvInt("BOOKFLOW_ALERTS_MIN_SAMPLE_SIZE", a.MinSampleSize)
	a.ConsecutiveFailureThreshold = getEnvInt("BOOKFLOW_ALERTS_CONSECUTIVE_FAILURES", a.ConsecutiveFailureThreshold)
	a.FraudWindow = getEnvDuration("BOOKFLOW_ALERTS_FRAUD_WINDOW", a.FraudWindow)
	a.FraudDistinctCards = getEnvInt("BOOKFLOW_ALERTS_FRAUD_DISTINCT_CARDS", a.FraudDistinctCards)
	a.FraudSharedErrorOrgs = getEnvInt("BOOKFLOW_ALERTS_FRAUD_SHARED_ERROR_ORGS", a.FraudSharedErrorOrgs)
	a.WebhookURL = getEnv("BOOKFLOW_ALERTS_WEBHOOK_URL", a.WebhookURL)
	a.WebhookSecret = getEnv("BOOKFLOW_ALERTS_WEBHOOK_SECRET", a.WebhookSecret)
	a.WebhookMaxAttempts = getEnvInt("BOOKFLOW_ALERTS_WEBHOOK_MAX_ATTEMPTS", a.WebhookMaxAttempts)
	a.WebhookTimeout = getEnvDuration("BOOKFLOW_ALERTS_WEBHOOK_TIMEOUT", a.WebhookTimeout)
	a.EmailRecipients = getEnvList("BOOKFLOW_ALERTS_EMAIL_RECIPIENTS", a.EmailRecipients)

	e := &cfg.Email
	e.Provider = strings.ToLower(getEnv("BOOKFLOW_EMAIL_PROVIDER", e.Provider))
	e.SMTPHost = getEnv("BOOKFLOW_SMTP_HOST", e.SMTPHost)
	e.SMTPPort = getEnvInt("BOOKFLOW_SMTP_PORT", e.SMTPPort)
	e.Username = getEnv("BOOKFLOW_SMTP_USERNAME", e.Username)
	e.Password = getEnv("BOOKFLOW_SMTP_PASSWORD", e.Password)
	e.From = getEnv("BOOKFLOW_EMAIL_FROM", e.From)
	e.FromName = getEnv("BOOKFLOW_EMAIL_FROM_NAME", e.FromName)
	e.SupportURL = getEnv("BOOKFLOW_EMAIL_SUPPORT_URL", e.SupportURL)

	sc := &cfg.Scheduler
	sc.Schedule = getEnv("BOOKFLOW_SCHEDULE", sc.Schedule)
	sc.LockTTL = getEnvDuration("BOOKFLOW_LOCK_TTL", sc.LockTTL)
	sc.TriggerToken = getEnv("BOOKFLOW_TRIGGER_TOKEN", sc.TriggerToken)

	rp := &cfg.Reports
	rp.Bucket = getEnv("BOOKFLOW_REPORTS_BUCKET", rp.Bucket)
	rp.Prefix = getEnv("BOOKFLOW_REPORTS_PREFIX", rp.Prefix)
	rp.S3Endpoint = getEnv("BOOKFLOW_REPORTS_S3_ENDPOINT", rp.S3Endpoint)
	rp.UsePathStyle = getEnvBool("BOOKFLOW_REPORTS_USE_PATH_STYLE", rp.UsePathStyle)

	o := &cfg.Observability
	o.LogLevel = getEnv("BOOKFLOW_LOG_LEVEL", o.LogLevel)
	o.MetricsEnabled = getEnvBool("BOOKFLOW_METRICS_ENABLED", o.MetricsEnabled)
	o.OTelEnabled = getEnvBool("BOOKFLOW_OTEL_ENABLED", o.OTelEnabled)
	o.OTelEndpoint = getEnv("BOOKFLOW_OTEL_ENDPOINT", o.OTelEndpoint)
	o.OTelServiceName = getEnv("BOOKFLOW_OTEL_SERVICE_NAME", o.OTelServiceName)
	o.OTelServiceVersion = getEnv("BOOKFLOW_OTEL_SERVICE_VERSION", o.OTelServiceVersion)
	o.OTelInsecure = getEnvBool("BOOKFLOW_OTEL_INSECURE", o.OTelInsecure)
	o.OTelSampleRatio = getEnvFloat("BOOKFLOW_OTEL_SAMPLE_RATIO", o.OTelSampleRatio)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}

	switch c.Gateway.Environment {
	case EnvironmentIntegration:
	case EnvironmentProduction:
		if c.Gateway.CommerceCode == "" || c.Gateway.OneClickCommerceCode == "" || c.Gateway.APIKey == "" {
			return fmt.Errorf("production gateway requires commerce codes and API key")
		}
	default:
		return fmt.Errorf("invalid gateway environment: %s (must be integration or production)", c.Gateway.Environment)
	}

	switch c.Store.Type {
	case StoreDynamoDB:
		if c.Store.DynamoTable == "" {
			return fmt.Errorf("dynamodb table is required for dynamodb store")
		}
	case StorePostgres:
		if c.Store.PostgresURL == "" {
			return fmt.Errorf("postgres URL is required for postgres store")
		}
	case StoreMemory:
	default:
		return fmt.Errorf("invalid store type: %s (must be dynamodb, postgres, or memory)", c.Store.Type)
	}

	if c.Billing.MaxRetryAttempts <= 0 {
		return fmt.Errorf("BOOKFLOW_BILLING_MAX_RETRY_ATTEMPTS is required and must be positive")
	}
	if c.Billing.RetryMultiplier < 1 {
		return fmt.Errorf("billing retry multiplier must be >= 1")
	}
	if c.Billing.TrialNoticeWindow <= 0 {
		return fmt.Errorf("trial notice window must be positive")
	}
	if c.Billing.RunBudget <= 0 {
		return fmt.Errorf("run budget must be positive")
	}

	if !validRatio(c.Alerts.FailureRateThreshold) || !validRatio(c.Alerts.CriticalFailureRate) {
		return fmt.Errorf("alert failure rates must be within (0, 1]")
	}
	if c.Alerts.CriticalFailureRate < c.Alerts.FailureRateThreshold {
		return fmt.Errorf("critical failure rate must not be below the failure rate threshold")
	}
	if c.Alerts.MinSampleSize < 1 || c.Alerts.ConsecutiveFailureThreshold < 1 {
		return fmt.Errorf("alert sample size and consecutive failure threshold must be positive")
	}
	if c.Alerts.WebhookURL != "" && c.Alerts.WebhookSecret == "" {
		return fmt.Errorf("alert webhook secret is required when a webhook URL is set")
	}

	switch c.Email.Provider {
	case EmailProviderLog:
	case EmailProviderSMTP:
		if c.Email.SMTPHost == "" || c.Email.From == "" {
			return fmt.Errorf("SMTP host and from address are required for smtp email provider")
		}
	default:
		return fmt.Errorf("invalid email provider: %s (must be smtp or log)", c.Email.Provider)
	}

	if c.Scheduler.Schedule == "" {
		return fmt.Errorf("schedule is required")
	}
	if c.Scheduler.LockTTL <= c.Billing.RunBudget {
		return fmt.Errorf("run lock TTL must exceed the run budget")
	}

	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
	}

	return nil
}

func validRatio(v float64) bool {
	return v > 0 && v <= 1
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvFloat returns a float environment variable or a default
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// getEnvList returns a comma separated environment variable or a default
func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
