package config

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

type Common struct {
	Port        string `envconfig:"PORT" default:"8080"`
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
}

type Postgres struct {
	DBDSN                   string        `envconfig:"DB_DSN" required:"true"`
	DBPoolMaxConns          int32         `envconfig:"DB_POOL_MAX_CONNS" default:"10"`
	DBPoolMinConns          int32         `envconfig:"DB_POOL_MIN_CONNS" default:"0"`
	DBPoolMaxConnLifetime   time.Duration `envconfig:"DB_POOL_MAX_CONN_LIFETIME" default:"30m"`
	DBPoolMaxConnIdleTime   time.Duration `envconfig:"DB_POOL_MAX_CONN_IDLE_TIME" default:"5m"`
	DBPoolHealthCheckPeriod time.Duration `envconfig:"DB_POOL_HEALTH_CHECK_PERIOD" default:"30s"`
}

type Redis struct {
	RedisURL      string `envconfig:"REDIS_URL"`
	RedisPoolSize int    `envconfig:"REDIS_POOL_SIZE" default:"10"`
}

type AWS struct {
	AWSRegion          string `envconfig:"AWS_REGION" default:"us-east-1"`
	LocalstackEndpoint string `envconfig:"LOCALSTACK_ENDPOINT"`
}

type Consumer struct {
	SQSWaitTime       int32 `envconfig:"SQS_WAIT_TIME" default:"20"`
	SQSMaxMsgs        int32 `envconfig:"SQS_MAX_MSGS" default:"10"`
	SQSVizTimeout     int32 `envconfig:"SQS_VISIBILITY_TIMEOUT" default:"60"`
	WorkerConcurrency int   `envconfig:"WORKER_CONCURRENCY" default:"20"`
}

type Providers struct {
	TwilioAccountSID          string `envconfig:"TWILIO_ACCOUNT_SID"`
	TwilioAuthToken           string `envconfig:"TWILIO_AUTH_TOKEN"`
	TwilioMessagingServiceSID string `envconfig:"TWILIO_MESSAGING_SERVICE_SID"`
	TwilioFromNumber          string `envconfig:"TWILIO_FROM_NUMBER"`
	TwilioBaseURL             string `envconfig:"TWILIO_BASE_URL" default:"https://api.twilio.com"`

	SendGridAPIKey    string `envconfig:"SENDGRID_API_KEY"`
	SendGridFromEmail string `envconfig:"SENDGRID_FROM_EMAIL"`
	SendGridFromName  string `envconfig:"SENDGRID_FROM_NAME"`
	SendGridBaseURL   string `envconfig:"SENDGRID_BASE_URL" default:"https://api.sendgrid.com"`

	ProviderRPSPerPod   float64       `envconfig:"PROVIDER_RPS_PER_POD" default:"5"`
	ProviderBurst       int           `envconfig:"PROVIDER_BURST" default:"10"`
	ProviderCallTimeout time.Duration `envconfig:"PROVIDER_CALL_TIMEOUT" default:"6s"`
	BreakerFailures     uint32        `envconfig:"BREAKER_CONSECUTIVE_FAILURES" default:"10"`
	BreakerOpenFor      time.Duration `envconfig:"BREAKER_OPEN_FOR" default:"20s"`

	// StatusCallbackURL is handed to Twilio per message.
	StatusCallbackURL string `envconfig:"STATUS_CALLBACK_URL"`
	TrackingBaseURL   string `envconfig:"TRACKING_BASE_URL"`
}

type Dispatch struct {
	DispatchTimeout time.Duration `envconfig:"DISPATCH_TIMEOUT" default:"15s"`

	// IdempotencyBackend is "postgres" or "redis".
	IdempotencyBackend   string        `envconfig:"IDEMPOTENCY_BACKEND" default:"postgres"`
	IdempotencyRetention time.Duration `envconfig:"IDEMPOTENCY_RETENTION" default:"24h"`
	IdempotencyClaimTTL  time.Duration `envconfig:"IDEMPOTENCY_CLAIM_TTL" default:"30s"`

	// TenantDispatchLimit of 0 disables the per-company quota.
	TenantDispatchLimit  int           `envconfig:"TENANT_DISPATCH_LIMIT" default:"0"`
	TenantDispatchWindow time.Duration `envconfig:"TENANT_DISPATCH_WINDOW" default:"1m"`
	RateLimitOnFailure   string        `envconfig:"RATE_LIMIT_ON_FAILURE" default:"open"`

	WatchEnabled     bool          `envconfig:"WATCH_ENABLED" default:"true"`
	WatchInterval    time.Duration `envconfig:"WATCH_INTERVAL" default:"5s"`
	WatchMaxAttempts int           `envconfig:"WATCH_MAX_ATTEMPTS" default:"5"`
	WatchMaxDuration time.Duration `envconfig:"WATCH_MAX_DURATION" default:"10m"`
}

type APIConfig struct {
	Common
	Postgres
	Redis
	AWS
	Providers
	Dispatch

	// SQSQueueURL receives batch dispatch jobs; batch is disabled when empty.
	SQSQueueURL string `envconfig:"SQS_QUEUE_URL"`

	APIRateLimit            int           `envconfig:"API_RATE_LIMIT" default:"120"`
	APIRateWindow           time.Duration `envconfig:"API_RATE_WINDOW" default:"1m"`
	TrackingDefaultRedirect string        `envconfig:"TRACKING_DEFAULT_REDIRECT" default:"https://example.com"`
}

type WorkerConfig struct {
	Common
	Postgres
	Redis
	AWS
	Consumer
	Providers
	Dispatch

	SQSQueueURL     string        `envconfig:"SQS_QUEUE_URL" required:"true"`
	JanitorInterval time.Duration `envconfig:"JANITOR_INTERVAL" default:"10m"`
}

type WebhookConfig struct {
	Common
	Postgres
	AWS

	// Webhook signature verification
	TwilioAuthToken          string `envconfig:"TWILIO_AUTH_TOKEN" required:"true"`
	PublicWebhookURL         string `envconfig:"PUBLIC_WEBHOOK_URL" required:"true"` // must match EXACT URL configured in Twilio
	SendGridWebhookPublicKey string `envconfig:"SENDGRID_WEBHOOK_PUBLIC_KEY"`

	// WebhookEventsQueueURL buffers events to SQS; empty applies them inline.
	WebhookEventsQueueURL string `envconfig:"WEBHOOK_EVENTS_QUEUE_URL"`
}

type WebhookProcessorConfig struct {
	Common
	Postgres
	AWS
	Consumer

	WebhookEventsQueueURL string        `envconfig:"WEBHOOK_EVENTS_QUEUE_URL" required:"true"`
	RetryUnknownFor       time.Duration `envconfig:"RETRY_UNKNOWN_FOR" default:"5m"`
}

type MigrateConfig struct {
	DBDSN     string `envconfig:"DB_DSN" required:"true"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"text"`
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
}

// Load reads ENV_FILE (default .env) when present, then fills cfg from the
// environment. Variables already set win over the file.
func Load(cfg any) error {
	path := os.Getenv("ENV_FILE")
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("env file not loaded", "path", path, "err", err)
	}
	return envconfig.Process("", cfg)
}

func mustLoad[T any]() T {
	var cfg T
	if err := Load(&cfg); err != nil {
		panic(err)
	}
	return cfg
}

func LoadAPI() APIConfig { return mustLoad[APIConfig]() }

func LoadWorker() WorkerConfig { return mustLoad[WorkerConfig]() }

func LoadWebhook() WebhookConfig { return mustLoad[WebhookConfig]() }

func LoadWebhookProcessor() WebhookProcessorConfig { return mustLoad[WebhookProcessorConfig]() }

func LoadMigrate() MigrateConfig { return mustLoad[MigrateConfig]() }
