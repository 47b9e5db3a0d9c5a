// Package config defines the configuration for the escrow notification
// service. Configuration is loaded once at process startup and is immutable
// thereafter, following 12-Factor principles: values come from the OS
// environment, optionally seeded from a local .env file.
//
// Any missing required value or invalid format fails startup immediately.
package config

import "time"

// Config is the top-level configuration struct. It is populated once during
// process initialization and never modified. Sub-components receive only the
// config subsets they require.
type Config struct {
	Environment string `envconfig:"APP_ENV" default:"local" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"escrow-notify"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`

	Server   ServerConfig
	Database DatabaseConfig
	Queue    QueueConfig
	SMS      SMSConfig
	WhatsApp WhatsAppConfig
}

// ServerConfig holds the admin HTTP server settings. The admin surface serves
// the operator dashboard endpoints (queue stats, failed messages, manual
// retry) plus health and metrics.
type ServerConfig struct {
	Port            string        `envconfig:"PORT" default:"8080"`
	ShutdownTimeout time.Duration `envconfig:"SERVER_SHUTDOWN_TIMEOUT" default:"10s"`
}

// DatabaseConfig holds database connection and pool tuning parameters.
type DatabaseConfig struct {
	URL string `envconfig:"DATABASE_URL" validate:"required"`

	MaxConns        int           `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns        int           `envconfig:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
}

// QueueConfig tunes the notification queue's polling loop, retry policy, and
// the reaper that recovers messages stranded in processing.
type QueueConfig struct {
	PollInterval   time.Duration `envconfig:"QUEUE_POLL_INTERVAL" default:"10s"`
	BatchSize      int           `envconfig:"QUEUE_BATCH_SIZE" default:"10" validate:"gt=0"`
	MaxRetries     int           `envconfig:"QUEUE_MAX_RETRIES" default:"3" validate:"gt=0"`
	BaseRetryDelay time.Duration `envconfig:"QUEUE_BASE_RETRY_DELAY" default:"30s"`

	// A message claimed into processing for longer than ProcessingTimeout is
	// treated as stranded and routed back through the backoff state machine.
	ProcessingTimeout time.Duration `envconfig:"QUEUE_PROCESSING_TIMEOUT" default:"5m"`
	ReaperInterval    time.Duration `envconfig:"QUEUE_REAPER_INTERVAL" default:"1m"`
}

// SMSConfig holds the SNS-backed SMS transport settings.
type SMSConfig struct {
	Region   string `envconfig:"AWS_REGION" default:"us-east-1"`
	SenderID string `envconfig:"SMS_SENDER_ID" default:"ESCROW"`

	// LocalStack support (empty in prod).
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL"`
}

// WhatsAppConfig holds the WhatsApp Business API transport settings.
type WhatsAppConfig struct {
	BaseURL       string        `envconfig:"WHATSAPP_BASE_URL" default:"https://graph.facebook.com/v19.0"`
	PhoneNumberID string        `envconfig:"WHATSAPP_PHONE_NUMBER_ID"`
	AccessToken   string        `envconfig:"WHATSAPP_ACCESS_TOKEN"`
	Timeout       time.Duration `envconfig:"WHATSAPP_TIMEOUT" default:"10s"`
}
