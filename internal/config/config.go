// Package config loads the service configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all application configuration.
// Values are loaded from environment variables with sensible defaults.
type Config struct {
	// Server
	Port     int    `envconfig:"PORT" default:"8080"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
	// PublicBaseURL is the URL providers use to reach this service. Twilio
	// signatures are computed against it.
	PublicBaseURL string `envconfig:"PUBLIC_BASE_URL"`

	// HTTP client
	HTTPTimeout         time.Duration `envconfig:"HTTP_TIMEOUT" default:"10s"`
	ExternalCallTimeout time.Duration `envconfig:"EXTERNAL_CALL_TIMEOUT" default:"15s"`

	// Resilience
	MaxRetries     int           `envconfig:"MAX_RETRIES" default:"3"`
	InitialBackoff time.Duration `envconfig:"INITIAL_BACKOFF" default:"100ms"`
	MaxConcurrency int           `envconfig:"MAX_CONCURRENCY" default:"50"`

	// Cache
	CacheTTL time.Duration `envconfig:"CACHE_TTL" default:"5m"`

	// Observability
	OTLPEndpoint string `envconfig:"OTEL_EXPORTER_OTLP_ENDPOINT"`

	// Sandbox replaces the ERP and the payment gateway with in-memory fakes.
	Sandbox bool `envconfig:"SANDBOX" default:"false"`

	// Plex ERP
	PlexAPIURL      string `envconfig:"PLEX_API_URL"`
	PlexAPIUser     string `envconfig:"PLEX_API_USER"`
	PlexAPIPassword string `envconfig:"PLEX_API_PASSWORD"`

	// Payments
	PaymentsEnabled        bool   `envconfig:"PAYMENTS_ENABLED" default:"true"`
	MercadoPagoAPIURL      string `envconfig:"MERCADOPAGO_API_URL" default:"https://api.mercadopago.com"`
	MercadoPagoAccessToken string `envconfig:"MERCADOPAGO_ACCESS_TOKEN"`
	PaymentNotificationURL string `envconfig:"PAYMENT_NOTIFICATION_URL"`

	// Sessions
	RedisURL   string        `envconfig:"REDIS_URL"`
	SessionTTL time.Duration `envconfig:"SESSION_TTL" default:"24h"`

	// Database (vocabulary overrides and dedup)
	DatabaseDriver string        `envconfig:"DATABASE_DRIVER" default:"sqlite3"`
	DatabaseDSN    string        `envconfig:"DATABASE_DSN"`
	DedupRetention time.Duration `envconfig:"DEDUP_RETENTION" default:"72h"`

	// LLM
	OpenAIAPIKey string `envconfig:"OPENAI_API_KEY"`
	OpenAIModel  string `envconfig:"OPENAI_MODEL" default:"gpt-4o-mini"`

	// WhatsApp (Twilio)
	TwilioAccountSID string `envconfig:"TWILIO_ACCOUNT_SID"`
	TwilioAuthToken  string `envconfig:"TWILIO_AUTH_TOKEN"`
	TwilioFromNumber string `envconfig:"TWILIO_FROM_NUMBER"`

	// JWT / Auth
	JWTSecret    string        `envconfig:"JWT_SECRET"`
	JWTAccessTTL time.Duration `envconfig:"JWT_ACCESS_TTL" default:"15m"`

	// Conversations
	DefaultOrganizationID string `envconfig:"DEFAULT_ORGANIZATION_ID" default:"default"`
	MaxErrors             int    `envconfig:"MAX_ERRORS" default:"3"`
	VocabularyFile        string `envconfig:"VOCABULARY_FILE"`
}

// Load reads an optional .env file and then the environment. Variables
// already set in the environment win over the file.
func Load(dotenvFiles ...string) (*Config, error) {
	if len(dotenvFiles) == 0 {
		dotenvFiles = []string{".env"}
	}
	for _, f := range dotenvFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", f, err)
		}
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("process environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks combinations the struct tags cannot express.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("PORT out of range: %d", c.Port)
	}
	switch c.DatabaseDriver {
	case "postgres", "sqlite3":
	default:
		return fmt.Errorf("DATABASE_DRIVER must be postgres or sqlite3, got %q", c.DatabaseDriver)
	}
	if c.MaxErrors <= 0 {
		return fmt.Errorf("MAX_ERRORS must be positive")
	}
	if c.Sandbox {
		return nil
	}
	if c.PlexAPIURL == "" {
		return errors.New("PLEX_API_URL is required unless SANDBOX=true")
	}
	if c.PaymentsEnabled && c.MercadoPagoAccessToken == "" {
		return errors.New("MERCADOPAGO_ACCESS_TOKEN is required when PAYMENTS_ENABLED=true")
	}
	return nil
}

// TwilioEnabled reports whether outbound WhatsApp delivery is configured.
func (c *Config) TwilioEnabled() bool {
	return c.TwilioAccountSID != "" && c.TwilioAuthToken != "" && c.TwilioFromNumber != ""
}
