// Package config provides configuration loading and validation for the
// reconciliation service. It uses koanf to merge environment variables with
// optional file overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config holds all configuration values for the service.
type Config struct {
	// Server settings
	Port int    `koanf:"port"`
	Env  string `koanf:"env"`

	// Storage
	DatabaseURL string `koanf:"database_url"`
	RedisURL    string `koanf:"redis_url"`

	// Internal API authentication
	JWTSecret         string `koanf:"jwt_secret"`
	JWTSecretPrevious string `koanf:"jwt_secret_previous"`

	// TokenEncryptionKey is the base64 AES-256 key sealing seller tokens at rest.
	TokenEncryptionKey string `koanf:"token_encryption_key"`

	// Mercado Pago
	MercadoPagoClientID      string `koanf:"mercadopago_client_id"`
	MercadoPagoClientSecret  string `koanf:"mercadopago_client_secret"`
	MercadoPagoWebhookSecret string `koanf:"mercadopago_webhook_secret"`
	MercadoPagoAccessToken   string `koanf:"mercadopago_access_token"`
	MercadoPagoBaseURL       string `koanf:"mercadopago_base_url"`

	// Stripe Connect
	StripeAPIKey        string        `koanf:"stripe_api_key"`
	StripeWebhookSecret string        `koanf:"stripe_webhook_secret"`
	StripeTokenTTL      time.Duration `koanf:"stripe_token_ttl"`

	// SignatureVerificationDisabled turns off webhook signature checks.
	// Refused in production.
	SignatureVerificationDisabled bool `koanf:"signature_verification_disabled"`

	// Processing
	ProviderHTTPTimeout time.Duration `koanf:"provider_http_timeout"`
	WorkerCount         int           `koanf:"worker_count"`
	QueueSize           int           `koanf:"queue_size"`
	RecoveryInterval    time.Duration `koanf:"recovery_interval"`
	RecoveryStaleAfter  time.Duration `koanf:"recovery_stale_after"`
	RefundRateLimit     int           `koanf:"refund_rate_limit"` // refunds per tenant per minute

	// Status change events
	EventsTransport string   `koanf:"events_transport"`
	KafkaBrokers    []string `koanf:"kafka_brokers"`
	KafkaTopic      string   `koanf:"kafka_topic"`
	AMQPURL         string   `koanf:"amqp_url"`
	AMQPExchange    string   `koanf:"amqp_exchange"`

	// Raw payload archive (S3 compatible)
	ArchiveBucket          string `koanf:"archive_bucket"`
	ArchiveEndpoint        string `koanf:"archive_endpoint"`
	ArchiveAccessKeyID     string `koanf:"archive_access_key_id"`
	ArchiveSecretAccessKey string `koanf:"archive_secret_access_key"`

	// Tracing
	TracingEnabled    bool    `koanf:"tracing_enabled"`
	TracingExporter   string  `koanf:"tracing_exporter"`
	TracingEndpoint   string  `koanf:"tracing_endpoint"`
	TracingSampleRate float64 `koanf:"tracing_sample_rate"`
	TracingInsecure   bool    `koanf:"tracing_insecure"`
}

// Configuration validation errors.
var (
	ErrMissingDatabaseURL             = errors.New("DATABASE_URL is required")
	ErrMissingJWTSecret               = errors.New("JWT_SECRET is required")
	ErrMissingTokenEncryptionKey      = errors.New("TOKEN_ENCRYPTION_KEY is required")
	ErrMissingProvider                = errors.New("at least one of MERCADOPAGO_CLIENT_ID or STRIPE_API_KEY is required")
	ErrMissingMercadoPagoClientSecret = errors.New("MERCADOPAGO_CLIENT_SECRET is required")
	ErrMissingMercadoPagoWebhook      = errors.New("MERCADOPAGO_WEBHOOK_SECRET is required")
	ErrMissingStripeWebhookSecret     = errors.New("STRIPE_WEBHOOK_SECRET is required")
	ErrSignatureDisabledInProduction  = errors.New("SIGNATURE_VERIFICATION_DISABLED cannot be set in production")
	ErrInvalidEventsTransport         = errors.New("EVENTS_TRANSPORT must be none, kafka or rabbitmq")
	ErrMissingKafkaBrokers            = errors.New("KAFKA_BROKERS is required for the kafka transport")
	ErrMissingAMQPURL                 = errors.New("AMQP_URL is required for the rabbitmq transport")
	ErrMissingArchiveBucket           = errors.New("ARCHIVE_BUCKET is required")
	ErrMissingArchiveAccessKeyID      = errors.New("ARCHIVE_ACCESS_KEY_ID is required")
	ErrMissingArchiveSecretAccessKey  = errors.New("ARCHIVE_SECRET_ACCESS_KEY is required")
	ErrInvalidSampleRate              = errors.New("TRACING_SAMPLE_RATE must be between 0 and 1")
	ErrInvalidPort                    = errors.New("PORT must be a valid integer")
	ErrInvalidDuration                = errors.New("must be a valid duration")
)

// Default values for non-secret configuration.
const (
	DefaultPort                = 8080
	DefaultEnv                 = "development"
	DefaultProviderHTTPTimeout = 12 * time.Second
	DefaultWorkerCount         = 4
	DefaultQueueSize           = 256
	DefaultRecoveryInterval    = time.Minute
	DefaultRecoveryStaleAfter  = 2 * time.Minute
	DefaultRefundRateLimit     = 30
	DefaultStripeTokenTTL      = 365 * 24 * time.Hour
	DefaultEventsTransport     = "none"
	DefaultTracingExporter     = "otlp-http"
	DefaultTracingSampleRate   = 0.1
)

// Load reads configuration from environment variables and an optional config file.
// Environment variables take precedence over file values.
// Returns the loaded config and a slice of validation errors (empty if valid).
// If a config file path is provided and the file cannot be loaded, an error is returned.
func Load(configFilePath string) (*Config, []error) {
	k := koanf.New(".")
	var loadErrs []error
	collect := func(err error) {
		if err != nil {
			loadErrs = append(loadErrs, err)
		}
	}

	if configFilePath != "" {
		if err := k.Load(file.Provider(configFilePath), yaml.Parser()); err != nil {
			return nil, []error{fmt.Errorf("failed to load config file %s: %w", configFilePath, err)}
		}
	}

	port, err := getEnvIntOrDefaultMulti([]string{"SLOTPAY_PORT", "PORT"}, k.Int("port"), DefaultPort)
	collect(err)
	workers, err := getEnvIntOrDefault("WORKER_COUNT", k.Int("worker_count"), DefaultWorkerCount)
	collect(err)
	queueSize, err := getEnvIntOrDefault("QUEUE_SIZE", k.Int("queue_size"), DefaultQueueSize)
	collect(err)
	refundLimit, err := getEnvIntOrDefault("REFUND_RATE_LIMIT", k.Int("refund_rate_limit"), DefaultRefundRateLimit)
	collect(err)

	httpTimeout, err := getEnvDurationOrDefault("PROVIDER_HTTP_TIMEOUT", k, "provider_http_timeout", DefaultProviderHTTPTimeout)
	collect(err)
	recoveryInterval, err := getEnvDurationOrDefault("RECOVERY_INTERVAL", k, "recovery_interval", DefaultRecoveryInterval)
	collect(err)
	recoveryStale, err := getEnvDurationOrDefault("RECOVERY_STALE_AFTER", k, "recovery_stale_after", DefaultRecoveryStaleAfter)
	collect(err)
	stripeTTL, err := getEnvDurationOrDefault("STRIPE_TOKEN_TTL", k, "stripe_token_ttl", DefaultStripeTokenTTL)
	collect(err)

	sampleRate, err := getEnvFloatOrDefault("TRACING_SAMPLE_RATE", k.Float64("tracing_sample_rate"), DefaultTracingSampleRate)
	collect(err)

	cfg := &Config{
		Port:                          port,
		Env:                           getEnvOrDefaultMulti([]string{"SLOTPAY_ENV", "ENV", "GO_ENV"}, k.String("env"), DefaultEnv),
		DatabaseURL:                   getEnvOrKoanf("DATABASE_URL", k, "database_url"),
		RedisURL:                      getEnvOrKoanf("REDIS_URL", k, "redis_url"),
		JWTSecret:                     getEnvOrKoanf("JWT_SECRET", k, "jwt_secret"),
		JWTSecretPrevious:             getEnvOrKoanf("JWT_SECRET_PREVIOUS", k, "jwt_secret_previous"),
		TokenEncryptionKey:            getEnvOrKoanf("TOKEN_ENCRYPTION_KEY", k, "token_encryption_key"),
		MercadoPagoClientID:           getEnvOrKoanf("MERCADOPAGO_CLIENT_ID", k, "mercadopago_client_id"),
		MercadoPagoClientSecret:       getEnvOrKoanf("MERCADOPAGO_CLIENT_SECRET", k, "mercadopago_client_secret"),
		MercadoPagoWebhookSecret:      getEnvOrKoanf("MERCADOPAGO_WEBHOOK_SECRET", k, "mercadopago_webhook_secret"),
		MercadoPagoAccessToken:        getEnvOrKoanf("MERCADOPAGO_ACCESS_TOKEN", k, "mercadopago_access_token"),
		MercadoPagoBaseURL:            getEnvOrKoanf("MERCADOPAGO_BASE_URL", k, "mercadopago_base_url"),
		StripeAPIKey:                  getEnvOrKoanf("STRIPE_API_KEY", k, "stripe_api_key"),
		StripeWebhookSecret:           getEnvOrKoanf("STRIPE_WEBHOOK_SECRET", k, "stripe_webhook_secret"),
		StripeTokenTTL:                stripeTTL,
		SignatureVerificationDisabled: getEnvBoolOrKoanf("SIGNATURE_VERIFICATION_DISABLED", k, "signature_verification_disabled", false),
		ProviderHTTPTimeout:           httpTimeout,
		WorkerCount:                   workers,
		QueueSize:                     queueSize,
		RecoveryInterval:              recoveryInterval,
		RecoveryStaleAfter:            recoveryStale,
		RefundRateLimit:               refundLimit,
		EventsTransport:               strings.ToLower(getEnvOrDefault("EVENTS_TRANSPORT", k.String("events_transport"), DefaultEventsTransport)),
		KafkaBrokers:                  getEnvListOrKoanf("KAFKA_BROKERS", k, "kafka_brokers"),
		KafkaTopic:                    getEnvOrKoanf("KAFKA_TOPIC", k, "kafka_topic"),
		AMQPURL:                       getEnvOrKoanf("AMQP_URL", k, "amqp_url"),
		AMQPExchange:                  getEnvOrKoanf("AMQP_EXCHANGE", k, "amqp_exchange"),
		ArchiveBucket:                 getEnvOrKoanf("ARCHIVE_BUCKET", k, "archive_bucket"),
		ArchiveEndpoint:               getEnvOrKoanf("ARCHIVE_ENDPOINT", k, "archive_endpoint"),
		ArchiveAccessKeyID:            getEnvOrKoanf("ARCHIVE_ACCESS_KEY_ID", k, "archive_access_key_id"),
		ArchiveSecretAccessKey:        getEnvOrKoanf("ARCHIVE_SECRET_ACCESS_KEY", k, "archive_secret_access_key"),
		TracingEnabled:                getEnvBoolOrKoanf("TRACING_ENABLED", k, "tracing_enabled", false),
		TracingExporter:               getEnvOrDefault("TRACING_EXPORTER", k.String("tracing_exporter"), DefaultTracingExporter),
		TracingEndpoint:               getEnvOrKoanf("TRACING_ENDPOINT", k, "tracing_endpoint"),
		TracingSampleRate:             sampleRate,
		TracingInsecure:               getEnvBoolOrKoanf("TRACING_INSECURE", k, "tracing_insecure", false),
	}

	errs := cfg.Validate()
	errs = append(loadErrs, errs...)

	return cfg, errs
}

// IsProduction reports whether the service runs in the production environment.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production")
}

// MercadoPagoEnabled reports whether Mercado Pago credentials are configured.
func (c *Config) MercadoPagoEnabled() bool {
	return c.MercadoPagoClientID != ""
}

// StripeEnabled reports whether a Stripe platform key is configured.
func (c *Config) StripeEnabled() bool {
	return c.StripeAPIKey != ""
}

// getEnvOrKoanf returns the environment variable value if set, otherwise the koanf value.
func getEnvOrKoanf(envKey string, k *koanf.Koanf, koanfKey string) string {
	if val := os.Getenv(envKey); val != "" {
		return val
	}
	return k.String(koanfKey)
}

// getEnvOrDefault returns the environment variable value if set, otherwise the koanf value, or default.
func getEnvOrDefault(envKey string, koanfVal string, defaultVal string) string {
	if val := os.Getenv(envKey); val != "" {
		return val
	}
	if koanfVal != "" {
		return koanfVal
	}
	return defaultVal
}

// getEnvOrDefaultMulti tries multiple environment variable keys in order.
// Returns the first non-empty value found, otherwise the koanf value, or default.
func getEnvOrDefaultMulti(envKeys []string, koanfVal string, defaultVal string) string {
	for _, key := range envKeys {
		if val := os.Getenv(key); val != "" {
			return val
		}
	}
	if koanfVal != "" {
		return koanfVal
	}
	return defaultVal
}

// getEnvListOrKoanf reads a comma separated env var, falling back to a koanf list.
func getEnvListOrKoanf(envKey string, k *koanf.Koanf, koanfKey string) []string {
	if val := os.Getenv(envKey); val != "" {
		var out []string
		for _, part := range strings.Split(val, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		return out
	}
	return k.Strings(koanfKey)
}

// getEnvBoolOrKoanf parses a boolean flag. Unrecognised env values are ignored.
func getEnvBoolOrKoanf(envKey string, k *koanf.Koanf, koanfKey string, defaultVal bool) bool {
	result := defaultVal
	if k.Exists(koanfKey) {
		result = k.Bool(koanfKey)
	}
	if val := os.Getenv(envKey); val != "" {
		switch strings.ToLower(val) {
		case "true", "1", "yes", "on":
			result = true
		case "false", "0", "no", "off":
			result = false
		}
	}
	return result
}

// getEnvIntOrDefault returns the environment variable as int if set, otherwise the koanf value, or default.
// Returns an error if the environment variable is set but cannot be parsed as an integer.
func getEnvIntOrDefault(envKey string, koanfVal int, defaultVal int) (int, error) {
	if val := os.Getenv(envKey); val != "" {
		i, err := strconv.Atoi(val)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid integer: %w", envKey, err)
		}
		return i, nil
	}
	if koanfVal != 0 {
		return koanfVal, nil
	}
	return defaultVal, nil
}

// getEnvIntOrDefaultMulti tries multiple environment variable keys in order.
// Returns the first valid integer value found, otherwise the koanf value, or default.
func getEnvIntOrDefaultMulti(envKeys []string, koanfVal int, defaultVal int) (int, error) {
	for _, key := range envKeys {
		if val := os.Getenv(key); val != "" {
			i, err := strconv.Atoi(val)
			if err != nil {
				return 0, fmt.Errorf("%s must be a valid integer: %w", key, ErrInvalidPort)
			}
			return i, nil
		}
	}
	if koanfVal != 0 {
		return koanfVal, nil
	}
	return defaultVal, nil
}

// getEnvFloatOrDefault returns the environment variable as float64 if set, otherwise the koanf value, or default.
func getEnvFloatOrDefault(envKey string, koanfVal float64, defaultVal float64) (float64, error) {
	if val := os.Getenv(envKey); val != "" {
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid float: %w", envKey, err)
		}
		return f, nil
	}
	if koanfVal != 0 {
		return koanfVal, nil
	}
	return defaultVal, nil
}

// getEnvDurationOrDefault parses a Go duration string ("30s", "2m") from the
// environment or the file, falling back to defaultVal.
func getEnvDurationOrDefault(envKey string, k *koanf.Koanf, koanfKey string, defaultVal time.Duration) (time.Duration, error) {
	raw := os.Getenv(envKey)
	if raw == "" {
		raw = k.String(koanfKey)
	}
	if raw == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return defaultVal, fmt.Errorf("%s %w: %q", envKey, ErrInvalidDuration, raw)
	}
	return d, nil
}

// Validate checks that all required configuration values are present and consistent.
// Returns a slice of validation errors (empty if valid).
func (c *Config) Validate() []error {
	var errs []error

	if c.DatabaseURL == "" {
		errs = append(errs, ErrMissingDatabaseURL)
	}
	if c.JWTSecret == "" {
		errs = append(errs, ErrMissingJWTSecret)
	}
	if c.TokenEncryptionKey == "" {
		errs = append(errs, ErrMissingTokenEncryptionKey)
	}

	if !c.MercadoPagoEnabled() && !c.StripeEnabled() {
		errs = append(errs, ErrMissingProvider)
	}
	if c.MercadoPagoEnabled() {
		if c.MercadoPagoClientSecret == "" {
			errs = append(errs, ErrMissingMercadoPagoClientSecret)
		}
		if c.MercadoPagoWebhookSecret == "" && !c.SignatureVerificationDisabled {
			errs = append(errs, ErrMissingMercadoPagoWebhook)
		}
	}
	if c.StripeEnabled() && c.StripeWebhookSecret == "" {
		errs = append(errs, ErrMissingStripeWebhookSecret)
	}
	if c.SignatureVerificationDisabled && c.IsProduction() {
		errs = append(errs, ErrSignatureDisabledInProduction)
	}

	switch c.EventsTransport {
	case "", "none":
	case "kafka":
		if len(c.KafkaBrokers) == 0 {
			errs = append(errs, ErrMissingKafkaBrokers)
		}
	case "rabbitmq":
		if c.AMQPURL == "" {
			errs = append(errs, ErrMissingAMQPURL)
		}
	default:
		errs = append(errs, ErrInvalidEventsTransport)
	}

	// The archive is optional. Only validate fields if any archive value is set.
	if c.ArchiveBucket != "" || c.ArchiveAccessKeyID != "" || c.ArchiveSecretAccessKey != "" || c.ArchiveEndpoint != "" {
		if c.ArchiveBucket == "" {
			errs = append(errs, ErrMissingArchiveBucket)
		}
		if c.ArchiveAccessKeyID == "" {
			errs = append(errs, ErrMissingArchiveAccessKeyID)
		}
		if c.ArchiveSecretAccessKey == "" {
			errs = append(errs, ErrMissingArchiveSecretAccessKey)
		}
	}

	if c.TracingSampleRate < 0 || c.TracingSampleRate > 1 {
		errs = append(errs, ErrInvalidSampleRate)
	}

	return errs
}

// ArchiveEnabled reports whether raw payload archiving is configured.
func (c *Config) ArchiveEnabled() bool {
	return c.ArchiveBucket != ""
}

// LogSummary returns a summary of the configuration suitable for logging.
// All secrets are masked to prevent accidental exposure.
func (c *Config) LogSummary() map[string]string {
	return map[string]string{
		"port":                            fmt.Sprintf("%d", c.Port),
		"env":                             c.Env,
		"database_url":                    maskDatabaseURL(c.DatabaseURL),
		"redis_url":                       maskDatabaseURL(c.RedisURL),
		"jwt_secret":                      maskSecret(c.JWTSecret),
		"jwt_secret_previous":             maskSecret(c.JWTSecretPrevious),
		"token_encryption_key":            maskSecret(c.TokenEncryptionKey),
		"mercadopago_client_id":           c.MercadoPagoClientID,
		"mercadopago_client_secret":       maskSecret(c.MercadoPagoClientSecret),
		"mercadopago_webhook_secret":      maskSecret(c.MercadoPagoWebhookSecret),
		"mercadopago_access_token":        maskSecret(c.MercadoPagoAccessToken),
		"mercadopago_base_url":            c.MercadoPagoBaseURL,
		"stripe_api_key":                  maskStripeKey(c.StripeAPIKey),
		"stripe_webhook_secret":           maskSecret(c.StripeWebhookSecret),
		"stripe_token_ttl":                c.StripeTokenTTL.String(),
		"signature_verification_disabled": fmt.Sprintf("%t", c.SignatureVerificationDisabled),
		"provider_http_timeout":           c.ProviderHTTPTimeout.String(),
		"worker_count":                    fmt.Sprintf("%d", c.WorkerCount),
		"queue_size":                      fmt.Sprintf("%d", c.QueueSize),
		"recovery_interval":               c.RecoveryInterval.String(),
		"recovery_stale_after":            c.RecoveryStaleAfter.String(),
		"refund_rate_limit":               fmt.Sprintf("%d", c.RefundRateLimit),
		"events_transport":                c.EventsTransport,
		"kafka_brokers":                   strings.Join(c.KafkaBrokers, ","),
		"kafka_topic":                     c.KafkaTopic,
		"amqp_url":                        maskDatabaseURL(c.AMQPURL),
		"amqp_exchange":                   c.AMQPExchange,
		"archive_bucket":                  c.ArchiveBucket,
		"archive_endpoint":                c.ArchiveEndpoint,
		"archive_access_key_id":           maskSecret(c.ArchiveAccessKeyID),
		"archive_secret_access_key":       maskSecret(c.ArchiveSecretAccessKey),
		"tracing_enabled":                 fmt.Sprintf("%t", c.TracingEnabled),
		"tracing_exporter":                c.TracingExporter,
		"tracing_endpoint":                c.TracingEndpoint,
		"tracing_sample_rate":             strconv.FormatFloat(c.TracingSampleRate, 'f', -1, 64),
	}
}

// maskSecret masks a secret value, showing only the first 4 characters followed by ****
// If the secret is shorter than 8 characters, it's fully masked.
func maskSecret(s string) string {
	if s == "" {
		return "<not set>"
	}
	if len(s) < 8 {
		return "****"
	}
	return s[:4] + "****"
}

// maskStripeKey masks a Stripe API key, preserving the prefix (sk_live_, sk_test_, etc.)
func maskStripeKey(s string) string {
	if s == "" {
		return "<not set>"
	}
	parts := strings.SplitN(s, "_", 3)
	if len(parts) == 3 {
		return parts[0] + "_" + parts[1] + "_****"
	}
	return maskSecret(s)
}

// maskDatabaseURL masks the password in a connection URL (postgres, redis, amqp).
func maskDatabaseURL(s string) string {
	if s == "" {
		return "<not set>"
	}

	schemeEnd := strings.Index(s, "://")
	if schemeEnd == -1 {
		return maskSecret(s)
	}

	rest := s[schemeEnd+3:]
	atIndex := strings.Index(rest, "@")
	if atIndex == -1 {
		return s // No credentials in URL
	}

	colonIndex := strings.Index(rest[:atIndex], ":")
	if colonIndex == -1 {
		return s // No password (only username)
	}

	scheme := s[:schemeEnd+3]
	user := rest[:colonIndex]
	hostAndPath := rest[atIndex:]

	return scheme + user + ":****" + hostAndPath
}
