package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration required by the API process.
// All values must come from env (or a .env file loaded by the process).
// No business logic should depend on raw environment variables.
type Config struct {
	App     AppConfig
	DB      DBConfig
	Redis   RedisConfig
	Auth    AuthConfig
	Stripe  StripeConfig
	Billing BillingConfig
	Kafka   KafkaConfig
}

type AppConfig struct {
	Env  string
	Port int
}

type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// Accepts: disable, require, verify-ca, verify-full
	SSLMode string

	// MaxOpenConns bounds the pool. Zero uses the pool default.
	MaxOpenConns int
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

type AuthConfig struct {
	JWTSecret   string
	JWTIssuer   string
	JWTAudience string

	// AccessTokenTTL only applies to tokens minted by local tooling.
	AccessTokenTTL time.Duration
	// ClockSkew is the leeway applied to exp/iat when verifying.
	ClockSkew time.Duration
}

type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
	CallTimeout   time.Duration
}

// BillingConfig holds ledger policy. Amounts are minor units.
type BillingConfig struct {
	Currency         string
	MinTopUp         int64
	MinCampaignDebit int64
	IdempotencyTTL   time.Duration

	// MaxConcurrentTopUps caps in-flight top-ups per user. Zero disables the cap.
	MaxConcurrentTopUps int

	SweepInterval   time.Duration
	SweepStaleAfter time.Duration
	SweepBatchSize  int
	SweepWorkers    int
}

// KafkaConfig is optional; no brokers disables event publishing.
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

func (k KafkaConfig) Enabled() bool { return len(k.Brokers) > 0 }

// Load reads the process environment. Malformed values and failed
// validations are reported together.
func Load() (Config, error) {
	var c Config
	env := &envReader{}

	c.App.Env = env.str("APP_ENV")
	c.App.Port = env.int("APP_PORT")

	c.DB.Host = env.str("DB_HOST")
	c.DB.Port = env.int("DB_PORT")
	c.DB.User = env.str("DB_USER")
	c.DB.Password = env.secret("DB_PASSWORD")
	c.DB.Name = env.str("DB_NAME")
	c.DB.SSLMode = env.str("DB_SSLMODE")
	c.DB.MaxOpenConns = env.int("DB_MAX_OPEN_CONNS")

	c.Redis.Host = env.str("REDIS_HOST")
	c.Redis.Port = env.int("REDIS_PORT")
	c.Redis.Password = env.secret("REDIS_PASSWORD")
	c.Redis.DB = env.int("REDIS_DB")

	c.Auth.JWTSecret = env.secret("JWT_SECRET")
	c.Auth.JWTIssuer = env.str("JWT_ISSUER")
	c.Auth.JWTAudience = env.str("JWT_AUDIENCE")
	c.Auth.AccessTokenTTL = env.duration("JWT_ACCESS_TTL")
	c.Auth.ClockSkew = env.duration("JWT_CLOCK_SKEW")

	c.Stripe.SecretKey = env.secret("STRIPE_SECRET_KEY")
	c.Stripe.WebhookSecret = env.secret("STRIPE_WEBHOOK_SECRET")
	c.Stripe.CallTimeout = env.duration("STRIPE_CALL_TIMEOUT")

	c.Billing.Currency = strings.ToUpper(env.str("BILLING_CURRENCY"))
	c.Billing.MinTopUp = int64(env.int("BILLING_MIN_TOP_UP"))
	c.Billing.MinCampaignDebit = int64(env.int("BILLING_MIN_CAMPAIGN_DEBIT"))
	c.Billing.MaxConcurrentTopUps = env.int("BILLING_MAX_CONCURRENT_TOP_UPS")
	c.Billing.IdempotencyTTL = env.duration("IDEMPOTENCY_CACHE_TTL")
	c.Billing.SweepInterval = env.duration("SWEEPER_INTERVAL")
	c.Billing.SweepStaleAfter = env.duration("SWEEPER_STALE_AFTER")
	c.Billing.SweepBatchSize = env.int("SWEEPER_BATCH_SIZE")
	c.Billing.SweepWorkers = env.int("SWEEPER_WORKERS")

	c.Kafka.Brokers = splitList(env.str("KAFKA_BROKERS"))
	c.Kafka.Topic = env.str("KAFKA_TOPIC")

	if err := joinErrors(append(env.errs, c.validate()...)); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate reports every violation at once and fills optional defaults.
func (c *Config) Validate() error {
	return joinErrors(c.validate())
}

func (c *Config) validate() []error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}

	if c.DB.Host == "" {
		errs = append(errs, errors.New("DB_HOST is required"))
	}
	if c.DB.Port <= 0 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Errorf("DB_PORT must be a valid port, got %d", c.DB.Port))
	}
	if c.DB.User == "" {
		errs = append(errs, errors.New("DB_USER is required"))
	}
	if c.DB.Name == "" {
		errs = append(errs, errors.New("DB_NAME is required"))
	}
	if strings.TrimSpace(c.DB.SSLMode) == "" {
		if c.IsProduction() {
			errs = append(errs, errors.New("DB_SSLMODE is required in production"))
		} else {
			// Local-friendly default; production must be explicit.
			c.DB.SSLMode = "disable"
		}
	}
	if c.DB.SSLMode != "" && !isValidSSLMode(c.DB.SSLMode) {
		errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
	}

	if c.Redis.Host == "" {
		errs = append(errs, errors.New("REDIS_HOST is required"))
	}
	if c.Redis.Port <= 0 || c.Redis.Port > 65535 {
		errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
	}
	if c.Redis.DB < 0 || c.Redis.DB > 15 {
		errs = append(errs, fmt.Errorf("REDIS_DB must be between 0 and 15, got %d", c.Redis.DB))
	}

	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.IsProduction() {
		if c.Auth.JWTIssuer == "" {
			errs = append(errs, errors.New("JWT_ISSUER is required in production"))
		}
		if c.Auth.JWTAudience == "" {
			errs = append(errs, errors.New("JWT_AUDIENCE is required in production"))
		}
	}
	if c.Auth.AccessTokenTTL <= 0 {
		c.Auth.AccessTokenTTL = 15 * time.Minute
	}
	if c.Auth.ClockSkew <= 0 {
		c.Auth.ClockSkew = 30 * time.Second
	} else if c.Auth.ClockSkew > 5*time.Minute {
		errs = append(errs, fmt.Errorf("JWT_CLOCK_SKEW must be at most 5m, got %s", c.Auth.ClockSkew))
	}

	if c.Stripe.SecretKey == "" {
		errs = append(errs, errors.New("STRIPE_SECRET_KEY is required"))
	} else if c.IsProduction() && strings.HasPrefix(c.Stripe.SecretKey, "sk_test_") {
		errs = append(errs, errors.New("STRIPE_SECRET_KEY must be a live key in production"))
	}
	if c.Stripe.WebhookSecret == "" {
		errs = append(errs, errors.New("STRIPE_WEBHOOK_SECRET is required"))
	}
	if c.Stripe.CallTimeout <= 0 {
		c.Stripe.CallTimeout = 15 * time.Second
	}

	if c.Billing.Currency == "" {
		c.Billing.Currency = "USD"
	} else if len(c.Billing.Currency) != 3 {
		errs = append(errs, fmt.Errorf("BILLING_CURRENCY must be an ISO 4217 code, got %q", c.Billing.Currency))
	}
	if c.Billing.MinTopUp < 0 || c.Billing.MinCampaignDebit < 0 {
		errs = append(errs, errors.New("billing minimums must not be negative"))
	}
	if c.Billing.MinTopUp == 0 {
		c.Billing.MinTopUp = 500
	}
	if c.Billing.MinCampaignDebit == 0 {
		c.Billing.MinCampaignDebit = 100
	}
	if c.Billing.MaxConcurrentTopUps < 0 {
		errs = append(errs, fmt.Errorf("BILLING_MAX_CONCURRENT_TOP_UPS must be >= 0, got %d", c.Billing.MaxConcurrentTopUps))
	}
	if c.Billing.IdempotencyTTL <= 0 {
		c.Billing.IdempotencyTTL = 24 * time.Hour
	}
	if c.Billing.SweepInterval <= 0 {
		c.Billing.SweepInterval = 5 * time.Minute
	}
	if c.Billing.SweepStaleAfter <= 0 {
		c.Billing.SweepStaleAfter = 15 * time.Minute
	}
	if c.Billing.SweepStaleAfter <= c.Stripe.CallTimeout {
		// A row younger than one provider call may still be waiting on it.
		errs = append(errs, errors.New("SWEEPER_STALE_AFTER must be greater than STRIPE_CALL_TIMEOUT"))
	}
	if c.Billing.SweepBatchSize <= 0 {
		c.Billing.SweepBatchSize = 50
	}
	if c.Billing.SweepWorkers <= 0 {
		c.Billing.SweepWorkers = 5
	}

	if c.Kafka.Enabled() && c.Kafka.Topic == "" {
		c.Kafka.Topic = "billing.transactions"
	}

	return errs
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

func (c Config) PostgresDSN() string {
	// Avoid logging this string; it contains secrets.
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host,
		c.DB.Port,
		c.DB.User,
		c.DB.Password,
		c.DB.Name,
		c.DB.SSLMode,
	)
}

func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

// envReader records parse failures instead of stopping at the first one.
type envReader struct {
	errs []error
}

func (r *envReader) str(key string) string { return strings.TrimSpace(os.Getenv(key)) }

// secret keeps surrounding whitespace; it may be significant.
func (r *envReader) secret(key string) string { return os.Getenv(key) }

// int returns 0 for an unset key; Validate decides whether that is allowed.
func (r *envReader) int(key string) int {
	v := r.str(key)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s must be an integer, got %q", key, v))
		return 0
	}
	return n
}

func (r *envReader) duration(key string) time.Duration {
	v := r.str(key)
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s must be a duration like 30s or 5m, got %q", key, v))
		return 0
	}
	return d
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	default:
		return false
	}
}

func isValidSSLMode(v string) bool {
	switch v {
	case "disable", "require", "verify-ca", "verify-full":
		return true
	default:
		return false
	}
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	var b strings.Builder
	b.WriteString("config errors:\n")
	for _, e := range errs {
		b.WriteString("- ")
		b.WriteString(e.Error())
		b.WriteString("\n")
	}
	return errors.New(strings.TrimSpace(b.String()))
}
