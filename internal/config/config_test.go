package config

import (
	"strings"
	"testing"
	"time"
)

func validLocal() Config {
	return Config{
		App:    AppConfig{Env: "local", Port: 8080},
		DB:     DBConfig{Host: "localhost", Port: 5432, User: "postgres", Password: "x", Name: "amplify"},
		Redis:  RedisConfig{Host: "localhost", Port: 6379},
		Auth:   AuthConfig{JWTSecret: "secret"},
		Stripe: StripeConfig{SecretKey: "sk_test_123", WebhookSecret: "whsec_123"},
	}
}

func TestLoad_ReportsMissingRequired(t *testing.T) {
	c := Config{}
	err := c.Validate()
	if err == nil {
		t.Fatalf("expected validation error")
	}
	for _, want := range []string{"APP_ENV", "DB_HOST", "JWT_SECRET", "STRIPE_SECRET_KEY", "STRIPE_WEBHOOK_SECRET"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected %s in %v", want, err)
		}
	}
}

func TestValidate_ProductionRequiresSSLMode(t *testing.T) {
	c := validLocal()
	c.App.Env = "production"
	c.Auth.JWTIssuer, c.Auth.JWTAudience = "amplify", "amplify-api"
	c.Stripe.SecretKey = "sk_live_123"
	if err := c.Validate(); err == nil || !strings.Contains(err.Error(), "DB_SSLMODE") {
		t.Fatalf("expected error for production without DB_SSLMODE, got %v", err)
	}
}

func TestValidate_ProductionRejectsTestKey(t *testing.T) {
	c := validLocal()
	c.App.Env = "production"
	c.DB.SSLMode = "require"
	c.Auth.JWTIssuer, c.Auth.JWTAudience = "amplify", "amplify-api"
	if err := c.Validate(); err == nil || !strings.Contains(err.Error(), "live key") {
		t.Fatalf("expected live key error, got %v", err)
	}
}

func TestValidate_LocalDefaults(t *testing.T) {
	c := validLocal()
	if err := c.Validate(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if c.DB.SSLMode != "disable" {
		t.Fatalf("expected sslmode disable default, got %q", c.DB.SSLMode)
	}
	if c.Billing.Currency != "USD" || c.Billing.MinTopUp != 500 || c.Billing.MinCampaignDebit != 100 {
		t.Fatalf("unexpected billing defaults: %+v", c.Billing)
	}
	if c.Billing.IdempotencyTTL != 24*time.Hour || c.Billing.SweepStaleAfter != 15*time.Minute || c.Stripe.CallTimeout != 15*time.Second {
		t.Fatalf("unexpected duration defaults: %+v %+v", c.Billing, c.Stripe)
	}
	if c.Kafka.Enabled() {
		t.Fatalf("kafka should be disabled without brokers")
	}
}

func TestValidate_StaleAfterMustExceedCallTimeout(t *testing.T) {
	c := validLocal()
	c.Stripe.CallTimeout = time.Minute
	c.Billing.SweepStaleAfter = 30 * time.Second
	if err := c.Validate(); err == nil || !strings.Contains(err.Error(), "SWEEPER_STALE_AFTER") {
		t.Fatalf("expected stale-after error, got %v", err)
	}
}

func TestLoad_ReadsEnvironment(t *testing.T) {
	t.Setenv("APP_ENV", "dev")
	t.Setenv("APP_PORT", "9000")
	t.Setenv("DB_HOST", "db")
	t.Setenv("DB_PORT", "5432")
	t.Setenv("DB_USER", "postgres")
	t.Setenv("DB_NAME", "amplify")
	t.Setenv("REDIS_HOST", "redis")
	t.Setenv("REDIS_PORT", "6379")
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("STRIPE_SECRET_KEY", "sk_test_1")
	t.Setenv("STRIPE_WEBHOOK_SECRET", "whsec_1")
	t.Setenv("BILLING_CURRENCY", "eur")
	t.Setenv("BILLING_MAX_CONCURRENT_TOP_UPS", "3")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092")

	c, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.Billing.Currency != "EUR" || c.Billing.MaxConcurrentTopUps != 3 {
		t.Fatalf("unexpected billing: %+v", c.Billing)
	}
	if len(c.Kafka.Brokers) != 2 || c.Kafka.Brokers[1] != "k2:9092" || c.Kafka.Topic != "billing.transactions" {
		t.Fatalf("unexpected kafka: %+v", c.Kafka)
	}
}

func TestLoad_RejectsMalformedInts(t *testing.T) {
	t.Setenv("APP_PORT", "nope")
	t.Setenv("SWEEPER_WORKERS", "many")
	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "SWEEPER_WORKERS") {
		t.Fatalf("expected parse error, got %v", err)
	}
}

func TestValidate_AuthSkewAndRedisDB(t *testing.T) {
	c := validLocal()
	if err := c.Validate(); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if c.Auth.ClockSkew != 30*time.Second || c.Auth.AccessTokenTTL != 15*time.Minute {
		t.Fatalf("unexpected auth defaults: %+v", c.Auth)
	}

	c = validLocal()
	c.Auth.ClockSkew = time.Hour
	c.Redis.DB = 16
	err := c.Validate()
	if err == nil || !strings.Contains(err.Error(), "JWT_CLOCK_SKEW") || !strings.Contains(err.Error(), "REDIS_DB") {
		t.Fatalf("expected skew and redis db errors, got %v", err)
	}
}

func TestLoad_ReportsMalformedDurationsWithValidation(t *testing.T) {
	t.Setenv("APP_ENV", "")
	t.Setenv("STRIPE_CALL_TIMEOUT", "fifteen seconds")
	_, err := Load()
	if err == nil {
		t.Fatalf("expected error")
	}
	for _, want := range []string{"STRIPE_CALL_TIMEOUT", "APP_ENV is required"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected %q in %v", want, err)
		}
	}
}
