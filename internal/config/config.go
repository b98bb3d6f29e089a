// internal/config/config.go
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Environment string
	Server      ServerConfig
	Database    DatabaseConfig
	Payment     PaymentConfig
	Escrow      EscrowConfig
	Sweeper     SweeperConfig
	Payout      PayoutConfig
	AWS         AWSConfig
}

type ServerConfig struct {
	Port         string
	Host         string
	ReadTimeout  int
	WriteTimeout int
	IdleTimeout  int
}

type DatabaseConfig struct {
	Host         string
	Port         string
	User         string
	Password     string
	Database     string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
	MaxLifetime  int
	LogLevel     string
}

type PaymentConfig struct {
	StripeSecretKey      string
	StripePublishableKey string
	PlatformFeePercent   float64
}

// EscrowConfig carries the business knobs of the escrow lifecycle. The
// defaults (48h confirmation window, 2 revisions, 6h/24h urgency bands)
// come from product policy and can be overridden per environment.
type EscrowConfig struct {
	ConfirmationTTLHours  int
	DefaultMaxRevisions   int
	UrgentThresholdHours  int
	WarningThresholdHours int
}

type SweeperConfig struct {
	IntervalSeconds int
	Enabled         bool
}

type PayoutConfig struct {
	MaxAttempts        int
	BackoffBaseSeconds int
	RetryIntervalSecs  int
}

type AWSConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	S3Bucket        string
	PresignTTLMins  int
}

func (c EscrowConfig) ConfirmationTTL() time.Duration {
	return time.Duration(c.ConfirmationTTLHours) * time.Hour
}

func Load() (*Config, error) {
	// Load .env file if it exists
	godotenv.Load()

	config := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Server: ServerConfig{
			Port:         getEnv("SERVER_PORT", "8080"),
			Host:         getEnv("SERVER_HOST", "localhost"),
			ReadTimeout:  getEnvAsInt("SERVER_READ_TIMEOUT", 15),
			WriteTimeout: getEnvAsInt("SERVER_WRITE_TIMEOUT", 15),
			IdleTimeout:  getEnvAsInt("SERVER_IDLE_TIMEOUT", 60),
		},
		Database: DatabaseConfig{
			Host:         getEnv("DB_HOST", "localhost"),
			Port:         getEnv("DB_PORT", "5432"),
			User:         getEnv("DB_USER", "postgres"),
			Password:     getEnv("DB_PASSWORD", ""),
			Database:     getEnv("DB_NAME", "photo_escrow"),
			SSLMode:      getEnv("DB_SSL_MODE", "disable"),
			MaxOpenConns: getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns: getEnvAsInt("DB_MAX_IDLE_CONNS", 25),
			MaxLifetime:  getEnvAsInt("DB_MAX_LIFETIME", 300),
			LogLevel:     getEnv("DB_LOG_LEVEL", "silent"),
		},
		Payment: PaymentConfig{
			StripeSecretKey:      getEnv("STRIPE_SECRET_KEY", ""),
			StripePublishableKey: getEnv("STRIPE_PUBLISHABLE_KEY", ""),
			PlatformFeePercent:   getEnvAsFloat("PLATFORM_FEE_PERCENT", 20.0),
		},
		Escrow: EscrowConfig{
			ConfirmationTTLHours:  getEnvAsInt("ESCROW_CONFIRMATION_TTL_HOURS", 48),
			DefaultMaxRevisions:   getEnvAsInt("ESCROW_DEFAULT_MAX_REVISIONS", 2),
			UrgentThresholdHours:  getEnvAsInt("ESCROW_URGENT_THRESHOLD_HOURS", 6),
			WarningThresholdHours: getEnvAsInt("ESCROW_WARNING_THRESHOLD_HOURS", 24),
		},
		Sweeper: SweeperConfig{
			IntervalSeconds: getEnvAsInt("SWEEPER_INTERVAL_SECONDS", 300),
			Enabled:         getEnvAsBool("SWEEPER_ENABLED", true),
		},
		Payout: PayoutConfig{
			MaxAttempts:        getEnvAsInt("PAYOUT_MAX_ATTEMPTS", 5),
			BackoffBaseSeconds: getEnvAsInt("PAYOUT_BACKOFF_BASE_SECONDS", 30),
			RetryIntervalSecs:  getEnvAsInt("PAYOUT_RETRY_INTERVAL_SECONDS", 60),
		},
		AWS: AWSConfig{
			Region:          getEnv("AWS_REGION", "us-east-1"),
			AccessKeyID:     getEnv("AWS_ACCESS_KEY_ID", ""),
			SecretAccessKey: getEnv("AWS_SECRET_ACCESS_KEY", ""),
			S3Bucket:        getEnv("AWS_S3_BUCKET", "lenspark-deliveries"),
			PresignTTLMins:  getEnvAsInt("AWS_PRESIGN_TTL_MINUTES", 15),
		},
	}

	return config, config.Validate()
}

func (c *Config) Validate() error {
	if c.Database.Password == "" && c.Environment == "production" {
		return fmt.Errorf("database password is required in production")
	}

	if c.Payment.StripeSecretKey == "" && c.Environment == "production" {
		return fmt.Errorf("stripe secret key is required in production")
	}

	if c.Escrow.ConfirmationTTLHours <= 0 {
		return fmt.Errorf("escrow confirmation TTL must be positive")
	}

	if c.Escrow.DefaultMaxRevisions < 0 {
		return fmt.Errorf("default max revisions cannot be negative")
	}

	if c.Sweeper.IntervalSeconds <= 0 {
		return fmt.Errorf("sweeper interval must be positive")
	}

	return nil
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(strings.ToLower(value)); err == nil {
			return boolValue
		}
	}
	return defaultValue
}
