package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds every runtime setting for the carewallet server and CLI.
// Values come from the environment, optionally seeded by a .env file.
type Config struct {
	ServerPort  string `mapstructure:"SERVER_PORT"`
	StoreDriver string `mapstructure:"STORE_DRIVER"`

	DBHost     string `mapstructure:"DB_HOST"`
	DBPort     string `mapstructure:"DB_PORT"`
	DBUser     string `mapstructure:"DB_USER"`
	DBPassword string `mapstructure:"DB_PASSWORD"`
	DBName     string `mapstructure:"DB_NAME"`
	DBSSLMode  string `mapstructure:"DB_SSLMODE"`

	JWTSecret string `mapstructure:"JWT_SECRET"`

	TreasuryAccountID      string `mapstructure:"TREASURY_ACCOUNT_ID"`
	TreasuryInitialBalance int64  `mapstructure:"TREASURY_INITIAL_BALANCE"`
	ConsultationFee        int64  `mapstructure:"CONSULTATION_FEE"`
	AdminCommissionBPS     int64  `mapstructure:"ADMIN_COMMISSION_BPS"`
	CompletionReward       int64  `mapstructure:"COMPLETION_REWARD"`
	SignupBonus            int64  `mapstructure:"SIGNUP_BONUS"`
	DeclineRefundPolicy    string `mapstructure:"DECLINE_REFUND_POLICY"`
	PharmacyCandidates     int    `mapstructure:"PHARMACY_CANDIDATES"`
	LedgerMaxRetries       int    `mapstructure:"LEDGER_MAX_RETRIES"`

	NotifyBuffer  int    `mapstructure:"NOTIFY_BUFFER"`
	RabbitMQURL   string `mapstructure:"RABBITMQ_URL"`
	EventExchange string `mapstructure:"EVENT_EXCHANGE"`

	RedisURL                       string `mapstructure:"REDIS_URL"`
	RateLimitPrefix                string `mapstructure:"RATE_LIMIT_PREFIX"`
	MessageRateLimitPerMinute      int    `mapstructure:"MESSAGE_RATE_LIMIT_PER_MINUTE"`
	ConsultationRateLimitPerMinute int    `mapstructure:"CONSULTATION_RATE_LIMIT_PER_MINUTE"`

	ArchiveSchedule   string        `mapstructure:"ARCHIVE_SCHEDULE"`
	ArchiveAfter      time.Duration `mapstructure:"ARCHIVE_AFTER"`
	ReconcileSchedule string        `mapstructure:"RECONCILE_SCHEDULE"`

	SettlementBackend string `mapstructure:"SETTLEMENT_BACKEND"`
}

var keys = []string{
	"SERVER_PORT", "STORE_DRIVER",
	"DB_HOST", "DB_PORT", "DB_USER", "DB_PASSWORD", "DB_NAME", "DB_SSLMODE",
	"JWT_SECRET",
	"TREASURY_ACCOUNT_ID", "TREASURY_INITIAL_BALANCE", "CONSULTATION_FEE", "ADMIN_COMMISSION_BPS",
	"COMPLETION_REWARD", "SIGNUP_BONUS", "DECLINE_REFUND_POLICY", "PHARMACY_CANDIDATES", "LEDGER_MAX_RETRIES",
	"NOTIFY_BUFFER", "RABBITMQ_URL", "EVENT_EXCHANGE",
	"REDIS_URL", "RATE_LIMIT_PREFIX", "MESSAGE_RATE_LIMIT_PER_MINUTE", "CONSULTATION_RATE_LIMIT_PER_MINUTE",
	"ARCHIVE_SCHEDULE", "ARCHIVE_AFTER", "RECONCILE_SCHEDULE",
	"SETTLEMENT_BACKEND",
}

// LoadConfig reads configuration from the environment and an optional .env
// file in path.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")
	viper.AutomaticEnv()

	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("STORE_DRIVER", "postgres")
	viper.SetDefault("DB_HOST", "localhost")
	viper.SetDefault("DB_PORT", "5432")
	viper.SetDefault("DB_USER", "postgres")
	viper.SetDefault("DB_PASSWORD", "password")
	viper.SetDefault("DB_NAME", "carewallet")
	viper.SetDefault("DB_SSLMODE", "disable")
	viper.SetDefault("TREASURY_ACCOUNT_ID", "treasury")
	viper.SetDefault("TREASURY_INITIAL_BALANCE", 1_000_000)
	viper.SetDefault("CONSULTATION_FEE", 10)
	viper.SetDefault("ADMIN_COMMISSION_BPS", 1000) // 10%
	viper.SetDefault("COMPLETION_REWARD", 1)
	viper.SetDefault("SIGNUP_BONUS", 100)
	viper.SetDefault("DECLINE_REFUND_POLICY", "none")
	viper.SetDefault("PHARMACY_CANDIDATES", 3)
	viper.SetDefault("LEDGER_MAX_RETRIES", 5)
	viper.SetDefault("NOTIFY_BUFFER", 32)
	viper.SetDefault("EVENT_EXCHANGE", "carewallet.events")
	viper.SetDefault("RATE_LIMIT_PREFIX", "carewallet:rate_limit")
	viper.SetDefault("MESSAGE_RATE_LIMIT_PER_MINUTE", 60)
	viper.SetDefault("CONSULTATION_RATE_LIMIT_PER_MINUTE", 10)
	viper.SetDefault("ARCHIVE_SCHEDULE", "@daily")
	viper.SetDefault("ARCHIVE_AFTER", "720h")
	viper.SetDefault("RECONCILE_SCHEDULE", "@hourly")
	viper.SetDefault("SETTLEMENT_BACKEND", "noop")

	// Bind explicitly so keys without defaults still reach Unmarshal.
	for _, key := range keys {
		_ = viper.BindEnv(key)
	}

	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Warn("failed to read config file; using environment values", "error", err.Error())
		}
		err = nil
	}

	if err = viper.Unmarshal(&config); err != nil {
		return config, fmt.Errorf("failed to decode config: %w", err)
	}

	config.StoreDriver = strings.ToLower(strings.TrimSpace(config.StoreDriver))
	config.DeclineRefundPolicy = strings.ToLower(strings.TrimSpace(config.DeclineRefundPolicy))
	config.RabbitMQURL = strings.TrimSpace(config.RabbitMQURL)
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RateLimitPrefix = strings.TrimSuffix(strings.TrimSpace(config.RateLimitPrefix), ":")

	return config, config.Validate()
}

// Validate rejects settings the services cannot run with.
func (c Config) Validate() error {
	switch c.StoreDriver {
	case "postgres", "memory":
	default:
		return fmt.Errorf("STORE_DRIVER must be postgres or memory, got %q", c.StoreDriver)
	}
	switch c.DeclineRefundPolicy {
	case "none", "reverse":
	default:
		return fmt.Errorf("DECLINE_REFUND_POLICY must be none or reverse, got %q", c.DeclineRefundPolicy)
	}
	if c.TreasuryAccountID == "" {
		return fmt.Errorf("TREASURY_ACCOUNT_ID must be set")
	}
	if c.ConsultationFee <= 0 {
		return fmt.Errorf("CONSULTATION_FEE must be positive")
	}
	if c.AdminCommissionBPS < 0 || c.AdminCommissionBPS > 10000 {
		return fmt.Errorf("ADMIN_COMMISSION_BPS must be between 0 and 10000")
	}
	if c.CompletionReward < 0 || c.SignupBonus < 0 || c.TreasuryInitialBalance < 0 {
		return fmt.Errorf("COMPLETION_REWARD, SIGNUP_BONUS and TREASURY_INITIAL_BALANCE must not be negative")
	}
	if c.PharmacyCandidates <= 0 {
		return fmt.Errorf("PHARMACY_CANDIDATES must be positive")
	}
	if c.LedgerMaxRetries <= 0 {
		return fmt.Errorf("LEDGER_MAX_RETRIES must be positive")
	}
	if c.NotifyBuffer <= 0 {
		return fmt.Errorf("NOTIFY_BUFFER must be positive")
	}
	return nil
}

// DSN is the lib/pq connection string.
func (c Config) DSN() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName, c.DBSSLMode)
}
