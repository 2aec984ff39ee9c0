/**
 * @description
 * This package handles the configuration management for the escrow-service. It uses
 * Viper to read configuration from environment variables and an optional .env file.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 * - github.com/shopspring/decimal: For the default commission rate.
 */

package config

import (
	"log"
	"os"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

// Config holds all the configuration variables for the escrow-service.
type Config struct {
	ServerPort             string `mapstructure:"SERVER_PORT"`
	DatabaseURL            string `mapstructure:"DATABASE_URL"`
	StoreDriver            string `mapstructure:"STORE_DRIVER"`
	MigrationsEnabled      bool   `mapstructure:"MIGRATIONS_ENABLED"`
	RedisURL               string `mapstructure:"REDIS_URL"`
	RedisKeyPrefix         string `mapstructure:"REDIS_KEY_PREFIX"`
	RabbitMQURL            string `mapstructure:"RABBITMQ_URL"`
	EventsExchange         string `mapstructure:"EVENTS_EXCHANGE"`
	TopUpEventQueue        string `mapstructure:"TOPUP_EVENT_QUEUE"`
	InternalAPIKey         string `mapstructure:"INTERNAL_API_KEY"`
	JWTSigningSecret       string `mapstructure:"JWT_SIGNING_SECRET"`
	DefaultCommissionRate  string `mapstructure:"DEFAULT_COMMISSION_RATE"`
	CommissionRulesFile    string `mapstructure:"COMMISSION_RULES_FILE"`
	LockWaitTimeoutMS      int    `mapstructure:"LOCK_WAIT_TIMEOUT_MS"`
	LockTTLMS              int    `mapstructure:"LOCK_TTL_MS"`
	GrabRateLimitPerMinute int    `mapstructure:"GRAB_RATE_LIMIT_PER_MINUTE"`
	AutoSettleAfterHours   int    `mapstructure:"AUTO_SETTLE_AFTER_HOURS"`
	SettlementJobSchedule  string `mapstructure:"SETTLEMENT_JOB_SCHEDULE"`
	ReconcileJobSchedule   string `mapstructure:"RECONCILE_JOB_SCHEDULE"`
	SettlementBatchSize    int    `mapstructure:"SETTLEMENT_BATCH_SIZE"`

	// Parsed form of DefaultCommissionRate, in percent.
	CommissionRate decimal.Decimal `mapstructure:"-"`
}

const (
	defaultCommissionRate        = "5"
	defaultLockWaitTimeoutMS     = 3000
	defaultLockTTLMS             = 15000
	defaultGrabRateLimit         = 10
	defaultAutoSettleAfterHours  = 72
	defaultSettlementJobSchedule = "*/15 * * * *"
	defaultReconcileJobSchedule  = "30 3 * * *"
	defaultSettlementBatchSize   = 200
	defaultRedisKeyPrefix        = "escrow"
)

// LockWaitTimeout is the bounded wait for per-key locks.
func (c Config) LockWaitTimeout() time.Duration {
	return time.Duration(c.LockWaitTimeoutMS) * time.Millisecond
}

// LockTTL bounds how long a distributed lock survives a crashed holder.
func (c Config) LockTTL() time.Duration {
	return time.Duration(c.LockTTLMS) * time.Millisecond
}

// AutoSettleAfter is the age of a COMPLETED order before the scheduler settles it.
func (c Config) AutoSettleAfter() time.Duration {
	return time.Duration(c.AutoSettleAfterHours) * time.Hour
}

// LoadConfig reads configuration from environment variables and an optional .env file in path.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("STORE_DRIVER", StoreDriverPostgres)
	viper.SetDefault("MIGRATIONS_ENABLED", true)
	viper.SetDefault("REDIS_KEY_PREFIX", defaultRedisKeyPrefix)
	viper.SetDefault("EVENTS_EXCHANGE", "escrow_events")
	viper.SetDefault("TOPUP_EVENT_QUEUE", "escrow_service.topups")
	viper.SetDefault("DEFAULT_COMMISSION_RATE", defaultCommissionRate)
	viper.SetDefault("LOCK_WAIT_TIMEOUT_MS", defaultLockWaitTimeoutMS)
	viper.SetDefault("LOCK_TTL_MS", defaultLockTTLMS)
	viper.SetDefault("GRAB_RATE_LIMIT_PER_MINUTE", defaultGrabRateLimit)
	viper.SetDefault("AUTO_SETTLE_AFTER_HOURS", defaultAutoSettleAfterHours)
	viper.SetDefault("SETTLEMENT_JOB_SCHEDULE", defaultSettlementJobSchedule) // Every 15 minutes.
	viper.SetDefault("RECONCILE_JOB_SCHEDULE", defaultReconcileJobSchedule)   // At 03:30 every day.
	viper.SetDefault("SETTLEMENT_BATCH_SIZE", defaultSettlementBatchSize)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("STORE_DRIVER")
	_ = viper.BindEnv("MIGRATIONS_ENABLED")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "ESCROW_REDIS_URL")
	_ = viper.BindEnv("REDIS_KEY_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("EVENTS_EXCHANGE")
	_ = viper.BindEnv("TOPUP_EVENT_QUEUE")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "ESCROW_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("JWT_SIGNING_SECRET")
	_ = viper.BindEnv("DEFAULT_COMMISSION_RATE")
	_ = viper.BindEnv("COMMISSION_RULES_FILE")
	_ = viper.BindEnv("LOCK_WAIT_TIMEOUT_MS")
	_ = viper.BindEnv("LOCK_TTL_MS")
	_ = viper.BindEnv("GRAB_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("AUTO_SETTLE_AFTER_HOURS")
	_ = viper.BindEnv("SETTLEMENT_JOB_SCHEDULE")
	_ = viper.BindEnv("RECONCILE_JOB_SCHEDULE")
	_ = viper.BindEnv("SETTLEMENT_BATCH_SIZE")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
		err = nil
	}

	if err = viper.Unmarshal(&config); err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.InternalAPIKey = strings.TrimSpace(config.InternalAPIKey)
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisKeyPrefix = strings.TrimSpace(config.RedisKeyPrefix)
	if config.RedisKeyPrefix == "" {
		config.RedisKeyPrefix = defaultRedisKeyPrefix
	}

	config.StoreDriver = strings.ToLower(strings.TrimSpace(config.StoreDriver))
	if config.StoreDriver != StoreDriverPostgres && config.StoreDriver != StoreDriverMemory {
		log.Printf("level=warn component=config msg=\"unknown STORE_DRIVER; falling back to postgres\" value=%q", config.StoreDriver)
		config.StoreDriver = StoreDriverPostgres
	}

	rate, parseErr := decimal.NewFromString(strings.TrimSpace(config.DefaultCommissionRate))
	if parseErr != nil {
		log.Printf("level=warn component=config msg=\"invalid DEFAULT_COMMISSION_RATE\" value=%q err=%v", config.DefaultCommissionRate, parseErr)
		rate = decimal.RequireFromString(defaultCommissionRate)
	}
	if rate.IsNegative() {
		log.Printf("level=warn component=config msg=\"negative commission rate configured; coercing to zero\" rate=%s", rate)
		rate = decimal.Zero
	}
	if rate.GreaterThan(decimal.NewFromInt(100)) {
		log.Printf("level=warn component=config msg=\"commission rate too high; capping at 100\" rate=%s", rate)
		rate = decimal.NewFromInt(100)
	}
	config.CommissionRate = rate

	if config.LockWaitTimeoutMS <= 0 {
		config.LockWaitTimeoutMS = defaultLockWaitTimeoutMS
	}
	if config.LockTTLMS <= 0 {
		config.LockTTLMS = defaultLockTTLMS
	}
	if config.GrabRateLimitPerMinute <= 0 {
		config.GrabRateLimitPerMinute = defaultGrabRateLimit
	}
	if config.AutoSettleAfterHours <= 0 {
		config.AutoSettleAfterHours = defaultAutoSettleAfterHours
	}
	if config.SettlementBatchSize <= 0 {
		config.SettlementBatchSize = defaultSettlementBatchSize
	}
	config.SettlementJobSchedule = validSchedule("SETTLEMENT_JOB_SCHEDULE", config.SettlementJobSchedule, defaultSettlementJobSchedule)
	config.ReconcileJobSchedule = validSchedule("RECONCILE_JOB_SCHEDULE", config.ReconcileJobSchedule, defaultReconcileJobSchedule)

	return
}

func validSchedule(key, spec, fallback string) string {
	spec = strings.TrimSpace(spec)
	if _, err := cron.ParseStandard(spec); err != nil {
		log.Printf("level=warn component=config msg=\"invalid cron schedule; using default\" key=%s value=%q err=%v", key, spec, err)
		return fallback
	}
	return spec
}
