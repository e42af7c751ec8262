package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// Config holds all configuration for the ESL sync service
type Config struct {
	// Server
	Port        string
	Environment string
	LogLevel    string
	AdminAPIKey string // comma-separated keys accepted on /api/v1

	// Database
	DatabaseURL string
	AutoMigrate bool

	// GCP
	GCPProjectID string

	// Infrastructure
	RedisAddress    string
	RedisPassword   string
	NATSURL         string
	SlackWebhookURL string

	// ESL vendor
	ESLBaseURL   string
	ESLAccount   string
	ESLPassword  string
	ESLTimeout   time.Duration
	ESLRateLimit int // requests per second

	// Sync worker
	SyncPollInterval    time.Duration
	SyncBatchSize       int
	SyncMaxRetries      int
	SyncRetryBaseDelay  time.Duration
	SyncRetryMultiplier float64
	SyncMaxBackoff      time.Duration
	SyncProcessingLease time.Duration

	// Token refresh
	TokenPreflightThreshold time.Duration
	TokenSweepThreshold     time.Duration
	TokenSweepInterval      time.Duration
	TokenLockTTL            time.Duration
	TokenEncryptionKey      string

	// Polling reconciliation
	PollInterval         time.Duration
	PollPageDelay        time.Duration
	PollConcurrency      int
	GhostCleanupEveryN   int
	GhostCleanupInterval time.Duration

	// Price scheduler
	SchedulerTick           time.Duration
	SchedulerStartTolerance time.Duration
	SchedulerEndTolerance   time.Duration
	DefaultTimezone         string

	// Outbound HTTP
	HTTPTimeout time.Duration

	// Shopify
	ShopifyAPIKey     string
	ShopifyAPISecret  string
	ShopifyAPIVersion string
	ShopifyBaseURL    string

	// Clover
	CloverBaseURL       string
	CloverAppID         string
	CloverAppSecret     string
	CloverWebhookSecret string
}

// Load loads configuration from environment variables
func Load() *Config {
	// A missing .env file is fine outside local development
	_ = godotenv.Load()

	databaseURL := getEnv("DATABASE_URL", "")
	if databaseURL == "" {
		dbHost := getEnv("DB_HOST", "localhost")
		dbPort := getEnv("DB_PORT", "5432")
		dbUser := getEnv("DB_USER", "postgres")
		dbPassword := getEnv("DB_PASSWORD", "")
		dbName := getEnv("DB_NAME", "esl_sync")
		dbSSLMode := getEnv("DB_SSLMODE", "disable")

		databaseURL = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
			dbUser, dbPassword, dbHost, dbPort, dbName, dbSSLMode)
	}

	return &Config{
		Port:        getEnv("PORT", "8099"),
		Environment: getEnv("ENVIRONMENT", "development"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		AdminAPIKey: getEnv("ADMIN_API_KEYS", ""),
		DatabaseURL: databaseURL,
		AutoMigrate: getEnvAsBool("AUTO_MIGRATE", true),

		GCPProjectID: getEnv("GCP_PROJECT_ID", ""),

		RedisAddress:    getEnv("REDIS_ADDRESS", ""),
		RedisPassword:   getEnv("REDIS_PASSWORD", ""),
		NATSURL:         getEnv("NATS_URL", ""),
		SlackWebhookURL: getEnv("SLACK_WEBHOOK_URL", ""),

		ESLBaseURL:   getEnv("ESL_BASE_URL", "https://esl-api.example.com"),
		ESLAccount:   getEnv("ESL_ACCOUNT", ""),
		ESLPassword:  getEnv("ESL_PASSWORD", ""),
		ESLTimeout:   getEnvAsDuration("ESL_TIMEOUT", 30*time.Second),
		ESLRateLimit: getEnvAsInt("ESL_RATE_LIMIT", 10),

		SyncPollInterval:    getEnvAsDuration("SYNC_POLL_INTERVAL", 5*time.Second),
		SyncBatchSize:       getEnvAsInt("SYNC_BATCH_SIZE", 50),
		SyncMaxRetries:      getEnvAsInt("SYNC_MAX_RETRIES", 5),
		SyncRetryBaseDelay:  getEnvAsDuration("SYNC_RETRY_BASE_DELAY", 10*time.Second),
		SyncRetryMultiplier: getEnvAsFloat("SYNC_RETRY_MULTIPLIER", 2.0),
		SyncMaxBackoff:      getEnvAsDuration("SYNC_MAX_BACKOFF", 30*time.Minute),
		SyncProcessingLease: getEnvAsDuration("SYNC_PROCESSING_LEASE", 10*time.Minute),

		TokenPreflightThreshold: getEnvAsDuration("TOKEN_PREFLIGHT_THRESHOLD", 15*time.Minute),
		TokenSweepThreshold:     getEnvAsDuration("TOKEN_SWEEP_THRESHOLD", 72*time.Hour),
		TokenSweepInterval:      getEnvAsDuration("TOKEN_SWEEP_INTERVAL", 24*time.Hour),
		TokenLockTTL:            getEnvAsDuration("TOKEN_LOCK_TTL", 30*time.Second),
		TokenEncryptionKey:      getEnv("TOKEN_ENCRYPTION_KEY", ""),

		PollInterval:         getEnvAsDuration("POLL_INTERVAL", 5*time.Minute),
		PollPageDelay:        getEnvAsDuration("POLL_PAGE_DELAY", 500*time.Millisecond),
		PollConcurrency:      getEnvAsInt("POLL_CONCURRENCY", 4),
		GhostCleanupEveryN:   getEnvAsInt("GHOST_CLEANUP_EVERY_N", 12),
		GhostCleanupInterval: getEnvAsDuration("GHOST_CLEANUP_INTERVAL", time.Hour),

		SchedulerTick:           getEnvAsDuration("SCHEDULER_TICK", 15*time.Second),
		SchedulerStartTolerance: getEnvAsDuration("SCHEDULER_START_TOLERANCE", 2*time.Minute),
		SchedulerEndTolerance:   getEnvAsDuration("SCHEDULER_END_TOLERANCE", 5*time.Minute),
		DefaultTimezone:         getEnv("DEFAULT_TIMEZONE", "UTC"),

		HTTPTimeout: getEnvAsDuration("HTTP_TIMEOUT", 30*time.Second),

		ShopifyAPIKey:     getEnv("SHOPIFY_API_KEY", ""),
		ShopifyAPISecret:  getEnv("SHOPIFY_API_SECRET", ""),
		ShopifyAPIVersion: getEnv("SHOPIFY_API_VERSION", "2024-01"),
		ShopifyBaseURL:    getEnv("SHOPIFY_BASE_URL", ""),

		CloverBaseURL:       getEnv("CLOVER_BASE_URL", "https://api.clover.com"),
		CloverAppID:         getEnv("CLOVER_APP_ID", ""),
		CloverAppSecret:     getEnv("CLOVER_APP_SECRET", ""),
		CloverWebhookSecret: getEnv("CLOVER_WEBHOOK_SECRET", ""),
	}
}

// IsProduction reports whether the service runs in production
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}

// NewLogger builds the service logger
func NewLogger(cfg *Config) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stdout)
	if cfg.IsProduction() {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	return logger
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvAsInt gets an environment variable as an integer with a default value
func getEnvAsInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	intValue, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return intValue
}

// getEnvAsFloat gets an environment variable as a float with a default value
func getEnvAsFloat(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	floatValue, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return defaultValue
	}
	return floatValue
}

// getEnvAsDuration gets an environment variable as a duration with a default value
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	duration, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}
	return duration
}

// getEnvAsBool gets an environment variable as a boolean with a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	boolValue, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return boolValue
}
