// Package configs provides application configuration loaded from environment variables.
// All configuration is externalized via environment variables for 12-factor app compliance.
package configs

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// AppConfig holds all application configuration.
// Load it once at startup using AppLoad().
type AppConfig struct {
	// BarsDSN is the ClickHouse connection string for the price-bar store.
	BarsDSN string

	// CatalogDSN is the Postgres connection string for instrument metadata
	// and the sync audit log.
	CatalogDSN string

	// Ingest contains batch settings for the ingestion engine.
	Ingest IngestConfig

	// Coingecko contains CoinGecko source settings.
	Coingecko SourceConfig

	// AlphaVantage contains Alpha Vantage source settings.
	AlphaVantage SourceConfig

	// RunDeadline bounds one scheduled run end to end. Jobs interrupted by
	// the deadline close their sync record as partial.
	RunDeadline time.Duration
}

// SourceConfig holds per-provider credentials and budgets. A source whose
// required credential is missing loads as disabled rather than failing
// startup.
type SourceConfig struct {
	// APIKey is the provider credential.
	APIKey string

	// Enabled is false when the credential is required but missing, or when
	// the operator disabled the source.
	Enabled bool

	// PerMinute is the requests-per-minute budget.
	PerMinute int

	// PerDay is the requests-per-day budget, 0 for unlimited.
	PerDay int

	// FailureThreshold is how many consecutive failures open the breaker.
	FailureThreshold int

	// CooldownSeconds is the initial breaker open->half-open wait.
	CooldownSeconds int
}

// IngestConfig holds settings for batch processing.
type IngestConfig struct {
	// BatchSize is the maximum number of bars per store write.
	BatchSize int

	// MaxWriteAttempts bounds per-batch write retries.
	MaxWriteAttempts int
}

// getBarsDSN constructs the ClickHouse DSN from environment variables.
func getBarsDSN() string {
	dbUser := getEnv("CLICKHOUSE_USER", "user")
	dbPassword := getEnv("CLICKHOUSE_PASSWORD", "password")
	dbHost := getEnv("CLICKHOUSE_HOST", "localhost")
	dbPort := getEnv("CLICKHOUSE_TCP_PORT", "9000")
	dbName := getEnv("CLICKHOUSE_DB", "pricesync")

	return fmt.Sprintf(
		"clickhouse://%s:%s@%s:%s/%s?dial_timeout=10s&read_timeout=20s",
		dbUser, dbPassword, dbHost, dbPort, dbName,
	)
}

// getCatalogDSN constructs the Postgres DSN from environment variables.
func getCatalogDSN() string {
	dbUser := getEnv("POSTGRES_USER", "user")
	dbPassword := getEnv("POSTGRES_PASSWORD", "password")
	dbHost := getEnv("POSTGRES_HOST", "localhost")
	dbPort := getEnv("POSTGRES_PORT", "5432")
	dbName := getEnv("POSTGRES_DB", "pricesync")
	sslMode := getEnv("POSTGRES_SSLMODE", "disable")

	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		dbHost, dbPort, dbUser, dbPassword, dbName, sslMode,
	)
}

// getSourceConfig loads one provider's settings. keyRequired sources with
// no credential come back disabled.
func getSourceConfig(prefix string, keyRequired bool, defaultPerMinute, defaultPerDay int) SourceConfig {
	apiKey := getEnv(prefix+"_API_KEY", "")
	enabled := getEnvBool(prefix+"_ENABLED", true)
	if keyRequired && apiKey == "" {
		enabled = false
	}

	return SourceConfig{
		APIKey:           apiKey,
		Enabled:          enabled,
		PerMinute:        getEnvInt(prefix+"_PER_MINUTE", defaultPerMinute),
		PerDay:           getEnvInt(prefix+"_PER_DAY", defaultPerDay),
		FailureThreshold: getEnvInt(prefix+"_FAILURE_THRESHOLD", 5),
		CooldownSeconds:  getEnvInt(prefix+"_COOLDOWN_SECONDS", 30),
	}
}

// AppLoad loads all application configuration from environment variables.
// It attempts to load a .env file first (for local development).
// Call this once at application startup.
func AppLoad() *AppConfig {
	_ = godotenv.Load() // Ignore error - .env is optional

	return &AppConfig{
		BarsDSN:    getBarsDSN(),
		CatalogDSN: getCatalogDSN(),
		Ingest: IngestConfig{
			BatchSize:        getEnvInt("BATCH_SIZE", 500),
			MaxWriteAttempts: getEnvInt("MAX_WRITE_ATTEMPTS", 3),
		},
		Coingecko:    getSourceConfig("COINGECKO", false, 30, 0),
		AlphaVantage: getSourceConfig("ALPHAVANTAGE", true, 5, 500),
		RunDeadline:  time.Duration(getEnvInt("RUN_DEADLINE_SECONDS", 1800)) * time.Second,
	}
}

// getEnv returns the environment variable value or a default.
func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// getEnvInt returns the environment variable as int or a default.
func getEnvInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvBool returns the environment variable as bool or a default.
func getEnvBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
