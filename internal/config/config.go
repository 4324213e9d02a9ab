// Package config provides configuration loading and management for the application.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// MinUpdateInterval is the floor applied to the aggregation interval.
const MinUpdateInterval = 30 * time.Second

// Config holds all application configuration
type Config struct {
	// HTTP server port
	Port string

	RedisURL string

	// Upstream endpoints
	DefiLlamaURL          string
	DefiLlamaProtocolsURL string
	DefiLlamaChartURL     string
	DefiLlamaProtocolURL  string
	BeefyVaultsURL        string
	BeefyAPYURL           string
	YearnURL              string
	SommelierURL          string
	PendleURL             string
	StakeDAOURL           string
	MorphoURL             string

	CoinGeckoMarketURL  string
	CoinGeckoVsCurrency string
	CoinGeckoPerPage    int
	CoinGeckoPages      int
	CoinGeckoRPS        float64

	HTTPTimeout time.Duration

	// LatestTTL bounds the "latest" envelope; TVL history keys live 4x as long
	LatestTTL      time.Duration
	UpdateInterval time.Duration
	InitialDelay   time.Duration
	// CronSpec overrides UpdateInterval when set
	CronSpec string

	CachePrefix        string
	CacheTTL           time.Duration
	RefreshQueueSuffix string
	RefreshPopTimeout  time.Duration

	DefaultIconURL string
	PoolIndexTTL   time.Duration

	// Source circuit breaker
	BreakerFailureThreshold int
	BreakerResetDelay       time.Duration

	// OpenTelemetry endpoint for observability
	OtelEndpoint string

	RateLimitRPS   float64
	RateLimitBurst int

	LogFormat string
	LogLevel  string
}

// Load creates a new Config from environment variables.
// A .env file in the working directory is read first when present; real env vars win.
func Load() Config {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logrus.Warnf("Failed to read .env file: %v", err)
	}

	cfg := Config{
		Port:     GetEnvOrDefault("PORT", "8080"),
		RedisURL: GetEnvOrDefault("REDIS_URL", "redis://localhost:6379/0"),

		DefiLlamaURL:          GetEnvOrDefault("DEFILLAMA_URL", "https://yields.llama.fi/pools"),
		DefiLlamaProtocolsURL: GetEnvOrDefault("DEFILLAMA_PROTOCOLS_URL", "https://api.llama.fi/protocols"),
		DefiLlamaChartURL:     GetEnvOrDefault("DEFILLAMA_CHART_URL", "https://yields.llama.fi/chart"),
		DefiLlamaProtocolURL:  GetEnvOrDefault("DEFILLAMA_PROTOCOL_URL", "https://api.llama.fi/protocol"),
		BeefyVaultsURL:        GetEnvOrDefault("BEEFY_VAULTS_URL", "https://api.beefy.finance/vaults"),
		BeefyAPYURL:           GetEnvOrDefault("BEEFY_URL", "https://api.beefy.finance/apy"),
		YearnURL:              GetEnvOrDefault("YEARN_URL", "https://api.yearn.finance/v1/chains/1/vaults/all"),
		SommelierURL:          GetEnvOrDefault("SOMMELIER_URL", "https://sommelier-api.net/vaults"),
		PendleURL:             GetEnvOrDefault("PENDLE_URL", "https://api.pendle.finance/api/v2/yield"),
		StakeDAOURL:           GetEnvOrDefault("STAKEDAO_URL", "https://stake-dao.api/vaults"),
		MorphoURL:             GetEnvOrDefault("MORPHO_URL", "https://api.morpho.org/graphql"),

		CoinGeckoMarketURL:  GetEnvOrDefault("COINGECKO_MARKET_URL", "https://api.coingecko.com/api/v3/coins/markets"),
		CoinGeckoVsCurrency: GetEnvOrDefault("COINGECKO_VS_CURRENCY", "usd"),
		CoinGeckoPerPage:    GetEnvAsInt("COINGECKO_PER_PAGE", 250),
		CoinGeckoPages:      GetEnvAsInt("COINGECKO_PAGES", 2),
		CoinGeckoRPS:        GetEnvAsFloat("COINGECKO_RPS", 0.5),

		HTTPTimeout: GetEnvAsSeconds("COLLECTOR_HTTP_TIMEOUT", 30*time.Second),

		LatestTTL:      GetEnvAsSeconds("STRATEGIES_CACHE_TTL", 30*time.Minute),
		UpdateInterval: GetEnvAsSeconds("AGGREGATOR_UPDATE_INTERVAL", 5*time.Minute),
		InitialDelay:   GetEnvAsSeconds("AGGREGATOR_INITIAL_DELAY", 0),
		CronSpec:       GetEnvOrDefault("AGGREGATOR_CRON", ""),

		CachePrefix:        GetEnvOrDefault("STRATEGY_CACHE_PREFIX", "defi:strategies"),
		CacheTTL:           GetEnvAsSeconds("STRATEGY_CACHE_TTL_SECONDS", 600*time.Second),
		RefreshQueueSuffix: GetEnvOrDefault("STRATEGY_REFRESH_QUEUE_SUFFIX", "refresh-queue"),
		RefreshPopTimeout:  GetEnvAsSeconds("REFRESH_POP_TIMEOUT", 5*time.Second),

		DefaultIconURL: GetEnvOrDefault("DEFAULT_PROTOCOL_ICON", "https://icons.llama.fi/icons/unknown.png"),
		PoolIndexTTL:   GetEnvAsDuration("POOL_INDEX_TTL", 15*time.Minute),

		BreakerFailureThreshold: GetEnvAsInt("SOURCE_BREAKER_FAILURES", 3),
		BreakerResetDelay:       GetEnvAsDuration("SOURCE_BREAKER_RESET_DELAY", 15*time.Minute),

		OtelEndpoint: GetEnvOrDefault("OTEL_EXPORTER_OTLP_ENDPOINT", ""),

		RateLimitRPS:   GetEnvAsFloat("RATE_LIMIT_RPS", 1.0),
		RateLimitBurst: GetEnvAsInt("RATE_LIMIT_BURST", 3),

		LogFormat: strings.ToLower(GetEnvOrDefault("LOG_FORMAT", "text")),
		LogLevel:  strings.ToLower(GetEnvOrDefault("LOG_LEVEL", "info")),
	}

	if cfg.UpdateInterval < MinUpdateInterval {
		cfg.UpdateInterval = MinUpdateInterval
	}
	return cfg
}

// RefreshQueueKey is the Redis list holding refresh requests.
func (c Config) RefreshQueueKey() string {
	return c.CachePrefix + ":" + c.RefreshQueueSuffix
}

// GetEnv retrieves an environment variable and whether it exists
func GetEnv(key string) (string, bool) {
	value, exists := os.LookupEnv(key)
	return value, exists
}

// GetEnvOrDefault retrieves an environment variable or returns the default value if not set
func GetEnvOrDefault(key, defaultValue string) string {
	if value, exists := GetEnv(key); exists && value != "" {
		return value
	}
	return defaultValue
}

// GetEnvAsInt retrieves an environment variable as an integer with a default value
func GetEnvAsInt(key string, defaultValue int) int {
	if value, exists := GetEnv(key); exists {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
		logrus.Warnf("Invalid integer in %s, using default: %v", key, defaultValue)
	}
	return defaultValue
}

// GetEnvAsFloat retrieves an environment variable as a float with a default value
func GetEnvAsFloat(key string, defaultValue float64) float64 {
	if value, exists := GetEnv(key); exists {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
		logrus.Warnf("Invalid float in %s, using default: %v", key, defaultValue)
	}
	return defaultValue
}

// GetEnvAsDuration retrieves an environment variable as a duration with a default value
func GetEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := GetEnv(key); exists {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
		logrus.Warnf("Invalid duration in %s, using default: %v", key, defaultValue)
	}
	return defaultValue
}

// GetEnvAsSeconds accepts either a bare number of seconds or a Go duration string.
func GetEnvAsSeconds(key string, defaultValue time.Duration) time.Duration {
	value, exists := GetEnv(key)
	if !exists || value == "" {
		return defaultValue
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return GetEnvAsDuration(key, defaultValue)
}
