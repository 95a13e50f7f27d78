package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

type Config struct {
	Server  ServerConfig
	Redis   RedisConfig
	Mongo   MongoConfig
	Binance BinanceConfig
	Queue   QueueConfig
	History HistoryConfig
	Logging LoggingConfig
}

type ServerConfig struct {
	Port        int
	FrontendURL string
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

type MongoConfig struct {
	URI string
}

type BinanceConfig struct {
	WSBase   string
	RESTBase string
	Streams  []string
}

type QueueConfig struct {
	PriceQueueName string
}

type HistoryConfig struct {
	FreshnessMultiplier int
	SeedLimit           int
	SeedSymbolsFile     string
	MaxKlinesLimit      int
	DefaultKlinesLimit  int
}

type LoggingConfig struct {
	Level string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if exists
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Port:        getEnvInt("PORT", 3000),
			FrontendURL: getEnv("FRONTEND_URL", "*"),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Mongo: MongoConfig{
			URI: getEnv("MONGODB_URI", "mongodb://localhost:27017/chart_db"),
		},
		Binance: BinanceConfig{
			WSBase:   getEnv("BINANCE_SPOT_WS_BASE", "wss://stream.binance.com:9443"),
			RESTBase: getEnv("BINANCE_SPOT_REST_BASE", "https://api.binance.com"),
			Streams:  splitStreams(getEnv("BINANCE_STREAMS", "btcusdt@miniTicker")),
		},
		Queue: QueueConfig{
			PriceQueueName: getEnv("PRICE_QUEUE_NAME", "price"),
		},
		History: HistoryConfig{
			FreshnessMultiplier: getEnvInt("FRESHNESS_MULTIPLIER", 3),
			SeedLimit:           getEnvInt("SEED_LIMIT", 1000),
			SeedSymbolsFile:     getEnv("SEED_SYMBOLS_FILE", ""),
			MaxKlinesLimit:      getEnvInt("MAX_KLINES_LIMIT", 1000),
			DefaultKlinesLimit:  getEnvInt("DEFAULT_KLINES_LIMIT", 500),
		},
		Logging: LoggingConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Redis.Host == "" {
		return fmt.Errorf("REDIS_HOST is required")
	}
	if c.Mongo.URI == "" {
		return fmt.Errorf("MONGODB_URI is required")
	}
	if len(c.Binance.Streams) == 0 {
		return fmt.Errorf("BINANCE_STREAMS must name at least one stream")
	}
	return nil
}

func (c *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DatabaseName extracts the database name from the Mongo URI path, defaulting
// to chart_db when the URI carries none.
func (c *MongoConfig) DatabaseName() string {
	uri := c.URI
	if idx := strings.Index(uri, "?"); idx >= 0 {
		uri = uri[:idx]
	}
	if idx := strings.Index(uri, "://"); idx >= 0 {
		uri = uri[idx+3:]
	}
	if idx := strings.Index(uri, "/"); idx >= 0 {
		if name := uri[idx+1:]; name != "" {
			return name
		}
	}
	return "chart_db"
}

func splitStreams(s string) []string {
	parts := strings.Split(s, ",")
	streams := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			streams = append(streams, p)
		}
	}
	return streams
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}
