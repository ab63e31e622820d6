package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the exchange
type Config struct {
	// Telegram (auth secret for login claims + ops notifications)
	TelegramToken  string
	TelegramChatID int64

	// Mode
	Debug bool

	// HTTP / WebSocket
	ListenAddr string
	StaticDir  string

	// Database: postgres:// URL or a sqlite file path
	DatabasePath string

	// Price aggregation
	AggregateInterval time.Duration
	StaleThreshold    time.Duration
	HistoryRetention  int // seconds of price history kept in the store

	// Feeds
	EnableBinance        bool
	EnableCoinbase       bool
	EnableKraken         bool
	EnableBitstamp       bool
	PolygonRPCURL        string // enables the Chainlink feed when set
	BitstampPollInterval time.Duration

	// Trading
	MaxSharesPerOrder int64
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		TelegramToken: os.Getenv("TELEGRAM_BOT_TOKEN"),

		Debug: getEnvBool("DEBUG", false),

		ListenAddr: getEnv("LISTEN_ADDR", ":8080"),
		StaticDir:  getEnv("STATIC_DIR", "public"),

		DatabasePath: getEnv("DATABASE_PATH", "data/btcupdown.db"),

		AggregateInterval: getEnvDuration("AGGREGATE_INTERVAL", time.Second),
		StaleThreshold:    getEnvDuration("STALE_THRESHOLD", 30*time.Second),
		HistoryRetention:  getEnvInt("HISTORY_RETENTION", 86400),

		EnableBinance:  getEnvBool("FEED_BINANCE", true),
		EnableCoinbase: getEnvBool("FEED_COINBASE", true),
		EnableKraken:   getEnvBool("FEED_KRAKEN", true),
		EnableBitstamp: getEnvBool("FEED_BITSTAMP", true),
		PolygonRPCURL:  os.Getenv("POLYGON_RPC_URL"),

		BitstampPollInterval: getEnvDuration("BITSTAMP_POLL_INTERVAL", time.Second),

		MaxSharesPerOrder: int64(getEnvInt("MAX_SHARES_PER_ORDER", 1000)),
	}

	// Parse chat ID
	if chatID := os.Getenv("TELEGRAM_CHAT_ID"); chatID != "" {
		id, err := strconv.ParseInt(chatID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid TELEGRAM_CHAT_ID: %w", err)
		}
		cfg.TelegramChatID = id
	}

	// The bot token doubles as the login-claim HMAC secret
	if cfg.TelegramToken == "" {
		return nil, fmt.Errorf("TELEGRAM_BOT_TOKEN is required")
	}

	if cfg.MaxSharesPerOrder < 1 {
		return nil, fmt.Errorf("MAX_SHARES_PER_ORDER must be positive")
	}

	return cfg, nil
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
