package config

import (
	"os"
	"strconv"
	"strings"
)

// global process configuration instance
var global *Config

// Config process-level settings loaded from the environment (.env in dev).
// Run-level grid settings live in RunConfig.
type Config struct {
	// Service
	DBPath        string
	APIServerPort int
	LogLevel      string
	LogFormat     string

	// Exchange credentials, only read in live mode
	BinanceAPIKey    string
	BinanceSecretKey string
	BinanceTestnet   bool

	// Notifications
	TelegramBotToken string
	TelegramChatID   int64

	// Base64 AES key for ENC:v1: secrets
	DataEncryptionKey string
}

// Init loads the global configuration from environment variables
func Init() {
	cfg := &Config{
		DBPath:        "data/gridbot.db",
		APIServerPort: 8080,
		LogLevel:      "info",
		LogFormat:     "text",
	}

	if v := os.Getenv("DB_PATH"); v != "" {
		cfg.DBPath = strings.TrimSpace(v)
	}
	if v := os.Getenv("API_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			cfg.APIServerPort = port
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(strings.TrimSpace(v))
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.LogFormat = strings.ToLower(strings.TrimSpace(v))
	}

	cfg.BinanceAPIKey = strings.TrimSpace(os.Getenv("BINANCE_API_KEY"))
	cfg.BinanceSecretKey = strings.TrimSpace(os.Getenv("BINANCE_SECRET_KEY"))
	if v := os.Getenv("BINANCE_TESTNET"); v != "" {
		cfg.BinanceTestnet = strings.ToLower(v) == "true"
	}

	cfg.TelegramBotToken = strings.TrimSpace(os.Getenv("TELEGRAM_BOT_TOKEN"))
	if v := os.Getenv("TELEGRAM_CHAT_ID"); v != "" {
		if id, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
			cfg.TelegramChatID = id
		}
	}

	cfg.DataEncryptionKey = strings.TrimSpace(os.Getenv("DATA_ENCRYPTION_KEY"))

	global = cfg
}

// Get returns the global configuration, loading it on first use
func Get() *Config {
	if global == nil {
		Init()
	}
	return global
}
