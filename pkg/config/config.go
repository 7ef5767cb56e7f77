package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for the options core.
type Config struct {
	Port string

	// Database
	DBPath string

	// Broker
	PaperTrading bool
	UseMockFeed  bool

	// Engine cadence
	TickIntervalSec      int
	ReconcileIntervalSec int
	ScanLimit            int
	MaxExecPerTick       int
	AutoStartEngine      bool

	// Risk parameter file (YAML); empty falls back to built-in defaults.
	ParamsPath string

	// Extra blocked symbols on top of the params file.
	BlockedSymbols []string

	// Backtest starting equity when no live snapshot exists.
	StartEquity float64

	// Auth
	JWTSecret        string
	OperatorUser     string
	OperatorPassHash string // bcrypt; empty disables auth

	// API rate limit, requests per second per client IP.
	APIRateLimit float64
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	return &Config{
		Port:                 getEnv("PORT", "8080"),
		DBPath:               getEnv("DB_PATH", "./data/options.db"),
		PaperTrading:         getEnv("PAPER_TRADING", "true") == "true",
		UseMockFeed:          getEnv("USE_MOCK_FEED", "true") == "true",
		TickIntervalSec:      getEnvInt("TICK_INTERVAL_SEC", 2),
		ReconcileIntervalSec: getEnvInt("RECONCILE_INTERVAL_SEC", 15),
		ScanLimit:            getEnvInt("SCAN_LIMIT", 20),
		MaxExecPerTick:       getEnvInt("MAX_EXEC_PER_TICK", 3),
		AutoStartEngine:      getEnv("AUTO_START_ENGINE", "false") == "true",
		ParamsPath:           getEnv("PARAMS_PATH", ""),
		BlockedSymbols:       splitAndTrim(getEnv("BLOCKED_SYMBOLS", "")),
		StartEquity:          getEnvFloat("START_EQUITY", 100000),
		JWTSecret:            getEnv("JWT_SECRET", "dev-secret"),
		OperatorUser:         getEnv("OPERATOR_USER", "operator"),
		OperatorPassHash:     os.Getenv("OPERATOR_PASS_HASH"),
		APIRateLimit:         getEnvFloat("API_RATE_LIMIT", 20),
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
